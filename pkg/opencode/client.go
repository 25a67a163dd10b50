package opencode

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/tao-shen/candy-shop-sub000/internal/common/constants"
	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
	"github.com/tao-shen/candy-shop-sub000/internal/tracing"
)

// DefaultUsername is the basic-auth user the server expects.
const DefaultUsername = "opencode"

// ClientConfig holds connection settings for a Client.
type ClientConfig struct {
	BaseURL   string
	Directory string
	Username  string
	Password  string
	// Token selects bearer auth and takes precedence over Password.
	Token string
	// Timeout bounds request/response calls. The event stream is not bounded.
	Timeout time.Duration
	// YieldEvery is passed to every EventReader opened by Subscribe.
	YieldEvery int
}

// Client manages HTTP communication with an OpenCode server.
// It is stateless apart from its configuration and safe for concurrent use.
type Client struct {
	baseURL    string
	directory  string
	authHeader string
	yieldEvery int
	httpClient *http.Client
	sseClient  *http.Client
	logger     *logger.Logger
}

// NewClient creates a new OpenCode HTTP client
func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = constants.CommandTimeout
	}
	yield := cfg.YieldEvery
	if yield <= 0 {
		yield = constants.ReaderYieldEvery
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		directory:  cfg.Directory,
		authHeader: buildAuthHeader(cfg),
		yieldEvery: yield,
		httpClient: &http.Client{Timeout: timeout},
		// No timeout for SSE
		sseClient: &http.Client{},
		logger:    log.WithFields(zap.String("component", "opencode-client")),
	}
}

// buildAuthHeader creates the Authorization header value, or "" for no auth.
func buildAuthHeader(cfg ClientConfig) string {
	if cfg.Token != "" {
		return "Bearer " + cfg.Token
	}
	if cfg.Password == "" {
		return ""
	}
	user := cfg.Username
	if user == "" {
		user = DefaultUsername
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(user + ":" + cfg.Password))
	return "Basic " + credentials
}

// newRequest builds a scoped, authenticated request.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	target := c.baseURL + path
	if c.directory != "" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		target += sep + "directory=" + url.QueryEscape(c.directory)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}
	if c.directory != "" {
		req.Header.Set("X-OpenCode-Directory", c.directory)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do performs one request/response call. A non-nil out is decoded from a 2xx body.
func (c *Client) do(ctx context.Context, operation, method, path string, in, out any) (err error) {
	ctx, span := tracing.TraceCommand(ctx, operation, method, path)
	status := 0
	defer func() {
		tracing.TraceCommandResult(span, status, err)
		span.End()
	}()

	var body io.Reader
	if in != nil {
		payload, mErr := json.Marshal(in)
		if mErr != nil {
			return fmt.Errorf("marshal %s request: %w", operation, mErr)
		}
		body = bytes.NewReader(payload)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Operation: operation, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()
	status = resp.StatusCode

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Operation: operation, Cause: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &CommandFailed{
			Operation: operation,
			Status:    resp.StatusCode,
			Body:      strings.TrimSpace(string(respBody)),
		}
	}

	c.logger.Debug("command completed",
		zap.String("operation", operation),
		zap.Int("status", resp.StatusCode))

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse %s response: %w", operation, err)
	}
	return nil
}

// WaitForHealth waits for the OpenCode server to be healthy
func (c *Client) WaitForHealth(ctx context.Context) error {
	deadline := time.Now().Add(constants.HealthCheckTimeout)
	var lastErr error

	for time.Now().Before(deadline) {
		health, err := c.Health(ctx)
		switch {
		case err == nil && health.Healthy:
			c.logger.Info("OpenCode server healthy", zap.String("version", health.Version))
			return nil
		case err == nil:
			lastErr = fmt.Errorf("server unhealthy (version %s)", health.Version)
		default:
			lastErr = err
			c.logger.Debug("health check request failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(150 * time.Millisecond):
		}
	}

	if lastErr != nil {
		return fmt.Errorf("health check timeout: %w", lastErr)
	}
	return errors.New("health check timeout")
}

// Health performs one health check.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var health HealthResponse
	err := c.do(ctx, "health", http.MethodGet, "/global/health", nil, &health)
	return health, err
}

// CreateSession creates a new OpenCode session
func (c *Client) CreateSession(ctx context.Context, title string) (*SessionInfo, error) {
	var session SessionInfo
	if err := c.do(ctx, "create session", http.MethodPost, "/session", CreateSessionRequest{Title: title}, &session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, errors.New("create session: response carried no id")
	}
	return &session, nil
}

// ListSessions lists the sessions visible in the configured directory.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var sessions []SessionInfo
	if err := c.do(ctx, "list sessions", http.MethodGet, "/session", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// DeleteSession removes a session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, "delete session", http.MethodDelete, "/session/"+url.PathEscape(sessionID), nil, nil)
}

// AbortSession asks the server to stop work on a session.
func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, "abort session", http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/abort", nil, nil)
}

// GetSessionSnapshot returns the raw session document.
func (c *Client) GetSessionSnapshot(ctx context.Context, sessionID string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "get session", http.MethodGet, "/session/"+url.PathEscape(sessionID), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// GetSessionMessages returns the session history. When the message endpoint
// returns nothing, the snapshot's embedded messages are used instead.
func (c *Client) GetSessionMessages(ctx context.Context, sessionID string) ([]MessageEnvelope, error) {
	var messages []MessageEnvelope
	path := "/session/" + url.PathEscape(sessionID) + "/message"
	if err := c.do(ctx, "get messages", http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	if len(messages) > 0 {
		return messages, nil
	}

	snapshot, err := c.GetSessionSnapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	embedded := gjson.GetBytes(snapshot, "messages")
	if !embedded.IsArray() {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(embedded.Raw), &messages); err != nil {
		return nil, fmt.Errorf("parse snapshot messages: %w", err)
	}
	return messages, nil
}

// GetModels returns all provider models and the server's default model, if any.
func (c *Client) GetModels(ctx context.Context) ([]ProviderModel, *ModelRef, error) {
	var resp providersResponse
	if err := c.do(ctx, "get models", http.MethodGet, "/config/providers", nil, &resp); err != nil {
		return nil, nil, err
	}
	models, def := resp.flatten()
	return models, def, nil
}

// ListPendingQuestions returns unanswered questions, filtered to sessionID when non-empty.
func (c *Client) ListPendingQuestions(ctx context.Context, sessionID string) ([]PendingQuestion, error) {
	var raw []json.RawMessage
	if err := c.do(ctx, "list questions", http.MethodGet, "/question", nil, &raw); err != nil {
		return nil, err
	}
	questions := make([]PendingQuestion, 0, len(raw))
	for _, item := range raw {
		q, ok := ParsePendingQuestion(item)
		if !ok {
			c.logger.Debug("skipping malformed pending question", zap.String("payload", truncate(string(item), 200)))
			continue
		}
		if sessionID != "" && q.SessionID != sessionID {
			continue
		}
		questions = append(questions, q)
	}
	return questions, nil
}

// ReplyToQuestion answers a pending question. answers holds one label list per sub-question.
func (c *Client) ReplyToQuestion(ctx context.Context, questionID string, answers [][]string) error {
	if answers == nil {
		answers = [][]string{}
	}
	path := "/question/" + url.PathEscape(questionID) + "/reply"
	return c.do(ctx, "reply question", http.MethodPost, path, QuestionReplyRequest{Answers: answers}, nil)
}

// RejectQuestion dismisses a pending question without an answer.
func (c *Client) RejectQuestion(ctx context.Context, questionID string) error {
	path := "/question/" + url.PathEscape(questionID) + "/reject"
	return c.do(ctx, "reject question", http.MethodPost, path, nil, nil)
}

// SubmitPrompt sends a prompt without waiting for the reply. Output arrives on the event stream.
func (c *Client) SubmitPrompt(ctx context.Context, sessionID string, req PromptRequest) error {
	if req.Parts == nil {
		req.Parts = []PromptPart{}
	}
	path := "/session/" + url.PathEscape(sessionID) + "/prompt_async"
	return c.do(ctx, "submit prompt", http.MethodPost, path, req, nil)
}

// Subscribe opens the global event stream. The returned reader is bound to ctx:
// cancelling ctx closes the connection.
func (c *Client) Subscribe(ctx context.Context) (*EventReader, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/event", nil)
	if err != nil {
		return nil, &TransportError{Operation: "subscribe", Cause: err}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.sseClient.Do(req)
	if err != nil {
		return nil, &TransportError{Operation: "subscribe", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, &TransportError{
			Operation: "subscribe",
			Cause: &CommandFailed{
				Operation: "subscribe",
				Status:    resp.StatusCode,
				Body:      strings.TrimSpace(string(body)),
			},
		}
	}

	c.logger.Debug("SSE stream connected")
	return NewEventReader(resp.Body,
		WithYieldEvery(c.yieldEvery),
		WithReaderLogger(c.logger),
	), nil
}

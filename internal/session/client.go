// Package session implements the streaming session client: it turns the event
// stream of an agent server into coherent exchanges with question interrupts,
// snapshot healing and completion rules.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tao-shen/candy-shop-sub000/internal/common/appctx"
	"github.com/tao-shen/candy-shop-sub000/internal/common/constants"
	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
	"github.com/tao-shen/candy-shop-sub000/pkg/opencode"
)

// Commands is the request/response and streaming surface of the agent server.
// *opencode.Client implements it.
type Commands interface {
	CreateSession(ctx context.Context, title string) (*opencode.SessionInfo, error)
	ListSessions(ctx context.Context) ([]opencode.SessionInfo, error)
	DeleteSession(ctx context.Context, sessionID string) error
	AbortSession(ctx context.Context, sessionID string) error
	GetSessionMessages(ctx context.Context, sessionID string) ([]opencode.MessageEnvelope, error)
	GetModels(ctx context.Context) ([]opencode.ProviderModel, *opencode.ModelRef, error)
	ListPendingQuestions(ctx context.Context, sessionID string) ([]opencode.PendingQuestion, error)
	ReplyToQuestion(ctx context.Context, questionID string, answers [][]string) error
	RejectQuestion(ctx context.Context, questionID string) error
	SubmitPrompt(ctx context.Context, sessionID string, req opencode.PromptRequest) error
	Subscribe(ctx context.Context) (*opencode.EventReader, error)
}

var _ Commands = (*opencode.Client)(nil)

// Callbacks receive exchange notifications. They run one at a time on a
// dedicated goroutine, in order, and may call back into the Client.
type Callbacks struct {
	OnPartUpdated    func(exchangeID string, part Part)
	OnPartRemoved    func(exchangeID string, partID string)
	OnMessageUpdated func(exchangeID string, info MessageInfo)
	OnStatusChanged  func(exchangeID string, status opencode.SessionStatus)
	OnComplete       func(result Result)
	OnError          func(err error, partial Result)
	OnQuestion       func(q opencode.PendingQuestion)
	OnTodosUpdated   func(todos []opencode.Todo)
}

// Config tunes a Client. Zero values take the defaults in constants.
type Config struct {
	PollInterval time.Duration
	IdleDebounce time.Duration
	Timeout      time.Duration
	AbortTimeout time.Duration
	// DisablePolling turns off the snapshot fallback.
	DisablePolling bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = constants.SnapshotPollInterval
	}
	if c.IdleDebounce <= 0 {
		c.IdleDebounce = constants.IdleDebounce
	}
	if c.Timeout <= 0 {
		c.Timeout = constants.ExchangeTimeout
	}
	if c.AbortTimeout <= 0 {
		c.AbortTimeout = constants.AbortTimeout
	}
	return c
}

// ExchangeRequest describes one user turn.
type ExchangeRequest struct {
	// SessionID targets a session; empty uses the current one or creates a new one.
	SessionID string
	Text      string
	Files     []opencode.PromptPart
	Model     *opencode.ModelRef
	System    string
	Agent     string
}

// Client drives exchanges against one agent server. It keeps at most one open
// exchange and one active question.
type Client struct {
	cmds   Commands
	cfg    Config
	logger *logger.Logger

	interrupt *Interrupt
	notify    *notifier

	mu        sync.Mutex
	sessionID string
	handle    *StreamHandle
	callbacks Callbacks
	closed    bool
}

// NewClient creates a session client.
func NewClient(cmds Commands, cfg Config, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		cmds:      cmds,
		cfg:       cfg.withDefaults(),
		logger:    log.WithFields(zap.String("component", "session-client")),
		interrupt: NewInterrupt(),
		notify:    newNotifier(256),
	}
}

// SessionID returns the current session, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SetCallbacks replaces the callbacks used by exchanges started without explicit ones,
// such as streams resumed to deliver an answer.
func (c *Client) SetCallbacks(cb Callbacks) {
	c.mu.Lock()
	c.callbacks = cb
	c.mu.Unlock()
}

// StartExchange opens the event stream, then submits the prompt. It returns the
// exchange id once the prompt was accepted; output arrives through cb. A submit
// failure is returned here and not reported to cb.
func (c *Client) StartExchange(ctx context.Context, req ExchangeRequest, cb Callbacks) (string, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.Files) == 0 {
		return "", fmt.Errorf("start exchange: empty prompt")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = c.sessionID
	}
	old := c.handle
	c.handle = nil
	c.callbacks = cb
	c.mu.Unlock()

	c.supersede(ctx, old, true)
	c.interrupt.Discard()

	if sessionID == "" {
		info, err := c.cmds.CreateSession(ctx, titleFor(req.Text))
		if err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
		sessionID = info.ID
	}
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()

	ex := NewExchange(sessionID, req.Text)
	h, err := c.open(ctx, ex, cb)
	if err != nil {
		return "", err
	}

	prompt := opencode.PromptRequest{
		Model:  req.Model,
		Agent:  req.Agent,
		System: req.System,
	}
	if req.Text != "" {
		prompt.Parts = append(prompt.Parts, opencode.TextPart(req.Text))
	}
	prompt.Parts = append(prompt.Parts, req.Files...)

	if err := c.cmds.SubmitPrompt(ctx, sessionID, prompt); err != nil {
		h.Cancel()
		c.clearHandle(h)
		return "", fmt.Errorf("submit prompt: %w", err)
	}
	c.logger.Info("exchange started",
		zap.String("session_id", sessionID),
		zap.String("exchange_id", ex.ID))
	return ex.ID, nil
}

// open subscribes and starts a runner for ex. The stream is established when open returns.
func (c *Client) open(ctx context.Context, ex *Exchange, cb Callbacks) (*StreamHandle, error) {
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	reader, err := c.cmds.Subscribe(hctx)
	if err != nil {
		cancel()
		return nil, err
	}

	h := newStreamHandle(ex.SessionID, cancel)
	if ex.Resumed {
		h.hasReceivedQuestion.Store(c.interrupt.Active() != nil)
	}
	cfg := runnerConfig{
		idleDebounce: c.cfg.IdleDebounce,
		timeout:      c.cfg.Timeout,
	}
	if !c.cfg.DisablePolling {
		cfg.pollInterval = c.cfg.PollInterval
	}
	run := newRunner(h, c.cmds, ex, c.interrupt, cb, c.notify, cfg, c.logger)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = reader.Close()
		return nil, ErrClosed
	}
	prev := c.handle
	c.handle = h
	c.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}

	go run.run(hctx, reader)
	return h, nil
}

// supersede cancels a handle. With abort set, an unfinished exchange is also
// aborted on the server, bounded by the abort timeout.
func (c *Client) supersede(ctx context.Context, h *StreamHandle, abort bool) {
	if h == nil {
		return
	}
	unfinished := !h.IsCompleted()
	h.Cancel()
	if !abort || !unfinished {
		return
	}
	actx, cancel := appctx.Detached(ctx, nil, c.cfg.AbortTimeout)
	defer cancel()
	if err := c.cmds.AbortSession(actx, h.SessionID); err != nil {
		c.logger.Debug("abort of superseded exchange failed",
			zap.String("session_id", h.SessionID), zap.Error(err))
	}
}

func (c *Client) clearHandle(h *StreamHandle) {
	c.mu.Lock()
	if c.handle == h {
		c.handle = nil
	}
	c.mu.Unlock()
}

func (c *Client) liveHandle() *StreamHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle.live() {
		return c.handle
	}
	return nil
}

// resume opens a fresh stream that continues the current turn.
func (c *Client) resume(ctx context.Context) (*StreamHandle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	sessionID := c.sessionID
	cb := c.callbacks
	old := c.handle
	c.handle = nil
	c.mu.Unlock()

	if sessionID == "" {
		if q := c.interrupt.Active(); q != nil {
			sessionID = q.SessionID
		}
	}
	if sessionID == "" {
		return nil, ErrNoSession
	}
	c.supersede(ctx, old, false)

	ex := NewExchange(sessionID, "")
	ex.Resumed = true
	c.logger.Debug("resuming stream", zap.String("session_id", sessionID))
	return c.open(ctx, ex, cb)
}

// AnswerQuestion replies to the active question. answers holds one list per
// sub-question (see ComposeAnswer). Without a live stream one is opened first.
func (c *Client) AnswerQuestion(ctx context.Context, questionID string, answers [][]string) error {
	if err := c.interrupt.BeginAnswer(questionID); err != nil {
		return err
	}
	return c.settleQuestion(ctx, questionID, func(ctx context.Context) error {
		return c.cmds.ReplyToQuestion(ctx, questionID, answers)
	})
}

// RejectQuestion dismisses the active question.
func (c *Client) RejectQuestion(ctx context.Context, questionID string) error {
	if err := c.interrupt.BeginReject(questionID); err != nil {
		return err
	}
	return c.settleQuestion(ctx, questionID, func(ctx context.Context) error {
		return c.cmds.RejectQuestion(ctx, questionID)
	})
}

func (c *Client) settleQuestion(ctx context.Context, questionID string, send func(context.Context) error) error {
	h := c.liveHandle()
	if h == nil {
		var err error
		if h, err = c.resume(ctx); err != nil {
			c.interrupt.Fail()
			return fmt.Errorf("open stream for question %s: %w", questionID, err)
		}
	}
	if err := send(ctx); err != nil {
		c.interrupt.Fail()
		return err
	}
	h.send(controlMsg{kind: ctrlRearm, questionID: questionID})
	return nil
}

// Abort ends the open exchange locally, delivering OnComplete with the partial
// result, and asks the server to stop.
func (c *Client) Abort(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	h := c.handle
	c.mu.Unlock()

	if h.live() {
		h.send(controlMsg{kind: ctrlAbort})
	}
	if sessionID == "" {
		return nil
	}
	actx, cancel := appctx.Detached(ctx, nil, c.cfg.AbortTimeout)
	defer cancel()
	if err := c.cmds.AbortSession(actx, sessionID); err != nil {
		return fmt.Errorf("abort session: %w", err)
	}
	return nil
}

// CreateSession creates a session and makes it current.
func (c *Client) CreateSession(ctx context.Context, title string) (*opencode.SessionInfo, error) {
	info, err := c.cmds.CreateSession(ctx, title)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	old := c.handle
	c.handle = nil
	c.sessionID = info.ID
	c.mu.Unlock()
	c.supersede(ctx, old, false)
	c.interrupt.Discard()
	return info, nil
}

// ListSessions lists sessions on the server.
func (c *Client) ListSessions(ctx context.Context) ([]opencode.SessionInfo, error) {
	return c.cmds.ListSessions(ctx)
}

// DeleteSession deletes a session. Deleting the current session clears it.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	var old *StreamHandle
	if sessionID == c.sessionID {
		old = c.handle
		c.handle = nil
		c.sessionID = ""
	}
	c.mu.Unlock()
	if old != nil {
		c.supersede(ctx, old, false)
		c.interrupt.Discard()
	}
	return c.cmds.DeleteSession(ctx, sessionID)
}

// SwitchSession makes sessionID current. The open exchange is cancelled locally
// and keeps running on the server. A question already pending in the new session
// becomes active and is returned.
func (c *Client) SwitchSession(ctx context.Context, sessionID string) (*opencode.PendingQuestion, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	old := c.handle
	c.handle = nil
	c.sessionID = sessionID
	cb := c.callbacks
	c.mu.Unlock()

	c.supersede(ctx, old, false)
	c.interrupt.Discard()

	questions, err := c.cmds.ListPendingQuestions(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list pending questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, nil
	}
	q := questions[0]
	ids := make([]string, 0, len(questions)-1)
	for _, other := range questions[1:] {
		ids = append(ids, other.ID)
	}
	c.interrupt.Ask(q)
	c.interrupt.SetPending(ids)
	if fn := cb.OnQuestion; fn != nil {
		c.notify.post(ctx, func() { fn(q) })
	}
	return &q, nil
}

// Models lists the available models and the server default.
func (c *Client) Models(ctx context.Context) ([]opencode.ProviderModel, *opencode.ModelRef, error) {
	return c.cmds.GetModels(ctx)
}

// PendingQuestion returns the active question, or nil.
func (c *Client) PendingQuestion() *opencode.PendingQuestion {
	return c.interrupt.Active()
}

// QuestionState returns the interrupt state.
func (c *Client) QuestionState() QuestionState {
	return c.interrupt.State()
}

// Close cancels and aborts the open exchange and stops callback delivery.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	old := c.handle
	c.handle = nil
	c.mu.Unlock()

	c.supersede(context.Background(), old, true)
	c.notify.close()
}

func titleFor(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return truncate(text, 60)
}

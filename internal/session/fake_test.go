package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
	"github.com/tao-shen/candy-shop-sub000/pkg/opencode"
)

// fakeCommands is an in-memory agent server. Each Subscribe opens a pipe whose
// writer is delivered on streams.
type fakeCommands struct {
	mu sync.Mutex

	streams      chan *io.PipeWriter
	subscribeErr error

	submitted []opencode.PromptRequest
	submitErr error

	aborted []string

	replies   map[string][][]string
	rejected  []string
	replyErr  error
	// onReply runs after a reply is recorded, before ReplyToQuestion returns.
	onReply   func(id string)
	questions []opencode.PendingQuestion
	// questionDelay is how long ListPendingQuestions takes.
	questionDelay time.Duration
	questionCalls int

	messages []opencode.MessageEnvelope
	sessions []opencode.SessionInfo
	deleted  []string

	// calls records Subscribe and question replies in order.
	calls []string
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{
		streams: make(chan *io.PipeWriter, 8),
		replies: make(map[string][][]string),
	}
}

func (f *fakeCommands) CreateSession(_ context.Context, title string) (*opencode.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := opencode.SessionInfo{ID: fmt.Sprintf("ses_%d", len(f.sessions)+1), Title: title}
	f.sessions = append(f.sessions, info)
	return &info, nil
}

func (f *fakeCommands) ListSessions(context.Context) ([]opencode.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]opencode.SessionInfo(nil), f.sessions...), nil
}

func (f *fakeCommands) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeCommands) AbortSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, id)
	return nil
}

func (f *fakeCommands) GetSessionMessages(context.Context, string) ([]opencode.MessageEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]opencode.MessageEnvelope(nil), f.messages...), nil
}

func (f *fakeCommands) GetModels(context.Context) ([]opencode.ProviderModel, *opencode.ModelRef, error) {
	return []opencode.ProviderModel{{ProviderID: "p", ModelID: "m"}}, &opencode.ModelRef{ProviderID: "p", ModelID: "m"}, nil
}

func (f *fakeCommands) ListPendingQuestions(ctx context.Context, sessionID string) ([]opencode.PendingQuestion, error) {
	f.mu.Lock()
	delay := f.questionDelay
	f.questionCalls++
	var out []opencode.PendingQuestion
	for _, q := range f.questions {
		if q.SessionID == sessionID {
			out = append(out, q)
		}
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

func (f *fakeCommands) ReplyToQuestion(_ context.Context, id string, answers [][]string) error {
	f.mu.Lock()
	if f.replyErr != nil {
		f.mu.Unlock()
		return f.replyErr
	}
	f.replies[id] = answers
	f.calls = append(f.calls, "reply:"+id)
	f.removeQuestion(id)
	hook := f.onReply
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return nil
}

func (f *fakeCommands) RejectQuestion(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyErr != nil {
		return f.replyErr
	}
	f.rejected = append(f.rejected, id)
	f.calls = append(f.calls, "reject:"+id)
	f.removeQuestion(id)
	return nil
}

func (f *fakeCommands) removeQuestion(id string) {
	out := f.questions[:0]
	for _, q := range f.questions {
		if q.ID != id {
			out = append(out, q)
		}
	}
	f.questions = out
}

func (f *fakeCommands) SubmitPrompt(_ context.Context, _ string, req opencode.PromptRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return nil
}

func (f *fakeCommands) Subscribe(context.Context) (*opencode.EventReader, error) {
	f.mu.Lock()
	err := f.subscribeErr
	if err == nil {
		f.calls = append(f.calls, "subscribe")
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	f.streams <- pw
	return opencode.NewEventReader(pr, opencode.WithReaderLogger(logger.NewNop())), nil
}

func (f *fakeCommands) setQuestions(qs ...opencode.PendingQuestion) {
	f.mu.Lock()
	f.questions = qs
	f.mu.Unlock()
}

func (f *fakeCommands) abortedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.aborted...)
}

func (f *fakeCommands) replyFor(id string) ([][]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.replies[id]
	return a, ok
}

func (f *fakeCommands) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCommands) pendingChecks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.questionCalls
}

func (f *fakeCommands) nextStream(t *testing.T) *io.PipeWriter {
	t.Helper()
	select {
	case pw := <-f.streams:
		return pw
	case <-time.After(2 * time.Second):
		t.Fatal("no stream opened")
		return nil
	}
}

// emit writes one SSE event. Writes to a stream that was closed are ignored.
func emit(pw *io.PipeWriter, kind string, props any) {
	body, _ := json.Marshal(map[string]any{"type": kind, "properties": props})
	_, _ = fmt.Fprintf(pw, "data: %s\n\n", body)
}

func userEcho(pw *io.PipeWriter, session, id string) {
	emit(pw, opencode.EventMessageUpdated, map[string]any{
		"info": map[string]any{"id": id, "sessionID": session, "role": "user"},
	})
}

func assistantMsg(pw *io.PipeWriter, session, id, parent, finish string) {
	info := map[string]any{"id": id, "sessionID": session, "role": "assistant", "parentID": parent}
	if finish != "" {
		info["finish"] = finish
	}
	emit(pw, opencode.EventMessageUpdated, map[string]any{"info": info})
}

func textDelta(pw *io.PipeWriter, session, msg, part, full, delta string) {
	emit(pw, opencode.EventMessagePartUpdated, map[string]any{
		"part":  map[string]any{"id": part, "messageID": msg, "sessionID": session, "type": "text", "text": full},
		"delta": delta,
	})
}

func sessionStatus(pw *io.PipeWriter, session, status string) {
	emit(pw, opencode.EventSessionStatus, map[string]any{
		"sessionID": session,
		"status":    map[string]any{"type": status},
	})
}

func questionAsked(pw *io.PipeWriter, q opencode.PendingQuestion) {
	subs := make([]map[string]any, 0, len(q.Questions))
	for _, s := range q.Questions {
		opts := make([]map[string]any, 0, len(s.Options))
		for _, o := range s.Options {
			opts = append(opts, map[string]any{"label": o.Label, "description": o.Description})
		}
		subs = append(subs, map[string]any{
			"header": s.Header, "question": s.Prompt, "options": opts,
			"multiple": s.AllowMultiple, "custom": s.AllowCustom,
		})
	}
	emit(pw, opencode.EventQuestionAsked, map[string]any{
		"id": q.ID, "sessionID": q.SessionID, "questions": subs,
	})
}

func sampleQuestion(session, id string) opencode.PendingQuestion {
	return opencode.PendingQuestion{
		ID:        id,
		SessionID: session,
		Questions: []opencode.SubQuestion{{
			Header:      "Color",
			Prompt:      "Pick a color",
			Options:     []opencode.QuestionOption{{Label: "red"}, {Label: "blue"}},
			AllowCustom: true,
		}},
	}
}

// recorder collects callbacks.
type recorder struct {
	mu       sync.Mutex
	parts    []Part
	removed  []string
	statuses []string
	todos    [][]opencode.Todo

	completes chan Result
	errs      chan error
	questions chan opencode.PendingQuestion
}

func newRecorder() *recorder {
	return &recorder{
		completes: make(chan Result, 4),
		errs:      make(chan error, 4),
		questions: make(chan opencode.PendingQuestion, 4),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnPartUpdated: func(_ string, p Part) {
			r.mu.Lock()
			r.parts = append(r.parts, p)
			r.mu.Unlock()
		},
		OnPartRemoved: func(_ string, id string) {
			r.mu.Lock()
			r.removed = append(r.removed, id)
			r.mu.Unlock()
		},
		OnStatusChanged: func(_ string, st opencode.SessionStatus) {
			r.mu.Lock()
			r.statuses = append(r.statuses, st.Type)
			r.mu.Unlock()
		},
		OnTodosUpdated: func(todos []opencode.Todo) {
			r.mu.Lock()
			r.todos = append(r.todos, todos)
			r.mu.Unlock()
		},
		OnComplete: func(res Result) { r.completes <- res },
		OnError:    func(err error, _ Result) { r.errs <- err },
		OnQuestion: func(q opencode.PendingQuestion) { r.questions <- q },
	}
}

func (r *recorder) waitComplete(t *testing.T) Result {
	t.Helper()
	select {
	case res := <-r.completes:
		return res
	case err := <-r.errs:
		t.Fatalf("expected completion, got error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	return Result{}
}

func (r *recorder) waitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case res := <-r.completes:
		t.Fatalf("expected error, got completion: %+v", res)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for error")
	}
	return nil
}

func (r *recorder) waitQuestion(t *testing.T) opencode.PendingQuestion {
	t.Helper()
	select {
	case q := <-r.questions:
		return q
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for question")
	}
	return opencode.PendingQuestion{}
}

// expectQuiet asserts that no terminal callback arrives within d.
func (r *recorder) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case res := <-r.completes:
		t.Fatalf("unexpected completion: %+v", res)
	case err := <-r.errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(d):
	}
}

func testConfig() Config {
	return Config{
		IdleDebounce:   30 * time.Millisecond,
		Timeout:        2 * time.Second,
		AbortTimeout:   100 * time.Millisecond,
		DisablePolling: true,
	}
}

func setupClient(t *testing.T, cfg Config) (*Client, *fakeCommands) {
	t.Helper()
	cmds := newFakeCommands()
	client := NewClient(cmds, cfg, logger.NewNop())
	t.Cleanup(client.Close)
	return client, cmds
}

func startExchange(t *testing.T, client *Client, cmds *fakeCommands, rec *recorder, session, text string) (string, *io.PipeWriter) {
	t.Helper()
	id, err := client.StartExchange(context.Background(), ExchangeRequest{SessionID: session, Text: text}, rec.callbacks())
	require.NoError(t, err)
	return id, cmds.nextStream(t)
}

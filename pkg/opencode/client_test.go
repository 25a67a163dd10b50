package opencode

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func newTestClient(serverURL string) *Client {
	return NewClient(ClientConfig{
		BaseURL:   serverURL,
		Directory: "/workspace",
		Password:  "test-password",
	}, newTestLogger())
}

func TestClient_BuildAuthHeader(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			name: "basic with default user",
			cfg:  ClientConfig{Password: "pw"},
			want: "Basic " + base64.StdEncoding.EncodeToString([]byte("opencode:pw")),
		},
		{
			name: "basic with custom user",
			cfg:  ClientConfig{Username: "me", Password: "pw"},
			want: "Basic " + base64.StdEncoding.EncodeToString([]byte("me:pw")),
		},
		{
			name: "bearer wins",
			cfg:  ClientConfig{Password: "pw", Token: "tok"},
			want: "Bearer tok",
		},
		{
			name: "no auth",
			cfg:  ClientConfig{},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildAuthHeader(tt.cfg); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestClient_DirectoryScoping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("directory"); got != "/workspace" {
			t.Errorf("expected directory query param, got %q", got)
		}
		if got := r.Header.Get("X-OpenCode-Directory"); got != "/workspace" {
			t.Errorf("expected directory header, got %q", got)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Basic ") {
			t.Errorf("expected basic auth header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if _, err := client.ListSessions(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClient_WaitForHealth(t *testing.T) {
	tests := []struct {
		name      string
		responses []HealthResponse
	}{
		{
			name:      "healthy immediately",
			responses: []HealthResponse{{Healthy: true, Version: "1.0.0"}},
		},
		{
			name: "healthy after retry",
			responses: []HealthResponse{
				{Healthy: false, Version: "1.0.0"},
				{Healthy: true, Version: "1.0.0"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/global/health" {
					http.Error(w, "not found", http.StatusNotFound)
					return
				}
				idx := int(calls.Add(1)) - 1
				if idx >= len(tt.responses) {
					idx = len(tt.responses) - 1
				}
				_ = json.NewEncoder(w).Encode(tt.responses[idx])
			}))
			defer server.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := newTestClient(server.URL).WaitForHealth(ctx); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestClient_CreateSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/session" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req CreateSessionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(SessionInfo{ID: "ses_123", Title: req.Title})
	}))
	defer server.Close()

	session, err := newTestClient(server.URL).CreateSession(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.ID != "ses_123" || session.Title != "hello" {
		t.Errorf("unexpected session: %+v", session)
	}
}

func TestClient_CommandFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	err := newTestClient(server.URL).DeleteSession(context.Background(), "ses_1")
	var failed *CommandFailed
	if !errors.As(err, &failed) {
		t.Fatalf("expected CommandFailed, got %v", err)
	}
	if failed.Status != http.StatusInternalServerError || failed.Body != "boom" {
		t.Errorf("unexpected failure: %+v", failed)
	}
	if failed.Operation != "delete session" {
		t.Errorf("unexpected operation %q", failed.Operation)
	}
}

func TestClient_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	serverURL := server.URL
	server.Close()

	err := newTestClient(serverURL).AbortSession(context.Background(), "ses_1")
	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestClient_GetSessionMessagesFallsBackToSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/session/ses_1/message":
			_, _ = w.Write([]byte(`[]`))
		case "/session/ses_1":
			_, _ = w.Write([]byte(`{"id":"ses_1","messages":[{"info":{"id":"m1","role":"assistant"},"parts":[{"id":"p1","type":"text","text":"hi"}]}]}`))
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer server.Close()

	messages, err := newTestClient(server.URL).GetSessionMessages(context.Background(), "ses_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 1 || len(messages[0].Parts) != 1 {
		t.Fatalf("expected snapshot messages, got %+v", messages)
	}
}

func TestClient_GetModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"providers": [
				{"id": "openai", "name": "OpenAI", "models": {"gpt-b": {"id": "gpt-b", "name": "B"}, "gpt-a": {"name": "A", "limit": {"context": 1000}}}},
				{"id": "anthropic", "name": "Anthropic", "models": {"claude": {"id": "claude", "name": "Claude"}}}
			],
			"default": {"openai": "gpt-a", "anthropic": "claude"}
		}`))
	}))
	defer server.Close()

	models, def, err := newTestClient(server.URL).GetModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 3 {
		t.Fatalf("expected 3 models, got %d", len(models))
	}
	if models[0].ProviderID != "anthropic" || models[1].ModelID != "gpt-a" || models[1].ContextLimit != 1000 {
		t.Errorf("unexpected model order: %+v", models)
	}
	if def == nil || def.ProviderID != "openai" || def.ModelID != "gpt-a" {
		t.Errorf("expected first provider's default, got %+v", def)
	}
}

func TestClient_ListPendingQuestions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id": "q1", "sessionID": "ses_1", "questions": [
				{"header": "Pick", "question": "Which one?", "multiple": true, "custom": false,
				 "options": [{"label": "A", "description": "first"}, {"label": {"text": "B"}}]}
			]},
			{"id": "q2", "sessionID": "ses_other", "questions": []},
			{"questions": []}
		]`))
	}))
	defer server.Close()

	questions, err := newTestClient(server.URL).ListPendingQuestions(context.Background(), "ses_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(questions) != 1 {
		t.Fatalf("expected 1 question, got %d", len(questions))
	}
	q := questions[0]
	if q.ID != "q1" || len(q.Questions) != 1 {
		t.Fatalf("unexpected question: %+v", q)
	}
	sub := q.Questions[0]
	if sub.Prompt != "Which one?" || !sub.AllowMultiple || sub.AllowCustom {
		t.Errorf("unexpected sub-question: %+v", sub)
	}
	if len(sub.Options) != 2 || sub.Options[1].Label != "B" {
		t.Errorf("expected nested label to be coerced, got %+v", sub.Options)
	}
}

func TestClient_ReplyToQuestion(t *testing.T) {
	var got QuestionReplyRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/question/q1/reply" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`true`))
	}))
	defer server.Close()

	err := newTestClient(server.URL).ReplyToQuestion(context.Background(), "q1", [][]string{{"A", "custom"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Answers) != 1 || got.Answers[0][1] != "custom" {
		t.Errorf("unexpected answers: %+v", got.Answers)
	}
}

func TestClient_SubmitPrompt(t *testing.T) {
	var got PromptRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/ses_1/prompt_async" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	err := newTestClient(server.URL).SubmitPrompt(context.Background(), "ses_1", PromptRequest{
		Model:  &ModelRef{ProviderID: "openai", ModelID: "gpt-a"},
		System: "be brief",
		Parts:  []PromptPart{TextPart("hello"), FilePart("image/png", "a.png", "data:image/png;base64,AAAA")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Parts) != 2 || got.Parts[1].Type != "file" || got.Model.ModelID != "gpt-a" {
		t.Errorf("unexpected prompt body: %+v", got)
	}
}

func TestClient_Subscribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/event" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("expected event-stream accept header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			_, _ = fmt.Fprintf(w, "data: {\"type\":\"session.status\",\"properties\":{\"sessionID\":\"s%d\"}}\n\n", i)
			flusher.Flush()
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reader, err := newTestClient(server.URL).Subscribe(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ids []string
	for ev, err := range reader.Events(ctx) {
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		ids = append(ids, ev.SessionID())
	}
	if strings.Join(ids, ",") != "s0,s1,s2" {
		t.Errorf("unexpected events: %v", ids)
	}
}

func TestClient_SubscribeRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Subscribe(context.Background())
	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	var failed *CommandFailed
	if !errors.As(err, &failed) || failed.Status != http.StatusUnauthorized {
		t.Errorf("expected wrapped 401, got %v", err)
	}
}

// Package opencodetest provides an in-process agent server for tests. It
// serves the REST endpoints the session client uses and fans emitted events
// out to every open event stream.
package opencodetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/tao-shen/candy-shop-sub000/pkg/opencode"
)

// Prompt is one accepted prompt_async request.
type Prompt struct {
	SessionID string
	Request   opencode.PromptRequest
}

// Server is a fake agent server.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	streams   map[chan []byte]struct{}
	sessions  []opencode.SessionInfo
	prompts   []Prompt
	aborted   []string
	deleted   []string
	replies   map[string][][]string
	rejected  []string
	questions []map[string]any
	messages  map[string][]opencode.MessageEnvelope

	onPrompt func(sessionID string, req opencode.PromptRequest)
	onReply  func(questionID string, answers [][]string)
}

// New starts a server. Call Close when done.
func New() *Server {
	s := &Server{
		streams:  make(map[chan []byte]struct{}),
		replies:  make(map[string][][]string),
		messages: make(map[string][]opencode.MessageEnvelope),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /global/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, opencode.HealthResponse{Healthy: true, Version: "test"})
	})
	mux.HandleFunc("GET /event", s.serveEvents)
	mux.HandleFunc("POST /session", s.createSession)
	mux.HandleFunc("GET /session", s.listSessions)
	mux.HandleFunc("DELETE /session/{id}", s.deleteSession)
	mux.HandleFunc("POST /session/{id}/abort", s.abortSession)
	mux.HandleFunc("GET /session/{id}/message", s.sessionMessages)
	mux.HandleFunc("POST /session/{id}/prompt_async", s.submitPrompt)
	mux.HandleFunc("GET /question", s.listQuestions)
	mux.HandleFunc("POST /question/{id}/reply", s.replyQuestion)
	mux.HandleFunc("POST /question/{id}/reject", s.rejectQuestion)
	mux.HandleFunc("GET /config/providers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"providers": []map[string]any{{
				"id": "openai", "name": "OpenAI",
				"models": map[string]any{"gpt-a": map[string]any{"id": "gpt-a", "name": "GPT A"}},
			}},
			"default": map[string]string{"openai": "gpt-a"},
		})
	})
	s.Server = httptest.NewServer(mux)
	return s
}

// Close drops open event streams and shuts the server down.
func (s *Server) Close() {
	s.Server.CloseClientConnections()
	s.Server.Close()
}

// OnPrompt sets a hook run synchronously for every accepted prompt, before the
// request is answered. Typically it emits the scripted reply.
func (s *Server) OnPrompt(fn func(sessionID string, req opencode.PromptRequest)) {
	s.mu.Lock()
	s.onPrompt = fn
	s.mu.Unlock()
}

// OnReply sets a hook run synchronously for every question reply.
func (s *Server) OnReply(fn func(questionID string, answers [][]string)) {
	s.mu.Lock()
	s.onReply = fn
	s.mu.Unlock()
}

// Emit sends one event to every open stream.
func (s *Server) Emit(kind string, props any) {
	body, err := json.Marshal(map[string]any{"type": kind, "properties": props})
	if err != nil {
		panic(fmt.Sprintf("opencodetest: encode %s: %v", kind, err))
	}
	frame := []byte("data: " + string(body) + "\n\n")

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.streams {
		select {
		case ch <- frame:
		default:
		}
	}
}

// AddQuestion makes a question visible on GET /question.
func (s *Server) AddQuestion(sessionID, id, prompt string, options ...string) {
	opts := make([]map[string]any, 0, len(options))
	for _, o := range options {
		opts = append(opts, map[string]any{"label": o})
	}
	s.mu.Lock()
	s.questions = append(s.questions, map[string]any{
		"id":        id,
		"sessionID": sessionID,
		"questions": []map[string]any{{"header": "Question", "question": prompt, "options": opts}},
	})
	s.mu.Unlock()
}

// SetMessages sets the history returned for a session.
func (s *Server) SetMessages(sessionID string, msgs []opencode.MessageEnvelope) {
	s.mu.Lock()
	s.messages[sessionID] = msgs
	s.mu.Unlock()
}

// Prompts returns the accepted prompts.
func (s *Server) Prompts() []Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Prompt(nil), s.prompts...)
}

// Aborted returns the ids of aborted sessions.
func (s *Server) Aborted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.aborted...)
}

// Deleted returns the ids of deleted sessions.
func (s *Server) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

// Reply returns the answers sent for a question.
func (s *Server) Reply(questionID string) ([][]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.replies[questionID]
	return a, ok
}

// Rejected returns the ids of rejected questions.
func (s *Server) Rejected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rejected...)
}

// Streams returns the number of open event streams.
func (s *Server) Streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// WaitForStreams blocks until n streams are open or timeout elapses.
func (s *Server) WaitForStreams(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Streams() >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch := make(chan []byte, 256)
	s.mu.Lock()
	s.streams[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, ch)
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("data: {\"type\":\"server.connected\",\"properties\":{}}\n\n"))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-ch:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req opencode.CreateSessionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	info := opencode.SessionInfo{ID: fmt.Sprintf("ses_%d", len(s.sessions)+1), Title: req.Title}
	s.sessions = append(s.sessions, info)
	s.mu.Unlock()
	writeJSON(w, info)
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := append([]opencode.SessionInfo{}, s.sessions...)
	s.mu.Unlock()
	writeJSON(w, out)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	s.deleted = append(s.deleted, id)
	kept := s.sessions[:0]
	for _, info := range s.sessions {
		if info.ID != id {
			kept = append(kept, info)
		}
	}
	s.sessions = kept
	s.mu.Unlock()
	writeJSON(w, true)
}

func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.aborted = append(s.aborted, r.PathValue("id"))
	s.mu.Unlock()
	writeJSON(w, true)
}

func (s *Server) sessionMessages(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := append([]opencode.MessageEnvelope{}, s.messages[r.PathValue("id")]...)
	s.mu.Unlock()
	writeJSON(w, out)
}

func (s *Server) submitPrompt(w http.ResponseWriter, r *http.Request) {
	var req opencode.PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	s.mu.Lock()
	s.prompts = append(s.prompts, Prompt{SessionID: id, Request: req})
	hook := s.onPrompt
	s.mu.Unlock()
	if hook != nil {
		hook(id, req)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listQuestions(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := append([]map[string]any{}, s.questions...)
	s.mu.Unlock()
	writeJSON(w, out)
}

func (s *Server) removeQuestion(id string) {
	kept := s.questions[:0]
	for _, q := range s.questions {
		if q["id"] != id {
			kept = append(kept, q)
		}
	}
	s.questions = kept
}

func (s *Server) replyQuestion(w http.ResponseWriter, r *http.Request) {
	var req opencode.QuestionReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	s.mu.Lock()
	s.replies[id] = req.Answers
	s.removeQuestion(id)
	hook := s.onReply
	s.mu.Unlock()
	if hook != nil {
		hook(id, req.Answers)
	}
	writeJSON(w, true)
}

func (s *Server) rejectQuestion(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	s.rejected = append(s.rejected, id)
	s.removeQuestion(id)
	s.mu.Unlock()
	writeJSON(w, true)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Event payload builders.

// UserMessage is a message.updated payload for a user message.
func UserMessage(sessionID, id string) map[string]any {
	return map[string]any{"info": map[string]any{"id": id, "sessionID": sessionID, "role": "user"}}
}

// AssistantMessage is a message.updated payload for an assistant message.
func AssistantMessage(sessionID, id, parentID, finish string) map[string]any {
	info := map[string]any{"id": id, "sessionID": sessionID, "role": "assistant", "parentID": parentID}
	if finish != "" {
		info["finish"] = finish
	}
	return map[string]any{"info": info}
}

// TextDelta is a message.part.updated payload carrying a text delta.
func TextDelta(sessionID, messageID, partID, text, delta string) map[string]any {
	return map[string]any{
		"part": map[string]any{
			"id": partID, "messageID": messageID, "sessionID": sessionID,
			"type": "text", "text": text,
		},
		"delta": delta,
	}
}

// Status is a session.status payload.
func Status(sessionID, status string) map[string]any {
	return map[string]any{"sessionID": sessionID, "status": map[string]any{"type": status}}
}

// Question is a question.asked payload with a single sub-question.
func Question(sessionID, id, prompt string, options ...string) map[string]any {
	opts := make([]map[string]any, 0, len(options))
	for _, o := range options {
		opts = append(opts, map[string]any{"label": o})
	}
	return map[string]any{
		"id":        id,
		"sessionID": sessionID,
		"questions": []map[string]any{{"header": "Question", "question": prompt, "options": opts}},
	}
}

// EmitReply emits a complete assistant reply to parentID and finishes it.
func (s *Server) EmitReply(sessionID, parentID, messageID, text string) {
	s.Emit(opencode.EventSessionStatus, Status(sessionID, opencode.StatusBusy))
	s.Emit(opencode.EventMessageUpdated, AssistantMessage(sessionID, messageID, parentID, ""))
	s.Emit(opencode.EventMessagePartUpdated, TextDelta(sessionID, messageID, messageID+"_p1", text, text))
	s.Emit(opencode.EventMessageUpdated, AssistantMessage(sessionID, messageID, parentID, opencode.FinishStop))
}

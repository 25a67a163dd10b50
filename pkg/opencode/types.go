// Package opencode provides types and a client for the OpenCode server protocol.
// OpenCode uses a REST API + Server-Sent Events (SSE) pattern for communication.
package opencode

import (
	"encoding/json"
	"sort"

	"github.com/tidwall/gjson"
)

// SDK event types from the /event SSE stream
const (
	EventServerConnected    = "server.connected"
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventMessageRemoved     = "message.removed"
	EventMessagePartRemoved = "message.part.removed"
	EventSessionIdle        = "session.idle"
	EventSessionStatus      = "session.status"
	EventSessionError       = "session.error"
	EventQuestionAsked      = "question.asked"
	EventQuestionReplied    = "question.replied"
	EventQuestionRejected   = "question.rejected"
	EventTodoUpdated        = "todo.updated"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishStop is the finish reason of an assistant message that ended its turn.
const FinishStop = "stop"

// Session status types
const (
	StatusIdle  = "idle"
	StatusBusy  = "busy"
	StatusRetry = "retry"
)

// Event is one decoded record of the event stream.
// Properties holds the JSON payload; Opaque holds the raw payload when it was not JSON.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Opaque     string          `json:"-"`
}

// SessionID extracts the session an event belongs to, or "" when it carries none.
func (e *Event) SessionID() string {
	if len(e.Properties) == 0 {
		return ""
	}
	props := gjson.ParseBytes(e.Properties)
	switch e.Type {
	case EventMessageUpdated:
		return props.Get("info.sessionID").String()
	case EventMessagePartUpdated:
		return props.Get("part.sessionID").String()
	default:
		return props.Get("sessionID").String()
	}
}

// HealthResponse from GET /global/health
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// SessionInfo is a session record from /session endpoints.
type SessionInfo struct {
	ID        string      `json:"id"`
	Title     string      `json:"title,omitempty"`
	ParentID  string      `json:"parentID,omitempty"`
	Directory string      `json:"directory,omitempty"`
	Time      SessionTime `json:"time,omitempty"`
}

// SessionTime carries creation/update timestamps in unix milliseconds.
type SessionTime struct {
	Created int64 `json:"created,omitempty"`
	Updated int64 `json:"updated,omitempty"`
}

// CreateSessionRequest for POST /session
type CreateSessionRequest struct {
	Title string `json:"title,omitempty"`
}

// MessageEnvelope is one message of a session history: raw info plus raw parts.
// The session package normalizes both.
type MessageEnvelope struct {
	Info  json.RawMessage   `json:"info"`
	Parts []json.RawMessage `json:"parts"`
}

// ModelRef identifies a model for prompt requests.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// PromptPart is a text or file part of a prompt request.
type PromptPart struct {
	Type     string `json:"type"` // "text", "file"
	Text     string `json:"text,omitempty"`
	Mime     string `json:"mime,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
}

// TextPart builds a text prompt part.
func TextPart(text string) PromptPart {
	return PromptPart{Type: "text", Text: text}
}

// FilePart builds a file prompt part. url may be a data: URL.
func FilePart(mime, filename, url string) PromptPart {
	return PromptPart{Type: "file", Mime: mime, Filename: filename, URL: url}
}

// PromptRequest for POST /session/{id}/prompt_async
type PromptRequest struct {
	Model  *ModelRef    `json:"model,omitempty"`
	Agent  string       `json:"agent,omitempty"`
	System string       `json:"system,omitempty"`
	Parts  []PromptPart `json:"parts"`
}

// QuestionReplyRequest for POST /question/{id}/reply
type QuestionReplyRequest struct {
	Answers [][]string `json:"answers"`
}

// QuestionOption is one selectable answer of a sub-question.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// SubQuestion is one prompt inside a pending question.
type SubQuestion struct {
	Header        string           `json:"header"`
	Prompt        string           `json:"prompt"`
	Options       []QuestionOption `json:"options"`
	AllowMultiple bool             `json:"allow_multiple"`
	AllowCustom   bool             `json:"allow_custom"`
}

// PendingQuestion is a blocking request from the agent for structured user input.
type PendingQuestion struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Questions []SubQuestion `json:"questions"`
}

// ParsePendingQuestion normalizes a question.asked payload or a /question list entry.
// Fields that arrive as nested objects fall back to their text/label members.
func ParsePendingQuestion(raw []byte) (PendingQuestion, bool) {
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return PendingQuestion{}, false
	}
	q := PendingQuestion{
		ID:        scalar(root.Get("id")),
		SessionID: scalar(root.Get("sessionID")),
	}
	if q.ID == "" {
		return PendingQuestion{}, false
	}
	root.Get("questions").ForEach(func(_, item gjson.Result) bool {
		sub := SubQuestion{
			Header:        scalar(item.Get("header")),
			Prompt:        scalar(item.Get("question")),
			AllowMultiple: item.Get("multiple").Bool(),
			AllowCustom:   true,
		}
		if sub.Prompt == "" {
			sub.Prompt = scalar(item.Get("prompt"))
		}
		if custom := item.Get("custom"); custom.Exists() {
			sub.AllowCustom = custom.Bool()
		}
		item.Get("options").ForEach(func(_, opt gjson.Result) bool {
			if opt.Type == gjson.String {
				sub.Options = append(sub.Options, QuestionOption{Label: opt.Str})
				return true
			}
			label := scalar(opt.Get("label"))
			if label == "" {
				return true
			}
			sub.Options = append(sub.Options, QuestionOption{
				Label:       label,
				Description: scalar(opt.Get("description")),
			})
			return true
		})
		q.Questions = append(q.Questions, sub)
		return true
	})
	return q, true
}

// scalar coerces a JSON value into a string. Objects yield their text-like member.
func scalar(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Number, gjson.True, gjson.False:
		return r.Raw
	case gjson.JSON:
		for _, key := range []string{"text", "label", "value", "id"} {
			if v := r.Get(key); v.Type == gjson.String {
				return v.Str
			}
		}
	}
	return ""
}

// SessionStatus represents session status from session.status events
type SessionStatus struct {
	Type    string `json:"type"` // "idle", "busy", "retry"
	Attempt int    `json:"attempt,omitempty"`
	Message string `json:"message,omitempty"`
}

// Todo represents a todo item from todo.updated events
type Todo struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

// TodoUpdatedProperties for todo.updated events
type TodoUpdatedProperties struct {
	SessionID string `json:"sessionID"`
	Todos     []Todo `json:"todos"`
}

// SDKError represents an error reported by the server
type SDKError struct {
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	Data    *struct {
		Message string `json:"message,omitempty"`
	} `json:"data,omitempty"`
}

// GetMessage returns the error message
func (e *SDKError) GetMessage() string {
	if e.Data != nil && e.Data.Message != "" {
		return e.Data.Message
	}
	return e.Message
}

// GetKind returns the error kind/type
func (e *SDKError) GetKind() string {
	if e.Name != "" {
		return e.Name
	}
	if e.Type != "" {
		return e.Type
	}
	return "unknown"
}

// SessionErrorProperties for session.error events
type SessionErrorProperties struct {
	SessionID string    `json:"sessionID"`
	Error     *SDKError `json:"error,omitempty"`
}

// ProviderModel is one selectable model.
type ProviderModel struct {
	ProviderID   string `json:"provider_id"`
	ProviderName string `json:"provider_name"`
	ModelID      string `json:"model_id"`
	Name         string `json:"name"`
	ContextLimit int    `json:"context_limit,omitempty"`
}

// providersResponse from GET /config/providers
type providersResponse struct {
	Providers []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Models map[string]struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Limit struct {
				Context int `json:"context"`
			} `json:"limit"`
		} `json:"models"`
	} `json:"providers"`
	Default map[string]string `json:"default"`
}

// flatten turns the provider listing into a sorted model list and the default model.
// The default is the first listed provider that names one.
func (r *providersResponse) flatten() ([]ProviderModel, *ModelRef) {
	var models []ProviderModel
	var def *ModelRef
	for _, p := range r.Providers {
		name := p.Name
		if name == "" {
			name = p.ID
		}
		for key, m := range p.Models {
			id := m.ID
			if id == "" {
				id = key
			}
			display := m.Name
			if display == "" {
				display = id
			}
			models = append(models, ProviderModel{
				ProviderID:   p.ID,
				ProviderName: name,
				ModelID:      id,
				Name:         display,
				ContextLimit: m.Limit.Context,
			})
		}
		if def == nil {
			if modelID, ok := r.Default[p.ID]; ok && modelID != "" {
				def = &ModelRef{ProviderID: p.ID, ModelID: modelID}
			}
		}
	}
	sort.Slice(models, func(i, j int) bool {
		if models[i].ProviderID != models[j].ProviderID {
			return models[i].ProviderID < models[j].ProviderID
		}
		return models[i].ModelID < models[j].ModelID
	})
	return models, def
}

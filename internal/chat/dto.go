package chat

import (
	"github.com/tao-shen/candy-shop-sub000/internal/session"
	"github.com/tao-shen/candy-shop-sub000/pkg/opencode"
)

// CreateSessionRequest is the payload of session.create.
type CreateSessionRequest struct {
	Title string `json:"title"`
}

// SessionRequest names a session for session.delete and session.switch.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// SessionListResponse is the response of session.list.
type SessionListResponse struct {
	Sessions []opencode.SessionInfo `json:"sessions"`
	Current  string                 `json:"current,omitempty"`
}

// SwitchSessionResponse is the response of session.switch.
type SwitchSessionResponse struct {
	SessionID string                    `json:"session_id"`
	Question  *opencode.PendingQuestion `json:"question,omitempty"`
}

// FileAttachment is a file part of exchange.start.
type FileAttachment struct {
	Mime     string `json:"mime"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url"`
}

// ModelSelection picks a provider model for one exchange.
type ModelSelection struct {
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`
}

// StartExchangeRequest is the payload of exchange.start.
type StartExchangeRequest struct {
	SessionID string           `json:"session_id,omitempty"`
	Text      string           `json:"text"`
	Files     []FileAttachment `json:"files,omitempty"`
	Model     *ModelSelection  `json:"model,omitempty"`
	System    string           `json:"system,omitempty"`
	Agent     string           `json:"agent,omitempty"`
}

// StartExchangeResponse is the response of exchange.start.
type StartExchangeResponse struct {
	ExchangeID string `json:"exchange_id"`
	SessionID  string `json:"session_id"`
}

// AnswerQuestionRequest is the payload of question.answer. Answers holds one
// list per sub-question; for a single sub-question Selected and Custom may be
// given instead.
type AnswerQuestionRequest struct {
	QuestionID string     `json:"question_id"`
	Answers    [][]string `json:"answers,omitempty"`
	Selected   []string   `json:"selected,omitempty"`
	Custom     string     `json:"custom,omitempty"`
}

// QuestionRequest names a question for question.reject.
type QuestionRequest struct {
	QuestionID string `json:"question_id"`
}

// QuestionStatusResponse is the response of question.list.
type QuestionStatusResponse struct {
	State    string                    `json:"state"`
	Question *opencode.PendingQuestion `json:"question,omitempty"`
}

// ModelsResponse is the response of models.list.
type ModelsResponse struct {
	Models  []opencode.ProviderModel `json:"models"`
	Default *opencode.ModelRef       `json:"default,omitempty"`
}

// Notification payloads published on the connection subject.

// PartNotification carries exchange.part_updated.
type PartNotification struct {
	ExchangeID string       `json:"exchange_id"`
	Part       session.Part `json:"part"`
}

// PartRemovedNotification carries exchange.part_removed.
type PartRemovedNotification struct {
	ExchangeID string `json:"exchange_id"`
	PartID     string `json:"part_id"`
}

// MessageNotification carries exchange.message_updated.
type MessageNotification struct {
	ExchangeID string              `json:"exchange_id"`
	Message    session.MessageInfo `json:"message"`
}

// StatusNotification carries exchange.status_changed.
type StatusNotification struct {
	ExchangeID string                 `json:"exchange_id"`
	Status     opencode.SessionStatus `json:"status"`
}

// ErrorNotification carries exchange.error.
type ErrorNotification struct {
	ExchangeID string         `json:"exchange_id"`
	Kind       string         `json:"kind"`
	Error      string         `json:"error"`
	Partial    session.Result `json:"partial"`
}

// TodosNotification carries exchange.todos_updated.
type TodosNotification struct {
	Todos []opencode.Todo `json:"todos"`
}

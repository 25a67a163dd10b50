package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Session actions
	ActionSessionCreate = "session.create"
	ActionSessionList   = "session.list"
	ActionSessionDelete = "session.delete"
	ActionSessionSwitch = "session.switch"

	// Exchange actions
	ActionExchangeStart = "exchange.start"
	ActionExchangeAbort = "exchange.abort"

	// Question actions
	ActionQuestionAnswer = "question.answer"
	ActionQuestionReject = "question.reject"
	ActionQuestionList   = "question.list"

	// Model actions
	ActionModelsList = "models.list"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeConflict      = "CONFLICT"
	ErrorCodeUpstream      = "UPSTREAM_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)

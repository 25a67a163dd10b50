// Package events provides event types and subjects for the Candy Shop event bus.
package events

// Event types for exchanges
const (
	ExchangeStarted       = "exchange.started"
	ExchangePartUpdated   = "exchange.part_updated"
	ExchangePartRemoved   = "exchange.part_removed"
	ExchangeMessage       = "exchange.message_updated"
	ExchangeStatusChanged = "exchange.status_changed"
	ExchangeComplete      = "exchange.complete"
	ExchangeError         = "exchange.error"
)

// Event types for question interrupts
const (
	QuestionAsked = "exchange.question"
)

// Event types for todo lists
const (
	TodosUpdated = "exchange.todos_updated"
)

// Subject prefixes
const (
	// ChatSubject carries the notifications of one gateway connection.
	ChatSubject = "candyshop.chat"
)

// BuildChatSubject creates the subject for one connection's notifications
func BuildChatSubject(connectionID string) string {
	return ChatSubject + "." + connectionID
}

// BuildChatWildcardSubject creates a wildcard subscription for every connection
func BuildChatWildcardSubject() string {
	return ChatSubject + ".*"
}

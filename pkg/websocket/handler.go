package websocket

import (
	"context"
	"sort"
)

// Handler is the interface for WebSocket message handlers
type Handler interface {
	// Handle processes a WebSocket message and returns a response
	Handle(ctx context.Context, msg *Message) (*Message, error)
}

// HandlerFunc is a function type that implements Handler
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Handle implements the Handler interface
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// Dispatcher routes messages to handlers by action. Register all handlers
// before dispatching.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates a new message dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
	}
}

// Register registers a handler for an action
func (d *Dispatcher) Register(action string, handler Handler) {
	d.handlers[action] = handler
}

// RegisterFunc registers a handler function for an action
func (d *Dispatcher) RegisterFunc(action string, handler HandlerFunc) {
	d.handlers[action] = handler
}

// Dispatch routes a message to the appropriate handler
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	handler, ok := d.handlers[msg.Action]
	if !ok {
		return NewError(msg.ID, msg.Action, ErrorCodeUnknownAction,
			"Unknown action: "+msg.Action, nil)
	}
	return handler.Handle(ctx, msg)
}

// Actions returns the registered actions in sorted order.
func (d *Dispatcher) Actions() []string {
	out := make([]string, 0, len(d.handlers))
	for action := range d.handlers {
		out = append(out, action)
	}
	sort.Strings(out)
	return out
}

type connectionKey struct{}

// WithConnectionID returns a context carrying the id of the connection a
// message arrived on.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connectionKey{}, id)
}

// ConnectionID returns the connection id stored by WithConnectionID, or "".
func ConnectionID(ctx context.Context) string {
	id, _ := ctx.Value(connectionKey{}).(string)
	return id
}

// Package chat binds session clients to gateway connections. Each connection
// gets its own session.Client; its notifications are published on the
// connection's bus subject.
package chat

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
	"github.com/tao-shen/candy-shop-sub000/internal/events"
	"github.com/tao-shen/candy-shop-sub000/internal/events/bus"
	"github.com/tao-shen/candy-shop-sub000/internal/session"
	"github.com/tao-shen/candy-shop-sub000/pkg/opencode"
)

const eventSource = "chat"

// Error kinds reported in exchange.error notifications.
const (
	KindTimeout   = "timeout"
	KindSession   = "session"
	KindTransport = "transport"
	KindCommand   = "command"
	KindUnknown   = "unknown"
)

// Service owns the session clients of all open connections.
type Service struct {
	cmds   session.Commands
	bus    bus.EventBus
	cfg    session.Config
	logger *logger.Logger

	mu      sync.Mutex
	clients map[string]*session.Client
}

// NewService creates a chat service.
func NewService(cmds session.Commands, eventBus bus.EventBus, cfg session.Config, log *logger.Logger) *Service {
	return &Service{
		cmds:    cmds,
		bus:     eventBus,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "chat-service")),
		clients: make(map[string]*session.Client),
	}
}

// clientFor returns the session client of a connection, creating it on first use.
func (s *Service) clientFor(connectionID string) *session.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[connectionID]; ok {
		return c
	}
	c := session.NewClient(s.cmds, s.cfg, s.logger.WithFields(zap.String("connection_id", connectionID)))
	c.SetCallbacks(s.callbacks(connectionID))
	s.clients[connectionID] = c
	return c
}

// ConnectionClosed releases the client of a connection, aborting its open exchange.
func (s *Service) ConnectionClosed(connectionID string) {
	s.mu.Lock()
	c, ok := s.clients[connectionID]
	delete(s.clients, connectionID)
	s.mu.Unlock()
	if ok {
		c.Close()
		s.logger.Debug("released session client", zap.String("connection_id", connectionID))
	}
}

// Close releases every client.
func (s *Service) Close() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]*session.Client)
	s.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}

// ActiveClients returns the number of connections with a session client.
func (s *Service) ActiveClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Service) publish(connectionID, eventType string, data any) {
	event, err := bus.NewEvent(eventType, eventSource, data)
	if err != nil {
		s.logger.Error("failed to build event", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	if err := s.bus.Publish(context.Background(), events.BuildChatSubject(connectionID), event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("connection_id", connectionID),
			zap.Error(err))
	}
}

// callbacks publishes every session notification of a connection.
func (s *Service) callbacks(connectionID string) session.Callbacks {
	return session.Callbacks{
		OnPartUpdated: func(exchangeID string, part session.Part) {
			s.publish(connectionID, events.ExchangePartUpdated, PartNotification{ExchangeID: exchangeID, Part: part})
		},
		OnPartRemoved: func(exchangeID, partID string) {
			s.publish(connectionID, events.ExchangePartRemoved, PartRemovedNotification{ExchangeID: exchangeID, PartID: partID})
		},
		OnMessageUpdated: func(exchangeID string, info session.MessageInfo) {
			s.publish(connectionID, events.ExchangeMessage, MessageNotification{ExchangeID: exchangeID, Message: info})
		},
		OnStatusChanged: func(exchangeID string, status opencode.SessionStatus) {
			s.publish(connectionID, events.ExchangeStatusChanged, StatusNotification{ExchangeID: exchangeID, Status: status})
		},
		OnComplete: func(res session.Result) {
			s.publish(connectionID, events.ExchangeComplete, res)
		},
		OnError: func(err error, partial session.Result) {
			s.publish(connectionID, events.ExchangeError, ErrorNotification{
				ExchangeID: partial.ExchangeID,
				Kind:       errorKind(err),
				Error:      err.Error(),
				Partial:    partial,
			})
		},
		OnQuestion: func(q opencode.PendingQuestion) {
			s.publish(connectionID, events.QuestionAsked, q)
		},
		OnTodosUpdated: func(todos []opencode.Todo) {
			s.publish(connectionID, events.TodosUpdated, TodosNotification{Todos: todos})
		},
	}
}

func errorKind(err error) string {
	var (
		timeout   *session.TimeoutError
		serr      *session.SessionError
		transport *opencode.TransportError
		failed    *opencode.CommandFailed
	)
	switch {
	case errors.As(err, &timeout):
		return KindTimeout
	case errors.As(err, &serr):
		return KindSession
	case errors.As(err, &transport):
		return KindTransport
	case errors.As(err, &failed):
		return KindCommand
	default:
		return KindUnknown
	}
}

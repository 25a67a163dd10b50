// Package websocket provides the WebSocket gateway through which browser
// consumers drive exchanges.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
	ws "github.com/tao-shen/candy-shop-sub000/pkg/websocket"
)

// ConnectionObserver is told when a connection goes away so per-connection
// state can be released.
type ConnectionObserver interface {
	ConnectionClosed(connectionID string)
}

// Hub manages all WebSocket client connections
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	dispatcher *ws.Dispatcher
	observers  []ConnectionObserver

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// AddObserver registers o for connection lifecycle callbacks. Call before Run.
func (h *Hub) AddObserver(o ConnectionObserver) {
	h.observers = append(h.observers, o)
}

// Run starts the hub's main processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for client := range clients {
		client.closeSend()
		h.notifyClosed(client.ID)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if !ok {
		return
	}
	client.closeSend()
	h.notifyClosed(client.ID)
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// notifyClosed runs observers off the hub loop; releasing a connection may
// wait on the agent server.
func (h *Hub) notifyClosed(id string) {
	for _, o := range h.observers {
		go o.ConnectionClosed(id)
	}
}

// Register adds a client to the hub. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetDispatcher returns the message dispatcher
func (h *Hub) GetDispatcher() *ws.Dispatcher {
	return h.dispatcher
}

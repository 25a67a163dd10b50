package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
	"github.com/tao-shen/candy-shop-sub000/internal/events"
	"github.com/tao-shen/candy-shop-sub000/internal/events/bus"
	ws "github.com/tao-shen/candy-shop-sub000/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024

	sendBuffer = 256
)

// Client is a single WebSocket connection. Exchange notifications published
// on the connection's bus subject are forwarded to the peer.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	closed bool
	mu     sync.RWMutex
	sub    bus.Subscription
	logger *logger.Logger
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, sendBuffer),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// Follow subscribes the client to its notification subject on eventBus.
func (c *Client) Follow(eventBus bus.EventBus) error {
	sub, err := eventBus.Subscribe(events.BuildChatSubject(c.ID), func(_ context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(event.Type, event.Data)
		if err != nil {
			return err
		}
		c.sendMessage(msg)
		return nil
	})
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

// ReadPump pumps messages from the WebSocket connection to the dispatcher
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		if c.sub != nil {
			_ = c.sub.Unsubscribe()
		}
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	ctx = ws.WithConnectionID(ctx, c.ID)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Debug("Failed to parse message", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeBadRequest, "Invalid message format")
			continue
		}
		c.handleMessage(ctx, &msg)
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("Received message",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("Handler error",
			zap.String("action", msg.Action),
			zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error())
		return
	}
	if response != nil {
		c.sendMessage(response)
	}
}

// sendMessage queues msg for the write pump. Messages to a closed client or a
// full buffer are dropped.
func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full", zap.String("action", msg.Action))
	}
}

func (c *Client) sendError(id, action, code, message string) {
	msg, err := ws.NewError(id, action, code, message, nil)
	if err != nil {
		c.logger.Error("Failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// closeSend stops the write pump.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WritePump pumps queued messages to the WebSocket connection. Each message
// is written as its own text frame.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
	"github.com/tao-shen/candy-shop-sub000/internal/events/bus"
	ws "github.com/tao-shen/candy-shop-sub000/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP requests to WebSocket connections.
type Handler struct {
	hub    *Hub
	bus    bus.EventBus
	logger *logger.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, eventBus bus.EventBus, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and serves the connection until it closes.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := NewClient(clientID, conn, h.hub, h.logger)
	if err := client.Follow(h.bus); err != nil {
		h.logger.Error("Failed to subscribe connection", zap.Error(err))
		_ = conn.Close()
		return
	}
	if !h.hub.Register(client) {
		_ = client.sub.Unsubscribe()
		_ = conn.Close()
		return
	}

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// RegisterHealthHandler registers the health check handler
func RegisterHealthHandler(d *ws.Dispatcher, hub *Hub) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{
			"status":      "ok",
			"service":     "candyshop",
			"connections": hub.GetClientCount(),
		})
	})
}

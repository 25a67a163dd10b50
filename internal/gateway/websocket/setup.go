package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
	"github.com/tao-shen/candy-shop-sub000/internal/events/bus"
	ws "github.com/tao-shen/candy-shop-sub000/pkg/websocket"
)

// Gateway bundles the hub, dispatcher and upgrade handler.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
}

// NewGateway creates a gateway with the health handler registered. Further
// action handlers are registered on Dispatcher before the hub runs.
func NewGateway(eventBus bus.EventBus, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	RegisterHealthHandler(dispatcher, hub)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    NewHandler(hub, eventBus, log),
	}
}

// SetupRoutes adds the WebSocket route to the Gin engine
func (g *Gateway) SetupRoutes(router gin.IRoutes) {
	router.GET("/ws", g.Handler.HandleConnection)
}

package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/events/bus"
	ws "github.com/kandev/relay/pkg/websocket"
)

// Gateway represents the WebSocket gateway
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway creates a new WebSocket gateway with all components initialized
func NewGateway(cfg config.AuthConfig, eventBus bus.EventBus, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, eventBus, log)
	handler := NewHandler(hub, cfg, log)

	RegisterPingHandler(dispatcher)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// Provide creates the WebSocket gateway.
func Provide(cfg config.AuthConfig, eventBus bus.EventBus, log *logger.Logger) (*Gateway, error) {
	gateway := NewGateway(cfg, eventBus, log)
	return gateway, nil
}

// SetupRoutes adds the WebSocket routes to the Gin engine
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}

// RegisterPingHandler registers the connection liveness probe action.
func RegisterPingHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionPing, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status": "ok",
			"pong":   true,
		})
	})
}

package websocket

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/tracing"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Clients are mobile/desktop apps authenticated by bearer token,
		// not browsers, so origin is not checked.
		return true
	},
}

// Handler accepts WebSocket connections for the gateway.
type Handler struct {
	hub    *Hub
	token  string
	tracer trace.Tracer
	logger *logger.Logger
}

// NewHandler creates a new WebSocket handler. An empty configured token
// disables authentication.
func NewHandler(hub *Hub, cfg config.AuthConfig, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		token:  cfg.Token,
		tracer: tracing.Tracer("relay-gateway"),
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// bearerToken extracts the client's token from the query string or the
// Authorization header.
func bearerToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	auth := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return auth
}

// HandleConnection upgrades HTTP to WebSocket and runs the connection. The
// token check happens after the upgrade so rejected clients receive a policy
// violation close frame (1008) instead of a bare HTTP error.
func (h *Handler) HandleConnection(c *gin.Context) {
	token := bearerToken(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	if h.token != "" && token != h.token {
		h.logger.Warn("Connection rejected: invalid token",
			zap.String("remote_addr", c.Request.RemoteAddr))
		msg := gorillaws.FormatCloseMessage(gorillaws.ClosePolicyViolation, "invalid token")
		_ = conn.WriteControl(gorillaws.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	clientID := uuid.New().String()

	ctx, span := h.tracer.Start(c.Request.Context(), "ws.connection",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("client_id", clientID),
			attribute.String("remote_addr", c.Request.RemoteAddr),
		))
	defer span.End()

	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	info := ConnectionInfo{
		RemoteAddr: c.Request.RemoteAddr,
		UserAgent:  c.Request.UserAgent(),
	}
	client := NewClient(clientID, conn, h.hub, info, h.logger)

	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(ctx)
}

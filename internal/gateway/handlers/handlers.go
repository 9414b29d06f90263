// Package handlers provides the REST API for the relay gateway.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/devices"
	gatewayws "github.com/kandev/relay/internal/gateway/websocket"
	"github.com/kandev/relay/internal/permissions"
	"github.com/kandev/relay/internal/queue"
	"github.com/kandev/relay/internal/session"
)

type Handlers struct {
	sessions    *session.Service
	queue       *queue.Service
	devices     *devices.Registry
	permissions *permissions.Manager
	broadcaster *gatewayws.EventBroadcaster
	logger      *logger.Logger
}

// RegisterRoutes wires the relay REST API onto the router.
func RegisterRoutes(router *gin.Engine, sessions *session.Service, q *queue.Service, reg *devices.Registry, perms *permissions.Manager, b *gatewayws.EventBroadcaster, log *logger.Logger) {
	h := &Handlers{
		sessions:    sessions,
		queue:       q,
		devices:     reg,
		permissions: perms,
		broadcaster: b,
		logger:      log.WithFields(zap.String("component", "gateway-handlers")),
	}

	router.GET("/health", h.httpHealth)

	api := router.Group("/api/v1")
	api.GET("/sessions", h.httpListSessions)
	api.POST("/sessions", h.httpCreateSession)
	api.GET("/sessions/:id", h.httpGetSession)
	api.DELETE("/sessions/:id", h.httpKillSession)
	api.GET("/sessions/:id/queue/stats", h.httpSessionQueueStats)
	api.GET("/devices", h.httpListDevices)
	api.GET("/devices/stats", h.httpDeviceStats)
	api.GET("/permissions/history", h.httpPermissionHistory)
	api.GET("/broadcast/stats", h.httpBroadcastStats)
}

func (h *Handlers) httpHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "relay",
		"mode":    "websocket+http",
	})
}

func (h *Handlers) httpListSessions(c *gin.Context) {
	sessions := h.sessions.List()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

type createSessionRequest struct {
	SessionID   string `json:"sessionId,omitempty"`
	WorkingDir  string `json:"workingDir,omitempty"`
	Interactive bool   `json:"interactive,omitempty"`
}

func (h *Handlers) httpCreateSession(c *gin.Context) {
	// Every field is optional, so an absent body means default options.
	var body createSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	sess, err := h.sessions.Create(c.Request.Context(), session.CreateOptions{
		SessionID:   body.SessionID,
		WorkingDir:  body.WorkingDir,
		Interactive: body.Interactive,
	})
	if err != nil {
		if errors.Is(err, session.ErrSessionExists) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("failed to create session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Handlers) httpGetSession(c *gin.Context) {
	sess, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handlers) httpKillSession(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.sessions.Kill(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.logger.Error("failed to kill session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"sessionId": sessionID,
	})
}

func (h *Handlers) httpSessionQueueStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.SessionStats(c.Param("id")))
}

func (h *Handlers) httpListDevices(c *gin.Context) {
	all := h.devices.AllDevices()
	c.JSON(http.StatusOK, gin.H{
		"devices": all,
		"total":   len(all),
	})
}

func (h *Handlers) httpDeviceStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.devices.GetStats())
}

func (h *Handlers) httpPermissionHistory(c *gin.Context) {
	filter := permissions.HistoryFilter{
		Operation: c.Query("operation"),
		Status:    c.Query("status"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		filter.Limit = limit
	}

	history := h.permissions.GetApprovalHistory(filter)
	c.JSON(http.StatusOK, gin.H{
		"history": history,
		"total":   len(history),
	})
}

func (h *Handlers) httpBroadcastStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.broadcaster.Stats())
}

// Package wshandlers provides WebSocket message handlers for the relay API.
package wshandlers

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/devices"
	gatewayws "github.com/kandev/relay/internal/gateway/websocket"
	"github.com/kandev/relay/internal/permissions"
	"github.com/kandev/relay/internal/push"
	"github.com/kandev/relay/internal/queue"
	"github.com/kandev/relay/internal/session"
	"github.com/kandev/relay/internal/validation"
	ws "github.com/kandev/relay/pkg/websocket"
)

// PermissionResponder is the slice of the CLI runner used to forward
// permission decisions to an interactive child process.
type PermissionResponder interface {
	RespondPermission(sessionID, requestID string, allow bool, message string) error
}

// Handlers contains WebSocket handlers for the relay API
type Handlers struct {
	sessions    *session.Service
	permissions *permissions.Manager
	devices     *devices.Registry
	push        *push.Notifier
	queue       *queue.Service
	runner      PermissionResponder
	logger      *logger.Logger
}

// NewHandlers creates a new WebSocket handlers instance. The push notifier,
// queue, and runner are optional; handlers that need a missing dependency
// degrade to the parts that are wired.
func NewHandlers(
	sessions *session.Service,
	perms *permissions.Manager,
	reg *devices.Registry,
	notifier *push.Notifier,
	q *queue.Service,
	responder PermissionResponder,
	log *logger.Logger,
) *Handlers {
	return &Handlers{
		sessions:    sessions,
		permissions: perms,
		devices:     reg,
		push:        notifier,
		queue:       q,
		runner:      responder,
		logger:      log.WithFields(zap.String("component", "relay-ws-handlers")),
	}
}

// RegisterHandlers registers all relay handlers with the dispatcher
func (h *Handlers) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionPromptSubmit, h.SubmitPrompt)
	d.RegisterFunc(ws.ActionPermissionRespond, h.RespondPermission)
	d.RegisterFunc(ws.ActionDeviceRegister, h.RegisterDevice)
	d.RegisterFunc(ws.ActionDeviceElectPrimary, h.ElectPrimary)
	d.RegisterFunc(ws.ActionDeviceTransferPrimary, h.TransferPrimary)
	d.RegisterFunc(ws.ActionQueueAck, h.AckQueued)
}

// SessionSubscribeHook returns the hub callback run when a client subscribes
// to a session: the client is tracked for offline queueing and any messages
// queued while it was away are replayed in order.
func (h *Handlers) SessionSubscribeHook() gatewayws.SessionSubscribeHook {
	return func(client *gatewayws.Client, sessionID string) {
		h.sessions.TrackClient(sessionID, client.ID)
		if h.queue == nil {
			return
		}
		delivered := h.queue.Deliver(sessionID, client.ID, func(message map[string]interface{}) error {
			data, err := json.Marshal(message)
			if err != nil {
				return err
			}
			if !client.Send(data) {
				return errors.New("send buffer full")
			}
			return nil
		})
		if len(delivered) > 0 {
			h.logger.Info("Replayed queued messages",
				zap.String("session_id", sessionID),
				zap.String("client_id", client.ID),
				zap.Int("count", len(delivered)))
		}
	}
}

// SubmitPromptRequest is the payload for prompt.submit
type SubmitPromptRequest struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

// SubmitPrompt handles prompt.submit action
func (h *Handlers) SubmitPrompt(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req SubmitPromptRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}

	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "sessionId is required", nil)
	}

	result, err := h.sessions.SubmitPrompt(ctx, req.SessionID, req.Prompt)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Session not found: "+req.SessionID, nil)
		case errors.Is(err, session.ErrSessionKilled):
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "Session has been killed", nil)
		case errors.Is(err, validation.ErrEmptyPrompt):
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "prompt is required", nil)
		}
		h.logger.Error("Prompt submission failed",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "Failed to submit prompt: "+err.Error(), nil)
	}

	return ws.NewResponse(msg.ID, msg.Action, result)
}

// PermissionRespondRequest is the payload for permission.respond. Message
// carries the optional approval note or denial reason.
type PermissionRespondRequest struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
	Message   string `json:"message,omitempty"`
}

// RespondPermission handles permission.respond action. The decision resolves
// the pending request in the permission manager and is forwarded to the
// interactive CLI child when one is attached to the session.
func (h *Handlers) RespondPermission(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req PermissionRespondRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}

	if req.RequestID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "requestId is required", nil)
	}

	clientID := ws.ClientIDFromContext(ctx)

	var resolved bool
	if req.Approved {
		resolved = h.permissions.ApproveRequest(req.RequestID, clientID)
	} else {
		resolved = h.permissions.DenyRequest(req.RequestID, req.Message, clientID)
	}

	forwarded := false
	if h.runner != nil && req.SessionID != "" {
		if err := h.runner.RespondPermission(req.SessionID, req.RequestID, req.Approved, req.Message); err != nil {
			h.logger.Debug("No interactive child for permission response",
				zap.String("session_id", req.SessionID),
				zap.String("request_id", req.RequestID),
				zap.Error(err))
		} else {
			forwarded = true
		}
	}

	if !resolved && !forwarded {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Permission request not found: "+req.RequestID, nil)
	}

	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":   true,
		"requestId": req.RequestID,
		"approved":  req.Approved,
		"forwarded": forwarded,
	})
}

// RegisterDeviceRequest is the payload for device.register
type RegisterDeviceRequest struct {
	UserID     string `json:"userId"`
	DeviceID   string `json:"deviceId"`
	Platform   string `json:"platform,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
	PushToken  string `json:"pushToken,omitempty"`
}

// RegisterDevice handles device.register action. A push token, when present,
// is registered under the device ID so notifications reach the device while
// it is offline.
func (h *Handlers) RegisterDevice(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req RegisterDeviceRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}

	if req.UserID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "userId is required", nil)
	}
	if req.DeviceID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "deviceId is required", nil)
	}

	device := h.devices.Register(ctx, req.UserID, req.DeviceID, devices.DeviceInfo{
		Platform:   req.Platform,
		AppVersion: req.AppVersion,
	})

	if req.PushToken != "" && h.push != nil {
		h.push.RegisterToken(req.DeviceID, req.PushToken)
	}

	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success": true,
		"device":  device,
	})
}

// ElectPrimaryRequest is the payload for device.elect_primary
type ElectPrimaryRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	DeviceID  string `json:"deviceId"`
}

// ElectPrimary handles device.elect_primary action. Losing an election is a
// domain outcome, not a protocol error: the result is returned either way.
func (h *Handlers) ElectPrimary(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req ElectPrimaryRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}

	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "sessionId is required", nil)
	}
	if req.DeviceID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "deviceId is required", nil)
	}

	result := h.devices.ElectPrimary(req.SessionID, req.UserID, req.DeviceID)
	return ws.NewResponse(msg.ID, msg.Action, result)
}

// TransferPrimaryRequest is the payload for device.transfer_primary
type TransferPrimaryRequest struct {
	SessionID    string `json:"sessionId"`
	FromDeviceID string `json:"fromDeviceId"`
	ToDeviceID   string `json:"toDeviceId"`
}

// TransferPrimary handles device.transfer_primary action
func (h *Handlers) TransferPrimary(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req TransferPrimaryRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}

	if req.SessionID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "sessionId is required", nil)
	}
	if req.FromDeviceID == "" || req.ToDeviceID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "fromDeviceId and toDeviceId are required", nil)
	}

	result := h.devices.TransferPrimary(req.SessionID, req.FromDeviceID, req.ToDeviceID)
	return ws.NewResponse(msg.ID, msg.Action, result)
}

// AckQueuedRequest is the payload for queue.ack
type AckQueuedRequest struct {
	MessageIDs []string `json:"messageIds"`
}

// AckQueued handles queue.ack action. The acknowledging client comes from
// the connection, not the payload, so one client cannot clear another's
// queued messages.
func (h *Handlers) AckQueued(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req AckQueuedRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}

	if len(req.MessageIDs) == 0 {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "messageIds is required", nil)
	}

	clientID := ws.ClientIDFromContext(ctx)
	if clientID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeUnauthorized, "Connection has no client identity", nil)
	}

	if h.queue != nil {
		h.queue.MarkDelivered(req.MessageIDs, clientID)
	}

	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":      true,
		"acknowledged": len(req.MessageIDs),
	})
}

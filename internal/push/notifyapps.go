package push

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/devices"
	"github.com/kandev/relay/internal/events"
	"github.com/kandev/relay/internal/events/bus"
	"github.com/kandev/relay/internal/permissions"
)

// notificationBodyLimit keeps permission prompts inside typical push
// notification limits.
const notificationBodyLimit = 150

// PermissionNotifier is the default notifyApps collaborator for the
// permission manager. It targets the session's primary device when one is
// elected, otherwise every active device, and reports each fan-out with a
// notificationSent event.
type PermissionNotifier struct {
	notifier *Notifier
	devices  *devices.Registry
	bus      bus.EventBus
	log      *logger.Logger
}

// NewPermissionNotifier wires the push notifier and device registry into a
// permissions.Notifier.
func NewPermissionNotifier(notifier *Notifier, registry *devices.Registry, eventBus bus.EventBus, log *logger.Logger) *PermissionNotifier {
	return &PermissionNotifier{
		notifier: notifier,
		devices:  registry,
		bus:      eventBus,
		log:      log,
	}
}

// NotifyPermission implements permissions.Notifier.
func (p *PermissionNotifier) NotifyPermission(ctx context.Context, req *permissions.Request) error {
	targets := p.targets(req)

	payload := &Payload{
		Title: "Permission Required",
		Body:  Truncate(req.Operation, notificationBodyLimit),
		Data: map[string]interface{}{
			"type":      "permissionRequest",
			"requestId": req.ID,
			"operation": req.Operation,
			"expiresAt": req.ExpiresAt.Format(time.RFC3339),
		},
	}

	sent, failed := 0, 0
	if len(targets) > 0 {
		sent, failed = p.notifier.SendToClients(ctx, targets, payload)
	}
	p.emitNotificationSent(req, sent, failed)

	if len(targets) == 0 {
		return fmt.Errorf("no devices to notify for permission request %s", req.ID)
	}
	if sent == 0 {
		return fmt.Errorf("permission notification reached no devices (%d failed)", failed)
	}

	p.log.Debug("permission request pushed",
		zap.String("request_id", req.ID), zap.Int("sent", sent), zap.Int("failed", failed))
	return nil
}

func (p *PermissionNotifier) targets(req *permissions.Request) []string {
	return sessionTargets(p.devices, p.notifier, requestSessionID(req))
}

// sessionTargets picks the devices to notify: the elected primary for the
// session when known, otherwise every active device, falling back to every
// client with a registered token.
func sessionTargets(registry *devices.Registry, notifier *Notifier, sessionID string) []string {
	if registry != nil {
		if sessionID != "" {
			if primary, ok := registry.PrimaryDevice(sessionID); ok {
				return []string{primary}
			}
		}
		active := registry.GetActiveDevices()
		if len(active) > 0 {
			ids := make([]string, 0, len(active))
			for _, d := range active {
				ids = append(ids, d.DeviceID)
			}
			return ids
		}
	}
	return notifier.RegisteredClients()
}

func (p *PermissionNotifier) emitNotificationSent(req *permissions.Request, sent, failed int) {
	if p.bus == nil {
		return
	}
	event := bus.NewEvent(events.NotificationSent, "push-notifier", map[string]interface{}{
		"requestId": req.ID,
		"operation": req.Operation,
		"sent":      sent,
		"failed":    failed,
	})
	if err := p.bus.Publish(context.Background(), events.PushDelivered, event); err != nil {
		p.log.Warn("failed to publish notificationSent event",
			zap.String("request_id", req.ID), zap.Error(err))
	}
}

func requestSessionID(req *permissions.Request) string {
	if req.Context == nil {
		return ""
	}
	if sid, ok := req.Context["sessionId"].(string); ok {
		return sid
	}
	return ""
}

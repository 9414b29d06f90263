package push

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/devices"
	"github.com/kandev/relay/internal/events"
	"github.com/kandev/relay/internal/events/bus"
	"github.com/kandev/relay/internal/tasks"
)

// ResponseNotifier pushes long-running completion notices to the session's
// devices. It implements tasks.Notifier with the same target selection as
// the permission fan-out.
type ResponseNotifier struct {
	notifier *Notifier
	devices  *devices.Registry
	bus      bus.EventBus
	log      *logger.Logger
}

// NewResponseNotifier wires the push notifier and device registry into a
// tasks.Notifier.
func NewResponseNotifier(notifier *Notifier, registry *devices.Registry, eventBus bus.EventBus, log *logger.Logger) *ResponseNotifier {
	return &ResponseNotifier{
		notifier: notifier,
		devices:  registry,
		bus:      eventBus,
		log:      log,
	}
}

// NotifyCompletion implements tasks.Notifier.
func (r *ResponseNotifier) NotifyCompletion(ctx context.Context, c tasks.Completion) error {
	targets := sessionTargets(r.devices, r.notifier, c.SessionID)

	sent, failed := 0, 0
	if len(targets) > 0 {
		sent, failed = r.notifier.SendToClients(ctx, targets, r.buildPayload(c))
	}
	r.emitNotificationSent(c, sent, failed)

	if len(targets) == 0 {
		return fmt.Errorf("no devices to notify for session %s", c.SessionID)
	}
	if sent == 0 {
		return fmt.Errorf("response notification reached no devices (%d failed)", failed)
	}

	r.log.Debug("response pushed",
		zap.String("session_id", c.SessionID), zap.Int("sent", sent), zap.Int("failed", failed))
	return nil
}

func (r *ResponseNotifier) buildPayload(c tasks.Completion) *Payload {
	title := c.ProjectName
	if title == "" {
		title = "AI Response"
	}
	data := map[string]interface{}{
		"type":                    "aiResponse",
		"sessionId":               c.SessionID,
		"isLongRunningCompletion": true,
	}
	if c.Failed {
		data["failed"] = true
	}
	return &Payload{
		Title: title,
		Body:  Truncate(c.Text, notificationBodyLimit),
		Data:  data,
	}
}

func (r *ResponseNotifier) emitNotificationSent(c tasks.Completion, sent, failed int) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(events.NotificationSent, "push-notifier", map[string]interface{}{
		"sessionId":               c.SessionID,
		"isLongRunningCompletion": true,
		"sent":                    sent,
		"failed":                  failed,
	})
	if err := r.bus.Publish(context.Background(), events.PushDelivered, event); err != nil {
		r.log.Warn("failed to publish notificationSent event",
			zap.String("session_id", c.SessionID), zap.Error(err))
	}
}

package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/events"
	"github.com/kandev/relay/internal/events/bus"
	"github.com/kandev/relay/internal/queue"
	ws "github.com/kandev/relay/pkg/websocket"
)

// Listener group names. RemoveEventListeners detaches one group; Shutdown
// detaches all.
const (
	ServiceRunner      = "runner"
	ServiceSessions    = "sessions"
	ServiceTasks       = "tasks"
	ServiceDevices     = "devices"
	ServicePermissions = "permissions"
)

// EventBroadcaster bridges bus events to connected WebSocket clients. Stream
// events are wrapped as {type, data, timestamp} frames and routed to the
// clients subscribed to the event's session; session lifecycle events go to
// every client; task heartbeats and device events go to clients subscribed to
// those event topics.
//
// Every session-routed frame is also placed on the message queue so clients
// tracked for the session but not currently connected receive it when they
// resubscribe.
type EventBroadcaster struct {
	hub   *Hub
	queue *queue.Service
	bus   bus.EventBus

	mu        sync.Mutex
	listeners map[string][]bus.Subscription

	logger *logger.Logger
}

// RegisterEventBroadcaster creates the broadcaster and installs all listener
// groups. The broadcaster shuts down when ctx is cancelled. The queue may be
// nil, in which case undelivered frames are not retained.
func RegisterEventBroadcaster(ctx context.Context, eventBus bus.EventBus, hub *Hub, q *queue.Service, log *logger.Logger) *EventBroadcaster {
	b := &EventBroadcaster{
		hub:       hub,
		queue:     q,
		bus:       eventBus,
		listeners: make(map[string][]bus.Subscription),
		logger:    log.WithFields(zap.String("component", "ws-event-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(ServiceRunner, events.BuildSessionStreamWildcardSubject(), b.handleSessionEvent)
	b.subscribe(ServicePermissions, events.BuildPermissionResolvedWildcardSubject(), b.handleSessionEvent)
	b.subscribe(ServiceSessions, events.BuildSessionStatusWildcardSubject(), b.handleSystemEvent)
	b.subscribe(ServiceTasks, events.BuildTaskHeartbeatWildcardSubject(), b.handleTopicEvent)
	b.subscribe(ServiceDevices, events.DeviceEvents, b.handleTopicEvent)

	go func() {
		<-ctx.Done()
		b.Shutdown()
	}()

	return b
}

func (b *EventBroadcaster) subscribe(service, subject string, handler bus.EventHandler) {
	sub, err := b.bus.Subscribe(subject, handler)
	if err != nil {
		b.logger.Error("failed to subscribe to events",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	b.mu.Lock()
	b.listeners[service] = append(b.listeners[service], sub)
	b.mu.Unlock()
}

// handleSessionEvent routes one event to the clients subscribed to its
// session. Events without a sessionId are dropped silently.
func (b *EventBroadcaster) handleSessionEvent(ctx context.Context, event *bus.Event) error {
	sessionID, _ := event.Data["sessionId"].(string)
	if sessionID == "" {
		return nil
	}

	frame := ws.NewFrame(event.Type, event.Data)
	data, err := frame.Marshal()
	if err != nil {
		b.logger.Error("failed to marshal frame",
			zap.String("type", event.Type), zap.Error(err))
		return nil
	}

	count := b.hub.SendRawToSession(sessionID, data)
	b.enqueueFrame(sessionID, event, frame)

	b.emit(events.MessageBroadcast, map[string]interface{}{
		"sessionId":   sessionID,
		"messageType": event.Type,
		"clientCount": count,
	})
	return nil
}

// handleSystemEvent routes one event to every connected client.
func (b *EventBroadcaster) handleSystemEvent(ctx context.Context, event *bus.Event) error {
	frame := ws.NewFrame(event.Type, event.Data)
	data, err := frame.Marshal()
	if err != nil {
		b.logger.Error("failed to marshal frame",
			zap.String("type", event.Type), zap.Error(err))
		return nil
	}

	count := b.hub.SendRawToAll(data)

	b.emit(events.SystemBroadcast, map[string]interface{}{
		"messageType": event.Type,
		"clientCount": count,
	})
	return nil
}

// handleTopicEvent routes one event to clients subscribed to its event topic.
func (b *EventBroadcaster) handleTopicEvent(ctx context.Context, event *bus.Event) error {
	frame := ws.NewFrame(event.Type, event.Data)
	data, err := frame.Marshal()
	if err != nil {
		b.logger.Error("failed to marshal frame",
			zap.String("type", event.Type), zap.Error(err))
		return nil
	}

	count := b.hub.SendRawToTopic(event.Type, data)

	b.emit(events.EventBroadcast, map[string]interface{}{
		"event":       event.Type,
		"clientCount": count,
	})
	return nil
}

// enqueueFrame retains a session-routed frame for clients that are tracked
// for the session but not connected right now. Permission prompts queue at
// high priority so reconnecting clients see them first.
func (b *EventBroadcaster) enqueueFrame(sessionID string, event *bus.Event, frame *ws.Frame) {
	if b.queue == nil {
		return
	}
	message := map[string]interface{}{
		"type":      frame.Type,
		"data":      event.Data,
		"timestamp": frame.Timestamp,
	}
	var opts *queue.EnqueueOptions
	if event.Type == events.StreamPermissionRequired {
		opts = &queue.EnqueueOptions{Priority: queue.PriorityHigh}
	}
	b.queue.Queue(sessionID, message, opts)
}

// RemoveEventListeners detaches every handler installed for one listener
// group. Unknown names are no-ops.
func (b *EventBroadcaster) RemoveEventListeners(service string) {
	b.mu.Lock()
	subs := b.listeners[service]
	delete(b.listeners, service)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
}

// Shutdown detaches all listener groups.
func (b *EventBroadcaster) Shutdown() {
	b.mu.Lock()
	all := b.listeners
	b.listeners = make(map[string][]bus.Subscription)
	b.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			if sub != nil && sub.IsValid() {
				_ = sub.Unsubscribe()
			}
		}
	}
}

// Stats reports gateway fan-out statistics.
type Stats struct {
	ConnectedClients   int            `json:"connectedClients"`
	TotalSubscriptions int            `json:"totalSubscriptions"`
	EventSubscriptions map[string]int `json:"eventSubscriptions"`
	ActiveListeners    int            `json:"activeListeners"`
}

// Stats returns current connection, subscription and listener counts.
func (b *EventBroadcaster) Stats() Stats {
	b.mu.Lock()
	active := 0
	for _, subs := range b.listeners {
		for _, sub := range subs {
			if sub != nil && sub.IsValid() {
				active++
			}
		}
	}
	b.mu.Unlock()

	return Stats{
		ConnectedClients:   b.hub.ClientCount(),
		TotalSubscriptions: b.hub.SessionSubscriptionCount(),
		EventSubscriptions: b.hub.EventSubscriptionCounts(),
		ActiveListeners:    active,
	}
}

func (b *EventBroadcaster) emit(eventType string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, "ws-broadcaster", data)
	if err := b.bus.Publish(context.Background(), events.GatewayEvents, event); err != nil {
		b.logger.Warn("failed to publish broadcast event",
			zap.String("type", eventType), zap.Error(err))
	}
}

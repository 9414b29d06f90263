// Package websocket provides the WebSocket gateway: the connection registry,
// the per-connection pumps and the bridge from bus events to connected
// clients.
package websocket

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/events"
	"github.com/kandev/relay/internal/events/bus"
	ws "github.com/kandev/relay/pkg/websocket"
)

// Disconnect reasons surfaced in clientDisconnected events.
const (
	disconnectReasonClosed   = "connection closed"
	disconnectReasonError    = "connection error"
	disconnectReasonNoPong   = "Connection lost - no pong received"
	disconnectReasonShutdown = "server shutting down"
)

type disconnection struct {
	client *Client
	reason string
}

// SessionSubscribeHook runs after a client subscribes to a session, before
// the subscribe response is sent. The gateway wiring uses it to track the
// client for queued delivery and replay undelivered messages.
type SessionSubscribeHook func(client *Client, sessionID string)

// Hub is the connection registry. It tracks every accepted client, the
// sessions and event topics each follows, and drives the ping/pong liveness
// sweep. Registration and disconnection flow through channels consumed by
// Run; queries and subscription changes are synchronous.
type Hub struct {
	// All registered clients by client ID
	clients map[string]*Client

	// Clients following each session
	sessionSubscribers map[string]map[string]*Client

	// Clients subscribed to each event topic
	eventSubscribers map[string]map[string]*Client

	// Channels for client lifecycle
	register   chan *Client
	unregister chan disconnection

	dispatcher *ws.Dispatcher
	bus        bus.EventBus

	onSessionSubscribe SessionSubscribeHook

	monitorStop chan struct{}
	done        chan struct{}

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub. The event bus may be nil, in which case
// connection lifecycle events are not published.
func NewHub(dispatcher *ws.Dispatcher, eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		clients:            make(map[string]*Client),
		sessionSubscribers: make(map[string]map[string]*Client),
		eventSubscribers:   make(map[string]map[string]*Client),
		register:           make(chan *Client),
		unregister:         make(chan disconnection),
		dispatcher:         dispatcher,
		bus:                eventBus,
		done:               make(chan struct{}),
		logger:             log.WithFields(zap.String("component", "ws_hub")),
	}
}

// SetSessionSubscribeHook installs the callback invoked on session.subscribe.
// Must be called before the hub starts serving connections.
func (h *Hub) SetSessionSubscribeHook(hook SessionSubscribeHook) {
	h.onSessionSubscribe = hook
}

// GetDispatcher returns the message dispatcher.
func (h *Hub) GetDispatcher() *ws.Dispatcher {
	return h.dispatcher
}

// Run starts the hub's main processing loop. Cancelling ctx shuts the hub
// down: monitoring stops, every client is closed with 1001 and the registry
// is cleared.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.addClient(client)

		case d := <-h.unregister:
			h.removeClient(d)
		}
	}
}

// Register admits an accepted connection into the registry.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Disconnect runs the disconnection path for a client. Both the read pump's
// close/error handling and the health monitor funnel through here; the first
// reason recorded for a client wins, so later invocations are no-ops with
// consistent bookkeeping.
func (h *Hub) Disconnect(client *Client, reason string) {
	reason = client.setDisconnectReason(reason)
	select {
	case h.unregister <- disconnection{client: client, reason: reason}:
	case <-h.done:
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	h.logger.Debug("Client registered",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", client.Info.RemoteAddr))

	h.emit(events.ClientConnected, map[string]interface{}{
		"clientId":       client.ID,
		"client":         client.Snapshot(),
		"connectionInfo": client.Info,
	})
}

func (h *Hub) removeClient(d disconnection) {
	client := d.client

	h.mu.Lock()
	if _, ok := h.clients[client.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.ID)

	snap := client.Snapshot()
	for _, sessionID := range snap.SessionIDs {
		h.dropFromIndex(h.sessionSubscribers, sessionID, client.ID)
	}
	for _, event := range snap.SubscribedEvents {
		h.dropFromIndex(h.eventSubscribers, event, client.ID)
	}
	h.mu.Unlock()

	client.closeSend()

	h.logger.Debug("Client unregistered",
		zap.String("client_id", client.ID),
		zap.String("reason", d.reason))

	h.emit(events.ClientDisconnected, map[string]interface{}{
		"clientId":   client.ID,
		"reason":     d.reason,
		"sessionIds": snap.SessionIDs,
	})
}

// dropFromIndex removes one client from an index entry, pruning the entry
// when it empties. Callers hold h.mu.
func (h *Hub) dropFromIndex(index map[string]map[string]*Client, key, clientID string) {
	if members, ok := index[key]; ok {
		delete(members, clientID)
		if len(members) == 0 {
			delete(index, key)
		}
	}
}

// AddSession subscribes a client to a session's stream. No-op for unknown
// client IDs.
func (h *Hub) AddSession(clientID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[clientID]
	if !ok {
		return
	}
	if _, ok := h.sessionSubscribers[sessionID]; !ok {
		h.sessionSubscribers[sessionID] = make(map[string]*Client)
	}
	h.sessionSubscribers[sessionID][clientID] = client
	client.addSession(sessionID)

	h.logger.Debug("Client subscribed to session",
		zap.String("client_id", clientID),
		zap.String("session_id", sessionID))
}

// RemoveSession drops a client's subscription to a session. No-op for
// unknown client IDs.
func (h *Hub) RemoveSession(clientID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[clientID]
	if !ok {
		return
	}
	client.removeSession(sessionID)
	h.dropFromIndex(h.sessionSubscribers, sessionID, clientID)
}

// Subscribe adds the client to one or more event topics. No-op for unknown
// client IDs.
func (h *Hub) Subscribe(clientID string, eventNames ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[clientID]
	if !ok {
		return
	}
	for _, event := range eventNames {
		if event == "" {
			continue
		}
		if _, ok := h.eventSubscribers[event]; !ok {
			h.eventSubscribers[event] = make(map[string]*Client)
		}
		h.eventSubscribers[event][clientID] = client
	}
	client.subscribeEvents(eventNames)
}

// UpdateActivity refreshes a client's last-activity timestamp. No-op for
// unknown client IDs.
func (h *Hub) UpdateActivity(clientID string) {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if ok {
		client.touch()
	}
}

// GetClient looks up a client by ID.
func (h *Hub) GetClient(clientID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[clientID]
	return client, ok
}

// GetAllClients returns every registered client, ordered by client ID.
func (h *Hub) GetAllClients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		out = append(out, client)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetClientsBySession returns the clients subscribed to a session. The slice
// is empty for sessions nobody follows.
func (h *Hub) GetClientsBySession(sessionID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.sessionSubscribers[sessionID]
	out := make([]*Client, 0, len(members))
	for _, client := range members {
		out = append(out, client)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SessionSubscriptionCount returns the total number of client-session
// subscription pairs.
func (h *Hub) SessionSubscriptionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, members := range h.sessionSubscribers {
		total += len(members)
	}
	return total
}

// EventSubscriptionCounts returns the subscriber count per event topic.
func (h *Hub) EventSubscriptionCounts() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	counts := make(map[string]int, len(h.eventSubscribers))
	for event, members := range h.eventSubscribers {
		counts[event] = len(members)
	}
	return counts
}

// SendRawToSession fans pre-marshaled bytes to every client subscribed to the
// session. Returns the number of clients the payload was queued for.
func (h *Hub) SendRawToSession(sessionID string, data []byte) int {
	return h.fanOut(h.GetClientsBySession(sessionID), data)
}

// SendRawToAll fans pre-marshaled bytes to every connected client.
func (h *Hub) SendRawToAll(data []byte) int {
	return h.fanOut(h.GetAllClients(), data)
}

// SendRawToTopic fans pre-marshaled bytes to clients subscribed to an event
// topic.
func (h *Hub) SendRawToTopic(event string, data []byte) int {
	h.mu.RLock()
	members := h.eventSubscribers[event]
	targets := make([]*Client, 0, len(members))
	for _, client := range members {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	return h.fanOut(targets, data)
}

func (h *Hub) fanOut(targets []*Client, data []byte) int {
	sent := 0
	for _, client := range targets {
		if client.enqueue(data) {
			sent++
		}
	}
	return sent
}

// BroadcastToSession sends a protocol message to every client subscribed to
// the session.
func (h *Hub) BroadcastToSession(sessionID string, msg *ws.Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return 0
	}
	return h.SendRawToSession(sessionID, data)
}

// Broadcast sends a protocol message to all connected clients.
func (h *Hub) Broadcast(msg *ws.Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return 0
	}
	return h.SendRawToAll(data)
}

// SendToClient sends a protocol message to one client. Returns false when the
// client is unknown or its buffer is full.
func (h *Hub) SendToClient(clientID string, msg *ws.Message) bool {
	client, ok := h.GetClient(clientID)
	if !ok {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return false
	}
	return client.enqueue(data)
}

// StartHealthMonitoring begins the periodic liveness sweep. Idempotent: a
// second start while running is a no-op. interval <= 0 selects the default
// ping period.
func (h *Hub) StartHealthMonitoring(interval time.Duration) {
	h.mu.Lock()
	if h.monitorStop != nil {
		h.mu.Unlock()
		return
	}
	if interval <= 0 {
		interval = pingPeriod
	}
	stop := make(chan struct{})
	h.monitorStop = stop
	h.mu.Unlock()

	h.logger.Info("Health monitoring started", zap.Duration("interval", interval))

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.pingClients()
			case <-stop:
				return
			}
		}
	}()
}

// StopHealthMonitoring halts the liveness sweep.
func (h *Hub) StopHealthMonitoring() {
	h.mu.Lock()
	stop := h.monitorStop
	h.monitorStop = nil
	h.mu.Unlock()

	if stop != nil {
		close(stop)
	}
}

// pingClients is one sweep of the health monitor. Clients that never answered
// the previous ping are terminated; everyone else is marked not-alive and
// pinged, and must pong before the next sweep to stay connected.
func (h *Hub) pingClients() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if !client.Alive() {
			h.logger.Warn("Client failed liveness check",
				zap.String("client_id", client.ID))
			client.setDisconnectReason(disconnectReasonNoPong)
			client.terminate()
			h.Disconnect(client, disconnectReasonNoPong)
			continue
		}

		client.markPinged()
		if err := client.ping(); err != nil {
			h.logger.Warn("Ping failed",
				zap.String("client_id", client.ID),
				zap.Error(err))
			client.terminate()
			h.Disconnect(client, disconnectReasonError)
		}
	}
}

// shutdown stops monitoring, closes every connection with 1001 and clears
// the registry. Close errors are swallowed.
func (h *Hub) shutdown() {
	h.StopHealthMonitoring()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.sessionSubscribers = make(map[string]map[string]*Client)
	h.eventSubscribers = make(map[string]map[string]*Client)
	h.mu.Unlock()

	for _, client := range clients {
		client.setDisconnectReason(disconnectReasonShutdown)
		client.closeWithCode(websocket.CloseGoingAway, disconnectReasonShutdown)
		client.closeSend()
	}
}

func (h *Hub) emit(eventType string, data map[string]interface{}) {
	if h.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "ws-gateway", data)
	if err := h.bus.Publish(context.Background(), events.GatewayEvents, event); err != nil {
		h.logger.Warn("Failed to publish gateway event",
			zap.String("type", eventType), zap.Error(err))
	}
}

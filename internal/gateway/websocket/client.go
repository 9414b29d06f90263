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
	ws "github.com/kandev/relay/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Outbound buffer per client
	sendBufferSize = 256
)

// ConnectionInfo captures transport details recorded at accept time.
type ConnectionInfo struct {
	RemoteAddr string `json:"remoteAddr"`
	UserAgent  string `json:"userAgent,omitempty"`
}

// Client represents a single WebSocket connection and its registry record:
// the sessions it follows, the event topics it subscribed to, and liveness
// bookkeeping driven by the ping/pong cycle.
type Client struct {
	ID   string
	Info ConnectionInfo

	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu               sync.RWMutex
	sessionIDs       map[string]struct{}
	subscribedEvents map[string]struct{}
	isAlive          bool
	connectedAt      time.Time
	lastActivity     time.Time
	closed           bool
	disconnectReason string

	closeOnce sync.Once
	logger    *logger.Logger
}

// NewClient creates a new WebSocket client record for an accepted connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, info ConnectionInfo, log *logger.Logger) *Client {
	now := time.Now()
	return &Client{
		ID:               id,
		Info:             info,
		conn:             conn,
		hub:              hub,
		send:             make(chan []byte, sendBufferSize),
		sessionIDs:       make(map[string]struct{}),
		subscribedEvents: make(map[string]struct{}),
		isAlive:          true,
		connectedAt:      now,
		lastActivity:     now,
		logger:           log.WithFields(zap.String("client_id", id)),
	}
}

// Snapshot is the serializable view of a client record.
type Snapshot struct {
	ClientID         string         `json:"clientId"`
	SessionIDs       []string       `json:"sessionIds"`
	SubscribedEvents []string       `json:"subscribedEvents"`
	IsAlive          bool           `json:"isAlive"`
	ConnectedAt      time.Time      `json:"connectedAt"`
	LastActivity     time.Time      `json:"lastActivity"`
	Connection       ConnectionInfo `json:"connection"`
}

// Snapshot returns a copy of the client's registry record.
func (c *Client) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sessions := make([]string, 0, len(c.sessionIDs))
	for id := range c.sessionIDs {
		sessions = append(sessions, id)
	}
	sort.Strings(sessions)

	topics := make([]string, 0, len(c.subscribedEvents))
	for ev := range c.subscribedEvents {
		topics = append(topics, ev)
	}
	sort.Strings(topics)

	return Snapshot{
		ClientID:         c.ID,
		SessionIDs:       sessions,
		SubscribedEvents: topics,
		IsAlive:          c.isAlive,
		ConnectedAt:      c.connectedAt,
		LastActivity:     c.lastActivity,
		Connection:       c.Info,
	}
}

// Sessions returns the session IDs this client follows.
func (c *Client) Sessions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.sessionIDs))
	for id := range c.sessionIDs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Alive reports whether the client answered the last ping.
func (c *Client) Alive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isAlive
}

// LastActivity returns the time of the last inbound frame or pong.
func (c *Client) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

func (c *Client) addSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionIDs[sessionID] = struct{}{}
}

func (c *Client) removeSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessionIDs, sessionID)
}

func (c *Client) subscribeEvents(eventNames []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range eventNames {
		if ev != "" {
			c.subscribedEvents[ev] = struct{}{}
		}
	}
}

func (c *Client) subscribedTo(eventName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscribedEvents[eventName]
	return ok
}

func (c *Client) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// markAlive is the pong handler's effect: refresh activity and flip the
// liveness flag back on.
func (c *Client) markAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isAlive = true
	c.lastActivity = time.Now()
}

// markPinged flips the liveness flag off; it stays off until the next pong.
func (c *Client) markPinged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isAlive = false
}

// setDisconnectReason records the first disconnect reason for this client and
// returns it. The read pump and the health monitor both tear connections
// down; whichever ran first determines the reported reason.
func (c *Client) setDisconnectReason(reason string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnectReason == "" {
		c.disconnectReason = reason
	}
	return c.disconnectReason
}

// ping sends a control ping without touching the write pump. Gorilla permits
// WriteControl concurrently with NextWriter writes.
func (c *Client) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// closeWithCode sends a close frame and drops the transport. Safe to call
// multiple times; only the first call acts.
func (c *Client) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

// terminate drops the transport without the closing handshake.
func (c *Client) terminate() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// ReadPump pumps messages from the WebSocket connection into the dispatcher.
// It owns the read side: the pong handler and the disconnection path for both
// clean closes and read errors.
func (c *Client) ReadPump(ctx context.Context) {
	reason := disconnectReasonClosed
	defer func() {
		c.hub.Disconnect(c, reason)
		c.terminate()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.markAlive()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Error("WebSocket read error", zap.Error(err))
				reason = disconnectReasonError
				c.closeWithCode(websocket.CloseInternalServerErr, "connection error")
			}
			return
		}

		c.touch()

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("Failed to parse message", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeBadRequest, "Invalid message format", nil)
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// handleMessage processes an incoming message
func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("Received message",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	// Subscription actions need access to the client record itself
	switch msg.Action {
	case ws.ActionSessionSubscribe:
		c.handleSessionSubscribe(msg)
		return
	case ws.ActionSessionUnsubscribe:
		c.handleSessionUnsubscribe(msg)
		return
	case ws.ActionEventsSubscribe:
		c.handleEventsSubscribe(msg)
		return
	}

	// Dispatch to handler
	ctx = ws.ContextWithClientID(ctx, c.ID)
	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("Handler error",
			zap.String("action", msg.Action),
			zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}

	if response != nil {
		c.sendMessage(response)
	}
}

// SessionSubscribeRequest is the payload for session.subscribe and
// session.unsubscribe.
type SessionSubscribeRequest struct {
	SessionID string `json:"sessionId"`
}

// EventsSubscribeRequest is the payload for events.subscribe. Either a single
// event name or a list is accepted.
type EventsSubscribeRequest struct {
	Event  string   `json:"event,omitempty"`
	Events []string `json:"events,omitempty"`
}

func (c *Client) handleSessionSubscribe(msg *ws.Message) {
	var req SessionSubscribeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.SessionID == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "sessionId is required", nil)
		return
	}

	c.hub.AddSession(c.ID, req.SessionID)
	if c.hub.onSessionSubscribe != nil {
		c.hub.onSessionSubscribe(c, req.SessionID)
	}

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":   true,
		"sessionId": req.SessionID,
	})
	c.sendMessage(resp)
}

func (c *Client) handleSessionUnsubscribe(msg *ws.Message) {
	var req SessionSubscribeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.SessionID == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "sessionId is required", nil)
		return
	}

	c.hub.RemoveSession(c.ID, req.SessionID)

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":   true,
		"sessionId": req.SessionID,
	})
	c.sendMessage(resp)
}

func (c *Client) handleEventsSubscribe(msg *ws.Message) {
	var req EventsSubscribeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	names := req.Events
	if req.Event != "" {
		names = append(names, req.Event)
	}
	if len(names) == 0 {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "event or events is required", nil)
		return
	}

	c.hub.Subscribe(c.ID, names...)

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success": true,
		"events":  names,
	})
	c.sendMessage(resp)
}

// Send queues a raw frame for delivery to this client. It reports whether
// the frame was accepted; a full buffer or closed connection drops it.
func (c *Client) Send(data []byte) bool {
	return c.enqueue(data)
}

// sendMessage sends a message to the client
func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// sendError sends an error message to the client
func (c *Client) sendError(id, action, code, message string, details map[string]interface{}) {
	msg, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("Failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// enqueue places raw bytes on the outbound buffer, dropping when full. The
// write pump cleans up stalled connections. The read lock is held across the
// channel send so closeSend cannot interleave with it.
func (c *Client) enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("Client send buffer full")
		return false
	}
}

// closeSend shuts the outbound buffer exactly once, stopping the write pump.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WritePump pumps messages from the outbound buffer to the WebSocket
// connection. Liveness pings are driven by the hub's health monitor, not
// here, so the pump only moves data frames.
func (c *Client) WritePump() {
	defer c.terminate()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))

		w, err := c.conn.NextWriter(websocket.TextMessage)
		if err != nil {
			return
		}
		w.Write(message)

		// Batch additional queued messages
		n := len(c.send)
		for i := 0; i < n; i++ {
			w.Write([]byte{'\n'})
			w.Write(<-c.send)
		}

		if err := w.Close(); err != nil {
			return
		}
	}

	// Hub closed the channel
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
}

package wshandlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/relay/internal/agent/runner"
	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/devices"
	"github.com/kandev/relay/internal/events/bus"
	gatewayws "github.com/kandev/relay/internal/gateway/websocket"
	"github.com/kandev/relay/internal/permissions"
	"github.com/kandev/relay/internal/push"
	"github.com/kandev/relay/internal/queue"
	"github.com/kandev/relay/internal/session"
	"github.com/kandev/relay/internal/tasks"
	ws "github.com/kandev/relay/pkg/websocket"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

type fakeRunner struct{}

func (f *fakeRunner) Execute(ctx context.Context, req runner.ExecuteRequest) (*runner.ExecuteResult, error) {
	return &runner.ExecuteResult{
		SessionID: req.SessionID,
		Result:    map[string]interface{}{"type": "result", "result": "done"},
	}, nil
}

func (f *fakeRunner) CreateInteractiveSession(ctx context.Context, workDir string) (*runner.InteractiveSession, error) {
	return nil, errors.New("interactive spawn not supported by fake")
}

func (f *fakeRunner) Session(sessionID string) (*runner.InteractiveSession, bool) {
	return nil, false
}

func (f *fakeRunner) StopSession(ctx context.Context, sessionID string) error {
	return nil
}

type permissionCall struct {
	sessionID string
	requestID string
	allow     bool
	message   string
}

type fakeResponder struct {
	mu    sync.Mutex
	calls []permissionCall
	err   error
}

func (f *fakeResponder) RespondPermission(sessionID, requestID string, allow bool, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, permissionCall{
		sessionID: sessionID,
		requestID: requestID,
		allow:     allow,
		message:   message,
	})
	return f.err
}

func (f *fakeResponder) recorded() []permissionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]permissionCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fixture struct {
	handlers  *Handlers
	sessions  *session.Service
	perms     *permissions.Manager
	registry  *devices.Registry
	notifier  *push.Notifier
	queue     *queue.Service
	responder *fakeResponder
	bus       *bus.MemoryEventBus
	log       *logger.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { _ = eventBus.Close() })

	q := queue.NewService(config.QueueConfig{}, log)
	t.Cleanup(q.Close)

	taskManager := tasks.NewManager(config.TasksConfig{}, nil, nil, eventBus, log)
	sessions := session.NewService(&fakeRunner{}, taskManager, q, eventBus, log)

	perms, err := permissions.NewManager(config.PermissionsConfig{RequestTimeout: time.Minute}, eventBus, nil, log)
	require.NoError(t, err)

	registry := devices.NewRegistry(config.DevicesConfig{}, nil, eventBus, log)
	t.Cleanup(registry.Close)

	notifier := push.NewNotifier(config.PushConfig{}, nil, nil, log)
	t.Cleanup(func() { _ = notifier.Shutdown() })

	responder := &fakeResponder{}
	return &fixture{
		handlers:  NewHandlers(sessions, perms, registry, notifier, q, responder, log),
		sessions:  sessions,
		perms:     perms,
		registry:  registry,
		notifier:  notifier,
		queue:     q,
		responder: responder,
		bus:       eventBus,
		log:       log,
	}
}

func mustRequest(t *testing.T, action string, payload interface{}) *ws.Message {
	t.Helper()
	msg, err := ws.NewRequest("req-1", action, payload)
	require.NoError(t, err)
	return msg
}

func responseMap(t *testing.T, msg *ws.Message) map[string]interface{} {
	t.Helper()
	require.NotNil(t, msg)
	require.Equal(t, ws.MessageTypeResponse, msg.Type)
	var payload map[string]interface{}
	require.NoError(t, msg.ParsePayload(&payload))
	return payload
}

func errorPayload(t *testing.T, msg *ws.Message) ws.ErrorPayload {
	t.Helper()
	require.NotNil(t, msg)
	require.Equal(t, ws.MessageTypeError, msg.Type)
	var payload ws.ErrorPayload
	require.NoError(t, msg.ParsePayload(&payload))
	return payload
}

func createSession(t *testing.T, f *fixture) *session.Session {
	t.Helper()
	sess, err := f.sessions.Create(context.Background(), session.CreateOptions{WorkingDir: "/tmp/project"})
	require.NoError(t, err)
	return sess
}

// pendPermission starts a blocking permission request and waits for it to
// appear in the pending set, returning its ID and the decision channel.
func pendPermission(t *testing.T, f *fixture, sessionID string) (string, <-chan *permissions.Decision) {
	t.Helper()
	ch := make(chan *permissions.Decision, 1)
	go func() {
		d, err := f.perms.RequestPermission(context.Background(), "write file", map[string]interface{}{"sessionId": sessionID})
		if err == nil {
			ch <- d
		}
	}()

	var requestID string
	require.Eventually(t, func() bool {
		pending := f.perms.PendingRequests()
		if len(pending) == 0 {
			return false
		}
		requestID = pending[0].ID
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return requestID, ch
}

func awaitDecision(t *testing.T, ch <-chan *permissions.Decision) *permissions.Decision {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no permission decision arrived")
		return nil
	}
}

func TestRegisterHandlersRegistersActions(t *testing.T) {
	t.Setenv("RELAY_ENV", "test")
	f := newFixture(t)

	d := ws.NewDispatcher()
	f.handlers.RegisterHandlers(d)

	for _, action := range []string{
		ws.ActionPromptSubmit,
		ws.ActionPermissionRespond,
		ws.ActionDeviceRegister,
		ws.ActionDeviceElectPrimary,
		ws.ActionDeviceTransferPrimary,
		ws.ActionQueueAck,
	} {
		assert.True(t, d.HasHandler(action), "missing handler for %s", action)
	}
}

func TestSubmitPromptReturnsResult(t *testing.T) {
	t.Setenv("RELAY_ENV", "test")
	f := newFixture(t)
	sess := createSession(t, f)

	msg := mustRequest(t, ws.ActionPromptSubmit, map[string]interface{}{
		"sessionId": sess.ID,
		"prompt":    "list the files",
	})
	resp, err := f.handlers.SubmitPrompt(context.Background(), msg)
	require.NoError(t, err)

	payload := responseMap(t, resp)
	assert.Equal(t, "result", payload["type"])
	assert.Equal(t, "done", payload["result"])
}

func TestSubmitPromptValidation(t *testing.T) {
	t.Setenv("RELAY_ENV", "test")
	f := newFixture(t)

	t.Run("malformed payload", func(t *testing.T) {
		msg := &ws.Message{
			ID:      "req-1",
			Type:    ws.MessageTypeRequest,
			Action:  ws.ActionPromptSubmit,
			Payload: json.RawMessage(`{"sessionId": 5}`),
		}
		resp, err := f.handlers.SubmitPrompt(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, ws.ErrorCodeBadRequest, errorPayload(t, resp).Code)
	})

	t.Run("missing session id", func(t *testing.T) {
		msg := mustRequest(t, ws.ActionPromptSubmit, map[string]interface{}{"prompt": "hello"})
		resp, err := f.handlers.SubmitPrompt(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, ws.ErrorCodeValidation, errorPayload(t, resp).Code)
	})

	t.Run("empty prompt", func(t *testing.T) {
		msg := mustRequest(t, ws.ActionPromptSubmit, map[string]interface{}{
			"sessionId": "sess-1",
			"prompt":    "   ",
		})
		resp, err := f.handlers.SubmitPrompt(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, ws.ErrorCodeValidation, errorPayload(t, resp).Code)
	})
}

func TestSubmitPromptUnknownSession(t *testing.T) {
	t.Setenv("RELAY_ENV", "test")
	f := newFixture(t)

	msg := mustRequest(t, ws.ActionPromptSubmit, map[string]interface{}{
		"sessionId": "nope",
		"prompt":    "hello",
	})
	resp, err := f.handlers.SubmitPrompt(context.Background(), msg)
	require.NoError(t, err)

	payload := errorPayload(t, resp)
	assert.Equal(t, ws.ErrorCodeNotFound, payload.Code)
	assert.Contains(t, payload.Message, "nope")
}

func TestSubmitPromptKilledSession(t *testing.T) {
	t.Setenv("RELAY_ENV", "test")
	f := newFixture(t)
	sess := createSession(t, f)
	require.NoError(t, f.sessions.Kill(context.Background(), sess.ID))

	msg := mustRequest(t, ws.ActionPromptSubmit, map[string]interface{}{
		"sessionId": sess.ID,
		"prompt":    "hello",
	})
	resp, err := f.handlers.SubmitPrompt(context.Background(), msg)
	require.NoError(t, err)

	payload := errorPayload(t, resp)
	assert.Equal(t, ws.ErrorCodeValidation, payload.Code)
	assert.Contains(t, payload.Message, "killed")
}

func TestRespondPermissionApprove(t *testing.T) {
	t.Setenv("RELAY_ENV", "test")
	f := newFixture(t)
	f.responder.err = errors.New("no interactive child")

	requestID, decisions := pendPermission(t, f, "sess-1")

	msg := mustRequest(t, ws.ActionPermissionRespond, map[string]interface{}{
		"sessionId": "sess-1",
		"requestId": requestID,
		"approved":  true,
	})
	ctx := ws.ContextWithClientID(context.Background(), "client-7")
	resp, err := f.handlers.RespondPermission(ctx, msg)
	require.NoError(t, err)

	payload := responseMap(t, resp)
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, true, payload["approved"])
	assert.Equal(t, false, payload["forwarded"])

	d := awaitDecision(t, decisions)
	assert.True(t, d.Approved)
	assert.Equal(t, "client-7", d.Approver)
}

func TestRespondPermissionDeny(t *testing.T) {
	t.Setenv("RELAY_ENV", "test")
	f := newFixture(t)
	f.responder.err = errors.New("no interactive child")

	requestID, decisions := pendPermission(t, f, "sess-1")

	msg := mustRequest(t, ws.ActionPermissionRespond, map[string]interface{}{
		"sessionId": "sess-1",
		"requestId": requestID,
		"approved":  false,
		"message":   "not allowed",
	})
	ctx := ws.ContextWithClientID(context.Background(), "client-9")
	resp, err := f.handlers.RespondPermission(ctx, msg)
	require.NoError(t, err)

	payload := responseMap(t, resp)
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, false, payload["approved"])

	d := awaitDecision(t, decisions)
	assert.False(t, d.Approved)
	assert.Equal(t, "not allowed", d.Reason)
	assert.Equal(t, "client-9", d.Denier)
}

func TestRespondPermissionForwardsToRunner(t *testing.T) {
	t.Setenv("RELAY_ENV", "test")
	f := newFixture(t)

	// No pending request in the manager; the interactive child alone
	// handles the response.
	msg := mustRequest(t, ws.ActionPermissionRespond, map[string]interface{}{
		"sessionId": "sess-1",
		"requestId": "perm_abc",
		"approved":  true,
		"message":   "go ahead",
	})
	resp, err := f.handlers.RespondPermission(context.Background(), msg)
	require.NoError(t, err)

	payload := responseMap(t, resp)
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, true, payload["forwarded"])

	calls := f.responder.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "sess-1", calls[0].sessionID)
	assert.Equal(t, "perm_abc", calls[0].requestID)
	assert.True(t, calls[0].allow)
	assert.Equal(t, "go ahead", calls[0].message)
}

func TestRespondPermissionUnknownRequest(t *testing.T) {
	t.Setenv("RELAY_ENV", "test")
	f := newFixture(t)
	f.responder.err = errors.New("session not found")

	msg := mustRequest(t, ws.ActionPermissionRespond, map[string]interface{}{
		"sessionId": "sess-1",
		"requestId": "perm_missing",
		"approved":  true,
	})
	resp, err := f.handlers.RespondPermission(context.Background(), msg)
	require.NoError(t, err)

	payload := errorPayload(t, resp)
	assert.Equal(t, ws.ErrorCodeNotFound, payload.Code)
}

func TestRespondPermissionRequiresRequestID(t *testing.T) {
	t.Setenv("RELAY_ENV", "test")
	f := newFixture(t)

	msg := mustRequest(t, ws.ActionPermissionRespond, map[string]interface{}{"approved": true})
	resp, err := f.handlers.RespondPermission(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, ws.ErrorCodeValidation, errorPayload(t, resp).Code)
}

func TestRegisterDeviceStoresDeviceAndToken(t *testing.T) {
	t.Setenv("RELAY_ENV", "test")
	f := newFixture(t)

	msg := mustRequest(t, ws.ActionDeviceRegister, map[string]interface{}{
		"userId":     "user-1",
		"deviceId":   "dev-1",
		"platform":   "ios",
		"appVersion": "1.4.0",
		"pushToken":  "tok-1",
	})
	resp, err := f.handlers.RegisterDevice(context.Background(), msg)
	require.NoError(t, err)

	payload := responseMap(t, resp)
	assert.Equal(t, true, payload["success"])
	device, ok := payload["device"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "dev-1", device["deviceId"])
	assert.Equal(t, "ios", device["platform"])

	require.Len(t, f.registry.AllDevices(), 1)
	token, ok := f.notifier.TokenFor("dev-1")
	require.True(t, ok)
	assert.Equal(t, "tok-1", token)
}

func TestRegisterDeviceValidation(t *testing.T) {
	t.Setenv("RELAY_ENV", "test")
	f := newFixture(t)

	t.Run("missing user id", func(t *testing.T) {
		msg := mustRequest(t, ws.ActionDeviceRegister, map[string]interface{}{"deviceId": "dev-1"})
		resp, err := f.handlers.RegisterDevice(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, ws.ErrorCodeValidation, errorPayload(t, resp).Code)
	})

	t.Run("missing device id", func(t *testing.T) {
		msg := mustRequest(t, ws.ActionDeviceRegister, map[string]interface{}{"userId": "user-1"})
		resp, err := f.handlers.RegisterDevice(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, ws.ErrorCodeValidation, errorPayload(t, resp).Code)
	})
}

func TestElectPrimaryReturnsOutcome(t *testing.T) {
	t.Setenv("RELAY_ENV", "test")
	f := newFixture(t)
	f.registry.Register(context.Background(), "user-1", "dev-1", devices.DeviceInfo{Platform: "ios"})
	f.registry.Register(context.Background(), "user-1", "dev-2", devices.DeviceInfo{Platform: "android"})

	elect := func(deviceID string) devices.ElectionResult {
		msg := mustRequest(t, ws.ActionDeviceElectPrimary, map[string]interface{}{
			"sessionId": "sess-1",
			"userId":    "user-1",
			"deviceId":  deviceID,
		})
		resp, err := f.handlers.ElectPrimary(context.Background(), msg)
		require.NoError(t, err)
		require.Equal(t, ws.MessageTypeResponse, resp.Type)
		var result devices.ElectionResult
		require.NoError(t, resp.ParsePayload(&result))
		return result
	}

	winner := elect("dev-1")
	assert.True(t, winner.Success)
	assert.True(t, winner.IsPrimary)
	assert.Equal(t, "dev-1", winner.PrimaryDeviceID)

	loser := elect("dev-2")
	assert.False(t, loser.Success)
	assert.Equal(t, devices.ReasonPrimaryExists, loser.Reason)
	assert.Equal(t, "dev-1", loser.PrimaryDeviceID)
}

func TestTransferPrimaryMovesPrimary(t *testing.T) {
	t.Setenv("RELAY_ENV", "test")
	f := newFixture(t)
	f.registry.Register(context.Background(), "user-1", "dev-1", devices.DeviceInfo{})
	f.registry.Register(context.Background(), "user-1", "dev-2", devices.DeviceInfo{})
	require.True(t, f.registry.ElectPrimary("sess-1", "user-1", "dev-1").Success)

	msg := mustRequest(t, ws.ActionDeviceTransferPrimary, map[string]interface{}{
		"sessionId":    "sess-1",
		"fromDeviceId": "dev-1",
		"toDeviceId":   "dev-2",
	})
	resp, err := f.handlers.TransferPrimary(context.Background(), msg)
	require.NoError(t, err)

	var result devices.TransferResult
	require.NoError(t, resp.ParsePayload(&result))
	assert.True(t, result.Success)
	assert.Equal(t, "dev-2", result.NewPrimaryDeviceID)

	primary, ok := f.registry.PrimaryDevice("sess-1")
	require.True(t, ok)
	assert.Equal(t, "dev-2", primary)
}

func TestAckQueuedMarksDelivered(t *testing.T) {
	t.Setenv("RELAY_ENV", "test")
	f := newFixture(t)
	f.queue.TrackClient("sess-1", "client-1")
	messageID := f.queue.Queue("sess-1", map[string]interface{}{
		"type": "assistantMessage",
		"data": map[string]interface{}{"content": "hi"},
	}, nil)
	require.NotEmpty(t, messageID)

	msg := mustRequest(t, ws.ActionQueueAck, map[string]interface{}{
		"messageIds": []string{messageID},
	})
	ctx := ws.ContextWithClientID(context.Background(), "client-1")
	resp, err := f.handlers.AckQueued(ctx, msg)
	require.NoError(t, err)

	payload := responseMap(t, resp)
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, float64(1), payload["acknowledged"])
	assert.Empty(t, f.queue.GetUndelivered("sess-1", "client-1"))
}

func TestAckQueuedRequiresClientIdentity(t *testing.T) {
	t.Setenv("RELAY_ENV", "test")
	f := newFixture(t)

	msg := mustRequest(t, ws.ActionQueueAck, map[string]interface{}{
		"messageIds": []string{"msg-1"},
	})
	resp, err := f.handlers.AckQueued(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, ws.ErrorCodeUnauthorized, errorPayload(t, resp).Code)
}

func TestAckQueuedRequiresMessageIDs(t *testing.T) {
	t.Setenv("RELAY_ENV", "test")
	f := newFixture(t)

	msg := mustRequest(t, ws.ActionQueueAck, map[string]interface{}{})
	ctx := ws.ContextWithClientID(context.Background(), "client-1")
	resp, err := f.handlers.AckQueued(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, ws.ErrorCodeValidation, errorPayload(t, resp).Code)
}

// setupWire stands up the full gateway with the relay handlers and the
// session-subscribe hook wired, backed by a real WebSocket server.
func setupWire(t *testing.T) (*fixture, *gatewayws.Gateway, *httptest.Server) {
	t.Helper()
	t.Setenv("RELAY_ENV", "test")
	f := newFixture(t)

	gw, err := gatewayws.Provide(config.AuthConfig{}, f.bus, f.log)
	require.NoError(t, err)

	f.handlers.RegisterHandlers(gw.Dispatcher)
	gw.Hub.SetSessionSubscribeHook(f.handlers.SessionSubscribeHook())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go gw.Hub.Run(ctx)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	gw.SetupRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return f, gw, server
}

func dialWire(t *testing.T, server *httptest.Server) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// wireFrames decodes every JSON document from the connection, splitting
// batched writes on newlines.
func wireFrames(t *testing.T, conn *gorillaws.Conn) <-chan map[string]interface{} {
	t.Helper()
	out := make(chan map[string]interface{}, 32)
	go func() {
		defer close(out)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			for _, part := range bytes.Split(data, []byte{'\n'}) {
				if len(bytes.TrimSpace(part)) == 0 {
					continue
				}
				var decoded map[string]interface{}
				if json.Unmarshal(part, &decoded) == nil {
					out <- decoded
				}
			}
		}
	}()
	return out
}

func awaitWireFrame(t *testing.T, frames <-chan map[string]interface{}, match func(map[string]interface{}) bool) map[string]interface{} {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				t.Fatal("connection closed before expected frame arrived")
			}
			if match(frame) {
				return frame
			}
		case <-deadline:
			t.Fatal("timed out waiting for frame")
		}
	}
}

func subscribeSession(t *testing.T, conn *gorillaws.Conn, sessionID string) {
	t.Helper()
	msg, err := ws.NewRequest("sub-1", ws.ActionSessionSubscribe, map[string]interface{}{"sessionId": sessionID})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
}

func TestSessionSubscribeReplaysQueuedMessages(t *testing.T) {
	f, _, server := setupWire(t)

	// Messages queued before any client connects; the high-priority one
	// must be replayed first.
	firstID := f.queue.Queue("sess-1", map[string]interface{}{
		"type": "assistantMessage",
		"data": map[string]interface{}{"content": "while you were away"},
	}, nil)
	require.NotEmpty(t, firstID)
	secondID := f.queue.Queue("sess-1", map[string]interface{}{
		"type": "permissionRequired",
		"data": map[string]interface{}{"requestId": "perm_1"},
	}, &queue.EnqueueOptions{Priority: queue.PriorityHigh})
	require.NotEmpty(t, secondID)

	conn := dialWire(t, server)
	frames := wireFrames(t, conn)
	subscribeSession(t, conn, "sess-1")

	replayed := awaitWireFrame(t, frames, func(frame map[string]interface{}) bool {
		_, queued := frame["_queued"]
		return queued
	})
	assert.Equal(t, "permissionRequired", replayed["type"])
	assert.Equal(t, true, replayed["_queued"])
	assert.NotEmpty(t, replayed["_queuedAt"])

	next := awaitWireFrame(t, frames, func(frame map[string]interface{}) bool {
		_, queued := frame["_queued"]
		return queued
	})
	assert.Equal(t, "assistantMessage", next["type"])

	awaitWireFrame(t, frames, func(frame map[string]interface{}) bool {
		return frame["id"] == "sub-1" && frame["type"] == string(ws.MessageTypeResponse)
	})

	// Delivery through the hook marks the entries for this client.
	require.Eventually(t, func() bool {
		clients := f.queue.TrackedClients("sess-1")
		if len(clients) == 0 {
			return false
		}
		return len(f.queue.GetUndelivered("sess-1", clients[0])) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueueAckOverWire(t *testing.T) {
	f, gw, server := setupWire(t)

	conn := dialWire(t, server)
	frames := wireFrames(t, conn)

	require.Eventually(t, func() bool {
		return gw.Hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	clientID := gw.Hub.GetAllClients()[0].ID

	f.queue.TrackClient("sess-1", clientID)
	messageID := f.queue.Queue("sess-1", map[string]interface{}{
		"type": "assistantMessage",
		"data": map[string]interface{}{"content": "hello"},
	}, nil)
	require.NotEmpty(t, messageID)

	msg, err := ws.NewRequest("ack-1", ws.ActionQueueAck, map[string]interface{}{
		"messageIds": []string{messageID},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))

	resp := awaitWireFrame(t, frames, func(frame map[string]interface{}) bool {
		return frame["id"] == "ack-1"
	})
	assert.Equal(t, string(ws.MessageTypeResponse), resp["type"])

	assert.Empty(t, f.queue.GetUndelivered("sess-1", clientID))
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/relay/internal/agent/runner"
	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/devices"
	"github.com/kandev/relay/internal/events/bus"
	gatewayws "github.com/kandev/relay/internal/gateway/websocket"
	"github.com/kandev/relay/internal/permissions"
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

type fixture struct {
	router   *gin.Engine
	sessions *session.Service
	queue    *queue.Service
	registry *devices.Registry
	perms    *permissions.Manager
}

func setupAPI(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("RELAY_ENV", "test")
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { _ = eventBus.Close() })

	q := queue.NewService(config.QueueConfig{}, log)
	t.Cleanup(q.Close)

	taskManager := tasks.NewManager(config.TasksConfig{}, nil, nil, eventBus, log)
	sessions := session.NewService(&fakeRunner{}, taskManager, q, eventBus, log)

	perms, err := permissions.NewManager(config.PermissionsConfig{
		AutoApprove: []string{"backup"},
		AutoDeny:    []string{"rm -rf"},
	}, eventBus, nil, log)
	require.NoError(t, err)

	registry := devices.NewRegistry(config.DevicesConfig{}, nil, eventBus, log)
	t.Cleanup(registry.Close)

	hub := gatewayws.NewHub(ws.NewDispatcher(), eventBus, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	broadcaster := gatewayws.RegisterEventBroadcaster(ctx, eventBus, hub, q, log)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterRoutes(router, sessions, q, registry, perms, broadcaster, log)

	return &fixture{
		router:   router,
		sessions: sessions,
		queue:    q,
		registry: registry,
		perms:    perms,
	}
}

func doRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	f := setupAPI(t)

	resp := doRequest(t, f.router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "relay", body["service"])
}

func TestCreateAndGetSession(t *testing.T) {
	f := setupAPI(t)

	resp := doRequest(t, f.router, http.MethodPost, "/api/v1/sessions", map[string]interface{}{
		"workingDir": "/tmp/project",
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	created := decodeBody(t, resp)
	sessionID, _ := created["sessionId"].(string)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, string(session.StatusCreated), created["status"])
	assert.Equal(t, "/tmp/project", created["workingDir"])

	resp = doRequest(t, f.router, http.MethodGet, "/api/v1/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, sessionID, decodeBody(t, resp)["sessionId"])

	resp = doRequest(t, f.router, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	list := decodeBody(t, resp)
	assert.Equal(t, float64(1), list["total"])

	resp = doRequest(t, f.router, http.MethodGet, "/api/v1/sessions/unknown", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "session not found", decodeBody(t, resp)["error"])
}

func TestCreateSessionWithoutBody(t *testing.T) {
	f := setupAPI(t)

	resp := doRequest(t, f.router, http.MethodPost, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusCreated, resp.Code)
	assert.NotEmpty(t, decodeBody(t, resp)["sessionId"])
}

func TestCreateSessionConflict(t *testing.T) {
	f := setupAPI(t)

	body := map[string]interface{}{"sessionId": "sess-dup"}
	resp := doRequest(t, f.router, http.MethodPost, "/api/v1/sessions", body)
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = doRequest(t, f.router, http.MethodPost, "/api/v1/sessions", body)
	require.Equal(t, http.StatusConflict, resp.Code)
	assert.Contains(t, decodeBody(t, resp)["error"], "already exists")
}

func TestKillSession(t *testing.T) {
	f := setupAPI(t)
	sess, err := f.sessions.Create(context.Background(), session.CreateOptions{WorkingDir: "/tmp/p"})
	require.NoError(t, err)

	resp := doRequest(t, f.router, http.MethodDelete, "/api/v1/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, true, decodeBody(t, resp)["success"])

	got, err := f.sessions.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusKilled, got.Status)

	resp = doRequest(t, f.router, http.MethodDelete, "/api/v1/sessions/unknown", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestSessionQueueStats(t *testing.T) {
	f := setupAPI(t)
	f.queue.TrackClient("sess-1", "client-1")
	f.queue.Queue("sess-1", map[string]interface{}{
		"type": "assistantMessage",
		"data": map[string]interface{}{"content": "hello"},
	}, nil)
	f.queue.Queue("sess-1", map[string]interface{}{
		"type": "permissionRequired",
		"data": map[string]interface{}{"requestId": "perm_1"},
	}, &queue.EnqueueOptions{Priority: queue.PriorityHigh})

	resp := doRequest(t, f.router, http.MethodGet, "/api/v1/sessions/sess-1/queue/stats", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	body := decodeBody(t, resp)
	assert.Equal(t, "sess-1", body["session_id"])
	assert.Equal(t, float64(2), body["total_messages"])
	assert.Equal(t, float64(2), body["undelivered"])
	assert.Equal(t, float64(1), body["high_priority"])
	assert.Equal(t, float64(1), body["tracked_clients"])
}

func TestListDevicesAndStats(t *testing.T) {
	f := setupAPI(t)
	f.registry.Register(context.Background(), "user-1", "dev-1", devices.DeviceInfo{Platform: "ios"})
	f.registry.Register(context.Background(), "user-1", "dev-2", devices.DeviceInfo{Platform: "android"})

	resp := doRequest(t, f.router, http.MethodGet, "/api/v1/devices", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(2), body["total"])

	resp = doRequest(t, f.router, http.MethodGet, "/api/v1/devices/stats", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	stats := decodeBody(t, resp)
	assert.Equal(t, float64(2), stats["totalDevices"])
	assert.Equal(t, float64(2), stats["activeDevices"])
}

func TestPermissionHistory(t *testing.T) {
	f := setupAPI(t)

	d, err := f.perms.RequestPermission(context.Background(), "run backup now", nil)
	require.NoError(t, err)
	require.True(t, d.Approved)
	d, err = f.perms.RequestPermission(context.Background(), "rm -rf /tmp/scratch", nil)
	require.NoError(t, err)
	require.False(t, d.Approved)

	resp := doRequest(t, f.router, http.MethodGet, "/api/v1/permissions/history", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(2), body["total"])

	resp = doRequest(t, f.router, http.MethodGet, "/api/v1/permissions/history?status="+permissions.StatusApproved, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body = decodeBody(t, resp)
	assert.Equal(t, float64(1), body["total"])
	history, ok := body["history"].([]interface{})
	require.True(t, ok)
	require.Len(t, history, 1)
	entry, ok := history[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "run backup now", entry["operation"])

	resp = doRequest(t, f.router, http.MethodGet, "/api/v1/permissions/history?limit=abc", nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestBroadcastStats(t *testing.T) {
	f := setupAPI(t)

	resp := doRequest(t, f.router, http.MethodGet, "/api/v1/broadcast/stats", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(0), body["connectedClients"])
	assert.Equal(t, float64(5), body["activeListeners"])
}

func TestKillSessionIsIdempotentOnKilled(t *testing.T) {
	f := setupAPI(t)
	sess, err := f.sessions.Create(context.Background(), session.CreateOptions{})
	require.NoError(t, err)

	resp := doRequest(t, f.router, http.MethodDelete, "/api/v1/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	// A second kill still succeeds; the session stays in the catalog.
	resp = doRequest(t, f.router, http.MethodDelete, "/api/v1/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	got, err := f.sessions.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusKilled, got.Status)
}

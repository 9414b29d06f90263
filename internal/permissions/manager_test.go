package permissions

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/events"
	"github.com/kandev/relay/internal/events/bus"
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

type fakeNotifier struct {
	mu    sync.Mutex
	calls []*Request
	ch    chan *Request
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{ch: make(chan *Request, 8)}
}

func (f *fakeNotifier) NotifyPermission(ctx context.Context, req *Request) error {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	f.ch <- req
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func setupManager(t *testing.T, cfg config.PermissionsConfig) (*Manager, *fakeNotifier) {
	t.Helper()
	notifier := newFakeNotifier()
	mgr, err := NewManager(cfg, nil, notifier, newTestLogger(t))
	require.NoError(t, err)
	return mgr, notifier
}

type decisionResult struct {
	d   *Decision
	err error
}

func requestAsync(mgr *Manager, operation string, reqCtx map[string]interface{}) <-chan decisionResult {
	out := make(chan decisionResult, 1)
	go func() {
		d, err := mgr.RequestPermission(context.Background(), operation, reqCtx)
		out <- decisionResult{d: d, err: err}
	}()
	return out
}

func awaitDecision(t *testing.T, ch <-chan decisionResult) *Decision {
	t.Helper()
	select {
	case res := <-ch:
		require.NoError(t, res.err)
		return res.d
	case <-time.After(2 * time.Second):
		t.Fatal("no permission decision arrived")
		return nil
	}
}

func awaitNotify(t *testing.T, notifier *fakeNotifier) *Request {
	t.Helper()
	select {
	case req := <-notifier.ch:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("notifier was never called")
		return nil
	}
}

func TestAutoApproveByPattern(t *testing.T) {
	mgr, notifier := setupManager(t, config.PermissionsConfig{
		AutoApprove: []string{"backup"},
	})

	d, err := mgr.RequestPermission(context.Background(), "run backup now", nil)
	require.NoError(t, err)

	assert.True(t, d.Approved)
	assert.True(t, d.Auto)
	assert.Empty(t, d.RequestID)
	assert.Equal(t, 0, notifier.count())

	entries := mgr.GetApprovalHistory(HistoryFilter{})
	require.Len(t, entries, 1)
	assert.Equal(t, StatusApproved, entries[0].Status)
	assert.True(t, entries[0].Auto)
}

func TestAutoDenyByPattern(t *testing.T) {
	mgr, notifier := setupManager(t, config.PermissionsConfig{
		AutoDeny: []string{"rm -rf"},
	})

	d, err := mgr.RequestPermission(context.Background(), "rm -rf /tmp/scratch", nil)
	require.NoError(t, err)

	assert.False(t, d.Approved)
	assert.True(t, d.Auto)
	assert.Equal(t, "matched auto-deny pattern", d.Reason)
	assert.Equal(t, 0, notifier.count())
}

func TestHistoryDrivenAutoApprove(t *testing.T) {
	t.Run("five prior approvals resolve without notifying apps", func(t *testing.T) {
		mgr, notifier := setupManager(t, config.PermissionsConfig{})
		for i := 0; i < 5; i++ {
			mgr.history.record(&HistoryEntry{
				Operation: "routine backup",
				Status:    StatusApproved,
				Timestamp: time.Now(),
			})
		}

		d, err := mgr.RequestPermission(context.Background(), "routine backup", nil)
		require.NoError(t, err)

		assert.True(t, d.Approved)
		assert.True(t, d.Auto)
		assert.Equal(t, 0, notifier.count())
	})

	t.Run("a denial breaks the approval streak", func(t *testing.T) {
		mgr, notifier := setupManager(t, config.PermissionsConfig{RequestTimeout: time.Minute})
		for i := 0; i < 5; i++ {
			mgr.history.record(&HistoryEntry{
				Operation: "routine backup",
				Status:    StatusApproved,
				Timestamp: time.Now(),
			})
		}
		mgr.history.record(&HistoryEntry{
			Operation: "routine backup",
			Status:    StatusDenied,
			Timestamp: time.Now(),
		})

		resCh := requestAsync(mgr, "routine backup", nil)
		req := awaitNotify(t, notifier)

		require.True(t, mgr.ApproveRequest(req.ID, "alice"))
		d := awaitDecision(t, resCh)
		assert.False(t, d.Auto)
	})
}

func TestHistoryDrivenAutoDeny(t *testing.T) {
	mgr, notifier := setupManager(t, config.PermissionsConfig{})
	for i := 0; i < 3; i++ {
		mgr.history.record(&HistoryEntry{
			Operation: "drop tables",
			Status:    StatusDenied,
			Timestamp: time.Now(),
		})
	}

	d, err := mgr.RequestPermission(context.Background(), "drop tables", nil)
	require.NoError(t, err)

	assert.False(t, d.Approved)
	assert.True(t, d.Auto)
	assert.Equal(t, 0, notifier.count())
}

func TestRequestApproveFlow(t *testing.T) {
	mgr, notifier := setupManager(t, config.PermissionsConfig{RequestTimeout: time.Minute})

	resCh := requestAsync(mgr, "write file", map[string]interface{}{"sessionId": "sess-1"})
	req := awaitNotify(t, notifier)

	assert.True(t, strings.HasPrefix(req.ID, "perm_"))
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, time.Minute, req.ExpiresAt.Sub(req.CreatedAt))

	require.True(t, mgr.ApproveRequest(req.ID, "alice"))

	d := awaitDecision(t, resCh)
	assert.True(t, d.Approved)
	assert.Equal(t, req.ID, d.RequestID)
	assert.Equal(t, "alice", d.Approver)
	assert.False(t, d.Auto)

	assert.False(t, mgr.ApproveRequest(req.ID, "alice"), "resolved requests cannot be approved again")

	entries := mgr.GetApprovalHistory(HistoryFilter{})
	require.Len(t, entries, 1)
	assert.Equal(t, req.ID, entries[0].RequestID)
	assert.Equal(t, StatusApproved, entries[0].Status)
	assert.Equal(t, "alice", entries[0].Approver)
}

func TestRequestDenyFlow(t *testing.T) {
	mgr, notifier := setupManager(t, config.PermissionsConfig{RequestTimeout: time.Minute})

	resCh := requestAsync(mgr, "delete repo", nil)
	req := awaitNotify(t, notifier)

	require.True(t, mgr.DenyRequest(req.ID, "not allowed", "bob"))

	d := awaitDecision(t, resCh)
	assert.False(t, d.Approved)
	assert.Equal(t, "bob", d.Denier)
	assert.Equal(t, "not allowed", d.Reason)

	assert.False(t, mgr.DenyRequest(req.ID, "again", "bob"))
	assert.False(t, mgr.ApproveRequest(req.ID, "alice"))

	entries := mgr.GetApprovalHistory(HistoryFilter{Status: StatusDenied})
	require.Len(t, entries, 1)
	assert.Equal(t, "bob", entries[0].Denier)
}

func TestTimeoutResolvesPerDefaultAction(t *testing.T) {
	t.Run("deny default", func(t *testing.T) {
		mgr, _ := setupManager(t, config.PermissionsConfig{
			RequestTimeout: 25 * time.Millisecond,
			DefaultAction:  "deny",
		})

		resCh := requestAsync(mgr, "write file", nil)
		d := awaitDecision(t, resCh)

		assert.False(t, d.Approved)
		assert.Equal(t, TimeoutApprover, d.Approver)
		assert.Contains(t, d.Reason, "timed out")

		entries := mgr.GetApprovalHistory(HistoryFilter{})
		require.Len(t, entries, 1)
		assert.Equal(t, StatusTimedOut, entries[0].Status)
	})

	t.Run("approve default", func(t *testing.T) {
		mgr, _ := setupManager(t, config.PermissionsConfig{
			RequestTimeout: 25 * time.Millisecond,
			DefaultAction:  "approve",
		})

		resCh := requestAsync(mgr, "write file", nil)
		d := awaitDecision(t, resCh)

		assert.True(t, d.Approved)
		assert.Equal(t, TimeoutApprover, d.Approver)
		assert.Contains(t, d.Reason, "timed out")
	})
}

func TestUnknownRequestIDs(t *testing.T) {
	mgr, _ := setupManager(t, config.PermissionsConfig{})

	assert.False(t, mgr.ApproveRequest("perm_missing", "alice"))
	assert.False(t, mgr.DenyRequest("perm_missing", "", "bob"))
}

func TestEmptyOperationRejected(t *testing.T) {
	mgr, _ := setupManager(t, config.PermissionsConfig{})

	_, err := mgr.RequestPermission(context.Background(), "   ", nil)
	require.Error(t, err)
}

func TestCancelledContextAbandonsRequest(t *testing.T) {
	mgr, notifier := setupManager(t, config.PermissionsConfig{RequestTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	resCh := make(chan decisionResult, 1)
	go func() {
		d, err := mgr.RequestPermission(ctx, "write file", nil)
		resCh <- decisionResult{d: d, err: err}
	}()
	req := awaitNotify(t, notifier)

	cancel()
	select {
	case res := <-resCh:
		require.ErrorIs(t, res.err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not observe cancellation")
	}

	assert.False(t, mgr.ApproveRequest(req.ID, "alice"))
	assert.Empty(t, mgr.PendingRequests())
}

func TestManagerPublishesEvents(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	notifier := newFakeNotifier()
	mgr, err := NewManager(config.PermissionsConfig{RequestTimeout: time.Minute}, eventBus, notifier, log)
	require.NoError(t, err)

	requested := make(chan *bus.Event, 4)
	_, err = eventBus.Subscribe(events.BuildPermissionRequestSubject("sess-9"), func(ctx context.Context, event *bus.Event) error {
		requested <- event
		return nil
	})
	require.NoError(t, err)

	resolved := make(chan *bus.Event, 4)
	_, err = eventBus.Subscribe(events.BuildPermissionResolvedSubject("sess-9"), func(ctx context.Context, event *bus.Event) error {
		resolved <- event
		return nil
	})
	require.NoError(t, err)

	resCh := requestAsync(mgr, "write file", map[string]interface{}{"sessionId": "sess-9"})
	req := awaitNotify(t, notifier)

	select {
	case event := <-requested:
		assert.Equal(t, events.StreamPermissionRequired, event.Type)
		assert.Equal(t, req.ID, event.Data["id"])
	case <-time.After(2 * time.Second):
		t.Fatal("no permission request event arrived")
	}

	require.True(t, mgr.ApproveRequest(req.ID, "alice"))
	awaitDecision(t, resCh)

	select {
	case event := <-resolved:
		assert.Equal(t, events.PermissionApproved, event.Type)
		assert.Equal(t, "alice", event.Data["approver"])
	case <-time.After(2 * time.Second):
		t.Fatal("no permission resolution event arrived")
	}
}

func TestGetStats(t *testing.T) {
	mgr, notifier := setupManager(t, config.PermissionsConfig{
		RequestTimeout: time.Minute,
		AutoApprove:    []string{"status"},
		AutoDeny:       []string{"shutdown"},
	})

	_, err := mgr.RequestPermission(context.Background(), "git status", nil)
	require.NoError(t, err)

	resCh := requestAsync(mgr, "write file", nil)
	req := awaitNotify(t, notifier)

	stats := mgr.GetStats()
	assert.Equal(t, 1, stats.PendingRequests)
	assert.Equal(t, 1, stats.HistorySize)
	assert.Equal(t, 1, stats.ApproveRules)
	assert.Equal(t, 1, stats.DenyRules)

	require.True(t, mgr.ApproveRequest(req.ID, "alice"))
	awaitDecision(t, resCh)

	stats = mgr.GetStats()
	assert.Equal(t, 0, stats.PendingRequests)
	assert.Equal(t, 2, stats.HistorySize)
}

func TestClearHistory(t *testing.T) {
	mgr, _ := setupManager(t, config.PermissionsConfig{AutoApprove: []string{"ls"}})

	for i := 0; i < 3; i++ {
		_, err := mgr.RequestPermission(context.Background(), "ls -la", nil)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, mgr.ClearHistory())
	assert.Empty(t, mgr.GetApprovalHistory(HistoryFilter{}))
	assert.Equal(t, 0, mgr.ClearHistory())
}

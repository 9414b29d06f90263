package permissions

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/events"
	"github.com/kandev/relay/internal/events/bus"
)

const (
	defaultRequestTimeout   = 5 * time.Minute
	defaultApproveThreshold = 5
	defaultDenyThreshold    = 3
)

// pendingRequest tracks an open request until an app or the timeout
// resolves it. The resolve channel is buffered so resolvers never block
// on a caller that has already given up.
type pendingRequest struct {
	req     *Request
	resolve chan Decision
	timer   *time.Timer
}

// Manager opens permission requests and resolves them from configured
// rules, learned history, app responses, or the request timeout.
type Manager struct {
	rules    *RuleSet
	history  *history
	notifier Notifier
	bus      bus.EventBus
	log      *logger.Logger

	timeout          time.Duration
	defaultAction    string
	approveThreshold int
	denyThreshold    int

	mu      sync.Mutex
	pending map[string]*pendingRequest

	now func() time.Time
}

// NewManager builds a permission manager from config. The notifier may be
// nil, in which case pending requests are only announced on the event bus.
func NewManager(cfg config.PermissionsConfig, eventBus bus.EventBus, notifier Notifier, log *logger.Logger) (*Manager, error) {
	rules, err := LoadRuleSet(cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	defaultAction := cfg.DefaultAction
	if defaultAction != "approve" {
		defaultAction = "deny"
	}
	approveThreshold := cfg.ApproveThreshold
	if approveThreshold <= 0 {
		approveThreshold = defaultApproveThreshold
	}
	denyThreshold := cfg.DenyThreshold
	if denyThreshold <= 0 {
		denyThreshold = defaultDenyThreshold
	}

	return &Manager{
		rules:            rules,
		history:          newHistory(cfg.HistoryLimit, cfg.HistoryTrim),
		notifier:         notifier,
		bus:              eventBus,
		log:              log,
		timeout:          timeout,
		defaultAction:    defaultAction,
		approveThreshold: approveThreshold,
		denyThreshold:    denyThreshold,
		pending:          make(map[string]*pendingRequest),
		now:              time.Now,
	}, nil
}

// RequestPermission resolves the operation automatically when rules or
// history allow, otherwise opens a pending request, notifies apps, and
// blocks until it is approved, denied, timed out, or ctx is cancelled.
func (m *Manager) RequestPermission(ctx context.Context, operation string, reqCtx map[string]interface{}) (*Decision, error) {
	operation = strings.TrimSpace(operation)
	if operation == "" {
		return nil, fmt.Errorf("operation is required")
	}

	if d := m.autoDecision(operation); d != nil {
		return d, nil
	}

	id := "perm_" + uuid.New().String()
	now := m.now()
	req := &Request{
		ID:        id,
		Operation: operation,
		Context:   reqCtx,
		CreatedAt: now,
		ExpiresAt: now.Add(m.timeout),
		Status:    StatusPending,
	}
	pr := &pendingRequest{req: req, resolve: make(chan Decision, 1)}

	m.mu.Lock()
	m.pending[id] = pr
	pr.timer = time.AfterFunc(m.timeout, func() { m.resolveTimeout(id) })
	m.mu.Unlock()

	m.log.Info("permission request opened",
		zap.String("request_id", id), zap.String("operation", operation))
	m.publish(events.StreamPermissionRequired, requestSubject(req), req)
	m.notifyApps(req)

	select {
	case d := <-pr.resolve:
		return &d, nil
	case <-ctx.Done():
		m.mu.Lock()
		if cur, ok := m.pending[id]; ok && cur == pr {
			delete(m.pending, id)
		}
		m.mu.Unlock()
		pr.timer.Stop()
		return nil, ctx.Err()
	}
}

// autoDecision applies rule and history learning. It returns nil when the
// operation needs an app decision.
func (m *Manager) autoDecision(operation string) *Decision {
	if m.rules.MatchesApprove(operation) {
		return m.recordAuto(operation, StatusApproved, "matched auto-approve pattern")
	}
	if streak := m.history.approvalStreak(operation); streak >= m.approveThreshold {
		return m.recordAuto(operation, StatusApproved,
			fmt.Sprintf("approved %d times previously", streak))
	}
	if m.rules.MatchesDeny(operation) {
		return m.recordAuto(operation, StatusDenied, "matched auto-deny pattern")
	}
	if denials := m.history.denialCount(operation); denials >= m.denyThreshold {
		return m.recordAuto(operation, StatusDenied,
			fmt.Sprintf("denied %d times previously", denials))
	}
	return nil
}

func (m *Manager) recordAuto(operation, status, reason string) *Decision {
	approved := status == StatusApproved
	entry := &HistoryEntry{
		Operation: operation,
		Status:    status,
		Reason:    reason,
		Auto:      true,
		Timestamp: m.now(),
	}
	if approved {
		entry.Approver = "auto"
	} else {
		entry.Denier = "auto"
	}
	m.history.record(entry)

	m.log.Debug("permission auto-resolved",
		zap.String("operation", operation), zap.String("status", status), zap.String("reason", reason))

	return &Decision{
		Approved: approved,
		Approver: entry.Approver,
		Denier:   entry.Denier,
		Reason:   reason,
		Auto:     true,
	}
}

// ApproveRequest approves a pending request. It returns false when the
// request is unknown or no longer pending.
func (m *Manager) ApproveRequest(requestID, approver string) bool {
	if approver == "" {
		approver = "user"
	}

	m.mu.Lock()
	pr, ok := m.pending[requestID]
	if !ok || pr.req.Status != StatusPending {
		m.mu.Unlock()
		return false
	}
	pr.req.Status = StatusApproved
	pr.req.Approver = approver
	delete(m.pending, requestID)
	m.mu.Unlock()

	pr.timer.Stop()
	m.finishRequest(pr, Decision{Approved: true, RequestID: requestID, Approver: approver}, events.PermissionApproved)
	return true
}

// DenyRequest denies a pending request. It returns false when the request
// is unknown or no longer pending.
func (m *Manager) DenyRequest(requestID, reason, denier string) bool {
	if denier == "" {
		denier = "user"
	}

	m.mu.Lock()
	pr, ok := m.pending[requestID]
	if !ok || pr.req.Status != StatusPending {
		m.mu.Unlock()
		return false
	}
	pr.req.Status = StatusDenied
	pr.req.Denier = denier
	pr.req.Reason = reason
	delete(m.pending, requestID)
	m.mu.Unlock()

	pr.timer.Stop()
	m.finishRequest(pr, Decision{RequestID: requestID, Denier: denier, Reason: reason}, events.PermissionDenied)
	return true
}

// resolveTimeout fires when a pending request outlives the timeout. The
// outcome follows the configured default action, attributed to the
// timeout-default approver.
func (m *Manager) resolveTimeout(requestID string) {
	approved := m.defaultAction == "approve"

	m.mu.Lock()
	pr, ok := m.pending[requestID]
	if !ok || pr.req.Status != StatusPending {
		m.mu.Unlock()
		return
	}
	pr.req.Status = StatusTimedOut
	pr.req.Approver = TimeoutApprover
	pr.req.Reason = fmt.Sprintf("permission request timed out after %s", m.timeout)
	delete(m.pending, requestID)
	m.mu.Unlock()

	eventType := events.PermissionDenied
	if approved {
		eventType = events.PermissionApproved
	}
	m.log.Warn("permission request timed out",
		zap.String("request_id", requestID),
		zap.String("operation", pr.req.Operation),
		zap.String("default_action", m.defaultAction))
	m.finishRequest(pr, Decision{
		Approved:  approved,
		RequestID: requestID,
		Approver:  TimeoutApprover,
		Reason:    pr.req.Reason,
	}, eventType)
}

// finishRequest records history, publishes the resolution, and hands the
// decision to the waiting caller.
func (m *Manager) finishRequest(pr *pendingRequest, d Decision, eventType string) {
	m.history.record(&HistoryEntry{
		RequestID: pr.req.ID,
		Operation: pr.req.Operation,
		Status:    pr.req.Status,
		Approver:  pr.req.Approver,
		Denier:    pr.req.Denier,
		Reason:    pr.req.Reason,
		Timestamp: m.now(),
	})
	m.publish(eventType, resolvedSubject(pr.req), pr.req)
	pr.resolve <- d
}

// notifyApps fans the pending request out through the injected notifier.
func (m *Manager) notifyApps(req *Request) {
	if m.notifier == nil {
		return
	}
	go func() {
		if err := m.notifier.NotifyPermission(context.Background(), req); err != nil {
			m.log.Warn("failed to notify apps of permission request",
				zap.String("request_id", req.ID), zap.Error(err))
		}
	}()
}

// GetApprovalHistory returns completed requests newest-first.
func (m *Manager) GetApprovalHistory(filter HistoryFilter) []*HistoryEntry {
	return m.history.list(filter)
}

// ClearHistory empties the approval history and returns the removed count.
func (m *Manager) ClearHistory() int {
	return m.history.clear()
}

// PendingRequests returns snapshots of the currently open requests.
func (m *Manager) PendingRequests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Request, 0, len(m.pending))
	for _, pr := range m.pending {
		snapshot := *pr.req
		out = append(out, &snapshot)
	}
	return out
}

// GetStats summarizes manager state.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	pending := len(m.pending)
	m.mu.Unlock()

	return Stats{
		PendingRequests: pending,
		HistorySize:     m.history.size(),
		ApproveRules:    len(m.rules.Approve),
		DenyRules:       len(m.rules.Deny),
	}
}

func (m *Manager) publish(eventType, subject string, req *Request) {
	if m.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "permission-manager", requestData(req))
	if err := m.bus.Publish(context.Background(), subject, event); err != nil {
		m.log.Warn("failed to publish permission event",
			zap.String("event_type", eventType), zap.String("request_id", req.ID), zap.Error(err))
	}
}

func requestData(req *Request) map[string]interface{} {
	data := map[string]interface{}{
		"id":        req.ID,
		"operation": req.Operation,
		"createdAt": req.CreatedAt,
		"expiresAt": req.ExpiresAt,
		"status":    req.Status,
	}
	if req.Context != nil {
		data["context"] = req.Context
	}
	if req.Approver != "" {
		data["approver"] = req.Approver
	}
	if req.Denier != "" {
		data["denier"] = req.Denier
	}
	if req.Reason != "" {
		data["reason"] = req.Reason
	}
	return data
}

func requestSubject(req *Request) string {
	if sid := sessionIDFrom(req.Context); sid != "" {
		return events.BuildPermissionRequestSubject(sid)
	}
	return events.PermissionRequested
}

func resolvedSubject(req *Request) string {
	if sid := sessionIDFrom(req.Context); sid != "" {
		return events.BuildPermissionResolvedSubject(sid)
	}
	return events.PermissionResolved
}

func sessionIDFrom(reqCtx map[string]interface{}) string {
	if reqCtx == nil {
		return ""
	}
	if sid, ok := reqCtx["sessionId"].(string); ok {
		return sid
	}
	return ""
}

// Package permissions marshals out-of-band approve/deny decisions for
// operations the AI CLI wants to perform. Requests either resolve
// automatically from configured rules and learned history, or stay pending
// until an app answers or the timeout fires.
package permissions

import (
	"context"
	"time"
)

// Request statuses. Terminal statuses are immutable once set.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusTimedOut = "timedOut"
)

// TimeoutApprover marks decisions produced by the request timeout.
const TimeoutApprover = "timeout-default"

// Request is a single permission request and its lifecycle state.
type Request struct {
	ID        string                 `json:"id"`
	Operation string                 `json:"operation"`
	Context   map[string]interface{} `json:"context,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	ExpiresAt time.Time              `json:"expiresAt"`
	Status    string                 `json:"status"`
	Approver  string                 `json:"approver,omitempty"`
	Denier    string                 `json:"denier,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
}

// Decision is the outcome handed back to the caller of RequestPermission.
// RequestID is empty when the decision was automatic and no request was
// ever opened.
type Decision struct {
	Approved  bool   `json:"approved"`
	RequestID string `json:"requestId,omitempty"`
	Approver  string `json:"approver,omitempty"`
	Denier    string `json:"denier,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Auto      bool   `json:"auto,omitempty"`
}

// HistoryEntry is the immutable record of a completed request.
type HistoryEntry struct {
	RequestID string    `json:"requestId,omitempty"`
	Operation string    `json:"operation"`
	Status    string    `json:"status"`
	Approver  string    `json:"approver,omitempty"`
	Denier    string    `json:"denier,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Auto      bool      `json:"auto,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryFilter narrows GetApprovalHistory results. Zero values match
// everything; Limit <= 0 returns all matches.
type HistoryFilter struct {
	Operation string
	Status    string
	Limit     int
}

// Stats summarizes manager state for monitoring endpoints.
type Stats struct {
	PendingRequests int `json:"pendingRequests"`
	HistorySize     int `json:"historySize"`
	ApproveRules    int `json:"approveRules"`
	DenyRules       int `json:"denyRules"`
}

// Notifier pushes a pending request out to the apps that can answer it.
type Notifier interface {
	NotifyPermission(ctx context.Context, req *Request) error
}

// NotifyFunc adapts a function to the Notifier interface.
type NotifyFunc func(ctx context.Context, req *Request) error

// NotifyPermission implements Notifier.
func (f NotifyFunc) NotifyPermission(ctx context.Context, req *Request) error {
	return f(ctx, req)
}

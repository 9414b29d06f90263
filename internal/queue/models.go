package queue

import (
	"strings"
	"time"
)

// Priority orders queued messages. HIGH entries are surfaced before the rest;
// LOW and NORMAL keep plain insertion order.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// ParsePriority normalizes a priority label, defaulting to NORMAL.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToUpper(strings.TrimSpace(s))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Entry is one queued message for a session.
type Entry struct {
	ID             string                 `json:"id"`
	SessionID      string                 `json:"session_id"`
	Message        map[string]interface{} `json:"message"`
	Priority       Priority               `json:"priority"`
	QueuedAt       time.Time              `json:"queued_at"`
	ExpiresAt      time.Time              `json:"expires_at"`
	DeliveredTo    map[string]bool        `json:"delivered_to"`
	FullyDelivered bool                   `json:"fully_delivered"`
}

// Expired reports whether the entry's TTL has lapsed at the given instant.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// DeliveredToClient reports whether the entry was already handed to clientID.
func (e *Entry) DeliveredToClient(clientID string) bool {
	return e.DeliveredTo[clientID]
}

// EnqueueOptions tunes a single Queue call.
type EnqueueOptions struct {
	// TTL overrides the service default when positive.
	TTL time.Duration
	// Priority defaults to NORMAL when empty.
	Priority Priority
}

// Stats summarizes queue state for the stats endpoint.
type Stats struct {
	Sessions       int `json:"sessions"`
	TotalMessages  int `json:"total_messages"`
	Undelivered    int `json:"undelivered"`
	FullyDelivered int `json:"fully_delivered"`
}

// SessionStats summarizes a single session's queue.
type SessionStats struct {
	SessionID      string `json:"session_id"`
	TotalMessages  int    `json:"total_messages"`
	Undelivered    int    `json:"undelivered"`
	FullyDelivered int    `json:"fully_delivered"`
	HighPriority   int    `json:"high_priority"`
	TrackedClients int    `json:"tracked_clients"`
}

// ManagedEntry is one unit of work in a named managed queue.
type ManagedEntry struct {
	ID         string                 `json:"id"`
	Queue      string                 `json:"queue"`
	Payload    map[string]interface{} `json:"payload"`
	Attempts   int                    `json:"attempts"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
	LastError  string                 `json:"last_error,omitempty"`
}

// QueueStats counts lifecycle outcomes for one managed queue.
type QueueStats struct {
	MessagesQueued    int `json:"messages_queued"`
	MessagesProcessed int `json:"messages_processed"`
	MessagesFailed    int `json:"messages_failed"`
}

package session

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a gateway session.
type Status string

const (
	StatusCreated    Status = "created"
	StatusActive     Status = "active"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusKilled     Status = "killed"
)

var (
	// ErrSessionNotFound is returned for operations on unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when creating a session whose ID is
	// already in the catalog.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionKilled is returned when submitting to a killed session.
	ErrSessionKilled = errors.New("session killed")
)

// Session is one catalog entry. ProjectName is derived from the session ID
// and may be empty for minted IDs.
type Session struct {
	ID                  string    `json:"sessionId"`
	ProjectName         string    `json:"projectName,omitempty"`
	WorkingDir          string    `json:"workingDir,omitempty"`
	Status              Status    `json:"status"`
	PID                 int       `json:"pid,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	LastActivity        time.Time `json:"lastActivity"`
	ConversationStarted bool      `json:"conversationStarted"`
	Restored            bool      `json:"restored,omitempty"`
}

// CreateOptions controls session creation. A non-empty SessionID attaches
// the catalog entry to an existing CLI conversation instead of minting a new
// ID; Interactive spawns the child immediately rather than on first prompt.
type CreateOptions struct {
	SessionID   string `json:"sessionId,omitempty"`
	WorkingDir  string `json:"workingDir,omitempty"`
	Interactive bool   `json:"interactive,omitempty"`
}

func (s *Session) clone() *Session {
	c := *s
	return &c
}

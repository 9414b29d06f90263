package runner

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
)

const defaultHealthInterval = 30 * time.Second

// HealthMonitor watches one child process, recording stream activity and
// logging a heartbeat at a fixed interval. Cleanup is idempotent and must
// fire on every exit path of the owning execution.
type HealthMonitor struct {
	interval time.Duration
	log      *logger.Logger

	mu           sync.Mutex
	lastActivity time.Time
	chunks       int64

	stop     chan struct{}
	stopOnce sync.Once
	started  bool
}

// NewHealthMonitor creates a monitor for the given session's child process.
// An interval <= 0 falls back to the 30 second default.
func NewHealthMonitor(sessionID string, interval time.Duration, log *logger.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	return &HealthMonitor{
		interval:     interval,
		log:          log.WithSessionID(sessionID),
		lastActivity: time.Now().UTC(),
		stop:         make(chan struct{}),
	}
}

// Start launches the heartbeat loop. Suppressed in the test environment so
// tests observe deterministic state. Calling Start twice is a no-op.
func (m *HealthMonitor) Start() {
	if config.IsTestEnv() {
		return
	}
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.run()
}

func (m *HealthMonitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			idle := time.Since(m.lastActivity)
			chunks := m.chunks
			m.mu.Unlock()
			m.log.Debug("child process heartbeat",
				zap.Duration("idle", idle),
				zap.Int64("chunks", chunks))
		case <-m.stop:
			return
		}
	}
}

// RecordActivity marks the child as alive; called on every stdout chunk.
func (m *HealthMonitor) RecordActivity() {
	m.mu.Lock()
	m.lastActivity = time.Now().UTC()
	m.chunks++
	m.mu.Unlock()
}

// LastActivity returns the time of the most recent recorded chunk.
func (m *HealthMonitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Cleanup stops the heartbeat loop. Safe to call multiple times.
func (m *HealthMonitor) Cleanup() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

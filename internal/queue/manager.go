package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
)

const (
	defaultRetryAttempts  = 2
	defaultRetryBaseDelay = time.Second
)

// Handler processes one managed entry. A non-nil error triggers a retry.
type Handler func(entry *ManagedEntry) error

// Manager runs named work queues with pause/resume, bounded retries with
// exponential backoff, and a dead-letter set for entries that exhaust their
// attempts.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*managedQueue

	logger         *logger.Logger
	retryAttempts  int
	retryBaseDelay time.Duration

	deadLetter []*ManagedEntry
}

type managedQueue struct {
	entries    []*ManagedEntry
	handler    Handler
	paused     bool
	processing bool
	stats      QueueStats
}

// NewManager creates a managed-queue dispatcher.
func NewManager(cfg config.QueueConfig, log *logger.Logger) *Manager {
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultRetryBaseDelay
	}
	return &Manager{
		queues:         make(map[string]*managedQueue),
		logger:         log.WithFields(zap.String("component", "queue-manager")),
		retryAttempts:  attempts,
		retryBaseDelay: baseDelay,
	}
}

// RegisterHandler installs the processor for a queue and starts draining any
// backlog.
func (m *Manager) RegisterHandler(queue string, handler Handler) {
	m.mu.Lock()
	q := m.ensureQueue(queue)
	q.handler = handler
	m.drainLocked(queue, q)
	m.mu.Unlock()
}

// Enqueue appends a payload to the named queue and triggers processing when
// the queue is live.
func (m *Manager) Enqueue(queue string, payload map[string]interface{}) string {
	entry := &ManagedEntry{
		ID:         uuid.New().String(),
		Queue:      queue,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}

	m.mu.Lock()
	q := m.ensureQueue(queue)
	q.entries = append(q.entries, entry)
	q.stats.MessagesQueued++
	m.drainLocked(queue, q)
	m.mu.Unlock()

	return entry.ID
}

// Pause holds back processing for the queue. Entries keep accumulating.
func (m *Manager) Pause(queue string) {
	m.mu.Lock()
	m.ensureQueue(queue).paused = true
	m.mu.Unlock()
	m.logger.Info("queue paused", zap.String("queue", queue))
}

// Resume lifts a pause and drains the backlog.
func (m *Manager) Resume(queue string) {
	m.mu.Lock()
	q := m.ensureQueue(queue)
	q.paused = false
	m.drainLocked(queue, q)
	m.mu.Unlock()
	m.logger.Info("queue resumed", zap.String("queue", queue))
}

// Paused reports whether the queue is currently held.
func (m *Manager) Paused(queue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queue]
	return q != nil && q.paused
}

// Stats returns the lifecycle counters for one queue.
func (m *Manager) Stats(queue string) QueueStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queue]
	if q == nil {
		return QueueStats{}
	}
	return q.stats
}

// AllStats returns the lifecycle counters for every queue.
func (m *Manager) AllStats() map[string]QueueStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]QueueStats, len(m.queues))
	for name, q := range m.queues {
		out[name] = q.stats
	}
	return out
}

// DeadLetter returns a copy of the dead-letter set.
func (m *Manager) DeadLetter() []*ManagedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ManagedEntry, len(m.deadLetter))
	copy(out, m.deadLetter)
	return out
}

// Pending returns the number of entries waiting in the queue.
func (m *Manager) Pending(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queue]
	if q == nil {
		return 0
	}
	return len(q.entries)
}

// ensureQueue must be called with the lock held.
func (m *Manager) ensureQueue(queue string) *managedQueue {
	q := m.queues[queue]
	if q == nil {
		q = &managedQueue{}
		m.queues[queue] = q
	}
	return q
}

// drainLocked starts a drain goroutine when the queue is live and idle.
// Must be called with the lock held.
func (m *Manager) drainLocked(queue string, q *managedQueue) {
	if q.processing || q.paused || q.handler == nil || len(q.entries) == 0 {
		return
	}
	q.processing = true
	go m.drain(queue)
}

// drain processes entries FIFO until the queue empties or pauses.
func (m *Manager) drain(queue string) {
	for {
		m.mu.Lock()
		q := m.queues[queue]
		if q == nil || q.paused || len(q.entries) == 0 || q.handler == nil {
			if q != nil {
				q.processing = false
			}
			m.mu.Unlock()
			return
		}
		entry := q.entries[0]
		q.entries = q.entries[1:]
		handler := q.handler
		m.mu.Unlock()

		m.process(queue, entry, handler)
	}
}

// process runs the handler with exponential backoff between attempts.
// Exhausted entries land in the dead-letter set.
func (m *Manager) process(queue string, entry *ManagedEntry, handler Handler) {
	delay := m.retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= m.retryAttempts; attempt++ {
		entry.Attempts = attempt
		lastErr = handler(entry)
		if lastErr == nil {
			m.mu.Lock()
			if q := m.queues[queue]; q != nil {
				q.stats.MessagesProcessed++
			}
			m.mu.Unlock()
			return
		}
		entry.LastError = lastErr.Error()
		if attempt < m.retryAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}

	m.mu.Lock()
	if q := m.queues[queue]; q != nil {
		q.stats.MessagesFailed++
	}
	m.deadLetter = append(m.deadLetter, entry)
	m.mu.Unlock()

	m.logger.Warn("entry moved to dead letter",
		zap.String("queue", queue),
		zap.String("entry_id", entry.ID),
		zap.Int("attempts", entry.Attempts),
		zap.Error(lastErr))
}

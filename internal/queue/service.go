package queue

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
)

const (
	defaultTTL             = 24 * time.Hour
	defaultCleanupInterval = time.Hour
)

// Service keeps per-session FIFO queues with priority, TTL and per-client
// delivery tracking. Messages are best-effort and transient, so storage is
// in-memory.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]*sessionQueue
	byID     map[string]*Entry

	logger          *logger.Logger
	ttl             time.Duration
	cleanupInterval time.Duration

	stopCleanup chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

type sessionQueue struct {
	entries []*Entry
	clients map[string]bool
}

// NewService creates a message queue. The hourly expiry sweep only runs
// outside the test environment.
func NewService(cfg config.QueueConfig, log *logger.Logger) *Service {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = defaultCleanupInterval
	}

	s := &Service{
		sessions:        make(map[string]*sessionQueue),
		byID:            make(map[string]*Entry),
		logger:          log.WithFields(zap.String("component", "message-queue")),
		ttl:             ttl,
		cleanupInterval: interval,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}

	if !config.IsTestEnv() {
		go s.cleanupLoop()
	}
	return s
}

func (s *Service) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := s.CleanupExpired(); removed > 0 {
				s.logger.Info("expired queue entries removed", zap.Int("count", removed))
			}
		case <-s.stopCleanup:
			return
		}
	}
}

// Close stops the background cleanup sweep.
func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Queue validates, enriches and stores a message for a session. Returns the
// new entry ID, or "" when the message is rejected.
func (s *Service) Queue(sessionID string, message map[string]interface{}, opts *EnqueueOptions) string {
	if !validMessage(message) {
		s.logger.Debug("message rejected by queue validation",
			zap.String("session_id", sessionID))
		return ""
	}

	now := s.now()
	ttl := s.ttl
	priority := PriorityNormal
	if opts != nil {
		if opts.TTL != 0 {
			ttl = opts.TTL
		}
		if opts.Priority != "" {
			priority = ParsePriority(string(opts.Priority))
		}
	}

	enriched := make(map[string]interface{}, len(message)+3)
	for k, v := range message {
		enriched[k] = v
	}
	enriched["_queued"] = true
	enriched["_queuedAt"] = now.UTC().Format(time.RFC3339Nano)
	if original, ok := message["timestamp"]; ok {
		enriched["_originalTimestamp"] = original
	} else {
		enriched["_originalTimestamp"] = now.UTC().Format(time.RFC3339Nano)
	}

	entry := &Entry{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Message:     enriched,
		Priority:    priority,
		QueuedAt:    now,
		ExpiresAt:   now.Add(ttl),
		DeliveredTo: make(map[string]bool),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sq := s.sessions[sessionID]
	if sq == nil {
		sq = &sessionQueue{clients: make(map[string]bool)}
		s.sessions[sessionID] = sq
	}
	sq.entries = append(sq.entries, entry)
	s.byID[entry.ID] = entry

	s.logger.Debug("message queued",
		zap.String("session_id", sessionID),
		zap.String("entry_id", entry.ID),
		zap.String("priority", string(priority)))
	return entry.ID
}

// validMessage rejects empty messages and streamChunk frames whose inner
// chunk carries no content.
func validMessage(message map[string]interface{}) bool {
	if message == nil {
		return false
	}
	msgType, _ := message["type"].(string)
	if msgType != "streamChunk" {
		return true
	}
	data, _ := message["data"].(map[string]interface{})
	if data == nil {
		return false
	}
	chunk, ok := data["chunk"]
	if !ok || chunk == nil {
		return false
	}
	if chunkMap, ok := chunk.(map[string]interface{}); ok {
		if len(chunkMap) == 0 {
			return false
		}
		if content, ok := chunkMap["content"].(string); ok && strings.TrimSpace(content) == "" {
			return false
		}
	}
	return true
}

// TrackClient records clientID as a delivery target for the session.
// Idempotent.
func (s *Service) TrackClient(sessionID, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sq := s.sessions[sessionID]
	if sq == nil {
		sq = &sessionQueue{clients: make(map[string]bool)}
		s.sessions[sessionID] = sq
	}
	sq.clients[clientID] = true
}

// TrackedClients returns the delivery targets recorded for a session.
func (s *Service) TrackedClients(sessionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sq := s.sessions[sessionID]
	if sq == nil {
		return nil
	}
	clients := make([]string, 0, len(sq.clients))
	for id := range sq.clients {
		clients = append(clients, id)
	}
	return clients
}

// GetUndelivered returns unexpired entries not yet delivered to clientID.
// Insertion order is preserved, with HIGH-priority entries surfaced first.
func (s *Service) GetUndelivered(sessionID, clientID string) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sq := s.sessions[sessionID]
	if sq == nil {
		return nil
	}

	now := s.now()
	var high, rest []*Entry
	for _, entry := range sq.entries {
		if entry.Expired(now) || entry.DeliveredToClient(clientID) {
			continue
		}
		if entry.Priority == PriorityHigh {
			high = append(high, entry)
		} else {
			rest = append(rest, entry)
		}
	}
	return append(high, rest...)
}

// MarkDelivered adds clientID to each entry's delivered set. An entry whose
// delivered set covers every tracked client becomes fully delivered.
func (s *Service) MarkDelivered(messageIDs []string, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range messageIDs {
		entry := s.byID[id]
		if entry == nil {
			continue
		}
		entry.DeliveredTo[clientID] = true
		s.refreshFullyDelivered(entry)
	}
}

// refreshFullyDelivered must be called with the lock held.
func (s *Service) refreshFullyDelivered(entry *Entry) {
	sq := s.sessions[entry.SessionID]
	if sq == nil || len(sq.clients) == 0 {
		return
	}
	for clientID := range sq.clients {
		if !entry.DeliveredTo[clientID] {
			return
		}
	}
	entry.FullyDelivered = true
}

// Deliver sends every undelivered entry to clientID through send, marking
// successes delivered. Returns the delivered entry IDs.
func (s *Service) Deliver(sessionID, clientID string, send func(message map[string]interface{}) error) []string {
	entries := s.GetUndelivered(sessionID, clientID)
	if len(entries) == 0 {
		return nil
	}

	var delivered []string
	for _, entry := range entries {
		if err := send(entry.Message); err != nil {
			s.logger.Warn("queued message delivery failed",
				zap.String("session_id", sessionID),
				zap.String("client_id", clientID),
				zap.String("entry_id", entry.ID),
				zap.Error(err))
			continue
		}
		delivered = append(delivered, entry.ID)
	}
	if len(delivered) > 0 {
		s.MarkDelivered(delivered, clientID)
	}
	return delivered
}

// HasQueued reports whether the session still holds an unexpired entry that
// has not reached every tracked client.
func (s *Service) HasQueued(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sq := s.sessions[sessionID]
	if sq == nil {
		return false
	}
	now := s.now()
	for _, entry := range sq.entries {
		if !entry.Expired(now) && !entry.FullyDelivered {
			return true
		}
	}
	return false
}

// CleanupExpired drops expired entries and forgets sessions left with
// neither entries nor a reason to keep their tracked-client set. Returns the
// number of entries removed.
func (s *Service) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for sessionID, sq := range s.sessions {
		kept := sq.entries[:0]
		for _, entry := range sq.entries {
			if entry.Expired(now) {
				delete(s.byID, entry.ID)
				removed++
				continue
			}
			kept = append(kept, entry)
		}
		sq.entries = kept
		if len(sq.entries) == 0 {
			delete(s.sessions, sessionID)
		}
	}
	return removed
}

// Stats summarizes the queue for the stats endpoint.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Sessions: len(s.sessions)}
	now := s.now()
	for _, sq := range s.sessions {
		for _, entry := range sq.entries {
			stats.TotalMessages++
			switch {
			case entry.FullyDelivered:
				stats.FullyDelivered++
			case !entry.Expired(now):
				stats.Undelivered++
			}
		}
	}
	return stats
}

// SessionStats summarizes one session's queue. Unknown sessions return zero
// counts.
func (s *Service) SessionStats(sessionID string) SessionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := SessionStats{SessionID: sessionID}
	sq := s.sessions[sessionID]
	if sq == nil {
		return stats
	}
	stats.TrackedClients = len(sq.clients)
	now := s.now()
	for _, entry := range sq.entries {
		stats.TotalMessages++
		if entry.Priority == PriorityHigh {
			stats.HighPriority++
		}
		switch {
		case entry.FullyDelivered:
			stats.FullyDelivered++
		case !entry.Expired(now):
			stats.Undelivered++
		}
	}
	return stats
}

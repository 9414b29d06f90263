// Package tasks wraps prompt execution with long-running handling: prompts
// classified above the long threshold return an immediate status
// acknowledgement while execution continues in the background with heartbeat
// messages and a completion push.
package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/events"
	"github.com/kandev/relay/internal/events/bus"
)

const (
	defaultLongThreshold     = 5 * time.Minute
	defaultHeartbeatInterval = 30 * time.Second

	processingText   = "Processing Complex Request…"
	stillWorkingText = "Still working…"
)

// ExecuteFunc runs the prompt and resolves with the final stream object.
type ExecuteFunc func(ctx context.Context) (map[string]interface{}, error)

type outcome struct {
	result map[string]interface{}
	err    error
}

// Manager decides per prompt between awaiting execution inline and detaching
// it as a long-running task.
type Manager struct {
	classifier Classifier
	notifier   Notifier
	bus        bus.EventBus
	log        *logger.Logger

	longThreshold time.Duration
	heartbeat     time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]time.Time
}

// NewManager creates a task manager. A nil classifier falls back to the
// heuristic one; a nil notifier skips completion pushes. Heartbeats are
// suppressed in the test environment.
func NewManager(cfg config.TasksConfig, classifier Classifier, notifier Notifier, eventBus bus.EventBus, log *logger.Logger) *Manager {
	threshold := cfg.LongThreshold
	if threshold <= 0 {
		threshold = defaultLongThreshold
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	if config.IsTestEnv() {
		heartbeat = 0
	}
	if classifier == nil {
		classifier = HeuristicClassifier{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		classifier:    classifier,
		notifier:      notifier,
		bus:           eventBus,
		log:           log.WithFields(zap.String("component", "task-manager")),
		longThreshold: threshold,
		heartbeat:     heartbeat,
		baseCtx:       ctx,
		cancel:        cancel,
		active:        make(map[string]time.Time),
	}
}

// Handle executes the prompt. Short tasks await execute and return its result
// unchanged. Long tasks return a status acknowledgement immediately, after
// emitting the processing message, and continue in the background.
func (m *Manager) Handle(ctx context.Context, sessionID, prompt string, execute ExecuteFunc) (map[string]interface{}, error) {
	if execute == nil {
		return nil, fmt.Errorf("execute function is required")
	}

	estimate := m.classifier.EstimateTimeout(prompt)
	if estimate <= m.longThreshold {
		return execute(ctx)
	}

	m.log.Info("detaching long-running task",
		zap.String("session_id", sessionID),
		zap.Duration("estimate", estimate))

	m.markActive(sessionID)
	m.emitAssistant(sessionID, processingText, false)
	m.publish(events.BuildTaskHeartbeatSubject(sessionID), events.LongRunningStarted, sessionID,
		map[string]interface{}{
			"status":                "processing",
			"estimated_duration_ms": estimate.Milliseconds(),
		})

	m.wg.Add(1)
	go m.runLong(sessionID, execute, estimate)

	return map[string]interface{}{
		"type":                  "status",
		"subtype":               "long_running_started",
		"sessionId":             sessionID,
		"status":                "processing",
		"estimated_duration_ms": estimate.Milliseconds(),
	}, nil
}

// runLong supervises a detached execution: heartbeat messages while it runs,
// then the completion or failure sequence.
func (m *Manager) runLong(sessionID string, execute ExecuteFunc, estimate time.Duration) {
	defer m.wg.Done()
	defer m.clearActive(sessionID)

	done := make(chan outcome, 1)
	go func() {
		result, err := execute(m.baseCtx)
		done <- outcome{result: result, err: err}
	}()

	var tick <-chan time.Time
	if m.heartbeat > 0 {
		ticker := time.NewTicker(m.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	start := time.Now()
	for {
		select {
		case <-tick:
			m.emitAssistant(sessionID, stillWorkingText, false)
			m.publish(events.BuildTaskHeartbeatSubject(sessionID), events.TaskHeartbeatTick, sessionID,
				map[string]interface{}{"elapsed_ms": time.Since(start).Milliseconds()})

		case out := <-done:
			if out.err != nil {
				m.finishFailure(sessionID, out.err)
			} else {
				m.finishSuccess(sessionID, out.result, estimate, time.Since(start))
			}
			return

		case <-m.baseCtx.Done():
			return
		}
	}
}

func (m *Manager) finishSuccess(sessionID string, result map[string]interface{}, estimate, elapsed time.Duration) {
	text := resultText(result)
	m.emitAssistant(sessionID, text, true)
	m.notifyCompletion(sessionID, text, false)
	m.log.Info("long-running task completed",
		zap.String("session_id", sessionID),
		zap.Duration("estimate", estimate),
		zap.Duration("elapsed", elapsed))
}

func (m *Manager) finishFailure(sessionID string, err error) {
	text := "Complex Request Failed: " + err.Error()
	m.emitAssistant(sessionID, text, true)
	m.emitStream(sessionID, events.StreamError, map[string]interface{}{"error": err.Error()})
	m.notifyCompletion(sessionID, text, true)
	m.log.Warn("long-running task failed",
		zap.String("session_id", sessionID),
		zap.Error(err))
}

func (m *Manager) notifyCompletion(sessionID, text string, failed bool) {
	if m.notifier == nil {
		return
	}
	c := Completion{
		SessionID:   sessionID,
		ProjectName: DeriveProjectName(sessionID),
		Text:        text,
		Failed:      failed,
	}
	if err := m.notifier.NotifyCompletion(context.Background(), c); err != nil {
		m.log.Warn("completion notification failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// EstimatedCompletionMinutes returns the classifier's estimate for the prompt
// in whole minutes, rounded up.
func (m *Manager) EstimatedCompletionMinutes(prompt string) int {
	estimate := m.classifier.EstimateTimeout(prompt)
	if estimate <= 0 {
		return 0
	}
	return int((estimate + time.Minute - 1) / time.Minute)
}

// Active returns the number of detached tasks still running.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ActiveSessions lists the session IDs with a detached task in flight.
func (m *Manager) ActiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown cancels detached executions and waits for their supervisors to
// drain, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) markActive(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[sessionID] = time.Now()
}

func (m *Manager) clearActive(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, sessionID)
}

// emitAssistant publishes an assistantMessage on the session's stream
// subject, mirroring the runner's event shape so clients handle both alike.
func (m *Manager) emitAssistant(sessionID, text string, complete bool) {
	m.emitStream(sessionID, events.StreamAssistantMessage, map[string]interface{}{
		"isComplete": complete,
		"text":       text,
		"data": map[string]interface{}{
			"content": []interface{}{
				map[string]interface{}{"type": "text", "text": text},
			},
		},
	})
}

func (m *Manager) emitStream(sessionID, eventType string, data map[string]interface{}) {
	m.publish(events.BuildSessionStreamSubject(sessionID), eventType, sessionID, data)
}

func (m *Manager) publish(subject, eventType, sessionID string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["sessionId"] = sessionID

	event := bus.NewEvent(eventType, "task-manager", data)
	if err := m.bus.Publish(context.Background(), subject, event); err != nil {
		m.log.Warn("failed to publish task event",
			zap.String("session_id", sessionID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// resultText extracts the human-readable completion text from the final
// stream object.
func resultText(result map[string]interface{}) string {
	if result != nil {
		switch v := result["result"].(type) {
		case string:
			if v != "" {
				return v
			}
		case nil:
		default:
			return fmt.Sprintf("%v", v)
		}
		if text, ok := result["text"].(string); ok && text != "" {
			return text
		}
	}
	return "Complex request completed"
}

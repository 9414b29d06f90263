// Package session owns the session catalog: creation, prompt submission
// through the task manager, and lifecycle teardown of the backing CLI child.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/agent/runner"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/events"
	"github.com/kandev/relay/internal/events/bus"
	"github.com/kandev/relay/internal/queue"
	"github.com/kandev/relay/internal/tasks"
	"github.com/kandev/relay/internal/validation"
	"github.com/kandev/relay/pkg/streamjson"
)

// Runner is the slice of the CLI runner the service depends on.
type Runner interface {
	Execute(ctx context.Context, req runner.ExecuteRequest) (*runner.ExecuteResult, error)
	CreateInteractiveSession(ctx context.Context, workDir string) (*runner.InteractiveSession, error)
	Session(sessionID string) (*runner.InteractiveSession, bool)
	StopSession(ctx context.Context, sessionID string) error
}

// Service is the session catalog fronting the runner and task manager.
type Service struct {
	runner Runner
	tasks  *tasks.Manager
	queue  *queue.Service
	bus    bus.EventBus
	log    *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewService creates the catalog. The queue is optional; without it the
// client-tracking hook is a no-op.
func NewService(r Runner, taskManager *tasks.Manager, q *queue.Service, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		runner:   r,
		tasks:    taskManager,
		queue:    q,
		bus:      eventBus,
		log:      log.WithFields(zap.String("component", "session-service")),
		sessions: make(map[string]*Session),
	}
}

// Create registers a session. By default the CLI child spawns lazily on the
// first prompt; Interactive spawns it now and adopts the child's session ID.
func (s *Service) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	if opts.Interactive {
		return s.createInteractive(ctx, opts)
	}

	id := opts.SessionID
	restored := id != ""
	if id == "" {
		id = uuid.NewString()
	}

	sess := &Session{
		ID:           id,
		ProjectName:  tasks.DeriveProjectName(id),
		WorkingDir:   opts.WorkingDir,
		Status:       StatusCreated,
		CreatedAt:    time.Now().UTC(),
		LastActivity: time.Now().UTC(),
		Restored:     restored,
	}
	if err := s.insert(sess); err != nil {
		return nil, err
	}

	s.log.Info("session created",
		zap.String("session_id", id),
		zap.Bool("restored", restored))
	s.publishStatus(sess, events.SessionCreated, nil)
	return sess.clone(), nil
}

func (s *Service) createInteractive(ctx context.Context, opts CreateOptions) (*Session, error) {
	child, err := s.runner.CreateInteractiveSession(ctx, opts.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to start interactive session: %w", err)
	}

	id := child.ID()
	sess := &Session{
		ID:           id,
		ProjectName:  tasks.DeriveProjectName(id),
		WorkingDir:   child.WorkDir,
		Status:       StatusActive,
		PID:          child.PID,
		CreatedAt:    time.Now().UTC(),
		LastActivity: time.Now().UTC(),
	}
	if err := s.insert(sess); err != nil {
		_ = s.runner.StopSession(ctx, id)
		return nil, err
	}

	go s.watchChild(id, child.Done())

	s.log.Info("interactive session created",
		zap.String("session_id", id),
		zap.Int("pid", child.PID))
	s.publishStatus(sess, events.SessionCreated, nil)
	return sess.clone(), nil
}

// Get returns a copy of the session.
func (s *Service) Get(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.clone(), nil
}

// List returns all sessions, newest first.
func (s *Service) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// SubmitPrompt sanitizes the prompt and hands it to the task manager, which
// either awaits the runner inline or detaches a long-running execution. The
// returned object is the final result for short prompts and the
// long_running_started acknowledgement otherwise.
func (s *Service) SubmitPrompt(ctx context.Context, sessionID, prompt string) (map[string]interface{}, error) {
	prompt, err := validation.SanitizePrompt(prompt)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if sess.Status == StatusKilled {
		s.mu.Unlock()
		return nil, ErrSessionKilled
	}
	sess.Status = StatusProcessing
	sess.ConversationStarted = true
	sess.LastActivity = time.Now().UTC()
	snapshot := sess.clone()
	s.mu.Unlock()

	s.publishStatus(snapshot, events.SessionStatusChanged, nil)

	execute := func(execCtx context.Context) (map[string]interface{}, error) {
		result, execErr := s.execute(execCtx, snapshot, prompt)
		s.afterExecution(sessionID, execErr)
		return result, execErr
	}
	return s.tasks.Handle(ctx, sessionID, prompt, execute)
}

// execute runs the prompt on the session's interactive child when one is
// alive, falling back to a one-shot run.
func (s *Service) execute(ctx context.Context, sess *Session, prompt string) (map[string]interface{}, error) {
	if child, ok := s.runner.Session(sess.ID); ok {
		responses, err := child.SendPrompt(ctx, prompt)
		if err != nil {
			return nil, err
		}
		return resultObject(sess.ID, responses), nil
	}

	res, err := s.runner.Execute(ctx, runner.ExecuteRequest{
		SessionID: sess.ID,
		Prompt:    prompt,
		WorkDir:   sess.WorkingDir,
	})
	if err != nil {
		return nil, err
	}
	if obj, ok := res.Result.(map[string]interface{}); ok {
		return obj, nil
	}
	return map[string]interface{}{
		"type":      "result",
		"sessionId": res.SessionID,
		"result":    res.Result,
	}, nil
}

// afterExecution records the terminal status of one prompt run. For long
// tasks this fires from the task manager's supervisor goroutine.
func (s *Service) afterExecution(sessionID string, execErr error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.Status == StatusKilled {
		s.mu.Unlock()
		return
	}
	if execErr != nil {
		sess.Status = StatusFailed
	} else {
		sess.Status = StatusActive
	}
	sess.LastActivity = time.Now().UTC()
	snapshot := sess.clone()
	s.mu.Unlock()

	var extra map[string]interface{}
	if execErr != nil {
		extra = map[string]interface{}{"error": execErr.Error()}
	}
	s.publishStatus(snapshot, events.SessionStatusChanged, extra)
}

// Kill terminates the session's child when one exists and marks the session
// killed. The catalog entry survives for inspection.
func (s *Service) Kill(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	sess.Status = StatusKilled
	sess.LastActivity = time.Now().UTC()
	snapshot := sess.clone()
	s.mu.Unlock()

	if _, alive := s.runner.Session(sessionID); alive {
		if err := s.runner.StopSession(ctx, sessionID); err != nil {
			s.log.Warn("failed to stop session child",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}

	s.log.Info("session killed", zap.String("session_id", sessionID))
	s.publishStatus(snapshot, events.SessionKilled, nil)
	return nil
}

// TrackClient registers the client for queued-delivery accounting on the
// session. Subscribers may arrive before the session exists; tracking is
// deliberately not gated on the catalog.
func (s *Service) TrackClient(sessionID, clientID string) {
	if s.queue != nil {
		s.queue.TrackClient(sessionID, clientID)
	}
}

// Count returns the catalog size.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// watchChild marks the session completed once its child exits, unless it was
// killed first.
func (s *Service) watchChild(sessionID string, done <-chan struct{}) {
	<-done

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.Status == StatusKilled {
		s.mu.Unlock()
		return
	}
	sess.Status = StatusCompleted
	sess.PID = 0
	sess.LastActivity = time.Now().UTC()
	snapshot := sess.clone()
	s.mu.Unlock()

	s.log.Info("session child exited", zap.String("session_id", sessionID))
	s.publishStatus(snapshot, events.SessionCompleted, nil)
}

func (s *Service) insert(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return ErrSessionExists
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Service) publishStatus(sess *Session, eventType string, extra map[string]interface{}) {
	if s.bus == nil {
		return
	}
	data := map[string]interface{}{
		"sessionId": sess.ID,
		"status":    string(sess.Status),
	}
	if sess.ProjectName != "" {
		data["projectName"] = sess.ProjectName
	}
	for k, v := range extra {
		data[k] = v
	}

	event := bus.NewEvent(eventType, "session-service", data)
	subject := events.BuildSessionStatusSubject(sess.ID)
	if err := s.bus.Publish(context.Background(), subject, event); err != nil {
		s.log.Warn("failed to publish session status",
			zap.String("session_id", sess.ID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// resultObject picks the final stream object from an interactive exchange.
func resultObject(sessionID string, responses []map[string]interface{}) map[string]interface{} {
	switch v := streamjson.ExtractFinalResult(responses).(type) {
	case map[string]interface{}:
		return v
	case nil:
		return map[string]interface{}{"type": "result", "sessionId": sessionID}
	default:
		return map[string]interface{}{"type": "result", "sessionId": sessionID, "result": v}
	}
}

// Package runner spawns and supervises the AI CLI child process, parses its
// stream-JSON stdout into typed events and extracts the final result.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/events"
	"github.com/kandev/relay/internal/events/bus"
	"github.com/kandev/relay/internal/tracing"
	"github.com/kandev/relay/internal/validation"
	"github.com/kandev/relay/pkg/streamjson"
)

const (
	// stopGracePeriod is how long a child gets to exit after SIGTERM
	// before it is force-killed.
	stopGracePeriod = 2 * time.Second

	// stderrTailLimit bounds the stderr kept for error reporting.
	stderrTailLimit = 4096

	// maxLineBytes allows for large single-line JSON messages (up to 10MB).
	maxLineBytes = 10 * 1024 * 1024

	readChunkSize = 4096
)

// ExecuteRequest describes a one-shot prompt run.
type ExecuteRequest struct {
	SessionID string
	Prompt    string
	WorkDir   string
}

// ExecuteResult is the final aggregate of a one-shot run.
type ExecuteResult struct {
	SessionID string
	Result    interface{}
	Responses []map[string]interface{}
	ExitCode  int
	Duration  time.Duration
}

// Runner executes one-shot prompts and manages interactive CLI sessions.
type Runner struct {
	cfg     *config.AICLIConfig
	log     *logger.Logger
	emitter *emitter
	tracer  trace.Tracer

	commandOnce sync.Once
	command     string

	mu       sync.Mutex
	sessions map[string]*InteractiveSession
}

// New creates a runner publishing stream events on the given bus.
func New(cfg *config.AICLIConfig, eventBus bus.EventBus, log *logger.Logger) *Runner {
	componentLog := log.WithFields(zap.String("component", "runner"))
	return &Runner{
		cfg:      cfg,
		log:      componentLog,
		emitter:  &emitter{bus: eventBus, log: componentLog},
		tracer:   tracing.Tracer("relay/runner"),
		sessions: make(map[string]*InteractiveSession),
	}
}

// resolveCommand discovers the CLI binary once and caches it.
func (r *Runner) resolveCommand(ctx context.Context) string {
	r.commandOnce.Do(func() {
		r.command = DiscoverCommand(ctx, r.cfg, r.log)
	})
	return r.command
}

// Execute runs one prompt to completion: spawn, feed the prompt, stream
// stdout into typed events and return the extracted final result.
func (r *Runner) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	prompt, err := validation.SanitizePrompt(req.Prompt)
	if err != nil {
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "runner.execute",
		trace.WithAttributes(attribute.String("session_id", req.SessionID)))
	defer span.End()

	command := r.resolveCommand(ctx)
	args := BuildArgs(r.cfg)
	printMode := hasPrintFlag(args)
	if !printMode {
		args = append(args, prompt)
	}

	workDir := req.WorkDir
	if workDir == "" {
		workDir = r.cfg.WorkDir
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = workDir
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("AICLI CLI not found (%s): %w", command, err)
		}
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	health := NewHealthMonitor(req.SessionID, r.cfg.HealthInterval, r.log)
	health.Start()
	defer health.Cleanup()

	r.emitter.emit(req.SessionID, events.StreamProcessStart, map[string]interface{}{
		"pid":     cmd.Process.Pid,
		"command": command,
	})

	if printMode {
		if _, err := io.WriteString(stdin, prompt); err != nil {
			r.log.Warn("failed to write prompt to stdin",
				zap.String("session_id", req.SessionID), zap.Error(err))
		}
	}
	_ = stdin.Close()

	parser := &streamParser{}
	stderrTail := newTailBuffer(stderrTailLimit)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		buf := make([]byte, readChunkSize)
		for {
			n, readErr := stdout.Read(buf)
			if n > 0 {
				health.RecordActivity()
				if objs := parser.Feed(buf[:n]); len(objs) > 0 {
					r.emitter.emitBatch(req.SessionID, objs)
				}
			}
			if readErr != nil {
				return
			}
		}
	}()
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			stderrTail.WriteLine(line)
			r.emitter.emit(req.SessionID, events.StreamProcessStderr, map[string]interface{}{
				"data": line,
			})
		}
	}()

	// Reads must complete before Wait closes the pipes.
	exited := make(chan error, 1)
	go func() {
		readers.Wait()
		exited <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-exited:
	case <-ctx.Done():
		r.stopProcess(cmd.Process.Pid, exited, &waitErr)
	}

	if tail := parser.Finish(); len(tail) > 0 {
		r.emitter.emitBatch(req.SessionID, tail)
	}

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	duration := time.Since(start)
	r.emitter.emit(req.SessionID, events.StreamProcessExit, map[string]interface{}{
		"code": exitCode,
	})

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		execErr := fmt.Errorf("AI CLI exited with code %d: %s", exitCode, stderrTail.String())
		r.emitStreamError(req.SessionID, execErr)
		return nil, execErr
	}

	result, responses, err := finalResult(parser.Captured())
	if err != nil {
		r.emitStreamError(req.SessionID, err)
		return nil, err
	}

	sessionID := streamjson.ExtractSessionID(responses)
	if sessionID == "" {
		sessionID = req.SessionID
	}
	return &ExecuteResult{
		SessionID: sessionID,
		Result:    result,
		Responses: responses,
		ExitCode:  exitCode,
		Duration:  duration,
	}, nil
}

// stopProcess escalates SIGTERM to SIGKILL when the child ignores the grace
// period, then waits for the exit status.
func (r *Runner) stopProcess(pid int, exited <-chan error, waitErr *error) {
	_ = terminateProcessGroup(pid)
	select {
	case *waitErr = <-exited:
	case <-time.After(stopGracePeriod):
		_ = killProcessGroup(pid)
		*waitErr = <-exited
	}
}

func (r *Runner) emitStreamError(sessionID string, err error) {
	r.emitter.emit(sessionID, events.StreamError, map[string]interface{}{
		"error": err.Error(),
	})
}

// finalResult parses the complete captured stdout and picks the aggregate
// result. Yields a specific failure when the output is empty, truncated
// mid-string, cut inside an open value, or free of recoverable objects.
func finalResult(output string) (interface{}, []map[string]interface{}, error) {
	if strings.TrimSpace(output) == "" {
		return nil, nil, streamjson.ErrEmptyOutput
	}
	responses := streamjson.ParseLines(output)
	if len(responses) == 0 {
		switch diag := streamjson.Diagnose(output); {
		case errors.Is(diag, streamjson.ErrUnterminatedString):
			return nil, nil, fmt.Errorf("AI CLI output appears truncated: %w", diag)
		case errors.Is(diag, streamjson.ErrUnexpectedEnd):
			return nil, nil, fmt.Errorf("AI CLI output ended unexpectedly: %w", diag)
		default:
			return nil, nil, streamjson.ErrNoObjects
		}
	}
	return streamjson.ExtractFinalResult(responses), responses, nil
}

// Session returns the interactive session with the given ID.
func (r *Runner) Session(sessionID string) (*InteractiveSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	return session, ok
}

// RespondPermission forwards a permission decision to the session's child
// over the control channel.
func (r *Runner) RespondPermission(sessionID, requestID string, allow bool, message string) error {
	session, ok := r.Session(sessionID)
	if !ok {
		return fmt.Errorf("no interactive session for %s", sessionID)
	}
	return session.RespondPermission(requestID, allow, message)
}

// StopSession terminates the session's child process.
func (r *Runner) StopSession(ctx context.Context, sessionID string) error {
	session, ok := r.Session(sessionID)
	if !ok {
		return fmt.Errorf("no interactive session for %s", sessionID)
	}
	return session.Close(ctx)
}

// Shutdown stops every interactive session.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*InteractiveSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.Unlock()

	var errs []error
	for _, session := range sessions {
		if err := session.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) register(session *InteractiveSession) {
	r.mu.Lock()
	r.sessions[session.ID()] = session
	r.mu.Unlock()
}

func (r *Runner) unregister(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

// tailBuffer keeps the last bytes of stderr for error reporting.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	data  []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) > 0 {
		b.data = append(b.data, '\n')
	}
	b.data = append(b.data, line...)
	if len(b.data) > b.limit {
		b.data = b.data[len(b.data)-b.limit:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

func (b *tailBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

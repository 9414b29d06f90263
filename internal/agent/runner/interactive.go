package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/events"
	"github.com/kandev/relay/pkg/streamjson"
)

const (
	// initTimeout caps how long a freshly spawned child may take to send
	// its init message before the spawn is rejected.
	initTimeout = 30 * time.Second

	// collectorBuffer holds responses for an in-flight prompt.
	collectorBuffer = 256
)

// ErrSessionClosed is returned when the child process has already exited.
var ErrSessionClosed = errors.New("interactive session closed")

// InteractiveSession is one long-lived CLI child speaking stream-JSON on
// both stdin and stdout.
type InteractiveSession struct {
	PID       int
	WorkDir   string
	CreatedAt time.Time

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	emitter *emitter
	log     *logger.Logger

	// stateMu guards sessionID and health, written once during the init
	// handshake while the read loops are already running.
	stateMu   sync.Mutex
	sessionID string
	health    *HealthMonitor

	writeMu sync.Mutex

	// promptMu serializes prompts so each collector sees only its own
	// responses.
	promptMu  sync.Mutex
	collectMu sync.Mutex
	collector chan map[string]interface{}

	done     chan struct{}
	exitOnce sync.Once
	exitErr  error

	onExit func(sessionID string)
}

// CreateInteractiveSession spawns a persistent child in stream-JSON mode and
// waits for its init message. The spawn is rejected when the child exits,
// writes to stderr, or stays silent past the init timeout.
func (r *Runner) CreateInteractiveSession(ctx context.Context, workDir string) (*InteractiveSession, error) {
	command := r.resolveCommand(ctx)
	args := InteractiveArgs(r.cfg)

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

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("AICLI CLI not found (%s): %w", command, err)
		}
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	session := &InteractiveSession{
		PID:       cmd.Process.Pid,
		WorkDir:   workDir,
		CreatedAt: time.Now().UTC(),
		cmd:       cmd,
		stdin:     stdin,
		emitter:   r.emitter,
		log:       r.log,
		done:      make(chan struct{}),
		onExit:    r.unregister,
	}

	initCh := make(chan string, 1)
	errCh := make(chan error, 1)

	var readers sync.WaitGroup
	readers.Add(2)
	go session.readLoop(stdout, &readers, initCh)
	go session.stderrLoop(stderr, &readers, errCh)

	go func() {
		readers.Wait()
		session.finish(cmd.Wait())
	}()

	var sessionID string
	select {
	case sessionID = <-initCh:
	case err := <-errCh:
		_ = session.Close(ctx)
		return nil, fmt.Errorf("AICLI session rejected: %w", err)
	case <-session.done:
		return nil, fmt.Errorf("AICLI exited before init (code %d)", session.exitCode())
	case <-time.After(initTimeout):
		_ = session.Close(ctx)
		return nil, errors.New("timed out waiting for AICLI init")
	case <-ctx.Done():
		_ = session.Close(context.Background())
		return nil, ctx.Err()
	}

	health := NewHealthMonitor(sessionID, r.cfg.HealthInterval, r.log)
	health.Start()
	session.stateMu.Lock()
	session.health = health
	session.stateMu.Unlock()

	r.register(session)
	r.emitter.emit(sessionID, events.StreamProcessStart, map[string]interface{}{
		"pid":         session.PID,
		"command":     command,
		"interactive": true,
	})
	r.log.Info("interactive session started",
		zap.String("session_id", sessionID),
		zap.Int("pid", session.PID))
	return session, nil
}

// ID returns the session ID from the child's init handshake.
func (s *InteractiveSession) ID() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.sessionID
}

func (s *InteractiveSession) healthMonitor() *HealthMonitor {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.health
}

// readLoop feeds stdout chunks through the stream parser, resolves the init
// handshake, emits typed events and routes responses to the active
// collector.
func (s *InteractiveSession) readLoop(stdout io.Reader, readers *sync.WaitGroup, initCh chan<- string) {
	defer readers.Done()

	parser := &streamParser{}
	buf := make([]byte, readChunkSize)
	var preInit []map[string]interface{}
	initialized := false

	handle := func(objs []map[string]interface{}) {
		if !initialized {
			for i, obj := range objs {
				if id := initSessionID(obj); id != "" {
					initialized = true
					s.stateMu.Lock()
					s.sessionID = id
					s.stateMu.Unlock()
					initCh <- id
					s.emitter.emitBatch(id, append(preInit, objs[:i+1]...))
					preInit = nil
					objs = objs[i+1:]
					break
				}
			}
			if !initialized {
				preInit = append(preInit, objs...)
				return
			}
		}
		if len(objs) == 0 {
			return
		}
		s.emitter.emitBatch(s.ID(), objs)
		s.deliver(objs)
	}

	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if health := s.healthMonitor(); health != nil {
				health.RecordActivity()
			}
			if objs := parser.Feed(buf[:n]); len(objs) > 0 {
				handle(objs)
			}
		}
		if err != nil {
			if tail := parser.Finish(); len(tail) > 0 {
				handle(tail)
			}
			return
		}
	}
}

func (s *InteractiveSession) stderrLoop(stderr io.Reader, readers *sync.WaitGroup, errCh chan<- error) {
	defer readers.Done()

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		select {
		case errCh <- fmt.Errorf("stderr: %s", line):
		default:
		}
		if sessionID := s.ID(); sessionID != "" {
			s.emitter.emit(sessionID, events.StreamProcessStderr, map[string]interface{}{
				"data": line,
			})
		}
	}
}

// deliver hands responses to the collector of the in-flight prompt, if any.
// A full collector drops rather than blocking the read loop.
func (s *InteractiveSession) deliver(objs []map[string]interface{}) {
	s.collectMu.Lock()
	collector := s.collector
	s.collectMu.Unlock()
	if collector == nil {
		return
	}
	for _, obj := range objs {
		select {
		case collector <- obj:
		default:
			s.log.Warn("response collector full, dropping message",
				zap.String("session_id", s.ID()))
		}
	}
}

// SendPrompt writes one user message and collects responses until a result
// arrives or the child dies.
func (s *InteractiveSession) SendPrompt(ctx context.Context, text string) ([]map[string]interface{}, error) {
	s.promptMu.Lock()
	defer s.promptMu.Unlock()

	select {
	case <-s.done:
		return nil, ErrSessionClosed
	default:
	}

	collector := make(chan map[string]interface{}, collectorBuffer)
	s.collectMu.Lock()
	s.collector = collector
	s.collectMu.Unlock()
	defer func() {
		s.collectMu.Lock()
		s.collector = nil
		s.collectMu.Unlock()
	}()

	if err := s.writeLine(streamjson.NewUserMessage(text)); err != nil {
		return nil, err
	}

	var responses []map[string]interface{}
	for {
		select {
		case obj := <-collector:
			responses = append(responses, obj)
			if objType, _ := obj["type"].(string); objType == streamjson.TypeResult {
				return responses, nil
			}
		case <-s.done:
			// Drain what arrived before exit.
			for {
				select {
				case obj := <-collector:
					responses = append(responses, obj)
				default:
					return responses, fmt.Errorf("AICLI exited during prompt (code %d)", s.exitCode())
				}
			}
		case <-ctx.Done():
			return responses, ctx.Err()
		}
	}
}

// RespondPermission answers a pending can_use_tool control request.
func (s *InteractiveSession) RespondPermission(requestID string, allow bool, message string) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	return s.writeLine(streamjson.NewControlResponse(requestID, allow, message))
}

// writeLine marshals v and writes it as one newline-terminated frame.
func (s *InteractiveSession) writeLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to AICLI stdin: %w", err)
	}
	return nil
}

// Close terminates the child, escalating SIGTERM to SIGKILL after the
// grace period. Safe to call more than once.
func (s *InteractiveSession) Close(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	default:
	}

	_ = terminateProcessGroup(s.PID)
	select {
	case <-s.done:
	case <-time.After(stopGracePeriod):
		_ = killProcessGroup(s.PID)
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Done is closed once the child has exited.
func (s *InteractiveSession) Done() <-chan struct{} {
	return s.done
}

// finish records the exit, tears down the monitor and notifies listeners.
func (s *InteractiveSession) finish(err error) {
	s.exitOnce.Do(func() {
		s.exitErr = err
		if health := s.healthMonitor(); health != nil {
			health.Cleanup()
		}
		close(s.done)
		if sessionID := s.ID(); sessionID != "" {
			s.emitter.emit(sessionID, events.StreamProcessExit, map[string]interface{}{
				"code": s.exitCode(),
			})
			if s.onExit != nil {
				s.onExit(sessionID)
			}
		}
	})
}

func (s *InteractiveSession) exitCode() int {
	if s.cmd.ProcessState != nil {
		return s.cmd.ProcessState.ExitCode()
	}
	return -1
}

// initSessionID returns the session ID when obj is the init handshake.
func initSessionID(obj map[string]interface{}) string {
	if t, _ := obj["type"].(string); t != streamjson.TypeSystem {
		return ""
	}
	if sub, _ := obj["subtype"].(string); sub != streamjson.SubtypeInit {
		return ""
	}
	id, _ := obj["session_id"].(string)
	return id
}

// Package agent manages long-lived vendor CLI subprocesses and translates
// their protocol event streams into the chunk/notice/response shape the chat
// room consumes.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/multiagents/multiagents/internal/common/logger"
	"github.com/multiagents/multiagents/internal/protocol"
)

const (
	maxRetries       = 3
	backoffBase      = time.Second
	shutdownGrace    = 5 * time.Second
	stderrRingLines  = 256
	subprocessEnvCap = 32
)

// Builder supplies the vendor-specific pieces of a supervised agent process.
type Builder interface {
	// Args returns the argv for a fresh spawn.
	Args() ([]string, error)

	// ResumeArgs returns the argv to resume an existing session.
	ResumeArgs(sessionID string) ([]string, error)

	// NewAdapter returns a fresh protocol adapter for a new subprocess.
	NewAdapter() protocol.Adapter

	// Cwd returns the working directory for the subprocess, or "".
	Cwd() (string, error)

	// Cleanup removes any temp artifacts the builder created.
	Cleanup()
}

// spawnPreview compacts an argv for logs to avoid dumping prompt payloads.
func spawnPreview(args []string) string {
	if len(args) == 0 {
		return ""
	}
	head := args
	if len(head) > 3 {
		head = head[:3]
	}
	preview := strings.Join(head, " ")
	if len(args) > 3 {
		preview += fmt.Sprintf(" ... (+%d args)", len(args)-3)
	}
	if len(preview) > 220 {
		preview = preview[:217] + "..."
	}
	return preview
}

// stderrRing is a bounded line buffer for subprocess stderr.
type stderrRing struct {
	mu    sync.Mutex
	lines []string
}

func (r *stderrRing) append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > stderrRingLines {
		r.lines = r.lines[len(r.lines)-stderrRingLines:]
	}
}

func (r *stderrRing) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, "\n")
}

func (r *stderrRing) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = nil
}

// Supervisor owns a single persistent subprocess for one agent. The process
// stays alive between turns; if it dies, it is respawned with session resume
// args and the failed message is retried.
//
// Only one SendAndStream call may be active per supervisor; callers serialize
// turns per agent.
type Supervisor struct {
	name    string
	builder Builder
	env     map[string]string
	log     *logger.Logger

	mu           sync.Mutex
	cmd          *exec.Cmd
	done         chan struct{}
	adapter      protocol.Adapter
	sessionID    string
	resumedSpawn bool
	stderr       stderrRing
}

// NewSupervisor creates a supervisor for the named agent. env entries are
// merged over the parent environment at spawn time.
func NewSupervisor(name string, builder Builder, env map[string]string, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Default()
	}
	return &Supervisor{
		name:    name,
		builder: builder,
		env:     env,
		log:     log.WithAgent(name),
	}
}

// SessionID returns the last session id reported by the adapter.
func (s *Supervisor) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SetSessionID seeds the resume session id, typically from the store.
func (s *Supervisor) SetSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
}

// Stderr returns the accumulated stderr of the current process.
func (s *Supervisor) Stderr() string {
	return s.stderr.text()
}

func (s *Supervisor) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// ensureRunning spawns the subprocess and runs the protocol handshake if the
// process is not already alive.
func (s *Supervisor) ensureRunning(ctx context.Context) error {
	if s.running() {
		return nil
	}

	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()

	var args []string
	var err error
	if sessionID != "" {
		args, err = s.builder.ResumeArgs(sessionID)
	} else {
		args, err = s.builder.Args()
	}
	if err != nil {
		return fmt.Errorf("build args: %w", err)
	}
	if len(args) == 0 {
		return fmt.Errorf("builder returned empty argv")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return fmt.Errorf("agent %q requires %q but it was not found on PATH: %w", s.name, args[0], err)
	}

	s.log.Info("spawning persistent process", zap.String("argv", spawnPreview(args)))

	cmd := exec.Command(args[0], args[1:]...)
	cwd, err := s.builder.Cwd()
	if err != nil {
		return fmt.Errorf("resolve cwd: %w", err)
	}
	cmd.Dir = cwd
	if len(s.env) > 0 {
		env := make([]string, 0, len(os.Environ())+subprocessEnvCap)
		env = append(env, os.Environ()...)
		for k, v := range s.env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", args[0], err)
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	adapter := s.builder.NewAdapter()
	adapter.Attach(stdin, stdout)

	s.stderr.reset()
	go s.drainStderr(stderr)

	s.mu.Lock()
	s.cmd = cmd
	s.done = done
	s.adapter = adapter
	s.resumedSpawn = sessionID != ""
	s.mu.Unlock()

	if sessionID != "" {
		return adapter.StartResume(ctx, sessionID)
	}
	return adapter.Start(ctx)
}

// drainStderr reads stderr continuously to prevent pipe buffer deadlock.
func (s *Supervisor) drainStderr(r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.stderr.append(line)
		s.log.Debug("stderr", zap.String("line", line))
	}
}

// SendAndStream sends a prompt and emits response events, respawning the
// subprocess and retrying the message on crashes. Absence of a TurnComplete
// before EOF counts as a crash.
func (s *Supervisor) SendAndStream(ctx context.Context, prompt string, emit protocol.Emitter) error {
	retries := 0
	for {
		err := s.runTurn(ctx, prompt, emit)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		retries++
		if retries > maxRetries {
			s.log.Error("max retries exceeded after process crash", zap.Error(err))
			return err
		}
		// A resumed process that dies without writing stderr means the stored
		// session id is no longer valid on the vendor side; drop it so the
		// retry spawns fresh instead of replaying the same rejected resume.
		stderrText := strings.TrimSpace(s.stderr.text())
		s.mu.Lock()
		if s.resumedSpawn && s.sessionID != "" && stderrText == "" {
			s.log.Warn("resume rejected, retrying with a fresh session",
				zap.String("session_id", s.sessionID))
			s.sessionID = ""
		}
		s.mu.Unlock()
		backoff := backoffBase * time.Duration(1<<(retries-1))
		s.log.Warn("process died, respawning",
			zap.Error(err),
			zap.Duration("backoff", backoff),
			zap.Int("retry", retries),
			zap.Int("max_retries", maxRetries))
		if emitErr := emit(protocol.ProcessRestarted{Reason: err.Error(), Retry: retries}); emitErr != nil {
			return emitErr
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		s.killStale()
	}
}

func (s *Supervisor) runTurn(ctx context.Context, prompt string, emit protocol.Emitter) error {
	if err := s.ensureRunning(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	adapter := s.adapter
	s.mu.Unlock()

	if err := adapter.SendMessage(ctx, prompt); err != nil {
		return err
	}
	sawComplete := false
	err := adapter.ReadEvents(ctx, func(ev protocol.AgentEvent) error {
		if tc, ok := ev.(protocol.TurnComplete); ok {
			sawComplete = true
			if tc.SessionID != "" {
				s.mu.Lock()
				s.sessionID = tc.SessionID
				s.mu.Unlock()
			}
		}
		return emit(ev)
	})
	if err != nil {
		return err
	}
	if !sawComplete {
		return fmt.Errorf("turn ended without completion marker")
	}
	return nil
}

// CancelTurn best-effort interrupts the in-flight turn.
func (s *Supervisor) CancelTurn(ctx context.Context) error {
	s.mu.Lock()
	adapter := s.adapter
	s.mu.Unlock()
	if adapter == nil {
		return nil
	}
	return adapter.Cancel(ctx)
}

// RespondToPermission forwards an approval decision to the adapter.
func (s *Supervisor) RespondToPermission(ctx context.Context, resp protocol.PermissionResponse) error {
	s.mu.Lock()
	adapter := s.adapter
	s.mu.Unlock()
	if adapter == nil {
		return nil
	}
	return adapter.RespondToPermission(ctx, resp)
}

// killStale kills the current process if still around and drops the adapter.
func (s *Supervisor) killStale() {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	s.cmd = nil
	s.done = nil
	s.adapter = nil
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	select {
	case <-done:
	default:
		_ = cmd.Process.Kill()
		<-done
	}
}

// Shutdown gracefully stops the subprocess: protocol shutdown, SIGTERM, then
// SIGKILL after a grace period.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	adapter := s.adapter
	cmd, done := s.cmd, s.done
	s.cmd = nil
	s.done = nil
	s.adapter = nil
	s.mu.Unlock()

	if adapter != nil {
		_ = adapter.Shutdown(ctx)
	}
	if cmd == nil || cmd.Process == nil {
		s.builder.Cleanup()
		return
	}
	select {
	case <-done:
	default:
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			_ = cmd.Process.Kill()
			<-done
		}
	}
	s.builder.Cleanup()
}

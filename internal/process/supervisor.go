// Package process launches and supervises the external test-case runtime.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/nvandessel/simcore/internal/logging"
)

// ErrLaunchFailed wraps every failure to start the external process.
var ErrLaunchFailed = errors.New("external process launch failed")

// maxStderr bounds how much error output is kept per run (64KB).
const maxStderr = 64 * 1024

// DefaultGracePeriod is how long Terminate waits before killing the process.
const DefaultGracePeriod = 5 * time.Second

// Spec describes one test-case process.
type Spec struct {
	Command     string
	Args        []string
	Env         map[string]string
	VolumesPath string // passed as --volumes <path> when set
	Dir         string
}

// Completion is raised when the process exits on its own.
type Completion struct {
	ExitCode int
	Failed   bool
	Stderr   string
}

// Supervisor runs at most one process at a time.
type Supervisor struct {
	logger *slog.Logger
	grace  time.Duration

	mu     sync.Mutex
	cmd    *exec.Cmd
	done   chan struct{}
	onExit func(Completion)
}

// New creates a supervisor. A nil logger discards output.
func New(logger *slog.Logger) *Supervisor {
	return &Supervisor{
		logger: logging.OrDiscard(logger),
		grace:  DefaultGracePeriod,
	}
}

// SetGracePeriod changes how long Terminate waits before killing.
func (s *Supervisor) SetGracePeriod(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grace = d
}

// OnExit sets the completion handler. Passing nil detaches it, after which an
// exit raises nothing.
func (s *Supervisor) OnExit(fn func(Completion)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = fn
}

// Running reports whether a process is attached.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// Launch starts the process described by spec.
func (s *Supervisor) Launch(ctx context.Context, spec Spec) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	if spec.Command == "" {
		return fmt.Errorf("%w: no command configured", ErrLaunchFailed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return fmt.Errorf("%w: a process is already running", ErrLaunchFailed)
	}

	args := append([]string(nil), spec.Args...)
	if spec.VolumesPath != "" {
		args = append(args, "--volumes", spec.VolumesPath)
	}

	cmd := exec.Command(spec.Command, args...)
	cmd.Dir = spec.Dir
	cmd.Env = buildEnv(spec.Env)
	stderr := &tailBuffer{max: maxStderr}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrLaunchFailed, spec.Command, err)
	}

	s.logger.Info("test-case process started", "command", spec.Command, "pid", cmd.Process.Pid)
	s.cmd = cmd
	s.done = make(chan struct{})
	go s.wait(cmd, s.done, stderr)
	return nil
}

// Terminate stops the attached process, killing it if it outlives the grace
// period. It returns once the process has exited. No process is a no-op.
func (s *Supervisor) Terminate() error {
	s.mu.Lock()
	cmd, done, grace := s.cmd, s.done, s.grace
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}

	s.logger.Info("terminating test-case process", "pid", cmd.Process.Pid)
	if err := cmd.Process.Signal(terminateSignal); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Debug("terminate signal failed, killing", "error", err)
		_ = cmd.Process.Kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	}

	s.logger.Warn("test-case process did not exit in time, killing", "pid", cmd.Process.Pid)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing process: %w", err)
	}
	<-done
	return nil
}

// Done is closed when the current process exits. It is nil if none was launched.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Supervisor) wait(cmd *exec.Cmd, done chan struct{}, stderr *tailBuffer) {
	err := cmd.Wait()
	c := Completion{
		ExitCode: exitCode(err),
		Failed:   err != nil,
		Stderr:   stderr.String(),
	}

	s.mu.Lock()
	handler := s.onExit
	if s.cmd == cmd {
		s.cmd = nil
	}
	close(done)
	s.mu.Unlock()

	s.logger.Info("test-case process exited", "exit_code", c.ExitCode, "failed", c.Failed)
	if handler != nil {
		handler(c)
	}
}

// exitCode derives a process exit code from a wait error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

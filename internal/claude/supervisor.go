package claude

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/getfinn/bridge/internal/logging"
)

// defaultKillGrace is how long a terminated process gets before SIGKILL.
const defaultKillGrace = 5 * time.Second

// Process is a running instance of the external tool. The supervisor that
// spawned it references it; the operating system owns it.
type Process struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File

	done     chan struct{}
	exitCode int
	waitErr  error

	killed atomic.Bool
}

// PID returns the operating system process ID.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Stdout returns the read end of the child's stdout.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stderr returns the read end of the child's stderr.
func (p *Process) Stderr() io.Reader { return p.stderr }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit status. Only meaningful after Done is closed;
// a process ended by a signal reports -1.
func (p *Process) ExitCode() int {
	<-p.done
	return p.exitCode
}

// Killed reports whether Kill was delivered to this process.
func (p *Process) Killed() bool {
	return p.killed.Load()
}

// closeOutput closes the parent's read ends, unblocking any reader still
// waiting on a grandchild that inherited the pipes.
func (p *Process) closeOutput() {
	p.stdout.Close()
	p.stderr.Close()
}

// Supervisor spawns the external tool and tracks at most one live process.
// The zero value is not usable; use NewSupervisor.
type Supervisor struct {
	binary    string
	workDir   string
	killGrace time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	active *Process
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithWorkDir sets the working directory of spawned processes.
func WithWorkDir(dir string) SupervisorOption {
	return func(s *Supervisor) { s.workDir = dir }
}

// WithKillGrace sets how long a terminated process may take to exit before
// it is killed outright.
func WithKillGrace(grace time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.killGrace = grace }
}

// WithSupervisorLogger sets the logger.
func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = logger }
}

// NewSupervisor creates a supervisor for binary.
func NewSupervisor(binary string, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		binary:    binary,
		killGrace: defaultKillGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger).With(logging.Component("supervisor"))
	return s
}

// Binary returns the executable the supervisor launches.
func (s *Supervisor) Binary() string { return s.binary }

// Spawn starts the tool with args. env entries are added to the inherited
// environment of the child only. If a live process is already tracked,
// Spawn returns ErrBusy and leaves it untouched.
func (s *Supervisor) Spawn(args []string, env map[string]string) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil && !s.active.Exited() {
		return nil, ErrBusy
	}

	cmd := exec.Command(s.binary, args...)
	cmd.Dir = s.workDir
	cmd.Env = mergeEnv(os.Environ(), env)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Binary: s.binary, Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, &SpawnError{Binary: s.binary, Err: err}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		s.logger.Warn("❌ failed to start process", slog.String("binary", s.binary), logging.Error(err))
		return nil, &SpawnError{Binary: s.binary, Err: err}
	}

	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	p := &Process{
		cmd:    cmd,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
	}
	s.active = p

	s.logger.Debug("🚀 process started",
		slog.String("binary", s.binary),
		slog.Int("args", len(args)),
		slog.Int("pid", cmd.Process.Pid),
	)

	go s.reap(p)

	return p, nil
}

// reap waits for p to exit and releases it if it is still tracked.
func (s *Supervisor) reap(p *Process) {
	p.waitErr = p.cmd.Wait()
	p.exitCode = -1
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	close(p.done)

	s.mu.Lock()
	if s.active == p {
		s.active = nil
	}
	s.mu.Unlock()

	s.logger.Debug("🏁 process exited",
		slog.Int("pid", p.cmd.Process.Pid),
		slog.Int("exit_code", p.exitCode),
		slog.Bool("killed", p.Killed()),
	)
}

// Active reports whether a live process is tracked.
func (s *Supervisor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil && !s.active.Exited()
}

// Kill terminates the tracked process. It returns false when nothing is
// tracked, the process already exited, or Kill was already delivered to
// it. It never panics and may be called any number of times.
func (s *Supervisor) Kill() bool {
	s.mu.Lock()
	p := s.active
	s.mu.Unlock()

	if p == nil || p.Exited() {
		return false
	}
	if !p.killed.CompareAndSwap(false, true) {
		return false
	}

	proc := p.cmd.Process
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return false
		}
		// Platforms without SIGTERM delivery.
		if err := proc.Kill(); err != nil {
			return false
		}
		return true
	}

	s.logger.Info("🛑 process terminated", slog.Int("pid", proc.Pid))

	go func() {
		select {
		case <-p.done:
		case <-time.After(s.killGrace):
			s.logger.Warn("process ignored SIGTERM, killing", slog.Int("pid", proc.Pid))
			proc.Kill()
		}
	}()

	return true
}

// mergeEnv appends overrides to base in a stable order. exec.Cmd keeps the
// last value for duplicate keys, so overrides win.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	for _, key := range keys {
		env = append(env, key+"="+overrides[key])
	}
	return env
}

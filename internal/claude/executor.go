package claude

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getfinn/bridge/internal/logging"
)

const (
	defaultReadBufferSize = 32 * 1024
	defaultDrainTimeout   = 2 * time.Second

	outputFormatFlag   = "--output-format"
	streamOutputFormat = "stream-json"
	verboseFlag        = "--verbose"
)

// State is the lifecycle position of an Executor.
type State string

const (
	StateIdle      State = "idle"
	StateSpawning  State = "spawning"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateKilled    State = "killed"
)

// Executor runs commands against the external tool, one at a time. It owns
// its Supervisor; nothing else should spawn through it.
type Executor struct {
	supervisor   *Supervisor
	tokens       TokenSource
	tokenEnvVar  string
	verbose      bool
	readBuffer   int
	drainTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	state   State
	outcome State
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTokenSource sets where the OAuth token for child processes comes
// from. Without one no token is injected.
func WithTokenSource(tokens TokenSource) ExecutorOption {
	return func(e *Executor) { e.tokens = tokens }
}

// WithTokenEnvVar names the environment variable that carries the token.
func WithTokenEnvVar(name string) ExecutorOption {
	return func(e *Executor) { e.tokenEnvVar = name }
}

// WithVerboseStream controls whether --verbose accompanies an injected
// stream-json output format. The tool refuses stream-json in print mode
// without it.
func WithVerboseStream(verbose bool) ExecutorOption {
	return func(e *Executor) { e.verbose = verbose }
}

// WithReadBufferSize sets the size of each read from the child's pipes.
func WithReadBufferSize(size int) ExecutorOption {
	return func(e *Executor) { e.readBuffer = size }
}

// WithDrainTimeout bounds how long output is read after the process exits.
func WithDrainTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) { e.drainTimeout = timeout }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// NewExecutor creates an executor that spawns through supervisor.
func NewExecutor(supervisor *Supervisor, opts ...ExecutorOption) *Executor {
	e := &Executor{
		supervisor:   supervisor,
		tokenEnvVar:  DefaultTokenEnvVar,
		verbose:      true,
		readBuffer:   defaultReadBufferSize,
		drainTimeout: defaultDrainTimeout,
		state:        StateIdle,
		outcome:      StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrDiscard(e.logger).With(logging.Component("executor"))
	return e
}

// State returns the current lifecycle state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastOutcome returns how the most recent invocation ended: completed,
// failed or killed. It is idle before the first invocation.
func (e *Executor) LastOutcome() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outcome
}

// Execute runs commandText and returns the tool's complete stdout once it
// exits successfully.
func (e *Executor) Execute(ctx context.Context, commandText string) (string, error) {
	args := Tokenize(commandText)
	if len(args) == 0 {
		return "", ErrEmptyCommand
	}
	return e.run(ctx, args, nil)
}

// ExecuteCommand runs commandText in streaming mode. Each classified event
// is sent on events as it is produced; stdout events keep their order, as
// do stderr events, but the two streams interleave freely. events is
// closed before ExecuteCommand returns and must be drained by the caller.
//
// When the command has no --output-format flag, stream-json is requested.
func (e *Executor) ExecuteCommand(ctx context.Context, commandText string, events chan<- StreamEvent) (string, error) {
	if events != nil {
		defer close(events)
	}

	args := Tokenize(commandText)
	if len(args) == 0 {
		return "", ErrEmptyCommand
	}
	if !hasFlag(args, outputFormatFlag) {
		args = append(args, outputFormatFlag, streamOutputFormat)
		if e.verbose && !hasFlag(args, verboseFlag) {
			args = append(args, verboseFlag)
		}
	}
	return e.run(ctx, args, events)
}

// KillActiveProcess terminates the running command, if any. It reports
// whether a live process was signalled.
func (e *Executor) KillActiveProcess() bool {
	return e.supervisor.Kill()
}

// Busy reports whether an invocation is in progress.
func (e *Executor) Busy() bool {
	state := e.State()
	return state == StateSpawning || state == StateStreaming
}

func (e *Executor) run(ctx context.Context, args []string, events chan<- StreamEvent) (string, error) {
	if !e.begin() {
		return "", ErrBusy
	}
	outcome := StateFailed
	defer func() { e.finish(outcome) }()

	proc, err := e.supervisor.Spawn(args, e.childEnv())
	if err != nil {
		return "", err
	}
	e.setState(StateStreaming)

	emit := func(event StreamEvent) {
		if events != nil {
			events <- event
		}
	}

	parser := NewStreamParser()
	var stderr strings.Builder

	var stdoutIdle, stderrIdle atomic.Int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.pump(proc.Stdout(), &stdoutIdle, func(chunk []byte) {
			for _, event := range parser.Feed(chunk) {
				emit(event)
			}
		})
	}()
	go func() {
		defer wg.Done()
		e.pump(proc.Stderr(), &stderrIdle, func(chunk []byte) {
			stderr.Write(chunk)
			emit(stderrEvent(chunk))
		})
	}()

	select {
	case <-proc.Done():
	case <-ctx.Done():
		e.logger.Info("context cancelled, killing process", logging.Error(ctx.Err()))
		e.supervisor.Kill()
		<-proc.Done()
	}

	e.drain(proc, &wg, &stdoutIdle, &stderrIdle)

	output := parser.Output()
	if proc.Killed() {
		outcome = StateKilled
		return output, ErrKilled
	}
	if code := proc.ExitCode(); code != 0 {
		return output, &ProcessExitError{ExitCode: code, Stderr: stderr.String()}
	}

	outcome = StateCompleted
	return output, nil
}

// pump reads r chunk by chunk until EOF or a closed pipe. While it is
// blocked in Read, idle holds the time the read started.
func (e *Executor) pump(r io.Reader, idle *atomic.Int64, handle func([]byte)) {
	buf := make([]byte, e.readBuffer)
	for {
		idle.Store(time.Now().UnixNano())
		n, err := r.Read(buf)
		idle.Store(0)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			handle(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				e.logger.Debug("pipe read failed", logging.Error(err))
			}
			return
		}
	}
}

// drain waits for both readers after the process exited. A reader that
// sits in Read for longer than the drain timeout is waiting on a
// descendant that inherited the pipe, so the pipes are closed under it.
// Readers busy handing events to a slow consumer are left alone.
func (e *Executor) drain(proc *Process, wg *sync.WaitGroup, idles ...*atomic.Int64) {
	defer proc.closeOutput()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(e.drainTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			for _, idle := range idles {
				since := idle.Load()
				if since != 0 && now.Sub(time.Unix(0, since)) > e.drainTimeout {
					e.logger.Warn("output still open after exit, closing pipes", slog.Int("pid", proc.PID()))
					proc.closeOutput()
					<-done
					return
				}
			}
		}
	}
}

func (e *Executor) childEnv() map[string]string {
	if e.tokens == nil || e.tokenEnvVar == "" {
		return nil
	}
	token := e.tokens.LookupOAuthToken()
	if token.Value == "" {
		return nil
	}
	return map[string]string{e.tokenEnvVar: token.Value}
}

func (e *Executor) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateSpawning || e.state == StateStreaming {
		return false
	}
	e.state = StateSpawning
	return true
}

func (e *Executor) setState(state State) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

func (e *Executor) finish(outcome State) {
	e.mu.Lock()
	e.outcome = outcome
	e.state = StateIdle
	e.mu.Unlock()
}

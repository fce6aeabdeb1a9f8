package claude

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTokenEnv = "FINN_BRIDGE_TEST_OAUTH_TOKEN"

func newTestExecutor(t *testing.T, script string, opts ...ExecutorOption) *Executor {
	t.Helper()
	opts = append([]ExecutorOption{WithTokenEnvVar(testTokenEnv)}, opts...)
	return NewExecutor(NewSupervisor(fakeTool(t, script)), opts...)
}

// collect runs ExecuteCommand and gathers every event it produced.
func collect(t *testing.T, e *Executor, ctx context.Context, text string) ([]StreamEvent, string, error) {
	t.Helper()
	events := make(chan StreamEvent)
	var got []StreamEvent
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range events {
			got = append(got, event)
		}
	}()

	output, err := e.ExecuteCommand(ctx, text, events)
	<-done
	return got, output, err
}

func TestExecuteSuccess(t *testing.T) {
	e := newTestExecutor(t, `echo "hello $1"`)

	output, err := e.Execute(context.Background(), "world")

	require.NoError(t, err)
	assert.Equal(t, "hello world\n", output)
	assert.Equal(t, StateIdle, e.State())
	assert.Equal(t, StateCompleted, e.LastOutcome())
	assert.False(t, e.Busy())
}

func TestExecuteFailure(t *testing.T) {
	e := newTestExecutor(t, `echo partial; echo "boom" >&2; exit 3`)

	output, err := e.Execute(context.Background(), "status")

	var exitErr *ProcessExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Equal(t, "boom", err.Error())
	assert.Equal(t, "partial\n", output)
	assert.Equal(t, StateFailed, e.LastOutcome())
}

func TestExecuteFailureWithoutStderr(t *testing.T) {
	e := newTestExecutor(t, `exit 4`)

	_, err := e.Execute(context.Background(), "status")

	require.Error(t, err)
	assert.Equal(t, "process exited with code 4", err.Error())
	assert.Equal(t, 4, ExitCode(err))
}

func TestExecuteEmptyCommand(t *testing.T) {
	e := newTestExecutor(t, `exit 0`)

	_, err := e.Execute(context.Background(), `  "" `)
	require.ErrorIs(t, err, ErrEmptyCommand)

	events := make(chan StreamEvent, 1)
	_, err = e.ExecuteCommand(context.Background(), "", events)
	require.ErrorIs(t, err, ErrEmptyCommand)
	_, open := <-events
	assert.False(t, open)
	assert.Equal(t, StateIdle, e.LastOutcome())
}

func TestExecuteSpawnError(t *testing.T) {
	e := NewExecutor(NewSupervisor(filepath.Join(t.TempDir(), "missing")))

	_, err := e.Execute(context.Background(), "status")

	assert.True(t, IsSpawnError(err))
	assert.Equal(t, StateFailed, e.LastOutcome())
	assert.Equal(t, StateIdle, e.State())
}

func TestExecuteCommandStreamsInOrder(t *testing.T) {
	e := newTestExecutor(t, `echo '{"type":"content","content":"Hi"}'
echo 'plain line'
echo '{"type":"error","error":"careful"}'
echo '{"type":"content","content":"Bye"}'`)

	events, output, err := collect(t, e, context.Background(), "-p hi --output-format stream-json")

	require.NoError(t, err)
	assert.Equal(t, []StreamEvent{
		{Kind: EventContent, Text: "Hi"},
		{Kind: EventRawText, Text: "plain line"},
		{Kind: EventError, Text: "careful"},
		{Kind: EventContent, Text: "Bye"},
	}, events)
	assert.Contains(t, output, "plain line\n")
}

func TestExecuteCommandForwardsStderr(t *testing.T) {
	e := newTestExecutor(t, `echo "oops" >&2; exit 1`)

	events, _, err := collect(t, e, context.Background(), "-p hi --output-format text")

	require.Error(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, StreamEvent{Kind: EventError, Text: "oops\n"}, events[0])
}

func TestExecuteCommandInjectsStreamFormat(t *testing.T) {
	tests := []struct {
		name    string
		command string
		opts    []ExecutorOption
		want    []string
	}{
		{
			name:    "adds stream-json and verbose",
			command: `-p "hello world"`,
			want:    []string{"-p", "hello world", "--output-format", "stream-json", "--verbose"},
		},
		{
			name:    "keeps existing verbose",
			command: `--verbose -p hi`,
			want:    []string{"--verbose", "-p", "hi", "--output-format", "stream-json"},
		},
		{
			name:    "verbose disabled",
			command: `-p hi`,
			opts:    []ExecutorOption{WithVerboseStream(false)},
			want:    []string{"-p", "hi", "--output-format", "stream-json"},
		},
		{
			name:    "explicit format untouched",
			command: `-p hi --output-format=text`,
			want:    []string{"-p", "hi", "--output-format=text"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExecutor(t, `printf '%s\n' "$@"`, tt.opts...)

			events, _, err := collect(t, e, context.Background(), tt.command)

			require.NoError(t, err)
			var args []string
			for _, event := range events {
				assert.Equal(t, EventRawText, event.Kind)
				args = append(args, event.Text)
			}
			assert.Equal(t, tt.want, args)
		})
	}
}

func TestExecuteInjectsTokenFromFile(t *testing.T) {
	script := `printf 'token=%s' "$` + testTokenEnv + `"`

	t.Run("token file present", func(t *testing.T) {
		resolver := NewAuthResolver(AuthConfig{
			TokenFile: writeFile(t, "oauth_token.json", `{"access_token":"abc"}`),
		}, nil)
		e := newTestExecutor(t, script, WithTokenSource(resolver))

		output, err := e.Execute(context.Background(), "status")

		require.NoError(t, err)
		assert.Equal(t, "token=abc", output)
	})

	t.Run("malformed token file", func(t *testing.T) {
		resolver := NewAuthResolver(AuthConfig{
			TokenFile: writeFile(t, "oauth_token.json", `{"access_token"`),
		}, nil)
		e := newTestExecutor(t, script, WithTokenSource(resolver))

		output, err := e.Execute(context.Background(), "status")

		require.NoError(t, err)
		assert.Equal(t, "token=", output)
	})

	t.Run("credentials without value", func(t *testing.T) {
		tokens := staticTokens{Found: true, Path: "/tmp/.credentials.json"}
		e := newTestExecutor(t, script, WithTokenSource(tokens))

		output, err := e.Execute(context.Background(), "status")

		require.NoError(t, err)
		assert.Equal(t, "token=", output)
	})
}

func TestExecuteRejectsWhileBusyAndKills(t *testing.T) {
	e := newTestExecutor(t, `exec sleep 10`)

	var (
		wg  sync.WaitGroup
		err error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err = e.Execute(context.Background(), "status")
	}()

	require.Eventually(t, func() bool { return e.State() == StateStreaming }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, e.Busy())

	_, busyErr := e.Execute(context.Background(), "status")
	require.ErrorIs(t, busyErr, ErrBusy)

	assert.True(t, e.KillActiveProcess())
	wg.Wait()

	require.ErrorIs(t, err, ErrKilled)
	assert.Equal(t, StateKilled, e.LastOutcome())
	assert.Equal(t, StateIdle, e.State())
	assert.False(t, e.KillActiveProcess())
}

func TestExecuteContextCancelKills(t *testing.T) {
	e := newTestExecutor(t, `exec sleep 10`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		_, err := e.Execute(ctx, "status")
		errs <- err
	}()

	require.Eventually(t, func() bool { return e.State() == StateStreaming }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrKilled)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not stop after cancellation")
	}
}

func TestExecuteDrainsAfterDescendantKeepsPipes(t *testing.T) {
	e := newTestExecutor(t, `echo done; sleep 10 &`, WithDrainTimeout(200*time.Millisecond))

	start := time.Now()
	output, err := e.Execute(context.Background(), "status")

	require.NoError(t, err)
	assert.Equal(t, "done\n", output)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStreamRoutesSinks(t *testing.T) {
	e := newTestExecutor(t, `echo '{"type":"content","content":"Hi"}'
echo "warn" >&2
echo 'plain line'`)

	var (
		data, errs []string
		completed  []Result
	)
	result := e.Stream(context.Background(), "-p hi", Sinks{
		OnData:     func(text string) { data = append(data, text) },
		OnError:    func(text string) { errs = append(errs, text) },
		OnComplete: func(r Result) { completed = append(completed, r) },
	})

	assert.True(t, result.Success)
	assert.Equal(t, []string{"Hi", "plain line"}, data)
	assert.Equal(t, []string{"warn\n"}, errs)
	require.Len(t, completed, 1)
	assert.Equal(t, result, completed[0])
}

func TestStreamWithNilSinks(t *testing.T) {
	e := newTestExecutor(t, `echo out; echo err >&2; exit 2`)

	result := e.Stream(context.Background(), "-p hi", Sinks{})

	assert.False(t, result.Success)
	assert.Equal(t, 2, result.ExitCode)
	assert.Equal(t, "err", result.Error)
}

func TestNewResult(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Result{Success: true, Output: "ok"}, NewResult("ok", nil))
	assert.Equal(t,
		Result{Output: "x", Error: "boom", ExitCode: 3},
		NewResult("x", &ProcessExitError{ExitCode: 3, Stderr: "boom\n"}),
	)
	assert.Equal(t,
		Result{Error: ErrKilled.Error(), ExitCode: -1},
		NewResult("", ErrKilled),
	)
}

package claude

import (
	"context"
	"errors"
)

// Result is the final outcome of one command.
type Result struct {
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exitCode"`
}

// NewResult builds a Result from what Execute or ExecuteCommand returned.
func NewResult(output string, err error) Result {
	if err == nil {
		return Result{Success: true, Output: output}
	}

	result := Result{Output: output, Error: err.Error(), ExitCode: -1}
	var exitErr *ProcessExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode
	}
	return result
}

// Sinks receive the events of a streamed command. Nil sinks are skipped.
type Sinks struct {
	OnData     func(text string)
	OnError    func(text string)
	OnComplete func(result Result)
}

// Stream runs commandText like ExecuteCommand and routes events to sinks on
// the calling goroutine. Data and error events are delivered before
// OnComplete, which is called exactly once.
func (e *Executor) Stream(ctx context.Context, commandText string, sinks Sinks) Result {
	events := make(chan StreamEvent, 64)

	type outcome struct {
		output string
		err    error
	}
	finished := make(chan outcome, 1)
	go func() {
		output, err := e.ExecuteCommand(ctx, commandText, events)
		finished <- outcome{output: output, err: err}
	}()

	for event := range events {
		switch {
		case event.IsData():
			if sinks.OnData != nil {
				sinks.OnData(event.Text)
			}
		default:
			if sinks.OnError != nil {
				sinks.OnError(event.Text)
			}
		}
	}

	done := <-finished
	result := NewResult(done.output, done.err)
	if sinks.OnComplete != nil {
		sinks.OnComplete(result)
	}
	return result
}

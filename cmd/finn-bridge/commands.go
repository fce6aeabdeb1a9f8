package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/getfinn/bridge/internal/agent"
	"github.com/getfinn/bridge/internal/claude"
)

func notifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runStatus(ctx context.Context, a *agent.Agent, stdout io.Writer) int {
	state := a.Status(ctx)
	if err := writeJSON(stdout, state); err != nil {
		return 1
	}
	if !state.Installed || !state.Authenticated {
		return 1
	}
	return 0
}

func runExec(ctx context.Context, a *agent.Agent, command string, asJSON bool, stdout, stderr io.Writer) int {
	result := a.Execute(ctx, command)
	if asJSON {
		if err := writeJSON(stdout, result); err != nil {
			return 1
		}
		return resultExitCode(result)
	}

	fmt.Fprint(stdout, result.Output)
	if !result.Success {
		fmt.Fprintf(stderr, "error: %s\n", result.Error)
	}
	return resultExitCode(result)
}

// streamEvent is one line of `run --json` output.
type streamEvent struct {
	RequestID string         `json:"request_id"`
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	Result    *claude.Result `json:"result,omitempty"`
}

func runStream(ctx context.Context, a *agent.Agent, command string, asJSON bool, stdout, stderr io.Writer) int {
	requestID := uuid.New().String()

	var sinks claude.Sinks
	if asJSON {
		encoder := json.NewEncoder(stdout)
		sinks = claude.Sinks{
			OnData: func(text string) {
				encoder.Encode(streamEvent{RequestID: requestID, Type: "data", Text: text})
			},
			OnError: func(text string) {
				encoder.Encode(streamEvent{RequestID: requestID, Type: "error", Text: text})
			},
			OnComplete: func(result claude.Result) {
				encoder.Encode(streamEvent{RequestID: requestID, Type: "complete", Result: &result})
			},
		}
	} else {
		sinks = claude.Sinks{
			OnData:  func(text string) { fmt.Fprintln(stdout, text) },
			OnError: func(text string) { fmt.Fprint(stderr, withNewline(text)) },
			OnComplete: func(result claude.Result) {
				if !result.Success && result.Error != "" {
					fmt.Fprintf(stderr, "error: %s\n", result.Error)
				}
			},
		}
	}

	return resultExitCode(a.Run(ctx, command, sinks))
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// resultExitCode mirrors the tool's exit code where there is one.
func resultExitCode(result claude.Result) int {
	switch {
	case result.Success:
		return 0
	case result.ExitCode > 0:
		return result.ExitCode
	default:
		return 1
	}
}

// joinCommand turns the shell-split arguments back into one command line
// that tokenizes to the same arguments.
func joinCommand(args []string) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, quoteArg(arg))
	}
	return strings.Join(parts, " ")
}

func quoteArg(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\n\r\"'") {
		return arg
	}
	if !strings.Contains(arg, `"`) {
		return `"` + arg + `"`
	}
	if !strings.Contains(arg, "'") {
		return "'" + arg + "'"
	}
	// Both quote kinds: double quote everything but the double quotes
	var b strings.Builder
	for i, part := range strings.Split(arg, `"`) {
		if i > 0 {
			b.WriteString(`'"'`)
		}
		if part != "" {
			b.WriteString(`"` + part + `"`)
		}
	}
	return b.String()
}

func withNewline(text string) string {
	if strings.HasSuffix(text, "\n") {
		return text
	}
	return text + "\n"
}

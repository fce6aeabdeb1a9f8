package agent

import (
	"context"
	"errors"
	"log/slog"

	"github.com/getfinn/bridge/internal/claude"
	"github.com/getfinn/bridge/internal/logging"
	ws "github.com/getfinn/bridge/internal/websocket"
)

type executePayload struct {
	Command string `json:"command"`
}

type textPayload struct {
	Text string `json:"text"`
}

type killedPayload struct {
	Killed bool `json:"killed"`
}

// preflight checks the tool is installed before anything is spawned for a
// command. It reports false together with the failure result if not.
func (a *Agent) preflight(ctx context.Context) (claude.Result, bool) {
	state := a.resolver.CheckInstalled(ctx)
	if state.Installed {
		return claude.Result{}, true
	}
	a.logger.Warn("❌ Claude Code CLI not installed", slog.String("remediation", state.Remediation))
	return claude.Result{Success: false, Error: state.Error, ExitCode: -1}, false
}

// Execute runs command to completion and returns its result.
func (a *Agent) Execute(ctx context.Context, command string) claude.Result {
	if result, ok := a.preflight(ctx); !ok {
		return result
	}
	output, err := a.executor.Execute(ctx, command)
	a.logOutcome(command, err)
	return claude.NewResult(output, err)
}

// Run streams command into sinks. OnComplete is called exactly once, also
// when the preflight fails.
func (a *Agent) Run(ctx context.Context, command string, sinks claude.Sinks) claude.Result {
	if result, ok := a.preflight(ctx); !ok {
		if sinks.OnComplete != nil {
			sinks.OnComplete(result)
		}
		return result
	}
	result := a.executor.Stream(ctx, command, sinks)
	if !result.Success {
		a.logger.Debug("streamed command failed", slog.Int("exit_code", result.ExitCode))
	}
	return result
}

// handleExecute runs a command and replies with a single result message.
func (a *Agent) handleExecute(msg *ws.Message) {
	var payload executePayload
	if err := msg.Decode(&payload); err != nil {
		a.send(ws.MessageTypeResult, msg.RequestID, claude.NewResult("", err))
		return
	}

	requestID := msg.RequestID
	a.goAsync(func(ctx context.Context) {
		a.trackRequest(requestID)
		defer a.untrackRequest(requestID)

		result := a.Execute(ctx, payload.Command)
		a.send(ws.MessageTypeResult, requestID, result)
	})
}

// handleExecuteCommand streams a command's output as data and error
// messages followed by one complete message.
func (a *Agent) handleExecuteCommand(msg *ws.Message) {
	var payload executePayload
	if err := msg.Decode(&payload); err != nil {
		a.send(ws.MessageTypeComplete, msg.RequestID, claude.NewResult("", err))
		return
	}

	requestID := msg.RequestID
	a.logger.Info("📝 Received command", slog.String("request_id", requestID))

	a.goAsync(func(ctx context.Context) {
		a.trackRequest(requestID)
		defer a.untrackRequest(requestID)

		a.Run(ctx, payload.Command, claude.Sinks{
			OnData: func(text string) {
				a.send(ws.MessageTypeData, requestID, textPayload{Text: text})
			},
			OnError: func(text string) {
				a.send(ws.MessageTypeError, requestID, textPayload{Text: text})
			},
			OnComplete: func(result claude.Result) {
				a.send(ws.MessageTypeComplete, requestID, result)
			},
		})
	})
}

// handleKill terminates the running command and reports whether anything
// was killed.
func (a *Agent) handleKill(msg *ws.Message) {
	killed := a.executor.KillActiveProcess()
	if killed {
		a.logger.Info("🛑 Killed running command", slog.String("request_id", a.currentRequest()))
	}
	a.send(ws.MessageTypeKilled, msg.RequestID, killedPayload{Killed: killed})
}

func (a *Agent) logOutcome(command string, err error) {
	switch {
	case err == nil:
		a.logger.Debug("✅ command completed", slog.Int("length", len(command)))
	case errors.Is(err, claude.ErrBusy):
		a.logger.Info("command rejected, another one is running")
	case errors.Is(err, claude.ErrKilled):
		a.logger.Info("command killed")
	default:
		a.logger.Warn("❌ command failed", logging.Error(err))
	}
}

func (a *Agent) trackRequest(requestID string) {
	a.activeMu.Lock()
	if a.activeRequest == "" {
		a.activeRequest = requestID
	}
	a.activeMu.Unlock()
}

func (a *Agent) untrackRequest(requestID string) {
	a.activeMu.Lock()
	if a.activeRequest == requestID {
		a.activeRequest = ""
	}
	a.activeMu.Unlock()
}

func (a *Agent) currentRequest() string {
	a.activeMu.Lock()
	defer a.activeMu.Unlock()
	return a.activeRequest
}

package agent

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/getfinn/bridge/internal/logging"
	ws "github.com/getfinn/bridge/internal/websocket"
)

// handleMessage is the main message router for incoming WebSocket messages.
func (a *Agent) handleMessage(msg *ws.Message) {
	// Skip logging for high-frequency messages to reduce noise
	if msg.Type != ws.MessageTypePresence {
		a.logger.Debug("Handling message", slog.String("type", string(msg.Type)), slog.String("request_id", msg.RequestID))
	}

	if msg.RequestID == "" {
		msg.RequestID = uuid.New().String()
	}

	switch msg.Type {
	// Execution messages
	case ws.MessageTypeExecute:
		a.handleExecute(msg)
	case ws.MessageTypeExecuteCommand:
		a.handleExecuteCommand(msg)
	case ws.MessageTypeKill:
		a.handleKill(msg)

	// Auth messages
	case ws.MessageTypeAuthStatus:
		a.handleAuthStatus(msg)

	// System messages
	case ws.MessageTypeError:
		a.handleErrorMessage(msg)
	case ws.MessageTypePresence:
		a.handlePresenceUpdate(msg)

	default:
		a.logger.Warn("Unknown message type", slog.String("type", string(msg.Type)))
	}
}

// send encodes payload and delivers it. Failures are logged, not returned:
// there is nobody left to report them to.
func (a *Agent) send(msgType ws.MessageType, requestID string, payload any) {
	if a.sender == nil {
		return
	}
	msg, err := ws.NewMessage(msgType, requestID, payload)
	if err != nil {
		a.logger.Error("failed to build message", slog.String("type", string(msgType)), logging.Error(err))
		return
	}
	if err := a.sender.SendMessage(msg); err != nil {
		a.logger.Warn("failed to send message", slog.String("type", string(msgType)), logging.Error(err))
	}
}

// handleErrorMessage handles error messages from the relay server.
func (a *Agent) handleErrorMessage(msg *ws.Message) {
	var payload struct {
		Error   string `json:"error"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	if err := msg.Decode(&payload); err != nil {
		a.logger.Warn("⚠️ Received error from relay (unparseable payload)", slog.String("payload", string(msg.Payload)))
		return
	}

	errorMsg := payload.Error
	if errorMsg == "" {
		errorMsg = payload.Message
	}

	if payload.Code == "rate_limit" {
		a.logger.Warn("⚠️ Rate limited by relay server", slog.String("error", errorMsg))
	} else {
		a.logger.Warn("⚠️ Error from relay server", slog.String("error", errorMsg), slog.String("code", payload.Code))
	}
}

// handlePresenceUpdate tracks when mobile/web clients connect or disconnect.
// A client coming online is sent the current auth state.
func (a *Agent) handlePresenceUpdate(msg *ws.Message) {
	var payload struct {
		DeviceType string `json:"device_type"`
		Online     bool   `json:"online"`
	}

	if err := msg.Decode(&payload); err != nil {
		a.logger.Warn("⚠️ Failed to parse presence payload", logging.Error(err))
		return
	}

	a.presenceMu.Lock()
	changed := false
	switch payload.DeviceType {
	case "mobile":
		if a.mobileOnline != payload.Online {
			a.mobileOnline = payload.Online
			changed = true
			a.logger.Info("📱 Mobile client presence changed", slog.Bool("online", payload.Online))
		}
	case "web":
		if a.webOnline != payload.Online {
			a.webOnline = payload.Online
			changed = true
			a.logger.Info("🌐 Web client presence changed", slog.Bool("online", payload.Online))
		}
	}
	a.presenceMu.Unlock()

	if changed && payload.Online {
		a.goAsync(func(ctx context.Context) { a.pushAuthState(ctx) })
	}
}

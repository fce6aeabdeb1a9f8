package agent

import (
	"context"
	"log/slog"

	"github.com/getfinn/bridge/internal/claude"
	"github.com/getfinn/bridge/internal/watcher"
	ws "github.com/getfinn/bridge/internal/websocket"
)

// Status resolves the tool's installation and login state.
func (a *Agent) Status(ctx context.Context) claude.AuthState {
	return a.resolver.Resolve(ctx)
}

// handleAuthStatus replies with a freshly resolved auth state.
func (a *Agent) handleAuthStatus(msg *ws.Message) {
	requestID := msg.RequestID
	a.goAsync(func(ctx context.Context) {
		a.send(ws.MessageTypeAuthState, requestID, a.Status(ctx))
	})
}

// pushAuthState sends an unsolicited auth state, e.g. after the user
// logged in from a terminal.
func (a *Agent) pushAuthState(ctx context.Context) {
	state := a.Status(ctx)
	a.logger.Info("🔐 Auth state",
		slog.Bool("installed", state.Installed),
		slog.Bool("authenticated", state.Authenticated),
		slog.Bool("has_oauth_token", state.HasOAuthToken),
	)
	a.send(ws.MessageTypeAuthState, "", state)
}

// initCredentialWatcher pushes a new auth state whenever the token or
// credentials file changes.
func (a *Agent) initCredentialWatcher() {
	auth := a.cfg.AuthConfig()
	a.credWatcher = watcher.New(
		[]string{auth.TokenFile, auth.CredentialsFile},
		func() { a.goAsync(a.pushAuthState) },
		watcher.WithLogger(a.logger),
	)
	a.credWatcher.Start()
}

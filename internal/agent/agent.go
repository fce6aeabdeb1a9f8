package agent

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/getfinn/bridge/internal/claude"
	"github.com/getfinn/bridge/internal/config"
	"github.com/getfinn/bridge/internal/logging"
	"github.com/getfinn/bridge/internal/watcher"
	ws "github.com/getfinn/bridge/internal/websocket"
)

// Sender delivers messages to the UI. *websocket.Client implements it.
type Sender interface {
	SendMessage(msg *ws.Message) error
}

// Agent is the bridge daemon. It routes UI requests to the executor and
// forwards streamed output, results and auth state back over the relay.
type Agent struct {
	cfg      *config.Config
	logger   *slog.Logger
	resolver *claude.AuthResolver
	executor *claude.Executor

	sender      Sender
	wsClient    *ws.Client
	credWatcher *watcher.Watcher

	// Client presence tracking (for skipping pushes when no listeners)
	presenceMu   sync.Mutex
	mobileOnline bool
	webOnline    bool

	// Request currently owning the executor
	activeMu      sync.Mutex
	activeRequest string

	// Base context for request handling, cancelled on shutdown
	ctx        context.Context
	cancel     context.CancelFunc
	asyncMu    sync.Mutex
	closing    bool
	executions sync.WaitGroup
}

// New creates a new agent instance.
func New(cfg *config.Config, logger *slog.Logger) *Agent {
	logger = logging.OrDiscard(logger)

	resolver := claude.NewAuthResolver(cfg.AuthConfig(), logger)
	supervisor := claude.NewSupervisor(cfg.ToolBinary,
		claude.WithWorkDir(cfg.WorkDir),
		claude.WithKillGrace(cfg.KillGrace()),
		claude.WithSupervisorLogger(logger),
	)
	executor := claude.NewExecutor(supervisor,
		claude.WithTokenSource(resolver),
		claude.WithTokenEnvVar(cfg.TokenEnvVar),
		claude.WithVerboseStream(cfg.VerboseStream),
		claude.WithExecutorLogger(logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		cfg:      cfg,
		logger:   logger.With(logging.Component("agent")),
		resolver: resolver,
		executor: executor,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetSender routes outbound messages somewhere other than the relay.
func (a *Agent) SetSender(sender Sender) {
	a.sender = sender
}

// Start connects to the relay and serves requests until ctx is done or
// the process receives SIGINT/SIGTERM.
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("🚀 Finn bridge starting...", slog.String("tool", a.cfg.ToolBinary))

	a.asyncMu.Lock()
	a.cancel()
	a.ctx, a.cancel = context.WithCancel(ctx)
	ctx = a.ctx
	a.asyncMu.Unlock()

	if a.sender == nil {
		if a.cfg.GetToken(a.cfg.RelayURL) == "" {
			a.logger.Warn("🔐 No relay token configured", slog.String("relay", a.cfg.RelayURL))
		}

		a.wsClient = ws.NewClient(
			a.cfg.RelayURL,
			a.cfg.GetToken(a.cfg.RelayURL),
			a.cfg.InstanceID,
			a.handleMessage,
			a.logger,
		)
		// Every (re)connect starts with a fresh auth state for the UI
		a.wsClient.OnConnect(func() { a.goAsync(a.pushAuthState) })
		a.sender = a.wsClient

		go a.wsClient.ConnectWithRetry()
	}

	if a.cfg.WatchCredentials {
		a.initCredentialWatcher()
	}

	a.logger.Info("✅ Running - press Ctrl+C to stop")
	a.waitForShutdown(ctx)
	return nil
}

// waitForShutdown blocks until ctx is done or a shutdown signal arrives.
func (a *Agent) waitForShutdown(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		a.logger.Info("Received signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}

	a.handleQuit()
}

// handleQuit cleans up all resources.
func (a *Agent) handleQuit() {
	a.logger.Info("Shutting down...")

	if a.credWatcher != nil {
		a.credWatcher.Stop()
	}

	a.asyncMu.Lock()
	a.closing = true
	a.asyncMu.Unlock()

	// Cancelling kills any running command
	a.cancel()
	a.executions.Wait()

	if a.wsClient != nil {
		a.wsClient.Close()
	}

}

// goAsync runs fn off the read pump so a long command never blocks
// delivery of kill requests. Shutdown waits for it.
func (a *Agent) goAsync(fn func(ctx context.Context)) {
	a.asyncMu.Lock()
	defer a.asyncMu.Unlock()
	if a.closing {
		return
	}

	ctx := a.ctx
	a.executions.Add(1)
	go func() {
		defer a.executions.Done()
		fn(ctx)
	}()
}

// Executor returns the executor the agent drives.
func (a *Agent) Executor() *claude.Executor {
	return a.executor
}

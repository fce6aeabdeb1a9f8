package claude

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/getfinn/bridge/internal/logging"
)

const (
	// DefaultBinary is the external tool looked up on PATH.
	DefaultBinary = "claude"

	// DefaultInstallCommand is shown when the tool is missing.
	DefaultInstallCommand = "npm install -g @anthropic-ai/claude-code"

	// DefaultLoginInstruction is shown when the tool reports no session.
	DefaultLoginInstruction = "Run 'claude login' in a terminal to sign in"

	// DefaultTokenEnvVar carries the OAuth token into the child process.
	DefaultTokenEnvVar = "CLAUDE_CODE_OAUTH_TOKEN"

	// credentialsMarker identifies an OAuth session in the plain-text
	// credentials file.
	credentialsMarker = "oauth_token"

	defaultProbeTimeout = 30 * time.Second
	probeWaitDelay      = time.Second
)

// authFailureKeywords are matched case-insensitively against the live
// probe's stderr.
var authFailureKeywords = []string{
	"not authenticated",
	"authentication",
	"authenticate",
	"token",
}

// AuthState is a point-in-time view of the tool's installation and login
// status. It is computed on every call and never cached.
type AuthState struct {
	Installed      bool   `json:"installed"`
	Version        string `json:"version,omitempty"`
	Authenticated  bool   `json:"authenticated"`
	HasOAuthToken  bool   `json:"hasOAuthToken"`
	OAuthTokenPath string `json:"oauthTokenPath,omitempty"`
	Error          string `json:"error,omitempty"`
	Remediation    string `json:"remediation,omitempty"`

	// OAuthToken is the resolved token value, for injection into a child
	// environment only.
	OAuthToken string `json:"-"`

	// Failure is the typed cause behind Error.
	Failure error `json:"-"`
}

// OAuthToken is the result of the token file lookup.
type OAuthToken struct {
	Found bool
	// Value is empty when the session was detected through the
	// credentials file, which does not expose the token itself.
	Value string
	Path  string
}

// TokenSource resolves the OAuth token to inject into spawned processes.
type TokenSource interface {
	LookupOAuthToken() OAuthToken
}

// AuthConfig configures an AuthResolver.
type AuthConfig struct {
	Binary           string
	TokenFile        string
	CredentialsFile  string
	InstallCommand   string
	LoginInstruction string
	ProbeTimeout     time.Duration
}

// DefaultAuthConfig returns the configuration for the per-user files under
// home.
func DefaultAuthConfig(home string) AuthConfig {
	return AuthConfig{
		Binary:           DefaultBinary,
		TokenFile:        filepath.Join(home, ".claude", "oauth_token.json"),
		CredentialsFile:  filepath.Join(home, ".claude", ".credentials.json"),
		InstallCommand:   DefaultInstallCommand,
		LoginInstruction: DefaultLoginInstruction,
		ProbeTimeout:     defaultProbeTimeout,
	}
}

// AuthResolver determines whether the tool is installed and logged in.
// None of its methods return errors; every outcome is an AuthState.
type AuthResolver struct {
	cfg    AuthConfig
	logger *slog.Logger
}

// NewAuthResolver creates a resolver. Empty fields in cfg take defaults.
func NewAuthResolver(cfg AuthConfig, logger *slog.Logger) *AuthResolver {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.InstallCommand == "" {
		cfg.InstallCommand = DefaultInstallCommand
	}
	if cfg.LoginInstruction == "" {
		cfg.LoginInstruction = DefaultLoginInstruction
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	return &AuthResolver{
		cfg:    cfg,
		logger: logging.OrDiscard(logger).With(logging.Component("auth")),
	}
}

// Resolve runs the installation probe, then the token lookup, then, only
// if no token was found, the live authentication probe.
func (r *AuthResolver) Resolve(ctx context.Context) AuthState {
	state := r.CheckInstalled(ctx)
	if !state.Installed {
		return state
	}

	token := r.LookupOAuthToken()
	if token.Found {
		state.HasOAuthToken = true
		state.OAuthToken = token.Value
		state.OAuthTokenPath = token.Path
		state.Authenticated = true
		return state
	}

	if err := r.ProbeAuthentication(ctx); err != nil {
		state.Authenticated = false
		state.Failure = err
		state.Error = err.Error()
		var notAuth *NotAuthenticatedError
		if errors.As(err, &notAuth) {
			state.Remediation = notAuth.Remediation
		}
		return state
	}

	state.Authenticated = true
	return state
}

// CheckInstalled runs `<tool> --version`.
func (r *AuthResolver) CheckInstalled(ctx context.Context) AuthState {
	stdout, _, err := r.runProbe(ctx, "--version")
	if err != nil {
		r.logger.Debug("installation probe failed", logging.Error(err))
		return AuthState{
			Installed:   false,
			Error:       "Claude Code CLI not installed. Please run: " + r.cfg.InstallCommand,
			Remediation: r.cfg.InstallCommand,
			Failure:     err,
		}
	}

	version := strings.TrimSpace(stdout)
	if i := strings.IndexByte(version, '\n'); i >= 0 {
		version = strings.TrimSpace(version[:i])
	}
	return AuthState{Installed: true, Version: version}
}

type oauthTokenFile struct {
	AccessToken string `json:"access_token"`
}

// LookupOAuthToken reads the token file, falling back to the credentials
// file. Read and parse failures are reported as "not found".
func (r *AuthResolver) LookupOAuthToken() OAuthToken {
	if r.cfg.TokenFile != "" {
		if data, err := os.ReadFile(r.cfg.TokenFile); err == nil {
			var file oauthTokenFile
			if err := json.Unmarshal(data, &file); err == nil && file.AccessToken != "" {
				return OAuthToken{Found: true, Value: file.AccessToken, Path: r.cfg.TokenFile}
			}
			r.logger.Debug("token file present but unusable", slog.String("path", r.cfg.TokenFile))
		}
	}

	if r.cfg.CredentialsFile != "" {
		if data, err := os.ReadFile(r.cfg.CredentialsFile); err == nil {
			if bytes.Contains(data, []byte(credentialsMarker)) {
				return OAuthToken{Found: true, Path: r.cfg.CredentialsFile}
			}
		}
	}

	return OAuthToken{}
}

// ProbeAuthentication sends a minimal request to the tool. It returns nil
// when the tool answered, a *NotAuthenticatedError when stderr looks like
// a login problem, and a *ProcessExitError or *SpawnError otherwise.
func (r *AuthResolver) ProbeAuthentication(ctx context.Context) error {
	_, _, err := r.runProbe(ctx, "-p", "test", "--output-format", "json")
	if err == nil {
		return nil
	}

	var exitErr *ProcessExitError
	if errors.As(err, &exitErr) {
		return ClassifyAuthFailure(exitErr.Stderr, exitErr.ExitCode, r.cfg.LoginInstruction)
	}
	return err
}

// ClassifyAuthFailure decides whether a failed probe means the user is
// logged out. The keyword match is a heuristic over the tool's human
// readable stderr and may drift between tool versions.
func ClassifyAuthFailure(stderr string, exitCode int, loginInstruction string) error {
	lower := strings.ToLower(stderr)
	for _, keyword := range authFailureKeywords {
		if strings.Contains(lower, keyword) {
			return &NotAuthenticatedError{Stderr: stderr, Remediation: loginInstruction}
		}
	}
	return &ProcessExitError{ExitCode: exitCode, Stderr: stderr}
}

// runProbe runs the tool to completion and captures its output. The child
// is discarded afterwards.
func (r *AuthResolver) runProbe(ctx context.Context, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.cfg.Binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = probeWaitDelay

	if err := cmd.Start(); err != nil {
		return "", "", &SpawnError{Binary: r.cfg.Binary, Err: err}
	}
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), &ProcessExitError{
				ExitCode: exitErr.ExitCode(),
				Stderr:   stderr.String(),
			}
		}
		return stdout.String(), stderr.String(), &ProcessExitError{ExitCode: -1, Stderr: err.Error()}
	}
	return stdout.String(), stderr.String(), nil
}

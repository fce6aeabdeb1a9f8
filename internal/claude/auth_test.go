package claude

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// probeTool answers --version and records every live probe in a marker file.
func probeTool(t *testing.T, probe string) (binary, marker string) {
	t.Helper()
	marker = filepath.Join(t.TempDir(), "probed")
	binary = fakeTool(t, fmt.Sprintf(`case "$1" in
--version)
  echo "1.0.42 (Claude Code)"
  echo "extra line"
  exit 0
  ;;
esac
echo probed >> %q
%s`, marker, probe))
	return binary, marker
}

func testAuthConfig(binary string) AuthConfig {
	return AuthConfig{
		Binary:          binary,
		TokenFile:       filepath.Join(os.TempDir(), "finn-bridge-missing", "oauth_token.json"),
		CredentialsFile: filepath.Join(os.TempDir(), "finn-bridge-missing", ".credentials.json"),
		ProbeTimeout:    5 * time.Second,
	}
}

func TestResolveNotInstalled(t *testing.T) {
	cfg := testAuthConfig(filepath.Join(t.TempDir(), "missing-claude"))
	cfg.TokenFile = writeFile(t, "oauth_token.json", `{"access_token":"abc"}`)

	state := NewAuthResolver(cfg, nil).Resolve(context.Background())

	assert.False(t, state.Installed)
	assert.False(t, state.Authenticated)
	assert.False(t, state.HasOAuthToken)
	assert.Empty(t, state.OAuthToken)
	assert.Equal(t, DefaultInstallCommand, state.Remediation)
	assert.Contains(t, state.Error, DefaultInstallCommand)
	assert.True(t, IsSpawnError(state.Failure))
}

func TestResolveWithTokenFileSkipsLiveProbe(t *testing.T) {
	binary, marker := probeTool(t, "exit 1")
	cfg := testAuthConfig(binary)
	cfg.TokenFile = writeFile(t, "oauth_token.json", `{"access_token":"abc","expires_at":123}`)

	state := NewAuthResolver(cfg, nil).Resolve(context.Background())

	assert.True(t, state.Installed)
	assert.Equal(t, "1.0.42 (Claude Code)", state.Version)
	assert.True(t, state.Authenticated)
	assert.True(t, state.HasOAuthToken)
	assert.Equal(t, "abc", state.OAuthToken)
	assert.Equal(t, cfg.TokenFile, state.OAuthTokenPath)
	assert.NoFileExists(t, marker)
}

func TestResolveLiveProbe(t *testing.T) {
	tests := []struct {
		name          string
		probe         string
		authenticated bool
		check         func(t *testing.T, state AuthState)
	}{
		{
			name:          "probe succeeds",
			probe:         `echo '{"result":"ok"}'; exit 0`,
			authenticated: true,
			check: func(t *testing.T, state AuthState) {
				assert.Empty(t, state.Error)
				assert.NoError(t, state.Failure)
			},
		},
		{
			name:  "login required",
			probe: `echo "Please authenticate" >&2; exit 1`,
			check: func(t *testing.T, state AuthState) {
				var notAuth *NotAuthenticatedError
				require.ErrorAs(t, state.Failure, &notAuth)
				assert.Equal(t, DefaultLoginInstruction, state.Remediation)
				assert.Contains(t, notAuth.Stderr, "Please authenticate")
			},
		},
		{
			name:  "other failure",
			probe: `echo "rate limited" >&2; exit 2`,
			check: func(t *testing.T, state AuthState) {
				var exitErr *ProcessExitError
				require.ErrorAs(t, state.Failure, &exitErr)
				assert.False(t, IsNotAuthenticated(state.Failure))
				assert.Equal(t, 2, exitErr.ExitCode)
				assert.Equal(t, "rate limited", state.Error)
				assert.Empty(t, state.Remediation)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			binary, marker := probeTool(t, tt.probe)
			cfg := testAuthConfig(binary)
			cfg.TokenFile = writeFile(t, "oauth_token.json", `{not json`)

			state := NewAuthResolver(cfg, nil).Resolve(context.Background())

			assert.True(t, state.Installed)
			assert.False(t, state.HasOAuthToken)
			assert.Equal(t, tt.authenticated, state.Authenticated)
			assert.FileExists(t, marker)
			tt.check(t, state)
		})
	}
}

func TestProbeAuthenticationTimeout(t *testing.T) {
	binary := fakeTool(t, `exec sleep 10`)
	cfg := testAuthConfig(binary)
	cfg.ProbeTimeout = 200 * time.Millisecond

	start := time.Now()
	err := NewAuthResolver(cfg, nil).ProbeAuthentication(context.Background())

	require.Error(t, err)
	assert.False(t, IsNotAuthenticated(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLookupOAuthToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		token       string
		credentials string
		want        func(tokenPath, credentialsPath string) OAuthToken
	}{
		{
			name:  "token file",
			token: `{"access_token":"abc"}`,
			want: func(tokenPath, _ string) OAuthToken {
				return OAuthToken{Found: true, Value: "abc", Path: tokenPath}
			},
		},
		{
			name:        "malformed token file falls back to credentials",
			token:       `{"access_token":`,
			credentials: `{"claudeAiOauth":{"oauth_token":"secret"}}`,
			want: func(_, credentialsPath string) OAuthToken {
				return OAuthToken{Found: true, Path: credentialsPath}
			},
		},
		{
			name:        "empty access token falls back to credentials",
			token:       `{"access_token":""}`,
			credentials: `oauth_token`,
			want: func(_, credentialsPath string) OAuthToken {
				return OAuthToken{Found: true, Path: credentialsPath}
			},
		},
		{
			name:        "credentials without marker",
			credentials: `{"apiKey":"sk-test"}`,
			want: func(_, _ string) OAuthToken {
				return OAuthToken{}
			},
		},
		{
			name: "nothing on disk",
			want: func(_, _ string) OAuthToken {
				return OAuthToken{}
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			cfg := AuthConfig{
				TokenFile:       filepath.Join(dir, "oauth_token.json"),
				CredentialsFile: filepath.Join(dir, ".credentials.json"),
			}
			if tt.token != "" {
				require.NoError(t, os.WriteFile(cfg.TokenFile, []byte(tt.token), 0o600))
			}
			if tt.credentials != "" {
				require.NoError(t, os.WriteFile(cfg.CredentialsFile, []byte(tt.credentials), 0o600))
			}

			got := NewAuthResolver(cfg, nil).LookupOAuthToken()

			assert.Equal(t, tt.want(cfg.TokenFile, cfg.CredentialsFile), got)
		})
	}
}

func TestClassifyAuthFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		stderr  string
		notAuth bool
	}{
		{stderr: "Please authenticate", notAuth: true},
		{stderr: "Error: NOT AUTHENTICATED", notAuth: true},
		{stderr: "Authentication failed", notAuth: true},
		{stderr: "invalid token", notAuth: true},
		{stderr: "rate limited", notAuth: false},
		{stderr: "", notAuth: false},
	}

	for _, tt := range tests {
		t.Run(tt.stderr, func(t *testing.T) {
			err := ClassifyAuthFailure(tt.stderr, 1, "log in")
			require.Error(t, err)
			assert.Equal(t, tt.notAuth, IsNotAuthenticated(err))
			if tt.notAuth {
				assert.Equal(t, "not authenticated: log in", err.Error())
				return
			}
			assert.Equal(t, 1, ExitCode(err))
		})
	}
}

func TestDefaultAuthConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultAuthConfig("/home/dev")

	assert.Equal(t, DefaultBinary, cfg.Binary)
	assert.Equal(t, filepath.Join("/home/dev", ".claude", "oauth_token.json"), cfg.TokenFile)
	assert.Equal(t, filepath.Join("/home/dev", ".claude", ".credentials.json"), cfg.CredentialsFile)
}

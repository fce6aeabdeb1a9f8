package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/getfinn/bridge/internal/claude"
)

const (
	defaultRelayURL     = "wss://api.tryfinn.ai/ws"
	devRelayURL         = "ws://localhost:8080/ws"
	defaultLogLevel     = "info"
	defaultProbeTimeout = 30
	defaultKillGrace    = 5
)

// Config holds the bridge's configuration
type Config struct {
	InstanceID       string            `json:"instance_id"`
	ToolBinary       string            `json:"tool_binary"`
	WorkDir          string            `json:"work_dir,omitempty"`
	TokenEnvVar      string            `json:"token_env_var"`
	TokenFile        string            `json:"token_file,omitempty"`        // Empty: ~/.claude/oauth_token.json
	CredentialsFile  string            `json:"credentials_file,omitempty"`  // Empty: ~/.claude/.credentials.json
	InstallCommand   string            `json:"install_command,omitempty"`   // Shown when the tool is missing
	LoginInstruction string            `json:"login_instruction,omitempty"` // Shown when the tool is logged out
	VerboseStream    bool              `json:"verbose_stream"`
	ProbeTimeoutSecs int               `json:"probe_timeout_seconds"`
	KillGraceSecs    int               `json:"kill_grace_seconds"`
	WatchCredentials bool              `json:"watch_credentials"`
	LogLevel         string            `json:"log_level"`
	RelayTokens      map[string]string `json:"relay_tokens,omitempty"` // Keyed by relay URL
	RelayURL         string            `json:"-"`                      // Not saved: determined at runtime from --dev flag or env vars

	path string
}

// Path returns the default config file location
func Path() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".finn", "bridge.json")
}

// Load loads the configuration from the default location
func Load(dev bool) (*Config, error) {
	return LoadFrom(Path(), dev)
}

// LoadFrom loads the configuration from path, creating it with defaults if
// it doesn't exist. A .env file next to the config or in the working
// directory is applied before environment overrides; variables already set
// in the environment win over it.
func LoadFrom(path string, dev bool) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	var cfg *Config
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg, err = createDefaultConfig(path)
		if err != nil {
			return nil, err
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		cfg = defaults()
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		cfg.path = path

		if cfg.migrateInstanceID() {
			if err := cfg.Save(); err != nil {
				// Migration is best-effort
				slog.Warn("failed to save migrated config", slog.String("path", path), slog.Any("error", err))
			}
		}
	}

	cfg.applyEnvironmentOverrides(dev)
	return cfg, nil
}

func loadDotEnv(candidates ...string) {
	for _, file := range candidates {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			slog.Warn("failed to load env file", slog.String("path", file), slog.Any("error", err))
		}
	}
}

func defaults() *Config {
	return &Config{
		ToolBinary:       claude.DefaultBinary,
		TokenEnvVar:      claude.DefaultTokenEnvVar,
		VerboseStream:    true,
		ProbeTimeoutSecs: defaultProbeTimeout,
		KillGraceSecs:    defaultKillGrace,
		WatchCredentials: true,
		LogLevel:         defaultLogLevel,
	}
}

// createDefaultConfig creates and saves a default configuration
func createDefaultConfig(path string) (*Config, error) {
	cfg := defaults()
	cfg.InstanceID = uuid.New().String()
	cfg.path = path

	if err := cfg.Save(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// migrateInstanceID replaces a missing or non-UUID instance ID.
// Returns true if migration occurred
func (c *Config) migrateInstanceID() bool {
	if _, err := uuid.Parse(c.InstanceID); err == nil {
		return false
	}
	old := c.InstanceID
	c.InstanceID = uuid.New().String()
	slog.Info("🔄 Migrated instance ID", slog.String("from", old), slog.String("to", c.InstanceID))
	return true
}

// applyEnvironmentOverrides applies environment variable overrides.
// The relay URL is never saved, so it always comes from here.
func (c *Config) applyEnvironmentOverrides(dev bool) {
	if binary := firstEnv("FINN_TOOL_BINARY", "CLAUDE_BINARY"); binary != "" {
		c.ToolBinary = binary
	}
	if dir := os.Getenv("FINN_WORK_DIR"); dir != "" {
		c.WorkDir = dir
	}
	if name := os.Getenv("FINN_TOKEN_ENV_VAR"); name != "" {
		c.TokenEnvVar = name
	}
	if level := os.Getenv("FINN_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}

	c.RelayURL = getDefaultRelayURL(dev)

	if token := os.Getenv("FINN_RELAY_TOKEN"); token != "" {
		c.SetToken(c.RelayURL, token)
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if value := os.Getenv(name); value != "" {
			return value
		}
	}
	return ""
}

// getDefaultRelayURL returns the relay URL with fallback logic
func getDefaultRelayURL(dev bool) string {
	// 1. Dev flag
	if dev {
		return devRelayURL
	}

	// 2. Full URL override
	if url := os.Getenv("FINN_RELAY_URL"); url != "" {
		return url
	}

	// 3. Host-only override
	if host := os.Getenv("RELAY_HOST"); host != "" {
		return fmt.Sprintf("ws://%s/ws", host)
	}

	return defaultRelayURL
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	path := c.path
	if path == "" {
		path = Path()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return os.WriteFile(path, data, 0o600) // owner read/write only
}

// FilePath returns where the configuration is saved
func (c *Config) FilePath() string {
	return c.path
}

// GetToken retrieves the relay token for the given relay URL
func (c *Config) GetToken(relayURL string) string {
	if c.RelayTokens == nil {
		return ""
	}
	return c.RelayTokens[relayURL]
}

// SetToken stores the relay token for the given relay URL
func (c *Config) SetToken(relayURL, token string) {
	if c.RelayTokens == nil {
		c.RelayTokens = make(map[string]string)
	}
	c.RelayTokens[relayURL] = token
}

// ProbeTimeout is the limit for each installation or login probe
func (c *Config) ProbeTimeout() time.Duration {
	if c.ProbeTimeoutSecs <= 0 {
		return defaultProbeTimeout * time.Second
	}
	return time.Duration(c.ProbeTimeoutSecs) * time.Second
}

// KillGrace is how long a terminated process may take before SIGKILL
func (c *Config) KillGrace() time.Duration {
	if c.KillGraceSecs <= 0 {
		return defaultKillGrace * time.Second
	}
	return time.Duration(c.KillGraceSecs) * time.Second
}

// AuthConfig returns the resolver settings, filling file locations from
// the user's home directory.
func (c *Config) AuthConfig() claude.AuthConfig {
	home, _ := os.UserHomeDir()
	auth := claude.DefaultAuthConfig(home)

	auth.Binary = c.ToolBinary
	auth.ProbeTimeout = c.ProbeTimeout()
	if c.TokenFile != "" {
		auth.TokenFile = c.TokenFile
	}
	if c.CredentialsFile != "" {
		auth.CredentialsFile = c.CredentialsFile
	}
	if c.InstallCommand != "" {
		auth.InstallCommand = c.InstallCommand
	}
	if c.LoginInstruction != "" {
		auth.LoginInstruction = c.LoginInstruction
	}
	return auth
}

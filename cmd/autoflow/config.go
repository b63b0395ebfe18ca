package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/autoflow/internal/dispatcher"
	"github.com/rendis/autoflow/internal/secrets"
)

// Config holds all autoflow configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	ListenAddr       string  `json:"listen_addr"`
	DBPath           string  `json:"db_path"`
	LogLevel         string  `json:"log_level"`
	LogFormat        string  `json:"log_format"` // text | json
	PoolSize         int     `json:"pool_size"`
	QueueSize        int     `json:"queue_size"`
	TickInterval     string  `json:"tick_interval"`
	CompletionURL    string  `json:"completion_url"`
	CompletionAPIKey string  `json:"completion_api_key"`
	AIRateLimit      float64 `json:"ai_rate_limit"` // completions per second per model, 0 = unlimited
	AIBurst          int     `json:"ai_burst"`
	Panel            bool    `json:"panel"`
	MCP              bool    `json:"mcp"`
	// Vault key sources, first match wins: SecretsKey (hex, 32 bytes), the
	// OS keychain when SecretsKeyring is set, then SecretsPassphrase with a
	// salt kept in the config dir.
	SecretsKey        string `json:"secrets_key"`
	SecretsKeyring    bool   `json:"secrets_keyring"`
	SecretsPassphrase string `json:"secrets_passphrase"`
	// TraceFile receives run and step spans as JSON, "-" for stderr.
	TraceFile string `json:"trace_file"`
}

func defaultConfig(dir string) Config {
	return Config{
		ListenAddr:   ":4200",
		DBPath:       filepath.Join(dir, "autoflow.db"),
		LogLevel:     "info",
		LogFormat:    "text",
		PoolSize:     4,
		QueueSize:    256,
		TickInterval: dispatcher.DefaultTickInterval.String(),
		AIBurst:      1,
		Panel:        true,
	}
}

func autoflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autoflow"
	}
	return filepath.Join(home, ".autoflow")
}

func settingsPath(dir string) string {
	return filepath.Join(dir, "settings.json")
}

// loadConfig layers settings.json and the environment over the defaults.
// A missing settings file is fine; a malformed one is not.
func loadConfig(dir string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig(dir)

	data, err := os.ReadFile(settingsPath(dir))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(dir), err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", settingsPath(dir), err)
	}

	if v := getenv("AUTOFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("AUTOFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("AUTOFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("AUTOFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("AUTOFLOW_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("AUTOFLOW_POOL_SIZE: %w", err)
		}
		cfg.PoolSize = n
	}
	if v := getenv("AUTOFLOW_TICK_INTERVAL"); v != "" {
		cfg.TickInterval = v
	}
	if v := getenv("AUTOFLOW_COMPLETION_URL"); v != "" {
		cfg.CompletionURL = v
	}
	if v := getenv("AUTOFLOW_COMPLETION_API_KEY"); v != "" {
		cfg.CompletionAPIKey = v
	}
	if v := getenv("AUTOFLOW_AI_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("AUTOFLOW_AI_RATE_LIMIT: %w", err)
		}
		cfg.AIRateLimit = f
	}
	if v := getenv("AUTOFLOW_PANEL"); v != "" {
		cfg.Panel = v == "true" || v == "1"
	}
	if v := getenv("AUTOFLOW_MCP"); v != "" {
		cfg.MCP = v == "true" || v == "1"
	}
	if v := getenv("AUTOFLOW_SECRETS_KEY"); v != "" {
		cfg.SecretsKey = v
	}
	if v := getenv("AUTOFLOW_SECRETS_KEYRING"); v != "" {
		cfg.SecretsKeyring = v == "true" || v == "1"
	}
	if v := getenv("AUTOFLOW_SECRETS_PASSPHRASE"); v != "" {
		cfg.SecretsPassphrase = v
	}
	if v := getenv("AUTOFLOW_TRACE_FILE"); v != "" {
		cfg.TraceFile = v
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue_size must not be negative, got %d", c.QueueSize)
	}
	if c.AIRateLimit < 0 {
		return fmt.Errorf("ai_rate_limit must not be negative, got %g", c.AIRateLimit)
	}
	if _, err := c.tickInterval(); err != nil {
		return err
	}
	if c.SecretsKey != "" {
		if _, err := c.secretsKey(); err != nil {
			return err
		}
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

func (c Config) tickInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.TickInterval)
	if err != nil {
		return 0, fmt.Errorf("tick_interval: %w", err)
	}
	if d < time.Second {
		return 0, fmt.Errorf("tick_interval must be at least 1s, got %s", d)
	}
	return d, nil
}

func (c Config) secretsKey() ([]byte, error) {
	key, err := hex.DecodeString(c.SecretsKey)
	if err != nil {
		return nil, fmt.Errorf("secrets_key must be hex: %w", err)
	}
	if len(key) != secrets.KeySize {
		return nil, fmt.Errorf("secrets_key must decode to %d bytes, got %d", secrets.KeySize, len(key))
	}
	return key, nil
}

func (c Config) secretsConfigured() bool {
	return c.SecretsKey != "" || c.SecretsKeyring || c.SecretsPassphrase != ""
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	PanelChanged    bool
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.Panel != new.Panel {
		d.PanelChanged = true
	}
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize || old.QueueSize != new.QueueSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.TickInterval != new.TickInterval {
		d.RestartNeeded = append(d.RestartNeeded, "tick_interval")
	}
	if old.CompletionURL != new.CompletionURL || old.AIRateLimit != new.AIRateLimit {
		d.RestartNeeded = append(d.RestartNeeded, "completion")
	}
	if old.MCP != new.MCP {
		d.RestartNeeded = append(d.RestartNeeded, "mcp")
	}
	if old.SecretsKey != new.SecretsKey || old.SecretsKeyring != new.SecretsKeyring || old.SecretsPassphrase != new.SecretsPassphrase {
		d.RestartNeeded = append(d.RestartNeeded, "secrets")
	}
	if old.TraceFile != new.TraceFile {
		d.RestartNeeded = append(d.RestartNeeded, "trace_file")
	}
	return d
}

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadConfig(dir, envOf(nil))
	require.NoError(t, err)

	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, filepath.Join(dir, "autoflow.db"), cfg.DBPath)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.True(t, cfg.Panel)
	assert.False(t, cfg.MCP)
	tick, err := cfg.tickInterval()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, tick)
}

func TestLoadConfig_Layering(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(settingsPath(dir),
		[]byte(`{"listen_addr":":9000","log_level":"debug","pool_size":8,"panel":false}`), 0o600))

	cfg, err := loadConfig(dir, envOf(map[string]string{
		"AUTOFLOW_POOL_SIZE":      "16",
		"AUTOFLOW_TICK_INTERVAL":  "15s",
		"AUTOFLOW_AI_RATE_LIMIT":  "2.5",
		"AUTOFLOW_COMPLETION_URL": "http://gateway:8080/complete",
		"AUTOFLOW_MCP":            "1",
		"AUTOFLOW_TRACE_FILE":     "-",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr, "from settings.json")
	assert.Equal(t, "debug", cfg.LogLevel, "from settings.json")
	assert.False(t, cfg.Panel, "from settings.json")
	assert.Equal(t, 16, cfg.PoolSize, "env beats settings.json")
	assert.Equal(t, "15s", cfg.TickInterval)
	assert.Equal(t, 2.5, cfg.AIRateLimit)
	assert.Equal(t, "http://gateway:8080/complete", cfg.CompletionURL)
	assert.True(t, cfg.MCP)
	assert.Equal(t, "-", cfg.TraceFile)
}

func TestLoadConfig_Errors(t *testing.T) {
	cases := map[string]struct {
		settings string
		env      map[string]string
	}{
		"malformed settings":     {settings: `{"pool_size":`},
		"pool size not a number": {env: map[string]string{"AUTOFLOW_POOL_SIZE": "many"}},
		"zero pool size":         {env: map[string]string{"AUTOFLOW_POOL_SIZE": "0"}},
		"bad tick interval":      {env: map[string]string{"AUTOFLOW_TICK_INTERVAL": "soon"}},
		"tick under a second":    {env: map[string]string{"AUTOFLOW_TICK_INTERVAL": "10ms"}},
		"negative rate":          {env: map[string]string{"AUTOFLOW_AI_RATE_LIMIT": "-1"}},
		"unknown log format":     {env: map[string]string{"AUTOFLOW_LOG_FORMAT": "xml"}},
		"secrets key not hex":    {env: map[string]string{"AUTOFLOW_SECRETS_KEY": "zz"}},
		"short secrets key":      {env: map[string]string{"AUTOFLOW_SECRETS_KEY": "abcd"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			if tc.settings != "" {
				require.NoError(t, os.WriteFile(settingsPath(dir), []byte(tc.settings), 0o600))
			}
			_, err := loadConfig(dir, envOf(tc.env))
			assert.Error(t, err)
		})
	}
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig("/data")

	assert.Equal(t, configDiff{}, diffConfigs(old, old))

	next := old
	next.LogLevel = "debug"
	next.Panel = false
	next.PoolSize = 12
	next.TickInterval = "30s"
	next.TraceFile = "/data/spans.jsonl"
	d := diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.True(t, d.PanelChanged)
	assert.Equal(t, []string{"pool_size", "tick_interval", "trace_file"}, d.RestartNeeded)
}

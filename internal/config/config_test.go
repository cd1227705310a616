package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyOverrides(t *testing.T) {
	cfg := &Config{
		Provider:  "anthropic",
		Anthropic: ProviderConfig{Model: "claude-sonnet-4-5"},
		OpenAI:    ProviderConfig{Model: "gpt-4.1"},
		Gemini:    ProviderConfig{Model: "gemini-2.5-flash"},
	}

	cfg.ApplyOverrides("openai", "gpt-4o")
	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, "gpt-4o", cfg.OpenAI.Model)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Anthropic.Model, "other providers untouched")

	cfg.ApplyOverrides("", "gpt-4o-mini")
	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.OpenAI.Model)

	cfg.ApplyOverrides("unknown", "m")
	assert.Equal(t, "unknown", cfg.Provider)
}

func TestLoadFrom_Defaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	cfg, err := LoadFrom(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, 10*time.Second, cfg.Tools.Timeout)
	assert.Equal(t, 2*time.Second, cfg.MCP.StartupGrace)
	assert.Equal(t, 5*time.Second, cfg.MCP.PollInterval)
	assert.Equal(t, 20, cfg.Chat.MaxTurns)
	assert.Equal(t, "from-env", cfg.Anthropic.APIKey)
}

func TestLoadFrom_File(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MY_OPENAI_KEY", "sk-test")
	yaml := `provider: openai
tools:
  timeout: 3s
mcp:
  startup_grace: 250ms
openai:
  model: gpt-4o
  api_key: ${MY_OPENAI_KEY}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0600))

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, 3*time.Second, cfg.Tools.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.MCP.StartupGrace)
	assert.Equal(t, "gpt-4o", cfg.OpenAI.Model)
	assert.Equal(t, "sk-test", cfg.OpenAI.APIKey)
}

func TestLoadFrom_Malformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("provider: [oops"), 0600))

	_, err := LoadFrom(dir)
	assert.ErrorContains(t, err, "failed to read config")
}

func TestGetDataDir(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")
	cfg := &Config{}
	dir, err := cfg.GetDataDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/xdg-data", "toolrelay"), dir)

	cfg.DataDir = "/srv/relay"
	dir, err = cfg.GetDataDir()
	require.NoError(t, err)
	assert.Equal(t, "/srv/relay", dir)
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir, err := GetConfigDir()
	require.NoError(t, err)

	defaults, err := LoadFrom(dir)
	require.NoError(t, err)
	defaults.Provider = "gemini"
	require.NoError(t, Save(defaults))
	assert.True(t, Exists())

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.Provider)
	assert.Equal(t, defaults.Tools.Timeout, cfg.Tools.Timeout)
}

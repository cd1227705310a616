package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const appName = "toolrelay"

type Config struct {
	Provider  string         `mapstructure:"provider"`
	LogLevel  string         `mapstructure:"log_level"`
	DataDir   string         `mapstructure:"data_dir"`
	Chat      ChatConfig     `mapstructure:"chat"`
	Tools     ToolsConfig    `mapstructure:"tools"`
	MCP       MCPConfig      `mapstructure:"mcp"`
	Anthropic ProviderConfig `mapstructure:"anthropic"`
	OpenAI    ProviderConfig `mapstructure:"openai"`
	Gemini    ProviderConfig `mapstructure:"gemini"`
}

type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"` // Optional API endpoint override
}

type ChatConfig struct {
	Instructions    string `mapstructure:"instructions"` // System prompt for chat
	MaxTurns        int    `mapstructure:"max_turns"`
	MaxOutputTokens int    `mapstructure:"max_output_tokens"`
	ParallelTools   bool   `mapstructure:"parallel_tools"`
}

type ToolsConfig struct {
	Timeout time.Duration `mapstructure:"timeout"` // Per-call dispatch deadline
	Weather bool          `mapstructure:"weather"` // Expose get_current_weather
}

// MCPConfig tunes server startup and monitoring. The servers themselves are
// declared in mcp.json next to this file.
type MCPConfig struct {
	ConfigPath    string        `mapstructure:"config_path"` // Override mcp.json location
	StartupGrace  time.Duration `mapstructure:"startup_grace"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ReloadDelay   time.Duration `mapstructure:"reload_delay"`
	WatchDebounce time.Duration `mapstructure:"watch_debounce"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "anthropic")
	v.SetDefault("log_level", "info")
	v.SetDefault("chat.max_turns", 20)
	v.SetDefault("chat.parallel_tools", true)
	v.SetDefault("tools.timeout", 10*time.Second)
	v.SetDefault("tools.weather", true)
	v.SetDefault("mcp.startup_grace", 2*time.Second)
	v.SetDefault("mcp.poll_interval", 5*time.Second)
	v.SetDefault("mcp.reload_delay", time.Second)
	v.SetDefault("mcp.watch_debounce", 500*time.Millisecond)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("openai.model", "gpt-4.1")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
}

// Load reads config.yaml from the config directory. A missing file is not
// an error; defaults apply.
func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}
	return LoadFrom(configPath)
}

// LoadFrom reads config.yaml from dir.
func LoadFrom(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("TOOLRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	resolveCredentials(&cfg.Anthropic, "ANTHROPIC_API_KEY")
	resolveCredentials(&cfg.OpenAI, "OPENAI_API_KEY")
	resolveCredentials(&cfg.Gemini, "GEMINI_API_KEY")
	cfg.DataDir = expandEnv(cfg.DataDir)
	cfg.MCP.ConfigPath = expandEnv(cfg.MCP.ConfigPath)

	return &cfg, nil
}

// ApplyOverrides applies provider and model overrides to the config.
// If model is non-empty, it overrides the model for the active provider.
func (c *Config) ApplyOverrides(provider, model string) {
	if provider != "" {
		c.Provider = provider
	}
	if model == "" {
		return
	}
	if pc := c.ProviderSettings(c.Provider); pc != nil {
		pc.Model = model
	}
}

// ProviderSettings returns the settings block for name, or nil.
func (c *Config) ProviderSettings(name string) *ProviderConfig {
	switch name {
	case "anthropic":
		return &c.Anthropic
	case "openai":
		return &c.OpenAI
	case "gemini":
		return &c.Gemini
	default:
		return nil
	}
}

// resolveCredentials expands ${VAR} references in the configured key and
// falls back to envVar.
func resolveCredentials(cfg *ProviderConfig, envVar string) {
	cfg.APIKey = expandEnv(cfg.APIKey)
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(envVar)
	}
	cfg.BaseURL = expandEnv(cfg.BaseURL)
}

// expandEnv expands ${VAR} or $VAR in a string
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// GetConfigDir returns the XDG config directory for toolrelay.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, appName), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", appName), nil
}

// GetConfigPath returns the path where the config file should be located
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// GetDataDir returns the directory holding the conversation database.
// Uses data_dir when set, then $XDG_DATA_HOME, otherwise ~/.local/share
func (c *Config) GetDataDir() (string, error) {
	if c.DataDir != "" {
		return c.DataDir, nil
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, appName), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".local", "share", appName), nil
}

// Exists returns true if a config file exists
func Exists() bool {
	path, err := GetConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Save writes a commented starter config to disk.
func Save(cfg *Config) error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`provider: %s
log_level: %s

chat:
  max_turns: %d
  # instructions: |
  #   Be concise.

tools:
  timeout: %s

mcp:
  startup_grace: %s
  poll_interval: %s

anthropic:
  model: %s
  # api_key: ${ANTHROPIC_API_KEY}

openai:
  model: %s

gemini:
  model: %s
`, cfg.Provider, cfg.LogLevel, cfg.Chat.MaxTurns, cfg.Tools.Timeout, cfg.MCP.StartupGrace, cfg.MCP.PollInterval,
		cfg.Anthropic.Model, cfg.OpenAI.Model, cfg.Gemini.Model)

	return os.WriteFile(path, []byte(content), 0600)
}

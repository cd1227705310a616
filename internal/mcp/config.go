package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the mcp.json (or mcp.yaml) server declaration file.
type Config struct {
	Servers        map[string]ServerConfig `json:"mcpServers" yaml:"mcpServers"`
	GlobalSettings *GlobalSettings         `json:"globalSettings,omitempty" yaml:"globalSettings,omitempty"`
}

// GlobalSettings holds defaults applied to every server.
type GlobalSettings struct {
	Timeout       int    `json:"timeout,omitempty" yaml:"timeout,omitempty"` // milliseconds
	Retries       *int   `json:"retries,omitempty" yaml:"retries,omitempty"`
	LogLevel      string `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	EnableMetrics bool   `json:"enableMetrics,omitempty" yaml:"enableMetrics,omitempty"`
}

// ServerConfig represents a configured MCP server.
// Stdio servers set Command/Args; HTTP servers set URL.
type ServerConfig struct {
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args" yaml:"args"`

	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Cwd          string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Enabled      *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Timeout      int               `json:"timeout,omitempty" yaml:"timeout,omitempty"` // milliseconds
	Retries      *int              `json:"retries,omitempty" yaml:"retries,omitempty"`
	AllowedTools []string          `json:"allowedTools,omitempty" yaml:"allowedTools,omitempty"`
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// IsEnabled reports whether the server takes part in startup. Servers
// without an explicit flag are enabled.
func (c ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TransportType returns the effective transport type for this server.
func (c ServerConfig) TransportType() string {
	if c.URL != "" {
		return "http"
	}
	return "stdio"
}

// Validate checks a single server declaration.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.TransportType() == "http" {
		if c.Command != "" {
			errs = append(errs, errors.New("cannot specify both url and command"))
		}
	} else if strings.TrimSpace(c.Command) == "" {
		errs = append(errs, errors.New("command must be a non-empty string"))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("timeout must be a positive number"))
	}
	if c.Retries != nil && *c.Retries < 0 {
		errs = append(errs, errors.New("retries must be a non-negative number"))
	}
	return errors.Join(errs...)
}

// ConnectTimeout returns the server timeout, falling back to the global one.
func (c *Config) ConnectTimeout(sc ServerConfig) time.Duration {
	ms := sc.Timeout
	if ms == 0 && c.GlobalSettings != nil {
		ms = c.GlobalSettings.Timeout
	}
	return time.Duration(ms) * time.Millisecond
}

// RetriesFor returns the server retry budget, falling back to the global one.
func (c *Config) RetriesFor(sc ServerConfig) int {
	if sc.Retries != nil {
		return *sc.Retries
	}
	if c.GlobalSettings != nil && c.GlobalSettings.Retries != nil {
		return *c.GlobalSettings.Retries
	}
	return 0
}

// Validate checks every server and the global settings, reporting all
// problems at once.
func (c *Config) Validate() error {
	var errs []error
	for _, name := range c.ServerNames() {
		sc := c.Servers[name]
		if err := sc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("server %q: %w", name, err))
		}
	}
	if g := c.GlobalSettings; g != nil {
		if g.Timeout < 0 {
			errs = append(errs, errors.New("globalSettings: timeout must be a positive number"))
		}
		if g.Retries != nil && *g.Retries < 0 {
			errs = append(errs, errors.New("globalSettings: retries must be a non-negative number"))
		}
		if g.LogLevel != "" && !validLogLevels[g.LogLevel] {
			errs = append(errs, fmt.Errorf("globalSettings: logLevel must be one of debug, info, warn, error (got %q)", g.LogLevel))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// DefaultConfig returns the config written on first use.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Servers: map[string]ServerConfig{
			"filesystem": {
				Command:     "npx",
				Args:        []string{"-y", "@modelcontextprotocol/server-filesystem", filepath.Join(home, "Desktop"), filepath.Join(home, "Downloads")},
				Description: "File system operations server",
				Enabled:     boolPtr(true),
				Timeout:     30000,
				Retries:     intPtr(3),
			},
			"brave_search": {
				Command:     "npx",
				Args:        []string{"-y", "@modelcontextprotocol/server-brave-search"},
				Description: "Web search capabilities",
				Enabled:     boolPtr(false),
				Timeout:     15000,
				Retries:     intPtr(2),
				Env:         map[string]string{"BRAVE_API_KEY": "your-api-key-here"},
			},
			"github": {
				Command:     "npx",
				Args:        []string{"-y", "@modelcontextprotocol/server-github"},
				Description: "GitHub integration server",
				Enabled:     boolPtr(false),
				Timeout:     20000,
				Retries:     intPtr(2),
				Env:         map[string]string{"GITHUB_PERSONAL_ACCESS_TOKEN": "your-token-here"},
			},
		},
		GlobalSettings: &GlobalSettings{
			Timeout:       30000,
			Retries:       intPtr(3),
			LogLevel:      "info",
			EnableMetrics: true,
		},
	}
}

// DefaultConfigPath returns the default path for mcp.json.
func DefaultConfigPath() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "toolrelay", "mcp.json"), nil
}

func isYAMLPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadConfigFromPath loads the configuration from path. A missing file is
// created with DefaultConfig.
func LoadConfigFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			if err := cfg.SaveToPath(path); err != nil {
				return nil, fmt.Errorf("write default config: %w", err)
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if isYAMLPath(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Servers == nil {
		cfg.Servers = make(map[string]ServerConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveToPath validates and writes the configuration to path.
func (c *Config) SaveToPath(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	if isYAMLPath(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ServerNames returns a sorted list of configured server names.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnabledServerNames returns the sorted names of servers that take part in startup.
func (c *Config) EnabledServerNames() []string {
	var names []string
	for _, name := range c.ServerNames() {
		sc := c.Servers[name]
		if sc.IsEnabled() {
			names = append(names, name)
		}
	}
	return names
}

// AddServer adds a server declaration. Existing names are rejected.
func (c *Config) AddServer(name string, cfg ServerConfig) error {
	if c.Servers == nil {
		c.Servers = make(map[string]ServerConfig)
	}
	if _, ok := c.Servers[name]; ok {
		return fmt.Errorf("%w: server %q already exists", ErrIdentityConflict, name)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: server %q: %w", ErrInvalidConfig, name, err)
	}
	c.Servers[name] = cfg
	return nil
}

// UpdateServer replaces an existing server declaration.
func (c *Config) UpdateServer(name string, cfg ServerConfig) error {
	if _, ok := c.Servers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: server %q: %w", ErrInvalidConfig, name, err)
	}
	c.Servers[name] = cfg
	return nil
}

// RemoveServer removes a server declaration.
func (c *Config) RemoveServer(name string) bool {
	if _, ok := c.Servers[name]; ok {
		delete(c.Servers, name)
		return true
	}
	return false
}

// SetEnabled flips the enabled flag of a server.
func (c *Config) SetEnabled(name string, enabled bool) error {
	sc, ok := c.Servers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	sc.Enabled = boolPtr(enabled)
	c.Servers[name] = sc
	return nil
}

// ConfigStore loads and saves the declarative server configuration.
type ConfigStore interface {
	Load() (*Config, error)
	Save(*Config) error
}

// FileConfigStore keeps the configuration in a JSON or YAML file.
type FileConfigStore struct {
	Path string
}

// NewFileConfigStore returns a store for path, or the default path when empty.
func NewFileConfigStore(path string) (*FileConfigStore, error) {
	if path == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return &FileConfigStore{Path: path}, nil
}

func (s *FileConfigStore) Load() (*Config, error) { return LoadConfigFromPath(s.Path) }

func (s *FileConfigStore) Save(cfg *Config) error { return cfg.SaveToPath(s.Path) }

func boolPtr(b bool) *bool { return &b }

func intPtr(i int) *int { return &i }

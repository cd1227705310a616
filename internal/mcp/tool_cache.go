package mcp

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// toolCache is the on-disk format for cached tool lists per server.
type toolCache struct {
	Servers map[string][]ToolDescriptor `json:"servers"`
}

// ToolCache remembers the last tool list seen for each server id so tools can
// be listed without starting servers.
type ToolCache struct {
	path string
	mu   sync.Mutex
}

// NewToolCache returns a cache stored at path, or the default location when
// path is empty.
func NewToolCache(path string) (*ToolCache, error) {
	if path == "" {
		p, err := toolCachePath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return &ToolCache{path: path}, nil
}

func toolCachePath() (string, error) {
	configDir := os.Getenv("XDG_CACHE_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(configDir, "toolrelay", "mcp-tools-cache.json"), nil
}

// Store writes the tool list for a server. Write failures are ignored.
func (c *ToolCache) Store(serverID string, tools []ToolDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cache := c.load()
	cache.Servers[serverID] = tools

	data, err := json.Marshal(cache)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return
	}
	_ = os.WriteFile(c.path, data, 0644)
}

// Load returns the cached tool list for a server, or nil if not cached.
func (c *ToolCache) Load(serverID string) []ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load().Servers[serverID]
}

// All returns every cached tool list keyed by server id.
func (c *ToolCache) All() map[string][]ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load().Servers
}

func (c *ToolCache) load() toolCache {
	cache := toolCache{Servers: make(map[string][]ToolDescriptor)}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return cache
	}
	_ = json.Unmarshal(data, &cache)
	if cache.Servers == nil {
		cache.Servers = make(map[string][]ToolDescriptor)
	}
	return cache
}

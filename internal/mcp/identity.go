package mcp

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ServerKind distinguishes servers declared in the config file from servers
// added by hand at runtime.
type ServerKind string

const (
	KindConfig ServerKind = "config"
	KindManual ServerKind = "manual"
)

// ConfigIDPrefix marks ids minted for config-declared servers.
const ConfigIDPrefix = "config_"

// ServerIdentity maps a human server name to its canonical id.
type ServerIdentity struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Kind        ServerKind `json:"kind"`
}

var (
	disallowedIDRunes = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	repeatedUnderline = regexp.MustCompile(`_{2,}`)
)

// SanitizeName reduces a server name to the id alphabet [A-Za-z0-9_-].
// Runs of underscores collapse to one and edge underscores are trimmed, so a
// sanitized name never contains the tool name separator.
func SanitizeName(name string) string {
	s := disallowedIDRunes.ReplaceAllString(name, "_")
	s = repeatedUnderline.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// ServerID returns the id a name would be registered under.
func ServerID(name string, kind ServerKind) (string, error) {
	sanitized := SanitizeName(name)
	if sanitized == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidServerName, name)
	}
	if kind == KindConfig {
		return ConfigIDPrefix + sanitized, nil
	}
	return sanitized, nil
}

// IdentityRegistry is the process-wide id <-> name table. It holds no
// reference to the server process itself.
type IdentityRegistry struct {
	mu     sync.RWMutex
	byID   map[string]ServerIdentity
	byName map[string]string
}

// NewIdentityRegistry creates an empty registry.
func NewIdentityRegistry() *IdentityRegistry {
	return &IdentityRegistry{
		byID:   make(map[string]ServerIdentity),
		byName: make(map[string]string),
	}
}

func nameKey(name string, kind ServerKind) string {
	return string(kind) + "\x00" + name
}

// Create registers name under its deterministic id and returns the id.
// Calling it again with the same name and kind returns the same id without
// adding an entry. A different name that sanitizes to an id already in use
// fails with ErrIdentityConflict.
func (r *IdentityRegistry) Create(name string, kind ServerKind) (string, error) {
	id, err := ServerID(name, kind)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[id]; ok {
		if existing.DisplayName == name && existing.Kind == kind {
			return id, nil
		}
		return "", fmt.Errorf("%w: %q and %q both map to %s", ErrIdentityConflict, existing.DisplayName, name, id)
	}
	r.byID[id] = ServerIdentity{ID: id, DisplayName: name, Kind: kind}
	r.byName[nameKey(name, kind)] = id
	return id, nil
}

// Lookup returns the identity registered under id.
func (r *IdentityRegistry) Lookup(id string) (ServerIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ident, ok := r.byID[id]
	return ident, ok
}

// IDFor returns the id registered for a name, if any.
func (r *IdentityRegistry) IDFor(name string, kind ServerKind) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[nameKey(name, kind)]
	return id, ok
}

// DisplayName returns the human name for id. Ids never registered in this
// process fall back to a best-effort reversal of the sanitizer, which cannot
// restore characters it replaced, and finally to the id itself.
func (r *IdentityRegistry) DisplayName(id string) string {
	if ident, ok := r.Lookup(id); ok {
		return ident.DisplayName
	}
	if rest, ok := strings.CutPrefix(id, ConfigIDPrefix); ok && rest != "" {
		return strings.ReplaceAll(rest, "_", " ")
	}
	return id
}

// IsConfigDeclared reports whether id belongs to a config-declared server.
func (r *IdentityRegistry) IsConfigDeclared(id string) bool {
	if ident, ok := r.Lookup(id); ok {
		return ident.Kind == KindConfig
	}
	return strings.HasPrefix(id, ConfigIDPrefix)
}

// Unregister forgets id. Unknown ids are ignored.
func (r *IdentityRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ident, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.byName, nameKey(ident.DisplayName, ident.Kind))
}

// All returns every registered identity sorted by id.
func (r *IdentityRegistry) All() []ServerIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerIdentity, 0, len(r.byID))
	for _, ident := range r.byID {
		out = append(out, ident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered identities.
func (r *IdentityRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// IsValidID reports whether id could have been produced by the sanitizer.
func IsValidID(id string) bool {
	if id == "" || strings.Contains(id, ToolSeparator) {
		return false
	}
	return !disallowedIDRunes.MatchString(id) && strings.Trim(id, "_") == id
}

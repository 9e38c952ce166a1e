// Package bridge keeps the table of bridge plugins agents can connect through.
package bridge

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrBridgeNotFound is returned when an agent names a bridge type nobody registered.
var ErrBridgeNotFound = errors.New("bridge plugin not found")

// Plugin describes a bridge implementation available to agents.
type Plugin struct {
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Registry maps bridge type names to plugins. It is populated at startup and
// queried when agent configurations are built. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Default returns a registry holding the built-in bridges.
func Default() *Registry {
	r := NewRegistry()
	r.Register(Plugin{Type: "ros", Description: "ROS 1 rosbridge"})
	r.Register(Plugin{Type: "ros2", Description: "ROS 2 native bridge"})
	r.Register(Plugin{Type: "cyberrt", Description: "Apollo CyberRT bridge"})
	return r
}

// Register adds or replaces a plugin keyed by its type.
func (r *Registry) Register(p Plugin) error {
	if p.Type == "" {
		return fmt.Errorf("bridge plugin type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Type] = p
	return nil
}

// Lookup returns the plugin registered for typ.
func (r *Registry) Lookup(typ string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[typ]
	return p, ok
}

// Resolve is Lookup with an error carrying ErrBridgeNotFound.
func (r *Registry) Resolve(typ string) (Plugin, error) {
	p, ok := r.Lookup(typ)
	if !ok {
		return Plugin{}, fmt.Errorf("%w: %q", ErrBridgeNotFound, typ)
	}
	return p, nil
}

// Types lists the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.plugins))
	for t := range r.plugins {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

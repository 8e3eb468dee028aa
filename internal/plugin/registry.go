package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mattjoyce/switchboard/internal/config"
	"github.com/mattjoyce/switchboard/internal/protocol"
)

// ErrCallbackUnavailable is returned when a callback names a plugin that is
// not registered or does not handle callbacks.
var ErrCallbackUnavailable = errors.New("callback unavailable")

// Registry holds registered plugins in registration order. Registration
// order is the candidate order used by the dispatcher.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	plugins map[string]Capability
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Capability),
	}
}

// Add registers a plugin in the registry.
func (r *Registry) Add(p Capability) error {
	if p == nil {
		return fmt.Errorf("plugin is nil")
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("plugin name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("plugin %q already registered", name)
	}
	r.plugins[name] = p
	r.order = append(r.order, name)
	return nil
}

// Get retrieves a plugin by name.
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// All returns every registered plugin in registration order.
func (r *Registry) All() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.plugins[name])
	}
	return out
}

// Candidates intersects the registry with a site's plugs. Names in plugs
// that are not registered are ignored.
func (r *Registry) Candidates(plugs config.Plugs) []Capability {
	all := r.All()
	out := make([]Capability, 0, len(all))
	for _, p := range all {
		if plugs.Allows(p.Name()) {
			out = append(out, p)
		}
	}
	return out
}

// InvokeCallback runs call on the plugin it names.
func (r *Registry) InvokeCallback(ctx context.Context, call protocol.Callback, site *config.SiteConfig, msg *protocol.Message) (*protocol.Response, error) {
	if err := call.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCallbackUnavailable, err)
	}
	p, ok := r.Get(call.Plugin)
	if !ok {
		return nil, fmt.Errorf("%w: plugin %q not registered", ErrCallbackUnavailable, call.Plugin)
	}
	h, ok := p.(CallbackHandler)
	if !ok {
		return nil, fmt.Errorf("%w: plugin %q does not handle callbacks", ErrCallbackUnavailable, call.Plugin)
	}
	return h.HandleCallback(ctx, call, site, msg)
}

// Discover registers the given plugins in order. Duplicates are logged and
// the first registration is kept.
func Discover(plugins []Capability, logger func(level, msg string, args ...any)) (*Registry, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}
	registry := NewRegistry()
	for _, p := range plugins {
		if err := registry.Add(p); err != nil {
			logger("warn", "plugin ignored", "error", err.Error())
			continue
		}
		logger("info", "loaded plugin", "plugin", p.Name(), "description", p.Description())
	}
	if len(registry.order) == 0 && len(plugins) > 0 {
		return nil, fmt.Errorf("no plugins could be registered")
	}
	return registry, nil
}

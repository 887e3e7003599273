package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/specialistvlad/stagegridgo/internal/stage"
)

// ErrUnknownStage is returned when a registry key has no factory.
var ErrUnknownStage = errors.New("unknown stage implementation")

// Module is the interface that all built-in modules implement to be registered.
type Module interface {
	Register(r *Registry)
}

// Registry maps implementation keys to stage factories for a single
// application instance. The same registry must be available in isolated
// workers so they can rebuild a stage from its key.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]stage.Factory
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{factories: make(map[string]stage.Factory)}
}

// Register adds a factory. Registering the same key twice is a programming
// error and panics.
func (r *Registry) Register(key string, f stage.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[key]; exists {
		panic(fmt.Sprintf("stage implementation with key '%s' already registered", key))
	}
	slog.Debug("Registering stage implementation.", "key", key)
	r.factories[key] = f
}

// RegisterModules registers every module in order.
func (r *Registry) RegisterModules(mods ...Module) {
	for _, m := range mods {
		m.Register(r)
	}
}

// Lookup returns the factory for key.
func (r *Registry) Lookup(key string) (stage.Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[key]
	return f, ok
}

// Build constructs the stage registered under key.
func (r *Registry) Build(key, name string, cfg map[string]any) (stage.Stage, error) {
	f, ok := r.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownStage, key)
	}
	s, err := f(name, cfg)
	if err != nil {
		return nil, fmt.Errorf("building stage '%s' from '%s': %w", name, key, err)
	}
	return s, nil
}

// Names returns the registered keys in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for k := range r.factories {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

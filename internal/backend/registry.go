package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownRuntime is returned by Resolve for an unregistered runtime.
var ErrUnknownRuntime = errors.New("unknown runtime")

// Info pairs a runtime name with its engine capabilities.
type Info struct {
	Name         string       `json:"name"`
	Default      bool         `json:"default"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry maps runtime names to the engines that boot them.
type Registry struct {
	mu      sync.RWMutex
	booters map[string]Booter
	def     string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		booters: make(map[string]Booter),
	}
}

// Register adds an engine under name. The first registered engine becomes
// the default until SetDefault is called.
func (r *Registry) Register(name string, b Booter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.booters[name] = b
	if r.def == "" {
		r.def = name
	}
}

// SetDefault selects the engine used when a request names no runtime.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.booters[name]; !ok {
		return fmt.Errorf("set default %q: %w", name, ErrUnknownRuntime)
	}
	r.def = name
	return nil
}

// Resolve returns the engine for name, or the default when name is empty.
func (r *Registry) Resolve(name string) (string, Booter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.def
	}
	b, ok := r.booters[name]
	if !ok {
		return "", nil, fmt.Errorf("resolve %q: %w", name, ErrUnknownRuntime)
	}
	return name, b, nil
}

// List returns all registered engines sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.booters))
	for name, b := range r.booters {
		infos = append(infos, Info{
			Name:         name,
			Default:      name == r.def,
			Capabilities: b.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

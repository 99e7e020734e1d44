package platform

import (
	"fmt"
	"sort"
	"sync"
)

// Priority constants for platform registration. Higher priority values
// override lower priority platforms with the same name.
const (
	PriorityDefault  = 0
	PriorityOverride = 100
)

// Info contains metadata about a registered platform.
type Info struct {
	// Name matches the value selected in nws_detailed_platform.
	Name        string
	Description string
	Priority    int
	Factory     Factory

	// Order specifies the setup order. Lower values start first. Default 50.
	Order int
}

// Registry maps platform names to factories.
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]Info
	order     []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		platforms: make(map[string]Info),
		order:     make([]string, 0),
	}
}

// Register adds a platform. If one with the same name exists, the higher
// priority wins; on equal priority the later registration wins.
func (r *Registry) Register(info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Name == "" {
		return fmt.Errorf("platform name cannot be empty")
	}
	if info.Factory == nil {
		return fmt.Errorf("platform %s: factory cannot be nil", info.Name)
	}
	if info.Order == 0 {
		info.Order = 50
	}

	existing, exists := r.platforms[info.Name]
	if exists && info.Priority < existing.Priority {
		return nil
	}

	r.platforms[info.Name] = info
	if !exists {
		r.order = append(r.order, info.Name)
	}
	return nil
}

// Get returns the info registered under name, or nil.
func (r *Registry) Get(name string) *Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.platforms[name]
	if !ok {
		return nil
	}
	return &info
}

// List returns every registered platform sorted by setup order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Info, 0, len(r.platforms))
	for _, name := range r.order {
		result = append(result, r.platforms[name])
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Name < result[j].Name
	})
	return result
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// Create instantiates the platforms named in selected, in setup order. On
// failure every platform already created is stopped.
func (r *Registry) Create(ctx *Context, selected []string) ([]Platform, error) {
	wanted := make(map[string]bool, len(selected))
	for _, name := range selected {
		if r.Get(name) == nil {
			return nil, fmt.Errorf("unknown platform %q", name)
		}
		wanted[name] = true
	}

	var result []Platform
	for _, info := range r.List() {
		if !wanted[info.Name] {
			continue
		}
		p, err := info.Factory(ctx)
		if err != nil {
			for i := len(result) - 1; i >= 0; i-- {
				result[i].Stop()
			}
			return nil, fmt.Errorf("failed to create platform %s: %w", info.Name, err)
		}
		result = append(result, p)
	}
	return result, nil
}

// Clear removes every platform. Used by tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.platforms = make(map[string]Info)
	r.order = make([]string, 0)
}

var globalRegistry = NewRegistry()

// Register adds a platform to the global registry. Platform packages call it
// from init().
func Register(info Info) error {
	return globalRegistry.Register(info)
}

// Global returns the registry platform packages register into.
func Global() *Registry {
	return globalRegistry
}

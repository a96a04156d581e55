// Package registry maps step names to their agent implementations.
package registry

import (
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callpipe/internal/agent"
)

// ErrNotRegistered is returned when a step name has no registered agent.
var ErrNotRegistered = eris.New("registry: step not registered")

// Registry is a lookup from step name to agent. It is populated once through
// Init and read concurrently afterwards.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]agent.Agent
	once   sync.Once
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{agents: make(map[string]agent.Agent)}
}

// Init runs fn exactly once for the lifetime of the registry. Later calls are
// no-ops, so every entry point can call it unconditionally.
func (r *Registry) Init(fn func(*Registry)) {
	r.once.Do(func() {
		fn(r)
		zap.L().Debug("registry: initialized", zap.Int("steps", r.Len()))
	})
}

// Register adds a. A duplicate name replaces the earlier agent.
func (r *Registry) Register(a agent.Agent) {
	d := a.Descriptor()

	r.mu.Lock()
	_, dup := r.agents[d.Name]
	r.agents[d.Name] = a
	r.mu.Unlock()

	if dup {
		zap.L().Warn("registry: step re-registered, replacing previous agent",
			zap.String("step", d.Name),
			zap.String("version", d.Version),
		)
	}
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Lookup is Get with an error for unregistered names.
func (r *Registry) Lookup(name string) (agent.Agent, error) {
	a, ok := r.Get(name)
	if !ok {
		return nil, eris.Wrapf(ErrNotRegistered, "step %q", name)
	}
	return a, nil
}

// MustGet returns the agent for name and panics if it is missing.
func (r *Registry) MustGet(name string) agent.Agent {
	a, err := r.Lookup(name)
	if err != nil {
		panic(err)
	}
	return a
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns every registered step name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Descriptors returns the descriptor of every registered agent, sorted by name.
func (r *Registry) Descriptors() []agent.Descriptor {
	names := r.Names()
	out := make([]agent.Descriptor, 0, len(names))
	for _, name := range names {
		if a, ok := r.Get(name); ok {
			out = append(out, a.Descriptor())
		}
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

package agent

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the lazy provider table. Constructors run on first lookup and
// the instance is cached for the process lifetime.
type Registry struct {
	mu           sync.Mutex
	constructors map[string]func() Provider
	instances    map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		constructors: map[string]func() Provider{
			"claude": newClaudeProvider,
			"codex":  newCodexProvider,
		},
		instances: make(map[string]Provider),
	}
}

// Get returns the named provider, instantiating it on first use.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.instances[name]; ok {
		return p, nil
	}
	ctor, ok := r.constructors[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrProviderNotFound)
	}
	p := ctor()
	r.instances[name] = p
	return p, nil
}

// Names lists the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Register adds or replaces a provider constructor. Any cached instance for
// the name is discarded.
func (r *Registry) Register(name string, ctor func() Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = ctor
	delete(r.instances, name)
}

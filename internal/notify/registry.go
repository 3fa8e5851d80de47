package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry holds the known providers and their compiled config schemas.
// Providers register at construction; the set is fixed after that.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	schemas   map[string]*jsonschema.Schema
}

// NewRegistry builds a registry with the built-in providers.
func NewRegistry() *Registry {
	r := &Registry{
		providers: make(map[string]Provider),
		schemas:   make(map[string]*jsonschema.Schema),
	}
	r.Register(NewTelegramProvider())
	r.Register(NewDiscordProvider())
	r.Register(NewTeamsProvider())
	return r
}

// Register adds a provider. Its config schema compiles lazily on first
// validation so a malformed schema surfaces as a validation error, not a
// construction panic.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	delete(r.schemas, p.Name())
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return p, nil
}

// Interactive returns the provider as Interactive, or ErrNotInteractive.
func (r *Registry) Interactive(name string) (Interactive, error) {
	p, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	in, ok := p.(Interactive)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInteractive, name)
	}
	return in, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateChannel checks a channel's config map against its provider's JSON
// schema, then runs the provider's own semantic checks.
func (r *Registry) ValidateChannel(ch Channel) error {
	p, err := r.Get(ch.Provider)
	if err != nil {
		return err
	}
	schema, err := r.schemaFor(p)
	if err != nil {
		return fmt.Errorf("provider %s config schema: %w", p.Name(), err)
	}

	// The config map comes from YAML; round-trip through JSON so number and
	// map types line up with what the validator expects.
	raw, err := json.Marshal(ch.Config)
	if err != nil {
		return fmt.Errorf("encode channel config: %w", err)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode channel config: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("channel %s config: %w", ch.ID, err)
	}
	return p.ValidateConfig(ch.Config)
}

func (r *Registry) schemaFor(p Provider) (*jsonschema.Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if schema, ok := r.schemas[p.Name()]; ok {
		return schema, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(p.ConfigSchema()))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	r.schemas[p.Name()] = schema
	return schema, nil
}

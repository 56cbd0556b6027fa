package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/cloudpipe/internal/domain"
)

// OpenFunc creates a connector. It is only called at execution time.
type OpenFunc func(ctx context.Context) (Connector, error)

// Binding maps a (provider, connector_type) pair to an implementation.
type Binding struct {
	Provider     domain.Provider
	Type         string
	Capabilities Capability
	// Formats lists accepted descriptor formats. "" is always accepted and
	// means the binding's default.
	Formats []string
	Open    OpenFunc
}

// AcceptsFormat reports whether format is valid for the binding.
func (b Binding) AcceptsFormat(format string) bool {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		return true
	}
	for _, f := range b.Formats {
		if f == format {
			return true
		}
	}
	return false
}

type bindingKey struct {
	provider domain.Provider
	typ      string
}

// Registry is the explicit set of connector bindings available to a process.
// Lookups never open a connector.
type Registry struct {
	mu       sync.RWMutex
	bindings map[bindingKey]Binding
}

func NewRegistry() *Registry {
	return &Registry{bindings: map[bindingKey]Binding{}}
}

// Register adds b. Registering the same pair twice is an error.
func (r *Registry) Register(b Binding) error {
	if !b.Provider.Valid() {
		return fmt.Errorf("register binding: invalid provider %q", b.Provider)
	}
	typ := strings.TrimSpace(b.Type)
	if typ == "" {
		return errors.New("register binding: type is required")
	}
	if b.Open == nil {
		return fmt.Errorf("register binding %s/%s: open func is required", b.Provider, typ)
	}
	key := bindingKey{provider: b.Provider, typ: typ}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bindings[key]; exists {
		return fmt.Errorf("register binding %s/%s: already registered", b.Provider, typ)
	}
	b.Type = typ
	r.bindings[key] = b
	return nil
}

// MustRegister is Register for static wiring in tests and main.
func (r *Registry) MustRegister(b Binding) {
	if err := r.Register(b); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(provider domain.Provider, typ string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[bindingKey{provider: provider, typ: strings.TrimSpace(typ)}]
	return b, ok
}

// Types lists the connector types registered for provider, sorted.
func (r *Registry) Types(provider domain.Provider) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for k := range r.bindings {
		if k.provider == provider {
			out = append(out, k.typ)
		}
	}
	sort.Strings(out)
	return out
}

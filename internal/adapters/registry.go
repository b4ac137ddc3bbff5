package adapters

import (
	"fmt"
	"sort"
	"strings"
)

// Registry maps provider names and API paths to adapter instances. It is
// populated once at startup and never mutated afterwards, so concurrent
// request handling reads it without locks.
type Registry struct {
	byName map[string]Adapter
	byPath map[string]Adapter
}

// NewRegistry builds a registry from the enabled provider names. Unknown
// names are rejected so a config typo fails at startup, not at request time.
func NewRegistry(providers []string) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]Adapter),
		byPath: make(map[string]Adapter),
	}
	for _, name := range providers {
		var adapter Adapter
		switch ProviderFromString(strings.ToLower(name)) {
		case ProviderAnthropic:
			adapter = NewAnthropic()
		case ProviderOpenAI:
			adapter = NewOpenAI()
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
		}
		r.byName[adapter.Name()] = adapter
		r.byPath[adapter.APIPath()] = adapter
	}
	return r, nil
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name string) (Adapter, error) {
	if a, ok := r.byName[strings.ToLower(name)]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}

// ByPath returns the adapter bound to an API path.
func (r *Registry) ByPath(path string) (Adapter, error) {
	if a, ok := r.byPath[path]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: no adapter bound to %q", ErrUnknownProvider, path)
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

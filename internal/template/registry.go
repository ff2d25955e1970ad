package template

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the known templates keyed by ID.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]Template)}
}

// Register adds a template to the registry.
// Panics if a template with the same ID is already registered.
func (r *Registry) Register(t Template) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.templates[t.ID()]; exists {
		panic(fmt.Sprintf("template already registered: %s", t.ID()))
	}
	r.templates[t.ID()] = t
}

// Get returns a template by ID ("name:version").
// Returns false if not found.
func (r *Registry) Get(id string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.templates[id]
	return t, ok
}

// Lookup returns a template by name and version, wrapping ErrUnknownTemplate
// when it is not registered.
func (r *Registry) Lookup(name string, version int) (Template, error) {
	id := Template{Name: name, Version: version}.ID()
	t, ok := r.Get(id)
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, id)
	}
	return t, nil
}

// Latest returns the highest registered version of a template name.
func (r *Registry) Latest(name string) (Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best Template
	found := false
	for _, t := range r.templates {
		if t.Name == name && (!found || t.Version > best.Version) {
			best, found = t, true
		}
	}
	if !found {
		return Template{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	return best, nil
}

// All returns all registered templates.
// Sorted by archetype, then name, then version for consistent ordering.
func (r *Registry) All() []Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Template, 0, len(r.templates))
	for _, t := range r.templates {
		result = append(result, t)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Archetype != result[j].Archetype {
			return result[i].Archetype < result[j].Archetype
		}
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].Version < result[j].Version
	})

	return result
}

// ByArchetype returns all templates implementing an archetype.
// Sorted by name then version.
func (r *Registry) ByArchetype(archetype string) []Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Template
	for _, t := range r.templates {
		if t.Archetype == archetype {
			result = append(result, t)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].Version < result[j].Version
	})

	return result
}

// Archetypes returns all unique archetype names.
// Sorted alphabetically; templates without an archetype are skipped.
func (r *Registry) Archetypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for _, t := range r.templates {
		if t.Archetype != "" {
			seen[t.Archetype] = true
		}
	}

	archetypes := make([]string, 0, len(seen))
	for a := range seen {
		archetypes = append(archetypes, a)
	}

	sort.Strings(archetypes)
	return archetypes
}

// Count returns the number of registered templates.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates)
}

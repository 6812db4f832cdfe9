// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"sort"
	"strings"
	"sync"

	"github.com/jllopis/capcore/pkg/errors"
)

// Registry stores manifests keyed by id. Lookups take a read lock and never block
// each other; registration takes the write lock briefly.
type Registry struct {
	mu        sync.RWMutex
	manifests map[string]Manifest
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{manifests: make(map[string]Manifest)}
}

// Register stores m. It fails if a manifest with the same id is already registered;
// use Replace to update an existing entry.
func (r *Registry) Register(m Manifest) error {
	if err := validate(m); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.manifests[m.ID]; exists {
		return errors.Newf(errors.CodeAlreadyExists, "capability %q already registered", m.ID).
			WithContext("capability_id", m.ID)
	}
	r.manifests[m.ID] = m.Clone()
	return nil
}

// Replace swaps the manifest registered under m.ID for m.
func (r *Registry) Replace(m Manifest) error {
	if err := validate(m); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.manifests[m.ID]; !exists {
		return notFound(m.ID)
	}
	r.manifests[m.ID] = m.Clone()
	return nil
}

// Deregister removes the manifest registered under id.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.manifests[id]; !exists {
		return notFound(id)
	}
	delete(r.manifests, id)
	return nil
}

// Lookup returns a copy of the manifest registered under id.
func (r *Registry) Lookup(id string) (Manifest, bool) {
	r.mu.RLock()
	m, ok := r.manifests[id]
	r.mu.RUnlock()
	if !ok {
		return Manifest{}, false
	}
	return m.Clone(), true
}

// List returns copies of all manifests sorted by id.
func (r *Registry) List() []Manifest {
	r.mu.RLock()
	out := make([]Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered manifests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.manifests)
}

func validate(m Manifest) error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New(errors.CodeInvalidInput, "manifest id is required", nil)
	}
	if !m.Kind.Valid() {
		return errors.Newf(errors.CodeInvalidInput, "manifest %q: unknown provider kind %q", m.ID, m.Kind).
			WithContext("capability_id", m.ID)
	}
	return nil
}

func notFound(id string) error {
	return errors.Newf(errors.CodeCapabilityNotFound, "capability %q not registered", id).
		WithContext("capability_id", id)
}

// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest describes invokable capabilities and keeps the registry they are
// looked up from.
//
// A Manifest is immutable once registered: the registry stores a private copy and hands
// out copies, so routing decisions taken from Metadata always see what was registered.
package manifest

import (
	"encoding/json"
	"maps"
	"slices"
)

// ProviderKind selects the executor family serving a capability.
type ProviderKind string

const (
	// KindHTTP is a stateless REST/HTTP endpoint.
	KindHTTP ProviderKind = "http"
	// KindLocal is an in-process closure.
	KindLocal ProviderKind = "local"
	// KindRemoteModule is a remote module host reached over gRPC.
	KindRemoteModule ProviderKind = "remote_module"
	// KindA2A is an agent-to-agent peer.
	KindA2A ProviderKind = "a2a"
	// KindDelegated marks capabilities whose execution is owned by a session handler.
	KindDelegated ProviderKind = "delegated"
)

// Valid reports whether k is one of the known provider kinds.
func (k ProviderKind) Valid() bool {
	switch k {
	case KindHTTP, KindLocal, KindRemoteModule, KindA2A, KindDelegated:
		return true
	default:
		return false
	}
}

// Manifest is the description of one invokable capability.
type Manifest struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name,omitempty" yaml:"name,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string       `json:"version,omitempty" yaml:"version,omitempty"`
	Kind        ProviderKind `json:"kind" yaml:"kind"`

	// Metadata is flat and namespaced by provider-family prefix (mcp_, graphql_, ...).
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Permissions and Effects are consumed by upstream governance.
	Permissions []string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Effects     []string `json:"effects,omitempty" yaml:"effects,omitempty"`

	// Schemas are carried through untouched.
	InputSchema  json.RawMessage `json:"input_schema,omitempty" yaml:"-"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty" yaml:"-"`
}

// Clone returns a deep copy of m.
func (m Manifest) Clone() Manifest {
	out := m
	if m.Metadata != nil {
		out.Metadata = maps.Clone(m.Metadata)
	}
	out.Permissions = slices.Clone(m.Permissions)
	out.Effects = slices.Clone(m.Effects)
	out.InputSchema = slices.Clone(m.InputSchema)
	out.OutputSchema = slices.Clone(m.OutputSchema)
	return out
}

// Meta returns the metadata value for key.
func (m Manifest) Meta(key string) (string, bool) {
	v, ok := m.Metadata[key]
	return v, ok
}

// MetaOr returns the metadata value for key, or def when absent or empty.
func (m Manifest) MetaOr(key, def string) string {
	if v := m.Metadata[key]; v != "" {
		return v
	}
	return def
}

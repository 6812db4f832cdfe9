// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type fileDocument struct {
	Capabilities []fileEntry `yaml:"capabilities"`
}

type fileEntry struct {
	ID           string       `yaml:"id"`
	Name         string       `yaml:"name"`
	Description  string       `yaml:"description"`
	Version      string       `yaml:"version"`
	Kind         ProviderKind `yaml:"kind"`
	Metadata     yaml.Node    `yaml:"metadata"`
	Permissions  []string     `yaml:"permissions"`
	Effects      []string     `yaml:"effects"`
	InputSchema  any          `yaml:"input_schema"`
	OutputSchema any          `yaml:"output_schema"`
}

// LoadFile reads static capability declarations from a YAML or JSON file.
func LoadFile(path string) ([]Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifests %s: %w", path, err)
	}
	manifests, err := Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("load manifests %s: %w", path, err)
	}
	return manifests, nil
}

// Load parses a capabilities document. Hierarchical metadata is flattened in
// declaration order.
func Load(r io.Reader) ([]Manifest, error) {
	var doc fileDocument
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Manifest, 0, len(doc.Capabilities))
	for i, entry := range doc.Capabilities {
		m, err := entry.manifest()
		if err != nil {
			return nil, fmt.Errorf("capability #%d (%s): %w", i, entry.ID, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (e fileEntry) manifest() (Manifest, error) {
	m := Manifest{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		Version:     e.Version,
		Kind:        e.Kind,
		Permissions: e.Permissions,
		Effects:     e.Effects,
	}
	if !m.Kind.Valid() {
		return Manifest{}, fmt.Errorf("unknown provider kind %q", m.Kind)
	}
	if e.Metadata.Kind != 0 {
		meta, err := FlattenNode(&e.Metadata)
		if err != nil {
			return Manifest{}, err
		}
		m.Metadata = meta
	}
	var err error
	if m.InputSchema, err = schemaJSON(e.InputSchema); err != nil {
		return Manifest{}, fmt.Errorf("input_schema: %w", err)
	}
	if m.OutputSchema, err = schemaJSON(e.OutputSchema); err != nil {
		return Manifest{}, fmt.Errorf("output_schema: %w", err)
	}
	return m, nil
}

func schemaJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

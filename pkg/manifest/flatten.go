// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Separator joins a parent key and its child when flattening.
const Separator = "_"

// Flatten turns a hierarchical declaration into flat metadata:
// {"mcp": {"server_url": "X"}} becomes {"mcp_server_url": "X"}.
//
// Go maps carry no declaration order, so sibling keys are walked in sorted order.
// Use FlattenNode when the declaration order must be preserved.
func Flatten(decl map[string]any) map[string]string {
	out := make(map[string]string)
	flattenMap("", decl, out)
	return out
}

func flattenMap(prefix string, decl map[string]any, out map[string]string) {
	keys := make([]string, 0, len(decl))
	for k := range decl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		flattenValue(joinKey(prefix, k), decl[k], out)
	}
}

func flattenValue(key string, value any, out map[string]string) {
	switch v := value.(type) {
	case map[string]any:
		flattenMap(key, v, out)
	case map[string]string:
		nested := make(map[string]any, len(v))
		for k, s := range v {
			nested[k] = s
		}
		flattenMap(key, nested, out)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, scalarString(item))
		}
		out[key] = strings.Join(parts, ",")
	case []string:
		out[key] = strings.Join(v, ",")
	default:
		out[key] = scalarString(v)
	}
}

// FlattenNode flattens a YAML (or JSON) mapping node depth-first in declaration order.
// Later duplicates of a flattened key overwrite earlier ones.
func FlattenNode(node *yaml.Node) (map[string]string, error) {
	out := make(map[string]string)
	if node == nil {
		return out, nil
	}
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return out, nil
		}
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("metadata must be a mapping, got %s", nodeKind(node))
	}
	if err := flattenNode("", node, out); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenNode(prefix string, node *yaml.Node, out map[string]string) error {
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		key := joinKey(prefix, keyNode.Value)
		switch valNode.Kind {
		case yaml.MappingNode:
			if err := flattenNode(key, valNode, out); err != nil {
				return err
			}
		case yaml.SequenceNode:
			parts := make([]string, 0, len(valNode.Content))
			for _, item := range valNode.Content {
				if item.Kind != yaml.ScalarNode {
					return fmt.Errorf("metadata key %q: sequences may only hold scalars", key)
				}
				parts = append(parts, item.Value)
			}
			out[key] = strings.Join(parts, ",")
		case yaml.ScalarNode:
			if valNode.Tag == "!!null" {
				out[key] = ""
				continue
			}
			out[key] = valNode.Value
		case yaml.AliasNode:
			if valNode.Alias == nil || valNode.Alias.Kind != yaml.ScalarNode {
				return fmt.Errorf("metadata key %q: only scalar aliases are supported", key)
			}
			out[key] = valNode.Alias.Value
		default:
			return fmt.Errorf("metadata key %q: unsupported node %s", key, nodeKind(valNode))
		}
	}
	return nil
}

// SplitList splits a comma-separated metadata value, dropping empty entries.
func SplitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	raw := strings.Split(value, ",")
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + Separator + key
}

func scalarString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(s)
	}
}

func nodeKind(node *yaml.Node) string {
	switch node.Kind {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "unknown"
	}
}

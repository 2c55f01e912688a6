package document

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// ToValue decodes node into JSON-compatible Go values: map[string]any,
// []any, strings, numbers, booleans and nil.
func ToValue(node *yaml.Node) (any, error) {
	node = unwrap(node)
	if node == nil {
		return nil, nil
	}
	var v any
	if err := node.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return Normalize(v), nil
}

// ToMap decodes a mapping node into a map. A nil or empty document yields an
// empty map.
func ToMap(node *yaml.Node) (map[string]any, error) {
	v, err := ToValue(node)
	if err != nil {
		return nil, err
	}
	switch m := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return m, nil
	default:
		return nil, fmt.Errorf("document root is %T, expected a mapping", v)
	}
}

// FromValue encodes a Go value as a node tree.
func FromValue(v any) (*yaml.Node, error) {
	var node yaml.Node
	if err := node.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return unwrap(&node), nil
}

// Normalize converts decoded YAML values into their JSON-compatible form.
func Normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = Normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Normalize(val)
		}
		return out
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

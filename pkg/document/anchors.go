package document

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

const maxAliasDepth = 64

// ExpandAnchors returns a deep copy of node in which every alias is replaced
// by a copy of its anchored node and every "<<" merge key is expanded into
// literal keys. Keys written explicitly in a mapping win over inherited ones;
// with a sequence of merge sources, earlier sources win over later ones.
func ExpandAnchors(node *yaml.Node) (*yaml.Node, error) {
	return expand(node, 0)
}

func expand(node *yaml.Node, depth int) (*yaml.Node, error) {
	if node == nil {
		return nil, nil
	}
	if depth > maxAliasDepth {
		return nil, &ConfigError{Line: node.Line, Column: node.Column, Message: "alias nesting too deep"}
	}

	switch node.Kind {
	case yaml.AliasNode:
		if node.Alias == nil {
			return nil, &ConfigError{Line: node.Line, Column: node.Column,
				Message: fmt.Sprintf("unknown anchor %q", node.Value)}
		}
		return expand(node.Alias, depth+1)

	case yaml.MappingNode:
		return expandMapping(node, depth)

	default:
		out := *node
		out.Anchor = ""
		out.Content = nil
		for _, child := range node.Content {
			c, err := expand(child, depth)
			if err != nil {
				return nil, err
			}
			out.Content = append(out.Content, c)
		}
		return &out, nil
	}
}

func expandMapping(node *yaml.Node, depth int) (*yaml.Node, error) {
	out := *node
	out.Anchor = ""
	out.Content = nil

	var inherited []*yaml.Node
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]

		if isMergeKey(key) {
			pairs, err := mergeSources(value, depth)
			if err != nil {
				return nil, err
			}
			inherited = appendMissing(inherited, pairs...)
			continue
		}

		v, err := expand(value, depth)
		if err != nil {
			return nil, err
		}
		k := *key
		k.Anchor = ""
		out.Content = append(out.Content, &k, v)
	}

	if len(inherited) == 0 {
		return &out, nil
	}

	merged := make([]*yaml.Node, 0, len(inherited)+len(out.Content))
	for i := 0; i+1 < len(inherited); i += 2 {
		if keyIndex(&out, inherited[i].Value) < 0 {
			merged = append(merged, inherited[i], inherited[i+1])
		}
	}
	out.Content = append(merged, out.Content...)
	return &out, nil
}

// mergeSources returns the key/value pairs a merge key contributes.
func mergeSources(value *yaml.Node, depth int) ([]*yaml.Node, error) {
	switch resolveAlias(value).Kind {
	case yaml.MappingNode:
		m, err := expand(value, depth+1)
		if err != nil {
			return nil, err
		}
		return m.Content, nil

	case yaml.SequenceNode:
		var pairs []*yaml.Node
		for _, item := range resolveAlias(value).Content {
			if resolveAlias(item).Kind != yaml.MappingNode {
				return nil, &ConfigError{Line: item.Line, Column: item.Column,
					Message: "merge key sequence must contain only mappings"}
			}
			m, err := expand(item, depth+1)
			if err != nil {
				return nil, err
			}
			pairs = appendMissing(pairs, m.Content...)
		}
		return pairs, nil

	default:
		return nil, &ConfigError{Line: value.Line, Column: value.Column,
			Message: "merge key value must be a mapping or a sequence of mappings"}
	}
}

// appendMissing appends the pairs whose keys are not yet present in dst.
func appendMissing(dst []*yaml.Node, pairs ...*yaml.Node) []*yaml.Node {
	for i := 0; i+1 < len(pairs); i += 2 {
		found := false
		for j := 0; j+1 < len(dst); j += 2 {
			if dst[j].Value == pairs[i].Value {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, pairs[i], pairs[i+1])
		}
	}
	return dst
}

func resolveAlias(node *yaml.Node) *yaml.Node {
	for i := 0; node.Kind == yaml.AliasNode && node.Alias != nil && i < maxAliasDepth; i++ {
		node = node.Alias
	}
	return node
}

func isMergeKey(key *yaml.Node) bool {
	if key.Kind != yaml.ScalarNode || key.Value != "<<" {
		return false
	}
	return key.Tag == "!!merge" || (key.Style == 0 && key.Tag != "!!str")
}

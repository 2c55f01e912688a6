package document

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Parse decodes a single YAML document and returns its root node. Empty
// input yields an empty mapping.
func Parse(name string, data []byte) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, newParseError(name, data, err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return NewMapping(), nil
	}
	if doc.Kind == yaml.DocumentNode {
		return doc.Content[0], nil
	}
	return &doc, nil
}

// ParseFile reads and parses the document at path.
func ParseFile(path string) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{File: path, Message: "failed to read file", Err: err}
	}
	return Parse(path, data)
}

// LoadFiles parses each path and expands its anchors, preserving order.
func LoadFiles(paths []string) ([]*yaml.Node, error) {
	docs := make([]*yaml.Node, 0, len(paths))
	for _, path := range paths {
		node, err := ParseFile(path)
		if err != nil {
			return nil, err
		}
		expanded, err := ExpandAnchors(node)
		if err != nil {
			return nil, withFile(err, path)
		}
		docs = append(docs, expanded)
	}
	return docs, nil
}

// Marshal serializes node as YAML text.
func Marshal(node *yaml.Node) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(node); err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return buf.Bytes(), nil
}

// NewMapping returns an empty mapping node.
func NewMapping() *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
}

// Clone returns a deep copy of node. Alias targets are shared, not copied.
func Clone(node *yaml.Node) *yaml.Node {
	if node == nil {
		return nil
	}
	out := *node
	if len(node.Content) > 0 {
		out.Content = make([]*yaml.Node, len(node.Content))
		for i, child := range node.Content {
			out.Content[i] = Clone(child)
		}
	}
	return &out
}

// Lookup returns the value bound to key in a mapping node.
func Lookup(node *yaml.Node, key string) (*yaml.Node, bool) {
	node = unwrap(node)
	if node == nil || node.Kind != yaml.MappingNode {
		return nil, false
	}
	if i := keyIndex(node, key); i >= 0 {
		return node.Content[i+1], true
	}
	return nil, false
}

// Set binds key to value in a mapping node, replacing any existing binding.
func Set(node *yaml.Node, key string, value *yaml.Node) {
	if i := keyIndex(node, key); i >= 0 {
		node.Content[i+1] = value
		return
	}
	node.Content = append(node.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, value)
}

// Without returns a shallow copy of a mapping node with the given keys removed.
func Without(node *yaml.Node, keys ...string) *yaml.Node {
	out := *node
	out.Content = nil
	for i := 0; i+1 < len(node.Content); i += 2 {
		skip := false
		for _, k := range keys {
			if node.Content[i].Value == k {
				skip = true
				break
			}
		}
		if !skip {
			out.Content = append(out.Content, node.Content[i], node.Content[i+1])
		}
	}
	return &out
}

func keyIndex(node *yaml.Node, key string) int {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return i
		}
	}
	return -1
}

func unwrap(node *yaml.Node) *yaml.Node {
	for node != nil && node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return nil
		}
		node = node.Content[0]
	}
	return node
}

func withFile(err error, file string) error {
	var cerr *ConfigError
	if errors.As(err, &cerr) && cerr.File == "" {
		cerr.File = file
	}
	return err
}

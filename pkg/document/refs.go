package document

import (
	"encoding/json"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var refPattern = regexp.MustCompile(`\{\{\s*ref:\s*([A-Za-z_][A-Za-z0-9_\-]*)\s*\}\}`)

// ReferenceTable maps top-level key names to the nodes bound to them.
type ReferenceTable map[string]*yaml.Node

// CollectReferences captures copies of the top-level scalar and mapping
// bindings of doc. Later edits to doc, including Resolve itself, do not
// reach the table.
func CollectReferences(doc *yaml.Node) ReferenceTable {
	refs := make(ReferenceTable)
	doc = unwrap(doc)
	if doc == nil || doc.Kind != yaml.MappingNode {
		return refs
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		value := doc.Content[i+1]
		if value.Kind == yaml.ScalarNode || value.Kind == yaml.MappingNode {
			refs[doc.Content[i].Value] = Clone(value)
		}
	}
	return refs
}

// Resolve replaces every {{ ref:NAME }} marker inside scalar values of doc
// with the string form of refs[NAME], in place. Mapping keys are left alone
// and unknown names resolve to the empty string. A scalar made of a single
// marker that names a scalar takes over that scalar's tag, so numbers and
// booleans keep their type.
func Resolve(doc *yaml.Node, refs ReferenceTable) {
	if doc == nil {
		return
	}
	switch doc.Kind {
	case yaml.ScalarNode:
		resolveScalar(doc, refs)
	case yaml.MappingNode:
		for i := 1; i < len(doc.Content); i += 2 {
			Resolve(doc.Content[i], refs)
		}
	default:
		for _, child := range doc.Content {
			Resolve(child, refs)
		}
	}
}

func resolveScalar(node *yaml.Node, refs ReferenceTable) {
	if !strings.Contains(node.Value, "ref:") {
		return
	}

	if m := refPattern.FindStringSubmatchIndex(node.Value); m != nil && m[0] == 0 && m[1] == len(node.Value) {
		if ref, ok := refs[node.Value[m[2]:m[3]]]; ok && ref.Kind == yaml.ScalarNode {
			node.Value = ProtectReferences(ref.Value)
			node.Tag, node.Style = ref.Tag, ref.Style
			return
		}
	}

	node.Value = refPattern.ReplaceAllStringFunc(node.Value, func(marker string) string {
		name := refPattern.FindStringSubmatch(marker)[1]
		return ProtectReferences(refString(refs[name]))
	})
}

// refString returns the textual form of a referenced node: the value of a
// scalar, compact JSON for anything else.
func refString(node *yaml.Node) string {
	if node == nil {
		return ""
	}
	if node.Kind == yaml.ScalarNode {
		return node.Value
	}
	v, err := ToValue(node)
	if err != nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// ProtectReferences rewrites {{ ref:NAME }} markers in text as template
// literals, so they survive a template pass verbatim and are never
// substituted again.
func ProtectReferences(text string) string {
	if !strings.Contains(text, "ref:") {
		return text
	}
	return refPattern.ReplaceAllStringFunc(text, func(marker string) string {
		return `{{"{{"}}` + strings.TrimPrefix(marker, "{{")
	})
}

// HasReferences reports whether text contains a reference marker.
func HasReferences(text string) bool {
	return refPattern.MatchString(text)
}

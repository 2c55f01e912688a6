package render

import (
	"strings"

	"github.com/chgops/chgops/pkg/document"
	"gopkg.in/yaml.v3"
)

// RenderNode renders every scalar value of node against data and returns a
// new tree. Mapping keys are not rendered. Reference markers left in a value
// are protected so they come out of the pass verbatim. A plain scalar whose
// text changes has its tag re-inferred, the same way it would be had the
// rendered text been parsed.
func (r *Renderer) RenderNode(name string, node *yaml.Node, data map[string]any) (*yaml.Node, error) {
	out := document.Clone(node)
	if err := r.renderNode(name, out, data); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Renderer) renderNode(name string, node *yaml.Node, data map[string]any) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if !strings.Contains(node.Value, "{{") {
			return nil
		}
		rendered, err := r.Render(name, document.ProtectReferences(node.Value), data)
		if err != nil {
			return err
		}
		if rendered != node.Value && node.Style == 0 {
			node.Tag = ""
		}
		node.Value = rendered

	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			if err := r.renderNode(name+"."+node.Content[i].Value, node.Content[i+1], data); err != nil {
				return err
			}
		}

	default:
		for _, child := range node.Content {
			if err := r.renderNode(name, child, data); err != nil {
				return err
			}
		}
	}
	return nil
}

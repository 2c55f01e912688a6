package document

import "gopkg.in/yaml.v3"

// Merge deep-merges source over target and returns a new tree. When both
// nodes are mappings every key of source is merged recursively into target;
// otherwise source replaces target wholesale.
func Merge(target, source *yaml.Node) *yaml.Node {
	target, source = unwrap(target), unwrap(source)
	switch {
	case source == nil:
		return Clone(target)
	case target == nil:
		return Clone(source)
	case target.Kind != yaml.MappingNode || source.Kind != yaml.MappingNode:
		return Clone(source)
	}

	out := Clone(target)
	for i := 0; i+1 < len(source.Content); i += 2 {
		key, value := source.Content[i], source.Content[i+1]
		if j := keyIndex(out, key.Value); j >= 0 {
			out.Content[j+1] = Merge(out.Content[j+1], value)
			continue
		}
		out.Content = append(out.Content, Clone(key), Clone(value))
	}
	return out
}

// MergeAll left-folds docs with Merge, lowest priority first.
func MergeAll(docs ...*yaml.Node) *yaml.Node {
	out := NewMapping()
	for _, doc := range docs {
		out = Merge(out, doc)
	}
	return out
}

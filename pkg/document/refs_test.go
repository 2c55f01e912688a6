package document

import (
	"reflect"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestCollectReferences(t *testing.T) {
	doc := mustParse(t, "name: world\nnet: {cidr: 10.0.0.0/8}\nlist: [1, 2]\n")
	refs := CollectReferences(doc)

	if _, ok := refs["name"]; !ok {
		t.Error("Expected scalar binding to be captured")
	}
	if _, ok := refs["net"]; !ok {
		t.Error("Expected mapping binding to be captured")
	}
	if _, ok := refs["list"]; ok {
		t.Error("Expected sequence binding to be ignored")
	}
}

func TestResolve(t *testing.T) {
	refs := CollectReferences(mustParse(t, "name: world\nport: 8080\nnet: {cidr: 10.0.0.0/8}\n"))

	tests := []struct {
		name string
		src  string
		want any
	}{
		{
			name: "substitutes inside text",
			src:  `greeting: "hello {{ ref:name }}"`,
			want: map[string]any{"greeting": "hello world"},
		},
		{
			name: "absent reference is empty",
			src:  `greeting: "hello {{ ref:missing }}"`,
			want: map[string]any{"greeting": "hello "},
		},
		{
			name: "mapping becomes json",
			src:  `net: "{{ ref:net }}"`,
			want: map[string]any{"net": `{"cidr":"10.0.0.0/8"}`},
		},
		{
			name: "whole value keeps scalar type",
			src:  `port: "{{ ref:port }}"`,
			want: map[string]any{"port": 8080},
		},
		{
			name: "sequence elements resolve",
			src:  `items: ["{{ref:name}}", "x-{{ ref: name }}"]`,
			want: map[string]any{"items": []any{"world", "x-world"}},
		},
		{
			name: "keys are not resolved",
			src:  `"{{ ref:name }}": value`,
			want: map[string]any{"{{ ref:name }}": "value"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := mustParse(t, tt.src)
			Resolve(doc, refs)
			if got := mustValue(t, doc); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Resolve() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestResolve_NoMarkersUnchanged(t *testing.T) {
	src := "a: 1\nb: {c: text, d: [x, y]}\n"
	doc := mustParse(t, src)
	before := mustValue(t, doc)

	Resolve(doc, ReferenceTable{"a": &yaml.Node{Kind: yaml.ScalarNode, Value: "zzz"}})

	if after := mustValue(t, doc); !reflect.DeepEqual(before, after) {
		t.Errorf("Expected unchanged document, got %#v", after)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	refs := ReferenceTable{
		"tricky": {Kind: yaml.ScalarNode, Tag: "!!str", Value: "see {{ ref:name }}"},
		"name":   {Kind: yaml.ScalarNode, Tag: "!!str", Value: "world"},
	}
	doc := mustParse(t, "a: \"{{ ref:tricky }}\"\nb: \"pre {{ ref:tricky }}\"\n")

	Resolve(doc, refs)
	once := mustValue(t, doc)
	Resolve(doc, refs)
	twice := mustValue(t, doc)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("Resolving twice changed the document: %#v -> %#v", once, twice)
	}

	got := once.(map[string]any)["b"]
	if got != `pre see {{"{{"}} ref:name }}` {
		t.Errorf("Expected substituted marker to be protected, got %q", got)
	}
	if HasReferences(got.(string)) {
		t.Errorf("Protected text still matches the reference pattern: %q", got)
	}
}

func TestResolve_ChainIndependentOfKeyOrder(t *testing.T) {
	orders := []string{
		"a: \"{{ ref:b }}\"\nb: \"{{ ref:c }}\"\nc: x\n",
		"b: \"{{ ref:c }}\"\na: \"{{ ref:b }}\"\nc: x\n",
		"c: x\nb: \"{{ ref:c }}\"\na: \"{{ ref:b }}\"\n",
	}

	var want any
	for i, src := range orders {
		doc := mustParse(t, src)
		Resolve(doc, CollectReferences(doc))
		got := mustValue(t, doc)

		m := got.(map[string]any)
		if m["b"] != "x" {
			t.Errorf("order %d: b = %q, want x", i, m["b"])
		}
		if m["a"] != `{{"{{"}} ref:c }}` {
			t.Errorf("order %d: a = %q, want the protected marker", i, m["a"])
		}
		if i == 0 {
			want = got
			continue
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("order %d resolved to %#v, want %#v", i, got, want)
		}
	}
}

func TestCollectReferences_Snapshot(t *testing.T) {
	doc := mustParse(t, "name: world\n")
	refs := CollectReferences(doc)

	doc.Content[1].Value = "changed"
	if refs["name"].Value != "world" {
		t.Errorf("table followed a later edit: %q", refs["name"].Value)
	}
}

func TestProtectReferences(t *testing.T) {
	if got := ProtectReferences("plain {{ .x }}"); got != "plain {{ .x }}" {
		t.Errorf("Expected text without markers unchanged, got %q", got)
	}
	if got := ProtectReferences("{{ ref:a }}"); got != `{{"{{"}} ref:a }}` {
		t.Errorf("ProtectReferences() = %q", got)
	}
}

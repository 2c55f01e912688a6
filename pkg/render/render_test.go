package render

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chgops/chgops/pkg/document"
	"gopkg.in/yaml.v3"
)

func TestRender(t *testing.T) {
	t.Setenv("CHGOPS_RENDER_TEST", "from-env")
	r := New()

	ctx := map[string]any{
		"name": "web",
		"env":  "prod",
		"net":  map[string]any{"cidr": "10.0.0.0/8"},
		"n":    3,
	}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"plain text", "no templates here", "no templates here"},
		{"variable", "{{ .name }}-{{ .env }}", "web-prod"},
		{"nested", "{{ .net.cidr }}", "10.0.0.0/8"},
		{"env_var", `{{ env_var "CHGOPS_RENDER_TEST" }}`, "from-env"},
		{"as_json", "{{ .net | as_json }}", "{'cidr':'10.0.0.0/8'}"},
		{"as_yaml", "{{ .net | as_yaml }}", "cidr: 10.0.0.0/8"},
		{"as_base64", "{{ .net | as_base64 }}", base64.StdEncoding.EncodeToString([]byte(`{"cidr":"10.0.0.0/8"}`))},
		{"filter1", "{{ .name | filter1 }}", "web"},
		{"filter2 default", "{{ .name | filter2 }}", "web-common"},
		{"filter2 name", `{{ .name | filter2 "edge" }}`, "web-edge"},
		{"sprig", `{{ .name | upper }}`, "WEB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Render(tt.name, tt.tmpl, ctx)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender_Errors(t *testing.T) {
	r := New()

	tests := []struct {
		name string
		tmpl string
	}{
		{"missing key", "{{ .missing }}"},
		{"unset env", `{{ env_var "CHGOPS_DEFINITELY_UNSET_VARIABLE" }}`},
		{"env_var non string", "{{ env_var 42 }}"},
		{"filter2 non string", "{{ .n | filter2 }}"},
		{"parse error", "{{ .name "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Render("tmpl-"+tt.name, tt.tmpl, map[string]any{"name": "x", "n": 1})
			if err == nil {
				t.Fatal("Expected error")
			}
			var rerr *RenderError
			if !errors.As(err, &rerr) {
				t.Fatalf("Expected *RenderError, got %T", err)
			}
			if rerr.Template != "tmpl-"+tt.name {
				t.Errorf("Expected template name in error, got %q", rerr.Template)
			}
		})
	}
}

func TestRender_CurrentTimeIsFrozen(t *testing.T) {
	calls := 0
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := New(WithClock(func() time.Time {
		calls++
		return fixed.Add(time.Duration(calls) * time.Hour)
	}))

	first, err := r.Render("t", "{{ current_time }}", nil)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	second, err := r.Render("t", "{{ current_time }}", nil)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if first != second {
		t.Errorf("Expected frozen current_time, got %q then %q", first, second)
	}
	if first != "2024-05-01T13:00:00Z" {
		t.Errorf("current_time = %q", first)
	}
	if calls != 1 {
		t.Errorf("Expected clock to be read once, got %d", calls)
	}
}

func TestWithFuncs_Overrides(t *testing.T) {
	r := New(WithFuncs(map[string]any{
		"filter1": func(v any) string { return "custom" },
	}))

	got, err := r.Render("t", "{{ .x | filter1 }}", map[string]any{"x": "y"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if got != "custom" {
		t.Errorf("Render() = %q, want custom", got)
	}
}

func TestRenderValue(t *testing.T) {
	r := New()
	in := map[string]any{
		"msg":   "hello {{ .name }}",
		"count": 3,
		"list":  []any{"{{ .name }}", true},
	}

	out, err := r.RenderValue("vars", in, map[string]any{"name": "world"})
	if err != nil {
		t.Fatalf("RenderValue() error = %v", err)
	}

	m := out.(map[string]any)
	if m["msg"] != "hello world" {
		t.Errorf("msg = %v", m["msg"])
	}
	if m["count"] != 3 {
		t.Errorf("count = %v", m["count"])
	}
	if list := m["list"].([]any); list[0] != "world" || list[1] != true {
		t.Errorf("list = %v", list)
	}
	if in["msg"] != "hello {{ .name }}" {
		t.Error("Expected input to be left untouched")
	}
}

func TestRenderNode(t *testing.T) {
	node, err := document.Parse("doc.yaml", []byte(`
name: web
replicas: 3
full: "{{ .name }}-svc"
count: prefix-{{ .replicas }}
literal: "{{ ref:keep }}"
nested:
  - "{{ .name | upper }}"
`))
	if err != nil {
		t.Fatal(err)
	}

	out, err := New().RenderNode("doc", node, map[string]any{"name": "web", "replicas": 3})
	if err != nil {
		t.Fatalf("RenderNode() error = %v", err)
	}

	got, err := document.ToMap(out)
	if err != nil {
		t.Fatal(err)
	}
	if got["full"] != "web-svc" {
		t.Errorf("full = %v", got["full"])
	}
	if got["count"] != "prefix-3" {
		t.Errorf("count = %v", got["count"])
	}
	if got["literal"] != "{{ ref:keep }}" {
		t.Errorf("Expected reference marker to survive rendering, got %v", got["literal"])
	}
	if got["nested"].([]any)[0] != "WEB" {
		t.Errorf("nested = %v", got["nested"])
	}

	orig, _ := document.ToMap(node)
	if orig["full"] != "{{ .name }}-svc" {
		t.Error("Expected RenderNode to leave its input untouched")
	}
}

func TestRenderNode_ReinfersPlainScalars(t *testing.T) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Content: []*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: "n"},
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: "{{ .n }}"},
	}}

	out, err := New().RenderNode("doc", node, map[string]any{"n": 5})
	if err != nil {
		t.Fatal(err)
	}
	got, err := document.ToMap(out)
	if err != nil {
		t.Fatal(err)
	}
	if got["n"] != 5 {
		t.Errorf("Expected plain scalar re-inferred as int, got %#v", got["n"])
	}

	text, err := document.Marshal(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(text), "n: 5") {
		t.Errorf("Marshal() = %s", text)
	}
}

// Package render adapts Go text/template into the chgops template renderer.
//
// A Renderer carries a fixed function map: the sprig library plus the
// functions and filters used by playbooks (current_time, env_var, as_yaml,
// as_json, as_base64, filter1, filter2). Each Render call parses a fresh
// template, so nothing is reused between calls. Missing keys are errors.
package render

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
)

// RenderError reports a template that failed to parse or execute.
type RenderError struct {
	Template string
	Err      error
}

// Error implements the error interface.
func (e *RenderError) Error() string {
	return fmt.Sprintf("failed to render template %q: %v", e.Template, e.Err)
}

// Unwrap returns the underlying template error.
func (e *RenderError) Unwrap() error {
	return e.Err
}

// Renderer renders templates against a context map.
type Renderer struct {
	clock func() time.Time
	extra template.FuncMap
	funcs template.FuncMap
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithClock sets the clock read once at construction for current_time.
func WithClock(clock func() time.Time) Option {
	return func(r *Renderer) {
		r.clock = clock
	}
}

// WithFuncs registers additional functions. They override built-ins of the
// same name.
func WithFuncs(funcs template.FuncMap) Option {
	return func(r *Renderer) {
		if r.extra == nil {
			r.extra = template.FuncMap{}
		}
		for name, fn := range funcs {
			r.extra[name] = fn
		}
	}
}

// New builds a Renderer. current_time is evaluated here, once, so every
// render from the same Renderer sees the same instant.
func New(opts ...Option) *Renderer {
	r := &Renderer{clock: time.Now}
	for _, opt := range opts {
		opt(r)
	}

	r.funcs = sprig.TxtFuncMap()
	for name, fn := range builtins(r.clock().UTC()) {
		r.funcs[name] = fn
	}
	for name, fn := range r.extra {
		r.funcs[name] = fn
	}
	return r
}

// Render executes text as a template named name against data.
func (r *Renderer) Render(name, text string, data map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	tmpl, err := template.New(name).
		Option("missingkey=error").
		Funcs(r.funcs).
		Parse(text)
	if err != nil {
		return "", &RenderError{Template: name, Err: err}
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", &RenderError{Template: name, Err: err}
	}
	return b.String(), nil
}

// RenderValue renders every string found in a JSON-compatible value and
// returns a new value; non-string scalars are returned as they are.
func (r *Renderer) RenderValue(name string, value any, data map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return r.Render(name, v, data)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			rendered, err := r.RenderValue(name+"."+k, item, data)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rendered, err := r.RenderValue(fmt.Sprintf("%s[%d]", name, i), item, data)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

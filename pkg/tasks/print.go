package tasks

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Print sub-modes. They only choose the display channel.
const (
	PrintModePrint   = "print"
	PrintModeDebug   = "debug"
	PrintModeError   = "error"
	PrintModeWarning = "warning"
	PrintModeInfo    = "info"
	PrintModeSuccess = "success"
)

// ObjectMarker as a resource echoes the whole fact store.
const ObjectMarker = "[object]"

var (
	printModes = map[string]bool{
		PrintModePrint: true, PrintModeDebug: true, PrintModeError: true,
		PrintModeWarning: true, PrintModeInfo: true, PrintModeSuccess: true,
	}

	pathExpression = regexp.MustCompile(`^\{\{-?\s*\.?[A-Za-z_][A-Za-z0-9_\-]*(\.[A-Za-z0-9_\-]+)*\s*-?\}\}$`)
)

// printTask evaluates vars.resource against the facts and echoes it.
type printTask struct {
	base
}

func newPrintTask(spec Spec, deps Deps) (*printTask, error) {
	if spec.Command == "" {
		spec.Command = PrintModePrint
	}
	if !printModes[spec.Command] {
		return nil, fmt.Errorf("unknown print command %q (expected print, debug, error, warning, info or success)", spec.Command)
	}
	return &printTask{base: newBase(KindPrint, spec, deps)}, nil
}

func (t *printTask) Execute(ctx context.Context) Output {
	return t.execute(ctx, t.perform)
}

func (t *printTask) perform(_ context.Context, data map[string]any, out *Output) {
	resource, ok := t.spec.Vars["resource"]
	if !ok {
		out.fail("print task requires vars.resource")
		return
	}

	value, err := t.evaluate(resource, data)
	if err != nil {
		out.fail(err.Error())
		return
	}

	text, err := echo(value)
	if err != nil {
		out.fail(err.Error())
		return
	}

	out.Stdout = text
	out.Data = value
	out.settle(DispositionSucceeded, "OK")
}

// evaluate resolves a resource into the value to echo.
func (t *printTask) evaluate(resource any, data map[string]any) (any, error) {
	s, ok := resource.(string)
	if !ok {
		return t.deps.Renderer.RenderValue(t.templateName("vars.resource"), resource, data)
	}

	trimmed := strings.TrimSpace(s)
	switch {
	case trimmed == ObjectMarker:
		return t.lookup("")
	case pathExpression.MatchString(trimmed):
		return t.lookup(ExtractObjectPath(trimmed))
	}

	rendered, err := t.render("vars.resource", s, data)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(rendered) == ObjectMarker {
		return t.lookup(ExtractObjectPath(trimmed))
	}
	return rendered, nil
}

// lookup resolves a dotted fact path. A leading "facts." segment is
// optional.
func (t *printTask) lookup(path string) (any, error) {
	if v, ok := t.deps.Facts.Get(path); ok {
		return v, nil
	}
	if rest, found := strings.CutPrefix(path, "facts."); found {
		if v, ok := t.deps.Facts.Get(rest); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("fact %q is not set", path)
}

func echo(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case map[string]any, []any:
		b, err := yaml.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to encode resource: %w", err)
		}
		return strings.TrimRight(string(b), "\n"), nil
	default:
		return fmt.Sprint(v), nil
	}
}

// ExtractObjectPath returns the bare dotted path of a "{{ object.path }}"
// expression. Expressions containing a pipe are returned unchanged.
func ExtractObjectPath(expr string) string {
	if strings.Contains(expr, "|") {
		return expr
	}
	s := strings.TrimSpace(expr)
	s = strings.TrimPrefix(s, "{{")
	s = strings.TrimSuffix(s, "}}")
	s = strings.TrimPrefix(s, "-")
	s = strings.TrimSuffix(s, "-")
	s = strings.TrimSpace(s)
	return strings.TrimPrefix(s, ".")
}

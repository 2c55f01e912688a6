package tasks

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"
)

// commandTask runs its rendered command through a shell. It backs the bash,
// wincmd and azure cli kinds.
type commandTask struct {
	base
}

func newCommandTask(kind Kind, spec Spec, deps Deps) *commandTask {
	return &commandTask{base: newBase(kind, spec, deps)}
}

func (t *commandTask) Execute(ctx context.Context) Output {
	return t.execute(ctx, t.perform)
}

func (t *commandTask) perform(ctx context.Context, data map[string]any, out *Output) {
	if t.deps.Runner == nil {
		out.Status = -1
		out.fail("no command runner configured")
		return
	}

	command, err := t.render("command", t.spec.Command, data)
	if err != nil {
		out.fail(err.Error())
		return
	}

	shell, args := t.invocation(command)
	res, err := t.deps.Runner.Run(ctx, shell, args)
	t.settleCommand(res, err, DispositionChanged, out)

	if t.kind == KindAzureCLI && out.Disposition == DispositionChanged {
		out.Data = parseJSON(out.Stdout)
	}
}

// invocation returns the program and arguments for command.
func (t *commandTask) invocation(command string) (string, []string) {
	switch t.kind {
	case KindWinCmd:
		return "cmd", []string{"/C", command}
	case KindAzureCLI:
		return platformShell(t.deps.GOOS, "az "+command)
	default:
		return "sh", []string{"-c", command}
	}
}

func platformShell(goos, command string) (string, []string) {
	if goos == "windows" {
		return "cmd", []string{"/C", command}
	}
	return "sh", []string{"-c", command}
}

// parseJSON returns the decoded value of a JSON object or array, or nil
// when text is anything else.
func parseJSON(text string) any {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil
	}
	if !gjson.Valid(trimmed) {
		return nil
	}
	return gjson.Parse(trimmed).Value()
}

package tasks

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"
)

var (
	colorTeal    = lipgloss.Color("#20B9B4")
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#5C7A84")
)

// Styles are the display styles for one writer.
type Styles struct {
	Title   lipgloss.Style
	Muted   lipgloss.Style
	Info    lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}

// NewStyles returns colored styles when w is a terminal and plain ones
// otherwise.
func NewStyles(w io.Writer) Styles {
	r := lipgloss.NewRenderer(w)
	if !IsTerminal(w) {
		plain := r.NewStyle()
		return Styles{plain, plain, plain, plain, plain, plain}
	}
	return Styles{
		Title:   r.NewStyle().Bold(true).Foreground(colorTeal),
		Muted:   r.NewStyle().Foreground(colorMuted),
		Info:    r.NewStyle().Foreground(colorTeal),
		Success: r.NewStyle().Foreground(colorSuccess),
		Warning: r.NewStyle().Foreground(colorWarning),
		Error:   r.NewStyle().Foreground(colorError),
	}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (s Styles) forDisposition(d Disposition) (lipgloss.Style, string) {
	switch d {
	case DispositionSucceeded:
		return s.Success, "ok"
	case DispositionChanged:
		return s.Warning, "changed"
	case DispositionFailed:
		return s.Error, "failed"
	case DispositionSkipped:
		return s.Muted, "skipped"
	default:
		return s.Muted, "pending"
	}
}

func (s Styles) forPrintMode(mode string) lipgloss.Style {
	switch mode {
	case PrintModeDebug:
		return s.Muted
	case PrintModeError:
		return s.Error
	case PrintModeWarning:
		return s.Warning
	case PrintModeInfo:
		return s.Info
	case PrintModeSuccess:
		return s.Success
	default:
		return lipgloss.NewStyle()
	}
}

func display(w io.Writer, b *base, verbosity Verbosity) {
	styles := NewStyles(w)
	out := b.out
	spec := b.Spec()

	name := spec.Name
	if name == "" {
		name = string(b.kind)
	}
	style, label := styles.forDisposition(out.Disposition)
	fmt.Fprintf(w, "%s %s %s\n",
		styles.Title.Render("TASK ["+name+"]"),
		styles.Muted.Render("("+string(b.kind)+")"),
		style.Render(label),
	)

	if b.kind == KindPrint && out.Disposition == DispositionSucceeded && out.Stdout != "" {
		channel := styles.forPrintMode(spec.Command)
		for _, line := range strings.Split(out.Stdout, "\n") {
			fmt.Fprintln(w, channel.Render(line))
		}
	}
	if out.Disposition == DispositionFailed && verbosity == VerbosityNone {
		fmt.Fprintf(w, "  %s\n", styles.Error.Render(out.Message))
	}

	if verbosity >= VerbosityV {
		if spec.Command != "" && b.kind != KindPrint {
			fmt.Fprintf(w, "  command: %s\n", spec.Command)
		}
		if spec.When != "" {
			fmt.Fprintf(w, "  when: %s\n", spec.When)
		}
		if spec.Register != "" {
			fmt.Fprintf(w, "  register: %s\n", spec.Register)
		}
		fmt.Fprintf(w, "  message: %s\n", out.Message)
		fmt.Fprintf(w, "  status: %d  duration: %s\n", out.Status, out.Duration().Round(time.Millisecond))
	}

	if verbosity >= VerbosityVV {
		writeBlock(w, styles, "stdout", out.Stdout)
		writeBlock(w, styles, "stderr", out.Stderr)
	}

	if verbosity >= VerbosityVVV {
		dump, err := yaml.Marshal(struct {
			Task   Spec   `yaml:"task"`
			Output Output `yaml:"output"`
		}{spec, out})
		if err != nil {
			fmt.Fprintf(w, "  %s\n", styles.Error.Render("failed to dump task: "+err.Error()))
			return
		}
		fmt.Fprint(w, indent(string(dump), "  "))
	}
}

func writeBlock(w io.Writer, styles Styles, label, text string) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}
	fmt.Fprintf(w, "  %s\n", styles.Muted.Render(label+":"))
	fmt.Fprint(w, indent(text+"\n", "    "))
}

func indent(text, prefix string) string {
	lines := strings.SplitAfter(text, "\n")
	var sb strings.Builder
	for _, line := range lines {
		if line == "" {
			continue
		}
		sb.WriteString(prefix)
		sb.WriteString(line)
	}
	return sb.String()
}

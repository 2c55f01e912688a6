package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chgops/chgops/pkg/config"
	"github.com/chgops/chgops/pkg/document"
	"github.com/chgops/chgops/pkg/runner"
	"github.com/chgops/chgops/pkg/tasks"
)

// scriptRunner echoes the command it is given. Commands containing
// "exit 1" fail.
type scriptRunner struct {
	mu       sync.Mutex
	commands []string
	onRun    func(command string)
}

func (r *scriptRunner) Run(_ context.Context, shell string, args []string) (*runner.Result, error) {
	command := shell
	if len(args) > 0 {
		command = args[len(args)-1]
	}
	r.mu.Lock()
	r.commands = append(r.commands, command)
	r.mu.Unlock()

	if r.onRun != nil {
		r.onRun(command)
	}
	if strings.Contains(command, "exit 1") {
		return &runner.Result{Stderr: "boom", ExitCode: 1}, nil
	}
	return &runner.Result{Stdout: command}, nil
}

func (r *scriptRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

type recordedTask struct {
	index       int
	disposition tasks.Disposition
}

// memoryRecorder keeps everything the engine records.
type memoryRecorder struct {
	started  []RunInfo
	results  []recordedTask
	finished []*RunSummary
	runErr   error
}

func (m *memoryRecorder) RecordRunStarted(_ context.Context, run RunInfo) error {
	m.started = append(m.started, run)
	return nil
}

func (m *memoryRecorder) RecordTaskResult(_ context.Context, _ string, index int, _ tasks.Task, out tasks.Output) error {
	m.results = append(m.results, recordedTask{index: index, disposition: out.Disposition})
	return nil
}

func (m *memoryRecorder) RecordRunFinished(_ context.Context, summary *RunSummary, runErr error) error {
	m.finished = append(m.finished, summary)
	m.runErr = runErr
	return nil
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

// newWorkspace creates a workspace with one collection, one vars file and
// the given playbook saved as deploy.yaml.
func newWorkspace(t *testing.T, playbook string) *config.EngineConfig {
	t.Helper()
	dir := t.TempDir()

	writeFile(t, dir, "collections/base/vars/base.yaml", `
region: westeurope
owner: platform
`)
	writeFile(t, dir, "vars/app.yaml", `
app:
  name: web
  region: "{{ .region }}"
greeting: "hello {{ .app.name }}"
`)
	writeFile(t, dir, "deploy.yaml", playbook)

	cfg := config.Defaults(dir)
	cfg.Resolve()
	return cfg
}

func newEngine(t *testing.T, cfg *config.EngineConfig, opts ...Option) (*Engine, *scriptRunner, *bytes.Buffer) {
	t.Helper()
	r := &scriptRunner{}
	var out bytes.Buffer
	all := append([]Option{
		WithRunner(r),
		WithOutput(&out, tasks.VerbosityNone),
		WithEnv(func(string) string { return "" }),
		WithGOOS("linux"),
	}, opts...)

	e, err := New(context.Background(), cfg, all...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e, r, &out
}

func TestRun(t *testing.T) {
	cfg := newWorkspace(t, `
name: deploy
tasks:
  - name: greet
    dx.core.bash: "echo {{ .greeting }} from {{ .app.region }}"
    register: greeting_out
  - name: show
    dx.core.print:
      command: print
      vars:
        resource: "{{ .greeting_out }}"
  - name: never
    dx.core.bash: "echo unreachable"
    when: false
`)
	rec := &memoryRecorder{}
	e, r, out := newEngine(t, cfg, WithRecorder(rec))

	summary, err := e.Run(context.Background(), Params{Playbook: "deploy"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.Status != RunStatusSucceeded {
		t.Errorf("Status = %s, want %s", summary.Status, RunStatusSucceeded)
	}
	if summary.TasksCounter != 3 || summary.Success != 2 || summary.Changed != 1 || summary.Skipped != 1 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Playbook != "deploy" {
		t.Errorf("Playbook = %q, want deploy", summary.Playbook)
	}

	ran := r.ran()
	if len(ran) != 1 || ran[0] != "echo hello web from westeurope" {
		t.Errorf("commands = %q", ran)
	}
	if !strings.Contains(out.String(), "PLAY RECAP [deploy]") {
		t.Errorf("output has no recap:\n%s", out.String())
	}

	if len(rec.started) != 1 || rec.started[0].ID != summary.RunID {
		t.Errorf("started = %+v", rec.started)
	}
	if len(rec.results) != 3 || rec.results[2].disposition != tasks.DispositionSkipped {
		t.Errorf("results = %+v", rec.results)
	}
	if len(rec.finished) != 1 || rec.finished[0].Status != RunStatusSucceeded || rec.runErr != nil {
		t.Errorf("finished = %+v, err = %v", rec.finished, rec.runErr)
	}
}

func TestRunWritesArtifacts(t *testing.T) {
	cfg := newWorkspace(t, `
tasks:
  - dx.core.bash: "true"
`)
	e, _, _ := newEngine(t, cfg)

	if _, err := e.Run(context.Background(), Params{Playbook: "deploy.yaml"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, name := range []string{MergedArtifact, FinalArtifact, PlaybookArtifact} {
		if _, err := os.Stat(filepath.Join(cfg.ArtifactsDir, name)); err != nil {
			t.Errorf("artifact %s: %v", name, err)
		}
	}

	merged, err := os.ReadFile(filepath.Join(cfg.ArtifactsDir, MergedArtifact))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(merged), "{{ .region }}") {
		t.Errorf("merged.yaml should keep templates unrendered:\n%s", merged)
	}

	final, err := os.ReadFile(filepath.Join(cfg.ArtifactsDir, FinalArtifact))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(final), "{{") {
		t.Errorf("final.yaml still has templates:\n%s", final)
	}
}

func TestRunFailFast(t *testing.T) {
	tests := []struct {
		name      string
		failFast  bool
		wantTasks int
		wantRan   int
	}{
		{"continue after failure", false, 3, 2},
		{"stop after failure", true, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			playbook := `
settings:
  fail_fast: ` + map[bool]string{true: "true", false: "false"}[tt.failFast] + `
tasks:
  - name: broken
    dx.core.bash: "exit 1"
  - name: after
    dx.core.bash: "echo after"
  - name: print
    dx.core.print:
      vars:
        resource: done
`
			e, r, _ := newEngine(t, newWorkspace(t, playbook))

			summary, err := e.Run(context.Background(), Params{Playbook: "deploy"})
			if err != nil {
				t.Fatalf("Run() error = %v, task failures are not errors", err)
			}
			if summary.Status != RunStatusFailed {
				t.Errorf("Status = %s, want %s", summary.Status, RunStatusFailed)
			}
			if summary.TasksCounter != tt.wantTasks {
				t.Errorf("TasksCounter = %d, want %d", summary.TasksCounter, tt.wantTasks)
			}
			if summary.Failed != 1 {
				t.Errorf("Failed = %d, want 1", summary.Failed)
			}
			if got := len(r.ran()); got != tt.wantRan {
				t.Errorf("commands run = %d, want %d", got, tt.wantRan)
			}
		})
	}
}

func TestRunCancelled(t *testing.T) {
	cfg := newWorkspace(t, `
tasks:
  - dx.core.bash: "echo one"
  - dx.core.bash: "echo two"
`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &memoryRecorder{}
	e, r, _ := newEngine(t, cfg, WithRecorder(rec))
	r.onRun = func(string) { cancel() }

	summary, err := e.Run(ctx, Params{Playbook: "deploy"})
	if !IsCancelled(err) {
		t.Fatalf("Run() error = %v, want cancelled", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error should wrap context.Canceled: %v", err)
	}
	if summary.Status != RunStatusCancelled {
		t.Errorf("Status = %s, want %s", summary.Status, RunStatusCancelled)
	}
	if summary.TasksCounter != 1 {
		t.Errorf("TasksCounter = %d, want 1", summary.TasksCounter)
	}
	if len(rec.finished) != 1 {
		t.Errorf("run should still be recorded after cancellation")
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	cfg := newWorkspace(t, "tasks:\n  - dx.core.bash: ls\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e, r, _ := newEngine(t, cfg)
	summary, err := e.Run(ctx, Params{Playbook: "deploy"})
	if !IsCancelled(err) {
		t.Fatalf("Run() error = %v, want cancelled", err)
	}
	if summary.Status != RunStatusCancelled || len(r.ran()) != 0 {
		t.Errorf("Status = %s, commands = %q", summary.Status, r.ran())
	}
}

func TestRunPolicyDenied(t *testing.T) {
	cfg := newWorkspace(t, `
tasks:
  - name: wipe
    dx.core.bash: "rm -rf /"
`)
	rec := &memoryRecorder{}
	e, r, _ := newEngine(t, cfg, WithRecorder(rec))

	summary, err := e.Run(context.Background(), Params{Playbook: "deploy"})
	if !IsPolicy(err) {
		t.Fatalf("Run() error = %v, want policy error", err)
	}
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != ErrCodePolicy || engErr.Stage != StagePolicy {
		t.Errorf("error = %#v", engErr)
	}
	if !strings.Contains(err.Error(), "destructive-command") {
		t.Errorf("error should name the policy: %v", err)
	}
	if summary.Status != RunStatusErrored {
		t.Errorf("Status = %s, want %s", summary.Status, RunStatusErrored)
	}
	if len(r.ran()) != 0 {
		t.Errorf("no task should run, got %q", r.ran())
	}
	if rec.runErr == nil {
		t.Error("recorder should receive the run error")
	}
}

func TestValidateUnknownTaskKind(t *testing.T) {
	playbook := `
tasks:
  - name: mystery
    command: ls
`
	t.Run("policy denies", func(t *testing.T) {
		e, _, _ := newEngine(t, newWorkspace(t, playbook))
		_, err := e.Validate(context.Background(), Params{Playbook: "deploy"})
		if !IsPolicy(err) {
			t.Fatalf("Validate() error = %v, want policy error", err)
		}
		if !strings.Contains(err.Error(), "task-kind") {
			t.Errorf("error should name task-kind: %v", err)
		}
	})

	t.Run("decode rejects without policies", func(t *testing.T) {
		cfg := newWorkspace(t, playbook)
		cfg.Policy.Enabled = false
		e, _, _ := newEngine(t, cfg)

		_, err := e.Validate(context.Background(), Params{Playbook: "deploy"})
		if !IsConfig(err) {
			t.Fatalf("Validate() error = %v, want config error", err)
		}
		if !errors.Is(err, &EngineError{Class: ErrorClassConfig, Code: ErrCodeTaskDecode}) {
			t.Errorf("error code should be %s: %v", ErrCodeTaskDecode, err)
		}
	})
}

func TestValidateWarningsDoNotBlock(t *testing.T) {
	cfg := newWorkspace(t, `
tasks:
  - dx.core.bash: "echo unnamed"
`)
	e, r, _ := newEngine(t, cfg)

	res, err := e.Validate(context.Background(), Params{Playbook: "deploy"})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if res.Policy == nil || len(res.Policy.Warnings) == 0 {
		t.Fatalf("expected a naming warning, got %+v", res.Policy)
	}
	if len(res.Playbook.Tasks) != 1 {
		t.Errorf("Tasks = %d, want 1", len(res.Playbook.Tasks))
	}
	if len(r.ran()) != 0 {
		t.Errorf("Validate must not run tasks, ran %q", r.ran())
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		files   map[string]string
		params  Params
		check   func(error) bool
		wantMsg string
	}{
		{
			name:    "missing playbook name",
			params:  Params{},
			check:   IsConfig,
			wantMsg: "playbook name is required",
		},
		{
			name:    "missing playbook file",
			params:  Params{Playbook: "absent"},
			check:   IsConfig,
			wantMsg: "failed to load playbook",
		},
		{
			name:    "invalid vars yaml",
			files:   map[string]string{"vars/bad.yaml": "a: [unclosed"},
			params:  Params{Playbook: "deploy"},
			check:   IsConfig,
			wantMsg: "bad.yaml",
		},
		{
			name:    "playbook without tasks",
			files:   map[string]string{"deploy.yaml": "name: empty\n"},
			params:  Params{Playbook: "deploy"},
			check:   IsConfig,
			wantMsg: "schema",
		},
		{
			name:    "bad template in vars",
			files:   map[string]string{"vars/broken.yaml": "x: \"{{ .nope }}\"\n"},
			params:  Params{Playbook: "deploy"},
			check:   IsTemplate,
			wantMsg: "nope",
		},
		{
			name:    "negative default timeout",
			files:   map[string]string{"deploy.yaml": "settings:\n  default_timeout: -1s\ntasks: []\n"},
			params:  Params{Playbook: "deploy"},
			check:   IsConfig,
			wantMsg: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newWorkspace(t, "tasks:\n  - name: ok\n    dx.core.bash: ls\n")
			for name, content := range tt.files {
				writeFile(t, cfg.Workspace, name, content)
			}
			e, _, _ := newEngine(t, cfg)

			_, err := e.Validate(context.Background(), tt.params)
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if !tt.check(err) {
				t.Errorf("Validate() error class = %s: %v", ClassOf(err), err)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantMsg)
			}
		})
	}
}

func TestValidateParseErrorCarriesFile(t *testing.T) {
	cfg := newWorkspace(t, "tasks: []\n")
	writeFile(t, cfg.Workspace, "vars/bad.yaml", "a: [unclosed")
	e, _, _ := newEngine(t, cfg)

	_, err := e.Validate(context.Background(), Params{Playbook: "deploy"})
	var cfgErr *document.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Validate() error = %v, want *document.ConfigError in chain", err)
	}
	if filepath.Base(cfgErr.File) != "bad.yaml" {
		t.Errorf("File = %q, want bad.yaml", cfgErr.File)
	}
}

func TestSelfRenderPasses(t *testing.T) {
	tests := []struct {
		name          string
		limit         int
		wantConverged bool
		wantA         string
	}{
		{"limit reached", 1, false, "{{ .c }}"},
		{"converges", 5, true, "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newWorkspace(t, "tasks: []\n")
			writeFile(t, cfg.Workspace, "vars/chain.yaml", "a: \"{{ .b }}\"\nb: \"{{ .c }}\"\nc: x\n")
			cfg.MaxRenderPasses = tt.limit
			e, _, _ := newEngine(t, cfg)

			res, err := e.Validate(context.Background(), Params{Playbook: "deploy"})
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if res.Converged != tt.wantConverged {
				t.Errorf("Converged = %v, want %v", res.Converged, tt.wantConverged)
			}
			if res.RenderPasses > tt.limit {
				t.Errorf("RenderPasses = %d, exceeds limit %d", res.RenderPasses, tt.limit)
			}
			if got, _ := res.Facts.Get("a"); got != tt.wantA {
				t.Errorf("a = %v, want %q", got, tt.wantA)
			}
		})
	}
}

func TestFacts(t *testing.T) {
	cfg := newWorkspace(t, `
env: "{{ .args.env }}"
tasks:
  - name: noop
    dx.core.bash: ls
`)
	e, _, _ := newEngine(t, cfg)

	store, err := e.Facts(context.Background(), Params{
		Playbook:  "deploy",
		Arguments: map[string]string{"env": "prod"},
	})
	if err != nil {
		t.Fatalf("Facts() error = %v", err)
	}

	tests := []struct {
		path string
		want any
	}{
		{"args.env", "prod"},
		{"env", "prod"},
		{"app.region", "westeurope"},
		{"greeting", "hello web"},
		{"owner", "platform"},
	}
	for _, tt := range tests {
		got, ok := store.Get(tt.path)
		if !ok || got != tt.want {
			t.Errorf("Get(%q) = %v, %v; want %v", tt.path, got, ok, tt.want)
		}
	}
	if _, ok := store.Get("tasks"); ok {
		t.Error("tasks must not be published as facts")
	}
	if !strings.Contains(store.PlaybookText(), "noop") {
		t.Errorf("PlaybookText() = %q", store.PlaybookText())
	}
}

func TestDecodeSettings(t *testing.T) {
	cfg := config.Defaults(t.TempDir())
	cfg.DefaultTaskTimeout = time.Minute
	e, _, _ := newEngine(t, cfg)

	tests := []struct {
		name    string
		raw     any
		want    Settings
		wantErr bool
	}{
		{"defaults", nil, Settings{DefaultTimeout: time.Minute}, false},
		{"override", map[string]any{"fail_fast": true, "default_timeout": "5m"}, Settings{FailFast: true, DefaultTimeout: 5 * time.Minute}, false},
		{"name only", map[string]any{"name": "x"}, Settings{Name: "x", DefaultTimeout: time.Minute}, false},
		{"negative", map[string]any{"default_timeout": "-1s"}, Settings{}, true},
		{"bad type", map[string]any{"fail_fast": []any{1}}, Settings{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.decodeSettings(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeSettings() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("decodeSettings() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTaskInputs(t *testing.T) {
	raw := []any{
		map[string]any{"name": "a", "dx.core.bash": "ls", "when": true},
		map[string]any{"dx.azure.login": map[string]any{"vars": map[string]any{"client_secret": "s"}}},
		map[string]any{"command": "ls"},
		"not a task",
	}

	got := TaskInputs(raw)
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	if got[0].Kind != "dx.core.bash" || got[0].Command != "ls" || got[0].Name != "a" || got[0].When != "true" {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].Vars["client_secret"] != "s" {
		t.Errorf("got[1].Vars = %v", got[1].Vars)
	}
	if got[2].Kind != "" || got[2].Command != "ls" || len(got[2].Keys) != 1 {
		t.Errorf("got[2] = %+v", got[2])
	}
	if got[3].Index != 3 || got[3].Kind != "" {
		t.Errorf("got[3] = %+v", got[3])
	}
}

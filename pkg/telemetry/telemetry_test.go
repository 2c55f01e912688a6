package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"development", func(c *Config) { *c = *DevelopmentConfig() }, ""},
		{"no service name", func(c *Config) { c.ServiceName = "" }, "service name"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"bad exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, "invalid trace exporter"},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, "endpoint"},
		{"sampling out of range", func(c *Config) { c.Tracing.SamplingRate = 2 }, "sampling rate"},
		{"metrics without address", func(c *Config) { c.Metrics.ListenAddress = "" }, "listen address"},
		{"async without buffer", func(c *Config) {
			c.Events.EnableAsync = true
			c.Events.BufferSize = 0
		}, "buffer size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("engine").WithRunID("run-1").WithTask("build", "dx.core.bash").Info("task started")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	for key, want := range map[string]string{
		"component": "engine",
		"run_id":    "run-1",
		"task":      "build",
		"kind":      "dx.core.bash",
		"message":   "task started",
		"level":     "info",
	} {
		if entry[key] != want {
			t.Errorf("entry[%q] = %v, want %q", key, entry[key], want)
		}
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "warn", Format: "json"})
	logger.Info("hidden")
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below warn, got %q", buf.String())
	}
	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn not logged: %q", buf.String())
	}
}

func TestLoggerContext(t *testing.T) {
	logger := Nop().WithRunID("x")
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Fatal("FromContext did not return the stored logger")
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext must return a default logger")
	}
}

func TestMetricsRecord(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "chgops"})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordRunStarted()
	if got := testutil.ToFloat64(m.activeRuns); got != 1 {
		t.Errorf("active runs = %v, want 1", got)
	}
	m.RecordTask("dx.core.bash", "changed", 10*time.Millisecond)
	m.RecordTask("dx.core.bash", "changed", 10*time.Millisecond)
	m.RecordTask("dx.core.print", "skipped", 0)
	m.RecordError("template")
	m.RecordPolicyViolation("warning")
	m.RecordRenderPasses(2)
	m.RecordRunCompleted("succeeded", time.Second)

	if got := testutil.ToFloat64(m.tasksExecuted.WithLabelValues("dx.core.bash", "changed")); got != 2 {
		t.Errorf("bash changed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.tasksExecuted.WithLabelValues("dx.core.print", "skipped")); got != 1 {
		t.Errorf("print skipped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.errorsByClass.WithLabelValues("template")); got != 1 {
		t.Errorf("template errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.activeRuns); got != 0 {
		t.Errorf("active runs = %v, want 0", got)
	}
	if n := testutil.CollectAndCount(m.runsCompleted); n != 1 {
		t.Errorf("runs completed series = %d, want 1", n)
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	// none of these may panic
	m.RecordRunStarted()
	m.RecordTask("k", "d", time.Second)
	m.RecordError("c")
	m.RecordPolicyViolation("error")
	m.RecordRenderPasses(1)
	m.RecordRunCompleted("failed", time.Second)
	if m.Registry() != nil {
		t.Fatal("disabled metrics must not have a registry")
	}
	if err := m.Serve(context.Background()); err != nil {
		t.Fatalf("Serve() on disabled metrics = %v", err)
	}
}

func TestEventsSynchronousOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var got []string
	ep.Subscribe(func(e Event) { got = append(got, e.Type) }, nil)

	run := ep.ForRun("r1")
	run.Started("deploy", "/ws")
	a := run.Task(0, "a", "dx.core.bash")
	a.Started()
	a.Finished("changed", 0, "OK", time.Millisecond)
	b := run.Task(1, "b", "dx.core.bash")
	b.Started()
	b.Finished("skipped", 0, "Skipped", 0)
	run.Completed("succeeded", time.Second)

	want := []string{
		EventTypeRunStarted,
		EventTypeTaskStarted,
		EventTypeTaskCompleted,
		EventTypeTaskStarted,
		EventTypeTaskSkipped,
		EventTypeRunCompleted,
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestTaskEventsFinished(t *testing.T) {
	tests := []struct {
		disposition string
		wantType    string
		wantLevel   string
	}{
		{"changed", EventTypeTaskCompleted, EventLevelInfo},
		{"succeeded", EventTypeTaskCompleted, EventLevelInfo},
		{"skipped", EventTypeTaskSkipped, EventLevelInfo},
		{"failed", EventTypeTaskFailed, EventLevelError},
	}

	for _, tt := range tests {
		t.Run(tt.disposition, func(t *testing.T) {
			ep, _ := NewEventPublisher(EventsConfig{Enabled: true})
			var got Event
			ep.Subscribe(func(e Event) { got = e }, nil)

			ep.ForRun("r1").Task(3, "deploy", "dx.azure.cli").Finished(tt.disposition, 2, "exit status 2", time.Second)

			if got.Type != tt.wantType || got.Level != tt.wantLevel {
				t.Errorf("event = %s/%s, want %s/%s", got.Type, got.Level, tt.wantType, tt.wantLevel)
			}
			if got.RunID != "r1" || got.Task != "deploy" {
				t.Errorf("run/task = %q/%q", got.RunID, got.Task)
			}
			if got.Data["index"] != 3 || got.Data["kind"] != "dx.azure.cli" || got.Data["disposition"] != tt.disposition {
				t.Errorf("Data = %v", got.Data)
			}
		})
	}
}

func TestRunEventsLevels(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true})
	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, nil)

	run := ep.ForRun("r1")
	run.Completed("succeeded", time.Second)
	run.Completed("failed", time.Second)
	run.Failed("errored", errors.New("bad template"))
	run.RenderWarning("still changing", 3)

	want := []struct{ typ, level string }{
		{EventTypeRunCompleted, EventLevelInfo},
		{EventTypeRunCompleted, EventLevelWarning},
		{EventTypeRunFailed, EventLevelError},
		{EventTypeRenderWarning, EventLevelWarning},
	}
	if len(got) != len(want) {
		t.Fatalf("events = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Type != w.typ || got[i].Level != w.level {
			t.Errorf("event %d = %s/%s, want %s/%s", i, got[i].Type, got[i].Level, w.typ, w.level)
		}
	}
	if got[2].Data["reason"] != "bad template" {
		t.Errorf("failed Data = %v", got[2].Data)
	}
}

func TestEventsFilters(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true})

	var errorsSeen, policySeen, runSeen, taskSeen int
	ep.Subscribe(func(Event) { errorsSeen++ }, FilterByLevel(EventLevelError))
	ep.Subscribe(func(Event) { policySeen++ }, FilterByType(EventTypePolicyViolation))
	ep.Subscribe(func(Event) { runSeen++ }, FilterByRunID("r2"))
	ep.Subscribe(func(Event) { taskSeen++ }, FilterByTask("r1", "a"))

	ep.ForRun("r1").Task(0, "a", "dx.core.bash").Finished("failed", 1, "exit status 1", 0)
	ep.ForRun("r1").PolicyFinding("inline-secret", "warning", "login", "inline secret", false)
	ep.ForRun("r2").PolicyFinding("destructive-command", "error", "wipe", "rm -rf /", true)

	if errorsSeen != 2 {
		t.Errorf("error-level events = %d, want 2", errorsSeen)
	}
	if policySeen != 2 {
		t.Errorf("policy events = %d, want 2", policySeen)
	}
	if runSeen != 1 {
		t.Errorf("run r2 events = %d, want 1", runSeen)
	}
	if taskSeen != 1 {
		t.Errorf("task a events = %d, want 1", taskSeen)
	}
}

func TestEventsAsyncDrainOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var mu sync.Mutex
	var names []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		names = append(names, e.Task)
		mu.Unlock()
	}, nil)

	for i, name := range []string{"a", "b", "c"} {
		ep.ForRun("r").Task(i, name, "k").Started()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(names, "") != "abc" {
		t.Fatalf("delivered = %v, want [a b c]", names)
	}

	if err := ep.Publish(Event{Type: "late"}); !errors.Is(err, ErrEventDropped) {
		t.Errorf("Publish() after Shutdown = %v, want ErrEventDropped", err)
	}
	if ep.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", ep.Dropped())
	}
}

func TestEventsDisabled(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: false})
	called := false
	ep.Subscribe(func(Event) { called = true }, nil)
	ep.ForRun("r").Started("deploy", "/ws")
	if called {
		t.Fatal("disabled publisher delivered an event")
	}

	var nilPublisher *EventPublisher
	if err := nilPublisher.Publish(Event{}); err != nil {
		t.Fatalf("nil publisher Publish() = %v", err)
	}
}

func TestEventDefaults(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true})
	var got Event
	ep.Subscribe(func(e Event) { got = e }, nil)
	_ = ep.Publish(Event{Type: "custom"})
	if got.ID == "" {
		t.Error("event ID not set")
	}
	if got.Timestamp.IsZero() {
		t.Error("event timestamp not set")
	}
}

func TestNoopTelemetry(t *testing.T) {
	tel := Noop()
	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Fatal("telemetry not found in context")
	}

	stage := StartStage(ctx, "render")
	stage.Logger.Info("quiet")
	stage.End(nil)

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestStartStageWithoutTelemetry(t *testing.T) {
	stage := StartStage(context.Background(), "load")
	if stage.Span == nil || stage.Logger == nil || stage.Timer == nil {
		t.Fatal("stage must be fully populated without telemetry")
	}
	stage.End(nil)
}

func TestTracerSpans(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: true, Exporter: "none", SamplingRate: 1}, "chgops", "test", "ci")
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}
	ctx, span := tr.StartRunSpan(context.Background(), "run-1")
	if TraceID(ctx) == "" {
		t.Error("sampled run span has no trace id")
	}
	_, task := tr.StartTaskSpan(ctx, 0, "build", "dx.core.bash")
	EndSpan(task, nil)
	EndSpan(span, nil)
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if _, err := NewTracer(TracingConfig{Enabled: true, Exporter: "zipkin"}, "chgops", "test", "ci"); err == nil {
		t.Fatal("unknown exporter accepted")
	}
}

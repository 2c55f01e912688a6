// Package telemetry provides observability for chgops runs.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an event publisher behind a
// single Telemetry value that travels in the context:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
// Loggers carry run and task fields:
//
//	logger := telemetry.FromContext(ctx).WithRunID(runID).WithTask("build", "dx.core.bash")
//	logger.Info("task started")
//
// Packages that take a zerolog.Logger directly get one from Logger.Zerolog.
//
// # Tracing
//
// A run produces one root span ("run.execute"), a span per pipeline stage
// ("stage.<name>") and a span per task ("task.execute"). Supported exporters
// are "otlp" (gRPC), "stdout" and "none". Tracing is disabled by default.
//
// # Metrics
//
// Key metrics exposed:
//
//   - chgops_runs_started_total
//   - chgops_runs_completed_total{status}
//   - chgops_run_duration_seconds{status}
//   - chgops_tasks_total{kind,disposition}
//   - chgops_task_duration_seconds{kind}
//   - chgops_render_passes
//   - chgops_errors_total{class}
//   - chgops_policy_violations_total{severity}
//   - chgops_active_runs
//
// Metrics.Serve exposes them over HTTP until its context is cancelled.
//
// # Events
//
// The EventPublisher delivers run, task and policy events to subscribers.
// Delivery is synchronous unless EventsConfig.EnableAsync is set, in which
// case a single goroutine drains a bounded buffer in order.
package telemetry

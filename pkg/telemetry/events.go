package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is a structured record of something that happened during a run.
// Task events carry the task name in Task and its index and kind in Data.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	RunID     string         `json:"run_id,omitempty"`
	Task      string         `json:"task,omitempty"`
	Message   string         `json:"message"`
	Level     string         `json:"level"`
	Data      map[string]any `json:"data,omitempty"`
}

// Event types published by the engine.
const (
	EventTypeRunStarted      = "run.started"
	EventTypeRunCompleted    = "run.completed"
	EventTypeRunFailed       = "run.failed"
	EventTypeTaskStarted     = "task.started"
	EventTypeTaskCompleted   = "task.completed"
	EventTypeTaskSkipped     = "task.skipped"
	EventTypeTaskFailed      = "task.failed"
	EventTypePolicyViolation = "policy.violation"
	EventTypeRenderWarning   = "render.warning"
)

// Event levels, lowest first.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrEventDropped is returned by Publish when the async buffer is full or
// the publisher has shut down.
var ErrEventDropped = errors.New("event dropped")

// EventSubscriber handles one event.
type EventSubscriber func(event Event)

// EventFilter selects the events a subscriber sees.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers.
//
// Synchronous delivery (the default) runs subscribers on the publishing
// goroutine in subscription order, so the history store sees a run's events
// in the order they happened. Async delivery queues events for one
// background goroutine and drops them when the queue is full.
type EventPublisher struct {
	enabled bool

	mu   sync.RWMutex
	subs []subscription

	queue   chan Event
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewEventPublisher creates a publisher. A disabled publisher accepts and
// discards everything.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{enabled: cfg.Enabled}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}
	ep.queue = make(chan Event, cfg.BufferSize)
	ep.stop = make(chan struct{})
	ep.done = make(chan struct{})
	go ep.loop()
	return ep, nil
}

// Subscribe adds a subscriber. A nil filter accepts everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// Publish stamps event with an ID and timestamp when missing and delivers
// it.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}
	select {
	case <-ep.stop:
	default:
		select {
		case ep.queue <- event:
			return nil
		default:
		}
	}
	ep.dropped.Add(1)
	return fmt.Errorf("%w: %s", ErrEventDropped, event.Type)
}

// Dropped returns how many events the async queue has rejected.
func (ep *EventPublisher) Dropped() int64 {
	if ep == nil {
		return 0
	}
	return ep.dropped.Load()
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

func (ep *EventPublisher) loop() {
	defer close(ep.done)
	for {
		select {
		case event := <-ep.queue:
			ep.deliver(event)
		case <-ep.stop:
			for {
				select {
				case event := <-ep.queue:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

// Shutdown stops an async publisher after delivering what is queued.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || ep.queue == nil {
		return nil
	}
	ep.once.Do(func() { close(ep.stop) })
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// ForRun returns the publisher for the events of one run.
func (ep *EventPublisher) ForRun(runID string) RunEvents {
	return RunEvents{ep: ep, runID: runID}
}

// RunEvents publishes the events of one run. Delivery errors only matter
// for async publishers and are counted by Dropped.
type RunEvents struct {
	ep    *EventPublisher
	runID string
}

func (r RunEvents) publish(typ, source, level, message string, data map[string]any) {
	_ = r.ep.Publish(Event{
		Type:    typ,
		Source:  source,
		RunID:   r.runID,
		Level:   level,
		Message: message,
		Data:    data,
	})
}

// Started marks the beginning of the run in workspace.
func (r RunEvents) Started(playbook, workspace string) {
	r.publish(EventTypeRunStarted, "engine", EventLevelInfo,
		fmt.Sprintf("run of %s started", playbook),
		map[string]any{"playbook": playbook, "workspace": workspace})
}

// Completed marks a run that executed its tasks, whatever their outcome.
func (r RunEvents) Completed(status string, elapsed time.Duration) {
	level := EventLevelInfo
	if status != "succeeded" {
		level = EventLevelWarning
	}
	r.publish(EventTypeRunCompleted, "engine", level,
		fmt.Sprintf("run %s in %s", status, elapsed.Round(time.Millisecond)),
		map[string]any{"status": status, "duration": elapsed.Seconds()})
}

// Failed marks a run stopped by a stage error or cancellation.
func (r RunEvents) Failed(status string, err error) {
	r.publish(EventTypeRunFailed, "engine", EventLevelError,
		fmt.Sprintf("run %s: %v", status, err),
		map[string]any{"status": status, "reason": err.Error()})
}

// RenderWarning reports a self-render that did not converge.
func (r RunEvents) RenderWarning(message string, passes int) {
	r.publish(EventTypeRenderWarning, "render", EventLevelWarning, message,
		map[string]any{"passes": passes})
}

// PolicyFinding reports one deny or warn result.
func (r RunEvents) PolicyFinding(policy, severity, task, message string, blocking bool) {
	level := EventLevelWarning
	if blocking {
		level = EventLevelError
	}
	data := map[string]any{"policy": policy, "severity": severity, "blocking": blocking}
	if task != "" {
		data["task"] = task
	}
	r.publish(EventTypePolicyViolation, "policy", level, policy+": "+message, data)
}

// Task returns the publisher for the task at index.
func (r RunEvents) Task(index int, name, kind string) TaskEvents {
	return TaskEvents{run: r, index: index, name: name, kind: kind}
}

// TaskEvents publishes the events of one task of a run.
type TaskEvents struct {
	run   RunEvents
	index int
	name  string
	kind  string
}

func (t TaskEvents) publish(typ, level, message string, extra map[string]any) {
	data := map[string]any{"index": t.index, "kind": t.kind}
	for k, v := range extra {
		data[k] = v
	}
	_ = t.run.ep.Publish(Event{
		Type:    typ,
		Source:  "engine",
		RunID:   t.run.runID,
		Task:    t.name,
		Level:   level,
		Message: message,
		Data:    data,
	})
}

// Started marks the task as running.
func (t TaskEvents) Started() {
	t.publish(EventTypeTaskStarted, EventLevelInfo, fmt.Sprintf("task %q started", t.name), nil)
}

// Finished publishes task.skipped, task.failed or task.completed according
// to disposition.
func (t TaskEvents) Finished(disposition string, status int, message string, elapsed time.Duration) {
	data := map[string]any{"disposition": disposition, "status": status, "duration": elapsed.Seconds()}
	switch disposition {
	case "skipped":
		t.publish(EventTypeTaskSkipped, EventLevelInfo, fmt.Sprintf("task %q skipped", t.name), data)
	case "failed":
		data["reason"] = message
		t.publish(EventTypeTaskFailed, EventLevelError, fmt.Sprintf("task %q failed: %s", t.name, message), data)
	default:
		t.publish(EventTypeTaskCompleted, EventLevelInfo, fmt.Sprintf("task %q %s", t.name, disposition), data)
	}
}

var levelRank = map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(e Event) bool { return levelRank[e.Level] >= floor }
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	return func(e Event) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

// FilterByRunID accepts the events of one run.
func FilterByRunID(runID string) EventFilter {
	return func(e Event) bool { return e.RunID == runID }
}

// FilterByTask accepts the events of one task of one run.
func FilterByTask(runID, task string) EventFilter {
	return func(e Event) bool { return e.RunID == runID && e.Task == task }
}

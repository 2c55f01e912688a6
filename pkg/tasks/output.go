package tasks

import "time"

// Disposition is the single outcome of one task execution.
type Disposition string

const (
	// DispositionPending means the task has not been executed yet.
	DispositionPending   Disposition = ""
	DispositionSucceeded Disposition = "succeeded"
	DispositionChanged   Disposition = "changed"
	DispositionFailed    Disposition = "failed"
	DispositionSkipped   Disposition = "skipped"
)

// Output is the result of one task execution.
//
// The integer flags are derived from Disposition: exactly one of Success,
// Failed and Skipped is 1 once the task has run, and Changed implies Success.
type Output struct {
	Stdout  string `json:"stdout" yaml:"stdout"`
	Stderr  string `json:"stderr" yaml:"stderr"`
	Message string `json:"message" yaml:"message"`

	// Status is the exit status of the command, or -1 when it could not be
	// started or did not finish.
	Status int `json:"status" yaml:"status"`

	Success int `json:"success" yaml:"success"`
	Failed  int `json:"failed" yaml:"failed"`
	Skipped int `json:"skipped" yaml:"skipped"`
	Changed int `json:"changed" yaml:"changed"`

	// Data is the structured result, if the task produced one.
	Data any `json:"data,omitempty" yaml:"data,omitempty"`

	StartTime   time.Time   `json:"start_time" yaml:"start_time"`
	EndTime     time.Time   `json:"end_time" yaml:"end_time"`
	Disposition Disposition `json:"disposition" yaml:"disposition"`
}

// Duration returns the time between start and end.
func (o Output) Duration() time.Duration {
	if o.EndTime.Before(o.StartTime) {
		return 0
	}
	return o.EndTime.Sub(o.StartTime)
}

func (o *Output) settle(d Disposition, message string) {
	o.Disposition = d
	o.Message = message
	o.Success, o.Failed, o.Skipped, o.Changed = 0, 0, 0, 0
	switch d {
	case DispositionSucceeded:
		o.Success = 1
	case DispositionChanged:
		o.Success = 1
		o.Changed = 1
	case DispositionFailed:
		o.Failed = 1
	case DispositionSkipped:
		o.Skipped = 1
	}
}

func (o *Output) fail(message string) {
	o.settle(DispositionFailed, message)
}

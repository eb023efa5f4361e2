// Package events carries run progress from the engine to observers such as
// notifications and metrics.
package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Kind names an event.
type Kind string

const (
	RunStarted   Kind = "run.started"
	RunFinished  Kind = "run.finished"
	RunFailed    Kind = "run.failed"
	PhaseStarted Kind = "phase.started"
	PhaseSkipped Kind = "phase.skipped"
	// PhaseProgress follows every sub-transaction commit.
	PhaseProgress Kind = "phase.progress"
	PhasePassed   Kind = "phase.passed"
	PhaseFailed   Kind = "phase.failed"
	StepDone      Kind = "step.done"
)

// Counts is the per-step tally attached to StepDone events.
type Counts struct {
	Action     string `json:"action"`
	Matched    int64  `json:"matched,omitempty"`
	Inserted   int64  `json:"inserted,omitempty"`
	Excluded   int64  `json:"excluded,omitempty"`
	Deferred   int    `json:"deferred,omitempty"`
	Resolved   int    `json:"resolved,omitempty"`
	Unresolved int    `json:"unresolved,omitempty"`
	Nulled     int    `json:"nulled,omitempty"`
	// Columns holds the unresolved and nulled references per column.
	Columns map[string]int `json:"columns,omitempty"`
}

// Event is one progress notification.
type Event struct {
	Kind     Kind          `json:"event"`
	Source   string        `json:"source"`
	Attempt  string        `json:"attempt,omitempty"`
	Phase    string        `json:"phase,omitempty"`
	Entity   string        `json:"entity,omitempty"`
	Rows     int64         `json:"rows,omitempty"`
	Total    int64         `json:"total,omitempty"`
	DryRun   bool          `json:"dry_run,omitempty"`
	Counts   *Counts       `json:"counts,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
	Error    string        `json:"error,omitempty"`
	Time     time.Time     `json:"time"`
}

// Observer receives events. Observe must not block the run for long and
// never fails it.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// Multi fans events out to every observer in order.
type Multi []Observer

// Observe implements Observer.
func (m Multi) Observe(ctx context.Context, ev Event) {
	for _, o := range m {
		o.Observe(ctx, ev)
	}
}

// Log returns an observer writing events to log.
func Log(log *zap.Logger) Observer {
	return ObserverFunc(func(_ context.Context, ev Event) {
		fields := []zap.Field{zap.String("event", string(ev.Kind))}
		if ev.Phase != "" {
			fields = append(fields, zap.String("phase", ev.Phase))
		}
		if ev.Entity != "" {
			fields = append(fields, zap.String("entity", ev.Entity))
		}
		if ev.Rows != 0 {
			fields = append(fields, zap.Int64("rows", ev.Rows))
		}
		if ev.Duration != 0 {
			fields = append(fields, zap.Duration("duration", ev.Duration))
		}
		switch {
		case ev.Error != "":
			log.Error("run event", append(fields, zap.String("error", ev.Error))...)
		case ev.Kind == StepDone || ev.Kind == PhaseProgress:
			log.Debug("run event", fields...)
		default:
			log.Info("run event", fields...)
		}
	})
}

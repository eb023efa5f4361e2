package engine

import (
	"time"

	"github.com/lherron/beehive/internal/catalogue"
	"github.com/lherron/beehive/internal/checkpoint"
	"github.com/lherron/beehive/internal/mover"
)

// StepResult is what one step did.
type StepResult struct {
	Action  catalogue.Action `json:"action"`
	Entity  string           `json:"entity"`
	Skipped bool             `json:"skipped,omitempty"`
	Counts  mover.Result     `json:"counts"`
}

// PhaseResult is the outcome of one phase.
type PhaseResult struct {
	Name   string            `json:"name"`
	Status checkpoint.Status `json:"status"`
	// Skipped phases passed in an earlier attempt.
	Skipped bool `json:"skipped,omitempty"`
	// Resumed phases continued from a committed offset or passed chunks.
	Resumed  bool          `json:"resumed,omitempty"`
	Rows     int64         `json:"rows"`
	Duration time.Duration `json:"duration_ns"`
	Steps    []StepResult  `json:"steps,omitempty"`
}

// Result summarizes a run. On failure it holds everything that finished
// before the error.
type Result struct {
	Source     string        `json:"source"`
	Attempt    string        `json:"attempt"`
	DryRun     bool          `json:"dry_run"`
	Resumed    bool          `json:"resumed"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Phases     []PhaseResult `json:"phases"`
	// Entities holds the counts per entity in first-touched order.
	Entities []mover.Result `json:"entities"`
	Error    string         `json:"error,omitempty"`
}

// Entity returns the accumulated counts of one entity.
func (r *Result) Entity(name string) (mover.Result, bool) {
	for _, e := range r.Entities {
		if e.Entity == name {
			return e, true
		}
	}
	return mover.Result{}, false
}

// Inserted returns the rows written across every entity.
func (r *Result) Inserted() int64 {
	var n int64
	for _, e := range r.Entities {
		n += e.Inserted
	}
	return n
}

// Unresolved returns every reference the run left null.
func (r *Result) Unresolved() int {
	n := 0
	for _, e := range r.Entities {
		n += e.Unresolved
	}
	return n
}

func (r *Result) add(res mover.Result) {
	for i := range r.Entities {
		if r.Entities[i].Entity == res.Entity {
			r.Entities[i].Merge(res)
			return
		}
	}
	acc := mover.Result{Entity: res.Entity}
	acc.Merge(res)
	r.Entities = append(r.Entities, acc)
}

// Package report builds the summary written after a merge and delivers it to
// a local file or an S3 bucket.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/lherron/beehive/internal/engine"
	"github.com/lherron/beehive/internal/mover"
)

// maxSamples caps the unresolved references listed in a report.
const maxSamples = 50

// Entity is the per-entity tally.
type Entity struct {
	Name         string `json:"name"`
	Consolidated int64  `json:"consolidated"`
	Inserted     int64  `json:"inserted"`
	Excluded     int64  `json:"excluded"`
	Deferred     int    `json:"deferred"`
	Resolved     int    `json:"resolved"`
	Unresolved   int    `json:"unresolved"`
	Nulled       int    `json:"nulled"`
}

// Phase is one line of the phase table.
type Phase struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Skipped  bool   `json:"skipped,omitempty"`
	Resumed  bool   `json:"resumed,omitempty"`
	Rows     int64  `json:"rows"`
	Duration string `json:"duration"`
}

// Report is the document written after a merge.
type Report struct {
	Source     string             `json:"source"`
	Attempt    string             `json:"attempt"`
	Status     string             `json:"status"`
	DryRun     bool               `json:"dry_run"`
	Resumed    bool               `json:"resumed"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Duration   string             `json:"duration"`
	Error      string             `json:"error,omitempty"`
	Phases     []Phase            `json:"phases"`
	Entities   []Entity           `json:"entities"`
	Unresolved []mover.Diagnostic `json:"unresolved,omitempty"`
}

// FromResult summarizes a run result.
func FromResult(res *engine.Result) *Report {
	r := &Report{
		Source:     res.Source,
		Attempt:    res.Attempt,
		Status:     "passed",
		DryRun:     res.DryRun,
		Resumed:    res.Resumed,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Duration:   res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond).String(),
		Error:      res.Error,
		Phases:     make([]Phase, 0, len(res.Phases)),
		Entities:   make([]Entity, 0, len(res.Entities)),
	}
	if res.Error != "" {
		r.Status = "failed"
	}
	for _, p := range res.Phases {
		r.Phases = append(r.Phases, Phase{
			Name:     p.Name,
			Status:   string(p.Status),
			Skipped:  p.Skipped,
			Resumed:  p.Resumed,
			Rows:     p.Rows,
			Duration: p.Duration.Round(time.Millisecond).String(),
		})
	}
	for _, e := range res.Entities {
		r.Entities = append(r.Entities, Entity{
			Name:         e.Entity,
			Consolidated: e.Matched,
			Inserted:     e.Inserted,
			Excluded:     e.Excluded,
			Deferred:     e.Deferred,
			Resolved:     e.Resolved,
			Unresolved:   e.Unresolved,
			Nulled:       e.Nulled,
		})
		for _, d := range e.Diagnostics {
			if len(r.Unresolved) < maxSamples {
				r.Unresolved = append(r.Unresolved, d)
			}
		}
	}
	return r
}

// Encode writes the report as indented JSON.
func (r *Report) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

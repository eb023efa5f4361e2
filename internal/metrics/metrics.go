// Package metrics turns run events into Prometheus series. Merges are batch
// jobs, so the series are written to a node-exporter textfile instead of
// being scraped.
package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lherron/beehive/internal/catalogue"
	"github.com/lherron/beehive/internal/events"
)

const namespace = "beehive"

// Metrics is an events.Observer owning its own registry.
type Metrics struct {
	reg *prometheus.Registry

	moved         *prometheus.CounterVec
	consolidated  *prometheus.CounterVec
	unresolved    *prometheus.CounterVec
	nulled        *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	runs          *prometheus.CounterVec
}

// New registers the merge series on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		moved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_moved_total",
			Help:      "Rows inserted into the destination by move and parallel steps.",
		}, []string{"entity"}),
		consolidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_consolidated_total",
			Help:      "Rows handled by consolidation, by outcome (matched, inserted, excluded).",
		}, []string{"entity", "outcome"}),
		unresolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_unresolved_total",
			Help:      "Deferred references whose target was never migrated.",
		}, []string{"entity", "column"}),
		nulled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "references_nulled_total",
			Help:      "Optional references written as null because the target had no mapping.",
		}, []string{"entity", "column"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall time of passed phases.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"phase"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by status.",
		}, []string{"status"}),
	}
	m.reg.MustRegister(m.moved, m.consolidated, m.unresolved, m.nulled, m.phaseDuration, m.runs)
	return m
}

// Registry returns the registry holding the series.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Observe implements events.Observer.
func (m *Metrics) Observe(_ context.Context, ev events.Event) {
	switch ev.Kind {
	case events.StepDone:
		if ev.Counts != nil {
			m.step(ev.Entity, ev.Counts)
		}
	case events.PhasePassed:
		m.phaseDuration.WithLabelValues(ev.Phase).Observe(ev.Duration.Seconds())
	case events.RunFinished:
		m.runs.WithLabelValues("passed").Inc()
	case events.RunFailed:
		m.runs.WithLabelValues("failed").Inc()
	}
}

func (m *Metrics) step(entity string, c *events.Counts) {
	switch catalogue.Action(c.Action) {
	case catalogue.ActionConsolidate:
		m.consolidated.WithLabelValues(entity, "matched").Add(float64(c.Matched))
		m.consolidated.WithLabelValues(entity, "inserted").Add(float64(c.Inserted))
	case catalogue.ActionMove, catalogue.ActionParallel:
		m.moved.WithLabelValues(entity).Add(float64(c.Inserted))
		if c.Excluded > 0 {
			m.consolidated.WithLabelValues(entity, "excluded").Add(float64(c.Excluded))
		}
		for col, n := range c.Columns {
			m.nulled.WithLabelValues(entity, col).Add(float64(n))
		}
	case catalogue.ActionResolve:
		for col, n := range c.Columns {
			m.unresolved.WithLabelValues(entity, col).Add(float64(n))
		}
	}
}

// WriteFile writes every series to path in the text exposition format.
func (m *Metrics) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}

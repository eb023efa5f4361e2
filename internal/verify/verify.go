// Package verify checks that every row a merge moved is present in the
// destination, matching rows by uuid.
package verify

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lherron/beehive/internal/catalogue"
	"github.com/lherron/beehive/internal/db"
	"github.com/lherron/beehive/internal/exclusion"
)

// DefaultMaxMissing caps the missing rows listed per entity.
const DefaultMaxMissing = 100

// Count compares one entity's source rows with the destination.
type Count struct {
	Entity   string `json:"entity" yaml:"entity"`
	Expected int64  `json:"expected" yaml:"expected"`
	Present  int64  `json:"present" yaml:"present"`
}

// Missing is a source row whose uuid is absent from the destination.
type Missing struct {
	Entity string `json:"entity" yaml:"entity"`
	ID     int64  `json:"id" yaml:"id"`
	UUID   string `json:"uuid" yaml:"uuid"`
}

// Result is the outcome of a verification.
type Result struct {
	Counts  []Count   `json:"counts" yaml:"counts"`
	Missing []Missing `json:"missing,omitempty" yaml:"missing,omitempty"`
	// Skipped names optional entities whose table is absent on either side.
	Skipped []string `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

// OK reports whether every expected row is present.
func (r *Result) OK() bool {
	for _, c := range r.Counts {
		if c.Present != c.Expected {
			return false
		}
	}
	return true
}

// Diff renders expected against present counts as a unified diff. It is
// empty when the counts agree.
func (r *Result) Diff() (string, error) {
	if r.OK() {
		return "", nil
	}
	var expected, present strings.Builder
	for _, c := range r.Counts {
		fmt.Fprintf(&expected, "%s %d\n", c.Entity, c.Expected)
		fmt.Fprintf(&present, "%s %d\n", c.Entity, c.Present)
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(expected.String()),
		B:        difflib.SplitLines(present.String()),
		FromFile: "source",
		ToFile:   "destination",
		Context:  1,
	})
}

// Verifier compares a source database against the destination it was merged
// into.
type Verifier struct {
	cat        *catalogue.Catalogue
	src, dest  db.Handle
	maxMissing int
	workers    int
	log        *zap.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithMaxMissing sets how many missing rows are listed per entity.
func WithMaxMissing(n int) Option {
	return func(v *Verifier) { v.maxMissing = n }
}

// WithWorkers bounds how many entities are checked at once.
func WithWorkers(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(v *Verifier) { v.log = log }
}

// New returns a verifier for the moved entities of cat.
func New(cat *catalogue.Catalogue, src, dest db.Handle, opts ...Option) *Verifier {
	v := &Verifier{
		cat:        cat,
		src:        src,
		dest:       dest,
		maxMissing: DefaultMaxMissing,
		workers:    4,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// target is one moved entity and the step filters that selected its rows.
type target struct {
	entity *catalogue.Entity
	wheres []string
}

// targets lists the entities written by move and parallel steps that carry a
// uuid column, in plan order.
func (v *Verifier) targets() []target {
	var out []target
	index := map[string]int{}
	for _, p := range v.cat.Phases {
		for _, s := range p.Steps {
			if s.Action != catalogue.ActionMove && s.Action != catalogue.ActionParallel {
				continue
			}
			e, ok := v.cat.Entity(s.Entity)
			if !ok || e.UUIDColumn == "" {
				continue
			}
			where := db.And(e.Where, s.Where)
			if i, seen := index[e.Name]; seen {
				out[i].wheres = append(out[i].wheres, where)
				continue
			}
			index[e.Name] = len(out)
			out = append(out, target{entity: e, wheres: []string{where}})
		}
	}
	return out
}

// Run checks every target entity.
func (v *Verifier) Run(ctx context.Context) (*Result, error) {
	targets := v.targets()
	counts := make([]*Count, len(targets))
	missing := make([][]Missing, len(targets))
	skipped := make([]bool, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.workers)
	for i, t := range targets {
		g.Go(func() error {
			if t.entity.Optional {
				ok, err := v.present(gctx, t.entity.Table)
				if err != nil {
					return err
				}
				if !ok {
					skipped[i] = true
					return nil
				}
			}
			c, m, err := v.check(gctx, t)
			if err != nil {
				return fmt.Errorf("failed to verify %s: %w", t.entity.Name, err)
			}
			counts[i], missing[i] = c, m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{}
	for i, t := range targets {
		if skipped[i] {
			res.Skipped = append(res.Skipped, t.entity.Name)
			continue
		}
		res.Counts = append(res.Counts, *counts[i])
		res.Missing = append(res.Missing, missing[i]...)
	}
	return res, nil
}

func (v *Verifier) present(ctx context.Context, table string) (bool, error) {
	for _, h := range []db.Handle{v.src, v.dest} {
		ok, err := h.Dialect().TableExists(ctx, h.Executor(), table)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (v *Verifier) check(ctx context.Context, t target) (*Count, []Missing, error) {
	e := t.entity

	seen := map[int64]bool{}
	var rows []exclusion.Keyed
	for _, where := range t.wheres {
		part, err := exclusion.ReadUUIDs(ctx, v.src, e, where)
		if err != nil {
			return nil, nil, err
		}
		for _, r := range part {
			if !seen[r.ID] {
				seen[r.ID] = true
				rows = append(rows, r)
			}
		}
	}
	slices.SortFunc(rows, func(a, b exclusion.Keyed) int {
		return cmp.Compare(a.ID, b.ID)
	})

	destRows, err := exclusion.ReadUUIDs(ctx, v.dest, e, "")
	if err != nil {
		return nil, nil, err
	}
	have := make(map[string]struct{}, len(destRows))
	for _, r := range destRows {
		have[r.UUID] = struct{}{}
	}

	c := &Count{Entity: e.Name, Expected: int64(len(rows))}
	var missing []Missing
	for _, r := range rows {
		if _, ok := have[r.UUID]; ok {
			c.Present++
			continue
		}
		if len(missing) < v.maxMissing {
			missing = append(missing, Missing{Entity: e.Name, ID: r.ID, UUID: r.UUID})
		}
	}
	if c.Present != c.Expected {
		v.log.Warn("rows missing from destination",
			zap.String("entity", e.Name),
			zap.Int64("expected", c.Expected),
			zap.Int64("present", c.Present))
	}
	return c, missing, nil
}

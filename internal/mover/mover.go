// Package mover copies entity rows from a source database into a destination
// database, assigning destination keys and rewriting references through the
// identity maps.
package mover

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lherron/beehive/internal/catalogue"
	"github.com/lherron/beehive/internal/db"
	"github.com/lherron/beehive/internal/idmap"
)

const (
	DefaultPageSize = 1000

	// diagnostics kept per result; the rest are only counted
	maxDiagnostics = 100
)

// Mover runs the table movers of one run.
type Mover struct {
	cat      *catalogue.Catalogue
	maps     *idmap.Store
	log      *zap.Logger
	pageSize int
}

// Option configures a Mover.
type Option func(*Mover)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Mover) { m.log = log }
}

// WithPageSize sets the default page size.
func WithPageSize(n int) Option {
	return func(m *Mover) {
		if n > 0 {
			m.pageSize = n
		}
	}
}

// New returns a Mover that reads and writes identity maps in maps.
func New(cat *catalogue.Catalogue, maps *idmap.Store, opts ...Option) *Mover {
	m := &Mover{cat: cat, maps: maps, log: zap.NewNop(), pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Maps returns the identity map store.
func (m *Mover) Maps() *idmap.Store {
	return m.maps
}

// Result counts what one mover invocation did.
type Result struct {
	Entity     string `json:"entity"`
	Matched    int64  `json:"matched,omitempty"`
	Inserted   int64  `json:"inserted,omitempty"`
	Excluded   int64  `json:"excluded,omitempty"`
	Deferred   int    `json:"deferred,omitempty"`
	Resolved   int    `json:"resolved,omitempty"`
	Unresolved int    `json:"unresolved,omitempty"`
	Nulled     int    `json:"nulled,omitempty"`
	// Columns counts unresolved and nulled references per column.
	Columns     map[string]int `json:"columns,omitempty"`
	Diagnostics []Diagnostic   `json:"diagnostics,omitempty"`
}

func (r *Result) diagnose(d Diagnostic) {
	if r.Columns == nil {
		r.Columns = make(map[string]int)
	}
	r.Columns[d.Column]++
	r.keep(d)
}

func (r *Result) keep(d Diagnostic) {
	if len(r.Diagnostics) < maxDiagnostics {
		r.Diagnostics = append(r.Diagnostics, d)
	}
}

// Merge adds the counts of other into r.
func (r *Result) Merge(other Result) {
	r.Matched += other.Matched
	r.Inserted += other.Inserted
	r.Excluded += other.Excluded
	r.Deferred += other.Deferred
	r.Resolved += other.Resolved
	r.Unresolved += other.Unresolved
	r.Nulled += other.Nulled
	for col, n := range other.Columns {
		if r.Columns == nil {
			r.Columns = make(map[string]int)
		}
		r.Columns[col] += n
	}
	for _, d := range other.Diagnostics {
		r.keep(d)
	}
}

func (m *Mover) entity(name string) (*catalogue.Entity, error) {
	e, ok := m.cat.Entity(name)
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", name)
	}
	return e, nil
}

// storeLookup reads the shared store.
func (m *Mover) storeLookup(entity string) idmap.Lookup {
	return m.maps.Map(entity)
}

type boundRef struct {
	ref  catalogue.Reference
	idx  int
	pass bool
	ids  idmap.Lookup
	// when is the condition column index and keys the source keys it must
	// hold, for conditional references.
	when int
	keys map[int64]bool
}

// rewriter maps the reference columns of one entity's rows.
type rewriter struct {
	entity      *catalogue.Entity
	refs        []boundRef
	conditional bool
}

func (m *Mover) newRewriter(ctx context.Context, src db.Handle, e *catalogue.Entity, cols columnIndex, lookup func(string) idmap.Lookup) (*rewriter, error) {
	rw := &rewriter{entity: e}
	for _, r := range e.Refs() {
		idx, ok := cols.lookup(r.Column)
		if !ok {
			continue
		}
		target, err := m.entity(r.Entity)
		if err != nil {
			return nil, err
		}
		b := boundRef{ref: r, idx: idx, pass: !target.Mapped(), when: -1}
		if !b.pass {
			b.ids = lookup(r.Entity)
		}
		if r.When != nil {
			if b.when, ok = cols.lookup(r.When.Column); !ok {
				continue
			}
			if b.keys, err = m.conditionKeys(ctx, src, r.When); err != nil {
				return nil, err
			}
			rw.conditional = true
		}
		rw.refs = append(rw.refs, b)
	}
	return rw, nil
}

// conditionKeys reads the source keys of the rows c selects.
func (m *Mover) conditionKeys(ctx context.Context, src db.Handle, c *catalogue.Condition) (map[int64]bool, error) {
	e, err := m.entity(c.Entity)
	if err != nil {
		return nil, err
	}
	q := src.Dialect().SelectPage(e.Table, []string{e.Key}, db.And(e.Where, c.Where), []string{e.Key}, 0, 0)
	rows, err := fetch(ctx, src, q)
	if err != nil {
		return nil, statementFailure(c.Entity, q, -1, err)
	}
	keys := make(map[int64]bool, len(rows))
	for _, r := range rows {
		if k, ok := toInt64(r[0]); ok {
			keys[k] = true
		}
	}
	return keys, nil
}

// apply rewrites r in place. destID is the row's destination key, used to
// address deferred references.
func (rw *rewriter) apply(r row, destID int64, offset int64, res *Result) ([]idmap.Deferred, error) {
	// conditions test source values, so settle them before any rewrite
	var off []bool
	if rw.conditional {
		off = make([]bool, len(rw.refs))
		for i, b := range rw.refs {
			if b.keys == nil {
				continue
			}
			k, ok := toInt64(r[b.when])
			off[i] = !ok || !b.keys[k]
		}
	}

	var deferred []idmap.Deferred
	for i, b := range rw.refs {
		v := r[b.idx]
		if v == nil || b.pass || (off != nil && off[i]) {
			continue
		}
		src, ok := toInt64(v)
		if !ok {
			return nil, unresolvedRequired(rw.entity.Name, offset, "%s holds non-integer reference %v", b.ref.Column, v)
		}
		if dest, ok := b.ids.Get(src); ok {
			r[b.idx] = sameForm(v, dest)
			continue
		}
		switch {
		case b.ref.Deferred:
			if rw.entity.KeyStrategy == catalogue.KeyNone {
				return nil, fmt.Errorf("%s.%s: deferred references need a key column", rw.entity.Name, b.ref.Column)
			}
			if b.ref.Placeholder != nil {
				r[b.idx] = *b.ref.Placeholder
			} else {
				r[b.idx] = nil
			}
			deferred = append(deferred, idmap.Deferred{Entity: rw.entity.Name, Column: b.ref.Column, DestID: destID, SrcValue: src})
		case b.ref.Required:
			return nil, unresolvedRequired(rw.entity.Name, offset, "%s=%d has no %s mapping", b.ref.Column, src, b.ref.Entity)
		default:
			r[b.idx] = nil
			res.Nulled++
			res.diagnose(Diagnostic{
				Kind:     KindUnresolvedOptionalReference,
				Entity:   rw.entity.Name,
				Column:   b.ref.Column,
				DestID:   destID,
				SrcValue: src,
				Reason:   fmt.Sprintf("%s %d was not migrated", b.ref.Entity, src),
			})
		}
	}
	return deferred, nil
}

// insertRows writes rows with as few statements as the parameter limit
// allows and returns the number of rows the database reports inserted.
func insertRows(ctx context.Context, dest db.Handle, e *catalogue.Entity, cols []string, rows []row, offset int64) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	d := dest.Dialect()
	perStmt := max(1, d.MaxParams()/len(cols))

	var affected int64
	for start := 0; start < len(rows); start += perStmt {
		end := min(start+perStmt, len(rows))
		batch := rows[start:end]
		stmt := d.InsertRows(e.Table, cols, len(batch), e.IgnoreDuplicates)
		args := make([]any, 0, len(batch)*len(cols))
		for _, r := range batch {
			args = append(args, r...)
		}
		res, err := dest.Executor().ExecContext(ctx, stmt, args...)
		if err != nil {
			return affected, statementFailure(e.Name, stmt, offset, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return affected, statementFailure(e.Name, stmt, offset, err)
		}
		if !e.IgnoreDuplicates && n != int64(len(batch)) {
			return affected, verificationMismatch(e.Name, "insert reported %d rows for a page of %d", n, len(batch))
		}
		affected += n
	}
	return affected, nil
}

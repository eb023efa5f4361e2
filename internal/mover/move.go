package mover

import (
	"context"

	"go.uber.org/zap"

	"github.com/lherron/beehive/internal/catalogue"
	"github.com/lherron/beehive/internal/db"
	"github.com/lherron/beehive/internal/idmap"
)

// CommitFunc ends the current destination transaction after rowsDone source
// rows and returns the handle to continue on.
type CommitFunc func(ctx context.Context, rowsDone int64) (db.Handle, error)

// MoveOptions controls a bulk move.
type MoveOptions struct {
	// Where filters source rows, combined with the entity's own filter.
	Where    string
	PageSize int
	// Offset is the number of filtered source rows already committed.
	Offset int64
	// Limit caps the rows moved from Offset; zero moves the rest.
	Limit int64
	// StartID is the first key to assign; zero reads the next free id.
	StartID int64
	// SubTxRows makes the mover call Commit every SubTxRows rows.
	SubTxRows int64
	Commit    CommitFunc
	// Exclude lists source keys to skip.
	Exclude []int64

	// Lookup, Record and Defer replace the shared store; parallel workers
	// use them to stay off shared state.
	Lookup func(entity string) idmap.Lookup
	Record func(src, dest int64) error
	Defer  func(refs []idmap.Deferred)

	// SkipVerify leaves the count check to the caller.
	SkipVerify bool
}

// Filter returns the source filter a move over name uses.
func (m *Mover) Filter(src db.Handle, name, where string, exclude []int64) (string, error) {
	e, err := m.entity(name)
	if err != nil {
		return "", err
	}
	return moveFilter(src.Dialect(), e, where, exclude), nil
}

func moveFilter(d db.Dialect, e *catalogue.Entity, where string, exclude []int64) string {
	var notIn string
	if e.Key != "" {
		notIn = d.NotIn(e.Key, exclude)
	}
	return db.And(e.Where, where, notIn)
}

// MoveAll pages through the source rows of entity in order, rewrites their
// references, assigns destination keys and inserts each page with one
// statement. The destination row count must grow by exactly the rows moved.
func (m *Mover) MoveAll(ctx context.Context, src, dest db.Handle, name string, opts MoveOptions) (Result, error) {
	res := Result{Entity: name}
	e, err := m.entity(name)
	if err != nil {
		return res, err
	}
	log := m.log.With(zap.String("entity", name))

	if opts.PageSize <= 0 {
		opts.PageSize = m.pageSize
	}
	if opts.Lookup == nil {
		opts.Lookup = m.storeLookup
	}
	if opts.Record == nil {
		own := m.maps.Map(name)
		opts.Record = own.Put
	}
	if opts.Defer == nil {
		opts.Defer = func(refs []idmap.Deferred) { m.maps.Defer(refs...) }
	}

	cols, err := SharedColumns(ctx, src, dest, e.Table)
	if err != nil {
		return res, err
	}
	ci := indexColumns(cols)
	keyIdx := -1
	if e.Key != "" {
		var ok bool
		if keyIdx, ok = ci.lookup(e.Key); !ok {
			return res, unresolvedRequired(name, -1, "key column %s missing from %s", e.Key, e.Table)
		}
	}

	filter := moveFilter(src.Dialect(), e, opts.Where, opts.Exclude)
	total, err := db.CountRows(ctx, src, e.Table, filter)
	if err != nil {
		return res, statementFailure(name, src.Dialect().Count(e.Table, filter), -1, err)
	}
	remaining := max(total-opts.Offset, 0)
	if opts.Limit > 0 {
		remaining = min(remaining, opts.Limit)
	}

	var destBefore int64
	if !opts.SkipVerify {
		if destBefore, err = db.CountRows(ctx, dest, e.Table, ""); err != nil {
			return res, statementFailure(name, "count", -1, err)
		}
	}

	nextID := opts.StartID
	if e.KeyStrategy == catalogue.KeyAssign && nextID == 0 && remaining > 0 {
		if nextID, err = db.NextID(ctx, dest, e.Table, e.Key); err != nil {
			return res, statementFailure(name, "next id", -1, err)
		}
	}

	rw, err := m.newRewriter(ctx, src, e, ci, opts.Lookup)
	if err != nil {
		return res, err
	}
	var keySource idmap.Lookup
	if e.KeyStrategy == catalogue.KeyInherit {
		keySource = opts.Lookup(e.KeyFrom)
	}

	var moved, sinceCommit int64
	for moved < remaining {
		pageOffset := opts.Offset + moved
		n := min(int64(opts.PageSize), remaining-moved)
		q := src.Dialect().SelectPage(e.Table, cols, filter, e.OrderColumns(), int(n), pageOffset)
		rows, err := fetch(ctx, src, q)
		if err != nil {
			return res, statementFailure(name, q, pageOffset, err)
		}
		if len(rows) == 0 {
			break
		}

		var (
			mappings []pendingMapping
			deferred []idmap.Deferred
		)
		for _, r := range rows {
			var destID int64
			switch e.KeyStrategy {
			case catalogue.KeyAssign, catalogue.KeyInherit:
				srcID, ok := toInt64(r[keyIdx])
				if !ok {
					return res, unresolvedRequired(name, pageOffset, "non-integer key %v", r[keyIdx])
				}
				if e.KeyStrategy == catalogue.KeyAssign {
					destID = nextID
					nextID++
				} else if destID, ok = keySource.Get(srcID); !ok {
					return res, unresolvedRequired(name, pageOffset, "%s=%d has no %s mapping", e.Key, srcID, e.KeyFrom)
				}
				r[keyIdx] = destID
				mappings = append(mappings, pendingMapping{srcID, destID})
			}
			refs, err := rw.apply(r, destID, pageOffset, &res)
			if err != nil {
				return res, err
			}
			deferred = append(deferred, refs...)
		}

		affected, err := insertRows(ctx, dest, e, cols, rows, pageOffset)
		if err != nil {
			return res, err
		}
		for _, p := range mappings {
			if err := opts.Record(p.src, p.dest); err != nil {
				return res, unresolvedRequired(name, pageOffset, "%v", err)
			}
		}
		if len(deferred) > 0 {
			opts.Defer(deferred)
		}
		res.Inserted += affected
		res.Deferred += len(deferred)
		moved += int64(len(rows))
		sinceCommit += int64(len(rows))

		log.Debug("page moved", zap.Int64("offset", pageOffset), zap.Int("rows", len(rows)), zap.Int64("inserted", affected))

		if opts.SubTxRows > 0 && opts.Commit != nil && sinceCommit >= opts.SubTxRows && moved < remaining {
			if dest, err = opts.Commit(ctx, opts.Offset+moved); err != nil {
				return res, err
			}
			sinceCommit = 0
			log.Info("sub-transaction committed", zap.Int64("rows_done", opts.Offset+moved))
		}
	}

	if moved != remaining {
		return res, verificationMismatch(name, "source yielded %d of %d rows", moved, remaining)
	}
	if !opts.SkipVerify {
		destAfter, err := db.CountRows(ctx, dest, e.Table, "")
		if err != nil {
			return res, statementFailure(name, "count", -1, err)
		}
		if destAfter != destBefore+res.Inserted {
			return res, verificationMismatch(name, "destination has %d rows, expected %d + %d", destAfter, destBefore, res.Inserted)
		}
	}

	log.Info("moved", zap.Int64("rows", moved), zap.Int64("inserted", res.Inserted), zap.Int("deferred", res.Deferred))
	return res, nil
}

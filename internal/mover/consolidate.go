package mover

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lherron/beehive/internal/catalogue"
	"github.com/lherron/beehive/internal/db"
	"github.com/lherron/beehive/internal/idmap"
)

// ConsolidateOptions narrows a consolidation.
type ConsolidateOptions struct {
	// Where filters source rows, combined with the entity's own filter.
	Where string
	// MatchOnly maps matching rows and never inserts.
	MatchOnly bool
}

type pendingMapping struct {
	src  int64
	dest int64
}

// Consolidate matches every source row of entity against the destination by
// business key or uuid, maps the matches, and inserts the rest in one batch
// with a contiguous block of new keys.
func (m *Mover) Consolidate(ctx context.Context, src, dest db.Handle, name string, opts ConsolidateOptions) (Result, error) {
	res := Result{Entity: name}
	e, err := m.entity(name)
	if err != nil {
		return res, err
	}
	log := m.log.With(zap.String("entity", name))

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
	uuidIdx := -1
	if e.UUIDColumn != "" {
		if i, ok := ci.lookup(e.UUIDColumn); ok {
			uuidIdx = i
		}
	}

	where := db.And(e.Where, opts.Where)
	srcQuery := src.Dialect().SelectPage(e.Table, cols, where, e.OrderColumns(), 0, 0)
	destQuery := dest.Dialect().SelectPage(e.Table, cols, "", e.OrderColumns(), 0, 0)

	var srcRows, destRows []row
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := fetch(gctx, src, srcQuery)
		if err != nil {
			return statementFailure(name, srcQuery, -1, err)
		}
		srcRows = rows
		return nil
	})
	g.Go(func() error {
		rows, err := fetch(gctx, dest, destQuery)
		if err != nil {
			return statementFailure(name, destQuery, -1, err)
		}
		destRows = rows
		return nil
	})
	if err := g.Wait(); err != nil {
		return res, err
	}
	destBefore := int64(len(destRows))

	keyOf, err := m.businessKey(e, ci)
	if err != nil {
		return res, err
	}

	// first destination row in key order wins
	byKey := make(map[string]row)
	byUUID := make(map[string]row)
	for _, r := range destRows {
		if k, ok, _ := keyOf(r, false); ok {
			if _, dup := byKey[k]; !dup {
				byKey[k] = r
			}
		}
		if uuidIdx >= 0 {
			if u, ok := NormalizeUUID(r[uuidIdx]); ok {
				if _, dup := byUUID[u]; !dup {
					byUUID[u] = r
				}
			}
		}
	}

	rw, err := m.newRewriter(ctx, src, e, ci, m.storeLookup)
	if err != nil {
		return res, err
	}
	own := m.maps.Map(name)

	var (
		mappings []pendingMapping
		inserts  []row
		deferred []idmap.Deferred
		nextID   int64
		haveNext bool
	)
	pendingByKey := make(map[string]int64)
	pendingByNatural := make(map[string]bool)

	for _, r := range srcRows {
		var srcID int64
		if e.Mapped() {
			id, ok := toInt64(r[keyIdx])
			if !ok {
				return res, unresolvedRequired(name, -1, "non-integer key %v", r[keyIdx])
			}
			srcID = id
			if own.Contains(srcID) {
				res.Matched++
				continue
			}
		}

		key, hasKey, err := keyOf(r, true)
		if err != nil {
			return res, err
		}

		var match row
		if hasKey {
			match = byKey[key]
		}
		if match == nil && uuidIdx >= 0 {
			if u, ok := NormalizeUUID(r[uuidIdx]); ok {
				match = byUUID[u]
			}
		}
		if match != nil {
			res.Matched++
			if e.Mapped() {
				destID, ok := toInt64(match[keyIdx])
				if !ok {
					return res, unresolvedRequired(name, -1, "non-integer destination key %v", match[keyIdx])
				}
				mappings = append(mappings, pendingMapping{srcID, destID})
			}
			continue
		}

		if hasKey {
			if destID, ok := pendingByKey[key]; ok {
				// duplicate business key in the source resolves to the row
				// already queued for insert
				res.Matched++
				if e.Mapped() {
					mappings = append(mappings, pendingMapping{srcID, destID})
				}
				continue
			}
			if pendingByNatural[key] {
				res.Matched++
				continue
			}
		}

		if opts.MatchOnly {
			log.Debug("no destination match", zap.String("key", strings.ReplaceAll(key, keySep, "|")))
			continue
		}

		var destID int64
		switch e.KeyStrategy {
		case catalogue.KeyAssign:
			if !haveNext {
				if nextID, err = db.NextID(ctx, dest, e.Table, e.Key); err != nil {
					return res, statementFailure(name, "next id", -1, err)
				}
				haveNext = true
			}
			destID = nextID
			nextID++
			r[keyIdx] = destID
			mappings = append(mappings, pendingMapping{srcID, destID})
		case catalogue.KeyInherit:
			return res, unresolvedRequired(name, -1, "inherited keys cannot be consolidated")
		}

		refs, err := rw.apply(r, destID, -1, &res)
		if err != nil {
			return res, err
		}
		deferred = append(deferred, refs...)
		inserts = append(inserts, r)
		if hasKey {
			if e.Mapped() {
				pendingByKey[key] = destID
			} else {
				pendingByNatural[key] = true
			}
		}
	}

	inserted, err := insertRows(ctx, dest, e, cols, inserts, -1)
	if err != nil {
		return res, err
	}
	res.Inserted = inserted

	destAfter, err := db.CountRows(ctx, dest, e.Table, "")
	if err != nil {
		return res, statementFailure(name, "count", -1, err)
	}
	if destAfter != destBefore+inserted {
		return res, verificationMismatch(name, "destination has %d rows, expected %d + %d", destAfter, destBefore, inserted)
	}

	// mappings become visible only once the insert is in
	for _, p := range mappings {
		if err := own.Put(p.src, p.dest); err != nil {
			return res, unresolvedRequired(name, -1, "%v", err)
		}
	}
	m.maps.Defer(deferred...)
	res.Deferred = len(deferred)

	log.Info("consolidated",
		zap.Int("source_rows", len(srcRows)),
		zap.Int64("matched", res.Matched),
		zap.Int64("inserted", res.Inserted),
		zap.Int("deferred", res.Deferred))
	return res, nil
}

// businessKey returns a function that renders the match columns of a row.
// With mapped set, reference components are translated to destination ids
// first and a component without a mapping is an error; raw source ids are
// never compared against destination rows.
func (m *Mover) businessKey(e *catalogue.Entity, ci columnIndex) (func(r row, mapped bool) (string, bool, error), error) {
	type component struct {
		idx int
		ref *catalogue.Reference
	}
	var comps []component
	for _, col := range e.Match {
		idx, ok := ci.lookup(col)
		if !ok {
			return nil, unresolvedRequired(e.Name, -1, "match column %s missing from %s", col, e.Table)
		}
		c := component{idx: idx}
		if r, ok := e.Ref(col); ok {
			target, err := m.entity(r.Entity)
			if err != nil {
				return nil, err
			}
			if target.Mapped() {
				c.ref = &r
			}
		}
		comps = append(comps, c)
	}

	return func(r row, mapped bool) (string, bool, error) {
		if len(comps) == 0 {
			return "", false, nil
		}
		parts := make([]string, len(comps))
		for i, c := range comps {
			v := r[c.idx]
			if v == nil {
				return "", false, nil
			}
			if mapped && c.ref != nil {
				src, ok := toInt64(v)
				if !ok {
					return "", false, unresolvedRequired(e.Name, -1, "match column %s holds non-integer %v", c.ref.Column, v)
				}
				dest, ok := m.maps.Get(c.ref.Entity, src)
				if !ok {
					return "", false, unresolvedRequired(e.Name, -1, "match column %s=%d has no %s mapping", c.ref.Column, src, c.ref.Entity)
				}
				v = dest
			}
			s, ok := normalize(v)
			if !ok {
				return "", false, nil
			}
			parts[i] = s
		}
		return strings.Join(parts, keySep), true, nil
	}, nil
}

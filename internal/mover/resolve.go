package mover

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/lherron/beehive/internal/db"
	"github.com/lherron/beehive/internal/idmap"
)

const resolveBatch = 500

// Resolve patches the deferred references of entity whose targets are now
// mapped. columns restricts the pass to those columns; empty means all.
// References that still have no mapping are left as inserted and reported.
func (m *Mover) Resolve(ctx context.Context, dest db.Handle, name string, columns []string) (Result, error) {
	res := Result{Entity: name}
	e, err := m.entity(name)
	if err != nil {
		return res, err
	}
	log := m.log.With(zap.String("entity", name))

	want := func(col string) bool {
		if len(columns) == 0 {
			return true
		}
		return slices.ContainsFunc(columns, func(c string) bool { return strings.EqualFold(c, col) })
	}

	byColumn := make(map[string][]idmap.Pair)
	var order []string
	for _, d := range m.maps.DeferredFor(name) {
		if !want(d.Column) {
			continue
		}
		ref, ok := e.Ref(d.Column)
		if !ok {
			return res, fmt.Errorf("%s: deferred reference on unknown column %s", name, d.Column)
		}
		target, ok := m.maps.Get(ref.Entity, d.SrcValue)
		if !ok {
			res.Unresolved++
			res.diagnose(Diagnostic{
				Kind:     KindUnresolvedOptionalReference,
				Entity:   name,
				Column:   d.Column,
				DestID:   d.DestID,
				SrcValue: d.SrcValue,
				Reason:   fmt.Sprintf("%s %d was never migrated", ref.Entity, d.SrcValue),
			})
			log.Warn("deferred reference unresolved",
				zap.String("column", d.Column),
				zap.Int64("dest_id", d.DestID),
				zap.Int64("src_value", d.SrcValue))
			continue
		}
		if _, seen := byColumn[d.Column]; !seen {
			order = append(order, d.Column)
		}
		byColumn[d.Column] = append(byColumn[d.Column], idmap.Pair{Src: d.DestID, Dest: target})
	}

	d := dest.Dialect()
	batch := min(resolveBatch, d.MaxParams()/3)
	for _, col := range order {
		patches := byColumn[col]
		for start := 0; start < len(patches); start += batch {
			chunk := patches[start:min(start+batch, len(patches))]
			stmt := d.UpdateCase(e.Table, e.Key, col, len(chunk))
			args := make([]any, 0, len(chunk)*3)
			for _, p := range chunk {
				args = append(args, p.Src, p.Dest)
			}
			for _, p := range chunk {
				args = append(args, p.Src)
			}
			if _, err := dest.Executor().ExecContext(ctx, stmt, args...); err != nil {
				return res, statementFailure(name, stmt, -1, err)
			}
		}
		res.Resolved += len(patches)
		log.Debug("resolved column", zap.String("column", col), zap.Int("rows", len(patches)))
	}

	log.Info("resolved", zap.Int("resolved", res.Resolved), zap.Int("unresolved", res.Unresolved))
	return res, nil
}

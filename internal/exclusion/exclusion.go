// Package exclusion finds source rows that already exist in the destination
// so movers can skip them.
package exclusion

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lherron/beehive/internal/catalogue"
	"github.com/lherron/beehive/internal/db"
	"github.com/lherron/beehive/internal/idmap"
	"github.com/lherron/beehive/internal/mover"
)

// Set is the exclusion set of one entity.
type Set struct {
	Entity string
	// IDs are the skipped source keys, ascending.
	IDs []int64
	// Matches pair each skipped source key with its destination row.
	Matches []idmap.Pair
}

// Len returns the number of excluded rows.
func (s Set) Len() int {
	return len(s.IDs)
}

// Provider computes exclusion sets.
type Provider interface {
	Exclusions(ctx context.Context, src, dest db.Handle, entity, where string) (Set, error)
}

// UUIDProvider excludes source rows whose uuid is already present in the
// destination. Entities that inherit their key exclude rows whose parent was
// matched to a destination row that already has one, and references marked
// skip_matched exclude rows pointing at a matched row. Rows that already have
// an identity mapping were moved by an earlier attempt and are never
// excluded, so a resumed phase sees the same source row set it started with.
type UUIDProvider struct {
	cat        *catalogue.Catalogue
	maps       *idmap.Store
	log        *zap.Logger
	matchUUIDs bool
}

// ProviderOption configures a UUIDProvider.
type ProviderOption func(*UUIDProvider)

// MatchUUIDs turns uuid matching on or off. It is on by default. Inherited
// keys and skip_matched references are checked either way.
func MatchUUIDs(on bool) ProviderOption {
	return func(p *UUIDProvider) {
		p.matchUUIDs = on
	}
}

// NewUUIDProvider returns a provider recording matches in maps.
func NewUUIDProvider(cat *catalogue.Catalogue, maps *idmap.Store, log *zap.Logger, opts ...ProviderOption) *UUIDProvider {
	if log == nil {
		log = zap.NewNop()
	}
	p := &UUIDProvider{cat: cat, maps: maps, log: log, matchUUIDs: true}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Keyed is a row key with its normalized uuid.
type Keyed struct {
	ID   int64
	UUID string
}

// Exclusions returns the rows of entity matching where that exist in dest
// under the same uuid, plus the rows whose skip_matched references point at
// matched rows. The uuid matches are recorded in the entity's identity map
// so references to skipped rows resolve to the existing destination rows.
func (p *UUIDProvider) Exclusions(ctx context.Context, src, dest db.Handle, entity, where string) (Set, error) {
	set := Set{Entity: entity}
	e, ok := p.cat.Entity(entity)
	if !ok {
		return set, fmt.Errorf("unknown entity %q", entity)
	}
	if e.KeyStrategy == catalogue.KeyInherit {
		return p.inherited(ctx, src, dest, e, where)
	}
	if p.matchUUIDs && e.UUIDColumn != "" && e.Mapped() {
		var err error
		if set, err = p.byUUID(ctx, src, dest, e, where); err != nil {
			return set, err
		}
	}
	if refs := e.SkipMatchedRefs(); len(refs) > 0 && e.Key != "" {
		skipped, err := p.skipMatched(ctx, src, e, refs, where, set.IDs)
		if err != nil {
			return set, err
		}
		set.IDs = append(set.IDs, skipped...)
	}
	slices.Sort(set.IDs)
	return set, nil
}

func (p *UUIDProvider) byUUID(ctx context.Context, src, dest db.Handle, e *catalogue.Entity, where string) (Set, error) {
	set := Set{Entity: e.Name}
	var srcRows, destRows []Keyed
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := ReadUUIDs(gctx, src, e, db.And(e.Where, where))
		srcRows = rows
		return err
	})
	g.Go(func() error {
		rows, err := ReadUUIDs(gctx, dest, e, "")
		destRows = rows
		return err
	})
	if err := g.Wait(); err != nil {
		return set, err
	}

	existing := make(map[string]int64, len(destRows))
	for _, r := range destRows {
		if _, dup := existing[r.UUID]; !dup {
			existing[r.UUID] = r.ID
		}
	}

	m := p.maps.Map(e.Name)
	for _, r := range srcRows {
		if m.Contains(r.ID) {
			continue
		}
		destID, ok := existing[r.UUID]
		if !ok {
			continue
		}
		set.IDs = append(set.IDs, r.ID)
		set.Matches = append(set.Matches, idmap.Pair{Src: r.ID, Dest: destID})
		m.Match(r.ID, destID)
	}

	if len(set.IDs) > 0 {
		p.log.Info("excluding rows already present",
			zap.String("entity", e.Name),
			zap.Int("rows", len(set.IDs)))
	}
	return set, nil
}

// skipMatched returns the keys of rows of e whose refs hold a source key
// matched to an existing destination row. Keys in already are left out.
func (p *UUIDProvider) skipMatched(ctx context.Context, src db.Handle, e *catalogue.Entity, refs []catalogue.Reference, where string, already []int64) ([]int64, error) {
	cols := []string{e.Key}
	for _, r := range refs {
		cols = append(cols, r.Column)
	}
	q := src.Dialect().SelectPage(e.Table, cols, db.And(e.Where, where), []string{e.Key}, 0, 0)
	rows, err := src.Executor().QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s references: %w", e.Table, err)
	}
	defer rows.Close()

	skip := make(map[int64]bool, len(already))
	for _, id := range already {
		skip[id] = true
	}
	m := p.maps.Map(e.Name)
	vals := make([]sql.NullInt64, len(refs))
	dst := make([]any, len(cols))
	var id int64
	dst[0] = &id
	for i := range vals {
		dst[i+1] = &vals[i]
	}

	var out []int64
	for rows.Next() {
		if err := rows.Scan(dst...); err != nil {
			return nil, fmt.Errorf("failed to scan %s references: %w", e.Table, err)
		}
		if m.Contains(id) || skip[id] {
			continue
		}
		for i, r := range refs {
			if !vals[i].Valid {
				continue
			}
			if _, ok := p.maps.Map(r.Entity).Matched(vals[i].Int64); ok {
				out = append(out, id)
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s references: %w", e.Table, err)
	}

	if len(out) > 0 {
		p.log.Info("excluding rows of matched parents",
			zap.String("entity", e.Name),
			zap.Int("rows", len(out)))
	}
	return out, nil
}

// inherited excludes rows of e whose key maps through a match of the parent
// entity to a destination key that is already taken.
func (p *UUIDProvider) inherited(ctx context.Context, src, dest db.Handle, e *catalogue.Entity, where string) (Set, error) {
	set := Set{Entity: e.Name}
	parent := p.maps.Map(e.KeyFrom)
	m := p.maps.Map(e.Name)

	var srcKeys, destKeys []int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		keys, err := readKeys(gctx, src, e, db.And(e.Where, where))
		srcKeys = keys
		return err
	})
	g.Go(func() error {
		keys, err := readKeys(gctx, dest, e, "")
		destKeys = keys
		return err
	})
	if err := g.Wait(); err != nil {
		return set, err
	}

	taken := make(map[int64]struct{}, len(destKeys))
	for _, k := range destKeys {
		taken[k] = struct{}{}
	}
	for _, id := range srcKeys {
		if m.Contains(id) {
			continue
		}
		destID, ok := parent.Matched(id)
		if !ok {
			continue
		}
		if _, ok := taken[destID]; !ok {
			continue
		}
		set.IDs = append(set.IDs, id)
		set.Matches = append(set.Matches, idmap.Pair{Src: id, Dest: destID})
		m.Match(id, destID)
	}

	if len(set.IDs) > 0 {
		p.log.Info("excluding rows whose inherited key is taken",
			zap.String("entity", e.Name),
			zap.String("key_from", e.KeyFrom),
			zap.Int("rows", len(set.IDs)))
	}
	return set, nil
}

func readKeys(ctx context.Context, h db.Handle, e *catalogue.Entity, where string) ([]int64, error) {
	q := h.Dialect().SelectPage(e.Table, []string{e.Key}, where, []string{e.Key}, 0, 0)
	rows, err := h.Executor().QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s keys: %w", e.Table, err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan %s keys: %w", e.Table, err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s keys: %w", e.Table, err)
	}
	return out, nil
}

// ReadUUIDs reads the key and uuid of every row of e matching where, in key
// order. Rows without a usable uuid are left out.
func ReadUUIDs(ctx context.Context, h db.Handle, e *catalogue.Entity, where string) ([]Keyed, error) {
	q := h.Dialect().SelectPage(e.Table, []string{e.Key, e.UUIDColumn}, where, []string{e.Key}, 0, 0)
	rows, err := h.Executor().QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s uuids: %w", e.Table, err)
	}
	defer rows.Close()

	var out []Keyed
	for rows.Next() {
		var (
			id int64
			u  any
		)
		if err := rows.Scan(&id, &u); err != nil {
			return nil, fmt.Errorf("failed to scan %s uuids: %w", e.Table, err)
		}
		if s, ok := mover.NormalizeUUID(u); ok {
			out = append(out, Keyed{ID: id, UUID: s})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s uuids: %w", e.Table, err)
	}
	return out, nil
}

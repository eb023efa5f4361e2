// Package idmap holds the source-id to destination-id registries built while
// entities are migrated.
package idmap

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Pair is one source-id to destination-id mapping.
type Pair struct {
	Src  int64
	Dest int64
}

// Lookup is the read side of a map. *Map and View implement it.
type Lookup interface {
	Get(src int64) (int64, bool)
}

// Map is the registry of one entity type. A Map has a single writer; readers
// on other goroutines must go through View.
type Map struct {
	entries map[int64]int64
	// matched holds destination ids of rows found to exist already. They
	// answer lookups but are recomputed each run instead of persisted.
	matched map[int64]int64
	pending []Pair
	shared  bool
}

// New returns an empty map.
func New() *Map {
	return &Map{entries: make(map[int64]int64), matched: make(map[int64]int64)}
}

// Get returns the destination id for src.
func (m *Map) Get(src int64) (int64, bool) {
	if dest, ok := m.entries[src]; ok {
		return dest, true
	}
	dest, ok := m.matched[src]
	return dest, ok
}

// Put records a new mapping. Re-putting the same pair is a no-op; changing
// an existing mapping is an error.
func (m *Map) Put(src, dest int64) error {
	if old, ok := m.entries[src]; ok {
		if old != dest {
			return fmt.Errorf("source id %d already mapped to %d, refusing %d", src, old, dest)
		}
		return nil
	}
	m.own()
	m.entries[src] = dest
	m.pending = append(m.pending, Pair{Src: src, Dest: dest})
	return nil
}

// Adopt records mappings that are already durable (restored from storage or
// persisted by a worker).
func (m *Map) Adopt(pairs []Pair) error {
	m.own()
	for _, p := range pairs {
		if old, ok := m.entries[p.Src]; ok && old != p.Dest {
			return fmt.Errorf("source id %d already mapped to %d, refusing %d", p.Src, old, p.Dest)
		}
		m.entries[p.Src] = p.Dest
	}
	return nil
}

// Match records a row that already exists in the destination.
func (m *Map) Match(src, dest int64) {
	m.own()
	m.matched[src] = dest
}

// Matched returns the destination id src was matched to, ignoring durable
// mappings.
func (m *Map) Matched(src int64) (int64, bool) {
	dest, ok := m.matched[src]
	return dest, ok
}

// Len returns the number of durable mappings.
func (m *Map) Len() int {
	return len(m.entries)
}

// Contains reports whether src has a durable mapping.
func (m *Map) Contains(src int64) bool {
	_, ok := m.entries[src]
	return ok
}

// Pending returns mappings not yet persisted.
func (m *Map) Pending() []Pair {
	return m.pending
}

// MarkPersisted clears the pending list.
func (m *Map) MarkPersisted() {
	m.pending = nil
}

// Pairs returns the durable mappings ordered by source id.
func (m *Map) Pairs() []Pair {
	out := make([]Pair, 0, len(m.entries))
	for _, src := range slices.Sorted(maps.Keys(m.entries)) {
		out = append(out, Pair{Src: src, Dest: m.entries[src]})
	}
	return out
}

// View returns a read-only view sharing the current contents. Later writes
// to m copy first, so the view never changes.
func (m *Map) View() View {
	m.shared = true
	return View{entries: m.entries, matched: m.matched}
}

// own makes the maps private again after View handed them out.
func (m *Map) own() {
	if !m.shared {
		return
	}
	m.entries = maps.Clone(m.entries)
	m.matched = maps.Clone(m.matched)
	m.shared = false
}

// View is an immutable snapshot safe for concurrent readers.
type View struct {
	entries map[int64]int64
	matched map[int64]int64
}

// Get returns the destination id for src.
func (v View) Get(src int64) (int64, bool) {
	if dest, ok := v.entries[src]; ok {
		return dest, true
	}
	dest, ok := v.matched[src]
	return dest, ok
}

// Len returns the number of durable mappings in the view.
func (v View) Len() int {
	return len(v.entries)
}

// Persister is the durable side of the store.
type Persister interface {
	InsertMappings(ctx context.Context, table string, pairs []Pair) error
	LoadMappings(ctx context.Context, table string) ([]Pair, error)
}

// Store keeps one Map per entity type.
type Store struct {
	mu   sync.Mutex
	maps map[string]*Map

	deferred        map[string][]Deferred
	pendingDeferred []Deferred
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{maps: make(map[string]*Map)}
}

// Map returns the map for entity, creating it on first use.
func (s *Store) Map(entity string) *Map {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.maps[entity]
	if !ok {
		m = New()
		s.maps[entity] = m
	}
	return m
}

// Get looks up src in the map of entity.
func (s *Store) Get(entity string, src int64) (int64, bool) {
	return s.Map(entity).Get(src)
}

// Put records src->dest for entity.
func (s *Store) Put(entity string, src, dest int64) error {
	if err := s.Map(entity).Put(src, dest); err != nil {
		return fmt.Errorf("%s: %w", entity, err)
	}
	return nil
}

// Snapshot returns a read-only view of entity's map.
func (s *Store) Snapshot(entity string) View {
	return s.Map(entity).View()
}

// Entities returns the entity names with a map, sorted.
func (s *Store) Entities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.maps))
}

// Persist writes the pending mappings of entity through p.
func (s *Store) Persist(ctx context.Context, p Persister, entity string) (int, error) {
	m := s.Map(entity)
	pending := m.Pending()
	if len(pending) == 0 {
		return 0, nil
	}
	if err := p.InsertMappings(ctx, entity, pending); err != nil {
		return 0, fmt.Errorf("failed to persist %s mappings: %w", entity, err)
	}
	m.MarkPersisted()
	return len(pending), nil
}

// PersistAll persists every map with pending entries.
func (s *Store) PersistAll(ctx context.Context, p Persister) (int, error) {
	total := 0
	for _, entity := range s.Entities() {
		n, err := s.Persist(ctx, p, entity)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Restore loads the persisted mappings of entity.
func (s *Store) Restore(ctx context.Context, p Persister, entity string) (int, error) {
	pairs, err := p.LoadMappings(ctx, entity)
	if err != nil {
		return 0, fmt.Errorf("failed to restore %s mappings: %w", entity, err)
	}
	if err := s.Map(entity).Adopt(pairs); err != nil {
		return 0, fmt.Errorf("%s: %w", entity, err)
	}
	return len(pairs), nil
}

package idmap

import (
	"context"
	"fmt"
)

// Deferred is a reference column left unresolved when its row was inserted.
type Deferred struct {
	Entity   string `json:"entity"`
	Column   string `json:"column"`
	DestID   int64  `json:"dest_id"`
	SrcValue int64  `json:"src_value"`
}

// DeferredPersister is the durable side of the deferred reference list.
type DeferredPersister interface {
	InsertDeferred(ctx context.Context, refs []Deferred) error
	LoadDeferred(ctx context.Context) ([]Deferred, error)
}

// Defer records references to resolve later.
func (s *Store) Defer(refs ...Deferred) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deferred == nil {
		s.deferred = make(map[string][]Deferred)
	}
	for _, r := range refs {
		s.deferred[r.Entity] = append(s.deferred[r.Entity], r)
	}
	s.pendingDeferred = append(s.pendingDeferred, refs...)
}

// AdoptDeferred records references that are already durable.
func (s *Store) AdoptDeferred(refs []Deferred) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deferred == nil {
		s.deferred = make(map[string][]Deferred)
	}
	for _, r := range refs {
		s.deferred[r.Entity] = append(s.deferred[r.Entity], r)
	}
}

// DeferredFor returns the deferred references of entity in insertion order.
func (s *Store) DeferredFor(entity string) []Deferred {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Deferred(nil), s.deferred[entity]...)
}

// PendingDeferred returns the number of references not yet persisted.
func (s *Store) PendingDeferred() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingDeferred)
}

// PersistDeferred writes pending deferred references through p.
func (s *Store) PersistDeferred(ctx context.Context, p DeferredPersister) (int, error) {
	s.mu.Lock()
	pending := s.pendingDeferred
	s.mu.Unlock()
	if len(pending) == 0 {
		return 0, nil
	}
	if err := p.InsertDeferred(ctx, pending); err != nil {
		return 0, fmt.Errorf("failed to persist deferred references: %w", err)
	}
	s.mu.Lock()
	s.pendingDeferred = s.pendingDeferred[len(pending):]
	s.mu.Unlock()
	return len(pending), nil
}

// RestoreDeferred loads every persisted deferred reference.
func (s *Store) RestoreDeferred(ctx context.Context, p DeferredPersister) (int, error) {
	refs, err := p.LoadDeferred(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to restore deferred references: %w", err)
	}
	s.AdoptDeferred(refs)
	return len(refs), nil
}

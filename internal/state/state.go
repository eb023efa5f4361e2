// Package state persists engine progress in the destination database:
// runs per source, checkpoints, identity maps and deferred references.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lherron/beehive/internal/db"
	"github.com/lherron/beehive/internal/idmap"
)

const (
	sourceTable   = "beehive_merge_source"
	progressTable = "beehive_merge_progress"
	mapTable      = "beehive_merge_map"
	deferredTable = "beehive_merge_deferred"

	// rows per multi-row insert
	insertBatch = 500

	// fixed width so stored timestamps sort as text
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Checkpoint is one progress record. Chunk is set for parallel worker
// ranges and nil for phase-level records.
type Checkpoint struct {
	Source       string    `json:"source"`
	Attempt      string    `json:"attempt"`
	Phase        string    `json:"phase"`
	Chunk        *int      `json:"chunk,omitempty"`
	Passed       bool      `json:"passed"`
	RowsDone     int64     `json:"rows_done"`
	TimeFinished time.Time `json:"time_finished"`
}

// ChunkRange places a parallel worker range within the partition of its
// phase. Count is the number of ranges the partition was split into.
type ChunkRange struct {
	Index  int   `json:"index"`
	Count  int   `json:"count"`
	Offset int64 `json:"offset"`
	Rows   int64 `json:"rows"`
}

// Store writes state for one source identifier and run attempt.
type Store struct {
	source  string
	attempt string
	now     func() time.Time
}

// New returns a store for source. attempt identifies this run.
func New(source, attempt string) *Store {
	return &Store{source: source, attempt: attempt, now: time.Now}
}

// Source returns the run source identifier.
func (s *Store) Source() string {
	return s.source
}

// Attempt returns the run attempt id.
func (s *Store) Attempt() string {
	return s.attempt
}

// In binds the store to a transaction, connection or pool.
func (s *Store) In(h db.Handle) *Scope {
	return &Scope{store: s, h: h}
}

// Scope is a Store bound to one executor.
type Scope struct {
	store *Store
	h     db.Handle
}

var (
	_ idmap.Persister         = (*Scope)(nil)
	_ idmap.DeferredPersister = (*Scope)(nil)
)

func (sc *Scope) timestamp() string {
	return sc.store.now().UTC().Format(timeLayout)
}

func (sc *Scope) exec(ctx context.Context, query string, args ...any) error {
	if _, err := sc.h.Executor().ExecContext(ctx, sc.h.Dialect().Rebind(query), args...); err != nil {
		return err
	}
	return nil
}

// InsertMappings implements idmap.Persister.
func (sc *Scope) InsertMappings(ctx context.Context, table string, pairs []idmap.Pair) error {
	d := sc.h.Dialect()
	cols := []string{"source", "table_name", "src_id", "dest_id"}
	for start := 0; start < len(pairs); start += insertBatch {
		end := min(start+insertBatch, len(pairs))
		batch := pairs[start:end]
		args := make([]any, 0, len(batch)*len(cols))
		for _, p := range batch {
			args = append(args, sc.store.source, table, p.Src, p.Dest)
		}
		if _, err := sc.h.Executor().ExecContext(ctx, d.InsertRows(mapTable, cols, len(batch), false), args...); err != nil {
			return fmt.Errorf("failed to insert %s mappings: %w", table, err)
		}
	}
	return nil
}

// LoadMappings implements idmap.Persister.
func (sc *Scope) LoadMappings(ctx context.Context, table string) ([]idmap.Pair, error) {
	q := sc.h.Dialect().Rebind("SELECT src_id, dest_id FROM " + mapTable + " WHERE source = ? AND table_name = ? ORDER BY src_id")
	rows, err := sc.h.Executor().QueryContext(ctx, q, sc.store.source, table)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s mappings: %w", table, err)
	}
	defer rows.Close()

	var pairs []idmap.Pair
	for rows.Next() {
		var p idmap.Pair
		if err := rows.Scan(&p.Src, &p.Dest); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// MappedTables lists the tables with persisted mappings for the source.
func (sc *Scope) MappedTables(ctx context.Context) ([]string, error) {
	q := sc.h.Dialect().Rebind("SELECT DISTINCT table_name FROM " + mapTable + " WHERE source = ? ORDER BY table_name")
	rows, err := sc.h.Executor().QueryContext(ctx, q, sc.store.source)
	if err != nil {
		return nil, fmt.Errorf("failed to list mapped tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// InsertDeferred implements idmap.DeferredPersister.
func (sc *Scope) InsertDeferred(ctx context.Context, refs []idmap.Deferred) error {
	d := sc.h.Dialect()
	cols := []string{"source", "table_name", "column_name", "dest_id", "src_value"}
	for start := 0; start < len(refs); start += insertBatch {
		end := min(start+insertBatch, len(refs))
		batch := refs[start:end]
		args := make([]any, 0, len(batch)*len(cols))
		for _, r := range batch {
			args = append(args, sc.store.source, r.Entity, r.Column, r.DestID, r.SrcValue)
		}
		if _, err := sc.h.Executor().ExecContext(ctx, d.InsertRows(deferredTable, cols, len(batch), false), args...); err != nil {
			return fmt.Errorf("failed to insert deferred references: %w", err)
		}
	}
	return nil
}

// LoadDeferred implements idmap.DeferredPersister.
func (sc *Scope) LoadDeferred(ctx context.Context) ([]idmap.Deferred, error) {
	q := sc.h.Dialect().Rebind("SELECT table_name, column_name, dest_id, src_value FROM " + deferredTable +
		" WHERE source = ? ORDER BY table_name, column_name, dest_id")
	rows, err := sc.h.Executor().QueryContext(ctx, q, sc.store.source)
	if err != nil {
		return nil, fmt.Errorf("failed to load deferred references: %w", err)
	}
	defer rows.Close()

	var refs []idmap.Deferred
	for rows.Next() {
		var r idmap.Deferred
		if err := rows.Scan(&r.Entity, &r.Column, &r.DestID, &r.SrcValue); err != nil {
			return nil, fmt.Errorf("failed to scan deferred reference: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// InsertCheckpoint appends a progress record. chunk is nil for phase-level
// records.
func (sc *Scope) InsertCheckpoint(ctx context.Context, phase string, chunk *ChunkRange, passed bool, rowsDone int64) error {
	var index, count, offset any
	if chunk != nil {
		index, count, offset = chunk.Index, chunk.Count, chunk.Offset
	}
	passedArg := 0
	if passed {
		passedArg = 1
	}
	err := sc.exec(ctx, "INSERT INTO "+progressTable+" (source, attempt, phase, chunk, chunk_count, chunk_offset, passed, rows_done, time_finished) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		sc.store.source, sc.store.attempt, phase, index, count, offset, passedArg, rowsDone, sc.timestamp())
	if err != nil {
		return fmt.Errorf("failed to record checkpoint for %s: %w", phase, err)
	}
	return nil
}

// LoadLatestCheckpoint returns the most recent phase-level record, or nil.
func (sc *Scope) LoadLatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	q := sc.h.Dialect().Rebind("SELECT attempt, phase, passed, rows_done, time_finished FROM " + progressTable +
		" WHERE source = ? AND chunk IS NULL ORDER BY id DESC LIMIT 1")
	cp := Checkpoint{Source: sc.store.source}
	var (
		passed   int
		finished string
	)
	err := sc.h.Executor().QueryRowContext(ctx, q, sc.store.source).Scan(&cp.Attempt, &cp.Phase, &passed, &cp.RowsDone, &finished)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	cp.Passed = passed != 0
	cp.TimeFinished, _ = time.Parse(timeLayout, finished)
	return &cp, nil
}

// LoadPassedChunks returns the worker chunks of phase that committed, by
// index. Rows is the committed row count.
func (sc *Scope) LoadPassedChunks(ctx context.Context, phase string) ([]ChunkRange, error) {
	q := sc.h.Dialect().Rebind("SELECT chunk, chunk_count, chunk_offset, rows_done FROM " + progressTable +
		" WHERE source = ? AND phase = ? AND chunk IS NOT NULL AND passed = 1 ORDER BY chunk")
	rows, err := sc.h.Executor().QueryContext(ctx, q, sc.store.source, phase)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunk checkpoints: %w", err)
	}
	defer rows.Close()

	var chunks []ChunkRange
	for rows.Next() {
		var (
			c             ChunkRange
			count, offset sql.NullInt64
		)
		if err := rows.Scan(&c.Index, &count, &offset, &c.Rows); err != nil {
			return nil, fmt.Errorf("failed to scan chunk checkpoint: %w", err)
		}
		c.Count, c.Offset = int(count.Int64), offset.Int64
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// BeginSource registers this attempt.
func (sc *Scope) BeginSource(ctx context.Context) error {
	err := sc.exec(ctx, "INSERT INTO "+sourceTable+" (source, attempt, started_at) VALUES (?, ?, ?)",
		sc.store.source, sc.store.attempt, sc.timestamp())
	if err != nil {
		return fmt.Errorf("failed to register source %s: %w", sc.store.source, err)
	}
	return nil
}

// FinishSource marks this attempt complete.
func (sc *Scope) FinishSource(ctx context.Context) error {
	err := sc.exec(ctx, "UPDATE "+sourceTable+" SET finished_at = ? WHERE source = ? AND attempt = ?",
		sc.timestamp(), sc.store.source, sc.store.attempt)
	if err != nil {
		return fmt.Errorf("failed to finish source %s: %w", sc.store.source, err)
	}
	return nil
}

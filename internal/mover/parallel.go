package mover

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lherron/beehive/internal/bulk"
	"github.com/lherron/beehive/internal/catalogue"
	"github.com/lherron/beehive/internal/db"
	"github.com/lherron/beehive/internal/idmap"
)

// ConnPool hands out connections reserved for one worker.
type ConnPool interface {
	db.Handle
	Dedicated(ctx context.Context) (*db.Conn, error)
}

// Pools are the connection pools workers draw from.
type Pools struct {
	Src  ConnPool
	Dest ConnPool
}

// Chunk is one worker's contiguous range of filtered source rows. Count is
// the number of chunks in its partition.
type Chunk struct {
	Index   int   `json:"index"`
	Count   int   `json:"count"`
	Offset  int64 `json:"offset"`
	Rows    int64 `json:"rows"`
	StartID int64 `json:"start_id"`
}

// ChunkOutput is what a worker hands back to the coordinator.
type ChunkOutput struct {
	Chunk     Chunk
	Result    Result
	Mappings  []idmap.Pair
	Deferred  []idmap.Deferred
	Persisted bool
}

// PersistFunc stores a chunk's mappings, deferred references and checkpoint
// inside the worker transaction, so they commit together with its rows.
type PersistFunc func(ctx context.Context, h db.Handle, chunk Chunk, pairs []idmap.Pair, refs []idmap.Deferred) error

// ParallelOptions controls a parallel move.
type ParallelOptions struct {
	Where    string
	Workers  int
	PageSize int
	Exclude  []int64
	// Pools gives each worker its own connections and transaction. Without
	// pools the chunks run one after another on the coordinator handles.
	Pools *Pools
	// Passed lists chunks committed by an earlier attempt. Their partition
	// is kept whatever Workers says now.
	Passed  []Chunk
	Persist PersistFunc
	// Progress is called by the coordinator after each chunk reports.
	Progress func(done, total int)
}

// Partition splits total rows into workers contiguous ranges. The remainder
// goes to the first range.
func Partition(total int64, workers int) []Chunk {
	if workers <= 0 {
		workers = 1
	}
	base := total / int64(workers)
	rem := total % int64(workers)
	chunks := make([]Chunk, workers)
	var offset int64
	for i := range chunks {
		rows := base
		if i == 0 {
			rows += rem
		}
		chunks[i] = Chunk{Index: i, Count: workers, Offset: offset, Rows: rows}
		offset += rows
	}
	return chunks
}

// resumePartition rebuilds the partition passed chunks were cut from, or
// cuts a new one into workers chunks when nothing has passed. Passed chunks
// must sit exactly where the rebuilt partition puts them.
func resumePartition(name string, total int64, workers int, passed []Chunk) ([]Chunk, error) {
	if len(passed) == 0 {
		return Partition(total, workers), nil
	}
	count := passed[0].Count
	if count <= 0 {
		return nil, verificationMismatch(name, "chunk %d checkpoint does not record its partition", passed[0].Index)
	}
	chunks := Partition(total, count)
	for _, p := range passed {
		if p.Count != count {
			return nil, verificationMismatch(name, "chunk checkpoints disagree on the partition: %d and %d chunks", count, p.Count)
		}
		if p.Index < 0 || p.Index >= len(chunks) {
			return nil, verificationMismatch(name, "chunk %d is outside a partition of %d", p.Index, count)
		}
		if c := chunks[p.Index]; c.Offset != p.Offset || c.Rows != p.Rows {
			return nil, verificationMismatch(name,
				"chunk %d committed rows %d-%d but %d source rows now split as %d-%d; source rows changed since the chunk passed",
				p.Index, p.Offset, p.Offset+p.Rows, total, c.Offset, c.Offset+c.Rows)
		}
	}
	return chunks, nil
}

// MoveParallel moves entity with one worker per chunk. Workers read the
// identity maps they depend on through shared snapshots and collect their
// own mappings locally; the coordinator merges them once every worker has
// reported.
func (m *Mover) MoveParallel(ctx context.Context, src, dest db.Handle, name string, opts ParallelOptions) (Result, error) {
	res := Result{Entity: name}
	e, err := m.entity(name)
	if err != nil {
		return res, err
	}
	if e.KeyStrategy != catalogue.KeyAssign {
		return res, fmt.Errorf("%s: parallel moves need key_strategy assign", name)
	}
	log := m.log.With(zap.String("entity", name))

	filter := moveFilter(src.Dialect(), e, opts.Where, opts.Exclude)
	total, err := db.CountRows(ctx, src, e.Table, filter)
	if err != nil {
		return res, statementFailure(name, src.Dialect().Count(e.Table, filter), -1, err)
	}
	chunks, err := resumePartition(name, total, opts.Workers, opts.Passed)
	if err != nil {
		return res, err
	}
	destBefore, err := db.CountRows(ctx, dest, e.Table, "")
	if err != nil {
		return res, statementFailure(name, "count", -1, err)
	}
	nextID, err := db.NextID(ctx, dest, e.Table, e.Key)
	if err != nil {
		return res, statementFailure(name, "next id", -1, err)
	}

	passed := make(map[int]bool, len(opts.Passed))
	for _, c := range opts.Passed {
		passed[c.Index] = true
	}

	// reserve id blocks for the chunks still to run
	var todo []Chunk
	for _, c := range chunks {
		if passed[c.Index] || c.Rows == 0 {
			continue
		}
		c.StartID = nextID
		nextID += c.Rows
		todo = append(todo, c)
	}
	if skipped := len(opts.Passed); skipped > 0 {
		log.Info("resuming parallel move",
			zap.Int("chunks", len(chunks)),
			zap.Int("chunks_passed", skipped),
			zap.Int("chunks_left", len(todo)))
	}

	views := make(map[string]idmap.View)
	for _, r := range e.Refs() {
		if _, ok := views[r.Entity]; !ok {
			views[r.Entity] = m.maps.Snapshot(r.Entity)
		}
	}
	if e.KeyStrategy == catalogue.KeyInherit {
		views[e.KeyFrom] = m.maps.Snapshot(e.KeyFrom)
	}
	lookup := func(entity string) idmap.Lookup { return views[entity] }

	workers := opts.Workers
	if opts.Pools == nil {
		workers = 1
	}
	op := bulk.Operation{Workers: workers, Progress: opts.Progress}
	out := bulk.Execute(ctx, op, len(todo), func(ctx context.Context, job int) (int64, ChunkOutput, error) {
		return m.runChunk(ctx, src, dest, e, todo[job], lookup, opts)
	})

	// merge single-threaded, successful chunks first so committed work is
	// never lost from memory
	own := m.maps.Map(name)
	for _, c := range out.Completions {
		if c.Err != nil || c.Skipped {
			continue
		}
		co := c.Value
		if co.Persisted {
			if err := own.Adopt(co.Mappings); err != nil {
				return res, unresolvedRequired(name, co.Chunk.Offset, "%v", err)
			}
			m.maps.AdoptDeferred(co.Deferred)
		} else {
			for _, p := range co.Mappings {
				if err := own.Put(p.Src, p.Dest); err != nil {
					return res, unresolvedRequired(name, co.Chunk.Offset, "%v", err)
				}
			}
			m.maps.Defer(co.Deferred...)
		}
		res.Merge(co.Result)
	}
	if err := out.Err(); err != nil {
		return res, err
	}

	destAfter, err := db.CountRows(ctx, dest, e.Table, "")
	if err != nil {
		return res, statementFailure(name, "count", -1, err)
	}
	if destAfter != destBefore+out.Moved {
		return res, verificationMismatch(name, "destination has %d rows, expected %d + %d", destAfter, destBefore, out.Moved)
	}

	log.Info("moved in parallel",
		zap.Int("chunks", len(todo)),
		zap.Int("workers", workers),
		zap.Int64("rows", out.Moved),
		zap.Int("deferred", res.Deferred))
	return res, nil
}

func (m *Mover) runChunk(ctx context.Context, src, dest db.Handle, e *catalogue.Entity, c Chunk, lookup func(string) idmap.Lookup, opts ParallelOptions) (int64, ChunkOutput, error) {
	out := ChunkOutput{Chunk: c}
	log := m.log.With(zap.String("entity", e.Name), zap.Int("worker", c.Index))

	var (
		srcH, destH db.Handle = src, dest
		commit      func() error
		rollback    = func() {}
	)
	if opts.Pools != nil {
		srcConn, err := opts.Pools.Src.Dedicated(ctx)
		if err != nil {
			return 0, out, err
		}
		defer srcConn.Close()
		destConn, err := opts.Pools.Dest.Dedicated(ctx)
		if err != nil {
			return 0, out, err
		}
		defer destConn.Close()

		tx, err := destConn.BeginTx(ctx, nil)
		if err != nil {
			return 0, out, fmt.Errorf("failed to begin worker transaction: %w", err)
		}
		srcH = srcConn
		destH = db.NewTx(tx, destConn.Dialect())
		commit = tx.Commit
		rollback = func() {
			if err := tx.Rollback(); err != nil {
				log.Warn("worker rollback failed", zap.Error(err))
			}
		}
	}

	local := idmap.New()
	var refs []idmap.Deferred
	res, err := m.MoveAll(ctx, srcH, destH, e.Name, MoveOptions{
		Where:      opts.Where,
		PageSize:   opts.PageSize,
		Offset:     c.Offset,
		Limit:      c.Rows,
		StartID:    c.StartID,
		Exclude:    opts.Exclude,
		Lookup:     lookup,
		Record:     local.Put,
		Defer:      func(d []idmap.Deferred) { refs = append(refs, d...) },
		SkipVerify: true,
	})
	if err != nil {
		rollback()
		return 0, out, err
	}
	out.Result = res
	out.Mappings = local.Pairs()
	out.Deferred = refs

	if opts.Persist != nil {
		if err := opts.Persist(ctx, destH, c, out.Mappings, refs); err != nil {
			rollback()
			return 0, out, err
		}
		out.Persisted = true
	}
	if commit != nil {
		if err := commit(); err != nil {
			return 0, out, fmt.Errorf("failed to commit chunk %d: %w", c.Index, err)
		}
	}
	log.Debug("chunk done", zap.Int64("offset", c.Offset), zap.Int64("rows", res.Inserted))
	return res.Inserted, out, nil
}

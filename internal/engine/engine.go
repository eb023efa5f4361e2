// Package engine runs a phase plan: it restores earlier progress, drives the
// movers phase by phase inside destination transactions and records
// checkpoints as it goes.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lherron/beehive/internal/catalogue"
	"github.com/lherron/beehive/internal/checkpoint"
	"github.com/lherron/beehive/internal/db"
	"github.com/lherron/beehive/internal/events"
	"github.com/lherron/beehive/internal/exclusion"
	"github.com/lherron/beehive/internal/idmap"
	"github.com/lherron/beehive/internal/mover"
	"github.com/lherron/beehive/internal/state"
)

// DefaultWorkers is used by parallel steps that set no worker count.
const DefaultWorkers = 4

// Options tune a run.
type Options struct {
	// Source identifies the source database across attempts.
	Source string
	// Attempt identifies this run. A random uuid when empty.
	Attempt  string
	PageSize int
	// SubTxRows replaces the sub-transaction size of steps that declare one.
	SubTxRows int
	Workers   int
	// Persist writes identity maps and deferred references to the
	// destination. Resuming needs them.
	Persist bool
	// DryRun runs every phase in one destination transaction and rolls it
	// back at the end.
	DryRun             bool
	ExcludeUUIDMatches bool
}

// Engine runs the phase plan of a catalogue from src into dest.
type Engine struct {
	src  *db.DB
	dest *db.DB
	cat  *catalogue.Catalogue
	opts Options
	log  *zap.Logger
	obs  events.Multi
	now  func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithObserver adds an event observer.
func WithObserver(o events.Observer) Option {
	return func(e *Engine) { e.obs = append(e.obs, o) }
}

// New returns an engine. The destination must carry the engine state schema.
func New(src, dest *db.DB, cat *catalogue.Catalogue, opts Options, options ...Option) *Engine {
	e := &Engine{src: src, dest: dest, cat: cat, opts: opts, log: zap.NewNop(), now: time.Now}
	for _, o := range options {
		o(e)
	}
	return e
}

type run struct {
	*Engine
	st    *state.Store
	maps  *idmap.Store
	mover *mover.Mover
	excl  exclusion.Provider
	mgr   *checkpoint.Manager
	res   *Result

	// dry is the run-wide transaction of a dry run.
	dry *db.Tx
	// entity is the entity of the step in progress, for error context.
	entity  string
	skipped map[string]bool
}

// Run executes every phase that has not passed for the configured source.
// The returned result is never nil and describes the work done even when
// the run fails.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	attempt := e.opts.Attempt
	if attempt == "" {
		attempt = uuid.NewString()
	}
	res := &Result{Source: e.opts.Source, Attempt: attempt, DryRun: e.opts.DryRun, StartedAt: e.now()}

	maps := idmap.NewStore()
	r := &run{
		Engine:  e,
		st:      state.New(e.opts.Source, attempt),
		maps:    maps,
		mover:   mover.New(e.cat, maps, mover.WithLogger(e.log), mover.WithPageSize(e.opts.PageSize)),
		excl:    exclusion.NewUUIDProvider(e.cat, maps, e.log, exclusion.MatchUUIDs(e.opts.ExcludeUUIDMatches)),
		res:     res,
		skipped: make(map[string]bool),
	}

	err := r.execute(ctx)
	res.FinishedAt = e.now()
	if err != nil {
		res.Error = err.Error()
		r.emit(ctx, events.Event{Kind: events.RunFailed, Error: err.Error(), Duration: res.FinishedAt.Sub(res.StartedAt)})
		return res, err
	}
	r.emit(ctx, events.Event{Kind: events.RunFinished, Rows: res.Inserted(), Duration: res.FinishedAt.Sub(res.StartedAt)})
	return res, nil
}

func (r *run) execute(ctx context.Context) error {
	if r.opts.Source == "" {
		return fmt.Errorf("source identifier not specified")
	}
	if err := r.cat.Validate(); err != nil {
		return err
	}
	if err := r.dest.RequiresMigrationError(ctx); err != nil {
		return err
	}

	latest, err := r.st.In(r.dest).LoadLatestCheckpoint(ctx)
	if err != nil {
		return err
	}
	r.mgr, err = checkpoint.New(r.cat.PhaseNames(), latest)
	if err != nil {
		return err
	}
	if err := r.mgr.Guard(); err != nil {
		return mover.AlreadyProcessed(r.opts.Source)
	}
	r.res.Resumed = r.mgr.Resumed()
	if r.res.Resumed && !r.opts.Persist {
		return fmt.Errorf("source %s has checkpoints but persistence is disabled; resuming needs the stored identity maps", r.opts.Source)
	}

	if r.opts.DryRun {
		tx, err := r.dest.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin dry-run transaction: %w", err)
		}
		r.dry = db.NewTx(tx, r.dest.Dialect())
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				r.log.Warn("dry-run rollback failed", zap.Error(err))
			}
		}()
	}

	if err := r.restore(ctx); err != nil {
		return err
	}
	if err := r.st.In(r.shared()).BeginSource(ctx); err != nil {
		return err
	}

	if r.res.Resumed {
		pos := r.mgr.CurrentPosition()
		r.log.Info("resuming",
			zap.String("source", r.opts.Source),
			zap.String("phase", pos.Phase),
			zap.Int64("rows_done", pos.RowsDone))
	}
	r.emit(ctx, events.Event{Kind: events.RunStarted, Total: int64(len(r.cat.Phases))})

	for _, phase := range r.cat.Phases {
		if r.mgr.Status(phase.Name) == checkpoint.Passed {
			r.res.Phases = append(r.res.Phases, PhaseResult{Name: phase.Name, Status: checkpoint.Passed, Skipped: true})
			r.emit(ctx, events.Event{Kind: events.PhaseSkipped, Phase: phase.Name})
			continue
		}
		r.entity = ""
		if err := r.runPhase(ctx, phase); err != nil {
			err = mover.WithContext(err, phase.Name, r.entity)
			r.emit(ctx, events.Event{Kind: events.PhaseFailed, Phase: phase.Name, Entity: r.entity, Error: err.Error()})
			return err
		}
	}

	return r.st.In(r.shared()).FinishSource(ctx)
}

// shared is the destination handle used outside phase transactions.
func (r *run) shared() db.Handle {
	if r.dry != nil {
		return r.dry
	}
	return r.dest
}

// restore loads the persisted identity maps and deferred references of the
// source, seeds fixed mappings and, for a resumed run, recomputes the uuid
// matches of passed phases. Matches are never persisted, and later phases
// rewrite references through them.
func (r *run) restore(ctx context.Context) error {
	sc := r.st.In(r.shared())
	tables, err := sc.MappedTables(ctx)
	if err != nil {
		return err
	}
	var pairs int
	for _, t := range tables {
		n, err := r.maps.Restore(ctx, sc, t)
		if err != nil {
			return err
		}
		pairs += n
	}
	refs, err := r.maps.RestoreDeferred(ctx, sc)
	if err != nil {
		return err
	}
	if pairs > 0 || refs > 0 {
		r.log.Info("restored identity maps",
			zap.Int("mappings", pairs),
			zap.Int("deferred", refs))
	}

	for _, e := range r.cat.Entities {
		m := r.maps.Map(e.Name)
		for src, dest := range e.Fixed {
			if !m.Contains(src) {
				m.Match(src, dest)
			}
		}
	}

	if !r.res.Resumed {
		return nil
	}
	for _, phase := range r.cat.Phases {
		if r.mgr.Status(phase.Name) != checkpoint.Passed {
			continue
		}
		for _, step := range phase.Steps {
			if step.Action != catalogue.ActionMove && step.Action != catalogue.ActionParallel {
				continue
			}
			ent, ok := r.cat.Entity(step.Entity)
			if !ok {
				continue
			}
			ok, err := r.present(ctx, r.shared(), ent)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if _, err := r.excl.Exclusions(ctx, r.src, r.shared(), step.Entity, step.Where); err != nil {
				return fmt.Errorf("failed to rebuild %s matches: %w", step.Entity, err)
			}
		}
	}
	return nil
}

func (r *run) runPhase(ctx context.Context, phase catalogue.Phase) error {
	started := r.now()
	if err := r.mgr.Start(phase.Name); err != nil {
		return err
	}
	offset := r.mgr.CurrentPosition().RowsDone
	r.emit(ctx, events.Event{Kind: events.PhaseStarted, Phase: phase.Name, Rows: offset})

	pr := PhaseResult{Name: phase.Name, Status: checkpoint.InProgress, Resumed: offset > 0}
	var err error
	if r.dry == nil && parallelPhase(phase) {
		err = r.parallelPhase(ctx, phase, &pr)
	} else {
		err = r.sequentialPhase(ctx, phase, offset, &pr)
	}
	pr.Duration = r.now().Sub(started)
	if err == nil {
		pr.Status = checkpoint.Passed
	}
	r.res.Phases = append(r.res.Phases, pr)
	if err != nil {
		return err
	}

	r.log.Info("phase passed",
		zap.String("phase", phase.Name),
		zap.Int64("rows", pr.Rows),
		zap.Duration("duration", pr.Duration))
	r.emit(ctx, events.Event{Kind: events.PhasePassed, Phase: phase.Name, Rows: pr.Rows, Duration: pr.Duration})
	return nil
}

func parallelPhase(phase catalogue.Phase) bool {
	return len(phase.Steps) == 1 && phase.Steps[0].Action == catalogue.ActionParallel
}

func (r *run) sequentialPhase(ctx context.Context, phase catalogue.Phase, offset int64, pr *PhaseResult) error {
	sess, err := r.begin(ctx)
	if err != nil {
		return err
	}
	defer sess.rollback()

	rows := offset
	for _, step := range phase.Steps {
		sr, err := r.runStep(ctx, sess, phase.Name, step, offset)
		if err != nil {
			return err
		}
		pr.Steps = append(pr.Steps, sr)
		rows += sr.Counts.Inserted
	}

	if err := r.finishPhase(ctx, sess.h, phase, rows); err != nil {
		return err
	}
	if err := sess.commit(); err != nil {
		return err
	}
	pr.Rows = rows
	return nil
}

func (r *run) runStep(ctx context.Context, sess *session, phase string, step catalogue.Step, offset int64) (StepResult, error) {
	sr := StepResult{Action: step.Action, Entity: step.Entity}
	ent, ok := r.cat.Entity(step.Entity)
	if !ok {
		return sr, fmt.Errorf("unknown entity %q", step.Entity)
	}
	r.entity = ent.Name

	if ent.Optional {
		ok, err := r.present(ctx, sess.h, ent)
		if err != nil {
			return sr, err
		}
		if !ok {
			r.skip(phase, ent)
			sr.Skipped = true
			return sr, nil
		}
	}

	var (
		res mover.Result
		err error
	)
	switch step.Action {
	case catalogue.ActionConsolidate:
		res, err = r.mover.Consolidate(ctx, r.src, sess.h, ent.Name, mover.ConsolidateOptions{
			Where:     step.Where,
			MatchOnly: step.MatchOnly,
		})

	case catalogue.ActionMove:
		var excl exclusion.Set
		if excl, err = r.exclusions(ctx, sess.h, step); err != nil {
			return sr, err
		}
		opts := mover.MoveOptions{
			Where:    step.Where,
			PageSize: step.PageSize,
			Offset:   offset,
			Exclude:  excl.IDs,
		}
		if k := r.subTxRows(step); k > 0 {
			opts.SubTxRows = int64(k)
			opts.Commit = r.commitHook(sess, phase)
		}
		res, err = r.mover.MoveAll(ctx, r.src, sess.h, ent.Name, opts)
		res.Excluded += int64(excl.Len())

	case catalogue.ActionParallel:
		// only reached in dry runs: the chunks run one after another on the
		// run transaction
		var excl exclusion.Set
		if excl, err = r.exclusions(ctx, sess.h, step); err != nil {
			return sr, err
		}
		res, err = r.mover.MoveParallel(ctx, r.src, sess.h, ent.Name, mover.ParallelOptions{
			Where:    step.Where,
			Workers:  r.workers(step),
			PageSize: step.PageSize,
			Exclude:  excl.IDs,
		})
		res.Excluded += int64(excl.Len())

	case catalogue.ActionResolve:
		res, err = r.mover.Resolve(ctx, sess.h, ent.Name, step.Columns)

	default:
		err = fmt.Errorf("unknown action %q", step.Action)
	}
	if err != nil {
		return sr, err
	}
	sr.Counts = r.stepDone(ctx, phase, step, res)
	return sr, nil
}

// commitHook persists the pending identity maps and deferred references,
// records the committed offset and continues in a new transaction.
func (r *run) commitHook(sess *session, phase string) mover.CommitFunc {
	return func(ctx context.Context, rowsDone int64) (db.Handle, error) {
		if err := r.persist(ctx, sess.h); err != nil {
			return nil, err
		}
		if err := r.mgr.RecordProgress(ctx, r.st.In(sess.h), phase, rowsDone); err != nil {
			return nil, err
		}
		if err := sess.next(ctx); err != nil {
			return nil, err
		}
		r.emit(ctx, events.Event{Kind: events.PhaseProgress, Phase: phase, Entity: r.entity, Rows: rowsDone})
		return sess.h, nil
	}
}

// parallelPhase runs the single parallel step of phase. Workers commit
// their own chunks together with the chunk's mappings and checkpoint; the
// phase record is written once every chunk has passed.
func (r *run) parallelPhase(ctx context.Context, phase catalogue.Phase, pr *PhaseResult) error {
	step := phase.Steps[0]
	sr := StepResult{Action: step.Action, Entity: step.Entity}
	ent, ok := r.cat.Entity(step.Entity)
	if !ok {
		return fmt.Errorf("unknown entity %q", step.Entity)
	}
	r.entity = ent.Name

	var (
		rows int64
		skip bool
	)
	if ent.Optional {
		ok, err := r.present(ctx, r.dest, ent)
		if err != nil {
			return err
		}
		if !ok {
			r.skip(phase.Name, ent)
			skip = true
		}
	}

	if !skip {
		excl, err := r.exclusions(ctx, r.dest, step)
		if err != nil {
			return err
		}
		ranges, err := r.st.In(r.dest).LoadPassedChunks(ctx, phase.Name)
		if err != nil {
			return err
		}
		passed := make([]mover.Chunk, len(ranges))
		for i, c := range ranges {
			passed[i] = mover.Chunk{Index: c.Index, Count: c.Count, Offset: c.Offset, Rows: c.Rows}
			rows += c.Rows
		}
		if len(passed) > 0 {
			pr.Resumed = true
			r.log.Info("skipping passed chunks",
				zap.String("phase", phase.Name),
				zap.Int("chunks", len(passed)),
				zap.Int64("rows", rows))
		}

		res, err := r.mover.MoveParallel(ctx, r.src, r.dest, ent.Name, mover.ParallelOptions{
			Where:    step.Where,
			Workers:  r.workers(step),
			PageSize: step.PageSize,
			Exclude:  excl.IDs,
			Pools:    &mover.Pools{Src: r.src, Dest: r.dest},
			Passed:   passed,
			Persist:  r.persistChunk(phase.Name, ent.Name),
			Progress: func(done, total int) {
				r.emit(ctx, events.Event{Kind: events.PhaseProgress, Phase: phase.Name, Entity: ent.Name, Rows: int64(done), Total: int64(total)})
			},
		})
		if err != nil {
			return err
		}
		res.Excluded += int64(excl.Len())
		sr.Counts = r.stepDone(ctx, phase.Name, step, res)
		rows += res.Inserted
	} else {
		sr.Skipped = true
	}
	pr.Steps = append(pr.Steps, sr)

	sess, err := r.begin(ctx)
	if err != nil {
		return err
	}
	defer sess.rollback()
	if err := r.finishPhase(ctx, sess.h, phase, rows); err != nil {
		return err
	}
	if err := sess.commit(); err != nil {
		return err
	}
	pr.Rows = rows
	return nil
}

func (r *run) persistChunk(phase, entity string) mover.PersistFunc {
	return func(ctx context.Context, h db.Handle, c mover.Chunk, pairs []idmap.Pair, refs []idmap.Deferred) error {
		sc := r.st.In(h)
		if r.opts.Persist {
			if err := sc.InsertMappings(ctx, entity, pairs); err != nil {
				return err
			}
			if err := sc.InsertDeferred(ctx, refs); err != nil {
				return err
			}
		}
		return checkpoint.RecordChunkPassed(ctx, sc, phase, state.ChunkRange{Index: c.Index, Count: c.Count, Offset: c.Offset, Rows: c.Rows})
	}
}

// finishPhase persists what the phase produced, moves key generators past
// the inserted rows and marks the phase passed, all in the phase
// transaction.
func (r *run) finishPhase(ctx context.Context, h db.Handle, phase catalogue.Phase, rows int64) error {
	if err := r.persist(ctx, h); err != nil {
		return err
	}
	for _, step := range phase.Steps {
		ent, ok := r.cat.Entity(step.Entity)
		if !ok || !step.Inserts() || ent.KeyStrategy != catalogue.KeyAssign || r.skipped[ent.Name] {
			continue
		}
		if err := db.ResyncSequence(ctx, h, ent.Table, ent.Key); err != nil {
			return err
		}
	}
	return r.mgr.RecordPassed(ctx, r.st.In(h), phase.Name, rows)
}

func (r *run) persist(ctx context.Context, h db.Handle) error {
	if !r.opts.Persist {
		return nil
	}
	sc := r.st.In(h)
	if _, err := r.maps.PersistAll(ctx, sc); err != nil {
		return err
	}
	_, err := r.maps.PersistDeferred(ctx, sc)
	return err
}

func (r *run) exclusions(ctx context.Context, dest db.Handle, step catalogue.Step) (exclusion.Set, error) {
	if _, ok := r.cat.Entity(step.Entity); !ok {
		return exclusion.Set{Entity: step.Entity}, nil
	}
	return r.excl.Exclusions(ctx, r.src, dest, step.Entity, step.Where)
}

// present reports whether the table of e exists on both sides.
func (r *run) present(ctx context.Context, dest db.Handle, e *catalogue.Entity) (bool, error) {
	for _, h := range []db.Handle{r.src, dest} {
		ok, err := h.Dialect().TableExists(ctx, h.Executor(), e.Table)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (r *run) skip(phase string, e *catalogue.Entity) {
	r.skipped[e.Name] = true
	r.log.Info("optional table missing, step skipped",
		zap.String("phase", phase),
		zap.String("entity", e.Name),
		zap.String("table", e.Table))
}

func (r *run) subTxRows(step catalogue.Step) int {
	if step.SubTransactionRows <= 0 {
		return 0
	}
	if r.opts.SubTxRows > 0 {
		return r.opts.SubTxRows
	}
	return step.SubTransactionRows
}

func (r *run) workers(step catalogue.Step) int {
	switch {
	case step.Workers > 0:
		return step.Workers
	case r.opts.Workers > 0:
		return r.opts.Workers
	}
	return DefaultWorkers
}

func (r *run) stepDone(ctx context.Context, phase string, step catalogue.Step, res mover.Result) mover.Result {
	r.res.add(res)
	r.emit(ctx, events.Event{
		Kind:   events.StepDone,
		Phase:  phase,
		Entity: step.Entity,
		Rows:   res.Inserted,
		Counts: &events.Counts{
			Action:     string(step.Action),
			Matched:    res.Matched,
			Inserted:   res.Inserted,
			Excluded:   res.Excluded,
			Deferred:   res.Deferred,
			Resolved:   res.Resolved,
			Unresolved: res.Unresolved,
			Nulled:     res.Nulled,
			Columns:    res.Columns,
		},
	})
	return res
}

func (r *run) emit(ctx context.Context, ev events.Event) {
	if len(r.obs) == 0 {
		return
	}
	ev.Source = r.opts.Source
	ev.Attempt = r.st.Attempt()
	ev.DryRun = r.opts.DryRun
	ev.Time = r.now()
	r.obs.Observe(ctx, ev)
}

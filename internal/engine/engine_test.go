package engine

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lherron/beehive/internal/catalogue"
	"github.com/lherron/beehive/internal/checkpoint"
	"github.com/lherron/beehive/internal/db"
	"github.com/lherron/beehive/internal/events"
	"github.com/lherron/beehive/internal/mover"
	"github.com/lherron/beehive/internal/state"
	"github.com/lherron/beehive/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var tables = []string{"person", "users", "location", "patient", "encounter_type", "encounter", "obs"}

func options() Options {
	return Options{Source: "clinic-a", Persist: true, ExcludeUUIDMatches: true}
}

// recorder collects events; parallel phases report from worker goroutines.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Observe(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds(phase string, kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Kind == kind && (phase == "" || ev.Phase == phase) {
			out = append(out, ev)
		}
	}
	return out
}

func counts(t *testing.T, h db.Handle) map[string]int64 {
	t.Helper()
	out := make(map[string]int64, len(tables))
	for _, table := range tables {
		out[table] = testutil.Count(t, h, table, "")
	}
	return out
}

func snapshot(t *testing.T, h db.Handle) map[string][]string {
	t.Helper()
	out := make(map[string][]string, len(tables))
	for _, table := range tables {
		out[table] = testutil.Strings(t, h, "SELECT * FROM "+table+" ORDER BY 1")
	}
	return out
}

func TestRunMigratesClinic(t *testing.T) {
	ctx := context.Background()
	src := testutil.SourceDB(t)
	dest := testutil.DestinationDB(t)
	before := counts(t, dest)

	rec := &recorder{}
	res, err := New(src, dest, testutil.Catalogue(t), options(), WithObserver(rec)).Run(ctx)
	require.NoError(t, err)
	assert.False(t, res.Resumed)
	assert.Empty(t, res.Error)

	after := counts(t, dest)
	assert.Equal(t, map[string]int64{
		"person":         6,
		"users":          5,
		"location":       4,
		"patient":        3,
		"encounter_type": 2,
		"encounter":      3,
		"obs":            2 + testutil.ObsRows,
	}, after)

	t.Run("count conservation", func(t *testing.T) {
		for _, table := range tables {
			got, _ := res.Entity(table)
			assert.Equal(t, after[table]-before[table], got.Inserted, table)
		}
	})

	t.Run("entity counts", func(t *testing.T) {
		person, _ := res.Entity("person")
		assert.Equal(t, int64(1), person.Excluded)
		assert.Equal(t, 4, person.Deferred)
		assert.Equal(t, 3, person.Resolved)
		assert.Equal(t, 1, person.Unresolved)
		assert.Equal(t, 1, person.Columns["voided_by"])

		users, _ := res.Entity("users")
		assert.Equal(t, int64(2), users.Matched)
		assert.Equal(t, 2, users.Resolved)

		obs, _ := res.Entity("obs")
		assert.Equal(t, 9, obs.Resolved)
		assert.Zero(t, obs.Unresolved)
	})

	t.Run("references", func(t *testing.T) {
		assert.Equal(t, []string{
			"1|M|1|NULL|NULL|person-1-dest",
			"2|F|1|NULL|NULL|shared-person",
			"3|F|4|NULL|NULL|person-2",
			"4|M|1|5|NULL|person-3",
			"5|F|5|NULL|NULL|person-4",
			"6|F|1|NULL|NULL|person-6",
		}, testutil.Strings(t, dest, "SELECT * FROM person ORDER BY person_id"))

		assert.Equal(t, []string{
			"4|clerk-1|clerk|3|1|5|NULL|user-3",
			"5|nurse-1|nurse|4|4|NULL|NULL|user-4",
		}, testutil.Strings(t, dest, "SELECT * FROM users WHERE user_id > 3 ORDER BY user_id"))

		assert.Equal(t, []int64{3, 4, 5}, testutil.Ints(t, dest, "SELECT patient_id FROM patient ORDER BY 1"))
		assert.Equal(t, []string{"1|3|3", "2|4|1", "2|5|NULL"},
			testutil.Strings(t, dest, "SELECT encounter_type, patient_id, location_id FROM encounter ORDER BY encounter_id"))

		parent := testutil.Ints(t, dest, "SELECT parent_location FROM location WHERE name = 'Clinic A'")
		district := testutil.Ints(t, dest, "SELECT location_id FROM location WHERE name = 'District B'")
		assert.Equal(t, district, parent)

		// source person 5 already existed as destination person 2
		assert.Equal(t, []int64{2}, testutil.Ints(t, dest, "SELECT DISTINCT person_id FROM obs WHERE uuid IN ('obs-3', 'obs-7', 'obs-11')"))
		assert.Equal(t, []int64{9}, testutil.Ints(t, dest, "SELECT obs_group_id FROM obs WHERE uuid = 'obs-4'"))
		assert.Equal(t, []int64{11}, testutil.Ints(t, dest, "SELECT obs_group_id FROM obs WHERE uuid = 'obs-10'"))
		assert.Zero(t, testutil.Count(t, dest, "obs", "obs_group_id IS NOT NULL AND obs_group_id NOT IN (SELECT obs_id FROM obs)"))
	})

	t.Run("state", func(t *testing.T) {
		latest, err := state.New("clinic-a", "").In(dest).LoadLatestCheckpoint(ctx)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, "obs-resolve", latest.Phase)
		assert.True(t, latest.Passed)

		sources, err := state.Sources(ctx, dest)
		require.NoError(t, err)
		require.Len(t, sources, 1)
		assert.Equal(t, res.Attempt, sources[0].Attempt)
	})

	t.Run("events", func(t *testing.T) {
		assert.Len(t, rec.kinds("", events.RunStarted), 1)
		assert.Len(t, rec.kinds("", events.RunFinished), 1)
		assert.Len(t, rec.kinds("", events.PhasePassed), 9)
		progress := rec.kinds("persons", events.PhaseProgress)
		require.Len(t, progress, 1)
		assert.Equal(t, int64(2), progress[0].Rows)
		assert.Len(t, rec.kinds("obs", events.PhaseProgress), 3)
	})

	t.Run("already processed", func(t *testing.T) {
		res, err := New(src, dest, testutil.Catalogue(t), options()).Run(ctx)
		require.Error(t, err)
		assert.True(t, mover.IsAlreadyProcessedSource(err))
		assert.NotEmpty(t, res.Error)
		assert.Equal(t, after, counts(t, dest))
	})
}

func TestRunDryRunRollsBack(t *testing.T) {
	ctx := context.Background()
	src := testutil.SourceDB(t)
	dest := testutil.DestinationDB(t)
	before := snapshot(t, dest)

	opts := options()
	opts.DryRun = true
	res, err := New(src, dest, testutil.Catalogue(t), opts).Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.DryRun)

	person, _ := res.Entity("person")
	assert.Equal(t, int64(4), person.Inserted)
	obs, _ := res.Entity("obs")
	assert.Equal(t, int64(testutil.ObsRows), obs.Inserted)

	if diff := cmp.Diff(before, snapshot(t, dest)); diff != "" {
		t.Errorf("dry run changed the destination (-before +after):\n%s", diff)
	}
	for _, table := range []string{"beehive_merge_source", "beehive_merge_progress", "beehive_merge_map", "beehive_merge_deferred"} {
		assert.Zero(t, testutil.Count(t, dest, table, ""), table)
	}
}

func TestRunResumesInterruptedPhase(t *testing.T) {
	ctx := context.Background()

	// reference run without interruption
	wantSrc := testutil.SourceDB(t)
	wantDest := testutil.DestinationDB(t)
	_, err := New(wantSrc, wantDest, testutil.Catalogue(t), options()).Run(ctx)
	require.NoError(t, err)

	src := testutil.SourceDB(t)
	dest := testutil.DestinationDB(t)
	_, err = dest.ExecContext(ctx, `CREATE TRIGGER person_6_rejected BEFORE INSERT ON person
WHEN NEW.uuid = 'person-6'
BEGIN
	SELECT RAISE(ABORT, 'person 6 rejected');
END`)
	require.NoError(t, err)

	res, err := New(src, dest, testutil.Catalogue(t), options()).Run(ctx)
	require.Error(t, err)
	assert.True(t, mover.IsStatementFailure(err))
	assert.Contains(t, err.Error(), "phase=persons")
	assert.Contains(t, err.Error(), "entity=person")
	require.Len(t, res.Phases, 2)
	assert.Equal(t, checkpoint.InProgress, res.Phases[1].Status)

	// the first sub-transaction of two rows stays committed
	assert.Equal(t, int64(4), testutil.Count(t, dest, "person", ""))
	latest, err := state.New("clinic-a", "").In(dest).LoadLatestCheckpoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "persons", latest.Phase)
	assert.False(t, latest.Passed)
	assert.Equal(t, int64(2), latest.RowsDone)

	t.Run("persistence required", func(t *testing.T) {
		opts := options()
		opts.Persist = false
		_, err := New(src, dest, testutil.Catalogue(t), opts).Run(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "persistence is disabled")
	})

	_, err = dest.ExecContext(ctx, "DROP TRIGGER person_6_rejected")
	require.NoError(t, err)

	res, err = New(src, dest, testutil.Catalogue(t), options()).Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.True(t, res.Phases[0].Skipped)
	assert.True(t, res.Phases[1].Resumed)
	assert.Equal(t, int64(4), res.Phases[1].Rows)

	person, _ := res.Entity("person")
	assert.Equal(t, int64(2), person.Inserted)

	if diff := cmp.Diff(snapshot(t, wantDest), snapshot(t, dest)); diff != "" {
		t.Errorf("resumed run differs from uninterrupted run (-want +got):\n%s", diff)
	}
}

func TestRunResumesParallelPhaseWithOtherWorkerCount(t *testing.T) {
	ctx := context.Background()
	// the obs step takes its worker count from the run options
	cat, err := catalogue.Parse([]byte(strings.Replace(testutil.MiniCatalogue, "workers: 3, ", "", 1)))
	require.NoError(t, err)

	wantSrc := testutil.SourceDB(t)
	wantDest := testutil.DestinationDB(t)
	_, err = New(wantSrc, wantDest, cat, options()).Run(ctx)
	require.NoError(t, err)

	src := testutil.SourceDB(t)
	dest := testutil.DestinationDB(t)
	_, err = dest.ExecContext(ctx, `CREATE TRIGGER obs_24_rejected BEFORE INSERT ON obs
WHEN NEW.uuid = 'obs-24'
BEGIN
	SELECT RAISE(ABORT, 'obs 24 rejected');
END`)
	require.NoError(t, err)

	opts := options()
	opts.Workers = 3
	_, err = New(src, dest, cat, opts).Run(ctx)
	require.Error(t, err)
	// chunks 0 and 1 of three committed
	assert.Equal(t, int64(2+16), testutil.Count(t, dest, "obs", ""))

	_, err = dest.ExecContext(ctx, "DROP TRIGGER obs_24_rejected")
	require.NoError(t, err)

	opts.Workers = 4
	res, err := New(src, dest, cat, opts).Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	obs, _ := res.Entity("obs")
	assert.Equal(t, int64(8), obs.Inserted)

	assert.Empty(t, testutil.Strings(t, dest, "SELECT uuid FROM obs GROUP BY uuid HAVING COUNT(*) > 1"))
	if diff := cmp.Diff(snapshot(t, wantDest), snapshot(t, dest)); diff != "" {
		t.Errorf("resumed run differs from uninterrupted run (-want +got):\n%s", diff)
	}
}

func TestRunSubTransactionOverride(t *testing.T) {
	ctx := context.Background()
	src := testutil.SourceDB(t)
	dest := testutil.DestinationDB(t)

	rec := &recorder{}
	opts := options()
	opts.SubTxRows = 1
	_, err := New(src, dest, testutil.Catalogue(t), opts, WithObserver(rec)).Run(ctx)
	require.NoError(t, err)

	var rows []int64
	for _, ev := range rec.kinds("persons", events.PhaseProgress) {
		rows = append(rows, ev.Rows)
	}
	assert.Equal(t, []int64{1, 2, 3}, rows)
	// steps without sub-transactions are unaffected
	assert.Empty(t, rec.kinds("users", events.PhaseProgress))
}

func TestRunSkipsPatientOfMatchedPerson(t *testing.T) {
	ctx := context.Background()
	src := testutil.SourceDB(t)
	dest := testutil.DestinationDB(t)
	// source person 5 and destination person 2 share a uuid and are both patients
	testutil.Exec(t, src, `
INSERT INTO patient VALUES (5, 1, NULL);
INSERT INTO encounter VALUES (4, 1, 5, NULL, 1, NULL, 'encounter-4');`)
	testutil.Exec(t, dest, `INSERT INTO patient VALUES (2, 1, NULL);`)

	res, err := New(src, dest, testutil.Catalogue(t), options()).Run(ctx)
	require.NoError(t, err)

	patient, _ := res.Entity("patient")
	assert.Equal(t, int64(3), patient.Inserted)
	assert.Equal(t, int64(1), patient.Excluded)
	assert.Equal(t, []int64{2, 3, 4, 5}, testutil.Ints(t, dest, "SELECT patient_id FROM patient ORDER BY 1"))
	assert.Equal(t, []int64{2}, testutil.Ints(t, dest, "SELECT patient_id FROM encounter WHERE uuid = 'encounter-4'"))

	t.Run("without uuid exclusion", func(t *testing.T) {
		src := testutil.SourceDB(t)
		dest := testutil.DestinationDB(t)
		// the fixed person 1 keeps its id, so its patient row collides
		testutil.Exec(t, src, `
INSERT INTO patient VALUES (1, 1, NULL);
INSERT INTO encounter VALUES (4, 1, 1, NULL, 1, NULL, 'encounter-4');`)
		testutil.Exec(t, dest, `INSERT INTO patient VALUES (1, 1, NULL);`)

		opts := options()
		opts.ExcludeUUIDMatches = false
		res, err := New(src, dest, testutil.Catalogue(t), opts).Run(ctx)
		require.NoError(t, err)
		patient, _ := res.Entity("patient")
		assert.Equal(t, int64(1), patient.Excluded)
		assert.Equal(t, []int64{1}, testutil.Ints(t, dest, "SELECT patient_id FROM encounter WHERE uuid = 'encounter-4'"))
	})
}

func TestRunWithoutExclusions(t *testing.T) {
	ctx := context.Background()
	src := testutil.SourceDB(t)
	dest := testutil.DestinationDB(t)

	opts := options()
	opts.ExcludeUUIDMatches = false
	res, err := New(src, dest, testutil.Catalogue(t), opts).Run(ctx)
	require.NoError(t, err)

	person, _ := res.Entity("person")
	assert.Equal(t, int64(5), person.Inserted)
	assert.Zero(t, person.Excluded)
	assert.Equal(t, int64(2), testutil.Count(t, dest, "person", "uuid = 'shared-person'"))
}

func TestRunRejectsMissingSource(t *testing.T) {
	opts := options()
	opts.Source = ""
	_, err := New(testutil.SourceDB(t), testutil.DestinationDB(t), testutil.Catalogue(t), opts).Run(context.Background())
	assert.ErrorContains(t, err, "source identifier")
}

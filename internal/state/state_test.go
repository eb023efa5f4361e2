package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/beehive/internal/db"
	"github.com/lherron/beehive/internal/idmap"
)

func openState(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(db.ConnInfo{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "dest.db")})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if _, err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
	return database
}

func fixedClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestMappingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	database := openState(t)
	sc := New("clinic-a", "attempt-1").In(database)

	pairs := make([]idmap.Pair, 0, 1200)
	for i := int64(1); i <= 1200; i++ {
		pairs = append(pairs, idmap.Pair{Src: i, Dest: i + 500})
	}
	require.NoError(t, sc.InsertMappings(ctx, "person", pairs))
	require.NoError(t, sc.InsertMappings(ctx, "users", []idmap.Pair{{Src: 3, Dest: 9}}))

	got, err := sc.LoadMappings(ctx, "person")
	require.NoError(t, err)
	if diff := cmp.Diff(pairs, got); diff != "" {
		t.Errorf("mappings differ (-want +got):\n%s", diff)
	}

	tables, err := sc.MappedTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"person", "users"}, tables)

	// other sources are isolated
	other, err := New("clinic-b", "x").In(database).LoadMappings(ctx, "person")
	require.NoError(t, err)
	assert.Empty(t, other)

	// uniqueness per (source, table, src_id)
	assert.Error(t, sc.InsertMappings(ctx, "person", []idmap.Pair{{Src: 1, Dest: 999}}))
}

func TestDeferredRoundTrip(t *testing.T) {
	ctx := context.Background()
	database := openState(t)
	sc := New("clinic-a", "attempt-1").In(database)

	refs := []idmap.Deferred{
		{Entity: "location", Column: "parent_location", DestID: 12, SrcValue: 4},
		{Entity: "obs", Column: "obs_group_id", DestID: 501, SrcValue: 7},
		{Entity: "obs", Column: "previous_version", DestID: 502, SrcValue: 1},
	}
	require.NoError(t, sc.InsertDeferred(ctx, refs))

	got, err := sc.LoadDeferred(ctx)
	require.NoError(t, err)
	assert.Equal(t, refs, got)
}

func TestLatestCheckpointIgnoresChunks(t *testing.T) {
	ctx := context.Background()
	database := openState(t)
	store := New("clinic-a", "attempt-1")
	store.now = fixedClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	sc := store.In(database)

	cp, err := sc.LoadLatestCheckpoint(ctx)
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, sc.InsertCheckpoint(ctx, "persons", nil, true, 3))
	require.NoError(t, sc.InsertCheckpoint(ctx, "obs", nil, false, 0))
	require.NoError(t, sc.InsertCheckpoint(ctx, "obs", &ChunkRange{Index: 2, Count: 3, Offset: 5000}, true, 2500))
	require.NoError(t, sc.InsertCheckpoint(ctx, "obs", &ChunkRange{Index: 0, Count: 3, Offset: 0}, true, 2500))
	require.NoError(t, sc.InsertCheckpoint(ctx, "obs", &ChunkRange{Index: 1, Count: 3, Offset: 2500}, false, 100))

	cp, err = sc.LoadLatestCheckpoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "obs", cp.Phase)
	assert.False(t, cp.Passed)
	assert.Equal(t, "attempt-1", cp.Attempt)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 2, 0, time.UTC), cp.TimeFinished)

	chunks, err := sc.LoadPassedChunks(ctx, "obs")
	require.NoError(t, err)
	assert.Equal(t, []ChunkRange{
		{Index: 0, Count: 3, Offset: 0, Rows: 2500},
		{Index: 2, Count: 3, Offset: 5000, Rows: 2500},
	}, chunks)
}

func TestSourcesReportsLastStep(t *testing.T) {
	ctx := context.Background()
	database := openState(t)

	first := New("clinic-a", "attempt-1")
	first.now = fixedClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	require.NoError(t, first.In(database).BeginSource(ctx))
	require.NoError(t, first.In(database).InsertCheckpoint(ctx, "persons", nil, false, 100))

	second := New("clinic-a", "attempt-2")
	second.now = fixedClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	sc := second.In(database)
	require.NoError(t, sc.BeginSource(ctx))
	require.NoError(t, sc.InsertCheckpoint(ctx, "gaac", nil, true, 0))
	require.NoError(t, sc.FinishSource(ctx))

	other := New("clinic-b", "attempt-9")
	require.NoError(t, other.In(database).BeginSource(ctx))

	sources, err := Sources(ctx, database)
	require.NoError(t, err)
	require.Len(t, sources, 2)

	a := sources[0]
	assert.Equal(t, "clinic-a", a.Source)
	assert.Equal(t, "attempt-2", a.Attempt)
	assert.Equal(t, 2, a.Attempts)
	require.NotNil(t, a.FinishedAt)
	require.NotNil(t, a.Last)
	assert.Equal(t, "gaac", a.Last.Phase)
	assert.True(t, a.Last.Passed)

	b := sources[1]
	assert.Equal(t, "clinic-b", b.Source)
	assert.Nil(t, b.FinishedAt)
	assert.Nil(t, b.Last)
}

package verify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/beehive/internal/engine"
	"github.com/lherron/beehive/internal/testutil"
)

func TestVerifyBeforeMerge(t *testing.T) {
	cat := testutil.Catalogue(t)
	src, dest := testutil.SourceDB(t), testutil.DestinationDB(t)

	res, err := New(cat, src, dest, WithMaxMissing(2)).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, []Count{
		{Entity: "person", Expected: 5, Present: 1},
		{Entity: "users", Expected: 2, Present: 0},
		{Entity: "encounter", Expected: 3, Present: 0},
		{Entity: "obs", Expected: testutil.ObsRows, Present: 0},
	}, res.Counts)

	// At most two rows per entity, lowest source ids first.
	require.Len(t, res.Missing, 8)
	assert.Equal(t, Missing{Entity: "person", ID: 2, UUID: "person-2"}, res.Missing[0])
	assert.Equal(t, Missing{Entity: "person", ID: 3, UUID: "person-3"}, res.Missing[1])
	assert.Equal(t, Missing{Entity: "obs", ID: 2, UUID: "obs-2"}, res.Missing[7])

	diff, err := res.Diff()
	require.NoError(t, err)
	assert.Contains(t, diff, "--- source\n+++ destination\n")
	assert.Contains(t, diff, "-person 5\n")
	assert.Contains(t, diff, "+person 1\n")
	assert.Contains(t, diff, "+obs 0\n")
}

func TestVerifyAfterMerge(t *testing.T) {
	cat := testutil.Catalogue(t)
	src, dest := testutil.SourceDB(t), testutil.DestinationDB(t)

	_, err := engine.New(src, dest, cat, engine.Options{Source: "clinic-a", Persist: true, ExcludeUUIDMatches: true}).Run(context.Background())
	require.NoError(t, err)

	res, err := New(cat, src, dest, WithWorkers(1)).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK(), "%+v", res.Counts)
	assert.Empty(t, res.Missing)
	assert.Len(t, res.Counts, 4)

	diff, err := res.Diff()
	require.NoError(t, err)
	assert.Empty(t, diff)
}

func TestVerifySkipsMissingOptionalTables(t *testing.T) {
	cat := testutil.Catalogue(t)
	e, ok := cat.Entity("encounter")
	require.True(t, ok)
	e.Optional = true

	src, dest := testutil.SourceDB(t), testutil.DestinationDB(t)
	testutil.Exec(t, dest, "DROP TABLE encounter")

	res, err := New(cat, src, dest).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"encounter"}, res.Skipped)
	assert.Len(t, res.Counts, 3)
}

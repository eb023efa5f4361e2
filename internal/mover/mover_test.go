package mover

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lherron/beehive/internal/catalogue"
	"github.com/lherron/beehive/internal/db"
	"github.com/lherron/beehive/internal/idmap"
	"github.com/lherron/beehive/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openPair(t *testing.T, schema string) (*db.DB, *db.DB) {
	t.Helper()
	src := testutil.TempDB(t, "source")
	dest := testutil.TempDB(t, "destination")
	testutil.Exec(t, src, schema)
	testutil.Exec(t, dest, schema)
	return src, dest
}

func parse(t *testing.T, doc string) *catalogue.Catalogue {
	t.Helper()
	cat, err := catalogue.Parse([]byte(doc))
	require.NoError(t, err)
	return cat
}

const personSchema = `CREATE TABLE person (person_id INTEGER PRIMARY KEY, gender TEXT, uuid TEXT NOT NULL)`

const personCatalogue = `
entities:
  - name: person
    key: person_id
    uuid_column: uuid
`

func seedPersons(t *testing.T, h db.Handle, n int) {
	t.Helper()
	var stmts []string
	for i := 1; i <= n; i++ {
		gender := "F"
		if i%2 == 0 {
			gender = "M"
		}
		stmts = append(stmts, fmt.Sprintf("INSERT INTO person VALUES (%d, '%s', 'p-%d')", i, gender, i))
	}
	testutil.Exec(t, h, strings.Join(stmts, ";\n"))
}

func TestMoveAllAssignsIDsPageByPage(t *testing.T) {
	ctx := context.Background()
	src, dest := openPair(t, personSchema)
	seedPersons(t, src, 3)
	testutil.Exec(t, dest, `INSERT INTO person VALUES (500, 'M', 'd-500')`)

	core, logs := observer.New(zap.DebugLevel)
	maps := idmap.NewStore()
	m := New(parse(t, personCatalogue), maps, WithLogger(zap.New(core)), WithPageSize(2))

	res, err := m.MoveAll(ctx, src, dest, "person", MoveOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Inserted)
	assert.Equal(t, 2, logs.FilterMessage("page moved").Len())

	want := []idmap.Pair{{Src: 1, Dest: 501}, {Src: 2, Dest: 502}, {Src: 3, Dest: 503}}
	if diff := cmp.Diff(want, maps.Map("person").Pairs()); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, maps.Map("person").Pending(), 3)
	assert.Equal(t, int64(4), testutil.Count(t, dest, "person", ""))
	assert.Equal(t, []string{"501|F|p-1", "502|M|p-2", "503|F|p-3"},
		testutil.Strings(t, dest, "SELECT person_id, gender, uuid FROM person WHERE person_id > 500 ORDER BY person_id"))
}

func TestMoveAllOffsetAndExclusions(t *testing.T) {
	ctx := context.Background()

	t.Run("offset", func(t *testing.T) {
		src, dest := openPair(t, personSchema)
		seedPersons(t, src, 5)
		maps := idmap.NewStore()
		m := New(parse(t, personCatalogue), maps)

		res, err := m.MoveAll(ctx, src, dest, "person", MoveOptions{Offset: 3})
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Inserted)
		assert.Equal(t, []idmap.Pair{{Src: 4, Dest: 1}, {Src: 5, Dest: 2}}, maps.Map("person").Pairs())
	})

	t.Run("limit and start id", func(t *testing.T) {
		src, dest := openPair(t, personSchema)
		seedPersons(t, src, 5)
		maps := idmap.NewStore()
		m := New(parse(t, personCatalogue), maps)

		_, err := m.MoveAll(ctx, src, dest, "person", MoveOptions{Offset: 1, Limit: 2, StartID: 40})
		require.NoError(t, err)
		assert.Equal(t, []idmap.Pair{{Src: 2, Dest: 40}, {Src: 3, Dest: 41}}, maps.Map("person").Pairs())
	})

	t.Run("exclude", func(t *testing.T) {
		src, dest := openPair(t, personSchema)
		seedPersons(t, src, 4)
		maps := idmap.NewStore()
		m := New(parse(t, personCatalogue), maps)

		res, err := m.MoveAll(ctx, src, dest, "person", MoveOptions{Exclude: []int64{2, 3}})
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Inserted)
		assert.Equal(t, []idmap.Pair{{Src: 1, Dest: 1}, {Src: 4, Dest: 2}}, maps.Map("person").Pairs())
	})
}

func TestMoveAllCommitsSubTransactions(t *testing.T) {
	ctx := context.Background()
	src, dest := openPair(t, personSchema)
	seedPersons(t, src, 5)
	m := New(parse(t, personCatalogue), idmap.NewStore())

	tx, err := dest.BeginTx(ctx, nil)
	require.NoError(t, err)
	var commits []int64
	commit := func(ctx context.Context, rowsDone int64) (db.Handle, error) {
		commits = append(commits, rowsDone)
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		next, err := dest.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		tx = next
		return db.NewTx(tx, dest.Dialect()), nil
	}

	res, err := m.MoveAll(ctx, src, db.NewTx(tx, dest.Dialect()), "person", MoveOptions{
		PageSize:  1,
		SubTxRows: 2,
		Commit:    commit,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, []int64{2, 4}, commits)
	assert.Equal(t, int64(5), res.Inserted)
	assert.Equal(t, int64(5), testutil.Count(t, dest, "person", ""))
}

const encounterSchema = `
CREATE TABLE person (person_id INTEGER PRIMARY KEY, gender TEXT, uuid TEXT NOT NULL);
CREATE TABLE location (location_id INTEGER PRIMARY KEY, name TEXT NOT NULL);
CREATE TABLE encounter (encounter_id INTEGER PRIMARY KEY, patient_id INTEGER NOT NULL, location_id INTEGER, uuid TEXT NOT NULL)
`

const encounterCatalogue = `
entities:
  - name: person
    key: person_id
  - name: location
    key: location_id
  - name: encounter
    key: encounter_id
    uuid_column: uuid
    references:
      - {column: patient_id, entity: person, required: true}
      - {column: location_id, entity: location}
`

func TestMoveAllRewritesReferences(t *testing.T) {
	ctx := context.Background()
	src, dest := openPair(t, encounterSchema)
	testutil.Exec(t, src, `
INSERT INTO encounter VALUES (1, 1, 7, 'e-1');
INSERT INTO encounter VALUES (2, 2, NULL, 'e-2')`)

	maps := idmap.NewStore()
	require.NoError(t, maps.Put("person", 1, 10))
	require.NoError(t, maps.Put("person", 2, 20))
	m := New(parse(t, encounterCatalogue), maps)

	res, err := m.MoveAll(ctx, src, dest, "encounter", MoveOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"1|10|NULL|e-1", "2|20|NULL|e-2"},
		testutil.Strings(t, dest, "SELECT * FROM encounter ORDER BY encounter_id"))
	assert.Equal(t, 1, res.Nulled)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, Diagnostic{
		Kind:     KindUnresolvedOptionalReference,
		Entity:   "encounter",
		Column:   "location_id",
		DestID:   1,
		SrcValue: 7,
		Reason:   "location 7 was not migrated",
	}, res.Diagnostics[0])
}

func TestMoveAllMissingRequiredReference(t *testing.T) {
	ctx := context.Background()
	src, dest := openPair(t, encounterSchema)
	testutil.Exec(t, src, `
INSERT INTO encounter VALUES (1, 1, NULL, 'e-1');
INSERT INTO encounter VALUES (2, 3, NULL, 'e-2')`)

	maps := idmap.NewStore()
	require.NoError(t, maps.Put("person", 1, 10))
	m := New(parse(t, encounterCatalogue), maps)

	_, err := m.MoveAll(ctx, src, dest, "encounter", MoveOptions{})
	require.Error(t, err)
	assert.True(t, IsUnresolvedRequiredReference(err), err.Error())
	assert.Contains(t, err.Error(), "patient_id=3 has no person mapping")
	assert.Equal(t, int64(0), testutil.Count(t, dest, "encounter", ""))
	assert.Zero(t, maps.Map("encounter").Len())
}

const attributeSchema = `
CREATE TABLE location (location_id INTEGER PRIMARY KEY, name TEXT NOT NULL);
CREATE TABLE attribute_type (attribute_type_id INTEGER PRIMARY KEY, format TEXT NOT NULL);
CREATE TABLE attribute (attribute_id INTEGER PRIMARY KEY, attribute_type_id INTEGER NOT NULL, value TEXT NOT NULL, uuid TEXT NOT NULL)
`

const attributeCatalogue = `
entities:
  - name: location
    key: location_id
  - name: attribute_type
    key: attribute_type_id
  - name: attribute
    key: attribute_id
    uuid_column: uuid
    references:
      - {column: attribute_type_id, entity: attribute_type, required: true}
      - column: value
        entity: location
        required: true
        when: {column: attribute_type_id, entity: attribute_type, where: "format = 'location'"}
`

func TestMoveAllRewritesConditionalReferences(t *testing.T) {
	ctx := context.Background()
	src, dest := openPair(t, attributeSchema)
	testutil.Exec(t, src, `
INSERT INTO attribute_type VALUES (1, 'location');
INSERT INTO attribute_type VALUES (2, 'text');
INSERT INTO attribute VALUES (1, 1, '3', 'a-1');
INSERT INTO attribute VALUES (2, 2, '3', 'a-2');
INSERT INTO attribute VALUES (3, 2, 'blue', 'a-3')`)

	maps := idmap.NewStore()
	require.NoError(t, maps.Put("location", 3, 30))
	require.NoError(t, maps.Put("attribute_type", 1, 11))
	require.NoError(t, maps.Put("attribute_type", 2, 12))
	m := New(parse(t, attributeCatalogue), maps)

	res, err := m.MoveAll(ctx, src, dest, "attribute", MoveOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Inserted)
	assert.Equal(t, []string{"1|11|30|a-1", "2|12|3|a-2", "3|12|blue|a-3"},
		testutil.Strings(t, dest, "SELECT * FROM attribute ORDER BY attribute_id"))

	t.Run("unmapped location", func(t *testing.T) {
		src, dest := openPair(t, attributeSchema)
		testutil.Exec(t, src, `
INSERT INTO attribute_type VALUES (1, 'location');
INSERT INTO attribute VALUES (4, 1, '9', 'a-4')`)

		maps := idmap.NewStore()
		require.NoError(t, maps.Put("attribute_type", 1, 11))
		_, err := New(parse(t, attributeCatalogue), maps).MoveAll(ctx, src, dest, "attribute", MoveOptions{})
		require.Error(t, err)
		assert.True(t, IsUnresolvedRequiredReference(err), err.Error())
		assert.Contains(t, err.Error(), "value=9 has no location mapping")
		assert.Equal(t, int64(0), testutil.Count(t, dest, "attribute", ""))
	})
}

const encounterTypeSchema = `CREATE TABLE encounter_type (encounter_type_id INTEGER PRIMARY KEY, name TEXT NOT NULL, uuid TEXT NOT NULL)`

const encounterTypeCatalogue = `
entities:
  - name: encounter_type
    key: encounter_type_id
    uuid_column: uuid
    match: [name]
`

func TestConsolidateIsDeterministic(t *testing.T) {
	ctx := context.Background()
	src, dest := openPair(t, encounterTypeSchema)
	testutil.Exec(t, src, `
INSERT INTO encounter_type VALUES (1, 'ADULTINITIAL', 's-1');
INSERT INTO encounter_type VALUES (2, 'RETURN', 's-2');
INSERT INTO encounter_type VALUES (3, 'RETURN', 's-3');
INSERT INTO encounter_type VALUES (4, 'LAB', 'same-uuid');
INSERT INTO encounter_type VALUES (5, 'TRANSFER', 's-5')`)
	testutil.Exec(t, dest, `
INSERT INTO encounter_type VALUES (1, 'ADULTINITIAL', 'd-1');
INSERT INTO encounter_type VALUES (7, 'Lab results', 'SAME-UUID')`)

	cat := parse(t, encounterTypeCatalogue)
	first := idmap.NewStore()
	res, err := New(cat, first).Consolidate(ctx, src, dest, "encounter_type", ConsolidateOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Matched)
	assert.Equal(t, int64(2), res.Inserted)

	want := []idmap.Pair{
		{Src: 1, Dest: 1},
		{Src: 2, Dest: 8},
		{Src: 3, Dest: 8},
		{Src: 4, Dest: 7},
		{Src: 5, Dest: 9},
	}
	if diff := cmp.Diff(want, first.Map("encounter_type").Pairs()); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}

	second := idmap.NewStore()
	res, err = New(cat, second).Consolidate(ctx, src, dest, "encounter_type", ConsolidateOptions{})
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Equal(t, int64(5), res.Matched)
	if diff := cmp.Diff(want, second.Map("encounter_type").Pairs()); diff != "" {
		t.Errorf("second run mappings mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int64(4), testutil.Count(t, dest, "encounter_type", ""))
}

func TestConsolidateMatchOnly(t *testing.T) {
	ctx := context.Background()
	src, dest := openPair(t, encounterTypeSchema)
	testutil.Exec(t, src, `
INSERT INTO encounter_type VALUES (1, 'ADULTINITIAL', 's-1');
INSERT INTO encounter_type VALUES (2, 'RETURN', 's-2')`)
	testutil.Exec(t, dest, `INSERT INTO encounter_type VALUES (3, 'ADULTINITIAL', 'd-3')`)

	maps := idmap.NewStore()
	res, err := New(parse(t, encounterTypeCatalogue), maps).Consolidate(ctx, src, dest, "encounter_type", ConsolidateOptions{MatchOnly: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Matched)
	assert.Zero(t, res.Inserted)
	assert.Equal(t, []idmap.Pair{{Src: 1, Dest: 3}}, maps.Map("encounter_type").Pairs())
	assert.Equal(t, int64(1), testutil.Count(t, dest, "encounter_type", ""))
}

const programSchema = `
CREATE TABLE program (program_id INTEGER PRIMARY KEY, concept_id INTEGER NOT NULL, uuid TEXT NOT NULL);
CREATE TABLE program_workflow (program_workflow_id INTEGER PRIMARY KEY, program_id INTEGER NOT NULL, concept_id INTEGER NOT NULL, uuid TEXT NOT NULL)
`

const programCatalogue = `
entities:
  - name: program
    key: program_id
    uuid_column: uuid
    match: [concept_id]
  - name: program_workflow
    key: program_workflow_id
    uuid_column: uuid
    match: [program_id, concept_id]
    references:
      - {column: program_id, entity: program, required: true}
`

func TestConsolidateComparesMappedBusinessKeys(t *testing.T) {
	ctx := context.Background()
	src, dest := openPair(t, programSchema)
	testutil.Exec(t, src, `
INSERT INTO program VALUES (1, 100, 'sp-1');
INSERT INTO program VALUES (2, 200, 'sp-2');
INSERT INTO program_workflow VALUES (1, 1, 900, 'sw-1');
INSERT INTO program_workflow VALUES (2, 2, 900, 'sw-2')`)
	testutil.Exec(t, dest, `
INSERT INTO program VALUES (5, 200, 'dp-5');
INSERT INTO program VALUES (6, 100, 'dp-6');
INSERT INTO program_workflow VALUES (1, 2, 900, 'dw-1');
INSERT INTO program_workflow VALUES (3, 6, 900, 'dw-3')`)

	cat := parse(t, programCatalogue)

	t.Run("unmapped component", func(t *testing.T) {
		_, err := New(cat, idmap.NewStore()).Consolidate(ctx, src, dest, "program_workflow", ConsolidateOptions{})
		require.Error(t, err)
		assert.True(t, IsUnresolvedRequiredReference(err), err.Error())
	})

	maps := idmap.NewStore()
	m := New(cat, maps)
	_, err := m.Consolidate(ctx, src, dest, "program", ConsolidateOptions{})
	require.NoError(t, err)
	assert.Equal(t, []idmap.Pair{{Src: 1, Dest: 6}, {Src: 2, Dest: 5}}, maps.Map("program").Pairs())

	res, err := m.Consolidate(ctx, src, dest, "program_workflow", ConsolidateOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Matched)
	assert.Equal(t, int64(1), res.Inserted)

	// source workflow 2 belongs to program 200, whose raw id 2 happens to
	// equal destination workflow 1's program_id
	assert.Equal(t, []idmap.Pair{{Src: 1, Dest: 3}, {Src: 2, Dest: 4}}, maps.Map("program_workflow").Pairs())
	assert.Equal(t, []string{"4|5|900|sw-2"},
		testutil.Strings(t, dest, "SELECT * FROM program_workflow WHERE program_workflow_id = 4"))
}

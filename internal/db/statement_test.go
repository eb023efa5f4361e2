package db

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
)

func TestGeneratedStatements(t *testing.T) {
	mysql := NewDialect("mysql")
	pg := NewDialect("postgresql")
	lite := NewDialect("sqlite3")

	cases := []struct {
		name string
		sql  string
	}{
		{"insert_mysql", mysql.InsertRows("person", []string{"person_id", "gender"}, 2, false)},
		{"insert_ignore_mysql", mysql.InsertRows("role_privilege", []string{"role", "privilege"}, 2, true)},
		{"insert_ignore_postgres", pg.InsertRows("role_privilege", []string{"role", "privilege"}, 2, true)},
		{"insert_ignore_sqlite", lite.InsertRows("role_privilege", []string{"role", "privilege"}, 2, true)},
		{"update_case_mysql", mysql.UpdateCase("obs", "obs_id", "obs_group_id", 2)},
		{"update_case_postgres", pg.UpdateCase("obs", "obs_id", "obs_group_id", 2)},
		{"select_page_mysql", mysql.SelectPage("obs", []string{"obs_id", "person_id"}, "`voided` = 0", []string{"date_created", "obs_id"}, 1000, 2000)},
		{"select_all_sqlite", lite.SelectPage("obs", []string{"obs_id", "person_id"}, "", []string{"obs_id"}, 0, 0)},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g.Assert(t, tc.name, []byte(tc.sql))
		})
	}
}

func TestRebind(t *testing.T) {
	pg := NewDialect("postgres")
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c = '?' AND d = $2",
		pg.Rebind("SELECT a FROM t WHERE b = ? AND c = '?' AND d = ?"))

	mysql := NewDialect("mysql")
	assert.Equal(t, "SELECT ? FROM t", mysql.Rebind("SELECT ? FROM t"))
}

func TestNotInAndAnd(t *testing.T) {
	d := NewDialect("sqlite")
	assert.Equal(t, "", d.NotIn("person_id", nil))
	assert.Equal(t, `"person_id" NOT IN (4, 7)`, d.NotIn("person_id", []int64{4, 7}))
	assert.Equal(t, `(voided = 0) AND ("person_id" NOT IN (4))`, And("voided = 0", "", d.NotIn("person_id", []int64{4})))
	assert.Equal(t, "", And("", " "))
}

func TestQuoteEscapes(t *testing.T) {
	assert.Equal(t, "`we``ird`", NewDialect("mysql").Quote("we`ird"))
	assert.Equal(t, `"we""ird"`, NewDialect("pgx").Quote(`we"ird`))
}

func TestNormalizeDriver(t *testing.T) {
	tests := map[string]string{
		"":           DialectMySQL,
		"MariaDB":    DialectMySQL,
		"postgresql": DialectPostgres,
		"pgx":        DialectPostgres,
		"sqlite3":    DialectSQLite,
		"oracle":     "oracle",
	}
	for in, want := range tests {
		if got := normalizeDriver(in); got != want {
			t.Errorf("normalizeDriver(%q) = %q, want %q", in, got, want)
		}
	}
}

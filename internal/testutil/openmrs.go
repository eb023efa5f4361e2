package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/lherron/beehive/internal/catalogue"
	"github.com/lherron/beehive/internal/db"
)

// MiniSchema is a cut-down OpenMRS schema for sqlite.
const MiniSchema = `
CREATE TABLE users (
	user_id INTEGER PRIMARY KEY AUTOINCREMENT,
	system_id TEXT NOT NULL,
	username TEXT,
	person_id INTEGER NOT NULL,
	creator INTEGER NOT NULL,
	changed_by INTEGER,
	retired_by INTEGER,
	uuid TEXT NOT NULL
);
CREATE TABLE person (
	person_id INTEGER PRIMARY KEY AUTOINCREMENT,
	gender TEXT,
	creator INTEGER NOT NULL,
	changed_by INTEGER,
	voided_by INTEGER,
	uuid TEXT NOT NULL
);
CREATE TABLE location (
	location_id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	parent_location INTEGER,
	creator INTEGER NOT NULL,
	retired_by INTEGER,
	uuid TEXT NOT NULL
);
CREATE TABLE patient (
	patient_id INTEGER PRIMARY KEY,
	creator INTEGER NOT NULL,
	voided_by INTEGER
);
CREATE TABLE encounter_type (
	encounter_type_id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	creator INTEGER NOT NULL,
	retired_by INTEGER,
	uuid TEXT NOT NULL
);
CREATE TABLE encounter (
	encounter_id INTEGER PRIMARY KEY AUTOINCREMENT,
	encounter_type INTEGER NOT NULL,
	patient_id INTEGER NOT NULL,
	location_id INTEGER,
	creator INTEGER NOT NULL,
	voided_by INTEGER,
	uuid TEXT NOT NULL
);
CREATE TABLE obs (
	obs_id INTEGER PRIMARY KEY AUTOINCREMENT,
	person_id INTEGER NOT NULL,
	encounter_id INTEGER,
	location_id INTEGER,
	obs_group_id INTEGER,
	concept_id INTEGER NOT NULL,
	value_numeric REAL,
	creator INTEGER NOT NULL,
	voided_by INTEGER,
	uuid TEXT NOT NULL
);
`

// MiniCatalogue describes MiniSchema with the same phase layout as the
// built-in OpenMRS catalogue.
const MiniCatalogue = `
defaults:
  references:
    - {column: creator, entity: users}
    - {column: changed_by, entity: users}
    - {column: voided_by, entity: users}
    - {column: retired_by, entity: users}

entities:
  - name: users
    key: user_id
    uuid_column: uuid
    match: [system_id]
    references:
      - {column: person_id, entity: person, required: true}
      - {column: creator, entity: users, required: true, placeholder: 1}
  - name: person
    key: person_id
    uuid_column: uuid
    fixed: {1: 1}
    references:
      - {column: creator, entity: users, required: true, deferred: true, placeholder: 1}
      - {column: changed_by, entity: users, deferred: true}
      - {column: voided_by, entity: users, deferred: true}
  - name: location
    key: location_id
    uuid_column: uuid
    match: [name]
    references:
      - {column: parent_location, entity: location}
  - name: patient
    key: patient_id
    key_strategy: inherit
    key_from: person
  - name: encounter_type
    key: encounter_type_id
    uuid_column: uuid
    match: [name]
  - name: encounter
    key: encounter_id
    uuid_column: uuid
    references:
      - {column: encounter_type, entity: encounter_type, required: true}
      - {column: patient_id, entity: patient, required: true}
      - {column: location_id, entity: location}
  - name: obs
    key: obs_id
    uuid_column: uuid
    references:
      - {column: person_id, entity: person, required: true}
      - {column: encounter_id, entity: encounter}
      - {column: location_id, entity: location}
      - {column: obs_group_id, entity: obs}

phases:
  - name: builtin-users
    steps:
      - {action: consolidate, entity: users, match_only: true, where: "system_id IN ('admin', 'daemon')"}
  - name: persons
    steps:
      - {action: move, entity: person, where: "person_id <> 1", sub_transaction_rows: 2, page_size: 1}
  - name: users
    steps:
      - {action: move, entity: users, where: "system_id NOT IN ('admin', 'daemon')"}
  - name: person-audit
    steps:
      - {action: resolve, entity: person}
      - {action: resolve, entity: users}
  - name: locations
    steps:
      - {action: consolidate, entity: location}
      - {action: resolve, entity: location}
  - name: patients
    steps:
      - {action: move, entity: patient}
  - name: encounters
    steps:
      - {action: consolidate, entity: encounter_type}
      - {action: move, entity: encounter}
  - name: obs
    steps:
      - {action: parallel, entity: obs, workers: 3, page_size: 4}
  - name: obs-resolve
    steps:
      - {action: resolve, entity: obs}
`

// ObsRows is the number of obs rows SeedSource creates.
const ObsRows = 24

// Catalogue parses MiniCatalogue.
func Catalogue(t *testing.T) *catalogue.Catalogue {
	t.Helper()
	cat, err := catalogue.Parse([]byte(MiniCatalogue))
	if err != nil {
		t.Fatalf("Failed to parse catalogue: %v", err)
	}
	if err := cat.Validate(); err != nil {
		t.Fatalf("Invalid catalogue: %v", err)
	}
	return cat
}

// SourceDB returns a source database holding a small clinic: six persons,
// two built-in and two ordinary users, three locations, three patients with
// encounters and ObsRows observations.
func SourceDB(t *testing.T) *db.DB {
	t.Helper()
	src := TempDB(t, "source")
	Exec(t, src, MiniSchema)
	Exec(t, src, `
INSERT INTO person VALUES (1, 'M', 1, NULL, NULL, 'person-1');
INSERT INTO person VALUES (2, 'F', 3, NULL, NULL, 'person-2');
INSERT INTO person VALUES (3, 'M', 1, 4, NULL, 'person-3');
INSERT INTO person VALUES (4, 'F', 4, NULL, NULL, 'person-4');
INSERT INTO person VALUES (5, 'M', 1, NULL, NULL, 'shared-person');
INSERT INTO person VALUES (6, 'F', 1, NULL, 9, 'person-6');

INSERT INTO users VALUES (1, 'admin', 'admin', 1, 1, NULL, NULL, 'user-admin-src');
INSERT INTO users VALUES (2, 'daemon', 'daemon', 1, 1, NULL, NULL, 'user-daemon-src');
INSERT INTO users VALUES (3, 'clerk-1', 'clerk', 2, 1, 4, NULL, 'user-3');
INSERT INTO users VALUES (4, 'nurse-1', 'nurse', 3, 3, NULL, NULL, 'user-4');

INSERT INTO location VALUES (1, 'Unknown Location', NULL, 1, NULL, 'location-unknown-src');
INSERT INTO location VALUES (2, 'Clinic A', 3, 3, NULL, 'location-2');
INSERT INTO location VALUES (3, 'District B', NULL, 1, NULL, 'location-3');

INSERT INTO patient VALUES (2, 3, NULL);
INSERT INTO patient VALUES (3, 3, NULL);
INSERT INTO patient VALUES (4, 4, NULL);

INSERT INTO encounter_type VALUES (1, 'ADULTINITIAL', 1, NULL, 'etype-1-src');
INSERT INTO encounter_type VALUES (2, 'RETURN', 1, NULL, 'etype-2');

INSERT INTO encounter VALUES (1, 1, 2, 2, 3, NULL, 'encounter-1');
INSERT INTO encounter VALUES (2, 2, 3, 1, 4, NULL, 'encounter-2');
INSERT INTO encounter VALUES (3, 2, 4, NULL, 4, NULL, 'encounter-3');
`)
	Exec(t, src, ObsInserts(1, ObsRows))
	return src
}

// ObsInserts generates obs rows first..last. Roughly 30% of them point at a
// group row with a larger id; every tenth points back at its predecessor.
func ObsInserts(first, last int) string {
	persons := []int{2, 3, 4, 5}
	encounters := []string{"1", "2", "3", "NULL"}
	var b strings.Builder
	for i := first; i <= last; i++ {
		group := "NULL"
		switch i % 10 {
		case 1, 4, 7:
			if i+3 <= last {
				group = fmt.Sprint(i + 3)
			}
		case 0:
			group = fmt.Sprint(i - 1)
		}
		fmt.Fprintf(&b, "INSERT INTO obs VALUES (%d, %d, %s, NULL, %s, %d, %d.5, 4, NULL, 'obs-%d');\n",
			i, persons[i%len(persons)], encounters[i%len(encounters)], group, 5000+i%7, i, i)
	}
	return b.String()
}

// DestinationDB returns a destination database with the built-in accounts, a
// local person sharing a uuid with source person 5, two locations, one
// encounter type and two observations. The engine state tables are created.
func DestinationDB(t *testing.T) *db.DB {
	t.Helper()
	dest := MigratedDB(t, "destination")
	Exec(t, dest, MiniSchema)
	Exec(t, dest, `
INSERT INTO person VALUES (1, 'M', 1, NULL, NULL, 'person-1-dest');
INSERT INTO person VALUES (2, 'F', 1, NULL, NULL, 'shared-person');

INSERT INTO users VALUES (1, 'admin', 'admin', 1, 1, NULL, NULL, 'user-admin-dest');
INSERT INTO users VALUES (2, 'daemon', 'daemon', 1, 1, NULL, NULL, 'user-daemon-dest');
INSERT INTO users VALUES (3, 'dr-1', 'doctor', 2, 1, NULL, NULL, 'user-dest-3');

INSERT INTO location VALUES (1, 'Unknown Location', NULL, 1, NULL, 'location-unknown-dest');
INSERT INTO location VALUES (2, 'Hospital', NULL, 1, NULL, 'location-dest-2');

INSERT INTO encounter_type VALUES (1, 'ADULTINITIAL', 1, NULL, 'etype-1-dest');

INSERT INTO obs VALUES (1, 2, NULL, NULL, NULL, 5000, 1.0, 1, NULL, 'obs-dest-1');
INSERT INTO obs VALUES (2, 2, NULL, NULL, 1, 5001, 2.0, 1, NULL, 'obs-dest-2');
`)
	return dest
}

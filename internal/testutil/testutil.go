// Package testutil builds sqlite source and destination databases for tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lherron/beehive/internal/db"
)

// TempDB opens an empty sqlite database in a temporary directory.
func TempDB(t *testing.T, name string) *db.DB {
	t.Helper()
	database, err := db.Open(db.ConnInfo{Driver: "sqlite", Path: filepath.Join(t.TempDir(), name+".db")})
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// MigratedDB opens a temporary sqlite database with the engine state tables.
func MigratedDB(t *testing.T, name string) *db.DB {
	t.Helper()
	database := TempDB(t, name)
	if _, err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return database
}

// Exec runs each statement against h.
func Exec(t *testing.T, h db.Handle, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		for _, s := range db.SplitStatements(stmt) {
			if _, err := h.Executor().ExecContext(context.Background(), s); err != nil {
				t.Fatalf("Failed to exec %q: %v", s, err)
			}
		}
	}
}

// Count returns the number of rows of table matching where.
func Count(t *testing.T, h db.Handle, table, where string) int64 {
	t.Helper()
	n, err := db.CountRows(context.Background(), h, table, where)
	if err != nil {
		t.Fatalf("Failed to count %s: %v", table, err)
	}
	return n
}

// Ints runs query and returns its first column.
func Ints(t *testing.T, h db.Handle, query string, args ...any) []int64 {
	t.Helper()
	rows, err := h.Executor().QueryContext(context.Background(), query, args...)
	if err != nil {
		t.Fatalf("Failed to query %q: %v", query, err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v *int64
		if err := rows.Scan(&v); err != nil {
			t.Fatalf("Failed to scan %q: %v", query, err)
		}
		if v == nil {
			out = append(out, 0)
			continue
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("Failed to read %q: %v", query, err)
	}
	return out
}

// Strings runs query and returns its rows with columns joined by "|".
// NULL renders as "NULL".
func Strings(t *testing.T, h db.Handle, query string, args ...any) []string {
	t.Helper()
	rows, err := h.Executor().QueryContext(context.Background(), query, args...)
	if err != nil {
		t.Fatalf("Failed to query %q: %v", query, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		t.Fatalf("Failed to read columns of %q: %v", query, err)
	}
	var out []string
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			t.Fatalf("Failed to scan %q: %v", query, err)
		}
		parts := make([]string, len(vals))
		for i, v := range vals {
			switch x := v.(type) {
			case nil:
				parts[i] = "NULL"
			case []byte:
				parts[i] = string(x)
			default:
				parts[i] = fmt.Sprint(x)
			}
		}
		out = append(out, strings.Join(parts, "|"))
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("Failed to read %q: %v", query, err)
	}
	return out
}

// WriteFile writes content to a file in dir
func WriteFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file %s: %v", path, err)
	}
	return path
}

// ReadFile reads content from a file
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(data)
}

package mover

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lherron/beehive/internal/db"
)

// Columns returns the column names of table in table order.
func Columns(ctx context.Context, h db.Handle, table string) ([]string, error) {
	q := "SELECT * FROM " + h.Dialect().Quote(table) + " WHERE 1 = 0"
	rows, err := h.Executor().QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	return cols, nil
}

// SharedColumns returns the columns present in both tables, in source order.
func SharedColumns(ctx context.Context, src, dest db.Handle, table string) ([]string, error) {
	srcCols, err := Columns(ctx, src, table)
	if err != nil {
		return nil, err
	}
	destCols, err := Columns(ctx, dest, table)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(destCols))
	for _, c := range destCols {
		present[strings.ToLower(c)] = true
	}
	var shared []string
	for _, c := range srcCols {
		if present[strings.ToLower(c)] {
			shared = append(shared, c)
		}
	}
	return shared, nil
}

// row is one fetched record, values in column order.
type row []any

// fetch runs query and scans every row.
func fetch(ctx context.Context, h db.Handle, query string, args ...any) ([]row, error) {
	rows, err := h.Executor().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []row
	for rows.Next() {
		r := make(row, len(cols))
		ptrs := make([]any, len(cols))
		for i := range r {
			ptrs[i] = &r[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range r {
			// drivers may reuse byte buffers between rows
			if b, ok := v.([]byte); ok {
				r[i] = slices.Clone(b)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type columnIndex map[string]int

func indexColumns(cols []string) columnIndex {
	idx := make(columnIndex, len(cols))
	for i, c := range cols {
		idx[strings.ToLower(c)] = i
	}
	return idx
}

func (ci columnIndex) lookup(col string) (int, bool) {
	i, ok := ci[strings.ToLower(col)]
	return i, ok
}

// toInt64 converts a scanned key value.
func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int32:
		return int64(x), true
	case int:
		return int64(x), true
	case uint64:
		return int64(x), true
	case float64:
		return int64(x), x == float64(int64(x))
	case []byte:
		n, err := strconv.ParseInt(string(x), 10, 64)
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// sameForm returns id in the form of the value it replaces; ids kept in
// text columns stay text.
func sameForm(orig any, id int64) any {
	switch orig.(type) {
	case string, []byte:
		return strconv.FormatInt(id, 10)
	}
	return id
}

// normalize renders a value for business-key comparison. Null has no form.
func normalize(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case []byte:
		return string(x), true
	case string:
		return x, true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		if x {
			return "1", true
		}
		return "0", true
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), true
	}
	return fmt.Sprint(v), true
}

// NormalizeUUID returns the canonical form of a scanned uuid value. Values
// that do not parse are compared lowercased.
func NormalizeUUID(v any) (string, bool) {
	s, ok := normalize(v)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	if u, err := uuid.Parse(strings.TrimSpace(s)); err == nil {
		return u.String(), true
	}
	return strings.ToLower(strings.TrimSpace(s)), true
}

// keySep joins business-key components.
const keySep = "\x1f"

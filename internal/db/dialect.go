package db

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Supported dialect names.
const (
	DialectMySQL    = "mysql"
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	name string
}

// NewDialect returns the dialect for a driver name.
func NewDialect(driver string) Dialect {
	return Dialect{name: normalizeDriver(driver)}
}

// Name returns the canonical dialect name.
func (d Dialect) Name() string {
	return d.name
}

// Quote quotes an identifier.
func (d Dialect) Quote(ident string) string {
	if d.name == DialectMySQL {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// QuoteAll quotes every identifier and joins them with ", ".
func (d Dialect) QuoteAll(idents []string) string {
	quoted := make([]string, len(idents))
	for i, ident := range idents {
		quoted[i] = d.Quote(ident)
	}
	return strings.Join(quoted, ", ")
}

// Placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) Placeholder(n int) string {
	if d.name == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// IntParam is Placeholder with an explicit integer type where the
// database cannot infer one (CASE results on postgres).
func (d Dialect) IntParam(n int) string {
	if d.name == DialectPostgres {
		return "CAST($" + strconv.Itoa(n) + " AS BIGINT)"
	}
	return "?"
}

// MaxParams is the bind parameter limit of one statement.
func (d Dialect) MaxParams() int {
	if d.name == DialectSQLite {
		return 32766
	}
	return 65535
}

// Rebind rewrites ? placeholders for dialects that number them.
// Question marks inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d.name != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteString("$" + strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TableExists reports whether table exists in the connected schema.
func (d Dialect) TableExists(ctx context.Context, exec Executor, table string) (bool, error) {
	var query string
	switch d.name {
	case DialectMySQL:
		query = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?"
	case DialectPostgres:
		query = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1"
	default:
		query = "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
	}
	var count int
	if err := exec.QueryRowContext(ctx, query, table).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return count > 0, nil
}

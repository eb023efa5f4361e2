package db

import (
	"strconv"
	"strings"
)

// InsertRows builds a multi-row insert for rows×len(columns) parameters.
// With ignore set, rows that collide with an existing key are skipped.
func (d Dialect) InsertRows(table string, columns []string, rows int, ignore bool) string {
	var b strings.Builder
	switch {
	case ignore && d.name == DialectMySQL:
		b.WriteString("INSERT IGNORE INTO ")
	case ignore && d.name == DialectSQLite:
		b.WriteString("INSERT OR IGNORE INTO ")
	default:
		b.WriteString("INSERT INTO ")
	}
	b.WriteString(d.Quote(table))
	b.WriteString(" (")
	b.WriteString(d.QuoteAll(columns))
	b.WriteString(") VALUES ")

	n := 0
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range columns {
			if c > 0 {
				b.WriteString(", ")
			}
			n++
			b.WriteString(d.Placeholder(n))
		}
		b.WriteByte(')')
	}
	if ignore && d.name == DialectPostgres {
		b.WriteString(" ON CONFLICT DO NOTHING")
	}
	return b.String()
}

// UpdateCase builds a batched column patch for n rows:
// args are (key1, value1, ..., keyN, valueN, key1, ..., keyN).
// It only ever updates existing rows.
func (d Dialect) UpdateCase(table, key, column string, n int) string {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(d.Quote(table))
	b.WriteString(" SET ")
	b.WriteString(d.Quote(column))
	b.WriteString(" = CASE ")
	b.WriteString(d.Quote(key))
	p := 0
	for i := 0; i < n; i++ {
		p++
		b.WriteString(" WHEN ")
		b.WriteString(d.Placeholder(p))
		p++
		b.WriteString(" THEN ")
		b.WriteString(d.IntParam(p))
	}
	b.WriteString(" END WHERE ")
	b.WriteString(d.Quote(key))
	b.WriteString(" IN (")
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		p++
		b.WriteString(d.Placeholder(p))
	}
	b.WriteByte(')')
	return b.String()
}

// SelectPage builds an ordered, offset-paged select.
func (d Dialect) SelectPage(table string, columns []string, where string, orderBy []string, limit int, offset int64) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(d.QuoteAll(columns))
	b.WriteString(" FROM ")
	b.WriteString(d.Quote(table))
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	if len(orderBy) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(d.QuoteAll(orderBy))
	}
	if limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(limit))
		b.WriteString(" OFFSET ")
		b.WriteString(strconv.FormatInt(offset, 10))
	}
	return b.String()
}

// Count builds a filtered row count.
func (d Dialect) Count(table, where string) string {
	q := "SELECT COUNT(*) FROM " + d.Quote(table)
	if where != "" {
		q += " WHERE " + where
	}
	return q
}

// NotIn renders "col NOT IN (1, 2, ...)" for integer ids. Empty ids yield "".
func (d Dialect) NotIn(column string, ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(d.Quote(column))
	b.WriteString(" NOT IN (")
	for i, id := range ids {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	b.WriteByte(')')
	return b.String()
}

// And joins non-empty conditions, parenthesizing each.
func And(conds ...string) string {
	var parts []string
	for _, c := range conds {
		if strings.TrimSpace(c) != "" {
			parts = append(parts, "("+c+")")
		}
	}
	return strings.Join(parts, " AND ")
}

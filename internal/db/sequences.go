package db

import (
	"context"
	"database/sql"
	"fmt"
)

// MaxID returns the largest key in table, or 0 when it is empty.
func MaxID(ctx context.Context, h Handle, table, key string) (int64, error) {
	d := h.Dialect()
	query := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s", d.Quote(key), d.Quote(table))
	var maxID int64
	if err := h.Executor().QueryRowContext(ctx, query).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("failed to compute max %s.%s: %w", table, key, err)
	}
	return maxID, nil
}

// NextID returns the next free primary key of table.
func NextID(ctx context.Context, h Handle, table, key string) (int64, error) {
	maxID, err := MaxID(ctx, h, table, key)
	if err != nil {
		return 0, err
	}
	return maxID + 1, nil
}

// CountRows counts the rows of table matching where.
func CountRows(ctx context.Context, h Handle, table, where string) (int64, error) {
	var n int64
	if err := h.Executor().QueryRowContext(ctx, h.Dialect().Count(table, where)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// ResyncSequence moves the key generator of table past rows inserted with
// explicit ids. MySQL adjusts AUTO_INCREMENT on its own.
func ResyncSequence(ctx context.Context, h Handle, table, key string) error {
	d := h.Dialect()
	exec := h.Executor()
	switch d.Name() {
	case DialectPostgres:
		query := fmt.Sprintf("SELECT setval(pg_get_serial_sequence($1, $2), GREATEST((SELECT COALESCE(MAX(%s), 0) FROM %s), 1))",
			d.Quote(key), d.Quote(table))
		var ignored sql.NullInt64
		if err := exec.QueryRowContext(ctx, query, table, key).Scan(&ignored); err != nil {
			return fmt.Errorf("failed to resync sequence for %s: %w", table, err)
		}
	case DialectSQLite:
		var seq sql.NullInt64
		err := exec.QueryRowContext(ctx, "SELECT seq FROM sqlite_sequence WHERE name = ?", table).Scan(&seq)
		if err == sql.ErrNoRows {
			// table does not use AUTOINCREMENT
			return nil
		}
		if err != nil {
			// sqlite_sequence only exists once some table uses AUTOINCREMENT
			exists, terr := d.TableExists(ctx, exec, "sqlite_sequence")
			if terr == nil && !exists {
				return nil
			}
			return fmt.Errorf("failed to read sqlite_sequence for %s: %w", table, err)
		}
		maxID, err := MaxID(ctx, h, table, key)
		if err != nil {
			return err
		}
		if seq.Int64 < maxID {
			if _, err := exec.ExecContext(ctx, "UPDATE sqlite_sequence SET seq = ? WHERE name = ?", maxID, table); err != nil {
				return fmt.Errorf("failed to update sqlite_sequence for %s: %w", table, err)
			}
		}
	}
	return nil
}

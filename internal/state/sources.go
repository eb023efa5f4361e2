package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lherron/beehive/internal/db"
)

// SourceStatus is the last known step of one merged source.
type SourceStatus struct {
	Source     string      `json:"source"`
	Attempt    string      `json:"attempt"`
	Attempts   int         `json:"attempts"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Last       *Checkpoint `json:"last,omitempty"`
}

// Sources lists every source merged into the database behind h, with the
// latest phase-level checkpoint of each.
func Sources(ctx context.Context, h db.Handle) ([]SourceStatus, error) {
	rows, err := h.Executor().QueryContext(ctx,
		"SELECT source, attempt, started_at, finished_at FROM "+sourceTable+" ORDER BY source, started_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}

	var out []SourceStatus
	for rows.Next() {
		var (
			st       SourceStatus
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&st.Source, &st.Attempt, &started, &finished); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		st.StartedAt, _ = time.Parse(timeLayout, started)
		if finished.Valid {
			t, _ := time.Parse(timeLayout, finished.String)
			st.FinishedAt = &t
		}
		if n := len(out); n > 0 && out[n-1].Source == st.Source {
			st.Attempts = out[n-1].Attempts + 1
			out[n-1] = st
			continue
		}
		st.Attempts = 1
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating sources: %w", err)
	}
	rows.Close()

	for i := range out {
		cp, err := New(out[i].Source, out[i].Attempt).In(h).LoadLatestCheckpoint(ctx)
		if err != nil {
			return nil, err
		}
		out[i].Last = cp
	}
	return out, nil
}

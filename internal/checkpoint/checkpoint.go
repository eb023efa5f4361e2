// Package checkpoint tracks which phases of a run have passed and where an
// interrupted phase resumes.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/lherron/beehive/internal/state"
)

// ErrAlreadyProcessed is returned when the final phase of a source has
// already passed.
var ErrAlreadyProcessed = errors.New("source already processed")

// Status of a phase within the run.
type Status string

const (
	NotStarted Status = "not-started"
	InProgress Status = "in-progress"
	Passed     Status = "passed"
)

// Storage receives checkpoint records. *state.Scope implements it.
type Storage interface {
	InsertCheckpoint(ctx context.Context, phase string, chunk *state.ChunkRange, passed bool, rowsDone int64) error
}

// Position is where work continues.
type Position struct {
	Phase    string `json:"phase"`
	Index    int    `json:"index"`
	RowsDone int64  `json:"rows_done"`
}

// PhaseStatus pairs a phase with its status.
type PhaseStatus struct {
	Phase    string `json:"phase"`
	Status   Status `json:"status"`
	RowsDone int64  `json:"rows_done,omitempty"`
}

// Manager is the in-memory view of a run's checkpoints.
type Manager struct {
	phases []string
	index  map[string]int
	status []Status
	rows   []int64
	pos    Position
}

// New builds a manager over the ordered phase names, positioned after the
// most recent checkpoint (nil for a fresh source).
func New(phases []string, latest *state.Checkpoint) (*Manager, error) {
	if len(phases) == 0 {
		return nil, fmt.Errorf("no phases")
	}
	m := &Manager{
		phases: phases,
		index:  make(map[string]int, len(phases)),
		status: make([]Status, len(phases)),
		rows:   make([]int64, len(phases)),
	}
	for i, p := range phases {
		m.index[p] = i
		m.status[i] = NotStarted
	}
	m.pos = Position{Phase: phases[0]}

	if latest == nil {
		return m, nil
	}
	i, ok := m.index[latest.Phase]
	if !ok {
		return nil, fmt.Errorf("checkpoint names unknown phase %q", latest.Phase)
	}
	for j := 0; j < i; j++ {
		m.status[j] = Passed
	}
	if latest.Passed {
		m.status[i] = Passed
		m.rows[i] = latest.RowsDone
		m.advance(i + 1)
		return m, nil
	}
	m.status[i] = InProgress
	m.rows[i] = latest.RowsDone
	m.pos = Position{Phase: phases[i], Index: i, RowsDone: latest.RowsDone}
	return m, nil
}

func (m *Manager) advance(i int) {
	if i >= len(m.phases) {
		m.pos = Position{Index: len(m.phases)}
		return
	}
	m.pos = Position{Phase: m.phases[i], Index: i}
}

// Done reports whether the final phase has passed.
func (m *Manager) Done() bool {
	return m.status[len(m.status)-1] == Passed
}

// Guard refuses to run a source whose final phase passed.
func (m *Manager) Guard() error {
	if m.Done() {
		return ErrAlreadyProcessed
	}
	return nil
}

// Resumed reports whether the run continues earlier work.
func (m *Manager) Resumed() bool {
	return m.pos.Index > 0 || m.pos.RowsDone > 0 || m.status[0] != NotStarted
}

// CurrentPosition returns the phase to run next and its committed offset.
func (m *Manager) CurrentPosition() Position {
	return m.pos
}

// Start marks phase in progress without writing a record.
func (m *Manager) Start(phase string) error {
	i, err := m.lookup(phase)
	if err != nil {
		return err
	}
	if m.status[i] == Passed {
		return fmt.Errorf("phase %s already passed", phase)
	}
	m.status[i] = InProgress
	m.pos = Position{Phase: phase, Index: i, RowsDone: m.rows[i]}
	return nil
}

// RecordProgress durably records rowsDone committed rows of phase.
func (m *Manager) RecordProgress(ctx context.Context, st Storage, phase string, rowsDone int64) error {
	i, err := m.lookup(phase)
	if err != nil {
		return err
	}
	if err := st.InsertCheckpoint(ctx, phase, nil, false, rowsDone); err != nil {
		return err
	}
	m.status[i] = InProgress
	m.rows[i] = rowsDone
	m.pos = Position{Phase: phase, Index: i, RowsDone: rowsDone}
	return nil
}

// RecordPassed marks phase passed and moves to the next one.
func (m *Manager) RecordPassed(ctx context.Context, st Storage, phase string, rows int64) error {
	i, err := m.lookup(phase)
	if err != nil {
		return err
	}
	if err := st.InsertCheckpoint(ctx, phase, nil, true, rows); err != nil {
		return err
	}
	m.status[i] = Passed
	m.rows[i] = rows
	m.advance(i + 1)
	return nil
}

// RecordChunkPassed records one committed parallel worker range together
// with its place in the partition.
func RecordChunkPassed(ctx context.Context, st Storage, phase string, chunk state.ChunkRange) error {
	return st.InsertCheckpoint(ctx, phase, &chunk, true, chunk.Rows)
}

// Status returns the status of phase.
func (m *Manager) Status(phase string) Status {
	i, ok := m.index[phase]
	if !ok {
		return NotStarted
	}
	return m.status[i]
}

// Phases returns every phase with its status in run order.
func (m *Manager) Phases() []PhaseStatus {
	out := make([]PhaseStatus, len(m.phases))
	for i, p := range m.phases {
		out[i] = PhaseStatus{Phase: p, Status: m.status[i], RowsDone: m.rows[i]}
	}
	return out
}

func (m *Manager) lookup(phase string) (int, error) {
	i, ok := m.index[phase]
	if !ok {
		return 0, fmt.Errorf("unknown phase %q", phase)
	}
	return i, nil
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lherron/beehive/internal/db"
)

// session is the destination transaction a sequential phase writes through.
// A dry run shares one transaction across the whole run; its sessions never
// commit.
type session struct {
	pool *db.DB // nil for dry-run sessions
	tx   *sql.Tx
	h    db.Handle
	log  *zap.Logger
}

func (r *run) begin(ctx context.Context) (*session, error) {
	if r.dry != nil {
		return &session{h: r.dry, log: r.log}, nil
	}
	s := &session{pool: r.dest, log: r.log}
	if err := s.open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) open(ctx context.Context) error {
	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	s.tx = tx
	s.h = db.NewTx(tx, s.pool.Dialect())
	return nil
}

func (s *session) commit() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// next commits and continues in a fresh transaction.
func (s *session) next(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	if err := s.commit(); err != nil {
		return err
	}
	return s.open(ctx)
}

func (s *session) rollback() {
	if s.tx == nil {
		return
	}
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.log.Warn("rollback failed", zap.Error(err))
	}
	s.tx = nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	herrors "github.com/healthdb/healthdb/internal/errors"
	"github.com/healthdb/healthdb/pkg/types"
)

// Session is a scoped write transaction against one logical database.
// Stores obtained from a session write inside the transaction; nothing is
// visible to readers until Commit.
type Session struct {
	db   *Database
	tx   *sql.Tx
	done bool
}

// Begin starts a write session. Lock contention is retried.
func (d *Database) Begin(ctx context.Context) (*Session, error) {
	var tx *sql.Tx
	err := d.retry.Do(ctx, d.logger, "begin "+d.def.Name, func() error {
		var err error
		tx, err = d.db.BeginTx(ctx, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: %s: failed to begin session: %w", d.def.Name, err)
	}
	return &Session{db: d, tx: tx}, nil
}

// Database returns the session's logical database.
func (s *Session) Database() *Database {
	return s.db
}

// Store returns a store for t bound to the session's transaction.
func (s *Session) Store(t *types.Table) *Store {
	return s.db.newStore(t, s.tx)
}

// Commit commits the session.
func (s *Session) Commit() error {
	if s.done {
		return fmt.Errorf("store: %s: session already finished", s.db.def.Name)
	}
	s.done = true
	if err := s.tx.Commit(); err != nil {
		return herrors.NewStorageError(herrors.CodeIOFailure,
			fmt.Sprintf("failed to commit %s", s.db.def.Name), classify(err))
	}
	return nil
}

// Rollback abandons the session. It is a no-op after Commit or Rollback.
func (s *Session) Rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("store: %s: failed to roll back session: %w", s.db.def.Name, err)
	}
	return nil
}

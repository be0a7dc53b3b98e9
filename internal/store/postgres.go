package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore keeps snapshots in doc_snapshots and appends every save to
// doc_snapshot_history.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context, document string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM doc_snapshots WHERE document=$1`, document).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", document, err)
	}
	return state, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, document string, state []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO doc_snapshots(document, state, size_bytes, updated_at)
		VALUES($1, $2, $3, NOW())
		ON CONFLICT (document) DO UPDATE
		SET state=EXCLUDED.state, size_bytes=EXCLUDED.size_bytes, updated_at=NOW()
	`, document, state, len(state)); err != nil {
		return fmt.Errorf("save snapshot %s: %w", document, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO doc_snapshot_history(document, state) VALUES($1, $2)`, document, state); err != nil {
		return fmt.Errorf("record snapshot history %s: %w", document, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot %s: %w", document, err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

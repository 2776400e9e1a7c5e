package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailgram/internal/model"
)

// Load returns the stored cursor for accountID.
func (s *SQLiteStore) Load(ctx context.Context, accountID string) (*model.Cursor, error) {
	var c model.Cursor
	err := s.db.GetContext(ctx, &c, `
		SELECT account_id, last_uid, uid_validity, updated_at
		FROM cursors WHERE account_id = ?`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCursorNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "load", Err: fmt.Errorf("loading cursor %s: %w", accountID, err)}
	}
	return &c, nil
}

// Persist advances the cursor to uid inside a transaction. The MAX() keeps
// the value monotonic even if a caller persists out of order.
func (s *SQLiteStore) Persist(ctx context.Context, accountID string, uid uint32) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &StoreError{Op: "persist", Err: fmt.Errorf("beginning transaction: %w", err)}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cursors (account_id, last_uid, uid_validity, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			last_uid   = MAX(cursors.last_uid, excluded.last_uid),
			updated_at = excluded.updated_at`,
		accountID, uid, time.Now().UTC(),
	)
	if err != nil {
		return &StoreError{Op: "persist", Err: fmt.Errorf("persisting cursor %s: %w", accountID, err)}
	}

	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "persist", Err: fmt.Errorf("committing cursor %s: %w", accountID, err)}
	}
	return nil
}

// Reset overwrites the cursor and its UIDVALIDITY.
func (s *SQLiteStore) Reset(ctx context.Context, accountID string, uid, uidValidity uint32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (account_id, last_uid, uid_validity, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			last_uid     = excluded.last_uid,
			uid_validity = excluded.uid_validity,
			updated_at   = excluded.updated_at`,
		accountID, uid, uidValidity, time.Now().UTC(),
	)
	if err != nil {
		return &StoreError{Op: "reset", Err: fmt.Errorf("resetting cursor %s: %w", accountID, err)}
	}
	return nil
}

// Cursors lists every stored cursor.
func (s *SQLiteStore) Cursors(ctx context.Context) ([]model.Cursor, error) {
	var cursors []model.Cursor
	err := s.db.SelectContext(ctx, &cursors, `
		SELECT account_id, last_uid, uid_validity, updated_at
		FROM cursors ORDER BY account_id`)
	if err != nil {
		return nil, &StoreError{Op: "list", Err: fmt.Errorf("listing cursors: %w", err)}
	}
	return cursors, nil
}

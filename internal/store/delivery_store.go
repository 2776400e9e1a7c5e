package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailgram/internal/model"
)

const defaultRecentLimit = 50

// RecordDelivery appends an entry to the delivery log. Generates a UUID if
// ID is empty.
func (s *SQLiteStore) RecordDelivery(ctx context.Context, d model.Delivery) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	d.CreatedAt = d.CreatedAt.UTC()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO deliveries (
			id, account_id, uid, message_id, subject,
			outcome, units, error, cycle_id, created_at
		) VALUES (
			:id, :account_id, :uid, :message_id, :subject,
			:outcome, :units, :error, :cycle_id, :created_at
		)`, d)
	if err != nil {
		return &StoreError{Op: "record", Err: fmt.Errorf("recording delivery of UID %d: %w", d.UID, err)}
	}
	return nil
}

// RecentDeliveries returns the newest log entries, newest first. An empty
// accountID returns entries for all accounts.
func (s *SQLiteStore) RecentDeliveries(
	ctx context.Context,
	accountID string,
	limit int,
) ([]model.Delivery, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	query := "SELECT * FROM deliveries"
	var args []interface{}
	if accountID != "" {
		query += " WHERE account_id = ?"
		args = append(args, accountID)
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	var deliveries []model.Delivery
	if err := s.db.SelectContext(ctx, &deliveries, query, args...); err != nil {
		return nil, &StoreError{Op: "recent", Err: fmt.Errorf("querying deliveries: %w", err)}
	}
	return deliveries, nil
}

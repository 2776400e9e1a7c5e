package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mailgram/internal/model"
)

// ErrCursorNotFound is returned by Load for an account that has never
// persisted a cursor.
var ErrCursorNotFound = errors.New("cursor not found")

// StoreError wraps a persistence failure. A watcher cycle that hits one
// stops without advancing.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err (or any error in its chain) is a
// StoreError.
func IsStoreError(err error) bool {
	var sErr *StoreError
	return errors.As(err, &sErr)
}

// CursorStore persists the per-account mailbox position.
type CursorStore interface {
	// Load returns the stored cursor or ErrCursorNotFound.
	Load(ctx context.Context, accountID string) (*model.Cursor, error)

	// Persist records that uid has been fully handled. The stored value
	// never decreases: a lower uid leaves it unchanged.
	Persist(ctx context.Context, accountID string, uid uint32) error

	// Reset overwrites the cursor unconditionally. It is used on first
	// start and when the mailbox UIDVALIDITY changes.
	Reset(ctx context.Context, accountID string, uid, uidValidity uint32) error

	// Cursors lists all stored cursors ordered by account.
	Cursors(ctx context.Context) ([]model.Cursor, error)
}

// DeliveryLog records what happened to each processed message.
type DeliveryLog interface {
	RecordDelivery(ctx context.Context, d model.Delivery) error
	RecentDeliveries(ctx context.Context, accountID string, limit int) ([]model.Delivery, error)
}

// Store is the full persistence interface.
type Store interface {
	CursorStore
	DeliveryLog
	Close() error
}

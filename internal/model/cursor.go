package model

import "time"

// Cursor is the durable per-account position in the mailbox: the highest
// UID that has been fully handled.
type Cursor struct {
	AccountID string `db:"account_id" json:"account_id"`
	LastUID   uint32 `db:"last_uid" json:"last_uid"`

	// UIDValidity is the mailbox UIDVALIDITY the cursor was taken against.
	// Zero means unknown.
	UIDValidity uint32 `db:"uid_validity" json:"uid_validity"`

	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

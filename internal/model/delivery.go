package model

import "time"

// Outcome records what happened to a message the watcher processed.
type Outcome string

const (
	OutcomeForwarded Outcome = "forwarded"
	OutcomeFiltered  Outcome = "filtered"
	OutcomeMalformed Outcome = "malformed"
	OutcomeOversize  Outcome = "oversize"
	OutcomeVanished  Outcome = "vanished"
	OutcomeRejected  Outcome = "rejected"
)

// Delivery is one row of the delivery log: a source message and what the
// watcher did with it.
type Delivery struct {
	// ID is the unique identifier for this log entry.
	ID string `db:"id" json:"id"`

	// AccountID is the configured account the message came from.
	AccountID string `db:"account_id" json:"account_id"`

	// UID is the message's IMAP UID in the account's mailbox.
	UID uint32 `db:"uid" json:"uid"`

	MessageID string `db:"message_id" json:"message_id"`
	Subject   string `db:"subject" json:"subject"`

	Outcome Outcome `db:"outcome" json:"outcome"`

	// Units is the number of Telegram messages sent for this mail.
	Units int `db:"units" json:"units"`

	// Error holds the last delivery error for rejected messages.
	Error string `db:"error" json:"error,omitempty"`

	// CycleID ties the entry to the watcher cycle that produced it.
	CycleID string `db:"cycle_id" json:"cycle_id"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

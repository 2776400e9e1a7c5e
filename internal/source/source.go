package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMessageNotFound is returned when a UID disappeared between SEARCH and
// FETCH, usually because another client expunged it.
var ErrMessageNotFound = errors.New("message not found")

// AuthError indicates that the mail server rejected the account's credentials.
// It is retriable: credentials may be fixed externally while the watcher waits.
type AuthError struct {
	Account string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Account, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// TransportError wraps a network, TLS or protocol level failure talking to
// the mail server. It is always retriable with backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err (or any error in its chain) is a
// TransportError.
func IsTransportError(err error) bool {
	var tErr *TransportError
	return errors.As(err, &tErr)
}

// MailboxStatus is the server-side position of the selected mailbox.
type MailboxStatus struct {
	// UIDNext is the UID the server will assign to the next message.
	UIDNext uint32

	// UIDValidity changes when the mailbox is recreated and UIDs are reset.
	UIDValidity uint32

	Messages uint32
}

// HighWaterMark returns the UID of the most recent message, or 0 for an
// empty mailbox.
func (s MailboxStatus) HighWaterMark() uint32 {
	if s.UIDNext == 0 {
		return 0
	}
	return s.UIDNext - 1
}

// RawMessage is an unparsed message as fetched from the server.
type RawMessage struct {
	UID          uint32
	Size         int64
	InternalDate time.Time
	Body         []byte
}

// Session is an authenticated connection with the account's mailbox
// selected. A Session is owned by exactly one watcher and is not safe for
// concurrent use.
type Session interface {
	// Status returns UIDNEXT/UIDVALIDITY of the selected mailbox.
	Status(ctx context.Context) (MailboxStatus, error)

	// Search returns the UIDs strictly greater than after that match the
	// account's search template, in ascending order.
	Search(ctx context.Context, after uint32) ([]uint32, error)

	// Size returns the RFC822.SIZE of a message.
	Size(ctx context.Context, uid uint32) (int64, error)

	// Fetch returns the full message without setting \Seen.
	Fetch(ctx context.Context, uid uint32) (*RawMessage, error)

	// MarkSeen adds the \Seen flag to a message.
	MarkSeen(ctx context.Context, uid uint32) error

	// Wait blocks until the server reports a mailbox change, max elapses
	// or ctx is cancelled. It reports whether a change was signalled.
	Wait(ctx context.Context, max time.Duration) (bool, error)

	Close() error
}

// Dialer opens new sessions for one account.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

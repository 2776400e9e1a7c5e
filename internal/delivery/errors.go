package delivery

import (
	"errors"
	"fmt"
)

// Error is returned when a message could not be delivered in full. When
// Retriable is false the Bot API rejected the request and repeating it
// unchanged will fail the same way.
type Error struct {
	Method      string
	Status      int
	Description string
	Retriable   bool

	// RetryAfter is the last rate limit hint, if any.
	RetryAfter int

	// MigrateToChatID is set when the chat was upgraded to a supergroup.
	MigrateToChatID int64

	Err error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Retriable {
		kind = "retriable"
	}
	switch {
	case e.Status != 0 && e.Description != "":
		return fmt.Sprintf("%s delivery error on %s (%d): %s", kind, e.Method, e.Status, e.Description)
	case e.Err != nil:
		return fmt.Sprintf("%s delivery error on %s: %v", kind, e.Method, e.Err)
	default:
		return fmt.Sprintf("%s delivery error on %s (%d)", kind, e.Method, e.Status)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetriable reports whether err is a retriable delivery Error. Context
// cancellation is not.
func IsRetriable(err error) bool {
	var dErr *Error
	return errors.As(err, &dErr) && dErr.Retriable
}

// isTooLarge reports whether the API refused a file for its size.
func isTooLarge(err error) bool {
	var dErr *Error
	return errors.As(err, &dErr) && dErr.Status == 413
}

// isParseError reports whether the API could not parse our HTML entities.
func isParseError(err error) bool {
	var dErr *Error
	if !errors.As(err, &dErr) || dErr.Status != 400 {
		return false
	}
	return containsFold(dErr.Description, "can't parse entities")
}

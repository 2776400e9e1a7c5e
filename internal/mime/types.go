package mime

import (
	"fmt"
	"strings"
	"time"
)

// MalformedMessage is returned when a message's header block cannot be
// parsed at all. Such a message is skipped, not retried.
type MalformedMessage struct {
	Err error
}

func (e *MalformedMessage) Error() string {
	return fmt.Sprintf("malformed message: %v", e.Err)
}

func (e *MalformedMessage) Unwrap() error { return e.Err }

// Part is an attachment or inline image extracted from a message.
type Part struct {
	Filename string
	MIMEType string
	Size     int64
	Content  []byte

	// Inline is set for images referenced from the HTML body via cid:.
	Inline bool

	// ContentID without the surrounding angle brackets.
	ContentID string
}

// IsImage reports whether the part has an image/* content type.
func (p Part) IsImage() bool {
	return strings.HasPrefix(p.MIMEType, "image/")
}

// ForwardableMessage is the normalized form of a mail message, ready for
// delivery.
type ForwardableMessage struct {
	SourceUID uint32
	MessageID string
	Subject   string

	// From is the display form ("Name <addr>") of the first From address.
	From string

	// FromAddress is the bare address, lowercased.
	FromAddress string

	Date time.Time

	TextBody string
	HTMLBody string

	// Parts holds attachments and inline images in depth-first order.
	Parts []Part

	// Warnings collects non-fatal decode problems worth logging.
	Warnings []string
}

// IsEmpty reports whether the message has neither a body nor parts.
func (m *ForwardableMessage) IsEmpty() bool {
	return strings.TrimSpace(m.TextBody) == "" &&
		strings.TrimSpace(m.HTMLBody) == "" &&
		len(m.Parts) == 0
}

// Attachments returns the parts that are not inline images.
func (m *ForwardableMessage) Attachments() []Part {
	var out []Part
	for _, p := range m.Parts {
		if !p.Inline {
			out = append(out, p)
		}
	}
	return out
}

// InlineCIDs returns the set of content IDs of inline parts.
func (m *ForwardableMessage) InlineCIDs() map[string]bool {
	cids := make(map[string]bool)
	for _, p := range m.Parts {
		if p.Inline && p.ContentID != "" {
			cids[p.ContentID] = true
		}
	}
	return cids
}

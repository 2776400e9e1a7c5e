package delivery

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nhle/mailgram/internal/mime"
)

// Telegram limits, counted in visible characters.
const (
	maxMessageLength      = 4096
	maxCaptionLength      = 1024
	maxPhotoCaptionLength = 200

	truncationMarker = "…"
	noContent        = "(no content)"
)

// composer renders the primary text message for a mail.
type composer struct {
	preferHTML bool
	maxLength  int
	location   *time.Location
	ignore     []*regexp.Regexp
}

// compose builds the HTML text of the first Telegram message: a header
// block, the body cut to maxLength, a list of attachments and the date.
func (c composer) compose(msg *mime.ForwardableMessage) string {
	var b strings.Builder

	from := msg.From
	if from == "" {
		from = "(unknown sender)"
	}
	subject := msg.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	fmt.Fprintf(&b, "<b>From:</b> %s\n", mime.EscapeHTML(from))
	fmt.Fprintf(&b, "<b>Subject:</b> %s\n\n", mime.EscapeHTML(subject))

	body := c.body(msg)
	if body == "" && msg.IsEmpty() {
		body = "<i>" + noContent + "</i>"
	}
	if c.maxLength > 0 {
		body = mime.TruncateHTML(body, c.maxLength, truncationMarker)
	}
	b.WriteString(body)

	if atts := msg.Attachments(); len(atts) > 0 {
		b.WriteString("\n\n<b>Attachments:</b>")
		for _, p := range atts {
			fmt.Fprintf(&b, "\n- %s (%s)", mime.EscapeHTML(p.Filename), humanize.Bytes(uint64(p.Size)))
		}
	}

	if !msg.Date.IsZero() {
		loc := c.location
		if loc == nil {
			loc = time.Local
		}
		fmt.Fprintf(&b, "\n\n<i>%s</i>", msg.Date.In(loc).Format("Mon, 02 Jan 2006 15:04 MST"))
	}

	return mime.TruncateHTML(strings.TrimSpace(b.String()), maxMessageLength, truncationMarker)
}

// body picks the HTML rendering when preferred and available, then the
// text part, then the HTML stripped to text.
func (c composer) body(msg *mime.ForwardableMessage) string {
	if c.preferHTML && msg.HTMLBody != "" {
		rendered := mime.RenderTelegramHTML(msg.HTMLBody, mime.RenderOptions{
			InlineCIDs: msg.InlineCIDs(),
			Ignore:     c.ignore,
		})
		if rendered != "" {
			return rendered
		}
	}
	if text := strings.TrimSpace(msg.TextBody); text != "" {
		return mime.EscapeHTML(text)
	}
	if msg.HTMLBody != "" {
		return mime.EscapeHTML(mime.PlainText(msg.HTMLBody))
	}
	return ""
}

// documentCaption is the caption attached to a forwarded file.
func documentCaption(subject, filename string) string {
	caption := mime.EscapeHTML(filename)
	if subject != "" {
		caption = "<b>" + mime.EscapeHTML(subject) + "</b>:\n" + caption
	}
	return mime.TruncateHTML(caption, maxCaptionLength, truncationMarker)
}

func photoCaption(filename string) string {
	return mime.TruncateHTML(mime.EscapeHTML(filename), maxPhotoCaptionLength, truncationMarker)
}

// placeholder describes a part that was not uploaded, with an optional
// link to an archived copy.
func placeholder(p mime.Part, limit int64, link string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Attachment not forwarded:</b> %s (%s", mime.EscapeHTML(p.Filename), humanize.Bytes(uint64(p.Size)))
	if limit > 0 {
		fmt.Fprintf(&b, ", limit %s", humanize.Bytes(uint64(limit)))
	}
	b.WriteString(")")
	if link != "" {
		fmt.Fprintf(&b, "\n<a href=\"%s\">Download from archive</a>", mime.EscapeHTML(link))
	}
	return b.String()
}

package mime

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDecomposer(t *testing.T, ignore ...string) *Decomposer {
	t.Helper()
	patterns, err := CompileIgnorePatterns(ignore)
	require.NoError(t, err)
	d, err := NewDecomposer(Options{IgnorePatterns: patterns})
	require.NoError(t, err)
	return d
}

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

const relatedMessage = `From: "Alice Example" <Alice@Example.com>
To: bob@example.com
Subject: =?UTF-8?Q?Caf=C3=A9_report?=
Date: Mon, 05 Feb 2024 10:30:00 +0000
Message-ID: <report-1@example.com>
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="alt"

--alt
Content-Type: text/plain; charset=utf-8

Hello Bob
--alt
Content-Type: multipart/related; boundary="rel"

--rel
Content-Type: text/html; charset=utf-8

<p>Hello <b>Bob</b></p><img src="cid:logo@example.com">
--rel
Content-Type: image/png
Content-ID: <logo@example.com>
Content-Transfer-Encoding: base64

iVBORw0KGgo=
--rel--
--alt--
--outer
Content-Type: application/pdf; name="report.pdf"
Content-Disposition: attachment; filename="report.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQ=
--outer--
`

func TestDecomposeRelatedAlternative(t *testing.T) {
	d := newTestDecomposer(t)

	msg, err := d.Decompose(crlf(relatedMessage))
	require.NoError(t, err)

	assert.Equal(t, "Café report", msg.Subject)
	assert.Equal(t, "Alice Example <Alice@Example.com>", msg.From)
	assert.Equal(t, "alice@example.com", msg.FromAddress)
	assert.Equal(t, "report-1@example.com", msg.MessageID)
	assert.Equal(t, 2024, msg.Date.Year())

	assert.Equal(t, "Hello Bob", msg.TextBody)
	assert.Contains(t, msg.HTMLBody, "<b>Bob</b>")

	require.Len(t, msg.Parts, 2)

	inline := msg.Parts[0]
	assert.True(t, inline.Inline)
	assert.Equal(t, "image/png", inline.MIMEType)
	assert.Equal(t, "logo@example.com", inline.ContentID)
	assert.True(t, msg.InlineCIDs()["logo@example.com"])

	att := msg.Parts[1]
	assert.False(t, att.Inline)
	assert.Equal(t, "report.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.MIMEType)
	assert.Equal(t, []byte("%PDF-1.4"), att.Content)
	assert.Equal(t, int64(8), att.Size)

	assert.Len(t, msg.Attachments(), 1)
}

func TestDecomposeIgnoredAttachment(t *testing.T) {
	raw := `From: a@example.com
Subject: pixel
Content-Type: multipart/mixed; boundary="b"

--b
Content-Type: text/plain

body
--b
Content-Type: image/gif
Content-Disposition: attachment; filename="spacer.gif"

GIF89a
--b--
`
	d := newTestDecomposer(t, `^spacer\.gif$`)

	msg, err := d.Decompose(crlf(raw))
	require.NoError(t, err)

	assert.Equal(t, "body", msg.TextBody)
	assert.Empty(t, msg.Parts)
}

func TestDecomposeUnknownEncodingKeepsLaterParts(t *testing.T) {
	raw := `From: a@example.com
Subject: two attachments
Content-Type: multipart/mixed; boundary="b"

--b
Content-Type: text/plain

body
--b
Content-Type: application/octet-stream
Content-Disposition: attachment; filename="first.bin"
Content-Transfer-Encoding: x-scrambled

zzzz
--b
Content-Type: application/pdf
Content-Disposition: attachment; filename="report.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQ=
--b--
`
	msg, err := newTestDecomposer(t).Decompose(crlf(raw))
	require.NoError(t, err)

	assert.Equal(t, "body", msg.TextBody)
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, "report.pdf", msg.Parts[0].Filename)
	assert.Equal(t, []byte("%PDF-1.4"), msg.Parts[0].Content)

	require.Len(t, msg.Warnings, 1)
	assert.Contains(t, msg.Warnings[0], "reading part 2")
}

func TestDecomposeSinglePartText(t *testing.T) {
	raw := "From: a@example.com\nSubject: hi\n\nplain body\n"

	msg, err := newTestDecomposer(t).Decompose(crlf(raw))
	require.NoError(t, err)

	assert.Equal(t, "plain body", msg.TextBody)
	assert.Empty(t, msg.HTMLBody)
	assert.Empty(t, msg.Parts)
	assert.False(t, msg.IsEmpty())
}

func TestDecomposeEmpty(t *testing.T) {
	raw := "From: a@example.com\nSubject: nothing\n\n"

	msg, err := newTestDecomposer(t).Decompose(crlf(raw))
	require.NoError(t, err)
	assert.True(t, msg.IsEmpty())
}

func TestDecomposeMalformedHeader(t *testing.T) {
	raw := "this is not a header\n\nbody\n"

	_, err := newTestDecomposer(t).Decompose(crlf(raw))
	require.Error(t, err)

	var malformed *MalformedMessage
	assert.True(t, errors.As(err, &malformed))
}

func TestDecomposeUnknownCharsetFallsBack(t *testing.T) {
	raw := []byte("From: a@example.com\r\nSubject: x\r\nContent-Type: text/plain; charset=x-unknown-42\r\n\r\ncaf\xe9\r\n")

	msg, err := newTestDecomposer(t).Decompose(raw)
	require.NoError(t, err)

	assert.Equal(t, "café", msg.TextBody)
}

func TestDecomposeCalendarAndNestedMessage(t *testing.T) {
	raw := `From: a@example.com
Subject: invite
Content-Type: multipart/mixed; boundary="b"

--b
Content-Type: text/plain

see invite
--b
Content-Type: text/calendar; method=REQUEST

BEGIN:VCALENDAR
END:VCALENDAR
--b
Content-Type: message/rfc822

From: c@example.com
Subject: inner

inner body
--b--
`
	msg, err := newTestDecomposer(t).Decompose(crlf(raw))
	require.NoError(t, err)

	require.Len(t, msg.Parts, 2)
	assert.Equal(t, "invite.ics", msg.Parts[0].Filename)
	assert.True(t, strings.HasSuffix(msg.Parts[1].Filename, ".eml"))
	assert.Equal(t, "message/rfc822", msg.Parts[1].MIMEType)
}

func TestDecomposeSecondTextPartBecomesAttachment(t *testing.T) {
	raw := `From: a@example.com
Subject: two
Content-Type: multipart/mixed; boundary="b"

--b
Content-Type: text/plain

first
--b
Content-Type: text/plain

second
--b--
`
	msg, err := newTestDecomposer(t).Decompose(crlf(raw))
	require.NoError(t, err)

	assert.Equal(t, "first", msg.TextBody)
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, "text/plain", msg.Parts[0].MIMEType)
	assert.Contains(t, msg.Parts[0].Filename, "part-2")
}

func TestDecomposeFilenameIsSanitized(t *testing.T) {
	raw := `From: a@example.com
Subject: path
Content-Type: multipart/mixed; boundary="b"

--b
Content-Type: application/octet-stream
Content-Disposition: attachment; filename="../../etc/passwd"

x
--b--
`
	msg, err := newTestDecomposer(t).Decompose(crlf(raw))
	require.NoError(t, err)

	require.Len(t, msg.Parts, 1)
	assert.Equal(t, "passwd", msg.Parts[0].Filename)
}

func TestCompileIgnorePatternsRejectsInvalid(t *testing.T) {
	_, err := CompileIgnorePatterns([]string{"("})
	assert.Error(t, err)

	patterns, err := CompileIgnorePatterns([]string{`\.gif$`})
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.True(t, patterns[0].MatchString("spacer.gif"))
}

func TestNewDecomposerRejectsUnknownDefaultCharset(t *testing.T) {
	_, err := NewDecomposer(Options{DefaultCharset: "no-such-charset"})
	assert.Error(t, err)
}

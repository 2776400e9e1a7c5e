package email

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailgram/internal/source"
)

func TestAuthFailureClassification(t *testing.T) {
	c := NewIMAPClient(Config{Account: "personal", Username: "me@example.com"})

	tests := []struct {
		name      string
		err       error
		wantAuth  bool
		transport bool
	}{
		{
			name:     "server refused",
			err:      &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeAuthenticationFailed, Text: "invalid credentials"},
			wantAuth: true,
		},
		{
			name:      "connection reset",
			err:       io.ErrUnexpectedEOF,
			transport: true,
		},
		{
			name:      "wrapped reset",
			err:       errors.Join(errors.New("reading response"), io.EOF),
			transport: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.authFailure(tt.err)
			assert.Equal(t, tt.wantAuth, source.IsAuthError(err))
			assert.Equal(t, tt.transport, source.IsTransportError(err))
			assert.Contains(t, err.Error(), "me@example.com")
		})
	}
}

func TestRawFromBuffer(t *testing.T) {
	section := &imap.FetchItemBodySection{Peek: true}
	date := time.Date(2024, time.March, 1, 9, 30, 0, 0, time.UTC)

	buf := &imapclient.FetchMessageBuffer{
		UID:          42,
		RFC822Size:   5,
		InternalDate: date,
		BodySection: []imapclient.FetchBodySectionBuffer{
			{Section: &imap.FetchItemBodySection{}, Bytes: []byte("hello")},
		},
	}
	raw, err := rawFromBuffer(42, buf, section)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), raw.UID)
	assert.Equal(t, []byte("hello"), raw.Body)
	assert.Equal(t, date, raw.InternalDate)

	_, err = rawFromBuffer(42, &imapclient.FetchMessageBuffer{UID: 42}, section)
	require.Error(t, err)
	assert.True(t, source.IsTransportError(err))
	assert.False(t, errors.Is(err, source.ErrMessageNotFound))
}

package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	s := NewStore(keyring.NewArrayKeyring(nil))

	require.NoError(t, s.Set(IMAPKey("personal"), "hunter2"))

	got, err := s.Get("imap-personal")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	require.NoError(t, s.Delete(IMAPKey("personal")))
	_, err = s.Get(IMAPKey("personal"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFallback(t *testing.T) {
	s := NewStore(keyring.NewArrayKeyring([]keyring.Item{
		{Key: TelegramKey("personal"), Data: []byte("123:abc")},
	}))

	got, err := s.Fallback("from-config", TelegramKey("personal"))
	require.NoError(t, err)
	assert.Equal(t, "from-config", got)

	got, err = s.Fallback("", TelegramKey("personal"))
	require.NoError(t, err)
	assert.Equal(t, "123:abc", got)

	got, err = s.Fallback("", TelegramKey("work"))
	require.NoError(t, err)
	assert.Empty(t, got)

	var none *Store
	got, err = none.Fallback("", TelegramKey("personal"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServePrometheus(t *testing.T) {
	m := New([]string{"idling", "fetching"})

	m.Forwarded("personal", 3)
	m.Skipped("personal", "filtered")
	m.APICall("sendMessage", 200, 50*time.Millisecond)
	m.Cursor("personal", 102)
	m.State("personal", "fetching")

	rec := httptest.NewRecorder()
	m.ServePrometheus().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)

	assert.Contains(t, out, `mailgram_messages_forwarded_total{account="personal"} 1`)
	assert.Contains(t, out, `mailgram_telegram_units_total{account="personal"} 3`)
	assert.Contains(t, out, `mailgram_messages_skipped_total{account="personal",reason="filtered"} 1`)
	assert.Contains(t, out, `mailgram_bot_api_calls_total{method="sendMessage",status="200"} 1`)
	assert.Contains(t, out, `mailgram_cursor_uid{account="personal"} 102`)
	assert.Contains(t, out, `mailgram_watcher_state{account="personal",state="fetching"} 1`)
	assert.Contains(t, out, `mailgram_watcher_state{account="personal",state="idling"} 0`)
}

func TestNopIsSilent(t *testing.T) {
	m := Nop()
	m.Forwarded("a", 1)
	m.State("a", "idling")

	rec := httptest.NewRecorder()
	m.ServePrometheus().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

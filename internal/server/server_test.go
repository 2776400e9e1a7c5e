package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailgram/internal/metrics"
	"github.com/nhle/mailgram/internal/model"
	mailsync "github.com/nhle/mailgram/internal/sync"
	"github.com/nhle/mailgram/tests/testutil"
)

type staticStatuses []mailsync.WatchStatus

func (s staticStatuses) Statuses() []mailsync.WatchStatus { return s }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	st := testutil.NewTestStore(t)
	require.NoError(t, st.RecordDelivery(ctx, model.Delivery{
		AccountID: "personal",
		UID:       101,
		Subject:   "hello",
		Outcome:   model.OutcomeForwarded,
		Units:     2,
		CreatedAt: time.Now(),
	}))

	statuses := staticStatuses{{
		AccountID: "personal",
		State:     mailsync.StateIdling,
		LastUID:   101,
		Forwarded: 1,
	}}

	m := metrics.New(mailsync.StateNames())
	m.Forwarded("personal", 2)

	srv := httptest.NewServer(New("", statuses, st, m, nil).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(XRequestIDHeader))
}

func TestStatus(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data []struct {
			AccountID string           `json:"account_id"`
			State     string           `json:"state"`
			LastUID   uint32           `json:"last_uid"`
			Recent    []model.Delivery `json:"recent"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	require.Len(t, body.Data, 1)
	got := body.Data[0]
	assert.Equal(t, "personal", got.AccountID)
	assert.Equal(t, "idling", got.State)
	assert.Equal(t, uint32(101), got.LastUID)
	require.Len(t, got.Recent, 1)
	assert.Equal(t, "hello", got.Recent[0].Subject)
}

func TestStatusRejectsBadLimit(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/status?limit=-1")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestIDIsKept(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set(XRequestIDHeader, "abc")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "abc", resp.Header.Get(XRequestIDHeader))
}

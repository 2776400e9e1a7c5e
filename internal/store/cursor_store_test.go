package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailgram/internal/model"
	"github.com/nhle/mailgram/internal/store"
	"github.com/nhle/mailgram/tests/testutil"
)

func TestLoadMissingCursor(t *testing.T) {
	s := testutil.NewTestStore(t)

	_, err := s.Load(context.Background(), "personal")
	assert.ErrorIs(t, err, store.ErrCursorNotFound)
}

func TestPersistIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	require.NoError(t, s.Persist(ctx, "personal", 100))
	require.NoError(t, s.Persist(ctx, "personal", 102))
	require.NoError(t, s.Persist(ctx, "personal", 101))

	c, err := s.Load(ctx, "personal")
	require.NoError(t, err)
	assert.Equal(t, uint32(102), c.LastUID)
}

func TestPersistKeepsAccountsApart(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	require.NoError(t, s.Persist(ctx, "a", 5))
	require.NoError(t, s.Persist(ctx, "b", 9))

	a, err := s.Load(ctx, "a")
	require.NoError(t, err)
	b, err := s.Load(ctx, "b")
	require.NoError(t, err)

	assert.Equal(t, uint32(5), a.LastUID)
	assert.Equal(t, uint32(9), b.LastUID)

	all, err := s.Cursors(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].AccountID)
}

func TestResetCanLowerCursor(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	require.NoError(t, s.Reset(ctx, "personal", 500, 1))
	require.NoError(t, s.Reset(ctx, "personal", 20, 2))

	c, err := s.Load(ctx, "personal")
	require.NoError(t, err)
	assert.Equal(t, uint32(20), c.LastUID)
	assert.Equal(t, uint32(2), c.UIDValidity)

	// Persist keeps the UIDVALIDITY recorded by Reset.
	require.NoError(t, s.Persist(ctx, "personal", 21))
	c, err = s.Load(ctx, "personal")
	require.NoError(t, err)
	assert.Equal(t, uint32(21), c.LastUID)
	assert.Equal(t, uint32(2), c.UIDValidity)
}

func TestCursorSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "state.db")

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Persist(ctx, "personal", 42))
	require.NoError(t, s.Close())

	s, err = store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	c, err := s.Load(ctx, "personal")
	require.NoError(t, err)
	assert.Equal(t, uint32(42), c.LastUID)
}

func TestPersistOnClosedStoreIsStoreError(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.Persist(context.Background(), "personal", 1)
	require.Error(t, err)

	var sErr *store.StoreError
	assert.True(t, errors.As(err, &sErr))
	assert.True(t, store.IsStoreError(err))
}

func TestDeliveryLog(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	require.NoError(t, s.RecordDelivery(ctx, model.Delivery{
		AccountID: "a", UID: 1, Subject: "first", Outcome: model.OutcomeForwarded, Units: 2,
	}))
	require.NoError(t, s.RecordDelivery(ctx, model.Delivery{
		AccountID: "a", UID: 2, Subject: "second", Outcome: model.OutcomeMalformed,
	}))
	require.NoError(t, s.RecordDelivery(ctx, model.Delivery{
		AccountID: "b", UID: 7, Outcome: model.OutcomeRejected, Error: "chat not found",
	}))

	got, err := s.RecentDeliveries(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint32(2), got[0].UID)
	assert.Equal(t, model.OutcomeMalformed, got[0].Outcome)
	assert.Equal(t, 2, got[1].Units)
	assert.NotEmpty(t, got[1].ID)

	all, err := s.RecentDeliveries(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := s.RecentDeliveries(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "chat not found", limited[0].Error)
}

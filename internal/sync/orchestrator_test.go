package sync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailgram/tests/testutil"
)

func TestOrchestratorRunsAllWatchers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st := testutil.NewTestStore(t)
	require.NoError(t, st.Reset(ctx, "work", 10, 1))
	require.NoError(t, st.Reset(ctx, "personal", 20, 1))

	var remaining atomic.Int32
	remaining.Store(2)
	exhausted := func() {
		if remaining.Add(-1) == 0 {
			cancel()
		}
	}

	workBox := newFakeMailbox(1, 11, 12)
	personalBox := newFakeMailbox(1, 21)
	workDelivery := &fakeDeliverer{}
	personalDelivery := &fakeDeliverer{}

	o := NewOrchestrator(nil)
	require.NoError(t, o.Register(newTestWatcher(t,
		WatcherConfig{AccountID: "work"}, st,
		&fakeDialer{box: workBox, sessions: 1, exhausted: exhausted}, workDelivery)))
	require.NoError(t, o.Register(newTestWatcher(t,
		WatcherConfig{AccountID: "personal"}, st,
		&fakeDialer{box: personalBox, sessions: 1, exhausted: exhausted}, personalDelivery)))

	require.NoError(t, o.Run(ctx))

	assert.Equal(t, []uint32{11, 12}, workDelivery.delivered)
	assert.Equal(t, []uint32{21}, personalDelivery.delivered)

	statuses := o.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "personal", statuses[0].AccountID)
	assert.Equal(t, uint32(21), statuses[0].LastUID)
	assert.Equal(t, 1, statuses[0].Forwarded)
	assert.Equal(t, "work", statuses[1].AccountID)
	assert.Equal(t, uint32(12), statuses[1].LastUID)
	assert.Equal(t, 2, statuses[1].Forwarded)
	for _, s := range statuses {
		assert.Equal(t, StateTerminated, s.State)
		assert.False(t, s.LastCycle.IsZero())
	}
}

func TestOrchestratorStopsOnConfigError(t *testing.T) {
	st := testutil.NewTestStore(t)

	o := NewOrchestrator(nil)
	good := newTestWatcher(t, WatcherConfig{AccountID: "good"}, st, &fakeDialer{box: newFakeMailbox(1)}, &fakeDeliverer{})
	bad := NewWatcher(WatcherConfig{AccountID: "bad"}, &fakeDialer{}, st, nil, &fakeDeliverer{})
	require.NoError(t, o.Register(good))
	require.NoError(t, o.Register(bad))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := o.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no chat configured")
	assert.NoError(t, ctx.Err())
}

func TestOrchestratorRegister(t *testing.T) {
	st := testutil.NewTestStore(t)
	o := NewOrchestrator(nil)

	w := newTestWatcher(t, WatcherConfig{AccountID: "dup"}, st, &fakeDialer{}, &fakeDeliverer{})
	require.NoError(t, o.Register(w))
	assert.Error(t, o.Register(w))

	statuses := o.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, StateDisconnected, statuses[0].State)
}

func TestOrchestratorWithoutAccounts(t *testing.T) {
	err := NewOrchestrator(nil).Run(context.Background())
	assert.Error(t, err)
}

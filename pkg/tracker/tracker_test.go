package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-session-tracker/pkg/request"
	"github.com/txn2/mcp-session-tracker/pkg/session"
)

func newMemoryTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := New(DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestNew_MemoryBackend(t *testing.T) {
	tr := newMemoryTracker(t)

	assert.NotNil(t, tr.Manager())
	assert.NotNil(t, tr.Recorder())
	assert.NotNil(t, tr.Reconnect())
	assert.NotNil(t, tr.Tracking())
	assert.Nil(t, tr.db)
}

func TestTracker_ObserverQueries(t *testing.T) {
	tr := newMemoryTracker(t)
	ctx := context.Background()

	sess := tr.Manager().Create(ctx, session.ClientDescriptor{Name: "cli"}, nil)
	tr.Recorder().Record(ctx, request.Sample{
		SessionID: sess.ID,
		Operation: "tools/list",
		Start:     time.Now().UTC(),
		Completed: time.Now().UTC().Add(50 * time.Millisecond),
		Status:    request.StatusSuccess,
	})

	got, err := tr.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	actives, err := tr.ListSessions(ctx, session.StatusActive)
	require.NoError(t, err)
	assert.Len(t, actives, 1)

	stats, err := tr.SessionStats(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Count)

	global, err := tr.GlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), global.Count)

	counts := tr.IdleBuckets(ctx)
	assert.Equal(t, 1, counts.Fresh)
}

func TestTracker_StartAndClose(t *testing.T) {
	tr, err := New(DefaultConfig())
	require.NoError(t, err)

	tr.Start()
	assert.NoError(t, tr.Close())
}

func TestTracker_ReconnectFlow(t *testing.T) {
	tr := newMemoryTracker(t)
	ctx := context.Background()

	sess := tr.Manager().Create(ctx, session.ClientDescriptor{Name: "cli"}, nil)
	require.NoError(t, tr.Manager().Disconnect(ctx, sess.ID, session.ReasonTimeout))

	cred, err := tr.Reconnect().Issue(ctx, sess.ID, 0)
	require.NoError(t, err)

	got, err := tr.Reconnect().Redeem(ctx, sess.ID, cred.Secret)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, got.Status)
	assert.Equal(t, 1, got.ReconnectCount)
}

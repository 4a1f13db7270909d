package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest(origin string, start, stop int64, p Priority) Request {
	return Request{
		Tracker:  testTracker,
		InfoHash: testHash,
		Start:    start,
		Stop:     stop,
		Origin:   origin,
		Priority: p,
	}
}

func TestOpenValidation(t *testing.T) {
	l := NewRequestLedger(newTestDB(t), zerolog.Nop())
	ctx := context.Background()

	cases := []struct {
		name string
		req  Request
	}{
		{"empty range", testRequest("alice", 100, 100, PriorityNormal)},
		{"inverted range", testRequest("alice", 200, 100, PriorityNormal)},
		{"negative start", testRequest("alice", -1, 100, PriorityNormal)},
		{"missing origin", testRequest("", 0, 100, PriorityNormal)},
		{"invalid priority", testRequest("alice", 0, 100, Priority(42))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Open(ctx, tc.req)
			require.ErrorIs(t, err, ErrInvalidArgument)
		})
	}

	t.Run("missing tracker", func(t *testing.T) {
		req := testRequest("alice", 0, 100, PriorityNormal)
		req.Tracker = ""
		_, err := l.Open(ctx, req)
		require.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestOpenCreatesMetaRow(t *testing.T) {
	db := newTestDB(t)
	l := NewRequestLedger(db, zerolog.Nop())
	coord := NewCoordinator(db, zerolog.Nop())
	ctx := context.Background()

	_, err := l.Open(ctx, testRequest("alice", 0, 100, PriorityNormal))
	require.NoError(t, err)

	meta, err := coord.Meta(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, int64(0), meta.Generation)
	assert.NotZero(t, meta.Atime, "opening a request refreshes the torrent atime")
}

func TestActiveForOrdering(t *testing.T) {
	l := NewRequestLedger(newTestDB(t), zerolog.Nop())
	ctx := context.Background()

	// Deterministic clock so ties fall through to the id column.
	now := time.Unix(1_700_000_000, 0)
	l.clock = func() time.Time { return now }

	a, err := l.Open(ctx, testRequest("background", 0, 100, PriorityBackground))
	require.NoError(t, err)
	b, err := l.Open(ctx, testRequest("urgent-1", 0, 100, PriorityUrgent))
	require.NoError(t, err)
	c, err := l.Open(ctx, testRequest("urgent-2", 0, 100, PriorityUrgent))
	require.NoError(t, err)

	active, err := l.ActiveFor(ctx, testHash)
	require.NoError(t, err)
	require.Len(t, active, 3)

	assert.Equal(t, []int64{b, c, a},
		[]int64{active[0].ID, active[1].ID, active[2].ID},
		"urgent first, ties broken by request id")
}

func TestNarrow(t *testing.T) {
	l := NewRequestLedger(newTestDB(t), zerolog.Nop())
	ctx := context.Background()

	id, err := l.Open(ctx, testRequest("alice", 0, 1000, PriorityNormal))
	require.NoError(t, err)

	require.NoError(t, l.Narrow(ctx, id, 500, 1000))

	req, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(500), req.Start)
	assert.Equal(t, int64(1000), req.Stop)

	err = l.Narrow(ctx, id, 700, 700)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestReprioritize(t *testing.T) {
	l := NewRequestLedger(newTestDB(t), zerolog.Nop())
	ctx := context.Background()

	id, err := l.Open(ctx, testRequest("alice", 0, 1000, PriorityBackground))
	require.NoError(t, err)

	require.NoError(t, l.Reprioritize(ctx, id, PriorityUrgent))

	req, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, req.Priority)

	err = l.Reprioritize(ctx, id, Priority(-1))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCloseIsIdempotent(t *testing.T) {
	l := NewRequestLedger(newTestDB(t), zerolog.Nop())
	ctx := context.Background()

	id, err := l.Open(ctx, testRequest("alice", 0, 1000, PriorityNormal))
	require.NoError(t, err)

	require.NoError(t, l.Close(ctx, id))
	require.NoError(t, l.Close(ctx, id), "second close is a no-op")

	req, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, req.Active())
	require.NotNil(t, req.DeactivatedAt)
	first := *req.DeactivatedAt

	// The original deactivation timestamp must survive repeated closes.
	l.clock = func() time.Time { return time.Unix(first+3600, 0) }
	require.NoError(t, l.Close(ctx, id))
	req, err = l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, *req.DeactivatedAt)
}

func TestCloseUnknownRequest(t *testing.T) {
	l := NewRequestLedger(newTestDB(t), zerolog.Nop())
	err := l.Close(context.Background(), 9999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMutateClosedRequest(t *testing.T) {
	l := NewRequestLedger(newTestDB(t), zerolog.Nop())
	ctx := context.Background()

	id, err := l.Open(ctx, testRequest("alice", 0, 1000, PriorityNormal))
	require.NoError(t, err)
	require.NoError(t, l.Close(ctx, id))

	err = l.Narrow(ctx, id, 100, 200)
	require.ErrorIs(t, err, ErrNotActive)

	err = l.Reprioritize(ctx, id, PriorityUrgent)
	require.ErrorIs(t, err, ErrNotActive)

	err = l.Narrow(ctx, 12345, 100, 200)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClosedRequestsExcludedFromActive(t *testing.T) {
	l := NewRequestLedger(newTestDB(t), zerolog.Nop())
	ctx := context.Background()

	id, err := l.Open(ctx, testRequest("alice", 0, 1000, PriorityNormal))
	require.NoError(t, err)
	keep, err := l.Open(ctx, testRequest("bob", 0, 1000, PriorityNormal))
	require.NoError(t, err)
	require.NoError(t, l.Close(ctx, id))

	active, err := l.ActiveFor(ctx, testHash)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, keep, active[0].ID)

	all, err := l.For(ctx, testHash)
	require.NoError(t, err)
	assert.Len(t, all, 2, "deactivated rows stay visible for blame resolution")
}

func TestPurgeDeactivated(t *testing.T) {
	l := NewRequestLedger(newTestDB(t), zerolog.Nop())
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)
	l.clock = func() time.Time { return base }

	old, err := l.Open(ctx, testRequest("alice", 0, 100, PriorityNormal))
	require.NoError(t, err)
	require.NoError(t, l.Close(ctx, old))

	activeID, err := l.Open(ctx, testRequest("bob", 0, 100, PriorityNormal))
	require.NoError(t, err)

	l.clock = func() time.Time { return base.Add(2 * time.Hour) }
	fresh, err := l.Open(ctx, testRequest("carol", 0, 100, PriorityNormal))
	require.NoError(t, err)
	require.NoError(t, l.Close(ctx, fresh))

	purged, err := l.PurgeDeactivated(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = l.Get(ctx, old)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = l.Get(ctx, activeID)
	require.NoError(t, err, "active requests are never purged")
	_, err = l.Get(ctx, fresh)
	require.NoError(t, err, "recently closed requests stay within retention")
}

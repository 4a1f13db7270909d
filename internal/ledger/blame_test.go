package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmcache/internal/fileindex"
)

func blameStatus(pieces ...int64) TorrentStatus {
	st := TorrentStatus{
		InfoHash:    testHash,
		Tracker:     testTracker,
		PieceLength: 100,
		Length:      350,
		PieceBitmap: fileindex.NewBitmap(4),
	}
	for _, p := range pieces {
		fileindex.BitmapSet(st.PieceBitmap, p)
	}
	return st
}

func blameRequest(id int64, origin string, start, stop int64, p Priority, at int64, active bool) Request {
	r := Request{
		ID:       id,
		Tracker:  testTracker,
		InfoHash: testHash,
		Start:    start,
		Stop:     stop,
		Origin:   origin,
		Priority: p,
		Time:     at,
	}
	if !active {
		closedAt := at + 10
		r.DeactivatedAt = &closedAt
	}
	return r
}

func TestCalculateAuditsBlamesOverlappingRequest(t *testing.T) {
	now := time.Unix(5000, 0)
	status := blameStatus(0, 1)
	requests := []Request{
		blameRequest(1, "alice", 0, 150, PriorityNormal, 4000, true),
	}

	audits := CalculateAudits(nil, status, requests, now)
	require.Len(t, audits, 1)
	assert.Equal(t, "alice", audits[0].Origin)
	assert.Equal(t, int64(200), audits[0].NumBytes, "both new pieces overlap the request")
	assert.Equal(t, int64(4000), audits[0].Atime, "atime comes from the blamed request")
}

func TestCalculateAuditsUnknownOrigin(t *testing.T) {
	now := time.Unix(5000, 0)
	status := blameStatus(3)

	audits := CalculateAudits(nil, status, nil, now)
	require.Len(t, audits, 1)
	assert.Equal(t, OriginUnknown, audits[0].Origin)
	assert.Equal(t, int64(50), audits[0].NumBytes, "the last piece is short")
	assert.Equal(t, now.Unix(), audits[0].Atime)
}

func TestCalculateAuditsOnlyNewPieces(t *testing.T) {
	old := blameStatus(0, 1)
	status := blameStatus(0, 1, 2)
	requests := []Request{
		blameRequest(1, "alice", 0, 350, PriorityNormal, 4000, true),
	}

	audits := CalculateAudits(&old, status, requests, time.Unix(5000, 0))
	require.Len(t, audits, 1)
	assert.Equal(t, int64(100), audits[0].NumBytes, "pieces already present are not re-blamed")
}

func TestCalculateAuditsNoChange(t *testing.T) {
	old := blameStatus(0, 1, 2, 3)
	status := blameStatus(0, 1, 2, 3)
	assert.Empty(t, CalculateAudits(&old, status, nil, time.Unix(5000, 0)))
}

func TestCalculateAuditsActiveBeatsClosed(t *testing.T) {
	status := blameStatus(0)
	requests := []Request{
		blameRequest(1, "closed-urgent", 0, 100, PriorityUrgent, 4000, false),
		blameRequest(2, "active-background", 0, 100, PriorityBackground, 3000, true),
	}

	audits := CalculateAudits(nil, status, requests, time.Unix(5000, 0))
	require.Len(t, audits, 1)
	assert.Equal(t, "active-background", audits[0].Origin)
}

func TestCalculateAuditsMostUrgentWins(t *testing.T) {
	status := blameStatus(0)
	requests := []Request{
		blameRequest(1, "normal", 0, 100, PriorityNormal, 4000, true),
		blameRequest(2, "urgent", 0, 100, PriorityUrgent, 3000, true),
	}

	audits := CalculateAudits(nil, status, requests, time.Unix(5000, 0))
	require.Len(t, audits, 1)
	assert.Equal(t, "urgent", audits[0].Origin)
}

func TestCalculateAuditsNewestWinsTies(t *testing.T) {
	status := blameStatus(0)
	requests := []Request{
		blameRequest(1, "older", 0, 100, PriorityNormal, 3000, true),
		blameRequest(2, "newer", 0, 100, PriorityNormal, 4000, true),
	}

	audits := CalculateAudits(nil, status, requests, time.Unix(5000, 0))
	require.Len(t, audits, 1)
	assert.Equal(t, "newer", audits[0].Origin)
}

func TestCalculateAuditsSplitsAcrossOrigins(t *testing.T) {
	status := blameStatus(0, 1, 2, 3)
	requests := []Request{
		blameRequest(1, "alice", 0, 100, PriorityNormal, 4000, true),
		blameRequest(2, "bob", 100, 200, PriorityNormal, 4000, true),
	}

	audits := CalculateAudits(nil, status, requests, time.Unix(5000, 0))
	require.Len(t, audits, 3)

	// Results are sorted by origin; OriginUnknown sorts first.
	assert.Equal(t, OriginUnknown, audits[0].Origin)
	assert.Equal(t, int64(150), audits[0].NumBytes, "pieces 2 and 3 match no request")
	assert.Equal(t, "alice", audits[1].Origin)
	assert.Equal(t, int64(100), audits[1].NumBytes)
	assert.Equal(t, "bob", audits[2].Origin)
	assert.Equal(t, int64(100), audits[2].NumBytes)
}

func TestResolverEndToEnd(t *testing.T) {
	db := newTestDB(t)
	log := zerolog.Nop()
	status := NewStatusCache(db, log)
	requests := NewRequestLedger(db, log)
	audit := NewAuditLedger(db, log)
	coord := NewCoordinator(db, log)
	resolver := NewResolver(status, requests, audit, coord, log)
	ctx := context.Background()

	id, err := requests.Open(ctx, Request{
		Tracker:  testTracker,
		InfoHash: testHash,
		Start:    0,
		Stop:     200,
		Origin:   "alice",
		Priority: PriorityNormal,
	})
	require.NoError(t, err)

	// First snapshot: piece 0 arrived.
	require.NoError(t, resolver.Resolve(ctx, blameStatus(0)))

	totals, err := audit.TotalsByTorrent(ctx, testTracker, testHash)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"alice": 100}, totals)

	// The request closes, then its second piece flushes. The deactivated
	// row still gets the blame.
	require.NoError(t, requests.Close(ctx, id))
	require.NoError(t, resolver.Resolve(ctx, blameStatus(0, 1)))

	totals, err = audit.TotalsByTorrent(ctx, testTracker, testHash)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"alice": 200}, totals)

	// An unrequested piece lands in the unknown bucket.
	require.NoError(t, resolver.Resolve(ctx, blameStatus(0, 1, 3)))

	totals, err = audit.TotalsByTorrent(ctx, testTracker, testHash)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"alice": 200, OriginUnknown: 50}, totals)

	// A repeated identical snapshot adds nothing.
	require.NoError(t, resolver.Resolve(ctx, blameStatus(0, 1, 3)))
	totals, err = audit.TotalsByTorrent(ctx, testTracker, testHash)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"alice": 200, OriginUnknown: 50}, totals)
}

func TestResolverStampsCurrentGeneration(t *testing.T) {
	db := newTestDB(t)
	log := zerolog.Nop()
	status := NewStatusCache(db, log)
	requests := NewRequestLedger(db, log)
	audit := NewAuditLedger(db, log)
	coord := NewCoordinator(db, log)
	resolver := NewResolver(status, requests, audit, coord, log)
	ctx := context.Background()

	require.NoError(t, resolver.Resolve(ctx, blameStatus(0)))

	_, err := coord.Recheck(ctx, testHash, func(context.Context) (bool, error) {
		return true, nil
	})
	require.NoError(t, err)

	// After the bump the baseline still has piece 0, so only piece 1 is
	// new, and it lands on generation 1.
	require.NoError(t, resolver.Resolve(ctx, blameStatus(0, 1)))

	totals, err := audit.TotalsByTorrent(ctx, testTracker, testHash)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{OriginUnknown: 100}, totals,
		"current-generation view sees only the post-bump piece")
}

func TestResolverAbortedUpdateKeepsBaseline(t *testing.T) {
	db := newTestDB(t)
	log := zerolog.Nop()
	status := NewStatusCache(db, log)
	requests := NewRequestLedger(db, log)
	audit := NewAuditLedger(db, log)
	coord := NewCoordinator(db, log)
	resolver := NewResolver(status, requests, audit, coord, log)
	ctx := context.Background()

	_, err := requests.Open(ctx, Request{
		Tracker:  testTracker,
		InfoHash: testHash,
		Start:    0,
		Stop:     350,
		Origin:   "alice",
		Priority: PriorityNormal,
	})
	require.NoError(t, err)

	require.NoError(t, resolver.Resolve(ctx, blameStatus(0)))

	// A failure after the status replace rolls the new baseline back with
	// the rest of the transaction. If the baseline advanced on its own, the
	// retried resolve below would see piece 1 as old and drop its bytes.
	boom := errors.New("boom")
	err = db.Update(ctx, func(tx *sql.Tx) error {
		if _, err := status.upsertTx(ctx, tx, blameStatus(0, 1)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	baseline, err := status.Get(ctx, testHash)
	require.NoError(t, err)
	assert.False(t, fileindex.BitmapIsSet(baseline.PieceBitmap, 1),
		"aborted update must not advance the baseline")

	require.NoError(t, resolver.Resolve(ctx, blameStatus(0, 1)))
	totals, err := audit.TotalsByTorrent(ctx, testTracker, testHash)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"alice": 200}, totals,
		"no bytes lost across the aborted attempt")
}

func TestResolverRetiresFulfilledRequests(t *testing.T) {
	db := newTestDB(t)
	log := zerolog.Nop()
	status := NewStatusCache(db, log)
	requests := NewRequestLedger(db, log)
	audit := NewAuditLedger(db, log)
	coord := NewCoordinator(db, log)
	resolver := NewResolver(status, requests, audit, coord, log)
	ctx := context.Background()

	aliceID, err := requests.Open(ctx, Request{
		Tracker:  testTracker,
		InfoHash: testHash,
		Start:    0,
		Stop:     100,
		Origin:   "alice",
		Priority: PriorityUrgent,
	})
	require.NoError(t, err)
	bobID, err := requests.Open(ctx, Request{
		Tracker:  testTracker,
		InfoHash: testHash,
		Start:    100,
		Stop:     350,
		Origin:   "bob",
		Priority: PriorityNormal,
	})
	require.NoError(t, err)

	// Piece 0 completes alice's whole range: she is blamed for it and then
	// retired in the same update. Bob's range is untouched.
	require.NoError(t, resolver.Resolve(ctx, blameStatus(0)))

	alice, err := requests.Get(ctx, aliceID)
	require.NoError(t, err)
	assert.NotNil(t, alice.DeactivatedAt, "fulfilled request must be retired")

	totals, err := audit.TotalsByTorrent(ctx, testTracker, testHash)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"alice": 100}, totals)

	active, err := requests.ActiveFor(ctx, testHash)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, bobID, active[0].ID)

	// Partial coverage keeps a request active.
	require.NoError(t, resolver.Resolve(ctx, blameStatus(0, 1)))
	bob, err := requests.Get(ctx, bobID)
	require.NoError(t, err)
	assert.Nil(t, bob.DeactivatedAt, "partially covered request stays active")

	// Full coverage retires it.
	require.NoError(t, resolver.Resolve(ctx, blameStatus(0, 1, 2, 3)))
	bob, err = requests.Get(ctx, bobID)
	require.NoError(t, err)
	assert.NotNil(t, bob.DeactivatedAt)

	active, err = requests.ActiveFor(ctx, testHash)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestResolverSkipsTrackerlessStatus(t *testing.T) {
	db := newTestDB(t)
	log := zerolog.Nop()
	status := NewStatusCache(db, log)
	requests := NewRequestLedger(db, log)
	audit := NewAuditLedger(db, log)
	coord := NewCoordinator(db, log)
	resolver := NewResolver(status, requests, audit, coord, log)
	ctx := context.Background()

	st := blameStatus(0)
	st.Tracker = ""
	require.NoError(t, resolver.Resolve(ctx, st))

	var count int
	err := db.QueryRowContext(ctx, "select count(*) from audit").Scan(&count)
	require.NoError(t, err)
	assert.Zero(t, count, "statuses without a tracker are cached but not audited")
}

package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerationStartsAtZero(t *testing.T) {
	coord := NewCoordinator(newTestDB(t), zerolog.Nop())
	ctx := context.Background()

	gen, err := coord.Generation(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, int64(0), gen)

	// The meta row is created as a side effect.
	meta, err := coord.Meta(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, testHash, meta.InfoHash)
	assert.False(t, meta.Managed)
}

func TestRecheckBumpsOnChange(t *testing.T) {
	coord := NewCoordinator(newTestDB(t), zerolog.Nop())
	ctx := context.Background()

	gen, err := coord.Recheck(ctx, testHash, func(context.Context) (bool, error) {
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)

	gen, err = coord.Generation(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)
}

func TestRecheckNoChangeNoBump(t *testing.T) {
	coord := NewCoordinator(newTestDB(t), zerolog.Nop())
	ctx := context.Background()

	var notified atomic.Int32
	coord.Subscribe(func(string, int64) { notified.Add(1) })

	gen, err := coord.Recheck(ctx, testHash, func(context.Context) (bool, error) {
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), gen)
	assert.Zero(t, notified.Load(), "no bump means no notification")
}

func TestRecheckNotifiesSubscribersBeforeReturn(t *testing.T) {
	coord := NewCoordinator(newTestDB(t), zerolog.Nop())
	ctx := context.Background()

	var gotHash string
	var gotGen int64
	coord.Subscribe(func(infoHash string, generation int64) {
		gotHash = infoHash
		gotGen = generation
	})

	_, err := coord.Recheck(ctx, testHash, func(context.Context) (bool, error) {
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, testHash, gotHash)
	assert.Equal(t, int64(1), gotGen)
}

func TestConcurrentRechecksCoalesce(t *testing.T) {
	coord := NewCoordinator(newTestDB(t), zerolog.Nop())
	ctx := context.Background()

	var verifications atomic.Int32
	release := make(chan struct{})

	const callers = 5
	results := make([]int64, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = coord.Recheck(ctx, testHash, func(context.Context) (bool, error) {
				verifications.Add(1)
				<-release
				return true, nil
			})
		}()
	}

	// Give the goroutines time to pile onto the in-flight verification.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), verifications.Load(),
		"concurrent rechecks share one verification")
	for _, gen := range results {
		assert.Equal(t, int64(1), gen)
	}
}

func TestSequentialRechecksIncrement(t *testing.T) {
	coord := NewCoordinator(newTestDB(t), zerolog.Nop())
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		gen, err := coord.Recheck(ctx, testHash, func(context.Context) (bool, error) {
			return true, nil
		})
		require.NoError(t, err)
		assert.Equal(t, want, gen, "generation increases strictly")
	}
}

func TestBumpFromConflict(t *testing.T) {
	coord := NewCoordinator(newTestDB(t), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, coord.Ensure(ctx, testHash))

	_, err := coord.bumpFrom(ctx, testHash, 0)
	require.NoError(t, err)

	// The stale compare value loses the race.
	_, err = coord.bumpFrom(ctx, testHash, 0)
	require.ErrorIs(t, err, ErrConflict)
}

func TestSetManaged(t *testing.T) {
	coord := NewCoordinator(newTestDB(t), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, coord.SetManaged(ctx, testHash, true))
	meta, err := coord.Meta(ctx, testHash)
	require.NoError(t, err)
	assert.True(t, meta.Managed)

	require.NoError(t, coord.SetManaged(ctx, testHash, false))
	meta, err = coord.Meta(ctx, testHash)
	require.NoError(t, err)
	assert.False(t, meta.Managed)
}

func TestTouchAdvancesAtime(t *testing.T) {
	coord := NewCoordinator(newTestDB(t), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, coord.Touch(ctx, testHash, time.Unix(2000, 0)))
	meta, err := coord.Meta(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), meta.Atime)

	// An older touch must not move atime backwards.
	require.NoError(t, coord.Touch(ctx, testHash, time.Unix(1000, 0)))
	meta, err = coord.Meta(ctx, testHash)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), meta.Atime)
}

package dlm

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/lockmesh/cachelock/transport"
)

// TestConcurrentAcquireReleaseInvariants drives many goroutines through
// acquire/release (with concurrent revoke callbacks) on a small set
// of lock ids, then checks the invariants from spec.md §8 that must hold
// once everything quiesces: revoke_pending never goes negative (it can't,
// being unsigned, but we check it never overflows from an underflowing
// decrement either), and no lock is left ACQUIRING with nobody able to
// make progress.
func TestConcurrentAcquireReleaseInvariants(t *testing.T) {
	const (
		numLocks      = 4
		numGoroutines = 16
		opsPerRoutine = 50
	)

	c, mock := newTestClient(t)

	var g errgroup.Group
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < numGoroutines; i++ {
		seed := rng.Int63()
		g.Go(func() error {
			r := rand.New(rand.NewSource(seed))
			for op := 0; op < opsPerRoutine; op++ {
				lid := LockId(r.Intn(numLocks))
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				err := c.Acquire(ctx, lid)
				cancel()
				if err != nil {
					return err
				}
				// Hold briefly so concurrent revokes/waiters have a
				// window to observe LOCKED.
				time.Sleep(time.Microsecond)
				if err := c.Release(lid); err != nil {
					return err
				}
			}
			return nil
		})
	}

	// Fire revokes concurrently to exercise the deferred-revoke paths.
	stop := make(chan struct{})
	go func() {
		r := rand.New(rand.NewSource(2))
		for {
			select {
			case <-stop:
				return
			default:
				mock.FireRevoke(transport.LockId(r.Intn(numLocks)))
				time.Sleep(200 * time.Microsecond)
			}
		}
	}()

	require.NoError(t, g.Wait())
	close(stop)

	// revoke_pending is unsigned: the real risk this guards against is a
	// decrement underflowing (wrapping to a huge value) rather than going
	// visibly "negative". Confirm every counter is still small and sane
	// once all goroutines have quiesced.
	stats := c.Stats()
	require.Less(t, stats.RevokePending, uint64(numGoroutines*opsPerRoutine),
		"revoke_pending must not have underflowed")
}

// TestNoLostWakeupAfterRevokeWhileFree exercises the exact ping-pong the
// original source's comment warns about: a lock goes FREE, a revoke
// arrives and hands it back, and an acquirer arriving after the hand-back
// must still be served by a fresh round-trip through the server.
func TestNoLostWakeupAfterRevokeWhileFree(t *testing.T) {
	c, mock := newTestClient(t)
	const lid = LockId(9)

	require.NoError(t, c.Acquire(context.Background(), lid))
	require.NoError(t, c.Release(lid))
	require.Equal(t, FREE, stateOf(t, c, lid))

	mock.FireRevoke(transport.LockId(lid))
	require.Eventually(t, func() bool { return stateOf(t, c, lid) == NONE }, time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- c.Acquire(context.Background(), lid) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquirer was lost after revoke-while-FREE hand-back")
	}
	require.Equal(t, LOCKED, stateOf(t, c, lid))
}

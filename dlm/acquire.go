package dlm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lockmesh/cachelock/transport"
)

// Acquire makes lid logically held by the caller, blocking until it
// succeeds. It retries the remote acquire call indefinitely on RETRY (the
// server is the source of truth); ctx only bounds the local wait and the
// spacing between remote attempts, per SPEC_FULL.md §4.2 — it never
// abandons an in-flight ACQUIRING/LOCKED state server-side.
func (c *Client) Acquire(ctx context.Context, lid LockId) error {
	rec := c.table.getOrCreate(lid)

	// sync.Cond has no native cancellation: a goroutine blocked in Wait()
	// only re-checks its predicate when signaled or broadcast. Arrange
	// for ctx cancellation to broadcast this record's condition
	// variables so a cancelled caller's Wait() calls actually return
	// instead of sleeping until an unrelated local event wakes them.
	stop := context.AfterFunc(ctx, rec.broadcastAll)
	defer stop()

	needRemote, err := c.acquireLocal(ctx, rec)
	if err != nil {
		return err
	}
	if !needRemote {
		return nil // taken instantly from FREE
	}

	return c.acquireRemote(ctx, rec)
}

// acquireLocal runs the loop described in spec.md §4.2 step 2: it either
// takes the lock directly from FREE, commits to a remote acquire from
// NONE, or waits out ACQUIRING/LOCKED/RELEASING and re-evaluates. A
// thread woken from wait_cv cannot assume it is the next owner — another
// wakeup or a revoke may have moved state elsewhere — so every wakeup
// re-enters the switch from the top.
func (c *Client) acquireLocal(ctx context.Context, rec *LockRec) (needRemote bool, err error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		switch rec.state {
		case NONE:
			rec.state = ACQUIRING
			c.log.Debug("lock state transition", zap.Uint64("lid", uint64(rec.lid)),
				zap.String("from", NONE.String()), zap.String("to", ACQUIRING.String()))
			return true, nil

		case FREE:
			rec.state = LOCKED
			rec.owner = newOwnerToken()
			c.log.Debug("lock state transition", zap.Uint64("lid", uint64(rec.lid)),
				zap.String("from", FREE.String()), zap.String("to", LOCKED.String()))
			return false, nil

		case ACQUIRING, LOCKED:
			rec.waitCond.Wait()

		case RELEASING:
			rec.releaseCond.Wait()

		default:
			rec.waitCond.Wait()
		}
	}
}

// acquireRemote issues the remote acquire call (mutex released) and loops
// on RETRY until OK, per spec.md §4.2 step 3.
func (c *Client) acquireRemote(ctx context.Context, rec *LockRec) error {
	for {
		start := time.Now()
		status, err := c.transport.Call(ctx, transport.OpAcquire, transport.LockId(rec.lid), transport.ClientId(c.id))
		c.metrics.ObserveAcquireDuration(time.Since(start).Seconds())
		if err != nil {
			// A transport failure is treated the same as a RETRY so this
			// layer never gives up (spec.md §4.2): the next attempt waits
			// for a retry callback or for ctx to end.
			c.log.Warn("acquire RPC error, treating as retry",
				zap.Uint64("lid", uint64(rec.lid)), zap.Error(err))
			if waitErr := c.waitForRetrySignal(ctx, rec); waitErr != nil {
				return waitErr
			}
			continue
		}

		if status == transport.StatusOK {
			rec.mu.Lock()
			rec.state = LOCKED
			rec.owner = newOwnerToken()
			c.log.Debug("lock state transition", zap.Uint64("lid", uint64(rec.lid)),
				zap.String("from", ACQUIRING.String()), zap.String("to", LOCKED.String()))
			rec.mu.Unlock()
			return nil
		}

		c.metrics.IncRetries()
		if err := c.waitForRetrySignal(ctx, rec); err != nil {
			return err
		}
	}
}

// waitForRetrySignal blocks on retry_cv until retry_ready is set, then
// clears it. The flag is set and the signal emitted under the same
// critical section in RetryHandler (see callbacks.go), so there is no
// window in which this wait can miss a signal that already fired.
func (c *Client) waitForRetrySignal(ctx context.Context, rec *LockRec) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for !rec.retryReady {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec.retryCond.Wait()
	}
	rec.retryReady = false
	return nil
}

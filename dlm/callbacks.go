package dlm

import (
	"go.uber.org/zap"
)

// RevokeHandler is invoked by the transport when the server demands lid
// back. It must return quickly; any remote release happens outside the
// record mutex before returning. Implements the state table in
// spec.md §4.4, including the starvation-free rule: a revoke arriving
// while ACQUIRING or LOCKED never forces an immediate hand-back — it is
// deferred (via revoke_pending, or via the RELEASING transition honoured
// only on the holder's own next Release) so the current/soon-to-be holder
// gets at least one chance to use the lock.
func (c *Client) RevokeHandler(lid LockId) {
	rec := c.table.getOrCreate(lid)

	handback, fromState := c.revokeLocal(rec)
	c.metrics.IncRevokes(fromState)
	if !handback {
		return
	}
	if err := c.handBack(rec); err != nil {
		c.log.Error("revoke-triggered hand-back failed", zap.Uint64("lid", uint64(lid)), zap.Error(err))
	}
}

func (c *Client) revokeLocal(rec *LockRec) (handback bool, fromState State) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	fromState = rec.state
	switch rec.state {
	case NONE:
		rec.revokePending++

	case ACQUIRING:
		// Defer: the acquirer has not had a chance to run yet. Honoured
		// by releaseLocal's revoke_pending short-circuit once it does.
		rec.revokePending++

	case LOCKED:
		rec.state = RELEASING
		c.log.Debug("lock state transition", zap.Uint64("lid", uint64(rec.lid)),
			zap.String("from", LOCKED.String()), zap.String("to", RELEASING.String()))
		// No remote release yet: the current holder triggers it at Release time.

	case FREE:
		rec.state = RELEASING
		c.log.Debug("lock state transition", zap.Uint64("lid", uint64(rec.lid)),
			zap.String("from", FREE.String()), zap.String("to", RELEASING.String()))
		handback = true

	case RELEASING:
		// Hand-back already in flight; record the duplicate.
		rec.revokePending++
	}
	return handback, fromState
}

// RetryHandler is invoked by the transport when the server reports that a
// previously-refused acquire may now be reattempted. The flag is set and
// the signal emitted under the same critical section so a concurrent
// acquirer cannot observe retry_ready == false, decide to wait, and then
// miss this wakeup (spec.md §4.5's ordering caveat).
func (c *Client) RetryHandler(lid LockId) {
	rec, ok := c.table.get(lid)
	if !ok {
		c.log.Warn("retry callback for unknown lock", zap.Uint64("lid", uint64(lid)))
		return
	}

	rec.mu.Lock()
	rec.retryReady = true
	rec.retryCond.Signal()
	rec.mu.Unlock()
}

package dlm

import (
	"context"

	"go.uber.org/zap"

	"github.com/lockmesh/cachelock/errkind"
	"github.com/lockmesh/cachelock/transport"
)

// Release gives up the caller's local use of lid. If no revoke is
// outstanding, the lock is cached (state -> FREE) so the next local
// Acquire need not round-trip the server. If a revoke arrived (directly,
// or deferred while ACQUIRING/RELEASING), the lock is handed back to the
// server instead.
//
// Per SPEC_FULL.md §9 (resolving spec.md's third open question), Release
// on a lock in an illegal state (NONE, FREE, ACQUIRING) returns an
// errkind.BadState error instead of a silent success, so callers can
// distinguish misuse from a real release.
func (c *Client) Release(lid LockId) error {
	rec, ok := c.table.get(lid)
	if !ok {
		return errkind.New(errkind.NotFound, "dlm.Release", nil)
	}

	handback, err := c.releaseLocal(rec)
	if err != nil {
		return err
	}
	if !handback {
		return nil
	}

	return c.handBack(rec)
}

// releaseLocal implements spec.md §4.3 steps 2-3 under rec's mutex.
func (c *Client) releaseLocal(rec *LockRec) (handback bool, err error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.revokePending > 0 {
		rec.revokePending--
		return true, nil
	}

	switch rec.state {
	case LOCKED:
		rec.state = FREE
		c.log.Debug("lock state transition", zap.Uint64("lid", uint64(rec.lid)),
			zap.String("from", LOCKED.String()), zap.String("to", FREE.String()))
		rec.waitCond.Signal()
		return false, nil

	case RELEASING:
		return true, nil

	case NONE, FREE, ACQUIRING:
		c.log.Warn("illegal release", zap.Uint64("lid", uint64(rec.lid)), zap.String("state", rec.state.String()))
		return false, errkind.New(errkind.BadState, "dlm.Release", nil)

	default:
		return false, errkind.New(errkind.BadState, "dlm.Release", nil)
	}
}

// handBack notifies the release-user, issues the remote release, and
// transitions the record back to NONE, broadcasting both wait_cv and
// release_cv — local acquirers may be waiting on either, and missing a
// signal here strands threads (spec.md §4.4).
func (c *Client) handBack(rec *LockRec) error {
	if c.relUser != nil {
		c.relUser.OnReleaseBeforeHandback(rec.lid)
	} else {
		c.log.Debug("no release-user collaborator registered", zap.Uint64("lid", uint64(rec.lid)))
	}

	_, err := c.transport.Call(context.Background(), transport.OpRelease, transport.LockId(rec.lid), transport.ClientId(c.id))
	if err != nil {
		// Accepted operational limitation (spec.md §7): a persistently
		// failing release leaves the record in the state it had before
		// the hand-back (RELEASING, or LOCKED when a deferred revoke
		// triggered it) and starves local acquirers. The transport
		// already retried internally (SPEC_FULL.md §9); there is nothing
		// more this layer can do.
		c.log.Error("remote release failed, lock left pending hand-back",
			zap.Uint64("lid", uint64(rec.lid)), zap.Error(err))
		return errkind.New(errkind.IO, "dlm.Release", err)
	}

	rec.mu.Lock()
	rec.state = NONE
	c.log.Debug("lock state transition", zap.Uint64("lid", uint64(rec.lid)),
		zap.String("to", NONE.String()))
	rec.waitCond.Broadcast()
	rec.releaseCond.Broadcast()
	rec.mu.Unlock()
	return nil
}

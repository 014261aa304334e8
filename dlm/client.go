package dlm

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lockmesh/cachelock/transport"
)

// ReleaseUser is notified just before a cached lock is handed back to the
// server, so an upper layer (e.g. a cache of lock-protected data) can
// flush state tied to lid. It runs without the Client's mutex held. A nil
// ReleaseUser is valid: the hand-back simply proceeds without notification.
type ReleaseUser interface {
	OnReleaseBeforeHandback(lid LockId)
}

// Metrics is the subset of observability hooks Client calls into. All
// methods must be safe for concurrent use and must never block
// meaningfully (they are invoked from the acquire/release hot path). A
// nil Config.Metrics is valid: NewClient substitutes noopMetrics.
type Metrics interface {
	ObserveAcquireDuration(seconds float64)
	IncRetries()
	IncRevokes(fromState State)
	SetLocksCached(n int)
	SetLocksHeld(n int)
	SetRevokePending(n int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveAcquireDuration(float64) {}
func (noopMetrics) IncRetries()                    {}
func (noopMetrics) IncRevokes(State)               {}
func (noopMetrics) SetLocksCached(int)             {}
func (noopMetrics) SetLocksHeld(int)               {}
func (noopMetrics) SetRevokePending(int)           {}

// Config bundles the constructor knobs for a Client.
type Config struct {
	// Transport ships acquire/release calls and delivers revoke/retry
	// callbacks. Required.
	Transport transport.Transport

	// ReleaseUser, if non-nil, is notified before every hand-back.
	ReleaseUser ReleaseUser

	// BindHost names the local interface callbacks are bound to. NewClient
	// does not read it: the Transport does the binding (see
	// transport.RPCTransportConfig.BindHost), and the ClientId is the
	// address its RegisterCallbacks returns.
	BindHost string

	// ShardCount sizes the lock table; 0 selects defaultShardCount.
	ShardCount int

	Logger  *zap.Logger
	Metrics Metrics
}

// Client is the per-process caching lock client: a lock table plus the
// collaborators (transport, release-user, logger, metrics) every
// operation on that table needs.
type Client struct {
	id        ClientId
	transport transport.Transport
	relUser   ReleaseUser
	log       *zap.Logger
	metrics   Metrics
	table     *lockTable
}

// NewClient registers this process's callback endpoint with cfg.Transport,
// forms a ClientId from the bound address, and returns a ready Client.
// Registration happens once, here, at construction time — there is no
// later re-binding and no process-wide mutable port/seed state.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("dlm: NewClient requires a Transport")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	c := &Client{
		transport: cfg.Transport,
		relUser:   cfg.ReleaseUser,
		log:       log,
		metrics:   metrics,
		table:     newLockTable(cfg.ShardCount),
	}

	addr, err := cfg.Transport.RegisterCallbacks(
		func(lid transport.LockId) { c.RevokeHandler(LockId(lid)) },
		func(lid transport.LockId) { c.RetryHandler(LockId(lid)) },
	)
	if err != nil {
		return nil, fmt.Errorf("dlm: registering callback endpoint: %w", err)
	}
	c.id = ClientId(addr)

	log.Info("dlm client registered",
		zap.String("client_id", string(c.id)),
		zap.String("instance", uuid.NewString()))

	return c, nil
}

// ID returns this client's ClientId, as formed from its bound callback
// address: "<host>:<callback-port>".
func (c *Client) ID() ClientId { return c.id }

// Stats is a point-in-time snapshot of table-wide counters, safe to poll
// (e.g. from a metrics scrape) without interfering with any in-flight
// acquire/release.
type Stats struct {
	LocksCached      int // state == FREE: held by us, unused locally
	LocksHeld        int // state == LOCKED: held and in use locally
	InFlightAcquires int // state == ACQUIRING
	RevokePending    uint64
}

// Stats walks the table and reports aggregate counters. It never mutates
// state and takes no lock longer than a single record's.
func (c *Client) Stats() Stats {
	var s Stats
	for _, rec := range c.table.all() {
		state, revokePending := rec.snapshot()
		switch state {
		case FREE:
			s.LocksCached++
		case LOCKED:
			s.LocksHeld++
		case ACQUIRING:
			s.InFlightAcquires++
		}
		s.RevokePending += revokePending
	}
	c.metrics.SetLocksCached(s.LocksCached)
	c.metrics.SetLocksHeld(s.LocksHeld)
	c.metrics.SetRevokePending(int(s.RevokePending))
	return s
}

// Package metrics registers cachelock's Prometheus collectors, modeled on
// dalemusser-waffle's metrics package (RegisterDefault + a mustRegister
// helper wrapping Go/process collectors).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lockmesh/cachelock/dlm"
)

// Collectors implements dlm.Metrics against a dedicated prometheus.Registry
// (rather than the global default registry) so multiple Clients in the
// same process, e.g. in tests, never collide on collector registration.
type Collectors struct {
	registry *prometheus.Registry

	acquireDuration prometheus.Histogram
	retriesTotal    prometheus.Counter
	revokesTotal    *prometheus.CounterVec
	locksCached     prometheus.Gauge
	locksHeld       prometheus.Gauge
	revokePending   prometheus.Gauge
}

// New builds a Collectors bound to a fresh registry and registers the Go
// runtime and process collectors alongside it.
func New(logger *zap.Logger) *Collectors {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		registry: reg,
		acquireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cachelock_acquire_duration_seconds",
			Help:    "Duration of remote acquire RPC attempts.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cachelock_retries_total",
			Help: "Count of RETRY responses received from the lock server on acquire.",
		}),
		revokesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cachelock_revokes_total",
			Help: "Count of revoke callbacks received, labeled by the lock's state when it arrived.",
		}, []string{"from_state"}),
		locksCached: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cachelock_locks_cached",
			Help: "Locks currently held by this client but not in local use (state == FREE).",
		}),
		locksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cachelock_locks_held",
			Help: "Locks currently in local use (state == LOCKED).",
		}),
		revokePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cachelock_revoke_pending",
			Help: "Sum of revoke_pending counters across all tracked locks.",
		}),
	}

	mustRegister(logger, reg, "Go collector", collectors.NewGoCollector())
	mustRegister(logger, reg, "process collector", collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mustRegister(logger, reg, "acquire duration histogram", c.acquireDuration)
	mustRegister(logger, reg, "retries counter", c.retriesTotal)
	mustRegister(logger, reg, "revokes counter", c.revokesTotal)
	mustRegister(logger, reg, "locks cached gauge", c.locksCached)
	mustRegister(logger, reg, "locks held gauge", c.locksHeld)
	mustRegister(logger, reg, "revoke pending gauge", c.revokePending)

	return c
}

func mustRegister(logger *zap.Logger, reg *prometheus.Registry, name string, c prometheus.Collector) {
	if err := reg.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return
		}
		if logger != nil {
			logger.Fatal("failed to register "+name, zap.Error(err))
		} else {
			panic("metrics: failed to register " + name + ": " + err.Error())
		}
	}
}

// Handler returns the HTTP handler to serve this Collectors' registry on.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) ObserveAcquireDuration(seconds float64) { c.acquireDuration.Observe(seconds) }
func (c *Collectors) IncRetries()                             { c.retriesTotal.Inc() }
func (c *Collectors) IncRevokes(fromState dlm.State)          { c.revokesTotal.WithLabelValues(fromState.String()).Inc() }
func (c *Collectors) SetLocksCached(n int)                    { c.locksCached.Set(float64(n)) }
func (c *Collectors) SetLocksHeld(n int)                      { c.locksHeld.Set(float64(n)) }
func (c *Collectors) SetRevokePending(n int)                  { c.revokePending.Set(float64(n)) }

var _ dlm.Metrics = (*Collectors)(nil)

// Package metrics exports Prometheus gauges and counters for the provider
// pool and audio queues, grounded on tphakala-birdnet-go's
// internal/observability/metrics package (a prometheus/client_golang
// registry of gauges/counters updated by polling internal component
// state), adapted to the hub's pool/queue statistics rather than
// birdnet-go's detection pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JonesHong/ASRHub-sub002/pkg/provider"
)

// Registry holds every metric the hub exports. Callers register it with a
// *prometheus.Registry (or the default registerer) at startup.
type Registry struct {
	PoolTotal     prometheus.Gauge
	PoolIdle      prometheus.Gauge
	PoolLeased    prometheus.Gauge
	PoolWaiters   prometheus.Gauge
	PoolUnhealthy prometheus.Gauge

	PoolCreatedTotal  prometheus.Gauge
	PoolLeasesTotal   prometheus.Gauge
	PoolReleasedTotal prometheus.Gauge
	PoolTimeoutsTotal prometheus.Gauge
	PoolErrorsTotal   prometheus.Gauge
	PoolAvgWaitMillis prometheus.Gauge

	QueueDroppedOverflow prometheus.Counter
	QueueBackpressure    prometheus.Counter

	SessionsActive prometheus.Gauge
}

// NewRegistry constructs a Registry and registers every metric with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		PoolTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "asrhub", Subsystem: "pool", Name: "total", Help: "Total provider instances.",
		}),
		PoolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "asrhub", Subsystem: "pool", Name: "idle", Help: "Idle provider instances.",
		}),
		PoolLeased: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "asrhub", Subsystem: "pool", Name: "leased", Help: "Leased provider instances.",
		}),
		PoolWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "asrhub", Subsystem: "pool", Name: "waiters", Help: "Sessions waiting on a lease.",
		}),
		PoolUnhealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "asrhub", Subsystem: "pool", Name: "unhealthy", Help: "Providers marked unhealthy.",
		}),
		PoolCreatedTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "asrhub", Subsystem: "pool", Name: "created_total", Help: "Lifetime provider instances created.",
		}),
		PoolLeasesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "asrhub", Subsystem: "pool", Name: "leases_total", Help: "Lifetime leases granted.",
		}),
		PoolReleasedTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "asrhub", Subsystem: "pool", Name: "released_total", Help: "Lifetime leases released.",
		}),
		PoolTimeoutsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "asrhub", Subsystem: "pool", Name: "timeouts_total", Help: "Lifetime lease requests that timed out.",
		}),
		PoolErrorsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "asrhub", Subsystem: "pool", Name: "errors_total", Help: "Lifetime provider creation/warmup errors.",
		}),
		PoolAvgWaitMillis: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "asrhub", Subsystem: "pool", Name: "avg_wait_millis", Help: "Rolling average lease wait time in milliseconds.",
		}),
		QueueDroppedOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "asrhub", Subsystem: "queue", Name: "dropped_overflow_total", Help: "Chunks evicted by overflow across all sessions.",
		}),
		QueueBackpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "asrhub", Subsystem: "queue", Name: "backpressure_total", Help: "Pushes that returned backpressure.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "asrhub", Subsystem: "sessions", Name: "active", Help: "Currently live sessions.",
		}),
	}
	reg.MustRegister(
		r.PoolTotal, r.PoolIdle, r.PoolLeased, r.PoolWaiters, r.PoolUnhealthy,
		r.PoolCreatedTotal, r.PoolLeasesTotal, r.PoolReleasedTotal,
		r.PoolTimeoutsTotal, r.PoolErrorsTotal, r.PoolAvgWaitMillis,
		r.QueueDroppedOverflow, r.QueueBackpressure, r.SessionsActive,
	)
	return r
}

// ObservePool copies a provider.Stats snapshot onto the pool gauges.
func (r *Registry) ObservePool(s provider.Stats) {
	r.PoolTotal.Set(float64(s.Total))
	r.PoolIdle.Set(float64(s.Idle))
	r.PoolLeased.Set(float64(s.Leased))
	r.PoolWaiters.Set(float64(s.Waiters))
	r.PoolUnhealthy.Set(float64(s.Unhealthy))
	r.PoolCreatedTotal.Set(float64(s.Created))
	r.PoolLeasesTotal.Set(float64(s.LeasesGranted))
	r.PoolReleasedTotal.Set(float64(s.Released))
	r.PoolTimeoutsTotal.Set(float64(s.Timeouts))
	r.PoolErrorsTotal.Set(float64(s.Errors))
	r.PoolAvgWaitMillis.Set(s.AvgWaitMillis)
}

// ObserveSessions sets the active session gauge.
func (r *Registry) ObserveSessions(n int) {
	r.SessionsActive.Set(float64(n))
}

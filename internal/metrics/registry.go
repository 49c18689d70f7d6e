// Package metrics holds the Prometheus registry for quotewire and adapts it
// to the ports.Metrics interface consumed by the data-plane components.
package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Registry holds all Prometheus metrics for quotewire.
type Registry struct {
	reg *prometheus.Registry

	// Cache performance
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	CacheHitRatio *prometheus.GaugeVec

	// Storage port
	StorageOps     *prometheus.CounterVec
	StorageLatency *prometheus.HistogramVec

	// Symbol mapper
	SymbolLookups  *prometheus.CounterVec
	SymbolFailures *prometheus.CounterVec

	// Transformer
	TransformRecords  *prometheus.CounterVec
	TransformWarnings *prometheus.CounterVec

	// Stream receiver
	ActiveSubscriptions prometheus.Gauge
	DispatchedTicks     *prometheus.CounterVec
	DispatchErrors      *prometheus.CounterVec
	BreakerState        *prometheus.GaugeVec

	// Recovery engine
	RecoveryJobs       *prometheus.CounterVec
	RecoveryBatches    prometheus.Counter
	RecoveryDataPoints prometheus.Counter
	RecoveryRateHits   prometheus.Counter
	RecoveryLatency    prometheus.Histogram

	// Concurrency / memory
	ConcurrencyBound prometheus.Gauge
	MemoryEvents     *prometheus.CounterVec

	mu      sync.Mutex
	dynamic map[string]*prometheus.CounterVec
}

// NewRegistry creates and registers all quotewire metrics.
func NewRegistry() *Registry {
	r := &Registry{
		reg:     prometheus.NewRegistry(),
		dynamic: make(map[string]*prometheus.CounterVec),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotewire_cache_hits_total",
			Help: "Total cache hits by cache tier",
		}, []string{"cache"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotewire_cache_misses_total",
			Help: "Total cache misses by cache tier",
		}, []string{"cache"}),
		CacheHitRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quotewire_cache_hit_ratio",
			Help: "Current hit ratio per cache (0.0 to 1.0)",
		}, []string{"cache"}),

		StorageOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotewire_storage_operations_total",
			Help: "Storage port operations by op and result",
		}, []string{"op", "result"}),
		StorageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quotewire_storage_latency_seconds",
			Help:    "Storage port operation latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, []string{"op"}),

		SymbolLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotewire_symbol_lookups_total",
			Help: "Symbol mapper lookups by provider, direction and layer",
		}, []string{"provider", "direction", "layer"}),
		SymbolFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotewire_symbol_failures_total",
			Help: "Unresolvable symbols by provider and direction",
		}, []string{"provider", "direction"}),

		TransformRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotewire_transform_records_total",
			Help: "Records processed by the mapping engine per provider",
		}, []string{"provider", "rule_list_type"}),
		TransformWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotewire_transform_warnings_total",
			Help: "Non-fatal mapping warnings by kind",
		}, []string{"kind"}),

		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quotewire_active_subscriptions",
			Help: "Number of live client subscriptions",
		}),
		DispatchedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotewire_dispatched_ticks_total",
			Help: "Ticks dispatched to subscribers by capability",
		}, []string{"capability"}),
		DispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotewire_dispatch_errors_total",
			Help: "Failed dispatches by reason",
		}, []string{"reason"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quotewire_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		}, []string{"breaker"}),

		RecoveryJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotewire_recovery_jobs_total",
			Help: "Recovery job lifecycle events",
		}, []string{"event"}),
		RecoveryBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotewire_recovery_batches_total",
			Help: "Recovery batches delivered",
		}),
		RecoveryDataPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotewire_recovery_data_points_total",
			Help: "Data points replayed to reconnecting clients",
		}),
		RecoveryRateHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotewire_recovery_rate_limit_hits_total",
			Help: "Replay deliveries deferred by the token bucket",
		}),
		RecoveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quotewire_recovery_job_seconds",
			Help:    "Wall time per recovery job",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		ConcurrencyBound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quotewire_concurrency_bound",
			Help: "Current adaptive bound on outbound operations",
		}),
		MemoryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotewire_memory_events_total",
			Help: "Memory pressure and warning events by kind",
		}, []string{"kind"}),
	}

	r.reg.MustRegister(
		r.CacheHits, r.CacheMisses, r.CacheHitRatio,
		r.StorageOps, r.StorageLatency,
		r.SymbolLookups, r.SymbolFailures,
		r.TransformRecords, r.TransformWarnings,
		r.ActiveSubscriptions, r.DispatchedTicks, r.DispatchErrors, r.BreakerState,
		r.RecoveryJobs, r.RecoveryBatches, r.RecoveryDataPoints, r.RecoveryRateHits, r.RecoveryLatency,
		r.ConcurrencyBound, r.MemoryEvents,
	)
	return r
}

// Prometheus exposes the underlying registry for the /metrics handler.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

// labelKeys returns label names in a stable order for dynamic registration.
func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	// Insertion-order instability is fine for lookup but not for registration;
	// sort small slices in place.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// IncCounter implements ports.Metrics for components that emit by name.
func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.AddCounter(name, labels, 1)
}

// AddCounter implements ports.Metrics. Known names route to the statically
// registered families; anything else lands in a dynamically registered vec.
func (r *Registry) AddCounter(name string, labels map[string]string, delta float64) {
	switch name {
	case "cache_hits":
		r.CacheHits.With(prometheus.Labels(labels)).Add(delta)
		return
	case "cache_misses":
		r.CacheMisses.With(prometheus.Labels(labels)).Add(delta)
		return
	case "storage_operations":
		r.StorageOps.With(prometheus.Labels(labels)).Add(delta)
		return
	case "symbol_lookups":
		r.SymbolLookups.With(prometheus.Labels(labels)).Add(delta)
		return
	case "symbol_failures":
		r.SymbolFailures.With(prometheus.Labels(labels)).Add(delta)
		return
	case "transform_records":
		r.TransformRecords.With(prometheus.Labels(labels)).Add(delta)
		return
	case "transform_warnings":
		r.TransformWarnings.With(prometheus.Labels(labels)).Add(delta)
		return
	case "dispatched_ticks":
		r.DispatchedTicks.With(prometheus.Labels(labels)).Add(delta)
		return
	case "recovery_jobs":
		r.RecoveryJobs.With(prometheus.Labels(labels)).Add(delta)
		return
	case "recovery_batches":
		r.RecoveryBatches.Add(delta)
		return
	case "memory_events":
		r.MemoryEvents.With(prometheus.Labels(labels)).Add(delta)
		return
	}

	r.mu.Lock()
	vec, ok := r.dynamic[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotewire_" + name + "_total",
			Help: "Dynamically registered counter " + name,
		}, labelKeys(labels))
		if err := r.reg.Register(vec); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					vec = existing
				} else {
					r.mu.Unlock()
					log.Debug().Str("metric", name).Err(err).Msg("dynamic counter collision")
					return
				}
			} else {
				r.mu.Unlock()
				log.Debug().Str("metric", name).Err(err).Msg("dynamic counter registration skipped")
				return
			}
		}
		r.dynamic[name] = vec
	}
	r.mu.Unlock()
	vec.With(labels).Add(delta)
}

// SetGauge implements ports.Metrics; unknown names are dropped (emission is
// best-effort).
func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	switch name {
	case "concurrency_bound":
		r.ConcurrencyBound.Set(value)
	case "cache_hit_ratio":
		r.CacheHitRatio.With(labels).Set(value)
	case "breaker_state":
		r.BreakerState.With(labels).Set(value)
	case "active_subscriptions":
		r.ActiveSubscriptions.Set(value)
	}
}

// ObserveHistogram implements ports.Metrics.
func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) {
	switch name {
	case "storage_latency_seconds":
		r.StorageLatency.With(labels).Observe(value)
	case "recovery_job_seconds":
		r.RecoveryLatency.Observe(value)
	}
}

// CounterValue reads back the current value of a counter family, summed over
// all label sets. Used by the /status endpoint and by tests.
func (r *Registry) CounterValue(family string) float64 {
	mfs, err := r.reg.Gather()
	if err != nil {
		return 0
	}
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != family || mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

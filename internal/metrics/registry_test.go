package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddCounter_RoutesToStaticFamilies(t *testing.T) {
	r := NewRegistry()

	r.IncCounter("cache_hits", map[string]string{"cache": "smart"})
	r.IncCounter("cache_misses", map[string]string{"cache": "mapper"})
	r.IncCounter("storage_operations", map[string]string{"op": "get", "result": "ok"})
	r.IncCounter("symbol_lookups", map[string]string{"provider": "longport", "direction": "to_std", "layer": "l3"})
	r.IncCounter("symbol_failures", map[string]string{"provider": "longport", "direction": "to_std"})
	r.AddCounter("transform_records", map[string]string{"provider": "longport", "rule_list_type": "quote_fields"}, 3)
	r.IncCounter("transform_warnings", map[string]string{"kind": "mapping"})
	r.AddCounter("dispatched_ticks", map[string]string{"capability": "quote"}, 2)
	r.IncCounter("recovery_jobs", map[string]string{"event": "scheduled"})
	r.AddCounter("recovery_batches", map[string]string{"client": "c1"}, 1)
	r.IncCounter("memory_events", map[string]string{"kind": "memory_pressure"})

	for family, want := range map[string]float64{
		"quotewire_cache_hits_total":         1,
		"quotewire_cache_misses_total":       1,
		"quotewire_storage_operations_total": 1,
		"quotewire_symbol_lookups_total":     1,
		"quotewire_symbol_failures_total":    1,
		"quotewire_transform_records_total":  3,
		"quotewire_transform_warnings_total": 1,
		"quotewire_dispatched_ticks_total":   2,
		"quotewire_recovery_jobs_total":      1,
		"quotewire_recovery_batches_total":   1,
		"quotewire_memory_events_total":      1,
	} {
		assert.Equal(t, want, r.CounterValue(family), family)
	}
}

func TestAddCounter_DynamicNames(t *testing.T) {
	r := NewRegistry()

	r.IncCounter("stream_send_errors", map[string]string{"client": "c1"})
	r.IncCounter("stream_send_errors", map[string]string{"client": "c2"})
	assert.Equal(t, 2.0, r.CounterValue("quotewire_stream_send_errors_total"))
}

func TestSetGauge_KnownNames(t *testing.T) {
	r := NewRegistry()
	r.SetGauge("concurrency_bound", nil, 42)
	r.SetGauge("active_subscriptions", map[string]string{"kind": "connections"}, 7)
	// No panic and no dynamic family created for unknown names.
	r.SetGauge("unknown_gauge", nil, 1)
	assert.Zero(t, r.CounterValue("quotewire_unknown_gauge"))
}

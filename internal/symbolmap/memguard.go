package symbolmap

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/ports"
)

// MemGuard periodically checks heap usage. Above the high-water mark it
// shrinks the symbol caches to the threshold ratio; under critical pressure
// it additionally asks the concurrency controller to halve its bound.
type MemGuard struct {
	mapper     *Mapper
	cfg        config.SymbolMapConfig
	metrics    ports.Metrics
	onCritical func()

	readMemStats func(*runtime.MemStats) // swappable for tests
}

// NewMemGuard builds the guard. onCritical may be nil.
func NewMemGuard(mapper *Mapper, cfg config.SymbolMapConfig, m ports.Metrics, onCritical func()) *MemGuard {
	if m == nil {
		m = ports.NopMetrics{}
	}
	return &MemGuard{
		mapper:       mapper,
		cfg:          cfg,
		metrics:      m,
		onCritical:   onCritical,
		readMemStats: runtime.ReadMemStats,
	}
}

// Run blocks until ctx cancellation, checking at the configured interval.
func (g *MemGuard) Run(ctx context.Context) {
	interval := g.cfg.MemoryCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Check()
		}
	}
}

// Check runs one pressure evaluation.
func (g *MemGuard) Check() {
	if g.cfg.MemoryHighWaterBytes == 0 {
		return
	}
	var ms runtime.MemStats
	g.readMemStats(&ms)
	if ms.HeapAlloc <= g.cfg.MemoryHighWaterBytes {
		return
	}
	critical := ms.HeapAlloc > g.cfg.MemoryHighWaterBytes*3/2
	log.Warn().
		Uint64("heap_alloc", ms.HeapAlloc).
		Uint64("high_water", g.cfg.MemoryHighWaterBytes).
		Bool("critical", critical).
		Msg("symbol cache memory pressure, shrinking tiers")
	g.metrics.IncCounter("memory_events", map[string]string{"kind": "memory_warning"})
	g.mapper.Shrink(g.cfg.MemoryThresholdRatio)
	if critical && g.onCritical != nil {
		g.metrics.IncCounter("memory_events", map[string]string{"kind": "memory_pressure"})
		g.onCritical()
	}
}

// Package load bounds outbound concurrency adaptively: the limit halves under
// memory pressure and grows back toward the ceiling when traffic is light.
package load

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/ports"
)

// Controller is a resizable semaphore. It implements smartcache.Limiter.
type Controller struct {
	cfg     config.ConcurrencyConfig
	metrics ports.Metrics

	tokens chan struct{}

	mu       sync.Mutex
	limit    int
	deficit  int // tokens to swallow on release after a shrink
	inFlight int

	memRatio func() float64 // swappable for tests
	stop     chan struct{}
	done     sync.WaitGroup
}

// New builds the controller with the configured base limit and starts the
// adjustment loop.
func New(cfg config.ConcurrencyConfig, m ports.Metrics) *Controller {
	if m == nil {
		m = ports.NopMetrics{}
	}
	base := cfg.MaxConcurrentOperations
	if base <= 0 {
		base = 16
	}
	ceiling := cfg.GrowthCeiling
	if ceiling < base {
		ceiling = base
	}
	c := &Controller{
		cfg:      cfg,
		metrics:  m,
		tokens:   make(chan struct{}, ceiling),
		limit:    base,
		memRatio: heapRatio,
		stop:     make(chan struct{}),
	}
	for i := 0; i < base; i++ {
		c.tokens <- struct{}{}
	}
	if cfg.AdjustInterval > 0 {
		c.done.Add(1)
		go c.adjustLoop()
	}
	return c
}

// Close stops the adjustment loop.
func (c *Controller) Close() {
	close(c.stop)
	c.done.Wait()
}

// Acquire takes a slot or fails when the context ends first.
func (c *Controller) Acquire(ctx context.Context) error {
	select {
	case <-c.tokens:
		c.mu.Lock()
		c.inFlight++
		c.mu.Unlock()
		return nil
	case <-ctx.Done():
		return errs.Wrap(ctx.Err(), errs.CodeSmartCacheOverloaded, "concurrency slot wait")
	}
}

// Release returns a slot, honoring any outstanding shrink deficit.
func (c *Controller) Release() {
	c.mu.Lock()
	c.inFlight--
	if c.deficit > 0 {
		c.deficit--
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.tokens <- struct{}{}
}

// Limit reports the current concurrency bound.
func (c *Controller) Limit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// ForceShrink halves the limit immediately; the memory guard calls this under
// critical pressure ahead of the next adjustment tick.
func (c *Controller) ForceShrink() {
	c.mu.Lock()
	next := c.limit / 2
	c.mu.Unlock()
	if next < 1 {
		next = 1
	}
	c.setLimit(next)
	c.metrics.IncCounter("memory_events", map[string]string{"kind": "memory_pressure"})
	log.Warn().Int("limit", next).Msg("concurrency force-shrunk")
}

// InFlight reports currently held slots.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

func (c *Controller) adjustLoop() {
	defer c.done.Done()
	ticker := time.NewTicker(c.cfg.AdjustInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.adjust()
		}
	}
}

// adjust halves the limit under memory pressure and grows it back when usage
// is comfortably below the bound.
func (c *Controller) adjust() {
	ratio := c.memRatio()
	c.mu.Lock()
	limit := c.limit
	inFlight := c.inFlight
	c.mu.Unlock()

	base := c.cfg.MaxConcurrentOperations
	ceiling := cap(c.tokens)

	switch {
	case ratio >= c.cfg.MemoryPressureRatio:
		next := limit / 2
		if next < 1 {
			next = 1
		}
		if next != limit {
			c.setLimit(next)
			c.metrics.IncCounter("memory_events", map[string]string{"kind": "memory_pressure"})
			log.Warn().Float64("heap_ratio", ratio).Int("limit", next).
				Msg("memory pressure, concurrency halved")
		}
	case inFlight*2 < limit && limit < ceiling:
		next := limit + base/4
		if next > ceiling {
			next = ceiling
		}
		if next < 1 {
			next = 1
		}
		c.setLimit(next)
		log.Debug().Int("limit", next).Msg("low load, concurrency grown")
	}
	c.metrics.SetGauge("concurrency_bound", nil, float64(c.Limit()))
}

func (c *Controller) setLimit(n int) {
	c.mu.Lock()
	diff := n - c.limit
	c.limit = n
	if diff > 0 {
		// Growth first cancels pending shrink deficit, then adds tokens.
		for diff > 0 && c.deficit > 0 {
			c.deficit--
			diff--
		}
		c.mu.Unlock()
		for i := 0; i < diff; i++ {
			c.tokens <- struct{}{}
		}
		return
	}
	// Shrink: drain idle tokens now, swallow the rest on release.
	for diff < 0 {
		select {
		case <-c.tokens:
		default:
			c.deficit++
		}
		diff++
	}
	c.mu.Unlock()
}

// heapRatio approximates memory pressure as live heap over the OS-backed heap.
func heapRatio() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapSys == 0 {
		return 0
	}
	return float64(ms.HeapAlloc) / float64(ms.HeapSys)
}

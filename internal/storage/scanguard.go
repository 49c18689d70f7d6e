package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/ports"
)

// ScanGuard wraps pattern deletion behind a circuit breaker. SCAN over a large
// keyspace is unbounded work; when the backend misbehaves the breaker opens
// and invalidation degrades to best-effort explicit deletes plus a deferred
// pattern queue that is drained once the breaker closes again.
type ScanGuard struct {
	kv  ports.KVStore
	cfg config.ScanConfig
	cb  *gobreaker.CircuitBreaker

	mu       sync.Mutex
	deferred []string
	count    int64 // progressive SCAN COUNT, adjusted by observed density
}

// NewScanGuard builds a guard over the given KV backend.
func NewScanGuard(kv ports.KVStore, cfg config.ScanConfig) *ScanGuard {
	g := &ScanGuard{kv: kv, cfg: cfg, count: cfg.InitialCount}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "storage_scan",
		MaxRequests: cfg.HalfOpenProbes,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", stateName(from)).
				Str("to", stateName(to)).
				Msg("scan circuit breaker state change")
		},
	})
	return g
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "open"
	}
}

// State reports the breaker state as closed|half_open|open.
func (g *ScanGuard) State() string { return stateName(g.cb.State()) }

// DeleteByPattern removes keys matching pattern. When the breaker is open it
// deletes only the explicit keys, queues the pattern for later and returns
// without raising; SCAN failures are absorbed locally.
func (g *ScanGuard) DeleteByPattern(ctx context.Context, pattern string, explicit ...string) (int, error) {
	deleted, err := g.cb.Execute(func() (any, error) {
		return g.scanDelete(ctx, pattern)
	})
	if err == nil {
		return deleted.(int), nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		n := g.fallbackDelete(ctx, pattern, explicit)
		return n, nil
	}
	// SCAN failed and counted against the breaker; still degrade rather than
	// surface to the caller.
	log.Warn().Str("pattern", pattern).Err(err).Msg("pattern scan failed, degrading to explicit delete")
	n := g.fallbackDelete(ctx, pattern, explicit)
	return n, nil
}

func (g *ScanGuard) fallbackDelete(ctx context.Context, pattern string, explicit []string) int {
	n := 0
	if len(explicit) > 0 {
		if d, err := g.kv.Delete(ctx, explicit...); err == nil {
			n = d
		}
	}
	g.mu.Lock()
	g.deferred = append(g.deferred, pattern)
	g.mu.Unlock()
	return n
}

func (g *ScanGuard) scanDelete(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		scanned int
		deleted int
	)
	for {
		count := g.currentCount()
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		keys, next, err := g.kv.Scan(callCtx, cursor, pattern, count)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				g.shrinkCount()
			}
			return deleted, errs.Wrap(err, errs.CodeStorageScanFailed, "scan "+pattern)
		}
		g.adjustCount(int64(len(keys)), count)
		scanned += len(keys)
		if len(keys) > 0 {
			if d, err := g.kv.Delete(ctx, keys...); err != nil {
				return deleted, errs.Wrap(err, errs.CodeStorageScanFailed, "delete scanned keys")
			} else {
				deleted += d
			}
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
		if g.cfg.MaxKeysPrevention > 0 && scanned >= g.cfg.MaxKeysPrevention {
			log.Warn().
				Str("pattern", pattern).
				Int("scanned", scanned).
				Msg("pattern scan hit key prevention bound, stopping early")
			return deleted, nil
		}
		// Yield between batches so invalidation never monopolizes the backend.
		select {
		case <-ctx.Done():
			return deleted, ctx.Err()
		case <-time.After(g.cfg.InterBatchDelay):
		}
	}
}

func (g *ScanGuard) currentCount() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// adjustCount doubles COUNT on low density batches, bounded by config.
func (g *ScanGuard) adjustCount(matched, count int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if matched*10 < count {
		g.count = min64(g.count*2, g.cfg.MaxCount)
	}
}

func (g *ScanGuard) shrinkCount() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count = max64(g.count/2, g.cfg.MinCount)
}

// FlushDeferred retries deferred pattern deletions. Call periodically; it is a
// no-op while the breaker is not closed.
func (g *ScanGuard) FlushDeferred(ctx context.Context) {
	if g.cb.State() != gobreaker.StateClosed {
		return
	}
	g.mu.Lock()
	pending := g.deferred
	g.deferred = nil
	g.mu.Unlock()
	for _, pattern := range pending {
		if _, err := g.DeleteByPattern(ctx, pattern); err != nil {
			return
		}
	}
}

// DeferredCount reports queued pattern deletions; used by /status and tests.
func (g *ScanGuard) DeferredCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.deferred)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

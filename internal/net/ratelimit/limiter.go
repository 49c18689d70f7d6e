// Package ratelimit throttles outbound provider calls with per-provider token
// buckets, keyed further by capability so a burst of quote fetches cannot
// starve market-status polls.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quotewire/quotewire/internal/config"
)

// ProviderLimiter holds one provider's capability buckets.
type ProviderLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
	rps     float64
	burst   int
}

// NewProviderLimiter builds a limiter with the given refill rate and burst.
func NewProviderLimiter(rps float64, burst int) *ProviderLimiter {
	return &ProviderLimiter{
		buckets: make(map[string]*rate.Limiter),
		rps:     rps,
		burst:   burst,
	}
}

func (l *ProviderLimiter) bucket(capability string) *rate.Limiter {
	l.mu.RLock()
	b, ok := l.buckets[capability]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[capability]; ok {
		return b
	}
	b = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.buckets[capability] = b
	return b
}

// Allow reports whether one call may proceed now.
func (l *ProviderLimiter) Allow(capability string) bool {
	return l.bucket(capability).Allow()
}

// Wait blocks until a token is available or the context ends.
func (l *ProviderLimiter) Wait(ctx context.Context, capability string) error {
	return l.bucket(capability).Wait(ctx)
}

// SetRPS retunes every bucket's refill rate.
func (l *ProviderLimiter) SetRPS(rps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rps = rps
	for _, b := range l.buckets {
		b.SetLimit(rate.Limit(rps))
	}
}

// BucketStats describes one capability bucket's pressure.
type BucketStats struct {
	Capability      string        `json:"capability"`
	RPS             float64       `json:"rps"`
	Burst           int           `json:"burst"`
	TokensAvailable float64       `json:"tokens_available"`
	Delay           time.Duration `json:"delay"`
}

// Throttled reports whether the bucket would delay the next call.
func (s BucketStats) Throttled() bool { return s.Delay > 0 }

// Stats snapshots every capability bucket.
func (l *ProviderLimiter) Stats() []BucketStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]BucketStats, 0, len(l.buckets))
	for capability, b := range l.buckets {
		res := b.Reserve()
		delay := res.Delay()
		res.Cancel()
		out = append(out, BucketStats{
			Capability:      capability,
			RPS:             float64(b.Limit()),
			Burst:           b.Burst(),
			TokensAvailable: b.Tokens(),
			Delay:           delay,
		})
	}
	return out
}

// Registry maps provider names to their limiters, built from configuration.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*ProviderLimiter
}

// NewRegistry builds limiters for every enabled provider.
func NewRegistry(providers map[string]config.ProviderConfig) *Registry {
	r := &Registry{providers: make(map[string]*ProviderLimiter)}
	for name, pc := range providers {
		if !pc.Enabled {
			continue
		}
		r.providers[name] = NewProviderLimiter(pc.RPS, pc.Burst)
	}
	return r
}

// Wait throttles one call for a provider and capability. Providers without a
// configured limiter pass through.
func (r *Registry) Wait(ctx context.Context, provider, capability string) error {
	r.mu.RLock()
	l, ok := r.providers[provider]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return l.Wait(ctx, capability)
}

// Allow is the non-blocking variant of Wait.
func (r *Registry) Allow(provider, capability string) bool {
	r.mu.RLock()
	l, ok := r.providers[provider]
	r.mu.RUnlock()
	if !ok {
		return true
	}
	return l.Allow(capability)
}

// Stats snapshots every provider's buckets.
func (r *Registry) Stats() map[string][]BucketStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]BucketStats, len(r.providers))
	for name, l := range r.providers {
		out[name] = l.Stats()
	}
	return out
}

// Package smartcache is the strategy-selecting layer in front of storage:
// market-state-aware TTLs, per-key fetch coalescing, background refresh and
// bounded outbound concurrency.
package smartcache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/marketstatus"
	"github.com/quotewire/quotewire/internal/ports"
	"github.com/quotewire/quotewire/internal/storage"
	"github.com/quotewire/quotewire/internal/symbolmap"
)

// Strategy names the caching policy for a request.
type Strategy string

const (
	StrategyStrongTimeliness Strategy = "STRONG_TIMELINESS"
	StrategyWeakTimeliness   Strategy = "WEAK_TIMELINESS"
	StrategyMarketAware      Strategy = "MARKET_AWARE"
	StrategyNoCache          Strategy = "NO_CACHE"
	StrategyAdaptive         Strategy = "ADAPTIVE"
)

// Sources of a returned value.
const (
	SourceCache    = "cache"
	SourceFetch    = "fetch"
	SourceFallback = "fallback"
)

// FetchFunc produces a fresh payload from upstream.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// Limiter bounds outbound fetches; the adaptive concurrency controller
// implements it.
type Limiter interface {
	Acquire(ctx context.Context) error
	Release()
}

// Options selects strategy and carries the symbol for market-aware TTLs.
type Options struct {
	Strategy    Strategy
	Symbol      string
	TTLOverride time.Duration
}

// Result is the getOrSet contract.
type Result struct {
	Data                       json.RawMessage `json:"data"`
	Hit                        bool            `json:"hit"`
	Source                     string          `json:"source"`
	TTLRemaining               time.Duration   `json:"ttl_remaining"`
	BackgroundRefreshTriggered bool            `json:"background_refresh_triggered"`
}

// adaptiveState is shared across concurrent requests for the same key; mu
// guards every field.
type adaptiveState struct {
	mu      sync.Mutex
	ttl     time.Duration
	lastSum [32]byte
	window  []bool // rolling change observations
}

// Orchestrator fronts the storage port for both the query and push paths.
type Orchestrator struct {
	store   *storage.Store
	market  *marketstatus.Service
	cfg     config.SmartCacheConfig
	clock   ports.Clock
	metrics ports.Metrics
	limiter Limiter

	adaptive *lru.Cache[string, *adaptiveState]

	mu          sync.Mutex
	refreshing  map[string]bool      // background refresh in flight per key
	lastRefresh map[string]time.Time // dedup by minimum update interval

	bg     sync.WaitGroup
	closed chan struct{}
}

// New builds the orchestrator. limiter may be nil (unbounded).
func New(store *storage.Store, market *marketstatus.Service, cfg config.SmartCacheConfig, clock ports.Clock, m ports.Metrics, limiter Limiter) (*Orchestrator, error) {
	if clock == nil {
		clock = ports.RealClock{}
	}
	if m == nil {
		m = ports.NopMetrics{}
	}
	ad, err := lru.New[string, *adaptiveState](4096)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		store:       store,
		market:      market,
		cfg:         cfg,
		clock:       clock,
		metrics:     m,
		limiter:     limiter,
		adaptive:    ad,
		refreshing:  make(map[string]bool),
		lastRefresh: make(map[string]time.Time),
		closed:      make(chan struct{}),
	}, nil
}

// Close stops accepting background refreshes and waits for in-flight ones.
func (o *Orchestrator) Close() {
	close(o.closed)
	o.bg.Wait()
}

// ttlFor computes the strategy TTL for a request.
func (o *Orchestrator) ttlFor(ctx context.Context, opts Options) time.Duration {
	if opts.TTLOverride > 0 {
		return opts.TTLOverride
	}
	switch opts.Strategy {
	case StrategyStrongTimeliness:
		return o.cfg.StrongTTL
	case StrategyWeakTimeliness:
		return o.cfg.WeakTTL
	case StrategyMarketAware:
		market := symbolmap.MarketOf(opts.Symbol)
		if market == "" {
			return o.cfg.ClosedMarketTTL
		}
		status, err := o.market.Status(ctx, market)
		if err != nil {
			log.Debug().Str("market", market).Err(err).Msg("market status unavailable, using closed-market TTL")
			return o.cfg.ClosedMarketTTL
		}
		if status.State.Open() {
			return o.cfg.OpenMarketTTL
		}
		return o.cfg.ClosedMarketTTL
	case StrategyAdaptive:
		// Per-key adjustment happens at the call site; the base is the
		// starting point.
		return o.cfg.AdaptiveBaseTTL
	default:
		return o.cfg.WeakTTL
	}
}

func (o *Orchestrator) adaptiveTTL(key string) time.Duration {
	if st, ok := o.adaptive.Get(key); ok {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.ttl
	}
	return o.cfg.AdaptiveBaseTTL
}

func (o *Orchestrator) refreshRatio(strategy Strategy) float64 {
	switch strategy {
	case StrategyStrongTimeliness:
		return o.cfg.StrongRefreshRatio
	case StrategyWeakTimeliness:
		return o.cfg.WeakRefreshRatio
	default:
		return 0
	}
}

// lkgKey is the last-known-good shadow copy used for fallback.
func lkgKey(key string) string { return key + ":lkg" }

// GetOrSet implements the orchestrator contract. On a hit near expiry the
// cached value returns immediately and a background refresh is scheduled. On
// a miss the fetch runs under the per-key coalescing lock. On fetch failure
// with fallback enabled, the last-known value is returned flagged as
// fallback.
func (o *Orchestrator) GetOrSet(ctx context.Context, key string, fetch FetchFunc, opts Options) (*Result, error) {
	if opts.Strategy == StrategyNoCache {
		payload, err := o.fetchDirect(ctx, fetch)
		if err != nil {
			return nil, err
		}
		o.metrics.IncCounter("cache_misses", map[string]string{"cache": "smart"})
		return &Result{Data: payload, Source: SourceFetch}, nil
	}

	ttl := o.ttlFor(ctx, opts)

	env, remaining, err := o.store.GetEnvelope(ctx, key)
	if err == nil {
		payload, perr := env.Payload()
		if perr != nil {
			return nil, perr
		}
		o.metrics.IncCounter("cache_hits", map[string]string{"cache": "smart"})
		res := &Result{Data: payload, Hit: true, Source: SourceCache, TTLRemaining: remaining}

		age := env.Age(o.clock.Now())
		forced := opts.Strategy == StrategyStrongTimeliness &&
			o.cfg.ForceRefreshInterval > 0 && age >= o.cfg.ForceRefreshInterval
		stale := false
		if ratio := o.refreshRatio(opts.Strategy); ratio > 0 && remaining >= 0 {
			stale = float64(remaining) <= ratio*float64(ttl)
		}
		if stale || forced {
			res.BackgroundRefreshTriggered = o.scheduleRefresh(key, ttl, opts, fetch)
		}
		if opts.Strategy == StrategyAdaptive {
			o.observeAdaptive(key, payload, false)
		}
		return res, nil
	}
	if !errors.Is(err, ports.ErrNotFound) {
		return nil, err
	}

	if opts.Strategy == StrategyAdaptive {
		o.observeAdaptive(key, nil, true)
		ttl = o.adaptiveTTL(key)
	}

	payload, _, ferr := o.store.GetOrSet(ctx, key, ttl, func(fctx context.Context) (json.RawMessage, error) {
		return o.fetchDirect(fctx, fetch)
	})
	if ferr != nil {
		if o.cfg.EnableFallback && !errs.IsFatal(ferr) {
			if fb, fberr := o.store.Get(ctx, lkgKey(key)); fberr == nil {
				log.Warn().Str("key", key).Err(ferr).Msg("fetch failed, serving last-known value")
				return &Result{Data: fb, Source: SourceFallback}, nil
			}
		}
		return nil, ferr
	}
	// Shadow copy for fallback survives well past the strategy TTL.
	if o.cfg.EnableFallback {
		if err := o.store.Set(ctx, lkgKey(key), payload, 10*ttl); err != nil {
			log.Debug().Str("key", key).Err(err).Msg("fallback shadow write failed")
		}
	}
	o.metrics.IncCounter("cache_misses", map[string]string{"cache": "smart"})
	return &Result{Data: payload, Source: SourceFetch, TTLRemaining: ttl}, nil
}

func (o *Orchestrator) fetchDirect(ctx context.Context, fetch FetchFunc) (json.RawMessage, error) {
	if o.limiter != nil {
		if err := o.limiter.Acquire(ctx); err != nil {
			return nil, errs.Wrap(err, errs.CodeSmartCacheOverloaded, "concurrency bound wait")
		}
		defer o.limiter.Release()
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.OperationTimeout)
	defer cancel()
	payload, err := fetch(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errs.Wrap(err, errs.CodeSmartCacheTimeout, "upstream fetch timeout")
		}
		return nil, errs.Wrap(err, errs.CodeSmartCacheFetchFailed, "upstream fetch")
	}
	return payload, nil
}

// scheduleRefresh starts at most one background refresh per key, honoring the
// weak-timeliness minimum update interval.
func (o *Orchestrator) scheduleRefresh(key string, ttl time.Duration, opts Options, fetch FetchFunc) bool {
	now := o.clock.Now()
	o.mu.Lock()
	if o.refreshing[key] {
		o.mu.Unlock()
		return false
	}
	if opts.Strategy == StrategyWeakTimeliness {
		if last, ok := o.lastRefresh[key]; ok && now.Sub(last) < o.cfg.MinUpdateInterval {
			o.mu.Unlock()
			return false
		}
	}
	o.refreshing[key] = true
	o.lastRefresh[key] = now
	o.mu.Unlock()

	select {
	case <-o.closed:
		o.clearRefreshing(key)
		return false
	default:
	}

	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		defer o.clearRefreshing(key)
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.OperationTimeout)
		defer cancel()
		payload, err := o.fetchDirect(ctx, fetch)
		if err != nil {
			log.Debug().Str("key", key).Err(err).Msg("background refresh failed")
			return
		}
		if err := o.store.Set(ctx, key, payload, ttl); err != nil {
			log.Debug().Str("key", key).Err(err).Msg("background refresh store failed")
		}
		if o.cfg.EnableFallback {
			_ = o.store.Set(ctx, lkgKey(key), payload, 10*ttl)
		}
	}()
	return true
}

func (o *Orchestrator) clearRefreshing(key string) {
	o.mu.Lock()
	delete(o.refreshing, key)
	o.mu.Unlock()
}

// observeAdaptive updates the per-key adaptive TTL. Unchanged hits stretch
// the TTL by the adaptation factor; misses and changes shrink it.
func (o *Orchestrator) observeAdaptive(key string, payload json.RawMessage, miss bool) {
	st, ok := o.adaptive.Get(key)
	if !ok {
		fresh := &adaptiveState{ttl: o.cfg.AdaptiveBaseTTL}
		if prev, existed, _ := o.adaptive.PeekOrAdd(key, fresh); existed {
			st = prev
		} else {
			st = fresh
		}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	changed := miss
	if !miss {
		sum := sha256.Sum256(payload)
		changed = sum != st.lastSum
		st.lastSum = sum
	}
	st.window = append(st.window, changed)
	if n := o.cfg.ChangeDetectionWindow; n > 0 && len(st.window) > n {
		st.window = st.window[len(st.window)-n:]
	}
	if changed {
		st.ttl = time.Duration(float64(st.ttl) / o.cfg.AdaptationFactor)
		if st.ttl < o.cfg.AdaptiveMinTTL {
			st.ttl = o.cfg.AdaptiveMinTTL
		}
	} else {
		st.ttl = time.Duration(float64(st.ttl) * o.cfg.AdaptationFactor)
		if st.ttl > o.cfg.AdaptiveMaxTTL {
			st.ttl = o.cfg.AdaptiveMaxTTL
		}
	}
}

// Put writes a payload through under the strategy's TTL; the push path uses
// this to warm the cache with every transformed tick.
func (o *Orchestrator) Put(ctx context.Context, key string, payload json.RawMessage, opts Options) error {
	if opts.Strategy == StrategyNoCache {
		return nil
	}
	ttl := o.ttlFor(ctx, opts)
	if err := o.store.Set(ctx, key, payload, ttl); err != nil {
		return err
	}
	if o.cfg.EnableFallback {
		_ = o.store.Set(ctx, lkgKey(key), payload, 10*ttl)
	}
	return nil
}

// BatchFetchFunc fetches all missing keys in one upstream round trip.
type BatchFetchFunc func(ctx context.Context, missing []string) (map[string]json.RawMessage, error)

// BatchGetOrSet resolves each key from cache, then fetches the residual set
// in one call and stores each result under the strategy TTL.
func (o *Orchestrator) BatchGetOrSet(ctx context.Context, keys []string, fetchMissing BatchFetchFunc, opts Options) (map[string]*Result, error) {
	out := make(map[string]*Result, len(keys))
	cached, err := o.store.BatchGet(ctx, keys)
	if err != nil && opts.Strategy != StrategyNoCache {
		return nil, err
	}
	var missing []string
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		if payload, ok := cached[k]; ok && opts.Strategy != StrategyNoCache {
			out[k] = &Result{Data: payload, Hit: true, Source: SourceCache}
			o.metrics.IncCounter("cache_hits", map[string]string{"cache": "smart"})
			continue
		}
		missing = append(missing, k)
	}
	if len(missing) == 0 {
		return out, nil
	}

	if o.limiter != nil {
		if err := o.limiter.Acquire(ctx); err != nil {
			return nil, errs.Wrap(err, errs.CodeSmartCacheOverloaded, "concurrency bound wait")
		}
		defer o.limiter.Release()
	}
	fctx, cancel := context.WithTimeout(ctx, o.cfg.OperationTimeout)
	defer cancel()
	fetched, err := fetchMissing(fctx, missing)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeSmartCacheFetchFailed, "batch upstream fetch")
	}
	ttl := o.ttlFor(ctx, opts)
	for _, k := range missing {
		payload, ok := fetched[k]
		if !ok {
			continue
		}
		if opts.Strategy != StrategyNoCache {
			if err := o.store.Set(ctx, k, payload, ttl); err != nil {
				log.Debug().Str("key", k).Err(err).Msg("batch store failed")
			}
		}
		out[k] = &Result{Data: payload, Source: SourceFetch, TTLRemaining: ttl}
		o.metrics.IncCounter("cache_misses", map[string]string{"cache": "smart"})
	}
	return out, nil
}

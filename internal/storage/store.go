// Package storage implements the composed storage port: a fast KV cache plus
// a durable document store behind one interface, with envelope wrapping,
// compression, per-key fetch coalescing and circuit-breaker-guarded pattern
// invalidation.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/ports"
)

// Write path policies.
const (
	PolicyCacheOnly      = "cache_only"
	PolicyPersistentOnly = "persistent_only"
	PolicyBoth           = "both"
)

const kvCollection = "kv_cache"

// durableDoc is the persistence wrapper for KV entries written through to the
// document store.
type durableDoc struct {
	Envelope  json.RawMessage `json:"envelope"`
	ExpiresAt int64           `json:"expires_at"` // epoch ms, 0 = no expiry
}

// Stats is the storage port's self-reported performance view.
type Stats struct {
	Hits          int64     `json:"hits"`
	Misses        int64     `json:"misses"`
	Operations    int64     `json:"operations"`
	AvgResponseMS float64   `json:"avg_response_time_ms"`
	HitRatio      float64   `json:"hit_ratio"`
	LastResetTime time.Time `json:"last_reset_time"`
	ScanBreaker   string    `json:"scan_breaker"`
	DeferredScans int       `json:"deferred_scans"`
}

// Store composes the fast cache and the durable store. All values are wrapped
// in envelopes; reads fall back from cache to persistent, optionally refilling
// the cache on the way out.
type Store struct {
	fast    ports.KVStore
	durable ports.DocStore
	guard   *ScanGuard
	cfg     config.StorageConfig
	clock   ports.Clock
	metrics ports.Metrics
	group   singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	ops       atomic.Int64
	latencyNs atomic.Int64

	mu        sync.Mutex
	lastReset time.Time
}

// New builds a Store. durable may be nil for cache-only deployments.
func New(fast ports.KVStore, durable ports.DocStore, cfg config.StorageConfig, clock ports.Clock, m ports.Metrics) *Store {
	if clock == nil {
		clock = ports.RealClock{}
	}
	if m == nil {
		m = ports.NopMetrics{}
	}
	return &Store{
		fast:      fast,
		durable:   durable,
		guard:     NewScanGuard(fast, cfg.Scan),
		cfg:       cfg,
		clock:     clock,
		metrics:   m,
		lastReset: clock.Now(),
	}
}

// Guard exposes the SCAN circuit breaker for invalidation consumers.
func (s *Store) Guard() *ScanGuard { return s.guard }

// BuildKey joins key parts under the configured prefix and enforces the
// maximum key length.
func (s *Store) BuildKey(parts ...string) (string, error) {
	key := s.cfg.KeyPrefix + ":" + strings.Join(parts, ":")
	if s.cfg.MaxKeyLength > 0 && len(key) > s.cfg.MaxKeyLength {
		return "", errs.Newf(errs.CodeStorageKeyTooLong, "key length %d exceeds %d", len(key), s.cfg.MaxKeyLength)
	}
	return key, nil
}

func (s *Store) observe(op string, start time.Time, err error) {
	elapsed := s.clock.Now().Sub(start)
	s.ops.Add(1)
	s.latencyNs.Add(elapsed.Nanoseconds())
	result := "ok"
	if err != nil && !errors.Is(err, ports.ErrNotFound) {
		result = "error"
	}
	s.metrics.IncCounter("storage_operations", map[string]string{"op": op, "result": result})
	s.metrics.ObserveHistogram("storage_latency_seconds", map[string]string{"op": op}, elapsed.Seconds())
}

// Set wraps payload in an envelope and writes it per the write policy.
func (s *Store) Set(ctx context.Context, key string, payload json.RawMessage, ttl time.Duration) error {
	start := s.clock.Now()
	env, err := WrapPayload(payload, start, s.cfg.CompressionThresholdBytes)
	if err != nil {
		return err
	}
	err = s.setEnvelope(ctx, key, env, ttl)
	s.observe("set", start, err)
	return err
}

func (s *Store) setEnvelope(ctx context.Context, key string, env *Envelope, ttl time.Duration) error {
	encoded, err := env.Encode()
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	policy := s.cfg.WritePolicy

	if policy == PolicyCacheOnly || policy == PolicyBoth {
		err := Retry(ctx, s.cfg.Retry, "kv_set", func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
			defer cancel()
			if e := s.fast.Set(ctx, key, encoded, ttl); e != nil {
				return errs.Wrap(e, errs.CodeStorageUnavailable, "cache set")
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if s.durable != nil && (policy == PolicyPersistentOnly || policy == PolicyBoth) {
		doc := durableDoc{Envelope: encoded, ExpiresAt: s.clock.Now().Add(ttl).UnixMilli()}
		raw, _ := json.Marshal(doc)
		err := Retry(ctx, s.cfg.Retry, "doc_set", func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
			defer cancel()
			if e := s.durable.PutDoc(ctx, kvCollection, key, raw); e != nil {
				return errs.Wrap(e, errs.CodeStorageUnavailable, "durable set")
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Get returns the unwrapped payload for key.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, error) {
	env, _, err := s.GetEnvelope(ctx, key)
	if err != nil {
		return nil, err
	}
	return env.Payload()
}

// GetEnvelope reads the envelope and its remaining TTL, falling back from the
// fast cache to the durable store.
func (s *Store) GetEnvelope(ctx context.Context, key string) (*Envelope, time.Duration, error) {
	start := s.clock.Now()
	env, ttl, err := s.getEnvelope(ctx, key)
	s.observe("get", start, err)
	if err == nil {
		s.hits.Add(1)
	} else if errors.Is(err, ports.ErrNotFound) {
		s.misses.Add(1)
	}
	return env, ttl, err
}

func (s *Store) getEnvelope(ctx context.Context, key string) (*Envelope, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	raw, err := s.fast.Get(ctx, key)
	if err == nil {
		env, derr := DecodeEnvelope(raw)
		if derr != nil {
			return nil, 0, derr
		}
		ttl, terr := s.fast.TTL(ctx, key)
		if terr != nil {
			ttl = 0
		}
		return env, ttl, nil
	}
	if !errors.Is(err, ports.ErrNotFound) {
		log.Debug().Str("key", key).Err(err).Msg("fast cache read failed, falling back to durable store")
	}
	if s.durable == nil {
		return nil, 0, ports.ErrNotFound
	}

	docRaw, derr := s.durable.GetDoc(ctx, kvCollection, key)
	if derr != nil {
		if errors.Is(derr, ports.ErrNotFound) {
			return nil, 0, ports.ErrNotFound
		}
		return nil, 0, errs.Wrap(derr, errs.CodeStorageUnavailable, "durable get")
	}
	var doc durableDoc
	if err := json.Unmarshal(docRaw, &doc); err != nil {
		return nil, 0, errs.Wrap(err, errs.CodeDataCorrupted, "decode durable doc")
	}
	now := s.clock.Now()
	var remaining time.Duration
	if doc.ExpiresAt > 0 {
		remaining = time.UnixMilli(doc.ExpiresAt).Sub(now)
		if remaining <= 0 {
			return nil, 0, ports.ErrNotFound
		}
	}
	env, eerr := DecodeEnvelope(doc.Envelope)
	if eerr != nil {
		return nil, 0, eerr
	}
	if s.cfg.ReadThroughRefill {
		if err := s.fast.Set(ctx, key, doc.Envelope, remaining); err != nil {
			log.Debug().Str("key", key).Err(err).Msg("cache refill failed")
		}
	}
	return env, remaining, nil
}

// Delete removes key from both backends.
func (s *Store) Delete(ctx context.Context, keys ...string) (int, error) {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	n, err := s.fast.Delete(ctx, keys...)
	if s.durable != nil {
		for _, k := range keys {
			if derr := s.durable.DeleteDoc(ctx, kvCollection, k); derr != nil && !errors.Is(derr, ports.ErrNotFound) {
				log.Debug().Str("key", k).Err(derr).Msg("durable delete failed")
			}
		}
	}
	s.observe("delete", start, err)
	return n, err
}

// Exists checks the fast cache, then the durable store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	ok, err := s.fast.Exists(ctx, key)
	if err == nil && ok {
		return true, nil
	}
	if s.durable == nil {
		return ok, err
	}
	if _, derr := s.durable.GetDoc(ctx, kvCollection, key); derr == nil {
		return true, nil
	}
	return false, nil
}

// BatchGet reads many keys in one round trip. Repeated keys are deduplicated.
func (s *Store) BatchGet(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	start := s.clock.Now()
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			uniq = append(uniq, k)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	raw, err := s.fast.MGet(ctx, uniq)
	s.observe("batch_get", start, err)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeStorageUnavailable, "batch get")
	}
	out := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		env, derr := DecodeEnvelope(v)
		if derr != nil {
			continue
		}
		payload, perr := env.Payload()
		if perr != nil {
			continue
		}
		out[k] = payload
		s.hits.Add(1)
	}
	s.misses.Add(int64(len(uniq) - len(out)))
	return out, nil
}

// BatchSet writes many key/payload pairs under one TTL.
func (s *Store) BatchSet(ctx context.Context, values map[string]json.RawMessage, ttl time.Duration) error {
	for k, v := range values {
		if err := s.Set(ctx, k, v, ttl); err != nil {
			return err
		}
	}
	return nil
}

// BatchDelete removes many keys.
func (s *Store) BatchDelete(ctx context.Context, keys []string) (int, error) {
	return s.Delete(ctx, keys...)
}

// Clear removes keys matching pattern through the guarded scanner; an empty
// pattern clears everything under the configured prefix.
func (s *Store) Clear(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		pattern = s.cfg.KeyPrefix + ":*"
	}
	return s.guard.DeleteByPattern(ctx, pattern)
}

// Scan lists up to limit keys matching pattern.
func (s *Store) Scan(ctx context.Context, pattern string, limit int64) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := s.fast.Scan(ctx, cursor, pattern, s.cfg.Scan.InitialCount)
		if err != nil {
			return out, errs.Wrap(err, errs.CodeStorageScanFailed, "scan")
		}
		out = append(out, keys...)
		if limit > 0 && int64(len(out)) >= limit {
			return out[:int(limit)], nil
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// GetOrSet returns the cached payload for key, or runs factory under a
// process-wide per-key lock, stores the result and returns it. Concurrent
// callers for the same missing key coalesce onto one factory invocation.
func (s *Store) GetOrSet(ctx context.Context, key string, ttl time.Duration, factory func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, bool, error) {
	if payload, err := s.Get(ctx, key); err == nil {
		return payload, true, nil
	} else if !errors.Is(err, ports.ErrNotFound) {
		return nil, false, err
	}

	ch := s.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.Background(), s.cfg.OperationTimeout)
		defer cancel()
		payload, err := factory(fctx)
		if err != nil {
			return nil, err
		}
		if err := s.Set(fctx, key, payload, ttl); err != nil {
			log.Warn().Str("key", key).Err(err).Msg("getOrSet store failed, returning fetched value")
		}
		return payload, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(json.RawMessage), false, nil
	case <-ctx.Done():
		return nil, false, errs.Wrap(ctx.Err(), errs.CodeStorageTimeout, fmt.Sprintf("getOrSet wait for %s", key))
	}
}

// Stats reports hit/miss/latency counters since the last reset.
func (s *Store) Stats() Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()
	ops := s.ops.Load()
	var avg float64
	if ops > 0 {
		avg = float64(s.latencyNs.Load()) / float64(ops) / 1e6
	}
	var ratio float64
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}
	s.mu.Lock()
	reset := s.lastReset
	s.mu.Unlock()
	return Stats{
		Hits:          hits,
		Misses:        misses,
		Operations:    ops,
		AvgResponseMS: avg,
		HitRatio:      ratio,
		LastResetTime: reset,
		ScanBreaker:   s.guard.State(),
		DeferredScans: s.guard.DeferredCount(),
	}
}

// ResetStats zeroes the counters.
func (s *Store) ResetStats() {
	s.hits.Store(0)
	s.misses.Store(0)
	s.ops.Store(0)
	s.latencyNs.Store(0)
	s.mu.Lock()
	s.lastReset = s.clock.Now()
	s.mu.Unlock()
}

// Health pings both backends.
func (s *Store) Health(ctx context.Context) map[string]string {
	out := map[string]string{"fast": "ok"}
	if err := s.fast.Ping(ctx); err != nil {
		out["fast"] = err.Error()
	}
	if s.durable != nil {
		out["durable"] = "ok"
		if err := s.durable.Ping(ctx); err != nil {
			out["durable"] = err.Error()
		}
	}
	return out
}

// Ping checks the fast backend only; it is the liveness gate.
func (s *Store) Ping(ctx context.Context) error {
	return s.fast.Ping(ctx)
}

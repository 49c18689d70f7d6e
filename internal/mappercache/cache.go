// Package mappercache caches mapping-rule lookups in three namespaces:
// best-match rules, rules by id, and per-provider rule lists. Pattern
// invalidation goes through the storage scan guard so a misbehaving backend
// degrades invalidation instead of failing requests.
package mappercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/ports"
	"github.com/quotewire/quotewire/internal/rules"
	"github.com/quotewire/quotewire/internal/storage"
)

// Cache-visible key domains; stable across releases.
const (
	domainBestRule      = "best_rule"
	domainRuleByID      = "rule_by_id"
	domainProviderRules = "provider_rules"
)

// Metrics is the cache's self-reported counters.
type Metrics struct {
	Hits          int64     `json:"hits"`
	Misses        int64     `json:"misses"`
	Operations    int64     `json:"operations"`
	AvgResponseMS float64   `json:"avg_response_time_ms"`
	HitRatio      float64   `json:"hit_ratio"`
	LastResetTime time.Time `json:"last_reset_time"`
}

// Cache fronts the rule store namespaces.
type Cache struct {
	store   *storage.Store
	cfg     config.MapperCacheConfig
	clock   ports.Clock
	metrics ports.Metrics

	hits      atomic.Int64
	misses    atomic.Int64
	ops       atomic.Int64
	latencyNs atomic.Int64

	mu        sync.Mutex
	lastReset time.Time
}

// New builds the rule cache over the storage port.
func New(store *storage.Store, cfg config.MapperCacheConfig, clock ports.Clock, m ports.Metrics) *Cache {
	if clock == nil {
		clock = ports.RealClock{}
	}
	if m == nil {
		m = ports.NopMetrics{}
	}
	return &Cache{store: store, cfg: cfg, clock: clock, metrics: m, lastReset: clock.Now()}
}

func bestRuleKeyParts(provider string, apiType rules.APIType, listType rules.RuleListType) []string {
	return []string{domainBestRule, provider, string(apiType), string(listType)}
}

func (c *Cache) observe(start time.Time, hit *bool) {
	c.ops.Add(1)
	c.latencyNs.Add(c.clock.Now().Sub(start).Nanoseconds())
	if hit == nil {
		return
	}
	if *hit {
		c.hits.Add(1)
		c.metrics.IncCounter("cache_hits", map[string]string{"cache": "mapper"})
	} else {
		c.misses.Add(1)
		c.metrics.IncCounter("cache_misses", map[string]string{"cache": "mapper"})
	}
}

// CacheBestMatchingRule stores the best-match result for a lookup tuple.
func (c *Cache) CacheBestMatchingRule(ctx context.Context, provider string, apiType rules.APIType, listType rules.RuleListType, rule *rules.MappingRule) error {
	start := c.clock.Now()
	defer c.observe(start, nil)
	key, err := c.store.BuildKey(bestRuleKeyParts(provider, apiType, listType)...)
	if err != nil {
		return err
	}
	return c.putRule(ctx, key, rule)
}

// GetCachedBestMatchingRule returns the cached best-match rule or nil on miss.
func (c *Cache) GetCachedBestMatchingRule(ctx context.Context, provider string, apiType rules.APIType, listType rules.RuleListType) (*rules.MappingRule, error) {
	start := c.clock.Now()
	key, err := c.store.BuildKey(bestRuleKeyParts(provider, apiType, listType)...)
	if err != nil {
		return nil, err
	}
	rule, err := c.getRule(ctx, key)
	hit := err == nil && rule != nil
	c.observe(start, &hit)
	return rule, err
}

// CacheRuleById stores a rule under its id. Repeated calls are idempotent.
func (c *Cache) CacheRuleById(ctx context.Context, rule *rules.MappingRule) error {
	start := c.clock.Now()
	defer c.observe(start, nil)
	key, err := c.store.BuildKey(domainRuleByID, rule.ID)
	if err != nil {
		return err
	}
	return c.putRule(ctx, key, rule)
}

// GetCachedRuleById returns the cached rule or nil on miss.
func (c *Cache) GetCachedRuleById(ctx context.Context, id string) (*rules.MappingRule, error) {
	start := c.clock.Now()
	key, err := c.store.BuildKey(domainRuleByID, id)
	if err != nil {
		return nil, err
	}
	rule, err := c.getRule(ctx, key)
	hit := err == nil && rule != nil
	c.observe(start, &hit)
	return rule, err
}

// CacheProviderRules stores a provider's active rule list.
func (c *Cache) CacheProviderRules(ctx context.Context, provider string, apiType rules.APIType, list []*rules.MappingRule) error {
	start := c.clock.Now()
	defer c.observe(start, nil)
	key, err := c.store.BuildKey(domainProviderRules, provider, string(apiType))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, key, payload, c.cfg.RuleTTL)
}

// GetCachedProviderRules returns the cached rule list or nil on miss.
func (c *Cache) GetCachedProviderRules(ctx context.Context, provider string, apiType rules.APIType) ([]*rules.MappingRule, error) {
	start := c.clock.Now()
	key, err := c.store.BuildKey(domainProviderRules, provider, string(apiType))
	if err != nil {
		return nil, err
	}
	payload, err := c.store.Get(ctx, key)
	if errors.Is(err, ports.ErrNotFound) {
		miss := false
		c.observe(start, &miss)
		return nil, nil
	}
	if err != nil {
		c.observe(start, nil)
		return nil, err
	}
	var list []*rules.MappingRule
	if err := json.Unmarshal(payload, &list); err != nil {
		c.observe(start, nil)
		return nil, err
	}
	hit := true
	c.observe(start, &hit)
	return list, nil
}

func (c *Cache) putRule(ctx context.Context, key string, rule *rules.MappingRule) error {
	payload, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, key, payload, c.cfg.RuleTTL)
}

func (c *Cache) getRule(ctx context.Context, key string) (*rules.MappingRule, error) {
	payload, err := c.store.Get(ctx, key)
	if errors.Is(err, ports.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rule rules.MappingRule
	if err := json.Unmarshal(payload, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// InvalidateRuleCache drops the by-id entry and, when the rule snapshot is
// known, the dependent best-match and provider-list entries.
func (c *Cache) InvalidateRuleCache(ctx context.Context, id string, rule *rules.MappingRule) error {
	idKey, err := c.store.BuildKey(domainRuleByID, id)
	if err != nil {
		return err
	}
	keys := []string{idKey}
	if rule != nil {
		if k, err := c.store.BuildKey(bestRuleKeyParts(rule.Provider, rule.APIType, rule.RuleListType)...); err == nil {
			keys = append(keys, k)
		}
		if k, err := c.store.BuildKey(domainProviderRules, rule.Provider, string(rule.APIType)); err == nil {
			keys = append(keys, k)
		}
	}
	_, err = c.store.Delete(ctx, keys...)
	return err
}

// InvalidateProviderCache drops every rule entry mentioning the provider.
// SCAN failures are absorbed by the guard; repeated calls converge to the
// same empty post-state.
func (c *Cache) InvalidateProviderCache(ctx context.Context, provider string) error {
	guard := c.store.Guard()
	for _, domain := range []string{domainBestRule, domainProviderRules} {
		pattern, err := c.store.BuildKey(domain, provider, "*")
		if err != nil {
			return err
		}
		explicit, _ := c.store.BuildKey(domain, provider)
		if _, err := guard.DeleteByPattern(ctx, pattern, explicit); err != nil {
			return err
		}
	}
	log.Debug().Str("provider", provider).Msg("provider rule cache invalidated")
	return nil
}

// ClearAllRuleCache drops all three namespaces.
func (c *Cache) ClearAllRuleCache(ctx context.Context) error {
	guard := c.store.Guard()
	for _, domain := range []string{domainBestRule, domainRuleByID, domainProviderRules} {
		pattern, err := c.store.BuildKey(domain, "*")
		if err != nil {
			return err
		}
		if _, err := guard.DeleteByPattern(ctx, pattern); err != nil {
			return err
		}
	}
	return nil
}

// WarmupCache preloads rule snapshots after startup or bulk rule changes.
func (c *Cache) WarmupCache(ctx context.Context, list []*rules.MappingRule) error {
	for _, rule := range list {
		if rule.State != rules.StateActive {
			continue
		}
		if err := c.CacheRuleById(ctx, rule); err != nil {
			return fmt.Errorf("warmup rule %s: %w", rule.ID, err)
		}
	}
	log.Info().Int("rules", len(list)).Msg("rule cache warmed")
	return nil
}

// Snapshot reports the cache counters.
func (c *Cache) Snapshot() Metrics {
	hits := c.hits.Load()
	misses := c.misses.Load()
	ops := c.ops.Load()
	var avg, ratio float64
	if ops > 0 {
		avg = float64(c.latencyNs.Load()) / float64(ops) / 1e6
	}
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}
	c.mu.Lock()
	reset := c.lastReset
	c.mu.Unlock()
	return Metrics{
		Hits:          hits,
		Misses:        misses,
		Operations:    ops,
		AvgResponseMS: avg,
		HitRatio:      ratio,
		LastResetTime: reset,
	}
}

// ResetMetrics zeroes the counters.
func (c *Cache) ResetMetrics() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.ops.Store(0)
	c.latencyNs.Store(0)
	c.mu.Lock()
	c.lastReset = c.clock.Now()
	c.mu.Unlock()
}

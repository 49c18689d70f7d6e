package mappercache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/rules"
	"github.com/quotewire/quotewire/internal/storage"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	storeCfg := config.Default().Storage
	storeCfg.WritePolicy = storage.PolicyCacheOnly
	store := storage.New(storage.NewMemoryKV(nil), storage.NewMemoryDoc(), storeCfg, nil, nil)
	return New(store, config.MapperCacheConfig{RuleTTL: time.Minute, MaxBatchSize: 50}, nil, nil)
}

func testRule(id string) *rules.MappingRule {
	return &rules.MappingRule{
		ID:           id,
		Provider:     "longport",
		APIType:      rules.APIRest,
		RuleListType: rules.RuleListQuote,
		State:        rules.StateActive,
		UpdatedAt:    time.Now().UTC().Truncate(time.Second),
		Mappings:     []rules.FieldMapping{{SourcePath: "px", TargetPath: "last"}},
	}
}

func TestCache_BestMatchingRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	got, err := c.GetCachedBestMatchingRule(ctx, "longport", rules.APIRest, rules.RuleListQuote)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, c.CacheBestMatchingRule(ctx, "longport", rules.APIRest, rules.RuleListQuote, testRule("r1")))
	got, err = c.GetCachedBestMatchingRule(ctx, "longport", rules.APIRest, rules.RuleListQuote)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r1", got.ID)
	assert.Len(t, got.Mappings, 1)

	snap := c.Snapshot()
	assert.Equal(t, int64(1), snap.Hits)
	assert.Equal(t, int64(1), snap.Misses)
	assert.Equal(t, 0.5, snap.HitRatio)
}

func TestCache_RuleByIDRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.CacheRuleById(ctx, testRule("r9")))
	got, err := c.GetCachedRuleById(ctx, "r9")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r9", got.ID)

	got, err = c.GetCachedRuleById(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCache_ProviderRulesRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	list := []*rules.MappingRule{testRule("a"), testRule("b")}
	require.NoError(t, c.CacheProviderRules(ctx, "longport", rules.APIRest, list))
	got, err := c.GetCachedProviderRules(ctx, "longport", rules.APIRest)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
}

func TestCache_InvalidateRuleCache(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	rule := testRule("r1")

	require.NoError(t, c.CacheRuleById(ctx, rule))
	require.NoError(t, c.CacheBestMatchingRule(ctx, rule.Provider, rule.APIType, rule.RuleListType, rule))
	require.NoError(t, c.CacheProviderRules(ctx, rule.Provider, rule.APIType, []*rules.MappingRule{rule}))

	require.NoError(t, c.InvalidateRuleCache(ctx, rule.ID, rule))

	got, err := c.GetCachedRuleById(ctx, rule.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = c.GetCachedBestMatchingRule(ctx, rule.Provider, rule.APIType, rule.RuleListType)
	require.NoError(t, err)
	assert.Nil(t, got)
	list, err := c.GetCachedProviderRules(ctx, rule.Provider, rule.APIType)
	require.NoError(t, err)
	assert.Nil(t, list)
}

func TestCache_InvalidateProviderCache(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	rule := testRule("r1")

	require.NoError(t, c.CacheBestMatchingRule(ctx, "longport", rules.APIRest, rules.RuleListQuote, rule))
	require.NoError(t, c.CacheRuleById(ctx, rule))

	require.NoError(t, c.InvalidateProviderCache(ctx, "longport"))

	got, err := c.GetCachedBestMatchingRule(ctx, "longport", rules.APIRest, rules.RuleListQuote)
	require.NoError(t, err)
	assert.Nil(t, got)
	// By-id entries survive provider invalidation.
	got, err = c.GetCachedRuleById(ctx, "r1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestCache_ClearAll(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.CacheRuleById(ctx, testRule("r1")))
	require.NoError(t, c.CacheBestMatchingRule(ctx, "longport", rules.APIRest, rules.RuleListQuote, testRule("r2")))
	require.NoError(t, c.ClearAllRuleCache(ctx))

	got, err := c.GetCachedRuleById(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCache_Warmup(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	inactive := testRule("inactive")
	inactive.State = rules.StateInactive
	require.NoError(t, c.WarmupCache(ctx, []*rules.MappingRule{testRule("r1"), inactive}))

	got, err := c.GetCachedRuleById(ctx, "r1")
	require.NoError(t, err)
	assert.NotNil(t, got)
	got, err = c.GetCachedRuleById(ctx, "inactive")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCache_ResetMetrics(t *testing.T) {
	c := newTestCache(t)
	_, err := c.GetCachedRuleById(context.Background(), "missing")
	require.NoError(t, err)
	require.NotZero(t, c.Snapshot().Operations)

	c.ResetMetrics()
	snap := c.Snapshot()
	assert.Zero(t, snap.Hits)
	assert.Zero(t, snap.Misses)
	assert.Zero(t, snap.Operations)
}

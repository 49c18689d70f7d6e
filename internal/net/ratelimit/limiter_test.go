package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotewire/quotewire/internal/config"
)

func TestProviderLimiter_BurstThenThrottle(t *testing.T) {
	l := NewProviderLimiter(1, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("quote"), "burst token %d", i)
	}
	assert.False(t, l.Allow("quote"))
}

func TestProviderLimiter_CapabilityIsolation(t *testing.T) {
	l := NewProviderLimiter(1, 1)

	require.True(t, l.Allow("quote"))
	require.False(t, l.Allow("quote"))
	// Draining quote leaves market_status untouched.
	assert.True(t, l.Allow("market_status"))
}

func TestProviderLimiter_Wait(t *testing.T) {
	l := NewProviderLimiter(1000, 1)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "quote"))
	// The second wait needs a refill; at 1000 rps that is ~1ms.
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "quote"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// A canceled context aborts the wait.
	drained := NewProviderLimiter(0.001, 1)
	require.True(t, drained.Allow("quote"))
	canceled, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.Error(t, drained.Wait(canceled, "quote"))
}

func TestProviderLimiter_SetRPS(t *testing.T) {
	l := NewProviderLimiter(1, 1)
	require.True(t, l.Allow("quote"))

	l.SetRPS(1000)
	stats := l.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, float64(1000), stats[0].RPS)
}

func TestProviderLimiter_Stats(t *testing.T) {
	l := NewProviderLimiter(10, 5)
	l.Allow("quote")
	l.Allow("depth")

	stats := l.Stats()
	require.Len(t, stats, 2)
	byCap := make(map[string]BucketStats)
	for _, s := range stats {
		byCap[s.Capability] = s
	}
	assert.Equal(t, 5, byCap["quote"].Burst)
	assert.False(t, byCap["quote"].Throttled())
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(map[string]config.ProviderConfig{
		"longport": {Enabled: true, RPS: 1, Burst: 1},
		"disabled": {Enabled: false, RPS: 100, Burst: 100},
	})
	ctx := context.Background()

	t.Run("configured_provider_throttles", func(t *testing.T) {
		assert.True(t, reg.Allow("longport", "quote"))
		assert.False(t, reg.Allow("longport", "quote"))
	})

	t.Run("unknown_provider_passes_through", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			require.True(t, reg.Allow("iex", "quote"))
		}
		require.NoError(t, reg.Wait(ctx, "iex", "quote"))
	})

	t.Run("disabled_provider_passes_through", func(t *testing.T) {
		assert.True(t, reg.Allow("disabled", "quote"))
	})

	t.Run("stats_cover_configured_providers", func(t *testing.T) {
		stats := reg.Stats()
		require.Contains(t, stats, "longport")
		assert.NotContains(t, stats, "disabled")
	})
}

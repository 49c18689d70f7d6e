package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "both", cfg.Storage.WritePolicy)
	assert.Equal(t, 100, cfg.SymbolMap.L1Size)
	assert.Equal(t, 10000, cfg.SymbolMap.L2Size)
	assert.Equal(t, 500, cfg.SymbolMap.L3Size)
	assert.Equal(t, 60*time.Second, cfg.SmartCache.StrongTTL)
	assert.Equal(t, 10*time.Minute, cfg.Recovery.MaxRecoveryWindow)
	assert.Equal(t, 5, cfg.Stream.ConsecutiveErrorTrip)
	assert.Equal(t, 10, cfg.Stream.CumulativeErrorTrip)
}

func TestDefault_HKLunchBreak(t *testing.T) {
	hk := Default().Markets["HK"]
	require.Len(t, hk.Sessions, 2)
	assert.Equal(t, "12:00", hk.Sessions[0].Close)
	assert.Equal(t, "13:00", hk.Sessions[1].Open)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
storage:
  redis_addr: "redis:6379"
  write_policy: cache_only
symbol_map:
  l1_size: 42
smart_cache:
  strong_ttl: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis:6379", cfg.Storage.RedisAddr)
	assert.Equal(t, "cache_only", cfg.Storage.WritePolicy)
	assert.Equal(t, 42, cfg.SymbolMap.L1Size)
	assert.Equal(t, 30*time.Second, cfg.SmartCache.StrongTTL)
	// Untouched values keep defaults.
	assert.Equal(t, 10000, cfg.SymbolMap.L2Size)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Storage.KeyPrefix, cfg.Storage.KeyPrefix)
}

func TestValidate_Rejections(t *testing.T) {
	t.Run("bad_write_policy", func(t *testing.T) {
		cfg := Default()
		cfg.Storage.WritePolicy = "write_around"
		assert.Error(t, cfg.Validate())
	})
	t.Run("bad_retry_strategy", func(t *testing.T) {
		cfg := Default()
		cfg.Recovery.RetryStrategy = "fibonacci"
		assert.Error(t, cfg.Validate())
	})
	t.Run("adaptation_factor_must_exceed_one", func(t *testing.T) {
		cfg := Default()
		cfg.SmartCache.AdaptationFactor = 1.0
		assert.Error(t, cfg.Validate())
	})
	t.Run("bad_timezone", func(t *testing.T) {
		cfg := Default()
		m := cfg.Markets["HK"]
		m.Timezone = "Mars/Olympus"
		cfg.Markets["HK"] = m
		assert.Error(t, cfg.Validate())
	})
	t.Run("nonpositive_cache_size", func(t *testing.T) {
		cfg := Default()
		cfg.SymbolMap.L3Size = 0
		assert.Error(t, cfg.Validate())
	})
}

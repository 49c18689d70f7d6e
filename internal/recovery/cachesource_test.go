package recovery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/storage"
)

func newWarmStore(t *testing.T) *storage.Store {
	t.Helper()
	cfg := config.Default().Storage
	cfg.WritePolicy = storage.PolicyCacheOnly
	return storage.New(storage.NewMemoryKV(nil), storage.NewMemoryDoc(), cfg, nil, nil)
}

func TestCacheSource_QueryRange(t *testing.T) {
	store := newWarmStore(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "warm:0700.HK", json.RawMessage(`{"last": 385.2}`), time.Minute))

	src := NewCacheSource(store, "warm:")
	now := time.Now()

	ticks, err := src.QueryRange(ctx, []string{"0700.HK", "AAPL.US"}, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, "0700.HK", ticks[0].Symbol)
	assert.JSONEq(t, `{"last": 385.2}`, string(ticks[0].Payload))
	assert.WithinDuration(t, now, ticks[0].Timestamp, 5*time.Second)
}

func TestCacheSource_WindowExcludesEntry(t *testing.T) {
	store := newWarmStore(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "warm:0700.HK", json.RawMessage(`{"last": 1}`), time.Minute))

	src := NewCacheSource(store, "warm:")
	past := time.Now().Add(-time.Hour)

	ticks, err := src.QueryRange(ctx, []string{"0700.HK"}, past.Add(-time.Minute), past)
	require.NoError(t, err)
	assert.Empty(t, ticks)
}

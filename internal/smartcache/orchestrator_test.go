package smartcache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/marketstatus"
	"github.com/quotewire/quotewire/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func testCacheConfig() config.SmartCacheConfig {
	return config.SmartCacheConfig{
		StrongTTL:             60 * time.Second,
		StrongRefreshRatio:    0.2,
		ForceRefreshInterval:  5 * time.Minute,
		WeakTTL:               10 * time.Minute,
		WeakRefreshRatio:      0.1,
		MinUpdateInterval:     30 * time.Second,
		OpenMarketTTL:         5 * time.Second,
		ClosedMarketTTL:       5 * time.Minute,
		AdaptiveBaseTTL:       60 * time.Second,
		AdaptiveMinTTL:        5 * time.Second,
		AdaptiveMaxTTL:        10 * time.Minute,
		AdaptationFactor:      2.0,
		ChangeDetectionWindow: 10,
		EnableFallback:        true,
		OperationTimeout:      2 * time.Second,
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *storage.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 8, 24, 2, 0, 0, 0, time.UTC)}
	storeCfg := config.Default().Storage
	storeCfg.WritePolicy = storage.PolicyCacheOnly
	store := storage.New(storage.NewMemoryKV(clock), storage.NewMemoryDoc(), storeCfg, clock, nil)
	market := marketstatus.New(config.Default().Markets, clock, nil)
	o, err := New(store, market, testCacheConfig(), clock, nil, nil)
	require.NoError(t, err)
	return o, store, clock
}

// countingFetch returns the payload and tracks invocations.
func countingFetch(payload string) (FetchFunc, *int) {
	calls := new(int)
	return func(ctx context.Context) (json.RawMessage, error) {
		*calls++
		return json.RawMessage(payload), nil
	}, calls
}

func TestGetOrSet_MissThenHit(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	fetch, calls := countingFetch(`{"px":1}`)
	opts := Options{Strategy: StrategyStrongTimeliness}

	res, err := o.GetOrSet(ctx, "quote:longport:0700.HK", fetch, opts)
	require.NoError(t, err)
	assert.False(t, res.Hit)
	assert.Equal(t, SourceFetch, res.Source)
	assert.JSONEq(t, `{"px":1}`, string(res.Data))
	assert.Equal(t, 1, *calls)

	res, err = o.GetOrSet(ctx, "quote:longport:0700.HK", fetch, opts)
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, 1, *calls)
	assert.Greater(t, res.TTLRemaining, time.Duration(0))
}

func TestGetOrSet_NoCacheAlwaysFetches(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	ctx := context.Background()
	fetch, calls := countingFetch(`{"px":2}`)
	opts := Options{Strategy: StrategyNoCache}

	for i := 0; i < 3; i++ {
		res, err := o.GetOrSet(ctx, "k", fetch, opts)
		require.NoError(t, err)
		assert.False(t, res.Hit)
		assert.Equal(t, SourceFetch, res.Source)
	}
	assert.Equal(t, 3, *calls)

	// Nothing was written through.
	ok, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetOrSet_StaleHitTriggersBackgroundRefresh(t *testing.T) {
	o, store, clock := newTestOrchestrator(t)
	ctx := context.Background()
	opts := Options{Strategy: StrategyStrongTimeliness}

	fetch, _ := countingFetch(`{"v":"old"}`)
	_, err := o.GetOrSet(ctx, "k", fetch, opts)
	require.NoError(t, err)

	// 50s into a 60s TTL leaves 10s, under the 0.2 refresh ratio.
	clock.Advance(50 * time.Second)
	fresh, freshCalls := countingFetch(`{"v":"new"}`)
	res, err := o.GetOrSet(ctx, "k", fresh, opts)
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.JSONEq(t, `{"v":"old"}`, string(res.Data))
	assert.True(t, res.BackgroundRefreshTriggered)

	o.Close()
	assert.Equal(t, 1, *freshCalls)
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"new"}`, string(got))
}

func TestGetOrSet_FreshHitDoesNotRefresh(t *testing.T) {
	o, _, clock := newTestOrchestrator(t)
	ctx := context.Background()
	opts := Options{Strategy: StrategyStrongTimeliness}

	fetch, calls := countingFetch(`{"v":1}`)
	_, err := o.GetOrSet(ctx, "k", fetch, opts)
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	res, err := o.GetOrSet(ctx, "k", fetch, opts)
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.False(t, res.BackgroundRefreshTriggered)
	assert.Equal(t, 1, *calls)
}

func TestGetOrSet_ForceRefreshInterval(t *testing.T) {
	o, store, clock := newTestOrchestrator(t)
	o.cfg.ForceRefreshInterval = 20 * time.Second
	ctx := context.Background()
	opts := Options{Strategy: StrategyStrongTimeliness}

	fetch, _ := countingFetch(`{"v":"old"}`)
	_, err := o.GetOrSet(ctx, "k", fetch, opts)
	require.NoError(t, err)

	// 25s leaves 35s of TTL (not stale) but exceeds the force interval.
	clock.Advance(25 * time.Second)
	fresh, _ := countingFetch(`{"v":"new"}`)
	res, err := o.GetOrSet(ctx, "k", fresh, opts)
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.True(t, res.BackgroundRefreshTriggered)

	o.Close()
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"new"}`, string(got))
}

func TestGetOrSet_WeakMinUpdateInterval(t *testing.T) {
	o, _, clock := newTestOrchestrator(t)
	defer o.Close()
	ctx := context.Background()
	opts := Options{Strategy: StrategyWeakTimeliness}

	fetch, _ := countingFetch(`{"v":1}`)
	_, err := o.GetOrSet(ctx, "k", fetch, opts)
	require.NoError(t, err)

	// 9.5 minutes into a 10 minute TTL is within the 0.1 refresh ratio.
	clock.Advance(9*time.Minute + 30*time.Second)
	res, err := o.GetOrSet(ctx, "k", fetch, opts)
	require.NoError(t, err)
	first := res.BackgroundRefreshTriggered

	// An immediate second stale hit is inside the minimum update interval.
	res, err = o.GetOrSet(ctx, "k", fetch, opts)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, res.BackgroundRefreshTriggered)
}

func TestGetOrSet_FallbackOnFetchFailure(t *testing.T) {
	o, _, clock := newTestOrchestrator(t)
	ctx := context.Background()
	opts := Options{Strategy: StrategyStrongTimeliness}

	fetch, _ := countingFetch(`{"v":"good"}`)
	_, err := o.GetOrSet(ctx, "k", fetch, opts)
	require.NoError(t, err)

	// Primary entry expires; the shadow copy lives ten TTLs.
	clock.Advance(2 * time.Minute)
	res, err := o.GetOrSet(ctx, "k", func(ctx context.Context) (json.RawMessage, error) {
		return nil, errors.New("upstream down")
	}, opts)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, res.Source)
	assert.JSONEq(t, `{"v":"good"}`, string(res.Data))
}

func TestGetOrSet_FetchFailureWithoutFallback(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	o.cfg.EnableFallback = false
	_, err := o.GetOrSet(context.Background(), "k", func(ctx context.Context) (json.RawMessage, error) {
		return nil, errors.New("upstream down")
	}, Options{Strategy: StrategyStrongTimeliness})
	require.Error(t, err)
	assert.Equal(t, errs.CodeSmartCacheFetchFailed, errs.CodeOf(err))
}

func TestGetOrSet_AdaptiveTTL(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	opts := Options{Strategy: StrategyAdaptive}

	// A miss halves the base TTL before the fetch stores the value.
	fetch, _ := countingFetch(`{"v":1}`)
	_, err := o.GetOrSet(ctx, "k", fetch, opts)
	require.NoError(t, err)
	st, ok := o.adaptive.Get("k")
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, st.ttl)

	// First hit observes a change from the zero checksum and halves again.
	_, err = o.GetOrSet(ctx, "k", fetch, opts)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, st.ttl)

	// A stable payload stretches the TTL back out.
	_, err = o.GetOrSet(ctx, "k", fetch, opts)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, st.ttl)
}

func TestGetOrSet_AdaptiveConcurrentSameKey(t *testing.T) {
	// Concurrent requests for one ADAPTIVE key share the per-key state; the
	// observations must not corrupt it.
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	opts := Options{Strategy: StrategyAdaptive}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			fetch, _ := countingFetch(`{"v":1}`)
			for i := 0; i < 50; i++ {
				_, err := o.GetOrSet(ctx, "k", fetch, opts)
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()

	ttl := o.adaptiveTTL("k")
	assert.GreaterOrEqual(t, ttl, o.cfg.AdaptiveMinTTL)
	assert.LessOrEqual(t, ttl, o.cfg.AdaptiveMaxTTL)
}

func TestGetOrSet_AdaptiveTTLClamped(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	st := &adaptiveState{ttl: o.cfg.AdaptiveMinTTL}
	o.adaptive.Add("k", st)

	o.observeAdaptive("k", nil, true)
	assert.Equal(t, o.cfg.AdaptiveMinTTL, st.ttl)

	st.ttl = o.cfg.AdaptiveMaxTTL
	o.observeAdaptive("k", json.RawMessage(`{"v":1}`), false)
	o.observeAdaptive("k", json.RawMessage(`{"v":1}`), false)
	assert.Equal(t, o.cfg.AdaptiveMaxTTL, st.ttl)
}

func TestTTLFor(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	assert.Equal(t, 60*time.Second, o.ttlFor(ctx, Options{Strategy: StrategyStrongTimeliness}))
	assert.Equal(t, 10*time.Minute, o.ttlFor(ctx, Options{Strategy: StrategyWeakTimeliness}))
	assert.Equal(t, time.Second, o.ttlFor(ctx, Options{Strategy: StrategyStrongTimeliness, TTLOverride: time.Second}))

	// The pinned clock is Monday 10:00 HKT, so HK is trading.
	assert.Equal(t, 5*time.Second, o.ttlFor(ctx, Options{Strategy: StrategyMarketAware, Symbol: "0700.HK"}))
	// Unknown markets use the conservative closed TTL.
	assert.Equal(t, 5*time.Minute, o.ttlFor(ctx, Options{Strategy: StrategyMarketAware, Symbol: "0700.XX"}))
	assert.Equal(t, 5*time.Minute, o.ttlFor(ctx, Options{Strategy: StrategyMarketAware}))
}

func TestPut(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.Put(ctx, "k", json.RawMessage(`{"v":1}`), Options{Strategy: StrategyStrongTimeliness}))
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(got))

	require.NoError(t, o.Put(ctx, "skip", json.RawMessage(`{}`), Options{Strategy: StrategyNoCache}))
	ok, err := store.Exists(ctx, "skip")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBatchGetOrSet(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	opts := Options{Strategy: StrategyStrongTimeliness}

	require.NoError(t, o.Put(ctx, "a", json.RawMessage(`{"v":"a"}`), opts))

	var fetchedWith []string
	fetch := func(ctx context.Context, missing []string) (map[string]json.RawMessage, error) {
		fetchedWith = missing
		return map[string]json.RawMessage{
			"b": json.RawMessage(`{"v":"b"}`),
			// "c" deliberately absent from the upstream answer.
		}, nil
	}

	out, err := o.BatchGetOrSet(ctx, []string{"a", "b", "c", "b"}, fetch, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, fetchedWith)
	require.Contains(t, out, "a")
	require.Contains(t, out, "b")
	assert.NotContains(t, out, "c")
	assert.True(t, out["a"].Hit)
	assert.False(t, out["b"].Hit)

	// The fetched key is now cached.
	out, err = o.BatchGetOrSet(ctx, []string{"b"}, func(ctx context.Context, missing []string) (map[string]json.RawMessage, error) {
		t.Fatal("unexpected upstream fetch")
		return nil, nil
	}, opts)
	require.NoError(t, err)
	assert.True(t, out["b"].Hit)
}

// failLimiter rejects every acquisition.
type failLimiter struct{}

func (failLimiter) Acquire(context.Context) error { return context.DeadlineExceeded }
func (failLimiter) Release()                      {}

func TestGetOrSet_LimiterRejection(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	o.limiter = failLimiter{}
	fetch, calls := countingFetch(`{}`)

	_, err := o.GetOrSet(context.Background(), "k", fetch, Options{Strategy: StrategyNoCache})
	require.Error(t, err)
	assert.Equal(t, errs.CodeSmartCacheOverloaded, errs.CodeOf(err))
	assert.Zero(t, *calls)
}

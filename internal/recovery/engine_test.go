package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/persistence/postgres"
	"github.com/quotewire/quotewire/internal/stream"
)

// memSource serves ticks from memory, optionally failing the first N queries.
type memSource struct {
	mu       sync.Mutex
	ticks    []postgres.Tick
	failures int
	queries  int
}

func (m *memSource) QueryRange(_ context.Context, symbols []string, from, to time.Time) ([]postgres.Tick, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	if m.failures > 0 {
		m.failures--
		return nil, errors.New("archive unavailable")
	}
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	var out []postgres.Tick
	for _, t := range m.ticks {
		if want[t.Symbol] && !t.Timestamp.Before(from) && !t.Timestamp.After(to) {
			out = append(out, t)
		}
	}
	return out, nil
}

// collector gathers delivered frames for one client.
type collector struct {
	mu     sync.Mutex
	frames []any
	fail   bool
}

func (c *collector) deliver(_ context.Context, frame any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("client gone")
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *collector) snapshot() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.frames...)
}

func testRecoveryConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		MaxRecoveryWindow: 10 * time.Minute,
		BatchSize:         2,
		QPS:               1000,
		Burst:             100,
		Workers:           2,
		MaxAttempts:       3,
		RetryStrategy:     "fixed",
		InitialDelay:      5 * time.Millisecond,
		MaxDelay:          50 * time.Millisecond,
		Factor:            2.0,
	}
}

func seededSource(base time.Time, n int) *memSource {
	src := &memSource{}
	for i := 0; i < n; i++ {
		src.ticks = append(src.ticks, postgres.Tick{
			Symbol:     "0700.HK",
			Capability: "quote",
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			Payload:    []byte(fmt.Sprintf(`{"seq": %d}`, i)),
		})
	}
	return src
}

func request(from, to time.Time, deliver func(context.Context, any) error) stream.RecoveryRequest {
	return stream.RecoveryRequest{
		ClientID:   "c1",
		Symbols:    []string{"0700.HK"},
		Capability: "quote",
		From:       from,
		To:         to,
		Deliver:    deliver,
	}
}

func TestSchedule_WindowValidation(t *testing.T) {
	e := New(testRecoveryConfig(), &memSource{}, nil, nil, nil)
	defer e.Close()
	now := time.Now()

	t.Run("nothing_to_recover", func(t *testing.T) {
		plan, err := e.Schedule(context.Background(), request(now, now, nil))
		require.NoError(t, err)
		assert.False(t, plan.WillRecover)
		assert.Equal(t, "nothing_to_recover", plan.Reason)
	})

	t.Run("window_too_large", func(t *testing.T) {
		_, err := e.Schedule(context.Background(), request(now.Add(-11*time.Minute), now, nil))
		require.Error(t, err)
		assert.Equal(t, errs.CodeStreamRecoveryWindow, errs.CodeOf(err))
	})

	t.Run("accepted_gap", func(t *testing.T) {
		col := &collector{}
		plan, err := e.Schedule(context.Background(), request(now.Add(-5*time.Minute), now, col.deliver))
		require.NoError(t, err)
		assert.True(t, plan.WillRecover)
		assert.NotEmpty(t, plan.JobID)
		assert.Equal(t, "ok", plan.Reason)
		assert.Equal(t, 300, plan.EstimatedDataPoints)
	})
}

func TestSchedule_EstimateCapped(t *testing.T) {
	e := New(testRecoveryConfig(), &memSource{}, nil, nil, nil)
	defer e.Close()
	assert.Equal(t, 10000, e.estimate(100, 10*time.Minute))
	assert.Equal(t, 60, e.estimate(1, time.Minute))
}

func TestReplay_OrderedBatches(t *testing.T) {
	base := time.Now().Add(-5 * time.Minute).Truncate(time.Second)
	src := seededSource(base, 5)
	e := New(testRecoveryConfig(), src, nil, nil, nil)
	defer e.Close()

	col := &collector{}
	_, err := e.Schedule(context.Background(), request(base, base.Add(5*time.Minute), col.deliver))
	require.NoError(t, err)

	// 5 ticks at batch size 2 means 3 batches.
	require.Eventually(t, func() bool { return len(col.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	frames := col.snapshot()
	for i, f := range frames {
		msg, ok := f.(*stream.RecoveryDataMessage)
		require.True(t, ok)
		assert.Equal(t, stream.FrameRecovery, msg.Type)
		assert.Equal(t, i+1, msg.RecoveryBatch)
		assert.Equal(t, 3, msg.TotalBatches)
		assert.Equal(t, i == 2, msg.IsLastBatch)
	}
	first := frames[0].(*stream.RecoveryDataMessage)
	require.Len(t, first.Data, 2)
	assert.JSONEq(t, `{"seq": 0}`, string(first.Data[0]))
	assert.JSONEq(t, `{"seq": 1}`, string(first.Data[1]))
	// Batch time range narrows to the ticks it carries.
	assert.Equal(t, base.UnixMilli(), first.TimeRange.From)
	assert.Equal(t, base.Add(time.Second).UnixMilli(), first.TimeRange.To)

	last := frames[2].(*stream.RecoveryDataMessage)
	require.Len(t, last.Data, 1)
	assert.JSONEq(t, `{"seq": 4}`, string(last.Data[0]))
}

func TestReplay_MergesRecentWindowWithArchive(t *testing.T) {
	base := time.Now().Add(-5 * time.Minute).Truncate(time.Second)
	archive := seededSource(base, 3)
	// The recent window overlaps the archive's newest point and extends past
	// it; the overlap must be delivered once, with the cache copy winning.
	recent := &memSource{ticks: []postgres.Tick{
		{Symbol: "0700.HK", Capability: "quote", Timestamp: base.Add(2 * time.Second), Payload: []byte(`{"seq": 2, "warm": true}`)},
		{Symbol: "0700.HK", Capability: "quote", Timestamp: base.Add(3 * time.Second), Payload: []byte(`{"seq": 3}`)},
	}}
	e := New(testRecoveryConfig(), archive, recent, nil, nil)
	defer e.Close()

	col := &collector{}
	_, err := e.Schedule(context.Background(), request(base, base.Add(time.Minute), col.deliver))
	require.NoError(t, err)

	// 4 unique ticks at batch size 2 means 2 batches.
	require.Eventually(t, func() bool { return len(col.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	frames := col.snapshot()
	first := frames[0].(*stream.RecoveryDataMessage)
	require.Len(t, first.Data, 2)
	assert.JSONEq(t, `{"seq": 0}`, string(first.Data[0]))
	assert.JSONEq(t, `{"seq": 1}`, string(first.Data[1]))

	second := frames[1].(*stream.RecoveryDataMessage)
	require.Len(t, second.Data, 2)
	assert.JSONEq(t, `{"seq": 2, "warm": true}`, string(second.Data[0]))
	assert.JSONEq(t, `{"seq": 3}`, string(second.Data[1]))
	assert.True(t, second.IsLastBatch)
}

func TestReplay_RecentSourceFailureFallsBackToArchive(t *testing.T) {
	base := time.Now().Add(-2 * time.Minute).Truncate(time.Second)
	archive := seededSource(base, 2)
	recent := &memSource{failures: 100}
	e := New(testRecoveryConfig(), archive, recent, nil, nil)
	defer e.Close()

	col := &collector{}
	_, err := e.Schedule(context.Background(), request(base, base.Add(time.Minute), col.deliver))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(col.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	msg := col.snapshot()[0].(*stream.RecoveryDataMessage)
	require.Len(t, msg.Data, 2)
	assert.True(t, msg.IsLastBatch)
}

func TestReplay_EmptyWindowSendsTerminalBatch(t *testing.T) {
	e := New(testRecoveryConfig(), &memSource{}, nil, nil, nil)
	defer e.Close()
	now := time.Now()

	col := &collector{}
	_, err := e.Schedule(context.Background(), request(now.Add(-time.Minute), now, col.deliver))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(col.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	msg := col.snapshot()[0].(*stream.RecoveryDataMessage)
	assert.True(t, msg.IsLastBatch)
	assert.Equal(t, 1, msg.TotalBatches)
	assert.Empty(t, msg.Data)
	// With no ticks, the range echoes the requested window.
	assert.Equal(t, now.Add(-time.Minute).UnixMilli(), msg.TimeRange.From)
}

func TestReplay_RetriesThenSucceeds(t *testing.T) {
	base := time.Now().Add(-2 * time.Minute).Truncate(time.Second)
	src := seededSource(base, 1)
	src.failures = 2
	e := New(testRecoveryConfig(), src, nil, nil, nil)
	defer e.Close()

	col := &collector{}
	_, err := e.Schedule(context.Background(), request(base, base.Add(time.Minute), col.deliver))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(col.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := col.snapshot()[0].(*stream.RecoveryDataMessage)
	assert.True(t, msg.IsLastBatch)

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, 3, src.queries)
}

func TestReplay_ExhaustedRetriesReportFailure(t *testing.T) {
	src := &memSource{failures: 100}
	e := New(testRecoveryConfig(), src, nil, nil, nil)
	defer e.Close()
	now := time.Now()

	col := &collector{}
	_, err := e.Schedule(context.Background(), request(now.Add(-time.Minute), now, col.deliver))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(col.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	msg, ok := col.snapshot()[0].(*stream.RecoveryFailureMessage)
	require.True(t, ok)
	assert.Equal(t, stream.FrameRecoveryFailure, msg.Type)
	// Archive failures are worth retrying later; the data may come back.
	assert.Equal(t, stream.ActionRetryLater, msg.Action)
	assert.NotEmpty(t, msg.JobID)
}

func TestReplay_DeliveryFailureAsksResubscribe(t *testing.T) {
	base := time.Now().Add(-2 * time.Minute).Truncate(time.Second)
	src := seededSource(base, 2)
	cfg := testRecoveryConfig()
	cfg.MaxAttempts = 1
	e := New(cfg, src, nil, nil, nil)
	defer e.Close()

	col := &collector{fail: true}
	var failure *stream.RecoveryFailureMessage
	var mu sync.Mutex
	deliver := func(ctx context.Context, frame any) error {
		if msg, ok := frame.(*stream.RecoveryFailureMessage); ok {
			mu.Lock()
			failure = msg
			mu.Unlock()
			return nil
		}
		return col.deliver(ctx, frame)
	}

	_, err := e.Schedule(context.Background(), request(base, base.Add(time.Minute), deliver))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failure != nil
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, stream.ActionResubscribe, failure.Action)
}

func TestRetryDelay(t *testing.T) {
	e := New(testRecoveryConfig(), &memSource{}, nil, nil, nil)
	defer e.Close()

	t.Run("fixed", func(t *testing.T) {
		e.cfg.RetryStrategy = "fixed"
		assert.Equal(t, 5*time.Millisecond, e.retryDelay(1))
		assert.Equal(t, 5*time.Millisecond, e.retryDelay(4))
	})
	t.Run("linear", func(t *testing.T) {
		e.cfg.RetryStrategy = "linear"
		assert.Equal(t, 5*time.Millisecond, e.retryDelay(1))
		assert.Equal(t, 15*time.Millisecond, e.retryDelay(3))
	})
	t.Run("exponential_capped", func(t *testing.T) {
		e.cfg.RetryStrategy = "exponential"
		assert.Equal(t, 5*time.Millisecond, e.retryDelay(1))
		assert.Equal(t, 20*time.Millisecond, e.retryDelay(3))
		assert.Equal(t, 50*time.Millisecond, e.retryDelay(10))
	})
}

func TestRateLimited_JobRequeuedNotDropped(t *testing.T) {
	base := time.Now().Add(-2 * time.Minute).Truncate(time.Second)
	src := seededSource(base, 1)
	cfg := testRecoveryConfig()
	cfg.QPS = 5
	cfg.Burst = 1
	e := New(cfg, src, nil, nil, nil)
	defer e.Close()

	// Two jobs against a single-token bucket: the loser is requeued and both
	// eventually replay.
	cols := []*collector{{}, {}}
	for _, col := range cols {
		_, err := e.Schedule(context.Background(), request(base, base.Add(time.Minute), col.deliver))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return len(cols[0].snapshot()) == 1 && len(cols[1].snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

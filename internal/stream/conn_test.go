package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotewire/quotewire/internal/ports"
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

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
}

type fakeClientConn struct {
	id   string
	mu   sync.Mutex
	sent []any
	fail bool
}

func (f *fakeClientConn) ID() string { return f.id }

func (f *fakeClientConn) Send(_ context.Context, frame any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send refused")
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeClientConn) Close() error { return nil }

func (f *fakeClientConn) frames() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.sent...)
}

// quietConn builds a connection without the writer goroutine so queue state
// can be inspected synchronously.
func quietConn(maxQueue int) (*connection, *fakeClientConn) {
	fc := &fakeClientConn{id: "c1"}
	return &connection{
		conn:     fc,
		breaker:  newConnBreaker("c1", 5, 10, time.Minute, 3),
		clock:    newFakeClock(),
		metrics:  ports.NopMetrics{},
		subs:     make(map[string]bool),
		maxQueue: maxQueue,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, fc
}

func TestEnqueue_OverflowEvictsOldestTick(t *testing.T) {
	c, _ := quietConn(3)
	c.enqueue("t1", false)
	c.enqueue("t2", false)
	c.enqueue("r1", true)
	c.enqueue("t3", false)

	require.Len(t, c.queue, 3)
	assert.Equal(t, "t2", c.queue[0].frame)
	assert.Equal(t, "r1", c.queue[1].frame)
	assert.Equal(t, "t3", c.queue[2].frame)
	assert.Equal(t, int64(1), c.dropped)
}

func TestEnqueue_AllRecoveryQueueDropsIncomingTick(t *testing.T) {
	c, _ := quietConn(2)
	c.enqueue("r1", true)
	c.enqueue("r2", true)

	c.enqueue("t1", false)
	require.Len(t, c.queue, 2)
	assert.Equal(t, "r1", c.queue[0].frame)
	assert.Equal(t, int64(1), c.dropped)

	// Incoming recovery data displaces the head instead.
	c.enqueue("r3", true)
	require.Len(t, c.queue, 2)
	assert.Equal(t, "r2", c.queue[0].frame)
	assert.Equal(t, "r3", c.queue[1].frame)
}

func TestWriteLoop_DeliversInOrder(t *testing.T) {
	fc := &fakeClientConn{id: "c1"}
	c := newConnection(fc, newConnBreaker("c1", 5, 10, time.Minute, 3), 16, ports.RealClock{}, ports.NopMetrics{})
	defer c.close()

	c.enqueue("a", false)
	c.enqueue("b", false)
	c.enqueue("c", true)

	require.Eventually(t, func() bool { return len(fc.frames()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{"a", "b", "c"}, fc.frames())
}

func TestWriteLoop_FailuresTripBreaker(t *testing.T) {
	fc := &fakeClientConn{id: "c1", fail: true}
	c := newConnection(fc, newConnBreaker("c1", 3, 10, time.Hour, 3), 16, ports.RealClock{}, ports.NopMetrics{})
	defer c.close()

	for i := 0; i < 5; i++ {
		c.enqueue("t", false)
	}
	errCount := func() int64 {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.errorCount
	}
	require.Eventually(t, func() bool { return errCount() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, breakerOpen, c.breaker.State())
	assert.Equal(t, HealthCritical, c.health(2*time.Minute, 30*time.Minute, 10))
}

func TestWriteLoop_OpenBreakerHoldsQueue(t *testing.T) {
	fc := &fakeClientConn{id: "c1", fail: true}
	clock := newFakeClock()
	c := newConnection(fc, newConnBreaker("c1", 2, 10, time.Minute, 1), 16, clock, ports.NopMetrics{})
	defer c.close()

	c.enqueue("t1", false)
	c.enqueue("t2", false)
	errCount := func() int64 {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.errorCount
	}
	require.Eventually(t, func() bool { return errCount() >= 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.breaker.State() == breakerOpen }, time.Second, 5*time.Millisecond)

	// Frames enqueued while the breaker is open stay queued, not discarded.
	c.enqueue(&RecoveryDataMessage{Type: "recovery", RecoveryBatch: 1}, true)
	queueLen := func() int {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.queue)
	}
	assert.Never(t, func() bool { return queueLen() == 0 }, 300*time.Millisecond, 20*time.Millisecond)
	assert.Empty(t, fc.frames())

	// Transport recovers and the timeout elapses; the held frame goes out.
	fc.mu.Lock()
	fc.fail = false
	fc.mu.Unlock()
	clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return len(fc.frames()) == 1 }, time.Second, 5*time.Millisecond)
	batch, ok := fc.frames()[0].(*RecoveryDataMessage)
	require.True(t, ok)
	assert.Equal(t, 1, batch.RecoveryBatch)
}

func TestHealthGrades(t *testing.T) {
	heartbeat := 2 * time.Minute
	activity := 30 * time.Minute
	trip := 10

	t.Run("excellent_when_clean", func(t *testing.T) {
		c, _ := quietConn(4)
		clock := c.clock.(*fakeClock)
		c.lastHeartbeat = clock.Now()
		c.lastActivity = clock.Now()
		assert.Equal(t, HealthExcellent, c.health(heartbeat, activity, trip))
	})

	t.Run("good_with_some_errors", func(t *testing.T) {
		c, _ := quietConn(4)
		clock := c.clock.(*fakeClock)
		c.lastHeartbeat = clock.Now()
		c.lastActivity = clock.Now()
		c.errorCount = 1
		assert.Equal(t, HealthGood, c.health(heartbeat, activity, trip))
	})

	t.Run("poor_at_half_the_cumulative_trip", func(t *testing.T) {
		c, _ := quietConn(4)
		clock := c.clock.(*fakeClock)
		c.lastHeartbeat = clock.Now()
		c.lastActivity = clock.Now()
		c.errorCount = 5
		assert.Equal(t, HealthPoor, c.health(heartbeat, activity, trip))
	})

	t.Run("poor_when_idle", func(t *testing.T) {
		c, _ := quietConn(4)
		clock := c.clock.(*fakeClock)
		c.lastActivity = clock.Now()
		c.lastHeartbeat = clock.Now()
		clock.Advance(31 * time.Minute)
		c.lastHeartbeat = clock.Now() // heartbeats kept coming, data did not
		assert.Equal(t, HealthPoor, c.health(heartbeat, activity, trip))
	})

	t.Run("critical_on_missed_heartbeats", func(t *testing.T) {
		c, _ := quietConn(4)
		clock := c.clock.(*fakeClock)
		c.lastHeartbeat = clock.Now()
		c.lastActivity = clock.Now()
		clock.Advance(3 * time.Minute)
		c.lastActivity = clock.Now()
		assert.Equal(t, HealthCritical, c.health(heartbeat, activity, trip))
	})

	t.Run("critical_when_breaker_open", func(t *testing.T) {
		c, _ := quietConn(4)
		clock := c.clock.(*fakeClock)
		c.lastHeartbeat = clock.Now()
		c.lastActivity = clock.Now()
		for i := 0; i < 5; i++ {
			c.breaker.OnFailure(clock.Now())
		}
		assert.Equal(t, HealthCritical, c.health(heartbeat, activity, trip))
	})
}

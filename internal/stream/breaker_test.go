package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnBreaker_ConsecutiveTrip(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	b := newConnBreaker("c1", 5, 10, time.Minute, 3)

	for i := 0; i < 4; i++ {
		b.OnFailure(now)
		assert.Equal(t, breakerClosed, b.State())
	}
	b.OnFailure(now)
	assert.Equal(t, breakerOpen, b.State())
	assert.False(t, b.Allow(now))
	assert.False(t, b.Allow(now.Add(59*time.Second)))
}

func TestConnBreaker_SuccessResetsConsecutiveRun(t *testing.T) {
	now := time.Now()
	b := newConnBreaker("c1", 5, 100, time.Minute, 3)

	for i := 0; i < 4; i++ {
		b.OnFailure(now)
	}
	b.OnSuccess(now)
	// The run restarts; four more failures do not trip.
	for i := 0; i < 4; i++ {
		b.OnFailure(now)
	}
	assert.Equal(t, breakerClosed, b.State())
}

func TestConnBreaker_CumulativeTrip(t *testing.T) {
	now := time.Now()
	b := newConnBreaker("c1", 5, 10, time.Minute, 3)

	// Alternating failures never build a consecutive run, but the cumulative
	// count still trips at ten.
	for i := 0; i < 9; i++ {
		b.OnFailure(now)
		b.OnSuccess(now)
	}
	assert.Equal(t, breakerClosed, b.State())
	b.OnFailure(now)
	assert.Equal(t, breakerOpen, b.State())
}

func TestConnBreaker_RecoveryCycle(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	b := newConnBreaker("c1", 5, 10, time.Minute, 3)
	for i := 0; i < 5; i++ {
		b.OnFailure(now)
	}
	assert.Equal(t, breakerOpen, b.State())

	// Timeout elapses: the next Allow probes half-open.
	later := now.Add(61 * time.Second)
	assert.True(t, b.Allow(later))
	assert.Equal(t, breakerHalfOpen, b.State())

	b.OnSuccess(later)
	b.OnSuccess(later)
	assert.Equal(t, breakerHalfOpen, b.State())
	b.OnSuccess(later)
	assert.Equal(t, breakerClosed, b.State())

	// Recovery cleared both failure counters.
	for i := 0; i < 4; i++ {
		b.OnFailure(later)
	}
	assert.Equal(t, breakerClosed, b.State())
}

func TestConnBreaker_ConcurrentAccess(t *testing.T) {
	// Health probes read State while the write loop records outcomes; hammer
	// both sides under the race detector.
	now := time.Now()
	b := newConnBreaker("c1", 5, 50, time.Minute, 3)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				switch g % 4 {
				case 0:
					b.OnFailure(now)
				case 1:
					b.OnSuccess(now)
				case 2:
					b.Allow(now)
				default:
					b.State()
				}
			}
		}(g)
	}
	wg.Wait()

	state := b.State()
	assert.Contains(t, []string{breakerClosed, breakerOpen, breakerHalfOpen}, state)
}

func TestConnBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	b := newConnBreaker("c1", 5, 10, time.Minute, 3)
	for i := 0; i < 5; i++ {
		b.OnFailure(now)
	}
	later := now.Add(2 * time.Minute)
	assert.True(t, b.Allow(later))
	b.OnSuccess(later)
	b.OnFailure(later)
	assert.Equal(t, breakerOpen, b.State())
	assert.False(t, b.Allow(later))
}

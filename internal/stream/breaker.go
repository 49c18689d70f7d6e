package stream

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Breaker states for a single connection's dispatch path.
const (
	breakerClosed   = "closed"
	breakerOpen     = "open"
	breakerHalfOpen = "half_open"
)

// connBreaker trips after a run of failed dispatches or enough cumulative
// errors, isolating one bad connection without touching the others. The
// write loop and health probes touch it from different goroutines, so all
// state sits behind mu.
type connBreaker struct {
	clientID string

	consecutiveTrip int
	cumulativeTrip  int
	timeout         time.Duration
	halfOpenProbes  int

	mu                  sync.Mutex
	state               string
	consecutiveFailures int
	cumulativeFailures  int
	halfOpenSuccesses   int
	openedAt            time.Time
}

func newConnBreaker(clientID string, consecutiveTrip, cumulativeTrip int, timeout time.Duration, probes int) *connBreaker {
	return &connBreaker{
		clientID:        clientID,
		consecutiveTrip: consecutiveTrip,
		cumulativeTrip:  cumulativeTrip,
		timeout:         timeout,
		halfOpenProbes:  probes,
		state:           breakerClosed,
	}
}

// Allow reports whether a dispatch may proceed, transitioning open →
// half_open once the timeout elapses.
func (b *connBreaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerOpen {
		if now.Sub(b.openedAt) < b.timeout {
			return false
		}
		b.state = breakerHalfOpen
		b.halfOpenSuccesses = 0
		log.Debug().Str("client", b.clientID).Msg("dispatch breaker half-open")
	}
	return true
}

func (b *connBreaker) OnSuccess(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.halfOpenProbes {
			b.state = breakerClosed
			b.consecutiveFailures = 0
			b.cumulativeFailures = 0
			log.Info().Str("client", b.clientID).Msg("dispatch breaker closed after recovery")
		}
	default:
		b.consecutiveFailures = 0
	}
}

func (b *connBreaker) OnFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	b.cumulativeFailures++
	if b.state == breakerHalfOpen {
		b.open(now)
		return
	}
	if b.consecutiveFailures >= b.consecutiveTrip || b.cumulativeFailures >= b.cumulativeTrip {
		b.open(now)
	}
}

// open flips to the open state. Caller holds mu.
func (b *connBreaker) open(now time.Time) {
	b.state = breakerOpen
	b.openedAt = now
	log.Warn().
		Str("client", b.clientID).
		Int("consecutive", b.consecutiveFailures).
		Int("cumulative", b.cumulativeFailures).
		Msg("dispatch breaker opened")
}

func (b *connBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

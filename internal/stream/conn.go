package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/ports"
)

// Health grades for a connection.
const (
	HealthExcellent = "excellent"
	HealthGood      = "good"
	HealthPoor      = "poor"
	HealthCritical  = "critical"
)

type outFrame struct {
	frame    any
	recovery bool
}

// connection wraps a ClientConn with its subscription set, dispatch breaker,
// health counters and a bounded outbound queue drained by one writer
// goroutine. When the queue is full the oldest non-recovery frame is dropped
// so replay data survives back-pressure.
type connection struct {
	conn    ClientConn
	breaker *connBreaker
	clock   ports.Clock
	metrics ports.Metrics

	mu            sync.Mutex
	subs          map[string]bool // capability + ":" + standard symbol
	queue         []outFrame
	dropped       int64
	errorCount    int64
	lastHeartbeat time.Time
	lastActivity  time.Time
	disconnected  bool

	maxQueue int
	notify   chan struct{}
	done     chan struct{}
	once     sync.Once
}

func newConnection(conn ClientConn, breaker *connBreaker, maxQueue int, clock ports.Clock, m ports.Metrics) *connection {
	now := clock.Now()
	c := &connection{
		conn:          conn,
		breaker:       breaker,
		clock:         clock,
		metrics:       m,
		subs:          make(map[string]bool),
		maxQueue:      maxQueue,
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
		lastHeartbeat: now,
		lastActivity:  now,
	}
	go c.writeLoop()
	return c
}

func subKey(capability, symbol string) string { return capability + ":" + symbol }

func (c *connection) subscribe(capability string, symbols []string) {
	c.mu.Lock()
	for _, s := range symbols {
		c.subs[subKey(capability, s)] = true
	}
	c.lastActivity = c.clock.Now()
	c.mu.Unlock()
}

func (c *connection) unsubscribe(capability string, symbols []string) {
	c.mu.Lock()
	for _, s := range symbols {
		delete(c.subs, subKey(capability, s))
	}
	c.lastActivity = c.clock.Now()
	c.mu.Unlock()
}

func (c *connection) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for k := range c.subs {
		out = append(out, k)
	}
	return out
}

// enqueue appends a frame, evicting the oldest non-recovery frame when full.
// A full queue of recovery frames drops the incoming tick instead.
func (c *connection) enqueue(frame any, recovery bool) {
	c.mu.Lock()
	if len(c.queue) >= c.maxQueue {
		evicted := false
		for i, f := range c.queue {
			if !f.recovery {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			if !recovery {
				c.dropped++
				c.mu.Unlock()
				c.metrics.IncCounter("stream_frames_dropped", map[string]string{"client": c.conn.ID()})
				return
			}
			// Recovery displaces the head even when everything queued is
			// recovery data; batches are resent on failure.
			c.queue = c.queue[1:]
		}
		c.dropped++
		c.metrics.IncCounter("stream_frames_dropped", map[string]string{"client": c.conn.ID()})
		log.Warn().Str("client", c.conn.ID()).Int("queue", len(c.queue)).Msg("outbound queue overflow")
	}
	c.queue = append(c.queue, outFrame{frame: frame, recovery: recovery})
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *connection) dequeue() (outFrame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return outFrame{}, false
	}
	f := c.queue[0]
	c.queue = c.queue[1:]
	return f, true
}

func (c *connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
		}
		for {
			// While the breaker is open, frames stay queued; recovery data
			// must not be discarded just because dispatch is suspended.
			if !c.breaker.Allow(c.clock.Now()) {
				select {
				case <-c.done:
					return
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			f, ok := c.dequeue()
			if !ok {
				break
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.conn.Send(ctx, f.frame)
			cancel()
			if err != nil {
				c.breaker.OnFailure(c.clock.Now())
				c.mu.Lock()
				c.errorCount++
				c.mu.Unlock()
				c.metrics.IncCounter("stream_send_errors", map[string]string{"client": c.conn.ID()})
				continue
			}
			c.breaker.OnSuccess(c.clock.Now())
		}
	}
}

func (c *connection) heartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = c.clock.Now()
	c.mu.Unlock()
}

func (c *connection) markDisconnected() {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *connection) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// health grades the connection from breaker state, error volume and the
// heartbeat/activity windows.
func (c *connection) health(heartbeatWindow, activityWindow time.Duration, cumulativeTrip int) string {
	now := c.clock.Now()
	c.mu.Lock()
	errors := c.errorCount
	beat := c.lastHeartbeat
	active := c.lastActivity
	c.mu.Unlock()

	if c.breaker.State() == breakerOpen || now.Sub(beat) > heartbeatWindow {
		return HealthCritical
	}
	if errors >= int64(cumulativeTrip)/2 || now.Sub(active) > activityWindow {
		return HealthPoor
	}
	if errors > 0 {
		return HealthGood
	}
	return HealthExcellent
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		if err := c.conn.Close(); err != nil {
			log.Debug().Str("client", c.conn.ID()).Err(err).Msg("connection close")
		}
	})
}

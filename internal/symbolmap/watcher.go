package symbolmap

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/ports"
)

// Watcher consumes the durable mapping collection's change stream and
// invalidates the in-process tiers. Stream breaks reconnect with exponential
// backoff capped at the configured maximum.
type Watcher struct {
	mapper *Mapper
	docs   ports.DocStore
	cfg    watcherConfig
	done   chan struct{}
}

type watcherConfig struct {
	maxReconnectDelay time.Duration
}

// NewWatcher builds a watcher over the mapper's document store.
func NewWatcher(mapper *Mapper, docs ports.DocStore, maxReconnectDelay time.Duration) *Watcher {
	return &Watcher{
		mapper: mapper,
		docs:   docs,
		cfg:    watcherConfig{maxReconnectDelay: maxReconnectDelay},
		done:   make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, keeping the change stream alive.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		events, err := w.docs.Watch(ctx, Collection)
		if err != nil {
			log.Warn().Err(err).Dur("backoff", delay).Msg("symbol mapping change stream unavailable, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = w.nextDelay(delay)
			continue
		}
		delay = time.Second // reset backoff once connected
		w.consume(ctx, events)
	}
}

func (w *Watcher) nextDelay(delay time.Duration) time.Duration {
	delay *= 2
	if w.cfg.maxReconnectDelay > 0 && delay > w.cfg.maxReconnectDelay {
		delay = w.cfg.maxReconnectDelay
	}
	return delay
}

func (w *Watcher) consume(ctx context.Context, events <-chan ports.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				log.Warn().Msg("symbol mapping change stream closed, reconnecting")
				return
			}
			switch ev.Type {
			case ports.ChangeUpdate, ports.ChangeDelete, ports.ChangeCreate:
				// Document id is the provider name; any change invalidates
				// that provider's tiers.
				w.mapper.InvalidateProvider(ev.DocID)
			}
		}
	}
}

// Done closes after Run returns; used by graceful shutdown.
func (w *Watcher) Done() <-chan struct{} { return w.done }

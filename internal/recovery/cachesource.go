package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/quotewire/quotewire/internal/persistence/postgres"
	"github.com/quotewire/quotewire/internal/ports"
	"github.com/quotewire/quotewire/internal/storage"
)

// CacheSource reads the push path's warm write-through entries, covering the
// recent window that has not reached the durable archive yet. One entry per
// symbol: the freshest tick still inside its TTL.
type CacheSource struct {
	store  *storage.Store
	prefix string
}

var _ TickSource = (*CacheSource)(nil)

// NewCacheSource builds the source over the composed store; prefix is the
// push path's warm key prefix.
func NewCacheSource(store *storage.Store, prefix string) *CacheSource {
	return &CacheSource{store: store, prefix: prefix}
}

// QueryRange returns the cached tick per symbol whose stored-at time falls
// inside [from, to]. Missing keys are not errors; a gap simply has no warm
// data left.
func (c *CacheSource) QueryRange(ctx context.Context, symbols []string, from, to time.Time) ([]postgres.Tick, error) {
	var ticks []postgres.Tick
	for _, symbol := range symbols {
		env, _, err := c.store.GetEnvelope(ctx, c.prefix+symbol)
		if err != nil {
			if errors.Is(err, ports.ErrNotFound) {
				continue
			}
			return nil, err
		}
		ts := time.UnixMilli(env.StoredAt)
		if ts.Before(from) || ts.After(to) {
			continue
		}
		payload, err := env.Payload()
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, postgres.Tick{
			Symbol:    symbol,
			Timestamp: ts,
			Payload:   payload,
		})
	}
	return ticks, nil
}

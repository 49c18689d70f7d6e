package storage

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/errs"
)

// Retry runs op, retrying retryable failures with exponential backoff and
// optional jitter. The final error is returned unchanged.
func Retry(ctx context.Context, cfg config.RetryConfig, name string, op func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	delay := cfg.Base
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !errs.IsRetryable(err) || attempt == attempts {
			return err
		}
		wait := delay
		if cfg.Jitter {
			wait = time.Duration(float64(wait) * (0.5 + rand.Float64()))
		}
		log.Debug().
			Str("op", name).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Err(err).
			Msg("retrying transient storage failure")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
		if cfg.Max > 0 && delay > cfg.Max {
			delay = cfg.Max
		}
	}
	return err
}

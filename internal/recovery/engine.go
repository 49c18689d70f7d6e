// Package recovery replays missed push data to reconnecting clients: bounded
// gap windows, archive-backed batches in timestamp order, a token bucket that
// requeues rather than drops, and per-job retry with backoff.
package recovery

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/persistence/postgres"
	"github.com/quotewire/quotewire/internal/ports"
	"github.com/quotewire/quotewire/internal/stream"
)

// TickSource supplies canonical ticks for a window. The Postgres tick archive
// and the smart-cache recent-window source both implement it.
type TickSource interface {
	QueryRange(ctx context.Context, symbols []string, from, to time.Time) ([]postgres.Tick, error)
}

var _ TickSource = (*postgres.TickArchive)(nil)

type job struct {
	id       string
	req      stream.RecoveryRequest
	attempts int
}

// Engine schedules and executes replay jobs. It implements
// stream.RecoveryScheduler.
type Engine struct {
	cfg     config.RecoveryConfig
	archive TickSource
	recent  TickSource
	limiter *rate.Limiter
	clock   ports.Clock
	metrics ports.Metrics

	jobs   chan *job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ stream.RecoveryScheduler = (*Engine)(nil)

// New builds the engine and starts its workers. recent covers the cache's
// still-warm window and may be nil; archive serves everything older.
func New(cfg config.RecoveryConfig, archive, recent TickSource, clock ports.Clock, m ports.Metrics) *Engine {
	if clock == nil {
		clock = ports.RealClock{}
	}
	if m == nil {
		m = ports.NopMetrics{}
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		archive: archive,
		recent:  recent,
		limiter: rate.NewLimiter(rate.Limit(cfg.QPS), cfg.Burst),
		clock:   clock,
		metrics: m,
		jobs:    make(chan *job, workers*4),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.run()
	}
	return e
}

// Close stops accepting jobs and waits for the workers.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Schedule validates the gap window and enqueues a replay job. Windows larger
// than the configured maximum are rejected; the client must resubscribe and
// refetch instead.
func (e *Engine) Schedule(ctx context.Context, req stream.RecoveryRequest) (*stream.RecoveryPlan, error) {
	window := req.To.Sub(req.From)
	if window <= 0 {
		return &stream.RecoveryPlan{WillRecover: false, Reason: "nothing_to_recover"}, nil
	}
	if window > e.cfg.MaxRecoveryWindow {
		return nil, errs.Newf(errs.CodeStreamRecoveryWindow,
			"gap %s exceeds max recovery window %s", window, e.cfg.MaxRecoveryWindow)
	}

	j := &job{id: uuid.NewString(), req: req}
	select {
	case e.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ctx.Done():
		return nil, errs.New(errs.CodeStreamDispatchFailed, "recovery engine stopped")
	}

	e.metrics.IncCounter("recovery_jobs", map[string]string{"event": "scheduled"})
	return &stream.RecoveryPlan{
		JobID:               j.id,
		WillRecover:         true,
		From:                req.From,
		To:                  req.To,
		EstimatedDataPoints: e.estimate(len(req.Symbols), window),
		Reason:              "ok",
	}, nil
}

// estimate is a rough sizing hint for the client: one point per symbol per
// second of gap, capped.
func (e *Engine) estimate(symbols int, window time.Duration) int {
	est := symbols * int(window/time.Second)
	if est > 10000 {
		est = 10000
	}
	return est
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case j := <-e.jobs:
			e.process(j)
		}
	}
}

// process runs one job attempt. A denied rate-limit token requeues the job
// after a short delay instead of dropping it.
func (e *Engine) process(j *job) {
	if !e.limiter.Allow() {
		e.metrics.IncCounter("recovery_jobs", map[string]string{"event": "rate_limited"})
		e.requeue(j, 200*time.Millisecond)
		return
	}

	j.attempts++
	err := e.replay(j)
	if err == nil {
		e.metrics.IncCounter("recovery_jobs", map[string]string{"event": "completed"})
		return
	}

	if j.attempts >= e.cfg.MaxAttempts {
		e.metrics.IncCounter("recovery_jobs", map[string]string{"event": "failed"})
		log.Error().Str("job", j.id).Str("client", j.req.ClientID).Int("attempts", j.attempts).
			Err(err).Msg("recovery job exhausted retries")
		e.reportFailure(j, err)
		return
	}
	delay := e.retryDelay(j.attempts)
	e.metrics.IncCounter("recovery_jobs", map[string]string{"event": "retried"})
	log.Warn().Str("job", j.id).Int("attempt", j.attempts).Dur("delay", delay).
		Err(err).Msg("recovery attempt failed, retrying")
	e.requeue(j, delay)
}

func (e *Engine) requeue(j *job, delay time.Duration) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-e.ctx.Done():
			return
		case <-e.clock.After(delay):
		}
		select {
		case e.jobs <- j:
		case <-e.ctx.Done():
		}
	}()
}

// retryDelay follows the configured strategy, capped at the max delay.
func (e *Engine) retryDelay(attempt int) time.Duration {
	var d time.Duration
	switch e.cfg.RetryStrategy {
	case "fixed":
		d = e.cfg.InitialDelay
	case "linear":
		d = time.Duration(attempt) * e.cfg.InitialDelay
	default: // exponential
		d = time.Duration(float64(e.cfg.InitialDelay) * math.Pow(e.cfg.Factor, float64(attempt-1)))
	}
	if e.cfg.MaxDelay > 0 && d > e.cfg.MaxDelay {
		d = e.cfg.MaxDelay
	}
	return d
}

// replay fetches the window and delivers it in ordered batches. An empty
// window still sends one terminal batch so the client knows replay finished.
func (e *Engine) replay(j *job) error {
	ctx, cancel := context.WithTimeout(e.ctx, time.Minute)
	defer cancel()

	ticks, err := e.collect(ctx, j)
	if err != nil {
		return err
	}

	batchSize := e.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	total := (len(ticks) + batchSize - 1) / batchSize
	if total == 0 {
		total = 1
	}
	for i := 0; i < total; i++ {
		lo := i * batchSize
		hi := lo + batchSize
		if hi > len(ticks) {
			hi = len(ticks)
		}
		batch := ticks[lo:hi]

		// Token per delivered batch; blocking here is fine inside a worker.
		if err := e.limiter.Wait(ctx); err != nil {
			return errs.Wrap(err, errs.CodeStreamDispatchFailed, "recovery rate wait")
		}
		msg := e.batchMessage(j, batch, i+1, total)
		if err := j.req.Deliver(ctx, msg); err != nil {
			return errs.Wrap(err, errs.CodeStreamDispatchFailed, "recovery batch delivery")
		}
		e.metrics.AddCounter("recovery_batches",
			map[string]string{"client": j.req.ClientID}, 1)
	}
	log.Info().Str("job", j.id).Str("client", j.req.ClientID).
		Int("ticks", len(ticks)).Int("batches", total).Msg("recovery replay complete")
	return nil
}

// collect consults the recent cache window first, then the durable archive,
// and merges the two in timestamp order. A tick present in both sources is
// delivered once; the cache copy wins. A failing recent source degrades to
// archive-only replay.
func (e *Engine) collect(ctx context.Context, j *job) ([]postgres.Tick, error) {
	var ticks []postgres.Tick
	if e.recent != nil {
		recent, err := e.recent.QueryRange(ctx, j.req.Symbols, j.req.From, j.req.To)
		if err != nil {
			log.Warn().Str("job", j.id).Err(err).Msg("recent-window query failed, replaying from archive only")
		} else {
			ticks = recent
		}
	}
	archived, err := e.archive.QueryRange(ctx, j.req.Symbols, j.req.From, j.req.To)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeStorageUnavailable, "recovery archive query")
	}

	seen := make(map[string]bool, len(ticks))
	for _, t := range ticks {
		seen[t.Symbol+"|"+t.Timestamp.UTC().Format(time.RFC3339Nano)] = true
	}
	for _, t := range archived {
		if seen[t.Symbol+"|"+t.Timestamp.UTC().Format(time.RFC3339Nano)] {
			continue
		}
		ticks = append(ticks, t)
	}
	sort.SliceStable(ticks, func(i, k int) bool {
		return ticks[i].Timestamp.Before(ticks[k].Timestamp)
	})
	return ticks, nil
}

func (e *Engine) batchMessage(j *job, batch []postgres.Tick, n, total int) *stream.RecoveryDataMessage {
	msg := &stream.RecoveryDataMessage{
		Type:          stream.FrameRecovery,
		RecoveryBatch: n,
		TotalBatches:  total,
		Timestamp:     e.clock.Now().UnixMilli(),
		TimeRange:     stream.TimeRange{From: j.req.From.UnixMilli(), To: j.req.To.UnixMilli()},
		IsLastBatch:   n == total,
	}
	for _, t := range batch {
		msg.Data = append(msg.Data, t.Payload)
	}
	if len(batch) > 0 {
		msg.TimeRange = stream.TimeRange{
			From: batch[0].Timestamp.UnixMilli(),
			To:   batch[len(batch)-1].Timestamp.UnixMilli(),
		}
	}
	return msg
}

// reportFailure tells the client the replay is gone for good and what to do.
func (e *Engine) reportFailure(j *job, cause error) {
	action := stream.ActionRetryLater
	if errs.CodeOf(cause) == errs.CodeStreamDispatchFailed {
		action = stream.ActionResubscribe
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg := &stream.RecoveryFailureMessage{
		Type:   stream.FrameRecoveryFailure,
		JobID:  j.id,
		Action: action,
		Reason: cause.Error(),
	}
	if err := j.req.Deliver(ctx, msg); err != nil {
		log.Debug().Str("job", j.id).Err(err).Msg("recovery failure notification undeliverable")
	}
}

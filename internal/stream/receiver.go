package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/persistence/postgres"
	"github.com/quotewire/quotewire/internal/ports"
	"github.com/quotewire/quotewire/internal/rules"
	"github.com/quotewire/quotewire/internal/smartcache"
	"github.com/quotewire/quotewire/internal/symbolmap"
	"github.com/quotewire/quotewire/internal/transformer"
)

// WarmKeyPrefix is the cache key prefix for push-path write-through.
const WarmKeyPrefix = "stream_cache_warm:"

// TickSink archives canonical ticks as they flow through the push pipeline;
// gap replay reads them back later. The postgres tick archive implements it.
type TickSink interface {
	Insert(ctx context.Context, ticks []postgres.Tick) error
}

var _ TickSink = (*postgres.TickArchive)(nil)

// Receiver owns client connections, the per-symbol subscriber index and the
// provider event pipeline. Every inbound tick is translated to the standard
// symbol, transformed through the mapping rules, written through the smart
// cache and fanned out to subscribers.
type Receiver struct {
	cfg          config.StreamConfig
	mapper       *symbolmap.Mapper
	transform    *transformer.Service
	orchestrator *smartcache.Orchestrator
	recovery     RecoveryScheduler
	sink         TickSink
	providers    map[string]ports.ProviderAdapter
	defaultProv  string
	clock        ports.Clock
	metrics      ports.Metrics

	mu          sync.RWMutex
	conns       map[string]*connection
	subscribers map[string][]*connection // replaced wholesale on change
	graceTimers map[string]*time.Timer

	upMu     sync.Mutex
	upstream map[string]map[string]bool // provider:capability -> native symbols

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReceiver builds the receiver. recovery may be nil; reconnects then never
// replay. sink may be nil; ticks are then not archived.
func NewReceiver(cfg config.StreamConfig, mapper *symbolmap.Mapper, transform *transformer.Service,
	orchestrator *smartcache.Orchestrator, recovery RecoveryScheduler, sink TickSink,
	providers map[string]ports.ProviderAdapter, defaultProvider string,
	clock ports.Clock, m ports.Metrics) *Receiver {
	if clock == nil {
		clock = ports.RealClock{}
	}
	if m == nil {
		m = ports.NopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Receiver{
		cfg:          cfg,
		mapper:       mapper,
		transform:    transform,
		orchestrator: orchestrator,
		recovery:     recovery,
		sink:         sink,
		providers:    providers,
		defaultProv:  defaultProvider,
		clock:        clock,
		metrics:      m,
		conns:        make(map[string]*connection),
		subscribers:  make(map[string][]*connection),
		graceTimers:  make(map[string]*time.Timer),
		upstream:     make(map[string]map[string]bool),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Register tracks a new client connection.
func (r *Receiver) Register(conn ClientConn) {
	cb := newConnBreaker(conn.ID(), r.cfg.ConsecutiveErrorTrip, r.cfg.CumulativeErrorTrip,
		r.cfg.BreakerTimeout, r.cfg.BreakerHalfOpenProbes)
	c := newConnection(conn, cb, r.cfg.OutboundQueueSize, r.clock, r.metrics)
	r.mu.Lock()
	r.conns[conn.ID()] = c
	r.metrics.SetGauge("active_subscriptions", map[string]string{"kind": "connections"}, float64(len(r.conns)))
	r.mu.Unlock()
	log.Info().Str("client", conn.ID()).Msg("client connected")
}

// Subscribe validates and registers a client's symbol interest, returning an
// ack listing confirmed and rejected symbols. Partial success is normal.
func (r *Receiver) Subscribe(ctx context.Context, clientID string, req SubscribeRequest) (*SubscribeAck, error) {
	c := r.lookup(clientID)
	if c == nil {
		return nil, errs.Newf(errs.CodeStreamSubInvalid, "unknown client %s", clientID)
	}
	capability := req.WSCapabilityType
	if capability == "" {
		capability = CapQuote
	}

	confirmed, rejected := r.validateSymbols(ctx, req.Symbols, req.PreferredProvider, capability)
	if len(confirmed) > 0 {
		c.subscribe(capability, confirmed)
		r.indexAdd(c, capability, confirmed)
	}
	r.metrics.AddCounter("stream_subscriptions",
		map[string]string{"capability": capability}, float64(len(confirmed)))
	return &SubscribeAck{
		Type:             FrameSubscribeAck,
		Success:          len(confirmed) > 0,
		ConfirmedSymbols: confirmed,
		RejectedSymbols:  rejected,
		ServerTimestamp:  r.clock.Now().UnixMilli(),
	}, nil
}

// Unsubscribe removes a client's interest in the given symbols.
func (r *Receiver) Unsubscribe(ctx context.Context, clientID string, req SubscribeRequest) (*SubscribeAck, error) {
	c := r.lookup(clientID)
	if c == nil {
		return nil, errs.Newf(errs.CodeStreamSubInvalid, "unknown client %s", clientID)
	}
	capability := req.WSCapabilityType
	if capability == "" {
		capability = CapQuote
	}
	c.unsubscribe(capability, req.Symbols)
	r.indexRemove(c, capability, req.Symbols)
	return &SubscribeAck{
		Type:             FrameUnsubscribeAck,
		Success:          true,
		ConfirmedSymbols: req.Symbols,
		ServerTimestamp:  r.clock.Now().UnixMilli(),
	}, nil
}

// validateSymbols splits the request into acceptable standard symbols and
// rejections, and opens upstream subscriptions for the mapped natives.
func (r *Receiver) validateSymbols(ctx context.Context, symbols []string, preferred, capability string) ([]string, []RejectedSymbol) {
	var confirmed []string
	var rejected []RejectedSymbol
	var candidates []string
	for _, s := range symbols {
		if !symbolmap.ValidSymbol(s, 0) {
			rejected = append(rejected, RejectedSymbol{Symbol: s, Reason: "invalid_characters"})
			continue
		}
		if !symbolmap.IsStandardSymbol(s) {
			rejected = append(rejected, RejectedSymbol{Symbol: s, Reason: "invalid_format"})
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return confirmed, rejected
	}

	provider := preferred
	if provider == "" {
		provider = r.defaultProv
	}
	res, err := r.mapper.FromStandard(ctx, provider, candidates)
	if err != nil {
		log.Warn().Str("provider", provider).Err(err).Msg("symbol translation failed on subscribe")
		for _, s := range candidates {
			rejected = append(rejected, RejectedSymbol{Symbol: s, Reason: "mapping_unavailable"})
		}
		return confirmed, rejected
	}
	failed := make(map[string]bool, len(res.Failed))
	for _, s := range res.Failed {
		failed[s] = true
	}
	var natives []string
	for _, s := range candidates {
		if failed[s] {
			rejected = append(rejected, RejectedSymbol{Symbol: s, Reason: "unmapped"})
			continue
		}
		confirmed = append(confirmed, s)
		natives = append(natives, res.Mapping[s])
	}
	if len(natives) > 0 {
		r.ensureUpstream(provider, capability, natives)
	}
	return confirmed, rejected
}

// ensureUpstream opens the provider stream for natives not yet subscribed and
// pumps its events into the pipeline.
func (r *Receiver) ensureUpstream(provider, capability string, natives []string) {
	adapter, ok := r.providers[provider]
	if !ok {
		log.Warn().Str("provider", provider).Msg("no adapter for provider")
		return
	}
	key := provider + ":" + capability
	r.upMu.Lock()
	have := r.upstream[key]
	if have == nil {
		have = make(map[string]bool)
		r.upstream[key] = have
	}
	var fresh []string
	for _, n := range natives {
		if !have[n] {
			have[n] = true
			fresh = append(fresh, n)
		}
	}
	r.upMu.Unlock()
	if len(fresh) == 0 {
		return
	}

	events, err := adapter.Subscribe(r.ctx, fresh, capability)
	if err != nil {
		log.Error().Str("provider", provider).Err(err).Msg("upstream subscribe failed")
		r.metrics.IncCounter("stream_provider_errors", map[string]string{"provider": provider})
		r.upMu.Lock()
		for _, n := range fresh {
			delete(have, n)
		}
		r.upMu.Unlock()
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range events {
			r.OnProviderEvent(r.ctx, ev)
		}
		// Channel closed: upstream disconnect. Forget the natives so the next
		// subscribe reopens the stream.
		r.upMu.Lock()
		for _, n := range fresh {
			delete(have, n)
		}
		r.upMu.Unlock()
		log.Warn().Str("provider", provider).Str("capability", capability).Msg("upstream stream closed")
	}()
}

// OnProviderEvent runs the push pipeline for one upstream frame: translate the
// native symbol, transform the payload, write through the cache, fan out.
func (r *Receiver) OnProviderEvent(ctx context.Context, ev ports.ProviderEvent) {
	res, err := r.mapper.ToStandard(ctx, ev.Provider, []string{ev.Symbol})
	if err != nil || len(res.Failed) > 0 {
		r.metrics.IncCounter("stream_unmapped_events", map[string]string{"provider": ev.Provider})
		log.Debug().Str("provider", ev.Provider).Str("symbol", ev.Symbol).Msg("dropping unmappable event")
		return
	}
	standard := res.Mapping[ev.Symbol]

	out, err := r.transform.Transform(ctx, transformer.Request{
		Provider: ev.Provider,
		APIType:  rules.APIStream,
		// All push capabilities transform through the quote field set today;
		// depth and broker payloads ride the same canonical shape.
		RuleListType: rules.RuleListQuote,
		Raw:          ev.Payload,
	})
	if err != nil {
		r.metrics.IncCounter("stream_transform_errors", map[string]string{"provider": ev.Provider})
		log.Debug().Str("provider", ev.Provider).Str("symbol", standard).Err(err).Msg("tick transform failed")
		return
	}
	payload, err := json.Marshal(out.Data)
	if err != nil {
		return
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = r.clock.Now()
	}

	// Write-through so query-path readers see the freshest tick.
	if r.orchestrator != nil {
		if err := r.orchestrator.Put(ctx, WarmKeyPrefix+standard, payload, smartcache.Options{
			Strategy: smartcache.StrategyStrongTimeliness,
			Symbol:   standard,
		}); err != nil {
			log.Debug().Str("symbol", standard).Err(err).Msg("stream cache warm failed")
		}
	}

	// Archive for gap replay; delivery does not wait on the durable tier.
	if r.sink != nil {
		if err := r.sink.Insert(ctx, []postgres.Tick{{
			Symbol:     standard,
			Capability: ev.Capability,
			Timestamp:  ts,
			Payload:    payload,
		}}); err != nil {
			log.Debug().Str("symbol", standard).Err(err).Msg("tick archive write failed")
		}
	}

	tick := &TickMessage{
		Type:      FrameTick,
		Symbol:    standard,
		Timestamp: ts.UnixMilli(),
		Data:      payload,
	}
	r.dispatch(ev.Capability, standard, tick)
}

// dispatch fans a tick to the subscriber snapshot without holding the index
// lock across sends.
func (r *Receiver) dispatch(capability, symbol string, tick *TickMessage) {
	r.mu.RLock()
	subs := r.subscribers[subKey(capability, symbol)]
	r.mu.RUnlock()
	if len(subs) == 0 {
		return
	}
	for _, c := range subs {
		if c.isDisconnected() {
			continue
		}
		c.enqueue(tick, false)
	}
	r.metrics.AddCounter("dispatched_ticks",
		map[string]string{"capability": capability}, float64(len(subs)))
}

// indexAdd adds a connection to each symbol's subscriber set, replacing the
// slice so concurrent dispatch never sees a partial update.
func (r *Receiver) indexAdd(c *connection, capability string, symbols []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range symbols {
		k := subKey(capability, s)
		old := r.subscribers[k]
		found := false
		for _, e := range old {
			if e == c {
				found = true
				break
			}
		}
		if found {
			continue
		}
		next := make([]*connection, len(old), len(old)+1)
		copy(next, old)
		r.subscribers[k] = append(next, c)
	}
}

func (r *Receiver) indexRemove(c *connection, capability string, symbols []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range symbols {
		k := subKey(capability, s)
		old := r.subscribers[k]
		next := make([]*connection, 0, len(old))
		for _, e := range old {
			if e != c {
				next = append(next, e)
			}
		}
		if len(next) == 0 {
			delete(r.subscribers, k)
		} else {
			r.subscribers[k] = next
		}
	}
}

func (r *Receiver) lookup(clientID string) *connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[clientID]
}

// Heartbeat records client liveness.
func (r *Receiver) Heartbeat(clientID string) {
	if c := r.lookup(clientID); c != nil {
		c.heartbeat()
	}
}

// Health grades a connection: excellent, good, poor or critical.
func (r *Receiver) Health(clientID string) string {
	c := r.lookup(clientID)
	if c == nil {
		return HealthCritical
	}
	return c.health(r.cfg.HeartbeatWindow, r.cfg.ActivityWindow, r.cfg.CumulativeErrorTrip)
}

// Disconnect marks a client gone but keeps its subscriptions for the grace
// window so a fast reconnect resumes without resubscribing.
func (r *Receiver) Disconnect(clientID string) {
	c := r.lookup(clientID)
	if c == nil {
		return
	}
	c.markDisconnected()
	r.mu.Lock()
	if t, ok := r.graceTimers[clientID]; ok {
		t.Stop()
	}
	r.graceTimers[clientID] = time.AfterFunc(r.cfg.DisconnectGrace, func() {
		r.cleanup(clientID)
	})
	r.mu.Unlock()
	log.Info().Str("client", clientID).Dur("grace", r.cfg.DisconnectGrace).Msg("client disconnected")
}

// cleanup removes a client after the grace window expires.
func (r *Receiver) cleanup(clientID string) {
	r.mu.Lock()
	c, ok := r.conns[clientID]
	if !ok || !c.isDisconnected() {
		r.mu.Unlock()
		return
	}
	delete(r.conns, clientID)
	delete(r.graceTimers, clientID)
	for k, subs := range r.subscribers {
		next := make([]*connection, 0, len(subs))
		for _, e := range subs {
			if e != c {
				next = append(next, e)
			}
		}
		if len(next) == 0 {
			delete(r.subscribers, k)
		} else {
			r.subscribers[k] = next
		}
	}
	r.metrics.SetGauge("active_subscriptions", map[string]string{"kind": "connections"}, float64(len(r.conns)))
	r.mu.Unlock()
	c.close()
	log.Info().Str("client", clientID).Msg("client cleaned up after grace window")
}

// Reconnect restores a session on a fresh transport and, when a recovery
// engine is wired, schedules replay of the gap since the client's last
// received tick.
func (r *Receiver) Reconnect(ctx context.Context, conn ClientConn, req ClientReconnectRequest) (*ClientReconnectResponse, error) {
	// Drop any lingering prior session under the old client ID.
	r.mu.Lock()
	if t, ok := r.graceTimers[req.ClientID]; ok {
		t.Stop()
		delete(r.graceTimers, req.ClientID)
	}
	old, hadOld := r.conns[req.ClientID]
	delete(r.conns, req.ClientID)
	r.mu.Unlock()
	if hadOld {
		r.mu.Lock()
		for k, subs := range r.subscribers {
			next := make([]*connection, 0, len(subs))
			for _, e := range subs {
				if e != old {
					next = append(next, e)
				}
			}
			if len(next) == 0 {
				delete(r.subscribers, k)
			} else {
				r.subscribers[k] = next
			}
		}
		r.mu.Unlock()
		old.close()
	}

	r.Register(conn)
	capability := req.WSCapabilityType
	if capability == "" {
		capability = CapQuote
	}
	ack, err := r.Subscribe(ctx, conn.ID(), SubscribeRequest{
		Symbols:           req.Symbols,
		WSCapabilityType:  capability,
		PreferredProvider: req.PreferredProvider,
	})
	if err != nil {
		return nil, err
	}

	resp := &ClientReconnectResponse{
		Type:             FrameReconnectAck,
		Success:          ack.Success,
		ConfirmedSymbols: ack.ConfirmedSymbols,
		RejectedSymbols:  ack.RejectedSymbols,
		ServerTimestamp:  r.clock.Now().UnixMilli(),
	}
	resp.RecoveryStrategy = r.planRecovery(ctx, conn, ack.ConfirmedSymbols, capability, req.LastReceiveTimestamp)
	return resp, nil
}

func (r *Receiver) planRecovery(ctx context.Context, conn ClientConn, symbols []string, capability string, lastReceived int64) RecoveryStrategy {
	if r.recovery == nil || lastReceived <= 0 || len(symbols) == 0 {
		return RecoveryStrategy{WillRecover: false, Reason: "no_recovery_available"}
	}
	c := r.lookup(conn.ID())
	from := time.UnixMilli(lastReceived)
	to := r.clock.Now()
	plan, err := r.recovery.Schedule(ctx, RecoveryRequest{
		ClientID:   conn.ID(),
		Symbols:    symbols,
		Capability: capability,
		From:       from,
		To:         to,
		Deliver: func(dctx context.Context, frame any) error {
			if c == nil {
				return errs.Newf(errs.CodeStreamDispatchFailed, "client %s gone", conn.ID())
			}
			c.enqueue(frame, true)
			return nil
		},
	})
	if err != nil {
		if errs.CodeOf(err) == errs.CodeStreamRecoveryWindow {
			return RecoveryStrategy{WillRecover: false, Reason: "recovery_window_exceeded"}
		}
		log.Warn().Str("client", conn.ID()).Err(err).Msg("recovery scheduling failed")
		return RecoveryStrategy{WillRecover: false, Reason: "recovery_unavailable"}
	}
	return RecoveryStrategy{
		WillRecover:         plan.WillRecover,
		TimeRange:           TimeRange{From: plan.From.UnixMilli(), To: plan.To.UnixMilli()},
		EstimatedDataPoints: plan.EstimatedDataPoints,
		RecoveryJobID:       plan.JobID,
		Reason:              plan.Reason,
	}
}

// Close stops the receiver: upstream pumps end, every connection closes.
func (r *Receiver) Close() {
	r.cancel()
	r.mu.Lock()
	conns := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	for id, t := range r.graceTimers {
		t.Stop()
		delete(r.graceTimers, id)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	r.wg.Wait()
}

// Package providers adapts upstream market-data vendors to the provider port.
// The generic adapter speaks plain REST for fetches and a JSON WebSocket for
// push streams; vendor quirks stay in the mapping rules, not in code.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/ports"
)

// Adapter implements ports.ProviderAdapter over HTTP and WebSocket endpoints.
type Adapter struct {
	name   string
	cfg    config.ProviderConfig
	client *http.Client
	dialer *websocket.Dialer
}

var _ ports.ProviderAdapter = (*Adapter)(nil)

// New builds an adapter for one configured provider.
func New(name string, cfg config.ProviderConfig) *Adapter {
	return &Adapter{
		name:   name,
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (a *Adapter) Name() string { return a.name }

// Fetch pulls one capability's payload for a symbol batch.
func (a *Adapter) Fetch(ctx context.Context, req ports.ProviderRequest) (*ports.ProviderResponse, error) {
	if a.cfg.BaseURL == "" {
		return nil, errs.Newf(errs.CodeStreamProviderError, "provider %s has no base_url", a.name)
	}
	u := fmt.Sprintf("%s/%s?symbols=%s",
		strings.TrimRight(a.cfg.BaseURL, "/"),
		url.PathEscape(req.Capability),
		url.QueryEscape(strings.Join(req.Symbols, ",")))

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeStreamProviderError, a.name+" fetch")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Newf(errs.CodeStreamProviderError, "%s fetch: status %d", a.name, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeStreamProviderError, a.name+" read body")
	}
	return &ports.ProviderResponse{
		Provider: a.name,
		Payload:  body,
		Latency:  time.Since(start),
	}, nil
}

type wireSubscribe struct {
	Action     string   `json:"action"`
	Symbols    []string `json:"symbols"`
	Capability string   `json:"capability"`
}

type wireEvent struct {
	Symbol     string          `json:"symbol"`
	Capability string          `json:"capability"`
	Timestamp  int64           `json:"timestamp"`
	Data       json.RawMessage `json:"data"`
}

// Subscribe opens the push stream for a symbol batch. The returned channel
// closes when the socket drops; callers own resubscription.
func (a *Adapter) Subscribe(ctx context.Context, symbols []string, capability string) (<-chan ports.ProviderEvent, error) {
	if a.cfg.WSURL == "" {
		return nil, errs.Newf(errs.CodeStreamProviderError, "provider %s has no ws_url", a.name)
	}
	ws, _, err := a.dialer.DialContext(ctx, a.cfg.WSURL, nil)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeStreamProviderError, a.name+" dial")
	}
	if err := ws.WriteJSON(wireSubscribe{Action: "subscribe", Symbols: symbols, Capability: capability}); err != nil {
		_ = ws.Close()
		return nil, errs.Wrap(err, errs.CodeStreamProviderError, a.name+" subscribe")
	}

	events := make(chan ports.ProviderEvent, 64)
	go a.pump(ctx, ws, capability, events)
	return events, nil
}

func (a *Adapter) pump(ctx context.Context, ws *websocket.Conn, capability string, events chan<- ports.ProviderEvent) {
	defer close(events)
	defer ws.Close()
	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()
	for {
		var ev wireEvent
		if err := ws.ReadJSON(&ev); err != nil {
			if ctx.Err() == nil {
				log.Warn().Str("provider", a.name).Err(err).Msg("provider stream dropped")
			}
			return
		}
		if ev.Capability == "" {
			ev.Capability = capability
		}
		out := ports.ProviderEvent{
			Provider:   a.name,
			Symbol:     ev.Symbol,
			Capability: ev.Capability,
			Payload:    ev.Data,
			Timestamp:  time.UnixMilli(ev.Timestamp),
		}
		select {
		case events <- out:
		case <-ctx.Done():
			return
		}
	}
}

// ReportedMarketStatus asks the provider's market-status endpoint; providers
// without one report nothing.
func (a *Adapter) ReportedMarketStatus(ctx context.Context, market string) (string, error) {
	if a.cfg.BaseURL == "" {
		return "", nil
	}
	u := fmt.Sprintf("%s/market_status?market=%s",
		strings.TrimRight(a.cfg.BaseURL, "/"), url.QueryEscape(market))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", errs.Wrap(err, errs.CodeStreamProviderError, a.name+" market status")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", errs.Newf(errs.CodeStreamProviderError, "%s market status: status %d", a.name, resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Status, nil
}

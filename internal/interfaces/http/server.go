// Package http exposes the service surface: the ops endpoints, the query API
// and the WebSocket push endpoint.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/load"
	"github.com/quotewire/quotewire/internal/mappercache"
	"github.com/quotewire/quotewire/internal/marketstatus"
	"github.com/quotewire/quotewire/internal/metrics"
	"github.com/quotewire/quotewire/internal/net/ratelimit"
	"github.com/quotewire/quotewire/internal/ports"
	"github.com/quotewire/quotewire/internal/rules"
	"github.com/quotewire/quotewire/internal/smartcache"
	"github.com/quotewire/quotewire/internal/storage"
	"github.com/quotewire/quotewire/internal/stream"
	"github.com/quotewire/quotewire/internal/symbolmap"
	"github.com/quotewire/quotewire/internal/transformer"
)

// Deps collects everything the surface serves.
type Deps struct {
	Config       *config.Config
	Store        *storage.Store
	Mapper       *symbolmap.Mapper
	Markets      *marketstatus.Service
	Transformer  *transformer.Service
	Orchestrator *smartcache.Orchestrator
	Receiver     *stream.Receiver
	Rules        *rules.Store
	RuleCache    *mappercache.Cache
	Limits       *ratelimit.Registry
	Concurrency  *load.Controller
	Providers    map[string]ports.ProviderAdapter
	Metrics      *metrics.Registry
}

// Server is the HTTP/WebSocket front.
type Server struct {
	deps Deps
	srv  *http.Server
}

// New builds the server on the configured listen address.
func New(deps Deps) *Server {
	s := &Server{deps: deps}
	s.srv = &http.Server{
		Addr:         deps.Config.HTTP.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Router wires every route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Metrics.Prometheus(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/transform", s.handleTransform).Methods(http.MethodPost)
	api.HandleFunc("/transform/batch", s.handleTransformBatch).Methods(http.MethodPost)
	api.HandleFunc("/symbols/translate", s.handleTranslate).Methods(http.MethodPost)
	api.HandleFunc("/markets/{market}/status", s.handleMarketStatus).Methods(http.MethodGet)
	api.HandleFunc("/quote/{symbol}", s.handleQuote).Methods(http.MethodGet)
	api.HandleFunc("/rules", s.handleRuleSave).Methods(http.MethodPut)
	api.HandleFunc("/rules/{id}", s.handleRuleGet).Methods(http.MethodGet)
	api.HandleFunc("/rules/{id}", s.handleRuleDelete).Methods(http.MethodDelete)
	return r
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.srv.Addr).Msg("http listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response encode failed")
	}
}

// writeError maps application error categories to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var ae *errs.AppError
	if errors.As(err, &ae) {
		switch ae.Category {
		case errs.CategoryValidation:
			status = http.StatusBadRequest
		case errs.CategoryBusiness:
			status = http.StatusNotFound
		case errs.CategoryExternal:
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": errs.CodeOf(err)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	health := s.deps.Store.Health(ctx)
	status := http.StatusOK
	for _, v := range health {
		if v != "ok" {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"storage":      s.deps.Store.Stats(),
		"symbol_cache": s.deps.Mapper.Stats(),
		"rule_cache":   s.deps.RuleCache.Snapshot(),
		"rate_limits":  s.deps.Limits.Stats(),
		"concurrency": map[string]int{
			"limit":     s.deps.Concurrency.Limit(),
			"in_flight": s.deps.Concurrency.InFlight(),
		},
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	var req transformer.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := s.deps.Transformer.Transform(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTransformBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []transformer.Request
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := s.deps.Transformer.TransformBatch(r.Context(), reqs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type translateRequest struct {
	Provider  string   `json:"provider"`
	Direction string   `json:"direction"` // to_std | from_std
	Symbols   []string `json:"symbols"`
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var res *symbolmap.Result
	var err error
	switch req.Direction {
	case string(symbolmap.DirFromStandard):
		res, err = s.deps.Mapper.FromStandard(r.Context(), req.Provider, req.Symbols)
	default:
		res, err = s.deps.Mapper.ToStandard(r.Context(), req.Provider, req.Symbols)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMarketStatus(w http.ResponseWriter, r *http.Request) {
	market := mux.Vars(r)["market"]
	res, err := s.deps.Markets.Status(r.Context(), market)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleQuote is the query path: smart cache in front of a throttled provider
// fetch and transform.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		provider = "longport"
	}
	strategy := smartcache.Strategy(r.URL.Query().Get("strategy"))
	if strategy == "" {
		strategy = smartcache.StrategyMarketAware
	}
	adapter, ok := s.deps.Providers[provider]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown provider " + provider})
		return
	}

	key := "quote:" + provider + ":" + symbol
	res, err := s.deps.Orchestrator.GetOrSet(r.Context(), key, func(ctx context.Context) (json.RawMessage, error) {
		translated, err := s.deps.Mapper.FromStandard(ctx, provider, []string{symbol})
		if err != nil {
			return nil, err
		}
		native, ok := translated.Mapping[symbol]
		if !ok {
			return nil, errs.Newf(errs.CodeSymbolNotMapped, "symbol %s has no %s mapping", symbol, provider)
		}
		if err := s.deps.Limits.Wait(ctx, provider, stream.CapQuote); err != nil {
			return nil, errs.Wrap(err, errs.CodeStreamProviderError, "provider rate wait")
		}
		resp, err := adapter.Fetch(ctx, ports.ProviderRequest{Capability: stream.CapQuote, Symbols: []string{native}})
		if err != nil {
			return nil, errs.Wrap(err, errs.CodeStreamProviderError, "provider fetch")
		}
		out, err := s.deps.Transformer.Transform(ctx, transformer.Request{
			Provider:     provider,
			APIType:      rules.APIRest,
			RuleListType: rules.RuleListQuote,
			Raw:          resp.Payload,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(out.Data)
	}, smartcache.Options{Strategy: strategy, Symbol: symbol})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRuleSave(w http.ResponseWriter, r *http.Request) {
	var rule rules.MappingRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.deps.Rules.Save(r.Context(), &rule); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.RuleCache.InvalidateRuleCache(r.Context(), rule.ID, &rule); err != nil {
		log.Warn().Str("rule", rule.ID).Err(err).Msg("rule cache invalidation failed")
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": rule.ID})
}

func (s *Server) handleRuleGet(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Rules.FindByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Rules.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.RuleCache.InvalidateRuleCache(r.Context(), id, nil); err != nil {
		log.Warn().Str("rule", id).Err(err).Msg("rule cache invalidation failed")
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

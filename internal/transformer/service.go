// Package transformer orchestrates a transformation end to end: mapping-rule
// lookup through the rule cache, application, validation and statistics.
package transformer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/mappercache"
	"github.com/quotewire/quotewire/internal/ports"
	"github.com/quotewire/quotewire/internal/rules"
)

// Request describes one transformation. RuleID pins a specific rule;
// otherwise the best-matching active rule for the tuple applies.
type Request struct {
	Provider     string             `json:"provider"`
	APIType      rules.APIType      `json:"api_type"`
	RuleListType rules.RuleListType `json:"rule_list_type"`
	RuleID       string             `json:"rule_id,omitempty"`
	Raw          json.RawMessage    `json:"raw"`
}

// Metadata accompanies every transformation result.
type Metadata struct {
	RuleID        string           `json:"rule_id"`
	Provider      string           `json:"provider"`
	Stats         rules.ApplyStats `json:"stats"`
	Warnings      []rules.Warning  `json:"warnings,omitempty"`
	TransformedAt time.Time        `json:"transformed_at"`
}

// Result is the canonical payload plus metadata.
type Result struct {
	Data     []map[string]any `json:"data"`
	Metadata Metadata         `json:"metadata"`
}

// Service wires the rule store and rule cache into the transform path.
type Service struct {
	store        *rules.Store
	cache        *mappercache.Cache
	clock        ports.Clock
	metrics      ports.Metrics
	maxBatchSize int
}

// New builds the service.
func New(store *rules.Store, cache *mappercache.Cache, clock ports.Clock, m ports.Metrics, maxBatchSize int) *Service {
	if clock == nil {
		clock = ports.RealClock{}
	}
	if m == nil {
		m = ports.NopMetrics{}
	}
	if maxBatchSize <= 0 {
		maxBatchSize = 100
	}
	return &Service{store: store, cache: cache, clock: clock, metrics: m, maxBatchSize: maxBatchSize}
}

// Transform runs one request: rule lookup, apply, validate, stats.
func (s *Service) Transform(ctx context.Context, req Request) (*Result, error) {
	rule, err := s.resolveRule(ctx, req)
	if err != nil {
		return nil, err
	}
	applied, err := rules.Apply(rule, req.Raw)
	if err != nil {
		return nil, err
	}
	s.metrics.AddCounter("transform_records",
		map[string]string{"provider": req.Provider, "rule_list_type": string(req.RuleListType)},
		float64(applied.Stats.RecordsProcessed))
	for range applied.Warnings {
		s.metrics.IncCounter("transform_warnings", map[string]string{"kind": "mapping"})
	}
	return &Result{
		Data: applied.Records,
		Metadata: Metadata{
			RuleID:        rule.ID,
			Provider:      req.Provider,
			Stats:         applied.Stats,
			Warnings:      applied.Warnings,
			TransformedAt: s.clock.Now(),
		},
	}, nil
}

// resolveRule looks up the rule through the cache, falling back to the store
// and repopulating the cache on the way out.
func (s *Service) resolveRule(ctx context.Context, req Request) (*rules.MappingRule, error) {
	if req.RuleID != "" {
		if s.cache != nil {
			if rule, err := s.cache.GetCachedRuleById(ctx, req.RuleID); err == nil && rule != nil {
				return rule, nil
			}
		}
		rule, err := s.store.FindByID(ctx, req.RuleID)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			if cerr := s.cache.CacheRuleById(ctx, rule); cerr != nil {
				log.Debug().Str("rule", rule.ID).Err(cerr).Msg("rule cache populate failed")
			}
		}
		return rule, nil
	}

	if s.cache != nil {
		if rule, err := s.cache.GetCachedBestMatchingRule(ctx, req.Provider, req.APIType, req.RuleListType); err == nil && rule != nil {
			return rule, nil
		}
	}
	rule, err := s.store.FindBestMatching(ctx, req.Provider, req.APIType, req.RuleListType)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if cerr := s.cache.CacheBestMatchingRule(ctx, req.Provider, req.APIType, req.RuleListType, rule); cerr != nil {
			log.Debug().Str("rule", rule.ID).Err(cerr).Msg("rule cache populate failed")
		}
	}
	return rule, nil
}

// ruleKey groups batch requests that share one rule lookup.
func ruleKey(req Request) string {
	if req.RuleID != "" {
		return "id:" + req.RuleID
	}
	return fmt.Sprintf("match:%s:%s:%s", req.Provider, req.APIType, req.RuleListType)
}

// TransformBatch groups requests by rule so one lookup serves each group,
// then applies group members in parallel. Batches above the cap are rejected.
func (s *Service) TransformBatch(ctx context.Context, reqs []Request) ([]*Result, error) {
	if len(reqs) > s.maxBatchSize {
		return nil, errs.Newf(errs.CodeMapperBatchExceeded,
			"batch size %d exceeds %d", len(reqs), s.maxBatchSize)
	}
	results := make([]*Result, len(reqs))
	groups := make(map[string][]int)
	for i, req := range reqs {
		k := ruleKey(req)
		groups[k] = append(groups[k], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, indices := range groups {
		indices := indices
		g.Go(func() error {
			rule, err := s.resolveRule(gctx, reqs[indices[0]])
			if err != nil {
				return err
			}
			inner, ictx := errgroup.WithContext(gctx)
			for _, i := range indices {
				i := i
				inner.Go(func() error {
					if ictx.Err() != nil {
						return ictx.Err()
					}
					applied, err := rules.Apply(rule, reqs[i].Raw)
					if err != nil {
						return err
					}
					results[i] = &Result{
						Data: applied.Records,
						Metadata: Metadata{
							RuleID:        rule.ID,
							Provider:      reqs[i].Provider,
							Stats:         applied.Stats,
							Warnings:      applied.Warnings,
							TransformedAt: s.clock.Now(),
						},
					}
					return nil
				})
			}
			return inner.Wait()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

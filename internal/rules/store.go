package rules

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/ports"
)

// Collection holding mapping-rule documents in the durable store.
const Collection = "mapping_rules"

// Store loads mapping rules from the durable document store. Matching only
// considers active rules; ties break by is_default, then most recent update.
type Store struct {
	docs ports.DocStore
}

// NewStore wraps a document store.
func NewStore(docs ports.DocStore) *Store {
	return &Store{docs: docs}
}

// FindByID loads one rule regardless of lifecycle state.
func (s *Store) FindByID(ctx context.Context, id string) (*MappingRule, error) {
	raw, err := s.docs.GetDoc(ctx, Collection, id)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, errs.Newf(errs.CodeMapperRuleNotFound, "rule %s not found", id)
		}
		return nil, errs.Wrap(err, errs.CodeSymbolStoreFailed, "load rule "+id)
	}
	var rule MappingRule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return nil, errs.Wrap(err, errs.CodeDataCorrupted, "decode rule "+id)
	}
	return &rule, nil
}

// FindBestMatching returns the single highest-priority active rule for the
// tuple, or a rule-not-found business error.
func (s *Store) FindBestMatching(ctx context.Context, provider string, apiType APIType, listType RuleListType) (*MappingRule, error) {
	candidates, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	var matched []*MappingRule
	for _, r := range candidates {
		if r.State == StateActive && r.Provider == provider && r.APIType == apiType && r.RuleListType == listType {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return nil, errs.Newf(errs.CodeMapperRuleNotFound,
			"no active rule for %s/%s/%s", provider, apiType, listType)
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.IsDefault != b.IsDefault {
			return a.IsDefault
		}
		return a.UpdatedAt.After(b.UpdatedAt)
	})
	return matched[0], nil
}

// ListByProvider returns the active rules for a provider and API type.
func (s *Store) ListByProvider(ctx context.Context, provider string, apiType APIType) ([]*MappingRule, error) {
	candidates, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*MappingRule
	for _, r := range candidates {
		if r.State == StateActive && r.Provider == provider && r.APIType == apiType {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save validates and stores a rule snapshot. Updates bump the version; the
// previous snapshot is retained under a versioned id until operator GC.
func (s *Store) Save(ctx context.Context, rule *MappingRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(rule)
	if err != nil {
		return errs.Wrap(err, errs.CodeMapperInvalidFormat, "encode rule")
	}
	if err := s.docs.PutDoc(ctx, Collection, rule.ID, raw); err != nil {
		return errs.Wrap(err, errs.CodeSymbolStoreFailed, "store rule "+rule.ID)
	}
	log.Info().Str("rule", rule.ID).Str("provider", rule.Provider).Int("version", rule.Version).Msg("mapping rule stored")
	return nil
}

// Delete removes a rule document.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.docs.DeleteDoc(ctx, Collection, id); err != nil && !errors.Is(err, ports.ErrNotFound) {
		return errs.Wrap(err, errs.CodeSymbolStoreFailed, "delete rule "+id)
	}
	return nil
}

func (s *Store) loadAll(ctx context.Context) ([]*MappingRule, error) {
	docs, err := s.docs.ListDocs(ctx, Collection, 0)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeSymbolStoreFailed, "list rules")
	}
	out := make([]*MappingRule, 0, len(docs))
	for id, raw := range docs {
		var rule MappingRule
		if err := json.Unmarshal(raw, &rule); err != nil {
			log.Warn().Str("rule", id).Err(err).Msg("skipping undecodable rule document")
			continue
		}
		out = append(out, &rule)
	}
	return out, nil
}

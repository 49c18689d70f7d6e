package symbolmap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/errs"
	"github.com/quotewire/quotewire/internal/ports"
)

// Collection holding per-provider symbol mapping documents.
const Collection = "symbol_mappings"

// MappingDoc is the durable per-provider document: one document holds all of
// a provider's symbol pairs.
type MappingDoc struct {
	Provider string        `json:"provider"`
	Entries  []MappingPair `json:"entries"`
}

// MappingPair links a standard symbol to the provider-native one. Identity
// pairs (standard == native) are legal and recorded like any other.
type MappingPair struct {
	Standard string `json:"standard"`
	Native   string `json:"native"`
}

// providerRules is the L1 payload: both lookup directions for one provider.
type providerRules struct {
	toStandard   map[string]string
	fromStandard map[string]string
}

// batchEntry is the L3 payload: a full batch result keyed by symbol-set hash.
type batchEntry struct {
	mapping map[string]string
	failed  []string
}

// Result is the outcome of a batch translation.
type Result struct {
	Mapping   map[string]string `json:"mapping"`
	Failed    []string          `json:"failed"`
	CacheHits int               `json:"cache_hits"`
}

// LayerStats tracks resolution ratio per cache layer.
type LayerStats struct {
	L1Hits int64 `json:"l1_hits"`
	L2Hits int64 `json:"l2_hits"`
	L3Hits int64 `json:"l3_hits"`
	Loads  int64 `json:"loads"`
	L1Len  int   `json:"l1_len"`
	L2Len  int   `json:"l2_len"`
	L3Len  int   `json:"l3_len"`
}

// Mapper is the three-level symbol mapper cache.
type Mapper struct {
	docs    ports.DocStore
	cfg     config.SymbolMapConfig
	metrics ports.Metrics

	l1 *lru.Cache[string, *providerRules] // sm:provider_rules:<provider>
	l2 *lru.Cache[string, string]         // sm:symbol_mapping:<provider>:<direction>:<symbol>
	l3 *lru.Cache[string, batchEntry]     // sm:batch_result:<provider>:<direction>:<hash>

	mu    sync.Mutex // guards durable loads so one provider loads once
	stats struct {
		sync.Mutex
		l1Hits, l2Hits, l3Hits, loads int64
	}
}

// New builds the mapper. Sizes come from configuration; each level evicts LRU
// independently.
func New(docs ports.DocStore, cfg config.SymbolMapConfig, m ports.Metrics) (*Mapper, error) {
	if m == nil {
		m = ports.NopMetrics{}
	}
	l1, err := lru.New[string, *providerRules](cfg.L1Size)
	if err != nil {
		return nil, err
	}
	l2, err := lru.New[string, string](cfg.L2Size)
	if err != nil {
		return nil, err
	}
	l3, err := lru.New[string, batchEntry](cfg.L3Size)
	if err != nil {
		return nil, err
	}
	return &Mapper{docs: docs, cfg: cfg, metrics: m, l1: l1, l2: l2, l3: l3}, nil
}

func l1Key(provider string) string { return "sm:provider_rules:" + provider }

func l2Key(provider string, dir Direction, symbol string) string {
	return fmt.Sprintf("sm:symbol_mapping:%s:%s:%s", provider, dir, symbol)
}

func l3Key(provider string, dir Direction, symbols []string) string {
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return fmt.Sprintf("sm:batch_result:%s:%s:%s", provider, dir, hex.EncodeToString(sum[:8]))
}

// ToStandard translates provider-native symbols to standard symbols.
func (m *Mapper) ToStandard(ctx context.Context, provider string, native []string) (*Result, error) {
	return m.translate(ctx, provider, DirToStandard, native)
}

// FromStandard translates standard symbols to provider-native symbols.
// Standard inputs are regex-gated before lookup.
func (m *Mapper) FromStandard(ctx context.Context, provider string, standard []string) (*Result, error) {
	return m.translate(ctx, provider, DirFromStandard, standard)
}

func (m *Mapper) translate(ctx context.Context, provider string, dir Direction, symbols []string) (*Result, error) {
	if len(symbols) == 0 {
		return &Result{Mapping: map[string]string{}}, nil
	}
	if m.cfg.MaxBatchSize > 0 && len(symbols) > m.cfg.MaxBatchSize {
		return nil, errs.Newf(errs.CodeMapperBatchExceeded,
			"batch size %d exceeds %d", len(symbols), m.cfg.MaxBatchSize)
	}

	res := &Result{Mapping: make(map[string]string, len(symbols))}
	valid := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if !ValidSymbol(s, m.cfg.MaxSymbolLength) || (dir == DirFromStandard && !IsStandardSymbol(s)) {
			res.Failed = append(res.Failed, s)
			continue
		}
		valid = append(valid, s)
	}
	if len(valid) == 0 {
		return res, nil
	}

	// L3: the whole batch may be a single hit.
	bkey := l3Key(provider, dir, valid)
	if entry, ok := m.l3.Get(bkey); ok {
		m.addStat(&m.stats.l3Hits, 1)
		m.metrics.IncCounter("symbol_lookups", map[string]string{"provider": provider, "direction": string(dir), "layer": "l3"})
		for k, v := range entry.mapping {
			res.Mapping[k] = v
		}
		res.Failed = append(res.Failed, entry.failed...)
		res.CacheHits += len(valid)
		return res, nil
	}

	// L2: per-symbol directed lookups.
	var residual []string
	for _, s := range valid {
		if mapped, ok := m.l2.Get(l2Key(provider, dir, s)); ok {
			res.Mapping[s] = mapped
			res.CacheHits++
			m.addStat(&m.stats.l2Hits, 1)
		} else {
			residual = append(residual, s)
		}
	}
	if len(residual) > 0 {
		rules, err := m.providerRules(ctx, provider)
		if err != nil {
			return nil, err
		}
		table := rules.toStandard
		if dir == DirFromStandard {
			table = rules.fromStandard
		}
		for _, s := range residual {
			mapped, ok := table[s]
			if !ok {
				// Unmapped symbols are reported, not identity-passed.
				res.Failed = append(res.Failed, s)
				m.metrics.IncCounter("symbol_failures", map[string]string{"provider": provider, "direction": string(dir)})
				continue
			}
			res.Mapping[s] = mapped
			m.l2.Add(l2Key(provider, dir, s), mapped)
		}
	}

	// Populate L3 with the batch outcome, including failures, so an identical
	// rerun is one lookup.
	entry := batchEntry{mapping: make(map[string]string, len(res.Mapping))}
	for k, v := range res.Mapping {
		entry.mapping[k] = v
	}
	entry.failed = append([]string(nil), res.Failed...)
	m.l3.Add(bkey, entry)
	return res, nil
}

// providerRules returns the L1 entry, lazily loading the provider document
// from the durable store.
func (m *Mapper) providerRules(ctx context.Context, provider string) (*providerRules, error) {
	if rules, ok := m.l1.Get(l1Key(provider)); ok {
		m.addStat(&m.stats.l1Hits, 1)
		return rules, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rules, ok := m.l1.Get(l1Key(provider)); ok {
		return rules, nil
	}

	raw, err := m.docs.GetDoc(ctx, Collection, provider)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			// No mapping document: every lookup fails, but cache the empty
			// set so we do not hammer the store.
			empty := &providerRules{toStandard: map[string]string{}, fromStandard: map[string]string{}}
			m.l1.Add(l1Key(provider), empty)
			return empty, nil
		}
		return nil, errs.Wrap(err, errs.CodeSymbolStoreFailed, "load symbol mappings for "+provider)
	}
	var doc MappingDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errs.Wrap(err, errs.CodeDataCorrupted, "decode symbol mappings for "+provider)
	}
	rules := &providerRules{
		toStandard:   make(map[string]string, len(doc.Entries)),
		fromStandard: make(map[string]string, len(doc.Entries)),
	}
	for _, pair := range doc.Entries {
		rules.toStandard[pair.Native] = pair.Standard
		rules.fromStandard[pair.Standard] = pair.Native
	}
	m.l1.Add(l1Key(provider), rules)
	m.addStat(&m.stats.loads, 1)
	log.Debug().Str("provider", provider).Int("entries", len(doc.Entries)).Msg("symbol mapping rules loaded")
	return rules, nil
}

// InvalidateProvider evicts the provider's L1 entry and every L2/L3 entry
// keyed to it.
func (m *Mapper) InvalidateProvider(provider string) {
	m.l1.Remove(l1Key(provider))
	m.evictPrefix(m.l2.Keys(), "sm:symbol_mapping:"+provider+":", m.l2.Remove)
	m.evictPrefix(m.l3.Keys(), "sm:batch_result:"+provider+":", func(k string) bool { return m.l3.Remove(k) })
	log.Info().Str("provider", provider).Msg("symbol caches invalidated for provider")
}

func (m *Mapper) evictPrefix(keys []string, prefix string, remove func(string) bool) {
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			remove(k)
		}
	}
}

// InvalidateEntry evicts both directed L2 entries for one standard symbol and
// every batch result for the provider (a batch may embed the stale pair).
func (m *Mapper) InvalidateEntry(provider, standardSymbol string) {
	var native string
	if rules, ok := m.l1.Get(l1Key(provider)); ok {
		native = rules.fromStandard[standardSymbol]
	}
	m.l2.Remove(l2Key(provider, DirFromStandard, standardSymbol))
	if native != "" {
		m.l2.Remove(l2Key(provider, DirToStandard, native))
	}
	m.evictPrefix(m.l3.Keys(), "sm:batch_result:"+provider+":", func(k string) bool { return m.l3.Remove(k) })
	m.l1.Remove(l1Key(provider))
}

// Stats reports per-layer counters and sizes.
func (m *Mapper) Stats() LayerStats {
	m.stats.Lock()
	defer m.stats.Unlock()
	return LayerStats{
		L1Hits: m.stats.l1Hits,
		L2Hits: m.stats.l2Hits,
		L3Hits: m.stats.l3Hits,
		Loads:  m.stats.loads,
		L1Len:  m.l1.Len(),
		L2Len:  m.l2.Len(),
		L3Len:  m.l3.Len(),
	}
}

func (m *Mapper) addStat(field *int64, delta int64) {
	m.stats.Lock()
	*field += delta
	m.stats.Unlock()
}

// Shrink evicts LRU entries until each level holds at most ratio of its
// configured size. Used by the memory guard.
func (m *Mapper) Shrink(ratio float64) {
	if ratio <= 0 || ratio >= 1 {
		return
	}
	shrink := func(length, size int, removeOldest func() bool) {
		target := int(float64(size) * ratio)
		for length > target {
			if !removeOldest() {
				return
			}
			length--
		}
	}
	shrink(m.l2.Len(), m.cfg.L2Size, func() bool { _, _, ok := m.l2.RemoveOldest(); return ok })
	shrink(m.l3.Len(), m.cfg.L3Size, func() bool { _, _, ok := m.l3.RemoveOldest(); return ok })
}

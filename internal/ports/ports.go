// Package ports declares the external collaborator interfaces. Storage
// engines, provider SDKs and metric sinks live behind these; every component
// receives them by constructor injection so test doubles substitute freely.
package ports

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a key or document does not exist.
var ErrNotFound = errors.New("not found")

// KVStore is the fast cache backend (Redis-like semantics).
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int, error)
	Exists(ctx context.Context, key string) (bool, error)
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	// Scan iterates keys matching a glob pattern from cursor, returning up to
	// count keys and the next cursor (0 when exhausted).
	Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Ping(ctx context.Context) error
}

// ChangeType identifies a change-stream event.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is delivered by DocStore.Watch for a watched collection.
type ChangeEvent struct {
	Type       ChangeType
	Collection string
	DocID      string
	Doc        json.RawMessage
}

// DocStore is the durable document backend.
type DocStore interface {
	GetDoc(ctx context.Context, collection, id string) (json.RawMessage, error)
	PutDoc(ctx context.Context, collection, id string, doc json.RawMessage) error
	DeleteDoc(ctx context.Context, collection, id string) error
	ListDocs(ctx context.Context, collection string, limit int) (map[string]json.RawMessage, error)
	// Watch opens a change stream on a collection. The channel closes when the
	// stream breaks; callers own reconnection.
	Watch(ctx context.Context, collection string) (<-chan ChangeEvent, error)
	Ping(ctx context.Context) error
}

// ProviderRequest is a normalized upstream fetch.
type ProviderRequest struct {
	Capability string   // quote, basic_info, index, market_status
	Symbols    []string // provider-native symbols
}

// ProviderResponse carries the raw upstream payload.
type ProviderResponse struct {
	Provider string
	Payload  json.RawMessage
	Latency  time.Duration
}

// ProviderEvent is a single push frame from an upstream stream.
type ProviderEvent struct {
	Provider   string
	Symbol     string // provider-native
	Capability string
	Payload    json.RawMessage
	Timestamp  time.Time
}

// ProviderAdapter fronts one upstream SDK.
type ProviderAdapter interface {
	Name() string
	Fetch(ctx context.Context, req ProviderRequest) (*ProviderResponse, error)
	// Subscribe opens a push stream; the channel closes on disconnect.
	Subscribe(ctx context.Context, symbols []string, capability string) (<-chan ProviderEvent, error)
	// ReportedMarketStatus returns the provider's view of a market's state, or
	// "" when the provider does not report one.
	ReportedMarketStatus(ctx context.Context, market string) (string, error)
}

// Metrics consumes counter/gauge/histogram events. Implementations must be
// non-blocking; drop on back-pressure rather than block business paths.
type Metrics interface {
	IncCounter(name string, labels map[string]string)
	AddCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NopMetrics discards all events.
type NopMetrics struct{}

func (NopMetrics) IncCounter(string, map[string]string)                {}
func (NopMetrics) AddCounter(string, map[string]string, float64)       {}
func (NopMetrics) SetGauge(string, map[string]string, float64)         {}
func (NopMetrics) ObserveHistogram(string, map[string]string, float64) {}

package storage

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/quotewire/quotewire/internal/ports"
)

// MemoryKV is an in-process ports.KVStore with TTL and glob scan semantics.
// It serves as the fallback backend when Redis is not configured and as the
// test double for every storage consumer.
type MemoryKV struct {
	mu    sync.RWMutex
	items map[string]memEntry
	clock ports.Clock
}

type memEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// NewMemoryKV creates an empty in-memory KV store.
func NewMemoryKV(clock ports.Clock) *MemoryKV {
	if clock == nil {
		clock = ports.RealClock{}
	}
	return &MemoryKV{items: make(map[string]memEntry), clock: clock}
}

func (m *MemoryKV) live(e memEntry) bool {
	return e.expires.IsZero() || m.clock.Now().Before(e.expires)
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || !m.live(e) {
		return nil, ports.ErrNotFound
	}
	return e.value, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = m.clock.Now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range keys {
		if _, ok := m.items[k]; ok {
			delete(m.items, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryKV) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	return ok && m.live(e), nil
}

func (m *MemoryKV) MGet(_ context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range keys {
		if e, ok := m.items[k]; ok && m.live(e) {
			out[k] = e.value
		}
	}
	return out, nil
}

func (m *MemoryKV) Scan(_ context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.items))
	for k, e := range m.items {
		if m.live(e) && globMatch(pattern, k) {
			keys = append(keys, k)
		}
	}
	// The memory store returns everything in one pass; cursors are a Redis
	// artifact the interface has to carry.
	_ = cursor
	if count > 0 && int64(len(keys)) > count {
		keys = keys[:count]
		return keys, 1, nil
	}
	return keys, 0, nil
}

func (m *MemoryKV) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || !m.live(e) {
		return 0, ports.ErrNotFound
	}
	if e.expires.IsZero() {
		return -1, nil
	}
	return e.expires.Sub(m.clock.Now()), nil
}

func (m *MemoryKV) Ping(context.Context) error { return nil }

// Len reports live entries; used by stats and tests.
func (m *MemoryKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.items {
		if m.live(e) {
			n++
		}
	}
	return n
}

// globMatch implements Redis-style glob matching (* ? [..]) over full keys.
func globMatch(pattern, key string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	// path.Match treats '/' specially; cache keys never contain one.
	ok, err := path.Match(pattern, key)
	if err != nil {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return ok
}

// MemoryDoc is an in-process ports.DocStore with a working change stream.
type MemoryDoc struct {
	mu       sync.RWMutex
	docs     map[string]map[string]json.RawMessage
	watchers map[string][]chan ports.ChangeEvent
}

// NewMemoryDoc creates an empty in-memory document store.
func NewMemoryDoc() *MemoryDoc {
	return &MemoryDoc{
		docs:     make(map[string]map[string]json.RawMessage),
		watchers: make(map[string][]chan ports.ChangeEvent),
	}
}

func (m *MemoryDoc) GetDoc(_ context.Context, collection, id string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[collection][id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return doc, nil
}

func (m *MemoryDoc) PutDoc(_ context.Context, collection, id string, doc json.RawMessage) error {
	m.mu.Lock()
	coll, ok := m.docs[collection]
	if !ok {
		coll = make(map[string]json.RawMessage)
		m.docs[collection] = coll
	}
	_, existed := coll[id]
	coll[id] = append(json.RawMessage(nil), doc...)
	watchers := append([]chan ports.ChangeEvent(nil), m.watchers[collection]...)
	m.mu.Unlock()

	typ := ports.ChangeCreate
	if existed {
		typ = ports.ChangeUpdate
	}
	ev := ports.ChangeEvent{Type: typ, Collection: collection, DocID: id, Doc: doc}
	for _, ch := range watchers {
		select {
		case ch <- ev:
		default: // watcher lagging; events are best-effort invalidation hints
		}
	}
	return nil
}

func (m *MemoryDoc) DeleteDoc(_ context.Context, collection, id string) error {
	m.mu.Lock()
	coll := m.docs[collection]
	_, existed := coll[id]
	delete(coll, id)
	watchers := append([]chan ports.ChangeEvent(nil), m.watchers[collection]...)
	m.mu.Unlock()
	if !existed {
		return ports.ErrNotFound
	}
	ev := ports.ChangeEvent{Type: ports.ChangeDelete, Collection: collection, DocID: id}
	for _, ch := range watchers {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (m *MemoryDoc) ListDocs(_ context.Context, collection string, limit int) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]json.RawMessage)
	for id, doc := range m.docs[collection] {
		if limit > 0 && len(out) >= limit {
			break
		}
		out[id] = doc
	}
	return out, nil
}

func (m *MemoryDoc) Watch(ctx context.Context, collection string) (<-chan ports.ChangeEvent, error) {
	ch := make(chan ports.ChangeEvent, 64)
	m.mu.Lock()
	m.watchers[collection] = append(m.watchers[collection], ch)
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		ws := m.watchers[collection]
		for i, w := range ws {
			if w == ch {
				m.watchers[collection] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (m *MemoryDoc) Ping(context.Context) error { return nil }

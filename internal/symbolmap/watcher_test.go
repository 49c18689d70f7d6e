package symbolmap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_InvalidatesOnMappingChange(t *testing.T) {
	m, docs := newTestMapper(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(m, docs, time.Second)
	go w.Run(ctx)

	// Warm the tiers so a stale translation would be served from cache.
	res, err := m.ToStandard(ctx, "longport", []string{"700.HK"})
	require.NoError(t, err)
	require.Equal(t, "0700.HK", res.Mapping["700.HK"])

	// Rewriting the provider document with a different standard symbol emits
	// a change event; the watcher must flush the cached tiers so the next
	// translation reloads from the durable store.
	seedMappings(t, docs, "longport",
		MappingPair{Standard: "00700.HK", Native: "700.HK"},
	)
	require.Eventually(t, func() bool {
		res, err := m.ToStandard(ctx, "longport", []string{"700.HK"})
		return err == nil && res.Mapping["700.HK"] == "00700.HK"
	}, time.Second, 5*time.Millisecond)
}

func TestWatcher_DoneClosesAfterCancel(t *testing.T) {
	m, docs := newTestMapper(t)
	ctx, cancel := context.WithCancel(context.Background())

	w := NewWatcher(m, docs, time.Second)
	go w.Run(ctx)
	cancel()

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop after cancellation")
	}
}

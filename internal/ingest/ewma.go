package ingest

import (
	"sync"

	"github.com/maypok86/otter"
)

// latencyEntry is the per-server smoothed latency state.
type latencyEntry struct {
	Ewma float64
}

// EwmaTable is a bounded, thread-safe per-server EWMA latency table backed by
// an otter cache, with otter handling LRU eviction. It is the first lookup
// tier; servers evicted here fall back to the hot or cold store.
type EwmaTable struct {
	mu    sync.Mutex
	cache otter.Cache[string, latencyEntry]
}

// NewEwmaTable creates a table bounded to maxEntries servers.
func NewEwmaTable(maxEntries int) *EwmaTable {
	cache, err := otter.MustBuilder[string, latencyEntry](maxEntries).
		Cost(func(_ string, _ latencyEntry) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("ingest: failed to create ewma table: " + err.Error())
	}
	return &EwmaTable{cache: cache}
}

// Previous returns the current smoothed latency for a server, if present.
func (t *EwmaTable) Previous(serverID string) (float64, bool) {
	e, ok := t.cache.Get(serverID)
	return e.Ewma, ok
}

// Seed stores a recovered value directly, without smoothing.
func (t *EwmaTable) Seed(serverID string, ewmaMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Set(serverID, latencyEntry{Ewma: ewmaMs})
}

// Forget drops the entry for a server.
func (t *EwmaTable) Forget(serverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Delete(serverID)
}

// Size returns the number of servers with latency state.
func (t *EwmaTable) Size() int {
	return t.cache.Size()
}

// Close releases resources held by the underlying cache.
func (t *EwmaTable) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Close()
}

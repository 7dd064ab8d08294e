// Package cache provides the TTL cache that absorbs bursty reads from the
// pipeline so the rate-limited exchange client is only hit on real misses.
//
// Entries are keyed by (namespace, key); the namespace carries semantics
// (tickers, ohlcv_3m, orderbook, ...) and selects the TTL. The map is sharded
// per namespace so a sweep of one namespace never blocks readers of another.
// Each shard keeps a min-heap on expiry time: the periodic sweep only pops
// entries whose deadline has passed, so an idle sweep costs a single peek.
package cache

import (
	"container/heap"
	"sync"
	"time"
)

// Well-known namespaces. The namespace string is open-ended; these constants
// exist so callers and the TTL config agree on spelling.
const (
	NSTickers       = "tickers"
	NSOHLCV3m       = "ohlcv_3m"
	NSOHLCV4h       = "ohlcv_4h"
	NSOrderbook     = "orderbook"
	NSTrades        = "trades"
	NSMarkets       = "markets"
	NSOpenInterests = "open_interests"
	NSCoinSelection = "coin_selection"
	NSBacktestOHLCV = "backtest_ohlcv"
)

type entry struct {
	payload   []byte
	expiresAt time.Time
}

// expiryItem is a heap record. The heap may hold stale items for keys that
// were overwritten; the sweep re-checks the live map before evicting.
type expiryItem struct {
	key       string
	expiresAt time.Time
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]entry
	expiry  expiryHeap
}

// Cache is a namespace-sharded TTL cache. Safe for concurrent use.
type Cache struct {
	mu     sync.RWMutex
	shards map[string]*shard
	now    func() time.Time // injectable clock for tests
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		shards: make(map[string]*shard),
		now:    time.Now,
	}
}

func (c *Cache) shard(namespace string) *shard {
	c.mu.RLock()
	s, ok := c.shards[namespace]
	c.mu.RUnlock()
	if ok {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.shards[namespace]; ok {
		return s
	}
	s = &shard{entries: make(map[string]entry)}
	c.shards[namespace] = s
	return s
}

// Get returns the payload for (namespace, key), or false on a miss. An entry
// whose TTL has lapsed is never returned: expiry is checked at read time and
// the dead entry is evicted on the spot.
func (c *Cache) Get(namespace, key string) ([]byte, bool) {
	s := c.shard(namespace)
	now := c.now()

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expiresAt.After(now) {
		// Sweep-on-read: drop the expired entry before reporting a miss.
		s.mu.Lock()
		if cur, ok := s.entries[key]; ok && !cur.expiresAt.After(now) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false
	}
	return e.payload, true
}

// Set stores a payload with the given TTL. In the backtest_ohlcv namespace a
// key is immutable after its first write; later writes are ignored until the
// entry expires.
func (c *Cache) Set(namespace, key string, payload []byte, ttl time.Duration) {
	s := c.shard(namespace)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if namespace == NSBacktestOHLCV {
		if cur, ok := s.entries[key]; ok && cur.expiresAt.After(now) {
			return
		}
	}

	exp := now.Add(ttl)
	s.entries[key] = entry{payload: payload, expiresAt: exp}
	heap.Push(&s.expiry, expiryItem{key: key, expiresAt: exp})
}

// Delete removes a key.
func (c *Cache) Delete(namespace, key string) {
	s := c.shard(namespace)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// SweepExpired evicts expired entries across all namespaces and returns the
// number removed. Per shard it only pops heap heads that are already past
// their deadline, so when nothing has expired the pass is O(shards).
func (c *Cache) SweepExpired() int {
	c.mu.RLock()
	shards := make([]*shard, 0, len(c.shards))
	for _, s := range c.shards {
		shards = append(shards, s)
	}
	c.mu.RUnlock()

	now := c.now()
	removed := 0
	for _, s := range shards {
		s.mu.Lock()
		for len(s.expiry) > 0 && !s.expiry[0].expiresAt.After(now) {
			it := heap.Pop(&s.expiry).(expiryItem)
			// The heap item may be stale if the key was overwritten with a
			// later deadline; only evict when the live entry agrees.
			if cur, ok := s.entries[it.key]; ok && !cur.expiresAt.After(now) {
				delete(s.entries, it.key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len reports the number of stored entries in a namespace (expired entries not
// yet swept are counted; they are invisible to Get).
func (c *Cache) Len(namespace string) int {
	s := c.shard(namespace)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Package cache provides a content-addressed embedding cache. Entries are
// keyed by (model, sha256 of content) so identical text never hits the
// embedding provider twice within the TTL window.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Entry is one cached embedding with its provenance metadata.
type Entry struct {
	Vector        []float32
	Dimensions    int
	TokenEstimate int
	CreatedAt     time.Time
}

// Config configures the embedding cache.
type Config struct {
	Capacity        int           // Maximum number of entries (default: 10000)
	TTL             time.Duration // Maximum entry age (default: 1 hour)
	CleanupInterval time.Duration // Background sweep interval; 0 disables the sweep
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:        10000,
		TTL:             time.Hour,
		CleanupInterval: 10 * time.Minute,
	}
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// EmbeddingCache is a TTL-bounded LRU map from (model, content hash) to
// embedding entries. Expired entries are evicted lazily on read; an optional
// background sweep reclaims entries that are never read again.
type EmbeddingCache struct {
	capacity int
	ttl      time.Duration

	mu    sync.Mutex
	items map[string]*cacheItem
	order *list.List
	stats Stats

	done chan struct{}
	wg   sync.WaitGroup
}

type cacheItem struct {
	key     string
	entry   Entry
	element *list.Element
}

// New creates an embedding cache and starts the background sweep when
// CleanupInterval is positive. Call Close to stop the sweep.
func New(cfg Config) *EmbeddingCache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}

	c := &EmbeddingCache{
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		items:    make(map[string]*cacheItem),
		order:    list.New(),
		done:     make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 {
		c.wg.Add(1)
		go c.sweepLoop(cfg.CleanupInterval)
	}

	return c
}

// Key derives the cache key for a model and content pair.
func Key(model, content string) string {
	sum := sha256.Sum256([]byte(content))
	return model + "|" + hex.EncodeToString(sum[:])
}

// EstimateTokens returns a rough token count for a text string (~4 chars per
// token).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Get returns the cached entry for (model, content), or false when absent or
// expired. Expired entries are removed on the way out; Get has no other side
// effects.
func (c *EmbeddingCache) Get(model, content string) (*Entry, bool) {
	key := Key(model, content)

	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	if time.Since(item.entry.CreatedAt) >= c.ttl {
		c.removeItem(item)
		c.stats.Misses++
		return nil, false
	}

	c.order.MoveToFront(item.element)
	c.stats.Hits++

	entry := item.entry
	entry.Vector = append([]float32(nil), item.entry.Vector...)
	return &entry, true
}

// Put stores an embedding for (model, content), overwriting any previous
// entry and stamping it with the current time.
func (c *EmbeddingCache) Put(model, content string, vec []float32, tokenEstimate int) {
	key := Key(model, content)
	entry := Entry{
		Vector:        append([]float32(nil), vec...),
		Dimensions:    len(vec),
		TokenEstimate: tokenEstimate,
		CreatedAt:     time.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if item, ok := c.items[key]; ok {
		item.entry = entry
		c.order.MoveToFront(item.element)
		return
	}

	for len(c.items) >= c.capacity {
		c.evictOldest()
	}

	item := &cacheItem{key: key, entry: entry}
	item.element = c.order.PushFront(item)
	c.items[key] = item
}

// Clear drops every entry, e.g. after an embedding model upgrade.
func (c *EmbeddingCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*cacheItem)
	c.order.Init()
}

// Size returns the number of entries currently held, expired or not.
func (c *EmbeddingCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of the cumulative counters.
func (c *EmbeddingCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close stops the background sweep.
func (c *EmbeddingCache) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.wg.Wait()
}

// CleanupExpired removes all expired entries and returns how many went.
func (c *EmbeddingCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stale []*cacheItem
	for _, item := range c.items {
		if time.Since(item.entry.CreatedAt) >= c.ttl {
			stale = append(stale, item)
		}
	}
	for _, item := range stale {
		c.removeItem(item)
	}
	return len(stale)
}

func (c *EmbeddingCache) sweepLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.CleanupExpired()
		}
	}
}

// evictOldest removes the least recently used entry. Lock must be held.
func (c *EmbeddingCache) evictOldest() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	c.removeItem(oldest.Value.(*cacheItem))
	c.stats.Evictions++
}

// removeItem removes an entry from the map and order list. Lock must be held.
func (c *EmbeddingCache) removeItem(item *cacheItem) {
	c.order.Remove(item.element)
	delete(c.items, item.key)
}

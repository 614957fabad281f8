package routecache

import (
	"container/list"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/relaymesh/relaymesh/pkg/model"
)

// DefaultMaxEntries bounds the in-process cache.
const DefaultMaxEntries = 10000

// Memory is an in-process LRU cache with per-entry expiry.
type Memory struct {
	maxSize int
	clock   clock.Clock

	mu        sync.Mutex
	entries   map[Key]*list.Element
	lru       *list.List
	hits      uint64
	misses    uint64
	evictions uint64
}

type memoryEntry struct {
	key       Key
	route     model.Route
	expiresAt time.Time
}

// NewMemory returns an empty cache holding at most maxSize routes. A nil clk
// uses the wall clock.
func NewMemory(maxSize int, clk clock.Clock) *Memory {
	if maxSize <= 0 {
		maxSize = DefaultMaxEntries
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{
		maxSize: maxSize,
		clock:   clk,
		entries: make(map[Key]*list.Element),
		lru:     list.New(),
	}
}

// Get returns a copy of the cached route. Expiry is checked under the same
// lock as the lookup, so an expired entry is never handed out.
func (c *Memory) Get(_ context.Context, key Key) (*model.Route, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false, nil
	}
	entry := elem.Value.(*memoryEntry)
	if !c.clock.Now().Before(entry.expiresAt) {
		c.lru.Remove(elem)
		delete(c.entries, key)
		c.evictions++
		c.misses++
		return nil, false, nil
	}
	c.lru.MoveToFront(elem)
	c.hits++
	r := entry.route
	r.Path = slices.Clone(r.Path)
	return &r, true, nil
}

// Put stores a copy of route for ttl. A non-positive ttl uses DefaultTTL.
func (c *Memory) Put(_ context.Context, key Key, route *model.Route, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := *route
	r.Path = slices.Clone(route.Path)

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.clock.Now().Add(ttl)
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.route = r
		entry.expiresAt = expiresAt
		c.lru.MoveToFront(elem)
		return nil
	}
	c.entries[key] = c.lru.PushFront(&memoryEntry{key: key, route: r, expiresAt: expiresAt})
	for c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*memoryEntry).key)
		c.evictions++
	}
	return nil
}

// Stats returns a snapshot of the cache counters.
func (c *Memory) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Evictions: c.evictions, Size: c.lru.Len()}
}

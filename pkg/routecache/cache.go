// Package routecache keeps the most recently selected route per
// (source, destination, media type). It is an optimization only: losing it
// costs latency, never correctness.
package routecache

import (
	"context"
	"time"

	"github.com/relaymesh/relaymesh/pkg/model"
)

// DefaultTTL is how long a cached route stays servable.
const DefaultTTL = 300 * time.Second

// Key identifies a cache slot.
type Key struct {
	Source    string
	Dest      string
	MediaType string
}

func (k Key) String() string {
	return k.Source + "|" + k.Dest + "|" + k.MediaType
}

// Cache stores routes with a per-entry TTL. Implementations must be safe for
// concurrent use and must never return an entry older than its TTL. Misses
// are not cached.
type Cache interface {
	Get(ctx context.Context, key Key) (*model.Route, bool, error)
	Put(ctx context.Context, key Key, route *model.Route, ttl time.Duration) error
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}

package routecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/model"
)

const redisKeyPrefix = "relaymesh:route:"

// Redis stores routes in a shared Redis so every control plane replica sees
// the same cache. Redis expires keys on its own; the stored write time is
// re-checked on read so a lagging expiry never serves a stale route.
type Redis struct {
	client redis.UniversalClient
	clock  clock.Clock
}

type redisEntry struct {
	Route    model.Route `json:"route"`
	CachedAt time.Time   `json:"cached_at"`
	TTL      int64       `json:"ttl_ms"`
}

// NewRedis wraps an existing client. A nil clk uses the wall clock.
func NewRedis(client redis.UniversalClient, clk clock.Clock) *Redis {
	if clk == nil {
		clk = clock.New()
	}
	return &Redis{client: client, clock: clk}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w: %w", addr, errdefs.ErrUnavailable, err)
	}
	return NewRedis(client, nil), nil
}

func redisKey(k Key) string { return redisKeyPrefix + k.String() }

func (c *Redis) Get(ctx context.Context, key Key) (*model.Route, bool, error) {
	raw, err := c.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w: %w", errdefs.ErrUnavailable, err)
	}
	var entry redisEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("redis decode %q: %w", key, err)
	}
	ttl := time.Duration(entry.TTL) * time.Millisecond
	if !c.clock.Now().Before(entry.CachedAt.Add(ttl)) {
		return nil, false, nil
	}
	return &entry.Route, true, nil
}

func (c *Redis) Put(ctx context.Context, key Key, route *model.Route, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(redisEntry{Route: *route, CachedAt: c.clock.Now(), TTL: ttl.Milliseconds()})
	if err != nil {
		return fmt.Errorf("redis encode: %w", err)
	}
	if err := c.client.Set(ctx, redisKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w: %w", errdefs.ErrUnavailable, err)
	}
	return nil
}

// Close releases the underlying client.
func (c *Redis) Close() error { return c.client.Close() }

package routecache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh/pkg/model"
)

func sampleRoute(id string) *model.Route {
	return &model.Route{
		ID:         id,
		Path:       []string{"src", "relay", "dst"},
		PathLength: 2,
		Type:       model.RouteRelay,
		Score:      81.5,
		IsOptimal:  true,
	}
}

var key = Key{Source: "alice", Dest: "bob", MediaType: "audio"}

func newRedisCache(t *testing.T, clk clock.Clock) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, clk), mr
}

func TestMemoryRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	c := NewMemory(10, clk)

	require.NoError(t, c.Put(ctx, key, sampleRoute("r1"), time.Minute))

	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleRoute("r1"), got)

	clk.Add(59 * time.Second)
	_, ok, _ = c.Get(ctx, key)
	assert.True(t, ok, "entry should still be live just before ttl")

	clk.Add(time.Second)
	_, ok, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "entry must not be served once its age reaches ttl")

	st := c.Stats()
	assert.Equal(t, uint64(2), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, 0, st.Size)
}

func TestMemoryKeysAreDistinctByMediaType(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(10, clock.NewMock())
	require.NoError(t, c.Put(ctx, key, sampleRoute("audio"), time.Minute))

	video := key
	video.MediaType = "video"
	_, ok, err := c.Get(ctx, video)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(2, clock.NewMock())
	k1 := Key{Source: "a", Dest: "b"}
	k2 := Key{Source: "a", Dest: "c"}
	k3 := Key{Source: "a", Dest: "d"}

	require.NoError(t, c.Put(ctx, k1, sampleRoute("1"), time.Minute))
	require.NoError(t, c.Put(ctx, k2, sampleRoute("2"), time.Minute))
	_, _, _ = c.Get(ctx, k1) // k2 becomes least recently used
	require.NoError(t, c.Put(ctx, k3, sampleRoute("3"), time.Minute))

	_, ok, _ := c.Get(ctx, k2)
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, k1)
	assert.True(t, ok)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(10, clock.NewMock())
	r := sampleRoute("r1")
	require.NoError(t, c.Put(ctx, key, r, time.Minute))
	r.Path[1] = "mutated"

	got, ok, _ := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "relay", got.Path[1])
	got.Path[1] = "again"

	got2, _, _ := c.Get(ctx, key)
	assert.Equal(t, "relay", got2.Path[1])
}

func TestMemoryConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(64, nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := Key{Source: "s", Dest: fmt.Sprintf("d%d", i%16)}
				if i%3 == 0 {
					_ = c.Put(ctx, k, sampleRoute(fmt.Sprint(w)), time.Minute)
				} else {
					_, _, _ = c.Get(ctx, k)
				}
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Stats().Size, 64)
}

func TestRedisRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedisCache(t, nil)

	require.NoError(t, c.Put(ctx, key, sampleRoute("r1"), 5*time.Minute))
	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, []string{"src", "relay", "dst"}, got.Path)

	mr.FastForward(5 * time.Minute)
	_, ok, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisRechecksAgeOnRead(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	c, _ := newRedisCache(t, clk)

	require.NoError(t, c.Put(ctx, key, sampleRoute("r1"), time.Minute))
	// Redis has not expired the key (its clock did not move) but our clock
	// says the entry is too old.
	clk.Add(2 * time.Minute)
	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisUnavailable(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	c := NewRedis(client, nil)
	mr.Close()

	_, _, err = c.Get(ctx, key)
	assert.Error(t, err)
	assert.Error(t, c.Put(ctx, key, sampleRoute("r1"), time.Minute))
}

package controlplane

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/relaymesh/relaymesh/pkg/apiserver"
	"github.com/relaymesh/relaymesh/pkg/config"
	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/routecache"
)

func newControlPlane(t *testing.T, cfg config.Config) *ControlPlane {
	t.Helper()
	cp, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cp.Close() })
	return cp
}

func TestNewServesAPI(t *testing.T) {
	cp := newControlPlane(t, config.Default())
	ts := httptest.NewServer(cp.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/v1/nodes", "application/json",
		strings.NewReader(`{"identity":"alice","address":"192.0.2.1:7000","role":"peer"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	nodes, err := cp.Store().Nodes().ListByIdentity(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestNewWithRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Cache = config.CacheConfig{Type: config.CacheRedis, RedisAddr: mr.Addr()}
	cp := newControlPlane(t, cfg)
	_, ok := cp.cache.(*routecache.Redis)
	assert.True(t, ok)
}

func TestOpenCacheRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := OpenCache(context.Background(), config.CacheConfig{Type: config.CacheRedis, RedisAddr: addr})
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err))
}

func TestNewFallsBackWhenRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	cfg := config.Default()
	cfg.Cache = config.CacheConfig{Type: config.CacheRedis, RedisAddr: addr, MaxEntries: 10}

	cp := newControlPlane(t, cfg)
	_, ok := cp.cache.(*routecache.Memory)
	assert.True(t, ok)

	ts := httptest.NewServer(cp.Handler())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOpenUnsupportedBackends(t *testing.T) {
	_, err := OpenStore(context.Background(), config.StoreConfig{Type: "sqlite"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store type")

	_, err = OpenCache(context.Background(), config.CacheConfig{Type: "memcached"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported cache type")
}

func TestServerOptions(t *testing.T) {
	ac := config.Default().API
	ac.APIKeys = []config.APIKey{
		{Token: "t-admin", Role: "admin", Description: "ops"},
		{Token: "t-view", Role: "viewer"},
	}
	opts, err := ServerOptions(ac)
	require.NoError(t, err)
	assert.Equal(t, rate.Limit(config.DefaultRateLimitRPS), opts.RateLimit)
	assert.Equal(t, config.DefaultRateBurst, opts.RateBurst)
	assert.Equal(t, int64(config.DefaultMaxBodyBytes), opts.MaxBodyBytes)
	require.Len(t, opts.APIKeys, 2)
	assert.Equal(t, apiserver.APIKeyInfo{Description: "ops", Role: apiserver.RoleAdmin}, opts.APIKeys["t-admin"])
	assert.Equal(t, apiserver.RoleViewer, opts.APIKeys["t-view"].Role)

	ac.APIKeys = []config.APIKey{{Token: "x", Role: "root"}}
	_, err = ServerOptions(ac)
	assert.Error(t, err)
}

func TestServerOptionsWithoutKeys(t *testing.T) {
	opts, err := ServerOptions(config.Default().API)
	require.NoError(t, err)
	assert.Nil(t, opts.APIKeys)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cp := newControlPlane(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cp.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunReportsListenError(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = "256.0.0.1:bad"
	cp := newControlPlane(t, cfg)

	done := make(chan error, 1)
	go func() { done <- cp.Run(context.Background()) }()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server error")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not fail on a bad listen address")
	}
}

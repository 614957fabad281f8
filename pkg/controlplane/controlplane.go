// Package controlplane assembles the relaymesh server from its
// configuration: the state store, route cache, trust engine, router,
// background controllers and the HTTP API.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/relaymesh/relaymesh/pkg/apiserver"
	"github.com/relaymesh/relaymesh/pkg/config"
	"github.com/relaymesh/relaymesh/pkg/controller"
	"github.com/relaymesh/relaymesh/pkg/directory"
	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/events"
	"github.com/relaymesh/relaymesh/pkg/feedback"
	"github.com/relaymesh/relaymesh/pkg/observability"
	"github.com/relaymesh/relaymesh/pkg/registry"
	"github.com/relaymesh/relaymesh/pkg/routecache"
	"github.com/relaymesh/relaymesh/pkg/routing"
	"github.com/relaymesh/relaymesh/pkg/store"
	"github.com/relaymesh/relaymesh/pkg/trust"
)

const shutdownTimeout = 10 * time.Second

// ControlPlane owns every server component built from one Config.
type ControlPlane struct {
	cfg        config.Config
	store      store.Store
	cache      routecache.Cache
	server     *apiserver.Server
	fleet      *controller.FleetController
	milestones *controller.MilestoneReconciler
	logger     *zap.Logger
}

// New connects the configured backends and wires the components. An
// unreachable Redis cache degrades to the in-memory cache. The caller must
// call Close when finished, even if Run was never called.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*ControlPlane, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s, err := OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	cache, err := OpenCache(ctx, cfg.Cache)
	switch {
	case errdefs.IsUnavailable(err):
		logger.Warn("route cache unreachable, falling back to in-memory cache",
			zap.String("cache", cfg.Cache.Type),
			zap.String("addr", cfg.Cache.RedisAddr),
			zap.Error(err))
		cache = routecache.NewMemory(cfg.Cache.MaxEntries, nil)
	case err != nil:
		s.Close()
		return nil, err
	}

	metrics := observability.NewMetrics()
	hub := events.NewHub(events.DefaultBuffer)
	engine := trust.NewEngine(s, logger, trust.WithHub(hub), trust.WithMetrics(metrics))
	reg := registry.New(s, logger, registry.WithOfflineAfter(cfg.Fleet.OfflineAfter))
	router := routing.NewRouter(cfg.Routing, directory.New(s.Nodes()), s.Routes(), logger,
		routing.WithCache(cache), routing.WithMetrics(metrics))
	recorder := feedback.NewRecorder(s.Routes(), engine, metrics, nil, logger)

	opts, err := ServerOptions(cfg.API)
	if err != nil {
		closeCache(cache)
		s.Close()
		return nil, err
	}
	srv := apiserver.NewServer(apiserver.Deps{
		Store:    s,
		Registry: reg,
		Router:   router,
		Feedback: recorder,
		Trust:    engine,
		Hub:      hub,
		Metrics:  metrics,
		Logger:   logger,
	}, opts)

	fleet := controller.NewFleetController(s.Nodes(), logger,
		controller.WithHub(hub),
		controller.WithMetrics(metrics),
		controller.WithTimings(cfg.Fleet.CheckInterval, cfg.Fleet.OfflineAfter))
	milestones := controller.NewMilestoneReconciler(s.Nodes(), engine,
		cfg.Fleet.MilestoneInterval, cfg.Fleet.MilestonePeriod, logger)

	return &ControlPlane{
		cfg:        cfg,
		store:      s,
		cache:      cache,
		server:     srv,
		fleet:      fleet,
		milestones: milestones,
		logger:     logger,
	}, nil
}

// OpenStore connects the configured state store backend.
func OpenStore(ctx context.Context, sc config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch sc.Type {
	case config.StoreMemory, "":
		return store.NewMemoryStore(), nil
	case config.StoreEtcd:
		s, err := store.NewEtcdStore(sc.EtcdEndpoints, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to etcd %v: %w", sc.EtcdEndpoints, err)
		}
		logger.Info("connected to etcd", zap.Strings("endpoints", sc.EtcdEndpoints))
		return s, nil
	case config.StorePostgres:
		s, err := store.NewPostgresStore(ctx, sc.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return s, nil
	}
	return nil, fmt.Errorf("unsupported store type: %s (supported: memory, etcd, postgres)", sc.Type)
}

// OpenCache builds the configured route cache.
func OpenCache(ctx context.Context, cc config.CacheConfig) (routecache.Cache, error) {
	switch cc.Type {
	case config.CacheMemory, "":
		return routecache.NewMemory(cc.MaxEntries, nil), nil
	case config.CacheRedis:
		c, err := routecache.DialRedis(ctx, cc.RedisAddr, cc.RedisPassword, cc.RedisDB)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unsupported cache type: %s (supported: memory, redis)", cc.Type)
}

// ServerOptions translates the API section of the config.
func ServerOptions(ac config.APIConfig) (apiserver.ServerOptions, error) {
	opts := apiserver.ServerOptions{
		ReadTimeout:    ac.ReadTimeout,
		WriteTimeout:   ac.WriteTimeout,
		IdleTimeout:    ac.IdleTimeout,
		AllowedOrigins: ac.AllowedOrigins,
		RateLimit:      rate.Limit(ac.RateLimitRPS),
		RateBurst:      ac.RateBurst,
		MaxBodyBytes:   ac.MaxBodyBytes,
	}
	if len(ac.APIKeys) > 0 {
		opts.APIKeys = make(map[string]apiserver.APIKeyInfo, len(ac.APIKeys))
		for _, k := range ac.APIKeys {
			role, err := apiserver.ParseRole(k.Role)
			if err != nil {
				return apiserver.ServerOptions{}, err
			}
			opts.APIKeys[k.Token] = apiserver.APIKeyInfo{Description: k.Description, Role: role}
		}
	}
	return opts, nil
}

// Handler returns the API handler.
func (cp *ControlPlane) Handler() http.Handler { return cp.server.Handler() }

// Store returns the state store.
func (cp *ControlPlane) Store() store.Store { return cp.store }

// Run serves the API on the configured listen address and runs the
// background controllers until ctx is cancelled, then shuts down
// gracefully. It returns the first error that stopped it early.
func (cp *ControlPlane) Run(ctx context.Context) error {
	if len(cp.cfg.API.APIKeys) == 0 {
		cp.logger.Warn("no API keys configured, authentication disabled")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cp.fleet.Start(ctx)
		return nil
	})
	g.Go(func() error {
		cp.milestones.Start(ctx)
		return nil
	})
	g.Go(func() error {
		if err := cp.server.ListenAndServe(cp.cfg.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := cp.server.GracefulShutdown(shutCtx); err != nil {
			cp.logger.Warn("graceful shutdown error", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// Close releases the cache and the store.
func (cp *ControlPlane) Close() error {
	closeCache(cp.cache)
	return cp.store.Close()
}

func closeCache(c routecache.Cache) {
	if cl, ok := c.(interface{ Close() error }); ok {
		cl.Close()
	}
}

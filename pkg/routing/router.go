package routing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/relaymesh/relaymesh/pkg/directory"
	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/observability"
	"github.com/relaymesh/relaymesh/pkg/routecache"
	"github.com/relaymesh/relaymesh/pkg/store"
	"github.com/relaymesh/relaymesh/pkg/trust"
)

// DefaultMediaType is used when a request names none.
const DefaultMediaType = "audio"

// Request is the input to FindOptimalRoute.
type Request struct {
	SourceIdentity     string `json:"source_identity"`
	DestIdentity       string `json:"dest_identity"`
	MediaType          string `json:"media_type"`
	RequireCompression bool   `json:"require_compression"`
}

// Router answers route requests. It is safe for concurrent use; identical
// concurrent requests share one computation.
type Router struct {
	cfg     Config
	dir     *directory.Directory
	routes  store.RouteStore
	cache   routecache.Cache
	gen     *Generator
	scorer  *Scorer
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
	metrics *observability.Metrics
	clock   clock.Clock
	logger  *zap.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithCache enables route caching. Without it every request recomputes.
func WithCache(c routecache.Cache) Option { return func(r *Router) { r.cache = c } }

// WithMetrics records route decisions and cache lookups.
func WithMetrics(m *observability.Metrics) Option { return func(r *Router) { r.metrics = m } }

// WithClock overrides the wall clock used for route timestamps.
func WithClock(c clock.Clock) Option { return func(r *Router) { r.clock = c } }

// NewRouter returns a Router reading nodes through dir and persisting
// selected routes to routes.
func NewRouter(cfg Config, dir *directory.Directory, routes store.RouteStore, logger *zap.Logger, opts ...Option) *Router {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		cfg:    cfg,
		dir:    dir,
		routes: routes,
		gen:    NewGenerator(cfg),
		scorer: NewScorer(cfg.Weights),
		clock:  clock.New(),
		logger: logger.Named("routing"),
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "node-discovery",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// A caller that gave up says nothing about the store.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FindOptimalRoute returns the best route between two identities. It
// serves from the cache when possible, otherwise discovers nodes, scores
// every candidate and persists the winner.
//
// An identity with no registered node yields ErrNotFound. Registered
// identities with nothing online get the centralized fallback. A store
// failure while locating the endpoints yields ErrUnavailable; a failure
// while listing relays only narrows the candidates.
func (r *Router) FindOptimalRoute(ctx context.Context, req Request) (*model.Route, error) {
	if req.SourceIdentity == "" || req.DestIdentity == "" {
		return nil, fmt.Errorf("source and destination identities are required: %w", errdefs.ErrInvalid)
	}
	if req.SourceIdentity == req.DestIdentity {
		return nil, fmt.Errorf("source and destination are the same identity: %w", errdefs.ErrInvalid)
	}
	if req.MediaType == "" {
		req.MediaType = DefaultMediaType
	}
	key := routecache.Key{Source: req.SourceIdentity, Dest: req.DestIdentity, MediaType: req.MediaType}

	if route, ok := r.lookupCache(ctx, key, req.RequireCompression); ok {
		r.metrics.ObserveRoute(string(route.Type), route.IsOptimal, true)
		return route, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The flight outlives any one caller; compute bounds it with the
	// discovery timeout instead.
	flight := key.String() + "|" + strconv.FormatBool(req.RequireCompression)
	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(flight, func() (interface{}, error) {
		return r.compute(detached, req, key)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	// Callers sharing a flight must not share the returned value.
	out := *res.Val.(*model.Route)
	out.Path = append([]string(nil), out.Path...)
	r.metrics.ObserveRoute(string(out.Type), out.IsOptimal, false)
	return &out, nil
}

func (r *Router) lookupCache(ctx context.Context, key routecache.Key, requireCompression bool) (*model.Route, bool) {
	if r.cache == nil {
		return nil, false
	}
	route, ok, err := r.cache.Get(ctx, key)
	switch {
	case err != nil:
		r.metrics.IncCacheLookup("error")
		r.logger.Warn("route cache lookup failed", zap.String("key", key.String()), zap.Error(err))
		return nil, false
	case !ok:
		r.metrics.IncCacheLookup("miss")
		return nil, false
	case requireCompression && !route.SupportsCompression:
		r.metrics.IncCacheLookup("miss")
		return nil, false
	}
	usable, err := r.dir.RouteUsable(ctx, route, r.cfg.MinRelayTrustScore)
	if err != nil {
		r.metrics.IncCacheLookup("error")
		r.logger.Warn("revalidate cached route", zap.String("key", key.String()), zap.Error(err))
		return nil, false
	}
	if !usable {
		r.metrics.IncCacheLookup("stale")
		r.logger.Debug("cached route no longer usable",
			zap.String("key", key.String()),
			zap.Strings("path", route.Path))
		return nil, false
	}
	r.metrics.IncCacheLookup("hit")
	return route, true
}

// endpoints are the nodes a route starts and ends at. A nil side has no
// online node.
type endpoints struct {
	src, dst *model.Node
}

func (r *Router) compute(ctx context.Context, req Request, key routecache.Key) (*model.Route, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DiscoveryTimeout)
	defer cancel()

	ep, err := r.locate(ctx, req)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	if ep.src == nil || ep.dst == nil {
		src := r.placeholder(ep.src, req.SourceIdentity)
		dst := r.placeholder(ep.dst, req.DestIdentity)
		candidates = []Candidate{r.gen.Centralized(src, dst)}
	} else {
		relays := r.relays(ctx, *ep.src, *ep.dst, req.RequireCompression)
		candidates = r.gen.Generate(*ep.src, *ep.dst, relays, req.RequireCompression)
	}

	scored := make([]model.Route, len(candidates))
	for i, c := range candidates {
		scored[i] = r.scorer.Score(c)
	}
	best, _ := Select(scored, r.cfg.MinAcceptableScore, r.cfg.TieEpsilon)

	now := r.clock.Now().UTC()
	best.ID = uuid.NewString()
	best.SourceIdentity = req.SourceIdentity
	best.DestIdentity = req.DestIdentity
	best.MediaType = req.MediaType
	best.CreatedAt = now
	best.UpdatedAt = now

	if err := r.routes.Create(ctx, &best); err != nil {
		// The caller can still place the call; only feedback on this route is lost.
		r.logger.Error("persist selected route", zap.String("route_id", best.ID), zap.Error(err))
	}
	if r.cache != nil && best.Type != model.RouteCentralized {
		if err := r.cache.Put(ctx, key, &best, r.cfg.CacheTTL); err != nil {
			r.logger.Warn("route cache store failed", zap.String("key", key.String()), zap.Error(err))
		}
	}
	r.logger.Debug("route selected",
		zap.String("route_id", best.ID),
		zap.String("type", string(best.Type)),
		zap.Strings("path", best.Path),
		zap.Float64("score", best.Score),
		zap.Bool("optimal", best.IsOptimal),
		zap.Int("candidates", len(candidates)))
	return &best, nil
}

// locate finds the best online node of each endpoint through the circuit
// breaker.
func (r *Router) locate(ctx context.Context, req Request) (endpoints, error) {
	v, err := r.breaker.Execute(func() (interface{}, error) {
		var ep endpoints
		for _, side := range []struct {
			identity string
			node     **model.Node
		}{
			{req.SourceIdentity, &ep.src},
			{req.DestIdentity, &ep.dst},
		} {
			online, err := r.dir.OnlineNodes(ctx, side.identity)
			if err != nil {
				return nil, err
			}
			if len(online) > 0 {
				n := online[0]
				*side.node = &n
				continue
			}
			known, err := r.dir.KnownIdentity(ctx, side.identity)
			if err != nil {
				return nil, err
			}
			if !known {
				// Not a store failure, so the breaker counts it as success.
				return notFound{side.identity}, nil
			}
		}
		return ep, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.metrics.IncDegraded("breaker_open")
			return endpoints{}, fmt.Errorf("node discovery: %w: %w", errdefs.ErrUnavailable, err)
		}
		if errdefs.IsUnavailable(err) {
			return endpoints{}, err
		}
		return endpoints{}, fmt.Errorf("node discovery: %w: %w", errdefs.ErrUnavailable, err)
	}
	if nf, ok := v.(notFound); ok {
		return endpoints{}, fmt.Errorf("no node registered for identity %q: %w", nf.identity, errdefs.ErrNotFound)
	}
	return v.(endpoints), nil
}

type notFound struct{ identity string }

// relays lists relay candidates. Failure or timeout degrades to routes
// without relays.
func (r *Router) relays(ctx context.Context, src, dst model.Node, requireCompression bool) []model.Node {
	v, err := r.breaker.Execute(func() (interface{}, error) {
		return r.dir.RelayCandidates(ctx, directory.RelayQuery{
			Exclude:            []string{src.ID, dst.ID},
			MinTrustScore:      r.cfg.MinRelayTrustScore,
			RequireCompression: requireCompression,
			Limit:              r.cfg.RelayLimit,
		})
	})
	if err != nil {
		reason := "relay_lookup"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		}
		r.metrics.IncDegraded(reason)
		r.logger.Warn("relay discovery failed; continuing without relays", zap.String("reason", reason), zap.Error(err))
		return nil
	}
	return v.([]model.Node)
}

// placeholder stands in for an endpoint with no online node so the
// centralized route can still be scored.
func (r *Router) placeholder(n *model.Node, identity string) model.Node {
	if n != nil {
		return *n
	}
	return model.Node{
		ID:                    identity,
		Identity:              identity,
		Location:              r.cfg.Rendezvous.Location,
		ReputationScore:       trust.BaseScore,
		UptimePct:             100,
		BandwidthCapacityMbps: r.cfg.Rendezvous.BandwidthMbps,
		SupportsCompression:   r.cfg.Rendezvous.SupportsCompression,
	}
}

// Config returns the effective routing configuration.
func (r *Router) Config() Config { return r.cfg }

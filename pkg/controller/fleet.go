// Package controller implements the background control loops of the
// relaymesh control plane.
package controller

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/pkg/events"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/observability"
	"github.com/relaymesh/relaymesh/pkg/store"
)

// Default fleet timings.
const (
	DefaultCheckInterval = 10 * time.Second
	DefaultOfflineAfter  = 5 * time.Minute
)

// errFresh aborts a Mutate when a heartbeat landed between the listing and
// the write.
var errFresh = errors.New("node heartbeat is fresh")

// FleetController periodically marks nodes that stopped heartbeating as
// offline and not accepting connections. Only liveness fields are touched.
type FleetController struct {
	nodes         store.NodeStore
	hub           *events.Hub
	metrics       *observability.Metrics
	clock         clock.Clock
	checkInterval time.Duration
	offlineAfter  time.Duration
	logger        *zap.Logger
}

// FleetOption configures a FleetController.
type FleetOption func(*FleetController)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) FleetOption { return func(fc *FleetController) { fc.clock = c } }

// WithHub publishes a node_offline event for every node the sweep takes down.
func WithHub(h *events.Hub) FleetOption { return func(fc *FleetController) { fc.hub = h } }

// WithMetrics refreshes the node gauges after every sweep.
func WithMetrics(m *observability.Metrics) FleetOption {
	return func(fc *FleetController) { fc.metrics = m }
}

// WithTimings overrides the sweep interval and the heartbeat silence after
// which a node counts as offline. Non-positive values keep the defaults.
func WithTimings(checkInterval, offlineAfter time.Duration) FleetOption {
	return func(fc *FleetController) {
		if checkInterval > 0 {
			fc.checkInterval = checkInterval
		}
		if offlineAfter > 0 {
			fc.offlineAfter = offlineAfter
		}
	}
}

// NewFleetController creates a FleetController with default timings.
func NewFleetController(nodes store.NodeStore, logger *zap.Logger, opts ...FleetOption) *FleetController {
	if logger == nil {
		logger = zap.NewNop()
	}
	fc := &FleetController{
		nodes:         nodes,
		clock:         clock.New(),
		checkInterval: DefaultCheckInterval,
		offlineAfter:  DefaultOfflineAfter,
		logger:        logger.Named("fleet"),
	}
	for _, opt := range opts {
		opt(fc)
	}
	return fc
}

// Start runs the sweep loop until ctx is cancelled.
func (fc *FleetController) Start(ctx context.Context) {
	ticker := fc.clock.Ticker(fc.checkInterval)
	defer ticker.Stop()
	fc.logger.Info("fleet controller started",
		zap.Duration("check_interval", fc.checkInterval),
		zap.Duration("offline_after", fc.offlineAfter))
	for {
		select {
		case <-ctx.Done():
			fc.logger.Info("fleet controller stopped")
			return
		case <-ticker.C:
			if _, err := fc.Sweep(ctx); err != nil && ctx.Err() == nil {
				fc.logger.Warn("fleet sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep marks every online node whose last heartbeat is older than the
// offline threshold as offline, and returns how many it changed. Running it
// twice in a row changes nothing the second time.
func (fc *FleetController) Sweep(ctx context.Context) (int, error) {
	nodes, err := fc.nodes.List(ctx)
	if err != nil {
		return 0, err
	}
	now := fc.clock.Now().UTC()
	byStatus := make(map[string]int)
	marked := 0
	for i := range nodes {
		n := &nodes[i]
		if n.Online && fc.stale(n, now) {
			updated, err := fc.nodes.Mutate(ctx, n.ID, func(cur *model.Node) error {
				if !cur.Online || !fc.stale(cur, now) {
					return errFresh
				}
				cur.Online = false
				cur.AcceptingConnections = false
				if cur.Status != model.NodeStatusDeregistered {
					cur.Status = model.NodeStatusOffline
				}
				cur.UpdatedAt = now
				return nil
			})
			switch {
			case errors.Is(err, errFresh):
				// A heartbeat raced the sweep.
			case err != nil:
				fc.logger.Warn("mark node offline failed", zap.String("node_id", n.ID), zap.Error(err))
			default:
				n = updated
				marked++
				fc.logger.Info("node marked offline",
					zap.String("node_id", n.ID),
					zap.String("identity", n.Identity),
					zap.Time("last_heartbeat", n.LastHeartbeat))
				fc.hub.Publish(events.Event{
					Type:       events.TypeNodeOffline,
					EntityType: model.EntityNode,
					EntityID:   n.ID,
					Message:    "no heartbeat since " + n.LastHeartbeat.Format(time.RFC3339),
					Time:       now,
				})
			}
		}
		byStatus[n.Status]++
	}
	fc.metrics.SetNodeCounts(byStatus)
	return marked, nil
}

func (fc *FleetController) stale(n *model.Node, now time.Time) bool {
	return now.Sub(n.LastHeartbeat) > fc.offlineAfter
}

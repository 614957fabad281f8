package controller

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/store"
	"github.com/relaymesh/relaymesh/pkg/trust"
)

// Milestone defaults. A node earns one uptime_milestone event for every
// DefaultMilestonePeriod of accumulated online time while its uptime stays
// at or above DefaultMilestoneMinUptime percent.
const (
	DefaultReconcileInterval  = time.Minute
	DefaultMilestonePeriod    = 7 * 24 * time.Hour
	DefaultMilestoneMinUptime = 95.0
)

var errNotDue = errors.New("milestone not due")

// EventRecorder applies reputation events. *trust.Engine satisfies it.
type EventRecorder interface {
	RecordEvent(ctx context.Context, req trust.EventRequest) (*trust.EventResult, error)
}

// MilestoneReconciler compares the milestones each node has earned against
// those already granted and records an uptime_milestone event for the gap.
type MilestoneReconciler struct {
	nodes     store.NodeStore
	recorder  EventRecorder
	clock     clock.Clock
	interval  time.Duration
	period    time.Duration
	minUptime float64
	logger    *zap.Logger
}

// NewMilestoneReconciler creates a reconciler with default timings. Zero
// arguments keep the defaults.
func NewMilestoneReconciler(nodes store.NodeStore, recorder EventRecorder, interval, period time.Duration, logger *zap.Logger) *MilestoneReconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	if period <= 0 {
		period = DefaultMilestonePeriod
	}
	return &MilestoneReconciler{
		nodes:     nodes,
		recorder:  recorder,
		clock:     clock.New(),
		interval:  interval,
		period:    period,
		minUptime: DefaultMilestoneMinUptime,
		logger:    logger.Named("milestones"),
	}
}

// SetClock overrides the wall clock.
func (mr *MilestoneReconciler) SetClock(c clock.Clock) { mr.clock = c }

// Start runs the reconciliation loop until ctx is cancelled.
func (mr *MilestoneReconciler) Start(ctx context.Context) {
	ticker := mr.clock.Ticker(mr.interval)
	defer ticker.Stop()
	mr.logger.Info("milestone reconciler started", zap.Duration("period", mr.period))
	for {
		select {
		case <-ctx.Done():
			mr.logger.Info("milestone reconciler stopped")
			return
		case <-ticker.C:
			if _, err := mr.Reconcile(ctx); err != nil && ctx.Err() == nil {
				mr.logger.Warn("milestone reconcile failed", zap.Error(err))
			}
		}
	}
}

func (mr *MilestoneReconciler) due(n *model.Node) bool {
	if n.Status == model.NodeStatusDeregistered || n.UptimePct < mr.minUptime {
		return false
	}
	return int(n.OnlineSeconds/mr.period.Seconds()) > n.UptimeMilestones
}

// Reconcile grants at most one milestone per node per pass and returns how
// many it granted. The milestone counter is claimed before the event is
// recorded, so concurrent reconcilers never grant the same milestone twice.
func (mr *MilestoneReconciler) Reconcile(ctx context.Context) (int, error) {
	nodes, err := mr.nodes.List(ctx)
	if err != nil {
		return 0, err
	}
	granted := 0
	for i := range nodes {
		if !mr.due(&nodes[i]) {
			continue
		}
		id := nodes[i].ID
		claimed, err := mr.nodes.Mutate(ctx, id, func(n *model.Node) error {
			if !mr.due(n) {
				return errNotDue
			}
			n.UptimeMilestones++
			return nil
		})
		if errors.Is(err, errNotDue) {
			continue
		}
		if err != nil {
			mr.logger.Warn("claim milestone failed", zap.String("node_id", id), zap.Error(err))
			continue
		}
		res, err := mr.recorder.RecordEvent(ctx, trust.EventRequest{
			EntityType:  model.EntityNode,
			EntityID:    id,
			EventType:   trust.EventUptimeMilestone,
			Severity:    model.SeverityInfo,
			Description: "sustained uptime milestone " + strconv.Itoa(claimed.UptimeMilestones),
			Evidence: map[string]string{
				"milestone":  strconv.Itoa(claimed.UptimeMilestones),
				"uptime_pct": strconv.FormatFloat(claimed.UptimePct, 'f', 2, 64),
			},
		})
		if err != nil {
			mr.logger.Warn("record uptime milestone failed",
				zap.String("node_id", id),
				zap.Int("milestone", claimed.UptimeMilestones),
				zap.Error(err))
			continue
		}
		granted++
		mr.logger.Info("uptime milestone granted",
			zap.String("node_id", id),
			zap.Int("milestone", claimed.UptimeMilestones),
			zap.Float64("score", res.Score))
	}
	return granted, nil
}

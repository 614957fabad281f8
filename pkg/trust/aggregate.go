package trust

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/geo"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/store"
)

// Aggregate blend weights and limits.
const (
	callQualityWeight      = 0.4
	relayPerformanceWeight = 0.3
	uptimeWeight           = 0.3
	abusePenaltyPerReport  = 10.0
	maxAbusePenalty        = 30.0

	// neutralComponent stands in for a factor with no observations.
	neutralComponent = 50.0

	DefaultWindowHours = 24.0
	MaxWindowHours     = 24.0 * 90
)

// Aggregate is a windowed, multi-factor view of an entity's behaviour. It is
// a read-only diagnostic and never changes the running score.
type Aggregate struct {
	EntityType  string  `json:"entity_type"`
	EntityID    string  `json:"entity_id"`
	WindowHours float64 `json:"window_hours"`

	CallQuality      float64 `json:"call_quality"`
	RelayPerformance float64 `json:"relay_performance"`
	Uptime           float64 `json:"uptime"`
	AbusePenalty     float64 `json:"abuse_penalty"`
	Score            float64 `json:"score"`

	CallEvents     int `json:"call_events"`
	PositiveCalls  int `json:"positive_calls"`
	RoutesObserved int `json:"routes_observed"`
	AbuseReports   int `json:"abuse_reports"`

	RunningScore float64          `json:"running_score"`
	Level        model.TrustLevel `json:"level"`
}

// AggregateReputation recomputes the entity's standing over the last
// windowHours from the event log, stored routes and abuse reports.
func (e *Engine) AggregateReputation(ctx context.Context, entityType, entityID string, windowHours float64) (*Aggregate, error) {
	if err := validateEntity(entityType, entityID); err != nil {
		return nil, err
	}
	if windowHours <= 0 {
		windowHours = DefaultWindowHours
	}
	if windowHours > MaxWindowHours {
		return nil, fmt.Errorf("window of %.0f hours exceeds %.0f: %w", windowHours, MaxWindowHours, errdefs.ErrInvalid)
	}
	since := e.clock.Now().Add(-time.Duration(windowHours * float64(time.Hour)))

	agg := &Aggregate{EntityType: entityType, EntityID: entityID, WindowHours: windowHours}

	// Nodes whose routes and uptime count towards this entity.
	var nodes []model.Node
	switch entityType {
	case model.EntityNode:
		n, err := e.store.Nodes().Get(ctx, entityID)
		if err != nil {
			return nil, err
		}
		nodes = []model.Node{*n}
		agg.RunningScore = n.ReputationScore
	case model.EntityIdentity:
		owned, err := e.store.Nodes().ListByIdentity(ctx, entityID)
		if err != nil {
			return nil, err
		}
		nodes = owned
		rep, err := e.store.Identities().Get(ctx, entityID)
		switch {
		case errdefs.IsNotFound(err) && len(owned) == 0:
			return nil, err
		case errdefs.IsNotFound(err):
			agg.RunningScore = BaseScore
		case err != nil:
			return nil, err
		default:
			agg.RunningScore = rep.Score
		}
	}
	agg.Level = LevelFor(agg.RunningScore)

	evs, err := e.store.ReputationEvents().List(ctx, store.EventFilter{EntityType: entityType, EntityID: entityID, Since: since})
	if err != nil {
		return nil, err
	}
	for _, ev := range evs {
		if outcome, positive := isCallOutcome(ev.EventType); outcome {
			agg.CallEvents++
			if positive {
				agg.PositiveCalls++
			}
		}
	}
	agg.CallQuality = neutralComponent
	if agg.CallEvents > 0 {
		agg.CallQuality = 100 * float64(agg.PositiveCalls) / float64(agg.CallEvents)
	}

	agg.RelayPerformance, agg.RoutesObserved, err = e.relayPerformance(ctx, nodes, since)
	if err != nil {
		return nil, err
	}

	agg.Uptime = 100
	if len(nodes) > 0 {
		var sum float64
		for _, n := range nodes {
			sum += n.UptimePct
		}
		agg.Uptime = sum / float64(len(nodes))
	}

	reports, err := e.store.AbuseReports().List(ctx, store.ReportFilter{EntityType: entityType, EntityID: entityID, Since: since})
	if err != nil {
		return nil, err
	}
	for _, r := range reports {
		if r.Status != model.ReportDismissed {
			agg.AbuseReports++
		}
	}
	agg.AbusePenalty = math.Min(maxAbusePenalty, abusePenaltyPerReport*float64(agg.AbuseReports))

	agg.Score = geo.Clamp(
		callQualityWeight*agg.CallQuality+
			relayPerformanceWeight*agg.RelayPerformance+
			uptimeWeight*agg.Uptime-
			agg.AbusePenalty,
		0, 100)
	return agg, nil
}

// relayPerformance averages route success rate and latency prediction
// accuracy over the used routes that pass through any of nodes.
func (e *Engine) relayPerformance(ctx context.Context, nodes []model.Node, since time.Time) (float64, int, error) {
	seen := make(map[string]bool)
	var successSum, accuracySum float64
	for _, n := range nodes {
		routes, err := e.store.Routes().List(ctx, store.RouteFilter{NodeID: n.ID, UsedSince: since})
		if err != nil {
			return 0, 0, err
		}
		for _, r := range routes {
			if seen[r.ID] || r.UsageCount == 0 {
				continue
			}
			seen[r.ID] = true
			successSum += r.SuccessRate
			accuracySum += PredictionAccuracy(&r)
		}
	}
	if len(seen) == 0 {
		return neutralComponent, 0, nil
	}
	count := float64(len(seen))
	return 100 * (0.5*successSum/count + 0.5*accuracySum/count), len(seen), nil
}

// PredictionAccuracy is 1 minus the mean latency error relative to the
// prediction, floored at 0.
func PredictionAccuracy(r *model.Route) float64 {
	predicted := math.Max(r.PredictedLatencyMs, 1)
	return geo.Clamp(1-r.MeanLatencyErrorMs/predicted, 0, 1)
}

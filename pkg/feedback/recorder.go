// Package feedback closes the routing loop: after a call it folds observed
// performance into the stored route and adjusts the reputation of every
// relay the call crossed.
package feedback

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/observability"
	"github.com/relaymesh/relaymesh/pkg/store"
	"github.com/relaymesh/relaymesh/pkg/trust"
)

// Quality bands that drive relay adjustments.
const (
	// SuccessLossThreshold is the packet loss below which a use counts as
	// successful.
	SuccessLossThreshold = 0.05

	ExcellentMOS = 4.0
	GoodMOS      = 3.5
	PoorMOS      = 2.5
)

// PerformanceReport carries what the call actually experienced.
type PerformanceReport struct {
	LatencyMs     float64 `json:"latency_ms"`
	BandwidthMbps float64 `json:"bandwidth_mbps"`
	// PacketLoss is a fraction in [0, 1].
	PacketLoss float64 `json:"packet_loss"`
	JitterMs   float64 `json:"jitter_ms"`
}

func (p *PerformanceReport) validate() error {
	for name, v := range map[string]float64{
		"latency_ms":     p.LatencyMs,
		"bandwidth_mbps": p.BandwidthMbps,
		"jitter_ms":      p.JitterMs,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be a non-negative number, got %v: %w", name, v, errdefs.ErrInvalid)
		}
	}
	if p.PacketLoss < 0 || p.PacketLoss > 1 || math.IsNaN(p.PacketLoss) {
		return fmt.Errorf("packet_loss must be a fraction in [0, 1], got %v: %w", p.PacketLoss, errdefs.ErrInvalid)
	}
	return nil
}

// RelayAdjustment is the reputation outcome for one relay on the path.
type RelayAdjustment struct {
	NodeID    string           `json:"node_id"`
	EventType string           `json:"event_type"`
	Score     float64          `json:"score,omitempty"`
	Level     model.TrustLevel `json:"level,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Result reports what UpdateRoutePerformance changed.
type Result struct {
	Route       *model.Route      `json:"route"`
	MOS         float64           `json:"mos"`
	Successful  bool              `json:"successful"`
	Adjustments []RelayAdjustment `json:"adjustments,omitempty"`
}

// Recorder applies post-call performance reports.
type Recorder struct {
	routes  store.RouteStore
	trust   *trust.Engine
	metrics *observability.Metrics
	clock   clock.Clock
	logger  *zap.Logger
}

// NewRecorder returns a Recorder updating routes and relay reputation
// through engine. metrics may be nil.
func NewRecorder(routes store.RouteStore, engine *trust.Engine, metrics *observability.Metrics, clk clock.Clock, logger *zap.Logger) *Recorder {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{routes: routes, trust: engine, metrics: metrics, clock: clk, logger: logger.Named("feedback")}
}

// UpdateRoutePerformance folds report into the stored route and records a
// quality event for each relay on its path. The route update is atomic;
// relay updates are independent of each other and a failed one is logged
// and skipped.
func (r *Recorder) UpdateRoutePerformance(ctx context.Context, routeID string, report PerformanceReport) (*Result, error) {
	if routeID == "" {
		return nil, fmt.Errorf("route id is required: %w", errdefs.ErrInvalid)
	}
	if err := report.validate(); err != nil {
		return nil, err
	}
	now := r.clock.Now().UTC()
	successful := report.PacketLoss < SuccessLossThreshold

	route, err := r.routes.Mutate(ctx, routeID, func(rt *model.Route) error {
		rt.UsageCount++
		if successful {
			rt.SuccessfulUses++
		}
		rt.SuccessRate = float64(rt.SuccessfulUses) / float64(rt.UsageCount)
		latencyErr := math.Abs(report.LatencyMs - rt.PredictedLatencyMs)
		rt.MeanLatencyErrorMs += (latencyErr - rt.MeanLatencyErrorMs) / float64(rt.UsageCount)
		rt.ActualLatencyMs = report.LatencyMs
		rt.ActualBandwidthMbps = report.BandwidthMbps
		rt.ActualPacketLoss = report.PacketLoss
		rt.ActualJitterMs = report.JitterMs
		used := now
		rt.LastUsedAt = &used
		rt.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update route %q: %w", routeID, err)
	}
	r.metrics.IncFeedback()

	res := &Result{
		Route:      route,
		MOS:        EstimateMOS(report.LatencyMs, report.JitterMs, report.PacketLoss),
		Successful: successful,
	}
	eventType := relayEvent(res.MOS)
	if eventType == "" {
		return res, nil
	}
	for _, nodeID := range route.Relays() {
		adj := RelayAdjustment{NodeID: nodeID, EventType: eventType}
		ev, err := r.trust.RecordEvent(ctx, trust.EventRequest{
			EntityType:  model.EntityNode,
			EntityID:    nodeID,
			EventType:   eventType,
			Severity:    model.SeverityInfo,
			Description: fmt.Sprintf("relayed call with estimated MOS %.2f", res.MOS),
			Evidence: map[string]string{
				"route_id": route.ID,
				"mos":      strconv.FormatFloat(res.MOS, 'f', 2, 64),
			},
		})
		if err != nil {
			r.logger.Warn("relay reputation update failed",
				zap.String("route_id", route.ID),
				zap.String("node_id", nodeID),
				zap.Error(err))
			adj.Error = err.Error()
		} else {
			adj.Score = ev.Score
			adj.Level = ev.Level
		}
		res.Adjustments = append(res.Adjustments, adj)
	}
	return res, nil
}

// relayEvent picks the reputation event for a call of the given quality,
// or "" when the call was unremarkable.
func relayEvent(mos float64) string {
	switch {
	case mos >= ExcellentMOS:
		return trust.EventHighQualityStream
	case mos >= GoodMOS:
		return trust.EventSuccessfulCall
	case mos < PoorMOS:
		return trust.EventPoorQuality
	}
	return ""
}

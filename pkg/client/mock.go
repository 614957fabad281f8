package client

import (
	"context"
	"fmt"
	"time"

	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/feedback"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/registry"
	"github.com/relaymesh/relaymesh/pkg/routing"
	"github.com/relaymesh/relaymesh/pkg/trust"
)

// MockClient implements APIClient with canned data for development and testing.
type MockClient struct{}

var _ APIClient = (*MockClient)(nil)

func mockNode(id, identity, addr string, role model.NodeRole, region string, score, latency float64, online bool, seen time.Duration) registry.NodeView {
	status := model.NodeStatusActive
	if !online {
		status = model.NodeStatusOffline
	}
	return registry.View(model.Node{
		ID:                    id,
		Identity:              identity,
		Address:               addr,
		Role:                  role,
		Region:                region,
		AvgLatencyMs:          latency,
		PacketLoss:            0.004,
		UptimePct:             99.2,
		ReputationScore:       score,
		CurrentConnections:    12,
		MaxConnections:        100,
		BandwidthCapacityMbps: 1000,
		BandwidthUsageMbps:    140,
		Online:                online,
		AcceptingConnections:  online,
		Status:                status,
		LastHeartbeat:         time.Now().Add(-seen),
	})
}

func (m *MockClient) ListNodes(_ context.Context, q NodeQuery) ([]registry.NodeView, error) {
	all := []registry.NodeView{
		mockNode("node-relay-lon-01", "relay-lon", "203.0.113.10:7000", model.RoleRelay, "eu-west", 92, 8.5, true, 20*time.Second),
		mockNode("node-relay-fra-01", "relay-fra", "203.0.113.20:7000", model.RoleSuperRelay, "eu-central", 81, 11.2, true, 35*time.Second),
		mockNode("node-peer-alice", "alice", "198.51.100.7:7000", model.RolePeer, "eu-west", 55, 24.0, true, 10*time.Second),
		mockNode("node-edge-nyc-01", "edge-nyc", "203.0.113.30:7000", model.RoleEdge, "us-east", 18, 41.0, false, 9*time.Minute),
	}
	out := all[:0:0]
	for _, n := range all {
		if q.Identity != "" && n.Identity != q.Identity {
			continue
		}
		if q.Status != "" && n.Status != q.Status {
			continue
		}
		if q.Role != "" && string(n.Role) != q.Role {
			continue
		}
		if q.Level != "" && string(n.TrustLevel) != q.Level {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (m *MockClient) GetNode(ctx context.Context, id string) (*registry.NodeView, error) {
	nodes, _ := m.ListNodes(ctx, NodeQuery{})
	for _, n := range nodes {
		if n.ID == id {
			return &n, nil
		}
	}
	return nil, fmt.Errorf("node %q: %w", id, errdefs.ErrNotFound)
}

func (m *MockClient) RegisterNode(_ context.Context, req registry.RegisterRequest) (*registry.NodeView, error) {
	if req.Identity == "" || req.Address == "" {
		return nil, fmt.Errorf("identity and address are required: %w", errdefs.ErrInvalid)
	}
	role := req.Role
	if role == "" {
		role = model.RolePeer
	}
	v := mockNode("node-"+req.Identity, req.Identity, req.Address, role, req.Region, trust.BaseScore, 0, true, 0)
	return &v, nil
}

func (m *MockClient) Heartbeat(ctx context.Context, id string, hb registry.Heartbeat) (*registry.NodeView, error) {
	n, err := m.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	n.CurrentConnections = hb.CurrentConnections
	n.BandwidthUsageMbps = hb.BandwidthUsageMbps
	n.AvgLatencyMs = hb.AvgLatencyMs
	n.PacketLoss = hb.PacketLoss
	return n, nil
}

func (m *MockClient) DeregisterNode(ctx context.Context, id string) (*registry.NodeView, error) {
	n, err := m.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	n.Online = false
	n.AcceptingConnections = false
	n.Status = model.NodeStatusDeregistered
	return n, nil
}

func (m *MockClient) NetworkStatus(context.Context) (*registry.NetworkStatus, error) {
	return &registry.NetworkStatus{
		TotalNodes:     4,
		OnlineNodes:    3,
		AcceptingNodes: 3,
		EligibleRelays: 2,
		NodesByStatus:  map[string]int{model.NodeStatusActive: 3, model.NodeStatusOffline: 1},
		NodesByRole: map[model.NodeRole]int{
			model.RoleRelay: 1, model.RoleSuperRelay: 1, model.RolePeer: 1, model.RoleEdge: 1,
		},
		NodesByLevel: map[model.TrustLevel]int{
			model.TrustVerified: 1, model.TrustTrusted: 1, model.TrustEstablished: 1, model.TrustCaution: 1,
		},
		NodesByRegion:  map[string]int{"eu-west": 2, "eu-central": 1, "us-east": 1},
		AvgLatencyMs:   14.6,
		AvgPacketLoss:  0.004,
		AvgUptimePct:   99.2,
		AvgReputation:  76,
		CapacityMbps:   3000,
		UsageMbps:      420,
		Connections:    36,
		MaxConnections: 300,
		RecentRoutes: registry.RouteStats{
			WindowSeconds:  registry.RecentRouteWindow.Seconds(),
			Total:          3,
			ByType:         map[model.RouteType]int{model.RouteDirect: 1, model.RouteRelay: 2},
			OptimalPct:     66.7,
			AvgScore:       71.4,
			AvgPredictedMs: 38.2,
			Used:           2,
			AvgSuccessRate: 1,
		},
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func (m *MockClient) ListRoutes(_ context.Context, nodeID string, limit int) ([]model.Route, error) {
	now := time.Now().UTC()
	all := []model.Route{
		{
			ID: "route-0001", SourceIdentity: "alice", DestIdentity: "bob", MediaType: "audio",
			Path: []string{"node-peer-alice", "node-relay-lon-01", "node-peer-bob"}, PathLength: 3,
			Type: model.RouteRelay, PredictedLatencyMs: 31.5, PredictedBandwidthMbps: 860,
			Score: 78.2, IsOptimal: true, UsageCount: 4, SuccessfulUses: 4, SuccessRate: 1,
			CreatedAt: now.Add(-10 * time.Minute),
		},
		{
			ID: "route-0002", SourceIdentity: "alice", DestIdentity: "carol", MediaType: "video",
			Path: []string{"node-peer-alice", "node-peer-carol"}, PathLength: 2,
			Type: model.RouteDirect, PredictedLatencyMs: 44.0, PredictedBandwidthMbps: 100,
			Score: 64.9, CreatedAt: now.Add(-4 * time.Minute),
		},
	}
	out := all[:0:0]
	for _, r := range all {
		if nodeID != "" && !contains(r.Path, nodeID) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func contains(path []string, id string) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}

func (m *MockClient) GetRoute(ctx context.Context, id string) (*model.Route, error) {
	routes, _ := m.ListRoutes(ctx, "", 0)
	for _, r := range routes {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("route %q: %w", id, errdefs.ErrNotFound)
}

func (m *MockClient) FindRoute(ctx context.Context, req routing.Request) (*model.Route, error) {
	if req.SourceIdentity == "" || req.DestIdentity == "" {
		return nil, fmt.Errorf("source and destination identities are required: %w", errdefs.ErrInvalid)
	}
	r, _ := m.GetRoute(ctx, "route-0001")
	r.SourceIdentity, r.DestIdentity = req.SourceIdentity, req.DestIdentity
	if req.MediaType != "" {
		r.MediaType = req.MediaType
	}
	return r, nil
}

func (m *MockClient) ReportPerformance(ctx context.Context, routeID string, rep feedback.PerformanceReport) (*feedback.Result, error) {
	r, err := m.GetRoute(ctx, routeID)
	if err != nil {
		return nil, err
	}
	r.UsageCount++
	r.ActualLatencyMs = rep.LatencyMs
	r.ActualPacketLoss = rep.PacketLoss
	successful := rep.PacketLoss < feedback.SuccessLossThreshold
	return &feedback.Result{
		Route:      r,
		MOS:        feedback.EstimateMOS(rep.LatencyMs, rep.JitterMs, rep.PacketLoss),
		Successful: successful,
	}, nil
}

func (m *MockClient) RecordTrustEvent(_ context.Context, req trust.EventRequest) (*trust.EventResult, error) {
	delta, err := trust.Delta(req.EventType, req.Severity)
	if err != nil {
		return nil, err
	}
	score := trust.BaseScore + delta
	return &trust.EventResult{
		EventID:       "evt-mock",
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		Delta:         delta,
		Score:         score,
		ReportedScore: trust.ReportedScore(score),
		Level:         trust.LevelFor(score),
		PreviousLevel: trust.LevelFor(trust.BaseScore),
	}, nil
}

func (m *MockClient) ListTrustEvents(_ context.Context, entityID string, limit int) ([]model.ReputationEvent, error) {
	now := time.Now().UTC()
	all := []model.ReputationEvent{
		{ID: "evt-0003", EntityType: model.EntityNode, EntityID: "node-relay-lon-01", EventType: trust.EventRelayHelp,
			Severity: model.SeverityInfo, Delta: 1.5, ScoreAfter: 92, LevelAfter: model.TrustVerified, CreatedAt: now.Add(-time.Minute)},
		{ID: "evt-0002", EntityType: model.EntityNode, EntityID: "node-edge-nyc-01", EventType: trust.EventCallDropped,
			Severity: model.SeverityWarning, Delta: -3, ScoreAfter: 18, LevelAfter: model.TrustCaution, CreatedAt: now.Add(-5 * time.Minute)},
		{ID: "evt-0001", EntityType: model.EntityIdentity, EntityID: "alice", EventType: trust.EventVerifiedIdentity,
			Severity: model.SeverityInfo, Delta: 5, ScoreAfter: 55, LevelAfter: model.TrustEstablished, CreatedAt: now.Add(-time.Hour)},
	}
	out := all[:0:0]
	for _, e := range all {
		if entityID != "" && e.EntityID != entityID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockClient) Reputation(_ context.Context, entityType, entityID string, windowHours float64) (*trust.Aggregate, error) {
	if windowHours <= 0 {
		windowHours = trust.DefaultWindowHours
	}
	return &trust.Aggregate{
		EntityType:       entityType,
		EntityID:         entityID,
		WindowHours:      windowHours,
		CallQuality:      82,
		RelayPerformance: 90,
		Uptime:           99.2,
		Score:            87.5,
		CallEvents:       14,
		PositiveCalls:    13,
		RoutesObserved:   6,
	}, nil
}

func (m *MockClient) ReportAbuse(_ context.Context, req trust.AbuseReportRequest) (*model.AbuseReport, error) {
	if req.ReporterIdentity == "" || req.ReportedEntityID == "" {
		return nil, fmt.Errorf("reporter and reported entity are required: %w", errdefs.ErrInvalid)
	}
	severe := req.Severity == trust.ReportSeverityHigh || req.Severity == trust.ReportSeverityCritical
	return &model.AbuseReport{
		ID:                 "report-mock",
		ReporterIdentity:   req.ReporterIdentity,
		ReportedEntityType: req.ReportedEntityType,
		ReportedEntityID:   req.ReportedEntityID,
		ReportType:         req.ReportType,
		Severity:           req.Severity,
		Description:        req.Description,
		Status:             model.ReportPending,
		NeedsReview:        severe,
		PenaltyApplied:     severe,
		CreatedAt:          time.Now().UTC(),
	}, nil
}

func (m *MockClient) ListAbuseReports(_ context.Context, status string) ([]model.AbuseReport, error) {
	all := []model.AbuseReport{
		{ID: "report-0001", ReporterIdentity: "alice", ReportedEntityType: model.EntityNode, ReportedEntityID: "node-edge-nyc-01",
			ReportType: "spam", Severity: trust.ReportSeverityHigh, Status: model.ReportPending, NeedsReview: true,
			PenaltyApplied: true, CreatedAt: time.Now().Add(-2 * time.Hour).UTC()},
	}
	out := all[:0:0]
	for _, r := range all {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MockClient) Health(context.Context) error { return nil }

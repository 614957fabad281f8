package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/relaymesh/relaymesh/pkg/directory"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/store"
	"github.com/relaymesh/relaymesh/pkg/trust"
)

// RecentRouteWindow is how far back GetNetworkStatus looks at routes.
const RecentRouteWindow = time.Hour

// NetworkStatus is an aggregate snapshot of nodes and recent routes.
type NetworkStatus struct {
	TotalNodes     int                      `json:"total_nodes"`
	OnlineNodes    int                      `json:"online_nodes"`
	AcceptingNodes int                      `json:"accepting_nodes"`
	EligibleRelays int                      `json:"eligible_relays"`
	NodesByStatus  map[string]int           `json:"nodes_by_status"`
	NodesByRole    map[model.NodeRole]int   `json:"nodes_by_role"`
	NodesByLevel   map[model.TrustLevel]int `json:"nodes_by_level"`
	NodesByRegion  map[string]int           `json:"nodes_by_region"`
	AvgLatencyMs   float64                  `json:"avg_latency_ms"`
	AvgPacketLoss  float64                  `json:"avg_packet_loss"`
	AvgUptimePct   float64                  `json:"avg_uptime_pct"`
	AvgReputation  float64                  `json:"avg_reputation"`
	CapacityMbps   float64                  `json:"capacity_mbps"`
	UsageMbps      float64                  `json:"usage_mbps"`
	Connections    int                      `json:"connections"`
	MaxConnections int                      `json:"max_connections"`
	RecentRoutes   RouteStats               `json:"recent_routes"`
	GeneratedAt    time.Time                `json:"generated_at"`
}

// RouteStats summarises routes created within a window.
type RouteStats struct {
	WindowSeconds     float64                 `json:"window_seconds"`
	Total             int                     `json:"total"`
	ByType            map[model.RouteType]int `json:"by_type"`
	OptimalPct        float64                 `json:"optimal_pct"`
	AvgScore          float64                 `json:"avg_score"`
	AvgPredictedMs    float64                 `json:"avg_predicted_latency_ms"`
	Used              int                     `json:"used"`
	AvgSuccessRate    float64                 `json:"avg_success_rate"`
	AvgLatencyErrorMs float64                 `json:"avg_latency_error_ms"`
}

// GetNetworkStatus counts nodes by status, role, trust level and region,
// averages link quality over online nodes, and summarises routes selected
// in the last RecentRouteWindow.
func (r *Registry) GetNetworkStatus(ctx context.Context) (*NetworkStatus, error) {
	nodes, err := r.store.Nodes().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	now := r.clock.Now().UTC()
	st := &NetworkStatus{
		TotalNodes:    len(nodes),
		NodesByStatus: make(map[string]int),
		NodesByRole:   make(map[model.NodeRole]int),
		NodesByLevel:  make(map[model.TrustLevel]int),
		NodesByRegion: make(map[string]int),
		GeneratedAt:   now,
	}
	var latency, loss, uptime, reputation float64
	for i := range nodes {
		n := &nodes[i]
		st.NodesByStatus[n.Status]++
		st.NodesByRole[n.Role]++
		st.NodesByLevel[trust.LevelFor(n.ReputationScore)]++
		if n.Region != "" {
			st.NodesByRegion[n.Region]++
		}
		if !n.Online {
			continue
		}
		st.OnlineNodes++
		if n.AcceptingConnections {
			st.AcceptingNodes++
		}
		if directory.RelayEligible(n, trust.TrustedThreshold) {
			st.EligibleRelays++
		}
		latency += n.AvgLatencyMs
		loss += n.PacketLoss
		uptime += n.UptimePct
		reputation += trust.ReportedScore(n.ReputationScore)
		st.CapacityMbps += n.BandwidthCapacityMbps
		st.UsageMbps += n.BandwidthUsageMbps
		st.Connections += n.CurrentConnections
		st.MaxConnections += n.MaxConnections
	}
	if st.OnlineNodes > 0 {
		k := float64(st.OnlineNodes)
		st.AvgLatencyMs = latency / k
		st.AvgPacketLoss = loss / k
		st.AvgUptimePct = uptime / k
		st.AvgReputation = reputation / k
	}

	routes, err := r.store.Routes().List(ctx, store.RouteFilter{Since: now.Add(-RecentRouteWindow)})
	if err != nil {
		return nil, fmt.Errorf("list recent routes: %w", err)
	}
	st.RecentRoutes = summarizeRoutes(routes)
	st.RecentRoutes.WindowSeconds = RecentRouteWindow.Seconds()
	return st, nil
}

func summarizeRoutes(routes []model.Route) RouteStats {
	rs := RouteStats{Total: len(routes), ByType: make(map[model.RouteType]int)}
	if len(routes) == 0 {
		return rs
	}
	var optimal int
	var score, predicted, success, latencyErr float64
	for i := range routes {
		rt := &routes[i]
		rs.ByType[rt.Type]++
		if rt.IsOptimal {
			optimal++
		}
		score += rt.Score
		predicted += rt.PredictedLatencyMs
		if rt.UsageCount > 0 {
			rs.Used++
			success += rt.SuccessRate
			latencyErr += rt.MeanLatencyErrorMs
		}
	}
	k := float64(len(routes))
	rs.OptimalPct = 100 * float64(optimal) / k
	rs.AvgScore = score / k
	rs.AvgPredictedMs = predicted / k
	if rs.Used > 0 {
		rs.AvgSuccessRate = success / float64(rs.Used)
		rs.AvgLatencyErrorMs = latencyErr / float64(rs.Used)
	}
	return rs
}

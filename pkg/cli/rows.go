package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/relaymesh/relaymesh/pkg/feedback"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/registry"
)

type nodeRow struct {
	ID       string  `table:"ID"`
	Identity string  `table:"IDENTITY"`
	Role     string  `table:"ROLE"`
	Status   string  `table:"STATUS"`
	Trust    string  `table:"TRUST"`
	Score    float64 `table:"SCORE"`
	Latency  float64 `table:"LATENCY_MS"`
	Conns    string  `table:"CONNS"`
	Region   string  `table:"REGION"`
	LastSeen string  `table:"LAST_SEEN"`
}

func nodeRows(nodes []registry.NodeView) []nodeRow {
	rows := make([]nodeRow, 0, len(nodes))
	for _, n := range nodes {
		rows = append(rows, nodeRow{
			ID:       n.ID,
			Identity: n.Identity,
			Role:     string(n.Role),
			Status:   n.Status,
			Trust:    string(n.TrustLevel),
			Score:    n.ReputationScore,
			Latency:  n.AvgLatencyMs,
			Conns:    fmt.Sprintf("%d/%d", n.CurrentConnections, n.MaxConnections),
			Region:   orDash(n.Region),
			LastSeen: ago(n.LastHeartbeat),
		})
	}
	return rows
}

type nodeDetail struct {
	ID          string    `table:"ID"`
	Identity    string    `table:"Identity"`
	Address     string    `table:"Address"`
	Role        string    `table:"Role"`
	Status      string    `table:"Status"`
	Online      bool      `table:"Online"`
	Accepting   bool      `table:"Accepting"`
	Trust       string    `table:"Trust level"`
	Score       float64   `table:"Reputation"`
	RawScore    float64   `table:"Raw reputation"`
	Location    string    `table:"Location"`
	Region      string    `table:"Region"`
	Latency     float64   `table:"Avg latency (ms)"`
	Loss        float64   `table:"Packet loss"`
	Uptime      float64   `table:"Uptime (%)"`
	Conns       string    `table:"Connections"`
	Bandwidth   string    `table:"Bandwidth (Mbps)"`
	Compression bool      `table:"Compression"`
	Registered  time.Time `table:"Registered"`
	LastSeen    string    `table:"Last heartbeat"`
}

func nodeDetailOf(n *registry.NodeView) nodeDetail {
	region := n.Region
	if n.Country != "" {
		region = strings.TrimPrefix(region+"/"+n.Country, "/")
	}
	return nodeDetail{
		ID:          n.ID,
		Identity:    n.Identity,
		Address:     n.Address,
		Role:        string(n.Role),
		Status:      n.Status,
		Online:      n.Online,
		Accepting:   n.AcceptingConnections,
		Trust:       string(n.TrustLevel),
		Score:       n.ReputationScore,
		RawScore:    n.RawReputationScore,
		Location:    fmt.Sprintf("%.4f,%.4f", n.Location.Latitude, n.Location.Longitude),
		Region:      orDash(region),
		Latency:     n.AvgLatencyMs,
		Loss:        n.PacketLoss,
		Uptime:      n.UptimePct,
		Conns:       fmt.Sprintf("%d/%d", n.CurrentConnections, n.MaxConnections),
		Bandwidth:   fmt.Sprintf("%.0f/%.0f", n.BandwidthUsageMbps, n.BandwidthCapacityMbps),
		Compression: n.SupportsCompression,
		Registered:  n.RegisteredAt,
		LastSeen:    ago(n.LastHeartbeat),
	}
}

type routeRow struct {
	ID      string   `table:"ID"`
	Source  string   `table:"FROM"`
	Dest    string   `table:"TO"`
	Media   string   `table:"MEDIA"`
	Type    string   `table:"TYPE"`
	Path    []string `table:"PATH"`
	Latency float64  `table:"PRED_MS"`
	Score   float64  `table:"SCORE"`
	Optimal bool     `table:"OPTIMAL"`
	Uses    string   `table:"OK/USED"`
}

func routeRows(routes []model.Route) []routeRow {
	rows := make([]routeRow, 0, len(routes))
	for _, r := range routes {
		rows = append(rows, routeRow{
			ID:      r.ID,
			Source:  r.SourceIdentity,
			Dest:    r.DestIdentity,
			Media:   r.MediaType,
			Type:    string(r.Type),
			Path:    r.Path,
			Latency: r.PredictedLatencyMs,
			Score:   r.Score,
			Optimal: r.IsOptimal,
			Uses:    fmt.Sprintf("%d/%d", r.SuccessfulUses, r.UsageCount),
		})
	}
	return rows
}

type feedbackSummary struct {
	Route       string  `table:"Route"`
	Successful  bool    `table:"Successful"`
	MOS         float64 `table:"MOS"`
	Uses        string  `table:"Successful/total uses"`
	SuccessRate float64 `table:"Success rate"`
	LatencyErr  float64 `table:"Mean latency error (ms)"`
	Relays      string  `table:"Relay adjustments"`
}

func feedbackSummaryOf(res *feedback.Result) feedbackSummary {
	s := feedbackSummary{
		Successful: res.Successful,
		MOS:        res.MOS,
		Relays:     "-",
	}
	if res.Route != nil {
		s.Route = res.Route.ID
		s.Uses = fmt.Sprintf("%d/%d", res.Route.SuccessfulUses, res.Route.UsageCount)
		s.SuccessRate = res.Route.SuccessRate
		s.LatencyErr = res.Route.MeanLatencyErrorMs
	}
	if len(res.Adjustments) > 0 {
		parts := make([]string, 0, len(res.Adjustments))
		for _, a := range res.Adjustments {
			parts = append(parts, a.NodeID+":"+a.EventType)
		}
		s.Relays = strings.Join(parts, ", ")
	}
	return s
}

type eventRow struct {
	Time     time.Time `table:"TIME"`
	Entity   string    `table:"ENTITY"`
	Event    string    `table:"EVENT"`
	Severity string    `table:"SEVERITY"`
	Delta    float64   `table:"DELTA"`
	Score    float64   `table:"SCORE_AFTER"`
	Level    string    `table:"LEVEL"`
}

func eventRows(events []model.ReputationEvent) []eventRow {
	rows := make([]eventRow, 0, len(events))
	for _, e := range events {
		rows = append(rows, eventRow{
			Time:     e.CreatedAt,
			Entity:   e.EntityType + "/" + e.EntityID,
			Event:    e.EventType,
			Severity: e.Severity,
			Delta:    e.Delta,
			Score:    e.ScoreAfter,
			Level:    string(e.LevelAfter),
		})
	}
	return rows
}

type reportRow struct {
	ID       string    `table:"ID"`
	Reporter string    `table:"REPORTER"`
	Entity   string    `table:"ENTITY"`
	Type     string    `table:"TYPE"`
	Severity string    `table:"SEVERITY"`
	Status   string    `table:"STATUS"`
	Review   bool      `table:"NEEDS_REVIEW"`
	Penalty  bool      `table:"PENALIZED"`
	Filed    time.Time `table:"FILED"`
}

func reportRows(reports []model.AbuseReport) []reportRow {
	rows := make([]reportRow, 0, len(reports))
	for _, r := range reports {
		rows = append(rows, reportRow{
			ID:       r.ID,
			Reporter: r.ReporterIdentity,
			Entity:   r.ReportedEntityType + "/" + r.ReportedEntityID,
			Type:     r.ReportType,
			Severity: r.Severity,
			Status:   r.Status,
			Review:   r.NeedsReview,
			Penalty:  r.PenaltyApplied,
			Filed:    r.CreatedAt,
		})
	}
	return rows
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// ago renders t relative to now, e.g. "42s ago".
func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}

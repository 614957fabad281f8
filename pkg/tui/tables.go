package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/registry"
)

// NodeRow is a single row in the Nodes table.
type NodeRow struct {
	ID       string
	Identity string
	Role     string
	Status   string
	Level    string
	Score    string
	Latency  string
	Region   string
}

// RouteRow is a single row in the Routes table.
type RouteRow struct {
	ID    string
	Pair  string // source -> destination identity
	Type  string
	Hops  string
	Score string
	Used  string
}

// EventRow is a single row in the Trust table.
type EventRow struct {
	Time   string
	Entity string
	Event  string
	Delta  string
	Level  string
}

func nodeRows(nodes []registry.NodeView) []NodeRow {
	rows := make([]NodeRow, 0, len(nodes))
	for _, n := range nodes {
		region := n.Region
		if region == "" {
			region = "-"
		}
		rows = append(rows, NodeRow{
			ID:       n.ID,
			Identity: n.Identity,
			Role:     string(n.Role),
			Status:   n.Status,
			Level:    string(n.TrustLevel),
			Score:    fmt.Sprintf("%.1f", n.ReputationScore),
			Latency:  fmt.Sprintf("%.1fms", n.AvgLatencyMs),
			Region:   region,
		})
	}
	return rows
}

func routeRows(routes []model.Route) []RouteRow {
	rows := make([]RouteRow, 0, len(routes))
	for _, r := range routes {
		rows = append(rows, RouteRow{
			ID:    r.ID,
			Pair:  r.SourceIdentity + " -> " + r.DestIdentity,
			Type:  string(r.Type),
			Hops:  fmt.Sprintf("%d", max(r.PathLength-1, 0)),
			Score: fmt.Sprintf("%.1f", r.Score),
			Used:  fmt.Sprintf("%d/%d", r.SuccessfulUses, r.UsageCount),
		})
	}
	return rows
}

func eventRows(events []model.ReputationEvent) []EventRow {
	rows := make([]EventRow, 0, len(events))
	for _, e := range events {
		rows = append(rows, EventRow{
			Time:   e.CreatedAt.Format("15:04:05"),
			Entity: e.EntityType + "/" + e.EntityID,
			Event:  e.EventType,
			Delta:  fmt.Sprintf("%+.1f", e.Delta),
			Level:  string(e.LevelAfter),
		})
	}
	return rows
}

// statusColor returns a foreground colour for a node status.
func statusColor(status string) lipgloss.Color {
	switch strings.ToLower(status) {
	case model.NodeStatusActive:
		return lipgloss.Color("2")
	case model.NodeStatusOffline:
		return lipgloss.Color("1")
	default:
		return lipgloss.Color("8")
	}
}

// levelColor returns a foreground colour for a trust level.
func levelColor(level string) lipgloss.Color {
	switch model.TrustLevel(level) {
	case model.TrustVerified, model.TrustTrusted:
		return lipgloss.Color("2")
	case model.TrustEstablished:
		return lipgloss.Color("252")
	case model.TrustCaution:
		return lipgloss.Color("3")
	case model.TrustSuspended:
		return lipgloss.Color("1")
	default:
		return lipgloss.Color("8")
	}
}

type col struct {
	title string
	width int
	color func(string) lipgloss.Color
}

// renderTable lays rows out under cols with zebra striping.
func renderTable(cols []col, rows [][]string) string {
	header := make([]string, len(cols))
	for i, c := range cols {
		header[i] = headerCellStyle.Width(c.width).Render(c.title)
	}
	lines := []string{strings.Join(header, "")}
	for i, r := range rows {
		style := rowStyle
		if i%2 == 0 {
			style = altRowStyle
		}
		cells := make([]string, len(cols))
		for j, c := range cols {
			text := truncate(r[j], c.width-1)
			if c.color != nil {
				cells[j] = lipgloss.NewStyle().Width(c.width).Foreground(c.color(r[j])).Render(text)
				continue
			}
			cells[j] = style.Width(c.width).Render(text)
		}
		lines = append(lines, strings.Join(cells, ""))
	}
	return strings.Join(lines, "\n")
}

func renderNodes(nodes []NodeRow, width int) string {
	if len(nodes) == 0 {
		return dimStyle.Render("  No nodes found.")
	}
	cols := []col{
		{title: "NODE ID", width: colWidth(width, 0.22)},
		{title: "IDENTITY", width: colWidth(width, 0.14)},
		{title: "ROLE", width: colWidth(width, 0.10)},
		{title: "STATUS", width: colWidth(width, 0.10), color: statusColor},
		{title: "TRUST", width: colWidth(width, 0.11), color: levelColor},
		{title: "SCORE", width: colWidth(width, 0.07)},
		{title: "LATENCY", width: colWidth(width, 0.09)},
		{title: "REGION", width: colWidth(width, 0.12)},
	}
	rows := make([][]string, 0, len(nodes))
	for _, n := range nodes {
		rows = append(rows, []string{n.ID, n.Identity, n.Role, n.Status, n.Level, n.Score, n.Latency, n.Region})
	}
	return renderTable(cols, rows)
}

func renderRoutes(routes []RouteRow, width int) string {
	if len(routes) == 0 {
		return dimStyle.Render("  No routes found.")
	}
	cols := []col{
		{title: "ROUTE ID", width: colWidth(width, 0.30)},
		{title: "CALL", width: colWidth(width, 0.26)},
		{title: "TYPE", width: colWidth(width, 0.12)},
		{title: "HOPS", width: colWidth(width, 0.07)},
		{title: "SCORE", width: colWidth(width, 0.08)},
		{title: "OK/USED", width: colWidth(width, 0.10)},
	}
	rows := make([][]string, 0, len(routes))
	for _, r := range routes {
		rows = append(rows, []string{r.ID, r.Pair, r.Type, r.Hops, r.Score, r.Used})
	}
	return renderTable(cols, rows)
}

func renderEvents(events []EventRow, width int) string {
	if len(events) == 0 {
		return dimStyle.Render("  No trust events recorded.")
	}
	cols := []col{
		{title: "TIME", width: colWidth(width, 0.10)},
		{title: "ENTITY", width: colWidth(width, 0.34)},
		{title: "EVENT", width: colWidth(width, 0.22)},
		{title: "DELTA", width: colWidth(width, 0.09)},
		{title: "LEVEL", width: colWidth(width, 0.14), color: levelColor},
	}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{e.Time, e.Entity, e.Event, e.Delta, e.Level})
	}
	return renderTable(cols, rows)
}

func renderNetwork(st *registry.NetworkStatus) string {
	if st == nil {
		return dimStyle.Render("  No network status yet.")
	}
	line := func(label, value string) string {
		return labelStyle.Render(label) + rowStyle.Render(value)
	}
	lines := []string{
		line("Nodes", fmt.Sprintf("%d total, %d online, %d accepting", st.TotalNodes, st.OnlineNodes, st.AcceptingNodes)),
		line("Eligible relays", fmt.Sprintf("%d", st.EligibleRelays)),
		line("Avg latency", fmt.Sprintf("%.1fms", st.AvgLatencyMs)),
		line("Avg packet loss", fmt.Sprintf("%.2f%%", st.AvgPacketLoss*100)),
		line("Avg uptime", fmt.Sprintf("%.1f%%", st.AvgUptimePct)),
		line("Avg reputation", fmt.Sprintf("%.1f", st.AvgReputation)),
		line("Bandwidth", fmt.Sprintf("%.0f / %.0f Mbps", st.UsageMbps, st.CapacityMbps)),
		line("Connections", fmt.Sprintf("%d / %d", st.Connections, st.MaxConnections)),
		line("Routes (last hour)", fmt.Sprintf("%d, %.0f%% optimal, avg score %.1f",
			st.RecentRoutes.Total, st.RecentRoutes.OptimalPct, st.RecentRoutes.AvgScore)),
	}
	return strings.Join(lines, "\n")
}

// colWidth converts a fractional width into an integer column width.
func colWidth(totalWidth int, fraction float64) int {
	return max(int(float64(totalWidth)*fraction), 6)
}

// truncate shortens s to maxLen runes, appending "…" if truncation occurred.
func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 1 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-1]) + "…"
}

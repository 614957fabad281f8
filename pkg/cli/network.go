package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Inspect the mesh as a whole",
}

type networkSummary struct {
	Nodes       string  `table:"Nodes"`
	Relays      int     `table:"Eligible relays"`
	Latency     float64 `table:"Avg latency (ms)"`
	Loss        float64 `table:"Avg packet loss"`
	Uptime      float64 `table:"Avg uptime (%)"`
	Reputation  float64 `table:"Avg reputation"`
	Bandwidth   string  `table:"Bandwidth (Mbps)"`
	Connections string  `table:"Connections"`
	Routes      int     `table:"Routes (last hour)"`
	Optimal     float64 `table:"Optimal routes (%)"`
	RouteScore  float64 `table:"Avg route score"`
	SuccessRate float64 `table:"Avg success rate"`
}

var networkStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node counts, link quality averages and recent route statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := apiClient.NetworkStatus(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get network status: %w", err)
		}
		render(cmd, st, networkSummary{
			Nodes:       fmt.Sprintf("%d total, %d online, %d accepting", st.TotalNodes, st.OnlineNodes, st.AcceptingNodes),
			Relays:      st.EligibleRelays,
			Latency:     st.AvgLatencyMs,
			Loss:        st.AvgPacketLoss,
			Uptime:      st.AvgUptimePct,
			Reputation:  st.AvgReputation,
			Bandwidth:   fmt.Sprintf("%.0f/%.0f", st.UsageMbps, st.CapacityMbps),
			Connections: fmt.Sprintf("%d/%d", st.Connections, st.MaxConnections),
			Routes:      st.RecentRoutes.Total,
			Optimal:     st.RecentRoutes.OptimalPct,
			RouteScore:  st.RecentRoutes.AvgScore,
			SuccessRate: st.RecentRoutes.AvgSuccessRate,
		})
		return nil
	},
}

func init() {
	networkCmd.AddCommand(networkStatusCmd)
	rootCmd.AddCommand(networkCmd)
}

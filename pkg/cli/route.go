package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relaymesh/pkg/client"
	"github.com/relaymesh/relaymesh/pkg/feedback"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/routing"
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Request, inspect and score call routes",
}

var routeFindReq routing.Request

var routeFindCmd = &cobra.Command{
	Use:   "find",
	Short: "Find the optimal route between two identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		if routeFindReq.SourceIdentity == "" || routeFindReq.DestIdentity == "" {
			return fmt.Errorf("--from and --to are required")
		}
		route, err := apiClient.FindRoute(cmd.Context(), routeFindReq)
		if err != nil {
			return fmt.Errorf("failed to find route: %w", err)
		}
		render(cmd, route, routeRows([]model.Route{*route}))
		return nil
	},
}

var (
	routeListNode  string
	routeListLimit int
)

var routeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recently selected routes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if routeListNode != "" {
			if err := client.ValidateID(routeListNode); err != nil {
				return fmt.Errorf("invalid --node value: %w", err)
			}
		}
		routes, err := apiClient.ListRoutes(cmd.Context(), routeListNode, routeListLimit)
		if err != nil {
			return fmt.Errorf("failed to list routes: %w", err)
		}
		render(cmd, routes, routeRows(routes))
		return nil
	},
}

var routeDescribeCmd = &cobra.Command{
	Use:   "describe <route-id>",
	Short: "Show a route with its score factors and observed performance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.ValidateID(args[0]); err != nil {
			return fmt.Errorf("invalid route-id: %w", err)
		}
		route, err := apiClient.GetRoute(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to describe route: %w", err)
		}
		renderNested(cmd, route)
		return nil
	},
}

var routeReport feedback.PerformanceReport

var routeReportCmd = &cobra.Command{
	Use:   "report <route-id>",
	Short: "Report the measured performance of a route after a call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.ValidateID(args[0]); err != nil {
			return fmt.Errorf("invalid route-id: %w", err)
		}
		if dryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "(dry-run) would report %.1fms latency, %.3f loss for route %q\n",
				routeReport.LatencyMs, routeReport.PacketLoss, args[0])
			return nil
		}
		res, err := apiClient.ReportPerformance(cmd.Context(), args[0], routeReport)
		if err != nil {
			return fmt.Errorf("failed to report performance: %w", err)
		}
		render(cmd, res, feedbackSummaryOf(res))
		return nil
	},
}

func init() {
	f := routeFindCmd.Flags()
	f.StringVar(&routeFindReq.SourceIdentity, "from", "", "calling identity (required)")
	f.StringVar(&routeFindReq.DestIdentity, "to", "", "called identity (required)")
	f.StringVar(&routeFindReq.MediaType, "media", "", "media type, e.g. audio or video (default audio)")
	f.BoolVar(&routeFindReq.RequireCompression, "compression", false, "only accept routes where every node supports compression")

	routeListCmd.Flags().StringVar(&routeListNode, "node", "", "only routes through this node")
	routeListCmd.Flags().IntVar(&routeListLimit, "limit", 0, "maximum number of routes (server default when 0)")

	f = routeReportCmd.Flags()
	f.Float64Var(&routeReport.LatencyMs, "latency", 0, "measured one-way latency in ms")
	f.Float64Var(&routeReport.BandwidthMbps, "bandwidth", 0, "measured bandwidth in Mbps")
	f.Float64Var(&routeReport.PacketLoss, "loss", 0, "packet loss fraction in [0, 1]")
	f.Float64Var(&routeReport.JitterMs, "jitter", 0, "jitter in ms")

	routeCmd.AddCommand(routeFindCmd)
	routeCmd.AddCommand(routeListCmd)
	routeCmd.AddCommand(routeDescribeCmd)
	routeCmd.AddCommand(routeReportCmd)
	rootCmd.AddCommand(routeCmd)
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relaymesh/pkg/client"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/registry"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage mesh nodes",
	Long:  "List, inspect, register, heartbeat and deregister nodes in the relaymesh network.",
}

var nodeListQuery client.NodeQuery

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := apiClient.ListNodes(cmd.Context(), nodeListQuery)
		if err != nil {
			return fmt.Errorf("failed to list nodes: %w", err)
		}
		render(cmd, nodes, nodeRows(nodes))
		return nil
	},
}

var nodeDescribeCmd = &cobra.Command{
	Use:   "describe <node-id>",
	Short: "Show detailed info for a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.ValidateID(args[0]); err != nil {
			return fmt.Errorf("invalid node-id: %w", err)
		}
		node, err := apiClient.GetNode(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to describe node: %w", err)
		}
		render(cmd, node, nodeDetailOf(node))
		return nil
	},
}

var (
	nodeRegisterReq  registry.RegisterRequest
	nodeRegisterRole string
)

var nodeRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		if nodeRegisterReq.Identity == "" || nodeRegisterReq.Address == "" {
			return fmt.Errorf("--identity and --address are required")
		}
		req := nodeRegisterReq
		req.Role = model.NodeRole(nodeRegisterRole)
		if req.Role != "" && !req.Role.Valid() {
			return fmt.Errorf("invalid --role %q (allowed: peer, relay, edge, super_relay)", nodeRegisterRole)
		}
		if dryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "(dry-run) would register %q at %s\n", req.Identity, req.Address)
			return nil
		}
		node, err := apiClient.RegisterNode(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("failed to register node: %w", err)
		}
		render(cmd, node, nodeDetailOf(node))
		return nil
	},
}

var nodeHeartbeat registry.Heartbeat

var nodeHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat <node-id>",
	Short: "Send one heartbeat on behalf of a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.ValidateID(args[0]); err != nil {
			return fmt.Errorf("invalid node-id: %w", err)
		}
		node, err := apiClient.Heartbeat(cmd.Context(), args[0], nodeHeartbeat)
		if err != nil {
			return fmt.Errorf("failed to send heartbeat: %w", err)
		}
		render(cmd, node, nodeDetailOf(node))
		return nil
	},
}

var nodeDeregisterCmd = &cobra.Command{
	Use:   "deregister <node-id>",
	Short: "Deregister a node (it stops receiving routes)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.ValidateID(args[0]); err != nil {
			return fmt.Errorf("invalid node-id: %w", err)
		}
		if dryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "(dry-run) would deregister node %q\n", args[0])
			return nil
		}
		if !confirm(cmd, fmt.Sprintf("Deregister node %q? It will no longer be used for routing.", args[0])) {
			return nil
		}
		if _, err := apiClient.DeregisterNode(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to deregister node: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Node %q deregistered.\n", args[0])
		return nil
	},
}

func init() {
	f := nodeListCmd.Flags()
	f.StringVar(&nodeListQuery.Identity, "identity", "", "only nodes owned by this identity")
	f.StringVar(&nodeListQuery.Status, "status", "", "only nodes with this status (active, offline, deregistered)")
	f.StringVar(&nodeListQuery.Role, "role", "", "only nodes with this role")
	f.StringVar(&nodeListQuery.Level, "level", "", "only nodes at this trust level")

	f = nodeRegisterCmd.Flags()
	f.StringVar(&nodeRegisterReq.Identity, "identity", "", "owning identity (required)")
	f.StringVar(&nodeRegisterReq.Address, "address", "", "reachable host:port (required)")
	f.StringVar(&nodeRegisterRole, "role", "", "peer, relay, edge or super_relay (default peer)")
	f.StringVar(&nodeRegisterReq.Region, "region", "", "region label")
	f.StringVar(&nodeRegisterReq.Country, "country", "", "country code")
	f.Float64Var(&nodeRegisterReq.Location.Latitude, "lat", 0, "latitude in degrees")
	f.Float64Var(&nodeRegisterReq.Location.Longitude, "lon", 0, "longitude in degrees")
	f.BoolVar(&nodeRegisterReq.SupportsCompression, "compression", false, "node supports media compression")
	f.IntVar(&nodeRegisterReq.MaxConnections, "max-connections", 0, "connection capacity (server default when 0)")
	f.Float64Var(&nodeRegisterReq.BandwidthCapacityMbps, "bandwidth", 0, "bandwidth capacity in Mbps (server default when 0)")

	f = nodeHeartbeatCmd.Flags()
	f.IntVar(&nodeHeartbeat.CurrentConnections, "connections", 0, "current connection count")
	f.Float64Var(&nodeHeartbeat.BandwidthUsageMbps, "bandwidth-usage", 0, "current bandwidth use in Mbps")
	f.Float64Var(&nodeHeartbeat.AvgLatencyMs, "latency", 0, "average latency in ms")
	f.Float64Var(&nodeHeartbeat.PacketLoss, "loss", 0, "packet loss fraction in [0, 1]")

	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeDescribeCmd)
	nodeCmd.AddCommand(nodeRegisterCmd)
	nodeCmd.AddCommand(nodeHeartbeatCmd)
	nodeCmd.AddCommand(nodeDeregisterCmd)
	rootCmd.AddCommand(nodeCmd)
}

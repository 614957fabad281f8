// relaymesh-agent registers a mesh node with the control plane and keeps it
// alive with heartbeats until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/pkg/agent"
	"github.com/relaymesh/relaymesh/pkg/client"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/observability"
	"github.com/relaymesh/relaymesh/pkg/registry"
)

func main() {
	var req registry.RegisterRequest
	server := flag.String("server", "http://localhost:8080", "control plane URL")
	token := flag.String("token", os.Getenv("RELAYMESH_TOKEN"), "bearer token (defaults to $RELAYMESH_TOKEN)")
	role := flag.String("role", string(model.RolePeer), "peer, relay, super_relay or edge")
	interval := flag.Duration("interval", agent.DefaultHeartbeatInterval, "heartbeat interval")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.StringVar(&req.Identity, "identity", "", "identity this node serves (required)")
	flag.StringVar(&req.Address, "address", "", "reachable host:port of this node (required)")
	flag.StringVar(&req.Region, "region", "", "region label")
	flag.StringVar(&req.Country, "country", "", "ISO country code")
	flag.Float64Var(&req.Location.Latitude, "lat", 0, "latitude")
	flag.Float64Var(&req.Location.Longitude, "lon", 0, "longitude")
	flag.BoolVar(&req.SupportsCompression, "compression", false, "node supports compressed media")
	flag.IntVar(&req.MaxConnections, "max-connections", 0, "connection capacity (server default when 0)")
	flag.Float64Var(&req.BandwidthCapacityMbps, "bandwidth", 0, "bandwidth capacity in Mbps (server default when 0)")
	flag.Parse()
	req.Role = model.NodeRole(*role)

	if req.Identity == "" || req.Address == "" {
		fmt.Fprintln(os.Stderr, "relaymesh-agent: --identity and --address are required")
		os.Exit(2)
	}

	logger, err := observability.NewLogger(*logLevel, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relaymesh-agent:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ag := agent.NewNodeAgent(client.New(*server, *token), req, logger, agent.WithInterval(*interval))
	if err := ag.Run(ctx); err != nil {
		logger.Error("agent stopped", zap.Error(err))
		os.Exit(1)
	}
}

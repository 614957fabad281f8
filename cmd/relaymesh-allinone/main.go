// relaymesh-allinone starts the control plane with an in-memory store and
// a local node agent in a single process. Intended for development and
// demonstration.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/relaymesh/pkg/agent"
	"github.com/relaymesh/relaymesh/pkg/client"
	"github.com/relaymesh/relaymesh/pkg/config"
	"github.com/relaymesh/relaymesh/pkg/controlplane"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/observability"
	"github.com/relaymesh/relaymesh/pkg/registry"
)

func main() {
	addr := flag.String("listen", config.DefaultListen, "listen address")
	identity := flag.String("identity", "local-dev", "identity served by the local agent")
	interval := flag.Duration("interval", 10*time.Second, "local agent heartbeat interval")
	flag.Parse()

	logger, err := observability.NewLogger("debug", true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relaymesh-allinone:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// --- Control plane (always in-memory for all-in-one) ---
	cfg := config.Default()
	cfg.Listen = *addr

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cp, err := controlplane.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer cp.Close()

	// --- Local node agent ---
	_, port, err := net.SplitHostPort(*addr)
	if err != nil {
		logger.Fatal("bad listen address", zap.String("listen", *addr), zap.Error(err))
	}
	api := client.New("http://"+net.JoinHostPort("127.0.0.1", port), "")
	ag := agent.NewNodeAgent(api, registry.RegisterRequest{
		Identity:            *identity,
		Address:             net.JoinHostPort("127.0.0.1", "7000"),
		Role:                model.RoleRelay,
		Region:              "local",
		SupportsCompression: true,
	}, logger, agent.WithInterval(*interval), agent.WithRetryBase(200*time.Millisecond))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cp.Run(ctx) })
	// The agent retries registration until the server is listening.
	g.Go(func() error { return ag.Run(ctx) })

	logger.Info("starting relaymesh-allinone", zap.String("listen", *addr), zap.String("identity", *identity))
	if err := g.Wait(); err != nil {
		logger.Error("relaymesh-allinone stopped", zap.Error(err))
		cp.Close()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

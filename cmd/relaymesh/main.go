// relaymesh is the mesh routing control plane server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/pkg/config"
	"github.com/relaymesh/relaymesh/pkg/controlplane"
	"github.com/relaymesh/relaymesh/pkg/observability"
)

func main() {
	cfgPath := flag.String("config", "", "path to the YAML config file")
	addr := flag.String("listen", "", "listen address (overrides the config file)")
	storeType := flag.String("store", "", "state store backend: memory, etcd or postgres")
	logLevel := flag.String("log-level", "", "debug, info, warn or error")
	flag.Parse()

	// The store backend can also be selected via RELAYMESH_STORE_TYPE, with
	// RELAYMESH_ETCD_ENDPOINTS or RELAYMESH_POSTGRES_DSN for its address.
	// Flags win over both the file and the environment.
	if *storeType != "" {
		os.Setenv(config.EnvStoreType, *storeType)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relaymesh:", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relaymesh:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cp, err := controlplane.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer cp.Close()

	logger.Info("starting relaymesh",
		zap.String("listen", cfg.Listen),
		zap.String("store", cfg.Store.Type),
		zap.String("cache", cfg.Cache.Type))
	if err := cp.Run(ctx); err != nil {
		logger.Error("relaymesh stopped", zap.Error(err))
		cp.Close()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

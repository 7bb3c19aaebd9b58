package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rescoord/rescoord/internal/app"
	"github.com/rescoord/rescoord/internal/config"
	"github.com/rescoord/rescoord/internal/core/observability/log"
)

func main() {
	configPath := flag.String("config", "", "path to the node YAML config")
	server := flag.Bool("server", false, "run as the coordinator")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "Error loading config:", err)
			os.Exit(2)
		}
	} else if !*server {
		cfg.Role = config.RolePeer
	}
	if *server {
		cfg.Role = config.RoleCoordinator
	}

	os.Exit(run(cfg))
}

func run(cfg config.Config) int {
	logger := log.New(log.ParseLevel(cfg.Log.Level), log.WithFormat(log.Format(cfg.Log.Format)))
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	node, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Error starting node", log.Error(err))
		return 1
	}
	logger.Info("Node started", log.String("id", node.ID().String()), log.String("role", cfg.Role))

	if err := node.Run(ctx); err != nil {
		logger.Error("Node failed", log.Error(err))
		return 1
	}
	return 0
}

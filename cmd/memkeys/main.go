package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"memkeys/internal/logging"
	"memkeys/internal/server"
	"memkeys/pkg/config"
)

var (
	configPath = flag.String("config", "configs/memkeys.yaml", "Path to configuration file")
	nodeID     = flag.String("node-id", "", "Unique node identifier")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Early error before logging is initialized
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Override with command line flags
	if *nodeID != "" {
		cfg.Node.ID = *nodeID
	}

	// Initialize structured logging system
	logger := logging.New(logging.Config{
		Level:         logging.ParseLevel(cfg.Logging.Level),
		NodeID:        cfg.Node.ID,
		EnableConsole: cfg.Logging.EnableConsole,
		EnableFile:    cfg.Logging.EnableFile,
		LogFile:       cfg.Logging.LogFile,
		BufferSize:    cfg.Logging.BufferSize,
	})
	logging.SetGlobal(logger)
	defer logger.Close()

	// Create context with correlation ID for startup
	startupCorrelationID := logging.NewCorrelationID()
	ctx := logging.WithCorrelationID(context.Background(), startupCorrelationID)

	logging.Info(ctx, logging.ComponentMain, "start", "memkeys node starting", map[string]interface{}{
		"node_id":     cfg.Node.ID,
		"config_file": *configPath,
		"max_memory":  cfg.Memory.MaxMemory,
		"policy":      cfg.Memory.EvictionPolicy,
	})

	srv, err := server.New(cfg)
	if err != nil {
		logging.Fatal(ctx, logging.ComponentMain, "start", "Failed to build server", err)
		os.Exit(1)
	}

	// Run until interrupted
	runCtx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info(ctx, logging.ComponentMain, "shutdown", "signal received, shutting down", map[string]interface{}{
			"signal": sig.String(),
		})
		cancel()
	}()

	if err := srv.Run(runCtx); err != nil && err != context.Canceled {
		logging.Error(ctx, logging.ComponentMain, "shutdown", "server exited with error", err)
		os.Exit(1)
	}

	logging.Info(ctx, logging.ComponentMain, "shutdown", "memkeys node stopped", nil)
}

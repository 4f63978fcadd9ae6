package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sunshow/workgear/conductor/internal/config"
	grpcserver "github.com/sunshow/workgear/conductor/internal/grpc"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg, err := config.Load(os.Getenv("CONDUCTOR_CONFIG"))
	if err != nil {
		sugar.Fatalf("Invalid configuration: %v", err)
	}

	// Graceful shutdown context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Connect to PostgreSQL, if configured
	store, err := cfg.OpenStore(ctx, sugar)
	if err != nil {
		sugar.Fatalf("Failed to connect to database: %v", err)
	}
	if store != nil {
		defer store.Close()
	}

	// 2. Create the engine (agents, oracle stack, event bus)
	eng, err := cfg.Engine(store, nil, sugar)
	if err != nil {
		sugar.Fatalf("Failed to create engine: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eng.Close(shutdownCtx); err != nil {
			sugar.Warnw("Engine shutdown incomplete", "error", err)
		}
	}()

	// 3. Serve gRPC until a signal arrives
	if err := grpcserver.ListenAndServe(ctx, cfg.GRPCPort, eng, sugar); err != nil {
		sugar.Errorw("gRPC server failed", "error", err)
	}
}

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sunshow/workgear/conductor/internal/config"
	grpcserver "github.com/sunshow/workgear/conductor/internal/grpc"
)

func newServeCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if port != "" {
				cfg.GRPCPort = port
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := cfg.OpenStore(ctx, logger)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}

			eng, err := cfg.Engine(store, nil, logger)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := eng.Close(shutdownCtx); err != nil {
					logger.Warnw("Engine shutdown incomplete", "error", err)
				}
			}()

			fmt.Fprintf(cmd.OutOrStdout(), "Serving on :%s\n", cfg.GRPCPort)
			return grpcserver.ListenAndServe(ctx, cfg.GRPCPort, eng, logger)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "override grpc_port")
	return cmd
}

// Command conductor runs workflows in-process, serves the engine over gRPC
// and operates a remote server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	serverAddr string
	jsonLogs   bool
	verbose    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "conductor",
		Short: "Multi-agent workflow conductor",
		Long: `Conductor plans a goal into a dependency graph of steps, dispatches
ready steps to agents in parallel, verifies every result and replans
around failures.

Examples:
  conductor run "summarise the incident report"
  conductor run --plan release.yaml --param version=1.4.0
  conductor serve
  conductor status --addr localhost:50051`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONDUCTOR_CONFIG"), "path to a YAML config file")
	root.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:50051", "address of a running conductor server")
	root.PersistentFlags().BoolVar(&jsonLogs, "json", false, "emit production JSON logs")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log engine internals")

	root.AddCommand(
		newRunCmd(),
		newServeCmd(),
		newStatusCmd(),
		newApproveCmd(),
		newRejectCmd(),
		newFailCmd(),
		newResetCmd(),
		newEventsCmd(),
		newMetricsCmd(),
		newPlanCmd(),
	)
	return root
}

// newLogger returns a development logger, or a production JSON logger with
// --json. Without --verbose only warnings and errors are shown.
func newLogger() (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if jsonLogs {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Sugar(), nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

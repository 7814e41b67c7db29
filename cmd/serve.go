package cmd

import (
	"context"
	"fmt"

	"github.com/capa-dev/capabroker/internal/broker"
	"github.com/capa-dev/capabroker/internal/config"

	"github.com/spf13/cobra"
)

var (
	serveHost    string
	servePort    int
	serveDataDir string
)

// serveCmd starts the broker daemon in the foreground.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the capability broker daemon",
	Long: `Starts the broker: opens the sqlite store, recovers any orphaned
subprocess records, and listens for per-project MCP JSON-RPC requests and
control API calls until interrupted.

The bind address defaults to 127.0.0.1:5912; override with --host/--port or
the HOST/PORT environment variables. LOG_LEVEL controls log verbosity.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	defaults := config.Default()
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind host (env: HOST, default "+defaults.Host+")")
	serveCmd.Flags().IntVar(&servePort, "port", 0, fmt.Sprintf("Bind port (env: PORT, default %d)", defaults.Port))
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Directory for the store and pidfile (default "+defaults.DataDir+")")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Default().ApplyEnv()
	if serveHost != "" {
		cfg.Host = serveHost
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	if serveDataDir != "" {
		cfg.DataDir = serveDataDir
	}

	b, err := broker.New(cfg, GetVersion())
	if err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return b.Run(ctx)
}

package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
)

// rootCmd is the entry point when capabroker is called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "capabroker",
	Short: "Run and manage the local MCP capability broker",
	Long: `capabroker is a per-developer daemon that aggregates MCP servers
behind a single JSON-RPC endpoint, scoped per project.

Use 'capabroker serve' to start the daemon in the foreground.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command, injected at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current build version.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the root command. Called by main.main.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "capabroker version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newStatusCmd())
}

package cmd

import (
	"fmt"
	"os"

	"github.com/capa-dev/capabroker/internal/config"

	"github.com/spf13/cobra"
)

// newStatusCmd builds the command that reports whether the daemon's pidfile
// exists and, if so, whether its health endpoint answers.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the capability broker daemon is running",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	path := config.Default().PIDFilePath()

	pid, version, err := config.ReadPidFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(cmd.OutOrStdout(), "not running (no pidfile)")
			return nil
		}
		return fmt.Errorf("reading pidfile: %w", err)
	}

	if _, uptime, err := queryServerVersion(); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "running: pid=%d version=%s uptime=%ds\n", pid, version, uptime)
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "pidfile present (pid=%d version=%s) but health endpoint unreachable\n", pid, version)
	return nil
}

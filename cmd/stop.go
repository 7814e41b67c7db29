package cmd

import (
	"fmt"
	"os"
	"syscall"

	"github.com/capa-dev/capabroker/internal/config"

	"github.com/spf13/cobra"
)

// newStopCmd builds the command that signals a running daemon to shut down
// gracefully via its pidfile.
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running capability broker daemon",
		Args:  cobra.NoArgs,
		RunE:  runStop,
	}
}

func runStop(cmd *cobra.Command, args []string) error {
	path := config.Default().PIDFilePath()

	pid, _, err := config.ReadPidFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(cmd.OutOrStdout(), "daemon not running")
			return nil
		}
		return fmt.Errorf("reading pidfile: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signaling process %d: %w", pid, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "sent SIGTERM to pid %d\n", pid)
	return nil
}

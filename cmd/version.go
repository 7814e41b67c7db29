package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/capa-dev/capabroker/internal/config"

	"github.com/spf13/cobra"
)

// versionCheckTimeout bounds how long the version command waits on the
// daemon's health endpoint before reporting it as not running.
const versionCheckTimeout = 2 * time.Second

// newVersionCmd builds the command that prints the CLI version and, if the
// daemon is reachable, the running server's version.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the capabroker CLI and daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "capabroker version %s\n", rootCmd.Version)

			version, uptime, err := queryServerVersion()
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "daemon: not running\n")
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "daemon: %s (uptime %ds)\n", version, uptime)
		},
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  int    `json:"uptime"`
}

// queryServerVersion hits the local daemon's /health endpoint.
func queryServerVersion() (version string, uptime int, err error) {
	client := http.Client{Timeout: versionCheckTimeout}
	url := fmt.Sprintf("http://%s/health", config.Default().Addr())

	resp, err := client.Get(url)
	if err != nil {
		return "", 0, fmt.Errorf("daemon not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return "", 0, fmt.Errorf("decoding health response: %w", err)
	}
	return health.Version, health.Uptime, nil
}

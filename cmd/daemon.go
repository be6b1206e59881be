// Package cmd implements CLI commands.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/tern/internal/daemon"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the tern engine in foreground",
	Long: `Run the tern engine in foreground.

The daemon will:
  1. Load global configuration from config file
  2. Initialize logging
  3. Create the engine and register the configured devices
  4. Enable every device, running DHCP where requested
  5. Serve metrics and the device status over HTTP (if configured)
  6. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(); err != nil {
			slog.Error("daemon failed", "error", err)
			os.Exit(1)
		}
	},
}

var pidFile string

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (default: control.pid_file from the config)")
}

func runDaemon() error {
	d, err := daemon.New(configFile, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Run main loop (blocks until shutdown)
	return d.Run()
}

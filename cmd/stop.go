package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the tern daemon",
	Long: `Stop the tern daemon gracefully (SIGTERM).

The daemon releases DHCP leases, closes every connection and exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		return runStop(cmd.Context(), c, cmd.OutOrStdout())
	},
}

func runStop(ctx context.Context, client ClientInterface, out io.Writer) error {
	if err := client.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop: %w", err)
	}
	fmt.Fprintln(out, "✓ Shutdown requested")
	return nil
}

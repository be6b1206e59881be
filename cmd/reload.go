package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload configuration",
	Long: `Ask the running daemon to reload its configuration file (SIGHUP).

Log settings, hostname and domain apply at once; device and engine changes
need a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		return runReload(cmd.Context(), c, cmd.OutOrStdout())
	},
}

func runReload(ctx context.Context, client ClientInterface, out io.Writer) error {
	if err := client.Reload(ctx); err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Fprintln(out, "✓ Configuration reloaded successfully")
	return nil
}

// Package cmd implements CLI commands.
package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Query the tern daemon for the state of its devices.

Shows per device: link type, flags, addresses, lease expiry, open
connections, ARP entries and packet counters.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		return runStatus(cmd.Context(), c, cmd.OutOrStdout())
	},
}

func runStatus(ctx context.Context, client ClientInterface, out io.Writer) error {
	raw, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to query daemon status: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	buf.WriteByte('\n')
	_, err = buf.WriteTo(out)
	return err
}

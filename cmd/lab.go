package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/tern/internal/config"
	"firestige.xyz/tern/internal/lab"
	logpkg "firestige.xyz/tern/internal/log"
)

var labCmd = &cobra.Command{
	Use:   "lab",
	Short: "Exercise the engine against simulated services",
	Long: `Run two engines joined by an in-memory Ethernet link.

The server side (10.0.0.1) offers DHCP, DNS and UDP/TCP echo. The client side
obtains a lease, pings the server, sends a datagram and a TCP stream through
the echo services and resolves names both ways.

Examples:
  tern lab
  tern lab --pcap lab.pcap --summary`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runLab(cmd.OutOrStdout(), labOpts); err != nil {
			exitWithError("lab failed", err)
		}
	},
}

type labOptions struct {
	pcap     string
	summary  bool
	domain   string
	timeout  time.Duration
	logLevel string
}

var labOpts labOptions

func init() {
	labCmd.Flags().StringVar(&labOpts.pcap, "pcap", "", "write the link traffic to this pcap file")
	labCmd.Flags().BoolVar(&labOpts.summary, "summary", false, "print one line per frame on the link")
	labCmd.Flags().StringVar(&labOpts.domain, "domain", "lab", "domain served by the lab DNS")
	labCmd.Flags().DurationVar(&labOpts.timeout, "timeout", 5*time.Second, "timeout of each step")
	labCmd.Flags().StringVar(&labOpts.logLevel, "log-level", "warn", "log level (debug/info/warn/error)")
}

func runLab(out io.Writer, opts labOptions) error {
	logCfg := config.Default().Log
	logCfg.Level, logCfg.Format = opts.logLevel, "text"
	if err := logpkg.Init(logCfg); err != nil {
		return err
	}
	defer logpkg.Flush()

	cfg := lab.Config{Domain: opts.domain, Timeout: opts.timeout}
	if opts.pcap != "" {
		f, err := os.Create(opts.pcap)
		if err != nil {
			return fmt.Errorf("create %s: %w", opts.pcap, err)
		}
		defer f.Close()
		cfg.Capture = f
	}
	if opts.summary {
		cfg.Summary = func(line string) { fmt.Fprintln(out, line) }
	}

	l, err := lab.New(cfg)
	if err != nil {
		return err
	}
	results := l.Run()
	closeErr := l.Close()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tRESULT\tTIME\tDETAIL")
	failed := 0
	for _, r := range results {
		status, detail := "ok", r.Detail
		if !r.OK() {
			status, detail = "FAIL", r.Err.Error()
			failed++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Step, status, r.Duration.Round(time.Microsecond), detail)
	}
	tw.Flush()
	fmt.Fprintf(out, "%d frame(s) crossed the link\n", l.Frames())

	if failed > 0 {
		return fmt.Errorf("%d of %d step(s) failed", failed, len(results))
	}
	return closeErr
}

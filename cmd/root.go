// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tern",
	Short: "tern - user-space IPv4 protocol engine",
	Long: `tern is a user-space IPv4 network protocol engine.
It drives network devices through pluggable drivers, answers ARP and ICMP echo,
carries UDP and TCP connections, configures devices through DHCP and resolves
names through DNS.

Commands:
  daemon    run the engine from a configuration file
  validate  check a configuration file and print the effective settings
  lab       run two engines over an in-memory link and exercise every protocol
  status    show the devices of a running daemon
  reload    ask a running daemon to reload its configuration
  stop      ask a running daemon to shut down`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/tern/config.yml",
		"config file path")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(labCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(stopCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}

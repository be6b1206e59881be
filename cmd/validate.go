// Package cmd implements CLI commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/tern/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without starting the engine.

The effective configuration, defaults and TERN_* environment overrides
included, is printed as YAML.

Examples:
  tern validate -c /etc/tern/config.yml
  TERN_LOG_LEVEL=debug tern validate -c config.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(configFile, cmd.OutOrStdout()); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

func runValidate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(map[string]*config.GlobalConfig{"tern": cfg})
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	fmt.Fprintf(out, "# VALID: %s, %d device(s)\n", path, len(cfg.Devices))
	_, err = out.Write(data)
	return err
}

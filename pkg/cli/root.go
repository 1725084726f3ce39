package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zyuc/mockbroker/pkg/cli/internal/output"
	"github.com/zyuc/mockbroker/pkg/cliconfig"
	"github.com/zyuc/mockbroker/pkg/logging"
)

var (
	// Persistent flags available to all subcommands
	bootstrapAddr string
	jsonOutput    bool
	configPath    string

	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mockbroker",
	Short: "mockbroker answers requests held open by mock-serving backends",
	Long: `mockbroker discovers a group of mock-serving backends, follows the primary's
stream of pending requests and answers each one, either automatically with its
default response or with a body supplied by an operator.

Configuration can be provided via flags, MOCKBROKER_* environment variables,
.mockbrokerrc.yaml in the current directory or ~/.config/mockbroker/config.yaml.`,
	SilenceUsage:  true,
	SilenceErrors: true, // We handle errors in Execute()
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&bootstrapAddr, "bootstrap", "", "Bootstrap backend address host:port (default localhost:8080)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output command results in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (replaces global and local config files)")
}

// loadConfig resolves configuration from every source. bindings maps flag
// names of cmd to config keys; only flags set on the command line apply.
func loadConfig(cmd *cobra.Command, bindings map[string]string) (*cliconfig.BrokerConfig, error) {
	cfg, err := cliconfig.LoadAll(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("bootstrap") {
		if err := cfg.Set("bootstrap", bootstrapAddr, cliconfig.SourceFlag); err != nil {
			return nil, err
		}
	}
	for name, key := range bindings {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := cfg.Set(key, f.Value.String(), cliconfig.SourceFlag); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *cliconfig.BrokerConfig, w io.Writer) *slog.Logger {
	return logging.FromStrings(cfg.LogLevel, cfg.LogFormat, w)
}

// printResult outputs a single operation result.
//
// Contract: when --json is active, ONLY the JSON encoding of data is written
// to stdout. textFn is called only in text mode.
func printResult(cmd *cobra.Command, data any, textFn func(w io.Writer)) error {
	if jsonOutput {
		return output.JSON(cmd.OutOrStdout(), data)
	}
	textFn(cmd.OutOrStdout())
	return nil
}

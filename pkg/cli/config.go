package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zyuc/mockbroker/pkg/cli/internal/output"
	"github.com/zyuc/mockbroker/pkg/cliconfig"
)

// ConfigEntry is one effective config value.
type ConfigEntry struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Source string `json:"source"`
	Env    string `json:"env"`
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration and where each value came from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}

		entries := make([]ConfigEntry, 0, len(cliconfig.Keys))
		for _, key := range cliconfig.Keys {
			v, _ := cfg.Get(key)
			src := cfg.Sources[key]
			if src == "" {
				src = cliconfig.SourceDefault
			}
			entries = append(entries, ConfigEntry{Key: key, Value: v, Source: src, Env: cliconfig.EnvName(key)})
		}

		return printResult(cmd, entries, func(w io.Writer) {
			tw := output.Table(w)
			fmt.Fprintln(tw, "KEY\tVALUE\tSOURCE")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Key, e.Value, e.Source)
			}
			_ = tw.Flush()
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := map[string]string{"version": Version, "commit": Commit, "buildDate": BuildDate}
		return printResult(cmd, info, func(w io.Writer) {
			fmt.Fprintf(w, "mockbroker %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		})
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

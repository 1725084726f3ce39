package cli

import (
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/zyuc/mockbroker/pkg/backend"
	"github.com/zyuc/mockbroker/pkg/cliconfig"
	"github.com/zyuc/mockbroker/pkg/discovery"
	"github.com/zyuc/mockbroker/pkg/registry"
)

var servicesFlagBindings = map[string]string{
	"https":                "https",
	"insecure-skip-verify": "insecureSkipVerify",
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Query discovery once and print the service group",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, servicesFlagBindings)
		if err != nil {
			return err
		}

		client := discovery.NewClient(registry.Address(cfg.Bootstrap),
			discovery.WithScheme(backend.Scheme(cfg.HTTPS)),
			discovery.WithHTTPClient(backendClient(cfg)))

		res, err := client.Discover(cmd.Context())
		if err != nil {
			return fmt.Errorf("discovery via %s failed: %w", cfg.Bootstrap, err)
		}

		return printResult(cmd, res, func(w io.Writer) {
			fmt.Fprintf(w, "Primary: %s\n", res.Primary)
			if len(res.Services) == 0 {
				fmt.Fprintln(w, "No services registered")
				return
			}
			fmt.Fprintln(w, "Services:")
			for _, s := range res.Services {
				line := s.Address.String()
				if s.Protocol != "" {
					line = s.Protocol + "://" + line
				}
				if s.Address == res.Primary {
					line += " (primary)"
				}
				fmt.Fprintf(w, "  %s\n", line)
			}
		})
	},
}

func init() {
	servicesCmd.Flags().Bool("https", false, "Use https")
	servicesCmd.Flags().Bool("insecure-skip-verify", false, "Accept self-signed certificates")
	rootCmd.AddCommand(servicesCmd)
}

func backendClient(cfg *cliconfig.BrokerConfig) *http.Client {
	return backend.NewHTTPClient(backend.ClientOptions{
		Timeout:            cfg.RespondTimeout(),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	})
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/zyuc/mockbroker/pkg/backend"
	"github.com/zyuc/mockbroker/pkg/decision"
	"github.com/zyuc/mockbroker/pkg/registry"
)

var (
	respondBody   string
	respondSource string
)

var respondFlagBindings = map[string]string{
	"https":                "https",
	"insecure-skip-verify": "insecureSkipVerify",
	"respond-timeout-ms":   "respondTimeoutMs",
}

var respondCmd = &cobra.Command{
	Use:   "respond <requestId>",
	Short: "Deliver one response directly to a backend",
	Long: `Deliver one response for a pending request directly to the backend holding
it. The response goes to --source, or to the bootstrap address when omitted.
Without --body the body is prompted for interactively.`,
	Example: `  mockbroker respond r1 --body '{"ok":true}'
  mockbroker respond r1 --source 10.0.0.7:8080`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, respondFlagBindings)
		if err != nil {
			return err
		}
		requestID := strings.TrimSpace(args[0])
		if requestID == "" {
			return errors.New("request id must not be empty")
		}

		if !cmd.Flags().Changed("body") {
			form := huh.NewForm(
				huh.NewGroup(
					huh.NewText().
						Title("Response body for " + requestID).
						Placeholder(`{"status": "ok"}`).
						Value(&respondBody),
				),
			)
			if err := form.Run(); err != nil {
				return err
			}
		}

		source := registry.Address(respondSource)
		if source.IsZero() {
			source = registry.Address(cfg.Bootstrap)
		}

		responder := decision.NewHTTPResponder(
			decision.WithResponderClient(backendClient(cfg)),
			decision.WithResponderScheme(backend.Scheme(cfg.HTTPS)))

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RespondTimeout())
		defer cancel()
		d := decision.Delivery{RequestID: requestID, ResponseBody: respondBody, Source: source}
		if err := responder.Respond(ctx, d); err != nil {
			return err
		}

		return printResult(cmd, d, func(w io.Writer) {
			fmt.Fprintf(w, "Response for %s delivered to %s\n", requestID, source)
		})
	},
}

func init() {
	respondCmd.Flags().StringVar(&respondBody, "body", "", "Response body")
	respondCmd.Flags().StringVar(&respondSource, "source", "", "Backend holding the request (default bootstrap)")
	respondCmd.Flags().Bool("https", false, "Use https")
	respondCmd.Flags().Bool("insecure-skip-verify", false, "Accept self-signed certificates")
	respondCmd.Flags().Int("respond-timeout-ms", 0, "Delivery timeout in milliseconds")
	rootCmd.AddCommand(respondCmd)
}

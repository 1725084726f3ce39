package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zyuc/mockbroker/pkg/broker"
	"github.com/zyuc/mockbroker/pkg/gateway"
	"github.com/zyuc/mockbroker/pkg/notify"
	"github.com/zyuc/mockbroker/pkg/registry"
)

var (
	runConsole   bool
	runNoGateway bool
)

var runFlagBindings = map[string]string{
	"gateway":              "gatewayAddr",
	"https":                "https",
	"insecure-skip-verify": "insecureSkipVerify",
	"poll-interval-ms":     "pollIntervalMs",
	"auto-respond-ms":      "autoRespondMs",
	"respond-timeout-ms":   "respondTimeoutMs",
	"retention-ms":         "completedRetentionMs",
	"log-level":            "logLevel",
	"log-format":           "logFormat",
	"mqtt-broker":          "mqttBroker",
	"mqtt-topic":           "mqttTopic",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a broker session and the operator gateway",
	Long: `Start a broker session against the bootstrap backend.

The broker polls discovery, follows the primary's event stream and answers
every pending request with its default response unless an operator edits or
submits it first through the gateway or the console.`,
	Example: `  # Broker with the gateway on the default address
  mockbroker run --bootstrap 10.0.0.5:8080

  # Interactive console, no gateway
  mockbroker run --console --no-gateway

  # Publish outcomes to MQTT
  mockbroker run --mqtt-broker localhost:1883`,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.String("gateway", "", "Gateway listen address (default 127.0.0.1:4300)")
	f.Bool("https", false, "Use https for discovery, events and respond calls")
	f.Bool("insecure-skip-verify", false, "Accept self-signed backend certificates")
	f.Int("poll-interval-ms", 0, "Discovery interval in milliseconds (default 7000)")
	f.Int("auto-respond-ms", 0, "Auto-respond window in milliseconds (default 3000)")
	f.Int("respond-timeout-ms", 0, "Per-delivery timeout in milliseconds (default 10000)")
	f.Int("retention-ms", 0, "How long completed requests stay listed (default 300000)")
	f.String("log-level", "", "Log level: debug, info, warn, error")
	f.String("log-format", "", "Log format: text, json")
	f.String("mqtt-broker", "", "MQTT broker to publish outcomes to")
	f.String("mqtt-topic", "", "MQTT topic prefix (default "+notify.DefaultTopic+")")
	f.BoolVar(&runConsole, "console", false, "Read operator commands from stdin")
	f.BoolVar(&runNoGateway, "no-gateway", false, "Do not start the operator gateway")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, runFlagBindings)
	if err != nil {
		return err
	}
	log := newLogger(cfg, cmd.ErrOrStderr())

	b, err := broker.New(broker.Config{
		Bootstrap:          registry.Address(cfg.Bootstrap),
		HTTPS:              cfg.HTTPS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		PollInterval:       cfg.PollInterval(),
		AutoRespond:        cfg.AutoRespond(),
		RespondTimeout:     cfg.RespondTimeout(),
		Retention:          cfg.Retention(),
		Logger:             log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MQTTBroker != "" {
		pub, err := notify.Connect(notify.Config{Broker: cfg.MQTTBroker, Topic: cfg.MQTTTopic}, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		b.ObserveDecisions(pub.Observe)
	}

	var con *console
	if runConsole {
		con = newConsole(b, cmd.InOrStdin(), cmd.OutOrStdout(), cfg.RespondTimeout())
		b.ObserveDecisions(con.announce)
	}

	if err := b.Start(ctx); err != nil {
		return err
	}
	defer b.Stop()

	if !runNoGateway {
		gw := gateway.New(b, gateway.Config{RespondTimeout: cfg.RespondTimeout(), Logger: log})
		addr, err := gw.Start(ctx, cfg.GatewayAddr)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = gw.Stop(shutdownCtx)
		}()
		fmt.Fprintf(cmd.ErrOrStderr(), "Gateway listening on http://%s\n", addr)
	}

	if con != nil {
		done := make(chan struct{})
		go func() {
			defer close(done)
			con.Run(ctx)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return nil
	}

	<-ctx.Done()
	return nil
}

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/zyuc/mockbroker/pkg/broker"
	"github.com/zyuc/mockbroker/pkg/cli/internal/output"
	"github.com/zyuc/mockbroker/pkg/decision"
	"github.com/zyuc/mockbroker/pkg/gateway"
)

var (
	watchCount   int
	watchTimeout time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the live feed of a running gateway",
	Long: `Follow the live feed of a running gateway: accepted events, decision
transitions and status changes. With --json each feed message is printed as
one JSON line.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, map[string]string{"gateway": "gatewayAddr"})
		if err != nil {
			return err
		}

		u := url.URL{Scheme: "ws", Host: cfg.GatewayAddr, Path: "/ws"}
		dialer := websocket.Dialer{HandshakeTimeout: watchTimeout}
		conn, resp, err := dialer.DialContext(cmd.Context(), u.String(), http.Header{})
		if err != nil {
			if resp != nil {
				return fmt.Errorf("connection failed: %w (HTTP %d)", err, resp.StatusCode)
			}
			return fmt.Errorf("connection failed: %w", err)
		}
		defer conn.Close()

		go func() {
			<-cmd.Context().Done()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}()

		out := cmd.OutOrStdout()
		received := 0
		for watchCount == 0 || received < watchCount {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					fmt.Fprintln(cmd.ErrOrStderr(), "Connection closed by gateway")
					return nil
				}
				if cmd.Context().Err() != nil {
					return nil
				}
				return fmt.Errorf("read failed: %w", err)
			}
			received++
			if jsonOutput {
				fmt.Fprintln(out, string(data))
				continue
			}
			if err := printFeedMessage(out, data); err != nil {
				output.Warn(cmd.ErrOrStderr(), "%v", err)
			}
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().String("gateway", "", "Gateway address (default 127.0.0.1:4300)")
	watchCmd.Flags().IntVar(&watchCount, "count", 0, "Exit after this many messages (0 = unlimited)")
	watchCmd.Flags().DurationVar(&watchTimeout, "timeout", 5*time.Second, "Connection timeout")
	rootCmd.AddCommand(watchCmd)
}

func printFeedMessage(w io.Writer, data []byte) error {
	var m gateway.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("invalid feed message: %w", err)
	}
	at := m.At.Format("15:04:05.000")

	switch m.Type {
	case gateway.MessageEvent:
		var ev gateway.EventData
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s event    %s %s [%s] from %s\n%s\n", at, ev.RequestID, ev.Endpoint, ev.ProjectLabel, ev.Source, output.Pretty(ev.Payload))
	case gateway.MessageDecision:
		var s decision.Snapshot
		if err := json.Unmarshal(m.Data, &s); err != nil {
			return err
		}
		line := fmt.Sprintf("%s decision %s %s", at, s.RequestID, s.Phase)
		if label := s.Trigger.Label(); label != "" && s.Phase == decision.Completed {
			line += " (" + label + ")"
		}
		if s.LastError != "" && s.Phase == decision.Failed {
			line += ": " + s.LastError
		}
		fmt.Fprintln(w, line)
	case gateway.MessageStatus:
		var st broker.Status
		if err := json.Unmarshal(m.Data, &st); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s status   primary=%s stream=%s open=%d\n", at, st.Primary, st.Stream.State, st.Open)
	default:
		return errors.New("unknown feed message type " + m.Type)
	}
	return nil
}

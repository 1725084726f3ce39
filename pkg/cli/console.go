package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/zyuc/mockbroker/pkg/broker"
	"github.com/zyuc/mockbroker/pkg/cli/internal/output"
	"github.com/zyuc/mockbroker/pkg/decision"
)

const consoleHelp = `Commands:
  list                 list requests, newest first
  show <id>            show one request with its payload
  edit <id> <body>     replace the candidate response
  submit <id> [body]   deliver the candidate response, or body
  default <id>         deliver the default response
  dismiss <id>         forget a completed request
  status               show backends and stream state
  help                 show this help
  quit                 stop the broker
`

// consoleBroker is what the console needs from a broker session.
type consoleBroker interface {
	Arena() *decision.Arena
	Status() broker.Status
}

// console reads operator commands line by line.
type console struct {
	broker  consoleBroker
	in      io.Reader
	timeout time.Duration

	mu  sync.Mutex
	out io.Writer
}

func newConsole(b consoleBroker, in io.Reader, out io.Writer, timeout time.Duration) *console {
	if timeout <= 0 {
		timeout = decision.DefaultRespondTimeout
	}
	return &console{broker: b, in: in, out: out, timeout: timeout}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// announce reports new requests and final outcomes.
func (c *console) announce(s decision.Snapshot) {
	switch s.Phase {
	case decision.Pending:
		if s.Attempts == 0 {
			c.printf("> %s %s [%s] auto-respond in %s\n", s.RequestID, s.Endpoint, s.Project,
				(time.Duration(s.RemainingMs) * time.Millisecond).Round(time.Millisecond))
		}
	case decision.Completed:
		c.printf("< %s %s\n", s.RequestID, s.Trigger.Label())
	case decision.Failed:
		c.printf("! %s delivery failed: %s\n", s.RequestID, s.LastError)
	}
}

// Run processes commands until quit, end of input or ctx is done.
func (c *console) Run(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !c.exec(ctx, line) {
				return
			}
		}
	}
}

// exec runs one command line and reports whether to continue.
func (c *console) exec(ctx context.Context, line string) bool {
	name, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	id, body, _ := strings.Cut(rest, " ")
	body = strings.TrimSpace(body)

	switch name {
	case "":
	case "quit", "exit":
		return false
	case "help":
		c.printf("%s", consoleHelp)
	case "list":
		c.list()
	case "status":
		c.status()
	case "show":
		if e := c.engine(id); e != nil {
			c.show(e.Snapshot())
		}
	case "edit":
		if e := c.engine(id); e != nil {
			c.report(id, "edited", e.Edit(body))
		}
	case "submit":
		if e := c.engine(id); e != nil {
			if body == "" {
				body = e.Snapshot().ResponseBody
			}
			c.report(id, "submitted", c.deliver(ctx, func(ctx context.Context) error { return e.Submit(ctx, body) }))
		}
	case "default":
		if e := c.engine(id); e != nil {
			c.report(id, "submitted default", c.deliver(ctx, e.SubmitDefault))
		}
	case "dismiss":
		c.report(id, "dismissed", c.broker.Arena().Dismiss(id))
	default:
		c.printf("unknown command %q, try help\n", name)
	}
	return true
}

func (c *console) deliver(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return fn(ctx)
}

func (c *console) engine(id string) *decision.Engine {
	if id == "" {
		c.printf("missing request id\n")
		return nil
	}
	e, ok := c.broker.Arena().Get(id)
	if !ok {
		c.printf("%s: %v\n", id, decision.ErrNotFound)
		return nil
	}
	return e
}

func (c *console) report(id, action string, err error) {
	var de *decision.DeliveryError
	switch {
	case err == nil:
		c.printf("%s: %s\n", id, action)
	case errors.As(err, &de):
		c.printf("%s: %s\n", id, decision.Reason(err))
	default:
		c.printf("%s: %v\n", id, err)
	}
}

func (c *console) list() {
	list := c.broker.Arena().List()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(list) == 0 {
		fmt.Fprintln(c.out, "no requests")
		return
	}
	w := output.Table(c.out)
	fmt.Fprintln(w, "ID\tPHASE\tPROJECT\tENDPOINT\tREMAINING\tRESULT")
	for _, s := range list {
		remaining := "-"
		if s.Phase == decision.Pending {
			remaining = (time.Duration(s.RemainingMs) * time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.RequestID, s.Phase, s.Project, s.Endpoint, remaining, s.Trigger.Label())
	}
	_ = w.Flush()
}

func (c *console) show(s decision.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "Request:  %s\n", s.RequestID)
	fmt.Fprintf(c.out, "Endpoint: %s\n", s.Endpoint)
	fmt.Fprintf(c.out, "Project:  %s\n", s.Project)
	fmt.Fprintf(c.out, "Source:   %s\n", s.Source)
	fmt.Fprintf(c.out, "Phase:    %s\n", s.Phase)
	if s.LastError != "" {
		fmt.Fprintf(c.out, "Error:    %s\n", s.LastError)
	}
	fmt.Fprintf(c.out, "Payload:\n%s\n", output.Pretty(s.Payload))
	fmt.Fprintf(c.out, "Response:\n%s\n", output.Pretty(s.ResponseBody))
}

func (c *console) status() {
	st := c.broker.Status()
	c.mu.Lock()
	defer c.mu.Unlock()
	printStatus(c.out, st)
}

func printStatus(out io.Writer, st broker.Status) {
	fmt.Fprintf(out, "Bootstrap: %s\n", st.Bootstrap)
	primary := st.Primary.String()
	if primary == "" {
		primary = "(none)"
	}
	if st.Degraded {
		primary += " (degraded)"
	}
	fmt.Fprintf(out, "Primary:   %s\n", primary)
	fmt.Fprintf(out, "Stream:    %s %s\n", st.Stream.State, st.Stream.Address)
	if st.LastPollError != "" {
		fmt.Fprintf(out, "Discovery: %s\n", st.LastPollError)
	}
	fmt.Fprintf(out, "Requests:  %d (%d open)\n", st.Decisions, st.Open)
	if len(st.Services) > 0 {
		w := output.Table(out)
		fmt.Fprintln(w, "SERVICE\tPROTOCOL\tONLINE\tPRIMARY")
		for _, svc := range st.Services {
			proto := svc.Protocol
			if proto == "" {
				proto = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%t\n", svc.Address, proto, svc.Online, svc.Primary)
		}
		_ = w.Flush()
	}
}

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/zyuc/mockbroker/pkg/backend"
	"github.com/zyuc/mockbroker/pkg/logging"
	"github.com/zyuc/mockbroker/pkg/metrics"
	"github.com/zyuc/mockbroker/pkg/registry"
)

// DefaultDedupWindow is the number of recent requestIds remembered for
// de-duplication.
const DefaultDedupWindow = 1024

// ErrClosed is returned when the ingestor has been shut down.
var ErrClosed = errors.New("ingestor closed")

// State is the connection state of the ingestor.
type State int

// Connection states.
const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "disconnected":
		*s = Disconnected
	case "connecting":
		*s = Connecting
	case "connected":
		*s = Connected
	default:
		return fmt.Errorf("unknown stream state %q", text)
	}
	return nil
}

// Status is a snapshot of the ingestor.
type Status struct {
	State     State            `json:"state"`
	Address   registry.Address `json:"address,omitempty"`
	Since     time.Time        `json:"since"`
	LastSeen  time.Time        `json:"lastSeen,omitzero"`
	LastError string           `json:"lastError,omitempty"`
	Accepted  uint64           `json:"accepted"`
}

// Ingestor maintains one SSE session with the primary backend.
type Ingestor struct {
	client   *http.Client
	scheme   string
	protocol func(registry.Address) string
	hub      *Hub
	log      *slog.Logger
	now      func() time.Time
	onStat   func(Status)

	mu       sync.Mutex
	status   Status
	session  uint64
	cancel   context.CancelFunc
	recent   *recentSet
	closed   bool
	sessions sync.WaitGroup
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithHTTPClient sets the client used for the event feed. It must not carry
// a request timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Ingestor) {
		i.client = c
	}
}

// WithScheme sets the URL scheme used to reach backends.
func WithScheme(scheme string) Option {
	return func(i *Ingestor) {
		i.scheme = scheme
	}
}

// WithProtocol sets a lookup for the protocol a backend announced. A
// non-empty result overrides the configured scheme for that backend.
func WithProtocol(fn func(registry.Address) string) Option {
	return func(i *Ingestor) {
		i.protocol = fn
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(i *Ingestor) {
		if log != nil {
			i.log = log
		}
	}
}

// WithDedupWindow sets how many recent requestIds are remembered.
func WithDedupWindow(n int) Option {
	return func(i *Ingestor) {
		i.recent = newRecentSet(n)
	}
}

// WithStatusHook registers fn to be called after every state change.
func WithStatusHook(fn func(Status)) Option {
	return func(i *Ingestor) {
		i.onStat = fn
	}
}

// NewIngestor creates a disconnected ingestor that publishes to hub.
func NewIngestor(hub *Hub, opts ...Option) *Ingestor {
	i := &Ingestor{
		client: backend.NewHTTPClient(backend.ClientOptions{}),
		scheme: backend.SchemeHTTP,
		hub:    hub,
		log:    logging.Nop(),
		now:    time.Now,
		recent: newRecentSet(DefaultDedupWindow),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.status = Status{State: Disconnected, Since: i.now()}
	return i
}

// Status returns the current session status.
func (i *Ingestor) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Connect tears down any current session and opens a new one to addr. The
// session runs until ctx is cancelled, the stream ends, or another Connect or
// Disconnect replaces it.
func (i *Ingestor) Connect(ctx context.Context, addr registry.Address) error {
	if addr.IsZero() {
		return errors.New("no address to connect to")
	}

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return ErrClosed
	}
	i.stopLocked()
	i.session++
	session := i.session
	sessCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.setStateLocked(Connecting, addr, "")
	i.sessions.Add(1)
	i.mu.Unlock()

	i.notify()
	go i.run(sessCtx, session, addr)
	return nil
}

// EnsureStream is called after every discovery tick. A changed primary always
// reconnects; an unchanged primary reconnects only when the ingestor is
// disconnected or still pointing at another address.
func (i *Ingestor) EnsureStream(ctx context.Context, primary registry.Address, changed bool) error {
	if primary.IsZero() {
		return nil
	}

	i.mu.Lock()
	current := i.status
	i.mu.Unlock()

	if !changed && current.State != Disconnected && current.Address == primary {
		return nil
	}
	if changed {
		i.log.Info("primary changed, reconnecting event stream",
			"from", current.Address, "address", primary)
	}
	return i.Connect(ctx, primary)
}

// Disconnect ends the current session, if any.
func (i *Ingestor) Disconnect() {
	i.mu.Lock()
	if i.cancel == nil {
		i.mu.Unlock()
		return
	}
	i.stopLocked()
	i.session++
	i.setStateLocked(Disconnected, i.status.Address, "")
	i.mu.Unlock()
	i.notify()
}

// Close disconnects and waits for the session goroutine to exit. The
// ingestor cannot be reconnected afterwards.
func (i *Ingestor) Close() {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()

	i.Disconnect()
	i.sessions.Wait()
}

func (i *Ingestor) stopLocked() {
	if i.cancel != nil {
		i.cancel()
		i.cancel = nil
	}
}

func (i *Ingestor) setStateLocked(state State, addr registry.Address, lastErr string) {
	i.status.State = state
	i.status.Address = addr
	i.status.Since = i.now()
	i.status.LastError = lastErr

	if state == Connected {
		metrics.StreamConnected.Set(1)
	} else {
		metrics.StreamConnected.Set(0)
	}
}

func (i *Ingestor) notify() {
	if i.onStat != nil {
		i.onStat(i.Status())
	}
}

// current reports whether session is still the active one.
func (i *Ingestor) current(session uint64) bool {
	return i.session == session && !i.closed
}

func (i *Ingestor) run(ctx context.Context, session uint64, addr registry.Address) {
	defer i.sessions.Done()

	err := i.stream(ctx, session, addr)

	reason := ""
	switch {
	case ctx.Err() != nil:
	case err != nil && !errors.Is(err, io.EOF):
		reason = err.Error()
		i.log.Warn("event stream ended", "address", addr, "error", err)
	default:
		reason = "stream closed by backend"
		i.log.Info("event stream closed by backend", "address", addr)
	}

	i.mu.Lock()
	if !i.current(session) {
		// Replaced or shut down; the new owner already set the state.
		i.mu.Unlock()
		return
	}
	i.stopLocked()
	i.setStateLocked(Disconnected, addr, reason)
	i.mu.Unlock()
	i.notify()
}

func (i *Ingestor) stream(ctx context.Context, session uint64, addr registry.Address) error {
	url := backend.URL(i.schemeFor(addr), addr, backend.PathEvents) + "?mode=" + backend.EventsMode
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", ContentTypeEventStream)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := i.client.Do(req)
	if err != nil {
		metrics.StreamConnectsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to connect to event stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		metrics.StreamConnectsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("event stream rejected: %w", backend.ParseError(resp))
	}
	metrics.StreamConnectsTotal.WithLabelValues("ok").Inc()

	i.mu.Lock()
	if !i.current(session) {
		i.mu.Unlock()
		return ctx.Err()
	}
	i.setStateLocked(Connected, addr, "")
	i.status.LastSeen = i.now()
	i.mu.Unlock()
	i.notify()
	i.log.Info("event stream connected", "address", addr)

	reader := NewReader(resp.Body)
	for {
		frame, err := reader.Next()
		if errors.Is(err, ErrFrameTooLarge) {
			metrics.StreamEventsTotal.WithLabelValues("malformed").Inc()
			i.log.Warn("dropping oversized event", "address", addr, "limit", MaxFrameSize)
			continue
		}
		if err != nil {
			return err
		}
		if done := i.handle(session, addr, frame); done {
			return fmt.Errorf("backend sent %q", frame.Name())
		}
	}
}

// handle classifies one frame. It returns true for terminal signals.
func (i *Ingestor) handle(session uint64, addr registry.Address, frame Frame) bool {
	switch frame.Name() {
	case "ping", "heartbeat", "connected":
		metrics.HeartbeatsTotal.Inc()
		i.mu.Lock()
		if i.current(session) {
			i.status.LastSeen = i.now()
		}
		i.mu.Unlock()
		return false

	case "error", "close":
		return true

	case "message", "data":
		i.accept(session, addr, frame)
		return false

	default:
		i.log.Debug("ignoring unknown event", "event", frame.Event, "address", addr)
		return false
	}
}

func (i *Ingestor) accept(session uint64, addr registry.Address, frame Frame) {
	now := i.now()
	ev, err := DecodeEvent([]byte(frame.Data), addr, now)
	if err != nil {
		metrics.StreamEventsTotal.WithLabelValues("malformed").Inc()
		i.log.Warn("dropping malformed event", "address", addr, "error", err)
		return
	}

	// Check and publish under the lock so a replaced session cannot
	// interleave events with its successor.
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.current(session) {
		return
	}
	i.status.LastSeen = now
	if !i.recent.add(ev.RequestID) {
		metrics.StreamEventsTotal.WithLabelValues("duplicate").Inc()
		i.log.Debug("dropping duplicate event", "requestId", ev.RequestID)
		return
	}
	i.status.Accepted++
	metrics.StreamEventsTotal.WithLabelValues("accepted").Inc()
	i.hub.Publish(ev)
}

// recentSet remembers the last n keys in insertion order.
type recentSet struct {
	keys  []string
	index map[string]struct{}
	next  int
}

func newRecentSet(n int) *recentSet {
	if n <= 0 {
		n = DefaultDedupWindow
	}
	return &recentSet{keys: make([]string, n), index: make(map[string]struct{}, n)}
}

// add records key and reports whether it was new.
func (s *recentSet) add(key string) bool {
	if _, ok := s.index[key]; ok {
		return false
	}
	if old := s.keys[s.next]; old != "" {
		delete(s.index, old)
	}
	s.keys[s.next] = key
	s.index[key] = struct{}{}
	s.next = (s.next + 1) % len(s.keys)
	return true
}

func (i *Ingestor) schemeFor(addr registry.Address) string {
	if i.protocol != nil {
		if p := i.protocol(addr); p != "" {
			return p
		}
	}
	return i.scheme
}

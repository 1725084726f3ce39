// Package broker wires discovery, the event stream and the decision arena
// into one session against a fleet of mock-serving backends.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zyuc/mockbroker/pkg/backend"
	"github.com/zyuc/mockbroker/pkg/decision"
	"github.com/zyuc/mockbroker/pkg/discovery"
	"github.com/zyuc/mockbroker/pkg/logging"
	"github.com/zyuc/mockbroker/pkg/registry"
	"github.com/zyuc/mockbroker/pkg/stream"
)

// Errors returned by the broker.
var (
	ErrNoBootstrap    = errors.New("bootstrap address is required")
	ErrAlreadyStarted = errors.New("broker already started")
)

// arenaBuffer is the hub buffer for the arena subscription. It is large so a
// burst of events is not dropped before engines are spawned.
const arenaBuffer = 1024

// Config configures a Broker.
type Config struct {
	Bootstrap          registry.Address
	HTTPS              bool
	InsecureSkipVerify bool
	PollInterval       time.Duration
	AutoRespond        time.Duration
	RespondTimeout     time.Duration
	Retention          time.Duration
	Logger             *slog.Logger
}

// Status is the operator view of the broker. Reachability, primary and
// stream state are reported independently.
type Status struct {
	Bootstrap     registry.Address   `json:"bootstrap"`
	Services      []registry.Service `json:"services"`
	Primary       registry.Address   `json:"primary,omitempty"`
	Degraded      bool               `json:"degraded"`
	Stream        stream.Status      `json:"stream"`
	LastPoll      time.Time          `json:"lastPoll,omitzero"`
	LastPollError string             `json:"lastPollError,omitempty"`
	Decisions     int                `json:"decisions"`
	Open          int                `json:"open"`
	Subscribers   int                `json:"subscribers"`
}

// Broker owns the registry, the poller, the ingestor and the arena.
type Broker struct {
	cfg       Config
	log       *slog.Logger
	registry  *registry.Registry
	hub       *stream.Hub
	ingestor  *stream.Ingestor
	poller    *discovery.Poller
	arena     *decision.Arena
	responder decision.Responder

	mu        sync.Mutex
	lastTick  discovery.Tick
	lastPoll  time.Time
	listeners []func(Status)
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option customizes a Broker, mainly for tests.
type Option func(*options)

type options struct {
	discoverer discovery.Discoverer
	responder  decision.Responder
}

// WithDiscoverer replaces the HTTP discovery client.
func WithDiscoverer(d discovery.Discoverer) Option {
	return func(o *options) {
		o.discoverer = d
	}
}

// WithResponder replaces the HTTP responder.
func WithResponder(r decision.Responder) Option {
	return func(o *options) {
		o.responder = r
	}
}

// New builds a broker. It does not start any goroutine.
func New(cfg Config, opts ...Option) (*Broker, error) {
	cfg.Bootstrap = registry.Address(strings.TrimSpace(cfg.Bootstrap.String()))
	if cfg.Bootstrap.IsZero() {
		return nil, ErrNoBootstrap
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	scheme := backend.Scheme(cfg.HTTPS)
	streamClient := backend.NewHTTPClient(backend.ClientOptions{InsecureSkipVerify: cfg.InsecureSkipVerify})
	client := backend.NewHTTPClient(backend.ClientOptions{InsecureSkipVerify: cfg.InsecureSkipVerify})

	if o.discoverer == nil {
		o.discoverer = discovery.NewClient(cfg.Bootstrap,
			discovery.WithScheme(scheme),
			discovery.WithHTTPClient(client))
	}
	reg := registry.New()
	if o.responder == nil {
		o.responder = decision.NewHTTPResponder(
			decision.WithResponderScheme(scheme),
			decision.WithResponderProtocol(reg.Protocol),
			decision.WithResponderClient(client))
	}

	b := &Broker{
		cfg:       cfg,
		log:       log,
		registry:  reg,
		hub:       stream.NewHub(logging.Component(log, "hub")),
		responder: o.responder,
	}
	b.ingestor = stream.NewIngestor(b.hub,
		stream.WithHTTPClient(streamClient),
		stream.WithScheme(scheme),
		stream.WithProtocol(reg.Protocol),
		stream.WithLogger(logging.Component(log, "stream")),
		stream.WithStatusHook(func(stream.Status) { b.broadcast() }))
	b.poller = discovery.NewPoller(o.discoverer, b.registry, cfg.Bootstrap,
		discovery.WithInterval(cfg.PollInterval),
		discovery.WithStream(b.ingestor),
		discovery.WithLogger(logging.Component(log, "discovery")),
		discovery.WithTickHook(b.onTick))
	b.arena = decision.NewArena(o.responder, decision.ArenaConfig{
		AutoRespond:    cfg.AutoRespond,
		RespondTimeout: cfg.RespondTimeout,
		Retention:      cfg.Retention,
		Logger:         logging.Component(log, "decision"),
	})
	return b, nil
}

// Start launches the poller, the sweeper and the event consumer. The first
// discovery poll runs immediately.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	sub := b.hub.Subscribe(arenaBuffer)
	b.log.Info("broker starting", "bootstrap", b.cfg.Bootstrap, "pollInterval", b.poller.Interval())

	b.wg.Add(3)
	go func() {
		defer b.wg.Done()
		b.arena.Consume(ctx, sub)
	}()
	go func() {
		defer b.wg.Done()
		b.arena.Run(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.poller.Run(ctx)
	}()
	return nil
}

// Stop cancels every goroutine and closes the event stream. Open decisions
// stop auto-responding.
func (b *Broker) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	b.ingestor.Close()
	b.hub.Close()
	b.wg.Wait()
	b.arena.Close()
	b.log.Info("broker stopped")
}

// Run starts the broker and blocks until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	b.Stop()
	return nil
}

// Registry returns the service registry.
func (b *Broker) Registry() *registry.Registry { return b.registry }

// Arena returns the decision arena.
func (b *Broker) Arena() *decision.Arena { return b.arena }

// Ingestor returns the event stream ingestor.
func (b *Broker) Ingestor() *stream.Ingestor { return b.ingestor }

// Poll runs one discovery round outside the regular schedule.
func (b *Broker) Poll(ctx context.Context) discovery.Tick {
	return b.poller.Poll(ctx)
}

// Subscribe attaches to the accepted event sequence.
func (b *Broker) Subscribe(buffer int) *stream.Subscription {
	return b.hub.Subscribe(buffer)
}

// ObserveDecisions registers fn for every decision transition.
func (b *Broker) ObserveDecisions(fn decision.Observer) {
	b.arena.Observe(fn)
}

// OnStatus registers fn to be called whenever discovery or stream state
// changes.
func (b *Broker) OnStatus(fn func(Status)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Status returns the current operator view.
func (b *Broker) Status() Status {
	snap := b.registry.Snapshot()

	b.mu.Lock()
	lastPoll, tick := b.lastPoll, b.lastTick
	b.mu.Unlock()

	st := Status{
		Bootstrap:   b.cfg.Bootstrap,
		Services:    snap.Services,
		Primary:     snap.Primary,
		Degraded:    snap.Degraded,
		Stream:      b.ingestor.Status(),
		LastPoll:    lastPoll,
		Decisions:   b.arena.Len(),
		Open:        b.arena.Open(),
		Subscribers: b.hub.Count(),
	}
	if tick.Err != nil {
		st.LastPollError = tick.Err.Error()
	}
	return st
}

func (b *Broker) onTick(t discovery.Tick) {
	b.mu.Lock()
	prev := b.lastTick
	b.lastTick = t
	b.lastPoll = time.Now()
	b.mu.Unlock()

	if t.Changed || (prev.Err == nil) != (t.Err == nil) || t.Degraded != prev.Degraded {
		b.broadcast()
	}
}

func (b *Broker) broadcast() {
	b.mu.Lock()
	listeners := slices.Clone(b.listeners)
	b.mu.Unlock()
	if len(listeners) == 0 {
		return
	}
	st := b.Status()
	for _, fn := range listeners {
		fn(st)
	}
}

package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/zyuc/mockbroker/pkg/logging"
	"github.com/zyuc/mockbroker/pkg/metrics"
	"github.com/zyuc/mockbroker/pkg/registry"
)

// DefaultInterval is the time between discovery polls.
const DefaultInterval = 7 * time.Second

// StreamController is told after every poll which primary the event stream
// should follow.
type StreamController interface {
	EnsureStream(ctx context.Context, primary registry.Address, changed bool) error
}

// Tick is the outcome of one poll.
type Tick struct {
	Primary  registry.Address
	Changed  bool
	Degraded bool
	Err      error
}

// Poller runs discovery on a fixed interval. It is the only writer of the
// registry.
type Poller struct {
	discoverer Discoverer
	registry   *registry.Registry
	bootstrap  registry.Address
	stream     StreamController
	interval   time.Duration
	log        *slog.Logger
	onTick     func(Tick)
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithStream sets the controller signalled after each poll.
func WithStream(s StreamController) PollerOption {
	return func(p *Poller) {
		p.stream = s
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) PollerOption {
	return func(p *Poller) {
		if log != nil {
			p.log = log
		}
	}
}

// WithTickHook registers fn to be called after every poll.
func WithTickHook(fn func(Tick)) PollerOption {
	return func(p *Poller) {
		p.onTick = fn
	}
}

// NewPoller creates a poller that asks d for the service set and falls back
// to bootstrap when discovery fails on an empty registry.
func NewPoller(d Discoverer, reg *registry.Registry, bootstrap registry.Address, opts ...PollerOption) *Poller {
	p := &Poller{
		discoverer: d,
		registry:   reg,
		bootstrap:  bootstrap,
		interval:   DefaultInterval,
		log:        logging.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Interval returns the poll interval.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Run polls immediately and then on every interval until ctx is cancelled.
// Polls never overlap.
func (p *Poller) Run(ctx context.Context) {
	p.Poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll performs one discovery round, updates the registry and signals the
// stream controller.
func (p *Poller) Poll(ctx context.Context) Tick {
	tick := p.discover(ctx)
	if ctx.Err() != nil {
		return tick
	}

	if tick.Changed {
		metrics.PrimaryChangesTotal.Inc()
		p.log.Info("primary elected", "address", tick.Primary, "degraded", tick.Degraded)
	}
	metrics.KnownServices.Set(float64(len(p.registry.Snapshot().Online())))

	if p.stream != nil {
		if err := p.stream.EnsureStream(ctx, tick.Primary, tick.Changed); err != nil {
			p.log.Warn("failed to start event stream", "address", tick.Primary, "error", err)
		}
	}
	if p.onTick != nil {
		p.onTick(tick)
	}
	return tick
}

func (p *Poller) discover(ctx context.Context) Tick {
	result, err := p.discoverer.Discover(ctx)
	if err == nil {
		metrics.DiscoveryPollsTotal.WithLabelValues("ok").Inc()
		for _, in := range result.Services {
			if in.Protocol != "" {
				p.registry.SetProtocol(in.Address, in.Protocol)
			}
		}
		changed := p.registry.Reconcile(result.Addresses(), result.Primary)
		return Tick{Primary: p.registry.Primary(), Changed: changed}
	}

	if ctx.Err() != nil {
		return Tick{Primary: p.registry.Primary(), Err: err}
	}

	if !p.registry.IsEmpty() {
		metrics.DiscoveryPollsTotal.WithLabelValues("error").Inc()
		p.log.Warn("discovery failed, keeping previous services", "address", p.bootstrap, "error", err)
		return Tick{Primary: p.registry.Primary(), Err: err, Degraded: p.registry.Snapshot().Degraded}
	}

	metrics.DiscoveryPollsTotal.WithLabelValues("degraded").Inc()
	p.log.Warn("discovery failed, falling back to bootstrap", "address", p.bootstrap, "error", err)
	changed := p.registry.Fallback(p.bootstrap)
	return Tick{Primary: p.bootstrap, Changed: changed, Degraded: true, Err: err}
}

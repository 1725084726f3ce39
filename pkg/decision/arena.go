package decision

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/zyuc/mockbroker/pkg/logging"
	"github.com/zyuc/mockbroker/pkg/metrics"
	"github.com/zyuc/mockbroker/pkg/stream"
)

// DefaultRetention is how long a completed decision stays listed.
const DefaultRetention = 5 * time.Minute

// ArenaConfig configures an Arena.
type ArenaConfig struct {
	AutoRespond    time.Duration
	RespondTimeout time.Duration
	Retention      time.Duration
	Logger         *slog.Logger
}

type slot struct {
	engine *Engine
	seq    uint64
}

// Arena maps requestIds to their engines and evicts completed ones.
type Arena struct {
	responder Responder
	cfg       ArenaConfig
	log       *slog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	slots     map[string]*slot
	seq       uint64
	observers []Observer
	closed    bool
}

// NewArena creates an empty arena whose engines deliver through responder.
func NewArena(responder Responder, cfg ArenaConfig) *Arena {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Arena{
		responder: responder,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		slots:     make(map[string]*slot),
	}
}

// Observe registers fn to receive every transition of every engine.
func (a *Arena) Observe(fn Observer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

// Spawn creates the engine for ev. If the requestId already has an engine,
// that engine is returned with created set to false.
func (a *Arena) Spawn(ev stream.PendingRequestEvent) (engine *Engine, created bool) {
	a.mu.Lock()
	if s, ok := a.slots[ev.RequestID]; ok {
		a.mu.Unlock()
		return s.engine, false
	}
	if a.closed {
		a.mu.Unlock()
		return nil, false
	}

	engine = newEngine(ev, a.responder, Options{
		AutoRespond:    a.cfg.AutoRespond,
		RespondTimeout: a.cfg.RespondTimeout,
		Logger:         a.log,
		Observer:       a.dispatch,
		now:            a.now,
	})
	a.seq++
	a.slots[ev.RequestID] = &slot{engine: engine, seq: a.seq}
	observers := slices.Clone(a.observers)
	a.mu.Unlock()

	metrics.OpenDecisions.Inc()
	a.log.Debug("decision started", "requestId", ev.RequestID, "endpoint", ev.Endpoint)

	// Observers see Pending before the timer can move the engine on.
	snap := engine.Snapshot()
	for _, fn := range observers {
		fn(snap)
	}
	engine.start()
	return engine, true
}

func (a *Arena) dispatch(s Snapshot) {
	if s.Phase == Completed {
		metrics.OpenDecisions.Dec()
	}
	a.mu.RLock()
	observers := slices.Clone(a.observers)
	a.mu.RUnlock()
	for _, fn := range observers {
		fn(s)
	}
}

// Get returns the engine for requestID.
func (a *Arena) Get(requestID string) (*Engine, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.slots[requestID]
	if !ok {
		return nil, false
	}
	return s.engine, true
}

// Len returns the number of tracked decisions.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.slots)
}

// Open returns the number of decisions that have not completed.
func (a *Arena) Open() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, s := range a.slots {
		if s.engine.Phase() != Completed {
			n++
		}
	}
	return n
}

// List returns snapshots of all decisions, newest first.
func (a *Arena) List() []Snapshot {
	a.mu.RLock()
	slots := make([]*slot, 0, len(a.slots))
	for _, s := range a.slots {
		slots = append(slots, s)
	}
	a.mu.RUnlock()

	slices.SortFunc(slots, func(x, y *slot) int {
		if c := y.engine.event.ReceivedAt.Compare(x.engine.event.ReceivedAt); c != 0 {
			return c
		}
		return int(y.seq) - int(x.seq)
	})

	out := make([]Snapshot, len(slots))
	for i, s := range slots {
		out[i] = s.engine.Snapshot()
	}
	return out
}

// Dismiss removes a completed decision. Open decisions cannot be dismissed.
func (a *Arena) Dismiss(requestID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.slots[requestID]
	if !ok {
		return ErrNotFound
	}
	if s.engine.Phase() != Completed {
		return ErrStillOpen
	}
	delete(a.slots, requestID)
	return nil
}

// Sweep evicts decisions completed longer than the retention window ago and
// returns how many were removed.
func (a *Arena) Sweep() int {
	cutoff := a.now().Add(-a.cfg.Retention)

	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for id, s := range a.slots {
		snap := s.engine.Snapshot()
		if snap.Phase == Completed && snap.CompletedAt.Before(cutoff) {
			delete(a.slots, id)
			removed++
		}
	}
	if removed > 0 {
		a.log.Debug("evicted completed decisions", "count", removed)
	}
	return removed
}

// Run sweeps periodically until ctx is cancelled.
func (a *Arena) Run(ctx context.Context) {
	interval := max(a.cfg.Retention/4, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}

// Consume spawns an engine for every event on sub until it closes or ctx is
// cancelled.
func (a *Arena) Consume(ctx context.Context, sub *stream.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if _, created := a.Spawn(ev); !created {
				a.log.Debug("ignoring event for known request", "requestId", ev.RequestID)
			}
		}
	}
}

// Close stops every auto-respond timer. Open decisions stay listed but will
// not auto-submit.
func (a *Arena) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for _, s := range a.slots {
		s.engine.Stop()
	}
}

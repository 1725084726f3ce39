// Package decision runs the response decision for each pending request.
//
// An Engine owns one request from the moment its event is accepted until a
// response has been delivered. It starts a timer that submits the default
// response unless the operator edits or submits first. Every transition goes
// through a check-and-set of the phase under the engine's mutex; that check
// decides which of the timer and the operator wins. Delivery runs outside
// the mutex.
package decision

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zyuc/mockbroker/pkg/logging"
	"github.com/zyuc/mockbroker/pkg/metrics"
	"github.com/zyuc/mockbroker/pkg/registry"
	"github.com/zyuc/mockbroker/pkg/stream"
)

// Defaults for engine timing.
const (
	DefaultAutoRespond    = 3000 * time.Millisecond
	DefaultRespondTimeout = 10 * time.Second
)

// Observer is notified after every transition.
type Observer func(Snapshot)

// Snapshot is a copy of one decision's state.
type Snapshot struct {
	RequestID       string           `json:"requestId"`
	Endpoint        string           `json:"endpoint"`
	Payload         string           `json:"payload"`
	DefaultResponse string           `json:"defaultResponse"`
	Project         string           `json:"project"`
	Source          registry.Address `json:"source"`
	Origin          registry.Address `json:"origin"`
	ReceivedAt      time.Time        `json:"receivedAt"`

	ResponseBody string    `json:"responseBody"`
	Phase        Phase     `json:"phase"`
	Trigger      Trigger   `json:"trigger,omitempty"`
	Deadline     time.Time `json:"deadline,omitzero"`
	RemainingMs  int64     `json:"remainingMs"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"lastError,omitempty"`
	CompletedAt  time.Time `json:"completedAt,omitzero"`
	Version      uint64    `json:"version"`
}

// Engine is the decision state machine for one requestId.
type Engine struct {
	event          stream.PendingRequestEvent
	responder      Responder
	respondTimeout time.Duration
	log            *slog.Logger
	now            func() time.Time
	observe        Observer

	mu          sync.Mutex
	phase       Phase
	body        string
	deadline    time.Time
	timer       *time.Timer
	stopped     bool
	trigger     Trigger
	attempts    int
	lastErr     string
	completedAt time.Time
	version     uint64
}

// Options configures new engines.
type Options struct {
	AutoRespond    time.Duration
	RespondTimeout time.Duration
	Logger         *slog.Logger
	Observer       Observer

	now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.AutoRespond <= 0 {
		o.AutoRespond = DefaultAutoRespond
	}
	if o.RespondTimeout <= 0 {
		o.RespondTimeout = DefaultRespondTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// NewEngine creates the engine for ev and starts its auto-respond timer.
func NewEngine(ev stream.PendingRequestEvent, responder Responder, opts Options) *Engine {
	e := newEngine(ev, responder, opts)
	e.start()
	return e
}

// newEngine creates an engine whose deadline is set but whose timer is not
// armed yet.
func newEngine(ev stream.PendingRequestEvent, responder Responder, opts Options) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		event:          ev,
		responder:      responder,
		respondTimeout: opts.RespondTimeout,
		log:            opts.Logger.With("requestId", ev.RequestID),
		now:            opts.now,
		observe:        opts.Observer,
		phase:          Pending,
		body:           ev.DefaultResponse,
	}
	e.deadline = e.now().Add(opts.AutoRespond)
	return e
}

// start arms the auto-respond timer for the time left until the deadline.
// It does nothing once the engine left Pending or was stopped.
func (e *Engine) start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != Pending || e.deadline.IsZero() || e.stopped || e.timer != nil {
		return
	}
	e.timer = time.AfterFunc(max(e.deadline.Sub(e.now()), 0), e.fire)
}

// RequestID returns the id of the request this engine decides.
func (e *Engine) RequestID() string {
	return e.event.RequestID
}

// Event returns the originating event.
func (e *Engine) Event() stream.PendingRequestEvent {
	return e.event
}

// Phase returns the current phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Remaining returns the time left before the default response is sent, or
// zero once the deadline has been cleared.
func (e *Engine) Remaining() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remainingLocked()
}

func (e *Engine) remainingLocked() time.Duration {
	if e.phase != Pending || e.deadline.IsZero() {
		return 0
	}
	return max(e.deadline.Sub(e.now()), 0)
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		RequestID:       e.event.RequestID,
		Endpoint:        e.event.Endpoint,
		Payload:         e.event.Payload,
		DefaultResponse: e.event.DefaultResponse,
		Project:         e.event.ProjectLabel(),
		Source:          e.event.Source,
		Origin:          e.event.Origin,
		ReceivedAt:      e.event.ReceivedAt,
		ResponseBody:    e.body,
		Phase:           e.phase,
		Trigger:         e.trigger,
		Deadline:        e.deadline,
		RemainingMs:     e.remainingLocked().Milliseconds(),
		Attempts:        e.attempts,
		LastError:       e.lastErr,
		CompletedAt:     e.completedAt,
		Version:         e.version,
	}
}

// Edit replaces the candidate response and permanently disables the
// auto-respond timer.
func (e *Engine) Edit(text string) error {
	e.mu.Lock()
	if !e.phase.Open() {
		e.mu.Unlock()
		return ErrNotEditable
	}
	e.body = text
	if e.phase == Pending {
		e.clearDeadlineLocked()
		e.phase = ManuallyEdited
	}
	snap := e.transitionLocked()
	e.mu.Unlock()

	e.notify(snap)
	return nil
}

// Submit delivers text as the response.
func (e *Engine) Submit(ctx context.Context, text string) error {
	return e.submit(ctx, text, TriggerCustom)
}

// SubmitDefault delivers the default response.
func (e *Engine) SubmitDefault(ctx context.Context) error {
	return e.submit(ctx, e.event.DefaultResponse, TriggerDefault)
}

// Stop cancels the auto-respond timer without changing the phase.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.timer != nil {
		e.timer.Stop()
	}
}

func (e *Engine) fire() {
	err := e.submit(context.Background(), e.event.DefaultResponse, TriggerAuto)
	if err != nil {
		e.log.Warn("auto-respond failed", "error", err)
	}
}

func (e *Engine) submit(ctx context.Context, text string, trigger Trigger) error {
	e.mu.Lock()
	switch {
	case trigger == TriggerAuto && e.phase != Pending:
		// Operator took over before the deadline.
		e.mu.Unlock()
		return nil
	case e.phase == Submitting:
		e.mu.Unlock()
		return ErrSubmitInFlight
	case e.phase == Completed:
		e.mu.Unlock()
		return ErrCompleted
	}
	e.clearDeadlineLocked()
	e.phase = Submitting
	e.body = text
	e.trigger = trigger
	e.attempts++
	snap := e.transitionLocked()
	e.mu.Unlock()

	e.notify(snap)
	e.log.Debug("submitting response", "trigger", trigger, "attempt", snap.Attempts)

	err := e.deliver(ctx, text, trigger)

	e.mu.Lock()
	var failed Snapshot
	if err == nil {
		e.phase = Completed
		e.completedAt = e.now()
		e.lastErr = ""
	} else {
		e.lastErr = Reason(err)
		e.phase = Failed
		failed = e.transitionLocked()
		e.phase = ManuallyEdited
	}
	snap = e.transitionLocked()
	e.mu.Unlock()

	if err != nil {
		e.log.Warn("response delivery failed", "source", e.event.Source, "error", err)
		e.notify(failed)
	} else {
		e.log.Info("response delivered", "source", e.event.Source, "trigger", trigger)
	}
	e.notify(snap)
	return err
}

func (e *Engine) deliver(ctx context.Context, text string, trigger Trigger) error {
	ctx, cancel := context.WithTimeout(ctx, e.respondTimeout)
	defer cancel()

	start := time.Now()
	err := e.responder.Respond(ctx, Delivery{
		RequestID:    e.event.RequestID,
		ResponseBody: text,
		Source:       e.event.Source,
	})
	metrics.SubmissionDuration.Observe(time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		result = "error"
		var de *DeliveryError
		if !errors.As(err, &de) {
			err = &DeliveryError{
				RequestID: e.event.RequestID,
				Source:    e.event.Source.String(),
				Message:   err.Error(),
				Err:       err,
			}
		}
	}
	metrics.SubmissionsTotal.WithLabelValues(string(trigger), result).Inc()
	return err
}

func (e *Engine) clearDeadlineLocked() {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.deadline = time.Time{}
}

func (e *Engine) transitionLocked() Snapshot {
	e.version++
	return e.snapshotLocked()
}

func (e *Engine) notify(s Snapshot) {
	if e.observe != nil {
		e.observe(s)
	}
}

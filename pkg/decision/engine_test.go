package decision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyuc/mockbroker/pkg/stream"
)

// fakeResponder records deliveries. Results are consumed in order; once
// exhausted every call succeeds. When gate is set each call waits on it.
type fakeResponder struct {
	mu      sync.Mutex
	calls   []Delivery
	results []error
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeResponder) Respond(ctx context.Context, d Delivery) error {
	f.mu.Lock()
	f.calls = append(f.calls, d)
	var err error
	if len(f.results) > 0 {
		err = f.results[0]
		f.results = f.results[1:]
	}
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeResponder) Calls() []Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Delivery(nil), f.calls...)
}

// phaseRecorder collects observed phases.
type phaseRecorder struct {
	mu     sync.Mutex
	phases []Phase
}

func (r *phaseRecorder) observe(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, s.Phase)
}

func (r *phaseRecorder) Phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Phase(nil), r.phases...)
}

func event(id, def string) stream.PendingRequestEvent {
	return stream.PendingRequestEvent{
		RequestID:       id,
		Endpoint:        "/api/order",
		DefaultResponse: def,
		Source:          "a:1",
		Origin:          "a:1",
		ReceivedAt:      time.Now(),
	}
}

func TestEngine_AutoRespond(t *testing.T) {
	resp := &fakeResponder{}
	e := NewEngine(event("r1", "OK"), resp, Options{AutoRespond: 30 * time.Millisecond})

	require.Eventually(t, func() bool { return e.Phase() == Completed }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	calls := resp.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, Delivery{RequestID: "r1", ResponseBody: "OK", Source: "a:1"}, calls[0])

	snap := e.Snapshot()
	assert.Equal(t, TriggerAuto, snap.Trigger)
	assert.Equal(t, "Auto-Responded", snap.Trigger.Label())
	assert.Zero(t, snap.RemainingMs)
	assert.True(t, snap.Deadline.IsZero())
	assert.False(t, snap.CompletedAt.IsZero())
}

func TestEngine_EditCancelsAutoRespond(t *testing.T) {
	resp := &fakeResponder{}
	e := NewEngine(event("r1", "OK"), resp, Options{AutoRespond: 30 * time.Millisecond})

	require.NoError(t, e.Edit("draft"))
	require.NoError(t, e.Edit("draft 2"))
	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, resp.Calls())
	assert.Equal(t, ManuallyEdited, e.Phase())
	assert.Zero(t, e.Remaining())
	assert.Equal(t, "draft 2", e.Snapshot().ResponseBody)
}

func TestEngine_ManualScenario(t *testing.T) {
	resp := &fakeResponder{}
	e := NewEngine(event("r2", "default"), resp, Options{AutoRespond: 200 * time.Millisecond})

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Edit("custom"))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Submit(context.Background(), "custom"))
	time.Sleep(250 * time.Millisecond)

	calls := resp.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "custom", calls[0].ResponseBody)
	assert.Equal(t, Completed, e.Phase())
	assert.Equal(t, TriggerCustom, e.Snapshot().Trigger)
}

func TestEngine_SubmitDefault(t *testing.T) {
	resp := &fakeResponder{}
	e := NewEngine(event("r3", "<ok/>"), resp, Options{AutoRespond: time.Hour})

	require.NoError(t, e.SubmitDefault(context.Background()))
	require.Len(t, resp.Calls(), 1)
	assert.Equal(t, "<ok/>", resp.Calls()[0].ResponseBody)
	assert.Equal(t, TriggerDefault, e.Snapshot().Trigger)
}

func TestEngine_SubmitIsIdempotent(t *testing.T) {
	resp := &fakeResponder{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	e := NewEngine(event("r1", "OK"), resp, Options{AutoRespond: time.Hour})

	done := make(chan error, 1)
	go func() { done <- e.Submit(context.Background(), "first") }()
	<-resp.started

	assert.Equal(t, Submitting, e.Phase())
	assert.ErrorIs(t, e.Submit(context.Background(), "second"), ErrSubmitInFlight)
	assert.ErrorIs(t, e.SubmitDefault(context.Background()), ErrSubmitInFlight)
	assert.ErrorIs(t, e.Edit("late"), ErrNotEditable)

	close(resp.gate)
	require.NoError(t, <-done)

	assert.ErrorIs(t, e.Submit(context.Background(), "third"), ErrCompleted)
	assert.ErrorIs(t, e.Edit("late"), ErrNotEditable)
	assert.Len(t, resp.Calls(), 1)
	assert.Equal(t, Completed, e.Phase())
}

func TestEngine_FailureThenRetry(t *testing.T) {
	backendErr := &DeliveryError{RequestID: "r1", Source: "a:1", StatusCode: 404, Message: "Request ID not found or already processed"}
	resp := &fakeResponder{results: []error{backendErr}}
	rec := &phaseRecorder{}
	e := NewEngine(event("r1", "OK"), resp, Options{AutoRespond: time.Hour, Observer: rec.observe})

	err := e.Submit(context.Background(), "custom")
	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 404, de.StatusCode)

	snap := e.Snapshot()
	assert.Equal(t, ManuallyEdited, snap.Phase)
	assert.Equal(t, "Request ID not found or already processed", snap.LastError)
	assert.Equal(t, "custom", snap.ResponseBody)

	require.NoError(t, e.Submit(context.Background(), "custom v2"))
	snap = e.Snapshot()
	assert.Equal(t, Completed, snap.Phase)
	assert.Equal(t, 2, snap.Attempts)
	assert.Empty(t, snap.LastError)

	assert.Equal(t, []Phase{Submitting, Failed, ManuallyEdited, Submitting, Completed}, rec.Phases())
	assert.Len(t, resp.Calls(), 2)
}

func TestEngine_AutoRespondFailureIsNotRetried(t *testing.T) {
	resp := &fakeResponder{results: []error{errors.New("connection refused")}}
	e := NewEngine(event("r1", "OK"), resp, Options{AutoRespond: 10 * time.Millisecond})

	require.Eventually(t, func() bool { return e.Snapshot().Attempts == 1 && e.Phase() == ManuallyEdited },
		time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Len(t, resp.Calls(), 1)
	assert.Equal(t, "connection refused", e.Snapshot().LastError)
}

func TestEngine_ConcurrentSubmitsDeliverOnce(t *testing.T) {
	for range 20 {
		resp := &fakeResponder{}
		e := NewEngine(event("r1", "OK"), resp, Options{AutoRespond: time.Millisecond})

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = e.Submit(context.Background(), "custom")
			}()
		}
		wg.Wait()
		require.Eventually(t, func() bool { return e.Phase() == Completed }, time.Second, time.Millisecond)
		time.Sleep(5 * time.Millisecond)

		assert.Len(t, resp.Calls(), 1)
	}
}

func TestEngine_Remaining(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	e := NewEngine(event("r1", "OK"), &fakeResponder{}, Options{AutoRespond: 3 * time.Second, now: clock})
	defer e.Stop()

	assert.Equal(t, 3*time.Second, e.Remaining())

	mu.Lock()
	now = base.Add(1200 * time.Millisecond)
	mu.Unlock()
	assert.Equal(t, 1800*time.Millisecond, e.Remaining())
	assert.Equal(t, int64(1800), e.Snapshot().RemainingMs)

	mu.Lock()
	now = base.Add(5 * time.Second)
	mu.Unlock()
	assert.Zero(t, e.Remaining())
}

func TestEngine_NonDeliveryErrorIsWrapped(t *testing.T) {
	resp := &fakeResponder{results: []error{errors.New("boom")}}
	e := NewEngine(event("r1", "OK"), resp, Options{AutoRespond: time.Hour})

	err := e.Submit(context.Background(), "x")
	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "r1", de.RequestID)
	assert.Equal(t, "boom", Reason(err))
}

func TestPhase_Text(t *testing.T) {
	for _, p := range []Phase{Pending, ManuallyEdited, Submitting, Completed, Failed} {
		text, err := p.MarshalText()
		require.NoError(t, err)

		var back Phase
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, p, back)
	}
	var p Phase
	assert.Error(t, p.UnmarshalText([]byte("bogus")))
	assert.True(t, Pending.Open())
	assert.False(t, Completed.Open())
}

func TestEngine_StopBeforeStartKeepsTimerOff(t *testing.T) {
	resp := &fakeResponder{}
	e := newEngine(event("r1", "OK"), resp, Options{AutoRespond: time.Millisecond})
	assert.False(t, e.Snapshot().Deadline.IsZero())

	e.Stop()
	e.start()
	time.Sleep(30 * time.Millisecond)

	assert.Empty(t, resp.Calls())
	assert.Equal(t, Pending, e.Phase())
}

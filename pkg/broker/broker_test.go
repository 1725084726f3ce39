package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyuc/mockbroker/pkg/decision"
	"github.com/zyuc/mockbroker/pkg/registry"
	"github.com/zyuc/mockbroker/pkg/stream"
)

// fakeBackend is a mock-serving backend with discovery, event feed and
// respond endpoints.
type fakeBackend struct {
	srv  *httptest.Server
	addr registry.Address

	events       chan stream.Frame
	connects     atomic.Int32
	openStreams  atomic.Int32
	failRespond  atomic.Bool
	failDiscover atomic.Bool

	mu         sync.Mutex
	primary    registry.Address
	services   []registry.Address
	deliveries []decision.Delivery
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{events: make(chan stream.Frame, 16)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/services", b.handleServices)
	mux.HandleFunc("GET /api/events", b.handleEvents)
	mux.HandleFunc("POST /api/respond", b.handleRespond)
	b.srv = httptest.NewServer(mux)
	b.addr = registry.Address(strings.TrimPrefix(b.srv.URL, "http://"))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) setDiscovery(primary registry.Address, services ...registry.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.primary = primary
	b.services = services
}

func (b *fakeBackend) handleServices(w http.ResponseWriter, r *http.Request) {
	if b.failDiscover.Load() {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to retrieve primary service"}`))
		return
	}
	b.mu.Lock()
	body := map[string]any{"primary": b.primary, "services": b.services}
	b.mu.Unlock()
	_ = json.NewEncoder(w).Encode(body)
}

func (b *fakeBackend) handleEvents(w http.ResponseWriter, r *http.Request) {
	b.connects.Add(1)
	b.openStreams.Add(1)
	defer b.openStreams.Add(-1)

	w.Header().Set("Content-Type", stream.ContentTypeEventStream)
	flusher := w.(http.Flusher)
	_ = stream.WriteFrame(w, stream.Frame{Event: "connected", Data: `{"status":"ok"}`})
	flusher.Flush()
	for {
		select {
		case f := <-b.events:
			_ = stream.WriteFrame(w, f)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (b *fakeBackend) handleRespond(w http.ResponseWriter, r *http.Request) {
	var d decision.Delivery
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.deliveries = append(b.deliveries, d)
	b.mu.Unlock()

	if b.failRespond.Load() {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"Request ID not found or already processed"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"Response processed by primary."}`))
}

func (b *fakeBackend) Deliveries() []decision.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]decision.Delivery(nil), b.deliveries...)
}

func (b *fakeBackend) publish(t *testing.T, ev map[string]string) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	b.events <- stream.Frame{Event: "message", Data: string(data)}
}

func startBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Millisecond
	}
	b, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	return b
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}

func waitDecision(t *testing.T, b *Broker, id string) *decision.Engine {
	t.Helper()
	var e *decision.Engine
	waitFor(t, func() bool {
		var ok bool
		e, ok = b.Arena().Get(id)
		return ok
	}, "decision "+id+" not spawned")
	return e
}

func TestNew_RequiresBootstrap(t *testing.T) {
	_, err := New(Config{Bootstrap: "  "})
	assert.ErrorIs(t, err, ErrNoBootstrap)
}

func TestBroker_AutoRespondScenario(t *testing.T) {
	a := newFakeBackend(t)
	a.setDiscovery(a.addr, a.addr)
	b := startBroker(t, Config{Bootstrap: a.addr, AutoRespond: 50 * time.Millisecond})

	waitFor(t, func() bool { return b.Ingestor().Status().State == stream.Connected }, "stream not connected")
	a.publish(t, map[string]string{"requestId": "r1", "defaultResponse": "OK", "endpoint": "/api/x", "source": a.addr.String()})

	e := waitDecision(t, b, "r1")
	waitFor(t, func() bool { return e.Phase() == decision.Completed }, "r1 not auto-responded")
	time.Sleep(100 * time.Millisecond)

	deliveries := a.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, decision.Delivery{RequestID: "r1", ResponseBody: "OK", Source: a.addr}, deliveries[0])
	assert.Equal(t, decision.TriggerAuto, e.Snapshot().Trigger)
}

func TestBroker_ManualScenario(t *testing.T) {
	a := newFakeBackend(t)
	a.setDiscovery(a.addr, a.addr)
	b := startBroker(t, Config{Bootstrap: a.addr, AutoRespond: 300 * time.Millisecond})

	waitFor(t, func() bool { return b.Ingestor().Status().State == stream.Connected }, "stream not connected")
	a.publish(t, map[string]string{"requestId": "r2", "defaultResponse": "default"})
	e := waitDecision(t, b, "r2")

	require.NoError(t, e.Edit("custom"))
	require.NoError(t, e.Submit(context.Background(), "custom"))
	time.Sleep(400 * time.Millisecond)

	deliveries := a.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "custom", deliveries[0].ResponseBody)
	// The source defaults to the primary the event came from.
	assert.Equal(t, a.addr, deliveries[0].Source)
}

func TestBroker_PrimaryFailover(t *testing.T) {
	a := newFakeBackend(t)
	bb := newFakeBackend(t)
	a.setDiscovery(a.addr, a.addr, bb.addr)
	b := startBroker(t, Config{Bootstrap: a.addr, AutoRespond: time.Hour})

	waitFor(t, func() bool {
		st := b.Ingestor().Status()
		return st.State == stream.Connected && st.Address == a.addr
	}, "not connected to A")
	a.publish(t, map[string]string{"requestId": "from-a", "defaultResponse": "OK", "source": a.addr.String()})
	fromA := waitDecision(t, b, "from-a")

	// Discovery now reports B as primary.
	a.setDiscovery(bb.addr, a.addr, bb.addr)
	waitFor(t, func() bool {
		st := b.Ingestor().Status()
		return st.State == stream.Connected && st.Address == bb.addr
	}, "not connected to B")
	waitFor(t, func() bool { return a.openStreams.Load() == 0 }, "stream to A not closed")
	assert.Equal(t, int32(1), a.connects.Load())
	assert.Equal(t, bb.addr, b.Registry().Primary())

	// The decision spawned from A still answers A.
	require.NoError(t, fromA.Submit(context.Background(), "late answer"))
	require.Len(t, a.Deliveries(), 1)
	assert.Equal(t, "late answer", a.Deliveries()[0].ResponseBody)
	assert.Empty(t, bb.Deliveries())

	bb.publish(t, map[string]string{"requestId": "from-b"})
	assert.Equal(t, bb.addr, waitDecision(t, b, "from-b").Event().Source)
}

func TestBroker_FailureThenRetry(t *testing.T) {
	a := newFakeBackend(t)
	a.setDiscovery(a.addr, a.addr)
	a.failRespond.Store(true)
	b := startBroker(t, Config{Bootstrap: a.addr, AutoRespond: time.Hour})

	var mu sync.Mutex
	var phases []decision.Phase
	b.ObserveDecisions(func(s decision.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, s.Phase)
	})

	waitFor(t, func() bool { return b.Ingestor().Status().State == stream.Connected }, "stream not connected")
	a.publish(t, map[string]string{"requestId": "r4", "defaultResponse": "OK"})
	e := waitDecision(t, b, "r4")

	err := e.Submit(context.Background(), "first")
	require.Error(t, err)
	assert.Equal(t, "Request ID not found or already processed", decision.Reason(err))
	assert.Equal(t, decision.ManuallyEdited, e.Phase())

	a.failRespond.Store(false)
	require.NoError(t, e.Submit(context.Background(), "second"))
	assert.Equal(t, decision.Completed, e.Phase())
	assert.Len(t, a.Deliveries(), 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []decision.Phase{
		decision.Pending,
		decision.Submitting, decision.Failed, decision.ManuallyEdited,
		decision.Submitting, decision.Completed,
	}, phases)
}

func TestBroker_DegradedFallback(t *testing.T) {
	a := newFakeBackend(t)
	a.failDiscover.Store(true)
	b := startBroker(t, Config{Bootstrap: a.addr, AutoRespond: time.Hour})

	waitFor(t, func() bool {
		st := b.Status()
		return st.Stream.State == stream.Connected && st.LastPollError != ""
	}, "stream not connected")

	st := b.Status()
	assert.True(t, st.Degraded)
	assert.Equal(t, a.addr, st.Primary)
	require.Len(t, st.Services, 1)
	assert.True(t, st.Services[0].Online)
	assert.True(t, st.Services[0].Primary)
	assert.Contains(t, st.LastPollError, "Failed to retrieve primary service")

	// Discovery recovers; the same primary keeps the stream open.
	a.failDiscover.Store(false)
	a.setDiscovery(a.addr, a.addr)
	waitFor(t, func() bool { return !b.Status().Degraded }, "still degraded")
	assert.Equal(t, int32(1), a.connects.Load())
}

func TestBroker_StreamRecoveredOnNextTick(t *testing.T) {
	a := newFakeBackend(t)
	a.setDiscovery(a.addr, a.addr)
	b := startBroker(t, Config{Bootstrap: a.addr, AutoRespond: time.Hour})

	waitFor(t, func() bool { return b.Ingestor().Status().State == stream.Connected }, "stream not connected")
	a.events <- stream.Frame{Event: "close"}

	waitFor(t, func() bool { return a.connects.Load() >= 2 }, "stream not re-established by poller")
	waitFor(t, func() bool { return b.Ingestor().Status().State == stream.Connected }, "stream not connected again")
}

func TestBroker_StatusListeners(t *testing.T) {
	a := newFakeBackend(t)
	a.setDiscovery(a.addr, a.addr)

	b, err := New(Config{Bootstrap: a.addr, PollInterval: 30 * time.Millisecond})
	require.NoError(t, err)
	updates := make(chan Status, 32)
	b.OnStatus(func(s Status) {
		select {
		case updates <- s:
		default:
		}
	})
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	assert.ErrorIs(t, b.Start(context.Background()), ErrAlreadyStarted)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-updates:
			if s.Stream.State == stream.Connected {
				assert.Equal(t, a.addr, s.Primary)
				return
			}
		case <-deadline:
			t.Fatal("no connected status broadcast")
		}
	}
}

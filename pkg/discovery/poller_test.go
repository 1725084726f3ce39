package discovery

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyuc/mockbroker/pkg/registry"
)

type step struct {
	result *Result
	err    error
}

// scriptedDiscoverer returns its steps in order and repeats the last one.
type scriptedDiscoverer struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (d *scriptedDiscoverer) Discover(ctx context.Context) (*Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.steps[min(d.calls, len(d.steps)-1)]
	d.calls++
	return s.result, s.err
}

func (d *scriptedDiscoverer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type ensureCall struct {
	Primary registry.Address
	Changed bool
}

type recordingStream struct {
	mu    sync.Mutex
	calls []ensureCall
}

func (s *recordingStream) EnsureStream(ctx context.Context, primary registry.Address, changed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, ensureCall{primary, changed})
	return nil
}

func (s *recordingStream) Calls() []ensureCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ensureCall(nil), s.calls...)
}

func ok(primary registry.Address, services ...registry.Address) step {
	instances := make([]Instance, 0, len(services))
	for _, s := range services {
		instances = append(instances, Instance{Address: s})
	}
	return step{result: &Result{Primary: primary, Services: instances}}
}

var errDown = errors.New("connection refused")

func TestPoller_ReconcileAndSignal(t *testing.T) {
	disc := &scriptedDiscoverer{steps: []step{
		ok("a:1", "a:1", "b:2"),
		ok("a:1", "a:1", "b:2"),
		ok("b:2", "b:2"),
	}}
	reg := registry.New()
	stream := &recordingStream{}
	p := NewPoller(disc, reg, "boot:1", WithStream(stream))
	ctx := context.Background()

	tick := p.Poll(ctx)
	assert.True(t, tick.Changed)
	assert.Equal(t, registry.Address("a:1"), tick.Primary)

	tick = p.Poll(ctx)
	assert.False(t, tick.Changed)

	tick = p.Poll(ctx)
	assert.True(t, tick.Changed)
	assert.Equal(t, registry.Address("b:2"), reg.Primary())

	assert.Equal(t, []ensureCall{
		{"a:1", true},
		{"a:1", false},
		{"b:2", true},
	}, stream.Calls())
}

func TestPoller_DegradedOnlyWhenEmpty(t *testing.T) {
	disc := &scriptedDiscoverer{steps: []step{{err: errDown}}}
	reg := registry.New()
	p := NewPoller(disc, reg, "boot:1")

	tick := p.Poll(context.Background())
	require.ErrorIs(t, tick.Err, errDown)
	assert.True(t, tick.Degraded)
	assert.True(t, tick.Changed)
	assert.Equal(t, registry.Address("boot:1"), reg.Primary())
	assert.True(t, reg.Snapshot().Degraded)
}

func TestPoller_FailurePreservesPreviousState(t *testing.T) {
	disc := &scriptedDiscoverer{steps: []step{
		ok("a:1", "a:1", "b:2"),
		{err: errDown},
	}}
	reg := registry.New()
	stream := &recordingStream{}
	p := NewPoller(disc, reg, "boot:1", WithStream(stream))

	p.Poll(context.Background())
	tick := p.Poll(context.Background())

	require.Error(t, tick.Err)
	assert.False(t, tick.Changed)
	assert.False(t, tick.Degraded)
	assert.Equal(t, registry.Address("a:1"), reg.Primary())
	assert.True(t, reg.Contains("b:2"))
	assert.Equal(t, ensureCall{"a:1", false}, stream.Calls()[1])
}

func TestPoller_RecoversFromDegraded(t *testing.T) {
	disc := &scriptedDiscoverer{steps: []step{
		{err: errDown},
		ok("a:1", "a:1"),
	}}
	reg := registry.New()
	p := NewPoller(disc, reg, "boot:1")

	p.Poll(context.Background())
	tick := p.Poll(context.Background())

	assert.True(t, tick.Changed)
	assert.Equal(t, registry.Address("a:1"), reg.Primary())
	assert.False(t, reg.Snapshot().Degraded)
}

func TestPoller_Run(t *testing.T) {
	disc := &scriptedDiscoverer{steps: []step{ok("a:1", "a:1")}}
	ticks := make(chan Tick, 10)
	p := NewPoller(disc, registry.New(), "boot:1",
		WithInterval(20*time.Millisecond),
		WithTickHook(func(t Tick) { ticks <- t }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	// First poll runs immediately.
	select {
	case tick := <-ticks:
		assert.True(t, tick.Changed)
	case <-time.After(time.Second):
		t.Fatal("first poll did not run")
	}
	require.Eventually(t, func() bool { return disc.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestPoller_DefaultInterval(t *testing.T) {
	p := NewPoller(&scriptedDiscoverer{}, registry.New(), "boot:1", WithInterval(0))
	assert.Equal(t, 7*time.Second, p.Interval())
}

func TestPoller_InstanceObjectsElectPrimary(t *testing.T) {
	addr := serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"primary":"10.0.0.1:8080","services":[
			{"Address":"10.0.0.1:8080","Protocol":"https","RegisteredAt":"2025-01-02T03:04:05Z","LastSeenAt":"2025-01-02T03:04:15Z"},
			{"Address":"10.0.0.2:8080","Protocol":"http","RegisteredAt":"2025-01-02T03:04:05Z","LastSeenAt":"2025-01-02T03:04:15Z"}
		]}`))
	})
	reg := registry.New()
	p := NewPoller(NewClient(addr), reg, "boot:1")

	tick := p.Poll(context.Background())
	require.NoError(t, tick.Err)
	assert.False(t, tick.Degraded)
	assert.True(t, tick.Changed)
	assert.Equal(t, registry.Address("10.0.0.1:8080"), tick.Primary)

	assert.Equal(t, []registry.Address{"10.0.0.1:8080", "10.0.0.2:8080"}, reg.Snapshot().Online())
	assert.Equal(t, "https", reg.Protocol("10.0.0.1:8080"))
	assert.Equal(t, "http", reg.Protocol("10.0.0.2:8080"))
	assert.Empty(t, reg.Protocol("boot:1"))
}

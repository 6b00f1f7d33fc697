package health_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worklens/trackengine/clock"
	"github.com/worklens/trackengine/health"
	"github.com/worklens/trackengine/logger"
)

type fakeProber struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeProber) Probe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeProber) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeProber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newMonitor(cfg health.Config, prober health.Prober, onRecovered func()) (*health.Monitor, *clock.Fake) {
	fake := clock.NewFake(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	return health.NewMonitor(fake, logger.NewNop(), cfg, prober, onRecovered), fake
}

func TestMonitor_StartsHealthy(t *testing.T) {
	m, _ := newMonitor(health.Config{}, nil, nil)
	defer m.Close()

	assert.True(t, m.Healthy())
}

func TestMonitor_UnhealthyAfterConsecutiveFailures(t *testing.T) {
	m, _ := newMonitor(health.Config{FailureThreshold: 5}, nil, nil)
	defer m.Close()

	for i := 0; i < 4; i++ {
		m.RecordFailure()
	}
	assert.True(t, m.Healthy())

	m.RecordFailure()
	assert.False(t, m.Healthy())
}

func TestMonitor_SuccessResetsFailures(t *testing.T) {
	m, _ := newMonitor(health.Config{FailureThreshold: 5}, nil, nil)
	defer m.Close()

	for i := 0; i < 5; i++ {
		m.RecordFailure()
	}
	require.False(t, m.Healthy())

	m.RecordSuccess()
	assert.True(t, m.Healthy())
	assert.Equal(t, 0, m.GetStats().ConsecutiveFailures)
}

func TestMonitor_UnhealthyWhenSuccessGoesStale(t *testing.T) {
	m, fake := newMonitor(health.Config{SuccessWindow: 120 * time.Second}, nil, nil)
	defer m.Close()

	fake.Advance(119 * time.Second)
	assert.True(t, m.Healthy())

	// No success observed for the whole window, even without a hard failure.
	fake.Advance(2 * time.Second)
	assert.False(t, m.Healthy())

	m.RecordSuccess()
	assert.True(t, m.Healthy())
}

func TestMonitor_CheckStaleStartsProbe(t *testing.T) {
	prober := &fakeProber{err: errors.New("still down")}
	m, fake := newMonitor(health.Config{
		SuccessWindow: 120 * time.Second,
		ProbeInterval: 5 * time.Millisecond,
	}, prober, nil)
	defer m.Close()

	fake.Advance(121 * time.Second)
	m.CheckStale()

	assert.True(t, m.GetStats().ProbeRunning)
	assert.Eventually(t, func() bool {
		return prober.callCount() >= 2
	}, time.Second, time.Millisecond)
}

func TestMonitor_ProbeRecoveryFlushesAndResets(t *testing.T) {
	recovered := make(chan struct{})
	prober := &fakeProber{err: errors.New("backend down")}
	m, _ := newMonitor(health.Config{
		FailureThreshold: 3,
		ProbeInterval:    5 * time.Millisecond,
	}, prober, func() { close(recovered) })
	defer m.Close()

	for i := 0; i < 3; i++ {
		m.RecordFailure()
	}
	require.False(t, m.Healthy())
	require.True(t, m.GetStats().ProbeRunning)

	// Probe keeps failing, then the backend comes back.
	assert.Eventually(t, func() bool {
		return prober.callCount() >= 2
	}, time.Second, time.Millisecond)
	prober.setErr(nil)

	select {
	case <-recovered:
	case <-time.After(time.Second):
		t.Fatal("recovery callback never fired")
	}

	assert.True(t, m.Healthy())
	assert.Eventually(t, func() bool {
		return !m.GetStats().ProbeRunning
	}, time.Second, time.Millisecond)
}

func TestMonitor_ProbeStartIsIdempotent(t *testing.T) {
	prober := &fakeProber{err: errors.New("down")}
	m, _ := newMonitor(health.Config{
		FailureThreshold: 2,
		ProbeInterval:    time.Hour,
	}, prober, nil)
	defer m.Close()

	m.RecordFailure()
	m.RecordFailure()
	m.RecordFailure()
	m.CheckStale()

	// One probe loop regardless of how many times unhealthy is observed.
	assert.True(t, m.GetStats().ProbeRunning)
	assert.Equal(t, 0, prober.callCount())
}

// blockingProber holds each probe in flight until released, so tests can
// overlap an executing probe with Close.
type blockingProber struct {
	started chan struct{}
	release chan struct{}
}

func (p *blockingProber) Probe(context.Context) error {
	p.started <- struct{}{}
	<-p.release
	return nil
}

func TestMonitor_CloseWaitsForProbeAndSuppressesRecovery(t *testing.T) {
	recovered := make(chan struct{}, 1)
	prober := &blockingProber{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	m, _ := newMonitor(health.Config{
		FailureThreshold: 1,
		ProbeInterval:    time.Millisecond,
	}, prober, func() { recovered <- struct{}{} })

	m.RecordFailure()
	<-prober.started

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()

	// Close must not return while a probe is still executing.
	select {
	case <-closed:
		t.Fatal("Close returned while a probe was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	// Let the in-flight probe succeed. Its result is discarded: the monitor
	// is closed, so the recovery callback must not fire.
	close(prober.release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close never returned")
	}

	select {
	case <-recovered:
		t.Fatal("recovery callback fired after Close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitor_CloseStopsProbe(t *testing.T) {
	prober := &fakeProber{err: errors.New("down")}
	m, _ := newMonitor(health.Config{
		FailureThreshold: 1,
		ProbeInterval:    5 * time.Millisecond,
	}, prober, nil)

	m.RecordFailure()
	require.True(t, m.GetStats().ProbeRunning)

	m.Close()
	calls := prober.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, prober.callCount(), calls+1)
}

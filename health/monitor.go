// Package health derives a binary "backend healthy" signal from the
// success/failure history of outbound calls, and runs a background recovery
// probe while unhealthy. The probe exists to break a deadlock: heartbeats,
// the normal path to observing success, are themselves suppressed while
// unhealthy, so without an independent probe the engine could never
// self-heal.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/worklens/trackengine/clock"
	"github.com/worklens/trackengine/logger"
)

// Prober issues a minimal, side-effect-free request to the backend.
type Prober interface {
	Probe(ctx context.Context) error
}

// Config tunes the monitor. Zero values fall back to spec defaults.
type Config struct {
	// FailureThreshold is the consecutive-failure count at which the
	// backend is considered unhealthy.
	FailureThreshold int
	// SuccessWindow is how recently a success must have been observed.
	SuccessWindow time.Duration
	// ProbeInterval is the recovery probe cadence.
	ProbeInterval time.Duration
	// ProbeTimeout bounds each individual probe request.
	ProbeTimeout time.Duration
}

const (
	defaultFailureThreshold = 5
	defaultSuccessWindow    = 120 * time.Second
	defaultProbeInterval    = 30 * time.Second
	defaultProbeTimeout     = 10 * time.Second
)

// Monitor tracks backend health. It is constructed once per engine instance
// and injected wherever call results are observed.
type Monitor struct {
	mu sync.Mutex

	clock clock.Clock
	log   logger.Logger
	cfg   Config

	prober Prober
	// onRecovered fires once per recovery, after the probe observes
	// success. The engine uses it to trigger an offline queue flush.
	onRecovered func()

	lastSuccessAt       time.Time
	consecutiveFailures int
	probeRunning        bool
	probeStop           chan struct{}
	probeDone           chan struct{}

	closed bool
}

// NewMonitor creates a Monitor. The monitor starts healthy: construction
// counts as the initial success observation, otherwise a fresh engine would
// suppress its own first heartbeat.
func NewMonitor(clk clock.Clock, log logger.Logger, cfg Config, prober Prober, onRecovered func()) *Monitor {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.SuccessWindow <= 0 {
		cfg.SuccessWindow = defaultSuccessWindow
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}

	return &Monitor{
		clock:         clk,
		log:           log,
		cfg:           cfg,
		prober:        prober,
		onRecovered:   onRecovered,
		lastSuccessAt: clk.Now(),
	}
}

// Healthy reports whether the backend is considered reachable: fewer than
// FailureThreshold consecutive failures and a success within SuccessWindow.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthyLocked()
}

func (m *Monitor) healthyLocked() bool {
	if m.consecutiveFailures >= m.cfg.FailureThreshold {
		return false
	}
	return m.clock.Now().Sub(m.lastSuccessAt) < m.cfg.SuccessWindow
}

// RecordSuccess resets the failure counter and timestamp. Any successful
// call (heartbeat, activity flush, evidence upload) counts.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFailures = 0
	m.lastSuccessAt = m.clock.Now()
}

// RecordFailure increments the failure counter. The moment the derived
// state transitions to unhealthy, the recovery probe starts. Starting an
// already-running probe is a no-op.
func (m *Monitor) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consecutiveFailures++
	if m.healthyLocked() || m.closed {
		return
	}
	m.startProbeLocked()
}

// CheckStale must be called periodically (the tick loop does) so the
// 120-second no-success window can trip the probe even when no call fails
// outright.
func (m *Monitor) CheckStale() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthyLocked() || m.closed {
		return
	}
	m.startProbeLocked()
}

// Stats is a snapshot of monitor state for selectors and tests.
type Stats struct {
	Healthy             bool
	ConsecutiveFailures int
	LastSuccessAt       time.Time
	ProbeRunning        bool
}

// GetStats returns current monitor state.
func (m *Monitor) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Healthy:             m.healthyLocked(),
		ConsecutiveFailures: m.consecutiveFailures,
		LastSuccessAt:       m.lastSuccessAt,
		ProbeRunning:        m.probeRunning,
	}
}

// Close stops a running probe and waits for the probe goroutine to finish,
// so no recovery callback can fire after Close returns. The monitor must not
// be used afterwards.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	done := m.probeDone
	if m.probeRunning {
		close(m.probeStop)
		m.probeRunning = false
	}
	m.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (m *Monitor) startProbeLocked() {
	if m.probeRunning || m.prober == nil {
		return
	}
	m.probeRunning = true
	m.probeStop = make(chan struct{})
	m.probeDone = make(chan struct{})
	m.log.Warn("backend unhealthy, starting recovery probe",
		logger.Int("consecutive_failures", m.consecutiveFailures),
		logger.Time("last_success_at", m.lastSuccessAt))
	go m.probeLoop(m.probeStop, m.probeDone)
}

// probeLoop issues one probe per interval until success or stop. A probe
// already in flight when Close runs finishes, but its success is discarded:
// the closed check under the lock suppresses onRecovered.
func (m *Monitor) probeLoop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
		err := m.prober.Probe(ctx)
		cancel()

		if err != nil {
			m.log.Debug("recovery probe failed", logger.Error(err))
			continue
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.consecutiveFailures = 0
		m.lastSuccessAt = m.clock.Now()
		m.probeRunning = false
		m.mu.Unlock()

		m.log.Info("backend recovered")
		if m.onRecovered != nil {
			m.onRecovered()
		}
		return
	}
}

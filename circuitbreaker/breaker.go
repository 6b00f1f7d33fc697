// Package circuitbreaker provides the failure-triggered cooldown that
// protects a degraded backend from evidence-upload storms. While the
// cooldown window is active, all new evidence is routed to the offline
// queue instead of attempted upload.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/worklens/trackengine/clock"
)

// Config configures a breaker.
type Config struct {
	// FailureThreshold is the number of consecutive upload failures that
	// opens the circuit.
	FailureThreshold int
	// Cooldown is how long uploads stay disabled once the circuit opens.
	Cooldown time.Duration
	// OnOpen is an optional callback fired when the circuit opens,
	// carrying the cooldown expiry. The engine surfaces it as a toast.
	OnOpen func(until time.Time)
}

const (
	defaultFailureThreshold = 3
	defaultCooldown         = 10 * time.Minute
)

// Breaker tracks consecutive upload failures and opens for a fixed cooldown
// window when the threshold is reached. Constructed once per evidence
// pipeline. Independent of the health monitor: upload capacity and general
// reachability fail separately.
type Breaker struct {
	mu    sync.Mutex
	clock clock.Clock
	cfg   Config

	consecutiveFailures int
	cooldownUntil       time.Time
}

// New creates a Breaker with the given configuration.
func New(clk clock.Clock, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	return &Breaker{clock: clk, cfg: cfg}
}

// Allow reports whether an upload may be attempted. While the cooldown is
// active it returns false and the caller must queue locally.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.clock.Now().Before(b.cooldownUntil)
}

// RecordSuccess resets the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
}

// RecordFailure increments the failure counter and opens the circuit for
// the cooldown window once the threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()

	b.consecutiveFailures++
	if b.consecutiveFailures < b.cfg.FailureThreshold {
		b.mu.Unlock()
		return
	}

	b.consecutiveFailures = 0
	b.cooldownUntil = b.clock.Now().Add(b.cfg.Cooldown)
	until := b.cooldownUntil
	onOpen := b.cfg.OnOpen
	b.mu.Unlock()

	if onOpen != nil {
		onOpen(until)
	}
}

// Stats is a snapshot of breaker state.
type Stats struct {
	ConsecutiveFailures int
	CooldownUntil       time.Time
	Open                bool
}

// GetStats returns current breaker state.
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		ConsecutiveFailures: b.consecutiveFailures,
		CooldownUntil:       b.cooldownUntil,
		Open:                b.clock.Now().Before(b.cooldownUntil),
	}
}

// Reset clears failures and any active cooldown.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.cooldownUntil = time.Time{}
}

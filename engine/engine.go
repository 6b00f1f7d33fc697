// Package engine composes the tracking engine: the externally-visible state
// container exposing start/pause/resume/stop operations, read-only
// selectors, and the 1 Hz tick scheduler that drives captures, heartbeats,
// and activity flushes.
package engine

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/worklens/trackengine/api"
	"github.com/worklens/trackengine/bridge"
	"github.com/worklens/trackengine/circuitbreaker"
	"github.com/worklens/trackengine/clock"
	"github.com/worklens/trackengine/config"
	"github.com/worklens/trackengine/evidence"
	"github.com/worklens/trackengine/health"
	"github.com/worklens/trackengine/logger"
	"github.com/worklens/trackengine/metrics"
	"github.com/worklens/trackengine/queue"
	"github.com/worklens/trackengine/schedule"
	"github.com/worklens/trackengine/timer"
)

// Toast surfaces a user-facing message. Policy rejections and circuit
// breaker cooldown entry are reported through it.
type Toast func(message string)

// Options wires an Engine. Config, API, and Store are required; everything
// else has a working default.
type Options struct {
	Config  *config.Config
	Clock   clock.Clock
	Logger  logger.Logger
	Bridge  bridge.Bridge
	API     api.Client
	Store   queue.Store
	History evidence.History
	Policy  schedule.Policy
	Metrics *metrics.Set
	// Online reports host network reachability. Nil assumes reachable.
	Online func() bool
	Toast  Toast
}

// Engine is the tracking engine façade.
type Engine struct {
	mu  sync.Mutex
	cfg *config.Config

	clk     clock.Clock
	log     logger.Logger
	host    bridge.Bridge
	client  api.Client
	store   queue.Store
	policy  schedule.Policy
	metrics *metrics.Set
	toast   Toast

	registry *timer.Registry
	monitor  *health.Monitor
	breaker  *circuitbreaker.Breaker
	pipeline *evidence.Pipeline

	tickCount uint64
	// lastTickDate is the local calendar day of the previous tick, for the
	// midnight rollover fail-safe.
	lastTickDate string

	// captureInFlight is the sole concurrency-control primitive for
	// capture batches: a boolean, not a queue, so a second due batch is
	// dropped rather than buffered.
	captureInFlight atomic.Bool
	flushInFlight   atomic.Bool

	started bool
	stopCh  chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// ErrMissingDependency is returned by New when a required option is absent.
var ErrMissingDependency = stderrors.New("missing required engine dependency")

// New wires an Engine from Options. The engine does not tick until Start.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil || opts.API == nil || opts.Store == nil {
		return nil, ErrMissingDependency
	}
	opts.Config.SetDefaults()

	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Bridge == nil {
		opts.Bridge = bridge.NewNop()
	}
	if opts.Policy == nil {
		opts.Policy = schedule.AllowAll{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if opts.Toast == nil {
		opts.Toast = func(string) {}
	}

	e := &Engine{
		cfg:     opts.Config,
		clk:     opts.Clock,
		log:     opts.Logger,
		host:    opts.Bridge,
		client:  opts.API,
		store:   opts.Store,
		policy:  opts.Policy,
		metrics: opts.Metrics,
		toast:   opts.Toast,
	}

	e.registry = timer.NewRegistry(e.clk, e.log)
	e.breaker = circuitbreaker.New(e.clk, circuitbreaker.Config{
		FailureThreshold: opts.Config.Breaker.FailureThreshold,
		Cooldown:         opts.Config.Breaker.Cooldown,
		OnOpen:           e.onBreakerOpen,
	})
	e.monitor = health.NewMonitor(e.clk, e.log, health.Config{
		FailureThreshold: opts.Config.Health.FailureThreshold,
		SuccessWindow:    opts.Config.Health.SuccessWindow,
		ProbeInterval:    opts.Config.Health.ProbeInterval,
	}, opts.API, e.FlushQueue)

	history := opts.History
	if history == nil {
		if h, ok := opts.Store.(evidence.History); ok {
			history = h
		}
	}
	e.pipeline = evidence.NewPipeline(
		e.clk, e.log, e.host, e.client, e.store, history, e.breaker, e.monitor, opts.Online)

	return e, nil
}

// StartItem starts (or resumes) tracking an item under its parent job.
// Policy rejections surface as a toast and leave all state unchanged.
func (e *Engine) StartItem(item timer.Item, job timer.Job) error {
	// Re-clicking start on a running item is a silent no-op; the policy is
	// not consulted and the host is not re-notified.
	if e.registry.ItemRunning(item.ID) {
		return nil
	}

	e.applyCaptureDefaults(&job)
	decision := e.policy.Evaluate(item.ID, e.clk.Now())
	if err := e.registry.StartItem(item, job, decision); err != nil {
		e.toast(rejectionMessage(err))
		return err
	}

	if job.Mode != timer.ModeStealth {
		e.host.NotifyTrackingStarted(item.Name)
	}
	return nil
}

// PauseItem pauses an item timer and syncs the new total, best-effort.
func (e *Engine) PauseItem(itemID string) {
	if sync := e.registry.PauseItem(itemID); sync != nil {
		e.goSyncItemTime(*sync)
	}
}

// ResumeItem resumes a paused item timer.
func (e *Engine) ResumeItem(itemID string) error {
	_, err := e.registry.ResumeItem(itemID)
	if err != nil {
		e.toast(rejectionMessage(err))
	}
	return err
}

// StopItem stops an item timer, persists the final total, and notifies the
// host if nothing remains running.
func (e *Engine) StopItem(itemID string) {
	if sync := e.registry.StopItem(itemID); sync != nil {
		e.goSyncItemTime(*sync)
	}
	if _, ok := e.registry.PrimaryActiveItem(); !ok {
		e.host.NotifyTrackingStopped()
	}
}

// StartJob starts tracking a job with the given items.
func (e *Engine) StartJob(job timer.Job, items []timer.Item) error {
	e.applyCaptureDefaults(&job)
	decision := e.policy.Evaluate(job.ID, e.clk.Now())
	if err := e.registry.StartJob(job, items, decision); err != nil {
		e.toast(rejectionMessage(err))
		return err
	}
	if job.Mode != timer.ModeStealth {
		e.host.NotifyTrackingStarted(job.Name)
	}
	return nil
}

// PauseJob pauses the job's wall clock and every running item under it.
func (e *Engine) PauseJob(jobID string) {
	for _, sync := range e.registry.PauseJob(jobID) {
		e.goSyncItemTime(sync)
	}
}

// ResumeJob resumes the job, restoring exactly the items running at pause.
func (e *Engine) ResumeJob(jobID string) error {
	_, err := e.registry.ResumeJob(jobID)
	if err != nil {
		e.toast(rejectionMessage(err))
	}
	return err
}

// StopJob stops every item under the job and removes its tracker.
func (e *Engine) StopJob(jobID string) {
	for _, sync := range e.registry.StopJob(jobID) {
		e.goSyncItemTime(sync)
	}
	e.host.NotifyTrackingStopped()
}

// Reset force-stops everything. Used on logout.
func (e *Engine) Reset() {
	for _, sync := range e.registry.ForceStopAll() {
		e.goSyncItemTime(sync)
	}
	e.host.NotifyTrackingStopped()
}

// ItemElapsed returns an item's elapsed seconds.
func (e *Engine) ItemElapsed(itemID string) (int64, bool) {
	return e.registry.ItemElapsed(itemID)
}

// JobWallClock returns the job's authoritative worked seconds.
func (e *Engine) JobWallClock(jobID string) (int64, bool) {
	return e.registry.WallClockSeconds(jobID)
}

// ActiveJobID returns the job currently holding the wall clock, if any.
func (e *Engine) ActiveJobID() string {
	return e.registry.ActiveJobID()
}

// Healthy reports the backend health signal.
func (e *Engine) Healthy() bool {
	return e.monitor.Healthy()
}

// QueueDepth returns the number of evidence records awaiting replay.
func (e *Engine) QueueDepth(ctx context.Context) (int, error) {
	return e.store.Depth(ctx)
}

// ApplyConfig applies reloaded tunables between ticks. Connection-level
// settings (base URL, token, queue backend) are ignored; they require a
// restart.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	cfg.SetDefaults()
	e.mu.Lock()
	e.cfg.Capture = cfg.Capture
	e.cfg.Scheduler = cfg.Scheduler
	e.mu.Unlock()
	e.log.Info("engine config applied",
		logger.Int("capture_interval_minutes", cfg.Capture.DefaultIntervalMinutes),
		logger.Uint64("heartbeat_every_ticks", cfg.Scheduler.HeartbeatEveryTicks))
}

// ConnectivityRestored triggers an offline queue flush. Hosts call it when
// the platform reports the network came back.
func (e *Engine) ConnectivityRestored() {
	e.FlushQueue()
}

// applyCaptureDefaults fills a job's capture interval from engine config
// when the job carries none.
func (e *Engine) applyCaptureDefaults(job *timer.Job) {
	if job.ScreenshotIntervalMinutes > 0 {
		return
	}
	e.mu.Lock()
	job.ScreenshotIntervalMinutes = e.cfg.Capture.DefaultIntervalMinutes
	e.mu.Unlock()
}

// onBreakerOpen surfaces cooldown entry to the operator.
func (e *Engine) onBreakerOpen(until time.Time) {
	e.metrics.BreakerOpen.Set(1)
	e.toast("Screenshot uploads paused until " + until.Format("15:04:05") + "; evidence is stored locally.")
	e.log.Warn("evidence circuit breaker opened")
}

// rejectionMessage maps policy errors to operator-facing text.
func rejectionMessage(err error) string {
	switch {
	case stderrors.Is(err, timer.ErrJobDeactivated):
		return "This job has been deactivated and cannot be tracked."
	case stderrors.Is(err, timer.ErrScheduleLocked):
		return "This task's schedule does not allow tracking right now."
	case stderrors.Is(err, timer.ErrAnotherJobActive):
		return "Another job is already being tracked. Stop it before starting a new one."
	default:
		return "Unable to start tracking."
	}
}

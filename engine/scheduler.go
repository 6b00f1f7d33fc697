package engine

import (
	"context"
	"time"

	"github.com/worklens/trackengine/api"
	"github.com/worklens/trackengine/errors"
	"github.com/worklens/trackengine/evidence"
	"github.com/worklens/trackengine/logger"
	"github.com/worklens/trackengine/timer"
)

// tickInterval is the scheduler cadence. The tick loop is the only writer
// of derived elapsed/wall-clock state; everything else is event-driven.
const tickInterval = time.Second

const dateKeyLayout = "2006-01-02"

// Start launches the 1 Hz tick loop. Idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})
	e.lastTickDate = e.clk.Now().Format(dateKeyLayout)
	e.mu.Unlock()

	go e.run()
	e.log.Info("tick scheduler started")
}

// Close stops the tick loop and the recovery probe, then waits for
// in-flight side effects. In-flight uploads are allowed to complete and
// their results are still processed, so no captured evidence is lost.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	close(e.stopCh)
	e.mu.Unlock()

	<-e.done
	e.monitor.Close()
	e.wg.Wait()
	e.log.Info("tick scheduler stopped")
}

func (e *Engine) run() {
	defer close(e.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// tick advances the whole engine by one step.
func (e *Engine) tick() {
	now := e.clk.Now()

	e.mu.Lock()
	e.tickCount++
	count := e.tickCount
	heartbeatEvery := e.cfg.Scheduler.HeartbeatEveryTicks
	flushEvery := e.cfg.Scheduler.ActivityFlushEveryTicks

	// Midnight fail-safe: a local calendar-day change force-stops
	// everything before anything else runs this tick.
	dateKey := now.Format(dateKeyLayout)
	rolledOver := e.lastTickDate != "" && dateKey != e.lastTickDate
	e.lastTickDate = dateKey
	e.mu.Unlock()

	if rolledOver && !e.registry.Empty() {
		e.log.Warn("local date rolled over, force-stopping all tracking",
			logger.String("date", dateKey))
		boundary := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		for _, sync := range e.registry.ForceStopAllAt(boundary) {
			e.goSyncItemTime(sync)
		}
		e.toast("Tracking stopped: the day changed.")
		e.host.NotifyTrackingStopped()
	}

	// Fast exit when idle: only the tick counter advances.
	if e.registry.Empty() {
		e.metrics.ActiveItems.Set(0)
		return
	}

	// Advance timers/trackers and detect due captures. Detection and
	// dedup bookkeeping happen atomically inside the registry.
	due := e.registry.Advance(now)

	running := e.registry.RunningItems()
	e.metrics.ActiveItems.Set(float64(len(running)))

	if primary, ok := e.registry.PrimaryActiveItem(); ok && primary.Mode != timer.ModeStealth {
		e.host.NotifyTrackingTick(primary.Elapsed(now))
	}

	e.monitor.CheckStale()
	e.setHealthGauges()

	if len(due) > 0 {
		e.dispatchCaptures(due)
	}

	if heartbeatEvery > 0 && count%heartbeatEvery == 0 && e.monitor.Healthy() {
		if primary, ok := e.registry.PrimaryActiveItem(); ok {
			e.goHeartbeat(primary, now)
		}
	}

	if flushEvery > 0 && count%flushEvery == 0 && e.monitor.Healthy() {
		e.goFlushActivity(running, now)
	}
}

// dispatchCaptures hands a capture batch to the pipeline. Batches run
// strictly sequentially behind a single in-flight flag: if a new batch
// becomes due while one is still processing, it is dropped with a warning
// rather than queued, bounding memory and time under slow I/O. The dedup
// bookkeeping has already advanced, so the dropped interval is skipped, not
// retried.
func (e *Engine) dispatchCaptures(due []timer.CaptureDue) {
	if !e.captureInFlight.CompareAndSwap(false, true) {
		e.metrics.CapturesDropped.Add(float64(len(due)))
		e.log.Warn("capture batch dropped, previous batch still in flight",
			logger.Int("dropped", len(due)))
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.captureInFlight.Store(false)
		e.processCaptureBatch(due)
	}()
}

// processCaptureBatch runs each capture through the pipeline in order. A
// quota-exceeded response aborts the remainder of the batch: retrying
// cannot succeed this cycle.
func (e *Engine) processCaptureBatch(due []timer.CaptureDue) {
	ctx := context.Background()

	for _, task := range due {
		outcome, err := e.pipeline.Process(ctx, task)
		switch outcome {
		case evidence.OutcomeUploaded:
			e.metrics.CapturesUploaded.Inc()
		case evidence.OutcomeQueuedOffline, evidence.OutcomeQueuedAfterFailure:
			e.metrics.CapturesQueued.Inc()
		case evidence.OutcomeCaptureFailed:
			e.metrics.CaptureFailures.Inc()
		case evidence.OutcomeQueueFailed:
			e.metrics.QueueFailures.Inc()
		}

		if err != nil && errors.IsQuotaExceeded(err) {
			e.log.Warn("evidence quota exceeded, aborting capture batch",
				logger.String("job_id", task.JobID))
			e.toast("Screenshot quota exceeded; remaining captures this cycle were skipped.")
			return
		}
		e.setHealthGauges()
	}
}

// goHeartbeat sends a lightweight liveness report off the tick goroutine. A
// successful response may carry an out-of-band capture instruction, which
// is executed immediately outside the normal interval schedule.
func (e *Engine) goHeartbeat(primary timer.ItemTimer, now time.Time) {
	req := api.HeartbeatRequest{
		ItemID:         primary.ItemID,
		JobID:          primary.JobID,
		ElapsedSeconds: primary.Elapsed(now),
		DeviceID:       e.host.DeviceID(),
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		resp, err := e.client.Heartbeat(context.Background(), req)
		if err != nil {
			e.monitor.RecordFailure()
			e.log.Warn("heartbeat failed", logger.Error(err))
			return
		}

		e.monitor.RecordSuccess()
		e.metrics.Heartbeats.Inc()

		if resp != nil && resp.CaptureNow {
			e.log.Info("remote capture requested via heartbeat",
				logger.String("job_id", primary.JobID))
			if task, ok := e.registry.SnapshotCapture(primary.JobID); ok {
				e.dispatchCaptures([]timer.CaptureDue{task})
			}
		}
	}()
}

// goFlushActivity flushes accumulated input counters for every running item
// with activity logging enabled, independent of the screenshot schedule.
func (e *Engine) goFlushActivity(running []timer.ItemTimer, now time.Time) {
	var items []timer.ItemTimer
	for _, t := range running {
		if t.ActivityEnabled {
			items = append(items, t)
		}
	}
	if len(items) == 0 {
		return
	}

	stats := e.host.ActivityStats()
	idle := e.host.IdleSeconds()
	e.host.ResetActivityStats()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		for _, item := range items {
			req := api.ActivityLogRequest{
				ItemID:      item.ItemID,
				Keystrokes:  stats.Keystrokes,
				MouseClicks: stats.MouseClicks,
				IdleSeconds: idle,
				RecordedAt:  now,
				DeviceID:    e.host.DeviceID(),
			}
			if err := e.client.LogActivity(context.Background(), req); err != nil {
				e.monitor.RecordFailure()
				e.log.Warn("activity flush failed",
					logger.String("item_id", item.ItemID), logger.Error(err))
				continue
			}
			e.monitor.RecordSuccess()
			e.metrics.ActivityFlushes.Inc()
		}
	}()
}

// goSyncItemTime persists an item's new cumulative total, best-effort.
// Failures are logged, never retried inline: the next pause or stop carries
// the corrected cumulative value regardless.
func (e *Engine) goSyncItemTime(sync timer.SyncRequest) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		err := e.client.SyncItemTime(context.Background(), sync.ItemID, sync.TotalSeconds)
		if err != nil {
			e.monitor.RecordFailure()
			e.log.Warn("item time sync failed",
				logger.String("item_id", sync.ItemID),
				logger.Int64("total_seconds", sync.TotalSeconds),
				logger.Error(err))
			return
		}
		e.monitor.RecordSuccess()
		e.metrics.TimeSyncs.Inc()
	}()
}

// FlushQueue replays the offline queue. Triggered by recovery-probe success
// and by connectivity-restored signals; only one flush runs at a time.
func (e *Engine) FlushQueue() {
	if !e.flushInFlight.CompareAndSwap(false, true) {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.flushInFlight.Store(false)

		n, err := e.store.Flush(context.Background(), e.client.UploadEvidence)
		if n > 0 {
			e.metrics.QueueReplayed.Add(float64(n))
		}
		if err != nil {
			e.log.Warn("offline queue flush incomplete",
				logger.Int("replayed", n), logger.Error(err))
			return
		}
		if n > 0 {
			e.log.Info("offline queue flushed", logger.Int("replayed", n))
		}
	}()
}

func (e *Engine) setHealthGauges() {
	if e.monitor.Healthy() {
		e.metrics.BackendHealthy.Set(1)
	} else {
		e.metrics.BackendHealthy.Set(0)
	}
	if e.breaker.GetStats().Open {
		e.metrics.BreakerOpen.Set(1)
	} else {
		e.metrics.BreakerOpen.Set(0)
	}
}

package evidence

import (
	"context"

	"github.com/google/uuid"

	"github.com/worklens/trackengine/bridge"
	"github.com/worklens/trackengine/circuitbreaker"
	"github.com/worklens/trackengine/clock"
	"github.com/worklens/trackengine/health"
	"github.com/worklens/trackengine/logger"
	"github.com/worklens/trackengine/timer"
)

// Outcome is the terminal state of one capture attempt. There is no
// "evidence lost" outcome: every capture that produces a record ends
// uploaded or queued.
type Outcome string

const (
	// OutcomeUploaded means the record reached the remote service.
	OutcomeUploaded Outcome = "uploaded"
	// OutcomeQueuedOffline means upload was not attempted (offline,
	// cooldown, or unhealthy backend) and the record was queued.
	OutcomeQueuedOffline Outcome = "queued_offline"
	// OutcomeQueuedAfterFailure means upload was attempted, failed, and
	// the record was queued.
	OutcomeQueuedAfterFailure Outcome = "queued_after_failure"
	// OutcomeCaptureFailed means the host capture capability itself
	// failed; no record exists and the due capture is skipped this cycle.
	OutcomeCaptureFailed Outcome = "capture_failed"
	// OutcomeQueueFailed means the record could be neither uploaded nor
	// written to the offline queue. The only path on which evidence is
	// actually lost, and it must never be reported as queued.
	OutcomeQueueFailed Outcome = "queue_failed"
)

// Pipeline turns capture-due signals into evidence records and routes them.
// One pipeline per engine; captures are processed strictly sequentially by
// the scheduler's in-flight guard, so Process is never called concurrently.
type Pipeline struct {
	clock   clock.Clock
	log     logger.Logger
	host    bridge.Bridge
	upload  Uploader
	queue   Queue
	history History
	breaker *circuitbreaker.Breaker
	monitor *health.Monitor
	// online reports network reachability as the host sees it. Distinct
	// from backend health: the network can be up while the backend is
	// degraded.
	online func() bool
}

// NewPipeline wires a capture pipeline. online may be nil, in which case the
// network is assumed reachable and routing relies on health and cooldown
// alone.
func NewPipeline(
	clk clock.Clock,
	log logger.Logger,
	host bridge.Bridge,
	upload Uploader,
	queue Queue,
	history History,
	breaker *circuitbreaker.Breaker,
	monitor *health.Monitor,
	online func() bool,
) *Pipeline {
	if online == nil {
		online = func() bool { return true }
	}
	return &Pipeline{
		clock:   clk,
		log:     log,
		host:    host,
		upload:  upload,
		queue:   queue,
		history: history,
		breaker: breaker,
		monitor: monitor,
		online:  online,
	}
}

// Process runs one capture through the pipeline:
// Capturing -> {UploadAttempt -> {Uploaded | QueuedAfterFailure} | QueuedOffline}.
// A returned error alongside OutcomeQueuedAfterFailure is the upload error;
// the caller classifies it (quota errors abort the remainder of the batch).
func (p *Pipeline) Process(ctx context.Context, task timer.CaptureDue) (Outcome, error) {
	image, err := p.host.CaptureScreenshot(ctx)
	if err != nil {
		// Capture-due bookkeeping already advanced; skipping here cannot
		// cause a re-attempt storm.
		p.log.Warn("screenshot capture failed, skipping this cycle",
			logger.String("job_id", task.JobID), logger.Error(err))
		return OutcomeCaptureFailed, err
	}

	rec := p.buildRecord(task, image)

	if !p.online() || !p.breaker.Allow() || !p.monitor.Healthy() {
		if err := p.enqueue(ctx, rec, false); err != nil {
			return OutcomeQueueFailed, err
		}
		p.log.Info("evidence queued offline",
			logger.String("job_id", rec.JobID),
			logger.String("record_id", rec.ID),
			logger.Bool("breaker_open", !p.breaker.Allow()),
			logger.Bool("healthy", p.monitor.Healthy()))
		return OutcomeQueuedOffline, nil
	}

	if err := p.upload.UploadEvidence(ctx, rec); err != nil {
		p.breaker.RecordFailure()
		p.monitor.RecordFailure()
		// Never lose a capture: the failed upload still lands in the queue.
		if qErr := p.enqueue(ctx, rec, false); qErr != nil {
			return OutcomeQueueFailed, qErr
		}
		p.log.Warn("evidence upload failed, queued for replay",
			logger.String("job_id", rec.JobID),
			logger.String("record_id", rec.ID),
			logger.Error(err))
		return OutcomeQueuedAfterFailure, err
	}

	p.breaker.RecordSuccess()
	p.monitor.RecordSuccess()
	p.addHistory(ctx, rec, true)
	p.log.Debug("evidence uploaded",
		logger.String("job_id", rec.JobID), logger.String("record_id", rec.ID))
	return OutcomeUploaded, nil
}

func (p *Pipeline) buildRecord(task timer.CaptureDue, image []byte) *Record {
	stats := p.host.ActivityStats()
	p.host.ResetActivityStats()

	app := p.host.CurrentApp()
	return &Record{
		ID:               uuid.NewString(),
		JobID:            task.JobID,
		ItemID:           task.PrimaryItemID,
		ActiveItems:      task.ActiveItems,
		Keystrokes:       stats.Keystrokes,
		MouseClicks:      stats.MouseClicks,
		IdleSeconds:      p.host.IdleSeconds(),
		AppName:          app.AppName,
		WindowTitle:      app.WindowTitle,
		CapturedAt:       p.clock.Now(),
		Image:            image,
		DeviceID:         p.host.DeviceID(),
		WallClockSeconds: task.WallClockSeconds,
	}
}

func (p *Pipeline) enqueue(ctx context.Context, rec *Record, synced bool) error {
	if err := p.queue.Enqueue(ctx, rec); err != nil {
		p.log.Error("offline queue insert failed",
			logger.String("record_id", rec.ID), logger.Error(err))
		return err
	}
	p.addHistory(ctx, rec, synced)
	return nil
}

func (p *Pipeline) addHistory(ctx context.Context, rec *Record, synced bool) {
	if p.history == nil {
		return
	}
	entry := HistoryEntry{
		DateKey:         historyDateKey(rec.CapturedAt),
		CapturedAt:      rec.CapturedAt,
		Keystrokes:      rec.Keystrokes,
		MouseClicks:     rec.MouseClicks,
		DurationSeconds: rec.WallClockSeconds,
		Synced:          synced,
	}
	if err := p.history.AddEntry(ctx, entry); err != nil {
		p.log.Warn("history entry write failed", logger.Error(err))
	}
}

package timer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/worklens/trackengine/clock"
	"github.com/worklens/trackengine/logger"
	"github.com/worklens/trackengine/schedule"
)

// Policy rejection errors. These surface as user-facing messages and leave
// all state unchanged.
var (
	// ErrJobDeactivated means the job was administratively deactivated.
	ErrJobDeactivated = errors.New("job is deactivated")
	// ErrScheduleLocked means the item's schedule policy forbids starting now.
	ErrScheduleLocked = errors.New("schedule does not allow starting this item")
	// ErrAnotherJobActive means a different job already holds the wall clock.
	ErrAnotherJobActive = errors.New("another job is already being tracked")
)

// Registry owns every ItemTimer and JobTracker and is the only place their
// state transitions happen. Transitions are synchronous and return effects
// (sync requests, capture tasks) for the caller to execute; the registry
// itself never performs I/O.
type Registry struct {
	mu    sync.Mutex
	clock clock.Clock
	log   logger.Logger

	timers   map[string]*ItemTimer
	trackers map[string]*JobTracker

	// itemOrder preserves start order so the primary active item and
	// capture-due detection are deterministic.
	itemOrder []string
	jobOrder  []string
}

// NewRegistry creates an empty registry.
func NewRegistry(clk clock.Clock, log logger.Logger) *Registry {
	return &Registry{
		clock:    clk,
		log:      log,
		timers:   make(map[string]*ItemTimer),
		trackers: make(map[string]*JobTracker),
	}
}

// StartItem starts (or resumes) tracking for an item under its parent job.
// It enforces, in order: administrative deactivation, the schedule policy,
// and the single-active-job rule. A start on an already-running item is a
// no-op.
func (r *Registry) StartItem(item Item, job Job, decision schedule.Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A start on a running item changes nothing, so it bypasses the gates:
	// a schedule window closing mid-session must not turn a re-click into a
	// rejection.
	if t, ok := r.timers[item.ID]; ok && !t.Paused {
		return nil
	}

	if job.Deactivated {
		return ErrJobDeactivated
	}
	if !decision.CanStart {
		if decision.Reason != "" {
			return fmt.Errorf("%w: %s", ErrScheduleLocked, decision.Reason)
		}
		return ErrScheduleLocked
	}
	if active := r.activeJobLocked(); active != "" && active != item.JobID {
		return ErrAnotherJobActive
	}

	now := r.clock.Now()

	if t, ok := r.timers[item.ID]; ok {
		t.Paused = false
		t.StartedAt = now
		r.ensureTrackerLocked(job, now)
		r.log.Debug("item timer resumed via start",
			logger.String("item_id", item.ID), logger.String("job_id", item.JobID))
		return nil
	}

	r.timers[item.ID] = &ItemTimer{
		ItemID:             item.ID,
		JobID:              item.JobID,
		Name:               item.Name,
		StartedAt:          now,
		AccumulatedSeconds: item.PriorTrackedSeconds,
		IntervalMinutes:    job.ScreenshotIntervalMinutes,
		Mode:               job.Mode,
		ScreenshotEnabled:  job.ScreenshotEnabled,
		ActivityEnabled:    job.ActivityEnabled,
	}
	r.itemOrder = append(r.itemOrder, item.ID)
	r.ensureTrackerLocked(job, now)

	r.log.Info("item timer started",
		logger.String("item_id", item.ID),
		logger.String("job_id", item.JobID),
		logger.Int64("prior_seconds", item.PriorTrackedSeconds))
	return nil
}

// PauseItem folds the live segment into the accumulated total and freezes
// the timer. The returned SyncRequest, if any, carries the new cumulative
// total for a best-effort remote sync.
func (r *Registry) PauseItem(itemID string) *SyncRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[itemID]
	if !ok || t.Paused {
		return nil
	}

	now := r.clock.Now()
	t.AccumulatedSeconds = t.Elapsed(now)
	t.Paused = true
	t.StartedAt = now

	r.pauseTrackerIfIdleLocked(t.JobID, now)

	return &SyncRequest{ItemID: itemID, TotalSeconds: t.AccumulatedSeconds}
}

// ResumeItem unfreezes a paused timer. It is a no-op on absent or running
// timers, and is rejected if a different job holds the wall clock.
func (r *Registry) ResumeItem(itemID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[itemID]
	if !ok || !t.Paused {
		return false, nil
	}
	if active := r.activeJobLocked(); active != "" && active != t.JobID {
		return false, ErrAnotherJobActive
	}

	now := r.clock.Now()
	t.Paused = false
	t.StartedAt = now
	r.unpauseTrackerLocked(t.JobID, now)
	return true, nil
}

// StopItem computes the final total exactly as pause does, removes the timer
// and returns the total for persistence. If this was the last running item
// of its job, the tracker's wall clock is folded and frozen, not deleted.
func (r *Registry) StopItem(itemID string) *SyncRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopItemLocked(itemID, r.clock.Now())
}

func (r *Registry) stopItemLocked(itemID string, now time.Time) *SyncRequest {
	t, ok := r.timers[itemID]
	if !ok {
		return nil
	}

	total := t.Elapsed(now)
	delete(r.timers, itemID)
	r.itemOrder = removeString(r.itemOrder, itemID)
	r.pauseTrackerIfIdleLocked(t.JobID, now)

	r.log.Info("item timer stopped",
		logger.String("item_id", itemID),
		logger.String("job_id", t.JobID),
		logger.Int64("total_seconds", total))
	return &SyncRequest{ItemID: itemID, TotalSeconds: total}
}

// StartJob creates (or unpauses) the job's tracker and starts the given
// items under it. The same policy gates as StartItem apply.
func (r *Registry) StartJob(job Job, items []Item, decision schedule.Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if job.Deactivated {
		return ErrJobDeactivated
	}
	if !decision.CanStart {
		return ErrScheduleLocked
	}
	if active := r.activeJobLocked(); active != "" && active != job.ID {
		return ErrAnotherJobActive
	}

	now := r.clock.Now()
	r.ensureTrackerLocked(job, now)

	for _, item := range items {
		if t, ok := r.timers[item.ID]; ok {
			if t.Paused {
				t.Paused = false
				t.StartedAt = now
			}
			continue
		}
		r.timers[item.ID] = &ItemTimer{
			ItemID:             item.ID,
			JobID:              item.JobID,
			Name:               item.Name,
			StartedAt:          now,
			AccumulatedSeconds: item.PriorTrackedSeconds,
			IntervalMinutes:    job.ScreenshotIntervalMinutes,
			Mode:               job.Mode,
			ScreenshotEnabled:  job.ScreenshotEnabled,
			ActivityEnabled:    job.ActivityEnabled,
		}
		r.itemOrder = append(r.itemOrder, item.ID)
	}
	return nil
}

// PauseJob pauses the job's wall clock and every item currently running
// under it, remembering that set for resume. Sync requests for every folded
// item total are returned.
func (r *Registry) PauseJob(jobID string) []SyncRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	jt, ok := r.trackers[jobID]
	if !ok || jt.Paused {
		return nil
	}

	now := r.clock.Now()
	var syncs []SyncRequest
	var pausedIDs []string

	for _, itemID := range r.itemOrder {
		t := r.timers[itemID]
		if t == nil || t.JobID != jobID || t.Paused {
			continue
		}
		t.AccumulatedSeconds = t.Elapsed(now)
		t.Paused = true
		t.StartedAt = now
		pausedIDs = append(pausedIDs, itemID)
		syncs = append(syncs, SyncRequest{ItemID: itemID, TotalSeconds: t.AccumulatedSeconds})
	}

	jt.WallClockAccumulatedSeconds = jt.WallClockSeconds(now)
	jt.Paused = true
	jt.WallClockStartedAt = now
	jt.PausedItemIDs = pausedIDs

	return syncs
}

// ResumeJob unpauses the job's wall clock and restores exactly the set of
// items that was running at pause time, not more.
func (r *Registry) ResumeJob(jobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jt, ok := r.trackers[jobID]
	if !ok || !jt.Paused {
		return false, nil
	}
	if active := r.activeJobLocked(); active != "" && active != jobID {
		return false, ErrAnotherJobActive
	}

	now := r.clock.Now()
	for _, itemID := range jt.PausedItemIDs {
		t, ok := r.timers[itemID]
		if !ok || !t.Paused {
			continue
		}
		t.Paused = false
		t.StartedAt = now
	}

	jt.Paused = false
	jt.WallClockStartedAt = now
	jt.PausedItemIDs = nil
	return true, nil
}

// StopJob stops every item under the job and deletes the tracker. This is
// the only path, besides Reset, that removes a tracker.
func (r *Registry) StopJob(jobID string) []SyncRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var syncs []SyncRequest
	for _, itemID := range r.itemsOfJobLocked(jobID) {
		if sync := r.stopItemLocked(itemID, now); sync != nil {
			syncs = append(syncs, *sync)
		}
	}

	delete(r.trackers, jobID)
	r.jobOrder = removeString(r.jobOrder, jobID)
	return syncs
}

// ForceStopAll stops every item and deletes every tracker. Used on
// logout/reset.
func (r *Registry) ForceStopAll() []SyncRequest {
	return r.ForceStopAllAt(r.clock.Now())
}

// ForceStopAllAt is ForceStopAll with an explicit cutoff. The midnight
// rollover fail-safe passes the day boundary so no elapsed time is
// attributed past it.
func (r *Registry) ForceStopAllAt(now time.Time) []SyncRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	var syncs []SyncRequest
	for _, itemID := range append([]string(nil), r.itemOrder...) {
		if sync := r.stopItemLocked(itemID, now); sync != nil {
			syncs = append(syncs, *sync)
		}
	}

	r.trackers = make(map[string]*JobTracker)
	r.jobOrder = nil
	return syncs
}

// Advance is called once per tick. For every unpaused tracker with capture
// enabled it checks whether the capture interval elapsed since the last
// capture and, if so, advances the dedup bookkeeping immediately and emits
// one CaptureDue covering all items active under that job. Bookkeeping and
// detection happen atomically under one lock, so a job can never
// double-trigger for the same interval.
func (r *Registry) Advance(now time.Time) []CaptureDue {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []CaptureDue
	for _, jobID := range r.jobOrder {
		jt := r.trackers[jobID]
		if jt == nil || jt.Paused || !jt.ScreenshotEnabled || jt.IntervalMinutes <= 0 {
			continue
		}

		wall := jt.WallClockSeconds(now)
		if wall-jt.LastScreenshotElapsedSeconds < int64(jt.IntervalMinutes)*60 {
			continue
		}
		jt.LastScreenshotElapsedSeconds = wall

		task := CaptureDue{JobID: jobID, WallClockSeconds: wall}
		for _, itemID := range r.itemsOfJobLocked(jobID) {
			t := r.timers[itemID]
			if t.Paused {
				continue
			}
			if task.PrimaryItemID == "" {
				task.PrimaryItemID = itemID
			}
			task.ActiveItems = append(task.ActiveItems, ActiveItem{ID: itemID, Name: t.Name})
		}
		if task.PrimaryItemID == "" {
			// Unpaused tracker with no running items should not happen;
			// skip rather than emit an empty capture.
			continue
		}
		due = append(due, task)
	}
	return due
}

// SnapshotCapture builds an out-of-band capture task for the job without
// touching the interval bookkeeping. Used for admin-triggered remote
// captures delivered via heartbeat responses.
func (r *Registry) SnapshotCapture(jobID string) (CaptureDue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jt, ok := r.trackers[jobID]
	if !ok {
		return CaptureDue{}, false
	}

	task := CaptureDue{JobID: jobID, WallClockSeconds: jt.WallClockSeconds(r.clock.Now())}
	for _, itemID := range r.itemsOfJobLocked(jobID) {
		t := r.timers[itemID]
		if t.Paused {
			continue
		}
		if task.PrimaryItemID == "" {
			task.PrimaryItemID = itemID
		}
		task.ActiveItems = append(task.ActiveItems, ActiveItem{ID: itemID, Name: t.Name})
	}
	if task.PrimaryItemID == "" {
		return CaptureDue{}, false
	}
	return task, true
}

// ItemRunning reports whether the item has an unpaused timer.
func (r *Registry) ItemRunning(itemID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[itemID]
	return ok && !t.Paused
}

// ItemElapsed returns the item's elapsed seconds at this instant.
func (r *Registry) ItemElapsed(itemID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[itemID]
	if !ok {
		return 0, false
	}
	return t.Elapsed(r.clock.Now()), true
}

// WallClockSeconds returns the job's authoritative worked time.
func (r *Registry) WallClockSeconds(jobID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jt, ok := r.trackers[jobID]
	if !ok {
		return 0, false
	}
	return jt.WallClockSeconds(r.clock.Now()), true
}

// LastCaptureElapsed returns the wall-clock value of the job's last capture.
func (r *Registry) LastCaptureElapsed(jobID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jt, ok := r.trackers[jobID]
	if !ok {
		return 0, false
	}
	return jt.LastScreenshotElapsedSeconds, true
}

// ActiveJobID returns the job holding the wall clock, or "" if none.
func (r *Registry) ActiveJobID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeJobLocked()
}

// PrimaryActiveItem returns the earliest-started running item, used as the
// subject of heartbeats.
func (r *Registry) PrimaryActiveItem() (ItemTimer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, itemID := range r.itemOrder {
		t := r.timers[itemID]
		if t != nil && !t.Paused {
			return *t, true
		}
	}
	return ItemTimer{}, false
}

// RunningItems returns a snapshot of all unpaused timers in start order.
func (r *Registry) RunningItems() []ItemTimer {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []ItemTimer
	for _, itemID := range r.itemOrder {
		if t := r.timers[itemID]; t != nil && !t.Paused {
			out = append(out, *t)
		}
	}
	return out
}

// Empty reports whether no timers and no trackers exist, letting the tick
// loop fast-exit.
func (r *Registry) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers) == 0 && len(r.trackers) == 0
}

// activeJobLocked returns the job id of the single unpaused tracker, if any.
func (r *Registry) activeJobLocked() string {
	for _, jobID := range r.jobOrder {
		if jt := r.trackers[jobID]; jt != nil && !jt.Paused {
			return jobID
		}
	}
	return ""
}

func (r *Registry) ensureTrackerLocked(job Job, now time.Time) {
	jt, ok := r.trackers[job.ID]
	if !ok {
		r.trackers[job.ID] = &JobTracker{
			JobID:              job.ID,
			WallClockStartedAt: now,
			IntervalMinutes:    job.ScreenshotIntervalMinutes,
			ScreenshotEnabled:  job.ScreenshotEnabled,
		}
		r.jobOrder = append(r.jobOrder, job.ID)
		return
	}
	if jt.Paused {
		jt.Paused = false
		jt.WallClockStartedAt = now
		jt.PausedItemIDs = nil
	}
}

func (r *Registry) unpauseTrackerLocked(jobID string, now time.Time) {
	jt, ok := r.trackers[jobID]
	if !ok || !jt.Paused {
		return
	}
	jt.Paused = false
	jt.WallClockStartedAt = now
	jt.PausedItemIDs = nil
}

// pauseTrackerIfIdleLocked freezes the job's wall clock once no item under
// it is running. The tracker survives so progress is preserved.
func (r *Registry) pauseTrackerIfIdleLocked(jobID string, now time.Time) {
	jt, ok := r.trackers[jobID]
	if !ok || jt.Paused {
		return
	}
	for _, t := range r.timers {
		if t.JobID == jobID && !t.Paused {
			return
		}
	}
	jt.WallClockAccumulatedSeconds = jt.WallClockSeconds(now)
	jt.Paused = true
	jt.WallClockStartedAt = now
}

func (r *Registry) itemsOfJobLocked(jobID string) []string {
	var ids []string
	for _, itemID := range r.itemOrder {
		if t := r.timers[itemID]; t != nil && t.JobID == jobID {
			ids = append(ids, itemID)
		}
	}
	return ids
}

func removeString(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

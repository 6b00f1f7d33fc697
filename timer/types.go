// Package timer implements the per-item timers and per-job wall-clock
// trackers at the heart of the tracking engine, together with the registry
// that owns them and enforces the single-active-job rule.
package timer

import "time"

// MonitoringMode controls whether the operator is told about captures.
type MonitoringMode string

const (
	// ModeTransparent surfaces tracking notifications to the operator.
	ModeTransparent MonitoringMode = "transparent"
	// ModeStealth suppresses tracking notifications.
	ModeStealth MonitoringMode = "stealth"
)

// Job carries the policy a parent job imposes on its items. The relevant
// fields are copied onto timers and trackers at start time, so later edits
// to the job do not retroactively change a running session.
type Job struct {
	ID   string
	Name string
	// Deactivated jobs reject all starts.
	Deactivated               bool
	ScreenshotIntervalMinutes int
	Mode                      MonitoringMode
	ScreenshotEnabled         bool
	ActivityEnabled           bool
}

// Item is the smallest unit of trackable work.
type Item struct {
	ID    string
	JobID string
	Name  string
	// PriorTrackedSeconds seeds the timer with time banked in earlier
	// sessions.
	PriorTrackedSeconds int64
}

// ItemTimer tracks elapsed running time for one leaf work item.
type ItemTimer struct {
	ItemID string
	JobID  string
	Name   string

	// StartedAt marks the beginning of the current run segment. While
	// paused it is reset so a future resume measures only the new segment.
	StartedAt time.Time
	// AccumulatedSeconds is time banked from completed segments.
	AccumulatedSeconds int64
	Paused             bool

	// Policy copied from the job at start time.
	IntervalMinutes   int
	Mode              MonitoringMode
	ScreenshotEnabled bool
	ActivityEnabled   bool
}

// Elapsed returns total tracked seconds at the given instant. It never drops
// below AccumulatedSeconds and is constant while paused.
func (t *ItemTimer) Elapsed(now time.Time) int64 {
	if t.Paused {
		return t.AccumulatedSeconds
	}
	live := int64(now.Sub(t.StartedAt) / time.Second)
	if live < 0 {
		live = 0
	}
	return t.AccumulatedSeconds + live
}

// JobTracker measures aggregate wall-clock time for one parent job. Multiple
// items running concurrently under the job share this single clock.
type JobTracker struct {
	JobID string

	WallClockStartedAt          time.Time
	WallClockAccumulatedSeconds int64
	// Paused is set once the last running item under the job stops. The
	// tracker is kept, not deleted, so progress survives and resume works.
	Paused bool

	// LastScreenshotElapsedSeconds is the wall-clock value at which the
	// last capture for this job was taken. Capture dedup keys off it.
	LastScreenshotElapsedSeconds int64

	// PausedItemIDs records which items were running when the job was
	// paused, so resume restores exactly that set.
	PausedItemIDs []string

	// Capture policy copied from the job at tracker creation.
	IntervalMinutes   int
	ScreenshotEnabled bool
}

// WallClockSeconds returns how long the job has actually been worked. This
// is authoritative over summing item timers: concurrent items share one
// wall clock, not N independent ones.
func (jt *JobTracker) WallClockSeconds(now time.Time) int64 {
	if jt.Paused {
		return jt.WallClockAccumulatedSeconds
	}
	live := int64(now.Sub(jt.WallClockStartedAt) / time.Second)
	if live < 0 {
		live = 0
	}
	return jt.WallClockAccumulatedSeconds + live
}

// ActiveItem identifies one item running at capture time.
type ActiveItem struct {
	ID   string
	Name string
}

// CaptureDue is emitted by Advance when a job's capture interval elapses.
// One CaptureDue covers every item concurrently active under the job.
type CaptureDue struct {
	JobID         string
	PrimaryItemID string
	ActiveItems   []ActiveItem
	// WallClockSeconds is the job wall-clock value at detection time.
	WallClockSeconds int64
}

// SyncRequest asks the remote collaborator to persist an item's new
// cumulative total. Delivery is best-effort: a lost sync is corrected by the
// next pause or stop, which always carries the full cumulative value.
type SyncRequest struct {
	ItemID       string
	TotalSeconds int64
}

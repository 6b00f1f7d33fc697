// Package evidence implements proof-of-work capture: building evidence
// records from host capabilities and routing each one to exactly one of
// {remote upload, offline queue}. A capture attempt is never discarded.
package evidence

import (
	"context"
	"time"

	"github.com/worklens/trackengine/timer"
)

// Record is one capture payload: a screenshot plus activity counters taken
// at a point in time as proof of work.
type Record struct {
	ID     string `json:"id"`
	JobID  string `json:"job_id"`
	ItemID string `json:"item_id"`
	// ActiveItems is the full set of items concurrently running under the
	// job at capture time.
	ActiveItems []timer.ActiveItem `json:"active_items"`

	Keystrokes  int `json:"keystrokes"`
	MouseClicks int `json:"mouse_clicks"`
	IdleSeconds int `json:"idle_seconds"`

	AppName     string `json:"app_name,omitempty"`
	WindowTitle string `json:"window_title,omitempty"`

	CapturedAt       time.Time `json:"captured_at"`
	Image            []byte    `json:"image"`
	DeviceID         string    `json:"device_id"`
	WallClockSeconds int64     `json:"wall_clock_seconds"`
}

// Uploader sends a record to the remote service.
type Uploader interface {
	UploadEvidence(ctx context.Context, rec *Record) error
}

// Queue durably stores records that could not be uploaded, for later replay.
type Queue interface {
	Enqueue(ctx context.Context, rec *Record) error
}

// HistoryEntry is one row of the user-facing capture history. Both synced
// and not-yet-synced evidence appear, so history reads the same regardless
// of network state.
type HistoryEntry struct {
	DateKey         string
	CapturedAt      time.Time
	Keystrokes      int
	MouseClicks     int
	DurationSeconds int64
	Synced          bool
}

// History records capture entries for the local history cache.
type History interface {
	AddEntry(ctx context.Context, entry HistoryEntry) error
}

// historyDateKey formats the local calendar day a capture belongs to.
func historyDateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// Package api implements the remote service client: heartbeats, evidence
// uploads, activity flushes, per-item time sync, and the side-effect-free
// recovery probe. Every call is individually bounded by a timeout so the
// tick loop is never blocked by slow I/O.
package api

import (
	"context"
	"time"

	"github.com/worklens/trackengine/evidence"
)

// HeartbeatRequest is the lightweight liveness report sent every 30th tick
// while the backend is healthy.
type HeartbeatRequest struct {
	ItemID         string `json:"item_id"`
	JobID          string `json:"job_id"`
	ElapsedSeconds int64  `json:"elapsed_seconds"`
	DeviceID       string `json:"device_id"`
}

// HeartbeatResponse may carry an out-of-band capture instruction
// (admin-triggered remote capture) executed immediately outside the normal
// interval schedule.
type HeartbeatResponse struct {
	CaptureNow bool `json:"capture_now"`
}

// ActivityLogRequest flushes accumulated input counters for one item.
type ActivityLogRequest struct {
	ItemID      string    `json:"item_id"`
	Keystrokes  int       `json:"keystrokes"`
	MouseClicks int       `json:"mouse_clicks"`
	IdleSeconds int       `json:"idle_seconds"`
	RecordedAt  time.Time `json:"recorded_at"`
	DeviceID    string    `json:"device_id"`
}

// Client is the remote API surface the engine depends on. Implementations
// must be safe for concurrent use: uploads, heartbeats, and time syncs run
// on separate goroutines.
type Client interface {
	evidence.Uploader

	// Heartbeat reports liveness and returns any out-of-band instruction.
	Heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResponse, error)
	// LogActivity flushes accumulated activity counters for one item.
	LogActivity(ctx context.Context, req ActivityLogRequest) error
	// SyncItemTime persists an item's new cumulative total. Best-effort:
	// the next pause or stop carries the corrected value regardless.
	SyncItemTime(ctx context.Context, itemID string, totalSeconds int64) error
	// Probe issues a minimal, side-effect-free request used by the health
	// monitor's recovery loop.
	Probe(ctx context.Context) error
}

// Package bridge defines the host capability contract: screenshot capture,
// activity counters, idle detection, and tracking notifications. Desktop
// hosts provide a real implementation; everywhere else the Nop bridge keeps
// call sites unconditional while captures simply never fire.
package bridge

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrCaptureUnavailable is returned when the host cannot take screenshots.
var ErrCaptureUnavailable = errors.New("screenshot capture is not available on this host")

// ActivityStats holds input counters accumulated since the last reset.
type ActivityStats struct {
	Keystrokes  int
	MouseClicks int
}

// AppInfo identifies the foreground application.
type AppInfo struct {
	AppName     string
	WindowTitle string
}

// Bridge is the host capability surface. All calls are best-effort.
type Bridge interface {
	// CaptureScreenshot returns encoded image bytes (PNG) or an error when
	// the host cannot capture.
	CaptureScreenshot(ctx context.Context) ([]byte, error)
	// ActivityStats returns input counters accumulated since the last reset.
	ActivityStats() ActivityStats
	// ResetActivityStats zeroes the accumulated counters.
	ResetActivityStats()
	// IdleSeconds reports how long the operator has been idle.
	IdleSeconds() int
	// DeviceID returns a stable identifier for this device.
	DeviceID() string
	// CurrentApp reports the foreground application, if known.
	CurrentApp() AppInfo
	// NotifyTrackingStarted tells the host UI that tracking began.
	NotifyTrackingStarted(itemName string)
	// NotifyTrackingTick reports total elapsed seconds once per tick.
	NotifyTrackingTick(seconds int64)
	// NotifyTrackingStopped tells the host UI that tracking ended.
	NotifyTrackingStopped()
}

// Nop is the bridge used on hosts without capture capability. Screenshot
// capture fails with ErrCaptureUnavailable; everything else degrades to
// zero values.
type Nop struct {
	deviceID string
}

// NewNop creates a Nop bridge with a generated device identifier.
func NewNop() *Nop {
	return &Nop{deviceID: uuid.NewString()}
}

func (n *Nop) CaptureScreenshot(context.Context) ([]byte, error) {
	return nil, ErrCaptureUnavailable
}

func (n *Nop) ActivityStats() ActivityStats { return ActivityStats{} }
func (n *Nop) ResetActivityStats()          {}
func (n *Nop) IdleSeconds() int             { return 0 }
func (n *Nop) DeviceID() string             { return n.deviceID }
func (n *Nop) CurrentApp() AppInfo          { return AppInfo{} }

func (n *Nop) NotifyTrackingStarted(string) {}
func (n *Nop) NotifyTrackingTick(int64)     {}
func (n *Nop) NotifyTrackingStopped()       {}

// Package schedule defines the read-only schedule-policy contract the engine
// consults before starting a timer. The policy itself (shift windows,
// overtime rules) lives in the host application.
package schedule

import "time"

// Status describes where an item sits relative to its schedule.
type Status string

const (
	// StatusActive means the item is inside its scheduled window.
	StatusActive Status = "active"
	// StatusLocked means the item may not be worked on right now.
	StatusLocked Status = "locked"
	// StatusStartingSoon means the window opens shortly.
	StatusStartingSoon Status = "starting_soon"
	// StatusEnded means the window has closed.
	StatusEnded Status = "ended"
	// StatusOvertime means the window closed but overtime is permitted.
	StatusOvertime Status = "overtime"
	// StatusNoSchedule means no schedule constrains the item.
	StatusNoSchedule Status = "no_schedule"
)

// Decision is the policy's answer for one item at one instant.
type Decision struct {
	Status Status
	// CanStart gates timer start; false is a hard rejection.
	CanStart bool
	// Reason is a user-facing explanation for a rejection.
	Reason string
}

// Policy evaluates whether an item may be started at the given instant.
type Policy interface {
	Evaluate(itemID string, now time.Time) Decision
}

// AllowAll is the permissive default used when the host supplies no policy.
type AllowAll struct{}

// Evaluate always permits starting.
func (AllowAll) Evaluate(string, time.Time) Decision {
	return Decision{Status: StatusNoSchedule, CanStart: true}
}

package supervise

import "time"

// Clock abstracts time for restart scheduling so tests can drive the
// backoff windows deterministically.
type Clock interface {
	// Now returns the current wall time
	Now() time.Time
	// AfterFunc schedules fn to run once after d has elapsed
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a scheduled one-shot callback
type Timer interface {
	// Stop cancels the callback if it has not fired yet
	Stop() bool
}

// systemClock implements Clock on the runtime's timers
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// SystemClock returns the real-time Clock used by default
func SystemClock() Clock { return systemClock{} }

package supervise

import (
	"fmt"
	"time"
)

// State represents the current lifecycle state of a supervised child
type State int

const (
	// StateIdle indicates the child has no live process and is not broken:
	// never started, stopped by an operator, or awaiting a scheduled restart
	StateIdle State = iota
	// StateStarting indicates the child was launched but is still inside
	// its start-delay window
	StateStarting
	// StateRunning indicates the child has been alive longer than its
	// start delay
	StateRunning
	// StateStopping indicates a restart was requested and the child's exit
	// is awaited
	StateStopping
	// StateBroken indicates the child exhausted its start retries and will
	// not be restarted until an operator start
	StateBroken
)

// State string constants
const (
	stateIdleStr     = "idle"
	stateStartingStr = "starting"
	stateRunningStr  = "running"
	stateStoppingStr = "stopping"
	stateBrokenStr   = "broken"
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateStarting:
		return stateStartingStr
	case StateRunning:
		return stateRunningStr
	case StateStopping:
		return stateStoppingStr
	case StateBroken:
		return stateBrokenStr
	default:
		return stateIdleStr
	}
}

// Status is a point-in-time snapshot of one child
type Status struct {
	// Name is the child's configured name
	Name string
	// State is the lifecycle state at snapshot time
	State State
	// PID is the live process ID, zero when no process is running
	PID int
	// Since is the wall time of the last successful launch, zero when no
	// process is running
	Since time.Time
	// Uptime is the time since the last successful launch
	Uptime time.Duration
	// StartCount is the consecutive rapid-failure counter
	StartCount int
	// LastStatus is the exit code of the previous termination
	LastStatus int
}

// Line renders the status in control-protocol form:
// "NAME up UPTIME PID", "NAME fail COUNT", or "NAME down".
func (st Status) Line() string {
	switch {
	case st.PID != 0:
		return fmt.Sprintf("%s up %d %d", st.Name, int(st.Uptime.Seconds()), st.PID)
	case st.State == StateBroken:
		return fmt.Sprintf("%s fail %d", st.Name, st.StartCount)
	default:
		return st.Name + " down"
	}
}

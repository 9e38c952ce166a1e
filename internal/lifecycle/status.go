package lifecycle

import "errors"

// ErrIllegalTransition is returned when a command does not apply to the
// current status, such as a start request while a run is active.
var ErrIllegalTransition = errors.New("illegal state transition")

// Status is the coarse state of the active simulation run.
type Status int

const (
	Idle Status = iota
	Loading
	Starting
	Running
	Error
	Stopping
)

var statusNames = [...]string{
	Idle:     "Idle",
	Loading:  "Loading",
	Starting: "Starting",
	Running:  "Running",
	Error:    "Error",
	Stopping: "Stopping",
}

// String returns the internal status name.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "Unknown"
	}
	return statusNames[s]
}

// External returns the label reported to observers. Loading is reported as
// Starting, so the two never notify twice.
func (s Status) External() string {
	if s == Loading {
		return Starting.String()
	}
	return s.String()
}

// Active reports whether a run is in progress.
func (s Status) Active() bool {
	return s != Idle
}

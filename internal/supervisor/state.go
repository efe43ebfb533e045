package supervisor

import "time"

// State is the lifecycle state of a supervised service. Transitions are
// driven solely by the service's own goroutine so observers always see
// a consistent snapshot.
type State string

const (
	// StateStopped means no child is running and none is scheduled.
	StateStopped State = "stopped"
	// StateStarting means a child was spawned and is inside its liveness window.
	StateStarting State = "starting"
	// StateRunning means the child survived its liveness window.
	StateRunning State = "running"
	// StateStopping means a stop was requested and the child is being terminated.
	StateStopping State = "stopping"
	// StateBackoff means a restart is scheduled after a crash.
	StateBackoff State = "backoff"
	// StateFailed means supervision gave up; only an explicit start revives it.
	StateFailed State = "failed"
)

// Active reports whether the state has (or is about to have) a live child.
func (s State) Active() bool {
	switch s {
	case StateStarting, StateRunning, StateStopping:
		return true
	}
	return false
}

// Status is a point-in-time snapshot of one service.
type Status struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	PID          int       `json:"pid,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	StoppedAt    time.Time `json:"stopped_at,omitempty"`
	ExitCode     int       `json:"exit_code"`
	LastError    string    `json:"last_error,omitempty"`
	Failures     int       `json:"failures"`
	Restarts     int       `json:"restarts"`
	BackoffUntil time.Time `json:"backoff_until,omitempty"`
}

// Event notifies observers of a state transition.
type Event struct {
	Name     string
	From     State
	To       State
	PID      int
	ExitCode int
	Err      error
	At       time.Time
}

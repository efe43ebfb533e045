package supervisor

import (
	"errors"
	"fmt"
)

// ErrRemoved is returned for operations on a service that has been
// removed from supervision.
var ErrRemoved = errors.New("service removed")

// ErrStopInProgress is returned when a start arrives while a stop is
// still terminating the child.
var ErrStopInProgress = errors.New("stop in progress")

// SpawnError wraps a failure to launch the child process.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

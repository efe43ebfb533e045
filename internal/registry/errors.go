package registry

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an operation names a service the
// registry does not hold.
var ErrNotFound = errors.New("service not found")

// ErrDuplicateName is returned when Add is called with a name that is
// already registered.
var ErrDuplicateName = errors.New("service name already registered")

// PersistenceError wraps a failure to flush the registry to disk. The
// in-memory mutation that triggered the flush has been rolled back by
// the time the caller sees this error.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("registry %s: persist failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

package history

import (
	"context"
	"time"
)

// Event is a single service state transition exported to external
// audit systems.
type Event struct {
	OccurredAt time.Time `json:"occurred_at"`
	Name       string    `json:"name"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	PID        int       `json:"pid"`
	ExitCode   int       `json:"exit_code"`
	ExitErr    string    `json:"exit_err,omitempty"`
}

// Sink is a destination for history events. Implementations must be
// safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

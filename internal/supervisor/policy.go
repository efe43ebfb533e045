package supervisor

import "time"

// Policy carries the daemon-wide supervision tunables. A zero value is
// usable; Normalize fills the defaults.
type Policy struct {
	// BackoffBase is the delay before the first automatic restart.
	BackoffBase time.Duration
	// BackoffMax caps the exponential growth of restart delays.
	BackoffMax time.Duration
	// StabilityPeriod is how long a child must stay up for the failure
	// counter to reset on its next exit.
	StabilityPeriod time.Duration
	// StartWindow is the liveness window after spawn; an exit inside it
	// counts as a start failure.
	StartWindow time.Duration
	// StopTimeout is how long a child gets between the stop signal and
	// the kill, unless its definition overrides it.
	StopTimeout time.Duration
	// MaxRestarts bounds consecutive automatic restarts; 0 means unlimited.
	MaxRestarts int
}

const (
	DefaultBackoffBase     = 500 * time.Millisecond
	DefaultBackoffMax      = 30 * time.Second
	DefaultStabilityPeriod = 10 * time.Second
	DefaultStartWindow     = 500 * time.Millisecond
	DefaultStopTimeout     = 10 * time.Second
)

// Normalize fills zero fields with defaults.
func (p *Policy) Normalize() {
	if p.BackoffBase <= 0 {
		p.BackoffBase = DefaultBackoffBase
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = DefaultBackoffMax
	}
	if p.StabilityPeriod <= 0 {
		p.StabilityPeriod = DefaultStabilityPeriod
	}
	if p.StartWindow <= 0 {
		p.StartWindow = DefaultStartWindow
	}
	if p.StopTimeout <= 0 {
		p.StopTimeout = DefaultStopTimeout
	}
}

// backoffDelay returns the delay before restart attempt number
// failures (1-based): base doubled per prior consecutive failure,
// capped at BackoffMax.
func (p Policy) backoffDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := p.BackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

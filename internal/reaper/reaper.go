// Package reaper centralizes collection of child exit statuses. Each
// spawned child gets a waiter goroutine; results funnel through a
// single dispatch loop that routes them to the owning supervisor by
// pid. Exits for pids no supervisor claims anymore are logged and
// discarded so a removal race can never deliver a stale exit.
package reaper

import (
	"errors"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"vawter.tech/stopper"
)

// Exit describes a collected child termination.
type Exit struct {
	Name     string
	PID      int
	ExitCode int
	Err      error
	At       time.Time
}

type owner struct {
	name string
	dst  chan<- Exit
}

// Reaper routes child exits to their owners.
type Reaper struct {
	log     *slog.Logger
	events  chan Exit
	stopped chan struct{}

	mu     sync.Mutex
	owners map[int]owner
}

// New creates a Reaper and starts its dispatch loop on ctx.
func New(ctx *stopper.Context, log *slog.Logger) *Reaper {
	r := &Reaper{
		log:     log,
		events:  make(chan Exit, 64),
		stopped: make(chan struct{}),
		owners:  make(map[int]owner),
	}
	ctx.Go(func(ctx *stopper.Context) error {
		r.dispatch(ctx)
		return nil
	})
	return r
}

// Watch registers dst as the owner of pid and begins waiting on cmd.
// The exit is delivered exactly once unless Forget is called first.
func (r *Reaper) Watch(ctx *stopper.Context, name string, pid int, cmd *exec.Cmd, dst chan<- Exit) {
	r.mu.Lock()
	r.owners[pid] = owner{name: name, dst: dst}
	r.mu.Unlock()

	ctx.Go(func(ctx *stopper.Context) error {
		err := cmd.Wait()
		ev := Exit{Name: name, PID: pid, At: time.Now()}
		var ee *exec.ExitError
		switch {
		case err == nil:
			ev.ExitCode = 0
		case errors.As(err, &ee):
			ev.ExitCode = ee.ExitCode()
		default:
			ev.ExitCode = -1
			ev.Err = err
		}
		select {
		case r.events <- ev:
		case <-r.stopped:
			// Dispatch is gone; deliver directly so a shutdown-time
			// stop can still observe the exit.
			r.deliver(ev)
		}
		return nil
	})
}

// Forget drops the owner registration for pid. A later exit for that
// pid is discarded.
func (r *Reaper) Forget(pid int) {
	r.mu.Lock()
	delete(r.owners, pid)
	r.mu.Unlock()
}

func (r *Reaper) dispatch(ctx *stopper.Context) {
	// On stop, flip waiters to direct delivery and flush anything
	// already queued so no exit is dropped mid-shutdown.
	defer func() {
		close(r.stopped)
		for {
			select {
			case ev := <-r.events:
				r.deliver(ev)
			default:
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Stopping():
			return
		case ev := <-r.events:
			r.deliver(ev)
		}
	}
}

func (r *Reaper) deliver(ev Exit) {
	r.mu.Lock()
	o, ok := r.owners[ev.PID]
	if ok {
		delete(r.owners, ev.PID)
	}
	r.mu.Unlock()
	if !ok || o.name != ev.Name {
		r.log.Debug("discarding exit for unowned pid", "pid", ev.PID, "name", ev.Name, "code", ev.ExitCode)
		return
	}
	o.dst <- ev
}

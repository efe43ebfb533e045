// Package supervisor implements the per-service lifecycle state machine
// and the manager that serializes mutations across services.
//
// Each supervised service is owned by exactly one goroutine. All state
// transitions happen inside that goroutine; control operations are
// messages on a channel, child exits arrive from the central reaper on
// a second channel. Observers read snapshots under a read lock.
package supervisor

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"vawter.tech/stopper"

	"github.com/userservers/userservers/internal/metrics"
	"github.com/userservers/userservers/internal/reaper"
	"github.com/userservers/userservers/internal/service"
)

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdUpdate
	cmdRemove
)

type command struct {
	kind  cmdKind
	def   service.Definition
	wait  bool
	reply chan error
}

// Supervisor runs one service's state machine.
type Supervisor struct {
	name   string
	log    *slog.Logger
	rp     *reaper.Reaper
	pol    Policy
	logDir string
	notify func(Event)
	ring   *service.Ring

	ctrl  chan command
	exits chan reaper.Exit
	done  chan struct{}

	mu  sync.RWMutex
	def service.Definition
	st  Status
}

// New creates a supervisor for def and starts its goroutine on ctx.
// logDir is the fallback directory for child output files when the
// definition configures none. notify may be nil.
func New(ctx *stopper.Context, def service.Definition, pol Policy, rp *reaper.Reaper, log *slog.Logger, ringSize int, logDir string, notify func(Event)) *Supervisor {
	pol.Normalize()
	if notify == nil {
		notify = func(Event) {}
	}
	s := &Supervisor{
		name:   def.Name,
		log:    log.With("service", def.Name),
		rp:     rp,
		pol:    pol,
		logDir: logDir,
		notify: notify,
		ring:   service.NewRing(ringSize),
		ctrl:   make(chan command),
		exits:  make(chan reaper.Exit, 4),
		done:   make(chan struct{}),
		def:    def,
		st:     Status{Name: def.Name, State: StateStopped},
	}
	ctx.Go(func(ctx *stopper.Context) error {
		s.run(ctx)
		return nil
	})
	return s
}

// Start launches the child if it is not already active. Starting from
// Backoff or Failed resets the failure counter.
func (s *Supervisor) Start() error {
	return s.send(command{kind: cmdStart, reply: make(chan error, 1)})
}

// Stop terminates the child. With wait it returns only once the child
// has exited; otherwise it returns after the stop is initiated. Stopping
// an inactive service is a no-op.
func (s *Supervisor) Stop(wait bool) error {
	return s.send(command{kind: cmdStop, wait: wait, reply: make(chan error, 1)})
}

// Update replaces the definition. A running child is unaffected; the
// new definition applies from the next spawn.
func (s *Supervisor) Update(def service.Definition) error {
	return s.send(command{kind: cmdUpdate, def: def, reply: make(chan error, 1)})
}

// Remove gracefully stops the child if needed and shuts the supervisor
// down. After Remove returns, all operations fail with ErrRemoved.
func (s *Supervisor) Remove() error {
	return s.send(command{kind: cmdRemove, reply: make(chan error, 1)})
}

// Status returns a snapshot.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st
}

// Definition returns the current definition.
func (s *Supervisor) Definition() service.Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.def
}

// Ring exposes the in-memory output capture.
func (s *Supervisor) Ring() *service.Ring { return s.ring }

func (s *Supervisor) send(c command) error {
	select {
	case s.ctrl <- c:
	case <-s.done:
		return ErrRemoved
	}
	select {
	case err := <-c.reply:
		return err
	case <-s.done:
		// The loop replies before closing done; drain if it did.
		select {
		case err := <-c.reply:
			return err
		default:
			return ErrRemoved
		}
	}
}

// loop-owned runtime state, never touched outside run().
type runtime struct {
	cmd      *exec.Cmd
	outW     io.WriteCloser
	errW     io.WriteCloser
	liveness *time.Timer
	backoff  *time.Timer
	killT    *time.Timer

	livenessC <-chan time.Time
	backoffC  <-chan time.Time
	killC     <-chan time.Time

	stopWaiters []chan error
	removing    bool
	removeReply chan error
}

func (s *Supervisor) run(ctx *stopper.Context) {
	defer close(s.done)
	rt := &runtime{}
	defer rt.stopTimers()

	for {
		select {
		case <-ctx.Stopping():
			s.shutdown(ctx, rt)
			return
		case c := <-s.ctrl:
			if s.handle(ctx, rt, c) {
				return
			}
		case <-rt.livenessC:
			rt.liveness, rt.livenessC = nil, nil
			s.setState(StateRunning, 0, nil)
		case <-rt.backoffC:
			rt.backoff, rt.backoffC = nil, nil
			s.restartFromBackoff(ctx, rt)
		case <-rt.killC:
			rt.killT, rt.killC = nil, nil
			s.forceKill(rt)
		case ev := <-s.exits:
			if s.handleExit(rt, ev) {
				return
			}
		}
	}
}

func (s *Supervisor) handle(ctx *stopper.Context, rt *runtime, c command) (quit bool) {
	switch c.kind {
	case cmdStart:
		c.reply <- s.handleStart(ctx, rt)
	case cmdStop:
		s.handleStop(rt, c)
	case cmdUpdate:
		s.mu.Lock()
		s.def = c.def
		s.mu.Unlock()
		c.reply <- nil
	case cmdRemove:
		return s.handleRemove(rt, c)
	}
	return false
}

func (s *Supervisor) handleStart(ctx *stopper.Context, rt *runtime) error {
	switch s.state() {
	case StateStarting, StateRunning:
		return nil
	case StateStopping:
		return ErrStopInProgress
	case StateBackoff:
		rt.cancelBackoff()
	}
	// An explicit start wipes the crash bookkeeping.
	s.mu.Lock()
	s.st.Failures = 0
	s.st.BackoffUntil = time.Time{}
	s.mu.Unlock()
	if err := s.spawn(ctx, rt); err != nil {
		s.setState(StateFailed, 0, err)
		return err
	}
	return nil
}

func (s *Supervisor) handleStop(rt *runtime, c command) {
	switch s.state() {
	case StateStopped, StateFailed:
		c.reply <- nil
	case StateBackoff:
		rt.cancelBackoff()
		s.setState(StateStopped, 0, nil)
		c.reply <- nil
	case StateStopping:
		if c.wait {
			rt.stopWaiters = append(rt.stopWaiters, c.reply)
		} else {
			c.reply <- nil
		}
	default: // Starting, Running
		s.beginStop(rt)
		if c.wait {
			rt.stopWaiters = append(rt.stopWaiters, c.reply)
		} else {
			c.reply <- nil
		}
	}
}

func (s *Supervisor) handleRemove(rt *runtime, c command) (quit bool) {
	rt.removing = true
	switch s.state() {
	case StateStopped, StateFailed:
		c.reply <- nil
		return true
	case StateBackoff:
		rt.cancelBackoff()
		s.setState(StateStopped, 0, nil)
		c.reply <- nil
		return true
	case StateStopping:
		rt.removeReply = c.reply
		return false
	default: // Starting, Running
		s.beginStop(rt)
		rt.removeReply = c.reply
		return false
	}
}

// beginStop signals the child's process group and arms the kill timer.
// A pending liveness timer is cancelled first: once a stop is requested
// the service must never advance to Running.
func (s *Supervisor) beginStop(rt *runtime) {
	rt.cancelLiveness()
	pid := s.Status().PID
	s.setState(StateStopping, 0, nil)
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		s.log.Warn("stop signal failed", "pid", pid, "err", err)
	}
	timeout := s.stopTimeout()
	rt.killT = time.NewTimer(timeout)
	rt.killC = rt.killT.C
}

func (s *Supervisor) stopTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.def.StopTimeout > 0 {
		return s.def.StopTimeout
	}
	return s.pol.StopTimeout
}

func (s *Supervisor) forceKill(rt *runtime) {
	pid := s.Status().PID
	if pid == 0 || rt.cmd == nil {
		return
	}
	s.log.Warn("child ignored stop signal, killing", "pid", pid)
	metrics.IncForcedKill(s.name)
	if err := signalGroup(pid, syscall.SIGKILL); err != nil {
		s.log.Warn("kill failed", "pid", pid, "err", err)
	}
}

func (s *Supervisor) spawn(ctx *stopper.Context, rt *runtime) error {
	s.mu.RLock()
	def := s.def
	s.mu.RUnlock()

	cmd := def.BuildCommand()
	lc := def.Log
	if lc.Dir == "" && lc.StdoutPath == "" && lc.StderrPath == "" {
		lc.Dir = s.logDir
	}
	outW, errW, err := lc.Writers(def.Name)
	if err != nil {
		return &SpawnError{Name: def.Name, Err: err}
	}
	if outW != nil {
		cmd.Stdout = io.MultiWriter(s.ring, outW)
	} else {
		cmd.Stdout = s.ring
	}
	if errW != nil {
		cmd.Stderr = io.MultiWriter(s.ring, errW)
	} else {
		cmd.Stderr = s.ring
	}

	if err := cmd.Start(); err != nil {
		closeBoth(outW, errW)
		metrics.IncSpawnFailure(def.Name)
		return &SpawnError{Name: def.Name, Err: err}
	}
	pid := cmd.Process.Pid
	rt.cmd = cmd
	rt.outW, rt.errW = outW, errW
	s.rp.Watch(ctx, def.Name, pid, cmd, s.exits)

	now := time.Now()
	s.mu.Lock()
	s.st.PID = pid
	s.st.StartedAt = now
	s.st.StoppedAt = time.Time{}
	s.st.ExitCode = 0
	s.st.LastError = ""
	s.st.BackoffUntil = time.Time{}
	s.mu.Unlock()
	s.setState(StateStarting, 0, nil)
	metrics.IncStart(def.Name)
	s.log.Info("started", "pid", pid, "command", def.Command)

	rt.liveness = time.NewTimer(s.pol.StartWindow)
	rt.livenessC = rt.liveness.C
	return nil
}

func (s *Supervisor) restartFromBackoff(ctx *stopper.Context, rt *runtime) {
	if err := s.spawn(ctx, rt); err != nil {
		s.log.Warn("restart spawn failed", "err", err)
		s.setState(StateFailed, 0, err)
		return
	}
	s.mu.Lock()
	s.st.Restarts++
	s.mu.Unlock()
	metrics.IncRestart(s.name)
}

// scheduleRestart advances the failure counter and either gives up or
// arms the backoff timer.
func (s *Supervisor) scheduleRestart(rt *runtime, cause error) {
	s.mu.Lock()
	s.st.Failures++
	failures := s.st.Failures
	s.mu.Unlock()

	if s.pol.MaxRestarts > 0 && failures > s.pol.MaxRestarts {
		s.setState(StateFailed, 0, fmt.Errorf("giving up after %d consecutive failures", failures-1))
		return
	}
	delay := s.pol.backoffDelay(failures)
	until := time.Now().Add(delay)
	s.mu.Lock()
	s.st.BackoffUntil = until
	s.mu.Unlock()
	s.setState(StateBackoff, 0, cause)
	metrics.ObserveBackoffDelay(s.name, delay.Seconds())
	s.log.Info("restart scheduled", "delay", delay, "failures", failures)
	rt.backoff = time.NewTimer(delay)
	rt.backoffC = rt.backoff.C
}

func (s *Supervisor) handleExit(rt *runtime, ev reaper.Exit) (quit bool) {
	st := s.Status()
	if ev.PID != st.PID || !st.State.Active() {
		s.log.Debug("ignoring stale exit", "pid", ev.PID)
		return false
	}

	rt.cancelLiveness()
	rt.cancelKill()
	closeBoth(rt.outW, rt.errW)
	rt.cmd, rt.outW, rt.errW = nil, nil, nil

	uptime := ev.At.Sub(st.StartedAt)
	s.mu.Lock()
	s.st.PID = 0
	s.st.ExitCode = ev.ExitCode
	s.st.StoppedAt = ev.At
	if uptime >= s.pol.StabilityPeriod {
		s.st.Failures = 0
	}
	s.mu.Unlock()

	if st.State == StateStopping {
		metrics.IncStop(s.name)
		s.setState(StateStopped, ev.ExitCode, ev.Err)
		s.log.Info("stopped", "exit_code", ev.ExitCode, "uptime", uptime)
		for _, w := range rt.stopWaiters {
			w <- nil
		}
		rt.stopWaiters = nil
		if rt.removing {
			if rt.removeReply != nil {
				rt.removeReply <- nil
			}
			return true
		}
		return false
	}

	// Unrequested exit. Waiters can only be queued while Stopping, but
	// flush any strays so no caller blocks forever.
	for _, w := range rt.stopWaiters {
		w <- nil
	}
	rt.stopWaiters = nil

	// Dying inside the start window is a failed start no matter what
	// the exit code says.
	clean := ev.ExitCode == 0 && ev.Err == nil && st.State != StateStarting
	cause := ev.Err
	if cause == nil && !clean {
		if ev.ExitCode == 0 {
			cause = fmt.Errorf("exited during start window")
		} else {
			cause = fmt.Errorf("exited with code %d", ev.ExitCode)
		}
	}
	s.log.Info("exited", "exit_code", ev.ExitCode, "uptime", uptime, "clean", clean)

	s.mu.RLock()
	policy := s.def.RestartPolicy
	s.mu.RUnlock()

	switch {
	case policy == service.RestartAlways,
		policy == service.RestartOnFailure && !clean:
		s.scheduleRestart(rt, cause)
	case policy == service.RestartOnFailure:
		s.setState(StateStopped, ev.ExitCode, nil)
	default:
		// The never policy treats any unrequested exit as terminal,
		// clean or not.
		if cause == nil {
			cause = fmt.Errorf("exited with code %d without a stop request", ev.ExitCode)
		}
		s.setState(StateFailed, ev.ExitCode, cause)
	}
	return false
}

// shutdown terminates the child synchronously. It runs when the daemon
// itself is stopping, so timers and control traffic no longer matter.
func (s *Supervisor) shutdown(ctx *stopper.Context, rt *runtime) {
	st := s.Status()
	if !st.State.Active() || st.PID == 0 {
		return
	}
	s.log.Info("terminating on shutdown", "pid", st.PID)
	s.setState(StateStopping, 0, nil)
	_ = signalGroup(st.PID, syscall.SIGTERM)
	timeout := time.NewTimer(s.stopTimeout())
	defer timeout.Stop()
	killed := false
	for {
		select {
		case ev := <-s.exits:
			if ev.PID != st.PID {
				continue
			}
			closeBoth(rt.outW, rt.errW)
			s.mu.Lock()
			s.st.PID = 0
			s.st.ExitCode = ev.ExitCode
			s.st.StoppedAt = ev.At
			s.mu.Unlock()
			s.setState(StateStopped, ev.ExitCode, ev.Err)
			for _, w := range rt.stopWaiters {
				w <- nil
			}
			return
		case <-timeout.C:
			if killed {
				// Exit never arrived; do not hold up the daemon.
				s.log.Warn("gave up waiting for killed child", "pid", st.PID)
				s.setState(StateStopped, 0, nil)
				for _, w := range rt.stopWaiters {
					w <- nil
				}
				return
			}
			killed = true
			metrics.IncForcedKill(s.name)
			_ = signalGroup(st.PID, syscall.SIGKILL)
			timeout.Reset(2 * time.Second)
		}
	}
}

func (s *Supervisor) state() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.State
}

// setState records the transition and fans it out to observers.
func (s *Supervisor) setState(to State, exitCode int, cause error) {
	s.mu.Lock()
	from := s.st.State
	if from == to {
		s.mu.Unlock()
		return
	}
	s.st.State = to
	if cause != nil {
		s.st.LastError = cause.Error()
	}
	pid := s.st.PID
	s.mu.Unlock()

	metrics.RecordStateTransition(s.name, string(from), string(to))
	metrics.SetCurrentState(s.name, string(from), false)
	metrics.SetCurrentState(s.name, string(to), true)
	s.notify(Event{
		Name:     s.name,
		From:     from,
		To:       to,
		PID:      pid,
		ExitCode: exitCode,
		Err:      cause,
		At:       time.Now(),
	})
}

func (rt *runtime) cancelLiveness() {
	if rt.liveness != nil {
		rt.liveness.Stop()
		rt.liveness, rt.livenessC = nil, nil
	}
}

func (rt *runtime) cancelBackoff() {
	if rt.backoff != nil {
		rt.backoff.Stop()
		rt.backoff, rt.backoffC = nil, nil
	}
}

func (rt *runtime) cancelKill() {
	if rt.killT != nil {
		rt.killT.Stop()
		rt.killT, rt.killC = nil, nil
	}
}

func (rt *runtime) stopTimers() {
	rt.cancelLiveness()
	rt.cancelBackoff()
	rt.cancelKill()
}

func closeBoth(a, b io.WriteCloser) {
	if a != nil {
		_ = a.Close()
	}
	if b != nil {
		_ = b.Close()
	}
}

package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"vawter.tech/stopper"

	"github.com/userservers/userservers/internal/history"
	"github.com/userservers/userservers/internal/reaper"
	"github.com/userservers/userservers/internal/registry"
	"github.com/userservers/userservers/internal/service"
)

// sinkTimeout bounds a single history export so a slow sink cannot
// stall anything else.
const sinkTimeout = 5 * time.Second

// Info pairs a service's definition with its live status.
type Info struct {
	Definition service.Definition `json:"definition"`
	Status     Status             `json:"status"`
}

// Manager owns all supervisors and is the single entry point for
// mutations. Mutations are serialized under opMu so concurrent control
// requests observe a total order; reads take snapshots under mu.
type Manager struct {
	log      *slog.Logger
	reg      *registry.Registry
	rp       *reaper.Reaper
	pol      Policy
	ringSize int
	logDir   string
	sinks    []history.Sink
	ctx      *stopper.Context

	opMu sync.Mutex
	mu   sync.RWMutex
	ents map[string]*Supervisor
}

// ManagerConfig collects the manager's dependencies.
type ManagerConfig struct {
	Registry *registry.Registry
	Policy   Policy
	Logger   *slog.Logger
	Sinks    []history.Sink
	RingSize int
	// LogDir is the fallback directory for child output files of
	// definitions that configure no log destination of their own.
	LogDir string
}

// NewManager builds a manager on ctx and creates a stopped supervisor
// for every definition already in the registry.
func NewManager(ctx *stopper.Context, cfg ManagerConfig) *Manager {
	cfg.Policy.Normalize()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		log:      cfg.Logger,
		reg:      cfg.Registry,
		rp:       reaper.New(ctx, cfg.Logger),
		pol:      cfg.Policy,
		ringSize: cfg.RingSize,
		logDir:   cfg.LogDir,
		sinks:    cfg.Sinks,
		ctx:      ctx,
		ents:     make(map[string]*Supervisor),
	}
	for _, def := range cfg.Registry.All() {
		m.ents[def.Name] = m.newSupervisor(def)
	}
	return m
}

func (m *Manager) newSupervisor(def service.Definition) *Supervisor {
	return New(m.ctx, def, m.pol, m.rp, m.log, m.ringSize, m.logDir, m.onEvent)
}

// Add validates, persists, and registers a new service. The service is
// not started; use Start or the Autostart flag.
func (m *Manager) Add(def service.Definition) error {
	def.Normalize()
	if err := def.Validate(); err != nil {
		return err
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if err := m.reg.Add(def); err != nil {
		return err
	}
	m.mu.Lock()
	m.ents[def.Name] = m.newSupervisor(def)
	m.mu.Unlock()
	m.log.Info("service added", "service", def.Name)
	return nil
}

// Edit replaces a definition. A running child keeps its old definition
// until its next spawn.
func (m *Manager) Edit(def service.Definition) error {
	def.Normalize()
	if err := def.Validate(); err != nil {
		return err
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	sup, err := m.lookup(def.Name)
	if err != nil {
		return err
	}
	if err := m.reg.Edit(def); err != nil {
		return err
	}
	if err := sup.Update(def); err != nil {
		return err
	}
	m.log.Info("service updated", "service", def.Name)
	return nil
}

// Remove gracefully stops the service, then deletes it from the
// registry. If the deletion cannot be persisted the service stays
// registered, stopped.
func (m *Manager) Remove(name string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	sup, err := m.lookup(name)
	if err != nil {
		return err
	}
	if err := sup.Remove(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.ents, name)
	m.mu.Unlock()
	if err := m.reg.Remove(name); err != nil {
		// Keep memory consistent with disk: resurrect as stopped.
		def, gerr := m.reg.Get(name)
		if gerr == nil {
			m.mu.Lock()
			m.ents[name] = m.newSupervisor(def)
			m.mu.Unlock()
		}
		return err
	}
	m.log.Info("service removed", "service", name)
	return nil
}

// Start launches the named service.
func (m *Manager) Start(name string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	sup, err := m.lookup(name)
	if err != nil {
		return err
	}
	return sup.Start()
}

// Stop terminates the named service's child. With wait it blocks until
// the child has exited.
func (m *Manager) Stop(name string, wait bool) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	sup, err := m.lookup(name)
	if err != nil {
		return err
	}
	return sup.Stop(wait)
}

// Restart stops the child, waits for the exit, and starts it again.
func (m *Manager) Restart(name string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	sup, err := m.lookup(name)
	if err != nil {
		return err
	}
	if err := sup.Stop(true); err != nil {
		return err
	}
	return sup.Start()
}

// Status returns the live status of one service.
func (m *Manager) Status(name string) (Status, error) {
	sup, err := m.lookup(name)
	if err != nil {
		return Status{}, err
	}
	return sup.Status(), nil
}

// Get returns one service's definition and status.
func (m *Manager) Get(name string) (Info, error) {
	sup, err := m.lookup(name)
	if err != nil {
		return Info{}, err
	}
	return Info{Definition: sup.Definition(), Status: sup.Status()}, nil
}

// List returns every service sorted by name.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sups := make([]*Supervisor, 0, len(m.ents))
	for _, s := range m.ents {
		sups = append(sups, s)
	}
	m.mu.RUnlock()
	out := make([]Info, 0, len(sups))
	for _, s := range sups {
		out = append(out, Info{Definition: s.Definition(), Status: s.Status()})
	}
	sortInfos(out)
	return out
}

// Logs returns the buffered recent output of the named service.
func (m *Manager) Logs(name string) ([]byte, error) {
	sup, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return sup.Ring().Tail(), nil
}

// SubscribeLogs streams output chunks written after the call. The
// cancel function releases the subscription.
func (m *Manager) SubscribeLogs(name string) (<-chan []byte, func(), error) {
	sup, err := m.lookup(name)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := sup.Ring().Subscribe()
	return ch, cancel, nil
}

// Autostart launches every service whose definition requests it.
// Failures are logged, not fatal; remaining services still start.
func (m *Manager) Autostart() {
	for _, info := range m.List() {
		if !info.Definition.Autostart {
			continue
		}
		if err := m.Start(info.Definition.Name); err != nil {
			m.log.Warn("autostart failed", "service", info.Definition.Name, "err", err)
		}
	}
}

// ApplyExternal reconciles an externally edited registry file. New
// entries are registered stopped, changed entries are updated, and
// deletions are honored only for inactive services so a text edit can
// never kill a running child.
func (m *Manager) ApplyExternal(entries map[string]service.Definition) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	accepted := make(map[string]service.Definition, len(entries))
	m.mu.Lock()
	for name, sup := range m.ents {
		def, ok := entries[name]
		if !ok {
			if sup.Status().State.Active() {
				m.log.Warn("external edit removed a running service, keeping it", "service", name)
				accepted[name] = sup.Definition()
				continue
			}
			delete(m.ents, name)
			_ = sup.Remove()
			m.log.Info("service removed by external edit", "service", name)
			continue
		}
		accepted[name] = def
		if err := sup.Update(def); err != nil {
			m.log.Warn("external update failed", "service", name, "err", err)
		}
	}
	for name, def := range entries {
		if _, ok := m.ents[name]; ok {
			continue
		}
		m.ents[name] = m.newSupervisor(def)
		accepted[name] = def
		m.log.Info("service added by external edit", "service", name)
	}
	m.mu.Unlock()

	m.reg.Reload(accepted)
}

// Close releases the history sinks. Supervisors are shut down by
// stopping the stopper context they run on.
func (m *Manager) Close() {
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			m.log.Warn("history sink close failed", "err", err)
		}
	}
}

func (m *Manager) lookup(name string) (*Supervisor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sup, ok := m.ents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, name)
	}
	return sup, nil
}

func (m *Manager) onEvent(ev Event) {
	if len(m.sinks) == 0 {
		return
	}
	he := history.Event{
		OccurredAt: ev.At,
		Name:       ev.Name,
		From:       string(ev.From),
		To:         string(ev.To),
		PID:        ev.PID,
		ExitCode:   ev.ExitCode,
	}
	if ev.Err != nil {
		he.ExitErr = ev.Err.Error()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		for _, s := range m.sinks {
			if err := s.Send(ctx, he); err != nil {
				m.log.Warn("history sink send failed", "err", err)
			}
		}
	}()
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Definition.Name < infos[j].Definition.Name
	})
}

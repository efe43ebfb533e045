// Package userservers is the embeddable facade over the supervision
// engine. The daemon binary is a thin wrapper around it; programs that
// want in-process service supervision can use it directly.
package userservers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"vawter.tech/stopper"

	"github.com/userservers/userservers/internal/config"
	"github.com/userservers/userservers/internal/history"
	"github.com/userservers/userservers/internal/history/factory"
	"github.com/userservers/userservers/internal/metrics"
	"github.com/userservers/userservers/internal/registry"
	"github.com/userservers/userservers/internal/server"
	"github.com/userservers/userservers/internal/service"
	"github.com/userservers/userservers/internal/supervisor"
	"github.com/userservers/userservers/internal/xdg"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Definition = service.Definition

type RestartPolicy = service.RestartPolicy

const (
	RestartNever     = service.RestartNever
	RestartOnFailure = service.RestartOnFailure
	RestartAlways    = service.RestartAlways
)

type Status = supervisor.Status

type Info = supervisor.Info

type Policy = supervisor.Policy

type Config = config.Config

type HistorySink = history.Sink

// Manager is a facade over the supervision engine. It owns the
// goroutine lifecycle of everything it starts.
type Manager struct {
	inner *supervisor.Manager
	reg   *registry.Registry
	sctx  *stopper.Context
	log   *slog.Logger
}

// ManagerOptions configures New.
type ManagerOptions struct {
	// ServicesFile is the persisted registry path. Empty resolves to
	// the per-user default.
	ServicesFile string
	Policy       Policy
	Logger       *slog.Logger
	// HistoryDSN wires an optional lifecycle event sink.
	HistoryDSN string
	// RingSize bounds the in-memory output capture per service.
	RingSize int
	// LogDir is the fallback directory for child output files when a
	// definition configures no log destination. Empty disables file
	// capture for such services.
	LogDir string
	// WatchRegistry reconciles external edits of the services file.
	WatchRegistry bool
}

// New opens the registry and builds a manager with a stopped supervisor
// for every persisted service.
func New(opts ManagerOptions) (*Manager, error) {
	if opts.ServicesFile == "" {
		opts.ServicesFile = xdg.ServicesFile()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	reg, err := registry.Open(opts.ServicesFile)
	if err != nil {
		return nil, err
	}
	var sinks []history.Sink
	if opts.HistoryDSN != "" {
		sink, err := factory.NewSinkFromDSN(opts.HistoryDSN)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	sctx := stopper.WithContext(context.Background())
	inner := supervisor.NewManager(sctx, supervisor.ManagerConfig{
		Registry: reg,
		Policy:   opts.Policy,
		Logger:   opts.Logger,
		Sinks:    sinks,
		RingSize: opts.RingSize,
		LogDir:   opts.LogDir,
	})
	m := &Manager{inner: inner, reg: reg, sctx: sctx, log: opts.Logger}
	if opts.WatchRegistry {
		if err := reg.Watch(sctx, opts.Logger, inner.ApplyExternal); err != nil {
			sctx.Stop(time.Second)
			_ = sctx.Wait()
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) Add(def Definition) error           { return m.inner.Add(def) }
func (m *Manager) Edit(def Definition) error          { return m.inner.Edit(def) }
func (m *Manager) Remove(name string) error           { return m.inner.Remove(name) }
func (m *Manager) Start(name string) error            { return m.inner.Start(name) }
func (m *Manager) Stop(name string, wait bool) error  { return m.inner.Stop(name, wait) }
func (m *Manager) Restart(name string) error          { return m.inner.Restart(name) }
func (m *Manager) Status(name string) (Status, error) { return m.inner.Status(name) }
func (m *Manager) Get(name string) (Info, error)      { return m.inner.Get(name) }
func (m *Manager) List() []Info                       { return m.inner.List() }
func (m *Manager) Logs(name string) ([]byte, error)   { return m.inner.Logs(name) }
func (m *Manager) Autostart()                         { m.inner.Autostart() }

// SubscribeLogs streams output chunks written after the call.
func (m *Manager) SubscribeLogs(name string) (<-chan []byte, func(), error) {
	return m.inner.SubscribeLogs(name)
}

// Shutdown gracefully stops every running child and releases all
// goroutines. grace bounds how long cleanup callbacks may take after
// the children are down.
func (m *Manager) Shutdown(grace time.Duration) error {
	m.sctx.Stop(grace)
	err := m.sctx.Wait()
	m.inner.Close()
	return err
}

// NewRouter returns HTTP handlers for the control API, mountable in any
// mux. basePath defaults to "/api".
func NewRouter(m *Manager, basePath string, log *slog.Logger) http.Handler {
	return server.NewRouter(m.inner, basePath, log).Handler()
}

// NewControlServer builds the daemon's control API server.
func NewControlServer(m *Manager, log *slog.Logger) *server.Server {
	return server.New(m.inner, "/api", log)
}

// LoadConfig reads the daemon TOML configuration; an empty path yields
// per-user defaults.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using
// the default registry. It blocks in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return srv.ListenAndServe()
}

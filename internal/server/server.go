package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/userservers/userservers/internal/supervisor"
)

// Server runs the control API on a listener, normally the daemon's
// unix socket.
type Server struct {
	srv  *http.Server
	log  *slog.Logger
	path string
}

// New builds a server around the router. basePath defaults to "/api".
func New(mgr *supervisor.Manager, basePath string, log *slog.Logger) *Server {
	r := NewRouter(mgr, basePath, log)
	return &Server{
		srv: &http.Server{
			Handler:           r.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		log: log,
	}
}

// ServeUnix listens on the unix socket at path and serves until
// Shutdown. It returns http.ErrServerClosed after a clean shutdown.
func (s *Server) ServeUnix(path string) error {
	ln, err := ListenUnix(path)
	if err != nil {
		return err
	}
	s.path = path
	s.log.Info("control socket ready", "path", path)
	return s.srv.Serve(ln)
}

// Serve serves on a caller-provided listener, for tests and embedders.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown drains in-flight requests and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if s.path != "" {
		if rerr := os.Remove(s.path); rerr != nil && !os.IsNotExist(rerr) {
			s.log.Warn("socket cleanup failed", "path", s.path, "err", rerr)
		}
	}
	return err
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/userservers/userservers"
	"github.com/userservers/userservers/internal/logger"
)

const shutdownGrace = 5 * time.Second

type serveFlags struct {
	configPath string
	socket     string
	daemonize  bool
	pidFile    string
	logFile    string
	logLevel   string
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the supervisor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(f)
		},
	}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "TOML configuration file")
	cmd.Flags().StringVar(&f.socket, "socket", "", "control socket path (overrides config)")
	cmd.Flags().BoolVarP(&f.daemonize, "daemonize", "d", false, "detach and run in the background")
	cmd.Flags().StringVar(&f.pidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&f.logFile, "logfile", "", "redirect daemon output to this file")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn, or error (overrides config)")
	return cmd
}

func runServe(f serveFlags) error {
	if f.daemonize {
		if err := daemonize(f.pidFile, f.logFile); err != nil {
			return err
		}
	}

	cfg, err := userservers.LoadConfig(f.configPath)
	if err != nil {
		return err
	}
	if f.socket != "" {
		cfg.Socket = f.socket
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}

	log := logger.New(cfg.LogLevel, f.logFile == "" && os.Getppid() != 1)

	mgr, err := userservers.New(userservers.ManagerOptions{
		ServicesFile:  cfg.ServicesFile,
		Policy:        cfg.Policy(),
		Logger:        log,
		HistoryDSN:    cfg.History.DSN,
		LogDir:        cfg.LogDir,
		WatchRegistry: true,
	})
	if err != nil {
		return err
	}
	log.Info("daemon starting", "services_file", cfg.ServicesFile, "socket", cfg.Socket)

	if cfg.Metrics.Enabled {
		if err := userservers.RegisterMetricsDefault(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		go func() {
			if err := userservers.ServeMetrics(cfg.Metrics.Listen); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "addr", cfg.Metrics.Listen, "err", err)
			}
		}()
		log.Info("metrics enabled", "addr", cfg.Metrics.Listen)
	}

	srv := userservers.NewControlServer(mgr, log)
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ServeUnix(cfg.Socket); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	mgr.Autostart()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		log.Error("control server failed", "err", err)
		_ = mgr.Shutdown(shutdownGrace)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("control server shutdown", "err", err)
	}
	if err := mgr.Shutdown(shutdownGrace); err != nil {
		log.Warn("supervisor shutdown", "err", err)
	}
	if err := removePidFile(f.pidFile); err != nil && !os.IsNotExist(err) {
		log.Warn("pid file cleanup failed", "err", err)
	}
	log.Info("daemon stopped")
	return nil
}

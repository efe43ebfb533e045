//go:build unix

package server

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// ListenUnix creates the control socket. A leftover socket file from a
// crashed daemon is removed after verifying nothing answers on it; a
// live daemon on the same path is an error.
func ListenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		conn, derr := net.DialTimeout("unix", path, time.Second)
		if derr == nil {
			_ = conn.Close()
			return nil, fmt.Errorf("socket %s is in use, is another daemon running?", path)
		}
		if rerr := os.Remove(path); rerr != nil {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, rerr)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	// Only the owning user may drive the daemon.
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return ln, nil
}

// Package xdg resolves the per-user paths the daemon works with: the
// control socket, the persisted service registry, and the default log
// directory. Resolution follows the XDG base directory conventions with
// conservative fallbacks for systems without a user runtime directory.
package xdg

import (
	"fmt"
	"os"
	"path/filepath"
)

// servicesFileName is the registry file kept under the user config dir.
const servicesFileName = "userserversd_services.json"

// socketFileName is the control socket created under the runtime dir.
const socketFileName = "userserversd.sock"

// RuntimeDir returns the directory for runtime artifacts such as the
// control socket. It prefers $XDG_RUNTIME_DIR, then /run/user/<uid>,
// and finally a per-user directory under /tmp.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	uid := os.Getuid()
	runDir := fmt.Sprintf("/run/user/%d", uid)
	if st, err := os.Stat(runDir); err == nil && st.IsDir() {
		return runDir
	}
	return fmt.Sprintf("/tmp/userservers-%d", uid)
}

// SocketPath returns the default control socket path.
func SocketPath() string {
	return filepath.Join(RuntimeDir(), socketFileName)
}

// ConfigDir returns the directory holding the persisted registry. It
// prefers $XDG_CONFIG_HOME, then ~/.config, then the home directory
// itself.
func ConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	cfg := filepath.Join(home, ".config")
	if st, err := os.Stat(cfg); err == nil && st.IsDir() {
		return cfg
	}
	return home
}

// ServicesFile returns the default path of the persisted registry.
func ServicesFile() string {
	return filepath.Join(ConfigDir(), servicesFileName)
}

// StateDir returns the base directory for long-lived daemon state such
// as rotated service logs. It prefers $XDG_STATE_HOME, falling back to
// ~/.local/state.
func StateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "userserversd")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "userserversd")
	}
	return filepath.Join(home, ".local", "state", "userserversd")
}

// LogDir returns the default directory for captured child output.
func LogDir() string {
	return filepath.Join(StateDir(), "log")
}

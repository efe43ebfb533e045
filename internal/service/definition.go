package service

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/userservers/userservers/internal/logger"
)

// RestartPolicy decides what happens after a supervised child exits
// without an operator-issued stop.
type RestartPolicy string

const (
	// RestartNever leaves the service down after any unrequested exit.
	RestartNever RestartPolicy = "never"
	// RestartOnFailure schedules a restart only after an abnormal exit.
	RestartOnFailure RestartPolicy = "on-failure"
	// RestartAlways schedules a restart after every unrequested exit.
	RestartAlways RestartPolicy = "always"
)

// Valid reports whether p is one of the known policies.
func (p RestartPolicy) Valid() bool {
	switch p {
	case RestartNever, RestartOnFailure, RestartAlways:
		return true
	}
	return false
}

// Definition describes a service to be supervised. It is the unit persisted
// by the registry and carried over the control protocol.
type Definition struct {
	Name          string            `json:"name" mapstructure:"name"`
	Command       string            `json:"command" mapstructure:"command"`
	Args          []string          `json:"args,omitempty" mapstructure:"args"`
	WorkDir       string            `json:"working_directory,omitempty" mapstructure:"working_directory"`
	Env           map[string]string `json:"environment,omitempty" mapstructure:"environment"`
	RestartPolicy RestartPolicy     `json:"restart_policy" mapstructure:"restart_policy"`
	Autostart     bool              `json:"autostart" mapstructure:"autostart"`
	StopTimeout   time.Duration     `json:"stop_timeout,omitempty" mapstructure:"stop_timeout"`
	Log           logger.Config     `json:"log" mapstructure:"log"`
}

// ValidationError reports a definition field that failed validation.
// It is never persisted and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid definition: %s: %s", e.Field, e.Reason)
}

// Normalize fills defaults for optional fields. It is applied before
// validation on every write path.
func (d *Definition) Normalize() {
	if d.RestartPolicy == "" {
		d.RestartPolicy = RestartNever
	}
}

// Validate checks the definition for use as a registry entry. The name is
// used to derive log and state file paths, so its charset is restricted.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if !ValidName(d.Name) {
		return &ValidationError{Field: "name", Reason: "allowed characters are [A-Za-z0-9._-], no path separators or '..'"}
	}
	if strings.TrimSpace(d.Command) == "" {
		return &ValidationError{Field: "command", Reason: "must not be empty"}
	}
	if !d.RestartPolicy.Valid() {
		return &ValidationError{Field: "restart_policy", Reason: fmt.Sprintf("unknown policy %q", d.RestartPolicy)}
	}
	if d.StopTimeout < 0 {
		return &ValidationError{Field: "stop_timeout", Reason: "must not be negative"}
	}
	for k := range d.Env {
		if k == "" || strings.ContainsRune(k, '=') {
			return &ValidationError{Field: "environment", Reason: fmt.Sprintf("invalid variable name %q", k)}
		}
	}
	return nil
}

// ValidName validates service names to avoid path traversal when they are
// used in file names.
func ValidName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// BuildCommand constructs an *exec.Cmd for the definition. The child inherits
// the daemon environment with the definition's environment merged on top, and
// is placed in its own process group so stop signals reach the whole tree.
func (d *Definition) BuildCommand() *exec.Cmd {
	// #nosec G204 -- command comes from a validated, operator-owned definition
	cmd := exec.Command(d.Command, d.Args...)
	if d.WorkDir != "" {
		cmd.Dir = d.WorkDir
	} else if home, err := os.UserHomeDir(); err == nil {
		cmd.Dir = home
	}
	cmd.Env = MergeEnv(os.Environ(), d.Env)
	setProcAttr(cmd)
	return cmd
}

// MergeEnv overlays the definition environment on the inherited one.
// Overrides win over inherited entries; the result is sorted for stable
// comparison in tests.
func MergeEnv(inherited []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(inherited)+len(overrides))
	for _, kv := range inherited {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

package client

import "time"

// Definition describes a service as carried over the control protocol.
type Definition struct {
	Name          string            `json:"name"`
	Command       string            `json:"command"`
	Args          []string          `json:"args,omitempty"`
	WorkDir       string            `json:"working_directory,omitempty"`
	Env           map[string]string `json:"environment,omitempty"`
	RestartPolicy string            `json:"restart_policy,omitempty"`
	Autostart     bool              `json:"autostart"`
	StopTimeout   time.Duration     `json:"stop_timeout,omitempty"`
	Log           LogConfig         `json:"log"`
}

// LogConfig selects file destinations for captured output.
type LogConfig struct {
	Dir        string `json:"dir,omitempty"`
	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// Status is the live state of one service.
type Status struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	PID          int       `json:"pid,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	StoppedAt    time.Time `json:"stopped_at,omitempty"`
	ExitCode     int       `json:"exit_code"`
	LastError    string    `json:"last_error,omitempty"`
	Failures     int       `json:"failures"`
	Restarts     int       `json:"restarts"`
	BackoffUntil time.Time `json:"backoff_until,omitempty"`
}

// ServiceInfo pairs a definition with its status in list responses.
type ServiceInfo struct {
	Definition Definition `json:"definition"`
	Status     Status     `json:"status"`
}

// ServiceDetail is the status response for a single service, including
// the daemon's buffered recent output.
type ServiceDetail struct {
	Definition Definition `json:"definition"`
	Status     Status     `json:"status"`
	Logs       string     `json:"logs"`
}

// APIError is a structured error returned by the daemon.
type APIError struct {
	Kind       string `json:"kind"`
	Message    string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Error kinds as carried in APIError.Kind.
const (
	KindValidation  = "validation"
	KindDuplicate   = "duplicate"
	KindNotFound    = "not_found"
	KindSpawn       = "spawn"
	KindPersistence = "persistence"
	KindProtocol    = "protocol"
	KindInternal    = "internal"
)

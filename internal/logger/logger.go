package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for captured child output.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes log destinations for a supervised child. If
// StdoutPath/StderrPath are empty and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log. Rotation parameters
// follow lumberjack semantics.
type Config struct {
	Dir        string `json:"dir,omitempty" mapstructure:"dir"`
	StdoutPath string `json:"stdout_path,omitempty" mapstructure:"stdout_path"`
	StderrPath string `json:"stderr_path,omitempty" mapstructure:"stderr_path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups,omitempty" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days,omitempty" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress,omitempty" mapstructure:"compress"`
}

// Writers returns io.WriteClosers for the child's stdout and stderr.
// Either writer may be nil when no destination is configured.
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = &lj.Logger{
			Filename:   stdout,
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
	}
	if stderr != "" {
		errW = &lj.Logger{
			Filename:   stderr,
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
	}
	return outW, errW, nil
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// New builds the daemon's slog.Logger. Colors are only enabled for
// interactive foreground runs.
func New(level string, color bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if color {
		return slog.New(NewColorTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package factory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/userservers/userservers/internal/history"
)

func TestSQLiteDSNVariants(t *testing.T) {
	dir := t.TempDir()
	for _, dsn := range []string{
		filepath.Join(dir, "plain.db"),
		"sqlite://" + filepath.Join(dir, "prefixed.db"),
	} {
		sink, err := NewSinkFromDSN(dsn)
		if err != nil {
			t.Fatalf("DSN %q rejected: %v", dsn, err)
		}
		e := history.Event{OccurredAt: time.Now().UTC(), Name: "x", From: "stopped", To: "starting", PID: 1}
		if err := sink.Send(context.Background(), e); err != nil {
			t.Fatalf("Send via %q failed: %v", dsn, err)
		}
		if err := sink.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}
}

func TestRejectedDSNs(t *testing.T) {
	for _, dsn := range []string{"", "   ", "redis://localhost:6379"} {
		if _, err := NewSinkFromDSN(dsn); err == nil {
			t.Errorf("DSN %q should be rejected", dsn)
		}
	}
}

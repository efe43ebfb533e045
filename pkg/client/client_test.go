package client

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"vawter.tech/stopper"

	"github.com/userservers/userservers/internal/registry"
	"github.com/userservers/userservers/internal/server"
	"github.com/userservers/userservers/internal/supervisor"
)

func newTestDaemon(t *testing.T) *Client {
	t.Helper()
	sctx := stopper.WithContext(context.Background())
	t.Cleanup(func() {
		sctx.Stop(3 * time.Second)
		_ = sctx.Wait()
	})
	reg, err := registry.Open(filepath.Join(t.TempDir(), "services.json"))
	require.NoError(t, err)
	mgr := supervisor.NewManager(sctx, supervisor.ManagerConfig{
		Registry: reg,
		Policy: supervisor.Policy{
			BackoffBase: 50 * time.Millisecond,
			StartWindow: 50 * time.Millisecond,
			StopTimeout: time.Second,
		},
		Logger: slog.Default(),
	})
	ts := httptest.NewServer(server.NewRouter(mgr, "/api", slog.Default()).Handler())
	t.Cleanup(ts.Close)
	return New(Config{BaseURL: ts.URL + "/api", Timeout: 30 * time.Second})
}

func sleepDef(name string) Definition {
	return Definition{
		Name:          name,
		Command:       "/bin/sh",
		Args:          []string{"-c", "sleep 30"},
		RestartPolicy: "never",
	}
}

func TestClientRoundTrip(t *testing.T) {
	c := newTestDaemon(t)
	ctx := context.Background()

	require.True(t, c.IsReachable(ctx))

	require.NoError(t, c.Add(ctx, sleepDef("svc")))

	infos, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "svc", infos[0].Definition.Name)
	require.Equal(t, "stopped", infos[0].Status.State)

	require.NoError(t, c.Start(ctx, "svc"))
	require.Eventually(t, func() bool {
		d, err := c.Status(ctx, "svc")
		return err == nil && d.Status.State == "running"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, c.Restart(ctx, "svc"))
	require.NoError(t, c.Stop(ctx, "svc", true))
	d, err := c.Status(ctx, "svc")
	require.NoError(t, err)
	require.Equal(t, "stopped", d.Status.State)

	require.NoError(t, c.Remove(ctx, "svc"))
	_, err = c.Status(ctx, "svc")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, KindNotFound, apiErr.Kind)
}

func TestClientEdit(t *testing.T) {
	c := newTestDaemon(t)
	ctx := context.Background()

	require.NoError(t, c.Add(ctx, sleepDef("svc")))
	def := sleepDef("svc")
	def.Args = []string{"-c", "sleep 60"}
	def.Autostart = true
	require.NoError(t, c.Edit(ctx, def))

	d, err := c.Status(ctx, "svc")
	require.NoError(t, err)
	require.Equal(t, []string{"-c", "sleep 60"}, d.Definition.Args)
	require.True(t, d.Definition.Autostart)
}

func TestClientErrorKinds(t *testing.T) {
	c := newTestDaemon(t)
	ctx := context.Background()

	var apiErr *APIError
	err := c.Add(ctx, Definition{Name: "bad name"})
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, KindValidation, apiErr.Kind)

	require.NoError(t, c.Add(ctx, sleepDef("dup")))
	err = c.Add(ctx, sleepDef("dup"))
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, KindDuplicate, apiErr.Kind)

	err = c.Start(ctx, "ghost")
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, KindNotFound, apiErr.Kind)
}

func TestClientLogs(t *testing.T) {
	c := newTestDaemon(t)
	ctx := context.Background()

	def := Definition{
		Name:          "chatty",
		Command:       "/bin/sh",
		Args:          []string{"-c", "echo from-client-test; sleep 30"},
		RestartPolicy: "never",
		Autostart:     true,
	}
	require.NoError(t, c.Add(ctx, def))

	require.Eventually(t, func() bool {
		logs, err := c.Logs(ctx, "chatty")
		return err == nil && strings.Contains(logs, "from-client-test")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestClientUnreachable(t *testing.T) {
	c := New(Config{SocketPath: filepath.Join(t.TempDir(), "nope.sock"), Timeout: time.Second})
	require.False(t, c.IsReachable(context.Background()))
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"vawter.tech/stopper"

	"github.com/userservers/userservers/internal/registry"
	"github.com/userservers/userservers/internal/service"
	"github.com/userservers/userservers/internal/supervisor"
)

func newTestServer(t *testing.T) (*httptest.Server, *supervisor.Manager) {
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
	ts := httptest.NewServer(NewRouter(mgr, "/api", slog.Default()).Handler())
	t.Cleanup(ts.Close)
	return ts, mgr
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func sleepDef(name string) service.Definition {
	return service.Definition{
		Name:          name,
		Command:       "/bin/sh",
		Args:          []string{"-c", "sleep 30"},
		RestartPolicy: service.RestartNever,
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"ok":true}`, string(body))
}

func TestAddListStatusRemove(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/services", sleepDef("svc"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/services", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var infos []supervisor.Info
	require.NoError(t, json.Unmarshal(body, &infos))
	require.Len(t, infos, 1)
	require.Equal(t, "svc", infos[0].Definition.Name)
	require.Equal(t, supervisor.StateStopped, infos[0].Status.State)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/services/svc", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail statusResp
	require.NoError(t, json.Unmarshal(body, &detail))
	require.Equal(t, "svc", detail.Definition.Name)

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/services/svc", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/services/svc", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var e errorResp
	require.NoError(t, json.Unmarshal(body, &e))
	require.Equal(t, KindNotFound, e.Kind)
}

func TestAddErrorKinds(t *testing.T) {
	ts, _ := newTestServer(t)

	// Malformed JSON.
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/services", bytes.NewReader([]byte("{oops")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Invalid definition.
	resp2, body := doJSON(t, http.MethodPost, ts.URL+"/api/services", service.Definition{Name: "x"})
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	var e errorResp
	require.NoError(t, json.Unmarshal(body, &e))
	require.Equal(t, KindValidation, e.Kind)

	// Duplicate.
	resp3, _ := doJSON(t, http.MethodPost, ts.URL+"/api/services", sleepDef("dup"))
	require.Equal(t, http.StatusOK, resp3.StatusCode)
	resp4, body := doJSON(t, http.MethodPost, ts.URL+"/api/services", sleepDef("dup"))
	require.Equal(t, http.StatusConflict, resp4.StatusCode)
	require.NoError(t, json.Unmarshal(body, &e))
	require.Equal(t, KindDuplicate, e.Kind)

	// Relative working directory rejected before it reaches the manager.
	bad := sleepDef("relpath")
	bad.WorkDir = "../escape"
	resp5, body := doJSON(t, http.MethodPost, ts.URL+"/api/services", bad)
	require.Equal(t, http.StatusBadRequest, resp5.StatusCode)
	require.NoError(t, json.Unmarshal(body, &e))
	require.Equal(t, KindValidation, e.Kind)
}

func TestStartStopRestartFlow(t *testing.T) {
	ts, mgr := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/services", sleepDef("svc"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/services/svc/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool {
		st, _ := mgr.Status("svc")
		return st.State == supervisor.StateRunning
	}, 5*time.Second, 10*time.Millisecond)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/services/svc/restart", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st, err := mgr.Status("svc")
	require.NoError(t, err)
	require.True(t, st.State == supervisor.StateStarting || st.State == supervisor.StateRunning)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/services/svc/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st, _ = mgr.Status("svc")
	require.Equal(t, supervisor.StateStopped, st.State)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/services/nope/start", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEditReplacesDefinition(t *testing.T) {
	ts, mgr := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/services", sleepDef("svc"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	updated := sleepDef("ignored-body-name")
	updated.Args = []string{"-c", "sleep 60"}
	resp, _ = doJSON(t, http.MethodPut, ts.URL+"/api/services/svc", updated)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	info, err := mgr.Get("svc")
	require.NoError(t, err)
	require.Equal(t, "svc", info.Definition.Name, "path name must win over body")
	require.Equal(t, []string{"-c", "sleep 60"}, info.Definition.Args)
}

func TestAddWithAutostartStartsService(t *testing.T) {
	ts, mgr := newTestServer(t)

	def := sleepDef("eager")
	def.Autostart = true
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/services", def)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		st, _ := mgr.Status("eager")
		return st.State.Active()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLogsEndpointReturnsTail(t *testing.T) {
	ts, mgr := newTestServer(t)

	def := service.Definition{
		Name:          "chatty",
		Command:       "/bin/sh",
		Args:          []string{"-c", "echo captured-line; sleep 30"},
		RestartPolicy: service.RestartNever,
	}
	require.NoError(t, mgr.Add(def))
	require.NoError(t, mgr.Start("chatty"))
	require.Eventually(t, func() bool {
		out, _ := mgr.Logs("chatty")
		return len(out) > 0
	}, 5*time.Second, 10*time.Millisecond)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/services/chatty/logs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Logs string `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Contains(t, out.Logs, "captured-line")
}

package server

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/userservers/userservers/internal/service"
)

func TestLogsWebsocketStream(t *testing.T) {
	ts, mgr := newTestServer(t)

	def := service.Definition{
		Name:          "streamer",
		Command:       "/bin/sh",
		Args:          []string{"-c", "while true; do echo tick; sleep 0.1; done"},
		RestartPolicy: service.RestartNever,
	}
	require.NoError(t, mgr.Add(def))
	require.NoError(t, mgr.Start("streamer"))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/services/streamer/logs"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), "tick")
}

func TestLogsWebsocketUnknownService(t *testing.T) {
	ts, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/services/ghost/logs"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

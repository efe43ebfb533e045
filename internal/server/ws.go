package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// The socket itself is the trust boundary (mode 0600 on the unix
// socket), so cross-origin checks do not apply.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleLogs streams the buffered output followed by live chunks over a
// websocket. Without an upgrade request it returns the buffer as JSON.
func (r *Router) handleLogs(c *gin.Context) {
	name := c.Param("name")
	if !websocket.IsWebSocketUpgrade(c.Request) {
		tail, err := r.mgr.Logs(name)
		if err != nil {
			fail(c, err)
			return
		}
		writeJSON(c, http.StatusOK, gin.H{"logs": string(tail)})
		return
	}

	ch, cancel, err := r.mgr.SubscribeLogs(name)
	if err != nil {
		fail(c, err)
		return
	}
	defer cancel()
	tail, err := r.mgr.Logs(name)
	if err != nil {
		fail(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", "service", name, "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	// Drain reads so close frames are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if len(tail) > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, tail); err != nil {
			return
		}
	}
	for {
		select {
		case <-closed:
			return
		case chunk, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}
		}
	}
}

// Package server exposes the control API over the daemon's unix
// socket. The protocol is plain HTTP with JSON bodies so any HTTP
// client that can dial a unix socket can drive the daemon.
package server

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/userservers/userservers/internal/service"
	"github.com/userservers/userservers/internal/supervisor"
)

// Router provides embeddable HTTP handlers for managing services.
// Endpoints under {basePath}:
//
//	GET    /healthz
//	GET    /services                  list definitions with status
//	POST   /services                  body: Definition JSON
//	GET    /services/:name            status plus buffered output
//	PUT    /services/:name            body: Definition JSON
//	DELETE /services/:name            graceful stop, then delete
//	POST   /services/:name/start
//	POST   /services/:name/stop       query: wait=0 to return immediately
//	POST   /services/:name/restart
//	GET    /services/:name/logs       websocket stream of live output
type Router struct {
	mgr      *supervisor.Manager
	basePath string
	log      *slog.Logger
}

// NewRouter constructs a Router mounted at basePath (default "/api").
func NewRouter(mgr *supervisor.Manager, basePath string, log *slog.Logger) *Router {
	if basePath == "" {
		basePath = "/api"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath), log: log}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server or mux.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/services", r.handleList)
	group.POST("/services", r.handleAdd)
	group.GET("/services/:name", r.handleStatus)
	group.PUT("/services/:name", r.handleEdit)
	group.DELETE("/services/:name", r.handleRemove)
	group.POST("/services/:name/start", r.handleStart)
	group.POST("/services/:name/stop", r.handleStop)
	group.POST("/services/:name/restart", r.handleRestart)
	group.GET("/services/:name/logs", r.handleLogs)
	return g
}

type statusResp struct {
	Definition service.Definition `json:"definition"`
	Status     supervisor.Status  `json:"status"`
	Logs       string             `json:"logs"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.List())
}

func (r *Router) handleAdd(c *gin.Context) {
	def, ok := r.bindDefinition(c, "")
	if !ok {
		return
	}
	if err := r.mgr.Add(def); err != nil {
		fail(c, err)
		return
	}
	if def.Autostart {
		if err := r.mgr.Start(def.Name); err != nil {
			fail(c, err)
			return
		}
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleEdit(c *gin.Context) {
	def, ok := r.bindDefinition(c, c.Param("name"))
	if !ok {
		return
	}
	if err := r.mgr.Edit(def); err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRemove(c *gin.Context) {
	if err := r.mgr.Remove(c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Param("name")
	info, err := r.mgr.Get(name)
	if err != nil {
		fail(c, err)
		return
	}
	tail, err := r.mgr.Logs(name)
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, statusResp{
		Definition: info.Definition,
		Status:     info.Status,
		Logs:       string(tail),
	})
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.mgr.Start(c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	wait := true
	if v := c.Query("wait"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			wait = b
		}
	}
	if err := r.mgr.Stop(c.Param("name"), wait); err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	if err := r.mgr.Restart(c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// bindDefinition parses and sanity-checks a definition body. With a
// non-empty pathName the path parameter wins over the body's name.
func (r *Router) bindDefinition(c *gin.Context, pathName string) (service.Definition, bool) {
	var def service.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Kind: KindProtocol, Error: "invalid JSON: " + err.Error()})
		return def, false
	}
	if pathName != "" {
		def.Name = pathName
	}
	// Path-like fields come straight from the client; reject traversal
	// before they reach the filesystem.
	for field, p := range map[string]string{
		"working_directory": def.WorkDir,
		"log.dir":           def.Log.Dir,
		"log.stdout_path":   def.Log.StdoutPath,
		"log.stderr_path":   def.Log.StderrPath,
	} {
		if !isSafeAbsPath(p) {
			writeJSON(c, http.StatusBadRequest, errorResp{
				Kind:  KindValidation,
				Error: "invalid " + field + ": must be absolute path without traversal",
			})
			return def, false
		}
	}
	return def, true
}

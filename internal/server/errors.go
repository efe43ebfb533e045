package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/userservers/userservers/internal/registry"
	"github.com/userservers/userservers/internal/service"
	"github.com/userservers/userservers/internal/supervisor"
)

// Error kinds carried in the error payload so clients can branch
// without parsing messages.
const (
	KindValidation  = "validation"
	KindDuplicate   = "duplicate"
	KindNotFound    = "not_found"
	KindSpawn       = "spawn"
	KindPersistence = "persistence"
	KindProtocol    = "protocol"
	KindInternal    = "internal"
)

type errorResp struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// errKind maps manager errors to an HTTP status and error kind.
func errKind(err error) (int, string) {
	var ve *service.ValidationError
	var se *supervisor.SpawnError
	var pe *registry.PersistenceError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, KindValidation
	case errors.Is(err, registry.ErrDuplicateName):
		return http.StatusConflict, KindDuplicate
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, supervisor.ErrRemoved):
		return http.StatusNotFound, KindNotFound
	case errors.As(err, &se):
		return http.StatusInternalServerError, KindSpawn
	case errors.As(err, &pe):
		return http.StatusInternalServerError, KindPersistence
	case errors.Is(err, supervisor.ErrStopInProgress):
		return http.StatusConflict, KindInternal
	default:
		return http.StatusInternalServerError, KindInternal
	}
}

func fail(c *gin.Context, err error) {
	code, kind := errKind(err)
	writeJSON(c, code, errorResp{Kind: kind, Error: err.Error()})
}

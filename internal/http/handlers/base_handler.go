// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"lifeline/internal/modules/assignment"
	"lifeline/internal/modules/directory"
	"lifeline/internal/modules/dispatch"
	"lifeline/internal/modules/request"
	"lifeline/internal/modules/unit"
	"lifeline/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeDispatchError maps module sentinel errors onto HTTP statuses.
// Conflict (409) is deliberately distinct from not-found (404) so a client
// can tell "too late" from "wrong id".
func writeDispatchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, request.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, request.ErrNotFound),
		errors.Is(err, unit.ErrNotFound),
		errors.Is(err, assignment.ErrNotFound),
		errors.Is(err, directory.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, request.ErrConflict),
		errors.Is(err, dispatch.ErrNotAwaiting),
		errors.Is(err, unit.ErrOffDuty):
		writeError(c, http.StatusConflict, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func pathID(c *gin.Context, name string) (types.ID, bool) {
	id, ok := types.ParseID(c.Param(name))
	if !ok {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func queryID(c *gin.Context, name string) (types.ID, bool) {
	id, ok := types.ParseID(c.Query(name))
	if !ok {
		writeError(c, http.StatusBadRequest, "missing or invalid "+name)
		return 0, false
	}
	return id, true
}

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"liveclass/internal/apperr"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *handlers) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	kind := string(apperr.KindOf(err))
	msg := err.Error()
	if kind == "" {
		kind = "internal"
		msg = "internal error"
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, ErrorBody{Error: msg, Kind: kind})
}

func (h *handlers) badRequest(c *gin.Context, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		err = apperr.Validation("decode", "invalid request body: %v", err)
	}
	h.fail(c, err)
}

func forbidden(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusForbidden, ErrorBody{Error: msg, Kind: "forbidden"})
}

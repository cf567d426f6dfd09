package handlers

import (
	"errors"
	"net/http"

	"heatersync/internal/core"

	"github.com/gin-gonic/gin"
)

// respondError maps the error taxonomy onto HTTP statuses
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)

	body := gin.H{"error": err.Error()}
	status := http.StatusInternalServerError

	var cmdErr *core.CommandError
	switch {
	case errors.As(err, &cmdErr):
		status = http.StatusBadGateway
		body["code"] = "PARTIAL_COMMAND"
		body["failed_step_index"] = cmdErr.Index
		body["failed_step"] = cmdErr.Step
	case errors.Is(err, core.ErrValidation):
		status = http.StatusBadRequest
		body["code"] = "VALIDATION_ERROR"
	case errors.Is(err, core.ErrRateLimited):
		status = http.StatusTooManyRequests
		body["code"] = "RATE_LIMITED"
	case errors.Is(err, core.ErrAuth):
		status = http.StatusBadGateway
		body["code"] = "AUTH_ERROR"
	case errors.Is(err, core.ErrTransientNetwork):
		status = http.StatusServiceUnavailable
		body["code"] = "UPSTREAM_UNAVAILABLE"
	case errors.Is(err, core.ErrRemote):
		status = http.StatusBadGateway
		body["code"] = "REMOTE_ERROR"
	default:
		body["code"] = "INTERNAL_ERROR"
	}

	c.JSON(status, body)
}

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/c360studio/semreply/discovery"
	"github.com/c360studio/semreply/llm"
	"github.com/c360studio/semreply/opportunity"
	"github.com/c360studio/semreply/platform"
	"github.com/c360studio/semreply/response"
	"github.com/c360studio/semreply/scheduler"
	"github.com/c360studio/semreply/storage"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error      string `json:"error"`
	Violation  string `json:"violation,omitempty"`
	Actual     int    `json:"actual,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// RespondError writes err with the status code its class maps to and stops
// the handler chain.
func RespondError(c *gin.Context, err error) {
	status := StatusFor(err)
	body := errorBody{Error: err.Error()}

	var ce *response.ConstraintError
	if errors.As(err, &ce) {
		body.Violation = ce.Result.Violation
		body.Actual = ce.Result.Actual
		body.Limit = ce.Result.Limit
	}
	if d := platform.RetryAfter(err); d > 0 {
		secs := int(d.Seconds())
		body.RetryAfter = secs
		c.Header("Retry-After", strconv.Itoa(secs))
	}
	if status >= http.StatusInternalServerError {
		c.Error(err)
	}
	c.AbortWithStatusJSON(status, body)
}

// respondBadRequest rejects a malformed request.
func respondBadRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: msg})
}

// StatusFor maps a domain error to an HTTP status code.
func StatusFor(err error) int {
	var ce *response.ConstraintError
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, scheduler.ErrUnknownSchedule),
		errors.Is(err, discovery.ErrNoSchedule):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrExpired):
		return http.StatusGone
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, opportunity.ErrInvalidTransition),
		errors.Is(err, response.ErrNotActionable),
		errors.Is(err, response.ErrNotDraft),
		errors.Is(err, scheduler.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.As(err, &ce), errors.Is(err, response.ErrConstraintViolation), errors.Is(err, response.ErrEmptyDraft):
		return http.StatusUnprocessableEntity
	case errors.Is(err, response.ErrMalformedAnalysis), errors.Is(err, llm.ErrNoJSON):
		return http.StatusBadGateway
	case platform.IsRateLimit(err):
		return http.StatusTooManyRequests
	case platform.IsNotFound(err):
		return http.StatusNotFound
	case platform.IsAuthentication(err):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case platform.IsTransient(err), errors.Is(err, llm.ErrNoModels):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Package apierrors writes the JSON error bodies returned by the HTTP API.
package apierrors

import (
	"net/http"

	"voice-gateway/internal/observability"

	"github.com/gin-gonic/gin"
)

var logger = observability.NewLogger()

// SetLogger replaces the logger used for error responses. Call it before the
// server starts.
func SetLogger(l *observability.Logger) {
	logger = l
}

// ErrorResponse is the JSON structure returned to API clients
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// respond aborts the request with an error body carrying the request id the
// observability middleware assigned.
func respond(c *gin.Context, statusCode int, code, message string) {
	ctx := observability.WithFields(c.Request.Context(),
		observability.Field{Key: "status_code", Value: statusCode},
		observability.Field{Key: "error_code", Value: code},
	)
	if statusCode < http.StatusInternalServerError {
		logger.Warn(ctx, message)
	}

	c.AbortWithStatusJSON(statusCode, ErrorResponse{
		Error:     message,
		Code:      code,
		RequestID: c.Request.Header.Get("X-Request-ID"),
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	respond(c, http.StatusNotFound, "NOT_FOUND", message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, code, message string) {
	respond(c, http.StatusBadRequest, code, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	respond(c, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

// ServiceUnavailable sends a 503 response and logs the internal error
func ServiceUnavailable(c *gin.Context, code, message string, internalErr error) {
	logger.Error(c.Request.Context(), message, internalErr)
	respond(c, http.StatusServiceUnavailable, code, message)
}

// InternalError sends a sanitized 500 response - never exposes internal details
func InternalError(c *gin.Context, internalErr error) {
	logger.Error(c.Request.Context(), "internal error", internalErr)
	respond(c, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred. Please try again later.")
}

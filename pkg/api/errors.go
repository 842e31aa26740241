package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fathomlabs/fathom/pkg/database"
)

// Error codes carried in the "error" field of failure responses.
const (
	codeValidation = "validation_error"
	codeRateLimit  = "rate_limit"
	codeNotFound   = "not_found"
	codeRequest    = "request_error"
	codeInternal   = "internal_error"
)

// ErrorBody is the JSON envelope for every non-2xx response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ValidationError wraps field-specific validation failures.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// errorLogTimeout bounds the best-effort persistence of error entries; the
// request context may already be canceled when a failure is recorded.
const errorLogTimeout = 2 * time.Second

// respondError maps an error to its HTTP envelope. Server-side failures
// are logged and recorded in error_logs; sessionID attributes the entry
// when the failure belongs to a session.
func (s *Server) respondError(c *gin.Context, sessionID *string, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, ErrorBody{Error: codeValidation, Message: ve.Message})
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorBody{Error: codeNotFound, Message: "session not found"})
	default:
		s.recordFailure(c, sessionID, err, debug.Stack())
		c.JSON(http.StatusInternalServerError, ErrorBody{Error: codeInternal, Message: err.Error()})
	}
}

// respondPipelineError writes the failure envelope for an error the
// orchestrator has already recorded against its session; recording it
// again here would duplicate the error_logs entry.
func (s *Server) respondPipelineError(c *gin.Context, err error) {
	s.logger.Error("Research request failed",
		"error", err,
		"method", c.Request.Method,
		"path", c.Request.URL.Path)
	c.JSON(http.StatusInternalServerError, ErrorBody{Error: codeInternal, Message: err.Error()})
}

// respondBindError maps request-body decode failures. Oversized bodies
// surface as *http.MaxBytesError from the size cap.
func (s *Server) respondBindError(c *gin.Context, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: codeRequest, Message: "request body too large"})
		return
	}
	c.JSON(http.StatusBadRequest, ErrorBody{Error: codeRequest, Message: "invalid request body"})
}

// recordFailure logs a server-side error and persists it to error_logs.
// Stack traces reach the log output only outside production.
func (s *Server) recordFailure(c *gin.Context, sessionID *string, err error, stack []byte) {
	attrs := []any{
		"error", err,
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
	}
	if sessionID != nil {
		attrs = append(attrs, "session_id", *sessionID)
	}
	if !s.cfg.Production {
		attrs = append(attrs, "stack", string(stack))
	}
	s.logger.Error("Request failed", attrs...)

	ctx, cancel := context.WithTimeout(context.Background(), errorLogTimeout)
	defer cancel()
	s.store.LogError(ctx, sessionID, err.Error(), string(stack))
}

// recovery converts handler panics into 500 responses. Panics on open SSE
// streams cannot be converted (headers are already written); the
// connection just closes.
func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic: %v", r)
				s.recordFailure(c, nil, err, debug.Stack())
				if !c.Writer.Written() {
					c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorBody{
						Error:   codeInternal,
						Message: "internal server error",
					})
					return
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}

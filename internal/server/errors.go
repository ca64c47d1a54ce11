package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	exportdomain "github.com/smallbiznis/meterline/internal/export/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

// validationErrs maps domain validation failures to their field names.
var validationErrs = map[error]string{
	usagedomain.ErrInvalidProvider:   "provider",
	usagedomain.ErrInvalidModel:      "model",
	usagedomain.ErrInvalidTokens:     "tokens",
	usagedomain.ErrInvalidCost:       "raw_cost",
	usagedomain.ErrInvalidRecordedAt: "recorded_at",
	exportdomain.ErrInvalidRange:     "time_range",
	exportdomain.ErrInvalidOperation: "operation",
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	var vErrs *ValidationErrors
	if errors.As(err, &vErrs) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErrs.Errors,
		}
	}

	for domainErr, field := range validationErrs {
		if errors.Is(err, domainErr) {
			return http.StatusBadRequest, errorPayload{
				Type:    "validation_error",
				Message: "validation error",
				Errors: []ValidationError{
					{Field: field, Code: domainErr.Error(), Message: domainErr.Error()},
				},
			}
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, exportdomain.ErrMissingCredentials):
		// Deployment misconfiguration, not a caller mistake, but the
		// caller can do nothing else with it either.
		return http.StatusPreconditionFailed, errorPayload{
			Type:    "configuration_error",
			Message: "export credentials are not configured",
		}
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: "invalid request",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	status, payload := mapError(err)
	switch {
	case status == http.StatusUnauthorized:
		return "auth_error", payload.Type
	case status >= http.StatusInternalServerError:
		return "internal_error", payload.Type
	default:
		return payload.Type, payload.Type
	}
}

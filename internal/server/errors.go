package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/recurbill/internal/recurrence"
	recurringdomain "github.com/smallbiznis/recurbill/internal/recurringinvoice/domain"
	"github.com/smallbiznis/recurbill/internal/scheduler"
	"gorm.io/gorm"
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
	ErrConflict       = errors.New("conflict")
	ErrInternal       = errors.New("internal_error")
	ErrNotFound       = errors.New("not_found")
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

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var recurrenceErr *recurringdomain.RecurrenceError
	if errors.As(err, &recurrenceErr) {
		details := make([]ValidationError, 0, len(recurrenceErr.Violations))
		for _, violation := range recurrenceErr.Violations {
			details = append(details, ValidationError{
				Field:   "recurrence",
				Code:    "invalid_recurrence",
				Message: violation,
			})
		}
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "invalid recurrence configuration",
			Errors:  details,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, recurringdomain.ErrInvalidOwner):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, recurringdomain.ErrTemplateInactive),
		errors.Is(err, recurringdomain.ErrAlreadyProcessed),
		errors.Is(err, scheduler.ErrRunInProgress):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog returns the error type and code recorded on request logs.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return payload.Type, "internal_error"
	}
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, payload.Type
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, recurringdomain.ErrTemplateInactive):
		return "template is inactive"
	case errors.Is(err, recurringdomain.ErrAlreadyProcessed):
		return "invoice already generated"
	case errors.Is(err, scheduler.ErrRunInProgress):
		return "a generation run is already in progress"
	default:
		return "conflict"
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, recurringdomain.ErrInvalidID),
		errors.Is(err, recurringdomain.ErrInvalidName),
		errors.Is(err, recurringdomain.ErrInvalidClient),
		errors.Is(err, recurringdomain.ErrInvalidItem),
		errors.Is(err, recurringdomain.ErrInvalidCount),
		errors.Is(err, recurringdomain.ErrInvalidPagination),
		errors.Is(err, recurringdomain.ErrNoItems),
		errors.Is(err, recurringdomain.ErrInvalidRecurrence),
		errors.Is(err, recurrence.ErrUnsupportedFrequency):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, recurringdomain.ErrTemplateNotFound),
		errors.Is(err, recurringdomain.ErrClientNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, recurrence.ErrUnsupportedFrequency):
		return "invalid_frequency"
	case errors.Is(err, recurringdomain.ErrNoItems):
		return "invalid_items"
	case errors.Is(err, recurringdomain.ErrInvalidItem):
		return "invalid_items"
	}
	for _, sentinel := range []error{
		recurringdomain.ErrInvalidID,
		recurringdomain.ErrInvalidName,
		recurringdomain.ErrInvalidClient,
		recurringdomain.ErrInvalidCount,
		recurringdomain.ErrInvalidPagination,
		recurringdomain.ErrInvalidRecurrence,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "invalid_items":
		return "invalid or missing items"
	case "invalid_count":
		return "count is out of range"
	case "invalid_pagination":
		return "invalid pagination parameters"
	default:
		return "invalid value"
	}
}

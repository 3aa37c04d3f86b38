package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/srmgate/internal/audit/domain"
	"github.com/smallbiznis/srmgate/internal/authorization"
	connectivitydomain "github.com/smallbiznis/srmgate/internal/connectivity/domain"
	devicedomain "github.com/smallbiznis/srmgate/internal/device/domain"
	enrollmentdomain "github.com/smallbiznis/srmgate/internal/enrollment/domain"
	"github.com/smallbiznis/srmgate/internal/evidence"
	queuedomain "github.com/smallbiznis/srmgate/internal/queue/domain"
	receiptdomain "github.com/smallbiznis/srmgate/internal/receipt/domain"
	"github.com/smallbiznis/srmgate/internal/srmerror"
	"github.com/smallbiznis/srmgate/pkg/db/pagination"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string                    `json:"type"`
	Message string                    `json:"message"`
	Errors  []srmerror.FieldError     `json:"errors,omitempty"`
	Details []srmerror.RegulatorError `json:"regulator_errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
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
	return srmerror.NewValidation(srmerror.FieldError{Field: "request", Code: "invalid_request", Message: "invalid request"})
}

func newValidationError(field, code, message string) error {
	return srmerror.NewValidation(srmerror.FieldError{Field: field, Code: code, Message: message})
}

func mapError(err error) (int, errorPayload) {
	var (
		validErr     *srmerror.ValidationError
		protocolErr  *srmerror.ProtocolError
		overflowErr  *srmerror.OverflowError
		integrityErr *srmerror.IntegrityError
	)
	switch {
	case err == nil:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	case errors.As(err, &validErr):
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: "validation error", Errors: validErr.Fields}
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  []srmerror.FieldError{{Field: validationField(err), Code: err.Error(), Message: "invalid value"}},
		}
	case errors.As(err, &protocolErr):
		// The regulator's list is returned verbatim so the operator can act on it.
		return http.StatusBadGateway, errorPayload{
			Type:    "regulator_rejected",
			Message: "the regulator rejected the request",
			Details: protocolErr.Errors,
		}
	case errors.As(err, &overflowErr):
		return http.StatusUnprocessableEntity, errorPayload{Type: "overflow", Message: overflowErr.Error()}
	case errors.As(err, &integrityErr):
		return http.StatusConflict, errorPayload{Type: "integrity_error", Message: integrityErr.Subject + ": " + integrityErr.Reason}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "unauthorized"}
	case errors.Is(err, ErrForbidden), errors.Is(err, authorization.ErrForbidden), errors.Is(err, authorization.ErrInvalidRole):
		return http.StatusForbidden, errorPayload{Type: "forbidden", Message: "forbidden"}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "not found"}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: err.Error()}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{Type: "rate_limited", Message: "too many requests"}
	case srmerror.IsRetryable(err), errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{Type: "service_unavailable", Message: "service unavailable"}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}

// classifyErrorForLog returns the error type and code for request logs.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return payload.Type, srmerror.Classify(err)
	}
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, payload.Type
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, pagination.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTenant),
		errors.Is(err, auditdomain.ErrInvalidOperation),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, connectivitydomain.ErrInvalidTenant),
		errors.Is(err, connectivitydomain.ErrInvalidTimeRange),
		errors.Is(err, devicedomain.ErrInvalidTenant),
		errors.Is(err, devicedomain.ErrInvalidEnvironment),
		errors.Is(err, enrollmentdomain.ErrInvalidTenant),
		errors.Is(err, enrollmentdomain.ErrInvalidEnvironment),
		errors.Is(err, queuedomain.ErrInvalidOperation),
		errors.Is(err, queuedomain.ErrInvalidTenant),
		errors.Is(err, evidence.ErrInvalidTenant):
		return true
	default:
		return false
	}
}

func validationField(err error) string {
	switch {
	case errors.Is(err, auditdomain.ErrInvalidTenant),
		errors.Is(err, connectivitydomain.ErrInvalidTenant),
		errors.Is(err, devicedomain.ErrInvalidTenant),
		errors.Is(err, enrollmentdomain.ErrInvalidTenant),
		errors.Is(err, queuedomain.ErrInvalidTenant),
		errors.Is(err, evidence.ErrInvalidTenant):
		return "tenant_id"
	case errors.Is(err, devicedomain.ErrInvalidEnvironment),
		errors.Is(err, enrollmentdomain.ErrInvalidEnvironment):
		return "environment"
	case errors.Is(err, auditdomain.ErrInvalidOperation),
		errors.Is(err, queuedomain.ErrInvalidOperation):
		return "operation"
	case errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, connectivitydomain.ErrInvalidTimeRange):
		return "time_range"
	case errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, pagination.ErrInvalidPageToken):
		return "page_token"
	default:
		return "request"
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, queuedomain.ErrNotFound),
		errors.Is(err, receiptdomain.ErrNotFound),
		errors.Is(err, devicedomain.ErrNotFound),
		errors.Is(err, evidence.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, queuedomain.ErrIdempotencyConflict),
		errors.Is(err, queuedomain.ErrNotRequeueable),
		errors.Is(err, queuedomain.ErrNoActiveSigner),
		errors.Is(err, receiptdomain.ErrChainMoved),
		errors.Is(err, receiptdomain.ErrProfileNotSigning),
		errors.Is(err, devicedomain.ErrNotEnrolled),
		errors.Is(err, devicedomain.ErrStateConflict),
		errors.Is(err, enrollmentdomain.ErrAlreadyEnrolled),
		errors.Is(err, enrollmentdomain.ErrInProgress),
		errors.Is(err, enrollmentdomain.ErrNotEnrolled),
		errors.Is(err, enrollmentdomain.ErrStateConflict):
		return true
	default:
		return false
	}
}

// Package srmerror defines the error taxonomy shared by every SRM component.
// Callers branch on the concrete type with errors.As; IsRetryable and Classify
// give the dispatcher and HTTP layer a single place to map them.
package srmerror

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	ClassConfiguration = "configuration"
	ClassValidation    = "validation"
	ClassIntegrity     = "integrity"
	ClassTransient     = "transient"
	ClassProtocol      = "protocol"
	ClassOverflow      = "overflow"
	ClassCanceled      = "canceled"
	ClassUnknown       = "unknown"
)

// ConfigurationError reports a missing or malformed setting detected at startup.
type ConfigurationError struct {
	Key    string
	Reason string
	Err    error
}

func Configuration(key, reason string, err error) *ConfigurationError {
	return &ConfigurationError{Key: key, Reason: reason, Err: err}
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration error: %s: %s", e.Key, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// FieldError is a single rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError lists every offending field, not only the first.
type ValidationError struct {
	Fields []FieldError
}

func NewValidation(fields ...FieldError) *ValidationError {
	return &ValidationError{Fields: append([]FieldError(nil), fields...)}
}

func (e *ValidationError) Add(field, code, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Code: code, Message: message})
}

// OrNil returns nil when no field was recorded.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation error"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s (%s)", f.Field, f.Code))
	}
	return "validation error: " + strings.Join(parts, ", ")
}

// HasField reports whether field was rejected.
func (e *ValidationError) HasField(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// IntegrityError reports tampered, corrupt or inconsistent stored state.
type IntegrityError struct {
	Subject string
	Reason  string
	Err     error
}

func Integrity(subject, reason string, err error) *IntegrityError {
	return &IntegrityError{Subject: subject, Reason: reason, Err: err}
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("integrity error: %s: %s", e.Subject, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// TransientNetworkError covers timeouts, connection failures, 5xx and
// ambiguous responses. The call may or may not have reached the regulator.
type TransientNetworkError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func Transient(endpoint string, statusCode int, err error) *TransientNetworkError {
	return &TransientNetworkError{Endpoint: endpoint, StatusCode: statusCode, Err: err}
}

func (e *TransientNetworkError) Error() string {
	msg := "transient network error: " + e.Endpoint
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// RegulatorError is one entry of the regulator's error list, kept verbatim.
type RegulatorError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ProtocolError is a well-formed rejection from the regulator.
type ProtocolError struct {
	Endpoint   string
	StatusCode int
	ReturnCode string
	Errors     []RegulatorError
}

func (e *ProtocolError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("protocol error: %s: status %d return code %q", e.Endpoint, e.StatusCode, e.ReturnCode)
	}
	codes := make([]string, 0, len(e.Errors))
	for _, re := range e.Errors {
		codes = append(codes, re.Code)
	}
	return fmt.Sprintf("protocol error: %s: status %d: %s", e.Endpoint, e.StatusCode, strings.Join(codes, ","))
}

// Codes returns the regulator codes in response order.
func (e *ProtocolError) Codes() []string {
	codes := make([]string, 0, len(e.Errors))
	for _, re := range e.Errors {
		codes = append(codes, re.Code)
	}
	return codes
}

// OverflowError reports a payload that exceeds a hard size ceiling.
type OverflowError struct {
	What   string
	Limit  int
	Actual int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("overflow: %s length %d exceeds limit %d", e.What, e.Actual, e.Limit)
}

// IsRetryable reports whether the operation may be attempted again unchanged.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientNetworkError
	if errors.As(err, &transient) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Classify returns a low-cardinality class name for logs and metrics.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var (
		cfgErr       *ConfigurationError
		validErr     *ValidationError
		integrityErr *IntegrityError
		transientErr *TransientNetworkError
		protocolErr  *ProtocolError
		overflowErr  *OverflowError
	)
	switch {
	case errors.As(err, &cfgErr):
		return ClassConfiguration
	case errors.As(err, &validErr):
		return ClassValidation
	case errors.As(err, &integrityErr):
		return ClassIntegrity
	case errors.As(err, &protocolErr):
		return ClassProtocol
	case errors.As(err, &overflowErr):
		return ClassOverflow
	case errors.As(err, &transientErr), errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	default:
		return ClassUnknown
	}
}

// Package errs defines the proxy's error taxonomy and the JSON envelope
// used to report it at HTTP boundaries.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	ConfigValidationFailed Code = "CONFIG_VALIDATION_FAILED"
	ConfigUpdateFailed     Code = "CONFIG_UPDATE_FAILED"
	ConfigNotFound         Code = "CONFIG_NOT_FOUND"
	CertificateInvalid     Code = "CERTIFICATE_INVALID"
	CertificateParseError  Code = "CERTIFICATE_PARSE_ERROR"
	CertificateNotFound    Code = "CERTIFICATE_NOT_FOUND"
	FileNotFound           Code = "FILE_NOT_FOUND"
	FilePermissionDenied   Code = "FILE_PERMISSION_DENIED"
	FileTooLarge           Code = "FILE_TOO_LARGE"
	RequestTooLarge        Code = "REQUEST_TOO_LARGE"
	ConnectionFailed       Code = "CONNECTION_FAILED"
	Timeout                Code = "TIMEOUT"
	RateLimitExceeded      Code = "RATE_LIMIT_EXCEEDED"
	DatabaseError          Code = "DATABASE_ERROR"
	AuditLogError          Code = "AUDIT_LOG_ERROR"
	ValidationError        Code = "VALIDATION_ERROR"
	InvalidInput           Code = "INVALID_INPUT"
	MissingRequiredField   Code = "MISSING_REQUIRED_FIELD"
	NotFound               Code = "NOT_FOUND"
	EndpointNotFound       Code = "ENDPOINT_NOT_FOUND"
	InternalError          Code = "INTERNAL_ERROR"
	SerializationError     Code = "SERIALIZATION_ERROR"
)

// httpStatus maps each Code to its typical HTTP mapping.
var httpStatus = map[Code]int{
	ConfigValidationFailed: http.StatusBadRequest,
	ConfigUpdateFailed:     http.StatusInternalServerError,
	ConfigNotFound:         http.StatusNotFound,
	CertificateInvalid:     http.StatusBadRequest,
	CertificateParseError:  http.StatusBadRequest,
	CertificateNotFound:    http.StatusNotFound,
	FileNotFound:           http.StatusInternalServerError,
	FilePermissionDenied:   http.StatusInternalServerError,
	FileTooLarge:           http.StatusRequestEntityTooLarge,
	RequestTooLarge:        http.StatusRequestEntityTooLarge,
	ConnectionFailed:       http.StatusBadGateway,
	Timeout:                http.StatusGatewayTimeout,
	RateLimitExceeded:      http.StatusTooManyRequests,
	DatabaseError:          http.StatusInternalServerError,
	AuditLogError:          http.StatusInternalServerError,
	ValidationError:        http.StatusBadRequest,
	InvalidInput:           http.StatusBadRequest,
	MissingRequiredField:   http.StatusBadRequest,
	NotFound:               http.StatusNotFound,
	EndpointNotFound:       http.StatusNotFound,
	InternalError:          http.StatusInternalServerError,
	SerializationError:     http.StatusInternalServerError,
}

// StatusFor returns the HTTP status a Code maps to, defaulting to 500.
func StatusFor(c Code) int {
	if s, ok := httpStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// AppError is the error type every component returns for caller-visible
// failures. It carries enough information to build the JSON envelope
// without the HTTP layer needing to know component internals.
type AppError struct {
	Code    Code
	Message string
	Details string
	Fields  []FieldError
}

// FieldError describes one invalid field in a validation failure.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an AppError.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf builds an AppError with a formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of e with Details set.
func (e *AppError) WithDetails(details string) *AppError {
	c := *e
	c.Details = details
	return &c
}

// WithFields returns a copy of e with field-level validation errors attached.
func (e *AppError) WithFields(fields []FieldError) *AppError {
	c := *e
	c.Fields = fields
	return &c
}

// Response is the wire shape of the JSON error envelope (spec.md §6).
type Response struct {
	Code      Code         `json:"code"`
	Message   string       `json:"message"`
	Details   string       `json:"details,omitempty"`
	Timestamp string       `json:"timestamp"`
	Path      string       `json:"path,omitempty"`
	RequestID string       `json:"request_id,omitempty"`
	Fields    []FieldError `json:"fields,omitempty"`
}

// ToResponse builds the JSON envelope for e, stamped with the current time.
func ToResponse(e *AppError, path, requestID string) Response {
	return Response{
		Code:      e.Code,
		Message:   e.Message,
		Details:   e.Details,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      path,
		RequestID: requestID,
		Fields:    e.Fields,
	}
}

// As extracts an *AppError from err, unwrapping through any wrapping chain
// (e.g. fmt.Errorf("...: %w", err)), or wrapping it as InternalError if no
// *AppError is found anywhere in the chain.
func As(err error) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return &AppError{Code: InternalError, Message: "internal error", Details: err.Error()}
}

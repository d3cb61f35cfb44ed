package engine

import (
	"errors"
	"fmt"

	"github.com/openfroyo/ec2-manager/pkg/stores"
)

// ErrorClass represents the classification of an error.
type ErrorClass string

const (
	// ErrorClassInvalidInput indicates caller-supplied data was rejected by
	// policy or by the provider's bad-input error family. Never retried.
	ErrorClassInvalidInput ErrorClass = "invalid-input"

	// ErrorClassDenied indicates the caller is not authorized, including
	// when the resource is unknown.
	ErrorClassDenied ErrorClass = "denied"

	// ErrorClassInconsistent indicates more than one row matched a key that
	// must be unique.
	ErrorClassInconsistent ErrorClass = "inconsistent"

	// ErrorClassOperational indicates any other provider or store failure.
	ErrorClassOperational ErrorClass = "operational"

	// ErrorClassMalformed indicates a lifecycle notification could not be
	// parsed or validated. The transport must not acknowledge it.
	ErrorClassMalformed ErrorClass = "malformed"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code, usually the provider's.
	Code string `json:"code,omitempty"`

	// Resource is the resource that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another EngineError of the same class. A target without a
// code matches any code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// Sentinels for errors.Is. A class sentinel matches every error of its
// class regardless of code.
var (
	ErrInvalidInput   = &EngineError{Class: ErrorClassInvalidInput, Message: "invalid input"}
	ErrDenied         = &EngineError{Class: ErrorClassDenied, Message: "denied"}
	ErrInconsistent   = &EngineError{Class: ErrorClassInconsistent, Message: "inconsistent state"}
	ErrMalformedEvent = &EngineError{Class: ErrorClassMalformed, Message: "malformed event"}

	// ErrConflict is the store's uniqueness violation on insert. Insert
	// paths that are expected to be retried treat it as success.
	ErrConflict = stores.ErrDuplicateKey
)

// NewInvalidInputError creates a new input-validation error.
func NewInvalidInputError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassInvalidInput,
		Message: message,
		Err:     err,
	}
}

// NewDeniedError creates a new authorization error. No detail about the
// resource is attached so existence is not leaked.
func NewDeniedError(message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassDenied,
		Message: message,
	}
}

// NewInconsistentError creates a new internal-consistency error.
func NewInconsistentError(message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassInconsistent,
		Message: message,
	}
}

// NewOperationalError creates a new operational error.
func NewOperationalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassOperational,
		Message: message,
		Err:     err,
	}
}

// NewMalformedEventError creates a new malformed-event error.
func NewMalformedEventError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassMalformed,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// IsInvalidInput returns true if the error is an input-validation failure.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsConflict returns true if the error is a uniqueness violation.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsDenied returns true if the caller was denied.
func IsDenied(err error) bool {
	return errors.Is(err, ErrDenied)
}

// IsInconsistent returns true if a uniqueness invariant was found broken.
func IsInconsistent(err error) bool {
	return errors.Is(err, ErrInconsistent)
}

// IsMalformedEvent returns true if a notification payload was rejected.
func IsMalformedEvent(err error) bool {
	return errors.Is(err, ErrMalformedEvent)
}

// ProviderError is a provider failure carrying the provider's error code.
// It satisfies the same ErrorCode/ErrorMessage shape as smithy.APIError.
type ProviderError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorCode returns the provider error code.
func (e *ProviderError) ErrorCode() string { return e.Code }

// ErrorMessage returns the provider error message.
func (e *ProviderError) ErrorMessage() string { return e.Message }

type codedError interface {
	ErrorCode() string
}

// ProviderErrorCode extracts the provider code from err, or "" when err
// carries none.
func ProviderErrorCode(err error) string {
	var coded codedError
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return ""
}

// DefaultBadInputCodes are the provider codes treated as caller-input
// problems when no configuration overrides them.
var DefaultBadInputCodes = []string{
	"InvalidParameter",
	"InvalidParameterCombination",
	"InvalidParameterValue",
	"UnknownParameter",
}

// ErrorClassifier decides whether a provider error is a caller-input
// problem based on a configured allow-list of codes.
type ErrorClassifier struct {
	badInput map[string]struct{}
}

// NewErrorClassifier creates a classifier for the given codes. An empty
// list falls back to DefaultBadInputCodes.
func NewErrorClassifier(badInputCodes []string) *ErrorClassifier {
	if len(badInputCodes) == 0 {
		badInputCodes = DefaultBadInputCodes
	}
	c := &ErrorClassifier{badInput: make(map[string]struct{}, len(badInputCodes))}
	for _, code := range badInputCodes {
		c.badInput[code] = struct{}{}
	}
	return c
}

// IsBadInput reports whether err carries a configured bad-input code.
func (c *ErrorClassifier) IsBadInput(err error) bool {
	code := ProviderErrorCode(err)
	if code == "" {
		return false
	}
	_, ok := c.badInput[code]
	return ok
}

// Common error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodePolicyRejected = "POLICY_REJECTED"
	ErrCodeUnknownRegion  = "UNKNOWN_REGION"
	ErrCodeInvalidKey     = "INVALID_KEY"
	ErrCodeStoreFailed    = "STORE_FAILED"
	ErrCodeProviderFailed = "PROVIDER_FAILED"
)

package services

import (
	"errors"
	"fmt"

	"github.com/upb/vc-policy-gateway/models"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	// Decision engine failure kinds. Their string form is the verdict reason prefix.
	ErrorTypeRequestMalformed    ErrorType = models.KindRequestMalformed
	ErrorTypeCredentialMalformed ErrorType = models.KindCredentialMalformed
	ErrorTypePolicyUnitNotFound  ErrorType = models.KindPolicyUnitNotFound
	ErrorTypePolicyUnitFault     ErrorType = models.KindPolicyUnitFault
	ErrorTypePolicyTimeout       ErrorType = models.KindPolicyTimeout

	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeInternal   ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	ErrRequestMalformed    = NewDomainError(ErrorTypeRequestMalformed, "malformed request", nil)
	ErrCredentialMalformed = NewDomainError(ErrorTypeCredentialMalformed, "malformed credential", nil)
	ErrPolicyUnitNotFound  = NewDomainError(ErrorTypePolicyUnitNotFound, "no policy unit for resource", nil)
	ErrPolicyUnitFault     = NewDomainError(ErrorTypePolicyUnitFault, "policy unit fault", nil)
	ErrPolicyTimeout       = NewDomainError(ErrorTypePolicyTimeout, "policy unit exceeded its execution budget", nil)

	ErrInvalidInput = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrUnknownUnit  = NewDomainError(ErrorTypeNotFound, "policy unit not defined", nil)
)

// Error type checking helper functions

// IsCredentialMalformed checks if an error is a credential decoding error
func IsCredentialMalformed(err error) bool {
	return GetErrorType(err) == ErrorTypeCredentialMalformed
}

// IsPolicyUnitNotFound checks if an error is a unit resolution error
func IsPolicyUnitNotFound(err error) bool {
	return GetErrorType(err) == ErrorTypePolicyUnitNotFound
}

// IsPolicyUnitFault checks if an error is a policy unit fault
func IsPolicyUnitFault(err error) bool {
	return GetErrorType(err) == ErrorTypePolicyUnitFault
}

// IsPolicyTimeout checks if an error is a policy timeout
func IsPolicyTimeout(err error) bool {
	return GetErrorType(err) == ErrorTypePolicyTimeout
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorType(err) == ErrorTypeValidation
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return GetErrorType(err) == ErrorTypeNotFound
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// VerdictFromError converts an engine failure into a fail-closed verdict.
// Errors that are not domain errors are reported as policy unit faults.
func VerdictFromError(err error) models.Verdict {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return models.Deny(domainErr.Error())
	}
	return models.Deny(NewDomainError(ErrorTypePolicyUnitFault, "unexpected failure", err).Error())
}

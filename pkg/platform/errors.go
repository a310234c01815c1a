package platform

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies platform errors for handling and HTTP mapping.
type ErrorCategory string

const (
	// CategoryConfiguration covers invalid or incomplete operator settings.
	CategoryConfiguration ErrorCategory = "configuration"
	// CategoryQuota covers per-user concurrency limits.
	CategoryQuota ErrorCategory = "quota"
	// CategoryProvider covers cloud storage and identity backend failures.
	CategoryProvider ErrorCategory = "provider"
	// CategoryOrchestrator covers pod scheduling and cluster failures.
	CategoryOrchestrator ErrorCategory = "orchestrator"
	// CategoryAuth covers token verification and session failures.
	CategoryAuth ErrorCategory = "auth"
	// CategoryNotFound covers lookups of records that do not exist.
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryReclamation covers background sweep failures.
	CategoryReclamation ErrorCategory = "reclamation"
)

// Error is the common error type returned across package boundaries. It
// carries the failing provider and operation so callers can log and map it
// without string matching.
type Error struct {
	Category  ErrorCategory
	Provider  string
	Operation string
	Message   string
	Cause     error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Provider != "" && e.Operation != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s %s: %s: %v", e.Category, e.Provider, e.Operation, e.Message, e.Cause)
		}
		return fmt.Sprintf("%s: %s %s: %s", e.Category, e.Provider, e.Operation, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsCategory reports whether err is a platform error of the given category.
func IsCategory(err error, cat ErrorCategory) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category == cat
	}
	return false
}

// IsRetryable reports whether err is a platform error marked retryable.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// NewConfigurationError reports invalid operator settings. Never retryable.
func NewConfigurationError(message string, cause error) *Error {
	return &Error{
		Category: CategoryConfiguration,
		Message:  message,
		Cause:    cause,
	}
}

// NewQuotaError reports a per-user concurrency limit hit.
func NewQuotaError(userID string, limit int) *Error {
	return &Error{
		Category: CategoryQuota,
		Message:  fmt.Sprintf("user %s already has %d active environment(s)", userID, limit),
	}
}

// NewProviderError reports a cloud backend failure.
func NewProviderError(provider, operation, message string, cause error, retryable bool) *Error {
	return &Error{
		Category:  CategoryProvider,
		Provider:  provider,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Retryable: retryable,
	}
}

// NewOrchestratorError reports a cluster or pod scheduling failure.
func NewOrchestratorError(operation, message string, cause error, retryable bool) *Error {
	return &Error{
		Category:  CategoryOrchestrator,
		Provider:  "kubernetes",
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Retryable: retryable,
	}
}

// NewAuthError reports a token verification or session failure.
func NewAuthError(provider, operation, message string, cause error) *Error {
	return &Error{
		Category:  CategoryAuth,
		Provider:  provider,
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// NewNotFoundError reports a missing record.
func NewNotFoundError(kind, id string) *Error {
	return &Error{
		Category: CategoryNotFound,
		Message:  fmt.Sprintf("%s %s not found", kind, id),
	}
}

// NewReclamationError reports a background sweep failure for one item.
func NewReclamationError(operation, message string, cause error) *Error {
	return &Error{
		Category:  CategoryReclamation,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Retryable: true,
	}
}

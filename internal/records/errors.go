package records

import (
	"errors"
	"fmt"

	"github.com/AnibalFR/devocionales4.0-sub000/internal/schema"
)

// Protocol error codes shared with clients. Clients branch on these, never on messages.
const (
	CodeEditConflict = "EDIT_CONFLICT"
	CodeNotFound     = "NOT_FOUND"
	CodeValidation   = "VALIDATION_ERROR"
)

var (
	// ErrNotFound indicates that the addressed entity does not exist.
	ErrNotFound = errors.New("records: entity not found")
	// ErrEditConflict indicates that a protected write carried a stale timestamp.
	ErrEditConflict = errors.New("records: edit conflict")
	// ErrValidation indicates that the requested change was rejected before any write.
	ErrValidation = errors.New("records: validation failed")
)

// ConflictError carries the server-side state that a protected write collided with.
type ConflictError struct {
	Kind     schema.Kind
	EntityID EntityID
	Expected schema.Timestamp
	Fields   []string
	Current  Entity
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s/%s expected %s, current %s", ErrEditConflict, e.Kind, e.EntityID, e.Expected, e.Current.UpdatedAt)
}

func (e *ConflictError) Unwrap() error {
	return ErrEditConflict
}

// ValidationError describes a rejected field value.
type ValidationError struct {
	Field string
	err   error
}

func newValidationError(field string, cause error) *ValidationError {
	return &ValidationError{Field: field, err: cause}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", ErrValidation, e.err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrValidation, e.Field, e.err)
}

func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.err}
}

func notFound(kind schema.Kind, entityID EntityID) error {
	return fmt.Errorf("%w: %s/%s", ErrNotFound, kind, entityID)
}

// ErrorCode maps an error returned by the service to its protocol code. Internal failures
// return the ServiceError code, anything else returns an empty string.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEditConflict):
		return CodeEditConflict
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.As(err, &serviceErr):
		return serviceErr.Code()
	default:
		return ""
	}
}

// ServiceError wraps internal failures with an "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

package editing

import (
	"errors"
	"fmt"
)

// Error codes returned by the entity API. They mirror the server's protocol codes.
const (
	CodeEditConflict = "EDIT_CONFLICT"
	CodeNotFound     = "NOT_FOUND"
	CodeValidation   = "VALIDATION_ERROR"
)

var (
	// ErrSessionBusy indicates that the table already has an active, saving or conflicted session.
	ErrSessionBusy = errors.New("editing: another cell is being edited")
	// ErrNoSession indicates an operation that requires an Editing session.
	ErrNoSession = errors.New("editing: no active edit session")
	// ErrNoConflict indicates a resolution attempt without a pending conflict.
	ErrNoConflict = errors.New("editing: no pending conflict")
	// ErrFieldNotEditable indicates that the addressed cell cannot be activated.
	ErrFieldNotEditable = errors.New("editing: field is not editable")
	// ErrRowNotLoaded indicates that the addressed row is not in the cached table data.
	ErrRowNotLoaded = errors.New("editing: row not loaded")
	// ErrUnknownChoice indicates an unsupported conflict resolution choice.
	ErrUnknownChoice = errors.New("editing: unknown resolution choice")

	// ErrEditConflict matches an UpdateError carrying CodeEditConflict.
	ErrEditConflict = errors.New("editing: edit conflict")
	// ErrNotFound matches an UpdateError carrying CodeNotFound.
	ErrNotFound = errors.New("editing: entity not found")
	// ErrValidation matches an UpdateError carrying CodeValidation.
	ErrValidation = errors.New("editing: validation failed")
)

// UpdateError is a structured failure reported by the API. Errors of any other type are
// treated as transport failures.
type UpdateError struct {
	Code    string
	Message string
	Field   string
	Current *Row
}

func (e *UpdateError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets callers match UpdateError values against the package sentinels.
func (e *UpdateError) Is(target error) bool {
	switch target {
	case ErrEditConflict:
		return e.Code == CodeEditConflict
	case ErrNotFound:
		return e.Code == CodeNotFound
	case ErrValidation:
		return e.Code == CodeValidation
	default:
		return false
	}
}

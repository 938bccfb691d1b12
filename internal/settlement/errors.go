package settlement

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/odyssey-erp/settlement/internal/platform/httpx"
)

var (
	// ErrDocumentNotFound indicates the source document does not exist.
	ErrDocumentNotFound = fmt.Errorf("settlement: document not found: %w", httpx.ErrNotFound)
	// ErrEventNotFound indicates the settlement event does not exist.
	ErrEventNotFound = fmt.Errorf("settlement: event not found: %w", httpx.ErrNotFound)
	// ErrReferenceNotFound marks an event pointing at a document that no longer exists.
	ErrReferenceNotFound = errors.New("settlement: referenced document not found")
	// ErrBackdateNotAllowed is returned when the period gate refuses a past-dated entry.
	ErrBackdateNotAllowed = fmt.Errorf("settlement: backdated entry not allowed: %w", httpx.ErrForbidden)
	// ErrDocumentExists indicates a duplicate document number.
	ErrDocumentExists = fmt.Errorf("settlement: document already exists: %w", httpx.ErrDuplicate)
	// ErrDocumentCancelled is returned when mutating a cancelled bill.
	ErrDocumentCancelled = fmt.Errorf("settlement: document cancelled: %w", httpx.ErrValidation)
)

// ValidationError lists rejected input fields.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, field+": "+msg)
	}
	sort.Strings(parts)
	return "settlement: validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return httpx.ErrValidation
}

func (e *ValidationError) FieldErrors() map[string]string {
	return e.Fields
}

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// CascadeError records a document whose recomputation was abandoned.
type CascadeError struct {
	Target  Target
	EventID string
	Err     error
}

func (e *CascadeError) Error() string {
	return fmt.Sprintf("settlement: cascade %s %s (event %s): %v", e.Target.Variant, e.Target.Number, e.EventID, e.Err)
}

func (e *CascadeError) Unwrap() error {
	return e.Err
}

// Retryable reports whether err may clear on its own, such as a dropped
// connection. Domain rejections never do.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	for _, domain := range []error{
		httpx.ErrValidation, httpx.ErrNotFound, httpx.ErrDuplicate,
		httpx.ErrForbidden, httpx.ErrConflict, ErrReferenceNotFound,
	} {
		if errors.Is(err, domain) {
			return false
		}
	}
	return true
}

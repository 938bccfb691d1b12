package tax

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/settlement/internal/platform/httpx"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// FieldError names one rejected field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError reports line input rejected before computation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "tax: invalid line: " + strings.Join(parts, "; ")
}

// Unwrap ties the error to the shared validation sentinel.
func (e *ValidationError) Unwrap() error {
	return httpx.ErrValidation
}

// FieldErrors exposes the rejected fields for problem responses.
func (e *ValidationError) FieldErrors() map[string]string {
	out := make(map[string]string, len(e.Fields))
	for _, f := range e.Fields {
		out[f.Field] = f.Message
	}
	return out
}

// ValidateLines checks every line and prefixes field paths with the line index.
func ValidateLines(lines []LineItem) error {
	if len(lines) == 0 {
		return &ValidationError{Fields: []FieldError{{Field: "lines", Message: "at least one line is required"}}}
	}
	var out ValidationError
	for i, line := range lines {
		err := ValidateLine(line)
		if err == nil {
			continue
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			return err
		}
		for _, f := range verr.Fields {
			out.Fields = append(out.Fields, FieldError{Field: fmt.Sprintf("lines[%d].%s", i, f.Field), Message: f.Message})
		}
	}
	if len(out.Fields) > 0 {
		return &out
	}
	return nil
}

// ValidateLine rejects negative quantities, prices and discounts and rates out of range.
func ValidateLine(line LineItem) error {
	err := validate.Struct(line)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := &ValidationError{}
	for _, fe := range fieldErrs {
		out.Fields = append(out.Fields, FieldError{
			Field:   fieldPath(fe.Namespace()),
			Message: describe(fe),
		})
	}
	return out
}

func fieldPath(ns string) string {
	if idx := strings.Index(ns, "."); idx >= 0 {
		ns = ns[idx+1:]
	}
	return strings.ToLower(ns)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	default:
		return "is invalid"
	}
}

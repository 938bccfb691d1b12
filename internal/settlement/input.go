package settlement

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/settlement/internal/tax"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DocumentInput carries the editable fields of an invoice or bill.
type DocumentInput struct {
	Number         string         `json:"number" validate:"required,max=64"`
	Date           time.Time      `json:"date" validate:"required"`
	Counterparty   string         `json:"counterparty" validate:"required,max=200"`
	Currency       string         `json:"currency" validate:"omitempty,len=3"`
	Lines          []tax.LineItem `json:"lines"`
	Totals         *tax.Totals    `json:"totals,omitempty"`
	DueDate        *time.Time     `json:"due_date,omitempty"`
	PaymentTerms   string         `json:"payment_terms" validate:"max=32"`
	ApprovalStatus string         `json:"approval_status"`
	Actor          int64          `json:"-"`
}

// BillInput extends DocumentInput with TDS details. A zero TDSAmount is
// derived from TDSPercent and the taxable value.
type BillInput struct {
	DocumentInput
	TDSSection string  `json:"tds_section" validate:"max=16"`
	TDSPercent float64 `json:"tds_percent" validate:"gte=0,lte=100"`
	TDSAmount  float64 `json:"tds_amount" validate:"gte=0"`
}

// EventInput records a collection, payment or note. DocumentNumbers wins over
// the legacy comma-joined Reference.
type EventInput struct {
	Number          string         `json:"number" validate:"max=64"`
	Kind            string         `json:"kind" validate:"required"`
	Target          string         `json:"target"`
	DocumentNumbers []string       `json:"document_numbers"`
	Reference       string         `json:"reference"`
	Date            time.Time      `json:"date" validate:"required"`
	Amount          float64        `json:"amount" validate:"gte=0"`
	TDSPercent      float64        `json:"tds_percent" validate:"gte=0,lte=100"`
	TDSAmount       float64        `json:"tds_amount" validate:"gte=0"`
	NoteLines       []tax.LineItem `json:"note_lines,omitempty"`
	NoteGrandTotal  float64        `json:"note_grand_total" validate:"gte=0"`
	ApprovalStatus  string         `json:"approval_status"`
	Actor           int64          `json:"-"`
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		out.Fields[fieldName(fe.Namespace())] = describe(fe)
	}
	return out
}

// fieldName drops the root struct and any embedded struct from the namespace.
func fieldName(ns string) string {
	parts := strings.Split(ns, ".")
	kept := parts[:0]
	for i, p := range parts {
		if i == 0 || p == "" || p[0] >= 'A' && p[0] <= 'Z' {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, ".")
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	}
	return "is invalid"
}

func parseApproval(raw string) (ApprovalStatus, error) {
	status, ok := NormalizeApproval(raw)
	if !ok {
		return "", invalid("approval_status", "must be Pending, Approved or Rejected")
	}
	return status, nil
}

func (in EventInput) references() []string {
	if len(in.DocumentNumbers) > 0 {
		return ParseDocumentNumbers(strings.Join(in.DocumentNumbers, ","))
	}
	return ParseDocumentNumbers(in.Reference)
}

// resolveTarget infers the target variant from the kind. Notes must name it.
func (in EventInput) resolveTarget(kind EventKind) (Variant, error) {
	target, ok := ParseVariant(in.Target)
	switch kind {
	case KindCollection:
		if in.Target != "" && target != VariantInvoice {
			return "", invalid("target", "collections settle invoices")
		}
		return VariantInvoice, nil
	case KindPayment:
		if in.Target != "" && target != VariantBill {
			return "", invalid("target", "payments settle bills")
		}
		return VariantBill, nil
	}
	if !ok {
		return "", invalid("target", "must be invoice or bill")
	}
	return target, nil
}

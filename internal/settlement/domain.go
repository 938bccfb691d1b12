package settlement

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/settlement/internal/tax"
)

// Variant distinguishes the two source document kinds.
type Variant string

const (
	VariantInvoice Variant = "invoice"
	VariantBill    Variant = "bill"
)

// ParseVariant accepts singular or plural forms in any casing.
func ParseVariant(raw string) (Variant, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "invoice", "invoices":
		return VariantInvoice, true
	case "bill", "bills":
		return VariantBill, true
	}
	return "", false
}

// ApprovalStatus is the canonical approval state shared by documents and events.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "Pending"
	ApprovalApproved ApprovalStatus = "Approved"
	ApprovalRejected ApprovalStatus = "Rejected"
)

// NormalizeApproval maps any stored casing onto the canonical enum. Empty input
// is treated as Pending.
func NormalizeApproval(raw string) (ApprovalStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "pending":
		return ApprovalPending, true
	case "approved":
		return ApprovalApproved, true
	case "rejected":
		return ApprovalRejected, true
	}
	return "", false
}

// IsApproved reports whether the status counts toward settlement totals.
func (s ApprovalStatus) IsApproved() bool {
	normalized, ok := NormalizeApproval(string(s))
	return ok && normalized == ApprovalApproved
}

// InvoiceStatus enumerates derived invoice states.
type InvoiceStatus string

const (
	InvoiceNotReceived       InvoiceStatus = "NotReceived"
	InvoicePartiallyReceived InvoiceStatus = "PartiallyReceived"
	InvoiceFullyReceived     InvoiceStatus = "FullyReceived"
)

// BillStatus enumerates derived bill states.
type BillStatus string

const (
	BillDraft         BillStatus = "Draft"
	BillPending       BillStatus = "Pending"
	BillNotPaid       BillStatus = "NotPaid"
	BillDueSoon       BillStatus = "DueSoon"
	BillOverdue       BillStatus = "Overdue"
	BillPartiallyPaid BillStatus = "PartiallyPaid"
	BillFullyPaid     BillStatus = "FullyPaid"
	BillCancelled     BillStatus = "Cancelled"
)

// IsTerminal reports whether recomputation must leave the status alone.
func (s BillStatus) IsTerminal() bool {
	return s == BillCancelled
}

// Document carries the fields shared by invoices and bills.
type Document struct {
	Number         string         `json:"number"`
	Date           time.Time      `json:"date"`
	Counterparty   string         `json:"counterparty"`
	Currency       string         `json:"currency"`
	Lines          []tax.LineItem `json:"lines"`
	Totals         tax.Totals     `json:"totals"`
	DueDate        *time.Time     `json:"due_date,omitempty"`
	PaymentTerms   string         `json:"payment_terms"`
	ApprovalStatus ApprovalStatus `json:"approval_status"`
	CreatedBy      int64          `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Invoice is a receivable source document.
type Invoice struct {
	Document
	Status InvoiceStatus `json:"status"`
}

// TDS holds the tax deducted at source on a bill.
type TDS struct {
	Section string  `json:"section"`
	Percent float64 `json:"percent"`
	Amount  float64 `json:"amount"`
}

// Bill is a payable source document.
type Bill struct {
	Document
	TDS             TDS        `json:"tds"`
	Status          BillStatus `json:"status"`
	PaidAmount      float64    `json:"paid_amount"`
	RemainingAmount float64    `json:"remaining_amount"`
}

// EventKind enumerates settlement event variants.
type EventKind string

const (
	KindCollection EventKind = "Collection"
	KindPayment    EventKind = "Payment"
	KindCreditNote EventKind = "CreditNote"
	KindDebitNote  EventKind = "DebitNote"
)

// ParseEventKind accepts the kind in any casing.
func ParseEventKind(raw string) (EventKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "collection":
		return KindCollection, true
	case "payment":
		return KindPayment, true
	case "creditnote", "credit_note", "credit-note":
		return KindCreditNote, true
	case "debitnote", "debit_note", "debit-note":
		return KindDebitNote, true
	}
	return "", false
}

// IsNote reports whether the kind is a credit or debit note.
func (k EventKind) IsNote() bool {
	return k == KindCreditNote || k == KindDebitNote
}

// Event is a settlement recorded against one or more source documents.
// Collections may reference several invoices; every other kind references one
// document by number.
type Event struct {
	ID              uuid.UUID      `json:"id"`
	Number          string         `json:"number"`
	Kind            EventKind      `json:"kind"`
	Target          Variant        `json:"target"`
	DocumentNumbers []string       `json:"document_numbers"`
	Date            time.Time      `json:"date"`
	Amount          float64        `json:"amount"`
	TDSPercent      float64        `json:"tds_percent"`
	TDSAmount       float64        `json:"tds_amount"`
	NetAmount       float64        `json:"net_amount"`
	NoteGrandTotal  float64        `json:"note_grand_total"`
	ApprovalStatus  ApprovalStatus `json:"approval_status"`
	ApprovalReason  string         `json:"approval_reason,omitempty"`
	CreatedBy       int64          `json:"created_by"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Settles returns the amount the event contributes to a referenced document.
// Notes contribute their grand total, everything else its net amount.
func (e Event) Settles() float64 {
	if e.Kind.IsNote() {
		return e.NoteGrandTotal
	}
	return e.NetAmount
}

// ParseDocumentNumbers splits a comma-joined reference field into trimmed,
// de-duplicated numbers, preserving order.
func ParseDocumentNumbers(raw string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		key := strings.ToUpper(token)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, token)
	}
	return out
}

// References reports whether the event points at number.
func (e Event) References(number string) bool {
	number = strings.TrimSpace(number)
	for _, ref := range e.DocumentNumbers {
		if strings.EqualFold(strings.TrimSpace(ref), number) {
			return true
		}
	}
	return false
}

// Target identifies one source document touched by an event.
type Target struct {
	Variant Variant `json:"variant"`
	Number  string  `json:"number"`
}

// Targets returns the distinct documents referenced by the event.
func (e Event) Targets() []Target {
	targets := make([]Target, 0, len(e.DocumentNumbers))
	for _, n := range e.DocumentNumbers {
		targets = append(targets, Target{Variant: e.Target, Number: n})
	}
	return targets
}

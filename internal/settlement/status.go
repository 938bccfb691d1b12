package settlement

import (
	"time"

	"github.com/odyssey-erp/settlement/internal/tax"
)

// Policy carries the tunables of status derivation and collection.
type Policy struct {
	// Epsilon is the currency tolerance used when comparing totals.
	Epsilon float64
	// DueSoonDays is the inclusive window before the due date reported as DueSoon.
	DueSoonDays int
	// FullAmountPerReference counts a multi-invoice collection's whole net amount
	// toward every invoice it names. When false the amount is split evenly.
	FullAmountPerReference bool
}

// DefaultPolicy mirrors the behaviour of the existing books.
func DefaultPolicy() Policy {
	return Policy{Epsilon: tax.Epsilon, DueSoonDays: 7, FullAmountPerReference: true}
}

func (p Policy) epsilon() float64 {
	if p.Epsilon <= 0 {
		return tax.Epsilon
	}
	return p.Epsilon
}

// InvoiceSettlement is the aggregate of approved events for one invoice.
type InvoiceSettlement struct {
	Collected float64 `json:"collected"`
	Credited  float64 `json:"credited"`
}

// Received is the total settled against the invoice.
func (s InvoiceSettlement) Received() float64 {
	return s.Collected + s.Credited
}

// DeriveInvoiceStatus is re-evaluated in full on every call.
func DeriveInvoiceStatus(grandTotal float64, s InvoiceSettlement, p Policy) InvoiceStatus {
	received := s.Received()
	switch {
	case received >= grandTotal-p.epsilon():
		return InvoiceFullyReceived
	case received > 0:
		return InvoicePartiallyReceived
	default:
		return InvoiceNotReceived
	}
}

// InvoiceRemaining is the unsettled amount of an invoice, never negative.
func InvoiceRemaining(grandTotal float64, s InvoiceSettlement) float64 {
	remaining := grandTotal - s.Received()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// BillSettlement is the aggregate of approved events for one bill.
type BillSettlement struct {
	Paid     float64 `json:"paid"`
	Credited float64 `json:"credited"`
}

// BillState is the input of DeriveBillStatus.
type BillState struct {
	GrandTotal float64
	TDSAmount  float64
	DueDate    *time.Time
	Current    BillStatus
	// New is set while the bill is being created.
	New bool
}

// NetPayable is what remains owed before payments.
func (b BillState) NetPayable(s BillSettlement) float64 {
	return b.GrandTotal - b.TDSAmount - s.Credited
}

// BillRemaining is max(0, grandTotal - TDS - paid - credited).
func BillRemaining(b BillState, s BillSettlement) float64 {
	remaining := b.NetPayable(s) - s.Paid
	if remaining < 0 {
		return 0
	}
	return remaining
}

// DeriveBillStatus is re-evaluated in full on every call. Cancelled is kept as is.
func DeriveBillStatus(b BillState, s BillSettlement, today time.Time, p Policy) BillStatus {
	if b.Current.IsTerminal() {
		return b.Current
	}
	netPayable := b.NetPayable(s)
	switch {
	case s.Paid >= netPayable-p.epsilon():
		return BillFullyPaid
	case s.Paid > 0:
		return BillPartiallyPaid
	}
	if b.DueDate == nil {
		if b.New {
			return BillDraft
		}
		return BillNotPaid
	}
	days := daysBetween(today, *b.DueDate)
	switch {
	case days < 0:
		return BillOverdue
	case days <= p.DueSoonDays:
		return BillDueSoon
	default:
		return BillNotPaid
	}
}

// daysBetween counts calendar days from a to b, ignoring the time of day.
func daysBetween(a, b time.Time) int {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

// DaysSince returns today minus ref in calendar days.
func DaysSince(ref, today time.Time) int {
	return daysBetween(ref, today)
}

package settlement

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/settlement/internal/tax"
)

type memoryRepo struct {
	mu       sync.Mutex
	invoices map[string]Invoice
	bills    map[string]Bill
	events   map[uuid.UUID]Event

	statusWrites int
	failOn       map[string]error
	// numeric stores bill amounts with two decimals like the NUMERIC columns.
	numeric bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		invoices: make(map[string]Invoice),
		bills:    make(map[string]Bill),
		events:   make(map[uuid.UUID]Event),
		failOn:   make(map[string]error),
	}
}

func key(number string) string {
	return strings.ToUpper(strings.TrimSpace(number))
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *memoryRepo) GetInvoice(_ context.Context, number string) (Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failOn[key(number)]; ok {
		return Invoice{}, err
	}
	inv, ok := m.invoices[key(number)]
	if !ok {
		return Invoice{}, ErrDocumentNotFound
	}
	return inv, nil
}

func (m *memoryRepo) GetBill(_ context.Context, number string) (Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failOn[key(number)]; ok {
		return Bill{}, err
	}
	bill, ok := m.bills[key(number)]
	if !ok {
		return Bill{}, ErrDocumentNotFound
	}
	return bill, nil
}

func (m *memoryRepo) ListInvoices(_ context.Context, filter DocumentFilter) ([]Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Invoice
	for _, inv := range m.invoices {
		if matches(inv.Document, filter) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (m *memoryRepo) ListBills(_ context.Context, filter DocumentFilter) ([]Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Bill
	for _, bill := range m.bills {
		if matches(bill.Document, filter) {
			out = append(out, bill)
		}
	}
	return out, nil
}

func matches(doc Document, filter DocumentFilter) bool {
	if filter.Counterparty != "" && !strings.EqualFold(doc.Counterparty, filter.Counterparty) {
		return false
	}
	if filter.ApprovedOnly && !doc.ApprovalStatus.IsApproved() {
		return false
	}
	if !filter.From.IsZero() && doc.Date.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && !doc.Date.Before(filter.To) {
		return false
	}
	return true
}

func (m *memoryRepo) GetEvent(_ context.Context, id uuid.UUID) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return Event{}, ErrEventNotFound
	}
	return ev, nil
}

func (m *memoryRepo) ListEventsReferencing(_ context.Context, variant Variant, number string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Target == variant && ev.References(number) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memoryRepo) InsertInvoice(_ context.Context, inv Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[key(inv.Number)]; ok {
		return ErrDocumentExists
	}
	m.invoices[key(inv.Number)] = inv
	return nil
}

func (m *memoryRepo) UpdateInvoice(_ context.Context, inv Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.invoices[key(inv.Number)]
	if !ok {
		return ErrDocumentNotFound
	}
	inv.Status = current.Status
	inv.ApprovalStatus = current.ApprovalStatus
	m.invoices[key(inv.Number)] = inv
	return nil
}

func (m *memoryRepo) UpdateInvoiceStatus(_ context.Context, number string, status InvoiceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[key(number)]
	if !ok {
		return ErrDocumentNotFound
	}
	inv.Status = status
	m.invoices[key(number)] = inv
	m.statusWrites++
	return nil
}

func (m *memoryRepo) InsertBill(_ context.Context, bill Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bills[key(bill.Number)]; ok {
		return ErrDocumentExists
	}
	if m.numeric {
		bill.PaidAmount = tax.RoundCurrency(bill.PaidAmount)
		bill.RemainingAmount = tax.RoundCurrency(bill.RemainingAmount)
	}
	m.bills[key(bill.Number)] = bill
	return nil
}

func (m *memoryRepo) UpdateBill(_ context.Context, bill Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.bills[key(bill.Number)]
	if !ok {
		return ErrDocumentNotFound
	}
	current.Document = bill.Document
	current.TDS = bill.TDS
	m.bills[key(bill.Number)] = current
	return nil
}

func (m *memoryRepo) UpdateBillSettlement(_ context.Context, number string, status BillStatus, paid, remaining float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bill, ok := m.bills[key(number)]
	if !ok {
		return ErrDocumentNotFound
	}
	if m.numeric {
		paid, remaining = tax.RoundCurrency(paid), tax.RoundCurrency(remaining)
	}
	bill.Status = status
	bill.PaidAmount = paid
	bill.RemainingAmount = remaining
	m.bills[key(number)] = bill
	m.statusWrites++
	return nil
}

func (m *memoryRepo) UpdateDocumentApproval(_ context.Context, variant Variant, number string, status ApprovalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch variant {
	case VariantInvoice:
		inv, ok := m.invoices[key(number)]
		if !ok {
			return ErrDocumentNotFound
		}
		inv.ApprovalStatus = status
		m.invoices[key(number)] = inv
	case VariantBill:
		bill, ok := m.bills[key(number)]
		if !ok {
			return ErrDocumentNotFound
		}
		bill.ApprovalStatus = status
		m.bills[key(number)] = bill
	}
	return nil
}

func (m *memoryRepo) InsertEvent(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.ID] = ev
	return nil
}

func (m *memoryRepo) UpdateEvent(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.ID]; !ok {
		return ErrEventNotFound
	}
	m.events[ev.ID] = ev
	return nil
}

func (m *memoryRepo) UpdateEventApproval(_ context.Context, id uuid.UUID, status ApprovalStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	ev.ApprovalStatus = status
	ev.ApprovalReason = reason
	m.events[id] = ev
	return nil
}

func (m *memoryRepo) DeleteEvent(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[id]; !ok {
		return ErrEventNotFound
	}
	delete(m.events, id)
	return nil
}

// seedEvent stores an event directly, bypassing the service.
func (m *memoryRepo) seedEvent(ev Event) Event {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	m.events[ev.ID] = ev
	return ev
}

var fixedNow = time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

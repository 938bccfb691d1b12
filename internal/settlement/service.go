package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/settlement/internal/periods"
	"github.com/odyssey-erp/settlement/internal/shared"
	"github.com/odyssey-erp/settlement/internal/tax"
)

// Dispatcher runs the cascade for an event change, inline or through a queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, change Change) error
}

// InlineDispatcher propagates synchronously within the caller's request.
type InlineDispatcher struct {
	Propagator *Propagator
}

// Dispatch runs the cascade. Per-document failures are logged by the
// propagator and do not fail the originating mutation.
func (d InlineDispatcher) Dispatch(ctx context.Context, change Change) error {
	d.Propagator.Propagate(ctx, change)
	return nil
}

// ApprovalLogger records approval transitions.
type ApprovalLogger interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// ReadModel is a derived view retired after every mutation, such as the
// aging report cache.
type ReadModel interface {
	Bump(ctx context.Context) error
}

// Service orchestrates document and settlement event mutations.
type Service struct {
	repo       Repository
	collector  *Collector
	propagator *Propagator
	gate       periods.Gate
	dispatcher Dispatcher
	approvals  ApprovalLogger
	readModels []ReadModel
	logger     *slog.Logger
	now        func() time.Time
}

// NewService wires the service with an inline dispatcher.
func NewService(repo Repository, collector *Collector, propagator *Propagator, gate periods.Gate, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if gate == nil {
		gate = periods.StaticGate(false)
	}
	return &Service{
		repo:       repo,
		collector:  collector,
		propagator: propagator,
		gate:       gate,
		dispatcher: InlineDispatcher{Propagator: propagator},
		logger:     logger,
		now:        time.Now,
	}
}

// SetDispatcher swaps the cascade dispatcher, e.g. for the asynq queue.
func (s *Service) SetDispatcher(d Dispatcher) {
	if d != nil {
		s.dispatcher = d
	}
}

// SetApprovalLogger injects the approval history recorder.
func (s *Service) SetApprovalLogger(l ApprovalLogger) {
	s.approvals = l
}

// AddReadModel registers a view to retire after mutations.
func (s *Service) AddReadModel(m ReadModel) {
	if m != nil {
		s.readModels = append(s.readModels, m)
	}
}

// SetClock overrides the service clock.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Propagator exposes the cascade propagator.
func (s *Service) Propagator() *Propagator {
	return s.propagator
}

// ComputeTotals validates the lines and aggregates them.
func (s *Service) ComputeTotals(lines []tax.LineItem, opts tax.Options) (tax.Totals, []tax.LineItem, error) {
	if err := tax.ValidateLines(lines); err != nil {
		return tax.Totals{}, nil, err
	}
	totals, computed := tax.ComputeTotals(lines, opts)
	return totals, computed, nil
}

// CreateInvoice computes totals and stores the invoice with its derived status.
func (s *Service) CreateInvoice(ctx context.Context, input DocumentInput) (Invoice, error) {
	doc, err := s.buildDocument(ctx, input, periods.SectionInvoices)
	if err != nil {
		return Invoice{}, err
	}
	sums, err := s.collector.ForInvoice(ctx, doc.Number)
	if err != nil {
		return Invoice{}, err
	}
	inv := Invoice{Document: doc, Status: DeriveInvoiceStatus(doc.Totals.GrandTotal, sums, s.collector.Policy())}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertInvoice(ctx, inv)
	})
	if err != nil {
		return Invoice{}, err
	}
	s.recordApproval(ctx, documentModule(VariantInvoice), documentRef(VariantInvoice, inv.Number), input.Actor, inv.ApprovalStatus, "")
	s.touched(ctx)
	return inv, nil
}

// UpdateInvoice edits the invoice and re-derives its status.
func (s *Service) UpdateInvoice(ctx context.Context, number string, input DocumentInput) (Invoice, error) {
	current, err := s.repo.GetInvoice(ctx, number)
	if err != nil {
		return Invoice{}, err
	}
	input.Number = current.Number
	doc, err := s.mergeDocument(ctx, current.Document, input, periods.SectionInvoices)
	if err != nil {
		return Invoice{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateInvoice(ctx, Invoice{Document: doc, Status: current.Status})
	})
	if err != nil {
		return Invoice{}, err
	}
	if _, err := s.propagator.RecomputeStatus(ctx, doc.Number, VariantInvoice); err != nil {
		return Invoice{}, err
	}
	s.touched(ctx)
	return s.repo.GetInvoice(ctx, doc.Number)
}

// CreateBill computes totals and TDS and stores the bill with its derived status.
func (s *Service) CreateBill(ctx context.Context, input BillInput) (Bill, error) {
	if err := validateStruct(input); err != nil {
		return Bill{}, err
	}
	doc, err := s.buildDocument(ctx, input.DocumentInput, periods.SectionBills)
	if err != nil {
		return Bill{}, err
	}
	bill := Bill{Document: doc, TDS: billTDS(input, doc.Totals)}
	sums, err := s.collector.ForBill(ctx, doc.Number)
	if err != nil {
		return Bill{}, err
	}
	state := BillState{GrandTotal: doc.Totals.GrandTotal, TDSAmount: bill.TDS.Amount, DueDate: doc.DueDate, New: true}
	bill.Status = DeriveBillStatus(state, sums, s.now(), s.collector.Policy())
	bill.PaidAmount = tax.RoundCurrency(sums.Paid)
	bill.RemainingAmount = tax.RoundCurrency(BillRemaining(state, sums))

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertBill(ctx, bill)
	})
	if err != nil {
		return Bill{}, err
	}
	s.recordApproval(ctx, documentModule(VariantBill), documentRef(VariantBill, bill.Number), input.Actor, bill.ApprovalStatus, "")
	s.touched(ctx)
	return bill, nil
}

// UpdateBill edits the bill and re-derives its status. Cancelled bills are frozen.
func (s *Service) UpdateBill(ctx context.Context, number string, input BillInput) (Bill, error) {
	current, err := s.repo.GetBill(ctx, number)
	if err != nil {
		return Bill{}, err
	}
	if current.Status.IsTerminal() {
		return Bill{}, ErrDocumentCancelled
	}
	input.Number = current.Number
	if err := validateStruct(input); err != nil {
		return Bill{}, err
	}
	doc, err := s.mergeDocument(ctx, current.Document, input.DocumentInput, periods.SectionBills)
	if err != nil {
		return Bill{}, err
	}
	updated := current
	updated.Document = doc
	updated.TDS = billTDS(input, doc.Totals)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateBill(ctx, updated)
	})
	if err != nil {
		return Bill{}, err
	}
	if _, err := s.propagator.RecomputeStatus(ctx, doc.Number, VariantBill); err != nil {
		return Bill{}, err
	}
	s.touched(ctx)
	return s.repo.GetBill(ctx, doc.Number)
}

// SetDocumentApproval applies an approval transition to a document. Rejecting
// a bill cancels it.
func (s *Service) SetDocumentApproval(ctx context.Context, variant Variant, number string, status ApprovalStatus, reason string, actor int64) error {
	status, ok := NormalizeApproval(string(status))
	if !ok {
		return invalid("approval_status", "must be Pending, Approved or Rejected")
	}
	var cancel *Bill
	switch variant {
	case VariantInvoice:
		if _, err := s.repo.GetInvoice(ctx, number); err != nil {
			return err
		}
	case VariantBill:
		bill, err := s.repo.GetBill(ctx, number)
		if err != nil {
			return err
		}
		if status == ApprovalRejected && !bill.Status.IsTerminal() {
			cancel = &bill
		}
	default:
		return invalid("variant", "must be invoice or bill")
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateDocumentApproval(ctx, variant, number, status); err != nil {
			return err
		}
		if cancel != nil {
			return tx.UpdateBillSettlement(ctx, cancel.Number, BillCancelled, cancel.PaidAmount, cancel.RemainingAmount)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.recordApproval(ctx, documentModule(variant), documentRef(variant, number), actor, status, reason)
	s.touched(ctx)
	return nil
}

// RecordEvent stores a settlement event and cascades to the referenced documents.
func (s *Service) RecordEvent(ctx context.Context, input EventInput) (Event, error) {
	ev, err := s.buildEvent(input)
	if err != nil {
		return Event{}, err
	}
	if err := s.checkBackdate(ctx, input.Actor, eventSection(ev.Kind), ev.Date); err != nil {
		return Event{}, err
	}
	now := s.now()
	ev.ID = uuid.New()
	ev.CreatedBy = input.Actor
	ev.CreatedAt = now
	ev.UpdatedAt = now

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertEvent(ctx, ev)
	})
	if err != nil {
		return Event{}, err
	}
	s.recordApproval(ctx, eventModule, ev.ID, input.Actor, ev.ApprovalStatus, "")
	s.dispatch(ctx, Change{Current: &ev})
	return ev, nil
}

// UpdateEvent replaces an event's amounts and references. Documents referenced
// before and after the edit are both recomputed.
func (s *Service) UpdateEvent(ctx context.Context, id uuid.UUID, input EventInput) (Event, error) {
	previous, err := s.repo.GetEvent(ctx, id)
	if err != nil {
		return Event{}, err
	}
	// Approval moves only through SetEventApproval.
	input.ApprovalStatus = string(previous.ApprovalStatus)
	next, err := s.buildEvent(input)
	if err != nil {
		return Event{}, err
	}
	if !next.Date.Equal(previous.Date) {
		if err := s.checkBackdate(ctx, input.Actor, eventSection(next.Kind), next.Date); err != nil {
			return Event{}, err
		}
	}
	next.ID = previous.ID
	next.ApprovalReason = previous.ApprovalReason
	next.CreatedBy = previous.CreatedBy
	next.CreatedAt = previous.CreatedAt
	next.UpdatedAt = s.now()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateEvent(ctx, next)
	})
	if err != nil {
		return Event{}, err
	}
	s.dispatch(ctx, Change{Previous: &previous, Current: &next})
	return next, nil
}

// DeleteEvent removes an event and re-cascades its former references.
func (s *Service) DeleteEvent(ctx context.Context, id uuid.UUID) error {
	previous, err := s.repo.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteEvent(ctx, id)
	})
	if err != nil {
		return err
	}
	s.dispatch(ctx, Change{Previous: &previous})
	return nil
}

// SetEventApproval applies an approval transition and cascades.
func (s *Service) SetEventApproval(ctx context.Context, id uuid.UUID, status ApprovalStatus, reason string, actor int64) (Event, error) {
	status, ok := NormalizeApproval(string(status))
	if !ok {
		return Event{}, invalid("approval_status", "must be Pending, Approved or Rejected")
	}
	previous, err := s.repo.GetEvent(ctx, id)
	if err != nil {
		return Event{}, err
	}
	next := previous
	next.ApprovalStatus = status
	next.ApprovalReason = strings.TrimSpace(reason)
	next.UpdatedAt = s.now()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateEventApproval(ctx, id, next.ApprovalStatus, next.ApprovalReason)
	})
	if err != nil {
		return Event{}, err
	}
	s.recordApproval(ctx, eventModule, id, actor, status, next.ApprovalReason)
	s.dispatch(ctx, Change{Previous: &previous, Current: &next})
	return next, nil
}

// Summary is the settlement position of one document.
type Summary struct {
	Variant    Variant `json:"variant"`
	Number     string  `json:"number"`
	GrandTotal float64 `json:"grand_total"`
	TDSAmount  float64 `json:"tds_amount"`
	Settled    float64 `json:"settled"`
	Credited   float64 `json:"credited"`
	Remaining  float64 `json:"remaining"`
	Status     string  `json:"status"`
	Approval   string  `json:"approval_status"`
}

// Summary reads a document's settlement position through the sum cache.
func (s *Service) Summary(ctx context.Context, variant Variant, number string) (Summary, error) {
	switch variant {
	case VariantInvoice:
		inv, err := s.repo.GetInvoice(ctx, number)
		if err != nil {
			return Summary{}, err
		}
		return s.invoiceSummary(ctx, inv)
	case VariantBill:
		bill, err := s.repo.GetBill(ctx, number)
		if err != nil {
			return Summary{}, err
		}
		return s.billSummary(ctx, bill)
	}
	return Summary{}, invalid("variant", "must be invoice or bill")
}

func (s *Service) invoiceSummary(ctx context.Context, inv Invoice) (Summary, error) {
	sums, err := s.collector.CachedInvoice(ctx, inv.Number)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Variant:    VariantInvoice,
		Number:     inv.Number,
		GrandTotal: inv.Totals.GrandTotal,
		Settled:    sums.Collected,
		Credited:   sums.Credited,
		Remaining:  InvoiceRemaining(inv.Totals.GrandTotal, sums),
		Status:     string(inv.Status),
		Approval:   string(inv.ApprovalStatus),
	}, nil
}

func (s *Service) billSummary(ctx context.Context, bill Bill) (Summary, error) {
	sums, err := s.collector.CachedBill(ctx, bill.Number)
	if err != nil {
		return Summary{}, err
	}
	state := BillState{GrandTotal: bill.Totals.GrandTotal, TDSAmount: bill.TDS.Amount}
	return Summary{
		Variant:    VariantBill,
		Number:     bill.Number,
		GrandTotal: bill.Totals.GrandTotal,
		TDSAmount:  bill.TDS.Amount,
		Settled:    sums.Paid,
		Credited:   sums.Credited,
		Remaining:  BillRemaining(state, sums),
		Status:     string(bill.Status),
		Approval:   string(bill.ApprovalStatus),
	}, nil
}

// RefreshBillStatuses re-derives every open bill so that date-driven states
// (DueSoon, Overdue) follow the calendar.
func (s *Service) RefreshBillStatuses(ctx context.Context) (CascadeReport, error) {
	bills, err := s.repo.ListBills(ctx, DocumentFilter{})
	if err != nil {
		return CascadeReport{}, err
	}
	var report CascadeReport
	for _, bill := range bills {
		if bill.Status.IsTerminal() || bill.Status == BillFullyPaid {
			continue
		}
		target := Target{Variant: VariantBill, Number: bill.Number}
		outcome, err := s.propagator.RecomputeStatus(ctx, bill.Number, VariantBill)
		if err != nil {
			report.Failures = append(report.Failures, &CascadeError{Target: target, Err: err})
			s.logger.Error("bill status refresh", slog.String("document", bill.Number), slog.Any("error", err))
			continue
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}
	return report, nil
}

// Finding is a stored document whose totals disagree with its lines.
type Finding struct {
	Variant  Variant             `json:"variant"`
	Number   string              `json:"number"`
	Findings []tax.Inconsistency `json:"findings"`
}

// Reconcile re-derives totals for every stored document and reports drift.
// Nothing is corrected.
func (s *Service) Reconcile(ctx context.Context) ([]Finding, error) {
	invoices, err := s.repo.ListInvoices(ctx, DocumentFilter{})
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	bills, err := s.repo.ListBills(ctx, DocumentFilter{})
	if err != nil {
		return nil, fmt.Errorf("list bills: %w", err)
	}
	tolerance := s.collector.Policy().epsilon()
	var out []Finding
	check := func(variant Variant, doc Document) {
		if found := tax.Reconcile(doc.Lines, doc.Totals, tolerance); len(found) > 0 {
			out = append(out, Finding{Variant: variant, Number: doc.Number, Findings: found})
		}
	}
	for _, inv := range invoices {
		check(VariantInvoice, inv.Document)
	}
	for _, bill := range bills {
		check(VariantBill, bill.Document)
	}
	return out, nil
}

func (s *Service) buildDocument(ctx context.Context, input DocumentInput, section string) (Document, error) {
	if err := validateStruct(input); err != nil {
		return Document{}, err
	}
	approval, err := parseApproval(input.ApprovalStatus)
	if err != nil {
		return Document{}, err
	}
	if err := s.checkBackdate(ctx, input.Actor, section, input.Date); err != nil {
		return Document{}, err
	}
	totals, lines, err := s.ComputeTotals(input.Lines, tax.Options{RecomputeTotals: true})
	if err != nil {
		return Document{}, err
	}
	now := s.now()
	return Document{
		Number:         strings.TrimSpace(input.Number),
		Date:           input.Date,
		Counterparty:   strings.TrimSpace(input.Counterparty),
		Currency:       currencyOrDefault(input.Currency),
		Lines:          lines,
		Totals:         totals,
		DueDate:        input.DueDate,
		PaymentTerms:   input.PaymentTerms,
		ApprovalStatus: approval,
		CreatedBy:      input.Actor,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// mergeDocument applies an edit. Supplied lines are always recomputed; when
// lines are omitted the stored lines stay and supplied totals are trusted.
// Moving the date asks the period gate again.
func (s *Service) mergeDocument(ctx context.Context, current Document, input DocumentInput, section string) (Document, error) {
	if err := validateStruct(input); err != nil {
		return Document{}, err
	}
	if !input.Date.Equal(current.Date) {
		if err := s.checkBackdate(ctx, input.Actor, section, input.Date); err != nil {
			return Document{}, err
		}
	}
	doc := current
	doc.Date = input.Date
	doc.Counterparty = strings.TrimSpace(input.Counterparty)
	doc.Currency = currencyOrDefault(input.Currency)
	doc.DueDate = input.DueDate
	doc.PaymentTerms = input.PaymentTerms
	doc.UpdatedAt = s.now()

	switch {
	case input.Lines != nil:
		totals, lines, err := s.ComputeTotals(input.Lines, tax.Options{RecomputeTotals: true})
		if err != nil {
			return Document{}, err
		}
		doc.Lines, doc.Totals = lines, totals
	case input.Totals != nil:
		doc.Totals, _ = tax.ComputeTotals(current.Lines, tax.Options{Supplied: *input.Totals})
	}
	return doc, nil
}

func (s *Service) buildEvent(input EventInput) (Event, error) {
	if err := validateStruct(input); err != nil {
		return Event{}, err
	}
	kind, ok := ParseEventKind(input.Kind)
	if !ok {
		return Event{}, invalid("kind", "must be Collection, Payment, CreditNote or DebitNote")
	}
	target, err := input.resolveTarget(kind)
	if err != nil {
		return Event{}, err
	}
	refs := input.references()
	switch {
	case len(refs) == 0:
		return Event{}, invalid("document_numbers", "at least one document number is required")
	case len(refs) > 1 && kind != KindCollection:
		return Event{}, invalid("document_numbers", "only collections may reference several documents")
	}
	approval, err := parseApproval(input.ApprovalStatus)
	if err != nil {
		return Event{}, err
	}

	ev := Event{
		Number:          strings.TrimSpace(input.Number),
		Kind:            kind,
		Target:          target,
		DocumentNumbers: refs,
		Date:            input.Date,
		Amount:          input.Amount,
		TDSPercent:      input.TDSPercent,
		TDSAmount:       input.TDSAmount,
		ApprovalStatus:  approval,
	}
	if ev.TDSAmount == 0 && ev.TDSPercent > 0 {
		ev.TDSAmount = tax.RoundCurrency(ev.Amount * ev.TDSPercent / 100)
	}
	if ev.TDSAmount > ev.Amount {
		return Event{}, invalid("tds_amount", "must not exceed amount")
	}
	ev.NetAmount = ev.Amount - ev.TDSAmount

	if kind.IsNote() {
		ev.NoteGrandTotal = input.NoteGrandTotal
		if len(input.NoteLines) > 0 {
			totals, _, err := s.ComputeTotals(input.NoteLines, tax.Options{RecomputeTotals: true})
			if err != nil {
				return Event{}, err
			}
			ev.NoteGrandTotal = totals.GrandTotal
		}
		if ev.NoteGrandTotal == 0 {
			ev.NoteGrandTotal = ev.NetAmount
		}
	}
	return ev, nil
}

func (s *Service) checkBackdate(ctx context.Context, actor int64, section string, date time.Time) error {
	if !periods.IsBackdated(date, s.now()) {
		return nil
	}
	ok, err := s.gate.IsBackdatedEntryAllowed(ctx, actor, section, date)
	if err != nil {
		return fmt.Errorf("period gate: %w", err)
	}
	if !ok {
		return ErrBackdateNotAllowed
	}
	return nil
}

func (s *Service) dispatch(ctx context.Context, change Change) {
	if err := s.dispatcher.Dispatch(ctx, change); err != nil {
		// The mutation is committed; the nightly refresh and manual recompute
		// converge the documents.
		s.logger.Error("settlement cascade dispatch", slog.String("event_id", change.EventID()), slog.Any("error", err))
	}
	s.touched(ctx)
}

func (s *Service) touched(ctx context.Context) {
	for _, m := range s.readModels {
		if err := m.Bump(ctx); err != nil {
			s.logger.Warn("settlement read model bump", slog.Any("error", err))
		}
	}
}

const eventModule = "settlement.event"

func documentModule(variant Variant) string {
	return "settlement." + string(variant)
}

// documentRef derives a stable approval reference for a numbered document.
func documentRef(variant Variant, number string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(documentModule(variant)+":"+strings.ToUpper(number)))
}

func (s *Service) recordApproval(ctx context.Context, module string, ref uuid.UUID, actor int64, status ApprovalStatus, note string) {
	if s.approvals == nil || actor == 0 {
		return
	}
	action := shared.ApprovalSubmit
	switch status {
	case ApprovalApproved:
		action = shared.ApprovalApprove
	case ApprovalRejected:
		action = shared.ApprovalReject
	}
	err := s.approvals.Record(ctx, shared.ApprovalLog{Module: module, RefID: ref, ActorID: actor, Action: action, Note: note, At: s.now()})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("settlement approval log", slog.String("module", module), slog.Any("error", err))
	}
}

func billTDS(input BillInput, totals tax.Totals) TDS {
	tds := TDS{Section: strings.TrimSpace(input.TDSSection), Percent: input.TDSPercent, Amount: input.TDSAmount}
	if tds.Amount == 0 && tds.Percent > 0 {
		tds.Amount = tax.RoundCurrency(totals.TaxableValue * tds.Percent / 100)
	}
	return tds
}

func eventSection(kind EventKind) string {
	switch kind {
	case KindCollection:
		return periods.SectionCollections
	case KindPayment:
		return periods.SectionPayments
	}
	return periods.SectionNotes
}

func currencyOrDefault(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "INR"
	}
	return code
}

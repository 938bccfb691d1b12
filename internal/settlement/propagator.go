package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/odyssey-erp/settlement/internal/shared"
	"github.com/odyssey-erp/settlement/internal/tax"
)

// amountDrift is the smallest change of a persisted bill amount worth a write.
const amountDrift = 1e-9

// Change describes an event mutation. Previous is nil on create, Current is
// nil on delete.
type Change struct {
	Previous *Event `json:"previous,omitempty"`
	Current  *Event `json:"current,omitempty"`
}

// Targets returns the distinct documents touched by either side of the change.
func (c Change) Targets() []Target {
	var out []Target
	seen := make(map[string]struct{})
	for _, ev := range []*Event{c.Previous, c.Current} {
		if ev == nil {
			continue
		}
		for _, target := range ev.Targets() {
			key := string(target.Variant) + ":" + strings.ToUpper(strings.TrimSpace(target.Number))
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, target)
		}
	}
	return out
}

// EventID returns the identifier of the changed event for log correlation.
func (c Change) EventID() string {
	switch {
	case c.Current != nil:
		return c.Current.ID.String()
	case c.Previous != nil:
		return c.Previous.ID.String()
	}
	return ""
}

// Outcome is the result of recomputing one document.
type Outcome struct {
	Target   Target `json:"target"`
	Previous string `json:"previous_status"`
	Current  string `json:"current_status"`
	Changed  bool   `json:"changed"`
}

// CascadeReport summarises a propagation run.
type CascadeReport struct {
	Outcomes []Outcome       `json:"outcomes"`
	Skipped  []Target        `json:"skipped,omitempty"`
	Failures []*CascadeError `json:"-"`
}

// Err joins every failure. Skipped documents are not failures.
func (r CascadeReport) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// AuditRecorder persists status transitions.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// CascadeObserver receives per-document cascade outcomes.
type CascadeObserver interface {
	CascadeOutcome(variant, outcome string)
}

// Propagator recomputes document status after settlement events change.
type Propagator struct {
	repo      Repository
	collector *Collector
	audit     AuditRecorder
	observer  CascadeObserver
	logger    *slog.Logger
	now       func() time.Time
}

// PropagatorOption customises a Propagator.
type PropagatorOption func(*Propagator)

// WithAudit records every persisted status transition.
func WithAudit(audit AuditRecorder) PropagatorOption {
	return func(p *Propagator) { p.audit = audit }
}

// WithObserver reports cascade outcomes, typically to Prometheus.
func WithObserver(observer CascadeObserver) PropagatorOption {
	return func(p *Propagator) { p.observer = observer }
}

// WithClock overrides the clock used for due-date windows.
func WithClock(now func() time.Time) PropagatorOption {
	return func(p *Propagator) { p.now = now }
}

// NewPropagator wires the propagator.
func NewPropagator(repo Repository, collector *Collector, logger *slog.Logger, opts ...PropagatorOption) *Propagator {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Propagator{repo: repo, collector: collector, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Propagate re-derives the status of every document referenced before or
// after the change. A failing document never blocks its siblings.
func (p *Propagator) Propagate(ctx context.Context, change Change) CascadeReport {
	eventID := change.EventID()
	targets := change.Targets()
	p.collector.Invalidate(ctx, targets...)

	var report CascadeReport
	for _, target := range targets {
		outcome, err := p.recomputeSafe(ctx, target)
		switch {
		case err == nil:
			report.Outcomes = append(report.Outcomes, outcome)
			if outcome.Changed {
				p.observe(target, "updated")
			} else {
				p.observe(target, "unchanged")
			}
		case errors.Is(err, ErrDocumentNotFound):
			report.Skipped = append(report.Skipped, target)
			p.observe(target, "skipped")
			p.logger.Warn("settlement cascade skipped document",
				slog.String("document", target.Number),
				slog.String("variant", string(target.Variant)),
				slog.String("event_id", eventID),
				slog.Any("error", ErrReferenceNotFound))
		default:
			report.Failures = append(report.Failures, &CascadeError{Target: target, EventID: eventID, Err: err})
			p.observe(target, "failed")
			p.logger.Error("settlement cascade failed",
				slog.String("document", target.Number),
				slog.String("variant", string(target.Variant)),
				slog.String("event_id", eventID),
				slog.Any("error", err))
		}
	}
	return report
}

// RecomputeStatus re-derives a single document from every approved event.
func (p *Propagator) RecomputeStatus(ctx context.Context, number string, variant Variant) (Outcome, error) {
	target := Target{Variant: variant, Number: strings.TrimSpace(number)}
	if target.Number == "" {
		return Outcome{}, invalid("number", "is required")
	}
	p.collector.Invalidate(ctx, target)
	return p.recomputeSafe(ctx, target)
}

func (p *Propagator) recomputeSafe(ctx context.Context, target Target) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("settlement: recompute panic: %v", r)
		}
	}()
	switch target.Variant {
	case VariantInvoice:
		return p.recomputeInvoice(ctx, target)
	case VariantBill:
		return p.recomputeBill(ctx, target)
	}
	return Outcome{}, invalid("variant", "must be invoice or bill")
}

func (p *Propagator) recomputeInvoice(ctx context.Context, target Target) (Outcome, error) {
	inv, err := p.repo.GetInvoice(ctx, target.Number)
	if err != nil {
		return Outcome{}, err
	}
	sums, err := p.collector.ForInvoice(ctx, inv.Number)
	if err != nil {
		return Outcome{}, fmt.Errorf("collect invoice settlements: %w", err)
	}
	p.collector.store(ctx, target, sums)

	next := DeriveInvoiceStatus(inv.Totals.GrandTotal, sums, p.collector.Policy())
	outcome := Outcome{Target: target, Previous: string(inv.Status), Current: string(next)}
	if next == inv.Status {
		return outcome, nil
	}
	err = p.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateInvoiceStatus(ctx, inv.Number, next)
	})
	if err != nil {
		return Outcome{}, err
	}
	outcome.Changed = true
	p.record(ctx, target, outcome, map[string]any{"received": sums.Received()})
	return outcome, nil
}

func (p *Propagator) recomputeBill(ctx context.Context, target Target) (Outcome, error) {
	bill, err := p.repo.GetBill(ctx, target.Number)
	if err != nil {
		return Outcome{}, err
	}
	sums, err := p.collector.ForBill(ctx, bill.Number)
	if err != nil {
		return Outcome{}, fmt.Errorf("collect bill settlements: %w", err)
	}
	p.collector.store(ctx, target, sums)

	state := BillState{
		GrandTotal: bill.Totals.GrandTotal,
		TDSAmount:  bill.TDS.Amount,
		DueDate:    bill.DueDate,
		Current:    bill.Status,
	}
	next := DeriveBillStatus(state, sums, p.now(), p.collector.Policy())
	// Stored amounts carry two decimals; compare in that precision.
	paid := tax.RoundCurrency(sums.Paid)
	remaining := tax.RoundCurrency(BillRemaining(state, sums))
	outcome := Outcome{Target: target, Previous: string(bill.Status), Current: string(next)}
	if next == bill.Status && !drifted(paid, bill.PaidAmount) && !drifted(remaining, bill.RemainingAmount) {
		return outcome, nil
	}
	err = p.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateBillSettlement(ctx, bill.Number, next, paid, remaining)
	})
	if err != nil {
		return Outcome{}, err
	}
	outcome.Changed = true
	p.record(ctx, target, outcome, map[string]any{"paid": sums.Paid, "credited": sums.Credited, "remaining": remaining})
	return outcome, nil
}

func drifted(a, b float64) bool {
	return math.Abs(a-b) > amountDrift
}

func (p *Propagator) record(ctx context.Context, target Target, outcome Outcome, meta map[string]any) {
	if p.audit == nil {
		return
	}
	meta["from"] = outcome.Previous
	meta["to"] = outcome.Current
	err := p.audit.Record(ctx, shared.AuditLog{
		Action:   "settlement.status.recomputed",
		Entity:   string(target.Variant),
		EntityID: target.Number,
		Meta:     meta,
		At:       p.now(),
	})
	if err != nil {
		p.logger.Warn("settlement audit record", slog.String("document", target.Number), slog.Any("error", err))
	}
}

func (p *Propagator) observe(target Target, outcome string) {
	if p.observer != nil {
		p.observer.CascadeOutcome(string(target.Variant), outcome)
	}
}

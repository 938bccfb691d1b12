package settlement

import (
	"context"
	"log/slog"
)

// EventReader loads settlement events by reference.
type EventReader interface {
	// ListEventsReferencing returns every event of any approval state whose
	// target is variant and whose references include number. Implementations
	// may over-fetch; the collector filters again.
	ListEventsReferencing(ctx context.Context, variant Variant, number string) ([]Event, error)
}

// SumCache stores per-document settlement aggregates between cascades.
type SumCache interface {
	Load(ctx context.Context, target Target, dest any) (bool, error)
	Store(ctx context.Context, target Target, value any) error
	Invalidate(ctx context.Context, targets ...Target) error
}

// Collector aggregates approved settlement events per source document.
type Collector struct {
	events EventReader
	cache  SumCache
	policy Policy
	logger *slog.Logger
}

// NewCollector builds a Collector. cache may be nil.
func NewCollector(events EventReader, cache SumCache, policy Policy, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{events: events, cache: cache, policy: policy, logger: logger}
}

// Policy returns the collector's policy.
func (c *Collector) Policy() Policy {
	return c.policy
}

// ForInvoice re-reads every approved collection and credit note for the invoice.
func (c *Collector) ForInvoice(ctx context.Context, number string) (InvoiceSettlement, error) {
	events, err := c.approved(ctx, VariantInvoice, number)
	if err != nil {
		return InvoiceSettlement{}, err
	}
	var out InvoiceSettlement
	for _, ev := range events {
		switch ev.Kind {
		case KindCollection:
			out.Collected += c.share(ev)
		case KindCreditNote:
			out.Credited += ev.Settles()
		}
	}
	return out, nil
}

// ForBill re-reads every approved payment and note for the bill.
func (c *Collector) ForBill(ctx context.Context, number string) (BillSettlement, error) {
	events, err := c.approved(ctx, VariantBill, number)
	if err != nil {
		return BillSettlement{}, err
	}
	var out BillSettlement
	for _, ev := range events {
		switch ev.Kind {
		case KindPayment:
			out.Paid += ev.Settles()
		case KindCreditNote, KindDebitNote:
			out.Credited += ev.Settles()
		}
	}
	return out, nil
}

// CachedInvoice serves read paths from the sum cache, falling back to ForInvoice.
func (c *Collector) CachedInvoice(ctx context.Context, number string) (InvoiceSettlement, error) {
	target := Target{Variant: VariantInvoice, Number: number}
	var out InvoiceSettlement
	if c.load(ctx, target, &out) {
		return out, nil
	}
	out, err := c.ForInvoice(ctx, number)
	if err != nil {
		return InvoiceSettlement{}, err
	}
	c.store(ctx, target, out)
	return out, nil
}

// CachedBill serves read paths from the sum cache, falling back to ForBill.
func (c *Collector) CachedBill(ctx context.Context, number string) (BillSettlement, error) {
	target := Target{Variant: VariantBill, Number: number}
	var out BillSettlement
	if c.load(ctx, target, &out) {
		return out, nil
	}
	out, err := c.ForBill(ctx, number)
	if err != nil {
		return BillSettlement{}, err
	}
	c.store(ctx, target, out)
	return out, nil
}

// Invalidate drops cached sums for the targets.
func (c *Collector) Invalidate(ctx context.Context, targets ...Target) {
	if c.cache == nil || len(targets) == 0 {
		return
	}
	if err := c.cache.Invalidate(ctx, targets...); err != nil {
		c.logger.Warn("settlement cache invalidate", slog.Int("targets", len(targets)), slog.Any("error", err))
	}
}

func (c *Collector) approved(ctx context.Context, variant Variant, number string) ([]Event, error) {
	events, err := c.events.ListEventsReferencing(ctx, variant, number)
	if err != nil {
		return nil, err
	}
	out := events[:0:0]
	for _, ev := range events {
		if ev.Target != variant || !ev.ApprovalStatus.IsApproved() || !ev.References(number) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// share is the part of a collection's net amount attributed to one invoice.
func (c *Collector) share(ev Event) float64 {
	if c.policy.FullAmountPerReference || len(ev.DocumentNumbers) <= 1 {
		return ev.Settles()
	}
	return ev.Settles() / float64(len(ev.DocumentNumbers))
}

func (c *Collector) load(ctx context.Context, target Target, dest any) bool {
	if c.cache == nil {
		return false
	}
	ok, err := c.cache.Load(ctx, target, dest)
	if err != nil {
		c.logger.Warn("settlement cache load", slog.String("document", target.Number), slog.String("variant", string(target.Variant)), slog.Any("error", err))
		return false
	}
	return ok
}

func (c *Collector) store(ctx context.Context, target Target, value any) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Store(ctx, target, value); err != nil {
		c.logger.Warn("settlement cache store", slog.String("document", target.Number), slog.String("variant", string(target.Variant)), slog.Any("error", err))
	}
}

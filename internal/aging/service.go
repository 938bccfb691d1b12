package aging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/settlement/internal/periods"
	"github.com/odyssey-erp/settlement/internal/platform/httpx"
	"github.com/odyssey-erp/settlement/internal/settlement"
)

// ErrInvalidFilter is returned for a malformed report filter.
var ErrInvalidFilter = fmt.Errorf("aging: invalid filter: %w", httpx.ErrValidation)

// BillReference selects the date bills are aged from.
type BillReference string

const (
	ReferenceDueDate  BillReference = "due_date"
	ReferenceBillDate BillReference = "bill_date"
)

// ParseBillReference accepts "due_date" or "bill_date"; empty means due date.
func ParseBillReference(raw string) (BillReference, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "due", "due_date":
		return ReferenceDueDate, true
	case "bill", "bill_date", "date":
		return ReferenceBillDate, true
	}
	return "", false
}

// Filter scopes an aging report.
type Filter struct {
	Variant       settlement.Variant
	Counterparty  string
	Period        string
	AsOf          time.Time
	BillReference BillReference
}

// Row is one outstanding document.
type Row struct {
	Number        string    `json:"number"`
	Counterparty  string    `json:"counterparty"`
	DocumentDate  time.Time `json:"document_date"`
	ReferenceDate time.Time `json:"reference_date"`
	GrandTotal    float64   `json:"grand_total"`
	Remaining     float64   `json:"remaining"`
	Days          int       `json:"days"`
	Bucket        Bucket    `json:"bucket"`
	Status        string    `json:"status"`
}

// BucketTotal aggregates the rows of one bucket.
type BucketTotal struct {
	Bucket Bucket  `json:"bucket"`
	Count  int     `json:"count"`
	Amount float64 `json:"amount"`
}

// Report is the aging breakdown of outstanding documents.
type Report struct {
	Variant    settlement.Variant `json:"variant"`
	AsOf       time.Time          `json:"as_of"`
	Period     *periods.Range     `json:"period,omitempty"`
	Rows       []Row              `json:"rows"`
	Buckets    []BucketTotal      `json:"buckets"`
	GrandTotal float64            `json:"grand_total"`
}

// Documents lists source documents.
type Documents interface {
	ListInvoices(ctx context.Context, filter settlement.DocumentFilter) ([]settlement.Invoice, error)
	ListBills(ctx context.Context, filter settlement.DocumentFilter) ([]settlement.Bill, error)
}

// Sums returns settlement aggregates per document.
type Sums interface {
	CachedInvoice(ctx context.Context, number string) (settlement.InvoiceSettlement, error)
	CachedBill(ctx context.Context, number string) (settlement.BillSettlement, error)
}

// Service builds aging reports.
type Service struct {
	docs     Documents
	sums     Sums
	calendar periods.Calendar
	epsilon  float64
	cache    *Cache
	group    singleflight.Group
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the aging service. cache may be nil.
func NewService(docs Documents, sums Sums, calendar periods.Calendar, policy settlement.Policy, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	eps := policy.Epsilon
	if eps <= 0 {
		eps = settlement.DefaultPolicy().Epsilon
	}
	return &Service{docs: docs, sums: sums, calendar: calendar, epsilon: eps, cache: cache, logger: logger, now: time.Now}
}

// SetClock overrides the default as-of date source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Report buckets the outstanding amounts matching the filter. Concurrent
// identical requests share one computation.
func (s *Service) Report(ctx context.Context, filter Filter) (Report, error) {
	filter, rng, err := s.normalize(filter)
	if err != nil {
		return Report{}, err
	}
	flightKey := strings.Join([]string{
		string(filter.Variant),
		strings.ToLower(filter.Counterparty),
		filter.Period,
		filter.AsOf.Format(time.DateOnly),
		string(filter.BillReference),
	}, "|")

	// The flight outlives any single caller; each caller still honours its own ctx.
	ch := s.group.DoChan(flightKey, func() (any, error) {
		return s.cachedBuild(context.WithoutCancel(ctx), flightKey, filter, rng)
	})
	select {
	case <-ctx.Done():
		return Report{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Report{}, res.Err
		}
		return res.Val.(Report), nil
	}
}

func (s *Service) cachedBuild(ctx context.Context, flightKey string, filter Filter, rng *periods.Range) (Report, error) {
	cacheKey, err := s.cache.Key(ctx, flightKey)
	if err != nil {
		s.logger.Warn("aging cache key", slog.Any("error", err))
		return s.build(ctx, filter, rng)
	}
	if report, ok, err := s.cache.Load(ctx, cacheKey); err != nil {
		s.logger.Warn("aging cache load", slog.Any("error", err))
	} else if ok {
		return report, nil
	}
	report, err := s.build(ctx, filter, rng)
	if err != nil {
		return Report{}, err
	}
	if err := s.cache.Store(ctx, cacheKey, report); err != nil {
		s.logger.Warn("aging cache store", slog.Any("error", err))
	}
	return report, nil
}

func (s *Service) normalize(filter Filter) (Filter, *periods.Range, error) {
	variant, ok := settlement.ParseVariant(string(filter.Variant))
	if !ok {
		return Filter{}, nil, fmt.Errorf("%w: variant must be invoice or bill", ErrInvalidFilter)
	}
	filter.Variant = variant
	ref, ok := ParseBillReference(string(filter.BillReference))
	if !ok {
		return Filter{}, nil, fmt.Errorf("%w: reference must be due_date or bill_date", ErrInvalidFilter)
	}
	filter.BillReference = ref
	filter.Counterparty = strings.TrimSpace(filter.Counterparty)
	if filter.AsOf.IsZero() {
		filter.AsOf = s.now()
	}
	filter.AsOf = time.Date(filter.AsOf.Year(), filter.AsOf.Month(), filter.AsOf.Day(), 0, 0, 0, 0, time.UTC)

	var rng *periods.Range
	if strings.TrimSpace(filter.Period) != "" {
		parsed, err := s.calendar.Parse(filter.Period)
		if err != nil {
			return Filter{}, nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		filter.Period = parsed.Label
		rng = &parsed
	}
	return filter, rng, nil
}

func (s *Service) build(ctx context.Context, filter Filter, rng *periods.Range) (Report, error) {
	docFilter := settlement.DocumentFilter{Counterparty: filter.Counterparty, ApprovedOnly: true}
	if rng != nil {
		docFilter.From, docFilter.To = rng.From, rng.To
	}

	var rows []Row
	var err error
	switch filter.Variant {
	case settlement.VariantInvoice:
		rows, err = s.invoiceRows(ctx, docFilter, filter)
	case settlement.VariantBill:
		rows, err = s.billRows(ctx, docFilter, filter)
	}
	if err != nil {
		return Report{}, err
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Days != rows[j].Days {
			return rows[i].Days > rows[j].Days
		}
		return rows[i].Number < rows[j].Number
	})
	report := summarize(rows)
	report.Variant = filter.Variant
	report.AsOf = filter.AsOf
	report.Period = rng
	return report, nil
}

func (s *Service) invoiceRows(ctx context.Context, docFilter settlement.DocumentFilter, filter Filter) ([]Row, error) {
	invoices, err := s.docs.ListInvoices(ctx, docFilter)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	rows := make([]Row, 0, len(invoices))
	for _, inv := range invoices {
		if !inv.ApprovalStatus.IsApproved() {
			continue
		}
		sums, err := s.sums.CachedInvoice(ctx, inv.Number)
		if err != nil {
			return nil, fmt.Errorf("invoice %s settlements: %w", inv.Number, err)
		}
		ref := inv.Date
		if inv.DueDate != nil {
			ref = *inv.DueDate
		}
		remaining := settlement.InvoiceRemaining(inv.Totals.GrandTotal, sums)
		if row, ok := s.row(inv.Document, ref, remaining, string(inv.Status), filter.AsOf); ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (s *Service) billRows(ctx context.Context, docFilter settlement.DocumentFilter, filter Filter) ([]Row, error) {
	bills, err := s.docs.ListBills(ctx, docFilter)
	if err != nil {
		return nil, fmt.Errorf("list bills: %w", err)
	}
	rows := make([]Row, 0, len(bills))
	for _, bill := range bills {
		if !bill.ApprovalStatus.IsApproved() || bill.Status.IsTerminal() {
			continue
		}
		sums, err := s.sums.CachedBill(ctx, bill.Number)
		if err != nil {
			return nil, fmt.Errorf("bill %s settlements: %w", bill.Number, err)
		}
		ref := bill.Date
		if filter.BillReference == ReferenceDueDate && bill.DueDate != nil {
			ref = *bill.DueDate
		}
		state := settlement.BillState{GrandTotal: bill.Totals.GrandTotal, TDSAmount: bill.TDS.Amount}
		remaining := settlement.BillRemaining(state, sums)
		if row, ok := s.row(bill.Document, ref, remaining, string(bill.Status), filter.AsOf); ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (s *Service) row(doc settlement.Document, ref time.Time, remaining float64, status string, asOf time.Time) (Row, bool) {
	if remaining <= s.epsilon {
		return Row{}, false
	}
	days := settlement.DaysSince(ref, asOf)
	if days < 0 {
		return Row{}, false
	}
	return Row{
		Number:        doc.Number,
		Counterparty:  doc.Counterparty,
		DocumentDate:  doc.Date,
		ReferenceDate: ref,
		GrandTotal:    doc.Totals.GrandTotal,
		Remaining:     remaining,
		Days:          days,
		Bucket:        BucketFor(days),
		Status:        status,
	}, true
}

// summarize totals rows per bucket. The grand total is the sum of the bucket
// totals so the two always agree to the cent.
func summarize(rows []Row) Report {
	amounts := make(map[Bucket]decimal.Decimal, len(Buckets))
	counts := make(map[Bucket]int, len(Buckets))
	for _, row := range rows {
		amounts[row.Bucket] = amounts[row.Bucket].Add(decimal.NewFromFloat(row.Remaining))
		counts[row.Bucket]++
	}
	report := Report{Rows: rows, Buckets: make([]BucketTotal, 0, len(Buckets))}
	grand := decimal.Zero
	for _, b := range Buckets {
		amount := amounts[b].Round(2)
		grand = grand.Add(amount)
		report.Buckets = append(report.Buckets, BucketTotal{Bucket: b, Count: counts[b], Amount: amount.InexactFloat64()})
	}
	report.GrandTotal = grand.InexactFloat64()
	if report.Rows == nil {
		report.Rows = []Row{}
	}
	return report
}

package aging

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/settlement/internal/periods"
	"github.com/odyssey-erp/settlement/internal/platform/httpx"
	"github.com/odyssey-erp/settlement/internal/settlement"
	"github.com/odyssey-erp/settlement/internal/tax"
)

var asOf = time.Date(2024, 9, 30, 0, 0, 0, 0, time.UTC)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type stubDocs struct {
	invoices []settlement.Invoice
	bills    []settlement.Bill
	calls    atomic.Int32
}

func (s *stubDocs) ListInvoices(_ context.Context, f settlement.DocumentFilter) ([]settlement.Invoice, error) {
	s.calls.Add(1)
	var out []settlement.Invoice
	for _, inv := range s.invoices {
		if keep(inv.Document, f) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (s *stubDocs) ListBills(_ context.Context, f settlement.DocumentFilter) ([]settlement.Bill, error) {
	s.calls.Add(1)
	var out []settlement.Bill
	for _, bill := range s.bills {
		if keep(bill.Document, f) {
			out = append(out, bill)
		}
	}
	return out, nil
}

func keep(doc settlement.Document, f settlement.DocumentFilter) bool {
	if f.Counterparty != "" && !strings.EqualFold(f.Counterparty, doc.Counterparty) {
		return false
	}
	if !f.From.IsZero() && (doc.Date.Before(f.From) || !doc.Date.Before(f.To)) {
		return false
	}
	return true
}

type stubSums struct {
	invoices map[string]settlement.InvoiceSettlement
	bills    map[string]settlement.BillSettlement
}

func (s stubSums) CachedInvoice(_ context.Context, number string) (settlement.InvoiceSettlement, error) {
	return s.invoices[number], nil
}

func (s stubSums) CachedBill(_ context.Context, number string) (settlement.BillSettlement, error) {
	return s.bills[number], nil
}

func invoice(number, party string, date time.Time, due *time.Time, total float64, approval settlement.ApprovalStatus) settlement.Invoice {
	return settlement.Invoice{Document: settlement.Document{
		Number: number, Counterparty: party, Date: date, DueDate: due,
		Totals: tax.Totals{GrandTotal: total}, ApprovalStatus: approval,
	}}
}

func ptr(t time.Time) *time.Time { return &t }

func fixture() (*stubDocs, stubSums) {
	docs := &stubDocs{
		invoices: []settlement.Invoice{
			invoice("INV-A", "Acme", day(2024, 9, 10), nil, 1000, settlement.ApprovalApproved),                    // 20 days
			invoice("INV-B", "Acme", day(2024, 7, 1), ptr(day(2024, 7, 31)), 2000, settlement.ApprovalApproved),   // 61 days
			invoice("INV-C", "Globex", day(2024, 1, 1), ptr(day(2024, 1, 31)), 3000, settlement.ApprovalApproved), // 243 days
			invoice("INV-D", "Acme", day(2024, 8, 1), nil, 500, settlement.ApprovalPending),                       // not approved
			invoice("INV-E", "Acme", day(2024, 8, 1), nil, 500, settlement.ApprovalApproved),                      // settled
			invoice("INV-F", "Acme", day(2024, 9, 1), ptr(day(2024, 10, 15)), 700, settlement.ApprovalApproved),   // not yet due
		},
		bills: []settlement.Bill{
			{
				Document: settlement.Document{Number: "BILL-1", Counterparty: "Supply Co", Date: day(2024, 4, 1), DueDate: ptr(day(2024, 6, 30)),
					Totals: tax.Totals{GrandTotal: 50000}, ApprovalStatus: settlement.ApprovalApproved},
				TDS:    settlement.TDS{Amount: 500},
				Status: settlement.BillOverdue,
			},
			{
				Document: settlement.Document{Number: "BILL-2", Counterparty: "Supply Co", Date: day(2024, 4, 1),
					Totals: tax.Totals{GrandTotal: 100}, ApprovalStatus: settlement.ApprovalRejected},
				Status: settlement.BillCancelled,
			},
		},
	}
	sums := stubSums{
		invoices: map[string]settlement.InvoiceSettlement{
			"INV-B": {Collected: 500},
			"INV-E": {Collected: 499.995},
		},
		bills: map[string]settlement.BillSettlement{
			"BILL-1": {Paid: 9500},
		},
	}
	return docs, sums
}

func newService(docs Documents, sums Sums, cache *Cache) *Service {
	svc := NewService(docs, sums, periods.NewCalendar(4), settlement.DefaultPolicy(), cache, nil)
	svc.SetClock(func() time.Time { return asOf })
	return svc
}

type heldDocs struct {
	*stubDocs
	entered chan struct{}
	release chan struct{}
}

func (h heldDocs) ListInvoices(ctx context.Context, f settlement.DocumentFilter) ([]settlement.Invoice, error) {
	select {
	case h.entered <- struct{}{}:
	default:
	}
	<-h.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.stubDocs.ListInvoices(ctx, f)
}

func TestAgingCancelledCallerDoesNotFailOthers(t *testing.T) {
	docs, sums := fixture()
	held := heldDocs{stubDocs: docs, entered: make(chan struct{}, 1), release: make(chan struct{})}
	svc := newService(held, sums, nil)

	type result struct {
		report Report
		err    error
	}
	first, cancel := context.WithCancel(context.Background())
	firstDone := make(chan result, 1)
	go func() {
		r, err := svc.Report(first, Filter{Variant: "invoice"})
		firstDone <- result{r, err}
	}()
	<-held.entered

	secondDone := make(chan result, 1)
	go func() {
		r, err := svc.Report(context.Background(), Filter{Variant: "invoice"})
		secondDone <- result{r, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	got := <-firstDone
	require.ErrorIs(t, got.err, context.Canceled)

	close(held.release)
	got = <-secondDone
	require.NoError(t, got.err)
	require.Equal(t, 5500.0, got.report.GrandTotal)
	require.Equal(t, int32(1), docs.calls.Load())
}

func TestInvoiceAgingReport(t *testing.T) {
	docs, sums := fixture()
	report, err := newService(docs, sums, nil).Report(context.Background(), Filter{Variant: "invoice"})
	require.NoError(t, err)

	require.Len(t, report.Rows, 3)
	require.Equal(t, "INV-C", report.Rows[0].Number)
	require.Equal(t, BucketOver180, report.Rows[0].Bucket)
	require.Equal(t, 61, report.Rows[1].Days)
	require.Equal(t, Bucket61To90, report.Rows[1].Bucket)
	require.Equal(t, 1500.0, report.Rows[1].Remaining)
	require.Equal(t, BucketUnder30, report.Rows[2].Bucket)
	require.Equal(t, 20, report.Rows[2].Days)

	require.Equal(t, 5500.0, report.GrandTotal)
	var sum float64
	count := 0
	for _, b := range report.Buckets {
		sum += b.Amount
		count += b.Count
	}
	require.Equal(t, report.GrandTotal, sum)
	require.Equal(t, len(report.Rows), count)
}

func TestBillAgingReference(t *testing.T) {
	docs, sums := fixture()
	svc := newService(docs, sums, nil)
	ctx := context.Background()

	byDue, err := svc.Report(ctx, Filter{Variant: "bill"})
	require.NoError(t, err)
	require.Len(t, byDue.Rows, 1)
	require.Equal(t, 40000.0, byDue.Rows[0].Remaining)
	require.Equal(t, 92, byDue.Rows[0].Days)
	require.Equal(t, Bucket91To180, byDue.Rows[0].Bucket)

	byDate, err := svc.Report(ctx, Filter{Variant: "bills", BillReference: ReferenceBillDate})
	require.NoError(t, err)
	require.Equal(t, 182, byDate.Rows[0].Days)
	require.Equal(t, BucketOver180, byDate.Rows[0].Bucket)
}

func TestAgingFilters(t *testing.T) {
	docs, sums := fixture()
	svc := newService(docs, sums, nil)
	ctx := context.Background()

	report, err := svc.Report(ctx, Filter{Variant: "invoice", Counterparty: "globex"})
	require.NoError(t, err)
	require.Len(t, report.Rows, 1)

	report, err = svc.Report(ctx, Filter{Variant: "invoice", Period: "FY2024-Q2"})
	require.NoError(t, err)
	require.Equal(t, "FY2024-Q2", report.Period.Label)
	require.Len(t, report.Rows, 2)

	report, err = svc.Report(ctx, Filter{Variant: "invoice", Period: "2024-09"})
	require.NoError(t, err)
	require.Len(t, report.Rows, 1)

	report, err = svc.Report(ctx, Filter{Variant: "invoice", AsOf: day(2024, 10, 31)})
	require.NoError(t, err)
	require.Len(t, report.Rows, 4)
}

func TestAgingRejectsBadFilters(t *testing.T) {
	docs, sums := fixture()
	svc := newService(docs, sums, nil)
	ctx := context.Background()
	for _, f := range []Filter{
		{Variant: "widget"},
		{Variant: "invoice", Period: "Q7"},
		{Variant: "bill", BillReference: "posting"},
	} {
		_, err := svc.Report(ctx, f)
		require.ErrorIs(t, err, httpx.ErrValidation)
	}
}

func TestAgingReportIsCachedUntilBump(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(client, time.Minute)

	docs, sums := fixture()
	svc := newService(docs, sums, cache)
	ctx := context.Background()

	first, err := svc.Report(ctx, Filter{Variant: "invoice"})
	require.NoError(t, err)
	second, err := svc.Report(ctx, Filter{Variant: "invoice"})
	require.NoError(t, err)
	require.Equal(t, first.GrandTotal, second.GrandTotal)
	require.Equal(t, int32(1), docs.calls.Load())

	require.NoError(t, cache.Bump(ctx))
	_, err = svc.Report(ctx, Filter{Variant: "invoice"})
	require.NoError(t, err)
	require.Equal(t, int32(2), docs.calls.Load())
}

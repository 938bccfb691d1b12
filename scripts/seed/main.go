package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/settlement/internal/app"
	"github.com/odyssey-erp/settlement/internal/periods"
	"github.com/odyssey-erp/settlement/internal/platform/db"
	"github.com/odyssey-erp/settlement/internal/platform/httpx"
	"github.com/odyssey-erp/settlement/internal/settlement"
	"github.com/odyssey-erp/settlement/internal/tax"
)

const seedActor = 1

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx := context.Background()
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions())
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	now := time.Now().UTC()
	calendar := cfg.FiscalCalendar()

	fmt.Println("→ Seeding periods...")
	if err := seedPeriods(ctx, pool, calendar, now); err != nil {
		log.Fatalf("seed periods: %v", err)
	}
	fmt.Println("→ Seeding backdate permissions...")
	if err := seedPermissions(ctx, pool, calendar, now); err != nil {
		log.Fatalf("seed permissions: %v", err)
	}

	services := app.NewServices(app.ServiceDeps{Config: cfg, Pool: pool, Logger: app.NewLogger(cfg)})
	fmt.Println("→ Seeding invoices and collections...")
	if err := seedReceivables(ctx, services.Settlement, now); err != nil {
		log.Fatalf("seed receivables: %v", err)
	}
	fmt.Println("→ Seeding bills and payments...")
	if err := seedPayables(ctx, services.Settlement, now); err != nil {
		log.Fatalf("seed payables: %v", err)
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

// seedPeriods opens every month of the current and previous fiscal year.
func seedPeriods(ctx context.Context, pool *pgxpool.Pool, calendar periods.Calendar, now time.Time) error {
	fy := calendar.FiscalYear(now)
	from := calendar.Year(fy - 1).From
	to := calendar.Year(fy).To
	for start := from; start.Before(to); start = start.AddDate(0, 1, 0) {
		month := periods.Month(start.Year(), start.Month())
		_, err := pool.Exec(ctx, `
			INSERT INTO periods (code, start_date, end_date, status)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (code) DO NOTHING`,
			month.Label, month.From, month.To.AddDate(0, 0, -1), string(periods.StatusOpen))
		if err != nil {
			return err
		}
	}
	return nil
}

// seedPermissions lets the seed actor backdate into the previous fiscal year.
func seedPermissions(ctx context.Context, pool *pgxpool.Pool, calendar periods.Calendar, now time.Time) error {
	prev := calendar.Year(calendar.FiscalYear(now) - 1)
	for _, section := range []string{
		periods.SectionInvoices, periods.SectionBills, periods.SectionCollections, periods.SectionPayments, periods.SectionNotes,
	} {
		_, err := pool.Exec(ctx, `
			INSERT INTO backdate_permissions (user_id, section, allowed_from, allowed_until)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`, seedActor, section, prev.From, now)
		if err != nil {
			return err
		}
	}
	return nil
}

func seedReceivables(ctx context.Context, svc *settlement.Service, now time.Time) error {
	invoices := []struct {
		number string
		party  string
		ageDay int
		lines  []tax.LineItem
	}{
		{"INV-0001", "Acme Traders", 12, gstLines(75000, 18)},
		{"INV-0002", "Acme Traders", 48, gstLines(20000, 12)},
		{"INV-0003", "Globex Retail", 95, gstLines(150000, 18)},
		{"INV-0004", "Initech", 200, gstLines(42000, 5)},
	}
	created := false
	for _, inv := range invoices {
		_, err := svc.CreateInvoice(ctx, settlement.DocumentInput{
			Number:         inv.number,
			Date:           now.AddDate(0, 0, -inv.ageDay),
			Counterparty:   inv.party,
			Lines:          inv.lines,
			PaymentTerms:   "Net 30",
			ApprovalStatus: string(settlement.ApprovalApproved),
			Actor:          seedActor,
		})
		if err := skipExisting(err); err != nil {
			return fmt.Errorf("invoice %s: %w", inv.number, err)
		}
		created = created || err == nil
	}
	if !created {
		return nil
	}

	events := []settlement.EventInput{
		{Number: "RCPT-0001", Kind: string(settlement.KindCollection), DocumentNumbers: []string{"INV-0001"}, Amount: 88500},
		{Number: "RCPT-0002", Kind: string(settlement.KindCollection), DocumentNumbers: []string{"INV-0002"}, Amount: 10000},
		{Number: "CN-0001", Kind: string(settlement.KindCreditNote), DocumentNumbers: []string{"INV-0003"}, NoteLines: gstLines(10000, 18)},
	}
	return recordEvents(ctx, svc, events, now)
}

func seedPayables(ctx context.Context, svc *settlement.Service, now time.Time) error {
	bills := []struct {
		number string
		party  string
		ageDay int
		dueIn  int
		lines  []tax.LineItem
		tds    float64
	}{
		{"BILL-0001", "Supply Co", 20, 10, gstLines(50000, 18), 2},
		{"BILL-0002", "Supply Co", 75, -45, gstLines(12000, 12), 0},
		{"BILL-0003", "Logistics Ltd", 3, 4, gstLines(8000, 18), 1},
	}
	created := false
	for _, bill := range bills {
		due := now.AddDate(0, 0, bill.dueIn)
		_, err := svc.CreateBill(ctx, settlement.BillInput{
			DocumentInput: settlement.DocumentInput{
				Number:         bill.number,
				Date:           now.AddDate(0, 0, -bill.ageDay),
				Counterparty:   bill.party,
				Lines:          bill.lines,
				DueDate:        &due,
				ApprovalStatus: string(settlement.ApprovalApproved),
				Actor:          seedActor,
			},
			TDSSection: "194C",
			TDSPercent: bill.tds,
		})
		if err := skipExisting(err); err != nil {
			return fmt.Errorf("bill %s: %w", bill.number, err)
		}
		created = created || err == nil
	}
	if !created {
		return nil
	}

	events := []settlement.EventInput{
		{Number: "PAY-0001", Kind: string(settlement.KindPayment), DocumentNumbers: []string{"BILL-0001"}, Amount: 20000, TDSPercent: 2},
		{Number: "DN-0001", Kind: string(settlement.KindDebitNote), DocumentNumbers: []string{"BILL-0002"}, NoteLines: gstLines(2000, 12)},
	}
	return recordEvents(ctx, svc, events, now)
}

// recordEvents runs only when the documents were just created so reruns do
// not double count settlements.
func recordEvents(ctx context.Context, svc *settlement.Service, events []settlement.EventInput, now time.Time) error {
	for _, ev := range events {
		ev.Date = now
		ev.ApprovalStatus = string(settlement.ApprovalApproved)
		ev.Actor = seedActor
		if _, err := svc.RecordEvent(ctx, ev); err != nil {
			return fmt.Errorf("event %s: %w", ev.Number, err)
		}
	}
	return nil
}

func gstLines(amount, rate float64) []tax.LineItem {
	return []tax.LineItem{{
		Description: "Seed goods",
		HSNSAC:      "9983",
		Quantity:    1,
		UnitPrice:   amount,
		Rates:       tax.Rates{CGST: rate / 2, SGST: rate / 2},
	}}
}

func skipExisting(err error) error {
	if errors.Is(err, httpx.ErrDuplicate) {
		return nil
	}
	return err
}

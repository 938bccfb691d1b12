package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/settlement/internal/platform/db"
)

// DocumentFilter narrows document listings.
type DocumentFilter struct {
	Counterparty string
	From         time.Time
	To           time.Time
	ApprovedOnly bool
}

// Repository defines settlement data access.
type Repository interface {
	EventReader
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetInvoice(ctx context.Context, number string) (Invoice, error)
	GetBill(ctx context.Context, number string) (Bill, error)
	ListInvoices(ctx context.Context, filter DocumentFilter) ([]Invoice, error)
	ListBills(ctx context.Context, filter DocumentFilter) ([]Bill, error)

	GetEvent(ctx context.Context, id uuid.UUID) (Event, error)
}

// TxRepository defines writes executed inside a transaction. A transaction
// never spans more than one document or one event.
type TxRepository interface {
	InsertInvoice(ctx context.Context, inv Invoice) error
	UpdateInvoice(ctx context.Context, inv Invoice) error
	UpdateInvoiceStatus(ctx context.Context, number string, status InvoiceStatus) error

	InsertBill(ctx context.Context, bill Bill) error
	UpdateBill(ctx context.Context, bill Bill) error
	UpdateBillSettlement(ctx context.Context, number string, status BillStatus, paid, remaining float64) error

	UpdateDocumentApproval(ctx context.Context, variant Variant, number string, status ApprovalStatus) error

	InsertEvent(ctx context.Context, ev Event) error
	UpdateEvent(ctx context.Context, ev Event) error
	UpdateEventApproval(ctx context.Context, id uuid.UUID, status ApprovalStatus, reason string) error
	DeleteEvent(ctx context.Context, id uuid.UUID) error
}

var _ Repository = (*pgRepository)(nil)
var _ TxRepository = (*pgTxRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

const documentColumns = `number, doc_date, counterparty, currency, lines, totals, due_date, payment_terms,
	approval_status, status, tds_section, tds_percent, tds_amount, paid_amount, remaining_amount,
	created_by, created_at, updated_at`

type documentRow struct {
	doc       Document
	approval  string
	status    string
	tds       TDS
	paid      float64
	remaining float64
}

func scanDocument(row pgx.Row) (documentRow, error) {
	var out documentRow
	err := row.Scan(
		&out.doc.Number, &out.doc.Date, &out.doc.Counterparty, &out.doc.Currency,
		&out.doc.Lines, &out.doc.Totals, &out.doc.DueDate, &out.doc.PaymentTerms,
		&out.approval, &out.status, &out.tds.Section, &out.tds.Percent, &out.tds.Amount,
		&out.paid, &out.remaining, &out.doc.CreatedBy, &out.doc.CreatedAt, &out.doc.UpdatedAt,
	)
	if err != nil {
		return documentRow{}, err
	}
	out.doc.ApprovalStatus, _ = NormalizeApproval(out.approval)
	return out, nil
}

func (d documentRow) invoice() Invoice {
	return Invoice{Document: d.doc, Status: InvoiceStatus(d.status)}
}

func (d documentRow) bill() Bill {
	return Bill{Document: d.doc, TDS: d.tds, Status: BillStatus(d.status), PaidAmount: d.paid, RemainingAmount: d.remaining}
}

func (r *pgRepository) getDocument(ctx context.Context, variant Variant, number string) (documentRow, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM settlement_documents
WHERE variant = $1 AND upper(number) = upper($2)`, variant, number)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return documentRow{}, ErrDocumentNotFound
	}
	return doc, err
}

func (r *pgRepository) GetInvoice(ctx context.Context, number string) (Invoice, error) {
	doc, err := r.getDocument(ctx, VariantInvoice, number)
	if err != nil {
		return Invoice{}, err
	}
	return doc.invoice(), nil
}

func (r *pgRepository) GetBill(ctx context.Context, number string) (Bill, error) {
	doc, err := r.getDocument(ctx, VariantBill, number)
	if err != nil {
		return Bill{}, err
	}
	return doc.bill(), nil
}

func (r *pgRepository) listDocuments(ctx context.Context, variant Variant, filter DocumentFilter) ([]documentRow, error) {
	query := `SELECT ` + documentColumns + ` FROM settlement_documents WHERE variant = $1`
	args := []any{variant}
	argNum := 2
	if filter.Counterparty != "" {
		query += fmt.Sprintf(" AND lower(counterparty) = lower($%d)", argNum)
		args = append(args, filter.Counterparty)
		argNum++
	}
	if !filter.From.IsZero() {
		query += fmt.Sprintf(" AND doc_date >= $%d", argNum)
		args = append(args, filter.From)
		argNum++
	}
	if !filter.To.IsZero() {
		query += fmt.Sprintf(" AND doc_date < $%d", argNum)
		args = append(args, filter.To)
		argNum++
	}
	if filter.ApprovedOnly {
		query += " AND lower(approval_status) = 'approved'"
	}
	query += " ORDER BY doc_date, number"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []documentRow
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (r *pgRepository) ListInvoices(ctx context.Context, filter DocumentFilter) ([]Invoice, error) {
	rows, err := r.listDocuments(ctx, VariantInvoice, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Invoice, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.invoice())
	}
	return out, nil
}

func (r *pgRepository) ListBills(ctx context.Context, filter DocumentFilter) ([]Bill, error) {
	rows, err := r.listDocuments(ctx, VariantBill, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Bill, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.bill())
	}
	return out, nil
}

const eventColumns = `id, number, kind, target, document_numbers, event_date, amount, tds_percent, tds_amount,
	net_amount, note_grand_total, approval_status, approval_reason, created_by, created_at, updated_at`

func scanEvent(row pgx.Row) (Event, error) {
	var ev Event
	var kind, target, approval string
	err := row.Scan(
		&ev.ID, &ev.Number, &kind, &target, &ev.DocumentNumbers, &ev.Date, &ev.Amount,
		&ev.TDSPercent, &ev.TDSAmount, &ev.NetAmount, &ev.NoteGrandTotal, &approval,
		&ev.ApprovalReason, &ev.CreatedBy, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return Event{}, err
	}
	ev.Kind, _ = ParseEventKind(kind)
	ev.Target, _ = ParseVariant(target)
	ev.ApprovalStatus, _ = NormalizeApproval(approval)
	return ev, nil
}

func (r *pgRepository) GetEvent(ctx context.Context, id uuid.UUID) (Event, error) {
	ev, err := scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM settlement_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, ErrEventNotFound
	}
	return ev, err
}

func (r *pgRepository) ListEventsReferencing(ctx context.Context, variant Variant, number string) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+eventColumns+` FROM settlement_events
WHERE target = $1 AND EXISTS (
	SELECT 1 FROM unnest(document_numbers) AS ref WHERE upper(btrim(ref)) = upper(btrim($2))
)`, variant, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type pgTxRepository struct {
	tx pgx.Tx
}

func mapWriteErr(err error) error {
	if db.IsUniqueViolation(err) {
		return ErrDocumentExists
	}
	return err
}

func (t *pgTxRepository) insertDocument(ctx context.Context, variant Variant, doc Document, status string, tds TDS, paid, remaining float64) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO settlement_documents (
	variant, number, doc_date, counterparty, currency, lines, totals, due_date, payment_terms,
	approval_status, status, tds_section, tds_percent, tds_amount, paid_amount, remaining_amount,
	created_by, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		variant, doc.Number, doc.Date, doc.Counterparty, doc.Currency, doc.Lines, doc.Totals, doc.DueDate, doc.PaymentTerms,
		string(doc.ApprovalStatus), status, tds.Section, tds.Percent, tds.Amount, paid, remaining,
		doc.CreatedBy, doc.CreatedAt, doc.UpdatedAt)
	return mapWriteErr(err)
}

func (t *pgTxRepository) updateDocument(ctx context.Context, variant Variant, doc Document, tds TDS) error {
	tag, err := t.tx.Exec(ctx, `UPDATE settlement_documents SET
	doc_date = $3, counterparty = $4, currency = $5, lines = $6, totals = $7, due_date = $8,
	payment_terms = $9, tds_section = $10, tds_percent = $11, tds_amount = $12, updated_at = $13
WHERE variant = $1 AND upper(number) = upper($2)`,
		variant, doc.Number, doc.Date, doc.Counterparty, doc.Currency, doc.Lines, doc.Totals, doc.DueDate,
		doc.PaymentTerms, tds.Section, tds.Percent, tds.Amount, doc.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (t *pgTxRepository) InsertInvoice(ctx context.Context, inv Invoice) error {
	return t.insertDocument(ctx, VariantInvoice, inv.Document, string(inv.Status), TDS{}, 0, 0)
}

func (t *pgTxRepository) UpdateInvoice(ctx context.Context, inv Invoice) error {
	return t.updateDocument(ctx, VariantInvoice, inv.Document, TDS{})
}

func (t *pgTxRepository) UpdateInvoiceStatus(ctx context.Context, number string, status InvoiceStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE settlement_documents SET status = $3, updated_at = NOW()
WHERE variant = $1 AND upper(number) = upper($2)`, VariantInvoice, number, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (t *pgTxRepository) InsertBill(ctx context.Context, bill Bill) error {
	return t.insertDocument(ctx, VariantBill, bill.Document, string(bill.Status), bill.TDS, bill.PaidAmount, bill.RemainingAmount)
}

func (t *pgTxRepository) UpdateBill(ctx context.Context, bill Bill) error {
	return t.updateDocument(ctx, VariantBill, bill.Document, bill.TDS)
}

func (t *pgTxRepository) UpdateBillSettlement(ctx context.Context, number string, status BillStatus, paid, remaining float64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE settlement_documents
SET status = $3, paid_amount = $4, remaining_amount = $5, updated_at = NOW()
WHERE variant = $1 AND upper(number) = upper($2)`, VariantBill, number, string(status), paid, remaining)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (t *pgTxRepository) UpdateDocumentApproval(ctx context.Context, variant Variant, number string, status ApprovalStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE settlement_documents SET approval_status = $3, updated_at = NOW()
WHERE variant = $1 AND upper(number) = upper($2)`, variant, number, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (t *pgTxRepository) InsertEvent(ctx context.Context, ev Event) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO settlement_events (
	id, number, kind, target, document_numbers, event_date, amount, tds_percent, tds_amount,
	net_amount, note_grand_total, approval_status, approval_reason, created_by, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		ev.ID, ev.Number, string(ev.Kind), string(ev.Target), ev.DocumentNumbers, ev.Date, ev.Amount,
		ev.TDSPercent, ev.TDSAmount, ev.NetAmount, ev.NoteGrandTotal, string(ev.ApprovalStatus),
		ev.ApprovalReason, ev.CreatedBy, ev.CreatedAt, ev.UpdatedAt)
	return mapWriteErr(err)
}

func (t *pgTxRepository) UpdateEvent(ctx context.Context, ev Event) error {
	tag, err := t.tx.Exec(ctx, `UPDATE settlement_events SET
	number = $2, kind = $3, target = $4, document_numbers = $5, event_date = $6, amount = $7,
	tds_percent = $8, tds_amount = $9, net_amount = $10, note_grand_total = $11, updated_at = $12
WHERE id = $1`,
		ev.ID, ev.Number, string(ev.Kind), string(ev.Target), ev.DocumentNumbers, ev.Date, ev.Amount,
		ev.TDSPercent, ev.TDSAmount, ev.NetAmount, ev.NoteGrandTotal, ev.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (t *pgTxRepository) UpdateEventApproval(ctx context.Context, id uuid.UUID, status ApprovalStatus, reason string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE settlement_events SET approval_status = $2, approval_reason = $3, updated_at = NOW()
WHERE id = $1`, id, string(status), reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (t *pgTxRepository) DeleteEvent(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM settlement_events WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

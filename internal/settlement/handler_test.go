package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/settlement/internal/shared"
)

type memoryIdempotency map[string]bool

func (m memoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	if m[module+key] {
		return shared.ErrIdempotencyConflict
	}
	m[module+key] = true
	return nil
}

func (m memoryIdempotency) Release(_ context.Context, key, module string) error {
	delete(m, module+key)
	return nil
}

func newTestRouter(repo *memoryRepo) http.Handler {
	handler := NewHandler(nil, newTestService(repo, DefaultPolicy(), nil), memoryIdempotency{})
	r := chi.NewRouter()
	r.Use(shared.ActorMiddleware)
	r.Route("/api/settlement", handler.MountRoutes)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerInvoiceLifecycle(t *testing.T) {
	repo := newMemoryRepo()
	h := newTestRouter(repo)

	rec := do(t, h, http.MethodPost, "/api/settlement/invoices", invoiceInput("INV001", gstLines()), shared.ActorHeader, "7")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var inv Invoice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inv))
	require.Equal(t, 118000.0, inv.Totals.GrandTotal)
	require.Equal(t, int64(7), inv.CreatedBy)

	rec = do(t, h, http.MethodPost, "/api/settlement/events", collection(50000, "Approved", "INV001"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/settlement/invoices/INV001/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Equal(t, 68000.0, summary.Remaining)
	require.Equal(t, string(InvoicePartiallyReceived), summary.Status)

	rec = do(t, h, http.MethodPost, "/api/settlement/invoice/INV001/recompute", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var outcome Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	require.False(t, outcome.Changed)
}

func TestHandlerEventApproval(t *testing.T) {
	repo := newMemoryRepo()
	h := newTestRouter(repo)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/settlement/invoices", invoiceInput("INV001", flatLine(100))).Code)

	rec := do(t, h, http.MethodPost, "/api/settlement/events", collection(100, "", "INV001"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var ev Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ev))

	rec = do(t, h, http.MethodPost, "/api/settlement/events/"+ev.ID.String()+"/approval", approvalRequest{Status: "approved"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, InvoiceFullyReceived, repo.invoices["INV001"].Status)

	rec = do(t, h, http.MethodDelete, "/api/settlement/events/"+ev.ID.String(), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, InvoiceNotReceived, repo.invoices["INV001"].Status)
}

func TestHandlerErrors(t *testing.T) {
	h := newTestRouter(newMemoryRepo())

	rec := do(t, h, http.MethodGet, "/api/settlement/invoices/NOPE/summary", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/settlement/widgets/X/summary", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/settlement/events/not-a-uuid", collection(1, "", "X"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	bad := invoiceInput("INV001", gstLines())
	bad.Counterparty = ""
	rec = do(t, h, http.MethodPost, "/api/settlement/invoices", bad)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "counterparty")
}

func TestHandlerIdempotencyKey(t *testing.T) {
	h := newTestRouter(newMemoryRepo())
	input := invoiceInput("INV001", flatLine(100))

	rec := do(t, h, http.MethodPost, "/api/settlement/invoices", input, shared.IdempotencyHeader, "k-1")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/settlement/invoices", input, shared.IdempotencyHeader, "k-1")
	require.Equal(t, http.StatusConflict, rec.Code)

	// A failed create releases its key.
	bad := invoiceInput("INV002", flatLine(100))
	bad.Counterparty = ""
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/settlement/invoices", bad, shared.IdempotencyHeader, "k-2").Code)
	good := invoiceInput("INV002", flatLine(100))
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/settlement/invoices", good, shared.IdempotencyHeader, "k-2").Code)
}

func TestHandlerComputeTotals(t *testing.T) {
	h := newTestRouter(newMemoryRepo())
	rec := do(t, h, http.MethodPost, "/api/settlement/totals", totalsRequest{Lines: gstLines()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp totalsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 118000.0, resp.Totals.GrandTotal)
	require.Len(t, resp.Lines, 2)
	require.Equal(t, 88500.0, resp.Lines[0].LineTotal)
}

type memoryTrail map[string][]shared.AuditLog

func (m memoryTrail) Trail(_ context.Context, entity, entityID string) ([]shared.AuditLog, error) {
	return m[entity+":"+entityID], nil
}

type memoryApprovals map[uuid.UUID][]shared.ApprovalLog

func (m memoryApprovals) History(_ context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error) {
	var out []shared.ApprovalLog
	for _, log := range m[ref] {
		if log.Module == module {
			out = append(out, log)
		}
	}
	return out, nil
}

func TestHandlerHistory(t *testing.T) {
	repo := newMemoryRepo()
	handler := NewHandler(nil, newTestService(repo, DefaultPolicy(), nil), nil)
	r := chi.NewRouter()
	r.Route("/api/settlement", handler.MountRoutes)

	rec := do(t, r, http.MethodGet, "/api/settlement/invoice/INV001/history", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	ref := documentRef(VariantInvoice, "INV001")
	handler.SetHistory(
		memoryTrail{"invoice:INV001": {{Action: "settlement.status.recomputed", Entity: "invoice", EntityID: "INV001"}}},
		memoryApprovals{ref: {{Module: "settlement.invoice", RefID: ref, ActorID: 7, Action: shared.ApprovalApprove}}},
	)
	rec = do(t, r, http.MethodGet, "/api/settlement/invoice/INV001/history", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/api/settlement/invoices", invoiceInput("INV001", flatLine(100))).Code)
	rec = do(t, r, http.MethodGet, "/api/settlement/invoices/inv001/history", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Statuses, 1)
	require.Equal(t, "settlement.status.recomputed", body.Statuses[0].Action)
	require.Len(t, body.Approvals, 1)
	require.Equal(t, shared.ApprovalApprove, body.Approvals[0].Action)
}

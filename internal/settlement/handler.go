package settlement

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/settlement/internal/platform/httpx"
	"github.com/odyssey-erp/settlement/internal/shared"
	"github.com/odyssey-erp/settlement/internal/tax"
)

// IdempotencyGuard claims Idempotency-Key values.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Release(ctx context.Context, key, module string) error
}

const (
	idempotencyDocuments = "settlement.documents"
	idempotencyEvents    = "settlement.events"
)

// AuditTrail lists the recorded status changes of a document.
type AuditTrail interface {
	Trail(ctx context.Context, entity, entityID string) ([]shared.AuditLog, error)
}

// ApprovalHistory lists the approval transitions of a record.
type ApprovalHistory interface {
	History(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

// Handler exposes the settlement JSON API.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	idem      IdempotencyGuard
	trail     AuditTrail
	approvals ApprovalHistory
}

// NewHandler constructs the handler. idem may be nil.
func NewHandler(logger *slog.Logger, service *Service, idem IdempotencyGuard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, idem: idem}
}

// SetHistory enables the document history endpoint. Either source may be nil.
func (h *Handler) SetHistory(trail AuditTrail, approvals ApprovalHistory) {
	h.trail = trail
	h.approvals = approvals
}

// MountRoutes registers the settlement endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/totals", h.computeTotals)
	r.Get("/reconciliation", h.reconciliation)

	r.Post("/invoices", h.createInvoice)
	r.Put("/invoices/{number}", h.updateInvoice)
	r.Post("/bills", h.createBill)
	r.Put("/bills/{number}", h.updateBill)

	r.Post("/events", h.recordEvent)
	r.Put("/events/{id}", h.updateEvent)
	r.Delete("/events/{id}", h.deleteEvent)
	r.Post("/events/{id}/approval", h.eventApproval)

	r.Post("/{variant}/{number}/approval", h.documentApproval)
	r.Post("/{variant}/{number}/recompute", h.recompute)
	r.Get("/{variant}/{number}/summary", h.summary)
	r.Get("/{variant}/{number}/history", h.history)
}

type totalsRequest struct {
	Lines           []tax.LineItem `json:"lines"`
	RecomputeTotals *bool          `json:"recompute_totals,omitempty"`
	Supplied        *tax.Totals    `json:"totals,omitempty"`
}

type totalsResponse struct {
	Totals tax.Totals     `json:"totals"`
	Lines  []tax.LineItem `json:"lines"`
}

func (h *Handler) computeTotals(w http.ResponseWriter, r *http.Request) {
	var req totalsRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	opts := tax.Options{RecomputeTotals: true}
	if req.RecomputeTotals != nil {
		opts.RecomputeTotals = *req.RecomputeTotals
	}
	if req.Supplied != nil {
		opts.Supplied = *req.Supplied
	}
	totals, lines, err := h.service.ComputeTotals(req.Lines, opts)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, totalsResponse{Totals: totals, Lines: lines})
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var input DocumentInput
	if err := httpx.DecodeJSON(w, r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.Actor = shared.ActorFromContext(r.Context())
	h.idempotent(w, r, idempotencyDocuments, func() (any, error) {
		return h.service.CreateInvoice(r.Context(), input)
	})
}

func (h *Handler) updateInvoice(w http.ResponseWriter, r *http.Request) {
	var input DocumentInput
	if err := httpx.DecodeJSON(w, r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.Actor = shared.ActorFromContext(r.Context())
	inv, err := h.service.UpdateInvoice(r.Context(), chi.URLParam(r, "number"), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) createBill(w http.ResponseWriter, r *http.Request) {
	var input BillInput
	if err := httpx.DecodeJSON(w, r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.Actor = shared.ActorFromContext(r.Context())
	h.idempotent(w, r, idempotencyDocuments, func() (any, error) {
		return h.service.CreateBill(r.Context(), input)
	})
}

func (h *Handler) updateBill(w http.ResponseWriter, r *http.Request) {
	var input BillInput
	if err := httpx.DecodeJSON(w, r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.Actor = shared.ActorFromContext(r.Context())
	bill, err := h.service.UpdateBill(r.Context(), chi.URLParam(r, "number"), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bill)
}

func (h *Handler) recordEvent(w http.ResponseWriter, r *http.Request) {
	var input EventInput
	if err := httpx.DecodeJSON(w, r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.Actor = shared.ActorFromContext(r.Context())
	h.idempotent(w, r, idempotencyEvents, func() (any, error) {
		return h.service.RecordEvent(r.Context(), input)
	})
}

func (h *Handler) updateEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}
	var input EventInput
	if err := httpx.DecodeJSON(w, r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.Actor = shared.ActorFromContext(r.Context())
	ev, err := h.service.UpdateEvent(r.Context(), id, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ev)
}

func (h *Handler) deleteEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteEvent(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type approvalRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (h *Handler) eventApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}
	var req approvalRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ev, err := h.service.SetEventApproval(r.Context(), id, ApprovalStatus(req.Status), req.Reason, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ev)
}

func (h *Handler) documentApproval(w http.ResponseWriter, r *http.Request) {
	variant, ok := variantParam(w, r)
	if !ok {
		return
	}
	var req approvalRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	number := chi.URLParam(r, "number")
	err := h.service.SetDocumentApproval(r.Context(), variant, number, ApprovalStatus(req.Status), req.Reason, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	summary, err := h.service.Summary(r.Context(), variant, number)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) recompute(w http.ResponseWriter, r *http.Request) {
	variant, ok := variantParam(w, r)
	if !ok {
		return
	}
	outcome, err := h.service.Propagator().RecomputeStatus(r.Context(), chi.URLParam(r, "number"), variant)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, outcome)
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	variant, ok := variantParam(w, r)
	if !ok {
		return
	}
	summary, err := h.service.Summary(r.Context(), variant, chi.URLParam(r, "number"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

type historyResponse struct {
	Statuses  []shared.AuditLog    `json:"statuses"`
	Approvals []shared.ApprovalLog `json:"approvals"`
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	variant, ok := variantParam(w, r)
	if !ok {
		return
	}
	if h.trail == nil && h.approvals == nil {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	summary, err := h.service.Summary(r.Context(), variant, chi.URLParam(r, "number"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := historyResponse{Statuses: []shared.AuditLog{}, Approvals: []shared.ApprovalLog{}}
	if h.trail != nil {
		if resp.Statuses, err = h.trail.Trail(r.Context(), string(variant), summary.Number); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if h.approvals != nil {
		ref := documentRef(variant, summary.Number)
		if resp.Approvals, err = h.approvals.History(r.Context(), documentModule(variant), ref); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) reconciliation(w http.ResponseWriter, r *http.Request) {
	findings, err := h.service.Reconcile(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if findings == nil {
		findings = []Finding{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"findings": findings})
}

// idempotent runs create under an optional Idempotency-Key claim. The claim is
// released when create fails so the client may retry.
func (h *Handler) idempotent(w http.ResponseWriter, r *http.Request, module string, create func() (any, error)) {
	key := strings.TrimSpace(r.Header.Get(shared.IdempotencyHeader))
	if key != "" && h.idem != nil {
		if err := h.idem.CheckAndInsert(r.Context(), key, module); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	out, err := create()
	if err != nil {
		if key != "" && h.idem != nil {
			if relErr := h.idem.Release(r.Context(), key, module); relErr != nil {
				h.logger.Warn("release idempotency key", slog.String("module", module), slog.Any("error", relErr))
			}
		}
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, out)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("settlement request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err)
}

func eventID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, invalid("id", "must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

func variantParam(w http.ResponseWriter, r *http.Request) (Variant, bool) {
	variant, ok := ParseVariant(chi.URLParam(r, "variant"))
	if !ok {
		httpx.RespondError(w, ErrDocumentNotFound)
		return "", false
	}
	return variant, true
}

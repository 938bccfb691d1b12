package aging

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/settlement/internal/platform/httpx"
	"github.com/odyssey-erp/settlement/internal/settlement"
)

// Handler serves aging reports as JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers the aging endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.report)
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := Filter{
		Variant:       settlement.Variant(q.Get("variant")),
		Counterparty:  q.Get("counterparty"),
		Period:        q.Get("period"),
		BillReference: BillReference(q.Get("reference")),
	}
	if raw := q.Get("as_of"); raw != "" {
		asOf, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: as_of must be YYYY-MM-DD", ErrInvalidFilter))
			return
		}
		filter.AsOf = asOf
	}
	report, err := h.service.Report(r.Context(), filter)
	if err != nil {
		h.logger.Warn("aging report", slog.String("variant", string(filter.Variant)), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/repository"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/service"
	"github.com/vialpoint/vialpoint-backend/pkg/actor"
	"github.com/vialpoint/vialpoint-backend/pkg/httputil"
	"github.com/vialpoint/vialpoint-backend/pkg/logger"
)

// TransactionHandler handles transaction ledger endpoints
type TransactionHandler struct {
	repo       *repository.TransactionRepository
	deductions *service.DeductionService
	logger     *logger.Logger
}

// NewTransactionHandler creates a new transaction handler
func NewTransactionHandler(repo *repository.TransactionRepository, deductions *service.DeductionService, log *logger.Logger) *TransactionHandler {
	return &TransactionHandler{
		repo:       repo,
		deductions: deductions,
		logger:     log,
	}
}

// List lists ledger entries matching the query filters
func (h *TransactionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := repository.TransactionFilter{
		ProductID: q.Get("product_id"),
		LotID:     q.Get("lot_id"),
		SessionID: q.Get("session_id"),
		ChartID:   q.Get("chart_id"),
		PatientID: q.Get("patient_id"),
		Type:      q.Get("type"),
	}

	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = &t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			f.Until = &t
		}
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	txs, err := h.repo.List(r.Context(), f)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, txs)
}

// Get gets a single ledger entry
func (h *TransactionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tx, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, tx)
}

// Reverse appends a compensating entry for a ledger row and restores
// the lot it deducted from
func (h *TransactionHandler) Reverse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Reason string `json:"reason" validate:"required"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	reversal, err := h.deductions.ReverseTransaction(r.Context(), id, req.Reason, actor.FromRequest(r.Context()))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, reversal)
}

// WasteSummary summarizes waste per product over a period
func (h *TransactionHandler) WasteSummary(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days < 1 {
		days = 30
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	summary, err := h.repo.WasteByProduct(r.Context(), since)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, summary)
}

package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/service"
	"github.com/vialpoint/vialpoint-backend/pkg/actor"
	"github.com/vialpoint/vialpoint-backend/pkg/httputil"
	"github.com/vialpoint/vialpoint-backend/pkg/logger"
	"github.com/vialpoint/vialpoint-backend/pkg/messaging"
)

// DeductionHandler handles chart deduction endpoints
type DeductionHandler struct {
	deductions *service.DeductionService
	logger     *logger.Logger
}

// NewDeductionHandler creates a new deduction handler
func NewDeductionHandler(deductions *service.DeductionService, log *logger.Logger) *DeductionHandler {
	return &DeductionHandler{
		deductions: deductions,
		logger:     log,
	}
}

// Process deducts inventory for a completed chart
func (h *DeductionHandler) Process(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChartID       string `json:"chart_id" validate:"required"`
		PatientID     string `json:"patient_id" validate:"required"`
		AppointmentID string `json:"appointment_id"`
		LocationID    string `json:"location_id" validate:"required"`
		ProviderID    string `json:"provider_id"`
		Lines         []struct {
			ProductID string          `json:"product_id" validate:"required,uuid"`
			Units     decimal.Decimal `json:"units" validate:"required"`
			LotID     string          `json:"lot_id"`
			SessionID string          `json:"open_vial_session_id"`
		} `json:"lines" validate:"required,min=1,dive"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	chart := &messaging.ChartCompletedEvent{
		ChartID:       req.ChartID,
		PatientID:     req.PatientID,
		AppointmentID: req.AppointmentID,
		LocationID:    req.LocationID,
		ProviderID:    req.ProviderID,
		CompletedAt:   time.Now().UTC(),
	}
	for _, line := range req.Lines {
		chart.Lines = append(chart.Lines, messaging.ChartDeductionLine{
			ProductID: line.ProductID,
			Units:     line.Units,
			LotID:     line.LotID,
			SessionID: line.SessionID,
		})
	}

	result, err := h.deductions.ProcessChart(r.Context(), chart, actor.FromRequest(r.Context()))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// Get gets a chart's deduction link and lines
func (h *DeductionHandler) Get(w http.ResponseWriter, r *http.Request) {
	chartID := chi.URLParam(r, "chartId")

	result, err := h.deductions.GetByChartID(r.Context(), chartID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// Retry re-resolves the failed lines of a failed chart
func (h *DeductionHandler) Retry(w http.ResponseWriter, r *http.Request) {
	chartID := chi.URLParam(r, "chartId")

	result, err := h.deductions.RetryChart(r.Context(), chartID, actor.FromRequest(r.Context()))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// Override marks a failed chart as manually handled
func (h *DeductionHandler) Override(w http.ResponseWriter, r *http.Request) {
	chartID := chi.URLParam(r, "chartId")

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

	result, err := h.deductions.OverrideChart(r.Context(), chartID, req.Reason, actor.FromRequest(r.Context()))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// ManualDeduct deducts stock outside of charting using FEFO selection
func (h *DeductionHandler) ManualDeduct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID  string          `json:"product_id" validate:"required,uuid"`
		LocationID string          `json:"location_id"`
		Units      decimal.Decimal `json:"units" validate:"required"`
		PatientID  string          `json:"patient_id"`
		Reason     string          `json:"reason" validate:"required"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	txs, err := h.deductions.ManualDeduct(r.Context(), req.ProductID, req.LocationID, req.Units, req.PatientID, req.Reason, actor.FromRequest(r.Context()))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, txs)
}

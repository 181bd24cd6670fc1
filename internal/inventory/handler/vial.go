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
)

// VialHandler handles open-vial session endpoints
type VialHandler struct {
	vials  *service.VialService
	logger *logger.Logger
}

// NewVialHandler creates a new vial handler
func NewVialHandler(vials *service.VialService, log *logger.Logger) *VialHandler {
	return &VialHandler{
		vials:  vials,
		logger: log,
	}
}

// Open opens a vial from a lot
func (h *VialHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LotID          string          `json:"lot_id" validate:"required,uuid"`
		Units          decimal.Decimal `json:"units"`
		Diluent        *string         `json:"diluent"`
		Concentration  *string         `json:"concentration"`
		StabilityHours int             `json:"stability_hours"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	session, err := h.vials.OpenVial(r.Context(), service.OpenVialInput{
		LotID:          req.LotID,
		Units:          req.Units,
		Diluent:        req.Diluent,
		Concentration:  req.Concentration,
		StabilityHours: req.StabilityHours,
	}, actor.FromRequest(r.Context()))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, session)
}

// Get gets a session with its dose history
func (h *VialHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	session, err := h.vials.GetSession(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, session)
}

// ListActive lists active sessions, soonest to expire first, with a
// summary of how many are about to lapse
func (h *VialHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	productID := r.URL.Query().Get("product_id")
	locationID := r.URL.Query().Get("location_id")

	sessions, err := h.vials.ListActive(r.Context(), productID, locationID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	expiringSoon := 0
	cutoff := time.Now().Add(time.Hour)
	for _, s := range sessions {
		if s.ExpiresAt.Before(cutoff) {
			expiringSoon++
		}
	}

	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"sessions":      sessions,
		"active_count":  len(sessions),
		"expiring_soon": expiringSoon,
	})
}

// Use draws a dose from an active vial
func (h *VialHandler) Use(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		PatientID     string          `json:"patient_id" validate:"required"`
		Units         decimal.Decimal `json:"units" validate:"required"`
		WastedUnits   decimal.Decimal `json:"wasted_units"`
		ChartID       *string         `json:"chart_id"`
		AppointmentID *string         `json:"appointment_id"`
		AreasInjected *string         `json:"areas_injected"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.vials.RecordUse(r.Context(), id, service.DoseInput{
		PatientID:     req.PatientID,
		Units:         req.Units,
		WastedUnits:   req.WastedUnits,
		ChartID:       req.ChartID,
		AppointmentID: req.AppointmentID,
		AreasInjected: req.AreasInjected,
	}, actor.FromRequest(r.Context()))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// Waste discards units from an active vial
func (h *VialHandler) Waste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Units  decimal.Decimal `json:"units" validate:"required"`
		Reason string          `json:"reason" validate:"required,oneof=expired_unused contamination draw_up_loss patient_no_show preparation_error other"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	session, err := h.vials.RecordWaste(r.Context(), id, req.Units, req.Reason, actor.FromRequest(r.Context()))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, session)
}

// Close closes an open vial
func (h *VialHandler) Close(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Reason string `json:"reason" validate:"required,oneof=expired contamination depleted end_of_day manual_close"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	session, err := h.vials.CloseVial(r.Context(), id, req.Reason, actor.FromRequest(r.Context()))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, session)
}

package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/repository"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/service"
	"github.com/vialpoint/vialpoint-backend/pkg/actor"
	"github.com/vialpoint/vialpoint-backend/pkg/httputil"
	"github.com/vialpoint/vialpoint-backend/pkg/logger"
)

// LotHandler handles lot lifecycle endpoints
type LotHandler struct {
	registry *service.RegistryService
	logger   *logger.Logger
}

// NewLotHandler creates a new lot handler
func NewLotHandler(registry *service.RegistryService, log *logger.Logger) *LotHandler {
	return &LotHandler{
		registry: registry,
		logger:   log,
	}
}

// Receive receives a new lot into inventory
func (h *LotHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID      string          `json:"product_id" validate:"required,uuid"`
		LotNumber      string          `json:"lot_number" validate:"required"`
		LocationID     string          `json:"location_id" validate:"required"`
		Quantity       decimal.Decimal `json:"quantity" validate:"required"`
		PurchaseCost   decimal.Decimal `json:"purchase_cost"`
		ExpirationDate time.Time       `json:"expiration_date" validate:"required"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	lot := &repository.Lot{
		ProductID:       req.ProductID,
		LotNumber:       req.LotNumber,
		LocationID:      req.LocationID,
		InitialQuantity: req.Quantity,
		PurchaseCost:    req.PurchaseCost,
		ExpirationDate:  req.ExpirationDate,
	}
	if err := h.registry.ReceiveLot(r.Context(), lot, actor.FromRequest(r.Context())); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, lot)
}

// Get gets a lot with its transaction history
func (h *LotHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	lot, err := h.registry.GetLot(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, lot)
}

// ListByProduct lists lots for a product
func (h *LotHandler) ListByProduct(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "id")
	status := r.URL.Query().Get("status")

	lots, err := h.registry.ListLots(r.Context(), productID, status)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, lots)
}

// Quarantine places a lot in quarantine
func (h *LotHandler) Quarantine(w http.ResponseWriter, r *http.Request) {
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

	if err := h.registry.QuarantineLot(r.Context(), id, req.Reason, actor.FromRequest(r.Context())); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.NoContent(w)
}

// Release returns a quarantined lot to available stock
func (h *LotHandler) Release(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.registry.ReleaseLot(r.Context(), id, actor.FromRequest(r.Context())); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.NoContent(w)
}

// Recall recalls a lot and returns the patient exposure trace
func (h *LotHandler) Recall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		RecallClass string `json:"recall_class" validate:"required,oneof=I II III"`
		Reason      string `json:"reason" validate:"required"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.registry.RecallLot(r.Context(), id, req.RecallClass, req.Reason, actor.FromRequest(r.Context()))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// Adjust applies a signed manual adjustment to a lot
func (h *LotHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Adjustment decimal.Decimal `json:"adjustment" validate:"required"`
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

	tx, err := h.registry.AdjustStock(r.Context(), id, req.Adjustment, req.Reason, actor.FromRequest(r.Context()))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, tx)
}

// Waste writes off part of a lot as waste
func (h *LotHandler) Waste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Units  decimal.Decimal `json:"units" validate:"required"`
		Reason string          `json:"reason" validate:"required"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	tx, err := h.registry.RecordWasteForLot(r.Context(), id, req.Units, req.Reason, actor.FromRequest(r.Context()))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, tx)
}

// Expiring lists available lots expiring within the given window
func (h *LotHandler) Expiring(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))

	lots, err := h.registry.ExpiringLots(r.Context(), days)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, lots)
}

// StockLevels returns the aggregate stock position per product
func (h *LotHandler) StockLevels(w http.ResponseWriter, r *http.Request) {
	locationID := r.URL.Query().Get("location_id")

	levels, err := h.registry.StockLevels(r.Context(), locationID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, levels)
}

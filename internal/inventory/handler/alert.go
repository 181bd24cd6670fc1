package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/vialpoint/vialpoint-backend/internal/inventory/service"
	"github.com/vialpoint/vialpoint-backend/pkg/actor"
	"github.com/vialpoint/vialpoint-backend/pkg/httputil"
	"github.com/vialpoint/vialpoint-backend/pkg/logger"
)

// AlertHandler handles alert endpoints
type AlertHandler struct {
	alerts *service.AlertService
	logger *logger.Logger
}

// NewAlertHandler creates a new alert handler
func NewAlertHandler(alerts *service.AlertService, log *logger.Logger) *AlertHandler {
	return &AlertHandler{
		alerts: alerts,
		logger: log,
	}
}

// List lists open alerts, most severe first
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	alertType := r.URL.Query().Get("type")
	severity := r.URL.Query().Get("severity")

	alerts, err := h.alerts.ListOpen(r.Context(), alertType, severity)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, alerts)
}

// Acknowledge acknowledges an alert
func (h *AlertHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	act := actor.FromRequest(r.Context())

	if err := h.alerts.Acknowledge(r.Context(), id, act.ID); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.NoContent(w)
}

package handler

import (
	"net/http"

	"github.com/vialpoint/vialpoint-backend/internal/inventory/service"
	"github.com/vialpoint/vialpoint-backend/pkg/httputil"
	"github.com/vialpoint/vialpoint-backend/pkg/logger"
)

// DashboardHandler handles dashboard endpoints
type DashboardHandler struct {
	registry *service.RegistryService
	logger   *logger.Logger
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(registry *service.RegistryService, log *logger.Logger) *DashboardHandler {
	return &DashboardHandler{
		registry: registry,
		logger:   log,
	}
}

// GetStats returns dashboard statistics
func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.registry.Dashboard(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, stats)
}

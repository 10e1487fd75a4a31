package handlers

import (
	"net/http"

	"firmware-depot/internal/storage"
	"firmware-depot/internal/util"
)

// HealthHandler reports service and storage health.
type HealthHandler struct {
	Store *storage.Manager
}

// ServeHTTP godoc
// @Summary      Health check
// @Description  Report storage backend health and firmware count
// @Tags         health
// @Produce      json
// @Success      200  {object}  storage.Health
// @Failure      503  {object}  storage.Health  "Storage unhealthy"
// @Router       /health [get]
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		util.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	report := h.Store.HealthCheck(r.Context())
	status := http.StatusOK
	if report.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	util.WriteJSONStatus(w, status, report)
}

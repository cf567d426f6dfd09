package handlers

import (
	"net/http"

	"heatersync/internal/synchronizer"

	"github.com/gin-gonic/gin"
)

// StatusSource reports the synchronizer's activity state
type StatusSource interface {
	Status() synchronizer.Status
}

// HealthHandler handles health check requests
type HealthHandler struct {
	status StatusSource
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(status StatusSource) *HealthHandler {
	return &HealthHandler{status: status}
}

// GetHealth returns the health status of the service. The process is up even
// when the last sync failed, so the status is informational.
// GET /health
func (h *HealthHandler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "UP",
		"service":     "heatersync",
		"sync_status": h.status.Status(),
	})
}

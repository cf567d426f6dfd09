package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"heatersync/internal/cache"
	"heatersync/internal/core"
	"heatersync/internal/host"
	"heatersync/internal/sequencer"
	"heatersync/internal/synchronizer"

	"github.com/gin-gonic/gin"
)

// Synchronizer is the part of the synchronizer the state endpoints use
type Synchronizer interface {
	State(ctx context.Context) (core.DeviceState, error)
	Snapshot() cache.Entry
	Status() synchronizer.Status
	SetTargetTemperature(ctx context.Context, v float64) (float64, error)
	SetTargetMode(ctx context.Context, mode core.TargetMode) (sequencer.Result, error)
}

// StateHandler handles device state reads and writes
type StateHandler struct {
	syncer Synchronizer
	logger *slog.Logger
}

// NewStateHandler creates a new state handler
func NewStateHandler(syncer Synchronizer, logger *slog.Logger) *StateHandler {
	return &StateHandler{
		syncer: syncer,
		logger: logger,
	}
}

// GetState returns the whole device state. A failed refresh still returns the
// last-known state with the error attached.
// GET /v1/state
func (h *StateHandler) GetState(c *gin.Context) {
	state, err := h.syncer.State(c.Request.Context())
	snap := h.syncer.Snapshot()

	response := gin.H{
		"state":       state,
		"target_mode": state.TargetMode(),
		"fetched":     snap.Fetched,
		"sync_status": h.syncer.Status(),
	}
	if snap.Fetched {
		response["fetched_at"] = snap.FetchedAt.UTC().Format(time.RFC3339)
	}
	if err != nil {
		response["degraded"] = true
		response["error"] = err.Error()
	}

	c.JSON(http.StatusOK, response)
}

// GetAttribute returns a single host attribute
// GET /v1/state/:attribute
func (h *StateHandler) GetAttribute(c *gin.Context) {
	attr, err := host.ParseAttribute(c.Param("attribute"))
	if err != nil {
		respondError(c, err)
		return
	}

	state, err := h.syncer.State(c.Request.Context())
	value, _ := host.AttributeValue(state, attr)

	response := gin.H{
		"attribute": attr,
		"value":     value,
	}
	if err != nil {
		response["degraded"] = true
		response["error"] = err.Error()
	}

	c.JSON(http.StatusOK, response)
}

// SetTemperature sets the target temperature, clamped to the configured limits
// PUT /v1/temperature
func (h *StateHandler) SetTemperature(c *gin.Context) {
	var req struct {
		Value *float64 `json:"value" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	applied, err := h.syncer.SetTargetTemperature(c.Request.Context(), *req.Value)
	if err != nil {
		h.logger.Error("Failed to set temperature",
			"component", "api",
			"requested", *req.Value,
			"error", err,
		)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"requested": *req.Value,
		"applied":   applied,
		"clamped":   applied != *req.Value,
	})
}

// SetMode moves the heater to OFF, HEAT or AUTO
// PUT /v1/mode
func (h *StateHandler) SetMode(c *gin.Context) {
	var req struct {
		Mode string `json:"mode" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	mode, err := core.ParseTargetMode(req.Mode)
	if err != nil {
		respondError(c, err)
		return
	}

	res, err := h.syncer.SetTargetMode(c.Request.Context(), mode)
	if err != nil {
		h.logger.Error("Failed to set mode",
			"component", "api",
			"mode", mode,
			"error", err,
		)
		respondError(c, err)
		return
	}

	steps := make([]string, len(res.Steps))
	for i, s := range res.Steps {
		steps[i] = s.String()
	}

	response := gin.H{
		"command_id": res.ID,
		"mode":       mode,
		"steps":      steps,
		"state":      res.State,
	}
	if res.RefreshErr != nil {
		response["refresh_error"] = res.RefreshErr.Error()
	}

	c.JSON(http.StatusOK, response)
}

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"heatersync/internal/auth"

	"github.com/gin-gonic/gin"
)

// TokenStatusSource reports the remote API token state
type TokenStatusSource interface {
	Status() auth.Status
}

// AdminHandler handles administrative operations
type AdminHandler struct {
	tokens TokenStatusSource
	logger *slog.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(tokens TokenStatusSource, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		tokens: tokens,
		logger: logger,
	}
}

// GetTokenStatus returns the status of the remote API token
// GET /v1/admin/token-status
func (h *AdminHandler) GetTokenStatus(c *gin.Context) {
	status := h.tokens.Status()

	var tokenStatus string
	switch {
	case !status.HasToken:
		tokenStatus = "not_cached"
	case !status.Valid:
		tokenStatus = "expired"
	default:
		tokenStatus = "valid"
	}

	response := gin.H{
		"token_status": tokenStatus,
		"logins":       status.Logins,
	}
	if status.HasToken {
		response["expires_at"] = status.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if status.Valid {
		response["expires_in_seconds"] = int(time.Until(status.ExpiresAt).Seconds())
	}
	if !status.LastLoginAt.IsZero() {
		response["last_login_at"] = status.LastLoginAt.UTC().Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, response)
}

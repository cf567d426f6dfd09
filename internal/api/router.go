package api

import (
	"log/slog"

	"heatersync/internal/api/handlers"
	"heatersync/internal/api/middleware"

	"github.com/gin-gonic/gin"
)

// APIKeyHeader carries the operations API key
const APIKeyHeader = "X-Heatersync-Key"

// RouterConfig holds dependencies for the API router
type RouterConfig struct {
	Synchronizer handlers.Synchronizer
	Tokens       handlers.TokenStatusSource
	APIKey       string
	Logger       *slog.Logger
}

// NewRouter creates and configures the Gin router
func NewRouter(config RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Apply global middleware
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(config.Logger))
	router.Use(middleware.Logging(config.Logger))
	router.Use(middleware.ContentType())

	// Health check (no auth)
	healthHandler := handlers.NewHealthHandler(config.Synchronizer)
	router.GET("/health", healthHandler.GetHealth)

	// API v1 routes (with authentication)
	v1 := router.Group("/v1")
	v1.Use(authMiddleware(config.APIKey))
	{
		stateHandler := handlers.NewStateHandler(config.Synchronizer, config.Logger)
		v1.GET("/state", stateHandler.GetState)
		v1.GET("/state/:attribute", stateHandler.GetAttribute)
		v1.PUT("/temperature", stateHandler.SetTemperature)
		v1.PUT("/mode", stateHandler.SetMode)

		if config.Tokens != nil {
			adminHandler := handlers.NewAdminHandler(config.Tokens, config.Logger)
			v1.GET("/admin/token-status", adminHandler.GetTokenStatus)
		}
	}

	return router
}

// authMiddleware verifies API key authentication
func authMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" || c.GetHeader(APIKeyHeader) != apiKey {
			c.AbortWithStatusJSON(401, gin.H{
				"error": "Unauthorized",
				"code":  "UNAUTHORIZED",
			})
			return
		}
		c.Next()
	}
}

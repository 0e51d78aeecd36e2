package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// @title GitPulse Ingestion API
// @version 1.0
// @description GitHub activity ingestion and synchronization service
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

// SetupRouter configures the API routes.
func SetupRouter(h *Handler) *gin.Engine {
	r := gin.Default()

	// The swagger spec itself is generated output: run
	// `swag init -g cmd/server/main.go` and blank-import the generated
	// docs package in main to register it with this handler.
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		v1.POST("/webhooks/github", h.ReceiveWebhook)

		installations := v1.Group("/installations/:id")
		{
			installations.POST("/sync", h.TriggerSync)
			installations.GET("/sync-status", h.GetSyncStatus)
		}

		v1.GET("/batches/:id", h.GetBatch)
	}

	return r
}

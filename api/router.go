package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rbrundritt/offline-data-manager/api/handlers"
	"github.com/rbrundritt/offline-data-manager/api/middleware"
	"github.com/rbrundritt/offline-data-manager/internal/app"
	"github.com/rbrundritt/offline-data-manager/internal/domain"
	"github.com/rbrundritt/offline-data-manager/pkg/events"
)

// SetupRouter sets up the HTTP router
func SetupRouter(
	registry *app.RegistryManager,
	engine *app.DownloadEngine,
	probe domain.StorageProbe,
	emitter *events.Emitter,
	log *zap.Logger,
) *gin.Engine {
	// Set Gin mode
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Middleware
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS())

	// Health endpoints
	healthHandler := handlers.NewHealthHandler(engine)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		filesHandler := handlers.NewFilesHandler(registry, engine, probe, log)
		files := v1.Group("/files")
		{
			files.POST("", filesHandler.RegisterFile)
			files.PUT("", filesHandler.RegisterFiles)
			files.GET("", filesHandler.ListFiles)
			files.GET("/stats", filesHandler.GetStats)
			files.GET("/:id", filesHandler.GetFile)
			files.GET("/:id/content", filesHandler.RetrieveFile)
			files.PATCH("/:id/metadata", filesHandler.UpdateMetadata)
			files.POST("/:id/abort", filesHandler.AbortDownload)
			files.DELETE("/:id", filesHandler.DeleteFile)
			files.DELETE("", filesHandler.DeleteAllFiles)
		}

		downloads := v1.Group("/downloads")
		{
			downloads.POST("/start", filesHandler.StartDownloads)
			downloads.POST("/stop", filesHandler.StopDownloads)
			downloads.POST("/retry", filesHandler.RetryFailed)
		}

		v1.GET("/storage", filesHandler.GetStorage)
		v1.POST("/connectivity", filesHandler.UpdateConnectivity)

		// Event stream
		wsHandler := handlers.NewEventWebSocketHandler(emitter, log)
		v1.GET("/events/ws", wsHandler.HandleWebSocket)
	}

	return router
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rbrundritt/offline-data-manager/internal/app"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	engine *app.DownloadEngine
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(engine *app.DownloadEngine) *HealthHandler {
	return &HealthHandler{
		engine: engine,
	}
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Engine  struct {
		Running bool `json:"running"`
		Online  bool `json:"online"`
	} `json:"engine"`
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	response := HealthResponse{
		Status:  "ok",
		Version: "1.0.0",
	}
	response.Engine.Running = h.engine.IsRunning()
	response.Engine.Online = h.engine.IsOnline()

	c.JSON(http.StatusOK, response)
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(c *gin.Context) {
	if !h.engine.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "download engine not running",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rbrundritt/offline-data-manager/internal/app"
	"github.com/rbrundritt/offline-data-manager/internal/domain"
)

// FilesHandler handles file catalog HTTP requests
type FilesHandler struct {
	registry *app.RegistryManager
	engine   *app.DownloadEngine
	probe    domain.StorageProbe
	logger   *zap.Logger
}

// NewFilesHandler creates a new files handler
func NewFilesHandler(registry *app.RegistryManager, engine *app.DownloadEngine, probe domain.StorageProbe, logger *zap.Logger) *FilesHandler {
	return &FilesHandler{
		registry: registry,
		engine:   engine,
		probe:    probe,
		logger:   logger,
	}
}

// RegisterFile handles POST /api/v1/files
func (h *FilesHandler) RegisterFile(c *gin.Context) {
	var reg domain.FileRegistration
	if err := c.ShouldBindJSON(&reg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.registry.RegisterFile(&reg); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		h.logger.Error("Failed to register file", zap.String("id", reg.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status, err := h.registry.GetStatus(reg.ID)
	if err != nil || status == nil {
		c.JSON(http.StatusCreated, gin.H{"id": reg.ID})
		return
	}
	c.JSON(http.StatusCreated, status)
}

// RegisterFiles handles PUT /api/v1/files — full-catalog reconciliation
func (h *FilesHandler) RegisterFiles(c *gin.Context) {
	var regs []*domain.FileRegistration
	if err := c.ShouldBindJSON(&regs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.registry.RegisterFiles(regs)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		h.logger.Error("Failed to register files", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// ListFiles handles GET /api/v1/files
func (h *FilesHandler) ListFiles(c *gin.Context) {
	all, err := h.registry.GetAllStatus()
	if err != nil {
		h.logger.Error("Failed to list files", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, all)
}

// GetStats handles GET /api/v1/files/stats
func (h *FilesHandler) GetStats(c *gin.Context) {
	stats, err := h.registry.GetStats()
	if err != nil {
		h.logger.Error("Failed to get stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetFile handles GET /api/v1/files/:id
func (h *FilesHandler) GetFile(c *gin.Context) {
	id := c.Param("id")

	status, err := h.registry.GetStatus(id)
	if err != nil {
		h.logger.Error("Failed to get status", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not registered"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// RetrieveFile handles GET /api/v1/files/:id/content
func (h *FilesHandler) RetrieveFile(c *gin.Context) {
	id := c.Param("id")

	data, mime, err := h.registry.RetrieveFile(id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotRegistered):
			c.JSON(http.StatusNotFound, gin.H{"error": "file not registered"})
		case errors.Is(err, domain.ErrNotReady):
			c.JSON(http.StatusConflict, gin.H{"error": "file not ready"})
		default:
			h.logger.Error("Failed to retrieve file", zap.String("id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.Data(http.StatusOK, mime, data)
}

// UpdateMetadata handles PATCH /api/v1/files/:id/metadata
func (h *FilesHandler) UpdateMetadata(c *gin.Context) {
	id := c.Param("id")

	var patch map[string]interface{}
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.registry.UpdateRegistryMetadata(id, patch); err != nil {
		if errors.Is(err, domain.ErrNotRegistered) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not registered"})
			return
		}
		h.logger.Error("Failed to update metadata", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "metadata updated"})
}

// DeleteFile handles DELETE /api/v1/files/:id
func (h *FilesHandler) DeleteFile(c *gin.Context) {
	id := c.Param("id")
	removeProtected, _ := strconv.ParseBool(c.Query("remove_protected"))

	if err := h.registry.DeleteFile(id, removeProtected); err != nil {
		if errors.Is(err, domain.ErrNotRegistered) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not registered"})
			return
		}
		h.logger.Error("Failed to delete file", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "file deleted"})
}

// DeleteAllFiles handles DELETE /api/v1/files
func (h *FilesHandler) DeleteAllFiles(c *gin.Context) {
	removeProtected, _ := strconv.ParseBool(c.Query("remove_protected"))

	if err := h.registry.DeleteAllFiles(removeProtected); err != nil {
		h.logger.Error("Failed to delete files", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "files deleted"})
}

// AbortDownload handles POST /api/v1/files/:id/abort
func (h *FilesHandler) AbortDownload(c *gin.Context) {
	id := c.Param("id")
	h.engine.AbortDownload(id)
	c.JSON(http.StatusOK, gin.H{"message": "download aborted"})
}

// RetryFailed handles POST /api/v1/downloads/retry
func (h *FilesHandler) RetryFailed(c *gin.Context) {
	if err := h.engine.RetryFailed(); err != nil {
		h.logger.Error("Failed to retry downloads", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "failed downloads requeued"})
}

// StartDownloads handles POST /api/v1/downloads/start
func (h *FilesHandler) StartDownloads(c *gin.Context) {
	if err := h.engine.Start(); err != nil {
		h.logger.Error("Failed to start engine", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "downloads started"})
}

// StopDownloads handles POST /api/v1/downloads/stop
func (h *FilesHandler) StopDownloads(c *gin.Context) {
	if err := h.engine.Stop(); err != nil {
		h.logger.Error("Failed to stop engine", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "downloads stopped"})
}

// GetStorage handles GET /api/v1/storage
func (h *FilesHandler) GetStorage(c *gin.Context) {
	est, err := h.probe.Estimate()
	if err != nil {
		h.logger.Error("Failed to estimate storage", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, est)
}

// UpdateConnectivity handles POST /api/v1/connectivity
func (h *FilesHandler) UpdateConnectivity(c *gin.Context) {
	var req struct {
		Online *bool `json:"online" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.engine.SetOnline(*req.Online)
	c.JSON(http.StatusOK, gin.H{"online": h.engine.IsOnline()})
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/browsecore/internal/app"
	"github.com/yourusername/browsecore/internal/domain"
	"github.com/yourusername/browsecore/pkg/logger"
	"go.uber.org/zap"
)

// DownloadHandler handles download-related HTTP requests
type DownloadHandler struct {
	core   *app.Core
	logger *zap.Logger
}

// NewDownloadHandler creates a new download handler
func NewDownloadHandler(core *app.Core, logger *zap.Logger) *DownloadHandler {
	return &DownloadHandler{
		core:   core,
		logger: logger,
	}
}

// AddDownloadRequest represents a request to download a URL from a tab
type AddDownloadRequest struct {
	TabID    string `json:"tab_id" binding:"required"`
	URL      string `json:"url" binding:"required"`
	Filename string `json:"filename,omitempty"`
}

// AddDownload handles POST /api/v1/downloads
func (h *DownloadHandler) AddDownload(c *gin.Context) {
	var req AddDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	tab, err := h.core.Registry.Tab(req.TabID)
	if err != nil {
		respondError(c, err)
		return
	}

	record, err := h.core.StartDownload(c.Request.Context(), tab.TabHandle, req.URL, req.Filename)
	if err != nil {
		h.logger.Warn("Failed to start download",
			logger.URL(req.URL, tab.IsPrivate()),
			zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, record)
}

// GetDownload handles GET /api/v1/downloads/:id
func (h *DownloadHandler) GetDownload(c *gin.Context) {
	record, err := h.core.Ledger.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// ListDownloads handles GET /api/v1/downloads. ?active=true lists running
// downloads oldest first; otherwise every record is listed newest first.
func (h *DownloadHandler) ListDownloads(c *gin.Context) {
	var records []*domain.DownloadRecord
	if c.Query("active") == "true" {
		records = h.core.Ledger.ListActive()
	} else {
		records = h.core.Ledger.ListAll()
	}

	if state := domain.DownloadState(c.Query("state")); state != "" {
		filtered := records[:0]
		for _, r := range records {
			if r.State == state {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"downloads": records,
		"count":     len(records),
	})
}

// GetStats handles GET /api/v1/downloads/stats
func (h *DownloadHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.core.Ledger.Stats())
}

// PauseDownload handles POST /api/v1/downloads/:id/pause
func (h *DownloadHandler) PauseDownload(c *gin.Context) {
	h.transition(c, h.core.Ledger.Pause, "download paused")
}

// ResumeDownload handles POST /api/v1/downloads/:id/resume
func (h *DownloadHandler) ResumeDownload(c *gin.Context) {
	h.transition(c, h.core.Ledger.Resume, "download resumed")
}

// CancelDownload handles POST /api/v1/downloads/:id/cancel
func (h *DownloadHandler) CancelDownload(c *gin.Context) {
	h.transition(c, h.core.Ledger.Cancel, "download cancelled")
}

func (h *DownloadHandler) transition(c *gin.Context, fn func(id string) error, message string) {
	id := c.Param("id")
	if err := fn(id); err != nil {
		respondError(c, err)
		return
	}

	record, err := h.core.Ledger.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":  message,
		"download": record,
	})
}

// DeleteDownload handles DELETE /api/v1/downloads/:id
func (h *DownloadHandler) DeleteDownload(c *gin.Context) {
	if err := h.core.Ledger.Remove(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "download removed"})
}

// ClearDownloads handles DELETE /api/v1/downloads. ?all=true also cancels
// running downloads.
func (h *DownloadHandler) ClearDownloads(c *gin.Context) {
	var (
		n   int
		err error
	)
	if c.Query("all") == "true" {
		n, err = h.core.Ledger.ClearAll()
	} else {
		n, err = h.core.Ledger.ClearFinished()
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

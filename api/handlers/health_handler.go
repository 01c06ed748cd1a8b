package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/browsecore/internal/app"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// Pinger checks that the durable store answers
type Pinger interface {
	Ping() error
}

// HealthHandler handles health check requests
type HealthHandler struct {
	core  *app.Core
	store Pinger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(core *app.Core, store Pinger) *HealthHandler {
	return &HealthHandler{
		core:  core,
		store: store,
	}
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Running bool          `json:"running"`
	Core    app.CoreStats `json:"core"`
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Running: h.core.IsRunning(),
		Core:    h.core.Stats(),
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(c *gin.Context) {
	if !h.core.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "core not running",
		})
		return
	}
	if h.store != nil {
		if err := h.store.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"reason": "store unavailable",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

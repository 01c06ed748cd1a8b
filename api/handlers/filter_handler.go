package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/browsecore/internal/app"
	"github.com/yourusername/browsecore/internal/domain"
	"go.uber.org/zap"
)

// reloadTimeout bounds a filter reload started over HTTP
const reloadTimeout = time.Minute

// FilterHandler handles request filter configuration
type FilterHandler struct {
	core   *app.Core
	logger *zap.Logger
}

// NewFilterHandler creates a new filter handler
func NewFilterHandler(core *app.Core, logger *zap.Logger) *FilterHandler {
	return &FilterHandler{
		core:   core,
		logger: logger,
	}
}

// GetStatus handles GET /api/v1/filter
func (h *FilterHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.core.Filter.Status())
}

// ReloadRequest names the rule source to load; empty means the configured one
type ReloadRequest struct {
	Source string `json:"source"`
}

// Reload handles POST /api/v1/filter/reload. A failed load keeps the
// current rules.
func (h *FilterHandler) Reload(c *gin.Context) {
	var req ReloadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), reloadTimeout)
	defer cancel()

	snap, err := h.core.ReloadRules(ctx, req.Source)
	if err != nil {
		h.logger.Warn("Filter reload failed", zap.String("source", req.Source), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"error":  err.Error(),
			"active": h.core.Filter.Status(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"source":   snap.Source(),
		"rules":    snap.Len(),
		"warnings": snap.Warnings(),
	})
}

// EnabledRequest toggles filtering for one partition
type EnabledRequest struct {
	Partition domain.Partition `json:"partition" binding:"required"`
	Enabled   *bool            `json:"enabled" binding:"required"`
}

// SetEnabled handles PUT /api/v1/filter/enabled
func (h *FilterHandler) SetEnabled(c *gin.Context) {
	var req EnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if !domain.ValidatePartition(req.Partition) {
		badRequest(c, "partition must be normal or private")
		return
	}

	h.core.Filter.SetEnabled(req.Partition, *req.Enabled)
	c.JSON(http.StatusOK, h.core.Filter.Status())
}

// RuleRequest carries one blocklist entry
type RuleRequest struct {
	Rule string `json:"rule" binding:"required"`
}

// AddRule handles POST /api/v1/filter/rules
func (h *FilterHandler) AddRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	rule, err := h.core.Filter.AddCustomRule(req.Rule)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"rule": rule,
		"text": domain.FormatRule(rule),
	})
}

// RemoveRule handles DELETE /api/v1/filter/rules?pattern=...
// Patterns may contain slashes, so they travel in the query.
func (h *FilterHandler) RemoveRule(c *gin.Context) {
	pattern := c.Query("pattern")
	if pattern == "" {
		badRequest(c, "query parameter 'pattern' is required")
		return
	}
	if err := h.core.Filter.RemoveCustomRule(pattern); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "rule removed"})
}

// CheckRequest asks how a URL would be treated in a partition
type CheckRequest struct {
	URL       string           `json:"url" binding:"required"`
	Partition domain.Partition `json:"partition"`
}

// Check handles POST /api/v1/filter/check without counting a block
func (h *FilterHandler) Check(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Partition == "" {
		req.Partition = domain.PartitionNormal
	}

	verdict := domain.VerdictAllow
	if h.core.Filter.Enabled(req.Partition) {
		verdict = app.Evaluate(req.URL, h.core.Filter.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{
		"url":       req.URL,
		"partition": req.Partition,
		"verdict":   verdict,
	})
}

// ResetCounters handles DELETE /api/v1/filter/blocked
func (h *FilterHandler) ResetCounters(c *gin.Context) {
	h.core.Filter.ResetBlockedCount()
	c.JSON(http.StatusOK, gin.H{"message": "counters reset"})
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/browsecore/internal/app"
	"github.com/yourusername/browsecore/internal/domain"
	"go.uber.org/zap"
)

// SessionHandler handles window and tab requests
type SessionHandler struct {
	core   *app.Core
	logger *zap.Logger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(core *app.Core, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		core:   core,
		logger: logger,
	}
}

// CreateWindowRequest represents a request to open a window
type CreateWindowRequest struct {
	Partition domain.Partition `json:"partition"`
	URL       string           `json:"url"`
}

// WindowResponse is a window with its tabs
type WindowResponse struct {
	domain.WindowHandle
	Tabs      []*domain.Tab `json:"tabs"`
	ActiveTab string        `json:"active_tab,omitempty"`
}

// CreateWindow handles POST /api/v1/windows
func (h *SessionHandler) CreateWindow(c *gin.Context) {
	var req CreateWindowRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if req.Partition == "" {
		req.Partition = domain.PartitionNormal
	}
	if !domain.ValidatePartition(req.Partition) {
		badRequest(c, "partition must be normal or private")
		return
	}

	w, err := h.core.Partitions.CreateWindow(c.Request.Context(), req.Partition)
	if err != nil {
		respondError(c, err)
		return
	}
	if _, err := h.core.Partitions.CreateTab(c.Request.Context(), w, req.URL); err != nil {
		respondError(c, err)
		return
	}

	resp, err := h.window(w.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *SessionHandler) window(id string) (*WindowResponse, error) {
	w, err := h.core.Registry.Window(id)
	if err != nil {
		return nil, err
	}
	tabs, err := h.core.Registry.Tabs(id)
	if err != nil {
		return nil, err
	}
	resp := &WindowResponse{WindowHandle: w, Tabs: tabs}
	if active, err := h.core.Registry.ActiveTab(id); err == nil && active != nil {
		resp.ActiveTab = active.ID
	}
	return resp, nil
}

// ListWindows handles GET /api/v1/windows
func (h *SessionHandler) ListWindows(c *gin.Context) {
	windows := h.core.Registry.Windows()
	out := make([]*WindowResponse, 0, len(windows))
	for _, w := range windows {
		resp, err := h.window(w.ID)
		if err != nil {
			continue // Closed concurrently
		}
		out = append(out, resp)
	}

	c.JSON(http.StatusOK, gin.H{
		"windows": out,
		"count":   len(out),
	})
}

// GetWindow handles GET /api/v1/windows/:id
func (h *SessionHandler) GetWindow(c *gin.Context) {
	resp, err := h.window(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// CloseWindow handles DELETE /api/v1/windows/:id. With ?async=true the
// window is removed at once and the private wipe runs in the background.
func (h *SessionHandler) CloseWindow(c *gin.Context) {
	w, err := h.core.Registry.Window(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	if c.Query("async") == "true" {
		result := h.core.Partitions.CloseWindowAsync(c.Request.Context(), w)
		go func() {
			if err := <-result; err != nil {
				h.logger.Error("Background window close failed", zap.String("window_id", w.ID), zap.Error(err))
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"message": "window closing"})
		return
	}

	if err := h.core.Partitions.CloseWindow(c.Request.Context(), w); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "window closed"})
}

// CreateTabRequest represents a request to open a tab
type CreateTabRequest struct {
	URL string `json:"url"`
}

// CreateTab handles POST /api/v1/windows/:id/tabs
func (h *SessionHandler) CreateTab(c *gin.Context) {
	var req CreateTabRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	w, err := h.core.Registry.Window(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	tab, err := h.core.Partitions.CreateTab(c.Request.Context(), w, req.URL)
	if err != nil {
		respondError(c, err)
		return
	}
	h.respondTab(c, http.StatusCreated, tab.ID)
}

// ReopenTab handles POST /api/v1/windows/:id/reopen
func (h *SessionHandler) ReopenTab(c *gin.Context) {
	w, err := h.core.Registry.Window(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	tab, ok, err := h.core.Partitions.ReopenClosedTab(c.Request.Context(), w)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no closed tab to reopen"})
		return
	}
	h.respondTab(c, http.StatusCreated, tab.ID)
}

// ClosedTabs handles GET /api/v1/windows/:id/closed
func (h *SessionHandler) ClosedTabs(c *gin.Context) {
	closed, err := h.core.Registry.ClosedTabs(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"closed": closed,
		"count":  len(closed),
	})
}

func (h *SessionHandler) respondTab(c *gin.Context, status int, id string) {
	tab, err := h.core.Registry.Tab(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(status, tab)
}

// GetTab handles GET /api/v1/tabs/:id
func (h *SessionHandler) GetTab(c *gin.Context) {
	h.respondTab(c, http.StatusOK, c.Param("id"))
}

// CloseTab handles DELETE /api/v1/tabs/:id
func (h *SessionHandler) CloseTab(c *gin.Context) {
	tab, err := h.core.Registry.Tab(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.core.Partitions.CloseTab(c.Request.Context(), tab.TabHandle); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "tab closed"})
}

// UpdateTabRequest changes tab flags; absent fields are left alone
type UpdateTabRequest struct {
	Pinned *bool `json:"pinned"`
	Muted  *bool `json:"muted"`
	Active *bool `json:"active"`
}

// UpdateTab handles PATCH /api/v1/tabs/:id
func (h *SessionHandler) UpdateTab(c *gin.Context) {
	var req UpdateTabRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	id := c.Param("id")
	var err error
	if req.Pinned != nil {
		err = h.core.Registry.SetPinned(id, *req.Pinned)
	}
	if err == nil && req.Muted != nil {
		err = h.core.Registry.SetMuted(id, *req.Muted)
	}
	if err == nil && req.Active != nil && *req.Active {
		err = h.core.Registry.Activate(id)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	h.respondTab(c, http.StatusOK, id)
}

// URLRequest carries a single URL
type URLRequest struct {
	URL string `json:"url" binding:"required"`
}

// Navigate handles POST /api/v1/tabs/:id/navigate. The navigation is
// queued; history is recorded when it is handled.
func (h *SessionHandler) Navigate(c *gin.Context) {
	var req URLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	tab, err := h.core.Registry.Tab(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.core.Bridge.OnNavigationStart(c.Request.Context(), tab.TabHandle, req.URL); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "navigation queued"})
}

// CheckRequest handles POST /api/v1/tabs/:id/check, answering whether the
// filter lets the tab load a URL
func (h *SessionHandler) CheckRequest(c *gin.Context) {
	var req URLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	tab, err := h.core.Registry.Tab(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"verdict": h.core.Bridge.OnOutboundRequest(tab.TabHandle, req.URL),
	})
}

// Persist handles POST /api/v1/tabs/:id/persist, routing a write intent
// through the persistence guard
func (h *SessionHandler) Persist(c *gin.Context) {
	var intent domain.WriteIntent
	if err := c.ShouldBindJSON(&intent); err != nil {
		badRequest(c, err.Error())
		return
	}
	if !domain.ValidateWriteKind(intent.Kind) {
		badRequest(c, "unknown write kind")
		return
	}

	tab, err := h.core.Registry.Tab(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	decision, err := h.core.Bridge.OnPersistenceIntent(c.Request.Context(), tab.TabHandle, intent)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": decision})
}

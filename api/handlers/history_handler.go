package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/browsecore/internal/domain"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// HistoryStore is the Normal browsing history
type HistoryStore interface {
	ListHistory(limit int) ([]*domain.HistoryEntry, error)
	SearchHistory(q string, limit int) ([]*domain.HistoryEntry, error)
	RemoveHistory(url string) error
	ClearHistory() error
}

// HistoryHandler handles browsing history requests. Only Normal windows
// ever reach this store.
type HistoryHandler struct {
	store HistoryStore
}

// NewHistoryHandler creates a new history handler
func NewHistoryHandler(store HistoryStore) *HistoryHandler {
	return &HistoryHandler{store: store}
}

func limitParam(c *gin.Context, def, max int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// ListHistory handles GET /api/v1/history, with ?q= to search
func (h *HistoryHandler) ListHistory(c *gin.Context) {
	limit := limitParam(c, defaultHistoryLimit, maxHistoryLimit)

	var (
		entries []*domain.HistoryEntry
		err     error
	)
	if q := c.Query("q"); q != "" {
		entries, err = h.store.SearchHistory(q, limit)
	} else {
		entries, err = h.store.ListHistory(limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"history": entries,
		"count":   len(entries),
	})
}

// DeleteHistory handles DELETE /api/v1/history?url=... and, with
// ?all=true, clears the whole history
func (h *HistoryHandler) DeleteHistory(c *gin.Context) {
	var err error
	switch {
	case c.Query("all") == "true":
		err = h.store.ClearHistory()
	case c.Query("url") != "":
		err = h.store.RemoveHistory(c.Query("url"))
	default:
		badRequest(c, "query parameter 'url' or 'all=true' is required")
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "history deleted"})
}

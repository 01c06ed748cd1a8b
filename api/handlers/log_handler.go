package handlers

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/browsecore/pkg/logger"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// LogHandler handles log-related requests
type LogHandler struct {
	logReader *logger.LogReader
}

// NewLogHandler creates a new log handler
func NewLogHandler(logsDir string) *LogHandler {
	return &LogHandler{
		logReader: logger.NewLogReader(logsDir),
	}
}

// params validates the category and date shared by every log endpoint
func (h *LogHandler) params(c *gin.Context) (logger.LogCategory, time.Time, bool) {
	category := logger.LogCategory(c.Param("category"))
	if !logger.ValidCategory(category) {
		badRequest(c, "invalid category")
		return "", time.Time{}, false
	}

	date := time.Now()
	if dateStr := c.Query("date"); dateStr != "" {
		parsed, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			badRequest(c, "invalid date format, use YYYY-MM-DD")
			return "", time.Time{}, false
		}
		date = parsed
	}
	return category, date, true
}

// GetLogs handles GET /api/v1/logs/:category
func (h *LogHandler) GetLogs(c *gin.Context) {
	category, date, ok := h.params(c)
	if !ok {
		return
	}

	entries, err := h.logReader.ReadLogs(category, date, limitParam(c, defaultLogLimit, maxLogLimit))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read logs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"category": category,
		"date":     date.Format("2006-01-02"),
		"count":    len(entries),
		"entries":  entries,
	})
}

// SearchLogs handles GET /api/v1/logs/:category/search
func (h *LogHandler) SearchLogs(c *gin.Context) {
	category, date, ok := h.params(c)
	if !ok {
		return
	}

	query := c.Query("q")
	if query == "" {
		badRequest(c, "query parameter 'q' is required")
		return
	}

	entries, err := h.logReader.SearchLogs(category, date, query, limitParam(c, defaultLogLimit, maxLogLimit))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to search logs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"category": category,
		"query":    query,
		"count":    len(entries),
		"entries":  entries,
	})
}

// GetCategories handles GET /api/v1/logs/categories
func (h *LogHandler) GetCategories(c *gin.Context) {
	categories := make([]string, 0, len(logger.Categories))
	for _, category := range logger.Categories {
		categories = append(categories, string(category))
	}

	c.JSON(http.StatusOK, gin.H{
		"categories": categories,
	})
}

// ExportLogs handles GET /api/v1/logs/:category/export
func (h *LogHandler) ExportLogs(c *gin.Context) {
	category, date, ok := h.params(c)
	if !ok {
		return
	}

	logPath := h.logReader.GetLogPath(category, date)
	if _, err := os.Stat(logPath); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no log file for that date"})
		return
	}

	filename := string(category) + "-" + date.Format("20060102") + ".log"
	c.Header("Content-Description", "File Transfer")
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Header("Content-Type", "application/octet-stream")

	c.File(logPath)
}

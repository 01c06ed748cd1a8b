package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/browsecore/api/handlers"
	"github.com/yourusername/browsecore/api/middleware"
	"github.com/yourusername/browsecore/internal/app"
	"github.com/yourusername/browsecore/internal/metrics"
	"github.com/yourusername/browsecore/pkg/logger"
)

// Store is what the HTTP layer reads from the durable store
type Store interface {
	handlers.Pinger
	handlers.HistoryStore
}

// RouterDeps groups what the router serves
type RouterDeps struct {
	Core        *app.Core
	Store       Store
	Hub         *handlers.EventHub
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	MultiLogger *logger.MultiLogger
	LogsDir     string
}

// SetupRouter sets up the HTTP router
func SetupRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Middleware
	router.Use(middleware.Logger(deps.Logger, deps.Metrics))
	router.Use(middleware.Recovery(deps.Logger, deps.MultiLogger))
	router.Use(middleware.CORS())

	// Health endpoints
	healthHandler := handlers.NewHealthHandler(deps.Core, deps.Store)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	v1 := router.Group("/api/v1")
	{
		sessionHandler := handlers.NewSessionHandler(deps.Core, deps.Logger)
		windows := v1.Group("/windows")
		{
			windows.POST("", sessionHandler.CreateWindow)
			windows.GET("", sessionHandler.ListWindows)
			windows.GET("/:id", sessionHandler.GetWindow)
			windows.DELETE("/:id", sessionHandler.CloseWindow)
			windows.POST("/:id/tabs", sessionHandler.CreateTab)
			windows.POST("/:id/reopen", sessionHandler.ReopenTab)
			windows.GET("/:id/closed", sessionHandler.ClosedTabs)
		}
		tabs := v1.Group("/tabs")
		{
			tabs.GET("/:id", sessionHandler.GetTab)
			tabs.PATCH("/:id", sessionHandler.UpdateTab)
			tabs.DELETE("/:id", sessionHandler.CloseTab)
			tabs.POST("/:id/navigate", sessionHandler.Navigate)
			tabs.POST("/:id/check", sessionHandler.CheckRequest)
			tabs.POST("/:id/persist", sessionHandler.Persist)
		}

		downloadHandler := handlers.NewDownloadHandler(deps.Core, deps.Logger)
		downloads := v1.Group("/downloads")
		{
			downloads.POST("", downloadHandler.AddDownload)
			downloads.GET("", downloadHandler.ListDownloads)
			downloads.DELETE("", downloadHandler.ClearDownloads)
			downloads.GET("/stats", downloadHandler.GetStats)
			downloads.GET("/:id", downloadHandler.GetDownload)
			downloads.POST("/:id/pause", downloadHandler.PauseDownload)
			downloads.POST("/:id/resume", downloadHandler.ResumeDownload)
			downloads.POST("/:id/cancel", downloadHandler.CancelDownload)
			downloads.DELETE("/:id", downloadHandler.DeleteDownload)
		}

		filterHandler := handlers.NewFilterHandler(deps.Core, deps.Logger)
		filter := v1.Group("/filter")
		{
			filter.GET("", filterHandler.GetStatus)
			filter.POST("/reload", filterHandler.Reload)
			filter.PUT("/enabled", filterHandler.SetEnabled)
			filter.POST("/rules", filterHandler.AddRule)
			filter.DELETE("/rules", filterHandler.RemoveRule)
			filter.POST("/check", filterHandler.Check)
			filter.DELETE("/blocked", filterHandler.ResetCounters)
		}

		if deps.Store != nil {
			historyHandler := handlers.NewHistoryHandler(deps.Store)
			v1.GET("/history", historyHandler.ListHistory)
			v1.DELETE("/history", historyHandler.DeleteHistory)
		}

		if deps.LogsDir != "" {
			logHandler := handlers.NewLogHandler(deps.LogsDir)
			logs := v1.Group("/logs")
			{
				logs.GET("/categories", logHandler.GetCategories)
				logs.GET("/:category", logHandler.GetLogs)
				logs.GET("/:category/search", logHandler.SearchLogs)
				logs.GET("/:category/export", logHandler.ExportLogs)
			}
		}

		if deps.Hub != nil {
			v1.GET("/events", deps.Hub.HandleWebSocket)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(404, gin.H{"error": "not found"})
	})

	return router
}

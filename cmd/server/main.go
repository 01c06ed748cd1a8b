package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/browsecore/api"
	"github.com/yourusername/browsecore/api/handlers"
	"github.com/yourusername/browsecore/internal/app"
	"github.com/yourusername/browsecore/internal/domain"
	"github.com/yourusername/browsecore/internal/infrastructure"
	"github.com/yourusername/browsecore/internal/metrics"
	"github.com/yourusername/browsecore/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

var configPath = flag.String("config", "", "Path to config file")

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "browsecore-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	config, err := app.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := createDirectories(config); err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:      config.Logging.Level,
		Format:     config.Logging.Format,
		OutputPath: config.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	var multiLog *logger.MultiLogger
	if config.Logging.LogsDir != "" {
		multiLog, err = logger.NewMultiLogger(logger.MultiLoggerConfig{
			Level:   config.Logging.Level,
			LogsDir: config.Logging.LogsDir,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize log files: %w", err)
		}
		defer multiLog.Close()
	}

	log.Info("Starting browsecore server",
		zap.String("version", handlers.Version),
		zap.String("host", config.Server.Host),
		zap.Int("port", config.Server.Port))

	store, err := infrastructure.NewSQLiteStore(config.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	m := metrics.New()
	notifier := infrastructure.NewNotificationService(&config.Notification, log.Named("notify"))

	core, err := app.NewCore(app.CoreDeps{
		Config:      config,
		Store:       store,
		Notifier:    notifier,
		Metrics:     m,
		Logger:      log,
		MultiLogger: multiLog,
	})
	if err != nil {
		return fmt.Errorf("failed to build core: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := core.Start(ctx); err != nil {
		return fmt.Errorf("failed to start core: %w", err)
	}

	hub := handlers.NewEventHub(core.Bus, func(id string) bool {
		record, err := core.Ledger.Get(id)
		return err != nil || record.IsPrivate()
	}, m, log.Named("events"))

	router := api.SetupRouter(api.RouterDeps{
		Core:        core,
		Store:       store,
		Hub:         hub,
		Metrics:     m,
		Logger:      log.Named("http"),
		MultiLogger: multiLog,
		LogsDir:     config.Logging.LogsDir,
	})

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
			runErr = err
		}
	}

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	hub.Close()

	// Every private window is wiped before the process exits
	if err := core.Stop(shutdownCtx); err != nil {
		log.Error("Core stopped with errors", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	log.Info("Server exited")
	return runErr
}

func createDirectories(config *domain.Config) error {
	dirs := []string{
		config.Download.Dir,
		filepath.Dir(config.Storage.DatabasePath),
		config.Logging.LogsDir,
	}

	for _, dir := range dirs {
		// Optional paths may be unset
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if config.Session.ScratchDir != "" {
		if err := os.MkdirAll(config.Session.ScratchDir, 0700); err != nil {
			return fmt.Errorf("failed to create scratch directory: %w", err)
		}
	}
	return nil
}

package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogCategory represents different log categories
type LogCategory string

const (
	CategorySession  LogCategory = "session"  // Window/tab lifecycle, persistence decisions, wipes
	CategoryDownload LogCategory = "download" // Ledger transitions
	CategoryFilter   LogCategory = "filter"   // Rule loads and reloads
	CategoryError    LogCategory = "error"    // Application errors
)

// Categories lists every log category
var Categories = []LogCategory{CategorySession, CategoryDownload, CategoryFilter, CategoryError}

// ValidCategory checks if a category is known
func ValidCategory(category LogCategory) bool {
	for _, c := range Categories {
		if c == category {
			return true
		}
	}
	return false
}

// MultiLogger provides categorized logging with one JSON file per category per day.
// A nil *MultiLogger is valid and discards everything.
type MultiLogger struct {
	config      MultiLoggerConfig
	level       zapcore.Level
	mu          sync.RWMutex
	loggers     map[LogCategory]*zap.Logger
	files       []*os.File
	currentDate string
}

// MultiLoggerConfig contains configuration for multi-output logging
type MultiLoggerConfig struct {
	Level   string // debug, info, warn, error
	LogsDir string // Directory for log files
}

// NewMultiLogger creates a new multi-output logger
func NewMultiLogger(config MultiLoggerConfig) (*MultiLogger, error) {
	if config.LogsDir == "" {
		return nil, fmt.Errorf("logs_dir must be specified")
	}

	if err := os.MkdirAll(config.LogsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	ml := &MultiLogger{
		config: config,
		level:  level,
	}
	if err := ml.open(time.Now().Format("20060102")); err != nil {
		return nil, err
	}
	return ml, nil
}

// open creates the category loggers for a date. Caller holds mu or owns ml.
func (ml *MultiLogger) open(date string) error {
	loggers := make(map[LogCategory]*zap.Logger, len(Categories))
	var files []*os.File

	for _, category := range Categories {
		level := ml.level
		if category == CategoryError {
			level = zapcore.ErrorLevel
		}
		logger, file, err := ml.createStructuredLogger(category, date, level)
		if err != nil {
			for _, f := range files {
				f.Close()
			}
			return fmt.Errorf("failed to create %s logger: %w", category, err)
		}
		loggers[category] = logger
		files = append(files, file)
	}

	ml.loggers = loggers
	ml.files = files
	ml.currentDate = date
	return nil
}

// createStructuredLogger creates a JSON-formatted logger for a category
func (ml *MultiLogger) createStructuredLogger(category LogCategory, date string, level zapcore.Level) (*zap.Logger, *os.File, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.MessageKey = "message"
	encoderConfig.LevelKey = "level"
	encoderConfig.CallerKey = ""

	encoder := zapcore.NewJSONEncoder(encoderConfig)

	file, err := os.OpenFile(ml.logPath(category, date), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, nil, err
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(file), level)
	return zap.New(core).With(zap.String("category", string(category))), file, nil
}

func (ml *MultiLogger) logPath(category LogCategory, date string) string {
	return filepath.Join(ml.config.LogsDir, fmt.Sprintf("%s-%s.log", category, date))
}

// rotate reopens the category files when the day changes
func (ml *MultiLogger) rotate() {
	today := time.Now().Format("20060102")

	ml.mu.RLock()
	current := ml.currentDate
	ml.mu.RUnlock()
	if current == today {
		return
	}

	ml.mu.Lock()
	defer ml.mu.Unlock()
	if ml.currentDate == today {
		return
	}
	old := ml.files
	oldLoggers := ml.loggers
	if err := ml.open(today); err != nil {
		// Keep writing to yesterday's files rather than losing entries
		return
	}
	for _, l := range oldLoggers {
		_ = l.Sync()
	}
	for _, f := range old {
		f.Close()
	}
}

// GetLogsDir returns the logs directory path
func (ml *MultiLogger) GetLogsDir() string {
	if ml == nil {
		return ""
	}
	return ml.config.LogsDir
}

// GetLogger returns the structured logger for a specific category
func (ml *MultiLogger) GetLogger(category LogCategory) *zap.Logger {
	if ml == nil {
		return zap.NewNop()
	}
	ml.rotate()

	ml.mu.RLock()
	defer ml.mu.RUnlock()

	if logger, ok := ml.loggers[category]; ok {
		return logger
	}
	return ml.loggers[CategoryError]
}

// Session returns the session logger
func (ml *MultiLogger) Session() *zap.Logger {
	return ml.GetLogger(CategorySession)
}

// Download returns the download logger
func (ml *MultiLogger) Download() *zap.Logger {
	return ml.GetLogger(CategoryDownload)
}

// Filter returns the filter logger
func (ml *MultiLogger) Filter() *zap.Logger {
	return ml.GetLogger(CategoryFilter)
}

// Error returns the error logger
func (ml *MultiLogger) Error() *zap.Logger {
	return ml.GetLogger(CategoryError)
}

// LogAppError logs an application-level error
func (ml *MultiLogger) LogAppError(msg string, fields ...zap.Field) {
	ml.Error().Error(msg, fields...)
}

// LogSessionEvent logs a window, tab or partition event
func (ml *MultiLogger) LogSessionEvent(event string, fields ...zap.Field) {
	ml.Session().Info(event, fields...)
}

// LogDownloadEvent logs a download ledger transition
func (ml *MultiLogger) LogDownloadEvent(event string, fields ...zap.Field) {
	ml.Download().Info(event, fields...)
}

// LogFilterEvent logs a filter rule load or toggle
func (ml *MultiLogger) LogFilterEvent(event string, fields ...zap.Field) {
	ml.Filter().Info(event, fields...)
}

// Sync flushes all loggers
func (ml *MultiLogger) Sync() error {
	if ml == nil {
		return nil
	}
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	var err error
	for _, logger := range ml.loggers {
		err = multierr.Append(err, logger.Sync())
	}
	return err
}

// Close flushes and closes all log files
func (ml *MultiLogger) Close() error {
	if ml == nil {
		return nil
	}
	err := ml.Sync()

	ml.mu.Lock()
	defer ml.mu.Unlock()
	for _, f := range ml.files {
		err = multierr.Append(err, f.Close())
	}
	ml.files = nil
	return err
}

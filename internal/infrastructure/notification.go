package infrastructure

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/yourusername/browsecore/internal/domain"
	"go.uber.org/zap"
)

// NotificationService sends desktop notifications
type NotificationService struct {
	config *domain.NotificationConfig
	logger *zap.Logger
	run    func(name string, args ...string) error
}

// NewNotificationService creates a new notification service
func NewNotificationService(config *domain.NotificationConfig, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		config: config,
		logger: logger,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// Send sends a notification if notifications are enabled
func (n *NotificationService) Send(title, message string) error {
	if !n.config.Enabled {
		n.logger.Debug("Notifications disabled, skipping", zap.String("title", title))
		return nil
	}
	return n.send(title, message, false)
}

func (n *NotificationService) send(title, message string, critical bool) error {
	var (
		name string
		args []string
	)

	switch n.config.Method {
	case "osascript":
		script := fmt.Sprintf(`display notification %q with title %q`, message, title)
		if critical || n.config.Sound {
			script += ` sound name "Basso"`
		}
		name, args = "osascript", []string{"-e", script}
	case "notify-send":
		urgency := "normal"
		if critical {
			urgency = "critical"
		}
		name, args = "notify-send", []string{"-u", urgency, title, message}
	default:
		n.logger.Warn("Unknown notification method", zap.String("method", n.config.Method))
		return nil
	}

	if err := n.run(name, args...); err != nil {
		n.logger.Error("Failed to send notification", zap.String("method", name), zap.Error(err))
		return err
	}

	n.logger.Debug("Notification sent", zap.String("title", title))
	return nil
}

// NotifyDownloadCompleted sends notification when a download completes
func (n *NotificationService) NotifyDownloadCompleted(record *domain.DownloadRecord) {
	n.Send("Download Completed", describeDownload(record))
}

// NotifyDownloadFailed sends notification when a download fails
func (n *NotificationService) NotifyDownloadFailed(record *domain.DownloadRecord) {
	message := describeDownload(record)
	if record.ErrorMessage != "" {
		message += ": " + truncateString(record.ErrorMessage, 60)
	}
	n.Send("Download Failed", message)
}

// NotifyWipeFailure always notifies, even with notifications disabled:
// private data may be left on disk
func (n *NotificationService) NotifyWipeFailure(err *domain.StorageWipeError) {
	n.logger.Error("Private storage wipe failed",
		zap.String("window_id", err.WindowID),
		zap.String("context_id", err.ContextID),
		zap.Error(err.Err))

	message := "Private browsing data could not be fully removed. Check the browsecore logs and scratch directory."
	if sendErr := n.send("Private Window Wipe Failed", message, true); sendErr != nil {
		n.logger.Error("Wipe failure notification could not be delivered", zap.Error(sendErr))
	}
}

// describeDownload names a download by file name only; the URL of a
// private download never leaves the process
func describeDownload(record *domain.DownloadRecord) string {
	name := filepath.Base(record.DestinationPath)
	if record.IsPrivate() {
		return name + " (private)"
	}
	return fmt.Sprintf("%s from %s", name, truncateString(record.URL, 40))
}

// truncateString truncates a string to the specified length
func truncateString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

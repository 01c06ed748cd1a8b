package infrastructure

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/browsecore/internal/domain"
	"go.uber.org/zap"
)

type capturedCommand struct {
	name string
	args []string
}

func newTestNotifier(config domain.NotificationConfig) (*NotificationService, *[]capturedCommand) {
	var calls []capturedCommand
	n := NewNotificationService(&config, zap.NewNop())
	n.run = func(name string, args ...string) error {
		calls = append(calls, capturedCommand{name: name, args: args})
		return nil
	}
	return n, &calls
}

func TestNotificationService_Disabled(t *testing.T) {
	n, calls := newTestNotifier(domain.NotificationConfig{Enabled: false, Method: "notify-send"})

	record := domain.NewDownloadRecord("https://example.com/a.zip", "/tmp/a.zip", domain.Origin{Partition: domain.PartitionNormal})
	n.NotifyDownloadCompleted(record)

	assert.Empty(t, *calls)
}

func TestNotificationService_WipeFailureIgnoresDisabled(t *testing.T) {
	n, calls := newTestNotifier(domain.NotificationConfig{Enabled: false, Method: "notify-send"})

	n.NotifyWipeFailure(&domain.StorageWipeError{WindowID: "w", ContextID: "c", Err: errors.New("busy")})

	require.Len(t, *calls, 1)
	assert.Equal(t, "notify-send", (*calls)[0].name)
	assert.Equal(t, []string{"-u", "critical"}, (*calls)[0].args[:2])
}

func TestNotificationService_PrivateDownloadHidesURL(t *testing.T) {
	n, calls := newTestNotifier(domain.NotificationConfig{Enabled: true, Method: "notify-send"})

	record := domain.NewDownloadRecord("https://secret.example.com/doc.pdf", "/tmp/doc.pdf", domain.Origin{Partition: domain.PartitionPrivate, ContextID: "c"})
	n.NotifyDownloadCompleted(record)

	require.Len(t, *calls, 1)
	joined := strings.Join((*calls)[0].args, " ")
	assert.Contains(t, joined, "doc.pdf (private)")
	assert.NotContains(t, joined, "secret.example.com")
}

func TestNotificationService_OSAScript(t *testing.T) {
	n, calls := newTestNotifier(domain.NotificationConfig{Enabled: true, Method: "osascript"})

	record := domain.NewDownloadRecord("https://example.com/a.zip", "/tmp/a.zip", domain.Origin{Partition: domain.PartitionNormal})
	record.MarkFailed(errors.New("connection reset"))
	n.NotifyDownloadFailed(record)

	require.Len(t, *calls, 1)
	assert.Equal(t, "osascript", (*calls)[0].name)
	assert.Contains(t, (*calls)[0].args[1], "connection reset")
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", truncateString("short", 10))
	assert.Equal(t, "abc...", truncateString("abcdef", 3))
}

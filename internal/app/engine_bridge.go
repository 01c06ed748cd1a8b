package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yourusername/browsecore/internal/domain"
	"go.uber.org/zap"
)

// EngineBridge is the surface the rendering engine calls into. Asynchronous
// callbacks become bus events; request and persistence decisions are
// answered synchronously.
type EngineBridge struct {
	bus         *EventBus
	partitions  *PartitionManager
	registry    *Registry
	ledger      *DownloadLedger
	downloadDir string
	logger      *zap.Logger
}

// NewEngineBridge creates a bridge
func NewEngineBridge(bus *EventBus, partitions *PartitionManager, registry *Registry, ledger *DownloadLedger, downloadDir string, logger *zap.Logger) *EngineBridge {
	return &EngineBridge{
		bus:         bus,
		partitions:  partitions,
		registry:    registry,
		ledger:      ledger,
		downloadDir: downloadDir,
		logger:      logger,
	}
}

// OnNavigationStart queues a navigation for the tab
func (b *EngineBridge) OnNavigationStart(ctx context.Context, tab domain.TabHandle, url string) error {
	if _, err := b.registry.Tab(tab.ID); err != nil {
		return err
	}
	return b.bus.Publish(ctx, domain.NavigationEvent(tab, url))
}

// OnOutboundRequest decides a request before the engine dispatches it
func (b *EngineBridge) OnOutboundRequest(tab domain.TabHandle, url string) domain.Verdict {
	return b.bus.DecideRequest(tab, url)
}

// OnDownloadInit picks a destination in the download directory and
// registers the download. An empty suggested name falls back to the URL.
func (b *EngineBridge) OnDownloadInit(ctx context.Context, tab domain.TabHandle, url, suggestedFilename string) (*domain.DownloadRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t, err := b.registry.Tab(tab.ID)
	if err != nil {
		return nil, err
	}
	w, err := b.registry.Window(t.WindowID)
	if err != nil {
		return nil, err
	}

	name := suggestedFilename
	if name == "" {
		name = domain.SuggestFilename(url)
	}
	name = domain.SanitizeFilename(name)

	if err := os.MkdirAll(b.downloadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}
	dest := filepath.Join(b.downloadDir, domain.UniqueFilename(b.downloadDir, name))

	return b.ledger.BeginDownload(domain.DownloadRequest{
		URL:         url,
		Destination: dest,
		Origin: domain.Origin{
			Partition: w.Partition,
			ContextID: w.ContextID,
			TabID:     t.ID,
		},
	})
}

// OnDownloadProgress queues a cumulative progress report
func (b *EngineBridge) OnDownloadProgress(ctx context.Context, id string, received, total int64) error {
	return b.bus.Publish(ctx, domain.ProgressEvent(id, received, total))
}

// OnDownloadFinished queues the terminal outcome of a download
func (b *EngineBridge) OnDownloadFinished(ctx context.Context, id string, outcome domain.Outcome) error {
	if err := outcome.Validate(); err != nil {
		return err
	}
	return b.bus.Publish(ctx, domain.FinishedEvent(id, outcome))
}

// OnPersistenceIntent asks the bus persistence interceptor about a
// would-be durable write and commits the answer
func (b *EngineBridge) OnPersistenceIntent(ctx context.Context, tab domain.TabHandle, intent domain.WriteIntent) (domain.Decision, error) {
	decision, err := b.partitions.CommitDecided(ctx, tab, intent, b.bus.DecidePersistence(tab, intent))
	if err != nil {
		b.logger.Warn("Persistence write failed",
			zap.String("tab_id", tab.ID),
			zap.String("kind", string(intent.Kind)),
			zap.Error(err))
	}
	return decision, err
}

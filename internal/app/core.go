package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yourusername/browsecore/internal/domain"
	"github.com/yourusername/browsecore/internal/infrastructure"
	"github.com/yourusername/browsecore/internal/metrics"
	"github.com/yourusername/browsecore/pkg/logger"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store is the durable Normal-partition store
type Store interface {
	domain.DownloadRepository
	domain.PersistenceStore
	domain.RuleSourceRepository
}

// Notifier surfaces download results and wipe failures to the user
type Notifier interface {
	DownloadNotifier
	WipeNotifier
}

// CoreDeps groups what the core needs from the process
type CoreDeps struct {
	Config      *domain.Config
	Store       Store
	Secrets     domain.SecretStore
	Notifier    Notifier
	Factory     domain.StorageContextFactory
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	MultiLogger *logger.MultiLogger
}

// Core is the process-wide session and privacy core. It is built once,
// started explicitly and stopped explicitly.
type Core struct {
	config *domain.Config
	store  Store

	Bus        *EventBus
	Registry   *Registry
	Ledger     *DownloadLedger
	Filter     *RequestFilter
	Partitions *PartitionManager
	Bridge     *EngineBridge
	Fetcher    *infrastructure.HTTPFetcher

	metrics     *metrics.Metrics
	logger      *zap.Logger
	multiLogger *logger.MultiLogger

	mu      sync.RWMutex
	running bool
	stopped bool
	watcher *infrastructure.RuleWatcher
}

// NewCore wires every component
func NewCore(deps CoreDeps) (*Core, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("core needs a configuration")
	}
	config := deps.Config
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	factory := deps.Factory
	if factory == nil {
		factory = infrastructure.NewStorageContextFactory(config.Session.ScratchDir)
	}

	// Typed nil interfaces would defeat the nil checks downstream
	var (
		downloads domain.DownloadRepository
		persisted domain.PersistenceStore
		rules     domain.RuleSourceRepository
		notifier  DownloadNotifier
		wipes     WipeNotifier
	)
	if deps.Store != nil {
		downloads, persisted, rules = deps.Store, deps.Store, deps.Store
	}
	if deps.Notifier != nil {
		notifier, wipes = deps.Notifier, deps.Notifier
	}

	bus := NewEventBus(config.Bus, deps.Metrics, log.Named("bus"))
	registry := NewRegistry(config.Session.ClosedTabCapacity)
	ledger := NewDownloadLedger(downloads, notifier, config.Download.HistoryLimit, deps.Metrics, log.Named("ledger"), deps.MultiLogger)
	filter := NewRequestFilter(config.Filter, rules, deps.Metrics, log.Named("filter"), deps.MultiLogger)

	partitions, err := NewPartitionManager(PartitionManagerDeps{
		Registry:    registry,
		Bus:         bus,
		Ledger:      ledger,
		Store:       persisted,
		Secrets:     deps.Secrets,
		Factory:     factory,
		Notifier:    wipes,
		Metrics:     deps.Metrics,
		Logger:      log.Named("session"),
		MultiLogger: deps.MultiLogger,
	})
	if err != nil {
		return nil, err
	}

	fetcher := infrastructure.NewHTTPFetcher(infrastructure.FetcherConfig{
		MaxRetries:     config.Download.MaxRetries,
		RetryDelay:     config.Download.RetryDelay,
		RateLimitBytes: config.Download.RateLimitBytes,
		UserAgent:      config.Download.UserAgent,
	}, log.Named("fetcher"))

	c := &Core{
		config:      config,
		store:       deps.Store,
		Bus:         bus,
		Registry:    registry,
		Ledger:      ledger,
		Filter:      filter,
		Partitions:  partitions,
		Bridge:      NewEngineBridge(bus, partitions, registry, ledger, config.Download.Dir, log.Named("engine")),
		Fetcher:     fetcher,
		metrics:     deps.Metrics,
		logger:      log,
		multiLogger: deps.MultiLogger,
	}

	bus.Subscribe(domain.TopicNavigation, partitions.HandleNavigation)
	bus.Subscribe(domain.TopicDownload, ledger.HandleEvent)
	bus.HandleRequests(c.checkRequest)
	bus.HandlePersistence(partitions.GuardPersistence)

	return c, nil
}

// checkRequest answers with the partition the registry holds for the tab
func (c *Core) checkRequest(tab domain.TabHandle, url string) domain.Verdict {
	partition := tab.Partition
	if p, ok := c.Registry.PartitionOf(tab.ID); ok {
		partition = p
	}
	verdict := c.Filter.Check(partition, url)
	if verdict == domain.VerdictBlock && partition == domain.PartitionNormal {
		c.logger.Debug("Request blocked", zap.String("tab_id", tab.ID), logger.Host(url))
	}
	return verdict
}

// Start starts event delivery, restores download history and loads filter rules
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("core already running")
	}
	if c.stopped {
		return fmt.Errorf("core already stopped")
	}

	if err := c.Bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}

	if _, err := c.Ledger.Restore(); err != nil {
		c.logger.Warn("Failed to restore download history", zap.Error(err))
	}

	if err := c.Filter.LoadCustomRules(); err != nil {
		c.logger.Warn("Failed to load custom filter rules", zap.Error(err))
	}
	c.loadRules(ctx)

	if src := c.config.Filter.Source; c.config.Filter.WatchSource && src != "" && !isRemote(src) {
		watcher, err := infrastructure.NewRuleWatcher(src, 0, func(ctx context.Context) {
			if _, err := c.Filter.Reload(ctx, infrastructure.FileRuleSource{Path: src}); err != nil {
				c.logger.Warn("Failed to reload watched rules", zap.Error(err))
			}
		}, c.logger.Named("watcher"))
		if err == nil {
			err = watcher.Start(context.WithoutCancel(ctx))
		}
		if err != nil {
			c.logger.Warn("Filter rule watcher disabled", zap.Error(err))
		} else {
			c.watcher = watcher
		}
	}

	c.running = true
	c.multiLogger.LogSessionEvent("core_started")
	return nil
}

// loadRules loads the configured source, falling back to the last persisted
// copy and then to the built-in list
func (c *Core) loadRules(ctx context.Context) {
	if src := c.config.Filter.Source; src != "" {
		source := infrastructure.NewRuleSource(src, c.config.Filter.FetchTimeout, c.config.Download.MaxRetries)
		_, err := c.Filter.Reload(ctx, source)
		if err == nil {
			return
		}
		c.logger.Warn("Configured filter source unavailable", zap.String("source", src), zap.Error(err))
	}

	if c.store != nil {
		record, err := c.store.LoadRuleSource()
		if err != nil {
			c.logger.Warn("Failed to load persisted filter source", zap.Error(err))
		} else if record != nil && record.Content != "" {
			source := infrastructure.StaticRuleSource{SourceName: record.Location, Content: record.Content}
			if _, err := c.Filter.Reload(ctx, source); err == nil {
				return
			}
		}
	}

	if _, err := c.Filter.Reload(ctx, infrastructure.BuiltinRuleSource{}); err != nil {
		c.logger.Error("Failed to load built-in filter rules", zap.Error(err))
	}
}

// ReloadRules reloads the filter from location, or from the configured
// source when location is empty
func (c *Core) ReloadRules(ctx context.Context, location string) (*domain.RuleSnapshot, error) {
	if location == "" {
		location = c.config.Filter.Source
	}
	var source domain.RuleSource = infrastructure.BuiltinRuleSource{}
	if location != "" && location != source.Name() {
		source = infrastructure.NewRuleSource(location, c.config.Filter.FetchTimeout, c.config.Download.MaxRetries)
	}
	return c.Filter.Reload(ctx, source)
}

func isRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// StartDownload downloads url on behalf of a tab with the reference fetcher,
// using the cookie jar of the tab's partition
func (c *Core) StartDownload(ctx context.Context, tab domain.TabHandle, url, filename string) (*domain.DownloadRecord, error) {
	if c.Bridge.OnOutboundRequest(tab, url) == domain.VerdictBlock {
		return nil, fmt.Errorf("%w: %s", domain.ErrRequestBlocked, url)
	}

	record, err := c.Bridge.OnDownloadInit(ctx, tab, url, filename)
	if err != nil {
		return nil, err
	}

	jar, err := c.Partitions.CookieJar(tab)
	if err != nil {
		_ = c.Ledger.Finalize(record.ID, domain.OutcomeFailed(err))
		return nil, err
	}

	c.Ledger.RegisterController(record.ID, c.Fetcher)
	if err := c.Fetcher.Fetch(ctx, record, jar, c.Bridge); err != nil {
		_ = c.Ledger.Finalize(record.ID, domain.OutcomeFailed(err))
		return nil, err
	}
	// A private window closed before the transfer existed; its purge could
	// not reach the fetcher
	if _, err := c.Ledger.Get(record.ID); err != nil {
		if cerr := c.Fetcher.Cancel(record.ID); cerr != nil {
			c.logger.Warn("Failed to cancel orphaned transfer", zap.String("download_id", record.ID), zap.Error(cerr))
		}
		return nil, err
	}
	return record, nil
}

// Stop closes every private window with a full wipe, interrupts transfers,
// drains the bus and flushes logs
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("core not running")
	}
	c.running = false
	c.stopped = true
	watcher := c.watcher
	c.mu.Unlock()

	start := time.Now()
	var errs error

	if watcher != nil {
		watcher.Stop()
	}

	var errMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, w := range c.Registry.Windows() {
		if !w.IsPrivate() {
			continue
		}
		w := w
		g.Go(func() error {
			if err := c.Partitions.CloseWindow(gctx, w); err != nil {
				errMu.Lock()
				errs = multierr.Append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	c.Partitions.Wait()

	if err := c.Fetcher.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to stop transfers: %w", err))
	}
	errs = multierr.Append(errs, c.Bus.Close())

	c.multiLogger.LogSessionEvent("core_stopped", zap.Duration("duration", time.Since(start)))
	if err := c.multiLogger.Sync(); err != nil {
		c.logger.Debug("Failed to sync log files", zap.Error(err))
	}
	return errs
}

// IsRunning returns whether the core is running
func (c *Core) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Stats summarises the core for status endpoints
func (c *Core) Stats() CoreStats {
	windows, tabs := c.Registry.Counts()
	return CoreStats{
		Windows:     windows,
		Tabs:        tabs,
		Downloads:   c.Ledger.Stats(),
		Transfers:   c.Fetcher.Active(),
		Quarantined: len(c.Partitions.Quarantined()),
		Pending:     c.Bus.Pending(),
	}
}

// CoreStats is the status summary of the core
type CoreStats struct {
	Windows     int                  `json:"windows"`
	Tabs        int                  `json:"tabs"`
	Downloads   domain.DownloadStats `json:"downloads"`
	Transfers   int                  `json:"transfers"`
	Quarantined int                  `json:"quarantined_contexts"`
	Pending     map[domain.Topic]int `json:"pending_events"`
}

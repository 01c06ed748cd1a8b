package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yourusername/browsecore/internal/domain"
	"github.com/yourusername/browsecore/internal/metrics"
	"github.com/yourusername/browsecore/pkg/logger"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// WipeNotifier surfaces a failed private wipe to the user
type WipeNotifier interface {
	NotifyWipeFailure(err *domain.StorageWipeError)
}

// PartitionManager maps windows and tabs to partitions and owns their
// storage contexts. GuardPersistence is the only gate to the durable store.
type PartitionManager struct {
	registry *Registry
	bus      *EventBus
	ledger   *DownloadLedger
	store    domain.PersistenceStore
	secrets  domain.SecretStore
	factory  domain.StorageContextFactory
	notifier WipeNotifier

	metrics     *metrics.Metrics
	logger      *zap.Logger
	multiLogger *logger.MultiLogger

	mu          sync.Mutex
	contexts    map[string]domain.StorageContext
	usedIDs     map[string]struct{}
	quarantined map[string]struct{}

	wipes sync.WaitGroup
}

// PartitionManagerDeps groups the collaborators of a PartitionManager
type PartitionManagerDeps struct {
	Registry    *Registry
	Bus         *EventBus
	Ledger      *DownloadLedger
	Store       domain.PersistenceStore
	Secrets     domain.SecretStore
	Factory     domain.StorageContextFactory
	Notifier    WipeNotifier
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	MultiLogger *logger.MultiLogger
}

// NewPartitionManager creates the manager and the shared Normal context
func NewPartitionManager(deps PartitionManagerDeps) (*PartitionManager, error) {
	if deps.Registry == nil || deps.Bus == nil || deps.Ledger == nil || deps.Factory == nil {
		return nil, fmt.Errorf("partition manager needs a registry, bus, ledger and storage factory")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	normal, err := deps.Factory(domain.NormalContextID, domain.PartitionNormal)
	if err != nil {
		return nil, fmt.Errorf("failed to create normal storage context: %w", err)
	}

	return &PartitionManager{
		registry:    deps.Registry,
		bus:         deps.Bus,
		ledger:      deps.Ledger,
		store:       deps.Store,
		secrets:     deps.Secrets,
		factory:     deps.Factory,
		notifier:    deps.Notifier,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		multiLogger: deps.MultiLogger,
		contexts:    map[string]domain.StorageContext{domain.NormalContextID: normal},
		usedIDs:     map[string]struct{}{domain.NormalContextID: {}},
		quarantined: make(map[string]struct{}),
	}, nil
}

// CreateWindow opens a window. Each private window gets its own storage
// context, never shared with Normal or with another private window.
func (m *PartitionManager) CreateWindow(ctx context.Context, partition domain.Partition) (domain.WindowHandle, error) {
	if !domain.ValidatePartition(partition) {
		return domain.WindowHandle{}, fmt.Errorf("invalid partition: %q", partition)
	}

	w := domain.NewWindowHandle(partition)
	if partition.IsPrivate() {
		m.mu.Lock()
		for m.contextTaken(w.ContextID) {
			w.ContextID = uuid.New().String()
		}
		m.usedIDs[w.ContextID] = struct{}{}
		m.mu.Unlock()

		sc, err := m.factory(w.ContextID, partition)
		if err != nil {
			return domain.WindowHandle{}, fmt.Errorf("failed to create private storage context: %w", err)
		}
		m.mu.Lock()
		m.contexts[w.ContextID] = sc
		m.mu.Unlock()
	}

	if err := m.registry.AddWindow(w); err != nil {
		return domain.WindowHandle{}, err
	}

	m.metrics.WindowOpened(string(partition))
	m.multiLogger.LogSessionEvent("window_created",
		zap.String("window_id", w.ID),
		zap.String("partition", string(partition)))
	m.publish(ctx, domain.WindowEvent(domain.EventWindowCreated, w))

	return w, nil
}

// contextTaken checks identifier reuse; the caller holds mu
func (m *PartitionManager) contextTaken(id string) bool {
	_, used := m.usedIDs[id]
	_, bad := m.quarantined[id]
	return used || bad
}

// CreateTab opens a tab that inherits the window's partition
func (m *PartitionManager) CreateTab(ctx context.Context, window domain.WindowHandle, rawURL string) (domain.TabHandle, error) {
	w, err := m.registry.Window(window.ID)
	if err != nil {
		return domain.TabHandle{}, err
	}

	tab := domain.NewTabHandle(w)
	if _, err := m.registry.AddTab(tab, rawURL); err != nil {
		return domain.TabHandle{}, err
	}

	m.metrics.TabOpened(string(tab.Partition))
	m.publish(ctx, domain.TabEvent(domain.EventTabCreated, tab))
	return tab, nil
}

// CloseTab closes a tab. Its downloads keep running.
func (m *PartitionManager) CloseTab(ctx context.Context, tab domain.TabHandle) error {
	t, err := m.registry.Tab(tab.ID)
	if err != nil {
		return err
	}
	if _, err := m.registry.RemoveTab(tab.ID); err != nil {
		return err
	}

	m.metrics.TabsClosed(string(t.Partition), 1)
	m.publish(ctx, domain.TabEvent(domain.EventTabClosed, t.TabHandle))
	return nil
}

// ReopenClosedTab reopens the most recently closed tab of a window.
// It reports false when there is nothing to reopen.
func (m *PartitionManager) ReopenClosedTab(ctx context.Context, window domain.WindowHandle) (domain.TabHandle, bool, error) {
	closed, ok, err := m.registry.PopClosedTab(window.ID)
	if err != nil || !ok {
		return domain.TabHandle{}, false, err
	}

	tab, err := m.CreateTab(ctx, window, closed.URL)
	if err != nil {
		return domain.TabHandle{}, false, err
	}
	if closed.Title != "" {
		_ = m.registry.Navigate(tab.ID, closed.URL, closed.Title)
	}
	if closed.Pinned {
		_ = m.registry.SetPinned(tab.ID, true)
	}
	return tab, true, nil
}

// CloseWindow destroys a window and its tabs. For a private window it wipes
// the storage context and purges its downloads before returning; a wipe that
// leaves data behind returns a *domain.StorageWipeError.
func (m *PartitionManager) CloseWindow(ctx context.Context, window domain.WindowHandle) error {
	w, err := m.detach(ctx, window)
	if err != nil {
		return err
	}
	return m.teardown(ctx, w)
}

// CloseWindowAsync removes the window at once and runs the private wipe in
// the background. The channel receives the wipe result.
func (m *PartitionManager) CloseWindowAsync(ctx context.Context, window domain.WindowHandle) <-chan error {
	result := make(chan error, 1)

	w, err := m.detach(ctx, window)
	if err != nil {
		result <- err
		close(result)
		return result
	}

	m.wipes.Add(1)
	go func() {
		defer m.wipes.Done()
		defer close(result)
		result <- m.teardown(context.WithoutCancel(ctx), w)
	}()
	return result
}

// Wait blocks until every background wipe has finished
func (m *PartitionManager) Wait() {
	m.wipes.Wait()
}

func (m *PartitionManager) detach(ctx context.Context, window domain.WindowHandle) (domain.WindowHandle, error) {
	w, tabs, err := m.registry.RemoveWindow(window.ID)
	if err != nil {
		return domain.WindowHandle{}, err
	}

	m.metrics.TabsClosed(string(w.Partition), len(tabs))
	m.metrics.WindowClosed(string(w.Partition))
	m.multiLogger.LogSessionEvent("window_closed",
		zap.String("window_id", w.ID),
		zap.String("partition", string(w.Partition)),
		zap.Int("tabs", len(tabs)))
	m.publish(ctx, domain.WindowEvent(domain.EventWindowClosed, w))
	return w, nil
}

func (m *PartitionManager) teardown(ctx context.Context, w domain.WindowHandle) error {
	if !w.IsPrivate() {
		return nil
	}

	start := time.Now()

	m.mu.Lock()
	sc := m.contexts[w.ContextID]
	delete(m.contexts, w.ContextID)
	m.mu.Unlock()

	errs := m.ledger.PurgeContext(w.ContextID)
	if sc != nil {
		errs = multierr.Append(errs, sc.Wipe())
		if stats := sc.Stats(); !stats.Empty() {
			errs = multierr.Append(errs, fmt.Errorf("storage context still holds data: %+v", stats))
		}
	}

	if errs == nil {
		m.metrics.ObserveWipe(time.Since(start), false)
		m.multiLogger.LogSessionEvent("private_context_wiped",
			zap.String("window_id", w.ID),
			zap.Duration("duration", time.Since(start)))
		return nil
	}

	wipeErr := &domain.StorageWipeError{WindowID: w.ID, ContextID: w.ContextID, Err: errs}

	m.mu.Lock()
	m.quarantined[w.ContextID] = struct{}{}
	m.mu.Unlock()

	m.metrics.ObserveWipe(time.Since(start), true)
	m.logger.Error("Private storage wipe failed", zap.String("window_id", w.ID), zap.Error(errs))
	m.multiLogger.LogAppError("Private storage wipe failed",
		zap.String("window_id", w.ID),
		zap.String("context_id", w.ContextID),
		zap.Error(errs))
	if m.notifier != nil {
		m.notifier.NotifyWipeFailure(wipeErr)
	}

	ev := domain.WindowEvent(domain.EventWipeFailed, w)
	ev.Error = errs.Error()
	m.publish(ctx, ev)

	return wipeErr
}

// GuardPersistence decides a would-be durable write. Anything that cannot be
// proven to come from a live Normal tab is denied.
func (m *PartitionManager) GuardPersistence(tab domain.TabHandle, intent domain.WriteIntent) domain.Decision {
	decision := m.guard(tab, intent)
	if decision == domain.DecisionDeny {
		m.metrics.PersistenceDeniedInc(string(intent.Kind))
		m.logger.Debug("Persistence denied",
			zap.String("tab_id", tab.ID),
			zap.String("kind", string(intent.Kind)))
	}
	return decision
}

func (m *PartitionManager) guard(tab domain.TabHandle, intent domain.WriteIntent) domain.Decision {
	if !domain.ValidateWriteKind(intent.Kind) || tab.IsPrivate() {
		return domain.DecisionDeny
	}
	live, err := m.registry.Tab(tab.ID)
	if err != nil {
		return domain.DecisionDeny
	}
	if live.IsPrivate() || live.WindowID != tab.WindowID {
		return domain.DecisionDeny
	}
	return domain.DecisionAllow
}

// CommitPersistence passes a write through the guard. Allowed writes reach
// the durable store; denied writes from a live private tab stay in its
// memory-only context.
func (m *PartitionManager) CommitPersistence(ctx context.Context, tab domain.TabHandle, intent domain.WriteIntent) (domain.Decision, error) {
	return m.commit(ctx, tab, intent, m.GuardPersistence(tab, intent))
}

// CommitDecided applies a decision already taken by the bus persistence
// interceptor. The guard still applies: an Allow for a write it would deny
// is downgraded.
func (m *PartitionManager) CommitDecided(ctx context.Context, tab domain.TabHandle, intent domain.WriteIntent, decision domain.Decision) (domain.Decision, error) {
	if decision == domain.DecisionAllow && m.guard(tab, intent) == domain.DecisionDeny {
		m.logger.Warn("Persistence interceptor allowed a guarded write",
			zap.String("tab_id", tab.ID),
			zap.String("kind", string(intent.Kind)))
		decision = domain.DecisionDeny
	}
	return m.commit(ctx, tab, intent, decision)
}

func (m *PartitionManager) commit(ctx context.Context, tab domain.TabHandle, intent domain.WriteIntent, decision domain.Decision) (domain.Decision, error) {
	if decision == domain.DecisionDeny {
		if sc, err := m.Storage(tab); err == nil && sc.Partition().IsPrivate() {
			if err := sc.Record(intent); err != nil && !errors.Is(err, domain.ErrInvalidHandle) {
				return decision, err
			}
		}
		return decision, nil
	}

	if sc := m.NormalStorage(); sc != nil {
		if err := sc.Record(intent); err != nil {
			m.logger.Debug("Failed to record write in normal context", zap.Error(err))
		}
	}
	return decision, m.persist(ctx, intent)
}

func (m *PartitionManager) persist(ctx context.Context, intent domain.WriteIntent) error {
	now := time.Now()

	switch intent.Kind {
	case domain.WriteHistory:
		if m.store == nil || intent.URL == "" || domain.IsInternalURL(intent.URL) {
			return nil
		}
		_, err := m.store.AppendVisit(intent.URL, intent.Title, now)
		return err
	case domain.WriteCookie:
		if m.store == nil {
			return nil
		}
		u, err := url.Parse(intent.URL)
		if err != nil || u.Hostname() == "" {
			return fmt.Errorf("invalid cookie url %q", intent.URL)
		}
		return m.store.SaveCookie(&domain.CookieEntry{
			Domain:  u.Hostname(),
			Path:    "/",
			Name:    intent.Name,
			Value:   intent.Value,
			Expires: intent.Expires,
		})
	case domain.WriteFormData:
		if m.store == nil {
			return nil
		}
		return m.store.SaveFormEntry(&domain.FormEntry{Origin: originOf(intent.URL), Field: intent.Name, Value: intent.Value})
	case domain.WritePassword:
		if m.secrets == nil {
			m.logger.Debug("No secret store configured, password not saved")
			return nil
		}
		return m.secrets.SaveSecret(ctx, originOf(intent.URL), intent.Name, intent.Value)
	case domain.WriteBookmark:
		if m.store == nil {
			return nil
		}
		return m.store.AddBookmark(&domain.Bookmark{URL: intent.URL, Title: intent.Title})
	}
	// Cache entries live in the Normal memory context only
	return nil
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}

// HandleNavigation records a navigation on its tab and offers it to history
func (m *PartitionManager) HandleNavigation(ctx context.Context, ev domain.Event) {
	if ev.Type != domain.EventNavigationStarted {
		return
	}
	t, err := m.registry.Tab(ev.TabID)
	if err != nil {
		return // Tab closed before the event was handled
	}
	if err := m.registry.Navigate(t.ID, ev.URL, ""); err != nil {
		return
	}
	if _, err := m.CommitPersistence(ctx, t.TabHandle, domain.WriteIntent{Kind: domain.WriteHistory, URL: ev.URL}); err != nil {
		m.logger.Warn("Failed to record history", zap.String("tab_id", t.ID), zap.Error(err))
	}
}

// IsPrivate reports the partition of a live tab
func (m *PartitionManager) IsPrivate(tab domain.TabHandle) (bool, error) {
	p, ok := m.registry.PartitionOf(tab.ID)
	if !ok {
		return false, fmt.Errorf("%w: tab %s", domain.ErrInvalidHandle, tab.ID)
	}
	return p.IsPrivate(), nil
}

// Storage returns the storage context serving a live tab
func (m *PartitionManager) Storage(tab domain.TabHandle) (domain.StorageContext, error) {
	t, err := m.registry.Tab(tab.ID)
	if err != nil {
		return nil, err
	}
	w, err := m.registry.Window(t.WindowID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.contexts[w.ContextID]
	if !ok {
		return nil, fmt.Errorf("%w: storage context for window %s", domain.ErrInvalidHandle, w.ID)
	}
	return sc, nil
}

// NormalStorage returns the context shared by every Normal window
func (m *PartitionManager) NormalStorage() domain.StorageContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contexts[domain.NormalContextID]
}

// CookieJar returns the cookie jar a tab's requests must use
func (m *PartitionManager) CookieJar(tab domain.TabHandle) (http.CookieJar, error) {
	sc, err := m.Storage(tab)
	if err != nil {
		return nil, err
	}
	if j, ok := sc.(interface{ Jar() http.CookieJar }); ok {
		return j.Jar(), nil
	}
	return nil, nil
}

// Quarantined lists the context identifiers whose wipe failed
func (m *PartitionManager) Quarantined() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.quarantined))
	for id := range m.quarantined {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *PartitionManager) publish(ctx context.Context, ev domain.Event) {
	if err := m.bus.Publish(ctx, ev); err != nil && !errors.Is(err, domain.ErrBusClosed) {
		m.logger.Warn("Failed to publish session event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

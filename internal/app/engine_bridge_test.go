package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/browsecore/internal/domain"
	"go.uber.org/zap"
)

func newTestBridge(t *testing.T) (*EngineBridge, *managerFixture, string) {
	t.Helper()
	f := newManagerFixture(t, nil)
	f.bus.Subscribe(domain.TopicNavigation, f.manager.HandleNavigation)
	f.bus.Subscribe(domain.TopicDownload, f.ledger.HandleEvent)
	f.bus.HandlePersistence(f.manager.GuardPersistence)
	require.NoError(t, f.bus.Start(context.Background()))

	dir := filepath.Join(t.TempDir(), "downloads")
	return NewEngineBridge(f.bus, f.manager, f.registry, f.ledger, dir, zap.NewNop()), f, dir
}

func TestEngineBridge_NavigationRecordsNormalHistoryOnly(t *testing.T) {
	bridge, f, _ := newTestBridge(t)
	ctx := context.Background()

	normal, err := f.manager.CreateWindow(ctx, domain.PartitionNormal)
	require.NoError(t, err)
	private, err := f.manager.CreateWindow(ctx, domain.PartitionPrivate)
	require.NoError(t, err)
	tn, err := f.manager.CreateTab(ctx, normal, "")
	require.NoError(t, err)
	tp, err := f.manager.CreateTab(ctx, private, "")
	require.NoError(t, err)

	require.NoError(t, bridge.OnNavigationStart(ctx, tp, "https://private.example/"))
	require.NoError(t, bridge.OnNavigationStart(ctx, tn, "https://public.example/"))

	assert.Eventually(t, func() bool {
		history, err := f.store.ListHistory(10)
		return err == nil && len(history) == 1
	}, 2*time.Second, 10*time.Millisecond)

	history, err := f.store.ListHistory(10)
	require.NoError(t, err)
	assert.Equal(t, "https://public.example/", history[0].URL)

	got, err := f.registry.Tab(tp.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://private.example/", got.URL)

	assert.ErrorIs(t, bridge.OnNavigationStart(ctx, domain.TabHandle{ID: "ghost"}, "https://x/"), domain.ErrInvalidHandle)
}

func TestEngineBridge_DownloadLifecycle(t *testing.T) {
	bridge, f, dir := newTestBridge(t)
	ctx := context.Background()

	w, err := f.manager.CreateWindow(ctx, domain.PartitionNormal)
	require.NoError(t, err)
	tab, err := f.manager.CreateTab(ctx, w, "")
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.pdf"), []byte("old"), 0644))

	rec, err := bridge.OnDownloadInit(ctx, tab, "https://example.com/files/report.pdf", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report (1).pdf"), rec.DestinationPath)
	assert.Equal(t, domain.PartitionNormal, rec.OriginPartition)
	assert.Equal(t, tab.ID, rec.TabID)

	require.NoError(t, os.WriteFile(rec.PartialPath(), []byte("data"), 0644))
	require.NoError(t, bridge.OnDownloadProgress(ctx, rec.ID, 2, 4))
	require.NoError(t, bridge.OnDownloadProgress(ctx, rec.ID, 4, 4))
	require.NoError(t, bridge.OnDownloadFinished(ctx, rec.ID, domain.OutcomeCompleted()))

	assert.Eventually(t, func() bool {
		got, err := f.ledger.Get(rec.ID)
		return err == nil && got.State == domain.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got, err := f.ledger.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.ReceivedBytes)
	assert.FileExists(t, rec.DestinationPath)
	assert.NoFileExists(t, rec.PartialPath())
}

func TestEngineBridge_DownloadInitRejectsUnknownTab(t *testing.T) {
	bridge, _, _ := newTestBridge(t)

	_, err := bridge.OnDownloadInit(context.Background(), domain.TabHandle{ID: "ghost"}, "https://example.com/a", "a")
	assert.ErrorIs(t, err, domain.ErrInvalidHandle)
}

func TestEngineBridge_SanitizesSuggestedName(t *testing.T) {
	bridge, f, dir := newTestBridge(t)
	ctx := context.Background()

	w, err := f.manager.CreateWindow(ctx, domain.PartitionPrivate)
	require.NoError(t, err)
	tab, err := f.manager.CreateTab(ctx, w, "")
	require.NoError(t, err)

	rec, err := bridge.OnDownloadInit(ctx, tab, "https://example.com/x", "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(rec.DestinationPath))
	assert.Equal(t, w.ContextID, rec.ContextID)
	assert.True(t, rec.IsPrivate())
}

func TestEngineBridge_FinishedRejectsInvalidOutcome(t *testing.T) {
	bridge, _, _ := newTestBridge(t)

	err := bridge.OnDownloadFinished(context.Background(), "any", domain.Outcome{State: domain.StateInProgress})
	assert.Error(t, err)
}

func TestEngineBridge_PersistenceIntent(t *testing.T) {
	bridge, f, _ := newTestBridge(t)
	ctx := context.Background()

	w, err := f.manager.CreateWindow(ctx, domain.PartitionPrivate)
	require.NoError(t, err)
	tab, err := f.manager.CreateTab(ctx, w, "")
	require.NoError(t, err)

	decision, err := bridge.OnPersistenceIntent(ctx, tab, domain.WriteIntent{Kind: domain.WriteBookmark, URL: "https://b.example/"})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionDeny, decision)

	counts, err := f.store.CountPersisted()
	require.NoError(t, err)
	assert.Zero(t, counts["bookmarks"])
}

func TestEngineBridge_PersistenceGoesThroughBusInterceptor(t *testing.T) {
	bridge, f, _ := newTestBridge(t)
	ctx := context.Background()

	normal, err := f.manager.CreateWindow(ctx, domain.PartitionNormal)
	require.NoError(t, err)
	tn, err := f.manager.CreateTab(ctx, normal, "")
	require.NoError(t, err)
	private, err := f.manager.CreateWindow(ctx, domain.PartitionPrivate)
	require.NoError(t, err)
	tp, err := f.manager.CreateTab(ctx, private, "")
	require.NoError(t, err)
	bookmark := domain.WriteIntent{Kind: domain.WriteBookmark, URL: "https://b.example/"}

	// The installed interceptor decides, even for a Normal tab
	f.bus.HandlePersistence(func(domain.TabHandle, domain.WriteIntent) domain.Decision { return domain.DecisionDeny })
	decision, err := bridge.OnPersistenceIntent(ctx, tn, bookmark)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionDeny, decision)

	// An interceptor that allows everything cannot open the private partition
	f.bus.HandlePersistence(func(domain.TabHandle, domain.WriteIntent) domain.Decision { return domain.DecisionAllow })
	decision, err = bridge.OnPersistenceIntent(ctx, tp, bookmark)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionDeny, decision)

	counts, err := f.store.CountPersisted()
	require.NoError(t, err)
	assert.Zero(t, counts["bookmarks"])

	decision, err = bridge.OnPersistenceIntent(ctx, tn, bookmark)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAllow, decision)
	counts, err = f.store.CountPersisted()
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["bookmarks"])
}

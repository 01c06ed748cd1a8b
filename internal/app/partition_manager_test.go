package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/browsecore/internal/domain"
	"github.com/yourusername/browsecore/internal/infrastructure"
	"go.uber.org/zap"
)

// brokenContext is a storage context whose wipe leaves data behind
type brokenContext struct {
	id        string
	partition domain.Partition
	records   int
}

func (b *brokenContext) ID() string                  { return b.id }
func (b *brokenContext) Partition() domain.Partition { return b.partition }
func (b *brokenContext) Record(domain.WriteIntent) error {
	b.records++
	return nil
}
func (b *brokenContext) Stats() domain.StorageStats {
	return domain.StorageStats{Cookies: b.records}
}
func (b *brokenContext) Wipe() error { return errors.New("device busy") }

// mockSecrets records saved secrets
type mockSecrets struct {
	saved map[string]string
}

func (s *mockSecrets) SaveSecret(_ context.Context, origin, username, secret string) error {
	s.saved[origin+"|"+username] = secret
	return nil
}

type managerFixture struct {
	manager  *PartitionManager
	registry *Registry
	ledger   *DownloadLedger
	store    *infrastructure.SQLiteStore
	secrets  *mockSecrets
	notifier *mockNotifier
	bus      *EventBus
	scratch  string
}

func newManagerFixture(t *testing.T, factory domain.StorageContextFactory) *managerFixture {
	t.Helper()

	store, err := infrastructure.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	scratch := t.TempDir()
	if factory == nil {
		factory = infrastructure.NewStorageContextFactory(scratch)
	}

	bus := newTestBus(t, 1, 64)
	t.Cleanup(func() { bus.Close() })

	notifier := &mockNotifier{}
	secrets := &mockSecrets{saved: make(map[string]string)}
	registry := NewRegistry(5)
	ledger := NewDownloadLedger(store, notifier, 10, nil, zap.NewNop(), nil)

	manager, err := NewPartitionManager(PartitionManagerDeps{
		Registry: registry,
		Bus:      bus,
		Ledger:   ledger,
		Store:    store,
		Secrets:  secrets,
		Factory:  factory,
		Notifier: notifier,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)

	return &managerFixture{
		manager:  manager,
		registry: registry,
		ledger:   ledger,
		store:    store,
		secrets:  secrets,
		notifier: notifier,
		bus:      bus,
		scratch:  scratch,
	}
}

func TestPartitionManager_PrivateWindowsAreIsolated(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()

	n1, err := f.manager.CreateWindow(ctx, domain.PartitionNormal)
	require.NoError(t, err)
	n2, err := f.manager.CreateWindow(ctx, domain.PartitionNormal)
	require.NoError(t, err)
	p1, err := f.manager.CreateWindow(ctx, domain.PartitionPrivate)
	require.NoError(t, err)
	p2, err := f.manager.CreateWindow(ctx, domain.PartitionPrivate)
	require.NoError(t, err)

	assert.Equal(t, n1.ContextID, n2.ContextID)
	assert.NotEqual(t, p1.ContextID, p2.ContextID)
	assert.NotEqual(t, domain.NormalContextID, p1.ContextID)

	tn, err := f.manager.CreateTab(ctx, n1, "")
	require.NoError(t, err)
	tp1, err := f.manager.CreateTab(ctx, p1, "")
	require.NoError(t, err)
	tp2, err := f.manager.CreateTab(ctx, p2, "")
	require.NoError(t, err)
	assert.Equal(t, domain.PartitionPrivate, tp1.Partition)

	jn, err := f.manager.CookieJar(tn)
	require.NoError(t, err)
	j1, err := f.manager.CookieJar(tp1)
	require.NoError(t, err)
	j2, err := f.manager.CookieJar(tp2)
	require.NoError(t, err)
	assert.NotSame(t, jn, j1)
	assert.NotSame(t, j1, j2)

	private, err := f.manager.IsPrivate(tp1)
	require.NoError(t, err)
	assert.True(t, private)
	private, err = f.manager.IsPrivate(tn)
	require.NoError(t, err)
	assert.False(t, private)
}

func TestPartitionManager_CreateTabUnderClosedWindow(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()

	w, err := f.manager.CreateWindow(ctx, domain.PartitionNormal)
	require.NoError(t, err)
	require.NoError(t, f.manager.CloseWindow(ctx, w))

	_, err = f.manager.CreateTab(ctx, w, "")
	assert.ErrorIs(t, err, domain.ErrInvalidWindow)
	assert.ErrorIs(t, f.manager.CloseWindow(ctx, w), domain.ErrInvalidHandle)
}

func TestPartitionManager_GuardPersistence(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()

	normal, err := f.manager.CreateWindow(ctx, domain.PartitionNormal)
	require.NoError(t, err)
	private, err := f.manager.CreateWindow(ctx, domain.PartitionPrivate)
	require.NoError(t, err)
	tn, err := f.manager.CreateTab(ctx, normal, "")
	require.NoError(t, err)
	tp, err := f.manager.CreateTab(ctx, private, "")
	require.NoError(t, err)

	history := domain.WriteIntent{Kind: domain.WriteHistory, URL: "https://example.com"}
	assert.Equal(t, domain.DecisionAllow, f.manager.GuardPersistence(tn, history))
	assert.Equal(t, domain.DecisionDeny, f.manager.GuardPersistence(tp, history))

	// A forged handle claiming Normal for a private tab is still denied
	forged := tp
	forged.Partition = domain.PartitionNormal
	assert.Equal(t, domain.DecisionDeny, f.manager.GuardPersistence(forged, history))

	// Unknown tabs and unknown kinds are denied
	assert.Equal(t, domain.DecisionDeny, f.manager.GuardPersistence(domain.TabHandle{ID: "ghost"}, history))
	assert.Equal(t, domain.DecisionDeny, f.manager.GuardPersistence(tn, domain.WriteIntent{Kind: "telemetry"}))

	wrongWindow := tn
	wrongWindow.WindowID = private.ID
	assert.Equal(t, domain.DecisionDeny, f.manager.GuardPersistence(wrongWindow, history))
}

func TestPartitionManager_CommitPersistence(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()

	normal, err := f.manager.CreateWindow(ctx, domain.PartitionNormal)
	require.NoError(t, err)
	tn, err := f.manager.CreateTab(ctx, normal, "")
	require.NoError(t, err)

	expires := time.Now().Add(time.Hour)
	intents := []domain.WriteIntent{
		{Kind: domain.WriteHistory, URL: "https://example.com/a", Title: "A"},
		{Kind: domain.WriteHistory, URL: "about:blank"},
		{Kind: domain.WriteCookie, URL: "https://example.com/", Name: "sid", Value: "1", Expires: &expires},
		{Kind: domain.WriteFormData, URL: "https://example.com/login", Name: "email", Value: "a@example.com"},
		{Kind: domain.WritePassword, URL: "https://example.com/login", Name: "alice", Value: "hunter2"},
		{Kind: domain.WriteBookmark, URL: "https://example.com/b", Title: "B"},
		{Kind: domain.WriteCache, URL: "https://example.com/c.js", Value: "x"},
	}
	for _, intent := range intents {
		decision, err := f.manager.CommitPersistence(ctx, tn, intent)
		require.NoError(t, err, intent.Kind)
		assert.Equal(t, domain.DecisionAllow, decision)
	}

	history, err := f.store.ListHistory(10)
	require.NoError(t, err)
	require.Len(t, history, 1, "internal pages are not recorded")
	assert.Equal(t, "https://example.com/a", history[0].URL)

	cookies, err := f.store.LoadCookies()
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "example.com", cookies[0].Domain)

	assert.Equal(t, "hunter2", f.secrets.saved["https://example.com|alice"])
	assert.Equal(t, 1, f.manager.NormalStorage().Stats().CacheEntries)
}

func TestPartitionManager_PrivateWritesStayInMemoryAndAreWiped(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()

	private, err := f.manager.CreateWindow(ctx, domain.PartitionPrivate)
	require.NoError(t, err)
	tp, err := f.manager.CreateTab(ctx, private, "")
	require.NoError(t, err)

	for _, intent := range []domain.WriteIntent{
		{Kind: domain.WriteHistory, URL: "https://secret.example/"},
		{Kind: domain.WriteCookie, URL: "https://secret.example/", Name: "sid", Value: "1"},
		{Kind: domain.WriteFormData, URL: "https://secret.example/", Name: "q", Value: "x"},
		{Kind: domain.WriteCache, URL: "https://secret.example/app.js", Value: "js"},
		{Kind: domain.WritePassword, URL: "https://secret.example/", Name: "bob", Value: "pw"},
	} {
		decision, err := f.manager.CommitPersistence(ctx, tp, intent)
		require.NoError(t, err)
		assert.Equal(t, domain.DecisionDeny, decision)
	}

	sc, err := f.manager.Storage(tp)
	require.NoError(t, err)
	assert.False(t, sc.Stats().Empty())
	scratchDir := filepath.Join(f.scratch, private.ContextID)
	assert.DirExists(t, scratchDir)

	require.NoError(t, f.manager.CloseWindow(ctx, private))

	assert.True(t, sc.Stats().Empty())
	assert.NoDirExists(t, scratchDir)
	assert.Empty(t, f.secrets.saved)

	counts, err := f.store.CountPersisted()
	require.NoError(t, err)
	for table, n := range counts {
		assert.Zero(t, n, table)
	}
}

func TestPartitionManager_CloseWindowPurgesPrivateDownloads(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()
	dir := t.TempDir()

	private, err := f.manager.CreateWindow(ctx, domain.PartitionPrivate)
	require.NoError(t, err)
	normal, err := f.manager.CreateWindow(ctx, domain.PartitionNormal)
	require.NoError(t, err)

	rec, err := f.ledger.BeginDownload(domain.DownloadRequest{
		URL:         "https://e/p.bin",
		Destination: filepath.Join(dir, "p.bin"),
		Origin:      domain.Origin{Partition: domain.PartitionPrivate, ContextID: private.ContextID},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(rec.PartialPath(), []byte("x"), 0600))

	kept, err := f.ledger.BeginDownload(domain.DownloadRequest{
		URL:         "https://e/n.bin",
		Destination: filepath.Join(dir, "n.bin"),
		Origin:      domain.Origin{Partition: domain.PartitionNormal, ContextID: normal.ContextID},
	})
	require.NoError(t, err)

	require.NoError(t, f.manager.CloseWindow(ctx, private))
	require.NoError(t, f.manager.CloseWindow(ctx, normal))

	assert.NoFileExists(t, rec.PartialPath())
	all := f.ledger.ListAll()
	require.Len(t, all, 1)
	assert.Equal(t, kept.ID, all[0].ID)
	assert.Equal(t, domain.StatePending, all[0].State, "normal downloads outlive their window")

	// A registration that raced the close cannot bring the context back
	_, err = f.ledger.BeginDownload(domain.DownloadRequest{
		URL:         "https://e/late.bin",
		Destination: filepath.Join(dir, "late.bin"),
		Origin:      domain.Origin{Partition: domain.PartitionPrivate, ContextID: private.ContextID},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidHandle)
	assert.Len(t, f.ledger.ListAll(), 1)
}

func TestPartitionManager_WipeFailureQuarantines(t *testing.T) {
	factory := func(id string, partition domain.Partition) (domain.StorageContext, error) {
		if partition.IsPrivate() {
			return &brokenContext{id: id, partition: partition}, nil
		}
		return infrastructure.NewMemoryStorageContext(id, partition, "")
	}
	f := newManagerFixture(t, factory)
	ctx := context.Background()

	w, err := f.manager.CreateWindow(ctx, domain.PartitionPrivate)
	require.NoError(t, err)
	tab, err := f.manager.CreateTab(ctx, w, "")
	require.NoError(t, err)
	_, err = f.manager.CommitPersistence(ctx, tab, domain.WriteIntent{Kind: domain.WriteCookie, URL: "https://x.example/"})
	require.NoError(t, err)

	err = f.manager.CloseWindow(ctx, w)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorageWipeFailure)

	var wipeErr *domain.StorageWipeError
	require.ErrorAs(t, err, &wipeErr)
	assert.Equal(t, w.ContextID, wipeErr.ContextID)
	assert.Equal(t, []string{w.ContextID}, f.manager.Quarantined())
	require.Len(t, f.notifier.wipes, 1)

	next, err := f.manager.CreateWindow(ctx, domain.PartitionPrivate)
	require.NoError(t, err)
	assert.NotEqual(t, w.ContextID, next.ContextID)
}

func TestPartitionManager_CloseWindowAsync(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()

	w, err := f.manager.CreateWindow(ctx, domain.PartitionPrivate)
	require.NoError(t, err)
	_, err = f.manager.CreateTab(ctx, w, "")
	require.NoError(t, err)

	result := f.manager.CloseWindowAsync(ctx, w)
	_, err = f.registry.Window(w.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidWindow, "window is gone before the wipe finishes")

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("wipe did not finish")
	}
	f.manager.Wait()

	err = <-f.manager.CloseWindowAsync(ctx, w)
	assert.ErrorIs(t, err, domain.ErrInvalidWindow)
}

func TestPartitionManager_ReopenClosedTab(t *testing.T) {
	f := newManagerFixture(t, nil)
	ctx := context.Background()

	w, err := f.manager.CreateWindow(ctx, domain.PartitionNormal)
	require.NoError(t, err)
	tab, err := f.manager.CreateTab(ctx, w, "https://example.com/page")
	require.NoError(t, err)
	require.NoError(t, f.registry.SetPinned(tab.ID, true))
	require.NoError(t, f.manager.CloseTab(ctx, tab))
	assert.ErrorIs(t, f.manager.CloseTab(ctx, tab), domain.ErrInvalidHandle)

	reopened, ok, err := f.manager.ReopenClosedTab(ctx, w)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, tab.ID, reopened.ID)

	got, err := f.registry.Tab(reopened.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/page", got.URL)
	assert.True(t, got.Pinned)

	_, ok, err = f.manager.ReopenClosedTab(ctx, w)
	require.NoError(t, err)
	assert.False(t, ok)
}

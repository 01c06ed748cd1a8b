//go:build integration
// +build integration

package integration

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourusername/browsecore/api"
	"github.com/yourusername/browsecore/api/handlers"
	"github.com/yourusername/browsecore/internal/app"
	"github.com/yourusername/browsecore/internal/domain"
	"github.com/yourusername/browsecore/internal/infrastructure"
	"github.com/yourusername/browsecore/internal/metrics"
)

type harness struct {
	server *httptest.Server
	core   *app.Core
	store  *infrastructure.SQLiteStore
	config *domain.Config
}

func setupTestServer(t *testing.T) *harness {
	t.Helper()

	tmpDir := t.TempDir()
	store, err := infrastructure.NewSQLiteStore(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	config := domain.DefaultConfig()
	config.Download.Dir = filepath.Join(tmpDir, "downloads")
	config.Download.MaxRetries = 0
	config.Session.ScratchDir = filepath.Join(tmpDir, "scratch")
	config.Filter.WatchSource = false

	m := metrics.New()
	log := zap.NewNop()
	core, err := app.NewCore(app.CoreDeps{
		Config:  config,
		Store:   store,
		Metrics: m,
		Logger:  log,
	})
	require.NoError(t, err)
	require.NoError(t, core.Start(context.Background()))

	hub := handlers.NewEventHub(core.Bus, func(id string) bool {
		rec, err := core.Ledger.Get(id)
		return err != nil || rec.IsPrivate()
	}, m, log)

	server := httptest.NewServer(api.SetupRouter(api.RouterDeps{
		Core:    core,
		Store:   store,
		Hub:     hub,
		Metrics: m,
		Logger:  log,
	}))

	t.Cleanup(func() {
		server.Close()
		hub.Close()
		core.Stop(context.Background())
	})

	return &harness{server: server, core: core, store: store, config: config}
}

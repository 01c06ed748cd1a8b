package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/browsecore/internal/app"
	"github.com/yourusername/browsecore/internal/domain"
	"github.com/yourusername/browsecore/internal/infrastructure"
	"github.com/yourusername/browsecore/internal/metrics"
	"go.uber.org/zap"
)

type testServer struct {
	router http.Handler
	core   *app.Core
	store  *infrastructure.SQLiteStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := infrastructure.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	config := domain.DefaultConfig()
	config.Download.Dir = filepath.Join(t.TempDir(), "downloads")
	config.Session.ScratchDir = t.TempDir()
	config.Filter.WatchSource = false

	m := metrics.New()
	core, err := app.NewCore(app.CoreDeps{
		Config:  config,
		Store:   store,
		Metrics: m,
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, core.Start(context.Background()))
	t.Cleanup(func() { core.Stop(context.Background()) })

	router := SetupRouter(RouterDeps{
		Core:    core,
		Store:   store,
		Metrics: m,
		Logger:  zap.NewNop(),
		LogsDir: t.TempDir(),
	})
	return &testServer{router: router, core: core, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var result map[string]interface{}
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(rec.Body.Bytes(), &result)
	}
	return rec.Code, result
}

func (s *testServer) openWindow(t *testing.T, partition domain.Partition) (windowID, tabID string) {
	t.Helper()
	code, body := s.do(t, http.MethodPost, "/api/v1/windows", map[string]string{"partition": string(partition)})
	require.Equal(t, http.StatusCreated, code)
	tabs := body["tabs"].([]interface{})
	require.Len(t, tabs, 1)
	return body["id"].(string), tabs[0].(map[string]interface{})["id"].(string)
}

func TestRouter_Health(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["running"])

	code, _ = s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "browsecore_")
}

func TestRouter_WindowLifecycle(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, http.MethodPost, "/api/v1/windows", map[string]string{"partition": "incognito"})
	assert.Equal(t, http.StatusBadRequest, code)

	windowID, tabID := s.openWindow(t, domain.PartitionPrivate)

	code, body := s.do(t, http.MethodGet, "/api/v1/windows/"+windowID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "private", body["partition"])

	code, body = s.do(t, http.MethodPatch, "/api/v1/tabs/"+tabID, map[string]bool{"pinned": true})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["pinned"])

	code, _ = s.do(t, http.MethodDelete, "/api/v1/tabs/"+tabID, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, http.MethodGet, "/api/v1/tabs/"+tabID, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodPost, "/api/v1/windows/"+windowID+"/reopen", nil)
	assert.Equal(t, http.StatusCreated, code)

	code, _ = s.do(t, http.MethodDelete, "/api/v1/windows/"+windowID, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, http.MethodPost, "/api/v1/windows/"+windowID+"/tabs", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRouter_PersistenceGuard(t *testing.T) {
	s := newTestServer(t)
	_, normalTab := s.openWindow(t, domain.PartitionNormal)
	_, privateTab := s.openWindow(t, domain.PartitionPrivate)

	intent := map[string]string{"kind": "bookmark", "url": "https://example.com/", "title": "Example"}

	code, body := s.do(t, http.MethodPost, "/api/v1/tabs/"+privateTab+"/persist", intent)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "deny", body["decision"])

	code, body = s.do(t, http.MethodPost, "/api/v1/tabs/"+normalTab+"/persist", intent)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "allow", body["decision"])

	code, _ = s.do(t, http.MethodPost, "/api/v1/tabs/"+normalTab+"/persist", map[string]string{"kind": "telemetry"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRouter_NavigationHistory(t *testing.T) {
	s := newTestServer(t)
	_, normalTab := s.openWindow(t, domain.PartitionNormal)
	_, privateTab := s.openWindow(t, domain.PartitionPrivate)

	code, _ := s.do(t, http.MethodPost, "/api/v1/tabs/"+privateTab+"/navigate", map[string]string{"url": "https://hidden.example/"})
	require.Equal(t, http.StatusAccepted, code)
	code, _ = s.do(t, http.MethodPost, "/api/v1/tabs/"+normalTab+"/navigate", map[string]string{"url": "https://visible.example/"})
	require.Equal(t, http.StatusAccepted, code)

	assert.Eventually(t, func() bool {
		_, body := s.do(t, http.MethodGet, "/api/v1/history", nil)
		return body["count"] == float64(1)
	}, 2*time.Second, 10*time.Millisecond)

	_, body := s.do(t, http.MethodGet, "/api/v1/history?q=hidden", nil)
	assert.Equal(t, float64(0), body["count"])

	code, _ = s.do(t, http.MethodDelete, "/api/v1/history", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = s.do(t, http.MethodDelete, "/api/v1/history?all=true", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestRouter_Filter(t *testing.T) {
	s := newTestServer(t)
	_, tab := s.openWindow(t, domain.PartitionNormal)

	code, body := s.do(t, http.MethodPost, "/api/v1/filter/rules", map[string]string{"rule": "domain:tracker.example"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "domain:tracker.example", body["text"])

	code, _ = s.do(t, http.MethodPost, "/api/v1/filter/rules", map[string]string{"rule": "two words"})
	assert.Equal(t, http.StatusBadRequest, code)

	_, body = s.do(t, http.MethodPost, "/api/v1/tabs/"+tab+"/check", map[string]string{"url": "https://cdn.tracker.example/p.gif"})
	assert.Equal(t, "block", body["verdict"])

	code, _ = s.do(t, http.MethodPut, "/api/v1/filter/enabled", map[string]interface{}{"partition": "normal", "enabled": false})
	require.Equal(t, http.StatusOK, code)
	_, body = s.do(t, http.MethodPost, "/api/v1/filter/check", map[string]string{"url": "https://cdn.tracker.example/p.gif"})
	assert.Equal(t, "allow", body["verdict"])

	code, _ = s.do(t, http.MethodDelete, "/api/v1/filter/rules?pattern=tracker.example", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, http.MethodDelete, "/api/v1/filter/rules?pattern=tracker.example", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = s.do(t, http.MethodGet, "/api/v1/filter", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "builtin", body["source"])
}

func TestRouter_Downloads(t *testing.T) {
	s := newTestServer(t)
	_, tab := s.openWindow(t, domain.PartitionNormal)

	code, _ := s.do(t, http.MethodPost, "/api/v1/downloads", map[string]string{"tab_id": tab, "url": "https://example.com/ads/x.zip"})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(t, http.MethodPost, "/api/v1/downloads", map[string]string{"tab_id": "ghost", "url": "https://example.com/x.zip"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/downloads/ghost", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body := s.do(t, http.MethodGet, "/api/v1/downloads/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["total"])
}

func TestRouter_NotFound(t *testing.T) {
	s := newTestServer(t)
	code, body := s.do(t, http.MethodGet, "/api/v1/nothing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not found", body["error"])
}

package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.WindowOpened("private")
		m.ObserveWipe(time.Millisecond, true)
		m.FilterLoaded(1, 0, nil)
		m.RequestBlocked("normal")
		m.EventPublished("download", 0)
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.WindowOpened("private")
	m.WindowOpened("private")
	m.WindowClosed("private")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WindowsOpen.WithLabelValues("private")))

	m.ObserveWipe(time.Millisecond, true)
	m.ObserveWipe(time.Millisecond, false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WipeFailures))

	m.FilterLoaded(12, 3, nil)
	m.FilterLoaded(0, 0, errors.New("boom"))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.FilterRules))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FilterWarnings))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FilterReloads.WithLabelValues("error")))

	m.AddDownloadBytes(100)
	m.AddDownloadBytes(-5)
	assert.Equal(t, 100.0, testutil.ToFloat64(m.DownloadBytes))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RequestBlocked("normal")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `browsecore_requests_blocked_total{partition="normal"} 1`)
}

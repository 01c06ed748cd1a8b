//go:build integration
// +build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/browsecore/internal/domain"
)

func call(t *testing.T, method, url string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var result map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&result)
	return resp.StatusCode, result
}

func openWindow(t *testing.T, h *harness, partition string) (windowID, tabID string) {
	t.Helper()
	code, body := call(t, http.MethodPost, h.server.URL+"/api/v1/windows", map[string]string{"partition": partition})
	require.Equal(t, http.StatusCreated, code)
	tab := body["tabs"].([]interface{})[0].(map[string]interface{})
	return body["id"].(string), tab["id"].(string)
}

func TestAPI_PrivateBrowsingLeavesNoDurableTrace(t *testing.T) {
	h := setupTestServer(t)
	base := h.server.URL + "/api/v1"

	_, normalTab := openWindow(t, h, "normal")
	privateWindow, privateTab := openWindow(t, h, "private")

	for _, intent := range []map[string]string{
		{"kind": "history", "url": "https://clinic.example/appointments"},
		{"kind": "cookie", "url": "https://clinic.example/", "name": "sid", "value": "s3cret"},
		{"kind": "form_data", "url": "https://clinic.example/", "name": "symptom", "value": "cough"},
		{"kind": "bookmark", "url": "https://clinic.example/", "title": "Clinic"},
	} {
		code, body := call(t, http.MethodPost, base+"/tabs/"+privateTab+"/persist", intent)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "deny", body["decision"])
	}

	code, _ := call(t, http.MethodPost, base+"/tabs/"+normalTab+"/navigate", map[string]string{"url": "https://news.example/"})
	require.Equal(t, http.StatusAccepted, code)

	code, _ = call(t, http.MethodDelete, base+"/windows/"+privateWindow, nil)
	require.Equal(t, http.StatusOK, code)

	assert.Eventually(t, func() bool {
		_, body := call(t, http.MethodGet, base+"/history", nil)
		return body["count"] == float64(1)
	}, 2*time.Second, 20*time.Millisecond)

	counts, err := h.store.CountPersisted()
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["history"])
	assert.Zero(t, counts["cookies"])
	assert.Zero(t, counts["form_entries"])
	assert.Zero(t, counts["bookmarks"])

	entries, err := os.ReadDir(h.config.Session.ScratchDir)
	if err == nil {
		assert.Empty(t, entries)
	}
}

func TestAPI_DownloadCompletes(t *testing.T) {
	h := setupTestServer(t)
	payload := strings.Repeat("b", 64*1024)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		w.Write([]byte(payload))
	}))
	defer origin.Close()

	_, tab := openWindow(t, h, "normal")
	code, body := call(t, http.MethodPost, h.server.URL+"/api/v1/downloads", map[string]string{
		"tab_id": tab,
		"url":    origin.URL + "/files/archive.tar",
	})
	require.Equal(t, http.StatusCreated, code)
	id := body["id"].(string)

	assert.Eventually(t, func() bool {
		_, body := call(t, http.MethodGet, h.server.URL+"/api/v1/downloads/"+id, nil)
		return body["state"] == string(domain.StateCompleted)
	}, 5*time.Second, 20*time.Millisecond)

	_, body = call(t, http.MethodGet, h.server.URL+"/api/v1/downloads/"+id, nil)
	assert.Equal(t, float64(len(payload)), body["received_bytes"])

	record, err := h.store.FindByID(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, record.State)

	code, _ = call(t, http.MethodDelete, h.server.URL+"/api/v1/downloads/"+id, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestAPI_PrivateDownloadNeverReachesStore(t *testing.T) {
	h := setupTestServer(t)
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer origin.Close()
	defer close(release)

	window, tab := openWindow(t, h, "private")
	code, body := call(t, http.MethodPost, h.server.URL+"/api/v1/downloads", map[string]string{
		"tab_id": tab,
		"url":    origin.URL + "/secret.pdf",
	})
	require.Equal(t, http.StatusCreated, code)
	id := body["id"].(string)

	assert.Eventually(t, func() bool {
		_, body := call(t, http.MethodGet, h.server.URL+"/api/v1/downloads/"+id, nil)
		return body["state"] == string(domain.StateInProgress)
	}, 5*time.Second, 20*time.Millisecond)

	_, err := h.store.FindByID(id)
	assert.Error(t, err)

	code, _ = call(t, http.MethodDelete, h.server.URL+"/api/v1/windows/"+window, nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = call(t, http.MethodGet, h.server.URL+"/api/v1/downloads/"+id, nil)
	assert.Equal(t, http.StatusNotFound, code)

	files, err := os.ReadDir(h.config.Download.Dir)
	require.NoError(t, err)
	for _, f := range files {
		assert.False(t, strings.HasSuffix(f.Name(), domain.PartialSuffix), f.Name())
	}
}

func TestAPI_EventStream(t *testing.T) {
	h := setupTestServer(t)

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/api/v1/events?topics=session"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the hub a moment to register the client
	time.Sleep(50 * time.Millisecond)
	window, _ := openWindow(t, h, "private")

	// Window and tab events may interleave across shards
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var ev domain.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		if ev.Type == domain.EventWindowCreated {
			assert.Equal(t, window, ev.WindowID)
			assert.Equal(t, domain.PartitionPrivate, ev.Partition)
			return
		}
	}
}

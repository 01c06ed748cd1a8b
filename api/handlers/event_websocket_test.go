package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/browsecore/internal/app"
	"github.com/yourusername/browsecore/internal/domain"
	"github.com/yourusername/browsecore/pkg/logger"
	"go.uber.org/zap"
)

func newTestHub(t *testing.T, private map[string]bool) (*EventHub, *app.EventBus, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := app.NewEventBus(domain.BusConfig{Shards: 1, QueueSize: 16}, nil, zap.NewNop())
	require.NoError(t, bus.Start(context.Background()))
	hub := NewEventHub(bus, func(id string) bool { return private[id] }, nil, zap.NewNop())

	router := gin.New()
	router.GET("/events", hub.HandleWebSocket)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		hub.Close()
		server.Close()
		bus.Close()
	})
	return hub, bus, server
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestEventHub_StreamsAndRedacts(t *testing.T) {
	hub, bus, server := newTestHub(t, map[string]bool{"private-dl": true})
	conn := dial(t, server, "")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	private := domain.TabHandle{ID: "t1", WindowID: "w1", Partition: domain.PartitionPrivate}
	normal := domain.TabHandle{ID: "t2", WindowID: "w2", Partition: domain.PartitionNormal}

	require.NoError(t, bus.Publish(ctx, domain.NavigationEvent(private, "https://secret.example/")))
	ev := readEvent(t, conn)
	assert.Equal(t, logger.RedactedURL, ev.URL)

	require.NoError(t, bus.Publish(ctx, domain.NavigationEvent(normal, "https://public.example/")))
	ev = readEvent(t, conn)
	assert.Equal(t, "https://public.example/", ev.URL)

	failed := domain.FinishedEvent("private-dl", domain.OutcomeFailed(assert.AnError))
	require.NoError(t, bus.Publish(ctx, failed))
	ev = readEvent(t, conn)
	assert.Equal(t, "private-dl", ev.DownloadID)
	assert.Equal(t, logger.RedactedURL, ev.Error)
}

func TestEventHub_TopicFilter(t *testing.T) {
	hub, bus, server := newTestHub(t, nil)
	conn := dial(t, server, "?topics=download")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	tab := domain.TabHandle{ID: "t1", WindowID: "w1", Partition: domain.PartitionNormal}
	require.NoError(t, bus.Publish(ctx, domain.NavigationEvent(tab, "https://skipped.example/")))
	require.NoError(t, bus.Publish(ctx, domain.ProgressEvent("d1", 10, 100)))

	ev := readEvent(t, conn)
	assert.Equal(t, domain.EventDownloadProgress, ev.Type)
	assert.Equal(t, int64(10), ev.Received)
}

func TestEventHub_RejectsUnknownTopic(t *testing.T) {
	_, _, server := newTestHub(t, nil)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/events?topics=telemetry"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestEventHub_CloseDisconnectsClients(t *testing.T) {
	hub, _, server := newTestHub(t, nil)
	conn := dial(t, server, "")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

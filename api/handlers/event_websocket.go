package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/yourusername/browsecore/internal/app"
	"github.com/yourusername/browsecore/internal/domain"
	"github.com/yourusername/browsecore/internal/metrics"
	"github.com/yourusername/browsecore/pkg/logger"
	"go.uber.org/zap"
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Local API; origins are not restricted
	},
}

type eventClient struct {
	topics map[domain.Topic]bool
	send   chan []byte
	gone   chan struct{}
	once   sync.Once
}

func (c *eventClient) evict() {
	c.once.Do(func() { close(c.gone) })
}

// EventHub streams bus events to WebSocket clients. A client that cannot
// keep up is disconnected; the bus itself never waits for a client.
type EventHub struct {
	isPrivateDownload func(id string) bool
	metrics           *metrics.Metrics
	logger            *zap.Logger

	mu          sync.RWMutex
	clients     map[*eventClient]struct{}
	unsubscribe []func()
}

// NewEventHub subscribes a hub to every bus topic. isPrivateDownload tells
// whether a download event belongs to a private window.
func NewEventHub(bus *app.EventBus, isPrivateDownload func(id string) bool, m *metrics.Metrics, log *zap.Logger) *EventHub {
	h := &EventHub{
		isPrivateDownload: isPrivateDownload,
		metrics:           m,
		logger:            log,
		clients:           make(map[*eventClient]struct{}),
	}
	for _, topic := range domain.Topics {
		h.unsubscribe = append(h.unsubscribe, bus.Subscribe(topic, h.broadcast))
	}
	return h
}

// redact strips URLs and error text from private events
func (h *EventHub) redact(ev domain.Event) domain.Event {
	private := ev.Partition.IsPrivate()
	if ev.DownloadID != "" && h.isPrivateDownload != nil {
		private = private || h.isPrivateDownload(ev.DownloadID)
	}
	if private {
		ev.URL = logger.RedactURL(ev.URL, true)
		if ev.Error != "" && ev.Type != domain.EventWipeFailed {
			ev.Error = logger.RedactedURL
		}
	}
	return ev
}

func (h *EventHub) broadcast(_ context.Context, ev domain.Event) {
	data, err := json.Marshal(h.redact(ev))
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}

	topic := ev.Type.Topic()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if len(c.topics) > 0 && !c.topics[topic] {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("Disconnecting slow event client")
			c.evict()
		}
	}
}

// Clients returns the number of connected clients
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes from the bus and disconnects every client
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, unsubscribe := range h.unsubscribe {
		unsubscribe()
	}
	h.unsubscribe = nil
	for c := range h.clients {
		c.evict()
	}
}

func parseTopics(raw string) (map[domain.Topic]bool, bool) {
	topics := make(map[domain.Topic]bool)
	if raw == "" {
		return topics, true
	}
	for _, name := range strings.Split(raw, ",") {
		topic := domain.Topic(strings.TrimSpace(name))
		known := false
		for _, t := range domain.Topics {
			if t == topic {
				known = true
			}
		}
		if !known {
			return nil, false
		}
		topics[topic] = true
	}
	return topics, true
}

// HandleWebSocket handles GET /api/v1/events?topics=download,session
func (h *EventHub) HandleWebSocket(c *gin.Context) {
	topics, ok := parseTopics(c.Query("topics"))
	if !ok {
		badRequest(c, "unknown topic")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	client := &eventClient{
		topics: topics,
		send:   make(chan []byte, clientBuffer),
		gone:   make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.metrics.IncWSConnections()

	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		h.metrics.DecWSConnections()
	}()

	h.logger.Info("Event client connected", zap.String("remote_addr", c.Request.RemoteAddr))

	// Reads only detect the client going away
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("Failed to send event", zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-client.gone:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "disconnected"),
				time.Now().Add(writeTimeout))
			return

		case <-done:
			return
		}
	}
}

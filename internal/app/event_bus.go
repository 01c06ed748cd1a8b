package app

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/yourusername/browsecore/internal/domain"
	"github.com/yourusername/browsecore/internal/metrics"
	"go.uber.org/zap"
)

// EventHandler consumes bus events. Handlers on one shard run sequentially
// and must not publish to their own topic synchronously.
type EventHandler func(ctx context.Context, ev domain.Event)

// RequestInterceptor decides an outbound request before the engine dispatches it
type RequestInterceptor func(tab domain.TabHandle, url string) domain.Verdict

// PersistenceInterceptor decides a durable write before it happens
type PersistenceInterceptor func(tab domain.TabHandle, intent domain.WriteIntent) domain.Decision

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus delivers typed events on one queue set per topic. Each topic is
// split into shards by event key, and each shard is drained by one goroutine,
// so events sharing a key are handled in publish order. Publish blocks while
// the shard queue is full; events are never dropped.
type EventBus struct {
	shards    int
	queueSize int
	metrics   *metrics.Metrics
	logger    *zap.Logger

	subMu       sync.RWMutex
	subscribers map[domain.Topic][]subscription
	nextSubID   uint64

	interMu             sync.RWMutex
	requestInterceptors []RequestInterceptor
	persistenceGuard    PersistenceInterceptor

	closeMu sync.RWMutex
	queues  map[domain.Topic][]chan domain.Event
	started bool
	closed  bool
	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewEventBus creates a bus; call Start to begin delivery
func NewEventBus(config domain.BusConfig, m *metrics.Metrics, logger *zap.Logger) *EventBus {
	shards := config.Shards
	if shards < 1 {
		shards = 1
	}
	queueSize := config.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}

	queues := make(map[domain.Topic][]chan domain.Event, len(domain.Topics))
	for _, topic := range domain.Topics {
		qs := make([]chan domain.Event, shards)
		for i := range qs {
			qs[i] = make(chan domain.Event, queueSize)
		}
		queues[topic] = qs
	}

	return &EventBus{
		shards:      shards,
		queueSize:   queueSize,
		metrics:     m,
		logger:      logger,
		subscribers: make(map[domain.Topic][]subscription),
		queues:      queues,
		baseCtx:     context.Background(),
	}
}

// Start launches one worker per shard
func (b *EventBus) Start(ctx context.Context) error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()

	if b.closed {
		return domain.ErrBusClosed
	}
	if b.started {
		return fmt.Errorf("event bus already started")
	}
	b.started = true
	b.baseCtx = context.WithoutCancel(ctx)

	for topic, qs := range b.queues {
		for _, q := range qs {
			b.wg.Add(1)
			go b.worker(topic, q)
		}
	}

	b.logger.Debug("Event bus started", zap.Int("shards", b.shards), zap.Int("queue_size", b.queueSize))
	return nil
}

// Subscribe registers a handler for a topic and returns a function removing it
func (b *EventBus) Subscribe(topic domain.Topic, handler EventHandler) func() {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.nextSubID++
	id := b.nextSubID
	b.subscribers[topic] = append(b.subscribers[topic], subscription{id: id, handler: handler})

	return func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		subs := b.subscribers[topic]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish queues an event on its topic. It blocks while the target shard is
// full and returns ctx.Err() if ctx ends first, or ErrBusClosed after Close.
func (b *EventBus) Publish(ctx context.Context, ev domain.Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	topic := ev.Type.Topic()

	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return domain.ErrBusClosed
	}

	q := b.queues[topic][b.shardFor(ev.Key)]
	start := time.Now()

	select {
	case q <- ev:
	default:
		select {
		case q <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.metrics.EventPublished(string(topic), time.Since(start))
	return nil
}

func (b *EventBus) shardFor(key string) int {
	if b.shards == 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(b.shards))
}

func (b *EventBus) worker(topic domain.Topic, q chan domain.Event) {
	defer b.wg.Done()
	for ev := range q {
		b.dispatch(topic, ev)
	}
}

func (b *EventBus) dispatch(topic domain.Topic, ev domain.Event) {
	b.subMu.RLock()
	subs := append([]subscription(nil), b.subscribers[topic]...)
	b.subMu.RUnlock()

	for _, s := range subs {
		b.invoke(s.handler, ev)
	}
}

func (b *EventBus) invoke(handler EventHandler, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("type", string(ev.Type)),
				zap.String("key", ev.Key),
				zap.Any("panic", r))
		}
	}()
	handler(b.baseCtx, ev)
}

// Pending returns the number of queued events per topic
func (b *EventBus) Pending() map[domain.Topic]int {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()

	pending := make(map[domain.Topic]int, len(b.queues))
	for topic, qs := range b.queues {
		for _, q := range qs {
			pending[topic] += len(q)
		}
	}
	return pending
}

// Close stops accepting events, drains every queue and waits for the workers
func (b *EventBus) Close() error {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return nil
	}
	b.closed = true
	for _, qs := range b.queues {
		for _, q := range qs {
			close(q)
		}
	}
	started := b.started
	b.closeMu.Unlock()

	if !started {
		// Nothing will drain the queues; deliver what is buffered inline
		for topic, qs := range b.queues {
			for _, q := range qs {
				for ev := range q {
					b.dispatch(topic, ev)
				}
			}
		}
	}

	b.wg.Wait()
	b.logger.Debug("Event bus closed")
	return nil
}

// HandleRequests adds an outbound request interceptor
func (b *EventBus) HandleRequests(fn RequestInterceptor) {
	b.interMu.Lock()
	defer b.interMu.Unlock()
	b.requestInterceptors = append(b.requestInterceptors, fn)
}

// DecideRequest runs the request interceptors synchronously. The first
// Block wins; with no interceptors the request is allowed.
func (b *EventBus) DecideRequest(tab domain.TabHandle, url string) domain.Verdict {
	b.interMu.RLock()
	interceptors := b.requestInterceptors
	b.interMu.RUnlock()

	for _, fn := range interceptors {
		if fn(tab, url) == domain.VerdictBlock {
			return domain.VerdictBlock
		}
	}
	return domain.VerdictAllow
}

// HandlePersistence installs the persistence guard
func (b *EventBus) HandlePersistence(fn PersistenceInterceptor) {
	b.interMu.Lock()
	defer b.interMu.Unlock()
	b.persistenceGuard = fn
}

// DecidePersistence runs the persistence guard synchronously. Without a
// guard every write is denied.
func (b *EventBus) DecidePersistence(tab domain.TabHandle, intent domain.WriteIntent) domain.Decision {
	b.interMu.RLock()
	guard := b.persistenceGuard
	b.interMu.RUnlock()

	if guard == nil {
		return domain.DecisionDeny
	}
	return guard(tab, intent)
}

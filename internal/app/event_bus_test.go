package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/browsecore/internal/domain"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func newTestBus(t *testing.T, shards, queueSize int) *EventBus {
	t.Helper()
	return NewEventBus(domain.BusConfig{Shards: shards, QueueSize: queueSize}, nil, zap.NewNop())
}

func TestEventBus_PerKeyOrdering(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := newTestBus(t, 4, 8)
	var mu sync.Mutex
	seen := make(map[string][]int64)
	bus.Subscribe(domain.TopicDownload, func(_ context.Context, ev domain.Event) {
		mu.Lock()
		seen[ev.Key] = append(seen[ev.Key], ev.Received)
		mu.Unlock()
	})
	require.NoError(t, bus.Start(context.Background()))

	var wg sync.WaitGroup
	for d := 0; d < 8; d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			id := fmt.Sprintf("dl-%d", d)
			for i := int64(1); i <= 100; i++ {
				require.NoError(t, bus.Publish(context.Background(), domain.ProgressEvent(id, i, 0)))
			}
		}(d)
	}
	wg.Wait()
	require.NoError(t, bus.Close())

	require.Len(t, seen, 8)
	for key, values := range seen {
		require.Len(t, values, 100, key)
		for i, v := range values {
			assert.Equal(t, int64(i+1), v, key)
		}
	}
}

func TestEventBus_BackPressureBlocksNotDrops(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := newTestBus(t, 1, 1)
	release := make(chan struct{})
	var mu sync.Mutex
	count := 0
	bus.Subscribe(domain.TopicNavigation, func(context.Context, domain.Event) {
		<-release
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, bus.Start(context.Background()))

	tab := domain.TabHandle{ID: "t1", WindowID: "w1"}
	// One in the handler, one in the queue
	require.NoError(t, bus.Publish(context.Background(), domain.NavigationEvent(tab, "https://a")))
	require.Eventually(t, func() bool { return bus.Pending()[domain.TopicNavigation] == 0 }, time.Second, time.Millisecond)
	require.NoError(t, bus.Publish(context.Background(), domain.NavigationEvent(tab, "https://b")))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, domain.NavigationEvent(tab, "https://c"))
	assert.ErrorIs(t, err, context.DeadlineExceeded, "full queue blocks the publisher")

	close(release)
	require.NoError(t, bus.Close())
	assert.Equal(t, 2, count)
}

func TestEventBus_CloseDrainsAndRejects(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := newTestBus(t, 2, 16)
	var mu sync.Mutex
	count := 0
	bus.Subscribe(domain.TopicSession, func(context.Context, domain.Event) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, bus.Start(context.Background()))

	for i := 0; i < 10; i++ {
		w := domain.WindowHandle{ID: fmt.Sprintf("w%d", i)}
		require.NoError(t, bus.Publish(context.Background(), domain.WindowEvent(domain.EventWindowCreated, w)))
	}
	require.NoError(t, bus.Close())
	assert.Equal(t, 10, count)

	err := bus.Publish(context.Background(), domain.WindowEvent(domain.EventWindowClosed, domain.WindowHandle{ID: "x"}))
	assert.ErrorIs(t, err, domain.ErrBusClosed)
	assert.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Start(context.Background()), domain.ErrBusClosed)
}

func TestEventBus_HandlerPanicIsContained(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := newTestBus(t, 1, 4)
	delivered := make(chan struct{}, 1)
	bus.Subscribe(domain.TopicDownload, func(context.Context, domain.Event) { panic("boom") })
	bus.Subscribe(domain.TopicDownload, func(context.Context, domain.Event) { delivered <- struct{}{} })
	require.NoError(t, bus.Start(context.Background()))

	require.NoError(t, bus.Publish(context.Background(), domain.ProgressEvent("d", 1, 0)))
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("second handler not called")
	}
	require.NoError(t, bus.Close())
}

func TestEventBus_Unsubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := newTestBus(t, 1, 4)
	var mu sync.Mutex
	count := 0
	unsubscribe := bus.Subscribe(domain.TopicDownload, func(context.Context, domain.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsubscribe()
	require.NoError(t, bus.Start(context.Background()))
	require.NoError(t, bus.Publish(context.Background(), domain.ProgressEvent("d", 1, 0)))
	require.NoError(t, bus.Close())

	assert.Zero(t, count)
}

func TestEventBus_CloseWithoutStartDelivers(t *testing.T) {
	bus := newTestBus(t, 1, 4)
	count := 0
	bus.Subscribe(domain.TopicDownload, func(context.Context, domain.Event) { count++ })

	require.NoError(t, bus.Publish(context.Background(), domain.ProgressEvent("d", 1, 0)))
	require.NoError(t, bus.Close())
	assert.Equal(t, 1, count)
}

func TestEventBus_Interceptors(t *testing.T) {
	bus := newTestBus(t, 1, 1)
	tab := domain.TabHandle{ID: "t"}

	assert.Equal(t, domain.VerdictAllow, bus.DecideRequest(tab, "https://a"))
	assert.Equal(t, domain.DecisionDeny, bus.DecidePersistence(tab, domain.WriteIntent{Kind: domain.WriteHistory}),
		"no guard installed means deny")

	bus.HandleRequests(func(domain.TabHandle, string) domain.Verdict { return domain.VerdictAllow })
	bus.HandleRequests(func(_ domain.TabHandle, url string) domain.Verdict {
		if url == "https://ads" {
			return domain.VerdictBlock
		}
		return domain.VerdictAllow
	})
	assert.Equal(t, domain.VerdictBlock, bus.DecideRequest(tab, "https://ads"))
	assert.Equal(t, domain.VerdictAllow, bus.DecideRequest(tab, "https://ok"))

	bus.HandlePersistence(func(domain.TabHandle, domain.WriteIntent) domain.Decision { return domain.DecisionAllow })
	assert.Equal(t, domain.DecisionAllow, bus.DecidePersistence(tab, domain.WriteIntent{Kind: domain.WriteHistory}))
	require.NoError(t, bus.Close())
}

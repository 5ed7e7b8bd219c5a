package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/warning-engine/internal/domain/shared"
	redisstore "github.com/alem-hub/warning-engine/internal/infrastructure/persistence/redis"
)

var at = time.Date(2024, 10, 1, 8, 0, 0, 0, time.UTC)

func syncBus(t *testing.T, reg prometheus.Registerer) *InMemoryEventBus {
	t.Helper()
	bus, err := NewInMemoryEventBus(InMemoryEventBusConfig{Registerer: reg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

type recorder struct {
	mu     sync.Mutex
	events []shared.Event
}

func (r *recorder) handle(e shared.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestInMemoryEventBus_RoutesByType(t *testing.T) {
	bus := syncBus(t, nil)

	var updated, failed, all recorder
	require.NoError(t, bus.Subscribe(shared.EventWarningsUpdated, updated.handle))
	require.NoError(t, bus.Subscribe(shared.EventProcessingFailed, failed.handle))
	require.NoError(t, bus.SubscribeAll(all.handle))

	require.NoError(t, bus.Publish(shared.NewWarningsUpdatedEvent("ev-1", 3, []string{"s1"}, 0, at)))
	require.NoError(t, bus.Publish(shared.NewProcessingFailedEvent("ev-2", "persist", at)))

	assert.Equal(t, 1, updated.count())
	assert.Equal(t, 1, failed.count())
	assert.Equal(t, 2, all.count())

	got := updated.events[0].(shared.WarningsUpdatedEvent)
	assert.Equal(t, 3, got.NewWarningsCount)
	assert.Equal(t, "ev-1", got.AggregateID())
}

func TestInMemoryEventBus_HandlerFailuresAreContained(t *testing.T) {
	reg := prometheus.NewRegistry()
	bus := syncBus(t, reg)

	var after recorder
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { return errors.New("boom") }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { panic("handler bug") }))
	require.NoError(t, bus.SubscribeAll(after.handle))

	require.NoError(t, bus.Publish(shared.NewWarningsUpdatedEvent("ev-1", 0, nil, 0, at)))
	assert.Equal(t, 1, after.count())

	assert.Equal(t, 1.0, testutil.ToFloat64(bus.metrics.publishedTotal.WithLabelValues(string(shared.EventWarningsUpdated))))
	assert.Equal(t, 2.0, testutil.ToFloat64(bus.metrics.failuresTotal.WithLabelValues(string(shared.EventWarningsUpdated))))
}

func TestInMemoryEventBus_AsyncCloseWaits(t *testing.T) {
	bus, err := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 2})
	require.NoError(t, err)

	var rec recorder
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		time.Sleep(5 * time.Millisecond)
		return rec.handle(e)
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(shared.NewWarningsUpdatedEvent("ev", i, nil, 0, at)))
	}
	require.NoError(t, bus.Close())
	assert.Equal(t, 5, rec.count())
}

func TestInMemoryEventBus_CloseDeliversAcceptedPublishes(t *testing.T) {
	bus, err := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 1})
	require.NoError(t, err)

	var rec recorder
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		time.Sleep(time.Millisecond)
		return rec.handle(e)
	}))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if bus.Publish(shared.NewWarningsUpdatedEvent("ev", i, nil, 0, at)) == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, bus.Close())
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, accepted, rec.count(), "every publish accepted before close is delivered")
}

func TestInMemoryEventBus_Closed(t *testing.T) {
	bus := syncBus(t, nil)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close(), "close is idempotent")

	assert.ErrorIs(t, bus.Publish(shared.NewWarningsUpdatedEvent("ev", 0, nil, 0, at)), ErrEventBusClosed)
	assert.ErrorIs(t, bus.SubscribeAll(func(shared.Event) error { return nil }), ErrEventBusClosed)
}

func TestInMemoryEventBus_RejectsNil(t *testing.T) {
	bus := syncBus(t, nil)
	assert.ErrorIs(t, bus.Publish(nil), ErrNilEvent)
	assert.ErrorIs(t, bus.Subscribe(shared.EventWarningsUpdated, nil), ErrNilHandler)
}

func TestNewInMemoryEventBus_DuplicateMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewInMemoryEventBus(InMemoryEventBusConfig{Registerer: reg})
	require.NoError(t, err)
	_, err = NewInMemoryEventBus(InMemoryEventBusConfig{Registerer: reg})
	assert.Error(t, err)
}

// ══════════════════════════════════════════════════════════════════════════════
// REDIS MIRROR
// ══════════════════════════════════════════════════════════════════════════════

// broker fans Publish calls out to every subscriber of the channel.
type broker struct {
	mu          sync.Mutex
	subscribers map[string][]chan redisstore.Message
	failPublish bool
}

func newBroker() *broker {
	return &broker{subscribers: make(map[string][]chan redisstore.Message)}
}

func (b *broker) Publish(_ context.Context, channel, payload string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPublish {
		return errors.New("redis down")
	}
	for _, ch := range b.subscribers[channel] {
		ch <- redisstore.Message{Channel: channel, Payload: payload}
	}
	return nil
}

func (b *broker) Subscribe(_ context.Context, channels ...string) (<-chan redisstore.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan redisstore.Message, 16)
	for _, c := range channels {
		b.subscribers[c] = append(b.subscribers[c], ch)
	}
	return ch, nil
}

func redisBus(t *testing.T, b *broker, instance string) *RedisEventBus {
	t.Helper()
	bus, err := NewRedisEventBus(RedisEventBusConfig{
		Client:     b,
		InstanceID: instance,
		LocalBus:   syncBus(t, nil),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestRedisEventBus_MirrorsToOtherInstances(t *testing.T) {
	b := newBroker()
	a := redisBus(t, b, "a")
	other := redisBus(t, b, "b")

	var local, remote recorder
	require.NoError(t, a.Subscribe(shared.EventWarningsUpdated, local.handle))
	require.NoError(t, other.Subscribe(shared.EventWarningsUpdated, remote.handle))

	require.NoError(t, a.Publish(shared.NewWarningsUpdatedEvent("ev-1", 2, []string{"s1", "s2"}, 1, at)))

	assert.Equal(t, 1, local.count())
	require.Eventually(t, func() bool { return remote.count() == 1 }, time.Second, 5*time.Millisecond)

	// own message is filtered, so local stays at one delivery
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, local.count())

	remote.mu.Lock()
	got := remote.events[0]
	remote.mu.Unlock()
	assert.Equal(t, shared.EventWarningsUpdated, got.EventType())
	assert.Equal(t, "ev-1", got.AggregateID())
	assert.Equal(t, float64(2), got.Payload()["new_warnings_count"])
}

func TestRedisEventBus_PublishFailureStillDeliversLocally(t *testing.T) {
	b := newBroker()
	b.failPublish = true
	bus := redisBus(t, b, "a")

	var rec recorder
	require.NoError(t, bus.SubscribeAll(rec.handle))
	require.NoError(t, bus.Publish(shared.NewWarningsUpdatedEvent("ev-1", 0, nil, 0, at)))
	assert.Equal(t, 1, rec.count())
}

func TestRedisEventBus_Validation(t *testing.T) {
	_, err := NewRedisEventBus(RedisEventBusConfig{LocalBus: syncBus(t, nil)})
	assert.Error(t, err)
	_, err = NewRedisEventBus(RedisEventBusConfig{Client: newBroker()})
	assert.Error(t, err)
}

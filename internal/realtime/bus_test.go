package realtime

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSubscriber struct {
	*baseSubscriber
	mu        sync.Mutex
	events    []Event
	closed    bool
	sendDelay time.Duration
}

func newMockSubscriber(id string) *mockSubscriber {
	ctx, cancel := context.WithCancel(context.Background())
	return &mockSubscriber{baseSubscriber: newBaseSubscriber(id, ctx, cancel)}
}

func (m *mockSubscriber) Send(event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSubscriberClosed
	}
	if m.sendDelay > 0 {
		time.Sleep(m.sendDelay)
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockSubscriber) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.close()
	return nil
}

func (m *mockSubscriber) GetEvents() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *mockSubscriber) GetEventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestDefaultHub_Subscribe(t *testing.T) {
	hub := NewHub(slog.Default(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, hub.Start(ctx))
	defer hub.Stop(context.Background())

	sub := newMockSubscriber("test-1")
	require.NoError(t, hub.Subscribe(sub))
	assert.Equal(t, 1, hub.ActiveSubscribers())
}

func TestDefaultHub_Unsubscribe(t *testing.T) {
	hub := NewHub(slog.Default(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, hub.Start(ctx))
	defer hub.Stop(context.Background())

	sub := newMockSubscriber("test-1")
	require.NoError(t, hub.Subscribe(sub))
	require.NoError(t, hub.Unsubscribe(sub))
	assert.Equal(t, 0, hub.ActiveSubscribers())
	assert.True(t, sub.closed)
}

func TestDefaultHub_Publish_BroadcastsToAllByDefault(t *testing.T) {
	hub := NewHub(slog.Default(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, hub.Start(ctx))
	defer hub.Stop(context.Background())

	sub := newMockSubscriber("test-1")
	require.NoError(t, hub.Subscribe(sub))

	event := NewEvent(EventDevicesList, map[string]interface{}{"key": "value"}, SourceHub)
	require.NoError(t, hub.Publish(*event))

	time.Sleep(100 * time.Millisecond)

	events := sub.GetEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventDevicesList, events[0].Type)
}

func TestDefaultHub_DeviceLog_FiltersBySubscription(t *testing.T) {
	hub := NewHub(slog.Default(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, hub.Start(ctx))
	defer hub.Stop(context.Background())

	subscribedAll := newMockSubscriber("sub-all")
	subscribedAll.SubscribeLogs(AllDevices)

	subscribedOne := newMockSubscriber("sub-one")
	subscribedOne.SubscribeLogs("AABBCCDDEEFF")

	unsubscribed := newMockSubscriber("sub-none")

	require.NoError(t, hub.Subscribe(subscribedAll))
	require.NoError(t, hub.Subscribe(subscribedOne))
	require.NoError(t, hub.Subscribe(unsubscribed))

	event := NewDeviceScopedEvent(EventDeviceLog, "AABBCCDDEEFF", map[string]interface{}{"message": "hi"}, SourceOTAHandler)
	require.NoError(t, hub.Publish(*event))

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, subscribedAll.GetEventCount())
	assert.Equal(t, 1, subscribedOne.GetEventCount())
	assert.Equal(t, 0, unsubscribed.GetEventCount())
}

func TestDefaultHub_EventSequence(t *testing.T) {
	hub := NewHub(slog.Default(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, hub.Start(ctx))
	defer hub.Stop(context.Background())

	sub := newMockSubscriber("test-1")
	require.NoError(t, hub.Subscribe(sub))

	for i := 0; i < 5; i++ {
		event := NewEvent(EventDevicesList, map[string]interface{}{"index": i}, SourceHub)
		require.NoError(t, hub.Publish(*event))
	}

	time.Sleep(300 * time.Millisecond)

	events := sub.GetEvents()
	require.Len(t, events, 5)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}
}

func TestDefaultHub_HandleInbound_PingRespondsWithPong(t *testing.T) {
	hub := NewHub(slog.Default(), nil, nil)
	sub := newMockSubscriber("test-1")

	hub.HandleInbound(context.Background(), sub, InboundMessage{Type: MsgPing})

	require.Len(t, sub.GetEvents(), 1)
	assert.Equal(t, EventPong, sub.GetEvents()[0].Type)
}

type fakeCommandEnqueuer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCommandEnqueuer) EnqueueCommand(ctx context.Context, mac, command, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, mac+":"+command)
	return nil
}

func TestDefaultHub_HandleInbound_SendCommand(t *testing.T) {
	enqueuer := &fakeCommandEnqueuer{}
	hub := NewHub(slog.Default(), nil, enqueuer)
	sub := newMockSubscriber("test-1")

	hub.HandleInbound(context.Background(), sub, InboundMessage{
		Type: MsgSendCommand, DeviceID: "AABBCCDDEEFF", Command: "restart",
	})

	enqueuer.mu.Lock()
	defer enqueuer.mu.Unlock()
	require.Len(t, enqueuer.calls, 1)
	assert.Equal(t, "AABBCCDDEEFF:restart", enqueuer.calls[0])
}

func TestDefaultHub_Stop(t *testing.T) {
	hub := NewHub(slog.Default(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, hub.Start(ctx))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()

	assert.NoError(t, hub.Stop(stopCtx))
}

func TestDefaultHub_ConcurrentSubscribe(t *testing.T) {
	hub := NewHub(slog.Default(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, hub.Start(ctx))
	defer hub.Stop(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sub := newMockSubscriber("sub-" + strconv.Itoa(idx))
			assert.NoError(t, hub.Subscribe(sub))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 100, hub.ActiveSubscribers())
}

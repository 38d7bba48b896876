package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetota/control-plane/internal/core"
)

func TestPublisher_DeviceUpdate(t *testing.T) {
	hub := NewHub(slog.Default(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hub.Start(ctx))
	defer hub.Stop(context.Background())

	sub := newMockSubscriber("test-1")
	require.NoError(t, hub.Subscribe(sub))

	publisher := NewPublisher(hub, slog.Default())
	publisher.DeviceUpdate(&core.Device{MAC: "AABBCCDDEEFF"})

	time.Sleep(100 * time.Millisecond)
	events := sub.GetEvents()
	require.Len(t, events, 1)
	require.Equal(t, EventDeviceUpdate, events[0].Type)
}

func TestPublisher_DeviceLog_RespectsSubscription(t *testing.T) {
	hub := NewHub(slog.Default(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hub.Start(ctx))
	defer hub.Stop(context.Background())

	sub := newMockSubscriber("test-1")
	sub.SubscribeLogs("AABBCCDDEEFF")
	require.NoError(t, hub.Subscribe(sub))

	publisher := NewPublisher(hub, slog.Default())
	publisher.DeviceLog("AABBCCDDEEFF", "checked in", SourceOTAHandler)
	publisher.DeviceLog("112233445566", "checked in", SourceOTAHandler)

	time.Sleep(100 * time.Millisecond)
	require.Len(t, sub.GetEvents(), 1)
}

func TestPublisher_AtRiskAlert(t *testing.T) {
	hub := NewHub(slog.Default(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hub.Start(ctx))
	defer hub.Stop(context.Background())

	sub := newMockSubscriber("test-1")
	require.NoError(t, hub.Subscribe(sub))

	publisher := NewPublisher(hub, slog.Default())
	publisher.AtRiskAlert("AABBCCDDEEFF", "update window expired")

	time.Sleep(100 * time.Millisecond)
	require.Len(t, sub.GetEvents(), 1)
	require.Equal(t, EventAtRiskAlert, sub.GetEvents()[0].Type)
}

func TestPublisher_NilHub(t *testing.T) {
	publisher := NewPublisher(nil, slog.Default())
	publisher.DeviceUpdate(&core.Device{MAC: "AABBCCDDEEFF"})
}

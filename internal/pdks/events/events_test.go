package events_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdks/engine/internal/pdks/events"
)

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	bus := events.NewBus()
	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(events.KindDeviceStatusChanged, events.DeviceStatusChanged{DeviceID: 7, Online: true})

	for _, ch := range []<-chan events.Event{a, b} {
		ev := <-ch
		assert.Equal(t, events.KindDeviceStatusChanged, ev.Kind)
		assert.NotEmpty(t, ev.ID)
		p, ok := ev.Payload.(events.DeviceStatusChanged)
		require.True(t, ok)
		assert.Equal(t, int64(7), p.DeviceID)
	}
}

func TestBus_PublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	for i := 0; i < 10; i++ {
		bus.Publish(events.KindSyncCompleted, events.SyncCompleted{DeviceID: int64(i)})
	}

	ev := <-ch
	assert.Equal(t, int64(0), ev.Payload.(events.SyncCompleted).DeviceID)
	assert.Len(t, ch, 0)
	assert.Equal(t, uint64(9), bus.Dropped())
}

func TestBus_CancelClosesChannelAndIsIdempotent(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic on the closed channel.
	bus.Publish(events.KindAccessLogCreated, events.AccessLogCreated{})
}

func TestBus_KindFilterSurvivesFloodOfOtherKinds(t *testing.T) {
	bus := events.NewBus()
	status, cancelStatus := bus.Subscribe(1, events.KindDeviceStatusChanged)
	defer cancelStatus()
	all, cancelAll := bus.Subscribe(1)
	defer cancelAll()

	for i := 0; i < 500; i++ {
		bus.Publish(events.KindAccessLogCreated, events.AccessLogCreated{AccessLogID: int64(i)})
	}
	bus.Publish(events.KindDeviceStatusChanged, events.DeviceStatusChanged{DeviceID: 3, Online: false})

	require.Len(t, status, 1)
	ev := <-status
	assert.Equal(t, events.KindDeviceStatusChanged, ev.Kind)
	assert.Equal(t, int64(3), ev.Payload.(events.DeviceStatusChanged).DeviceID)

	// Only the unfiltered subscriber lost anything: 499 logs plus the status.
	assert.Equal(t, uint64(500), bus.Dropped())
	assert.Equal(t, int64(0), (<-all).Payload.(events.AccessLogCreated).AccessLogID)
}

package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusDeliversToRunSubscribersOnly(t *testing.T) {
	bus := NewBus()

	chA, cancelA := bus.Subscribe("run-a")
	defer cancelA()
	chB, cancelB := bus.Subscribe("run-b")
	defer cancelB()

	bus.Publish(RunEvent{RunID: "run-a", Stage: "planning", Kind: "stage"})

	ev := <-chA
	require.Equal(t, "run-a", ev.RunID)
	require.Equal(t, "planning", ev.Stage)
	require.False(t, ev.Timestamp.IsZero())
	require.Empty(t, chB)
}

func TestBusPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe("run-a")
	defer cancel()

	// Fill the subscriber buffer and keep publishing. The overflow must be
	// dropped, not block the publisher.
	for i := 0; i < 200; i++ {
		bus.Publish(RunEvent{RunID: "run-a", Kind: "stage"})
	}
	require.Len(t, ch, cap(ch))
}

func TestBusCancelStopsDelivery(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe("run-a")
	cancel()

	bus.Publish(RunEvent{RunID: "run-a", Kind: "stage"})
	require.Empty(t, ch)
}

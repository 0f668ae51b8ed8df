package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

func sampleEvent(id string, action types.ActionType) types.EntitlementEvent {
	return types.EntitlementEvent{
		TriggerEventID: id,
		PaymentID:      "pay-1",
		UserID:         "user-1",
		Rail:           types.RailLightning,
		Action:         action,
		Amount:         "1000",
		OccurredAt:     time.Now(),
	}
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	loyalty := bus.Subscribe("loyalty")
	analytics := bus.Subscribe("analytics")

	ev := sampleEvent("ev-1", types.ActionActivateSubscription)
	require.NoError(t, bus.Publish(context.Background(), ev))

	got := <-loyalty
	assert.Equal(t, "ev-1", got.TriggerEventID)
	got = <-analytics
	assert.Equal(t, "ev-1", got.TriggerEventID)
}

func TestBus_ResubscribeReplacesChannel(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	old := bus.Subscribe("loyalty")
	replacement := bus.Subscribe("loyalty")

	// The old channel is closed, the replacement receives.
	_, ok := <-old
	assert.False(t, ok)

	require.NoError(t, bus.Publish(context.Background(), sampleEvent("ev-1", types.ActionEnqueueMint)))
	got := <-replacement
	assert.Equal(t, "ev-1", got.TriggerEventID)
}

func TestBus_PublishBlocksUntilContextCancelled(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	bus.Subscribe("slow")

	// Fill the queue; the next publish has nowhere to go.
	require.NoError(t, bus.Publish(context.Background(), sampleEvent("ev-1", types.ActionSettlePOS)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, sampleEvent("ev-2", types.ActionSettlePOS))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBus_PublishAfterCloseIsNoOp(t *testing.T) {
	bus := NewBus(4)
	ch := bus.Subscribe("loyalty")
	bus.Close()

	require.NoError(t, bus.Publish(context.Background(), sampleEvent("ev-1", types.ActionSettlePOS)))

	_, ok := <-ch
	assert.False(t, ok)
}

func TestBus_CloseIdempotent(t *testing.T) {
	bus := NewBus(4)
	bus.Subscribe("loyalty")
	bus.Close()
	bus.Close()
}

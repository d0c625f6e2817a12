package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crewflow/crewflow/runtime/agent/run"
	"github.com/crewflow/crewflow/runtime/agent/stage"
)

func TestBusPublishFanOut(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		count++
		return nil
	})
	_, err := bus.Register(sub)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, NewStageStartEvent("run1", stage.Coordinator, 1)))
	require.NoError(t, bus.Publish(ctx, NewRunCompletedEvent("run1", stage.Coordinator, 1, run.StatusCompleted, nil, nil)))
	require.Equal(t, 2, count)
}

func TestBusDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var order []int
	for i := range 5 {
		_, err := bus.Register(SubscriberFunc(func(context.Context, Event) error {
			order = append(order, i)
			return nil
		}))
		require.NoError(t, err)
	}
	require.NoError(t, bus.Publish(context.Background(), NewStageStartEvent("r", stage.Planner, 1)))
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestBusStopsAtFirstError(t *testing.T) {
	bus := NewBus()
	boom := errors.New("boom")
	reached := false
	_, _ = bus.Register(SubscriberFunc(func(context.Context, Event) error { return boom }))
	_, _ = bus.Register(SubscriberFunc(func(context.Context, Event) error {
		reached = true
		return nil
	}))
	err := bus.Publish(context.Background(), NewStageStartEvent("r", stage.Planner, 1))
	require.ErrorIs(t, err, boom)
	require.False(t, reached)
}

func TestBusRegisterNil(t *testing.T) {
	bus := NewBus()
	_, err := bus.Register(nil)
	require.Error(t, err)
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		count++
		return nil
	})
	subscription, err := bus.Register(sub)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, NewStageStartEvent("run1", stage.Coordinator, 1)))
	require.NoError(t, subscription.Close())
	require.NoError(t, subscription.Close())
	require.NoError(t, bus.Publish(ctx, NewStageEndEvent("run1", stage.Coordinator, 1, stage.End, 0, nil)))
	require.Equal(t, 1, count)
}

func TestEventAccessors(t *testing.T) {
	evt := NewGenerationTokenEvent("run1", stage.Coordinator, 3, "he", "")
	require.Equal(t, GenerationToken, evt.Type())
	require.Equal(t, "run1", evt.RunID())
	require.Equal(t, stage.Coordinator, evt.Stage())
	require.Equal(t, 3, evt.Step())
	require.Positive(t, evt.Timestamp())
}

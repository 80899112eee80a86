package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestBusDeliversToRunAndWildcardSubscribers(t *testing.T) {
	bus := NewBus()
	run := bus.Subscribe("run-1")
	defer run.Close()
	all := bus.Subscribe("")
	defer all.Close()

	bus.Publish(Event{Type: RunStarted, RunID: "run-1", Sequence: 1})
	bus.Publish(Event{Type: RunStarted, RunID: "run-2", Sequence: 1})

	got := receive(t, run.Events)
	require.Equal(t, "run-1", got.RunID)
	require.Equal(t, RunStarted, got.Type)

	require.Equal(t, "run-1", receive(t, all.Events).RunID)
	require.Equal(t, "run-2", receive(t, all.Events).RunID)

	select {
	case extra := <-run.Events:
		t.Fatalf("unexpected event for run-1 subscriber: %+v", extra)
	default:
	}
}

func TestBusReplaysBacklogToFirstSubscriber(t *testing.T) {
	bus := NewBus(WithBacklogLimit(2))
	for seq := uint64(1); seq <= 3; seq++ {
		bus.Publish(Event{Type: StepDispatched, RunID: "late", Sequence: seq})
	}
	sub := bus.Subscribe("late")
	defer sub.Close()

	require.Equal(t, uint64(2), receive(t, sub.Events).Sequence)
	require.Equal(t, uint64(3), receive(t, sub.Events).Sequence)

	second := bus.Subscribe("late")
	defer second.Close()
	select {
	case ev := <-second.Events:
		t.Fatalf("backlog replayed twice: %+v", ev)
	default:
	}
}

func TestBusDropsOldestAndLogs(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	bus := NewBus(WithSubscriberCapacity(2), WithLogger(zap.New(core)))
	sub := bus.Subscribe("run")
	defer sub.Close()

	for seq := uint64(1); seq <= 3; seq++ {
		bus.Publish(Event{Type: StepCompleted, RunID: "run", Sequence: seq})
	}

	require.Equal(t, uint64(2), receive(t, sub.Events).Sequence)
	require.Equal(t, uint64(3), receive(t, sub.Events).Sequence)
	require.Equal(t, 1, logs.FilterMessage("event dropped for slow subscriber").Len())
}

func TestBusKeepsTerminalEventOnOverflow(t *testing.T) {
	bus := NewBus(WithSubscriberCapacity(1))
	sub := bus.Subscribe("run")
	defer sub.Close()

	bus.Publish(Event{Type: RunCompleted, RunID: "run", Sequence: 9})
	bus.Publish(Event{Type: StepSkipped, RunID: "run", Sequence: 10})

	got := receive(t, sub.Events)
	require.Equal(t, RunCompleted, got.Type)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("run")
	sub.Close()
	sub.Close()

	_, ok := <-sub.Events
	require.False(t, ok)
	bus.Publish(Event{Type: RunFailed, RunID: "run"})
}

func TestPublisherFuncAndDiscard(t *testing.T) {
	var seen []Type
	p := PublisherFunc(func(e Event) { seen = append(seen, e.Type) })
	p.Publish(Event{Type: GateEvaluated})
	Discard.Publish(Event{Type: GateEvaluated})
	require.Equal(t, []Type{GateEvaluated}, seen)
	require.True(t, RunFailed.Terminal())
	require.False(t, StepFailed.Terminal())
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

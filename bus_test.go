package deckhand

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan RunEvent) RunEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return RunEvent{}
	}
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewStreamBus()
	events, unsub := bus.Subscribe("run-1")
	defer unsub()

	bus.Emit(StatusEvent("run-1", StatusRunning, ""))
	bus.Emit(StepEvent("run-1", "n1", NodeTool, StageStart, 0, ""))
	bus.Emit(StepEvent("run-1", "n1", NodeTool, StageComplete, 12, ""))

	if ev := recv(t, events); ev.Type != RunEventStatus || ev.Status != StatusRunning {
		t.Errorf("first = %+v", ev)
	}
	if ev := recv(t, events); ev.Stage != StageStart {
		t.Errorf("second = %+v", ev)
	}
	if ev := recv(t, events); ev.Stage != StageComplete || ev.DurationMS != 12 {
		t.Errorf("third = %+v", ev)
	}
}

func TestBusIsolatesRuns(t *testing.T) {
	bus := NewStreamBus()
	one, unsubOne := bus.Subscribe("run-1")
	defer unsubOne()
	two, unsubTwo := bus.Subscribe("run-2")
	defer unsubTwo()

	bus.Emit(StatusEvent("run-2", StatusCompleted, ""))

	if ev := recv(t, two); ev.RunID != "run-2" {
		t.Errorf("run-2 event = %+v", ev)
	}
	select {
	case ev := <-one:
		t.Errorf("run-1 received foreign event %+v", ev)
	default:
	}
}

func TestBusCachesLatestStatus(t *testing.T) {
	bus := NewStreamBus()
	bus.Emit(StatusEvent("run-1", StatusRunning, ""))
	bus.Emit(StepEvent("run-1", "n1", NodeTool, StageStart, 0, ""))
	bus.Emit(StatusEvent("run-1", StatusFailed, "boom"))

	ev, ok := bus.Latest("run-1")
	if !ok || ev.Status != StatusFailed || ev.Error != "boom" {
		t.Errorf("latest = %+v ok=%v", ev, ok)
	}

	bus.Forget("run-1")
	if _, ok := bus.Latest("run-1"); ok {
		t.Error("latest survived Forget")
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewStreamBus(WithBusBuffer(1))
	events, unsub := bus.Subscribe("run-1")
	defer unsub()

	// Nobody is draining: the second emit must drop, not block.
	done := make(chan struct{})
	go func() {
		bus.Emit(StepEvent("run-1", "n1", NodeTool, StageStart, 0, ""))
		bus.Emit(StepEvent("run-1", "n2", NodeTool, StageStart, 0, ""))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full subscriber")
	}

	if ev := recv(t, events); ev.NodeID != "n1" {
		t.Errorf("kept event = %+v", ev)
	}
	select {
	case ev := <-events:
		t.Errorf("dropped event delivered: %+v", ev)
	default:
	}
}

func TestBusUnsubscribeIdempotent(t *testing.T) {
	bus := NewStreamBus()
	events, unsub := bus.Subscribe("run-1")
	unsub()
	unsub()

	if _, open := <-events; open {
		t.Error("channel still open after unsubscribe")
	}
	// Emitting after unsubscribe must not panic.
	bus.Emit(StatusEvent("run-1", StatusCompleted, ""))
}

func TestBusIgnoresEmptyRunID(t *testing.T) {
	bus := NewStreamBus()
	bus.Emit(RunEvent{Type: RunEventStatus, Status: StatusRunning})
	if _, ok := bus.Latest(""); ok {
		t.Error("cached an event with no run id")
	}
}

package event

import (
	"testing"
)

func TestBusDeliversMatchingTypes(t *testing.T) {
	bus := NewBus(nil)
	var all, archived []Type
	bus.Subscribe(func(e Event) { all = append(all, e.Type) })
	bus.Subscribe(func(e Event) { archived = append(archived, e.Type) }, MemoryArchived)

	bus.Publish(Event{Type: MemoryArchived})
	bus.Publish(Event{Type: SwarmAgentAdded})

	if len(all) != 2 {
		t.Errorf("catch-all got %v", all)
	}
	if len(archived) != 1 || archived[0] != MemoryArchived {
		t.Errorf("filtered got %v", archived)
	}
}

func TestBusStampsEvents(t *testing.T) {
	bus := NewBus(nil)
	var got Event
	bus.Subscribe(func(e Event) { got = e })
	bus.Publish(Event{Type: TaskCompleted})
	if got.ID == "" || got.Timestamp.IsZero() {
		t.Errorf("event not stamped: %+v", got)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	n := 0
	unsub := bus.Subscribe(func(Event) { n++ })
	bus.Publish(Event{Type: TaskCompleted})
	unsub()
	bus.Publish(Event{Type: TaskCompleted})
	if n != 1 {
		t.Errorf("delivered %d times, want 1", n)
	}
}

func TestBusRecoversListenerPanic(t *testing.T) {
	bus := NewBus(nil)
	reached := false
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(Event) { reached = true })
	bus.Publish(Event{Type: MemoryPruned})
	if !reached {
		t.Error("second listener not reached after panic")
	}
}

func TestNilBusPublish(t *testing.T) {
	var bus *Bus
	bus.Publish(Event{Type: MemoryPruned})
}

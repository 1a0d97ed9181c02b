package store

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestBus_RegistrationOrder(t *testing.T) {
	bus := NewBus(quietLogger())

	var order []string
	bus.Subscribe("orders", func(Change) { order = append(order, "a") })
	bus.Subscribe(AllCollections, func(Change) { order = append(order, "all") })
	bus.Subscribe("orders", func(Change) { order = append(order, "b") })

	bus.Publish(Change{Collection: "orders", Op: OpCreate})

	if got := strings.Join(order, ","); got != "a,all,b" {
		t.Errorf("delivery order = %s, want a,all,b", got)
	}
}

func TestBus_PanicIsolated(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(log.New(&buf, "", 0))

	reached := false
	bus.Subscribe("orders", func(Change) { panic("subscriber bug") })
	bus.Subscribe("orders", func(Change) { reached = true })

	bus.Publish(Change{Collection: "orders", Op: OpUpdate})

	if !reached {
		t.Error("second subscriber not invoked after first panicked")
	}
	if !strings.Contains(buf.String(), "subscriber bug") {
		t.Errorf("panic not logged, log = %q", buf.String())
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(quietLogger())

	calls := 0
	unsubscribe := bus.Subscribe("orders", func(Change) { calls++ })
	other := bus.Subscribe("orders", func(Change) {})

	bus.Publish(Change{Collection: "orders"})
	unsubscribe()
	unsubscribe()
	bus.Publish(Change{Collection: "orders"})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if got := bus.Len("orders"); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
	other()
	if got := bus.Len("orders"); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
}

func TestBus_UnsubscribeDuringDelivery(t *testing.T) {
	bus := NewBus(quietLogger())

	var second int
	var unsubscribe func()
	unsubscribe = bus.Subscribe("orders", func(Change) { unsubscribe() })
	bus.Subscribe("orders", func(Change) { second++ })

	bus.Publish(Change{Collection: "orders"})
	bus.Publish(Change{Collection: "orders"})

	if second != 2 {
		t.Errorf("second subscriber calls = %d, want 2", second)
	}
	if got := bus.Len("orders"); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestBus_CollectionFilter(t *testing.T) {
	bus := NewBus(quietLogger())

	var orders, all int
	bus.Subscribe("orders", func(Change) { orders++ })
	bus.Subscribe(AllCollections, func(Change) { all++ })

	bus.Publish(Change{Collection: "writers"})
	bus.Publish(Change{Collection: "orders"})

	if orders != 1 {
		t.Errorf("orders subscriber calls = %d, want 1", orders)
	}
	if all != 2 {
		t.Errorf("catch-all subscriber calls = %d, want 2", all)
	}
}

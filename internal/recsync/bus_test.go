package recsync

import "testing"

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	first, cancelFirst := bus.Subscribe(4)
	defer cancelFirst()
	second, cancelSecond := bus.Subscribe(4)
	defer cancelSecond()

	bus.Publish(Change{Kind: ChangeCreated, Category: CategoryInvitation, ID: "i1"})

	for _, ch := range []<-chan Change{first, second} {
		select {
		case change := <-ch:
			if change.ID != "i1" || change.Kind != ChangeCreated {
				t.Fatalf("unexpected change: %+v", change)
			}
		default:
			t.Fatalf("subscriber missed a buffered change")
		}
	}
}

func TestBusDropsWhenSubscriberLags(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Change{Kind: ChangeCreated, ID: "first"})
	bus.Publish(Change{Kind: ChangeCreated, ID: "second"})

	change := <-ch
	if change.ID != "first" {
		t.Fatalf("expected first change retained, got %s", change.ID)
	}
	select {
	case extra := <-ch:
		t.Fatalf("overflow change should have been dropped, got %+v", extra)
	default:
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("cancelled subscription channel should be closed")
	}
	// Cancel twice and publish after cancel; both must be safe.
	cancel()
	bus.Publish(Change{Kind: ChangeRemoved, ID: "r1"})
}

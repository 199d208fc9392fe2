package bus

import "testing"

func TestEventTopics_Constants(t *testing.T) {
	for _, topic := range []string{
		TopicPendingProxy,
		TopicSeatAvailable,
		TopicSeatClaimed,
		TopicSeatReleased,
		TopicOpsAlert,
	} {
		if topic == "" {
			t.Fatal("topic constant must not be empty")
		}
	}
}

func TestBus_SeatAvailableEventIntendedWaiterRouting(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicSeatAvailable)
	defer b.Unsubscribe(sub)

	b.Publish(TopicSeatAvailable, SeatAvailableEvent{SpecID: "spec1", IntendedProxyID: "p2"})

	select {
	case event := <-sub.Ch():
		evt, ok := event.Payload.(SeatAvailableEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", event.Payload)
		}
		if evt.SpecID != "spec1" || evt.IntendedProxyID != "p2" {
			t.Fatalf("unexpected event %+v", evt)
		}
	default:
		t.Fatal("expected buffered event")
	}
}

func TestOpsAlert_Fields(t *testing.T) {
	a := OpsAlert{SpecID: "spec1", ProxyID: "p1", Reason: "ProxyFailedToStart", Message: "no seat available"}
	if a.SpecID == "" || a.ProxyID == "" || a.Reason == "" || a.Message == "" {
		t.Fatalf("all fields expected to be set: %+v", a)
	}
}

package events

import (
	"testing"
	"time"
)

func TestPublishTargetsParties(t *testing.T) {
	b := NewBus(4)
	p1 := b.Subscribe("p1")
	p2 := b.Subscribe("p2")
	defer p1.Close()
	defer p2.Close()

	n := b.Publish(Event{Type: RideStatusChanged, Payload: "x"}, "p1")
	if n != 1 {
		t.Fatalf("delivered to %d", n)
	}
	select {
	case evt := <-p1.C:
		if evt.Type != RideStatusChanged || evt.At.IsZero() {
			t.Fatalf("unexpected event %+v", evt)
		}
	default:
		t.Fatal("p1 got nothing")
	}
	select {
	case evt := <-p2.C:
		t.Fatalf("p2 should not receive %+v", evt)
	default:
	}
}

func TestWatchersAndFirehoseReceiveEverything(t *testing.T) {
	b := NewBus(4)
	w := b.Subscribe(Watchers)
	all := b.SubscribeAll()
	defer w.Close()
	defer all.Close()

	b.Publish(Event{Type: DriverMoved}, "someone")
	b.Publish(Event{Type: NewRideRequest})
	if len(w.C) != 2 || len(all.C) != 2 {
		t.Fatalf("watchers=%d firehose=%d", len(w.C), len(all.C))
	}
}

func TestDuplicatePartiesDeliverOnce(t *testing.T) {
	b := NewBus(4)
	s := b.Subscribe("d1")
	defer s.Close()
	b.Publish(Event{Type: RideStatusChanged}, "d1", "d1", "")
	if len(s.C) != 1 {
		t.Fatalf("got %d copies", len(s.C))
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := NewBus(1)
	slow := b.Subscribe("slow")
	fast := b.Subscribe("fast")
	defer slow.Close()
	defer fast.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: DriverMoved}, "slow")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	if len(slow.C) != 1 {
		t.Fatalf("expected buffer of 1 to be full, got %d", len(slow.C))
	}
	b.Publish(Event{Type: DriverMoved}, "fast")
	if len(fast.C) != 1 {
		t.Fatal("fast subscriber starved by slow one")
	}
}

func TestCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	b := NewBus(2)
	s := b.Subscribe("p1")
	s.Close()
	s.Close()
	if _, ok := <-s.C; ok {
		t.Fatal("channel should be closed")
	}
	if b.Subscribers("p1") != 0 {
		t.Fatal("subscription still registered")
	}
	if n := b.Publish(Event{Type: RideStatusChanged}, "p1"); n != 0 {
		t.Fatalf("delivered %d after close", n)
	}
}

func TestBroadcastReachesEveryPartyButTheOrigin(t *testing.T) {
	b := NewBus(4)
	origin := b.Subscribe("d1")
	idle := b.Subscribe("p-idle")
	other := b.Subscribe("d2")
	w := b.Subscribe(Watchers)
	all := b.SubscribeAll()
	for _, s := range []*Subscription{origin, idle, other, w, all} {
		defer s.Close()
	}

	n := b.Broadcast(Event{Type: DriverMoved, Key: "d1"}, "d1")
	if n != 4 {
		t.Fatalf("delivered to %d, want 4", n)
	}
	if len(origin.C) != 0 {
		t.Fatal("origin received its own broadcast")
	}
	if len(idle.C) != 1 || len(other.C) != 1 || len(w.C) != 1 || len(all.C) != 1 {
		t.Fatalf("idle=%d other=%d watchers=%d firehose=%d", len(idle.C), len(other.C), len(w.C), len(all.C))
	}
}

package events

import (
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

type Type string

const (
	DriverMoved       Type = "driver_moved"
	RideStatusChanged Type = "ride_status_changed"
	NewRideRequest    Type = "new_ride_request"
)

// Watchers is the party id for subscribers that want every event, such as
// the admin live map.
const Watchers = "*watchers"

type Event struct {
	Type    Type      `json:"type"`
	Key     string    `json:"key,omitempty"` // entity id the event is about
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

type DriverMovedPayload struct {
	DriverID string  `json:"driverId"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	RideID   string  `json:"rideId,omitempty"` // set while the driver is on an accepted ride
}

// Bus fans events out to subscribers keyed by party id, or to every party
// for broadcasts. Delivery is
// best-effort: a full subscriber buffer drops the event for that
// subscriber only, and Publish never blocks.
type Bus struct {
	mu       sync.RWMutex
	parties  map[string]map[*Subscription]struct{}
	firehose map[*Subscription]struct{}
	buffer   int
}

type Subscription struct {
	Party string
	C     <-chan Event

	ch     chan Event
	bus    *Bus
	all    bool
	closed bool
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		parties:  make(map[string]map[*Subscription]struct{}),
		firehose: make(map[*Subscription]struct{}),
		buffer:   buffer,
	}
}

// Subscribe registers interest in events addressed to party.
func (b *Bus) Subscribe(party string) *Subscription {
	s := b.newSubscription(party, false)
	b.mu.Lock()
	set, ok := b.parties[party]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.parties[party] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// SubscribeAll receives every published event regardless of recipients.
func (b *Bus) SubscribeAll() *Subscription {
	s := b.newSubscription("", true)
	b.mu.Lock()
	b.firehose[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) newSubscription(party string, all bool) *Subscription {
	ch := make(chan Event, b.buffer)
	return &Subscription{Party: party, C: ch, ch: ch, bus: b, all: all}
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.all {
		delete(b.firehose, s)
	} else if set, ok := b.parties[s.Party]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.parties, s.Party)
		}
	}
	close(s.ch)
}

// Publish delivers evt to every subscription of the given parties, to
// watchers, and to firehose subscribers. Each subscription gets the event
// at most once. It returns the number of subscriptions that accepted it.
func (b *Bus) Publish(evt Event, parties ...string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d := b.newDelivery(evt)
	for _, p := range parties {
		if p == "" {
			continue
		}
		for s := range b.parties[p] {
			d.offer(s)
		}
	}
	return d.finish(b)
}

// Broadcast delivers evt to every connected party except exclude, the
// party the event originated from.
func (b *Bus) Broadcast(evt Event, exclude string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d := b.newDelivery(evt)
	for p, set := range b.parties {
		if p == exclude && p != Watchers {
			continue
		}
		for s := range set {
			d.offer(s)
		}
	}
	return d.finish(b)
}

type delivery struct {
	evt       Event
	seen      map[*Subscription]struct{}
	delivered int
}

func (b *Bus) newDelivery(evt Event) *delivery {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	return &delivery{evt: evt, seen: make(map[*Subscription]struct{})}
}

func (d *delivery) offer(s *Subscription) {
	if _, dup := d.seen[s]; dup {
		return
	}
	d.seen[s] = struct{}{}
	select {
	case s.ch <- d.evt:
		d.delivered++
	default:
		observability.EventsDropped.WithLabelValues(string(d.evt.Type)).Inc()
	}
}

// finish adds watchers and firehose subscribers. Callers hold b.mu.
func (d *delivery) finish(b *Bus) int {
	for s := range b.parties[Watchers] {
		d.offer(s)
	}
	for s := range b.firehose {
		d.offer(s)
	}
	observability.EventsPublished.WithLabelValues(string(d.evt.Type)).Add(float64(d.delivered))
	return d.delivered
}

// Subscribers reports how many subscriptions exist for party.
func (b *Bus) Subscribers(party string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.parties[party])
}

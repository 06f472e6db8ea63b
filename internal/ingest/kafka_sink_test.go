package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/events"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	fail bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker down")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func newSink(w messageWriter) *KafkaSink {
	return &KafkaSink{writer: w, logger: slog.New(slog.NewTextHandler(io.Discard, nil)), timeout: time.Second}
}

func TestRunForwardsBusEvents(t *testing.T) {
	w := &fakeWriter{}
	bus := events.NewBus(8)
	sub := bus.SubscribeAll()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { newSink(w).Run(ctx, sub); close(done) }()

	bus.Publish(events.Event{Type: events.DriverMoved, Key: "d1", Payload: events.DriverMovedPayload{DriverID: "d1", Lat: 1, Lng: 2}})
	deadline := time.After(time.Second)
	for w.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("event never reached kafka")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	w.mu.Lock()
	msg := w.msgs[0]
	w.mu.Unlock()
	if string(msg.Key) != "d1" {
		t.Fatalf("key = %q", msg.Key)
	}
	var decoded struct {
		Type    events.Type               `json:"type"`
		Payload events.DriverMovedPayload `json:"payload"`
	}
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != events.DriverMoved || decoded.Payload.Lng != 2 {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestRunSurvivesWriteFailures(t *testing.T) {
	w := &fakeWriter{fail: true}
	bus := events.NewBus(8)
	sub := bus.SubscribeAll()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { newSink(w).Run(ctx, sub); close(done) }()

	bus.Publish(events.Event{Type: events.NewRideRequest, Key: "r1"})
	bus.Publish(events.Event{Type: events.NewRideRequest, Key: "r2"})
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sink did not stop")
	}
}

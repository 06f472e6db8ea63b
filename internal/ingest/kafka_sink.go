package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/events"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards bus events to a Kafka topic keyed by entity id, so
// per-driver and per-ride ordering is kept within a partition.
type KafkaSink struct {
	writer  messageWriter
	logger  *slog.Logger
	timeout time.Duration
}

func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return &KafkaSink{writer: w, logger: logger, timeout: 2 * time.Second}
}

func (k *KafkaSink) Publish(ctx context.Context, evt events.Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(evt.Key), Value: b, Time: evt.At})
}

// Run drains sub until ctx is done or the subscription closes. Write
// failures are logged and the event is dropped.
func (k *KafkaSink) Run(ctx context.Context, sub *events.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if err := k.Publish(ctx, evt); err != nil && ctx.Err() == nil {
				k.logger.Warn("kafka publish failed", "type", evt.Type, "key", evt.Key, "error", err)
			}
		}
	}
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

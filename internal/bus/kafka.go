package bus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// KafkaBackend appends bus messages to Kafka topics. Each consumer joins a
// fresh group anchored at the log tail, so only messages appended after it
// starts are delivered.
type KafkaBackend struct {
	brokers []string
	writer  *kafka.Writer
}

func NewKafkaBackend(brokers []string) *KafkaBackend {
	return &KafkaBackend{
		brokers: brokers,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 250 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
	}
}

func (k *KafkaBackend) Publish(ctx context.Context, topic string, payload []byte) error {
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Value: payload,
		Time:  time.Now().UTC(),
	})
}

func (k *KafkaBackend) Consume(ctx context.Context, topic string, deliver func(payload []byte)) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.brokers,
		Topic:          topic,
		GroupID:        "control-tower-" + uuid.NewString(),
		StartOffset:    kafka.LastOffset,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        time.Second,
	})
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}
		deliver(msg.Value)
	}
}

func (k *KafkaBackend) Close() error {
	return k.writer.Close()
}

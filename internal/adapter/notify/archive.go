package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaArchiver mirrors bus events to a Kafka topic keyed by
// conversation id, for offline analysis of research runs. Delivery is
// fire-and-forget: archive failures never affect the publishing job.
type KafkaArchiver struct {
	client *kgo.Client
	topic  string
}

// NewKafkaArchiver connects a producer to the given brokers.
func NewKafkaArchiver(brokers []string, topic string) (*KafkaArchiver, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=notify.archiver: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("op=notify.archiver: %w", err)
	}
	slog.Info("event archiver connected", slog.Any("brokers", brokers), slog.String("topic", topic))
	return &KafkaArchiver{client: client, topic: topic}, nil
}

// Archive produces one event record asynchronously.
func (a *KafkaArchiver) Archive(ctx context.Context, conversationID string, raw []byte) {
	rec := &kgo.Record{Topic: a.topic, Key: []byte(conversationID), Value: raw}
	a.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Warn("event archive produce failed",
				slog.String("conversation_id", conversationID), slog.Any("error", err))
		}
	})
}

// Close flushes pending records and releases the client.
func (a *KafkaArchiver) Close() {
	_ = a.client.Flush(context.Background())
	a.client.Close()
}

package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"clicktrail/internal/model"
)

// KafkaTransport publishes each batch as a single JSON array message keyed by user id.
type KafkaTransport struct {
	writer *kafka.Writer
}

func NewKafkaTransport(brokers []string, topic string) (*KafkaTransport, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka transport requires brokers and topic")
	}
	return &KafkaTransport{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}, nil
}

func (t *KafkaTransport) Send(ctx context.Context, records []model.Record) error {
	if len(records) == 0 {
		return ErrEmptyBatch
	}
	value, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	msg := kafka.Message{Key: []byte(records[0].UserID), Value: value}
	if err := t.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

func (t *KafkaTransport) Close() error {
	return t.writer.Close()
}

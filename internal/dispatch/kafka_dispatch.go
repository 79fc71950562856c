package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/example/coupon-reminders/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPresenter publishes every presented notification to an audit topic
// keyed by tag, so consumers can compact on it.
type KafkaPresenter struct {
	writer messageWriter
}

func NewKafkaPresenter(brokers []string, topic string) *KafkaPresenter {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaPresenter{writer: w}
}

func (k *KafkaPresenter) Permission(context.Context) models.PermissionState {
	return models.PermissionGranted
}

func (k *KafkaPresenter) RequestPermission(context.Context) (models.PermissionState, error) {
	return models.PermissionGranted, nil
}

func (k *KafkaPresenter) Present(ctx context.Context, n models.Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(n.Tag), Value: b}); err != nil {
		return fmt.Errorf("publish notification %s: %w", n.Tag, err)
	}
	return nil
}

func (k *KafkaPresenter) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

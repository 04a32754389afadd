package repository

import (
	"context"

	"TradePipe/internal/domain/models"
	domrepo "TradePipe/internal/domain/repository"
)

// KeyedProducer is the part of pkg/kafka.Producer the publisher uses.
type KeyedProducer interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
}

// KafkaPublisher ships domain events to one topic, keyed by the event key so
// one session's events stay ordered.
type KafkaPublisher struct {
	producer KeyedProducer
	topic    string
}

func NewKafkaPublisher(producer KeyedProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) PublishEvent(ctx context.Context, e models.Event) error {
	var key []byte
	if e.Key != "" {
		key = []byte(e.Key)
	}
	return p.producer.Publish(ctx, p.topic, key, e)
}

// NopPublisher drops events. Used when Kafka is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishEvent(context.Context, models.Event) error { return nil }

var (
	_ domrepo.EventPublisher = (*KafkaPublisher)(nil)
	_ domrepo.EventPublisher = NopPublisher{}
)

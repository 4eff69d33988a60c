package kafka

import (
	"context"

	"github.com/weiawesome/wes-chat/internal/domain"
)

// MessageProducer publishes stored chat messages for downstream consumers.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, msg *domain.Message) error
	Close() error
}

// NoopProducer is used when no broker is configured.
type NoopProducer struct{}

func (NoopProducer) ProduceMessage(context.Context, *domain.Message) error { return nil }

func (NoopProducer) Close() error { return nil }

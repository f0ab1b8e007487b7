package webhooks

import (
	"context"
	"time"

	"github.com/google/uuid"

	"streamhooks/internal/broker"
	"streamhooks/internal/model"
)

// Publisher is the producer-side helper: it stamps a domain event and
// publishes it both to the internal trigger topic and to the delivery
// engine's topic.
type Publisher struct {
	Broker broker.Broker
}

func NewPublisher(b broker.Broker) *Publisher {
	return &Publisher{Broker: b}
}

// Emit publishes one event. Fills in id and creation time when the caller
// left them zero.
func (p *Publisher) Emit(ctx context.Context, msg model.EventMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}
	if err := p.Broker.Publish(ctx, broker.InternalRoutingKey(msg.Event), &msg); err != nil {
		return err
	}
	return p.Broker.Publish(ctx, broker.EventRoutingKey(msg.Event), &msg)
}

package messaging

import (
	"context"
	"time"
)

// EventPublisher publishes domain events to a single broker channel.
type EventPublisher struct {
	broker  Broker
	channel string
	now     func() time.Time
}

func NewEventPublisher(broker Broker, channel string) *EventPublisher {
	if channel == "" {
		channel = "deadline-sync.events"
	}
	return &EventPublisher{broker: broker, channel: channel, now: time.Now}
}

func (p *EventPublisher) Publish(ctx context.Context, eventType string, payload interface{}) error {
	return p.broker.Publish(ctx, p.channel, Message{
		Type:       eventType,
		Payload:    payload,
		OccurredAt: p.now().UTC(),
	})
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, interface{}) error { return nil }

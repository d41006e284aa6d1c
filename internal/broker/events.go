package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"marketplace-fulfillment/internal/models"
	"marketplace-fulfillment/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher is the Kafka notification transport
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// Publish writes the event keyed by its partition key
func (ep *EventPublisher) Publish(ctx context.Context, event models.Event) error {
	return ep.producer.PublishEvent(ctx, event.PartitionKey(), event)
}

// GatewayEventHandler is what consumed gateway events are handed to
type GatewayEventHandler interface {
	Handle(ctx context.Context, event *models.PaymentGatewayEvent) error
}

// EventHandler decodes payment gateway messages
type EventHandler struct {
	gateway GatewayEventHandler
	logger  *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler(gateway GatewayEventHandler) *EventHandler {
	return &EventHandler{gateway: gateway, logger: util.Component("events")}
}

// HandleMessage decodes msg and passes it on. Undecodable messages are
// logged and skipped; retrying them cannot succeed.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.PaymentGatewayEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		eh.logger.Error("Dropping undecodable gateway message",
			zap.ByteString("key", msg.Key),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	if event.EventID == "" || event.EventType == "" {
		eh.logger.Error("Dropping gateway message without id or type",
			zap.ByteString("key", msg.Key),
			zap.Int64("offset", msg.Offset))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", event.EventType),
		zap.String("event_id", event.EventID))

	if err := eh.gateway.Handle(ctx, &event); err != nil {
		return fmt.Errorf("gateway event %s: %w", event.EventID, err)
	}
	return nil
}

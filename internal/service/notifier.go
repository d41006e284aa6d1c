package service

import (
	"context"

	"marketplace-fulfillment/internal/models"
	"marketplace-fulfillment/internal/util"

	"go.uber.org/zap"
)

// Notifier delivers core events to the notification collaborator
type Notifier interface {
	Publish(ctx context.Context, event models.Event) error
}

// NopNotifier drops every event
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, models.Event) error { return nil }

// emitter publishes events gathered during a transaction once it has
// committed. Delivery failures are logged and never reach the caller.
type emitter struct {
	notifier Notifier
	logger   *zap.Logger
}

func newEmitter(n Notifier) emitter {
	if n == nil {
		n = NopNotifier{}
	}
	return emitter{notifier: n, logger: util.GetLogger()}
}

func (e emitter) emit(ctx context.Context, events ...models.Event) {
	for _, ev := range events {
		if err := e.notifier.Publish(ctx, ev); err != nil {
			util.NotificationFailuresTotal.WithLabelValues(ev.Name()).Inc()
			e.logger.Warn("Failed to publish notification",
				zap.String("event_type", ev.Name()),
				zap.String("key", ev.PartitionKey()),
				zap.Error(err))
		}
	}
}

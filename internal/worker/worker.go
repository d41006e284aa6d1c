package worker

import (
	"context"

	"marketplace-fulfillment/internal/broker"
	"marketplace-fulfillment/internal/service"
	"marketplace-fulfillment/internal/util"

	"go.uber.org/zap"
)

// PaymentEventWorker consumes payment gateway callbacks and applies them to
// order payment status and refunds
type PaymentEventWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewPaymentEventWorker creates a new payment event worker
func NewPaymentEventWorker(consumer *broker.Consumer, gateway *service.GatewayHandler) *PaymentEventWorker {
	return &PaymentEventWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(gateway),
		logger:       util.Component("worker"),
	}
}

// Start blocks consuming until ctx is done
func (w *PaymentEventWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment event worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop closes the consumer
func (w *PaymentEventWorker) Stop() error {
	w.logger.Info("Stopping payment event worker")
	return w.consumer.Close()
}

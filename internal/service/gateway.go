package service

import (
	"context"
	"errors"
	"fmt"

	"marketplace-fulfillment/internal/models"
	"marketplace-fulfillment/internal/util"

	"go.uber.org/zap"
)

// GatewayHandler routes payment gateway callbacks to the payment axis and
// the refund pipeline
type GatewayHandler struct {
	payments *PaymentService
	returns  *ReturnsService
	logger   *zap.Logger
}

// NewGatewayHandler creates a new gateway handler
func NewGatewayHandler(payments *PaymentService, returns *ReturnsService) *GatewayHandler {
	return &GatewayHandler{
		payments: payments,
		returns:  returns,
		logger:   util.Component("gateway"),
	}
}

var paymentTargets = map[string]models.PaymentStatus{
	models.EventTypePaymentAuthorized: models.PaymentStatusAuthorized,
	models.EventTypePaymentCaptured:   models.PaymentStatusCaptured,
	models.EventTypePaymentFailed:     models.PaymentStatusFailed,
	models.EventTypePaymentRefunded:   models.PaymentStatusRefunded,
}

// Handle applies one gateway event. Business rejections (a replayed refund
// confirmation, a payment transition out of order) are logged and dropped;
// only infrastructure failures are returned so the caller can retry.
func (h *GatewayHandler) Handle(ctx context.Context, event *models.PaymentGatewayEvent) error {
	ctx, span := util.StartSpan(ctx, "GatewayHandler.Handle")
	defer span.End()

	var err error
	if to, ok := paymentTargets[event.EventType]; ok {
		if event.OrderID <= 0 {
			return h.drop(event, validationError("gateway event %s has no order id", event.EventID))
		}
		_, err = h.payments.UpdatePaymentStatus(ctx, event.OrderID, to, event.EventID)
	} else {
		switch event.EventType {
		case models.EventTypeRefundSucceeded:
			_, err = h.returns.MarkRefundCompleted(ctx, event.RefundID, event.ExternalReference)
		case models.EventTypeRefundDeclined:
			reason := event.Reason
			if reason == "" {
				reason = "declined by payment gateway"
			}
			_, err = h.returns.MarkRefundFailed(ctx, event.RefundID, reason)
		default:
			h.logger.Warn("Unknown gateway event type",
				zap.String("event_type", event.EventType),
				zap.String("event_id", event.EventID))
			return nil
		}
	}

	if err == nil {
		return nil
	}
	if Kind(err) != nil {
		return h.drop(event, err)
	}
	util.EndSpan(span, err)
	return fmt.Errorf("failed to handle %s event %s: %w", event.EventType, event.EventID, err)
}

func (h *GatewayHandler) drop(event *models.PaymentGatewayEvent, err error) error {
	level := h.logger.Warn
	if errors.Is(err, ErrInvalidTransition) {
		level = h.logger.Info
	}
	level("Gateway event not applied",
		zap.String("event_type", event.EventType),
		zap.String("event_id", event.EventID),
		zap.Int64("order_id", event.OrderID),
		zap.Int64("refund_id", event.RefundID),
		zap.Error(err))
	return nil
}

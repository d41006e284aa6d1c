package service

import (
	"context"
	"errors"
	"fmt"

	"marketplace-fulfillment/internal/models"
	"marketplace-fulfillment/internal/store"
	"marketplace-fulfillment/internal/util"

	"go.uber.org/zap"
)

// PaymentService applies payment gateway outcomes to the payment axis of an
// order. Fulfillment status is never read or written here.
type PaymentService struct {
	db      store.Database
	emitter emitter
	logger  *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(db store.Database, notifier Notifier) *PaymentService {
	return &PaymentService{
		db:      db,
		emitter: newEmitter(notifier),
		logger:  util.Component("payments"),
	}
}

// UpdatePaymentStatus moves the order's payment status to `to`. When eventID
// is set the gateway event is recorded in the same transaction and a replay
// of it is a no-op.
func (s *PaymentService) UpdatePaymentStatus(ctx context.Context, orderID int64, to models.PaymentStatus, eventID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.UpdatePaymentStatus")
	defer span.End()

	if !to.Valid() {
		return nil, validationError("unknown payment status %q", to)
	}

	var (
		order     *models.Order
		from      models.PaymentStatus
		duplicate bool
	)
	err := s.db.WithTx(ctx, func(q store.Queries) error {
		if eventID != "" {
			processed, err := q.IsEventProcessed(ctx, eventID)
			if err != nil {
				return fmt.Errorf("failed to check event processed: %w", err)
			}
			if processed {
				duplicate = true
				order, err = loadOrder(ctx, q, orderID)
				return err
			}
		}

		var err error
		order, err = q.GetOrder(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return notFound("order", orderID)
		}
		if err != nil {
			return fmt.Errorf("failed to load order: %w", err)
		}

		from = order.PaymentStatus
		if !from.CanTransition(to) {
			return invalidTransition("payment of order", orderID, from, to)
		}
		if err := q.UpdatePaymentStatus(ctx, orderID, from, to); err != nil {
			if errors.Is(err, store.ErrConditionFailed) {
				return newError(ErrInvalidTransition, "payment of order %d is no longer %s", orderID, from)
			}
			return fmt.Errorf("failed to update payment status: %w", err)
		}
		order.PaymentStatus = to

		if eventID != "" {
			if err := q.MarkEventProcessed(ctx, eventID, "payment."+string(to)); err != nil {
				if errors.Is(err, store.ErrConditionFailed) {
					return newError(ErrInvalidTransition, "gateway event %s was processed concurrently", eventID)
				}
				return fmt.Errorf("failed to mark event processed: %w", err)
			}
		}

		order.Items, err = q.ListOrderItems(ctx, orderID)
		return err
	})
	if err != nil {
		util.EndSpan(span, err)
		return nil, err
	}

	if duplicate {
		s.logger.Info("Gateway event already processed",
			zap.String("event_id", eventID),
			zap.Int64("order_id", orderID))
		return order, nil
	}

	util.PaymentStatusUpdatesTotal.WithLabelValues(string(to)).Inc()
	s.logger.Info("Payment status updated",
		zap.Int64("order_id", orderID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	s.emitter.emit(ctx, &models.OrderEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypePaymentStatusChanged),
		OrderID:   order.ID,
		UserID:    order.UserID,
		OldStatus: string(from),
		NewStatus: string(to),
		Amount:    order.Amount,
	})
	return order, nil
}

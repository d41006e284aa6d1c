package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace-fulfillment/internal/ledger"
	"marketplace-fulfillment/internal/models"
	"marketplace-fulfillment/internal/store"
	"marketplace-fulfillment/internal/util"
)

// itemChange is one requested item transition
type itemChange struct {
	To             models.ItemStatus
	TrackingNumber string
	Notes          string
	Actor          Actor
}

// transitionItem moves item to change.To inside q's transaction. The status
// write is conditional on the status the item was read with, so a concurrent
// transition makes this one fail instead of overwriting it. Stock side
// effects and the audit row are written in the same transaction.
func transitionItem(ctx context.Context, q store.Queries, inv *InventoryService, item *models.OrderItem, change itemChange) ([]models.Event, error) {
	from := item.Status
	if !from.CanTransition(change.To) {
		return nil, invalidTransition("order item", item.ID, from, change.To)
	}

	tracking := strings.TrimSpace(change.TrackingNumber)
	if change.To == models.ItemStatusShipped && tracking == "" {
		return nil, validationError("tracking number is required to ship item %d", item.ID)
	}

	upd := models.ItemStatusUpdate{
		ItemID:         item.ID,
		From:           from,
		To:             change.To,
		TrackingNumber: tracking,
	}
	now := time.Now().UTC()
	switch change.To {
	case models.ItemStatusShipped:
		upd.ShippedAt = &now
	case models.ItemStatusDelivered:
		upd.DeliveredAt = &now
	}

	if err := q.UpdateOrderItemStatus(ctx, upd); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return nil, newError(ErrInvalidTransition, "order item %d is no longer %s", item.ID, from)
		}
		return nil, fmt.Errorf("failed to update item status: %w", err)
	}

	if err := q.InsertItemStatusEvent(ctx, &models.ItemStatusEvent{
		OrderItemID: item.ID,
		FromStatus:  from,
		ToStatus:    change.To,
		ActorUserID: change.Actor.UserID,
		Notes:       change.Notes,
	}); err != nil {
		return nil, fmt.Errorf("failed to record item status event: %w", err)
	}

	events := []models.Event{&models.ItemStatusChangedEvent{
		BaseEvent:      models.NewBaseEvent(models.EventTypeItemStatusChanged),
		OrderID:        item.OrderID,
		ItemID:         item.ID,
		VendorID:       item.VendorID,
		ActorUserID:    change.Actor.UserID,
		OldStatus:      string(from),
		NewStatus:      string(change.To),
		TrackingNumber: tracking,
	}}

	if entry, ok := stockEffect(item, change.To, change.Actor); ok {
		_, stockEvents, err := inv.apply(ctx, q, entry)
		if err != nil {
			return nil, err
		}
		events = append(events, stockEvents...)
	}

	item.Status = change.To
	if tracking != "" {
		item.TrackingNumber = tracking
	}
	if upd.ShippedAt != nil {
		item.ShippedAt = upd.ShippedAt
	}
	if upd.DeliveredAt != nil {
		item.DeliveredAt = upd.DeliveredAt
	}

	util.ItemTransitionsTotal.WithLabelValues(string(change.To)).Inc()
	return events, nil
}

// stockEffect returns the ledger entry an item transition implies, if any.
// Cancelling an unshipped item gives its debited units back; a shipped item
// coming back to the sender is restocked.
func stockEffect(item *models.OrderItem, to models.ItemStatus, actor Actor) (ledger.Entry, bool) {
	entry := ledger.Entry{
		Ref:         item.Ref(),
		Delta:       item.Quantity,
		Reference:   fmt.Sprintf("order:%d/item:%d", item.OrderID, item.ID),
		ActorUserID: actor.UserID,
	}
	switch to {
	case models.ItemStatusCancelled:
		entry.Type = models.AdjustmentReservationRelease
		entry.Reason = fmt.Sprintf("order %d item %d cancelled", item.OrderID, item.ID)
		return entry, true
	case models.ItemStatusReturned:
		entry.Type = models.AdjustmentReturn
		entry.Reason = fmt.Sprintf("order %d item %d returned to sender", item.OrderID, item.ID)
		return entry, true
	}
	return ledger.Entry{}, false
}

// recomputeOrder derives the order status from its items and writes it when
// it changed. cancelReason is recorded even when the status stays the same.
func recomputeOrder(ctx context.Context, q store.Queries, orderID int64, actor Actor, cancelReason string) (*models.Order, []models.Event, error) {
	order, err := q.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, notFound("order", orderID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load order: %w", err)
	}

	items, err := q.ListOrderItems(ctx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load order items: %w", err)
	}
	order.Items = items

	derived := models.DeriveFromItems(items)
	if derived == order.Status && cancelReason == "" {
		return order, nil, nil
	}

	if err := q.UpdateOrderStatus(ctx, orderID, order.Status, derived, cancelReason); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return nil, nil, newError(ErrInvalidTransition, "order %d changed concurrently", orderID)
		}
		return nil, nil, fmt.Errorf("failed to update order status: %w", err)
	}

	old := order.Status
	order.Status = derived
	if cancelReason != "" {
		order.CancelReason = cancelReason
	}
	if old == derived {
		return order, nil, nil
	}

	util.OrderStatusTransitionsTotal.WithLabelValues(string(derived)).Inc()
	return order, []models.Event{&models.OrderEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderStatusChanged),
		OrderID:     order.ID,
		UserID:      order.UserID,
		ActorUserID: actor.UserID,
		OldStatus:   string(old),
		NewStatus:   string(derived),
		Amount:      order.Amount,
		Reason:      cancelReason,
	}}, nil
}

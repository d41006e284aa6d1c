package store

import (
	"context"
	"database/sql"
	"errors"

	"marketplace-fulfillment/internal/models"

	"github.com/shopspring/decimal"
)

// InsertOrder creates a new order
func (q *queries) InsertOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, subtotal, shipping_fee, discount, amount, status, payment_status, priority,
			shipping_name, shipping_phone, shipping_address, shipping_city, shipping_postal_code, shipping_country)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`

	return q.get(ctx, order, query,
		order.UserID, order.Subtotal, order.ShippingFee, order.Discount, order.Amount,
		order.Status, order.PaymentStatus, order.Priority,
		order.ShippingName, order.ShippingPhone, order.ShippingAddress,
		order.ShippingCity, order.ShippingPostalCode, order.ShippingCountry)
}

// InsertOrderItem creates a new order item
func (q *queries) InsertOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, category, product_id, vendor_id, quantity, price, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	return q.get(ctx, item, query,
		item.OrderID, item.Category, item.ProductID, item.VendorID, item.Quantity, item.Price, item.Status)
}

// GetOrder retrieves an order by ID
func (q *queries) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	var order models.Order
	err := q.get(ctx, &order, "SELECT * FROM orders WHERE id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrdersByUser retrieves orders for a user
func (q *queries) ListOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := q.selectAll(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC", userID)
	return orders, err
}

// ListOrderItems retrieves all items for an order
func (q *queries) ListOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := q.selectAll(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// GetOrderItem retrieves one item
func (q *queries) GetOrderItem(ctx context.Context, itemID int64) (*models.OrderItem, error) {
	var item models.OrderItem
	err := q.get(ctx, &item, "SELECT * FROM order_items WHERE id = $1", itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListVendorItems is the vendor's projection over order items
func (q *queries) ListVendorItems(ctx context.Context, vendorID int64, status models.ItemStatus) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := q.selectAll(ctx, &items, `
		SELECT * FROM order_items
		WHERE vendor_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC`, vendorID, string(status))
	return items, err
}

// UpdateOrderStatus moves an order only if it is still in the expected status
func (q *queries) UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus, cancelReason string) error {
	return q.execOne(ctx, `
		UPDATE orders
		SET status = $1,
		    cancel_reason = CASE WHEN $2 <> '' THEN $2 ELSE cancel_reason END,
		    updated_at = NOW()
		WHERE id = $3 AND status = $4`, to, cancelReason, orderID, from)
}

// UpdatePaymentStatus moves the payment axis conditionally
func (q *queries) UpdatePaymentStatus(ctx context.Context, orderID int64, from, to models.PaymentStatus) error {
	return q.execOne(ctx,
		"UPDATE orders SET payment_status = $1, updated_at = NOW() WHERE id = $2 AND payment_status = $3",
		to, orderID, from)
}

// UpdateOrderItemStatus moves an item only if it is still in upd.From
func (q *queries) UpdateOrderItemStatus(ctx context.Context, upd models.ItemStatusUpdate) error {
	return q.execOne(ctx, `
		UPDATE order_items
		SET status = $1,
		    tracking_number = CASE WHEN $2 <> '' THEN $2 ELSE tracking_number END,
		    shipped_at = COALESCE($3, shipped_at),
		    delivered_at = COALESCE($4, delivered_at),
		    updated_at = NOW()
		WHERE id = $5 AND status = $6`,
		upd.To, upd.TrackingNumber, upd.ShippedAt, upd.DeliveredAt, upd.ItemID, upd.From)
}

// InsertItemStatusEvent records an item transition for audit
func (q *queries) InsertItemStatusEvent(ctx context.Context, ev *models.ItemStatusEvent) error {
	return q.get(ctx, ev, `
		INSERT INTO order_item_events (order_item_id, from_status, to_status, actor_user_id, notes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		ev.OrderItemID, ev.FromStatus, ev.ToStatus, ev.ActorUserID, ev.Notes)
}

// ReserveReturnQuantity marks units of a delivered item as under return
func (q *queries) ReserveReturnQuantity(ctx context.Context, itemID int64, quantity int) error {
	return q.execOne(ctx, `
		UPDATE order_items SET returned_quantity = returned_quantity + $1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND returned_quantity + $1 <= quantity`,
		quantity, itemID, models.ItemStatusDelivered)
}

// ReleaseReturnQuantity gives units back when a return is rejected
func (q *queries) ReleaseReturnQuantity(ctx context.Context, itemID int64, quantity int) error {
	return q.execOne(ctx, `
		UPDATE order_items SET returned_quantity = returned_quantity - $1, updated_at = NOW()
		WHERE id = $2 AND returned_quantity >= $1`, quantity, itemID)
}

// ReserveRefundAmount charges a refund against the item's line total
func (q *queries) ReserveRefundAmount(ctx context.Context, itemID int64, amount decimal.Decimal) error {
	return q.execOne(ctx, `
		UPDATE order_items SET refunded_amount = refunded_amount + $1, updated_at = NOW()
		WHERE id = $2 AND refunded_amount + $1 <= price * quantity`, amount, itemID)
}

// ReleaseRefundAmount undoes a charge after a failed refund
func (q *queries) ReleaseRefundAmount(ctx context.Context, itemID int64, amount decimal.Decimal) error {
	return q.execOne(ctx, `
		UPDATE order_items SET refunded_amount = refunded_amount - $1, updated_at = NOW()
		WHERE id = $2 AND refunded_amount >= $1`, amount, itemID)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"marketplace-fulfillment/internal/ledger"
	"marketplace-fulfillment/internal/models"
	"marketplace-fulfillment/internal/store"
	"marketplace-fulfillment/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultBulkLimit = 100

// OrderService handles checkout, cancellation and order-level transitions
type OrderService struct {
	db        store.Database
	inventory *InventoryService
	emitter   emitter
	bulkLimit int
	logger    *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(db store.Database, inventory *InventoryService, notifier Notifier, bulkLimit int) *OrderService {
	if bulkLimit <= 0 {
		bulkLimit = defaultBulkLimit
	}
	return &OrderService{
		db:        db,
		inventory: inventory,
		emitter:   newEmitter(notifier),
		bulkLimit: bulkLimit,
		logger:    util.Component("orders"),
	}
}

// CheckoutRequest represents a buyer's checkout
type CheckoutRequest struct {
	Items       []CheckoutItem  `json:"items" validate:"required,min=1,dive"`
	Shipping    ShippingDetails `json:"shipping"`
	ShippingFee decimal.Decimal `json:"shipping_fee"`
	Discount    decimal.Decimal `json:"discount"`
	Priority    string          `json:"priority" validate:"omitempty,oneof=standard express"`
}

// CheckoutItem is one product line of a checkout
type CheckoutItem struct {
	Ref      models.ProductRef `json:"product"`
	Quantity int               `json:"quantity" validate:"gt=0"`
}

// ShippingDetails is where the order goes
type ShippingDetails struct {
	Name       string `json:"name" validate:"required,max=120"`
	Phone      string `json:"phone" validate:"required,max=32"`
	Address    string `json:"address" validate:"required,max=255"`
	City       string `json:"city" validate:"required,max=120"`
	PostalCode string `json:"postal_code" validate:"required,max=20"`
	Country    string `json:"country" validate:"required,max=64"`
}

// BulkResult summarises a continue-past-failures batch
type BulkResult struct {
	UpdatedCount int           `json:"updated_count"`
	Requested    int           `json:"requested"`
	Failures     []BulkFailure `json:"failures,omitempty"`
}

// BulkFailure explains why one entry of a batch was skipped
type BulkFailure struct {
	ID    int64  `json:"id"`
	Error string `json:"error"`
}

func (r *BulkResult) fail(id int64, err error) {
	r.Failures = append(r.Failures, BulkFailure{ID: id, Error: err.Error()})
}

// Checkout validates the cart, debits stock and creates the order with its
// items in one transaction
func (s *OrderService) Checkout(ctx context.Context, actor Actor, req CheckoutRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Checkout")
	defer span.End()

	if actor.UserID <= 0 {
		return nil, validationError("a buyer identity is required to check out")
	}
	if err := s.validateCheckout(req); err != nil {
		util.OrdersFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}
	lines := mergeLines(req.Items)

	availability := make([]AvailabilityLine, 0, len(lines))
	for _, line := range lines {
		availability = append(availability, AvailabilityLine{Ref: line.Ref, Quantity: line.Quantity})
	}
	check, err := s.inventory.ValidateAvailability(ctx, availability)
	if err != nil {
		util.EndSpan(span, err)
		return nil, err
	}
	if !check.Valid {
		util.OrdersFailedTotal.WithLabelValues("unavailable").Inc()
		return nil, newError(ErrInvalidAdjustment, "%s", strings.Join(check.Errors, "; "))
	}

	var (
		order  *models.Order
		events []models.Event
	)
	err = s.db.WithTx(ctx, func(q store.Queries) error {
		products := make([]*models.Product, len(lines))
		subtotal := decimal.Zero
		for i, line := range lines {
			p, err := q.GetProduct(ctx, line.Ref)
			if errors.Is(err, store.ErrNotFound) {
				return notFound("product", line.Ref)
			}
			if err != nil {
				return fmt.Errorf("failed to load product: %w", err)
			}
			products[i] = p
			subtotal = subtotal.Add(p.Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
		}

		amount := subtotal.Add(req.ShippingFee).Sub(req.Discount)
		if amount.IsNegative() {
			amount = decimal.Zero
		}

		order = &models.Order{
			UserID:             actor.UserID,
			Subtotal:           subtotal,
			ShippingFee:        req.ShippingFee,
			Discount:           req.Discount,
			Amount:             amount,
			Status:             models.OrderStatusCreated,
			PaymentStatus:      models.PaymentStatusPending,
			Priority:           req.Priority,
			ShippingName:       req.Shipping.Name,
			ShippingPhone:      req.Shipping.Phone,
			ShippingAddress:    req.Shipping.Address,
			ShippingCity:       req.Shipping.City,
			ShippingPostalCode: req.Shipping.PostalCode,
			ShippingCountry:    req.Shipping.Country,
		}
		if order.Priority == "" {
			order.Priority = "standard"
		}
		if err := q.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		for i, line := range lines {
			p := products[i]
			item := models.OrderItem{
				OrderID:        order.ID,
				Category:       line.Ref.Category,
				ProductID:      line.Ref.ProductID,
				VendorID:       p.VendorID,
				Quantity:       line.Quantity,
				Price:          p.Price,
				Status:         models.ItemStatusPending,
				RefundedAmount: decimal.Zero,
			}
			if err := q.InsertOrderItem(ctx, &item); err != nil {
				return fmt.Errorf("failed to create order item: %w", err)
			}

			_, stockEvents, err := s.inventory.apply(ctx, q, ledger.Entry{
				Ref:         line.Ref,
				Type:        models.AdjustmentSale,
				Delta:       -line.Quantity,
				Reason:      fmt.Sprintf("checkout of order %d", order.ID),
				Reference:   fmt.Sprintf("order:%d/item:%d", order.ID, item.ID),
				ActorUserID: actor.UserID,
			})
			if err != nil {
				return err
			}
			events = append(events, stockEvents...)
			order.Items = append(order.Items, item)
		}
		return nil
	})
	if err != nil {
		reason := "db_error"
		if errors.Is(err, ErrInvalidAdjustment) {
			reason = "insufficient_stock"
		}
		util.OrdersFailedTotal.WithLabelValues(reason).Inc()
		util.EndSpan(span, err)
		return nil, err
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", order.UserID),
		zap.Int("items", len(order.Items)),
		zap.String("amount", order.Amount.String()))

	events = append([]models.Event{&models.OrderEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCreated),
		OrderID:     order.ID,
		UserID:      order.UserID,
		ActorUserID: actor.UserID,
		NewStatus:   string(order.Status),
		Amount:      order.Amount,
	}}, events...)
	s.emitter.emit(ctx, events...)

	return order, nil
}

func (s *OrderService) validateCheckout(req CheckoutRequest) error {
	if err := checkStruct(req); err != nil {
		return err
	}
	for _, item := range req.Items {
		if !item.Ref.Category.Valid() {
			return validationError("unknown product category %q", item.Ref.Category)
		}
		if item.Ref.ProductID <= 0 {
			return validationError("product id must be positive")
		}
	}
	if req.ShippingFee.IsNegative() {
		return validationError("shipping fee cannot be negative")
	}
	if req.Discount.IsNegative() {
		return validationError("discount cannot be negative")
	}
	return nil
}

// mergeLines folds repeated products into one line, keeping first-seen order
func mergeLines(items []CheckoutItem) []CheckoutItem {
	index := make(map[models.ProductRef]int, len(items))
	out := make([]CheckoutItem, 0, len(items))
	for _, it := range items {
		if i, ok := index[it.Ref]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		index[it.Ref] = len(out)
		out = append(out, it)
	}
	return out
}

// GetOrder returns an order with its items. Buyers see their own orders,
// vendors see orders that contain at least one of their items.
func (s *OrderService) GetOrder(ctx context.Context, actor Actor, orderID int64) (*models.Order, error) {
	var order *models.Order
	err := s.db.View(ctx, func(q store.Queries) error {
		var err error
		order, err = loadOrder(ctx, q, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !canViewOrder(actor, order) {
		return nil, newError(ErrForbidden, "order %d is not visible to the caller", orderID)
	}
	return order, nil
}

func canViewOrder(actor Actor, order *models.Order) bool {
	switch actor.Role {
	case RoleAdmin:
		return true
	case RoleBuyer:
		return order.UserID == actor.UserID
	case RoleVendor:
		for _, it := range order.Items {
			if actor.ownsVendorResource(it.VendorID) {
				return true
			}
		}
	}
	return false
}

// ListUserOrders lists a buyer's orders, newest first
func (s *OrderService) ListUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.View(ctx, func(q store.Queries) error {
		var err error
		orders, err = q.ListOrdersByUser(ctx, userID)
		if err != nil {
			return err
		}
		for i := range orders {
			orders[i].Items, err = q.ListOrderItems(ctx, orders[i].ID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

func loadOrder(ctx context.Context, q store.Queries, orderID int64) (*models.Order, error) {
	order, err := q.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("order", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	order.Items, err = q.ListOrderItems(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	return order, nil
}

// CancelOrder cancels every item that has not shipped yet and gives their
// stock back. Shipped and delivered items are left for the returns pipeline.
func (s *OrderService) CancelOrder(ctx context.Context, actor Actor, orderID int64, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, validationError("cancellation reason is required")
	}

	var (
		order  *models.Order
		events []models.Event
	)
	err := s.db.WithTx(ctx, func(q store.Queries) error {
		current, err := loadOrder(ctx, q, orderID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && !(actor.Role == RoleBuyer && current.UserID == actor.UserID) {
			return newError(ErrForbidden, "order %d does not belong to the caller", orderID)
		}
		if current.Status.Terminal() {
			return invalidTransition("order", orderID, current.Status, models.OrderStatusCancelled)
		}

		cancelled := 0
		for i := range current.Items {
			item := &current.Items[i]
			if !item.Status.Cancellable() {
				continue
			}
			evs, err := transitionItem(ctx, q, s.inventory, item, itemChange{
				To:    models.ItemStatusCancelled,
				Notes: reason,
				Actor: actor,
			})
			if err != nil {
				return err
			}
			events = append(events, evs...)
			cancelled++
		}
		if cancelled == 0 {
			return newError(ErrInvalidTransition, "order %d has no items that can still be cancelled", orderID)
		}

		var orderEvents []models.Event
		order, orderEvents, err = recomputeOrder(ctx, q, orderID, actor, reason)
		if err != nil {
			return err
		}
		events = append(events, orderEvents...)
		return nil
	})
	if err != nil {
		util.EndSpan(span, err)
		return nil, err
	}

	util.OrdersCancelledTotal.Inc()
	s.logger.Info("Order cancelled",
		zap.Int64("order_id", orderID),
		zap.String("status", string(order.Status)),
		zap.String("reason", reason))

	events = append(events, &models.OrderEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCancelled),
		OrderID:     order.ID,
		UserID:      order.UserID,
		ActorUserID: actor.UserID,
		NewStatus:   string(order.Status),
		Amount:      order.Amount,
		Reason:      reason,
	})
	s.emitter.emit(ctx, events...)
	return order, nil
}

// AdvanceOrder moves an order towards target by transitioning its items.
// The order status itself is always derived from them.
func (s *OrderService) AdvanceOrder(ctx context.Context, actor Actor, orderID int64, target models.OrderStatus) (*models.Order, error) {
	if !actor.IsAdmin() {
		return nil, newError(ErrForbidden, "only admins can change order status")
	}
	if target == models.OrderStatusCancelled {
		return s.CancelOrder(ctx, actor, orderID, "cancelled by admin")
	}

	ctx, span := util.StartSpan(ctx, "OrderService.AdvanceOrder")
	defer span.End()

	var steps map[models.ItemStatus][]models.ItemStatus
	switch target {
	case models.OrderStatusProcessing:
		steps = map[models.ItemStatus][]models.ItemStatus{
			models.ItemStatusPending:   {models.ItemStatusConfirmed, models.ItemStatusProcessing},
			models.ItemStatusConfirmed: {models.ItemStatusProcessing},
		}
	case models.OrderStatusDelivered:
		steps = map[models.ItemStatus][]models.ItemStatus{
			models.ItemStatusShipped: {models.ItemStatusDelivered},
		}
	default:
		return nil, newError(ErrInvalidTransition, "order status %q cannot be set directly", target)
	}

	var (
		order  *models.Order
		events []models.Event
	)
	err := s.db.WithTx(ctx, func(q store.Queries) error {
		current, err := loadOrder(ctx, q, orderID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return invalidTransition("order", orderID, current.Status, target)
		}

		moved := 0
		for i := range current.Items {
			item := &current.Items[i]
			path := steps[item.Status]
			if len(path) == 0 {
				continue
			}
			for _, to := range path {
				evs, err := transitionItem(ctx, q, s.inventory, item, itemChange{To: to, Actor: actor})
				if err != nil {
					return err
				}
				events = append(events, evs...)
			}
			moved++
		}
		if moved == 0 {
			return invalidTransition("order", orderID, current.Status, target)
		}

		var orderEvents []models.Event
		order, orderEvents, err = recomputeOrder(ctx, q, orderID, actor, "")
		if err != nil {
			return err
		}
		events = append(events, orderEvents...)
		return nil
	})
	if err != nil {
		util.EndSpan(span, err)
		return nil, err
	}

	s.emitter.emit(ctx, events...)
	return order, nil
}

// BulkUpdateOrderStatus applies AdvanceOrder to each order independently.
// A failing order is reported and skipped; it never undoes the others.
func (s *OrderService) BulkUpdateOrderStatus(ctx context.Context, actor Actor, orderIDs []int64, target models.OrderStatus) (*BulkResult, error) {
	if len(orderIDs) == 0 {
		return nil, validationError("at least one order id is required")
	}
	if len(orderIDs) > s.bulkLimit {
		return nil, validationError("at most %d orders can be updated at once", s.bulkLimit)
	}

	result := &BulkResult{Requested: len(orderIDs)}
	for _, id := range orderIDs {
		if _, err := s.AdvanceOrder(ctx, actor, id, target); err != nil {
			if Kind(err) == nil {
				s.logger.Error("Bulk order update failed",
					zap.Int64("order_id", id),
					zap.String("target", string(target)),
					zap.Error(err))
			}
			util.BulkOperationResults.WithLabelValues("order_status", "failed").Inc()
			result.fail(id, err)
			continue
		}
		util.BulkOperationResults.WithLabelValues("order_status", "updated").Inc()
		result.UpdatedCount++
	}

	s.logger.Info("Bulk order status update finished",
		zap.String("target", string(target)),
		zap.Int("updated", result.UpdatedCount),
		zap.Int("requested", result.Requested))
	return result, nil
}

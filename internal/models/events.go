package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outbound event types
const (
	EventTypeOrderCreated         = "order.created"
	EventTypeOrderStatusChanged   = "order.status.changed"
	EventTypeOrderCancelled       = "order.cancelled"
	EventTypeItemStatusChanged    = "item.status.changed"
	EventTypePaymentStatusChanged = "payment.status.changed"
	EventTypeStockLow             = "stock.low"
	EventTypeStockRestored        = "stock.restored"
	EventTypeReturnRequested      = "return.requested"
	EventTypeReturnApproved       = "return.approved"
	EventTypeReturnRejected       = "return.rejected"
	EventTypeReturnItemsReceived  = "return.items_received"
	EventTypeReturnClosed         = "return.closed"
	EventTypeRefundCreated        = "refund.created"
	EventTypeRefundCompleted      = "refund.completed"
	EventTypeRefundFailed         = "refund.failed"
	EventTypeStoreCreditIssued    = "store_credit.issued"
)

// Inbound payment gateway event types
const (
	EventTypePaymentAuthorized = "PAYMENT_AUTHORIZED"
	EventTypePaymentCaptured   = "PAYMENT_CAPTURED"
	EventTypePaymentFailed     = "PAYMENT_FAILED"
	EventTypePaymentRefunded   = "PAYMENT_REFUNDED"
	EventTypeRefundSucceeded   = "REFUND_SUCCEEDED"
	EventTypeRefundDeclined    = "REFUND_FAILED"
)

// Event is anything the notification collaborator can deliver
type Event interface {
	Name() string
	PartitionKey() string
}

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event id and time
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// Name returns the event type
func (e BaseEvent) Name() string {
	return e.EventType
}

// OrderEvent covers order creation, cancellation and derived status changes
type OrderEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	UserID      int64           `json:"user_id"`
	ActorUserID int64           `json:"actor_user_id"`
	OldStatus   string          `json:"old_status,omitempty"`
	NewStatus   string          `json:"new_status"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason,omitempty"`
}

func (e *OrderEvent) PartitionKey() string {
	return fmt.Sprintf("order-%d", e.OrderID)
}

// ItemStatusChangedEvent published on every vendor item transition
type ItemStatusChangedEvent struct {
	BaseEvent
	OrderID        int64  `json:"order_id"`
	ItemID         int64  `json:"item_id"`
	VendorID       int64  `json:"vendor_id"`
	ActorUserID    int64  `json:"actor_user_id"`
	OldStatus      string `json:"old_status"`
	NewStatus      string `json:"new_status"`
	TrackingNumber string `json:"tracking_number,omitempty"`
}

func (e *ItemStatusChangedEvent) PartitionKey() string {
	return fmt.Sprintf("order-%d", e.OrderID)
}

// StockEvent published when a product crosses the low-stock threshold
type StockEvent struct {
	BaseEvent
	ProductID int64    `json:"product_id"`
	Category  Category `json:"category"`
	VendorID  int64    `json:"vendor_id"`
	Stock     int      `json:"stock"`
	Threshold int      `json:"threshold"`
}

func (e *StockEvent) PartitionKey() string {
	return fmt.Sprintf("product-%s-%d", e.Category, e.ProductID)
}

// ReturnEvent covers return request lifecycle changes
type ReturnEvent struct {
	BaseEvent
	ReturnID    int64           `json:"return_id"`
	OrderID     int64           `json:"order_id"`
	UserID      int64           `json:"user_id"`
	ActorUserID int64           `json:"actor_user_id"`
	OldStatus   string          `json:"old_status,omitempty"`
	NewStatus   string          `json:"new_status"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason,omitempty"`
}

func (e *ReturnEvent) PartitionKey() string {
	return fmt.Sprintf("return-%d", e.ReturnID)
}

// RefundEvent covers refund and store credit lifecycle changes
type RefundEvent struct {
	BaseEvent
	RefundID          int64           `json:"refund_id"`
	ReturnID          int64           `json:"return_id"`
	UserID            int64           `json:"user_id"`
	Amount            decimal.Decimal `json:"amount"`
	Method            RefundMethod    `json:"method"`
	Status            RefundStatus    `json:"status"`
	ExternalReference string          `json:"external_reference,omitempty"`
	Reason            string          `json:"reason,omitempty"`
}

func (e *RefundEvent) PartitionKey() string {
	return fmt.Sprintf("return-%d", e.ReturnID)
}

// PaymentGatewayEvent is consumed from the payment gateway topic
type PaymentGatewayEvent struct {
	BaseEvent
	OrderID           int64  `json:"order_id,omitempty"`
	RefundID          int64  `json:"refund_id,omitempty"`
	ExternalReference string `json:"external_reference,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

func (e *PaymentGatewayEvent) PartitionKey() string {
	if e.RefundID != 0 {
		return fmt.Sprintf("refund-%d", e.RefundID)
	}
	return fmt.Sprintf("order-%d", e.OrderID)
}

package models

// OrderStatus is the derived, order-level status
type OrderStatus string

// Order statuses
const (
	OrderStatusCreated            OrderStatus = "created"
	OrderStatusProcessing         OrderStatus = "processing"
	OrderStatusPartiallyFulfilled OrderStatus = "partially_fulfilled"
	OrderStatusShipped            OrderStatus = "shipped"
	OrderStatusDelivered          OrderStatus = "delivered"
	OrderStatusCancelled          OrderStatus = "cancelled"
)

// Terminal reports whether no further order transition is possible
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// ItemStatus is the per-item fulfillment status owned by the vendor
type ItemStatus string

// Item statuses
const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusConfirmed  ItemStatus = "confirmed"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusShipped    ItemStatus = "shipped"
	ItemStatusDelivered  ItemStatus = "delivered"
	ItemStatusCancelled  ItemStatus = "cancelled"
	ItemStatusReturned   ItemStatus = "returned"
)

var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemStatusPending:    {ItemStatusConfirmed, ItemStatusCancelled},
	ItemStatusConfirmed:  {ItemStatusProcessing, ItemStatusCancelled},
	ItemStatusProcessing: {ItemStatusShipped, ItemStatusCancelled},
	ItemStatusShipped:    {ItemStatusDelivered, ItemStatusReturned},
	ItemStatusDelivered:  nil,
	ItemStatusCancelled:  nil,
	ItemStatusReturned:   nil,
}

// ItemStatuses lists every item status
func ItemStatuses() []ItemStatus {
	return []ItemStatus{
		ItemStatusPending, ItemStatusConfirmed, ItemStatusProcessing,
		ItemStatusShipped, ItemStatusDelivered, ItemStatusCancelled, ItemStatusReturned,
	}
}

// Valid reports whether s is a known item status
func (s ItemStatus) Valid() bool {
	_, ok := itemTransitions[s]
	return ok
}

// Successors returns the statuses reachable from s in one step
func (s ItemStatus) Successors() []ItemStatus {
	next := itemTransitions[s]
	out := make([]ItemStatus, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether s -> to is in the successor table
func (s ItemStatus) CanTransition(to ItemStatus) bool {
	for _, next := range itemTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the item can no longer move
func (s ItemStatus) Terminal() bool {
	return len(itemTransitions[s]) == 0
}

// Cancellable reports whether the item has not shipped yet
func (s ItemStatus) Cancellable() bool {
	return s.CanTransition(ItemStatusCancelled)
}

// DeriveOrderStatus computes the order-level status from its item statuses.
//
//	all cancelled                      -> cancelled
//	all delivered (returned included)  -> delivered
//	all shipped or later               -> shipped
//	some shipped/cancelled, some not   -> partially_fulfilled
//	all pending                        -> created
//	otherwise                          -> processing
func DeriveOrderStatus(statuses []ItemStatus) OrderStatus {
	if len(statuses) == 0 {
		return OrderStatusCreated
	}

	var pending, inProgress, shipped, delivered, cancelled int
	for _, s := range statuses {
		switch s {
		case ItemStatusPending:
			pending++
		case ItemStatusConfirmed, ItemStatusProcessing:
			inProgress++
		case ItemStatusShipped:
			shipped++
		case ItemStatusDelivered, ItemStatusReturned:
			delivered++
		case ItemStatusCancelled:
			cancelled++
		}
	}

	total := len(statuses)
	switch {
	case cancelled == total:
		return OrderStatusCancelled
	case delivered == total:
		return OrderStatusDelivered
	case shipped+delivered == total:
		return OrderStatusShipped
	case shipped+delivered+cancelled > 0:
		return OrderStatusPartiallyFulfilled
	case pending == total:
		return OrderStatusCreated
	default:
		return OrderStatusProcessing
	}
}

// DeriveFromItems is DeriveOrderStatus over a slice of items
func DeriveFromItems(items []OrderItem) OrderStatus {
	statuses := make([]ItemStatus, len(items))
	for i := range items {
		statuses[i] = items[i].Status
	}
	return DeriveOrderStatus(statuses)
}

// PaymentStatus is the payment axis, independent of fulfillment
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusAuthorized PaymentStatus = "authorized"
	PaymentStatusCaptured   PaymentStatus = "captured"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:    {PaymentStatusAuthorized, PaymentStatusFailed},
	PaymentStatusAuthorized: {PaymentStatusCaptured, PaymentStatusFailed},
	PaymentStatusCaptured:   {PaymentStatusRefunded},
	PaymentStatusFailed:     nil,
	PaymentStatusRefunded:   nil,
}

// Valid reports whether s is a known payment status
func (s PaymentStatus) Valid() bool {
	_, ok := paymentTransitions[s]
	return ok
}

// CanTransition reports whether s -> to is permitted
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	for _, next := range paymentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ReturnStatus is the returns pipeline status
type ReturnStatus string

// Return statuses
const (
	ReturnStatusRequested     ReturnStatus = "requested"
	ReturnStatusApproved      ReturnStatus = "approved"
	ReturnStatusRejected      ReturnStatus = "rejected"
	ReturnStatusItemsReceived ReturnStatus = "items_received"
	ReturnStatusRefunded      ReturnStatus = "refunded"
	ReturnStatusClosed        ReturnStatus = "closed"
)

var returnTransitions = map[ReturnStatus][]ReturnStatus{
	ReturnStatusRequested:     {ReturnStatusApproved, ReturnStatusRejected},
	ReturnStatusApproved:      {ReturnStatusItemsReceived},
	ReturnStatusRejected:      {ReturnStatusClosed},
	ReturnStatusItemsReceived: {ReturnStatusRefunded, ReturnStatusClosed},
	ReturnStatusRefunded:      nil,
	ReturnStatusClosed:        nil,
}

// CanTransition reports whether s -> to is permitted
func (s ReturnStatus) CanTransition(to ReturnStatus) bool {
	for _, next := range returnTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Open reports whether the return still holds units against its order items
func (s ReturnStatus) Open() bool {
	return s != ReturnStatusRejected && s != ReturnStatusClosed && s != ReturnStatusRefunded
}

// RefundStatus tracks the external money movement
type RefundStatus string

// Refund statuses
const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusCompleted RefundStatus = "completed"
	RefundStatusFailed    RefundStatus = "failed"
)

package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestItemTransitions(t *testing.T) {
	tests := []struct {
		from, to ItemStatus
		allowed  bool
	}{
		{ItemStatusPending, ItemStatusConfirmed, true},
		{ItemStatusPending, ItemStatusShipped, false},
		{ItemStatusConfirmed, ItemStatusProcessing, true},
		{ItemStatusProcessing, ItemStatusShipped, true},
		{ItemStatusProcessing, ItemStatusCancelled, true},
		{ItemStatusShipped, ItemStatusCancelled, false},
		{ItemStatusShipped, ItemStatusDelivered, true},
		{ItemStatusShipped, ItemStatusReturned, true},
		{ItemStatusDelivered, ItemStatusReturned, false},
		{ItemStatusCancelled, ItemStatusPending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestItemTransitionsStayInsideTheStatusSet(t *testing.T) {
	known := make(map[ItemStatus]bool)
	for _, s := range ItemStatuses() {
		known[s] = true
	}
	for _, s := range ItemStatuses() {
		assert.True(t, s.Valid())
		for _, next := range s.Successors() {
			assert.True(t, known[next], "%s -> %s", s, next)
		}
		assert.Equal(t, len(s.Successors()) == 0, s.Terminal())
	}
	assert.False(t, ItemStatus("lost").Valid())
}

func TestDeriveOrderStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []ItemStatus
		want     OrderStatus
	}{
		{"empty", nil, OrderStatusCreated},
		{"all pending", []ItemStatus{ItemStatusPending, ItemStatusPending}, OrderStatusCreated},
		{"one confirmed", []ItemStatus{ItemStatusConfirmed, ItemStatusPending}, OrderStatusProcessing},
		{"one shipped", []ItemStatus{ItemStatusShipped, ItemStatusPending}, OrderStatusPartiallyFulfilled},
		{"shipped and cancelled", []ItemStatus{ItemStatusShipped, ItemStatusCancelled}, OrderStatusPartiallyFulfilled},
		{"one cancelled one pending", []ItemStatus{ItemStatusCancelled, ItemStatusPending}, OrderStatusPartiallyFulfilled},
		{"all shipped", []ItemStatus{ItemStatusShipped, ItemStatusShipped}, OrderStatusShipped},
		{"shipped and delivered", []ItemStatus{ItemStatusShipped, ItemStatusDelivered}, OrderStatusShipped},
		{"all delivered", []ItemStatus{ItemStatusDelivered, ItemStatusDelivered}, OrderStatusDelivered},
		{"delivered and returned", []ItemStatus{ItemStatusDelivered, ItemStatusReturned}, OrderStatusDelivered},
		{"all cancelled", []ItemStatus{ItemStatusCancelled, ItemStatusCancelled}, OrderStatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveOrderStatus(tt.statuses))
		})
	}
}

func TestDeriveOrderStatus_IgnoresItemOrder(t *testing.T) {
	a := []ItemStatus{ItemStatusShipped, ItemStatusPending, ItemStatusCancelled}
	b := []ItemStatus{ItemStatusCancelled, ItemStatusShipped, ItemStatusPending}
	assert.Equal(t, DeriveOrderStatus(a), DeriveOrderStatus(b))
}

func TestPaymentAndReturnTransitions(t *testing.T) {
	assert.True(t, PaymentStatusPending.CanTransition(PaymentStatusAuthorized))
	assert.True(t, PaymentStatusCaptured.CanTransition(PaymentStatusRefunded))
	assert.False(t, PaymentStatusPending.CanTransition(PaymentStatusRefunded))
	assert.False(t, PaymentStatusFailed.CanTransition(PaymentStatusAuthorized))

	assert.True(t, ReturnStatusRequested.CanTransition(ReturnStatusApproved))
	assert.True(t, ReturnStatusItemsReceived.CanTransition(ReturnStatusRefunded))
	assert.False(t, ReturnStatusRequested.CanTransition(ReturnStatusItemsReceived))
	assert.False(t, ReturnStatusRefunded.CanTransition(ReturnStatusClosed))
	assert.True(t, ReturnStatusApproved.Open())
	assert.False(t, ReturnStatusRejected.Open())
}

func TestAdjustmentDelta(t *testing.T) {
	assert.Equal(t, -3, AdjustmentSale.Delta(3))
	assert.Equal(t, -2, AdjustmentDamage.Delta(2))
	assert.Equal(t, 4, AdjustmentRestock.Delta(4))
	assert.Equal(t, 1, AdjustmentReservationRelease.Delta(1))
	assert.Equal(t, -5, AdjustmentCorrection.Delta(-5))
	assert.False(t, AdjustmentType("shrinkage").Valid())
}

func TestOrderItemRefundable(t *testing.T) {
	item := OrderItem{Quantity: 2, Price: decimal.NewFromInt(25), RefundedAmount: decimal.NewFromInt(40)}
	assert.True(t, decimal.NewFromInt(50).Equal(item.LineTotal()))
	assert.True(t, decimal.NewFromInt(10).Equal(item.Refundable()))

	item.RefundedAmount = decimal.NewFromInt(60)
	assert.True(t, item.Refundable().IsZero())
}

func TestConditionResalable(t *testing.T) {
	assert.True(t, ConditionNew.Resalable())
	assert.True(t, ConditionGood.Resalable())
	assert.False(t, ConditionDamaged.Resalable())
	assert.False(t, ConditionDefective.Resalable())
}

package service

import (
	"context"
	"testing"

	"marketplace-fulfillment/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func returnReq(orderID int64, ref models.ProductRef, qty int) CreateReturnRequest {
	return CreateReturnRequest{
		OrderID: orderID,
		Reason:  models.ReturnReasonDefective,
		Items:   []ReturnLine{{Ref: ref, Quantity: qty}},
	}
}

func approve(amount int64, method models.RefundMethod) ProcessReturnRequest {
	return ProcessReturnRequest{
		Action:       ReturnActionApprove,
		RefundAmount: decimal.NewFromInt(amount),
		RefundMethod: method,
		RefundType:   models.RefundTypeFull,
	}
}

// receivedReturn walks a return of qty units up to items_received
func (f *fixture) receivedReturn(t *testing.T, price int64, qty int, cond models.ItemCondition) (*models.ReturnRequest, models.ProductRef) {
	t.Helper()
	order, ref := f.deliveredOrder(t, price, qty)

	rr, err := f.returns.CreateReturnRequest(context.Background(), buyer, returnReq(order.ID, ref, qty))
	require.NoError(t, err)
	_, err = f.returns.ProcessReturnRequest(context.Background(), admin, rr.ID, approve(price*int64(qty), models.RefundMethodOriginalPayment))
	require.NoError(t, err)
	rr, err = f.returns.ProcessReturnedItems(context.Background(), admin, rr.ID, []ReceivedItem{
		{ReturnItemID: rr.Items[0].ID, Condition: cond},
	})
	require.NoError(t, err)
	return rr, ref
}

func TestCreateReturnRequest_RequiresDeliveredQuantity(t *testing.T) {
	f := newFixture(t)
	order, ref := f.deliveredOrder(t, 25, 1)

	_, err := f.returns.CreateReturnRequest(context.Background(), buyer, returnReq(order.ID, ref, 2))
	assert.ErrorIs(t, err, ErrInvalidItem)

	other := f.product(vendorB.VendorID, 5, 5)
	_, err = f.returns.CreateReturnRequest(context.Background(), buyer, returnReq(order.ID, other, 1))
	assert.ErrorIs(t, err, ErrInvalidItem)

	stranger := Actor{UserID: 555, Role: RoleBuyer}
	_, err = f.returns.CreateReturnRequest(context.Background(), stranger, returnReq(order.ID, ref, 1))
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.returns.CreateReturnRequest(context.Background(), buyer, CreateReturnRequest{OrderID: order.ID, Reason: "bored"})
	assert.ErrorIs(t, err, ErrValidation)

	rr, err := f.returns.CreateReturnRequest(context.Background(), buyer, returnReq(order.ID, ref, 1))
	require.NoError(t, err)
	assert.Equal(t, models.ReturnStatusRequested, rr.Status)
	require.Len(t, rr.Items, 1)

	// the single unit is already covered by the open return
	_, err = f.returns.CreateReturnRequest(context.Background(), buyer, returnReq(order.ID, ref, 1))
	assert.ErrorIs(t, err, ErrInvalidItem)
}

func TestCreateReturnRequest_UndeliveredItem(t *testing.T) {
	f := newFixture(t)
	ref := f.product(vendorA.VendorID, 25, 10)
	order := f.checkout(t, line(ref, 1))
	f.advanceItem(t, vendorA, order.Items[0].ID, models.ItemStatusShipped)

	_, err := f.returns.CreateReturnRequest(context.Background(), buyer, returnReq(order.ID, ref, 1))
	assert.ErrorIs(t, err, ErrInvalidItem)
}

func TestProcessReturnRequest(t *testing.T) {
	f := newFixture(t)
	order, ref := f.deliveredOrder(t, 25, 2)
	rr, err := f.returns.CreateReturnRequest(context.Background(), buyer, returnReq(order.ID, ref, 2))
	require.NoError(t, err)

	_, err = f.returns.ProcessReturnRequest(context.Background(), buyer, rr.ID, approve(50, models.RefundMethodOriginalPayment))
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.returns.ProcessReturnRequest(context.Background(), vendorB, rr.ID, approve(50, models.RefundMethodOriginalPayment))
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.returns.ProcessReturnRequest(context.Background(), vendorA, rr.ID, approve(51, models.RefundMethodOriginalPayment))
	assert.ErrorIs(t, err, ErrRefundExceedsOriginal)

	_, err = f.returns.ProcessReturnRequest(context.Background(), vendorA, rr.ID, ProcessReturnRequest{Action: ReturnActionApprove})
	assert.ErrorIs(t, err, ErrValidation)

	approved, err := f.returns.ProcessReturnRequest(context.Background(), vendorA, rr.ID, approve(50, models.RefundMethodOriginalPayment))
	require.NoError(t, err)
	assert.Equal(t, models.ReturnStatusApproved, approved.Status)
	assert.Equal(t, vendorA.UserID, approved.ProcessedBy)
	assert.NotNil(t, approved.DecidedAt)

	_, err = f.returns.ProcessReturnRequest(context.Background(), admin, rr.ID, ProcessReturnRequest{
		Action:          ReturnActionReject,
		RejectionReason: "too late",
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := f.returns.GetReturn(context.Background(), buyer, rr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReturnStatusApproved, got.Status)
}

func TestRejectReturnReleasesQuantity(t *testing.T) {
	f := newFixture(t)
	order, ref := f.deliveredOrder(t, 25, 1)
	rr, err := f.returns.CreateReturnRequest(context.Background(), buyer, returnReq(order.ID, ref, 1))
	require.NoError(t, err)

	_, err = f.returns.ProcessReturnRequest(context.Background(), admin, rr.ID, ProcessReturnRequest{Action: ReturnActionReject})
	assert.ErrorIs(t, err, ErrValidation)

	rejected, err := f.returns.ProcessReturnRequest(context.Background(), admin, rr.ID, ProcessReturnRequest{
		Action:          ReturnActionReject,
		RejectionReason: "outside return window",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReturnStatusRejected, rejected.Status)

	// the unit can be requested again
	_, err = f.returns.CreateReturnRequest(context.Background(), buyer, returnReq(order.ID, ref, 1))
	assert.NoError(t, err)

	closed, err := f.returns.CloseReturn(context.Background(), admin, rr.ID, "done")
	require.NoError(t, err)
	assert.Equal(t, models.ReturnStatusClosed, closed.Status)
}

func TestProcessReturnedItems_RestocksResalableUnits(t *testing.T) {
	f := newFixture(t)
	order, ref := f.deliveredOrder(t, 25, 3)
	before := f.stock(t, ref)

	rr, err := f.returns.CreateReturnRequest(context.Background(), buyer, CreateReturnRequest{
		OrderID: order.ID,
		Reason:  models.ReturnReasonChangedMind,
		Items:   []ReturnLine{{Ref: ref, Quantity: 2}},
	})
	require.NoError(t, err)

	_, err = f.returns.ProcessReturnedItems(context.Background(), admin, rr.ID, []ReceivedItem{
		{ReturnItemID: rr.Items[0].ID, Condition: models.ConditionLikeNew},
	})
	assert.ErrorIs(t, err, ErrInvalidTransition, "items cannot be received before approval")

	_, err = f.returns.ProcessReturnRequest(context.Background(), admin, rr.ID, approve(50, models.RefundMethodOriginalPayment))
	require.NoError(t, err)

	_, err = f.returns.ProcessReturnedItems(context.Background(), admin, rr.ID, []ReceivedItem{
		{ReturnItemID: 999999, Condition: models.ConditionNew},
	})
	assert.ErrorIs(t, err, ErrInvalidItem)

	received, err := f.returns.ProcessReturnedItems(context.Background(), admin, rr.ID, []ReceivedItem{
		{ReturnItemID: rr.Items[0].ID, Condition: models.ConditionLikeNew},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReturnStatusItemsReceived, received.Status)
	assert.True(t, received.Items[0].Restocked)
	assert.Equal(t, before+2, f.stock(t, ref))

	history, err := f.inventory.GetStockHistory(context.Background(), ref, 1)
	require.NoError(t, err)
	assert.Equal(t, models.AdjustmentReturn, history[0].Type)
}

func TestProcessReturnedItems_DamagedUnitsStayOut(t *testing.T) {
	f := newFixture(t)
	rr, ref := f.receivedReturn(t, 25, 1, models.ConditionDamaged)

	assert.False(t, rr.Items[0].Restocked)
	assert.Equal(t, 19, f.stock(t, ref))
}

func TestProcessReturnedItems_RequiresEveryLine(t *testing.T) {
	f := newFixture(t)
	shirt := f.product(vendorA.VendorID, 25, 10)
	shoes := f.product(vendorA.VendorID, 40, 10)
	order := f.checkout(t, line(shirt, 1), line(shoes, 1))
	for _, it := range order.Items {
		f.advanceItem(t, vendorA, it.ID, models.ItemStatusDelivered)
	}

	rr, err := f.returns.CreateReturnRequest(context.Background(), buyer, CreateReturnRequest{
		OrderID: order.ID,
		Reason:  models.ReturnReasonChangedMind,
		Items:   []ReturnLine{{Ref: shirt, Quantity: 1}, {Ref: shoes, Quantity: 1}},
	})
	require.NoError(t, err)
	require.Len(t, rr.Items, 2)
	_, err = f.returns.ProcessReturnRequest(context.Background(), admin, rr.ID, approve(65, models.RefundMethodOriginalPayment))
	require.NoError(t, err)

	_, err = f.returns.ProcessReturnedItems(context.Background(), admin, rr.ID, []ReceivedItem{
		{ReturnItemID: rr.Items[0].ID, Condition: models.ConditionNew},
	})
	assert.ErrorIs(t, err, ErrInvalidItem)

	got, err := f.returns.GetReturn(context.Background(), admin, rr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReturnStatusApproved, got.Status)
	assert.Equal(t, 9, f.stock(t, shirt))
	assert.Equal(t, 9, f.stock(t, shoes))

	received, err := f.returns.ProcessReturnedItems(context.Background(), admin, rr.ID, []ReceivedItem{
		{ReturnItemID: rr.Items[0].ID, Condition: models.ConditionNew},
		{ReturnItemID: rr.Items[1].ID, Condition: models.ConditionDamaged},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReturnStatusItemsReceived, received.Status)
	for _, ri := range received.Items {
		assert.NotEmpty(t, ri.Condition)
	}
	assert.Equal(t, 19, f.stock(t, shirt)+f.stock(t, shoes))
}

func TestProcessRefund_CappedByLineTotal(t *testing.T) {
	f := newFixture(t)
	rr, _ := f.receivedReturn(t, 25, 2, models.ConditionGood)

	first, err := f.returns.ProcessRefund(context.Background(), admin, rr.ID, RefundRequest{
		Amount: decimal.NewFromInt(40),
		Method: models.RefundMethodOriginalPayment,
		Type:   models.RefundTypePartial,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusPending, first.Refund.Status)
	require.Len(t, first.Refund.Allocations, 1)
	assert.True(t, decimal.NewFromInt(40).Equal(first.Refund.Allocations[0].Amount))
	assert.Nil(t, first.StoreCredit)

	_, err = f.returns.ProcessRefund(context.Background(), admin, rr.ID, RefundRequest{
		Amount: decimal.NewFromInt(30),
		Method: models.RefundMethodOriginalPayment,
		Type:   models.RefundTypePartial,
	})
	assert.ErrorIs(t, err, ErrRefundExceedsOriginal)

	// the remaining 10 is still refundable
	_, err = f.returns.ProcessRefund(context.Background(), admin, rr.ID, RefundRequest{
		Amount: decimal.NewFromInt(10),
		Method: models.RefundMethodOriginalPayment,
		Type:   models.RefundTypePartial,
	})
	assert.NoError(t, err)
}

func TestProcessRefund_CappedByReturnedUnits(t *testing.T) {
	f := newFixture(t)
	order, ref := f.deliveredOrder(t, 50, 3)

	first, err := f.returns.CreateReturnRequest(context.Background(), buyer, returnReq(order.ID, ref, 1))
	require.NoError(t, err)
	_, err = f.returns.ProcessReturnRequest(context.Background(), admin, first.ID, approve(50, models.RefundMethodStoreCredit))
	require.NoError(t, err)
	_, err = f.returns.ProcessReturnedItems(context.Background(), admin, first.ID, []ReceivedItem{
		{ReturnItemID: first.Items[0].ID, Condition: models.ConditionGood},
	})
	require.NoError(t, err)

	credit := func(amount int64) RefundRequest {
		return RefundRequest{Amount: decimal.NewFromInt(amount), Method: models.RefundMethodStoreCredit, Type: models.RefundTypeFull}
	}

	// one returned unit is worth 50 even though the line is worth 150
	_, err = f.returns.ProcessRefund(context.Background(), admin, first.ID, credit(150))
	assert.ErrorIs(t, err, ErrRefundExceedsOriginal)
	_, err = f.returns.ProcessRefund(context.Background(), admin, first.ID, credit(60))
	assert.ErrorIs(t, err, ErrRefundExceedsOriginal)

	outcome, err := f.returns.ProcessRefund(context.Background(), admin, first.ID, credit(50))
	require.NoError(t, err)
	require.Len(t, outcome.Refund.Allocations, 1)
	assert.True(t, decimal.NewFromInt(50).Equal(outcome.Refund.Allocations[0].Amount))

	_, err = f.returns.ProcessRefund(context.Background(), admin, first.ID, credit(1))
	assert.ErrorIs(t, err, ErrRefundExceedsOriginal)

	got, err := f.returns.GetReturn(context.Background(), admin, first.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(got.RefundedAmount))

	// the other two units keep their value for a later return
	second, err := f.returns.CreateReturnRequest(context.Background(), buyer, returnReq(order.ID, ref, 2))
	require.NoError(t, err)
	_, err = f.returns.ProcessReturnRequest(context.Background(), admin, second.ID, approve(100, models.RefundMethodStoreCredit))
	require.NoError(t, err)
	_, err = f.returns.ProcessReturnedItems(context.Background(), admin, second.ID, []ReceivedItem{
		{ReturnItemID: second.Items[0].ID, Condition: models.ConditionGood},
	})
	require.NoError(t, err)
	_, err = f.returns.ProcessRefund(context.Background(), admin, second.ID, credit(100))
	require.NoError(t, err)

	balance, err := f.returns.GetStoreCredits(context.Background(), buyer, buyer.UserID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(150).Equal(balance.Balance))
}

func TestProcessRefund_Rules(t *testing.T) {
	f := newFixture(t)
	order, ref := f.deliveredOrder(t, 25, 1)
	rr, err := f.returns.CreateReturnRequest(context.Background(), buyer, returnReq(order.ID, ref, 1))
	require.NoError(t, err)

	req := RefundRequest{Amount: decimal.NewFromInt(10), Method: models.RefundMethodOriginalPayment, Type: models.RefundTypePartial}

	_, err = f.returns.ProcessRefund(context.Background(), admin, rr.ID, req)
	assert.ErrorIs(t, err, ErrInvalidTransition, "refunds need received items")

	_, err = f.returns.ProcessRefund(context.Background(), admin, rr.ID, RefundRequest{Amount: decimal.Zero, Method: req.Method, Type: req.Type})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.returns.ProcessRefund(context.Background(), buyer, rr.ID, req)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRefundCompletedAndFailed(t *testing.T) {
	f := newFixture(t)
	rr, _ := f.receivedReturn(t, 25, 2, models.ConditionGood)
	req := RefundRequest{Amount: decimal.NewFromInt(50), Method: models.RefundMethodOriginalPayment, Type: models.RefundTypeFull}

	failing, err := f.returns.ProcessRefund(context.Background(), admin, rr.ID, req)
	require.NoError(t, err)

	failed, err := f.returns.MarkRefundFailed(context.Background(), failing.Refund.ID, "card expired")
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusFailed, failed.Status)
	assert.Equal(t, "card expired", failed.FailureReason)

	// the failed refund's allocation was released, so the full amount fits again
	retry, err := f.returns.ProcessRefund(context.Background(), admin, rr.ID, req)
	require.NoError(t, err)

	done, err := f.returns.MarkRefundCompleted(context.Background(), retry.Refund.ID, "gw-123")
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusCompleted, done.Status)
	assert.Equal(t, "gw-123", done.ExternalReference)
	assert.NotNil(t, done.CompletedAt)

	got, err := f.returns.GetReturn(context.Background(), buyer, rr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReturnStatusRefunded, got.Status)

	_, err = f.returns.MarkRefundCompleted(context.Background(), retry.Refund.ID, "gw-123")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.returns.MarkRefundFailed(context.Background(), failing.Refund.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.returns.MarkRefundFailed(context.Background(), retry.Refund.ID, "")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.returns.MarkRefundCompleted(context.Background(), 888888, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreCreditRefund(t *testing.T) {
	f := newFixture(t)
	rr, _ := f.receivedReturn(t, 25, 2, models.ConditionNew)

	outcome, err := f.returns.ProcessRefund(context.Background(), admin, rr.ID, RefundRequest{
		Amount: decimal.NewFromInt(50),
		Method: models.RefundMethodStoreCredit,
		Type:   models.RefundTypeFull,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusCompleted, outcome.Refund.Status)
	require.NotNil(t, outcome.StoreCredit)
	assert.True(t, decimal.NewFromInt(50).Equal(outcome.StoreCredit.Remaining))
	assert.True(t, outcome.StoreCredit.ExpiresAt.After(outcome.StoreCredit.CreatedAt))

	got, err := f.returns.GetReturn(context.Background(), admin, rr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReturnStatusRefunded, got.Status)

	balance, err := f.returns.GetStoreCredits(context.Background(), buyer, buyer.UserID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(balance.Balance))
	assert.Len(t, balance.Credits, 1)

	_, err = f.returns.GetStoreCredits(context.Background(), Actor{UserID: 7, Role: RoleBuyer}, buyer.UserID)
	assert.ErrorIs(t, err, ErrForbidden)

	assert.Equal(t, 1, f.notifier.Count(models.EventTypeStoreCreditIssued))
}

func TestBulkProcessReturnRequests(t *testing.T) {
	f := newFixture(t)
	var ids []int64
	for i := 0; i < 3; i++ {
		order, ref := f.deliveredOrder(t, 10, 1)
		rr, err := f.returns.CreateReturnRequest(context.Background(), buyer, returnReq(order.ID, ref, 1))
		require.NoError(t, err)
		ids = append(ids, rr.ID)
	}
	_, err := f.returns.ProcessReturnRequest(context.Background(), admin, ids[1], approve(10, models.RefundMethodStoreCredit))
	require.NoError(t, err)

	result, err := f.returns.BulkProcessReturnRequests(context.Background(), admin, ids, approve(10, models.RefundMethodStoreCredit))
	require.NoError(t, err)
	assert.Equal(t, 2, result.UpdatedCount)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, ids[1], result.Failures[0].ID)
}

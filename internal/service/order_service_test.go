package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"marketplace-fulfillment/internal/mocks"
	"marketplace-fulfillment/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestMergeLines(t *testing.T) {
	a := models.ProductRef{Category: models.CategoryMusic, ProductID: 1}
	b := models.ProductRef{Category: models.CategoryMusic, ProductID: 2}

	merged := mergeLines([]CheckoutItem{line(a, 2), line(b, 1), line(a, 3)})

	require.Len(t, merged, 2)
	assert.Equal(t, a, merged[0].Ref)
	assert.Equal(t, 5, merged[0].Quantity)
	assert.Equal(t, 1, merged[1].Quantity)
}

func TestCheckout_SnapshotsPricesAndDebitsStock(t *testing.T) {
	f := newFixture(t)
	shirt := f.product(vendorA.VendorID, 150, 10)
	vinyl := f.product(vendorB.VendorID, 40, 4)

	order, err := f.orders.Checkout(context.Background(), buyer, CheckoutRequest{
		Items:       []CheckoutItem{line(shirt, 2), line(vinyl, 1)},
		Shipping:    shipping(),
		ShippingFee: decimal.NewFromInt(15),
		Discount:    decimal.NewFromInt(5),
	})
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusCreated, order.Status)
	assert.Equal(t, models.PaymentStatusPending, order.PaymentStatus)
	assert.Equal(t, "standard", order.Priority)
	assert.True(t, decimal.NewFromInt(340).Equal(order.Subtotal))
	assert.True(t, decimal.NewFromInt(350).Equal(order.Amount))
	require.Len(t, order.Items, 2)
	assert.Equal(t, vendorA.VendorID, order.Items[0].VendorID)
	assert.Equal(t, vendorB.VendorID, order.Items[1].VendorID)

	assert.Equal(t, 8, f.stock(t, shirt))
	assert.Equal(t, 3, f.stock(t, vinyl))
	assert.Equal(t, 1, f.notifier.Count(models.EventTypeOrderCreated))
}

func TestCheckout_DiscountLargerThanTotalClampsToZero(t *testing.T) {
	f := newFixture(t)
	ref := f.product(vendorA.VendorID, 10, 5)

	order, err := f.orders.Checkout(context.Background(), buyer, CheckoutRequest{
		Items:    []CheckoutItem{line(ref, 1)},
		Shipping: shipping(),
		Discount: decimal.NewFromInt(50),
	})
	require.NoError(t, err)
	assert.True(t, order.Amount.IsZero())
}

func TestCheckout_Validation(t *testing.T) {
	f := newFixture(t)
	ref := f.product(vendorA.VendorID, 10, 5)

	tests := []struct {
		name string
		req  CheckoutRequest
	}{
		{"no items", CheckoutRequest{Shipping: shipping()}},
		{"zero quantity", CheckoutRequest{Items: []CheckoutItem{line(ref, 0)}, Shipping: shipping()}},
		{"missing shipping", CheckoutRequest{Items: []CheckoutItem{line(ref, 1)}}},
		{"negative fee", CheckoutRequest{Items: []CheckoutItem{line(ref, 1)}, Shipping: shipping(), ShippingFee: decimal.NewFromInt(-1)}},
		{"unknown category", CheckoutRequest{
			Items:    []CheckoutItem{{Ref: models.ProductRef{Category: "toys", ProductID: 1}, Quantity: 1}},
			Shipping: shipping(),
		}},
		{"bad priority", CheckoutRequest{Items: []CheckoutItem{line(ref, 1)}, Shipping: shipping(), Priority: "overnight"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orders.Checkout(context.Background(), buyer, tt.req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Equal(t, 5, f.stock(t, ref))
}

func TestCheckout_InsufficientStockWritesNothing(t *testing.T) {
	f := newFixture(t)
	plenty := f.product(vendorA.VendorID, 10, 10)
	scarce := f.product(vendorA.VendorID, 10, 1)

	_, err := f.orders.Checkout(context.Background(), buyer, CheckoutRequest{
		Items:    []CheckoutItem{line(plenty, 2), line(scarce, 2)},
		Shipping: shipping(),
	})
	assert.ErrorIs(t, err, ErrInvalidAdjustment)

	assert.Equal(t, 10, f.stock(t, plenty))
	assert.Equal(t, 1, f.stock(t, scarce))
	orders, err := f.orders.ListUserOrders(context.Background(), buyer.UserID)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCheckout_ConcurrentSalesNeverOversell(t *testing.T) {
	f := newFixture(t)
	ref := f.product(vendorA.VendorID, 10, 5)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		success  int
		rejected int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orders.Checkout(context.Background(), buyer, CheckoutRequest{
				Items:    []CheckoutItem{line(ref, 3)},
				Shipping: shipping(),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, ErrInvalidAdjustment):
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 2, f.stock(t, ref))

	rec, err := f.inventory.ReconcileStock(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
}

func TestCancelOrder_ReleasesUnshippedItemsOnly(t *testing.T) {
	f := newFixture(t)
	shipped := f.product(vendorA.VendorID, 20, 10)
	pending := f.product(vendorB.VendorID, 30, 10)
	order := f.checkout(t, line(shipped, 1), line(pending, 2))

	f.advanceItem(t, vendorA, order.Items[0].ID, models.ItemStatusShipped)

	cancelled, err := f.orders.CancelOrder(context.Background(), buyer, order.ID, "found it cheaper")
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPartiallyFulfilled, cancelled.Status)
	assert.Equal(t, "found it cheaper", cancelled.CancelReason)
	assert.Equal(t, models.ItemStatusShipped, cancelled.Items[0].Status)
	assert.Equal(t, models.ItemStatusCancelled, cancelled.Items[1].Status)

	assert.Equal(t, 9, f.stock(t, shipped))
	assert.Equal(t, 10, f.stock(t, pending))

	history, err := f.inventory.GetStockHistory(context.Background(), pending, 0)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, models.AdjustmentReservationRelease, history[0].Type)
	assert.Equal(t, 2, history[0].QuantityDelta)
}

func TestCancelOrder_Rules(t *testing.T) {
	f := newFixture(t)
	ref := f.product(vendorA.VendorID, 20, 10)
	order := f.checkout(t, line(ref, 1))

	_, err := f.orders.CancelOrder(context.Background(), buyer, order.ID, "  ")
	assert.ErrorIs(t, err, ErrValidation)

	stranger := Actor{UserID: 999, Role: RoleBuyer}
	_, err = f.orders.CancelOrder(context.Background(), stranger, order.ID, "nope")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.orders.CancelOrder(context.Background(), buyer, 424242, "gone")
	assert.ErrorIs(t, err, ErrNotFound)

	cancelled, err := f.orders.CancelOrder(context.Background(), buyer, order.ID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)

	_, err = f.orders.CancelOrder(context.Background(), buyer, order.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelOrder_NothingCancellable(t *testing.T) {
	f := newFixture(t)
	ref := f.product(vendorA.VendorID, 20, 10)
	order := f.checkout(t, line(ref, 1))
	f.advanceItem(t, vendorA, order.Items[0].ID, models.ItemStatusShipped)

	_, err := f.orders.CancelOrder(context.Background(), buyer, order.ID, "too late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestGetOrder_Visibility(t *testing.T) {
	f := newFixture(t)
	ref := f.product(vendorA.VendorID, 20, 10)
	order := f.checkout(t, line(ref, 1))

	for _, actor := range []Actor{buyer, admin, vendorA} {
		got, err := f.orders.GetOrder(context.Background(), actor, order.ID)
		require.NoError(t, err)
		assert.Equal(t, order.ID, got.ID)
	}

	_, err := f.orders.GetOrder(context.Background(), vendorB, order.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.orders.GetOrder(context.Background(), Actor{UserID: 5, Role: RoleBuyer}, order.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAdvanceOrder(t *testing.T) {
	f := newFixture(t)
	ref := f.product(vendorA.VendorID, 20, 10)
	order := f.checkout(t, line(ref, 1), line(f.product(vendorB.VendorID, 5, 10), 1))

	_, err := f.orders.AdvanceOrder(context.Background(), buyer, order.ID, models.OrderStatusProcessing)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.orders.AdvanceOrder(context.Background(), admin, order.ID, models.OrderStatusShipped)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	advanced, err := f.orders.AdvanceOrder(context.Background(), admin, order.ID, models.OrderStatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusProcessing, advanced.Status)
	for _, it := range advanced.Items {
		assert.Equal(t, models.ItemStatusProcessing, it.Status)
	}

	_, err = f.orders.AdvanceOrder(context.Background(), admin, order.ID, models.OrderStatusProcessing)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestBulkUpdateOrderStatus_ContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	ref := f.product(vendorA.VendorID, 10, 50)

	ids := make([]int64, 5)
	for i := range ids {
		order := f.checkout(t, line(ref, 1))
		ids[i] = order.ID
		f.advanceItem(t, vendorA, order.Items[0].ID, models.ItemStatusShipped)
	}
	// the third order is already delivered
	_, err := f.orders.AdvanceOrder(context.Background(), admin, ids[2], models.OrderStatusDelivered)
	require.NoError(t, err)

	result, err := f.orders.BulkUpdateOrderStatus(context.Background(), admin, ids, models.OrderStatusDelivered)
	require.NoError(t, err)

	assert.Equal(t, 5, result.Requested)
	assert.Equal(t, 4, result.UpdatedCount)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, ids[2], result.Failures[0].ID)

	for _, id := range ids {
		got, err := f.orders.GetOrder(context.Background(), admin, id)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusDelivered, got.Status)
	}
}

func TestBulkUpdateOrderStatus_Limits(t *testing.T) {
	f := newFixture(t)

	_, err := f.orders.BulkUpdateOrderStatus(context.Background(), admin, nil, models.OrderStatusDelivered)
	assert.ErrorIs(t, err, ErrValidation)

	small := NewOrderService(f.db, f.inventory, f.notifier, 2)
	_, err = small.BulkUpdateOrderStatus(context.Background(), admin, []int64{1, 2, 3}, models.OrderStatusDelivered)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCheckout_NotifierFailureDoesNotRollBack(t *testing.T) {
	n := &mocks.MockNotifier{}
	n.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down"))
	f := newFixtureWith(t, n)
	ref := f.product(vendorA.VendorID, 10, 5)

	order, err := f.orders.Checkout(context.Background(), buyer, CheckoutRequest{
		Items:    []CheckoutItem{line(ref, 2)},
		Shipping: shipping(),
	})
	require.NoError(t, err)
	assert.NotZero(t, order.ID)
	assert.Equal(t, 3, f.stock(t, ref))
	n.AssertCalled(t, "Publish", mock.Anything, mock.Anything)
}

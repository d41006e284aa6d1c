package service

import (
	"context"
	"testing"
	"time"

	"marketplace-fulfillment/internal/ledger"
	"marketplace-fulfillment/internal/mocks"
	"marketplace-fulfillment/internal/models"
	"marketplace-fulfillment/internal/store"
	"marketplace-fulfillment/internal/store/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testThreshold = 3

var (
	buyer   = Actor{UserID: 100, Role: RoleBuyer}
	admin   = Actor{UserID: 1, Role: RoleAdmin}
	vendorA = Actor{UserID: 200, Role: RoleVendor, VendorID: 10}
	vendorB = Actor{UserID: 300, Role: RoleVendor, VendorID: 20}
)

type fixture struct {
	db        *memstore.Store
	notifier  *mocks.MockNotifier
	inventory *InventoryService
	orders    *OrderService
	vendors   *VendorService
	returns   *ReturnsService
	payments  *PaymentService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	n := &mocks.MockNotifier{}
	n.On("Publish", mock.Anything, mock.Anything).Return(nil)
	return newFixtureWith(t, n)
}

func newFixtureWith(t *testing.T, n *mocks.MockNotifier) *fixture {
	t.Helper()
	db := memstore.New()
	inv := NewInventoryService(db, ledger.New(), n, testThreshold)
	return &fixture{
		db:        db,
		notifier:  n,
		inventory: inv,
		orders:    NewOrderService(db, inv, n, 0),
		vendors:   NewVendorService(db, inv, n, 0),
		returns:   NewReturnsService(db, inv, n, 30*24*time.Hour, 0),
		payments:  NewPaymentService(db, n),
	}
}

func (f *fixture) product(vendorID int64, price int64, stock int) models.ProductRef {
	p := f.db.SeedProduct(models.Product{
		Category: models.CategoryFashion,
		VendorID: vendorID,
		Price:    decimal.NewFromInt(price),
		Stock:    stock,
	})
	return p.Ref()
}

func (f *fixture) stock(t *testing.T, ref models.ProductRef) int {
	t.Helper()
	n, err := f.inventory.CurrentStock(context.Background(), ref)
	require.NoError(t, err)
	return n
}

func shipping() ShippingDetails {
	return ShippingDetails{
		Name:       "Dewi Lestari",
		Phone:      "+62 812 0000 0000",
		Address:    "Jl. Kenanga 12",
		City:       "Bandung",
		PostalCode: "40115",
		Country:    "ID",
	}
}

func (f *fixture) checkout(t *testing.T, lines ...CheckoutItem) *models.Order {
	t.Helper()
	order, err := f.orders.Checkout(context.Background(), buyer, CheckoutRequest{Items: lines, Shipping: shipping()})
	require.NoError(t, err)
	return order
}

func line(ref models.ProductRef, qty int) CheckoutItem {
	return CheckoutItem{Ref: ref, Quantity: qty}
}

// advanceItem drives one item through the vendor transitions up to `to`
func (f *fixture) advanceItem(t *testing.T, actor Actor, itemID int64, to models.ItemStatus) {
	t.Helper()
	path := []models.ItemStatus{
		models.ItemStatusConfirmed,
		models.ItemStatusProcessing,
		models.ItemStatusShipped,
		models.ItemStatusDelivered,
	}
	var current models.ItemStatus
	err := f.db.View(context.Background(), func(q store.Queries) error {
		it, err := q.GetOrderItem(context.Background(), itemID)
		if err != nil {
			return err
		}
		current = it.Status
		return nil
	})
	require.NoError(t, err)

	started := current == models.ItemStatusPending
	for _, next := range path {
		if !started {
			started = next == current
			continue
		}
		req := ItemStatusRequest{Status: next}
		if next == models.ItemStatusShipped {
			req.TrackingNumber = "JNE-0001"
		}
		_, err := f.vendors.UpdateItemStatus(context.Background(), actor, itemID, req)
		require.NoError(t, err)
		if next == to {
			return
		}
	}
}

// deliveredOrder checks out qty units at price and delivers them
func (f *fixture) deliveredOrder(t *testing.T, price int64, qty int) (*models.Order, models.ProductRef) {
	t.Helper()
	ref := f.product(vendorA.VendorID, price, 20)
	order := f.checkout(t, line(ref, qty))
	f.advanceItem(t, vendorA, order.Items[0].ID, models.ItemStatusDelivered)
	return order, ref
}

package service

import (
	"context"
	"sync"
	"testing"

	"marketplace-fulfillment/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adjust(ref models.ProductRef, typ models.AdjustmentType, qty int) AdjustStockRequest {
	return AdjustStockRequest{Ref: ref, Type: typ, Quantity: qty, Reason: "stock take"}
}

func TestAdjustStock(t *testing.T) {
	f := newFixture(t)
	ref := f.product(vendorA.VendorID, 10, 10)

	tests := []struct {
		name     string
		actor    Actor
		req      AdjustStockRequest
		success  bool
		code     string
		newStock int
	}{
		{"restock by owner", vendorA, adjust(ref, models.AdjustmentRestock, 5), true, "", 15},
		{"damage by admin", admin, adjust(ref, models.AdjustmentDamage, 2), true, "", 13},
		{"negative correction", vendorA, adjust(ref, models.AdjustmentCorrection, -3), true, "", 10},
		{"positive correction", vendorA, adjust(ref, models.AdjustmentCorrection, 1), true, "", 11},
		{"damage beyond stock", vendorA, adjust(ref, models.AdjustmentDamage, 50), false, "INVALID_ADJUSTMENT", 0},
		{"zero correction", vendorA, adjust(ref, models.AdjustmentCorrection, 0), false, "VALIDATION_FAILED", 0},
		{"negative restock", vendorA, adjust(ref, models.AdjustmentRestock, -1), false, "VALIDATION_FAILED", 0},
		{"unknown type", vendorA, adjust(ref, "shrinkage", 1), false, "VALIDATION_FAILED", 0},
		{"missing reason", vendorA, AdjustStockRequest{Ref: ref, Type: models.AdjustmentRestock, Quantity: 1}, false, "VALIDATION_FAILED", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.inventory.AdjustStock(context.Background(), tt.actor, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.success, result.Success, result.Message)
			assert.Equal(t, tt.code, result.Code)
			if tt.success {
				assert.Equal(t, tt.newStock, result.NewStock)
				require.NotNil(t, result.Adjustment)
				assert.Equal(t, tt.actor.UserID, result.Adjustment.ActorUserID)
			}
		})
	}

	assert.Equal(t, 11, f.stock(t, ref))
	rec, err := f.inventory.ReconcileStock(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
	assert.Equal(t, 1, rec.LedgerSum)
}

func TestAdjustStock_Authorization(t *testing.T) {
	f := newFixture(t)
	ref := f.product(vendorA.VendorID, 10, 10)

	_, err := f.inventory.AdjustStock(context.Background(), vendorB, adjust(ref, models.AdjustmentRestock, 1))
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.inventory.AdjustStock(context.Background(), buyer, adjust(ref, models.AdjustmentRestock, 1))
	assert.ErrorIs(t, err, ErrForbidden)

	missing := models.ProductRef{Category: models.CategoryFashion, ProductID: 99999}
	_, err = f.inventory.AdjustStock(context.Background(), admin, adjust(missing, models.AdjustmentRestock, 1))
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 10, f.stock(t, ref))
}

func TestAdjustStock_ConcurrentSalesNeverOversell(t *testing.T) {
	f := newFixture(t)
	ref := f.product(vendorA.VendorID, 10, 5)

	results := make([]*AdjustStockResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := f.inventory.AdjustStock(context.Background(), vendorA, adjust(ref, models.AdjustmentSale, 3))
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	var accepted, refused []*AdjustStockResult
	for _, r := range results {
		require.NotNil(t, r)
		if r.Success {
			accepted = append(accepted, r)
		} else {
			refused = append(refused, r)
		}
	}
	require.Len(t, accepted, 1)
	require.Len(t, refused, 1)
	assert.Equal(t, 2, accepted[0].NewStock)
	assert.Equal(t, "INVALID_ADJUSTMENT", refused[0].Code)
	assert.Nil(t, refused[0].Adjustment)

	assert.Equal(t, 2, f.stock(t, ref))
	rec, err := f.inventory.ReconcileStock(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
}

func TestLowStockAlerts_OpenAndResolve(t *testing.T) {
	f := newFixture(t)
	ref := f.product(vendorA.VendorID, 10, 5)

	// 5 -> 2 drops below the threshold of 3
	f.checkout(t, line(ref, 3))
	open := false
	alerts, err := f.inventory.GetLowStockAlerts(context.Background(), vendorA.VendorID, &open)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, 2, alerts[0].Stock)
	assert.Equal(t, testThreshold, alerts[0].Threshold)

	// a further debit keeps the single open alert
	f.checkout(t, line(ref, 1))
	alerts, err = f.inventory.GetLowStockAlerts(context.Background(), vendorA.VendorID, &open)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
	assert.Equal(t, 1, f.notifier.Count(models.EventTypeStockLow))

	// restocking to the threshold resolves it
	result, err := f.inventory.AdjustStock(context.Background(), vendorA, adjust(ref, models.AdjustmentRestock, 2))
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, 3, result.NewStock)

	alerts, err = f.inventory.GetLowStockAlerts(context.Background(), vendorA.VendorID, &open)
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Equal(t, 1, f.notifier.Count(models.EventTypeStockRestored))

	other, err := f.inventory.GetLowStockAlerts(context.Background(), vendorB.VendorID, nil)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestAcknowledgeAlert(t *testing.T) {
	f := newFixture(t)
	ref := f.product(vendorA.VendorID, 10, 3)
	f.checkout(t, line(ref, 1))

	alerts, err := f.inventory.GetLowStockAlerts(context.Background(), 0, nil)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	id := alerts[0].ID

	assert.ErrorIs(t, f.inventory.AcknowledgeAlert(context.Background(), buyer, id), ErrForbidden)
	assert.ErrorIs(t, f.inventory.AcknowledgeAlert(context.Background(), vendorB, id), ErrForbidden)
	assert.ErrorIs(t, f.inventory.AcknowledgeAlert(context.Background(), admin, 777777), ErrNotFound)

	require.NoError(t, f.inventory.AcknowledgeAlert(context.Background(), vendorA, id))
	assert.ErrorIs(t, f.inventory.AcknowledgeAlert(context.Background(), admin, id), ErrInvalidTransition)
}

func TestValidateAvailability(t *testing.T) {
	f := newFixture(t)
	ref := f.product(vendorA.VendorID, 10, 4)
	missing := models.ProductRef{Category: models.CategoryMusic, ProductID: 4242}

	ok, err := f.inventory.ValidateAvailability(context.Background(), []AvailabilityLine{{Ref: ref, Quantity: 4}})
	require.NoError(t, err)
	assert.True(t, ok.Valid)
	assert.Empty(t, ok.Errors)

	// repeated lines are summed before comparing
	res, err := f.inventory.ValidateAvailability(context.Background(), []AvailabilityLine{
		{Ref: ref, Quantity: 3},
		{Ref: ref, Quantity: 2},
		{Ref: missing, Quantity: 1},
		{Ref: models.ProductRef{Category: "toys", ProductID: 1}, Quantity: 1},
	})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Len(t, res.Errors, 3)

	empty, err := f.inventory.ValidateAvailability(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, empty.Valid)

	assert.Equal(t, 4, f.stock(t, ref))
}

func TestStockHistoryAndSummary(t *testing.T) {
	f := newFixture(t)
	ref := f.product(vendorA.VendorID, 10, 10)
	f.product(vendorB.VendorID, 10, 0)

	for i := 0; i < 3; i++ {
		_, err := f.inventory.AdjustStock(context.Background(), vendorA, adjust(ref, models.AdjustmentRestock, 1))
		require.NoError(t, err)
	}

	history, err := f.inventory.GetStockHistory(context.Background(), ref, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 13, history[0].StockAfter)
	assert.Equal(t, 12, history[1].StockAfter)

	_, err = f.inventory.GetStockHistory(context.Background(), models.ProductRef{Category: models.CategoryFashion, ProductID: 5555}, 0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.inventory.GetStockHistory(context.Background(), models.ProductRef{Category: "toys", ProductID: 1}, 0)
	assert.ErrorIs(t, err, ErrValidation)

	summary, err := f.inventory.GetInventorySummary(context.Background(), 0)
	require.NoError(t, err)
	var fashion models.CategorySummary
	for _, s := range summary {
		if s.Category == models.CategoryFashion {
			fashion = s
		}
	}
	assert.Equal(t, 2, fashion.ProductCount)
	assert.Equal(t, 13, fashion.TotalUnits)
	assert.Equal(t, 1, fashion.OutOfStock)

	mine, err := f.inventory.GetInventorySummary(context.Background(), vendorA.VendorID)
	require.NoError(t, err)
	for _, s := range mine {
		if s.Category == models.CategoryFashion {
			assert.Equal(t, 1, s.ProductCount)
		}
	}
}

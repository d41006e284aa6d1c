package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"marketplace-fulfillment/internal/models"
)

// categoryTables maps each category onto the table that holds its products.
// Every lookup below goes through this registry so no caller branches on
// category.
var categoryTables = map[models.Category]string{
	models.CategoryAccessories:   "accessories",
	models.CategoryFashion:       "fashion",
	models.CategoryDecoration:    "decoration",
	models.CategoryHomeAndLiving: "home_and_living",
	models.CategoryMeditation:    "meditation",
	models.CategoryMusic:         "music",
	models.CategoryDigitalBook:   "digital_books",
	models.CategoryCoupon:        "coupons",
}

// TableFor returns the table backing a category
func TableFor(category models.Category) (string, error) {
	table, ok := categoryTables[category]
	if !ok {
		return "", fmt.Errorf("unknown product category %q", category)
	}
	return table, nil
}

// GetProduct resolves price, stock and vendor for a product reference
func (q *queries) GetProduct(ctx context.Context, ref models.ProductRef) (*models.Product, error) {
	table, err := TableFor(ref.Category)
	if err != nil {
		return nil, err
	}

	var product models.Product
	query := fmt.Sprintf(
		"SELECT id, vendor_id, price, stock, base_stock, updated_at FROM %s WHERE id = $1", table)
	err = q.get(ctx, &product, query, ref.ProductID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	product.Category = ref.Category
	return &product, nil
}

// ApplyStockDelta moves the materialised stock counter by delta, refusing to
// take it below zero. Zero matched rows is ErrConditionFailed when the
// product exists.
func (q *queries) ApplyStockDelta(ctx context.Context, ref models.ProductRef, delta int) (int, error) {
	table, err := TableFor(ref.Category)
	if err != nil {
		return 0, err
	}

	var stock int
	query := fmt.Sprintf(
		"UPDATE %s SET stock = stock + $1, updated_at = NOW() WHERE id = $2 AND stock + $1 >= 0 RETURNING stock", table)
	err = q.get(ctx, &stock, query, delta, ref.ProductID)
	if err == nil {
		return stock, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	var exists bool
	if err := q.get(ctx, &exists,
		fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)", table), ref.ProductID); err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrNotFound
	}
	return 0, ErrConditionFailed
}

// SummarizeInventory aggregates stock per category, optionally for one vendor
func (q *queries) SummarizeInventory(ctx context.Context, vendorID int64, threshold int) ([]models.CategorySummary, error) {
	parts := make([]string, 0, len(models.Categories))
	for _, category := range models.Categories {
		parts = append(parts, fmt.Sprintf(`
			SELECT '%s' AS category,
			       COUNT(*) AS product_count,
			       COALESCE(SUM(stock), 0) AS total_units,
			       COUNT(*) FILTER (WHERE stock > 0 AND stock < $1) AS low_stock_count,
			       COUNT(*) FILTER (WHERE stock = 0) AS out_of_stock_count
			FROM %s WHERE ($2 = 0 OR vendor_id = $2)`, category, categoryTables[category]))
	}

	var out []models.CategorySummary
	err := q.selectAll(ctx, &out, strings.Join(parts, " UNION ALL "), threshold, vendorID)
	return out, err
}

package store

import (
	"context"
	"strings"

	"marketplace-fulfillment/internal/models"
)

// InsertStockAdjustment appends one ledger row
func (q *queries) InsertStockAdjustment(ctx context.Context, adj *models.StockAdjustment) error {
	query := `
		INSERT INTO stock_adjustments
			(product_id, category, adjustment_type, quantity_delta, reason, reference, actor_user_id, stock_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	return q.get(ctx, adj, query,
		adj.ProductID, adj.Category, adj.Type, adj.QuantityDelta,
		adj.Reason, adj.Reference, adj.ActorUserID, adj.StockAfter)
}

// ListStockAdjustments returns the newest entries first
func (q *queries) ListStockAdjustments(ctx context.Context, ref models.ProductRef, limit int) ([]models.StockAdjustment, error) {
	var out []models.StockAdjustment
	err := q.selectAll(ctx, &out, `
		SELECT * FROM stock_adjustments
		WHERE category = $1 AND product_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, ref.Category, ref.ProductID, limit)
	return out, err
}

// SumStockAdjustments folds the ledger for one product
func (q *queries) SumStockAdjustments(ctx context.Context, ref models.ProductRef) (int, error) {
	var sum int
	err := q.get(ctx, &sum,
		"SELECT COALESCE(SUM(quantity_delta), 0) FROM stock_adjustments WHERE category = $1 AND product_id = $2",
		ref.Category, ref.ProductID)
	return sum, err
}

// OpenLowStockAlert inserts an alert unless one is already open for the product
func (q *queries) OpenLowStockAlert(ctx context.Context, alert *models.LowStockAlert) (bool, error) {
	res, err := q.ext.ExecContext(ctx, `
		INSERT INTO low_stock_alerts (product_id, category, vendor_id, stock, threshold)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (category, product_id) WHERE NOT resolved DO NOTHING`,
		alert.ProductID, alert.Category, alert.VendorID, alert.Stock, alert.Threshold)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ResolveLowStockAlerts closes the open alert for a product, if any
func (q *queries) ResolveLowStockAlerts(ctx context.Context, ref models.ProductRef) (int64, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE low_stock_alerts SET resolved = TRUE, resolved_at = NOW()
		WHERE category = $1 AND product_id = $2 AND NOT resolved`, ref.Category, ref.ProductID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AcknowledgeLowStockAlert resolves one alert explicitly
func (q *queries) AcknowledgeLowStockAlert(ctx context.Context, alertID int64) error {
	err := q.execOne(ctx,
		"UPDATE low_stock_alerts SET resolved = TRUE, resolved_at = NOW() WHERE id = $1 AND NOT resolved", alertID)
	if err != ErrConditionFailed {
		return err
	}

	var exists bool
	if err := q.get(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM low_stock_alerts WHERE id = $1)", alertID); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConditionFailed
}

// ListLowStockAlerts filters alerts by vendor and resolution
func (q *queries) ListLowStockAlerts(ctx context.Context, filter models.AlertFilter) ([]models.LowStockAlert, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.VendorID != 0 {
		args = append(args, filter.VendorID)
		conds = append(conds, "vendor_id = ?")
	}
	if filter.Resolved != nil {
		args = append(args, *filter.Resolved)
		conds = append(conds, "resolved = ?")
	}

	query := "SELECT * FROM low_stock_alerts"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	var out []models.LowStockAlert
	err := q.selectAll(ctx, &out, q.ext.Rebind(query), args...)
	return out, err
}

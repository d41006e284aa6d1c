package store

import (
	"context"
	"database/sql"
	"errors"

	"marketplace-fulfillment/internal/models"

	"github.com/shopspring/decimal"
)

// InsertReturnRequest creates the request and its items
func (q *queries) InsertReturnRequest(ctx context.Context, rr *models.ReturnRequest) error {
	err := q.get(ctx, rr, `
		INSERT INTO return_requests (order_id, user_id, status, reason, description, is_expedited)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		rr.OrderID, rr.UserID, rr.Status, rr.Reason, rr.Description, rr.IsExpedited)
	if err != nil {
		return err
	}

	for i := range rr.Items {
		item := &rr.Items[i]
		item.ReturnID = rr.ID
		err := q.get(ctx, &item.ID, `
			INSERT INTO return_items (return_id, order_item_id, category, product_id, quantity, reason, item_condition)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			item.ReturnID, item.OrderItemID, item.Category, item.ProductID, item.Quantity, item.Reason, item.Condition)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetReturnRequest loads a request with its items
func (q *queries) GetReturnRequest(ctx context.Context, returnID int64) (*models.ReturnRequest, error) {
	var rr models.ReturnRequest
	err := q.get(ctx, &rr, "SELECT * FROM return_requests WHERE id = $1", returnID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := q.selectAll(ctx, &rr.Items,
		"SELECT * FROM return_items WHERE return_id = $1 ORDER BY id", returnID); err != nil {
		return nil, err
	}
	return &rr, nil
}

// UpdateReturnRequest writes the mutable fields if the status is still from
func (q *queries) UpdateReturnRequest(ctx context.Context, rr *models.ReturnRequest, from models.ReturnStatus) error {
	return q.execOne(ctx, `
		UPDATE return_requests
		SET status = $1, refund_amount = $2, refund_method = $3, refund_type = $4,
		    rejection_reason = $5, processed_by = $6, decided_at = $7, received_at = $8, updated_at = NOW()
		WHERE id = $9 AND status = $10`,
		rr.Status, rr.RefundAmount, rr.RefundMethod, rr.RefundType,
		rr.RejectionReason, rr.ProcessedBy, rr.DecidedAt, rr.ReceivedAt, rr.ID, from)
}

// UpdateReturnItem records the received condition
func (q *queries) UpdateReturnItem(ctx context.Context, item *models.ReturnItem) error {
	return q.execOne(ctx,
		"UPDATE return_items SET item_condition = $1, restocked = $2 WHERE id = $3",
		item.Condition, item.Restocked, item.ID)
}

// ReserveReturnRefund charges a refund against the amount approved for the return
func (q *queries) ReserveReturnRefund(ctx context.Context, returnID int64, amount decimal.Decimal) error {
	return q.execOne(ctx, `
		UPDATE return_requests SET refunded_amount = refunded_amount + $1, updated_at = NOW()
		WHERE id = $2 AND refunded_amount + $1 <= refund_amount`, amount, returnID)
}

// ReleaseReturnRefund undoes a charge after a failed refund
func (q *queries) ReleaseReturnRefund(ctx context.Context, returnID int64, amount decimal.Decimal) error {
	return q.execOne(ctx, `
		UPDATE return_requests SET refunded_amount = refunded_amount - $1, updated_at = NOW()
		WHERE id = $2 AND refunded_amount >= $1`, amount, returnID)
}

// ListReturnAllocations returns the allocations of every refund on the
// return that has not failed
func (q *queries) ListReturnAllocations(ctx context.Context, returnID int64) ([]models.RefundAllocation, error) {
	var allocations []models.RefundAllocation
	err := q.selectAll(ctx, &allocations, `
		SELECT a.refund_id, a.order_item_id, a.amount
		FROM refund_allocations a JOIN refunds r ON r.id = a.refund_id
		WHERE r.return_id = $1 AND r.status <> $2
		ORDER BY a.refund_id, a.order_item_id`, returnID, models.RefundStatusFailed)
	return allocations, err
}

// InsertRefund creates a refund and its allocations
func (q *queries) InsertRefund(ctx context.Context, refund *models.RefundRecord) error {
	err := q.get(ctx, refund, `
		INSERT INTO refunds (return_id, amount, method, refund_type, status, external_reference, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		refund.ReturnID, refund.Amount, refund.Method, refund.Type, refund.Status,
		refund.ExternalReference, refund.CompletedAt)
	if err != nil {
		return err
	}

	for i := range refund.Allocations {
		alloc := &refund.Allocations[i]
		alloc.RefundID = refund.ID
		if _, err := q.ext.ExecContext(ctx,
			"INSERT INTO refund_allocations (refund_id, order_item_id, amount) VALUES ($1, $2, $3)",
			alloc.RefundID, alloc.OrderItemID, alloc.Amount); err != nil {
			return err
		}
	}
	return nil
}

// GetRefund loads a refund with its allocations
func (q *queries) GetRefund(ctx context.Context, refundID int64) (*models.RefundRecord, error) {
	var refund models.RefundRecord
	err := q.get(ctx, &refund, "SELECT * FROM refunds WHERE id = $1", refundID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := q.selectAll(ctx, &refund.Allocations,
		"SELECT * FROM refund_allocations WHERE refund_id = $1 ORDER BY order_item_id", refundID); err != nil {
		return nil, err
	}
	return &refund, nil
}

// UpdateRefundStatus settles a refund if it is still in from
func (q *queries) UpdateRefundStatus(ctx context.Context, refund *models.RefundRecord, from models.RefundStatus) error {
	return q.execOne(ctx, `
		UPDATE refunds
		SET status = $1, external_reference = $2, failure_reason = $3, completed_at = $4
		WHERE id = $5 AND status = $6`,
		refund.Status, refund.ExternalReference, refund.FailureReason, refund.CompletedAt, refund.ID, from)
}

// InsertStoreCredit issues a store credit balance
func (q *queries) InsertStoreCredit(ctx context.Context, credit *models.StoreCredit) error {
	return q.get(ctx, credit, `
		INSERT INTO store_credits (user_id, amount, remaining, expires_at, source_return_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		credit.UserID, credit.Amount, credit.Remaining, credit.ExpiresAt, credit.SourceReturnID)
}

// ListStoreCredits returns a user's credits, newest first
func (q *queries) ListStoreCredits(ctx context.Context, userID int64) ([]models.StoreCredit, error) {
	var out []models.StoreCredit
	err := q.selectAll(ctx, &out,
		"SELECT * FROM store_credits WHERE user_id = $1 ORDER BY created_at DESC, id DESC", userID)
	return out, err
}

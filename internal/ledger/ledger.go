// Package ledger is the append-only stock ledger. Every change to a
// product's materialised stock goes through Append, which writes the ledger
// row and moves the counter in the caller's transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"marketplace-fulfillment/internal/models"
	"marketplace-fulfillment/internal/store"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

var (
	// ErrInvalidAdjustment means the entry would drive stock below zero
	ErrInvalidAdjustment = errors.New("invalid adjustment")
	// ErrProductNotFound means the product does not exist in its category table
	ErrProductNotFound = errors.New("product not found")
)

// Entry is a request to append one adjustment
type Entry struct {
	Ref         models.ProductRef
	Type        models.AdjustmentType
	Delta       int
	Reason      string
	Reference   string
	ActorUserID int64
}

// Validate checks the entry's shape before it reaches the store
func (e Entry) Validate() error {
	switch {
	case !e.Ref.Category.Valid():
		return fmt.Errorf("unknown product category %q", e.Ref.Category)
	case e.Ref.ProductID <= 0:
		return fmt.Errorf("product id must be positive")
	case !e.Type.Valid():
		return fmt.Errorf("unknown adjustment type %q", e.Type)
	case e.Delta == 0:
		return fmt.Errorf("quantity delta must be non-zero")
	case e.Type.IsDebit() && e.Delta > 0:
		return fmt.Errorf("%s must carry a negative delta", e.Type)
	case !e.Type.IsDebit() && e.Type != models.AdjustmentCorrection && e.Delta < 0:
		return fmt.Errorf("%s must carry a positive delta", e.Type)
	case strings.TrimSpace(e.Reason) == "":
		return fmt.Errorf("reason is required")
	}
	return nil
}

// Ledger appends and reads stock adjustments
type Ledger struct{}

// New creates a ledger
func New() *Ledger {
	return &Ledger{}
}

// Append writes the entry and moves the counter inside q's transaction. The
// counter moves through a conditional update, so a debit that would take it
// negative fails with ErrInvalidAdjustment and nothing is written.
func (l *Ledger) Append(ctx context.Context, q store.Queries, e Entry) (*models.StockAdjustment, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAdjustment, err)
	}

	newStock, err := q.ApplyStockDelta(ctx, e.Ref, e.Delta)
	switch {
	case errors.Is(err, store.ErrConditionFailed):
		return nil, fmt.Errorf("%w: %s on %s by %d would make stock negative",
			ErrInvalidAdjustment, e.Type, e.Ref, e.Delta)
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, e.Ref)
	case err != nil:
		return nil, fmt.Errorf("failed to apply stock delta: %w", err)
	}

	adj := &models.StockAdjustment{
		ProductID:     e.Ref.ProductID,
		Category:      e.Ref.Category,
		Type:          e.Type,
		QuantityDelta: e.Delta,
		Reason:        e.Reason,
		Reference:     e.Reference,
		ActorUserID:   e.ActorUserID,
		StockAfter:    newStock,
	}
	if err := q.InsertStockAdjustment(ctx, adj); err != nil {
		return nil, fmt.Errorf("failed to insert stock adjustment: %w", err)
	}
	return adj, nil
}

// History returns the most recent entries, newest first
func (l *Ledger) History(ctx context.Context, q store.Queries, ref models.ProductRef, limit int) ([]models.StockAdjustment, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return q.ListStockAdjustments(ctx, ref, limit)
}

// CurrentStock reads the materialised counter
func (l *Ledger) CurrentStock(ctx context.Context, q store.Queries, ref models.ProductRef) (int, error) {
	p, err := q.GetProduct(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrProductNotFound, ref)
	}
	if err != nil {
		return 0, err
	}
	return p.Stock, nil
}

// Reconciliation compares the counter with the fold over the ledger
type Reconciliation struct {
	Ref         models.ProductRef `json:"product"`
	BaseStock   int               `json:"base_stock"`
	LedgerSum   int               `json:"ledger_sum"`
	Stock       int               `json:"stock"`
	Consistent  bool              `json:"consistent"`
	Discrepancy int               `json:"discrepancy"`
}

// Reconcile checks stock == base_stock + sum(quantity_delta)
func (l *Ledger) Reconcile(ctx context.Context, q store.Queries, ref models.ProductRef) (*Reconciliation, error) {
	p, err := q.GetProduct(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, ref)
	}
	if err != nil {
		return nil, err
	}

	sum, err := q.SumStockAdjustments(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger: %w", err)
	}

	expected := p.BaseStock + sum
	return &Reconciliation{
		Ref:         ref,
		BaseStock:   p.BaseStock,
		LedgerSum:   sum,
		Stock:       p.Stock,
		Consistent:  expected == p.Stock,
		Discrepancy: p.Stock - expected,
	}, nil
}

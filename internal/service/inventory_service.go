package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-fulfillment/internal/ledger"
	"marketplace-fulfillment/internal/models"
	"marketplace-fulfillment/internal/store"
	"marketplace-fulfillment/internal/util"

	"go.uber.org/zap"
)

// InventoryService exposes stock adjustment, availability and alerting on top
// of the ledger
type InventoryService struct {
	db        store.Database
	ledger    *ledger.Ledger
	threshold int
	emitter   emitter
	logger    *zap.Logger
}

// NewInventoryService creates a new inventory service
func NewInventoryService(db store.Database, l *ledger.Ledger, notifier Notifier, threshold int) *InventoryService {
	return &InventoryService{
		db:        db,
		ledger:    l,
		threshold: threshold,
		emitter:   newEmitter(notifier),
		logger:    util.Component("inventory"),
	}
}

// AdjustStockRequest is a manual stock adjustment
type AdjustStockRequest struct {
	Ref       models.ProductRef     `json:"product" validate:"required"`
	Type      models.AdjustmentType `json:"adjustment_type" validate:"required,adjustment_type"`
	Quantity  int                   `json:"quantity"`
	Reason    string                `json:"reason" validate:"required,max=500"`
	Reference string                `json:"reference" validate:"max=120"`
}

// AdjustStockResult is the structured outcome of AdjustStock. Rule failures
// come back here with Success=false instead of as an error.
type AdjustStockResult struct {
	Success    bool                    `json:"success"`
	NewStock   int                     `json:"new_stock"`
	Message    string                  `json:"message"`
	Code       string                  `json:"code,omitempty"`
	Adjustment *models.StockAdjustment `json:"adjustment,omitempty"`
}

// AdjustStock appends one adjustment on behalf of actor
func (s *InventoryService) AdjustStock(ctx context.Context, actor Actor, req AdjustStockRequest) (*AdjustStockResult, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.AdjustStock")
	defer span.End()

	if err := s.validateAdjustment(req); err != nil {
		util.StockAdjustmentsTotal.WithLabelValues(string(req.Type), "rejected").Inc()
		return &AdjustStockResult{Message: err.Error(), Code: "VALIDATION_FAILED"}, nil
	}

	start := time.Now()
	var (
		adj    *models.StockAdjustment
		events []models.Event
	)
	err := s.db.WithTx(ctx, func(q store.Queries) error {
		p, err := q.GetProduct(ctx, req.Ref)
		if errors.Is(err, store.ErrNotFound) {
			return notFound("product", req.Ref)
		}
		if err != nil {
			return fmt.Errorf("failed to load product: %w", err)
		}
		if actor.Role == RoleBuyer || (actor.Role == RoleVendor && !actor.ownsVendorResource(p.VendorID)) {
			return newError(ErrForbidden, "product %s does not belong to the caller", req.Ref)
		}

		adj, events, err = s.apply(ctx, q, ledger.Entry{
			Ref:         req.Ref,
			Type:        req.Type,
			Delta:       req.Type.Delta(req.Quantity),
			Reason:      req.Reason,
			Reference:   req.Reference,
			ActorUserID: actor.UserID,
		})
		return err
	})
	util.StockAdjustLatency.Observe(time.Since(start).Seconds())

	if errors.Is(err, ErrInvalidAdjustment) {
		util.StockAdjustmentsTotal.WithLabelValues(string(req.Type), "rejected").Inc()
		s.logger.Info("Stock adjustment refused",
			zap.String("product", req.Ref.String()),
			zap.String("type", string(req.Type)),
			zap.Int("quantity", req.Quantity))
		return &AdjustStockResult{Message: err.Error(), Code: "INVALID_ADJUSTMENT"}, nil
	}
	if err != nil {
		util.StockAdjustmentsTotal.WithLabelValues(string(req.Type), "error").Inc()
		util.EndSpan(span, err)
		return nil, err
	}

	util.StockAdjustmentsTotal.WithLabelValues(string(req.Type), "applied").Inc()
	s.emitter.emit(ctx, events...)

	s.logger.Info("Stock adjusted",
		zap.String("product", req.Ref.String()),
		zap.String("type", string(req.Type)),
		zap.Int("delta", adj.QuantityDelta),
		zap.Int("new_stock", adj.StockAfter),
		zap.Int64("actor_user_id", actor.UserID))

	return &AdjustStockResult{
		Success:    true,
		NewStock:   adj.StockAfter,
		Message:    fmt.Sprintf("stock for %s is now %d", req.Ref, adj.StockAfter),
		Adjustment: adj,
	}, nil
}

func (s *InventoryService) validateAdjustment(req AdjustStockRequest) error {
	if err := checkStruct(req); err != nil {
		return err
	}
	if req.Type == models.AdjustmentCorrection {
		if req.Quantity == 0 {
			return validationError("correction quantity must be non-zero")
		}
		return nil
	}
	if req.Quantity <= 0 {
		return validationError("quantity must be greater than zero")
	}
	return nil
}

// apply appends e inside q's transaction and keeps the low-stock alert for
// the product in step with the new stock. It returns the events to publish
// once the transaction commits.
func (s *InventoryService) apply(ctx context.Context, q store.Queries, e ledger.Entry) (*models.StockAdjustment, []models.Event, error) {
	adj, err := s.ledger.Append(ctx, q, e)
	switch {
	case errors.Is(err, ledger.ErrInvalidAdjustment):
		return nil, nil, newError(ErrInvalidAdjustment, "%s", err.Error())
	case errors.Is(err, ledger.ErrProductNotFound):
		return nil, nil, notFound("product", e.Ref)
	case err != nil:
		return nil, nil, err
	}

	var events []models.Event
	switch {
	case e.Delta < 0 && adj.StockAfter < s.threshold:
		ev, err := s.openAlert(ctx, q, e.Ref, adj.StockAfter)
		if err != nil {
			return nil, nil, err
		}
		if ev != nil {
			events = append(events, ev)
		}
	case e.Delta > 0 && adj.StockAfter >= s.threshold:
		ev, err := s.resolveAlerts(ctx, q, e.Ref, adj.StockAfter)
		if err != nil {
			return nil, nil, err
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	return adj, events, nil
}

func (s *InventoryService) openAlert(ctx context.Context, q store.Queries, ref models.ProductRef, stock int) (models.Event, error) {
	p, err := q.GetProduct(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load product for alert: %w", err)
	}

	alert := &models.LowStockAlert{
		ProductID: ref.ProductID,
		Category:  ref.Category,
		VendorID:  p.VendorID,
		Stock:     stock,
		Threshold: s.threshold,
	}
	created, err := q.OpenLowStockAlert(ctx, alert)
	if err != nil {
		return nil, fmt.Errorf("failed to open low stock alert: %w", err)
	}
	if !created {
		return nil, nil
	}

	util.LowStockAlertsTotal.WithLabelValues("opened").Inc()
	return &models.StockEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeStockLow),
		ProductID: ref.ProductID,
		Category:  ref.Category,
		VendorID:  p.VendorID,
		Stock:     stock,
		Threshold: s.threshold,
	}, nil
}

func (s *InventoryService) resolveAlerts(ctx context.Context, q store.Queries, ref models.ProductRef, stock int) (models.Event, error) {
	n, err := q.ResolveLowStockAlerts(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve low stock alerts: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	p, err := q.GetProduct(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load product for alert: %w", err)
	}

	util.LowStockAlertsTotal.WithLabelValues("resolved").Add(float64(n))
	return &models.StockEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeStockRestored),
		ProductID: ref.ProductID,
		Category:  ref.Category,
		VendorID:  p.VendorID,
		Stock:     stock,
		Threshold: s.threshold,
	}, nil
}

// AvailabilityLine is one line to check against stock
type AvailabilityLine struct {
	Ref      models.ProductRef `json:"product" validate:"required"`
	Quantity int               `json:"quantity" validate:"gt=0"`
}

// AvailabilityResult lists every line that cannot be served
type AvailabilityResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// ValidateAvailability checks lines against current stock without writing.
// Lines for the same product are summed first.
func (s *InventoryService) ValidateAvailability(ctx context.Context, lines []AvailabilityLine) (*AvailabilityResult, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.ValidateAvailability")
	defer span.End()

	result := &AvailabilityResult{Valid: true, Errors: []string{}}
	if len(lines) == 0 {
		result.Valid = false
		result.Errors = append(result.Errors, "at least one item is required")
		return result, nil
	}

	wanted := make(map[models.ProductRef]int, len(lines))
	var order []models.ProductRef
	for _, line := range lines {
		if !line.Ref.Category.Valid() {
			result.Errors = append(result.Errors, fmt.Sprintf("unknown product category %q", line.Ref.Category))
			continue
		}
		if line.Quantity <= 0 {
			result.Errors = append(result.Errors, fmt.Sprintf("quantity for %s must be greater than zero", line.Ref))
			continue
		}
		if _, seen := wanted[line.Ref]; !seen {
			order = append(order, line.Ref)
		}
		wanted[line.Ref] += line.Quantity
	}

	err := s.db.View(ctx, func(q store.Queries) error {
		for _, ref := range order {
			p, err := q.GetProduct(ctx, ref)
			if errors.Is(err, store.ErrNotFound) {
				result.Errors = append(result.Errors, fmt.Sprintf("product %s not found", ref))
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to load product %s: %w", ref, err)
			}
			if p.Stock < wanted[ref] {
				result.Errors = append(result.Errors, fmt.Sprintf(
					"insufficient stock for %s: available %d, requested %d", ref, p.Stock, wanted[ref]))
			}
		}
		return nil
	})
	if err != nil {
		util.EndSpan(span, err)
		return nil, err
	}

	result.Valid = len(result.Errors) == 0
	return result, nil
}

// GetLowStockAlerts lists alerts, optionally narrowed to a vendor and state
func (s *InventoryService) GetLowStockAlerts(ctx context.Context, vendorID int64, resolved *bool) ([]models.LowStockAlert, error) {
	var alerts []models.LowStockAlert
	err := s.db.View(ctx, func(q store.Queries) error {
		var err error
		alerts, err = q.ListLowStockAlerts(ctx, models.AlertFilter{VendorID: vendorID, Resolved: resolved})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list low stock alerts: %w", err)
	}
	return alerts, nil
}

// AcknowledgeAlert resolves an alert explicitly
func (s *InventoryService) AcknowledgeAlert(ctx context.Context, actor Actor, alertID int64) error {
	if !actor.IsAdmin() && actor.Role != RoleVendor {
		return newError(ErrForbidden, "only vendors and admins can acknowledge alerts")
	}

	err := s.db.WithTx(ctx, func(q store.Queries) error {
		if !actor.IsAdmin() {
			owned, err := q.ListLowStockAlerts(ctx, models.AlertFilter{VendorID: actor.VendorID})
			if err != nil {
				return fmt.Errorf("failed to list alerts: %w", err)
			}
			if !containsAlert(owned, alertID) {
				return newError(ErrForbidden, "alert %d does not belong to the caller", alertID)
			}
		}

		err := q.AcknowledgeLowStockAlert(ctx, alertID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return notFound("alert", alertID)
		case errors.Is(err, store.ErrConditionFailed):
			return newError(ErrInvalidTransition, "alert %d is already resolved", alertID)
		}
		return err
	})
	if err != nil {
		return err
	}

	util.LowStockAlertsTotal.WithLabelValues("acknowledged").Inc()
	s.logger.Info("Low stock alert acknowledged",
		zap.Int64("alert_id", alertID),
		zap.Int64("actor_user_id", actor.UserID))
	return nil
}

func containsAlert(alerts []models.LowStockAlert, id int64) bool {
	for _, a := range alerts {
		if a.ID == id {
			return true
		}
	}
	return false
}

// GetStockHistory returns the newest ledger entries for a product
func (s *InventoryService) GetStockHistory(ctx context.Context, ref models.ProductRef, limit int) ([]models.StockAdjustment, error) {
	if !ref.Category.Valid() {
		return nil, validationError("unknown product category %q", ref.Category)
	}

	var history []models.StockAdjustment
	err := s.db.View(ctx, func(q store.Queries) error {
		if _, err := s.ledger.CurrentStock(ctx, q, ref); err != nil {
			if errors.Is(err, ledger.ErrProductNotFound) {
				return notFound("product", ref)
			}
			return err
		}
		var err error
		history, err = s.ledger.History(ctx, q, ref, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}

// CurrentStock reads the materialised counter
func (s *InventoryService) CurrentStock(ctx context.Context, ref models.ProductRef) (int, error) {
	if !ref.Category.Valid() {
		return 0, validationError("unknown product category %q", ref.Category)
	}

	var stock int
	err := s.db.View(ctx, func(q store.Queries) error {
		var err error
		stock, err = s.ledger.CurrentStock(ctx, q, ref)
		if errors.Is(err, ledger.ErrProductNotFound) {
			return notFound("product", ref)
		}
		return err
	})
	return stock, err
}

// ReconcileStock compares the counter with the ledger fold
func (s *InventoryService) ReconcileStock(ctx context.Context, ref models.ProductRef) (*ledger.Reconciliation, error) {
	if !ref.Category.Valid() {
		return nil, validationError("unknown product category %q", ref.Category)
	}

	var rec *ledger.Reconciliation
	err := s.db.View(ctx, func(q store.Queries) error {
		var err error
		rec, err = s.ledger.Reconcile(ctx, q, ref)
		if errors.Is(err, ledger.ErrProductNotFound) {
			return notFound("product", ref)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if !rec.Consistent {
		s.logger.Error("Stock counter diverged from ledger",
			zap.String("product", ref.String()),
			zap.Int("stock", rec.Stock),
			zap.Int("expected", rec.BaseStock+rec.LedgerSum))
	}
	return rec, nil
}

// GetInventorySummary aggregates stock per category; vendorID 0 means all vendors
func (s *InventoryService) GetInventorySummary(ctx context.Context, vendorID int64) ([]models.CategorySummary, error) {
	var summary []models.CategorySummary
	err := s.db.View(ctx, func(q store.Queries) error {
		var err error
		summary, err = q.SummarizeInventory(ctx, vendorID, s.threshold)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to summarize inventory: %w", err)
	}
	return summary, nil
}

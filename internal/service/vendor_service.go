package service

import (
	"context"
	"errors"
	"fmt"

	"marketplace-fulfillment/internal/models"
	"marketplace-fulfillment/internal/store"
	"marketplace-fulfillment/internal/util"

	"go.uber.org/zap"
)

// VendorService is the per-vendor view over order items
type VendorService struct {
	db        store.Database
	inventory *InventoryService
	emitter   emitter
	bulkLimit int
	logger    *zap.Logger
}

// NewVendorService creates a new vendor service
func NewVendorService(db store.Database, inventory *InventoryService, notifier Notifier, bulkLimit int) *VendorService {
	if bulkLimit <= 0 {
		bulkLimit = defaultBulkLimit
	}
	return &VendorService{
		db:        db,
		inventory: inventory,
		emitter:   newEmitter(notifier),
		bulkLimit: bulkLimit,
		logger:    util.Component("vendor"),
	}
}

// ItemStatusRequest asks for one item transition
type ItemStatusRequest struct {
	Status         models.ItemStatus `json:"status" validate:"required,item_status"`
	TrackingNumber string            `json:"tracking_number" validate:"max=64"`
	Notes          string            `json:"notes" validate:"max=500"`
}

// ListVendorItems lists the vendor's items, optionally in one status
func (s *VendorService) ListVendorItems(ctx context.Context, actor Actor, vendorID int64, status models.ItemStatus) ([]models.OrderItem, error) {
	if !actor.ownsVendorResource(vendorID) {
		return nil, newError(ErrForbidden, "vendor %d items are not visible to the caller", vendorID)
	}
	if status != "" && !status.Valid() {
		return nil, validationError("unknown item status %q", status)
	}

	var items []models.OrderItem
	err := s.db.View(ctx, func(q store.Queries) error {
		var err error
		items, err = q.ListVendorItems(ctx, vendorID, status)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list vendor items: %w", err)
	}
	return items, nil
}

// UpdateItemStatus transitions one item owned by the calling vendor and
// recomputes the owning order's status in the same transaction
func (s *VendorService) UpdateItemStatus(ctx context.Context, actor Actor, itemID int64, req ItemStatusRequest) (*models.OrderItem, error) {
	ctx, span := util.StartSpan(ctx, "VendorService.UpdateItemStatus")
	defer span.End()

	if err := checkStruct(req); err != nil {
		return nil, err
	}

	var (
		item   *models.OrderItem
		events []models.Event
	)
	err := s.db.WithTx(ctx, func(q store.Queries) error {
		var err error
		item, err = q.GetOrderItem(ctx, itemID)
		if errors.Is(err, store.ErrNotFound) {
			return notFound("order item", itemID)
		}
		if err != nil {
			return fmt.Errorf("failed to load order item: %w", err)
		}
		if !actor.ownsVendorResource(item.VendorID) {
			return newError(ErrForbidden, "order item %d belongs to another vendor", itemID)
		}

		events, err = transitionItem(ctx, q, s.inventory, item, itemChange{
			To:             req.Status,
			TrackingNumber: req.TrackingNumber,
			Notes:          req.Notes,
			Actor:          actor,
		})
		if err != nil {
			return err
		}

		_, orderEvents, err := recomputeOrder(ctx, q, item.OrderID, actor, "")
		if err != nil {
			return err
		}
		events = append(events, orderEvents...)
		return nil
	})
	if err != nil {
		util.EndSpan(span, err)
		return nil, err
	}

	s.logger.Info("Order item status updated",
		zap.Int64("item_id", item.ID),
		zap.Int64("order_id", item.OrderID),
		zap.Int64("vendor_id", item.VendorID),
		zap.String("status", string(item.Status)))

	s.emitter.emit(ctx, events...)
	return item, nil
}

// BulkUpdateItemStatus applies the same transition to each item independently
func (s *VendorService) BulkUpdateItemStatus(ctx context.Context, actor Actor, itemIDs []int64, req ItemStatusRequest) (*BulkResult, error) {
	if len(itemIDs) == 0 {
		return nil, validationError("at least one item id is required")
	}
	if len(itemIDs) > s.bulkLimit {
		return nil, validationError("at most %d items can be updated at once", s.bulkLimit)
	}
	if err := checkStruct(req); err != nil {
		return nil, err
	}

	result := &BulkResult{Requested: len(itemIDs)}
	for _, id := range itemIDs {
		if _, err := s.UpdateItemStatus(ctx, actor, id, req); err != nil {
			if Kind(err) == nil {
				s.logger.Error("Bulk item update failed", zap.Int64("item_id", id), zap.Error(err))
			}
			util.BulkOperationResults.WithLabelValues("item_status", "failed").Inc()
			result.fail(id, err)
			continue
		}
		util.BulkOperationResults.WithLabelValues("item_status", "updated").Inc()
		result.UpdatedCount++
	}
	return result, nil
}

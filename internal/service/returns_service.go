package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace-fulfillment/internal/ledger"
	"marketplace-fulfillment/internal/models"
	"marketplace-fulfillment/internal/store"
	"marketplace-fulfillment/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultStoreCreditValidity = 365 * 24 * time.Hour

// Return processing actions
const (
	ReturnActionApprove = "approve"
	ReturnActionReject  = "reject"
)

// ReturnsService runs the return request and refund pipeline
type ReturnsService struct {
	db             store.Database
	inventory      *InventoryService
	emitter        emitter
	creditValidity time.Duration
	bulkLimit      int
	logger         *zap.Logger
}

// NewReturnsService creates a new returns service
func NewReturnsService(db store.Database, inventory *InventoryService, notifier Notifier, creditValidity time.Duration, bulkLimit int) *ReturnsService {
	if creditValidity <= 0 {
		creditValidity = defaultStoreCreditValidity
	}
	if bulkLimit <= 0 {
		bulkLimit = defaultBulkLimit
	}
	return &ReturnsService{
		db:             db,
		inventory:      inventory,
		emitter:        newEmitter(notifier),
		creditValidity: creditValidity,
		bulkLimit:      bulkLimit,
		logger:         util.Component("returns"),
	}
}

// CreateReturnRequest is a buyer's return of delivered units
type CreateReturnRequest struct {
	OrderID     int64               `json:"order_id" validate:"required,gt=0"`
	Reason      models.ReturnReason `json:"reason" validate:"required,return_reason"`
	Description string              `json:"description" validate:"max=1000"`
	IsExpedited bool                `json:"is_expedited"`
	Items       []ReturnLine        `json:"items" validate:"required,min=1,dive"`
}

// ReturnLine is one product and quantity being returned
type ReturnLine struct {
	Ref      models.ProductRef `json:"product"`
	Quantity int               `json:"quantity" validate:"gt=0"`
	Reason   string            `json:"reason" validate:"max=500"`
}

// ProcessReturnRequest is the approve/reject decision on a return
type ProcessReturnRequest struct {
	Action          string              `json:"action" validate:"required,oneof=approve reject"`
	RefundAmount    decimal.Decimal     `json:"refund_amount"`
	RefundMethod    models.RefundMethod `json:"refund_method" validate:"omitempty,oneof=original-payment-method store-credit"`
	RefundType      models.RefundType   `json:"refund_type" validate:"omitempty,oneof=full partial"`
	RejectionReason string              `json:"rejection_reason" validate:"max=500"`
}

// ReceivedItem records the condition a returned line arrived in
type ReceivedItem struct {
	ReturnItemID int64                `json:"return_item_id" validate:"required,gt=0"`
	Condition    models.ItemCondition `json:"condition" validate:"required,item_condition"`
}

// RefundRequest asks for money back against a received return
type RefundRequest struct {
	Amount            decimal.Decimal     `json:"amount"`
	Method            models.RefundMethod `json:"method" validate:"required,oneof=original-payment-method store-credit"`
	Type              models.RefundType   `json:"type" validate:"required,oneof=full partial"`
	ExternalReference string              `json:"external_reference" validate:"max=128"`
}

// RefundOutcome is a created refund and, for store credit, the credit issued
type RefundOutcome struct {
	Refund      *models.RefundRecord `json:"refund"`
	StoreCredit *models.StoreCredit  `json:"store_credit,omitempty"`
}

// StoreCreditBalance lists a buyer's credits and what is still spendable
type StoreCreditBalance struct {
	UserID  int64                `json:"user_id"`
	Balance decimal.Decimal      `json:"balance"`
	Credits []models.StoreCredit `json:"credits"`
}

// CreateReturnRequest opens a return against delivered items of an order.
// The returned quantity is reserved on each order item so the same units
// cannot be returned twice.
func (s *ReturnsService) CreateReturnRequest(ctx context.Context, actor Actor, req CreateReturnRequest) (*models.ReturnRequest, error) {
	ctx, span := util.StartSpan(ctx, "ReturnsService.CreateReturnRequest")
	defer span.End()

	if err := checkStruct(req); err != nil {
		return nil, err
	}
	lines := mergeReturnLines(req.Items)

	var rr *models.ReturnRequest
	err := s.db.WithTx(ctx, func(q store.Queries) error {
		order, err := loadOrder(ctx, q, req.OrderID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && order.UserID != actor.UserID {
			return newError(ErrForbidden, "order %d does not belong to the caller", req.OrderID)
		}

		rr = &models.ReturnRequest{
			OrderID:      order.ID,
			UserID:       order.UserID,
			Status:       models.ReturnStatusRequested,
			Reason:       req.Reason,
			Description:  req.Description,
			IsExpedited:  req.IsExpedited,
			RefundAmount: decimal.Zero,
		}

		for _, line := range lines {
			item := findItem(order.Items, line.Ref)
			if item == nil {
				return newError(ErrInvalidItem, "product %s is not part of order %d", line.Ref, order.ID)
			}
			if item.Status != models.ItemStatusDelivered {
				return newError(ErrInvalidItem, "product %s on order %d has not been delivered", line.Ref, order.ID)
			}
			if line.Quantity > item.Quantity {
				return newError(ErrInvalidItem, "cannot return %d of %s: only %d delivered",
					line.Quantity, line.Ref, item.Quantity)
			}

			if err := q.ReserveReturnQuantity(ctx, item.ID, line.Quantity); err != nil {
				if errors.Is(err, store.ErrConditionFailed) {
					return newError(ErrInvalidItem, "cannot return %d of %s: %d already covered by other returns",
						line.Quantity, line.Ref, item.ReturnedQuantity)
				}
				return fmt.Errorf("failed to reserve return quantity: %w", err)
			}

			rr.Items = append(rr.Items, models.ReturnItem{
				OrderItemID: item.ID,
				Category:    item.Category,
				ProductID:   item.ProductID,
				Quantity:    line.Quantity,
				Reason:      line.Reason,
			})
		}

		if err := q.InsertReturnRequest(ctx, rr); err != nil {
			return fmt.Errorf("failed to create return request: %w", err)
		}
		return nil
	})
	if err != nil {
		util.EndSpan(span, err)
		return nil, err
	}

	util.ReturnsTotal.WithLabelValues(string(rr.Status)).Inc()
	s.logger.Info("Return requested",
		zap.Int64("return_id", rr.ID),
		zap.Int64("order_id", rr.OrderID),
		zap.Int("items", len(rr.Items)))

	s.emitter.emit(ctx, s.returnEvent(models.EventTypeReturnRequested, rr, actor, "", string(rr.Reason)))
	return rr, nil
}

func mergeReturnLines(lines []ReturnLine) []ReturnLine {
	index := make(map[models.ProductRef]int, len(lines))
	out := make([]ReturnLine, 0, len(lines))
	for _, l := range lines {
		if i, ok := index[l.Ref]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		index[l.Ref] = len(out)
		out = append(out, l)
	}
	return out
}

func findItem(items []models.OrderItem, ref models.ProductRef) *models.OrderItem {
	for i := range items {
		if items[i].Ref() == ref {
			return &items[i]
		}
	}
	return nil
}

// GetReturn returns a return request visible to actor
func (s *ReturnsService) GetReturn(ctx context.Context, actor Actor, returnID int64) (*models.ReturnRequest, error) {
	var rr *models.ReturnRequest
	err := s.db.View(ctx, func(q store.Queries) error {
		var err error
		rr, err = loadReturn(ctx, q, returnID)
		if err != nil {
			return err
		}
		return authorizeReturn(ctx, q, actor, rr, true)
	})
	if err != nil {
		return nil, err
	}
	return rr, nil
}

func loadReturn(ctx context.Context, q store.Queries, returnID int64) (*models.ReturnRequest, error) {
	rr, err := q.GetReturnRequest(ctx, returnID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("return request", returnID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load return request: %w", err)
	}
	return rr, nil
}

// authorizeReturn lets admins through, the buyer when buyerAllowed, and a
// vendor that owns every order item in the return
func authorizeReturn(ctx context.Context, q store.Queries, actor Actor, rr *models.ReturnRequest, buyerAllowed bool) error {
	if actor.IsAdmin() {
		return nil
	}
	if buyerAllowed && actor.Role == RoleBuyer && rr.UserID == actor.UserID {
		return nil
	}
	if actor.Role != RoleVendor || len(rr.Items) == 0 {
		return newError(ErrForbidden, "return %d is not accessible to the caller", rr.ID)
	}
	for _, ri := range rr.Items {
		item, err := q.GetOrderItem(ctx, ri.OrderItemID)
		if err != nil {
			return fmt.Errorf("failed to load order item: %w", err)
		}
		if !actor.ownsVendorResource(item.VendorID) {
			return newError(ErrForbidden, "return %d includes items of another vendor", rr.ID)
		}
	}
	return nil
}

// ProcessReturnRequest approves or rejects a requested return. Rejection
// gives the reserved quantities back to the order items.
func (s *ReturnsService) ProcessReturnRequest(ctx context.Context, actor Actor, returnID int64, req ProcessReturnRequest) (*models.ReturnRequest, error) {
	ctx, span := util.StartSpan(ctx, "ReturnsService.ProcessReturnRequest")
	defer span.End()

	if err := validateDecision(req); err != nil {
		return nil, err
	}

	var rr *models.ReturnRequest
	err := s.db.WithTx(ctx, func(q store.Queries) error {
		var err error
		rr, err = loadReturn(ctx, q, returnID)
		if err != nil {
			return err
		}
		if err := authorizeReturn(ctx, q, actor, rr, false); err != nil {
			return err
		}

		from := rr.Status
		to := models.ReturnStatusApproved
		if req.Action == ReturnActionReject {
			to = models.ReturnStatusRejected
		}
		if !from.CanTransition(to) {
			return invalidTransition("return request", returnID, from, to)
		}

		now := time.Now().UTC()
		rr.Status = to
		rr.ProcessedBy = actor.UserID
		rr.DecidedAt = &now

		if to == models.ReturnStatusApproved {
			limit, err := returnValue(ctx, q, rr)
			if err != nil {
				return err
			}
			if req.RefundAmount.GreaterThan(limit) {
				return newError(ErrRefundExceedsOriginal, "refund amount %s exceeds the refundable %s for return %d",
					req.RefundAmount, limit, returnID)
			}
			rr.RefundAmount = req.RefundAmount
			rr.RefundMethod = req.RefundMethod
			rr.RefundType = req.RefundType
		} else {
			rr.RejectionReason = strings.TrimSpace(req.RejectionReason)
			for _, ri := range rr.Items {
				if err := q.ReleaseReturnQuantity(ctx, ri.OrderItemID, ri.Quantity); err != nil {
					return fmt.Errorf("failed to release return quantity: %w", err)
				}
			}
		}

		if err := q.UpdateReturnRequest(ctx, rr, from); err != nil {
			if errors.Is(err, store.ErrConditionFailed) {
				return newError(ErrInvalidTransition, "return request %d is no longer %s", returnID, from)
			}
			return fmt.Errorf("failed to update return request: %w", err)
		}
		return nil
	})
	if err != nil {
		util.EndSpan(span, err)
		return nil, err
	}

	util.ReturnsTotal.WithLabelValues(string(rr.Status)).Inc()
	s.logger.Info("Return request processed",
		zap.Int64("return_id", rr.ID),
		zap.String("status", string(rr.Status)),
		zap.Int64("actor_user_id", actor.UserID))

	eventType := models.EventTypeReturnApproved
	reason := ""
	if rr.Status == models.ReturnStatusRejected {
		eventType = models.EventTypeReturnRejected
		reason = rr.RejectionReason
	}
	s.emitter.emit(ctx, s.returnEvent(eventType, rr, actor, string(models.ReturnStatusRequested), reason))
	return rr, nil
}

func validateDecision(req ProcessReturnRequest) error {
	if err := checkStruct(req); err != nil {
		return err
	}
	if req.Action == ReturnActionReject {
		if strings.TrimSpace(req.RejectionReason) == "" {
			return validationError("rejection reason is required to reject a return")
		}
		return nil
	}
	if req.RefundMethod == "" || req.RefundType == "" {
		return validationError("refund method and refund type are required to approve a return")
	}
	return requirePositive("refund amount", req.RefundAmount)
}

// returnValue is the most that can still be refunded for the returned units
func returnValue(ctx context.Context, q store.Queries, rr *models.ReturnRequest) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, ri := range rr.Items {
		item, err := q.GetOrderItem(ctx, ri.OrderItemID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to load order item: %w", err)
		}
		units := item.Price.Mul(decimal.NewFromInt(int64(ri.Quantity)))
		total = total.Add(decimal.Min(units, item.Refundable()))
	}
	return total, nil
}

// BulkProcessReturnRequests applies the same decision to each return independently
func (s *ReturnsService) BulkProcessReturnRequests(ctx context.Context, actor Actor, returnIDs []int64, req ProcessReturnRequest) (*BulkResult, error) {
	if len(returnIDs) == 0 {
		return nil, validationError("at least one return id is required")
	}
	if len(returnIDs) > s.bulkLimit {
		return nil, validationError("at most %d returns can be processed at once", s.bulkLimit)
	}
	if err := validateDecision(req); err != nil {
		return nil, err
	}

	result := &BulkResult{Requested: len(returnIDs)}
	for _, id := range returnIDs {
		if _, err := s.ProcessReturnRequest(ctx, actor, id, req); err != nil {
			if Kind(err) == nil {
				s.logger.Error("Bulk return processing failed", zap.Int64("return_id", id), zap.Error(err))
			}
			util.BulkOperationResults.WithLabelValues("return_process", "failed").Inc()
			result.fail(id, err)
			continue
		}
		util.BulkOperationResults.WithLabelValues("return_process", "updated").Inc()
		result.UpdatedCount++
	}
	return result, nil
}

// ProcessReturnedItems records receipt of an approved return. Units in a
// resalable condition go back into stock through the ledger.
func (s *ReturnsService) ProcessReturnedItems(ctx context.Context, actor Actor, returnID int64, received []ReceivedItem) (*models.ReturnRequest, error) {
	ctx, span := util.StartSpan(ctx, "ReturnsService.ProcessReturnedItems")
	defer span.End()

	if len(received) == 0 {
		return nil, validationError("at least one received item is required")
	}
	conditions := make(map[int64]models.ItemCondition, len(received))
	for i := range received {
		if err := checkStruct(received[i]); err != nil {
			return nil, err
		}
		conditions[received[i].ReturnItemID] = received[i].Condition
	}

	var (
		rr     *models.ReturnRequest
		events []models.Event
	)
	err := s.db.WithTx(ctx, func(q store.Queries) error {
		var err error
		rr, err = loadReturn(ctx, q, returnID)
		if err != nil {
			return err
		}
		if err := authorizeReturn(ctx, q, actor, rr, false); err != nil {
			return err
		}

		from := rr.Status
		if !from.CanTransition(models.ReturnStatusItemsReceived) {
			return invalidTransition("return request", returnID, from, models.ReturnStatusItemsReceived)
		}

		known := make(map[int64]bool, len(rr.Items))
		for _, ri := range rr.Items {
			known[ri.ID] = true
		}
		for id := range conditions {
			if !known[id] {
				return newError(ErrInvalidItem, "item %d is not part of return %d", id, returnID)
			}
		}

		for _, ri := range rr.Items {
			if _, ok := conditions[ri.ID]; !ok {
				return newError(ErrInvalidItem, "item %d of return %d has no received condition", ri.ID, returnID)
			}
		}

		for i := range rr.Items {
			ri := &rr.Items[i]
			cond := conditions[ri.ID]
			ri.Condition = cond
			if cond.Resalable() {
				_, stockEvents, err := s.inventory.apply(ctx, q, ledger.Entry{
					Ref:         ri.Ref(),
					Type:        models.AdjustmentReturn,
					Delta:       ri.Quantity,
					Reason:      fmt.Sprintf("return %d received in %s condition", returnID, cond),
					Reference:   fmt.Sprintf("return:%d/item:%d", returnID, ri.ID),
					ActorUserID: actor.UserID,
				})
				if err != nil {
					return err
				}
				events = append(events, stockEvents...)
				ri.Restocked = true
			}
			if err := q.UpdateReturnItem(ctx, ri); err != nil {
				return fmt.Errorf("failed to update return item: %w", err)
			}
		}

		now := time.Now().UTC()
		rr.Status = models.ReturnStatusItemsReceived
		rr.ReceivedAt = &now
		if err := q.UpdateReturnRequest(ctx, rr, from); err != nil {
			if errors.Is(err, store.ErrConditionFailed) {
				return newError(ErrInvalidTransition, "return request %d is no longer %s", returnID, from)
			}
			return fmt.Errorf("failed to update return request: %w", err)
		}
		return nil
	})
	if err != nil {
		util.EndSpan(span, err)
		return nil, err
	}

	util.ReturnsTotal.WithLabelValues(string(rr.Status)).Inc()
	s.logger.Info("Returned items received",
		zap.Int64("return_id", rr.ID),
		zap.Int("received", len(received)))

	events = append([]models.Event{
		s.returnEvent(models.EventTypeReturnItemsReceived, rr, actor, string(models.ReturnStatusApproved), ""),
	}, events...)
	s.emitter.emit(ctx, events...)
	return rr, nil
}

// CloseReturn closes a rejected return, or a received one without a refund
func (s *ReturnsService) CloseReturn(ctx context.Context, actor Actor, returnID int64, reason string) (*models.ReturnRequest, error) {
	var (
		rr   *models.ReturnRequest
		from models.ReturnStatus
	)
	err := s.db.WithTx(ctx, func(q store.Queries) error {
		var err error
		rr, err = loadReturn(ctx, q, returnID)
		if err != nil {
			return err
		}
		if err := authorizeReturn(ctx, q, actor, rr, false); err != nil {
			return err
		}

		from = rr.Status
		if !from.CanTransition(models.ReturnStatusClosed) {
			return invalidTransition("return request", returnID, from, models.ReturnStatusClosed)
		}
		rr.Status = models.ReturnStatusClosed
		if err := q.UpdateReturnRequest(ctx, rr, from); err != nil {
			if errors.Is(err, store.ErrConditionFailed) {
				return newError(ErrInvalidTransition, "return request %d is no longer %s", returnID, from)
			}
			return fmt.Errorf("failed to update return request: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.ReturnsTotal.WithLabelValues(string(rr.Status)).Inc()
	s.emitter.emit(ctx, s.returnEvent(models.EventTypeReturnClosed, rr, actor, string(from), reason))
	return rr, nil
}

// ProcessRefund creates a refund against a received return. Refunds on one
// return never add up to more than its approved amount. The amount is spread
// over the return's order items, each capped by the value of the units
// returned and by what is left of its line total. Store credit needs no
// external confirmation and completes immediately.
func (s *ReturnsService) ProcessRefund(ctx context.Context, actor Actor, returnID int64, req RefundRequest) (*RefundOutcome, error) {
	ctx, span := util.StartSpan(ctx, "ReturnsService.ProcessRefund")
	defer span.End()

	if err := checkStruct(req); err != nil {
		return nil, err
	}
	if err := requirePositive("refund amount", req.Amount); err != nil {
		return nil, err
	}

	var (
		outcome = &RefundOutcome{}
		rr      *models.ReturnRequest
		events  []models.Event
	)
	err := s.db.WithTx(ctx, func(q store.Queries) error {
		var err error
		rr, err = loadReturn(ctx, q, returnID)
		if err != nil {
			return err
		}
		if err := authorizeReturn(ctx, q, actor, rr, false); err != nil {
			return err
		}
		if rr.Status != models.ReturnStatusItemsReceived && rr.Status != models.ReturnStatusRefunded {
			return newError(ErrInvalidTransition, "return request %d is %s; refunds need received items", returnID, rr.Status)
		}

		if err := q.ReserveReturnRefund(ctx, rr.ID, req.Amount); err != nil {
			if errors.Is(err, store.ErrConditionFailed) {
				return newError(ErrRefundExceedsOriginal,
					"refund of %s exceeds what is left of the %s approved for return %d (%s already refunded)",
					req.Amount, rr.RefundAmount, rr.ID, rr.RefundedAmount)
			}
			return fmt.Errorf("failed to reserve return refund: %w", err)
		}
		rr.RefundedAmount = rr.RefundedAmount.Add(req.Amount)

		allocations, err := allocateRefund(ctx, q, rr, req.Amount)
		if err != nil {
			return err
		}

		refund := &models.RefundRecord{
			ReturnID:          rr.ID,
			Amount:            req.Amount,
			Method:            req.Method,
			Type:              req.Type,
			Status:            models.RefundStatusPending,
			ExternalReference: req.ExternalReference,
			Allocations:       allocations,
		}
		now := time.Now().UTC()
		if req.Method == models.RefundMethodStoreCredit {
			refund.Status = models.RefundStatusCompleted
			refund.CompletedAt = &now
		}
		if err := q.InsertRefund(ctx, refund); err != nil {
			return fmt.Errorf("failed to create refund: %w", err)
		}
		outcome.Refund = refund
		events = append(events, refundEvent(models.EventTypeRefundCreated, refund, rr.UserID, ""))

		if req.Method != models.RefundMethodStoreCredit {
			return nil
		}

		credit := &models.StoreCredit{
			UserID:         rr.UserID,
			Amount:         req.Amount,
			Remaining:      req.Amount,
			ExpiresAt:      now.Add(s.creditValidity),
			SourceReturnID: rr.ID,
		}
		if err := q.InsertStoreCredit(ctx, credit); err != nil {
			return fmt.Errorf("failed to issue store credit: %w", err)
		}
		outcome.StoreCredit = credit
		events = append(events,
			refundEvent(models.EventTypeRefundCompleted, refund, rr.UserID, ""),
			refundEvent(models.EventTypeStoreCreditIssued, refund, rr.UserID, ""))

		return markReturnRefunded(ctx, q, rr)
	})
	if err != nil {
		util.EndSpan(span, err)
		return nil, err
	}

	util.RefundsTotal.WithLabelValues(string(req.Method), string(outcome.Refund.Status)).Inc()
	s.logger.Info("Refund created",
		zap.Int64("refund_id", outcome.Refund.ID),
		zap.Int64("return_id", returnID),
		zap.String("amount", req.Amount.String()),
		zap.String("method", string(req.Method)))

	s.emitter.emit(ctx, events...)
	return outcome, nil
}

// allocateRefund charges amount to the return's order items in order,
// reserving each share with a conditional increment. An item takes at most
// the price of its returned units, less what earlier refunds on this return
// already charged to it.
func allocateRefund(ctx context.Context, q store.Queries, rr *models.ReturnRequest, amount decimal.Decimal) ([]models.RefundAllocation, error) {
	units := make(map[int64]int, len(rr.Items))
	var order []int64
	for _, ri := range rr.Items {
		if _, ok := units[ri.OrderItemID]; !ok {
			order = append(order, ri.OrderItemID)
		}
		units[ri.OrderItemID] += ri.Quantity
	}

	prior, err := q.ListReturnAllocations(ctx, rr.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load refund allocations: %w", err)
	}
	charged := make(map[int64]decimal.Decimal, len(prior))
	for _, a := range prior {
		charged[a.OrderItemID] = charged[a.OrderItemID].Add(a.Amount)
	}

	remaining := amount
	var allocations []models.RefundAllocation
	for _, orderItemID := range order {
		if !remaining.IsPositive() {
			break
		}

		item, err := q.GetOrderItem(ctx, orderItemID)
		if err != nil {
			return nil, fmt.Errorf("failed to load order item: %w", err)
		}
		returned := item.Price.Mul(decimal.NewFromInt(int64(units[orderItemID]))).Sub(charged[orderItemID])
		share := decimal.Min(remaining, returned, item.Refundable())
		if !share.IsPositive() {
			continue
		}
		if err := q.ReserveRefundAmount(ctx, item.ID, share); err != nil {
			if errors.Is(err, store.ErrConditionFailed) {
				return nil, newError(ErrRefundExceedsOriginal, "refund for item %d would exceed its line total %s",
					item.ID, item.LineTotal())
			}
			return nil, fmt.Errorf("failed to reserve refund amount: %w", err)
		}
		allocations = append(allocations, models.RefundAllocation{OrderItemID: item.ID, Amount: share})
		remaining = remaining.Sub(share)
	}

	if remaining.IsPositive() {
		return nil, newError(ErrRefundExceedsOriginal,
			"refund of %s exceeds the value of the units in return %d by %s", amount, rr.ID, remaining)
	}
	return allocations, nil
}

// markReturnRefunded moves a received return to refunded; later refunds on
// an already refunded return leave it as it is
func markReturnRefunded(ctx context.Context, q store.Queries, rr *models.ReturnRequest) error {
	if rr.Status != models.ReturnStatusItemsReceived {
		return nil
	}
	from := rr.Status
	rr.Status = models.ReturnStatusRefunded
	if err := q.UpdateReturnRequest(ctx, rr, from); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return newError(ErrInvalidTransition, "return request %d is no longer %s", rr.ID, from)
		}
		return fmt.Errorf("failed to update return request: %w", err)
	}
	util.ReturnsTotal.WithLabelValues(string(rr.Status)).Inc()
	return nil
}

// MarkRefundCompleted is the payment gateway's confirmation of a refund
func (s *ReturnsService) MarkRefundCompleted(ctx context.Context, refundID int64, externalReference string) (*models.RefundRecord, error) {
	ctx, span := util.StartSpan(ctx, "ReturnsService.MarkRefundCompleted")
	defer span.End()

	var (
		refund *models.RefundRecord
		userID int64
	)
	err := s.db.WithTx(ctx, func(q store.Queries) error {
		var err error
		refund, err = loadRefund(ctx, q, refundID)
		if err != nil {
			return err
		}
		if refund.Status != models.RefundStatusPending {
			return invalidTransition("refund", refundID, refund.Status, models.RefundStatusCompleted)
		}

		now := time.Now().UTC()
		refund.Status = models.RefundStatusCompleted
		refund.CompletedAt = &now
		if externalReference != "" {
			refund.ExternalReference = externalReference
		}
		if err := q.UpdateRefundStatus(ctx, refund, models.RefundStatusPending); err != nil {
			if errors.Is(err, store.ErrConditionFailed) {
				return newError(ErrInvalidTransition, "refund %d is no longer pending", refundID)
			}
			return fmt.Errorf("failed to update refund: %w", err)
		}

		rr, err := loadReturn(ctx, q, refund.ReturnID)
		if err != nil {
			return err
		}
		userID = rr.UserID
		return markReturnRefunded(ctx, q, rr)
	})
	if err != nil {
		util.EndSpan(span, err)
		return nil, err
	}

	util.RefundsTotal.WithLabelValues(string(refund.Method), string(refund.Status)).Inc()
	s.logger.Info("Refund completed",
		zap.Int64("refund_id", refund.ID),
		zap.String("external_reference", refund.ExternalReference))

	s.emitter.emit(ctx, refundEvent(models.EventTypeRefundCompleted, refund, userID, ""))
	return refund, nil
}

// MarkRefundFailed is the payment gateway's failure of a refund. The amounts
// the refund held against its order items and its return are released.
func (s *ReturnsService) MarkRefundFailed(ctx context.Context, refundID int64, reason string) (*models.RefundRecord, error) {
	ctx, span := util.StartSpan(ctx, "ReturnsService.MarkRefundFailed")
	defer span.End()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, validationError("failure reason is required")
	}

	var (
		refund *models.RefundRecord
		userID int64
	)
	err := s.db.WithTx(ctx, func(q store.Queries) error {
		var err error
		refund, err = loadRefund(ctx, q, refundID)
		if err != nil {
			return err
		}
		if refund.Status != models.RefundStatusPending {
			return invalidTransition("refund", refundID, refund.Status, models.RefundStatusFailed)
		}

		refund.Status = models.RefundStatusFailed
		refund.FailureReason = reason
		if err := q.UpdateRefundStatus(ctx, refund, models.RefundStatusPending); err != nil {
			if errors.Is(err, store.ErrConditionFailed) {
				return newError(ErrInvalidTransition, "refund %d is no longer pending", refundID)
			}
			return fmt.Errorf("failed to update refund: %w", err)
		}

		for _, a := range refund.Allocations {
			if err := q.ReleaseRefundAmount(ctx, a.OrderItemID, a.Amount); err != nil {
				return fmt.Errorf("failed to release refund allocation: %w", err)
			}
		}
		if err := q.ReleaseReturnRefund(ctx, refund.ReturnID, refund.Amount); err != nil {
			return fmt.Errorf("failed to release return refund: %w", err)
		}

		rr, err := loadReturn(ctx, q, refund.ReturnID)
		if err != nil {
			return err
		}
		userID = rr.UserID
		return nil
	})
	if err != nil {
		util.EndSpan(span, err)
		return nil, err
	}

	util.RefundsTotal.WithLabelValues(string(refund.Method), string(refund.Status)).Inc()
	s.logger.Warn("Refund failed",
		zap.Int64("refund_id", refund.ID),
		zap.String("reason", reason))

	s.emitter.emit(ctx, refundEvent(models.EventTypeRefundFailed, refund, userID, reason))
	return refund, nil
}

func loadRefund(ctx context.Context, q store.Queries, refundID int64) (*models.RefundRecord, error) {
	refund, err := q.GetRefund(ctx, refundID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("refund", refundID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refund: %w", err)
	}
	return refund, nil
}

// GetStoreCredits lists a buyer's credits with the unexpired balance
func (s *ReturnsService) GetStoreCredits(ctx context.Context, actor Actor, userID int64) (*StoreCreditBalance, error) {
	if !actor.IsAdmin() && actor.UserID != userID {
		return nil, newError(ErrForbidden, "store credits of user %d are not visible to the caller", userID)
	}

	var credits []models.StoreCredit
	err := s.db.View(ctx, func(q store.Queries) error {
		var err error
		credits, err = q.ListStoreCredits(ctx, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list store credits: %w", err)
	}

	now := time.Now()
	balance := decimal.Zero
	for _, c := range credits {
		if c.ExpiresAt.After(now) {
			balance = balance.Add(c.Remaining)
		}
	}
	if credits == nil {
		credits = []models.StoreCredit{}
	}
	return &StoreCreditBalance{UserID: userID, Balance: balance, Credits: credits}, nil
}

func (s *ReturnsService) returnEvent(eventType string, rr *models.ReturnRequest, actor Actor, oldStatus, reason string) models.Event {
	return &models.ReturnEvent{
		BaseEvent:   models.NewBaseEvent(eventType),
		ReturnID:    rr.ID,
		OrderID:     rr.OrderID,
		UserID:      rr.UserID,
		ActorUserID: actor.UserID,
		OldStatus:   oldStatus,
		NewStatus:   string(rr.Status),
		Amount:      rr.RefundAmount,
		Reason:      reason,
	}
}

func refundEvent(eventType string, refund *models.RefundRecord, userID int64, reason string) models.Event {
	return &models.RefundEvent{
		BaseEvent:         models.NewBaseEvent(eventType),
		RefundID:          refund.ID,
		ReturnID:          refund.ReturnID,
		UserID:            userID,
		Amount:            refund.Amount,
		Method:            refund.Method,
		Status:            refund.Status,
		ExternalReference: refund.ExternalReference,
		Reason:            reason,
	}
}

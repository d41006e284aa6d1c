// Package memstore is an in-process implementation of store.Database. It
// honours the same conditional-update contract as the Postgres store and is
// used for local runs (DATABASE_DRIVER=memory) and service tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketplace-fulfillment/internal/models"
	"marketplace-fulfillment/internal/store"

	"github.com/shopspring/decimal"
)

// Store guards a dataset with a single mutex; WithTx works on a copy and
// swaps it in on success, so a failed transaction leaves nothing behind.
type Store struct {
	mu   sync.Mutex
	data *dataset
	now  func() time.Time
}

var _ store.Database = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{data: newDataset(), now: func() time.Time { return time.Now().UTC() }}
}

// SeedProduct registers a catalog row. BaseStock is taken from Stock when unset.
func (s *Store) SeedProduct(p models.Product) models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.BaseStock == 0 {
		p.BaseStock = p.Stock
	}
	if p.ID == 0 {
		s.data.seq++
		p.ID = s.data.seq
	}
	p.UpdatedAt = s.now()
	s.data.products[p.Ref()] = p
	return p
}

// View runs fn under the lock against the live dataset
func (s *Store) View(ctx context.Context, fn func(q store.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&tx{d: s.data, now: s.now})
}

// WithTx runs fn against a copy and commits it when fn succeeds
func (s *Store) WithTx(ctx context.Context, fn func(q store.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(&tx{d: work, now: s.now}); err != nil {
		return err
	}
	s.data = work
	return nil
}

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}

type dataset struct {
	seq         int64
	products    map[models.ProductRef]models.Product
	adjustments []models.StockAdjustment
	alerts      []models.LowStockAlert
	orders      map[int64]models.Order
	items       map[int64]models.OrderItem
	itemEvents  []models.ItemStatusEvent
	returns     map[int64]models.ReturnRequest
	refunds     map[int64]models.RefundRecord
	credits     []models.StoreCredit
	processed   map[string]string
}

func newDataset() *dataset {
	return &dataset{
		products:  make(map[models.ProductRef]models.Product),
		orders:    make(map[int64]models.Order),
		items:     make(map[int64]models.OrderItem),
		returns:   make(map[int64]models.ReturnRequest),
		refunds:   make(map[int64]models.RefundRecord),
		processed: make(map[string]string),
	}
}

func (d *dataset) clone() *dataset {
	c := newDataset()
	c.seq = d.seq
	for k, v := range d.products {
		c.products[k] = v
	}
	c.adjustments = append(c.adjustments, d.adjustments...)
	c.alerts = append(c.alerts, d.alerts...)
	for k, v := range d.orders {
		c.orders[k] = v
	}
	for k, v := range d.items {
		c.items[k] = v
	}
	c.itemEvents = append(c.itemEvents, d.itemEvents...)
	for k, v := range d.returns {
		v.Items = append([]models.ReturnItem(nil), v.Items...)
		c.returns[k] = v
	}
	for k, v := range d.refunds {
		v.Allocations = append([]models.RefundAllocation(nil), v.Allocations...)
		c.refunds[k] = v
	}
	c.credits = append(c.credits, d.credits...)
	for k, v := range d.processed {
		c.processed[k] = v
	}
	return c
}

func (d *dataset) nextID() int64 {
	d.seq++
	return d.seq
}

// tx implements store.Queries over one dataset; the caller holds the lock
type tx struct {
	d   *dataset
	now func() time.Time
}

func (t *tx) GetProduct(ctx context.Context, ref models.ProductRef) (*models.Product, error) {
	if _, err := store.TableFor(ref.Category); err != nil {
		return nil, err
	}
	p, ok := t.d.products[ref]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (t *tx) ApplyStockDelta(ctx context.Context, ref models.ProductRef, delta int) (int, error) {
	if _, err := store.TableFor(ref.Category); err != nil {
		return 0, err
	}
	p, ok := t.d.products[ref]
	if !ok {
		return 0, store.ErrNotFound
	}
	if p.Stock+delta < 0 {
		return 0, store.ErrConditionFailed
	}
	p.Stock += delta
	p.UpdatedAt = t.now()
	t.d.products[ref] = p
	return p.Stock, nil
}

func (t *tx) SummarizeInventory(ctx context.Context, vendorID int64, threshold int) ([]models.CategorySummary, error) {
	byCategory := make(map[models.Category]*models.CategorySummary, len(models.Categories))
	out := make([]models.CategorySummary, len(models.Categories))
	for i, c := range models.Categories {
		out[i].Category = c
		byCategory[c] = &out[i]
	}
	for _, p := range t.d.products {
		if vendorID != 0 && p.VendorID != vendorID {
			continue
		}
		sum := byCategory[p.Category]
		sum.ProductCount++
		sum.TotalUnits += p.Stock
		switch {
		case p.Stock == 0:
			sum.OutOfStock++
		case p.Stock < threshold:
			sum.LowStockCount++
		}
	}
	return out, nil
}

func (t *tx) InsertStockAdjustment(ctx context.Context, adj *models.StockAdjustment) error {
	adj.ID = t.d.nextID()
	adj.CreatedAt = t.now()
	t.d.adjustments = append(t.d.adjustments, *adj)
	return nil
}

func (t *tx) ListStockAdjustments(ctx context.Context, ref models.ProductRef, limit int) ([]models.StockAdjustment, error) {
	var out []models.StockAdjustment
	for i := len(t.d.adjustments) - 1; i >= 0 && len(out) < limit; i-- {
		if t.d.adjustments[i].Ref() == ref {
			out = append(out, t.d.adjustments[i])
		}
	}
	return out, nil
}

func (t *tx) SumStockAdjustments(ctx context.Context, ref models.ProductRef) (int, error) {
	sum := 0
	for _, a := range t.d.adjustments {
		if a.Ref() == ref {
			sum += a.QuantityDelta
		}
	}
	return sum, nil
}

func (t *tx) OpenLowStockAlert(ctx context.Context, alert *models.LowStockAlert) (bool, error) {
	for _, a := range t.d.alerts {
		if !a.Resolved && a.ProductID == alert.ProductID && a.Category == alert.Category {
			return false, nil
		}
	}
	alert.ID = t.d.nextID()
	alert.CreatedAt = t.now()
	alert.Resolved = false
	t.d.alerts = append(t.d.alerts, *alert)
	return true, nil
}

func (t *tx) ResolveLowStockAlerts(ctx context.Context, ref models.ProductRef) (int64, error) {
	var n int64
	now := t.now()
	for i := range t.d.alerts {
		a := &t.d.alerts[i]
		if !a.Resolved && a.ProductID == ref.ProductID && a.Category == ref.Category {
			a.Resolved = true
			a.ResolvedAt = &now
			n++
		}
	}
	return n, nil
}

func (t *tx) AcknowledgeLowStockAlert(ctx context.Context, alertID int64) error {
	for i := range t.d.alerts {
		a := &t.d.alerts[i]
		if a.ID != alertID {
			continue
		}
		if a.Resolved {
			return store.ErrConditionFailed
		}
		now := t.now()
		a.Resolved = true
		a.ResolvedAt = &now
		return nil
	}
	return store.ErrNotFound
}

func (t *tx) ListLowStockAlerts(ctx context.Context, filter models.AlertFilter) ([]models.LowStockAlert, error) {
	var out []models.LowStockAlert
	for i := len(t.d.alerts) - 1; i >= 0; i-- {
		a := t.d.alerts[i]
		if filter.VendorID != 0 && a.VendorID != filter.VendorID {
			continue
		}
		if filter.Resolved != nil && a.Resolved != *filter.Resolved {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (t *tx) InsertOrder(ctx context.Context, order *models.Order) error {
	order.ID = t.d.nextID()
	order.CreatedAt = t.now()
	order.UpdatedAt = order.CreatedAt
	stored := *order
	stored.Items = nil
	t.d.orders[order.ID] = stored
	return nil
}

func (t *tx) InsertOrderItem(ctx context.Context, item *models.OrderItem) error {
	if _, ok := t.d.orders[item.OrderID]; !ok {
		return store.ErrNotFound
	}
	item.ID = t.d.nextID()
	item.CreatedAt = t.now()
	item.UpdatedAt = item.CreatedAt
	t.d.items[item.ID] = *item
	return nil
}

func (t *tx) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	o, ok := t.d.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (t *tx) ListOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	var out []models.Order
	for _, o := range t.d.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (t *tx) ListOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var out []models.OrderItem
	for _, it := range t.d.items {
		if it.OrderID == orderID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) GetOrderItem(ctx context.Context, itemID int64) (*models.OrderItem, error) {
	it, ok := t.d.items[itemID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &it, nil
}

func (t *tx) ListVendorItems(ctx context.Context, vendorID int64, status models.ItemStatus) ([]models.OrderItem, error) {
	var out []models.OrderItem
	for _, it := range t.d.items {
		if it.VendorID == vendorID && (status == "" || it.Status == status) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (t *tx) UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus, cancelReason string) error {
	o, ok := t.d.orders[orderID]
	if !ok || o.Status != from {
		return store.ErrConditionFailed
	}
	o.Status = to
	if cancelReason != "" {
		o.CancelReason = cancelReason
	}
	o.UpdatedAt = t.now()
	t.d.orders[orderID] = o
	return nil
}

func (t *tx) UpdatePaymentStatus(ctx context.Context, orderID int64, from, to models.PaymentStatus) error {
	o, ok := t.d.orders[orderID]
	if !ok || o.PaymentStatus != from {
		return store.ErrConditionFailed
	}
	o.PaymentStatus = to
	o.UpdatedAt = t.now()
	t.d.orders[orderID] = o
	return nil
}

func (t *tx) UpdateOrderItemStatus(ctx context.Context, upd models.ItemStatusUpdate) error {
	it, ok := t.d.items[upd.ItemID]
	if !ok || it.Status != upd.From {
		return store.ErrConditionFailed
	}
	it.Status = upd.To
	if upd.TrackingNumber != "" {
		it.TrackingNumber = upd.TrackingNumber
	}
	if upd.ShippedAt != nil {
		it.ShippedAt = upd.ShippedAt
	}
	if upd.DeliveredAt != nil {
		it.DeliveredAt = upd.DeliveredAt
	}
	it.UpdatedAt = t.now()
	t.d.items[upd.ItemID] = it
	return nil
}

func (t *tx) InsertItemStatusEvent(ctx context.Context, ev *models.ItemStatusEvent) error {
	ev.ID = t.d.nextID()
	ev.CreatedAt = t.now()
	t.d.itemEvents = append(t.d.itemEvents, *ev)
	return nil
}

func (t *tx) ReserveReturnQuantity(ctx context.Context, itemID int64, quantity int) error {
	it, ok := t.d.items[itemID]
	if !ok || it.Status != models.ItemStatusDelivered || it.ReturnedQuantity+quantity > it.Quantity {
		return store.ErrConditionFailed
	}
	it.ReturnedQuantity += quantity
	t.d.items[itemID] = it
	return nil
}

func (t *tx) ReleaseReturnQuantity(ctx context.Context, itemID int64, quantity int) error {
	it, ok := t.d.items[itemID]
	if !ok || it.ReturnedQuantity < quantity {
		return store.ErrConditionFailed
	}
	it.ReturnedQuantity -= quantity
	t.d.items[itemID] = it
	return nil
}

func (t *tx) ReserveRefundAmount(ctx context.Context, itemID int64, amount decimal.Decimal) error {
	it, ok := t.d.items[itemID]
	if !ok || it.RefundedAmount.Add(amount).GreaterThan(it.LineTotal()) {
		return store.ErrConditionFailed
	}
	it.RefundedAmount = it.RefundedAmount.Add(amount)
	t.d.items[itemID] = it
	return nil
}

func (t *tx) ReleaseRefundAmount(ctx context.Context, itemID int64, amount decimal.Decimal) error {
	it, ok := t.d.items[itemID]
	if !ok || it.RefundedAmount.LessThan(amount) {
		return store.ErrConditionFailed
	}
	it.RefundedAmount = it.RefundedAmount.Sub(amount)
	t.d.items[itemID] = it
	return nil
}

func (t *tx) InsertReturnRequest(ctx context.Context, rr *models.ReturnRequest) error {
	if _, ok := t.d.orders[rr.OrderID]; !ok {
		return store.ErrNotFound
	}
	rr.ID = t.d.nextID()
	rr.CreatedAt = t.now()
	rr.UpdatedAt = rr.CreatedAt
	for i := range rr.Items {
		rr.Items[i].ID = t.d.nextID()
		rr.Items[i].ReturnID = rr.ID
	}
	stored := *rr
	stored.Items = append([]models.ReturnItem(nil), rr.Items...)
	t.d.returns[rr.ID] = stored
	return nil
}

func (t *tx) GetReturnRequest(ctx context.Context, returnID int64) (*models.ReturnRequest, error) {
	rr, ok := t.d.returns[returnID]
	if !ok {
		return nil, store.ErrNotFound
	}
	rr.Items = append([]models.ReturnItem(nil), rr.Items...)
	return &rr, nil
}

func (t *tx) UpdateReturnRequest(ctx context.Context, rr *models.ReturnRequest, from models.ReturnStatus) error {
	stored, ok := t.d.returns[rr.ID]
	if !ok || stored.Status != from {
		return store.ErrConditionFailed
	}
	stored.Status = rr.Status
	stored.RefundAmount = rr.RefundAmount
	stored.RefundMethod = rr.RefundMethod
	stored.RefundType = rr.RefundType
	stored.RejectionReason = rr.RejectionReason
	stored.ProcessedBy = rr.ProcessedBy
	stored.DecidedAt = rr.DecidedAt
	stored.ReceivedAt = rr.ReceivedAt
	stored.UpdatedAt = t.now()
	t.d.returns[rr.ID] = stored
	return nil
}

func (t *tx) UpdateReturnItem(ctx context.Context, item *models.ReturnItem) error {
	rr, ok := t.d.returns[item.ReturnID]
	if !ok {
		return store.ErrConditionFailed
	}
	for i := range rr.Items {
		if rr.Items[i].ID == item.ID {
			rr.Items[i].Condition = item.Condition
			rr.Items[i].Restocked = item.Restocked
			t.d.returns[rr.ID] = rr
			return nil
		}
	}
	return store.ErrConditionFailed
}

func (t *tx) ReserveReturnRefund(ctx context.Context, returnID int64, amount decimal.Decimal) error {
	rr, ok := t.d.returns[returnID]
	if !ok || rr.RefundedAmount.Add(amount).GreaterThan(rr.RefundAmount) {
		return store.ErrConditionFailed
	}
	rr.RefundedAmount = rr.RefundedAmount.Add(amount)
	rr.UpdatedAt = t.now()
	t.d.returns[returnID] = rr
	return nil
}

func (t *tx) ReleaseReturnRefund(ctx context.Context, returnID int64, amount decimal.Decimal) error {
	rr, ok := t.d.returns[returnID]
	if !ok || rr.RefundedAmount.LessThan(amount) {
		return store.ErrConditionFailed
	}
	rr.RefundedAmount = rr.RefundedAmount.Sub(amount)
	rr.UpdatedAt = t.now()
	t.d.returns[returnID] = rr
	return nil
}

func (t *tx) ListReturnAllocations(ctx context.Context, returnID int64) ([]models.RefundAllocation, error) {
	ids := make([]int64, 0, len(t.d.refunds))
	for id, r := range t.d.refunds {
		if r.ReturnID == returnID && r.Status != models.RefundStatusFailed {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []models.RefundAllocation
	for _, id := range ids {
		out = append(out, t.d.refunds[id].Allocations...)
	}
	return out, nil
}

func (t *tx) InsertRefund(ctx context.Context, refund *models.RefundRecord) error {
	if _, ok := t.d.returns[refund.ReturnID]; !ok {
		return store.ErrNotFound
	}
	refund.ID = t.d.nextID()
	refund.CreatedAt = t.now()
	for i := range refund.Allocations {
		refund.Allocations[i].RefundID = refund.ID
	}
	stored := *refund
	stored.Allocations = append([]models.RefundAllocation(nil), refund.Allocations...)
	t.d.refunds[refund.ID] = stored
	return nil
}

func (t *tx) GetRefund(ctx context.Context, refundID int64) (*models.RefundRecord, error) {
	r, ok := t.d.refunds[refundID]
	if !ok {
		return nil, store.ErrNotFound
	}
	r.Allocations = append([]models.RefundAllocation(nil), r.Allocations...)
	return &r, nil
}

func (t *tx) UpdateRefundStatus(ctx context.Context, refund *models.RefundRecord, from models.RefundStatus) error {
	stored, ok := t.d.refunds[refund.ID]
	if !ok || stored.Status != from {
		return store.ErrConditionFailed
	}
	stored.Status = refund.Status
	stored.ExternalReference = refund.ExternalReference
	stored.FailureReason = refund.FailureReason
	stored.CompletedAt = refund.CompletedAt
	t.d.refunds[refund.ID] = stored
	return nil
}

func (t *tx) InsertStoreCredit(ctx context.Context, credit *models.StoreCredit) error {
	credit.ID = t.d.nextID()
	credit.CreatedAt = t.now()
	t.d.credits = append(t.d.credits, *credit)
	return nil
}

func (t *tx) ListStoreCredits(ctx context.Context, userID int64) ([]models.StoreCredit, error) {
	var out []models.StoreCredit
	for i := len(t.d.credits) - 1; i >= 0; i-- {
		if t.d.credits[i].UserID == userID {
			out = append(out, t.d.credits[i])
		}
	}
	return out, nil
}

func (t *tx) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	_, ok := t.d.processed[eventID]
	return ok, nil
}

func (t *tx) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	if _, ok := t.d.processed[eventID]; ok {
		return store.ErrConditionFailed
	}
	t.d.processed[eventID] = eventType
	return nil
}

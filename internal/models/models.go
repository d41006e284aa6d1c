package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Category names one of the product category tables
type Category string

const (
	CategoryAccessories   Category = "accessories"
	CategoryFashion       Category = "fashion"
	CategoryDecoration    Category = "decoration"
	CategoryHomeAndLiving Category = "home-and-living"
	CategoryMeditation    Category = "meditation"
	CategoryMusic         Category = "music"
	CategoryDigitalBook   Category = "digital-book"
	CategoryCoupon        Category = "coupon"
)

// Categories lists every category in a stable order
var Categories = []Category{
	CategoryAccessories,
	CategoryFashion,
	CategoryDecoration,
	CategoryHomeAndLiving,
	CategoryMeditation,
	CategoryMusic,
	CategoryDigitalBook,
	CategoryCoupon,
}

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ProductRef addresses a product inside its category table
type ProductRef struct {
	Category  Category `db:"category" json:"category" validate:"required"`
	ProductID int64    `db:"product_id" json:"product_id" validate:"required,gt=0"`
}

func (r ProductRef) String() string {
	return fmt.Sprintf("%s/%d", r.Category, r.ProductID)
}

// Product is the slice of a category row the core is allowed to read
type Product struct {
	ID        int64           `db:"id" json:"id"`
	Category  Category        `db:"category" json:"category"`
	VendorID  int64           `db:"vendor_id" json:"vendor_id"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Stock     int             `db:"stock" json:"stock"`
	BaseStock int             `db:"base_stock" json:"base_stock"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Ref returns the product's address
func (p *Product) Ref() ProductRef {
	return ProductRef{Category: p.Category, ProductID: p.ID}
}

// AdjustmentType classifies a ledger entry
type AdjustmentType string

const (
	AdjustmentRestock            AdjustmentType = "restock"
	AdjustmentSale               AdjustmentType = "sale"
	AdjustmentReturn             AdjustmentType = "return"
	AdjustmentDamage             AdjustmentType = "damage"
	AdjustmentCorrection         AdjustmentType = "correction"
	AdjustmentReservationRelease AdjustmentType = "reservation-release"
)

// Valid reports whether t is a known adjustment type
func (t AdjustmentType) Valid() bool {
	switch t {
	case AdjustmentRestock, AdjustmentSale, AdjustmentReturn,
		AdjustmentDamage, AdjustmentCorrection, AdjustmentReservationRelease:
		return true
	}
	return false
}

// IsDebit reports whether the type removes units from stock
func (t AdjustmentType) IsDebit() bool {
	return t == AdjustmentSale || t == AdjustmentDamage
}

// Delta converts a quantity into a signed ledger delta. Corrections keep the
// caller's sign; every other type takes its sign from the type.
func (t AdjustmentType) Delta(quantity int) int {
	switch {
	case t == AdjustmentCorrection:
		return quantity
	case t.IsDebit():
		return -quantity
	default:
		return quantity
	}
}

// StockAdjustment is one immutable ledger row
type StockAdjustment struct {
	ID            int64          `db:"id" json:"id"`
	ProductID     int64          `db:"product_id" json:"product_id"`
	Category      Category       `db:"category" json:"category"`
	Type          AdjustmentType `db:"adjustment_type" json:"adjustment_type"`
	QuantityDelta int            `db:"quantity_delta" json:"quantity_delta"`
	Reason        string         `db:"reason" json:"reason"`
	Reference     string         `db:"reference" json:"reference,omitempty"`
	ActorUserID   int64          `db:"actor_user_id" json:"actor_user_id"`
	StockAfter    int            `db:"stock_after" json:"stock_after"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// Ref returns the product the adjustment applies to
func (a *StockAdjustment) Ref() ProductRef {
	return ProductRef{Category: a.Category, ProductID: a.ProductID}
}

// LowStockAlert is raised when materialised stock drops below the threshold
type LowStockAlert struct {
	ID         int64      `db:"id" json:"id"`
	ProductID  int64      `db:"product_id" json:"product_id"`
	Category   Category   `db:"category" json:"category"`
	VendorID   int64      `db:"vendor_id" json:"vendor_id"`
	Stock      int        `db:"stock" json:"stock"`
	Threshold  int        `db:"threshold" json:"threshold"`
	Resolved   bool       `db:"resolved" json:"resolved"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	ResolvedAt *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
}

// AlertFilter narrows alert listings; zero values mean "any"
type AlertFilter struct {
	VendorID int64
	Resolved *bool
}

// CategorySummary aggregates stock for one category
type CategorySummary struct {
	Category      Category `db:"category" json:"category"`
	ProductCount  int      `db:"product_count" json:"product_count"`
	TotalUnits    int      `db:"total_units" json:"total_units"`
	LowStockCount int      `db:"low_stock_count" json:"low_stock_count"`
	OutOfStock    int      `db:"out_of_stock_count" json:"out_of_stock_count"`
}

// Order represents a buyer's order
type Order struct {
	ID                 int64           `db:"id" json:"id"`
	UserID             int64           `db:"user_id" json:"user_id"`
	Subtotal           decimal.Decimal `db:"subtotal" json:"subtotal"`
	ShippingFee        decimal.Decimal `db:"shipping_fee" json:"shipping_fee"`
	Discount           decimal.Decimal `db:"discount" json:"discount"`
	Amount             decimal.Decimal `db:"amount" json:"amount"`
	Status             OrderStatus     `db:"status" json:"status"`
	PaymentStatus      PaymentStatus   `db:"payment_status" json:"payment_status"`
	Priority           string          `db:"priority" json:"priority"`
	ShippingName       string          `db:"shipping_name" json:"shipping_name"`
	ShippingPhone      string          `db:"shipping_phone" json:"shipping_phone"`
	ShippingAddress    string          `db:"shipping_address" json:"shipping_address"`
	ShippingCity       string          `db:"shipping_city" json:"shipping_city"`
	ShippingPostalCode string          `db:"shipping_postal_code" json:"shipping_postal_code"`
	ShippingCountry    string          `db:"shipping_country" json:"shipping_country"`
	TrackingNumber     string          `db:"tracking_number" json:"tracking_number,omitempty"`
	CancelReason       string          `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
	Items              []OrderItem     `db:"-" json:"items,omitempty"`
}

// OrderItem is one vendor's product line within an order
type OrderItem struct {
	ID               int64           `db:"id" json:"id"`
	OrderID          int64           `db:"order_id" json:"order_id"`
	Category         Category        `db:"category" json:"category"`
	ProductID        int64           `db:"product_id" json:"product_id"`
	VendorID         int64           `db:"vendor_id" json:"vendor_id"`
	Quantity         int             `db:"quantity" json:"quantity"`
	Price            decimal.Decimal `db:"price" json:"price"`
	Status           ItemStatus      `db:"status" json:"status"`
	TrackingNumber   string          `db:"tracking_number" json:"tracking_number,omitempty"`
	ShippedAt        *time.Time      `db:"shipped_at" json:"shipped_at,omitempty"`
	DeliveredAt      *time.Time      `db:"delivered_at" json:"delivered_at,omitempty"`
	ReturnedQuantity int             `db:"returned_quantity" json:"returned_quantity"`
	RefundedAmount   decimal.Decimal `db:"refunded_amount" json:"refunded_amount"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// Ref returns the product the line was bought from
func (i *OrderItem) Ref() ProductRef {
	return ProductRef{Category: i.Category, ProductID: i.ProductID}
}

// LineTotal is the price snapshot times quantity
func (i *OrderItem) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Refundable is what is left of the line total after previous refunds
func (i *OrderItem) Refundable() decimal.Decimal {
	left := i.LineTotal().Sub(i.RefundedAmount)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// ItemStatusUpdate describes a conditional item transition
type ItemStatusUpdate struct {
	ItemID         int64
	From           ItemStatus
	To             ItemStatus
	TrackingNumber string
	ShippedAt      *time.Time
	DeliveredAt    *time.Time
}

// ItemStatusEvent is the audit row written for every item transition
type ItemStatusEvent struct {
	ID          int64      `db:"id" json:"id"`
	OrderItemID int64      `db:"order_item_id" json:"order_item_id"`
	FromStatus  ItemStatus `db:"from_status" json:"from_status"`
	ToStatus    ItemStatus `db:"to_status" json:"to_status"`
	ActorUserID int64      `db:"actor_user_id" json:"actor_user_id"`
	Notes       string     `db:"notes" json:"notes,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// ReturnReason is the buyer's stated reason for a return
type ReturnReason string

const (
	ReturnReasonDamaged        ReturnReason = "damaged"
	ReturnReasonDefective      ReturnReason = "defective"
	ReturnReasonWrongItem      ReturnReason = "wrong_item"
	ReturnReasonNotAsDescribed ReturnReason = "not_as_described"
	ReturnReasonChangedMind    ReturnReason = "changed_mind"
	ReturnReasonOther          ReturnReason = "other"
)

// ItemCondition is the state of a returned unit on receipt
type ItemCondition string

const (
	ConditionNew       ItemCondition = "new"
	ConditionLikeNew   ItemCondition = "like_new"
	ConditionGood      ItemCondition = "good"
	ConditionDamaged   ItemCondition = "damaged"
	ConditionDefective ItemCondition = "defective"
)

// Resalable reports whether units in this condition go back on sale
func (c ItemCondition) Resalable() bool {
	return c == ConditionNew || c == ConditionLikeNew || c == ConditionGood
}

// RefundMethod is how money goes back to the buyer
type RefundMethod string

const (
	RefundMethodOriginalPayment RefundMethod = "original-payment-method"
	RefundMethodStoreCredit     RefundMethod = "store-credit"
)

// RefundType distinguishes full from partial refunds
type RefundType string

const (
	RefundTypeFull    RefundType = "full"
	RefundTypePartial RefundType = "partial"
)

// ReturnRequest is a buyer's request to send delivered units back
type ReturnRequest struct {
	ID              int64           `db:"id" json:"id"`
	OrderID         int64           `db:"order_id" json:"order_id"`
	UserID          int64           `db:"user_id" json:"user_id"`
	Status          ReturnStatus    `db:"status" json:"status"`
	Reason          ReturnReason    `db:"reason" json:"reason"`
	Description     string          `db:"description" json:"description,omitempty"`
	IsExpedited     bool            `db:"is_expedited" json:"is_expedited"`
	RefundAmount    decimal.Decimal `db:"refund_amount" json:"refund_amount"`
	RefundedAmount  decimal.Decimal `db:"refunded_amount" json:"refunded_amount"`
	RefundMethod    RefundMethod    `db:"refund_method" json:"refund_method,omitempty"`
	RefundType      RefundType      `db:"refund_type" json:"refund_type,omitempty"`
	RejectionReason string          `db:"rejection_reason" json:"rejection_reason,omitempty"`
	ProcessedBy     int64           `db:"processed_by" json:"processed_by,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
	DecidedAt       *time.Time      `db:"decided_at" json:"decided_at,omitempty"`
	ReceivedAt      *time.Time      `db:"received_at" json:"received_at,omitempty"`
	Items           []ReturnItem    `db:"-" json:"items"`
}

// ReturnItem is one line of a return request
type ReturnItem struct {
	ID          int64         `db:"id" json:"id"`
	ReturnID    int64         `db:"return_id" json:"return_id"`
	OrderItemID int64         `db:"order_item_id" json:"order_item_id"`
	Category    Category      `db:"category" json:"category"`
	ProductID   int64         `db:"product_id" json:"product_id"`
	Quantity    int           `db:"quantity" json:"quantity"`
	Reason      string        `db:"reason" json:"reason,omitempty"`
	Condition   ItemCondition `db:"item_condition" json:"condition,omitempty"`
	Restocked   bool          `db:"restocked" json:"restocked"`
}

// Ref returns the product being returned
func (i *ReturnItem) Ref() ProductRef {
	return ProductRef{Category: i.Category, ProductID: i.ProductID}
}

// RefundRecord tracks one refund against a return
type RefundRecord struct {
	ID                int64              `db:"id" json:"id"`
	ReturnID          int64              `db:"return_id" json:"return_id"`
	Amount            decimal.Decimal    `db:"amount" json:"amount"`
	Method            RefundMethod       `db:"method" json:"method"`
	Type              RefundType         `db:"refund_type" json:"type"`
	Status            RefundStatus       `db:"status" json:"status"`
	ExternalReference string             `db:"external_reference" json:"external_reference,omitempty"`
	FailureReason     string             `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt         time.Time          `db:"created_at" json:"created_at"`
	CompletedAt       *time.Time         `db:"completed_at" json:"completed_at,omitempty"`
	Allocations       []RefundAllocation `db:"-" json:"allocations,omitempty"`
}

// RefundAllocation is the share of a refund charged to one order item
type RefundAllocation struct {
	RefundID    int64           `db:"refund_id" json:"refund_id"`
	OrderItemID int64           `db:"order_item_id" json:"order_item_id"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
}

// StoreCredit is a non-monetary refund balance
type StoreCredit struct {
	ID             int64           `db:"id" json:"id"`
	UserID         int64           `db:"user_id" json:"user_id"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	Remaining      decimal.Decimal `db:"remaining" json:"remaining"`
	ExpiresAt      time.Time       `db:"expires_at" json:"expires_at"`
	SourceReturnID int64           `db:"source_return_id" json:"source_return_id"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

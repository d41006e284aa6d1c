package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"marketplace-fulfillment/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when the addressed row does not exist
	ErrNotFound = errors.New("store: not found")
	// ErrConditionFailed is returned when a conditional update matched no row
	ErrConditionFailed = errors.New("store: condition failed")
)

//go:embed schema.sql
var schemaSQL string

// Queries is every statement the fulfillment core issues. Mutations that
// guard an invariant are conditional and report ErrConditionFailed instead of
// reading, computing and writing back.
type Queries interface {
	GetProduct(ctx context.Context, ref models.ProductRef) (*models.Product, error)
	ApplyStockDelta(ctx context.Context, ref models.ProductRef, delta int) (int, error)
	SummarizeInventory(ctx context.Context, vendorID int64, threshold int) ([]models.CategorySummary, error)

	InsertStockAdjustment(ctx context.Context, adj *models.StockAdjustment) error
	ListStockAdjustments(ctx context.Context, ref models.ProductRef, limit int) ([]models.StockAdjustment, error)
	SumStockAdjustments(ctx context.Context, ref models.ProductRef) (int, error)

	OpenLowStockAlert(ctx context.Context, alert *models.LowStockAlert) (bool, error)
	ResolveLowStockAlerts(ctx context.Context, ref models.ProductRef) (int64, error)
	AcknowledgeLowStockAlert(ctx context.Context, alertID int64) error
	ListLowStockAlerts(ctx context.Context, filter models.AlertFilter) ([]models.LowStockAlert, error)

	InsertOrder(ctx context.Context, order *models.Order) error
	InsertOrderItem(ctx context.Context, item *models.OrderItem) error
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error)
	ListOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	GetOrderItem(ctx context.Context, itemID int64) (*models.OrderItem, error)
	ListVendorItems(ctx context.Context, vendorID int64, status models.ItemStatus) ([]models.OrderItem, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus, cancelReason string) error
	UpdatePaymentStatus(ctx context.Context, orderID int64, from, to models.PaymentStatus) error
	UpdateOrderItemStatus(ctx context.Context, upd models.ItemStatusUpdate) error
	InsertItemStatusEvent(ctx context.Context, ev *models.ItemStatusEvent) error
	ReserveReturnQuantity(ctx context.Context, itemID int64, quantity int) error
	ReleaseReturnQuantity(ctx context.Context, itemID int64, quantity int) error
	ReserveRefundAmount(ctx context.Context, itemID int64, amount decimal.Decimal) error
	ReleaseRefundAmount(ctx context.Context, itemID int64, amount decimal.Decimal) error

	InsertReturnRequest(ctx context.Context, rr *models.ReturnRequest) error
	GetReturnRequest(ctx context.Context, returnID int64) (*models.ReturnRequest, error)
	UpdateReturnRequest(ctx context.Context, rr *models.ReturnRequest, from models.ReturnStatus) error
	UpdateReturnItem(ctx context.Context, item *models.ReturnItem) error
	ReserveReturnRefund(ctx context.Context, returnID int64, amount decimal.Decimal) error
	ReleaseReturnRefund(ctx context.Context, returnID int64, amount decimal.Decimal) error
	ListReturnAllocations(ctx context.Context, returnID int64) ([]models.RefundAllocation, error)

	InsertRefund(ctx context.Context, refund *models.RefundRecord) error
	GetRefund(ctx context.Context, refundID int64) (*models.RefundRecord, error)
	UpdateRefundStatus(ctx context.Context, refund *models.RefundRecord, from models.RefundStatus) error
	InsertStoreCredit(ctx context.Context, credit *models.StoreCredit) error
	ListStoreCredits(ctx context.Context, userID int64) ([]models.StoreCredit, error)

	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Database runs Queries either directly or inside one atomic transaction
type Database interface {
	// View runs read-only work without opening a transaction
	View(ctx context.Context, fn func(q Queries) error) error
	// WithTx runs fn in a transaction; any returned error rolls it back
	WithTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Store is the Postgres implementation of Database
type Store struct {
	db *sqlx.DB
}

var _ Database = (*Store)(nil)

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Migrate creates the core tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// View runs fn against the pool
func (s *Store) View(ctx context.Context, fn func(q Queries) error) error {
	return fn(&queries{ext: s.db})
}

// WithTx runs fn inside a single transaction
func (s *Store) WithTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{ext: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queries binds the statements to either the pool or a transaction
type queries struct {
	ext sqlx.ExtContext
}

func (q *queries) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return sqlx.GetContext(ctx, q.ext, dest, query, args...)
}

func (q *queries) selectAll(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return sqlx.SelectContext(ctx, q.ext, dest, query, args...)
}

// execOne runs a conditional statement and maps zero affected rows to ErrConditionFailed
func (q *queries) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := q.ext.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConditionFailed
	}
	return nil
}

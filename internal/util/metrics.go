package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StockAdjustmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_adjustments_total",
		Help: "Stock ledger appends by adjustment type and result",
	}, []string{"type", "result"})

	StockAdjustLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_adjust_latency_seconds",
		Help:    "Latency of stock adjustment transactions",
		Buckets: prometheus.DefBuckets,
	})

	LowStockAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "low_stock_alerts_total",
		Help: "Low-stock alerts opened and resolved",
	}, []string{"action"})

	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created at checkout",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed checkouts",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancellation requests that succeeded",
	})

	OrderStatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_status_transitions_total",
		Help: "Derived order status changes",
	}, []string{"to"})

	ItemTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_item_transitions_total",
		Help: "Order item status transitions",
	}, []string{"to"})

	BulkOperationResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_operation_results_total",
		Help: "Per-entry outcomes of bulk operations",
	}, []string{"operation", "result"})

	PaymentStatusUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_status_updates_total",
		Help: "Payment status changes applied from the gateway",
	}, []string{"to"})

	ReturnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "returns_total",
		Help: "Return request transitions",
	}, []string{"status"})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refunds_total",
		Help: "Refunds by method and status",
	}, []string{"method", "status"})

	NotificationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_failures_total",
		Help: "Events the notification transport failed to accept",
	}, []string{"event_type"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)

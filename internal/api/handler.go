package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"marketplace-fulfillment/internal/service"
	"marketplace-fulfillment/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is a dependency the readiness check pings
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies wires the handler to the core
type Dependencies struct {
	Inventory      *service.InventoryService
	Orders         *service.OrderService
	Vendors        *service.VendorService
	Returns        *service.ReturnsService
	Payments       *service.PaymentService
	Idempotency    IdempotencyStore
	IdempotencyTTL time.Duration
	Checks         map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	inventory      *service.InventoryService
	orders         *service.OrderService
	vendors        *service.VendorService
	returns        *service.ReturnsService
	payments       *service.PaymentService
	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	checks         map[string]Pinger
	logger         *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Dependencies) *Handler {
	ttl := deps.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Handler{
		inventory:      deps.Inventory,
		orders:         deps.Orders,
		vendors:        deps.Vendors,
		returns:        deps.Returns,
		payments:       deps.Payments,
		idempotency:    deps.Idempotency,
		idempotencyTTL: ttl,
		checks:         deps.Checks,
		logger:         util.Component("api"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(identityMiddleware(), h.idempotencyMiddleware())
	{
		inv := v1.Group("/inventory")
		inv.POST("/adjust", h.adjustStock)
		inv.POST("/validate", h.validateAvailability)
		inv.GET("/summary", h.inventorySummary)
		inv.GET("/alerts", h.lowStockAlerts)
		inv.POST("/alerts/:id/ack", h.acknowledgeAlert)
		inv.GET("/products/:category/:product_id", h.currentStock)
		inv.GET("/products/:category/:product_id/history", h.stockHistory)
		inv.GET("/products/:category/:product_id/reconcile", h.reconcileStock)

		v1.POST("/orders", h.checkout)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.PATCH("/orders/:id/status", h.advanceOrder)

		v1.GET("/vendors/:id/items", h.listVendorItems)
		v1.PATCH("/items/:id/status", h.updateItemStatus)

		v1.POST("/returns", h.createReturn)
		v1.GET("/returns/:id", h.getReturn)
		v1.POST("/returns/:id/process", h.processReturn)
		v1.POST("/returns/:id/receive", h.receiveReturn)
		v1.POST("/returns/:id/close", h.closeReturn)
		v1.POST("/returns/:id/refunds", h.processRefund)

		v1.GET("/users/:id/store-credits", h.storeCredits)

		bulk := v1.Group("/bulk")
		bulk.POST("/orders/status", h.bulkOrderStatus)
		bulk.POST("/items/status", h.bulkItemStatus)
		bulk.POST("/returns/process", h.bulkProcessReturns)
	}

	hooks := router.Group("/webhooks")
	hooks.Use(h.idempotencyMiddleware())
	{
		hooks.POST("/payments", h.paymentWebhook)
		hooks.POST("/refunds/:id/complete", h.refundCompleted)
		hooks.POST("/refunds/:id/fail", h.refundFailed)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

var errorStatus = []struct {
	kind   error
	status int
	code   string
}{
	{service.ErrValidation, http.StatusBadRequest, "VALIDATION_FAILED"},
	{service.ErrInvalidItem, http.StatusBadRequest, "INVALID_ITEM"},
	{service.ErrInvalidAdjustment, http.StatusUnprocessableEntity, "INVALID_ADJUSTMENT"},
	{service.ErrRefundExceedsOriginal, http.StatusUnprocessableEntity, "REFUND_EXCEEDS_ORIGINAL"},
	{service.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{service.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{service.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
}

// writeError maps a core error to a stable status and code
func (h *Handler) writeError(c *gin.Context, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.kind) {
			c.JSON(e.status, gin.H{"error": e.code, "message": err.Error()})
			return
		}
	}

	h.logger.Error("Request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "INTERNAL",
		"message": "internal error",
	})
}

func badRequest(c *gin.Context, message string, err error) {
	body := gin.H{"error": "VALIDATION_FAILED", "message": message}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}

// paramID parses a positive int64 path parameter
func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid "+name, nil)
		return 0, false
	}
	return id, true
}

// bindJSON decodes the body, answering 400 itself on failure
func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		badRequest(c, "invalid request body", err)
		return false
	}
	return true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Inc()
	}
}

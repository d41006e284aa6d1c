package api

import (
	"net/http"
	"strconv"

	"marketplace-fulfillment/internal/models"
	"marketplace-fulfillment/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) adjustStock(c *gin.Context) {
	var req service.AdjustStockRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.inventory.AdjustStock(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusOK
	switch {
	case result.Success:
	case result.Code == "INVALID_ADJUSTMENT":
		status = http.StatusUnprocessableEntity
	default:
		status = http.StatusBadRequest
	}
	c.JSON(status, result)
}

func (h *Handler) validateAvailability(c *gin.Context) {
	var req struct {
		Items []service.AvailabilityLine `json:"items"`
	}
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.inventory.ValidateAvailability(c.Request.Context(), req.Items)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// productRef reads :category/:product_id
func productRef(c *gin.Context) (models.ProductRef, bool) {
	id, ok := paramID(c, "product_id")
	if !ok {
		return models.ProductRef{}, false
	}
	return models.ProductRef{Category: models.Category(c.Param("category")), ProductID: id}, true
}

func (h *Handler) currentStock(c *gin.Context) {
	ref, ok := productRef(c)
	if !ok {
		return
	}

	stock, err := h.inventory.CurrentStock(c.Request.Context(), ref)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": ref, "stock": stock})
}

func (h *Handler) stockHistory(c *gin.Context) {
	ref, ok := productRef(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	history, err := h.inventory.GetStockHistory(c.Request.Context(), ref, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": ref, "adjustments": history})
}

func (h *Handler) reconcileStock(c *gin.Context) {
	ref, ok := productRef(c)
	if !ok {
		return
	}

	rec, err := h.inventory.ReconcileStock(c.Request.Context(), ref)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// vendorScope is the vendor a listing is narrowed to: vendors always see
// their own, admins may pass ?vendor_id=
func vendorScope(c *gin.Context, actor service.Actor) (int64, bool) {
	if actor.Role == service.RoleVendor {
		return actor.VendorID, true
	}
	if !actor.IsAdmin() {
		c.JSON(http.StatusForbidden, gin.H{"error": "FORBIDDEN", "message": "vendor or admin role required"})
		return 0, false
	}
	if v := c.Query("vendor_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			badRequest(c, "invalid vendor_id", nil)
			return 0, false
		}
		return id, true
	}
	return 0, true
}

func (h *Handler) inventorySummary(c *gin.Context) {
	vendorID, ok := vendorScope(c, actorFrom(c))
	if !ok {
		return
	}

	summary, err := h.inventory.GetInventorySummary(c.Request.Context(), vendorID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"categories": summary})
}

func (h *Handler) lowStockAlerts(c *gin.Context) {
	vendorID, ok := vendorScope(c, actorFrom(c))
	if !ok {
		return
	}

	var resolved *bool
	if v := c.Query("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(c, "invalid resolved flag", err)
			return
		}
		resolved = &b
	}

	alerts, err := h.inventory.GetLowStockAlerts(c.Request.Context(), vendorID, resolved)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if alerts == nil {
		alerts = []models.LowStockAlert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (h *Handler) acknowledgeAlert(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.inventory.AcknowledgeAlert(c.Request.Context(), actorFrom(c), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "resolved": true})
}

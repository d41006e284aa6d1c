package api

import (
	"net/http"
	"strconv"

	"marketplace-fulfillment/internal/models"
	"marketplace-fulfillment/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) checkout(c *gin.Context) {
	var req service.CheckoutRequest
	if !bindJSON(c, &req) {
		return
	}

	order, err := h.orders.Checkout(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) listOrders(c *gin.Context) {
	actor := actorFrom(c)
	userID := actor.UserID
	if v := c.Query("user_id"); v != "" && actor.IsAdmin() {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			badRequest(c, "invalid user_id", nil)
			return
		}
		userID = id
	}

	orders, err := h.orders.ListUserOrders(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), actorFrom(c), orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !bindJSON(c, &req) {
		return
	}

	order, err := h.orders.CancelOrder(c.Request.Context(), actorFrom(c), orderID, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type orderStatusRequest struct {
	Status models.OrderStatus `json:"status"`
}

func (h *Handler) advanceOrder(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req orderStatusRequest
	if !bindJSON(c, &req) {
		return
	}

	order, err := h.orders.AdvanceOrder(c.Request.Context(), actorFrom(c), orderID, req.Status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) bulkOrderStatus(c *gin.Context) {
	var req struct {
		OrderIDs []int64            `json:"order_ids"`
		Status   models.OrderStatus `json:"status"`
	}
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.orders.BulkUpdateOrderStatus(c.Request.Context(), actorFrom(c), req.OrderIDs, req.Status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) listVendorItems(c *gin.Context) {
	vendorID, ok := paramID(c, "id")
	if !ok {
		return
	}

	items, err := h.vendors.ListVendorItems(c.Request.Context(), actorFrom(c), vendorID, models.ItemStatus(c.Query("status")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if items == nil {
		items = []models.OrderItem{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) updateItemStatus(c *gin.Context) {
	itemID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req service.ItemStatusRequest
	if !bindJSON(c, &req) {
		return
	}

	item, err := h.vendors.UpdateItemStatus(c.Request.Context(), actorFrom(c), itemID, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) bulkItemStatus(c *gin.Context) {
	var req struct {
		ItemIDs []int64 `json:"item_ids"`
		service.ItemStatusRequest
	}
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.vendors.BulkUpdateItemStatus(c.Request.Context(), actorFrom(c), req.ItemIDs, req.ItemStatusRequest)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

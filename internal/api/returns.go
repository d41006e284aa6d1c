package api

import (
	"net/http"

	"marketplace-fulfillment/internal/models"
	"marketplace-fulfillment/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) createReturn(c *gin.Context) {
	var req service.CreateReturnRequest
	if !bindJSON(c, &req) {
		return
	}

	rr, err := h.returns.CreateReturnRequest(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rr)
}

func (h *Handler) getReturn(c *gin.Context) {
	returnID, ok := paramID(c, "id")
	if !ok {
		return
	}

	rr, err := h.returns.GetReturn(c.Request.Context(), actorFrom(c), returnID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rr)
}

func (h *Handler) processReturn(c *gin.Context) {
	returnID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req service.ProcessReturnRequest
	if !bindJSON(c, &req) {
		return
	}

	rr, err := h.returns.ProcessReturnRequest(c.Request.Context(), actorFrom(c), returnID, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rr)
}

func (h *Handler) bulkProcessReturns(c *gin.Context) {
	var req struct {
		ReturnIDs []int64 `json:"return_ids"`
		service.ProcessReturnRequest
	}
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.returns.BulkProcessReturnRequests(c.Request.Context(), actorFrom(c), req.ReturnIDs, req.ProcessReturnRequest)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) receiveReturn(c *gin.Context) {
	returnID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Items []service.ReceivedItem `json:"items"`
	}
	if !bindJSON(c, &req) {
		return
	}

	rr, err := h.returns.ProcessReturnedItems(c.Request.Context(), actorFrom(c), returnID, req.Items)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rr)
}

func (h *Handler) closeReturn(c *gin.Context) {
	returnID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	// the body is optional here
	_ = c.ShouldBindJSON(&req)

	rr, err := h.returns.CloseReturn(c.Request.Context(), actorFrom(c), returnID, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rr)
}

func (h *Handler) processRefund(c *gin.Context) {
	returnID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req service.RefundRequest
	if !bindJSON(c, &req) {
		return
	}

	outcome, err := h.returns.ProcessRefund(c.Request.Context(), actorFrom(c), returnID, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, outcome)
}

func (h *Handler) storeCredits(c *gin.Context) {
	userID, ok := paramID(c, "id")
	if !ok {
		return
	}

	balance, err := h.returns.GetStoreCredits(c.Request.Context(), actorFrom(c), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (h *Handler) paymentWebhook(c *gin.Context) {
	var req struct {
		EventID string               `json:"event_id"`
		OrderID int64                `json:"order_id"`
		Status  models.PaymentStatus `json:"status"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.OrderID <= 0 {
		badRequest(c, "order_id is required", nil)
		return
	}

	order, err := h.payments.UpdatePaymentStatus(c.Request.Context(), req.OrderID, req.Status, req.EventID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": order.ID, "payment_status": order.PaymentStatus})
}

func (h *Handler) refundCompleted(c *gin.Context) {
	refundID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		ExternalReference string `json:"external_reference"`
	}
	if !bindJSON(c, &req) {
		return
	}

	refund, err := h.returns.MarkRefundCompleted(c.Request.Context(), refundID, req.ExternalReference)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

func (h *Handler) refundFailed(c *gin.Context) {
	refundID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !bindJSON(c, &req) {
		return
	}

	refund, err := h.returns.MarkRefundFailed(c.Request.Context(), refundID, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

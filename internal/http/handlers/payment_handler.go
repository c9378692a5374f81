package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hedwigapp/hedwig-backend/internal/service"
)

// PaymentHandler предоставляет HTTP слой для платёжных статусов и
// вебхука провайдера.
type PaymentHandler struct {
	payments *service.PaymentService

	webhookSecret string
}

// NewPaymentHandler создаёт хэндлер.
func NewPaymentHandler(payments *service.PaymentService, webhookSecret string) *PaymentHandler {
	return &PaymentHandler{payments: payments, webhookSecret: webhookSecret}
}

// UpdateStatus обрабатывает POST /api/milestones/:id/payment-status.
func (h *PaymentHandler) UpdateStatus(c *gin.Context) {
	if _, err := currentUserID(c); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": err.Error()})
		return
	}

	var req struct {
		Status            string   `json:"status" binding:"required"`
		TransactionHash   *string  `json:"transaction_hash"`
		PaymentAmount     *float64 `json:"payment_amount"`
		FailureReason     *string  `json:"failure_reason"`
		RollbackOnFailure *bool    `json:"rollback_on_failure"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	result, err := h.payments.UpdatePaymentStatus(c.Request.Context(), pathUUID(c, "id"), req.Status, service.PaymentOptions{
		TransactionHash:   req.TransactionHash,
		PaymentAmount:     req.PaymentAmount,
		FailureReason:     req.FailureReason,
		RollbackOnFailure: req.RollbackOnFailure,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"milestone":          result.Milestone,
		"invoice":            result.Invoice,
		"rollback_performed": result.RollbackPerformed,
	})
}

// Webhook обрабатывает POST /api/webhooks/payment.
func (h *PaymentHandler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "не удалось прочитать тело запроса"})
		return
	}

	if h.webhookSecret != "" && !h.verifySignature(body, c.GetHeader("X-Webhook-Signature")) {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "подпись вебхука невалидна"})
		return
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	var wh service.PaymentWebhook
	if err := c.ShouldBindJSON(&wh); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	result, err := h.payments.ProcessWebhook(c.Request.Context(), wh)
	if err != nil {
		_ = c.Error(err)
		return
	}

	resp := gin.H{"success": true}
	if result.Milestone != nil {
		resp["milestone"] = result.Milestone
	}
	c.JSON(http.StatusOK, resp)
}

// verifySignature сверяет HMAC-SHA256 подпись тела вебхука.
func (h *PaymentHandler) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hedwigapp/hedwig-backend/internal/service"
)

// InvoiceHandler предоставляет HTTP слой для счетов.
type InvoiceHandler struct {
	invoices *service.InvoiceService
	payments *service.PaymentService
}

// NewInvoiceHandler создаёт хэндлер.
func NewInvoiceHandler(invoices *service.InvoiceService, payments *service.PaymentService) *InvoiceHandler {
	return &InvoiceHandler{invoices: invoices, payments: payments}
}

// Get обрабатывает GET /api/invoices/:id.
func (h *InvoiceHandler) Get(c *gin.Context) {
	invoice, err := h.invoices.Get(c.Request.Context(), pathUUID(c, "id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"invoice": invoice})
}

// ListByContract обрабатывает GET /api/contracts/:id/invoices.
func (h *InvoiceHandler) ListByContract(c *gin.Context) {
	invoices, err := h.invoices.ListByContract(c.Request.Context(), pathUUID(c, "id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"invoices": invoices, "count": len(invoices)})
}

// Generate обрабатывает POST /api/milestones/:id/invoice.
func (h *InvoiceHandler) Generate(c *gin.Context) {
	var req struct {
		ForceRegenerate bool `json:"force_regenerate"`
	}
	_ = c.ShouldBindJSON(&req)

	invoice, err := h.invoices.GenerateForMilestone(c.Request.Context(), pathUUID(c, "id"), req.ForceRegenerate)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"invoice": invoice})
}

// MarkSent обрабатывает POST /api/invoices/:id/sent.
func (h *InvoiceHandler) MarkSent(c *gin.Context) {
	invoice, err := h.invoices.MarkSent(c.Request.Context(), pathUUID(c, "id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"invoice": invoice})
}

// InitiatePayment обрабатывает POST /api/invoices/:id/pay.
// Вызывается клиентом договора со страницы счёта, без JWT.
func (h *InvoiceHandler) InitiatePayment(c *gin.Context) {
	url, result, err := h.payments.InitiatePayment(c.Request.Context(), pathUUID(c, "id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment_url": url,
		"milestone":   result.Milestone,
		"invoice":     result.Invoice,
	})
}

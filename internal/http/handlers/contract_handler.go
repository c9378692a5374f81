package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hedwigapp/hedwig-backend/internal/pkg/apperror"
	"github.com/hedwigapp/hedwig-backend/internal/service"
)

// ContractHandler предоставляет HTTP слой для договоров: CRUD для
// фрилансера и публичные ссылки одобрения для клиента.
type ContractHandler struct {
	contracts     *service.ContractService
	notifications *service.NotificationService

	frontendBaseURL string
}

// NewContractHandler создаёт хэндлер.
func NewContractHandler(contracts *service.ContractService, notifications *service.NotificationService, frontendBaseURL string) *ContractHandler {
	return &ContractHandler{contracts: contracts, notifications: notifications, frontendBaseURL: frontendBaseURL}
}

type createMilestoneRequest struct {
	Title   string     `json:"title" binding:"required"`
	Amount  float64    `json:"amount" binding:"required"`
	DueDate *time.Time `json:"due_date"`
}

type createContractRequest struct {
	ClientEmail string                   `json:"client_email" binding:"required,email"`
	ClientName  string                   `json:"client_name" binding:"required"`
	Title       string                   `json:"title" binding:"required"`
	Description *string                  `json:"description"`
	TotalAmount float64                  `json:"total_amount" binding:"required"`
	Currency    string                   `json:"currency"`
	DeadlineAt  *time.Time               `json:"deadline_at"`
	Milestones  []createMilestoneRequest `json:"milestones" binding:"required"`
}

// Create обрабатывает POST /api/contracts.
func (h *ContractHandler) Create(c *gin.Context) {
	userID, err := currentUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": err.Error()})
		return
	}

	var req createContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	input := service.CreateContractInput{
		FreelancerID: userID,
		ClientEmail:  req.ClientEmail,
		ClientName:   req.ClientName,
		Title:        req.Title,
		Description:  req.Description,
		TotalAmount:  req.TotalAmount,
		Currency:     currency,
		DeadlineAt:   req.DeadlineAt,
	}
	for _, m := range req.Milestones {
		input.Milestones = append(input.Milestones, service.CreateMilestoneInput{
			Title:   m.Title,
			Amount:  m.Amount,
			DueDate: m.DueDate,
		})
	}

	contract, err := h.contracts.Create(c.Request.Context(), input)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"contract": contract})
}

// Get обрабатывает GET /api/contracts/:id.
func (h *ContractHandler) Get(c *gin.Context) {
	userID, err := currentUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": err.Error()})
		return
	}

	contract, err := h.contracts.Get(c.Request.Context(), pathUUID(c, "id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if contract.FreelancerID != userID {
		_ = c.Error(apperror.ErrForbidden)
		return
	}

	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// List обрабатывает GET /api/contracts.
func (h *ContractHandler) List(c *gin.Context) {
	userID, err := currentUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": err.Error()})
		return
	}

	limit := intQuery(c, "limit", 20)
	offset := intQuery(c, "offset", 0)

	contracts, err := h.contracts.List(c.Request.Context(), userID, limit, offset)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"contracts": contracts, "count": len(contracts)})
}

// Review обрабатывает GET /api/contracts/review/:token — переход из
// письма. Редиректит клиента на страницу решения.
func (h *ContractHandler) Review(c *gin.Context) {
	token := c.Param("token")
	c.Redirect(http.StatusFound, fmt.Sprintf("%s/contracts/review/%s", h.frontendBaseURL, token))
}

// Approve обрабатывает POST /api/contracts/approve/:token.
func (h *ContractHandler) Approve(c *gin.Context) {
	contract, err := h.contracts.Approve(c.Request.Context(), c.Param("token"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// ApproveByLink обрабатывает GET /api/contracts/approve/:token — клик по
// ссылке из письма. Эффект тот же, что у POST; вместо JSON клиент
// уезжает на страницу подтверждения.
func (h *ContractHandler) ApproveByLink(c *gin.Context) {
	contract, err := h.contracts.Approve(c.Request.Context(), c.Param("token"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.Redirect(http.StatusFound, fmt.Sprintf("%s/contracts/%s/approved", h.frontendBaseURL, contract.ID))
}

// DeclineByLink обрабатывает GET /api/contracts/decline/:token. Причина
// отказа передаётся query-параметром reason.
func (h *ContractHandler) DeclineByLink(c *gin.Context) {
	contract, err := h.contracts.Decline(c.Request.Context(), c.Param("token"), c.Query("reason"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.Redirect(http.StatusFound, fmt.Sprintf("%s/contracts/%s/declined", h.frontendBaseURL, contract.ID))
}

// Decline обрабатывает POST /api/contracts/decline/:token.
func (h *ContractHandler) Decline(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	// Тело с причиной опционально.
	_ = c.ShouldBindJSON(&req)

	contract, err := h.contracts.Decline(c.Request.Context(), c.Param("token"), req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// Notifications обрабатывает GET /api/contracts/:id/notifications —
// журнал отправленных по договору уведомлений.
func (h *ContractHandler) Notifications(c *gin.Context) {
	userID, err := currentUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": err.Error()})
		return
	}

	contract, err := h.contracts.Get(c.Request.Context(), pathUUID(c, "id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if contract.FreelancerID != userID {
		_ = c.Error(apperror.ErrForbidden)
		return
	}

	notifications, err := h.notifications.History(c.Request.Context(), contract.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"notifications": notifications, "count": len(notifications)})
}

// CheckCompletion обрабатывает POST /api/contracts/:id/check-completion.
func (h *ContractHandler) CheckCompletion(c *gin.Context) {
	userID, err := currentUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": err.Error()})
		return
	}

	contractID := pathUUID(c, "id")
	contract, err := h.contracts.Get(c.Request.Context(), contractID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if contract.FreelancerID != userID {
		_ = c.Error(apperror.ErrForbidden)
		return
	}

	completed, err := h.contracts.CheckCompletion(c.Request.Context(), contractID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"completed": completed})
}

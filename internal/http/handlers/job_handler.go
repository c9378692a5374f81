package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hedwigapp/hedwig-backend/internal/service"
)

// JobHandler запускает периодические задачи по HTTP: дёргается внешним
// планировщиком (cron, systemd timer).
type JobHandler struct {
	contracts *service.ContractService

	defaultRemindDays int
}

// NewJobHandler создаёт хэндлер.
func NewJobHandler(contracts *service.ContractService, defaultRemindDays int) *JobHandler {
	return &JobHandler{contracts: contracts, defaultRemindDays: defaultRemindDays}
}

// DeadlineReminders обрабатывает POST /api/jobs/deadline-reminders.
func (h *JobHandler) DeadlineReminders(c *gin.Context) {
	days := intQuery(c, "days", h.defaultRemindDays)

	sent, err := h.contracts.SendDeadlineReminders(c.Request.Context(), days)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "sent": sent})
}

package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hedwigapp/hedwig-backend/internal/config"
	"github.com/hedwigapp/hedwig-backend/internal/http/handlers"
	"github.com/hedwigapp/hedwig-backend/internal/http/middleware"
	"github.com/hedwigapp/hedwig-backend/internal/service"
)

// SetupRouter собирает все маршруты приложения.
func SetupRouter(
	cfg *config.Config,
	authHandler *handlers.AuthHandler,
	contractHandler *handlers.ContractHandler,
	milestoneHandler *handlers.MilestoneHandler,
	invoiceHandler *handlers.InvoiceHandler,
	paymentHandler *handlers.PaymentHandler,
	jobHandler *handlers.JobHandler,
	wsHandler *handlers.WSHandler,
	healthHandler *handlers.HealthHandler,
	tokenManager *service.TokenManager,
) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()
	// Запрос с неподдерживаемым методом получает 405, а не 404.
	r.HandleMethodNotAllowed = true
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	r.GET("/health", healthHandler.Health)
	r.StaticFS("/files", http.Dir(cfg.FileStoragePath))

	api := r.Group("/api")

	authGroup := api.Group("/auth")
	authGroup.Use(middleware.RateLimitMiddleware(5, cfg.RateLimitPeriod))
	{
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/refresh", authHandler.Refresh)
		authGroup.POST("/logout", authHandler.Logout)
	}

	protectedAuth := api.Group("/auth")
	protectedAuth.Use(middleware.AuthMiddleware(tokenManager))
	{
		protectedAuth.PUT("/wallet", authHandler.UpdateWallet)
	}

	api.GET("/ws", wsHandler.Handle)

	// Публичные маршруты клиента договора: решение по договору и этапам,
	// оплата счёта. Ограничены по частоте.
	clientRateLimit := middleware.RateLimitMiddleware(cfg.RateLimitLimit, cfg.RateLimitPeriod)
	client := api.Group("/")
	client.Use(clientRateLimit)
	{
		client.GET("/contracts/review/:token", contractHandler.Review)
		client.POST("/contracts/approve/:token", contractHandler.Approve)
		client.GET("/contracts/approve/:token", contractHandler.ApproveByLink)
		client.POST("/contracts/decline/:token", contractHandler.Decline)
		client.GET("/contracts/decline/:token", contractHandler.DeclineByLink)
		client.POST("/milestones/:id/approve", middleware.UUIDValidator("id"), milestoneHandler.Approve)
		client.POST("/milestones/:id/request-changes", middleware.UUIDValidator("id"), milestoneHandler.RequestChanges)
		client.GET("/milestones/:id", middleware.UUIDValidator("id"), milestoneHandler.Get)
		client.GET("/invoices/:id", middleware.UUIDValidator("id"), invoiceHandler.Get)
		client.POST("/invoices/:id/pay", middleware.UUIDValidator("id"), invoiceHandler.InitiatePayment)
	}

	// Вебхук платёжного провайдера: аутентификация подписью, не JWT.
	webhooks := api.Group("/webhooks")
	webhooks.Use(middleware.RateLimitMiddleware(60, cfg.RateLimitPeriod))
	{
		webhooks.POST("/payment", paymentHandler.Webhook)
	}

	// Периодические задачи.
	api.POST("/jobs/deadline-reminders", jobHandler.DeadlineReminders)

	// Защищённые маршруты фрилансера.
	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(tokenManager))
	{
		protected.POST("/contracts", contractHandler.Create)
		protected.GET("/contracts", contractHandler.List)
		protected.GET("/contracts/:id", middleware.UUIDValidator("id"), contractHandler.Get)
		protected.GET("/contracts/:id/invoices", middleware.UUIDValidator("id"), invoiceHandler.ListByContract)
		protected.GET("/contracts/:id/notifications", middleware.UUIDValidator("id"), contractHandler.Notifications)
		protected.POST("/contracts/:id/check-completion", middleware.UUIDValidator("id"), contractHandler.CheckCompletion)

		protected.POST("/milestones/:id/start", middleware.UUIDValidator("id"), milestoneHandler.Start)
		protected.POST("/milestones/:id/submit", middleware.UUIDValidator("id"), milestoneHandler.Submit)
		protected.POST("/milestones/:id/attachments", middleware.UUIDValidator("id"), milestoneHandler.UploadAttachment)
		protected.GET("/milestones/:id/attachments", middleware.UUIDValidator("id"), milestoneHandler.ListAttachments)
		protected.POST("/milestones/:id/payment-status", middleware.UUIDValidator("id"), paymentHandler.UpdateStatus)

		protected.POST("/milestones/:id/invoice", middleware.UUIDValidator("id"), invoiceHandler.Generate)
		protected.POST("/invoices/:id/sent", middleware.UUIDValidator("id"), invoiceHandler.MarkSent)
	}

	return r
}

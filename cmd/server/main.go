package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hedwigapp/hedwig-backend/internal/config"
	"github.com/hedwigapp/hedwig-backend/internal/db"
	"github.com/hedwigapp/hedwig-backend/internal/goroutine"
	httpHandlers "github.com/hedwigapp/hedwig-backend/internal/http/handlers"
	httpRouter "github.com/hedwigapp/hedwig-backend/internal/http/router"
	"github.com/hedwigapp/hedwig-backend/internal/logger"
	"github.com/hedwigapp/hedwig-backend/internal/repository"
	"github.com/hedwigapp/hedwig-backend/internal/service"
	"github.com/hedwigapp/hedwig-backend/internal/storage"
	"github.com/hedwigapp/hedwig-backend/internal/ws"
)

func main() {
	// Готовим контекст для graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: ошибка загрузки конфигурации: %v", err)
	}

	if cfg.Env == "development" {
		logger.Init("debug")
		logger.SetTextFormatter()
	} else {
		logger.Init("info")
	}

	// Подключение к базе и миграции.
	dbConn, err := db.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("main: ошибка подключения к базе: %v", err)
	}
	defer safeClose(dbConn)

	if err := db.RunMigrations(ctx, dbConn, cfg.MigrationsPath); err != nil {
		log.Fatalf("main: ошибка миграций: %v", err)
	}

	// Вспомогательные сервисы.
	tokenManager := service.NewTokenManager(cfg.JWTSecret, cfg.RefreshSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)

	fileStorage, err := storage.NewFileStorage(cfg.FileStoragePath, cfg.MaxUploadSizeMB)
	if err != nil {
		log.Fatalf("main: не удалось подготовить файловое хранилище: %v", err)
	}

	// Репозитории.
	userRepo := repository.NewUserRepository(dbConn)
	contractRepo := repository.NewContractRepository(dbConn)
	milestoneRepo := repository.NewMilestoneRepository(dbConn)
	invoiceRepo := repository.NewInvoiceRepository(dbConn)
	notificationRepo := repository.NewNotificationRepository(dbConn)

	// Вебсокеты.
	recovery := goroutine.NewRecoveryHandler(logger.Log)
	hub := ws.NewHub()
	recovery.SafeGo(hub.Run)

	// Сервисы.
	notifier := service.NewNotificationService(notificationRepo,
		service.NewLogEmailDispatcher(cfg.MailFrom),
		ws.NewDispatcher(hub),
	)
	authService := service.NewAuthService(userRepo, tokenManager)
	invoiceService := service.NewInvoiceService(invoiceRepo, milestoneRepo, contractRepo, userRepo, notifier)
	contractService := service.NewContractService(contractRepo, milestoneRepo, invoiceService, notifier, cfg.ApprovalTokenTTL, cfg.FrontendBaseURL)
	milestoneService := service.NewMilestoneService(milestoneRepo, contractRepo, invoiceService, notifier, cfg.FrontendBaseURL)
	paymentService := service.NewPaymentService(milestoneRepo, contractRepo, invoiceRepo, contractService, notifier, cfg.PaymentPageURL)

	// HTTP хэндлеры.
	authHandler := httpHandlers.NewAuthHandler(authService)
	contractHandler := httpHandlers.NewContractHandler(contractService, notifier, cfg.FrontendBaseURL)
	milestoneHandler := httpHandlers.NewMilestoneHandler(milestoneService, fileStorage)
	invoiceHandler := httpHandlers.NewInvoiceHandler(invoiceService, paymentService)
	paymentHandler := httpHandlers.NewPaymentHandler(paymentService, cfg.WebhookSecret)
	jobHandler := httpHandlers.NewJobHandler(contractService, cfg.DeadlineRemindDays)
	wsHandler := httpHandlers.NewWSHandler(hub, tokenManager)
	healthHandler := httpHandlers.NewHealthHandler(dbConn)

	// Роутер.
	engine := httpRouter.SetupRouter(cfg,
		authHandler, contractHandler, milestoneHandler, invoiceHandler,
		paymentHandler, jobHandler, wsHandler, healthHandler, tokenManager)

	server := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: engine,
	}

	// Завершаем сервер при получении сигнала.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("main: ошибка остановки http сервера: %v", err)
		}
	}()

	log.Printf("main: HTTP сервер запущен на порту %s", cfg.HTTPPort)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("main: сервер завершился с ошибкой: %v", err)
	}
}

// safeClose закрывает соединение с базой.
func safeClose(db *sqlx.DB) {
	if err := db.Close(); err != nil {
		log.Printf("main: ошибка закрытия базы: %v", err)
	}
}

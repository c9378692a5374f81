package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hedwigapp/hedwig-backend/internal/models"
)

// NotificationRepository отвечает за аудит отправленных уведомлений.
// Записи создаются один раз и никогда не изменяются.
type NotificationRepository struct {
	db *sqlx.DB
}

// NewNotificationRepository создаёт экземпляр репозитория.
func NewNotificationRepository(db *sqlx.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create сохраняет запись об отправленном уведомлении.
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	query := `
		INSERT INTO notifications (contract_id, recipient, type, sent_via_email)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	if err := r.db.QueryRowxContext(ctx, query,
		n.ContractID, n.Recipient, n.Type, n.SentViaEmail,
	).Scan(&n.ID, &n.CreatedAt); err != nil {
		return fmt.Errorf("notification repository: create %w", err)
	}
	return nil
}

// ListByContract возвращает уведомления по договору.
func (r *NotificationRepository) ListByContract(ctx context.Context, contractID uuid.UUID) ([]models.Notification, error) {
	var notifications []models.Notification
	err := r.db.SelectContext(ctx, &notifications, `
		SELECT * FROM notifications WHERE contract_id = $1 ORDER BY created_at DESC
	`, contractID)
	if err != nil {
		return nil, fmt.Errorf("notification repository: list by contract %w", err)
	}
	return notifications, nil
}

// ExistsToday проверяет, отправлялось ли сегодня уведомление этого типа
// этому получателю по договору. Дедупликация напоминаний делается этим
// запросом, отдельной таблицы дедупликации нет.
func (r *NotificationRepository) ExistsToday(ctx context.Context, contractID uuid.UUID, recipient, notifType string) (bool, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM notifications
		WHERE contract_id = $1 AND recipient = $2 AND type = $3
		  AND created_at >= date_trunc('day', NOW())
	`, contractID, recipient, notifType)
	if err != nil {
		return false, fmt.Errorf("notification repository: exists today %w", err)
	}
	return count > 0, nil
}

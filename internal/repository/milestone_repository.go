package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hedwigapp/hedwig-backend/internal/models"
)

// ErrMilestoneNotFound возвращается, когда этап не найден.
var ErrMilestoneNotFound = errors.New("milestone not found")

// MilestoneRepository отвечает за работу с этапами договоров.
type MilestoneRepository struct {
	db *sqlx.DB
}

// NewMilestoneRepository создаёт экземпляр репозитория.
func NewMilestoneRepository(db *sqlx.DB) *MilestoneRepository {
	return &MilestoneRepository{db: db}
}

// GetByID возвращает этап по идентификатору.
func (r *MilestoneRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Milestone, error) {
	var m models.Milestone
	if err := r.db.GetContext(ctx, &m, `SELECT * FROM milestones WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMilestoneNotFound
		}
		return nil, fmt.Errorf("milestone repository: get by id %w", err)
	}
	return &m, nil
}

// ListByContract возвращает этапы договора в порядке order_index.
func (r *MilestoneRepository) ListByContract(ctx context.Context, contractID uuid.UUID) ([]models.Milestone, error) {
	var milestones []models.Milestone
	err := r.db.SelectContext(ctx, &milestones, `
		SELECT * FROM milestones WHERE contract_id = $1 ORDER BY order_index
	`, contractID)
	if err != nil {
		return nil, fmt.Errorf("milestone repository: list by contract %w", err)
	}
	return milestones, nil
}

// UpdateWorkStatus переводит рабочий статус этапа из ожидаемого в новый,
// заодно записывая поля перехода. Проверка прежнего статуса — в самом
// UPDATE: ноль строк означает конкурентное изменение.
func (r *MilestoneRepository) UpdateWorkStatus(ctx context.Context, id uuid.UUID, fromStatus string, m *models.Milestone) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE milestones
		SET status = $3, deliverables = $4, completion_notes = $5,
		    approval_feedback = $6, changes_requested = $7, approved_at = $8,
		    review_token = $9, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, fromStatus, m.Status, m.Deliverables, m.CompletionNotes,
		m.ApprovalFeedback, m.ChangesRequested, m.ApprovedAt, m.ReviewToken)
	if err != nil {
		return fmt.Errorf("milestone repository: update work status %w", err)
	}
	return requireMilestoneRow(result)
}

// UpdatePaymentStatus переводит статус оплаты этапа из ожидаемого в новый
// вместе с платёжными полями.
func (r *MilestoneRepository) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, fromStatus string, m *models.Milestone) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE milestones
		SET payment_status = $3, transaction_hash = $4, paid_amount = $5,
		    paid_at = $6, updated_at = NOW()
		WHERE id = $1 AND payment_status = $2
	`, id, fromStatus, m.PaymentStatus, m.TransactionHash, m.PaidAmount, m.PaidAt)
	if err != nil {
		return fmt.Errorf("milestone repository: update payment status %w", err)
	}
	return requireMilestoneRow(result)
}

// LinkInvoice записывает ссылку на счёт этапа.
func (r *MilestoneRepository) LinkInvoice(ctx context.Context, id uuid.UUID, invoiceID uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE milestones SET invoice_id = $2, updated_at = NOW() WHERE id = $1
	`, id, invoiceID)
	if err != nil {
		return fmt.Errorf("milestone repository: link invoice %w", err)
	}
	return requireMilestoneRow(result)
}

// AddAttachment сохраняет запись о приложенном к этапу файле.
func (r *MilestoneRepository) AddAttachment(ctx context.Context, a *models.MilestoneAttachment) error {
	query := `
		INSERT INTO milestone_attachments (milestone_id, file_path, file_name, mime_type, size_bytes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	if err := r.db.QueryRowxContext(ctx, query,
		a.MilestoneID, a.FilePath, a.FileName, a.MimeType, a.SizeBytes,
	).Scan(&a.ID, &a.CreatedAt); err != nil {
		return fmt.Errorf("milestone repository: add attachment %w", err)
	}
	return nil
}

// ListAttachments возвращает файлы этапа.
func (r *MilestoneRepository) ListAttachments(ctx context.Context, milestoneID uuid.UUID) ([]models.MilestoneAttachment, error) {
	var attachments []models.MilestoneAttachment
	err := r.db.SelectContext(ctx, &attachments, `
		SELECT * FROM milestone_attachments WHERE milestone_id = $1 ORDER BY created_at
	`, milestoneID)
	if err != nil {
		return nil, fmt.Errorf("milestone repository: list attachments %w", err)
	}
	return attachments, nil
}

func requireMilestoneRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("milestone repository: rows affected %w", err)
	}
	if rows == 0 {
		return ErrStaleStatus
	}
	return nil
}

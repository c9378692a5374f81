package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hedwigapp/hedwig-backend/internal/models"
)

var (
	// ErrContractNotFound возвращается, когда договор не найден.
	ErrContractNotFound = errors.New("contract not found")
	// ErrStaleStatus возвращается, когда условный UPDATE не затронул ни
	// одной строки: статус успел измениться между чтением и записью.
	ErrStaleStatus = errors.New("status changed concurrently")
)

// ContractRepository отвечает за работу с договорами.
type ContractRepository struct {
	db *sqlx.DB
}

// NewContractRepository создаёт экземпляр репозитория.
func NewContractRepository(db *sqlx.DB) *ContractRepository {
	return &ContractRepository{db: db}
}

// Create сохраняет договор вместе с этапами. Этапы создаются в одной
// транзакции с договором — это единственное место, где инвариант
// "сумма этапов равна сумме договора" фиксируется атомарно.
func (r *ContractRepository) Create(ctx context.Context, contract *models.Contract, milestones []models.Milestone) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("contract repository: begin %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO contracts (freelancer_id, client_email, client_name, title, description,
			total_amount, currency, status, deadline_at, approval_token, approval_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, amount_paid, created_at, updated_at
	`
	if err := tx.QueryRowxContext(ctx, query,
		contract.FreelancerID,
		contract.ClientEmail,
		contract.ClientName,
		contract.Title,
		contract.Description,
		contract.TotalAmount,
		contract.Currency,
		contract.Status,
		contract.DeadlineAt,
		contract.ApprovalToken,
		contract.ApprovalExpiresAt,
	).Scan(&contract.ID, &contract.AmountPaid, &contract.CreatedAt, &contract.UpdatedAt); err != nil {
		return fmt.Errorf("contract repository: create %w", err)
	}

	for i := range milestones {
		m := &milestones[i]
		m.ContractID = contract.ID
		if err := tx.QueryRowxContext(ctx, `
			INSERT INTO milestones (contract_id, order_index, title, amount, due_date, status, payment_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at, updated_at
		`, m.ContractID, m.OrderIndex, m.Title, m.Amount, m.DueDate, m.Status, m.PaymentStatus,
		).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return fmt.Errorf("contract repository: create milestone %d %w", i, err)
		}
	}

	contract.Milestones = milestones
	return tx.Commit()
}

// GetByID возвращает договор по идентификатору.
func (r *ContractRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Contract, error) {
	var contract models.Contract
	if err := r.db.GetContext(ctx, &contract, `SELECT * FROM contracts WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrContractNotFound
		}
		return nil, fmt.Errorf("contract repository: get by id %w", err)
	}
	return &contract, nil
}

// GetByApprovalToken возвращает договор по approval token.
func (r *ContractRepository) GetByApprovalToken(ctx context.Context, token string) (*models.Contract, error) {
	var contract models.Contract
	if err := r.db.GetContext(ctx, &contract, `SELECT * FROM contracts WHERE approval_token = $1`, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrContractNotFound
		}
		return nil, fmt.Errorf("contract repository: get by token %w", err)
	}
	return &contract, nil
}

// ListByFreelancer возвращает договоры фрилансера.
func (r *ContractRepository) ListByFreelancer(ctx context.Context, freelancerID uuid.UUID, limit, offset int) ([]models.Contract, error) {
	var contracts []models.Contract
	err := r.db.SelectContext(ctx, &contracts, `
		SELECT * FROM contracts WHERE freelancer_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, freelancerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("contract repository: list by freelancer %w", err)
	}
	return contracts, nil
}

// ListDueWithin возвращает незавершённые договоры с дедлайном в ближайшие
// days дней — для напоминаний.
func (r *ContractRepository) ListDueWithin(ctx context.Context, days int) ([]models.Contract, error) {
	var contracts []models.Contract
	err := r.db.SelectContext(ctx, &contracts, `
		SELECT * FROM contracts
		WHERE status = 'approved'
		  AND deadline_at IS NOT NULL
		  AND deadline_at BETWEEN NOW() AND NOW() + ($1 || ' days')::interval
		ORDER BY deadline_at
	`, days)
	if err != nil {
		return nil, fmt.Errorf("contract repository: list due within %w", err)
	}
	return contracts, nil
}

// MarkApproved фиксирует одобрение: статус, отметка времени и очистка
// токена одной записью. Токен гасится при первом использовании.
func (r *ContractRepository) MarkApproved(ctx context.Context, id uuid.UUID, approvedAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE contracts
		SET status = 'approved', approved_at = $2,
		    approval_token = NULL, approval_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending_approval'
	`, id, approvedAt)
	if err != nil {
		return fmt.Errorf("contract repository: mark approved %w", err)
	}
	return requireRowAffected(result)
}

// MarkRejected фиксирует отклонение договора с причиной.
func (r *ContractRepository) MarkRejected(ctx context.Context, id uuid.UUID, reason string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE contracts
		SET status = 'rejected', rejection_reason = $2,
		    approval_token = NULL, approval_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending_approval'
	`, id, reason)
	if err != nil {
		return fmt.Errorf("contract repository: mark rejected %w", err)
	}
	return requireRowAffected(result)
}

// MarkCompleted переводит договор в completed ровно один раз: повторный
// вызов не находит строки в статусе approved и возвращает ErrStaleStatus.
func (r *ContractRepository) MarkCompleted(ctx context.Context, id uuid.UUID, completedAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE contracts SET status = 'completed', completed_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'approved'
	`, id, completedAt)
	if err != nil {
		return fmt.Errorf("contract repository: mark completed %w", err)
	}
	return requireRowAffected(result)
}

// AddAmountPaid изменяет накопленную оплату договора на delta
// (отрицательная delta — откат платежа).
func (r *ContractRepository) AddAmountPaid(ctx context.Context, id uuid.UUID, delta float64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE contracts
		SET amount_paid = GREATEST(amount_paid + $2, 0), updated_at = NOW()
		WHERE id = $1
	`, id, delta)
	if err != nil {
		return fmt.Errorf("contract repository: add amount paid %w", err)
	}
	return requireRowAffected(result)
}

// requireRowAffected приводит результат условного UPDATE к ошибке гонки.
func requireRowAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("contract repository: rows affected %w", err)
	}
	if rows == 0 {
		return ErrStaleStatus
	}
	return nil
}

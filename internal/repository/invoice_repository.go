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

// ErrInvoiceNotFound возвращается, когда счёт не найден.
var ErrInvoiceNotFound = errors.New("invoice not found")

// InvoiceRepository отвечает за работу со счетами.
type InvoiceRepository struct {
	db *sqlx.DB
}

// NewInvoiceRepository создаёт экземпляр репозитория.
func NewInvoiceRepository(db *sqlx.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// Create сохраняет счёт. Перед вставкой все старые неоплаченные счета
// этапа помечаются как superseded — в любой момент у этапа есть не больше
// одного действующего неоплаченного счёта.
func (r *InvoiceRepository) Create(ctx context.Context, invoice *models.Invoice) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("invoice repository: begin %w", err)
	}
	defer tx.Rollback()

	if invoice.MilestoneID != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE invoices SET superseded = TRUE, updated_at = NOW()
			WHERE milestone_id = $1 AND status <> 'paid' AND NOT superseded
		`, invoice.MilestoneID); err != nil {
			return fmt.Errorf("invoice repository: supersede stale %w", err)
		}
	}

	query := `
		INSERT INTO invoices (contract_id, milestone_id, invoice_number, amount, currency,
			status, payer_email, payee_wallet, due_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, superseded, created_at, updated_at
	`
	if err := tx.QueryRowxContext(ctx, query,
		invoice.ContractID,
		invoice.MilestoneID,
		invoice.InvoiceNumber,
		invoice.Amount,
		invoice.Currency,
		invoice.Status,
		invoice.PayerEmail,
		invoice.PayeeWallet,
		invoice.DueDate,
	).Scan(&invoice.ID, &invoice.Superseded, &invoice.CreatedAt, &invoice.UpdatedAt); err != nil {
		return fmt.Errorf("invoice repository: create %w", err)
	}

	return tx.Commit()
}

// GetByID возвращает счёт по идентификатору.
func (r *InvoiceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	var invoice models.Invoice
	if err := r.db.GetContext(ctx, &invoice, `SELECT * FROM invoices WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("invoice repository: get by id %w", err)
	}
	return &invoice, nil
}

// GetActiveByMilestone возвращает действующий (не superseded) счёт этапа.
func (r *InvoiceRepository) GetActiveByMilestone(ctx context.Context, milestoneID uuid.UUID) (*models.Invoice, error) {
	var invoice models.Invoice
	err := r.db.GetContext(ctx, &invoice, `
		SELECT * FROM invoices
		WHERE milestone_id = $1 AND NOT superseded
		ORDER BY created_at DESC LIMIT 1
	`, milestoneID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("invoice repository: get active by milestone %w", err)
	}
	return &invoice, nil
}

// ListByContract возвращает счета договора.
func (r *InvoiceRepository) ListByContract(ctx context.Context, contractID uuid.UUID) ([]models.Invoice, error) {
	var invoices []models.Invoice
	err := r.db.SelectContext(ctx, &invoices, `
		SELECT * FROM invoices WHERE contract_id = $1 ORDER BY created_at
	`, contractID)
	if err != nil {
		return nil, fmt.Errorf("invoice repository: list by contract %w", err)
	}
	return invoices, nil
}

// UpdateStatus записывает новый статус счёта.
func (r *InvoiceRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE invoices SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("invoice repository: update status %w", err)
	}
	return requireInvoiceRow(result)
}

// MarkPaid фиксирует оплату счёта: статус, хэш транзакции, сумма и время.
func (r *InvoiceRepository) MarkPaid(ctx context.Context, id uuid.UUID, txHash string, paidAmount float64, paidAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE invoices
		SET status = 'paid', transaction_hash = $2, paid_amount = $3, paid_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, txHash, paidAmount, paidAt)
	if err != nil {
		return fmt.Errorf("invoice repository: mark paid %w", err)
	}
	return requireInvoiceRow(result)
}

// ClearPayment сбрасывает платёжные поля счёта при откате.
func (r *InvoiceRepository) ClearPayment(ctx context.Context, id uuid.UUID, status string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE invoices
		SET status = $2, transaction_hash = NULL, paid_amount = NULL, paid_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("invoice repository: clear payment %w", err)
	}
	return requireInvoiceRow(result)
}

func requireInvoiceRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("invoice repository: rows affected %w", err)
	}
	if rows == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// Contract описывает договор между фрилансером и клиентом.
// Клиент не обязан быть зарегистрированным пользователем — его
// идентифицируют email и approval token.
type Contract struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	FreelancerID      uuid.UUID  `db:"freelancer_id" json:"freelancer_id"`
	ClientEmail       string     `db:"client_email" json:"client_email"`
	ClientName        string     `db:"client_name" json:"client_name"`
	Title             string     `db:"title" json:"title"`
	Description       *string    `db:"description" json:"description,omitempty"`
	TotalAmount       float64    `db:"total_amount" json:"total_amount"`
	AmountPaid        float64    `db:"amount_paid" json:"amount_paid"`
	Currency          string     `db:"currency" json:"currency"`
	Status            string     `db:"status" json:"status"`
	DeadlineAt        *time.Time `db:"deadline_at" json:"deadline_at,omitempty"`
	ApprovalToken     *string    `db:"approval_token" json:"-"`
	ApprovalExpiresAt *time.Time `db:"approval_expires_at" json:"approval_expires_at,omitempty"`
	RejectionReason   *string    `db:"rejection_reason" json:"rejection_reason,omitempty"`
	ApprovedAt        *time.Time `db:"approved_at" json:"approved_at,omitempty"`
	CompletedAt       *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`

	Milestones []Milestone `json:"milestones,omitempty"`
}

// Milestone описывает этап работ по договору. Рабочий статус и статус
// оплаты отслеживаются независимо друг от друга.
type Milestone struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	ContractID       uuid.UUID  `db:"contract_id" json:"contract_id"`
	OrderIndex       int        `db:"order_index" json:"order_index"`
	Title            string     `db:"title" json:"title"`
	Amount           float64    `db:"amount" json:"amount"`
	DueDate          *time.Time `db:"due_date" json:"due_date,omitempty"`
	Status           string     `db:"status" json:"status"`
	PaymentStatus    string     `db:"payment_status" json:"payment_status"`
	InvoiceID        *uuid.UUID `db:"invoice_id" json:"invoice_id,omitempty"`
	Deliverables     *string    `db:"deliverables" json:"deliverables,omitempty"`
	CompletionNotes  *string    `db:"completion_notes" json:"completion_notes,omitempty"`
	ReviewToken      *string    `db:"review_token" json:"-"`
	ApprovalFeedback *string    `db:"approval_feedback" json:"approval_feedback,omitempty"`
	ChangesRequested *string    `db:"changes_requested" json:"changes_requested,omitempty"`
	TransactionHash  *string    `db:"transaction_hash" json:"transaction_hash,omitempty"`
	PaidAmount       *float64   `db:"paid_amount" json:"paid_amount,omitempty"`
	ApprovedAt       *time.Time `db:"approved_at" json:"approved_at,omitempty"`
	PaidAt           *time.Time `db:"paid_at" json:"paid_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// MilestoneAttachment описывает файл, приложенный фрилансером к этапу
// в качестве результата работ.
type MilestoneAttachment struct {
	ID          uuid.UUID `db:"id" json:"id"`
	MilestoneID uuid.UUID `db:"milestone_id" json:"milestone_id"`
	FilePath    string    `db:"file_path" json:"file_path"`
	FileName    string    `db:"file_name" json:"file_name"`
	MimeType    string    `db:"mime_type" json:"mime_type"`
	SizeBytes   int64     `db:"size_bytes" json:"size_bytes"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

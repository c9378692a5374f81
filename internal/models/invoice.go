package models

import (
	"time"

	"github.com/google/uuid"
)

// Invoice описывает счёт, выставленный по этапу или по договору целиком.
// Счёт этапа хранит обе ссылки для навигации, но ведущей считается
// milestone_id; у контрактного счёта milestone_id пуст.
type Invoice struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	ContractID      *uuid.UUID `db:"contract_id" json:"contract_id,omitempty"`
	MilestoneID     *uuid.UUID `db:"milestone_id" json:"milestone_id,omitempty"`
	InvoiceNumber   string     `db:"invoice_number" json:"invoice_number"`
	Amount          float64    `db:"amount" json:"amount"`
	Currency        string     `db:"currency" json:"currency"`
	Status          string     `db:"status" json:"status"`
	PayerEmail      *string    `db:"payer_email" json:"payer_email,omitempty"`
	PayeeWallet     *string    `db:"payee_wallet" json:"payee_wallet,omitempty"`
	DueDate         *time.Time `db:"due_date" json:"due_date,omitempty"`
	TransactionHash *string    `db:"transaction_hash" json:"transaction_hash,omitempty"`
	PaidAmount      *float64   `db:"paid_amount" json:"paid_amount,omitempty"`
	PaidAt          *time.Time `db:"paid_at" json:"paid_at,omitempty"`
	Superseded      bool       `db:"superseded" json:"superseded"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// Notification — неизменяемая запись об отправленном уведомлении.
// Используется как аудит и как защита от повторных напоминаний за один
// день: дедупликация делается запросом по уже существующим строкам.
type Notification struct {
	ID           uuid.UUID `db:"id" json:"id"`
	ContractID   uuid.UUID `db:"contract_id" json:"contract_id"`
	Recipient    string    `db:"recipient" json:"recipient"`
	Type         string    `db:"type" json:"type"`
	SentViaEmail bool      `db:"sent_via_email" json:"sent_via_email"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

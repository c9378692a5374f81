package models

// ContractStatus константы статусов договоров
const (
	ContractStatusCreated         = "created"
	ContractStatusPendingApproval = "pending_approval"
	ContractStatusApproved        = "approved"
	ContractStatusRejected        = "rejected"
	ContractStatusCompleted       = "completed"
)

// MilestoneStatus константы рабочих статусов этапов
const (
	MilestoneStatusPending          = "pending"
	MilestoneStatusInProgress       = "in_progress"
	MilestoneStatusSubmitted        = "submitted"
	MilestoneStatusApproved         = "approved"
	MilestoneStatusChangesRequested = "changes_requested"
)

// PaymentStatus константы статусов оплаты этапов
const (
	PaymentStatusUnpaid     = "unpaid"
	PaymentStatusProcessing = "processing"
	PaymentStatusPaid       = "paid"
	PaymentStatusFailed     = "failed"
)

// InvoiceStatus константы статусов счетов
const (
	InvoiceStatusDraft      = "draft"
	InvoiceStatusPending    = "pending"
	InvoiceStatusSent       = "sent"
	InvoiceStatusProcessing = "processing"
	InvoiceStatusPaid       = "paid"
)

// AmountTolerance — допуск округления при сверке сумм (0.01 валютной единицы).
const AmountTolerance = 0.01

// ValidContractStatuses список валидных статусов договоров
var ValidContractStatuses = map[string]struct{}{
	ContractStatusCreated:         {},
	ContractStatusPendingApproval: {},
	ContractStatusApproved:        {},
	ContractStatusRejected:        {},
	ContractStatusCompleted:       {},
}

// MilestoneWorkTransitions описывает допустимые переходы рабочего статуса
// этапа. Любой переход вне таблицы — ошибка INVALID_TRANSITION.
var MilestoneWorkTransitions = map[string][]string{
	MilestoneStatusPending:          {MilestoneStatusInProgress},
	MilestoneStatusInProgress:       {MilestoneStatusSubmitted},
	MilestoneStatusSubmitted:        {MilestoneStatusApproved, MilestoneStatusChangesRequested},
	MilestoneStatusChangesRequested: {MilestoneStatusInProgress},
	MilestoneStatusApproved:         {},
}

// PaymentTransitions описывает допустимые переходы статуса оплаты этапа.
// paid → unpaid — явный откат, а не обычный переход.
var PaymentTransitions = map[string][]string{
	PaymentStatusUnpaid:     {PaymentStatusProcessing, PaymentStatusPaid},
	PaymentStatusProcessing: {PaymentStatusPaid, PaymentStatusFailed, PaymentStatusUnpaid},
	PaymentStatusPaid:       {PaymentStatusUnpaid},
	PaymentStatusFailed:     {PaymentStatusProcessing, PaymentStatusUnpaid},
}

// CanTransitionWork проверяет допустимость перехода рабочего статуса.
func CanTransitionWork(from, to string) bool {
	for _, allowed := range MilestoneWorkTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanTransitionPayment проверяет допустимость перехода статуса оплаты.
func CanTransitionPayment(from, to string) bool {
	for _, allowed := range PaymentTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

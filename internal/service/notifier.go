package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hedwigapp/hedwig-backend/internal/logger"
	"github.com/hedwigapp/hedwig-backend/internal/models"
)

// Типы уведомлений — значения колонки type в таблице аудита.
const (
	NotifContractCreated           = "contract_created"
	NotifContractApproved          = "contract_approved"
	NotifContractDeclined          = "contract_declined"
	NotifContractCompleted         = "contract_completed"
	NotifMilestoneSubmitted        = "milestone_submitted"
	NotifMilestoneApproved         = "milestone_approved"
	NotifMilestoneChangesRequested = "milestone_changes_requested"
	NotifInvoiceGenerated          = "invoice_generated"
	NotifPaymentReceived           = "payment_received"
	NotifPaymentFailed             = "payment_failed"
	NotifDeadlineReminder          = "deadline_reminder"
)

// Event — событие workflow, по которому рассылаются уведомления. Каждый
// конкретный тип несёт только те данные, которые нужны его сообщениям.
type Event interface {
	Type() string
	contract() *models.Contract
}

type ContractCreatedEvent struct {
	Contract    *models.Contract
	ApprovalURL string
}

type ContractApprovedEvent struct {
	Contract *models.Contract
}

type ContractDeclinedEvent struct {
	Contract *models.Contract
	Reason   string
}

type ContractCompletedEvent struct {
	Contract *models.Contract
}

type MilestoneSubmittedEvent struct {
	Contract  *models.Contract
	Milestone *models.Milestone
	ReviewURL string
}

type MilestoneApprovedEvent struct {
	Contract  *models.Contract
	Milestone *models.Milestone
	Feedback  string
}

type MilestoneChangesRequestedEvent struct {
	Contract  *models.Contract
	Milestone *models.Milestone
	Changes   string
}

type InvoiceGeneratedEvent struct {
	Contract  *models.Contract
	Milestone *models.Milestone
	Invoice   *models.Invoice
}

type PaymentReceivedEvent struct {
	Contract  *models.Contract
	Milestone *models.Milestone
	Amount    float64
}

type PaymentFailedEvent struct {
	Contract  *models.Contract
	Milestone *models.Milestone
	Reason    string
}

type DeadlineReminderEvent struct {
	Contract *models.Contract
}

func (e ContractCreatedEvent) Type() string           { return NotifContractCreated }
func (e ContractApprovedEvent) Type() string          { return NotifContractApproved }
func (e ContractDeclinedEvent) Type() string          { return NotifContractDeclined }
func (e ContractCompletedEvent) Type() string         { return NotifContractCompleted }
func (e MilestoneSubmittedEvent) Type() string        { return NotifMilestoneSubmitted }
func (e MilestoneApprovedEvent) Type() string         { return NotifMilestoneApproved }
func (e MilestoneChangesRequestedEvent) Type() string { return NotifMilestoneChangesRequested }
func (e InvoiceGeneratedEvent) Type() string          { return NotifInvoiceGenerated }
func (e PaymentReceivedEvent) Type() string           { return NotifPaymentReceived }
func (e PaymentFailedEvent) Type() string             { return NotifPaymentFailed }
func (e DeadlineReminderEvent) Type() string          { return NotifDeadlineReminder }

func (e ContractCreatedEvent) contract() *models.Contract           { return e.Contract }
func (e ContractApprovedEvent) contract() *models.Contract          { return e.Contract }
func (e ContractDeclinedEvent) contract() *models.Contract          { return e.Contract }
func (e ContractCompletedEvent) contract() *models.Contract         { return e.Contract }
func (e MilestoneSubmittedEvent) contract() *models.Contract        { return e.Contract }
func (e MilestoneApprovedEvent) contract() *models.Contract         { return e.Contract }
func (e MilestoneChangesRequestedEvent) contract() *models.Contract { return e.Contract }
func (e InvoiceGeneratedEvent) contract() *models.Contract          { return e.Contract }
func (e PaymentReceivedEvent) contract() *models.Contract           { return e.Contract }
func (e PaymentFailedEvent) contract() *models.Contract             { return e.Contract }
func (e DeadlineReminderEvent) contract() *models.Contract          { return e.Contract }

// Message — готовое к доставке сообщение для одного получателя.
type Message struct {
	// Recipient — email получателя, пишется в аудит.
	Recipient string
	// UserID заполнен для фрилансера: по нему доставляет in-app канал.
	UserID  *uuid.UUID
	Subject string
	Body    string
}

// Dispatcher — транспорт доставки (email, telegram, in-app). Транспорт
// никогда не меняет состояние workflow, его ошибки только логируются.
type Dispatcher interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// NotificationAuditRepository описывает зависимость нотификатора от
// хранилища аудита.
type NotificationAuditRepository interface {
	Create(ctx context.Context, n *models.Notification) error
	ListByContract(ctx context.Context, contractID uuid.UUID) ([]models.Notification, error)
	ExistsToday(ctx context.Context, contractID uuid.UUID, recipient, notifType string) (bool, error)
}

// Notifier — контракт рассылки уведомлений для остальных сервисов.
// Рассылка всегда best-effort: ошибки не возвращаются вызывающему.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
	// NotifyOnce рассылает событие только если сегодня такого ещё не было.
	NotifyOnce(ctx context.Context, ev Event) bool
}

// NotificationService собирает сообщения по событию, доставляет их через
// все транспорты и пишет аудит.
type NotificationService struct {
	audit       NotificationAuditRepository
	dispatchers []Dispatcher
}

// NewNotificationService создаёт сервис уведомлений.
func NewNotificationService(audit NotificationAuditRepository, dispatchers ...Dispatcher) *NotificationService {
	return &NotificationService{audit: audit, dispatchers: dispatchers}
}

// Notify доставляет событие всем адресатам. Ошибки доставки и аудита
// логируются и не влияют на вызвавшую операцию.
func (s *NotificationService) Notify(ctx context.Context, ev Event) {
	for _, msg := range composeMessages(ev) {
		delivered := false
		for _, d := range s.dispatchers {
			if err := d.Send(ctx, msg); err != nil {
				logger.Log.WithFields(logrus.Fields{
					"dispatcher": d.Name(),
					"event":      ev.Type(),
					"recipient":  msg.Recipient,
					"error":      err.Error(),
				}).Warn("notifier: доставка не удалась")
				continue
			}
			delivered = true
		}

		record := &models.Notification{
			ContractID:   ev.contract().ID,
			Recipient:    msg.Recipient,
			Type:         ev.Type(),
			SentViaEmail: delivered,
		}
		if err := s.audit.Create(ctx, record); err != nil {
			logger.Log.WithFields(logrus.Fields{
				"event":     ev.Type(),
				"recipient": msg.Recipient,
				"error":     err.Error(),
			}).Warn("notifier: не удалось записать аудит")
		}
	}
}

// History возвращает журнал уведомлений по договору.
func (s *NotificationService) History(ctx context.Context, contractID uuid.UUID) ([]models.Notification, error) {
	return s.audit.ListByContract(ctx, contractID)
}

// NotifyOnce рассылает событие, если сегодня оно ещё не отправлялось
// первому адресату. Возвращает true, если рассылка состоялась.
func (s *NotificationService) NotifyOnce(ctx context.Context, ev Event) bool {
	msgs := composeMessages(ev)
	if len(msgs) == 0 {
		return false
	}

	exists, err := s.audit.ExistsToday(ctx, ev.contract().ID, msgs[0].Recipient, ev.Type())
	if err != nil {
		logger.Log.WithFields(logrus.Fields{
			"event": ev.Type(),
			"error": err.Error(),
		}).Warn("notifier: проверка дедупликации не удалась, событие пропущено")
		return false
	}
	if exists {
		return false
	}

	s.Notify(ctx, ev)
	return true
}

// composeMessages превращает событие в набор сообщений для адресатов.
// Единственное место, где формулируются тексты уведомлений.
func composeMessages(ev Event) []Message {
	c := ev.contract()
	freelancer := Message{Recipient: freelancerRecipient(c), UserID: &c.FreelancerID}
	client := Message{Recipient: c.ClientEmail}

	switch e := ev.(type) {
	case ContractCreatedEvent:
		client.Subject = fmt.Sprintf("Договор «%s» ждёт вашего одобрения", c.Title)
		client.Body = fmt.Sprintf("Сумма %.2f %s. Подтвердить или отклонить: %s", c.TotalAmount, c.Currency, e.ApprovalURL)
		return []Message{client}
	case ContractApprovedEvent:
		freelancer.Subject = fmt.Sprintf("Клиент одобрил договор «%s»", c.Title)
		freelancer.Body = "Можно приступать к работе над этапами."
		client.Subject = fmt.Sprintf("Вы одобрили договор «%s»", c.Title)
		client.Body = fmt.Sprintf("Сумма договора %.2f %s.", c.TotalAmount, c.Currency)
		return []Message{freelancer, client}
	case ContractDeclinedEvent:
		freelancer.Subject = fmt.Sprintf("Клиент отклонил договор «%s»", c.Title)
		freelancer.Body = "Причина: " + e.Reason
		return []Message{freelancer}
	case ContractCompletedEvent:
		freelancer.Subject = fmt.Sprintf("Договор «%s» полностью оплачен", c.Title)
		freelancer.Body = fmt.Sprintf("Получено %.2f из %.2f %s.", c.AmountPaid, c.TotalAmount, c.Currency)
		client.Subject = fmt.Sprintf("Договор «%s» завершён", c.Title)
		client.Body = "Все этапы оплачены. Спасибо за сотрудничество!"
		return []Message{freelancer, client}
	case MilestoneSubmittedEvent:
		client.Subject = fmt.Sprintf("Этап «%s» сдан на приёмку", e.Milestone.Title)
		client.Body = fmt.Sprintf("Принять работу или запросить правки: %s", e.ReviewURL)
		return []Message{client}
	case MilestoneApprovedEvent:
		freelancer.Subject = fmt.Sprintf("Этап «%s» принят", e.Milestone.Title)
		freelancer.Body = "Отзыв клиента: " + e.Feedback
		client.Subject = fmt.Sprintf("Вы приняли этап «%s»", e.Milestone.Title)
		client.Body = fmt.Sprintf("Счёт на %.2f %s будет выставлен автоматически.", e.Milestone.Amount, c.Currency)
		return []Message{freelancer, client}
	case MilestoneChangesRequestedEvent:
		freelancer.Subject = fmt.Sprintf("По этапу «%s» запрошены правки", e.Milestone.Title)
		freelancer.Body = e.Changes
		return []Message{freelancer}
	case InvoiceGeneratedEvent:
		client.Subject = fmt.Sprintf("Счёт %s на %.2f %s", e.Invoice.InvoiceNumber, e.Invoice.Amount, e.Invoice.Currency)
		client.Body = fmt.Sprintf("Счёт по договору «%s» готов к оплате.", c.Title)
		return []Message{client}
	case PaymentReceivedEvent:
		freelancer.Subject = fmt.Sprintf("Оплата %.2f %s получена", e.Amount, c.Currency)
		freelancer.Body = fmt.Sprintf("Этап «%s» по договору «%s» оплачен.", e.Milestone.Title, c.Title)
		client.Subject = fmt.Sprintf("Платёж %.2f %s подтверждён", e.Amount, c.Currency)
		client.Body = fmt.Sprintf("Оплата этапа «%s» прошла успешно.", e.Milestone.Title)
		return []Message{freelancer, client}
	case PaymentFailedEvent:
		freelancer.Subject = fmt.Sprintf("Платёж по этапу «%s» не прошёл", e.Milestone.Title)
		freelancer.Body = "Причина: " + e.Reason
		client.Subject = fmt.Sprintf("Оплата этапа «%s» не прошла", e.Milestone.Title)
		client.Body = "Причина: " + e.Reason + ". Попробуйте ещё раз."
		return []Message{freelancer, client}
	case DeadlineReminderEvent:
		client.Subject = fmt.Sprintf("Дедлайн договора «%s» приближается", c.Title)
		client.Body = fmt.Sprintf("Срок: %s.", c.DeadlineAt.Format("02.01.2006"))
		return []Message{client}
	default:
		return nil
	}
}

// freelancerRecipient — адрес фрилансера для аудита. Email фрилансера в
// договоре не хранится, поэтому аудит пишет стабильный идентификатор.
func freelancerRecipient(c *models.Contract) string {
	return "freelancer:" + c.FreelancerID.String()
}

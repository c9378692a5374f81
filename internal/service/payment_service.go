package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hedwigapp/hedwig-backend/internal/logger"
	"github.com/hedwigapp/hedwig-backend/internal/models"
	"github.com/hedwigapp/hedwig-backend/internal/pkg/apperror"
	"github.com/hedwigapp/hedwig-backend/internal/repository"
	"github.com/hedwigapp/hedwig-backend/internal/validation"
)

// CompletionChecker закрывает договор, когда все этапы оплачены.
type CompletionChecker interface {
	CheckCompletion(ctx context.Context, contractID uuid.UUID) (bool, error)
}

// PaymentOptions — параметры смены платёжного статуса этапа.
type PaymentOptions struct {
	TransactionHash   *string
	PaymentAmount     *float64
	FailureReason     *string
	RollbackOnFailure *bool // nil трактуется как true
}

func (o PaymentOptions) rollbackOnFailure() bool {
	return o.RollbackOnFailure == nil || *o.RollbackOnFailure
}

// PaymentResult — итог смены платёжного статуса.
type PaymentResult struct {
	Milestone         *models.Milestone `json:"milestone"`
	Invoice           *models.Invoice   `json:"invoice,omitempty"`
	RollbackPerformed bool              `json:"rollback_performed"`
}

// PaymentWebhook — входящее уведомление платёжного провайдера. Заполнен
// должен быть ровно один из идентификаторов.
type PaymentWebhook struct {
	InvoiceID       *uuid.UUID `json:"invoice_id"`
	MilestoneID     *uuid.UUID `json:"milestone_id"`
	ContractID      *uuid.UUID `json:"contract_id"`
	Status          string     `json:"status"`
	Amount          *float64   `json:"amount"`
	TransactionHash *string    `json:"transaction_hash"`
}

// PaymentService ведёт платёжный статус этапов и согласует с ним счета,
// сумму выплат договора и его завершение. Запись по этапу первична;
// остальные записи вторичны и при сбое только логируются.
type PaymentService struct {
	milestones MilestoneRepository
	contracts  ContractRepository
	invoices   InvoiceRepository
	completion CompletionChecker
	notifier   Notifier

	paymentPageURL string
}

// NewPaymentService создаёт платёжный сервис. paymentPageURL — база
// страницы оплаты, к которой добавляется идентификатор счёта.
func NewPaymentService(milestones MilestoneRepository, contracts ContractRepository, invoices InvoiceRepository, completion CompletionChecker, notifier Notifier, paymentPageURL string) *PaymentService {
	return &PaymentService{
		milestones:     milestones,
		contracts:      contracts,
		invoices:       invoices,
		completion:     completion,
		notifier:       notifier,
		paymentPageURL: paymentPageURL,
	}
}

// InitiatePayment переводит счёт и этап в processing и возвращает адрес
// страницы оплаты.
func (s *PaymentService) InitiatePayment(ctx context.Context, invoiceID uuid.UUID) (string, *PaymentResult, error) {
	invoice, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, repository.ErrInvoiceNotFound) {
			return "", nil, apperror.ErrInvoiceNotFound
		}
		return "", nil, err
	}
	if invoice.Superseded {
		return "", nil, apperror.New(apperror.ErrCodeConflict, "счёт заменён более новым")
	}
	if invoice.Status == models.InvoiceStatusPaid {
		return "", nil, apperror.New(apperror.ErrCodeConflict, "счёт уже оплачен")
	}
	if invoice.MilestoneID == nil {
		return "", nil, apperror.New(apperror.ErrCodeValidation, "счёт не привязан к этапу")
	}

	result, err := s.UpdatePaymentStatus(ctx, *invoice.MilestoneID, models.PaymentStatusProcessing, PaymentOptions{})
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("%s/%s", s.paymentPageURL, invoice.ID), result, nil
}

// UpdatePaymentStatus переводит платёжный статус этапа в target и
// согласует вторичные записи: счёт, сумму выплат договора, завершение
// договора и уведомления.
func (s *PaymentService) UpdatePaymentStatus(ctx context.Context, milestoneID uuid.UUID, target string, opts PaymentOptions) (*PaymentResult, error) {
	m, err := s.milestones.GetByID(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, repository.ErrMilestoneNotFound) {
			return nil, apperror.ErrMilestoneNotFound
		}
		return nil, err
	}

	// Повторная доставка уже учтённого платежа — не ошибка.
	if target == models.PaymentStatusPaid && m.PaymentStatus == models.PaymentStatusPaid {
		if opts.TransactionHash == nil || (m.TransactionHash != nil && *m.TransactionHash == *opts.TransactionHash) {
			logger.Log.WithField("milestone_id", m.ID).Info("payment service: платёж уже учтён, повтор игнорируется")
			return &PaymentResult{Milestone: m}, nil
		}
		return nil, apperror.New(apperror.ErrCodeConflict, "этап уже оплачен другой транзакцией")
	}

	if !models.CanTransitionPayment(m.PaymentStatus, target) {
		return nil, apperror.NewInvalidTransition("платёжного статуса", m.PaymentStatus, target)
	}

	if target == models.PaymentStatusPaid {
		if m.Status != models.MilestoneStatusApproved {
			return nil, apperror.New(apperror.ErrCodeInvalidTransition,
				fmt.Sprintf("оплата фиксируется только по принятому этапу, текущий статус работы: %s", m.Status))
		}
		if opts.TransactionHash == nil || *opts.TransactionHash == "" {
			return nil, apperror.New(apperror.ErrCodeValidation, "для статуса paid требуется хеш транзакции")
		}
		// Иначе произвольная сумма платежа уехала бы в paid_amount этапа
		// и в amount_paid договора.
		if opts.PaymentAmount != nil && !validation.WithinTolerance(*opts.PaymentAmount, m.Amount) {
			return nil, apperror.New(apperror.ErrCodeValidation,
				fmt.Sprintf("сумма платежа %.2f не совпадает с суммой этапа %.2f", *opts.PaymentAmount, m.Amount))
		}
	}

	// failed с откатом схлопывается в одну условную запись сразу в unpaid:
	// промежуточного failed в базе не остаётся.
	rollback := target == models.PaymentStatusFailed && opts.rollbackOnFailure()
	written := target
	if rollback {
		written = models.PaymentStatusUnpaid
	}

	from := m.PaymentStatus
	prevPaid := m.PaidAmount
	s.applyTarget(m, written, opts)

	if err := s.milestones.UpdatePaymentStatus(ctx, m.ID, from, m); err != nil {
		return nil, mapStaleStatus(err, "этап")
	}

	if rollback {
		logger.Log.WithFields(logrus.Fields{
			"milestone_id": m.ID,
			"from":         from,
			"reason":       strOrEmpty(opts.FailureReason),
		}).Warn("payment service: платёж не прошёл, этап возвращён в unpaid")
	}

	result := &PaymentResult{Milestone: m, RollbackPerformed: rollback}
	result.Invoice = s.mirrorInvoice(ctx, m, written, opts)
	s.reconcileContract(ctx, m, from, written, prevPaid)

	if target == models.PaymentStatusFailed || written == models.PaymentStatusPaid {
		if c := s.contractForNotify(ctx, m.ContractID); c != nil {
			if target == models.PaymentStatusFailed {
				s.notifier.Notify(ctx, PaymentFailedEvent{Contract: c, Milestone: m, Reason: strOrEmpty(opts.FailureReason)})
			} else {
				s.notifier.Notify(ctx, PaymentReceivedEvent{Contract: c, Milestone: m, Amount: valueOr(opts.PaymentAmount, m.Amount)})
			}
		}
	}
	if written == models.PaymentStatusPaid {
		if _, err := s.completion.CheckCompletion(ctx, m.ContractID); err != nil {
			logger.Log.WithFields(logrus.Fields{
				"contract_id": m.ContractID,
				"error":       err.Error(),
			}).Warn("payment service: проверка завершения договора не удалась")
		}
	}

	return result, nil
}

// ProcessWebhook разбирает уведомление провайдера и применяет его к
// этапу. Обрабатывается только completed; остальные статусы, включая
// failed, подтверждаются без изменений состояния — неуспех платежа
// фиксируется явным вызовом смены платёжного статуса.
func (s *PaymentService) ProcessWebhook(ctx context.Context, wh PaymentWebhook) (*PaymentResult, error) {
	if err := wh.validateKey(); err != nil {
		return nil, err
	}

	if wh.Status != "completed" {
		logger.Log.WithField("status", wh.Status).Info("payment service: вебхук со статусом вне обработки, подтверждён")
		return &PaymentResult{}, nil
	}

	m, err := s.resolveMilestone(ctx, wh)
	if err != nil {
		return nil, err
	}
	if m == nil {
		// Подходящий этап не найден — подтверждаем, чтобы провайдер не
		// ретраил заведомо неприменимое уведомление.
		logger.Log.WithFields(logrus.Fields{
			"invoice_id":  wh.InvoiceID,
			"contract_id": wh.ContractID,
			"status":      wh.Status,
		}).Warn("payment service: этап для вебхука не найден, уведомление подтверждено")
		return &PaymentResult{}, nil
	}

	if m.PaymentStatus == models.PaymentStatusPaid {
		logger.Log.WithField("milestone_id", m.ID).Info("payment service: этап уже оплачен, вебхук подтверждён")
		return &PaymentResult{Milestone: m}, nil
	}

	txHash := wh.TransactionHash
	if txHash == nil || *txHash == "" {
		// Провайдер не прислал хеш — синтезируем ссылку, чтобы повторная
		// доставка того же платежа осталась различимой.
		ref := fmt.Sprintf("webhook-%s-%d", m.ID, time.Now().Unix())
		txHash = &ref
	}

	return s.UpdatePaymentStatus(ctx, m.ID, models.PaymentStatusPaid, PaymentOptions{
		TransactionHash: txHash,
		PaymentAmount:   wh.Amount,
	})
}

func (wh PaymentWebhook) validateKey() error {
	keys := 0
	for _, id := range []*uuid.UUID{wh.InvoiceID, wh.MilestoneID, wh.ContractID} {
		if id != nil {
			keys++
		}
	}
	if keys != 1 {
		return apperror.New(apperror.ErrCodeValidation,
			"вебхук должен содержать ровно один из invoice_id, milestone_id, contract_id")
	}
	return nil
}

// resolveMilestone находит этап по ключу вебхука. nil без ошибки
// означает, что применимого этапа нет.
func (s *PaymentService) resolveMilestone(ctx context.Context, wh PaymentWebhook) (*models.Milestone, error) {
	switch {
	case wh.MilestoneID != nil:
		m, err := s.milestones.GetByID(ctx, *wh.MilestoneID)
		if errors.Is(err, repository.ErrMilestoneNotFound) {
			return nil, apperror.ErrMilestoneNotFound
		}
		return m, err

	case wh.InvoiceID != nil:
		invoice, err := s.invoices.GetByID(ctx, *wh.InvoiceID)
		if err != nil {
			if errors.Is(err, repository.ErrInvoiceNotFound) {
				return nil, apperror.ErrInvoiceNotFound
			}
			return nil, err
		}
		if invoice.MilestoneID == nil {
			return nil, nil
		}
		m, err := s.milestones.GetByID(ctx, *invoice.MilestoneID)
		if errors.Is(err, repository.ErrMilestoneNotFound) {
			return nil, nil
		}
		return m, err

	default:
		return s.matchByContract(ctx, wh)
	}
}

// matchByContract выбирает этап по договору: сначала этап в processing,
// иначе принятый неоплаченный этап с совпадающей суммой.
func (s *PaymentService) matchByContract(ctx context.Context, wh PaymentWebhook) (*models.Milestone, error) {
	milestones, err := s.milestones.ListByContract(ctx, *wh.ContractID)
	if err != nil {
		return nil, err
	}

	for i := range milestones {
		if milestones[i].PaymentStatus == models.PaymentStatusProcessing {
			return &milestones[i], nil
		}
	}

	if wh.Amount != nil {
		for i := range milestones {
			m := &milestones[i]
			if m.Status == models.MilestoneStatusApproved &&
				m.PaymentStatus == models.PaymentStatusUnpaid &&
				validation.WithinTolerance(m.Amount, *wh.Amount) {
				return m, nil
			}
		}
	}

	return nil, nil
}

// applyTarget выставляет на этапе поля, соответствующие записываемому
// статусу. processing и unpaid очищают следы прошлых платежей.
func (s *PaymentService) applyTarget(m *models.Milestone, written string, opts PaymentOptions) {
	m.PaymentStatus = written

	switch written {
	case models.PaymentStatusPaid:
		m.TransactionHash = opts.TransactionHash
		amount := valueOr(opts.PaymentAmount, m.Amount)
		m.PaidAmount = &amount
		now := time.Now()
		m.PaidAt = &now
	case models.PaymentStatusProcessing, models.PaymentStatusUnpaid:
		m.TransactionHash = nil
		m.PaidAmount = nil
		m.PaidAt = nil
	}
}

// mirrorInvoice отражает платёжный статус этапа на его счёте.
// Вторичная запись: сбой логируется и не отменяет операцию.
func (s *PaymentService) mirrorInvoice(ctx context.Context, m *models.Milestone, written string, opts PaymentOptions) *models.Invoice {
	invoice, err := s.invoices.GetActiveByMilestone(ctx, m.ID)
	if err != nil {
		if !errors.Is(err, repository.ErrInvoiceNotFound) {
			logger.Log.WithFields(logrus.Fields{
				"milestone_id": m.ID,
				"error":        err.Error(),
			}).Warn("payment service: счёт этапа не найден для зеркалирования")
		}
		return nil
	}

	switch written {
	case models.PaymentStatusPaid:
		paidAt := time.Now()
		if m.PaidAt != nil {
			paidAt = *m.PaidAt
		}
		err = s.invoices.MarkPaid(ctx, invoice.ID, strOrEmpty(m.TransactionHash), valueOr(m.PaidAmount, m.Amount), paidAt)
	case models.PaymentStatusProcessing:
		err = s.invoices.UpdateStatus(ctx, invoice.ID, models.InvoiceStatusProcessing)
	default: // unpaid, в том числе после отката failed
		err = s.invoices.ClearPayment(ctx, invoice.ID, models.InvoiceStatusPending)
	}
	if err != nil {
		logger.Log.WithFields(logrus.Fields{
			"invoice_id": invoice.ID,
			"target":     written,
			"error":      err.Error(),
		}).Warn("payment service: не удалось обновить счёт по платежу")
		return invoice
	}

	fresh, err := s.invoices.GetByID(ctx, invoice.ID)
	if err != nil {
		return invoice
	}
	return fresh
}

// reconcileContract корректирует amount_paid договора при входе и выходе
// из paid. Вторичная запись, сбой только логируется.
func (s *PaymentService) reconcileContract(ctx context.Context, m *models.Milestone, from, written string, prevPaid *float64) {
	var delta float64
	switch {
	case written == models.PaymentStatusPaid && from != models.PaymentStatusPaid:
		delta = valueOr(m.PaidAmount, m.Amount)
	case from == models.PaymentStatusPaid && written != models.PaymentStatusPaid:
		delta = -valueOr(prevPaid, m.Amount)
	default:
		return
	}

	if err := s.contracts.AddAmountPaid(ctx, m.ContractID, delta); err != nil {
		logger.Log.WithFields(logrus.Fields{
			"contract_id": m.ContractID,
			"delta":       delta,
			"error":       err.Error(),
		}).Warn("payment service: не удалось обновить сумму выплат договора")
	}
}

func (s *PaymentService) contractForNotify(ctx context.Context, contractID uuid.UUID) *models.Contract {
	c, err := s.contracts.GetByID(ctx, contractID)
	if err != nil {
		logger.Log.WithFields(logrus.Fields{
			"contract_id": contractID,
			"error":       err.Error(),
		}).Warn("payment service: договор для уведомления не найден")
		return nil
	}
	return c
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func valueOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}

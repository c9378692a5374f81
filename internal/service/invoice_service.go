package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hedwigapp/hedwig-backend/internal/logger"
	"github.com/hedwigapp/hedwig-backend/internal/models"
	"github.com/hedwigapp/hedwig-backend/internal/pkg/apperror"
	"github.com/hedwigapp/hedwig-backend/internal/repository"
)

// InvoiceRepository описывает взаимодействие сервисов с хранилищем счетов.
type InvoiceRepository interface {
	Create(ctx context.Context, invoice *models.Invoice) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error)
	GetActiveByMilestone(ctx context.Context, milestoneID uuid.UUID) (*models.Invoice, error)
	ListByContract(ctx context.Context, contractID uuid.UUID) ([]models.Invoice, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	MarkPaid(ctx context.Context, id uuid.UUID, txHash string, paidAmount float64, paidAt time.Time) error
	ClearPayment(ctx context.Context, id uuid.UUID, status string) error
}

// WalletResolver возвращает пользователя для определения кошелька
// получателя платежа.
type WalletResolver interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// retryAfterExhausted — подсказка вызывающему, через сколько повторять
// генерацию после трёх неудачных попыток.
const retryAfterExhausted = 60 * time.Second

// InvoiceService выставляет счета по этапам и договорам. Повтор вызова
// всегда безопасен: при живом неоплаченном счёте новый не создаётся.
type InvoiceService struct {
	invoices   InvoiceRepository
	milestones MilestoneRepository
	contracts  ContractRepository
	users      WalletResolver
	notifier   Notifier

	// backoff — паузы между попытками создания; переопределяется в тестах.
	backoff []time.Duration
}

// NewInvoiceService создаёт сервис счетов.
func NewInvoiceService(invoices InvoiceRepository, milestones MilestoneRepository, contracts ContractRepository, users WalletResolver, notifier Notifier) *InvoiceService {
	return &InvoiceService{
		invoices:   invoices,
		milestones: milestones,
		contracts:  contracts,
		users:      users,
		notifier:   notifier,
		backoff:    []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
	}
}

// Get возвращает счёт по идентификатору.
func (s *InvoiceService) Get(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	invoice, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrInvoiceNotFound) {
			return nil, apperror.ErrInvoiceNotFound
		}
		return nil, err
	}
	return invoice, nil
}

// ListByContract возвращает счета договора.
func (s *InvoiceService) ListByContract(ctx context.Context, contractID uuid.UUID) ([]models.Invoice, error) {
	return s.invoices.ListByContract(ctx, contractID)
}

// GenerateForMilestone выставляет счёт по принятому этапу.
// Идемпотентность: если у этапа уже есть неоплаченный счёт и
// forceRegenerate не задан, возвращается существующий счёт без создания
// дубликата.
func (s *InvoiceService) GenerateForMilestone(ctx context.Context, milestoneID uuid.UUID, forceRegenerate bool) (*models.Invoice, error) {
	m, err := s.milestones.GetByID(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, repository.ErrMilestoneNotFound) {
			return nil, apperror.ErrMilestoneNotFound
		}
		return nil, err
	}

	if m.Status != models.MilestoneStatusApproved {
		return nil, apperror.New(apperror.ErrCodeInvalidTransition,
			fmt.Sprintf("счёт выставляется только по принятому этапу, текущий статус: %s", m.Status))
	}

	c, err := s.contracts.GetByID(ctx, m.ContractID)
	if err != nil {
		return nil, err
	}

	return s.generate(ctx, c, m, forceRegenerate)
}

// GenerateForContract выставляет счета по всем этапам договора одним
// проходом — вариант для одобрения договора целиком. Ошибка по одному
// этапу не прерывает остальные: сбои собираются и логируются.
func (s *InvoiceService) GenerateForContract(ctx context.Context, contractID uuid.UUID) ([]models.Invoice, error) {
	c, err := s.contracts.GetByID(ctx, contractID)
	if err != nil {
		if errors.Is(err, repository.ErrContractNotFound) {
			return nil, apperror.ErrContractNotFound
		}
		return nil, err
	}

	milestones, err := s.milestones.ListByContract(ctx, contractID)
	if err != nil {
		return nil, err
	}

	var invoices []models.Invoice
	var failed int
	for i := range milestones {
		invoice, err := s.generate(ctx, c, &milestones[i], false)
		if err != nil {
			failed++
			logger.Log.WithFields(logrus.Fields{
				"contract_id":  contractID,
				"milestone_id": milestones[i].ID,
				"error":        err.Error(),
			}).Warn("invoice service: не удалось выставить счёт по этапу")
			continue
		}
		invoices = append(invoices, *invoice)
	}

	if failed > 0 {
		logger.Log.WithFields(logrus.Fields{
			"contract_id": contractID,
			"failed":      failed,
			"total":       len(milestones),
		}).Warn("invoice service: часть счетов договора не выставлена")
	}

	return invoices, nil
}

// MarkSent помечает счёт показанным плательщику.
func (s *InvoiceService) MarkSent(ctx context.Context, invoiceID uuid.UUID) (*models.Invoice, error) {
	invoice, err := s.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	if invoice.Status == models.InvoiceStatusPaid {
		return nil, apperror.NewInvalidTransition("счёта", invoice.Status, models.InvoiceStatusSent)
	}
	if invoice.Status == models.InvoiceStatusSent {
		return invoice, nil
	}

	if err := s.invoices.UpdateStatus(ctx, invoiceID, models.InvoiceStatusSent); err != nil {
		return nil, err
	}
	invoice.Status = models.InvoiceStatusSent
	return invoice, nil
}

// generate — общий путь создания счёта с идемпотентностью и повторами.
func (s *InvoiceService) generate(ctx context.Context, c *models.Contract, m *models.Milestone, forceRegenerate bool) (*models.Invoice, error) {
	// Ищем живой счёт и по ссылке этапа, и по самому этапу: ссылка могла
	// не записаться при прошлой генерации, счёт от этого не перестал
	// существовать.
	if !forceRegenerate {
		if existing := s.findActive(ctx, m); existing != nil {
			return existing, nil
		}
	}

	invoice := &models.Invoice{
		ContractID:  &c.ID,
		MilestoneID: &m.ID,
		Amount:      m.Amount,
		Currency:    c.Currency,
		Status:      models.InvoiceStatusPending,
		PayerEmail:  &c.ClientEmail,
		DueDate:     m.DueDate,
	}
	if wallet := s.resolveWallet(ctx, c.FreelancerID); wallet != "" {
		invoice.PayeeWallet = &wallet
	}

	var lastErr error
	for attempt := 0; attempt < len(s.backoff); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.backoff[attempt-1]):
			}
		}

		invoice.InvoiceNumber = generateInvoiceNumber(time.Now())
		if err := s.invoices.Create(ctx, invoice); err != nil {
			lastErr = err
			logger.Log.WithFields(logrus.Fields{
				"milestone_id": m.ID,
				"attempt":      attempt + 1,
				"error":        err.Error(),
			}).Warn("invoice service: попытка создания счёта не удалась")
			continue
		}

		// Ссылка этапа на счёт — вторичная запись: счёт уже существует и
		// находится по contract_id/milestone_id, поэтому сбой здесь не
		// отменяет операцию.
		if err := s.milestones.LinkInvoice(ctx, m.ID, invoice.ID); err != nil {
			logger.Log.WithFields(logrus.Fields{
				"milestone_id": m.ID,
				"invoice_id":   invoice.ID,
				"error":        err.Error(),
			}).Warn("invoice service: счёт создан, но ссылка этапа не записана")
		}

		s.notifier.Notify(ctx, InvoiceGeneratedEvent{Contract: c, Milestone: m, Invoice: invoice})
		return invoice, nil
	}

	return nil, apperror.NewRetryable(apperror.ErrCodeDatabaseError,
		fmt.Sprintf("не удалось создать счёт после %d попыток: %v", len(s.backoff), lastErr),
		retryAfterExhausted)
}

// findActive возвращает живой неоплаченный счёт этапа, если он есть.
// Заодно лечит потерянную ссылку milestone.invoice_id.
func (s *InvoiceService) findActive(ctx context.Context, m *models.Milestone) *models.Invoice {
	if m.InvoiceID != nil {
		if invoice, err := s.invoices.GetByID(ctx, *m.InvoiceID); err == nil && invoice.Status != models.InvoiceStatusPaid && !invoice.Superseded {
			return invoice
		}
	}

	invoice, err := s.invoices.GetActiveByMilestone(ctx, m.ID)
	if err != nil || invoice.Status == models.InvoiceStatusPaid {
		return nil
	}

	if m.InvoiceID == nil {
		if err := s.milestones.LinkInvoice(ctx, m.ID, invoice.ID); err != nil {
			logger.Log.WithFields(logrus.Fields{
				"milestone_id": m.ID,
				"invoice_id":   invoice.ID,
				"error":        err.Error(),
			}).Warn("invoice service: не удалось восстановить ссылку на счёт")
		}
	}
	return invoice
}

func (s *InvoiceService) resolveWallet(ctx context.Context, freelancerID uuid.UUID) string {
	user, err := s.users.GetByID(ctx, freelancerID)
	if err != nil || user.WalletAddr == nil {
		return ""
	}
	return *user.WalletAddr
}

// generateInvoiceNumber формирует человекочитаемый номер счёта: дата плюс
// случайный суффикс. Глобальная уникальность не гарантируется, коллизия
// астрономически маловероятна.
func generateInvoiceNumber(now time.Time) string {
	suffix := make([]byte, 3)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("INV-%s-%s", now.Format("20060102"), strings.ToUpper(hex.EncodeToString(suffix)))
}

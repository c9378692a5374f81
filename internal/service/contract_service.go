package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

// ContractRepository описывает взаимодействие сервисов с хранилищем
// договоров.
type ContractRepository interface {
	Create(ctx context.Context, contract *models.Contract, milestones []models.Milestone) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Contract, error)
	GetByApprovalToken(ctx context.Context, token string) (*models.Contract, error)
	ListByFreelancer(ctx context.Context, freelancerID uuid.UUID, limit, offset int) ([]models.Contract, error)
	ListDueWithin(ctx context.Context, days int) ([]models.Contract, error)
	MarkApproved(ctx context.Context, id uuid.UUID, approvedAt time.Time) error
	MarkRejected(ctx context.Context, id uuid.UUID, reason string) error
	MarkCompleted(ctx context.Context, id uuid.UUID, completedAt time.Time) error
	AddAmountPaid(ctx context.Context, id uuid.UUID, delta float64) error
}

// BatchInvoiceGenerator выставляет счета по всем этапам договора.
type BatchInvoiceGenerator interface {
	GenerateForContract(ctx context.Context, contractID uuid.UUID) ([]models.Invoice, error)
}

// CreateContractInput — данные нового договора.
type CreateContractInput struct {
	FreelancerID uuid.UUID
	ClientEmail  string
	ClientName   string
	Title        string
	Description  *string
	TotalAmount  float64
	Currency     string
	DeadlineAt   *time.Time
	Milestones   []CreateMilestoneInput
}

// CreateMilestoneInput — этап в составе нового договора.
type CreateMilestoneInput struct {
	Title   string
	Amount  float64
	DueDate *time.Time
}

// ContractService ведёт жизненный цикл договора: создание, одобрение
// клиентом по токену, завершение и напоминания о сроках.
type ContractService struct {
	contracts  ContractRepository
	milestones MilestoneRepository
	invoices   BatchInvoiceGenerator
	notifier   Notifier

	approvalTokenTTL time.Duration
	frontendBaseURL  string
}

// NewContractService создаёт сервис договоров.
func NewContractService(contracts ContractRepository, milestones MilestoneRepository, invoices BatchInvoiceGenerator, notifier Notifier, approvalTokenTTL time.Duration, frontendBaseURL string) *ContractService {
	return &ContractService{
		contracts:        contracts,
		milestones:       milestones,
		invoices:         invoices,
		notifier:         notifier,
		approvalTokenTTL: approvalTokenTTL,
		frontendBaseURL:  frontendBaseURL,
	}
}

// Create создаёт договор с этапами и отправляет клиенту ссылку на
// одобрение. Сумма этапов обязана сходиться с суммой договора.
func (s *ContractService) Create(ctx context.Context, input CreateContractInput) (*models.Contract, error) {
	if err := s.validateInput(input); err != nil {
		return nil, err
	}

	token, err := generateApprovalToken()
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeInternal, "не удалось сгенерировать токен одобрения")
	}
	expiresAt := time.Now().Add(s.approvalTokenTTL)

	contract := &models.Contract{
		FreelancerID:      input.FreelancerID,
		ClientEmail:       input.ClientEmail,
		ClientName:        input.ClientName,
		Title:             input.Title,
		Description:       input.Description,
		TotalAmount:       input.TotalAmount,
		Currency:          input.Currency,
		Status:            models.ContractStatusPendingApproval,
		DeadlineAt:        input.DeadlineAt,
		ApprovalToken:     &token,
		ApprovalExpiresAt: &expiresAt,
	}

	milestones := make([]models.Milestone, 0, len(input.Milestones))
	for i, mi := range input.Milestones {
		milestones = append(milestones, models.Milestone{
			OrderIndex:    i,
			Title:         mi.Title,
			Amount:        mi.Amount,
			DueDate:       mi.DueDate,
			Status:        models.MilestoneStatusPending,
			PaymentStatus: models.PaymentStatusUnpaid,
		})
	}

	if err := s.contracts.Create(ctx, contract, milestones); err != nil {
		return nil, err
	}
	contract.Milestones = milestones

	s.notifier.Notify(ctx, ContractCreatedEvent{
		Contract:    contract,
		ApprovalURL: s.approvalURL(token),
	})

	return contract, nil
}

// Get возвращает договор с этапами.
func (s *ContractService) Get(ctx context.Context, id uuid.UUID) (*models.Contract, error) {
	contract, err := s.contracts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrContractNotFound) {
			return nil, apperror.ErrContractNotFound
		}
		return nil, err
	}

	milestones, err := s.milestones.ListByContract(ctx, id)
	if err != nil {
		return nil, err
	}
	contract.Milestones = milestones
	return contract, nil
}

// List возвращает договоры фрилансера.
func (s *ContractService) List(ctx context.Context, freelancerID uuid.UUID, limit, offset int) ([]models.Contract, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.contracts.ListByFreelancer(ctx, freelancerID, limit, offset)
}

// Approve одобряет договор по токену клиента. После одобрения по всем
// этапам выставляются счета; сбой выставления не отменяет одобрение.
func (s *ContractService) Approve(ctx context.Context, token string) (*models.Contract, error) {
	contract, err := s.resolveToken(ctx, token)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.contracts.MarkApproved(ctx, contract.ID, now); err != nil {
		return nil, mapStaleStatus(err, "договора")
	}
	contract.Status = models.ContractStatusApproved
	contract.ApprovedAt = &now
	contract.ApprovalToken = nil

	if _, err := s.invoices.GenerateForContract(ctx, contract.ID); err != nil {
		logger.Log.WithFields(logrus.Fields{
			"contract_id": contract.ID,
			"error":       err.Error(),
		}).Warn("contract service: договор одобрен, но счета не выставлены")
	}

	s.notifier.Notify(ctx, ContractApprovedEvent{Contract: contract})
	return contract, nil
}

// Decline отклоняет договор по токену клиента с указанием причины.
func (s *ContractService) Decline(ctx context.Context, token, reason string) (*models.Contract, error) {
	contract, err := s.resolveToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if err := s.contracts.MarkRejected(ctx, contract.ID, reason); err != nil {
		return nil, mapStaleStatus(err, "договора")
	}
	contract.Status = models.ContractStatusRejected
	contract.RejectionReason = &reason
	contract.ApprovalToken = nil

	s.notifier.Notify(ctx, ContractDeclinedEvent{Contract: contract, Reason: reason})
	return contract, nil
}

// CheckCompletion закрывает договор, когда все этапы оплачены либо
// сумма выплат сошлась с суммой договора. Повторный вызов безвреден:
// уже завершённый договор не завершается второй раз и уведомление не
// дублируется.
func (s *ContractService) CheckCompletion(ctx context.Context, contractID uuid.UUID) (bool, error) {
	contract, err := s.contracts.GetByID(ctx, contractID)
	if err != nil {
		if errors.Is(err, repository.ErrContractNotFound) {
			return false, apperror.ErrContractNotFound
		}
		return false, err
	}

	if contract.Status == models.ContractStatusCompleted {
		return true, nil
	}
	if contract.Status != models.ContractStatusApproved {
		return false, nil
	}

	milestones, err := s.milestones.ListByContract(ctx, contractID)
	if err != nil {
		return false, err
	}
	if len(milestones) == 0 {
		return false, nil
	}

	allPaid := true
	for i := range milestones {
		if milestones[i].PaymentStatus != models.PaymentStatusPaid {
			allPaid = false
			break
		}
	}
	if !allPaid && !validation.WithinTolerance(contract.AmountPaid, contract.TotalAmount) {
		return false, nil
	}

	now := time.Now()
	if err := s.contracts.MarkCompleted(ctx, contractID, now); err != nil {
		// Конкурентный вызов успел завершить договор первым.
		if errors.Is(err, repository.ErrStaleStatus) {
			return true, nil
		}
		return false, err
	}
	contract.Status = models.ContractStatusCompleted
	contract.CompletedAt = &now

	logger.Log.WithField("contract_id", contractID).Info("contract service: договор завершён")
	s.notifier.Notify(ctx, ContractCompletedEvent{Contract: contract})
	return true, nil
}

// SendDeadlineReminders рассылает напоминания по договорам, срок
// которых истекает в ближайшие days дней. Не больше одного напоминания
// на договор в сутки.
func (s *ContractService) SendDeadlineReminders(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		days = 3
	}

	contracts, err := s.contracts.ListDueWithin(ctx, days)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range contracts {
		if s.notifier.NotifyOnce(ctx, DeadlineReminderEvent{Contract: &contracts[i]}) {
			sent++
		}
	}

	logger.Log.WithFields(logrus.Fields{
		"due":  len(contracts),
		"sent": sent,
	}).Info("contract service: напоминания о сроках разосланы")
	return sent, nil
}

func (s *ContractService) validateInput(input CreateContractInput) error {
	if err := validation.ValidateLength("title", input.Title, 1, 200); err != nil {
		return err
	}
	if err := validation.ValidateLength("client_name", input.ClientName, 1, 100); err != nil {
		return err
	}
	if err := validation.ValidateEmail(input.ClientEmail); err != nil {
		return err
	}
	if err := validation.ValidateAmount("total_amount", input.TotalAmount); err != nil {
		return err
	}
	if len(input.Milestones) == 0 {
		return apperror.New(apperror.ErrCodeValidation, "договор должен содержать хотя бы один этап")
	}

	amounts := make([]float64, 0, len(input.Milestones))
	for i, m := range input.Milestones {
		if err := validation.ValidateLength(fmt.Sprintf("milestones[%d].title", i), m.Title, 1, 200); err != nil {
			return err
		}
		if err := validation.ValidateAmount(fmt.Sprintf("milestones[%d].amount", i), m.Amount); err != nil {
			return err
		}
		amounts = append(amounts, m.Amount)
	}
	return validation.ValidateMilestoneSum(amounts, input.TotalAmount)
}

// resolveToken находит договор по токену и проверяет, что одобрение ещё
// возможно.
func (s *ContractService) resolveToken(ctx context.Context, token string) (*models.Contract, error) {
	if token == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "токен одобрения не указан")
	}

	contract, err := s.contracts.GetByApprovalToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrContractNotFound) {
			return nil, apperror.ErrTokenInvalid
		}
		return nil, err
	}

	switch contract.Status {
	case models.ContractStatusPendingApproval:
	case models.ContractStatusApproved:
		return nil, apperror.New(apperror.ErrCodeConflict, "договор уже одобрен")
	case models.ContractStatusRejected:
		return nil, apperror.New(apperror.ErrCodeConflict, "договор уже отклонён")
	default:
		return nil, apperror.New(apperror.ErrCodeConflict,
			fmt.Sprintf("договор в статусе %s не ожидает решения клиента", contract.Status))
	}

	if contract.ApprovalExpiresAt != nil && time.Now().After(*contract.ApprovalExpiresAt) {
		return nil, apperror.ErrTokenExpired
	}
	return contract, nil
}

func (s *ContractService) approvalURL(token string) string {
	return fmt.Sprintf("%s/contracts/review/%s", s.frontendBaseURL, token)
}

// generateApprovalToken возвращает 32 шестнадцатеричных символа из
// криптографического генератора.
func generateApprovalToken() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

package service

import (
	"context"
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

// MilestoneRepository описывает взаимодействие сервисов с хранилищем этапов.
type MilestoneRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Milestone, error)
	ListByContract(ctx context.Context, contractID uuid.UUID) ([]models.Milestone, error)
	UpdateWorkStatus(ctx context.Context, id uuid.UUID, fromStatus string, m *models.Milestone) error
	UpdatePaymentStatus(ctx context.Context, id uuid.UUID, fromStatus string, m *models.Milestone) error
	LinkInvoice(ctx context.Context, id uuid.UUID, invoiceID uuid.UUID) error
	AddAttachment(ctx context.Context, a *models.MilestoneAttachment) error
	ListAttachments(ctx context.Context, milestoneID uuid.UUID) ([]models.MilestoneAttachment, error)
}

// InvoiceGenerator — контракт генерации счетов для других сервисов.
type InvoiceGenerator interface {
	GenerateForMilestone(ctx context.Context, milestoneID uuid.UUID, forceRegenerate bool) (*models.Invoice, error)
}

// MilestoneService реализует машину рабочих статусов этапа:
// pending → in_progress → submitted → approved | changes_requested.
type MilestoneService struct {
	milestones MilestoneRepository
	contracts  ContractRepository
	invoices   InvoiceGenerator
	notifier   Notifier

	frontendBaseURL string
}

// NewMilestoneService создаёт сервис этапов.
func NewMilestoneService(milestones MilestoneRepository, contracts ContractRepository, invoices InvoiceGenerator, notifier Notifier, frontendBaseURL string) *MilestoneService {
	return &MilestoneService{
		milestones:      milestones,
		contracts:       contracts,
		invoices:        invoices,
		notifier:        notifier,
		frontendBaseURL: frontendBaseURL,
	}
}

// Get возвращает этап по идентификатору.
func (s *MilestoneService) Get(ctx context.Context, id uuid.UUID) (*models.Milestone, error) {
	m, err := s.milestones.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrMilestoneNotFound) {
			return nil, apperror.ErrMilestoneNotFound
		}
		return nil, err
	}
	return m, nil
}

// Start переводит этап в работу. Доступно только фрилансеру договора.
func (s *MilestoneService) Start(ctx context.Context, milestoneID, freelancerID uuid.UUID) (*models.Milestone, error) {
	m, c, err := s.loadWithContract(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	if c.FreelancerID != freelancerID {
		return nil, apperror.ErrForbidden
	}

	return s.transition(ctx, m, models.MilestoneStatusInProgress, func(next *models.Milestone) {})
}

// Submit сдаёт этап на приёмку. Требует непустые deliverables и
// completion notes. Клиенту выдаётся токен приёмки: только по нему
// можно принять этап или запросить правки.
func (s *MilestoneService) Submit(ctx context.Context, milestoneID, freelancerID uuid.UUID, deliverables, completionNotes string) (*models.Milestone, error) {
	deliverables = strings.TrimSpace(deliverables)
	completionNotes = strings.TrimSpace(completionNotes)
	if deliverables == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "укажите результаты работы (deliverables)")
	}
	if completionNotes == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "укажите комментарий о выполненной работе")
	}

	m, c, err := s.loadWithContract(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	if c.FreelancerID != freelancerID {
		return nil, apperror.ErrForbidden
	}

	reviewToken, err := generateApprovalToken()
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeInternal, "не удалось сгенерировать токен приёмки")
	}

	updated, err := s.transition(ctx, m, models.MilestoneStatusSubmitted, func(next *models.Milestone) {
		next.Deliverables = &deliverables
		next.CompletionNotes = &completionNotes
		next.ReviewToken = &reviewToken
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, MilestoneSubmittedEvent{
		Contract:  c,
		Milestone: updated,
		ReviewURL: fmt.Sprintf("%s/milestones/review/%s", s.frontendBaseURL, reviewToken),
	})

	return updated, nil
}

// Approve принимает сданный этап от имени клиента. Клиент подтверждает
// себя токеном приёмки из письма; токен гасится при использовании.
// Побочные эффекты: генерация счёта и уведомления обеим сторонам. Ошибка
// генерации счёта не откатывает приёмку — счёт можно выставить повторно
// отдельным вызовом.
func (s *MilestoneService) Approve(ctx context.Context, milestoneID uuid.UUID, reviewToken, feedback string) (*models.Milestone, *models.Invoice, error) {
	m, c, err := s.loadWithContract(ctx, milestoneID)
	if err != nil {
		return nil, nil, err
	}
	if err := verifyReviewToken(m, reviewToken); err != nil {
		return nil, nil, err
	}

	now := time.Now()
	updated, err := s.transition(ctx, m, models.MilestoneStatusApproved, func(next *models.Milestone) {
		if fb := strings.TrimSpace(feedback); fb != "" {
			next.ApprovalFeedback = &fb
		}
		next.ApprovedAt = &now
		next.ReviewToken = nil
	})
	if err != nil {
		return nil, nil, err
	}

	invoice, err := s.invoices.GenerateForMilestone(ctx, milestoneID, false)
	if err != nil {
		logger.Log.WithFields(logrus.Fields{
			"milestone_id": milestoneID,
			"error":        err.Error(),
		}).Warn("milestone service: этап принят, но счёт выставить не удалось")
		invoice = nil
	}

	s.notifier.Notify(ctx, MilestoneApprovedEvent{
		Contract:  c,
		Milestone: updated,
		Feedback:  strings.TrimSpace(feedback),
	})

	return updated, invoice, nil
}

// RequestChanges возвращает сданный этап в работу с описанием правок.
// Требует токен приёмки, как и Approve; при повторной сдаче этапа
// фрилансером клиенту выдаётся новый токен. Статус сразу переводится
// обратно в in_progress: changes_requested — мгновенное состояние,
// в хранилище оно не задерживается.
func (s *MilestoneService) RequestChanges(ctx context.Context, milestoneID uuid.UUID, reviewToken, changes string) (*models.Milestone, error) {
	changes = strings.TrimSpace(changes)
	if changes == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "опишите, какие правки требуются")
	}

	m, c, err := s.loadWithContract(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if err := verifyReviewToken(m, reviewToken); err != nil {
		return nil, err
	}

	// Допустимость проверяется для запрошенного перехода
	// submitted → changes_requested; записывается уже in_progress.
	if !models.CanTransitionWork(m.Status, models.MilestoneStatusChangesRequested) {
		return nil, apperror.NewInvalidTransition("этапа", m.Status, models.MilestoneStatusChangesRequested)
	}

	next := *m
	next.Status = models.MilestoneStatusInProgress
	next.ChangesRequested = &changes
	next.ReviewToken = nil

	if err := s.milestones.UpdateWorkStatus(ctx, m.ID, m.Status, &next); err != nil {
		return nil, mapStaleStatus(err, "этапа")
	}

	s.notifier.Notify(ctx, MilestoneChangesRequestedEvent{
		Contract:  c,
		Milestone: &next,
		Changes:   changes,
	})

	return &next, nil
}

// AttachDeliverable сохраняет запись о файле, приложенном к этапу.
func (s *MilestoneService) AttachDeliverable(ctx context.Context, milestoneID, freelancerID uuid.UUID, a *models.MilestoneAttachment) error {
	m, c, err := s.loadWithContract(ctx, milestoneID)
	if err != nil {
		return err
	}

	if c.FreelancerID != freelancerID {
		return apperror.ErrForbidden
	}

	if m.Status != models.MilestoneStatusInProgress && m.Status != models.MilestoneStatusSubmitted {
		return apperror.New(apperror.ErrCodeValidation, "файлы можно прикладывать только к этапу в работе")
	}

	a.MilestoneID = m.ID
	return s.milestones.AddAttachment(ctx, a)
}

// ListAttachments возвращает файлы этапа.
func (s *MilestoneService) ListAttachments(ctx context.Context, milestoneID uuid.UUID) ([]models.MilestoneAttachment, error) {
	return s.milestones.ListAttachments(ctx, milestoneID)
}

// transition валидирует и записывает переход рабочего статуса. mutate
// дополняет новые значения полей поверх копии этапа.
func (s *MilestoneService) transition(ctx context.Context, m *models.Milestone, target string, mutate func(*models.Milestone)) (*models.Milestone, error) {
	if !models.CanTransitionWork(m.Status, target) {
		return nil, apperror.NewInvalidTransition("этапа", m.Status, target)
	}

	next := *m
	next.Status = target
	mutate(&next)

	if err := s.milestones.UpdateWorkStatus(ctx, m.ID, m.Status, &next); err != nil {
		return nil, mapStaleStatus(err, "этапа")
	}

	return &next, nil
}

func (s *MilestoneService) loadWithContract(ctx context.Context, milestoneID uuid.UUID) (*models.Milestone, *models.Contract, error) {
	m, err := s.milestones.GetByID(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, repository.ErrMilestoneNotFound) {
			return nil, nil, apperror.ErrMilestoneNotFound
		}
		return nil, nil, err
	}

	c, err := s.contracts.GetByID(ctx, m.ContractID)
	if err != nil {
		if errors.Is(err, repository.ErrContractNotFound) {
			return nil, nil, apperror.ErrContractNotFound
		}
		return nil, nil, err
	}

	return m, c, nil
}

// verifyReviewToken сверяет токен приёмки клиента. Токен существует
// только пока этап сдан на приёмку; UUID этапа известен и фрилансеру,
// поэтому сам по себе правом приёмки не является.
func verifyReviewToken(m *models.Milestone, token string) error {
	if token == "" || m.ReviewToken == nil || *m.ReviewToken != token {
		return apperror.ErrTokenInvalid
	}
	return nil
}

// mapStaleStatus переводит ошибку конкурентного изменения статуса в
// конфликт для клиента.
func mapStaleStatus(err error, entity string) error {
	if errors.Is(err, repository.ErrStaleStatus) {
		return apperror.New(apperror.ErrCodeConflict, "статус "+entity+" изменился, обновите данные и повторите")
	}
	return err
}

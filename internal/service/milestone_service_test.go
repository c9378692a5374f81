package service

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/hedwigapp/hedwig-backend/internal/models"
	"github.com/hedwigapp/hedwig-backend/internal/pkg/apperror"
	"github.com/hedwigapp/hedwig-backend/internal/repository"
)

type mockMilestoneRepo struct {
	mock.Mock
}

func (m *mockMilestoneRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Milestone, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Milestone), args.Error(1)
}

func (m *mockMilestoneRepo) ListByContract(ctx context.Context, contractID uuid.UUID) ([]models.Milestone, error) {
	args := m.Called(ctx, contractID)
	return args.Get(0).([]models.Milestone), args.Error(1)
}

func (m *mockMilestoneRepo) UpdateWorkStatus(ctx context.Context, id uuid.UUID, fromStatus string, milestone *models.Milestone) error {
	args := m.Called(ctx, id, fromStatus, milestone)
	return args.Error(0)
}

func (m *mockMilestoneRepo) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, fromStatus string, milestone *models.Milestone) error {
	args := m.Called(ctx, id, fromStatus, milestone)
	return args.Error(0)
}

func (m *mockMilestoneRepo) LinkInvoice(ctx context.Context, id uuid.UUID, invoiceID uuid.UUID) error {
	args := m.Called(ctx, id, invoiceID)
	return args.Error(0)
}

func (m *mockMilestoneRepo) AddAttachment(ctx context.Context, a *models.MilestoneAttachment) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func (m *mockMilestoneRepo) ListAttachments(ctx context.Context, milestoneID uuid.UUID) ([]models.MilestoneAttachment, error) {
	args := m.Called(ctx, milestoneID)
	return args.Get(0).([]models.MilestoneAttachment), args.Error(1)
}

type mockInvoiceGenerator struct {
	mock.Mock
}

func (m *mockInvoiceGenerator) GenerateForMilestone(ctx context.Context, milestoneID uuid.UUID, forceRegenerate bool) (*models.Invoice, error) {
	args := m.Called(ctx, milestoneID, forceRegenerate)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Invoice), args.Error(1)
}

type milestoneFixture struct {
	milestoneRepo *mockMilestoneRepo
	contractRepo  *mockContractRepo
	invoiceGen    *mockInvoiceGenerator
	notifier      *fakeNotifier
	svc           *MilestoneService

	freelancerID uuid.UUID
	contract     *models.Contract
	milestone    *models.Milestone
	reviewToken  string
}

func newMilestoneFixture(workStatus string) *milestoneFixture {
	f := &milestoneFixture{
		milestoneRepo: new(mockMilestoneRepo),
		contractRepo:  new(mockContractRepo),
		invoiceGen:    new(mockInvoiceGenerator),
		notifier:      &fakeNotifier{},
		freelancerID:  uuid.New(),
	}
	f.svc = NewMilestoneService(f.milestoneRepo, f.contractRepo, f.invoiceGen, f.notifier, "https://app.hedwig.test")

	f.contract = &models.Contract{
		ID:           uuid.New(),
		FreelancerID: f.freelancerID,
		ClientEmail:  "client@example.com",
		Status:       models.ContractStatusApproved,
	}
	f.milestone = &models.Milestone{
		ID:            uuid.New(),
		ContractID:    f.contract.ID,
		Title:         "Этап",
		Amount:        100,
		Status:        workStatus,
		PaymentStatus: models.PaymentStatusUnpaid,
	}

	// Токен приёмки существует только у сданного этапа.
	if workStatus == models.MilestoneStatusSubmitted {
		f.reviewToken = "3f8a2c91d4b5e6071829a0b1c2d3e4f5"
		f.milestone.ReviewToken = &f.reviewToken
	}

	f.milestoneRepo.On("GetByID", mock.Anything, f.milestone.ID).Return(f.milestone, nil)
	f.contractRepo.On("GetByID", mock.Anything, f.contract.ID).Return(f.contract, nil)
	return f
}

func TestMilestoneService_Start_Success(t *testing.T) {
	f := newMilestoneFixture(models.MilestoneStatusPending)
	ctx := context.Background()

	f.milestoneRepo.On("UpdateWorkStatus", ctx, f.milestone.ID, models.MilestoneStatusPending, mock.AnythingOfType("*models.Milestone")).Return(nil)

	updated, err := f.svc.Start(ctx, f.milestone.ID, f.freelancerID)

	assert.NoError(t, err)
	assert.Equal(t, models.MilestoneStatusInProgress, updated.Status)
}

func TestMilestoneService_Start_WrongFreelancer(t *testing.T) {
	f := newMilestoneFixture(models.MilestoneStatusPending)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, f.milestone.ID, uuid.New())

	assert.ErrorIs(t, err, apperror.ErrForbidden)
	f.milestoneRepo.AssertNotCalled(t, "UpdateWorkStatus")
}

func TestMilestoneService_Start_InvalidTransition(t *testing.T) {
	f := newMilestoneFixture(models.MilestoneStatusApproved)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, f.milestone.ID, f.freelancerID)

	assert.True(t, apperror.IsInvalidTransition(err))
}

func TestMilestoneService_Submit_Success(t *testing.T) {
	f := newMilestoneFixture(models.MilestoneStatusInProgress)
	ctx := context.Background()

	f.milestoneRepo.On("UpdateWorkStatus", ctx, f.milestone.ID, models.MilestoneStatusInProgress, mock.AnythingOfType("*models.Milestone")).Return(nil)

	updated, err := f.svc.Submit(ctx, f.milestone.ID, f.freelancerID, "https://example.com/result", "Готово, принимайте")

	assert.NoError(t, err)
	assert.Equal(t, models.MilestoneStatusSubmitted, updated.Status)
	assert.NotNil(t, updated.Deliverables)
	assert.Equal(t, "Готово, принимайте", *updated.CompletionNotes)
	// Клиенту выдан токен приёмки и отправлена ссылка на неё.
	if assert.NotNil(t, updated.ReviewToken) {
		assert.Len(t, *updated.ReviewToken, 32)
	}
	if assert.Len(t, f.notifier.events, 1) {
		ev, ok := f.notifier.events[0].(MilestoneSubmittedEvent)
		assert.True(t, ok)
		assert.Contains(t, ev.ReviewURL, "/milestones/review/"+*updated.ReviewToken)
	}
}

func TestMilestoneService_Submit_RequiresDeliverables(t *testing.T) {
	f := newMilestoneFixture(models.MilestoneStatusInProgress)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, f.milestone.ID, f.freelancerID, "   ", "комментарий")
	assert.True(t, apperror.IsValidation(err))

	_, err = f.svc.Submit(ctx, f.milestone.ID, f.freelancerID, "результат", "")
	assert.True(t, apperror.IsValidation(err))

	f.milestoneRepo.AssertNotCalled(t, "UpdateWorkStatus")
}

func TestMilestoneService_Submit_FromPending(t *testing.T) {
	f := newMilestoneFixture(models.MilestoneStatusPending)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, f.milestone.ID, f.freelancerID, "результат", "комментарий")

	assert.True(t, apperror.IsInvalidTransition(err))
}

func TestMilestoneService_Approve_GeneratesInvoice(t *testing.T) {
	f := newMilestoneFixture(models.MilestoneStatusSubmitted)
	ctx := context.Background()

	invoice := &models.Invoice{ID: uuid.New(), Status: models.InvoiceStatusPending}
	f.milestoneRepo.On("UpdateWorkStatus", ctx, f.milestone.ID, models.MilestoneStatusSubmitted, mock.AnythingOfType("*models.Milestone")).Return(nil)
	f.invoiceGen.On("GenerateForMilestone", ctx, f.milestone.ID, false).Return(invoice, nil)

	updated, gotInvoice, err := f.svc.Approve(ctx, f.milestone.ID, f.reviewToken, "отличная работа")

	assert.NoError(t, err)
	assert.Equal(t, models.MilestoneStatusApproved, updated.Status)
	assert.NotNil(t, updated.ApprovedAt)
	// Токен приёмки гасится при использовании.
	assert.Nil(t, updated.ReviewToken)
	assert.Equal(t, "отличная работа", *updated.ApprovalFeedback)
	assert.Equal(t, invoice, gotInvoice)
	if assert.Len(t, f.notifier.events, 1) {
		ev, ok := f.notifier.events[0].(MilestoneApprovedEvent)
		assert.True(t, ok)
		assert.Equal(t, "отличная работа", ev.Feedback)
	}
}

func TestMilestoneService_Approve_InvoiceFailureDoesNotRollback(t *testing.T) {
	f := newMilestoneFixture(models.MilestoneStatusSubmitted)
	ctx := context.Background()

	f.milestoneRepo.On("UpdateWorkStatus", ctx, f.milestone.ID, models.MilestoneStatusSubmitted, mock.AnythingOfType("*models.Milestone")).Return(nil)
	f.invoiceGen.On("GenerateForMilestone", ctx, f.milestone.ID, false).Return(nil, errors.New("db down"))

	updated, invoice, err := f.svc.Approve(ctx, f.milestone.ID, f.reviewToken, "")

	assert.NoError(t, err)
	assert.Equal(t, models.MilestoneStatusApproved, updated.Status)
	assert.Nil(t, invoice)
	assert.Len(t, f.notifier.events, 1)
}

func TestMilestoneService_Approve_ConcurrentChange(t *testing.T) {
	f := newMilestoneFixture(models.MilestoneStatusSubmitted)
	ctx := context.Background()

	f.milestoneRepo.On("UpdateWorkStatus", ctx, f.milestone.ID, models.MilestoneStatusSubmitted, mock.AnythingOfType("*models.Milestone")).Return(repository.ErrStaleStatus)

	_, _, err := f.svc.Approve(ctx, f.milestone.ID, f.reviewToken, "")

	appErr, ok := apperror.AsAppError(err)
	assert.True(t, ok)
	assert.Equal(t, apperror.ErrCodeConflict, appErr.Code)
	f.invoiceGen.AssertNotCalled(t, "GenerateForMilestone")
}

func TestMilestoneService_Approve_WrongToken(t *testing.T) {
	f := newMilestoneFixture(models.MilestoneStatusSubmitted)
	ctx := context.Background()

	// Знания UUID этапа недостаточно: фрилансер видит его в договоре,
	// но принять собственный этап без токена клиента не может.
	_, _, err := f.svc.Approve(ctx, f.milestone.ID, "", "")
	assert.ErrorIs(t, err, apperror.ErrTokenInvalid)

	_, _, err = f.svc.Approve(ctx, f.milestone.ID, "0000000000000000000000000000dead", "")
	assert.ErrorIs(t, err, apperror.ErrTokenInvalid)

	f.milestoneRepo.AssertNotCalled(t, "UpdateWorkStatus")
	f.invoiceGen.AssertNotCalled(t, "GenerateForMilestone")
}

func TestMilestoneService_RequestChanges_ReturnsToInProgress(t *testing.T) {
	f := newMilestoneFixture(models.MilestoneStatusSubmitted)
	ctx := context.Background()

	var written *models.Milestone
	f.milestoneRepo.On("UpdateWorkStatus", ctx, f.milestone.ID, models.MilestoneStatusSubmitted, mock.AnythingOfType("*models.Milestone")).
		Run(func(args mock.Arguments) {
			written = args.Get(3).(*models.Milestone)
		}).Return(nil)

	updated, err := f.svc.RequestChanges(ctx, f.milestone.ID, f.reviewToken, "поправьте шапку")

	assert.NoError(t, err)
	// changes_requested — мгновенное состояние: в хранилище пишется
	// сразу in_progress.
	assert.Equal(t, models.MilestoneStatusInProgress, updated.Status)
	if assert.NotNil(t, written) {
		assert.Equal(t, models.MilestoneStatusInProgress, written.Status)
	}
	assert.Equal(t, "поправьте шапку", *updated.ChangesRequested)
	if assert.Len(t, f.notifier.events, 1) {
		_, ok := f.notifier.events[0].(MilestoneChangesRequestedEvent)
		assert.True(t, ok)
	}
}

func TestMilestoneService_RequestChanges_RequiresDescription(t *testing.T) {
	f := newMilestoneFixture(models.MilestoneStatusSubmitted)

	_, err := f.svc.RequestChanges(context.Background(), f.milestone.ID, f.reviewToken, "  ")

	assert.True(t, apperror.IsValidation(err))
}

func TestMilestoneService_RequestChanges_NoActiveReview(t *testing.T) {
	f := newMilestoneFixture(models.MilestoneStatusPending)

	// У этапа вне приёмки токена нет, так что запросить правки нельзя.
	_, err := f.svc.RequestChanges(context.Background(), f.milestone.ID, "токен-из-старого-письма", "правки")

	assert.ErrorIs(t, err, apperror.ErrTokenInvalid)
}

func TestMilestoneService_AttachDeliverable_OnlyInProgress(t *testing.T) {
	f := newMilestoneFixture(models.MilestoneStatusPending)
	ctx := context.Background()

	err := f.svc.AttachDeliverable(ctx, f.milestone.ID, f.freelancerID, &models.MilestoneAttachment{
		FileName: "result.zip",
	})

	assert.True(t, apperror.IsValidation(err))
	f.milestoneRepo.AssertNotCalled(t, "AddAttachment")
}

func TestMilestoneService_AttachDeliverable_Success(t *testing.T) {
	f := newMilestoneFixture(models.MilestoneStatusInProgress)
	ctx := context.Background()

	attachment := &models.MilestoneAttachment{FileName: "result.zip", MimeType: "application/zip"}
	f.milestoneRepo.On("AddAttachment", ctx, attachment).Return(nil)

	err := f.svc.AttachDeliverable(ctx, f.milestone.ID, f.freelancerID, attachment)

	assert.NoError(t, err)
	assert.Equal(t, f.milestone.ID, attachment.MilestoneID)
}

func TestMilestoneService_Get_NotFound(t *testing.T) {
	milestoneRepo := new(mockMilestoneRepo)
	svc := NewMilestoneService(milestoneRepo, new(mockContractRepo), new(mockInvoiceGenerator), &fakeNotifier{}, "https://app.hedwig.test")
	ctx := context.Background()

	id := uuid.New()
	milestoneRepo.On("GetByID", ctx, id).Return(nil, repository.ErrMilestoneNotFound)

	_, err := svc.Get(ctx, id)

	assert.ErrorIs(t, err, apperror.ErrMilestoneNotFound)
}

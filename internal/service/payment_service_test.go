package service

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/hedwigapp/hedwig-backend/internal/models"
	"github.com/hedwigapp/hedwig-backend/internal/pkg/apperror"
	"github.com/hedwigapp/hedwig-backend/internal/repository"
)

type mockCompletionChecker struct {
	mock.Mock
}

func (m *mockCompletionChecker) CheckCompletion(ctx context.Context, contractID uuid.UUID) (bool, error) {
	args := m.Called(ctx, contractID)
	return args.Bool(0), args.Error(1)
}

type paymentFixture struct {
	milestoneRepo *mockMilestoneRepo
	contractRepo  *mockContractRepo
	invoiceRepo   *mockInvoiceRepo
	completion    *mockCompletionChecker
	notifier      *fakeNotifier
	svc           *PaymentService

	contract  *models.Contract
	milestone *models.Milestone
	invoice   *models.Invoice
}

func newPaymentFixture(workStatus, paymentStatus string) *paymentFixture {
	f := &paymentFixture{
		milestoneRepo: new(mockMilestoneRepo),
		contractRepo:  new(mockContractRepo),
		invoiceRepo:   new(mockInvoiceRepo),
		completion:    new(mockCompletionChecker),
		notifier:      &fakeNotifier{},
	}
	f.svc = NewPaymentService(f.milestoneRepo, f.contractRepo, f.invoiceRepo, f.completion, f.notifier, "https://pay.hedwig.test/invoices")

	f.contract = &models.Contract{
		ID:           uuid.New(),
		FreelancerID: uuid.New(),
		ClientEmail:  "client@example.com",
		Status:       models.ContractStatusApproved,
		TotalAmount:  500,
	}
	f.milestone = &models.Milestone{
		ID:            uuid.New(),
		ContractID:    f.contract.ID,
		Title:         "Этап",
		Amount:        250,
		Status:        workStatus,
		PaymentStatus: paymentStatus,
	}
	f.invoice = &models.Invoice{
		ID:          uuid.New(),
		ContractID:  &f.contract.ID,
		MilestoneID: &f.milestone.ID,
		Amount:      250,
		Status:      models.InvoiceStatusSent,
	}

	f.milestoneRepo.On("GetByID", mock.Anything, f.milestone.ID).Return(f.milestone, nil)
	f.contractRepo.On("GetByID", mock.Anything, f.contract.ID).Return(f.contract, nil)
	return f
}

// allowMirror разрешает вторичные записи по счёту, не проверяя их состав.
func (f *paymentFixture) allowMirror() {
	f.invoiceRepo.On("GetActiveByMilestone", mock.Anything, f.milestone.ID).Return(f.invoice, nil)
	f.invoiceRepo.On("GetByID", mock.Anything, f.invoice.ID).Return(f.invoice, nil)
	f.invoiceRepo.On("MarkPaid", mock.Anything, f.invoice.ID, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.invoiceRepo.On("UpdateStatus", mock.Anything, f.invoice.ID, mock.Anything).Return(nil)
	f.invoiceRepo.On("ClearPayment", mock.Anything, f.invoice.ID, mock.Anything).Return(nil)
}

func strPtr(s string) *string { return &s }

func floatPtr(v float64) *float64 { return &v }

func boolPtr(v bool) *bool { return &v }

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }

func TestPaymentService_Paid_Success(t *testing.T) {
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusProcessing)
	ctx := context.Background()
	f.allowMirror()

	f.milestoneRepo.On("UpdatePaymentStatus", ctx, f.milestone.ID, models.PaymentStatusProcessing, mock.AnythingOfType("*models.Milestone")).Return(nil)
	f.contractRepo.On("AddAmountPaid", ctx, f.contract.ID, 250.0).Return(nil)
	f.completion.On("CheckCompletion", ctx, f.contract.ID).Return(false, nil)

	result, err := f.svc.UpdatePaymentStatus(ctx, f.milestone.ID, models.PaymentStatusPaid, PaymentOptions{
		TransactionHash: strPtr("0xdeadbeef"),
		PaymentAmount:   floatPtr(250.0),
	})

	assert.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, result.Milestone.PaymentStatus)
	assert.Equal(t, "0xdeadbeef", *result.Milestone.TransactionHash)
	assert.NotNil(t, result.Milestone.PaidAt)
	assert.False(t, result.RollbackPerformed)

	f.invoiceRepo.AssertCalled(t, "MarkPaid", ctx, f.invoice.ID, "0xdeadbeef", 250.0, mock.Anything)
	f.contractRepo.AssertCalled(t, "AddAmountPaid", ctx, f.contract.ID, 250.0)
	f.completion.AssertCalled(t, "CheckCompletion", ctx, f.contract.ID)
	if assert.Len(t, f.notifier.events, 1) {
		ev, ok := f.notifier.events[0].(PaymentReceivedEvent)
		assert.True(t, ok)
		assert.Equal(t, 250.0, ev.Amount)
	}
}

func TestPaymentService_Paid_AmountMismatchRejected(t *testing.T) {
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusProcessing)
	ctx := context.Background()

	// Сумма платежа сверяется с суммой этапа, иначе произвольное число
	// из запроса уехало бы в amount_paid договора.
	_, err := f.svc.UpdatePaymentStatus(ctx, f.milestone.ID, models.PaymentStatusPaid, PaymentOptions{
		TransactionHash: strPtr("0xdeadbeef"),
		PaymentAmount:   floatPtr(10000.0),
	})

	assert.True(t, apperror.IsValidation(err))
	f.milestoneRepo.AssertNotCalled(t, "UpdatePaymentStatus")
	f.contractRepo.AssertNotCalled(t, "AddAmountPaid")
	f.invoiceRepo.AssertNotCalled(t, "MarkPaid")
}

func TestPaymentService_Paid_RequiresTransactionHash(t *testing.T) {
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusProcessing)
	ctx := context.Background()

	_, err := f.svc.UpdatePaymentStatus(ctx, f.milestone.ID, models.PaymentStatusPaid, PaymentOptions{})

	assert.True(t, apperror.IsValidation(err))
	f.milestoneRepo.AssertNotCalled(t, "UpdatePaymentStatus")
}

func TestPaymentService_Paid_RequiresApprovedWork(t *testing.T) {
	f := newPaymentFixture(models.MilestoneStatusInProgress, models.PaymentStatusProcessing)
	ctx := context.Background()

	_, err := f.svc.UpdatePaymentStatus(ctx, f.milestone.ID, models.PaymentStatusPaid, PaymentOptions{
		TransactionHash: strPtr("0xdeadbeef"),
	})

	assert.True(t, apperror.IsInvalidTransition(err))
	f.milestoneRepo.AssertNotCalled(t, "UpdatePaymentStatus")
}

func TestPaymentService_InvalidTransition(t *testing.T) {
	// unpaid → failed в таблице переходов отсутствует.
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusUnpaid)
	ctx := context.Background()

	_, err := f.svc.UpdatePaymentStatus(ctx, f.milestone.ID, models.PaymentStatusFailed, PaymentOptions{})

	assert.True(t, apperror.IsInvalidTransition(err))
}

func TestPaymentService_DuplicatePaid_SameHashIgnored(t *testing.T) {
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusPaid)
	f.milestone.TransactionHash = strPtr("0xdeadbeef")
	ctx := context.Background()

	result, err := f.svc.UpdatePaymentStatus(ctx, f.milestone.ID, models.PaymentStatusPaid, PaymentOptions{
		TransactionHash: strPtr("0xdeadbeef"),
	})

	assert.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, result.Milestone.PaymentStatus)
	f.milestoneRepo.AssertNotCalled(t, "UpdatePaymentStatus")
	f.contractRepo.AssertNotCalled(t, "AddAmountPaid")
	assert.Empty(t, f.notifier.events)
}

func TestPaymentService_DuplicatePaid_DifferentHashConflict(t *testing.T) {
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusPaid)
	f.milestone.TransactionHash = strPtr("0xdeadbeef")
	ctx := context.Background()

	_, err := f.svc.UpdatePaymentStatus(ctx, f.milestone.ID, models.PaymentStatusPaid, PaymentOptions{
		TransactionHash: strPtr("0xc0ffee"),
	})

	appErr, ok := apperror.AsAppError(err)
	assert.True(t, ok)
	assert.Equal(t, apperror.ErrCodeConflict, appErr.Code)
}

func TestPaymentService_Failed_RollbackToUnpaid(t *testing.T) {
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusProcessing)
	ctx := context.Background()
	f.allowMirror()

	var written *models.Milestone
	f.milestoneRepo.On("UpdatePaymentStatus", ctx, f.milestone.ID, models.PaymentStatusProcessing, mock.AnythingOfType("*models.Milestone")).
		Run(func(args mock.Arguments) {
			written = args.Get(3).(*models.Milestone)
		}).Return(nil)

	result, err := f.svc.UpdatePaymentStatus(ctx, f.milestone.ID, models.PaymentStatusFailed, PaymentOptions{
		FailureReason: strPtr("card declined"),
	})

	assert.NoError(t, err)
	assert.True(t, result.RollbackPerformed)
	// Откат схлопывается в одну запись: failed в хранилище не задерживается.
	if assert.NotNil(t, written) {
		assert.Equal(t, models.PaymentStatusUnpaid, written.PaymentStatus)
	}
	assert.Nil(t, result.Milestone.TransactionHash)
	assert.Nil(t, result.Milestone.PaidAt)
	f.milestoneRepo.AssertNumberOfCalls(t, "UpdatePaymentStatus", 1)
	f.invoiceRepo.AssertCalled(t, "ClearPayment", ctx, f.invoice.ID, models.InvoiceStatusPending)
	f.contractRepo.AssertNotCalled(t, "AddAmountPaid")
	if assert.Len(t, f.notifier.events, 1) {
		ev, ok := f.notifier.events[0].(PaymentFailedEvent)
		assert.True(t, ok)
		assert.Equal(t, "card declined", ev.Reason)
	}
}

func TestPaymentService_Failed_WithoutRollback(t *testing.T) {
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusProcessing)
	ctx := context.Background()
	f.allowMirror()

	f.milestoneRepo.On("UpdatePaymentStatus", ctx, f.milestone.ID, models.PaymentStatusProcessing, mock.AnythingOfType("*models.Milestone")).Return(nil)

	result, err := f.svc.UpdatePaymentStatus(ctx, f.milestone.ID, models.PaymentStatusFailed, PaymentOptions{
		RollbackOnFailure: boolPtr(false),
	})

	assert.NoError(t, err)
	assert.False(t, result.RollbackPerformed)
	assert.Equal(t, models.PaymentStatusFailed, result.Milestone.PaymentStatus)
}

func TestPaymentService_RollbackPaidMilestone(t *testing.T) {
	// Явный откат paid → unpaid корректирует сумму выплат договора.
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusPaid)
	f.milestone.TransactionHash = strPtr("0xdeadbeef")
	f.milestone.PaidAmount = floatPtr(250.0)
	ctx := context.Background()
	f.allowMirror()

	f.milestoneRepo.On("UpdatePaymentStatus", ctx, f.milestone.ID, models.PaymentStatusPaid, mock.AnythingOfType("*models.Milestone")).Return(nil)
	f.contractRepo.On("AddAmountPaid", ctx, f.contract.ID, -250.0).Return(nil)

	result, err := f.svc.UpdatePaymentStatus(ctx, f.milestone.ID, models.PaymentStatusUnpaid, PaymentOptions{})

	assert.NoError(t, err)
	assert.Equal(t, models.PaymentStatusUnpaid, result.Milestone.PaymentStatus)
	assert.Nil(t, result.Milestone.TransactionHash)
	f.contractRepo.AssertCalled(t, "AddAmountPaid", ctx, f.contract.ID, -250.0)
}

func TestPaymentService_StaleStatusConflict(t *testing.T) {
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusUnpaid)
	ctx := context.Background()

	f.milestoneRepo.On("UpdatePaymentStatus", ctx, f.milestone.ID, models.PaymentStatusUnpaid, mock.AnythingOfType("*models.Milestone")).Return(repository.ErrStaleStatus)

	_, err := f.svc.UpdatePaymentStatus(ctx, f.milestone.ID, models.PaymentStatusProcessing, PaymentOptions{})

	appErr, ok := apperror.AsAppError(err)
	assert.True(t, ok)
	assert.Equal(t, apperror.ErrCodeConflict, appErr.Code)
}

func TestPaymentService_InitiatePayment(t *testing.T) {
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusUnpaid)
	ctx := context.Background()
	f.allowMirror()

	f.milestoneRepo.On("UpdatePaymentStatus", ctx, f.milestone.ID, models.PaymentStatusUnpaid, mock.AnythingOfType("*models.Milestone")).Return(nil)

	url, result, err := f.svc.InitiatePayment(ctx, f.invoice.ID)

	assert.NoError(t, err)
	assert.Equal(t, "https://pay.hedwig.test/invoices/"+f.invoice.ID.String(), url)
	assert.Equal(t, models.PaymentStatusProcessing, result.Milestone.PaymentStatus)
	f.invoiceRepo.AssertCalled(t, "UpdateStatus", ctx, f.invoice.ID, models.InvoiceStatusProcessing)
}

func TestPaymentService_InitiatePayment_SupersededInvoice(t *testing.T) {
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusUnpaid)
	ctx := context.Background()

	f.invoice.Superseded = true
	f.invoiceRepo.On("GetByID", ctx, f.invoice.ID).Return(f.invoice, nil)

	_, _, err := f.svc.InitiatePayment(ctx, f.invoice.ID)

	appErr, ok := apperror.AsAppError(err)
	assert.True(t, ok)
	assert.Equal(t, apperror.ErrCodeConflict, appErr.Code)
}

func TestPaymentService_Webhook_RequiresExactlyOneKey(t *testing.T) {
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusProcessing)
	ctx := context.Background()

	_, err := f.svc.ProcessWebhook(ctx, PaymentWebhook{Status: "completed"})
	assert.True(t, apperror.IsValidation(err))

	_, err = f.svc.ProcessWebhook(ctx, PaymentWebhook{
		Status:      "completed",
		InvoiceID:   uuidPtr(uuid.New()),
		MilestoneID: uuidPtr(f.milestone.ID),
	})
	assert.True(t, apperror.IsValidation(err))
}

func TestPaymentService_Webhook_UnhandledStatusAcknowledged(t *testing.T) {
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusProcessing)
	ctx := context.Background()

	result, err := f.svc.ProcessWebhook(ctx, PaymentWebhook{
		MilestoneID: uuidPtr(f.milestone.ID),
		Status:      "pending",
	})

	assert.NoError(t, err)
	assert.NotNil(t, result)
	f.milestoneRepo.AssertNotCalled(t, "GetByID")
}

func TestPaymentService_Webhook_AlreadyPaidAcknowledged(t *testing.T) {
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusPaid)
	ctx := context.Background()

	result, err := f.svc.ProcessWebhook(ctx, PaymentWebhook{
		MilestoneID:     uuidPtr(f.milestone.ID),
		Status:          "completed",
		TransactionHash: strPtr("0xother"),
	})

	assert.NoError(t, err)
	assert.Equal(t, f.milestone.ID, result.Milestone.ID)
	f.milestoneRepo.AssertNotCalled(t, "UpdatePaymentStatus")
}

func TestPaymentService_Webhook_SynthesizesTransactionHash(t *testing.T) {
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusProcessing)
	ctx := context.Background()
	f.allowMirror()

	f.milestoneRepo.On("UpdatePaymentStatus", ctx, f.milestone.ID, models.PaymentStatusProcessing, mock.AnythingOfType("*models.Milestone")).Return(nil)
	f.contractRepo.On("AddAmountPaid", ctx, f.contract.ID, mock.AnythingOfType("float64")).Return(nil)
	f.completion.On("CheckCompletion", ctx, f.contract.ID).Return(false, nil)

	result, err := f.svc.ProcessWebhook(ctx, PaymentWebhook{
		MilestoneID: uuidPtr(f.milestone.ID),
		Status:      "completed",
	})

	assert.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, result.Milestone.PaymentStatus)
	if assert.NotNil(t, result.Milestone.TransactionHash) {
		assert.True(t, strings.HasPrefix(*result.Milestone.TransactionHash, "webhook-"))
	}
}

func TestPaymentService_Webhook_ResolvesByInvoice(t *testing.T) {
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusProcessing)
	ctx := context.Background()
	f.allowMirror()

	f.milestoneRepo.On("UpdatePaymentStatus", ctx, f.milestone.ID, models.PaymentStatusProcessing, mock.AnythingOfType("*models.Milestone")).Return(nil)
	f.contractRepo.On("AddAmountPaid", ctx, f.contract.ID, mock.AnythingOfType("float64")).Return(nil)
	f.completion.On("CheckCompletion", ctx, f.contract.ID).Return(true, nil)

	result, err := f.svc.ProcessWebhook(ctx, PaymentWebhook{
		InvoiceID:       uuidPtr(f.invoice.ID),
		Status:          "completed",
		Amount:          floatPtr(250.0),
		TransactionHash: strPtr("0xdeadbeef"),
	})

	assert.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, result.Milestone.PaymentStatus)
	assert.Equal(t, "0xdeadbeef", *result.Milestone.TransactionHash)
}

func TestPaymentService_Webhook_MatchesProcessingMilestoneByContract(t *testing.T) {
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusProcessing)
	ctx := context.Background()
	f.allowMirror()

	other := models.Milestone{
		ID:            uuid.New(),
		ContractID:    f.contract.ID,
		Amount:        250,
		Status:        models.MilestoneStatusApproved,
		PaymentStatus: models.PaymentStatusUnpaid,
	}
	f.milestoneRepo.On("ListByContract", ctx, f.contract.ID).Return([]models.Milestone{other, *f.milestone}, nil)
	f.milestoneRepo.On("UpdatePaymentStatus", ctx, f.milestone.ID, models.PaymentStatusProcessing, mock.AnythingOfType("*models.Milestone")).Return(nil)
	f.contractRepo.On("AddAmountPaid", ctx, f.contract.ID, mock.AnythingOfType("float64")).Return(nil)
	f.completion.On("CheckCompletion", ctx, f.contract.ID).Return(false, nil)

	result, err := f.svc.ProcessWebhook(ctx, PaymentWebhook{
		ContractID:      &f.contract.ID,
		Status:          "completed",
		TransactionHash: strPtr("0xdeadbeef"),
	})

	assert.NoError(t, err)
	// Из двух кандидатов выбран этап в processing.
	assert.Equal(t, f.milestone.ID, result.Milestone.ID)
}

func TestPaymentService_Webhook_MatchesByAmountWhenNoProcessing(t *testing.T) {
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusUnpaid)
	ctx := context.Background()
	f.allowMirror()

	cheaper := models.Milestone{
		ID:            uuid.New(),
		ContractID:    f.contract.ID,
		Amount:        100,
		Status:        models.MilestoneStatusApproved,
		PaymentStatus: models.PaymentStatusUnpaid,
	}
	f.milestoneRepo.On("ListByContract", ctx, f.contract.ID).Return([]models.Milestone{cheaper, *f.milestone}, nil)
	f.milestoneRepo.On("UpdatePaymentStatus", ctx, f.milestone.ID, models.PaymentStatusUnpaid, mock.AnythingOfType("*models.Milestone")).Return(nil)
	f.contractRepo.On("AddAmountPaid", ctx, f.contract.ID, mock.AnythingOfType("float64")).Return(nil)
	f.completion.On("CheckCompletion", ctx, f.contract.ID).Return(false, nil)

	result, err := f.svc.ProcessWebhook(ctx, PaymentWebhook{
		ContractID:      &f.contract.ID,
		Status:          "completed",
		Amount:          floatPtr(250.0),
		TransactionHash: strPtr("0xdeadbeef"),
	})

	assert.NoError(t, err)
	assert.Equal(t, f.milestone.ID, result.Milestone.ID)
}

func TestPaymentService_Webhook_UnmatchedAcknowledged(t *testing.T) {
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusUnpaid)
	ctx := context.Background()

	f.milestoneRepo.On("ListByContract", ctx, f.contract.ID).Return([]models.Milestone{*f.milestone}, nil)

	result, err := f.svc.ProcessWebhook(ctx, PaymentWebhook{
		ContractID: &f.contract.ID,
		Status:     "completed",
		Amount:     floatPtr(9999.0),
	})

	assert.NoError(t, err)
	assert.NotNil(t, result)
	assert.Nil(t, result.Milestone)
	f.milestoneRepo.AssertNotCalled(t, "UpdatePaymentStatus")
}

func TestPaymentService_Webhook_FailedAcknowledgedWithoutChanges(t *testing.T) {
	f := newPaymentFixture(models.MilestoneStatusApproved, models.PaymentStatusProcessing)
	ctx := context.Background()

	// Вебхук двигает платёж только вперёд; неуспех провайдера фиксируется
	// отдельным вызовом смены статуса, а не вебхуком.
	result, err := f.svc.ProcessWebhook(ctx, PaymentWebhook{
		MilestoneID: uuidPtr(f.milestone.ID),
		Status:      "failed",
	})

	assert.NoError(t, err)
	assert.Nil(t, result.Milestone)
	assert.False(t, result.RollbackPerformed)
	f.milestoneRepo.AssertNotCalled(t, "GetByID")
	f.milestoneRepo.AssertNotCalled(t, "UpdatePaymentStatus")
	assert.Empty(t, f.notifier.events)
}

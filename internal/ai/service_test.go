package ai

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/candypixel/internal/credentials"
	"github.com/kiranshivaraju/candypixel/internal/gateway"
	"github.com/kiranshivaraju/candypixel/internal/store"
	"github.com/kiranshivaraju/candypixel/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Create ---

func TestCreate_TextPromptStartsGeneration(t *testing.T) {
	h := newHarness(t)
	var editCalls int
	h.provider.SubmitEditFunc = func(context.Context, string, string, []string) (string, error) {
		editCalls++
		return "edit-task", nil
	}

	job, err := h.svc.Create(context.Background(), CreateParams{
		OwnerID: "user-1",
		Kind:    models.JobKindCreation,
		Prompt:  "a pixel cat",
		Cost:    2,
	})
	require.NoError(t, err)

	assert.Regexp(t, `^P\d{14}[0-9A-F]{6}$`, job.ID)
	assert.Equal(t, models.JobStatusProcessing, job.Status)
	assert.Equal(t, "task-1", job.Meta.TaskID)
	assert.Equal(t, "modelscope", job.Meta.Provider)
	assert.Equal(t, 1, job.Meta.AttemptCount)
	assert.Equal(t, 0, job.Meta.RetryCount)
	assert.Nil(t, job.Meta.RetryLock)
	assert.Zero(t, editCalls)

	_, err = h.pool.Resolve(job.Meta.CredentialID)
	require.NoError(t, err)
	assert.Contains(t, []string{h.pool.All()[0].ID, h.pool.All()[1].ID}, job.Meta.CredentialID)

	stored := h.store.job(t, job.ID)
	assert.Equal(t, models.JobStatusProcessing, stored.Status)
	assert.Equal(t, []charge{{"user-1", 2, "AI Generation", job.ID}}, h.charger.all())
}

func TestCreate_InputsStartEdit(t *testing.T) {
	h := newHarness(t)
	var gotImages []string
	h.provider.SubmitEditFunc = func(_ context.Context, _, _ string, images []string) (string, error) {
		gotImages = images
		return "edit-task", nil
	}

	job, err := h.svc.Create(context.Background(), CreateParams{
		OwnerID: "user-1",
		Kind:    models.JobKindEditing,
		Prompt:  "make it night",
		Inputs:  []string{"https://cdn.example/in.png"},
		Cost:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, "edit-task", job.Meta.TaskID)
	assert.Equal(t, []string{"https://cdn.example/in.png"}, gotImages)
	assert.Equal(t, "AI Editing", h.charger.all()[0].Reason)
}

func TestCreate_InvalidRequests(t *testing.T) {
	tests := []struct {
		name   string
		params CreateParams
	}{
		{"missing owner", CreateParams{Kind: models.JobKindCreation, Prompt: "x"}},
		{"unknown kind", CreateParams{OwnerID: "u", Kind: "VIDEO", Prompt: "x"}},
		{"creation without prompt", CreateParams{OwnerID: "u", Kind: models.JobKindCreation, Prompt: "  "}},
		{"editing without inputs", CreateParams{OwnerID: "u", Kind: models.JobKindEditing, Prompt: "x"}},
		{"template without anything", CreateParams{OwnerID: "u", Kind: models.JobKindTemplate}},
		{"non-http input", CreateParams{OwnerID: "u", Kind: models.JobKindEditing, Inputs: []string{"file:///etc/passwd"}}},
		{"negative cost", CreateParams{OwnerID: "u", Kind: models.JobKindCreation, Prompt: "x", Cost: -1}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			job, err := h.svc.Create(context.Background(), tc.params)
			assert.Nil(t, job)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Zero(t, h.submits.Load())
			assert.Empty(t, h.store.jobs)
		})
	}
}

func TestCreate_EmptyPoolFailsFast(t *testing.T) {
	h := newHarness(t, withSecrets())

	job, err := h.svc.Create(context.Background(), CreateParams{
		OwnerID: "user-1", Kind: models.JobKindCreation, Prompt: "a cat",
	})
	assert.Nil(t, job)
	assert.ErrorIs(t, err, credentials.ErrNoCredentials)
	assert.Empty(t, h.store.jobs)
	assert.Zero(t, h.submits.Load())
}

func TestCreate_SubmissionFailureMarksJobFailed(t *testing.T) {
	h := newHarness(t)
	h.setSubmitFunc(func() error {
		return &models.ProviderStatusError{StatusCode: 400, Body: `{"errors":{"message":"prompt rejected"}}`}
	})

	job, err := h.svc.Create(context.Background(), CreateParams{
		OwnerID: "user-1", Kind: models.JobKindCreation, Prompt: "a cat", Cost: 1,
	})
	var se *SubmissionError
	require.ErrorAs(t, err, &se)
	require.NotNil(t, job)

	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "prompt rejected")
	assert.Equal(t, models.JobStatusFailed, h.store.job(t, job.ID).Status)
	assert.Empty(t, h.charger.all(), "failed submissions are never charged")
}

func TestCreate_BusyGatewayMarksJobFailed(t *testing.T) {
	h := newHarness(t, withCeiling(1))
	params := CreateParams{OwnerID: "user-1", Kind: models.JobKindCreation, Prompt: "a cat"}

	_, err := h.svc.Create(context.Background(), params)
	require.NoError(t, err)

	job, err := h.svc.Create(context.Background(), params)
	assert.ErrorIs(t, err, gateway.ErrBusy)
	require.NotNil(t, job)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, int32(1), h.submits.Load())
}

// The balance looked sufficient but the charge lost a race with another debit.
func TestCreate_ChargeFailureAfterSubmitMarksJobFailed(t *testing.T) {
	h := newHarness(t)
	h.charger.err = store.ErrInsufficientBalance

	job, err := h.svc.Create(context.Background(), CreateParams{
		OwnerID: "user-1", Kind: models.JobKindCreation, Prompt: "a cat", Cost: 5,
	})
	var pe *PaymentError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, store.ErrInsufficientBalance)

	require.NotNil(t, job)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "Payment Failed")
}

func TestCreate_InsufficientBalanceRejectedBeforeSubmit(t *testing.T) {
	tests := []struct {
		name    string
		balance int
		params  CreateParams
	}{
		{"creation", 4, CreateParams{Kind: models.JobKindCreation, Prompt: "a cat", Cost: 5}},
		{"editing", 0, CreateParams{Kind: models.JobKindEditing, Inputs: []string{"https://img/a.png"}, Cost: 1}},
		{"template", 2, CreateParams{Kind: models.JobKindTemplate, Prompt: "poster", Cost: 3}},
		{"template without price", 0, CreateParams{Kind: models.JobKindTemplate, Prompt: "poster"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.charger.setBalance(tt.balance)
			tt.params.OwnerID = "user-1"

			job, err := h.svc.Create(context.Background(), tt.params)
			assert.ErrorIs(t, err, store.ErrInsufficientBalance)
			assert.Nil(t, job)
			assert.Zero(t, h.submits.Load(), "no provider task for an owner who cannot pay")
			assert.Empty(t, h.store.jobs)
			assert.Empty(t, h.charger.all())
		})
	}
}

func TestCreate_ExactBalanceIsEnough(t *testing.T) {
	h := newHarness(t)
	h.charger.setBalance(5)

	job, err := h.svc.Create(context.Background(), CreateParams{
		OwnerID: "user-1", Kind: models.JobKindCreation, Prompt: "a cat", Cost: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, job.Status)
	assert.Equal(t, []charge{{"user-1", 5, "AI Generation", job.ID}}, h.charger.all())
}

func TestCreate_FreeJobSkipsBalanceCheck(t *testing.T) {
	h := newHarness(t)
	h.charger.setBalance(0)
	h.charger.balanceErr = errors.New("must not be read")

	job, err := h.svc.Create(context.Background(), CreateParams{
		OwnerID: "user-1", Kind: models.JobKindCreation, Prompt: "a cat",
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, job.Status)
}

func TestCreate_BalanceLookupErrorRejected(t *testing.T) {
	h := newHarness(t)
	h.charger.balanceErr = errors.New("db down")

	_, err := h.svc.Create(context.Background(), CreateParams{
		OwnerID: "user-1", Kind: models.JobKindCreation, Prompt: "a cat", Cost: 1,
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrInsufficientBalance)
	assert.Zero(t, h.submits.Load())
}

func TestCreate_DailyLimit(t *testing.T) {
	h := newHarness(t, withDailyLimit(2))
	params := CreateParams{OwnerID: "user-1", Kind: models.JobKindCreation, Prompt: "a cat", Cost: 1}

	// Jobs from yesterday and from other owners do not count.
	h.processingJob(func(j *models.Job) {
		j.ID = "P20250228235959AAAAAA"
		j.CreatedAt = t0.Add(-10*time.Hour - time.Second)
	})
	h.processingJob(func(j *models.Job) {
		j.ID = "P20250301090000BBBBBB"
		j.OwnerID = "user-2"
	})

	for i := 0; i < 2; i++ {
		_, err := h.svc.Create(context.Background(), params)
		require.NoError(t, err)
	}

	job, err := h.svc.Create(context.Background(), params)
	assert.ErrorIs(t, err, ErrDailyLimitReached)
	assert.Contains(t, err.Error(), "(2/2)")
	assert.Nil(t, job)
	assert.Equal(t, int32(2), h.submits.Load())

	// The quota resets at midnight.
	h.clock.Set(time.Date(2025, 3, 2, 0, 0, 1, 0, time.UTC))
	_, err = h.svc.Create(context.Background(), params)
	require.NoError(t, err)
}

func TestCreate_DailyLimitCountError(t *testing.T) {
	h := newHarness(t, withDailyLimit(5))
	h.store.countErr = errors.New("db down")

	_, err := h.svc.Create(context.Background(), CreateParams{
		OwnerID: "user-1", Kind: models.JobKindCreation, Prompt: "a cat",
	})
	require.Error(t, err)
	assert.Zero(t, h.submits.Load())
}

func TestCreate_TemplateChargeIsDeferred(t *testing.T) {
	h := newHarness(t)

	job, err := h.svc.Create(context.Background(), CreateParams{
		OwnerID: "user-1", Kind: models.JobKindTemplate, Prompt: "retro poster", Cost: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, job.Status)
	assert.Empty(t, h.charger.all())
}

// --- Refresh ---

func TestRefresh_PendingDoesNotWrite(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(nil)

	got, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Zero(t, h.store.updateCount())
	assert.Equal(t, int32(1), h.statusGs.Load())
}

func TestRefresh_SuccessCleansArtifacts(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(nil)
	h.setStatus("task-0", &models.ProviderTaskStatus{
		TaskStatus:   "SUCCEED",
		OutputImages: []string{" `https://cdn.example/a.png` ", "  "},
	})

	got, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, got.Status)
	assert.Equal(t, []string{"https://cdn.example/a.png"}, got.ResultArtifacts)
	assert.Equal(t, 0, got.Meta.RetryCount)
	assert.Equal(t, got.ResultArtifacts, h.store.job(t, job.ID).ResultArtifacts)
}

func TestCreateThenRefresh_FirstTrySuccessKeepsRetryCountZero(t *testing.T) {
	h := newHarness(t)
	h.setStatus("task-1", &models.ProviderTaskStatus{
		TaskStatus: "SUCCEEDED",
		Output:     &models.ProviderOutput{Results: []models.ProviderOutputResult{{Image: "https://cdn.example/r.png"}}},
	})

	job, err := h.svc.Create(context.Background(), CreateParams{
		OwnerID: "user-1", Kind: models.JobKindCreation, Prompt: "a cat",
	})
	require.NoError(t, err)

	got, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, got.Status)
	assert.Equal(t, 1, got.Meta.AttemptCount)
	assert.Equal(t, 0, got.Meta.RetryCount)
	assert.Equal(t, []string{"https://cdn.example/r.png"}, got.ResultArtifacts)
}

func TestRefresh_TimeoutWinsOverProviderSuccess(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(nil)
	h.setStatus("task-0", &models.ProviderTaskStatus{TaskStatus: "SUCCEED", OutputImages: []string{"https://cdn.example/a.png"}})
	h.clock.Set(t0.Add(301 * time.Second))

	got, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "Task Timed Out (System Protection)", *got.ErrorMessage)
	assert.Zero(t, h.statusGs.Load(), "provider must not be polled once the job timed out")
}

func TestRefresh_JustBeforeTimeoutStillPolls(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(nil)
	h.clock.Set(t0.Add(300 * time.Second))

	got, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, int32(1), h.statusGs.Load())
}

func TestRefresh_MissingTaskIDFails(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(func(j *models.Job) { j.Meta.TaskID = "" })

	got, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "missing provider task id", *got.ErrorMessage)
}

func TestRefresh_NoCredentialForStatusCheck(t *testing.T) {
	h := newHarness(t, withSecrets())
	job := h.processingJob(func(j *models.Job) { j.Meta.CredentialID = "deadbeef" })

	got, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "No API Key available for status check", *got.ErrorMessage)
}

func TestRefresh_ForeignOwnerForbidden(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(nil)

	_, err := h.svc.Refresh(context.Background(), "user-2", job.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Zero(t, h.statusGs.Load())
}

func TestRefresh_UnknownJob(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Refresh(context.Background(), "user-1", "P00000000000000000000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRefresh_TerminalJobServedFromSnapshot(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(nil)
	h.setStatus("task-0", &models.ProviderTaskStatus{TaskStatus: "SUCCEED", OutputImages: []string{"https://cdn.example/a.png"}})

	_, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)

	h.store.mu.Lock()
	h.store.getErr = errors.New("database unavailable")
	h.store.mu.Unlock()

	got, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, got.Status)
	assert.Equal(t, int32(1), h.statusGs.Load())

	_, err = h.svc.Refresh(context.Background(), "user-2", job.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRefresh_TemplateChargedOnSuccess(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(func(j *models.Job) {
		j.Kind = models.JobKindTemplate
		j.Cost = 0
	})
	h.setStatus("task-0", &models.ProviderTaskStatus{TaskStatus: "SUCCEED", OutputImages: []string{"https://cdn.example/a.png"}})

	got, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, got.Status)
	assert.Equal(t, []charge{{"user-1", 1, "Template Application", job.ID}}, h.charger.all())
}

func TestRefresh_TemplateChargeFailureFailsJob(t *testing.T) {
	h := newHarness(t)
	h.charger.err = store.ErrInsufficientBalance
	job := h.processingJob(func(j *models.Job) { j.Kind = models.JobKindTemplate })
	h.setStatus("task-0", &models.ProviderTaskStatus{TaskStatus: "SUCCEED", OutputImages: []string{"https://cdn.example/a.png"}})

	got, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "Payment Failed: "+store.ErrInsufficientBalance.Error(), *got.ErrorMessage)
	assert.Empty(t, got.ResultArtifacts)
}

// --- retries ---

func TestRetry_ProviderFailureResubmits(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(nil)
	h.setStatus("task-0", failed("content moderation"))

	got, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, "task-1", got.Meta.TaskID)
	assert.Equal(t, 2, got.Meta.AttemptCount)
	assert.Equal(t, 1, got.Meta.RetryCount)
	assert.Equal(t, "content moderation", got.Meta.LastError)
	assert.Nil(t, got.Meta.RetryLock)
	assert.NotEmpty(t, got.Meta.CredentialID)
	assert.Equal(t, int32(1), h.submits.Load())

	stored := h.store.job(t, job.ID)
	assert.Equal(t, "task-1", stored.Meta.TaskID)
	assert.Equal(t, int64(3), stored.Version, "lock write plus resubmission write")
}

func TestRetry_TaskNotFoundResubmits(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(nil)
	h.setStatusFunc(func(taskID string) (*models.ProviderTaskStatus, error) {
		if taskID == "task-0" {
			return nil, &models.ProviderStatusError{StatusCode: 404}
		}
		return &models.ProviderTaskStatus{TaskStatus: "RUNNING"}, nil
	})

	got, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, "task-1", got.Meta.TaskID)
	assert.Equal(t, "Task Not Found", got.Meta.LastError)
}

func TestRetry_MaxAttemptsExhausted(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(func(j *models.Job) { j.Meta.AttemptCount = 3 })
	h.setStatus("task-0", failed("content moderation"))

	got, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "content moderation (attempted 3 times)", *got.ErrorMessage)
	assert.Zero(t, h.submits.Load())
}

func TestRetry_EmptyDetailUsesDefault(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(func(j *models.Job) { j.Meta.AttemptCount = 3 })
	h.setStatus("task-0", &models.ProviderTaskStatus{TaskStatus: "FAILED"})

	got, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, "AI Generation Failed (attempted 3 times)", *got.ErrorMessage)
}

func TestRetry_NothingToResubmitFailsImmediately(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(func(j *models.Job) {
		j.Prompt = ""
		j.Inputs = nil
	})
	h.setStatus("task-0", failed("upstream error"))

	got, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "upstream error (attempted 1 times)", *got.ErrorMessage)
	assert.Zero(t, h.submits.Load())
}

func TestRetry_ActiveLockIsAdvisory(t *testing.T) {
	h := newHarness(t)
	lock := t0
	job := h.processingJob(func(j *models.Job) { j.Meta.RetryLock = &lock })
	h.setStatus("task-0", failed("content moderation"))

	h.clock.Set(t0.Add(10 * time.Second))
	got, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, "task-0", got.Meta.TaskID)
	assert.Zero(t, h.submits.Load())
	assert.Zero(t, h.store.updateCount())

	h.clock.Set(t0.Add(31 * time.Second))
	got, err = h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, "task-1", got.Meta.TaskID)
	assert.Equal(t, 2, got.Meta.AttemptCount)
	assert.Equal(t, int32(1), h.submits.Load())
}

func TestRetry_ResubmissionFailureExhausts(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(nil)
	h.setStatus("task-0", failed("content moderation"))
	h.setSubmitFunc(func() error { return errors.New("connection reset") })

	got, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "content moderation (attempted 1 times)", *got.ErrorMessage)
	assert.Contains(t, got.Meta.LastError, "connection reset")
	assert.Nil(t, got.Meta.RetryLock)
}

func TestRetry_AttemptsNeverExceedMax(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(nil)
	h.setStatusFunc(func(taskID string) (*models.ProviderTaskStatus, error) {
		return failed("boom " + taskID), nil
	})

	var got *models.Job
	for i := 0; i < 6; i++ {
		var err error
		got, err = h.svc.Refresh(context.Background(), "user-1", job.ID)
		require.NoError(t, err)
		assert.LessOrEqual(t, got.Meta.AttemptCount, 3)
		if got.IsTerminal() {
			break
		}
	}

	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, 3, got.Meta.AttemptCount)
	assert.Equal(t, 2, got.Meta.RetryCount)
	assert.Equal(t, "boom task-2 (attempted 3 times)", *got.ErrorMessage)
	assert.Equal(t, int32(2), h.submits.Load())
}

func TestRetry_ConcurrentPollersResubmitOnce(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(nil)
	h.setStatusFunc(func(taskID string) (*models.ProviderTaskStatus, error) {
		if taskID == "task-0" {
			return failed("content moderation"), nil
		}
		return &models.ProviderTaskStatus{TaskStatus: "RUNNING"}, nil
	})
	h.setSubmitFunc(func() error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})

	const pollers = 20
	var (
		wg   sync.WaitGroup
		errs = make(chan error, pollers)
	)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
			if err != nil {
				errs <- err
				return
			}
			if got.Status != models.JobStatusProcessing {
				errs <- fmt.Errorf("unexpected status %s", got.Status)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, int32(1), h.submits.Load())

	stored := h.store.job(t, job.ID)
	assert.Equal(t, "task-1", stored.Meta.TaskID)
	assert.Equal(t, 2, stored.Meta.AttemptCount)
	assert.Equal(t, 1, stored.Meta.RetryCount)
	assert.Nil(t, stored.Meta.RetryLock)
}

func TestRetry_CreatedAtTimeoutNotResetByRetries(t *testing.T) {
	h := newHarness(t)
	job := h.processingJob(nil)
	h.setStatus("task-0", failed("content moderation"))

	_, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)

	h.clock.Set(t0.Add(6 * time.Minute))
	got, err := h.svc.Refresh(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "Task Timed Out (System Protection)", *got.ErrorMessage)
}

func TestNewJobID(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	id := newJobID(at)
	assert.Regexp(t, `^P20250102030405[0-9A-F]{6}$`, id)
	assert.NotEqual(t, id, newJobID(at))
}

func TestLockActive(t *testing.T) {
	ttl := 30 * time.Second
	assert.False(t, lockActive(nil, t0, ttl))
	assert.True(t, lockActive(&t0, t0.Add(29*time.Second), ttl))
	assert.False(t, lockActive(&t0, t0.Add(30*time.Second), ttl))
}

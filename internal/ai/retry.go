package ai

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/candypixel/pkg/models"
)

const defaultFailureDetail = "AI Generation Failed"

// retryCoordinator resubmits a failed job at most once per attempt slot, however many
// callers poll it concurrently. The retry lock and the job version together serialize it.
type retryCoordinator struct {
	svc *Service
}

// handle is called with a PROCESSING job whose provider task reported failure.
func (r *retryCoordinator) handle(ctx context.Context, job *models.Job, detail string) (*models.Job, error) {
	s := r.svc
	now := s.now()
	log := slog.With("job_id", job.ID, "task_id", job.Meta.TaskID, "attempt", job.Meta.AttemptCount)

	if lockActive(job.Meta.RetryLock, now, s.cfg.RetryLockTTL) {
		log.Info("retry already in progress")
		return job, nil
	}

	if !r.eligible(job) {
		log.Info("job not eligible for retry", "detail", detail)
		return r.exhaust(ctx, job, detail)
	}

	fresh, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		log.Warn("refreshing job before retry", "error", err)
		return job, nil
	}
	if fresh.Status != models.JobStatusProcessing || fresh.Meta.TaskID != job.Meta.TaskID {
		// Another caller already settled this attempt.
		return fresh, nil
	}
	if lockActive(fresh.Meta.RetryLock, now, s.cfg.RetryLockTTL) {
		log.Info("retry lock taken by another caller")
		return fresh, nil
	}

	locked := fresh.Clone()
	locked.Meta.RetryLock = &now
	if err := s.store.UpdateJob(ctx, locked, fresh.Version); err != nil {
		log.Info("lost retry lock race", "error", err)
		return fresh, nil
	}

	// Retries draw a new random credential instead of reusing the one recorded on the job.
	cred, err := s.pool.Pick()
	if err != nil {
		log.Error("no credential for retry", "error", err)
		locked.Meta.LastError = err.Error()
		return r.exhaust(ctx, locked, detail)
	}

	taskID, err := s.submitter.Submit(ctx, cred, locked.Prompt, locked.Inputs)
	if err != nil {
		log.Warn("retry submission failed", "credential_id", cred.ID, "error", err)
		locked.Meta.LastError = err.Error()
		return r.exhaust(ctx, locked, detail)
	}

	next, err := s.transition(ctx, locked, func(j *models.Job) {
		j.Status = models.JobStatusProcessing
		j.Meta.TaskID = taskID
		j.Meta.CredentialID = cred.ID
		j.Meta.RetryCount = j.Meta.AttemptCount
		j.Meta.AttemptCount++
		j.Meta.LastError = detail
		j.Meta.RetryLock = nil
	})
	if err == nil {
		log.Info("job resubmitted", "new_task_id", taskID, "credential_id", cred.ID)
	}
	return next, err
}

func (r *retryCoordinator) eligible(job *models.Job) bool {
	if job.Meta.AttemptCount >= r.svc.cfg.MaxAttempts {
		return false
	}
	return len(job.Inputs) > 0 || job.Prompt != ""
}

// exhaust moves the job to FAILED with the attempt count appended to the detail.
func (r *retryCoordinator) exhaust(ctx context.Context, job *models.Job, detail string) (*models.Job, error) {
	if detail == "" {
		detail = defaultFailureDetail
	}
	attempts := max(job.Meta.AttemptCount, 1)
	msg := fmt.Sprintf("%s (attempted %d times)", detail, attempts)

	return r.svc.transition(ctx, job, func(j *models.Job) {
		j.Status = models.JobStatusFailed
		j.ErrorMessage = &msg
		j.Meta.RetryLock = nil
	})
}

// lockActive reports whether a retry lock taken at lock is still younger than ttl.
func lockActive(lock *time.Time, now time.Time, ttl time.Duration) bool {
	return lock != nil && now.Sub(*lock) < ttl
}

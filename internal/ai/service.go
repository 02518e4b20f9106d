package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/candypixel/internal/cache"
	"github.com/kiranshivaraju/candypixel/internal/credentials"
	"github.com/kiranshivaraju/candypixel/internal/gateway"
	"github.com/kiranshivaraju/candypixel/internal/store"
	"github.com/kiranshivaraju/candypixel/pkg/models"
)

// snapshotTTL is how long a terminal job is served from cache.
const snapshotTTL = 30 * time.Minute

// JobStore is the persistence the service needs. UpdateJob must fail with
// store.ErrConflict when the stored version differs from expectedVersion.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job, expectedVersion int64) error
	CountJobsSince(ctx context.Context, ownerID string, since time.Time) (int, error)
}

// Config bounds job processing.
type Config struct {
	MaxAttempts       int
	ProcessingTimeout time.Duration
	RetryLockTTL      time.Duration
	SubmitTimeout     time.Duration
	StatusTimeout     time.Duration
	// DailyLimit caps the jobs an owner may create per calendar day. Zero disables it.
	DailyLimit int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 300 * time.Second
	}
	if c.RetryLockTTL <= 0 {
		c.RetryLockTTL = 30 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 30 * time.Second
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = 15 * time.Second
	}
	return c
}

// CreateParams describes a new generation or editing request.
type CreateParams struct {
	OwnerID string
	Kind    string
	Prompt  string
	Inputs  []string
	Cost    int
}

// Service owns the job lifecycle: creation, lazy status refresh and retries.
type Service struct {
	store        JobStore
	cache        cache.Cache
	pool         *credentials.Pool
	provider     string
	submitter    *Submitter
	poller       *Poller
	materializer Materializer
	charger      Charger
	retry        *retryCoordinator
	cfg          Config
	now          func() time.Time
}

// NewService wires a Service. charger may be nil when billing is disabled.
func NewService(st JobStore, c cache.Cache, pool *credentials.Pool, provider models.ImageProvider,
	gw *gateway.Gateway, charger Charger, cfg Config) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		store:        st,
		cache:        c,
		pool:         pool,
		provider:     provider.Name(),
		submitter:    NewSubmitter(provider, gw, cfg.SubmitTimeout),
		poller:       NewPoller(provider, gw, cfg.StatusTimeout),
		materializer: NewResultMaterializer(charger),
		charger:      charger,
		cfg:          cfg,
		now:          time.Now,
	}
	s.retry = &retryCoordinator{svc: s}
	return s
}

// WithClock replaces the time source. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithMaterializer replaces the default result materializer.
func (s *Service) WithMaterializer(m Materializer) *Service {
	s.materializer = m
	return s
}

// Create validates the request, submits it to the provider and returns the PROCESSING job.
// Failures after the job is persisted leave it FAILED; the error is also returned.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.Job, error) {
	if err := validateCreate(p); err != nil {
		return nil, err
	}
	if err := s.checkDailyLimit(ctx, p.OwnerID); err != nil {
		return nil, err
	}
	if err := s.checkBalance(ctx, p.OwnerID, billedCost(p.Kind, p.Cost)); err != nil {
		return nil, err
	}

	cred, err := s.pool.Pick()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	job := &models.Job{
		ID:        newJobID(now),
		OwnerID:   p.OwnerID,
		Kind:      p.Kind,
		Status:    models.JobStatusQueued,
		Prompt:    p.Prompt,
		Inputs:    p.Inputs,
		Meta:      models.ProviderMeta{Provider: s.provider},
		Cost:      p.Cost,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	log := slog.With("job_id", job.ID, "owner_id", job.OwnerID, "kind", job.Kind)

	taskID, err := s.submitter.Submit(ctx, cred, job.Prompt, job.Inputs)
	if err != nil {
		log.Warn("job submission failed", "error", err)
		return s.abandon(ctx, job, submissionDetail(err), err)
	}

	if s.charger != nil && job.Kind != models.JobKindTemplate && job.Cost > 0 {
		if err := s.charger.DeductBalance(ctx, job.OwnerID, job.Cost, chargeReason(job.Kind), job.ID); err != nil {
			perr := &PaymentError{Err: err}
			return s.abandon(ctx, job, perr.Error(), perr)
		}
	}

	started, err := s.transition(ctx, job, func(j *models.Job) {
		j.Status = models.JobStatusProcessing
		j.Meta.TaskID = taskID
		j.Meta.CredentialID = cred.ID
		j.Meta.AttemptCount = 1
		j.Meta.RetryCount = 0
	})
	if err != nil {
		return nil, err
	}
	log.Info("job started", "task_id", taskID, "credential_id", cred.ID)
	return started, nil
}

// checkDailyLimit counts the owner's jobs since midnight in the clock's location.
func (s *Service) checkDailyLimit(ctx context.Context, ownerID string) error {
	if s.cfg.DailyLimit <= 0 {
		return nil
	}
	now := s.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	count, err := s.store.CountJobsSince(ctx, ownerID, midnight)
	if err != nil {
		return fmt.Errorf("counting jobs: %w", err)
	}
	if count >= s.cfg.DailyLimit {
		slog.Info("daily limit reached", "owner_id", ownerID, "count", count, "limit", s.cfg.DailyLimit)
		return fmt.Errorf("%w (%d/%d)", ErrDailyLimitReached, count, s.cfg.DailyLimit)
	}
	return nil
}

// checkBalance rejects the request before any provider work when the owner cannot pay.
// The charge itself happens later and stays authoritative.
func (s *Service) checkBalance(ctx context.Context, ownerID string, cost int) error {
	if s.charger == nil || cost <= 0 {
		return nil
	}
	balance, err := s.charger.GetBalance(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("reading balance: %w", err)
	}
	if balance < cost {
		return store.ErrInsufficientBalance
	}
	return nil
}

// abandon marks a QUEUED job FAILED and returns it together with cause.
func (s *Service) abandon(ctx context.Context, job *models.Job, detail string, cause error) (*models.Job, error) {
	failed, err := s.transition(ctx, job, func(j *models.Job) {
		j.Status = models.JobStatusFailed
		j.ErrorMessage = &detail
	})
	if err != nil {
		slog.Error("marking job failed", "job_id", job.ID, "error", err)
		return job, cause
	}
	return failed, cause
}

// Refresh returns the job and, when it is PROCESSING, advances it by one poll.
// It is safe to call concurrently for the same job.
func (s *Service) Refresh(ctx context.Context, ownerID, jobID string) (*models.Job, error) {
	if snap, ok := s.cachedSnapshot(ctx, jobID); ok {
		if snap.OwnerID != ownerID {
			return nil, ErrForbidden
		}
		return snap, nil
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, ErrForbidden
	}

	switch {
	case job.IsTerminal():
		s.cacheSnapshot(ctx, job)
		return job, nil
	case job.Status == models.JobStatusProcessing:
		return s.advance(ctx, job)
	default:
		return job, nil
	}
}

func (s *Service) advance(ctx context.Context, job *models.Job) (*models.Job, error) {
	log := slog.With("job_id", job.ID, "task_id", job.Meta.TaskID)

	if s.now().Sub(job.CreatedAt) > s.cfg.ProcessingTimeout {
		log.Warn("job timed out", "created_at", job.CreatedAt)
		return s.fail(ctx, job, "Task Timed Out (System Protection)")
	}

	if job.Meta.TaskID == "" {
		return s.fail(ctx, job, "missing provider task id")
	}

	cred, err := s.pool.Resolve(job.Meta.CredentialID)
	if err != nil {
		return s.fail(ctx, job, "No API Key available for status check")
	}

	res := s.poller.Poll(ctx, cred, job.Meta.TaskID)
	switch res.State {
	case PollSucceeded:
		artifacts, err := s.materializer.Materialize(ctx, job, res.Artifacts)
		if err != nil {
			return s.fail(ctx, job, err.Error())
		}
		log.Info("job succeeded", "artifacts", len(artifacts))
		return s.transition(ctx, job, func(j *models.Job) {
			j.Status = models.JobStatusSuccess
			j.ResultArtifacts = artifacts
			j.Meta.RetryLock = nil
		})
	case PollFailed:
		log.Info("provider task failed", "detail", res.Detail)
		return s.retry.handle(ctx, job, res.Detail)
	default:
		return job, nil
	}
}

func (s *Service) fail(ctx context.Context, job *models.Job, msg string) (*models.Job, error) {
	return s.transition(ctx, job, func(j *models.Job) {
		j.Status = models.JobStatusFailed
		j.ErrorMessage = &msg
		j.Meta.RetryLock = nil
	})
}

// transition applies mutate to a copy of job and persists it under the job's version.
// When another caller won the race the freshly stored job is returned instead.
func (s *Service) transition(ctx context.Context, job *models.Job, mutate func(*models.Job)) (*models.Job, error) {
	next := job.Clone()
	mutate(next)

	if !models.ValidTransition(job.Status, next.Status) {
		return nil, fmt.Errorf("job %s: %w: %s -> %s", job.ID, store.ErrInvalidTransition, job.Status, next.Status)
	}

	if err := s.store.UpdateJob(ctx, next, job.Version); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("updating job %s: %w", job.ID, err)
		}
		slog.Info("job changed concurrently, returning stored state", "job_id", job.ID)
		fresh, gerr := s.store.GetJob(ctx, job.ID)
		if gerr != nil {
			return nil, fmt.Errorf("reloading job %s: %w", job.ID, gerr)
		}
		return fresh, nil
	}

	if next.IsTerminal() {
		s.cacheSnapshot(ctx, next)
	}
	return next, nil
}

func (s *Service) cachedSnapshot(ctx context.Context, jobID string) (*models.Job, bool) {
	if s.cache == nil {
		return nil, false
	}
	data, found, err := s.cache.Get(ctx, cache.JobKey(jobID))
	if err != nil {
		slog.Warn("reading job snapshot", "job_id", jobID, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		slog.Warn("decoding job snapshot", "job_id", jobID, "error", err)
		return nil, false
	}
	return &job, true
}

func (s *Service) cacheSnapshot(ctx context.Context, job *models.Job) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cache.JobKey(job.ID), data, snapshotTTL); err != nil {
		slog.Warn("caching job snapshot", "job_id", job.ID, "error", err)
	}
}

func validateCreate(p CreateParams) error {
	if p.OwnerID == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	if !models.ValidKind(p.Kind) {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, p.Kind)
	}
	if p.Cost < 0 {
		return fmt.Errorf("%w: cost must not be negative", ErrInvalidRequest)
	}
	switch p.Kind {
	case models.JobKindCreation:
		if strings.TrimSpace(p.Prompt) == "" {
			return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
		}
	case models.JobKindEditing:
		if len(p.Inputs) == 0 {
			return fmt.Errorf("%w: at least one input image is required", ErrInvalidRequest)
		}
	default:
		if strings.TrimSpace(p.Prompt) == "" && len(p.Inputs) == 0 {
			return fmt.Errorf("%w: prompt or input images required", ErrInvalidRequest)
		}
	}
	for _, u := range p.Inputs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("%w: input images must be http(s) URLs", ErrInvalidRequest)
		}
	}
	return nil
}

func submissionDetail(err error) string {
	var se *SubmissionError
	if errors.As(err, &se) {
		return se.Detail
	}
	return err.Error()
}

// newJobID returns "P" + UTC timestamp + six upper-case hex characters.
func newJobID(at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return "P" + at.Format("20060102150405") + strings.ToUpper(suffix)
}

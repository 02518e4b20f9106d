package ai

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/candypixel/internal/ai/mock"
	"github.com/kiranshivaraju/candypixel/internal/breaker"
	"github.com/kiranshivaraju/candypixel/internal/cache"
	"github.com/kiranshivaraju/candypixel/internal/credentials"
	"github.com/kiranshivaraju/candypixel/internal/gateway"
	"github.com/kiranshivaraju/candypixel/internal/ratelimit"
	"github.com/kiranshivaraju/candypixel/internal/store"
	"github.com/kiranshivaraju/candypixel/pkg/models"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// --- mocks ---

type mockStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	updates  int
	getErr   error
	countErr error
}

func newMockStore() *mockStore {
	return &mockStore{jobs: make(map[string]*models.Job)}
}

func (s *mockStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	job.Version = 1
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *mockStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j.Clone(), nil
}

func (s *mockStore) UpdateJob(_ context.Context, job *models.Job, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return store.ErrConflict
	}
	if !models.ValidTransition(cur.Status, job.Status) {
		return store.ErrInvalidTransition
	}
	job.Version = expectedVersion + 1
	s.jobs[job.ID] = job.Clone()
	s.updates++
	return nil
}

func (s *mockStore) CountJobsSince(_ context.Context, ownerID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countErr != nil {
		return 0, s.countErr
	}
	n := 0
	for _, j := range s.jobs {
		if j.OwnerID == ownerID && !j.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *mockStore) seed(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Version = 1
	s.jobs[job.ID] = job.Clone()
}

func (s *mockStore) job(t *testing.T, id string) *models.Job {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	require.True(t, ok, "job %s not stored", id)
	return j.Clone()
}

func (s *mockStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

type charge struct {
	OwnerID string
	Cost    int
	Reason  string
	JobID   string
}

type mockCharger struct {
	mu         sync.Mutex
	charges    []charge
	err        error
	balance    int
	balanceErr error
}

func (c *mockCharger) GetBalance(_ context.Context, _ string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance, c.balanceErr
}

func (c *mockCharger) setBalance(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balance = n
}

func (c *mockCharger) DeductBalance(_ context.Context, ownerID string, cost int, reason, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.charges = append(c.charges, charge{ownerID, cost, reason, jobID})
	return nil
}

func (c *mockCharger) all() []charge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]charge(nil), c.charges...)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// --- harness ---

type harness struct {
	svc      *Service
	store    *mockStore
	charger  *mockCharger
	clock    *testClock
	breaker  *breaker.Breaker
	pool     *credentials.Pool
	provider *mock.MockProvider

	mu       sync.Mutex
	statuses map[string]*models.ProviderTaskStatus
	statusFn func(taskID string) (*models.ProviderTaskStatus, error)
	submitFn func() error

	submits  atomic.Int32
	statusGs atomic.Int32
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	ceiling    int
	secrets    []string
	dailyLimit int
}

func withCeiling(n int) harnessOption {
	return func(c *harnessConfig) { c.ceiling = n }
}

func withDailyLimit(n int) harnessOption {
	return func(c *harnessConfig) { c.dailyLimit = n }
}

func withSecrets(secrets ...string) harnessOption {
	return func(c *harnessConfig) { c.secrets = secrets }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	hc := harnessConfig{
		ceiling: 1000,
		secrets: []string{"ms-secret-key-000000000001", "ms-secret-key-000000000002"},
	}
	for _, o := range opts {
		o(&hc)
	}

	h := &harness{
		store:    newMockStore(),
		charger:  &mockCharger{balance: 100},
		clock:    &testClock{t: t0},
		pool:     credentials.NewPool(hc.secrets),
		statuses: make(map[string]*models.ProviderTaskStatus),
	}

	submit := func(ctx context.Context) (string, error) {
		h.mu.Lock()
		fn := h.submitFn
		h.mu.Unlock()
		if fn != nil {
			if err := fn(); err != nil {
				return "", err
			}
		}
		n := h.submits.Add(1)
		return fmt.Sprintf("task-%d", n), nil
	}
	h.provider = &mock.MockProvider{
		Name_: "modelscope",
		SubmitGenerationFunc: func(ctx context.Context, _, _ string) (string, error) {
			return submit(ctx)
		},
		SubmitEditFunc: func(ctx context.Context, _, _ string, _ []string) (string, error) {
			return submit(ctx)
		},
		GetStatusFunc: func(_ context.Context, _, taskID string) (*models.ProviderTaskStatus, error) {
			h.statusGs.Add(1)
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.statusFn != nil {
				return h.statusFn(taskID)
			}
			if st, ok := h.statuses[taskID]; ok {
				return st, nil
			}
			return &models.ProviderTaskStatus{TaskStatus: "RUNNING"}, nil
		},
	}

	h.breaker = breaker.New(breaker.Config{}).WithClock(h.clock.Now)
	limiter := ratelimit.NewWindow(hc.ceiling, time.Minute).WithClock(h.clock.Now)
	gw := gateway.New(limiter, h.breaker).WithClock(h.clock.Now)

	h.svc = NewService(h.store, cache.NewMemoryCache(), h.pool, h.provider, gw, h.charger, Config{
		MaxAttempts:       3,
		ProcessingTimeout: 300 * time.Second,
		RetryLockTTL:      30 * time.Second,
		SubmitTimeout:     time.Second,
		StatusTimeout:     time.Second,
		DailyLimit:        hc.dailyLimit,
	}).WithClock(h.clock.Now)

	return h
}

func (h *harness) setStatus(taskID string, st *models.ProviderTaskStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses[taskID] = st
}

func (h *harness) setStatusFunc(fn func(taskID string) (*models.ProviderTaskStatus, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statusFn = fn
}

func (h *harness) setSubmitFunc(fn func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.submitFn = fn
}

// processingJob stores a PROCESSING job on its first attempt, polling task-0.
func (h *harness) processingJob(mutate func(j *models.Job)) *models.Job {
	var credID string
	if creds := h.pool.All(); len(creds) > 0 {
		credID = creds[0].ID
	}
	j := &models.Job{
		ID:      "P20250301100000ABCDEF",
		OwnerID: "user-1",
		Kind:    models.JobKindCreation,
		Status:  models.JobStatusProcessing,
		Prompt:  "a pixel cat",
		Meta: models.ProviderMeta{
			Provider:     "modelscope",
			TaskID:       "task-0",
			CredentialID: credID,
			AttemptCount: 1,
		},
		Cost:      1,
		CreatedAt: h.clock.Now(),
		UpdatedAt: h.clock.Now(),
	}
	if mutate != nil {
		mutate(j)
	}
	h.store.seed(j)
	return j
}

func failed(msg string) *models.ProviderTaskStatus {
	return &models.ProviderTaskStatus{TaskStatus: "FAILED", ErrorMsg: msg}
}

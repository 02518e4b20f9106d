package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kiranshivaraju/candypixel/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestPoll_ErrorClassification(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantState    PollState
		wantDetail   string
		wantFailures int
	}{
		{"unauthorized", &models.ProviderStatusError{StatusCode: 401}, PollPending, "HTTP 401", 1},
		{"forbidden", &models.ProviderStatusError{StatusCode: 403}, PollPending, "HTTP 403", 1},
		{"throttled", &models.ProviderStatusError{StatusCode: 429}, PollPending, "HTTP 429", 1},
		{"server error", &models.ProviderStatusError{StatusCode: 502}, PollPending, "HTTP 502", 1},
		{"not found", &models.ProviderStatusError{StatusCode: 404}, PollFailed, "Task Not Found", 0},
		{"bad request", &models.ProviderStatusError{StatusCode: 400}, PollPending, "HTTP 400", 0},
		{"transient", errors.New("connection reset"), PollPending, "connection reset", 1},
		{
			"unrecoverable",
			fmt.Errorf("%w: tls: handshake failure", models.ErrProviderUnrecoverable),
			PollFailed,
			"Network Error: provider transport unrecoverable: tls: handshake failure",
			1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.setStatusFunc(func(string) (*models.ProviderTaskStatus, error) { return nil, tc.err })
			cred := h.pool.All()[0]

			res := h.svc.poller.Poll(context.Background(), cred, "task-0")
			assert.Equal(t, tc.wantState, res.State)
			assert.Equal(t, tc.wantDetail, res.Detail)
			assert.Equal(t, tc.wantFailures, h.breaker.State("modelscope", cred.ID).Failures)
		})
	}
}

func TestPoll_OpenCircuitSkipsProvider(t *testing.T) {
	h := newHarness(t)
	cred := h.pool.All()[0]
	for i := 0; i < 5; i++ {
		h.breaker.RecordFailure("modelscope", cred.ID, t0)
	}

	res := h.svc.poller.Poll(context.Background(), cred, "task-0")
	assert.Equal(t, PollPending, res.State)
	assert.Contains(t, res.Detail, "busy")
	assert.Zero(t, h.statusGs.Load())
}

func TestPoll_SuccessClosesCircuit(t *testing.T) {
	h := newHarness(t)
	cred := h.pool.All()[0]
	h.breaker.RecordFailure("modelscope", cred.ID, t0)

	res := h.svc.poller.Poll(context.Background(), cred, "task-0")
	assert.Equal(t, PollPending, res.State)
	assert.Zero(t, h.breaker.State("modelscope", cred.ID).Failures)
}

func TestPoll_StatusCallIsBounded(t *testing.T) {
	h := newHarness(t)
	h.provider.GetStatusFunc = func(ctx context.Context, _, _ string) (*models.ProviderTaskStatus, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h.svc.poller.timeout = 20 * time.Millisecond

	res := h.svc.poller.Poll(context.Background(), h.pool.All()[0], "task-0")
	assert.Equal(t, PollPending, res.State)
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		name          string
		status        *models.ProviderTaskStatus
		wantState     PollState
		wantArtifacts []string
		wantDetail    string
	}{
		{
			name:          "output images",
			status:        &models.ProviderTaskStatus{TaskStatus: "SUCCEED", OutputImages: []string{"https://a", "https://b"}},
			wantState:     PollSucceeded,
			wantArtifacts: []string{"https://a", "https://b"},
		},
		{
			name: "nested results",
			status: &models.ProviderTaskStatus{TaskStatus: "SUCCEEDED", Output: &models.ProviderOutput{
				Results: []models.ProviderOutputResult{{URL: "https://a"}, {Image: "https://b"}, {}},
			}},
			wantState:     PollSucceeded,
			wantArtifacts: []string{"https://a", "https://b"},
		},
		{
			name:          "single output url",
			status:        &models.ProviderTaskStatus{TaskStatus: "SUCCEED", Output: &models.ProviderOutput{URL: "https://a"}},
			wantState:     PollSucceeded,
			wantArtifacts: []string{"https://a"},
		},
		{
			name:      "success without output",
			status:    &models.ProviderTaskStatus{TaskStatus: "SUCCEED"},
			wantState: PollSucceeded,
		},
		{
			name:       "error_msg preferred",
			status:     &models.ProviderTaskStatus{TaskStatus: "FAILED", ErrorMsg: "nsfw", Message: "other"},
			wantState:  PollFailed,
			wantDetail: "nsfw",
		},
		{
			name:       "message fallback",
			status:     &models.ProviderTaskStatus{TaskStatus: "FAILED", Message: "quota"},
			wantState:  PollFailed,
			wantDetail: "quota",
		},
		{
			name:       "raw fallback",
			status:     &models.ProviderTaskStatus{TaskStatus: "FAILED", Raw: []byte(`{"task_status":"FAILED"}`)},
			wantState:  PollFailed,
			wantDetail: `{"task_status":"FAILED"}`,
		},
		{name: "pending", status: &models.ProviderTaskStatus{TaskStatus: "PENDING"}, wantState: PollPending},
		{name: "processing", status: &models.ProviderTaskStatus{TaskStatus: "PROCESSING"}, wantState: PollPending},
		{name: "unknown", status: &models.ProviderTaskStatus{TaskStatus: "QUEUED_REMOTE"}, wantState: PollPending},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := normalizeStatus(tc.status)
			assert.Equal(t, tc.wantState, res.State)
			assert.Equal(t, tc.wantArtifacts, res.Artifacts)
			assert.Equal(t, tc.wantDetail, res.Detail)
		})
	}
}

func TestNormalizeStatus_TruncatesRawDetail(t *testing.T) {
	raw := strings.Repeat("é", 400) // 800 bytes
	res := normalizeStatus(&models.ProviderTaskStatus{TaskStatus: "FAILED", Raw: []byte(raw)})
	assert.Equal(t, PollFailed, res.State)
	assert.Len(t, res.Detail, 500)
}

func TestTruncateBytes(t *testing.T) {
	assert.Equal(t, "abc", truncateBytes("abc", 5))
	assert.Equal(t, "ab", truncateBytes("abc", 2))
	assert.Equal(t, "a", truncateBytes("aé", 2))
}

func TestPollState_String(t *testing.T) {
	assert.Equal(t, "PENDING", PollPending.String())
	assert.Equal(t, "SUCCEEDED", PollSucceeded.String())
	assert.Equal(t, "FAILED", PollFailed.String())
	assert.Equal(t, "UNKNOWN", PollState(9).String())
}

// Package mock provides an in-process ImageProvider for local runs and tests.
package mock

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/candypixel/pkg/models"
)

// MockProvider satisfies models.ImageProvider. Nil funcs fall back to zero results.
type MockProvider struct {
	Name_                string
	SubmitGenerationFunc func(ctx context.Context, apiKey, prompt string) (string, error)
	SubmitEditFunc       func(ctx context.Context, apiKey, prompt string, imageURLs []string) (string, error)
	GetStatusFunc        func(ctx context.Context, apiKey, taskID string) (*models.ProviderTaskStatus, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) SubmitGeneration(ctx context.Context, apiKey, prompt string) (string, error) {
	if m.SubmitGenerationFunc != nil {
		return m.SubmitGenerationFunc(ctx, apiKey, prompt)
	}
	return "", nil
}

func (m *MockProvider) SubmitEdit(ctx context.Context, apiKey, prompt string, imageURLs []string) (string, error) {
	if m.SubmitEditFunc != nil {
		return m.SubmitEditFunc(ctx, apiKey, prompt, imageURLs)
	}
	return "", nil
}

func (m *MockProvider) GetStatus(ctx context.Context, apiKey, taskID string) (*models.ProviderTaskStatus, error) {
	if m.GetStatusFunc != nil {
		return m.GetStatusFunc(ctx, apiKey, taskID)
	}
	return &models.ProviderTaskStatus{}, nil
}

// NewMockProvider returns a MockProvider whose tasks finish on the first status check.
func NewMockProvider() *MockProvider {
	submit := func(_ context.Context, _, _ string) (string, error) {
		return "mock-" + uuid.NewString(), nil
	}
	return &MockProvider{
		Name_:                "mock",
		SubmitGenerationFunc: submit,
		SubmitEditFunc: func(ctx context.Context, apiKey, prompt string, _ []string) (string, error) {
			return submit(ctx, apiKey, prompt)
		},
		GetStatusFunc: func(_ context.Context, _, taskID string) (*models.ProviderTaskStatus, error) {
			return &models.ProviderTaskStatus{
				TaskStatus:   "SUCCEED",
				OutputImages: []string{fmt.Sprintf("https://mock.candypixel.invalid/%s.png", taskID)},
			}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		SubmitGenerationFunc: func(_ context.Context, _, _ string) (string, error) {
			return "", err
		},
		SubmitEditFunc: func(_ context.Context, _, _ string, _ []string) (string, error) {
			return "", err
		},
		GetStatusFunc: func(_ context.Context, _, _ string) (*models.ProviderTaskStatus, error) {
			return nil, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until the context is done.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		SubmitGenerationFunc: func(ctx context.Context, _, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
		SubmitEditFunc: func(ctx context.Context, _, _ string, _ []string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
		GetStatusFunc: func(ctx context.Context, _, _ string) (*models.ProviderTaskStatus, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

// Compile-time check that MockProvider implements ImageProvider.
var _ models.ImageProvider = (*MockProvider)(nil)

// Package models contains shared data models used across the candypixel codebase.
package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrProviderUnrecoverable marks transport failures that will not heal by polling again
// (TLS failures, exhausted transport retries).
var ErrProviderUnrecoverable = errors.New("provider transport unrecoverable")

// ImageProvider is the contract every inference backend must implement.
// Never call a provider directly; go through the submitter and poller.
type ImageProvider interface {
	// SubmitGeneration starts an asynchronous text-to-image task and returns its task id.
	SubmitGeneration(ctx context.Context, apiKey, prompt string) (string, error)
	// SubmitEdit starts an asynchronous reference-image-conditioned task.
	SubmitEdit(ctx context.Context, apiKey, prompt string, imageURLs []string) (string, error)
	// GetStatus fetches the raw status payload of a task.
	GetStatus(ctx context.Context, apiKey, taskID string) (*ProviderTaskStatus, error)
	// Name returns the provider identifier used for rate limiting and circuit keys.
	Name() string
}

// ProviderTaskStatus is the provider's status payload, decoded but not yet normalized.
type ProviderTaskStatus struct {
	TaskStatus   string          `json:"task_status"`
	OutputImages []string        `json:"output_images,omitempty"`
	Output       *ProviderOutput `json:"output,omitempty"`
	ErrorMsg     string          `json:"error_msg,omitempty"`
	Message      string          `json:"message,omitempty"`
	Raw          []byte          `json:"-"`
}

// ProviderOutput covers the nested output shapes returned by different models.
type ProviderOutput struct {
	URL     string                 `json:"url,omitempty"`
	Results []ProviderOutputResult `json:"results,omitempty"`
}

type ProviderOutputResult struct {
	URL   string `json:"url,omitempty"`
	Image string `json:"image,omitempty"`
}

// ProviderStatusError is returned when the provider answers with a non-success HTTP status.
// Body keeps the provider's payload so it can surface in a job's error detail.
type ProviderStatusError struct {
	StatusCode int
	Body       string
}

func (e *ProviderStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned HTTP %d: %s", e.StatusCode, e.Body)
}

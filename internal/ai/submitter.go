package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/candypixel/internal/credentials"
	"github.com/kiranshivaraju/candypixel/internal/gateway"
	"github.com/kiranshivaraju/candypixel/pkg/models"
)

// Submitter starts provider tasks through the gateway.
type Submitter struct {
	provider models.ImageProvider
	gateway  *gateway.Gateway
	timeout  time.Duration
}

// NewSubmitter creates a Submitter. Each call is bounded by timeout.
func NewSubmitter(provider models.ImageProvider, gw *gateway.Gateway, timeout time.Duration) *Submitter {
	return &Submitter{provider: provider, gateway: gw, timeout: timeout}
}

// Submit starts an edit task when inputs are present and a text-to-image task otherwise.
// Busy rejections from the gateway are returned as is and do not count as breaker failures.
func (s *Submitter) Submit(ctx context.Context, cred credentials.Credential, prompt string, inputs []string) (string, error) {
	if prompt == "" && len(inputs) == 0 {
		return "", fmt.Errorf("%w: prompt or input images required", ErrInvalidRequest)
	}

	name := s.provider.Name()
	if err := s.gateway.Guard(ctx, name, cred, gateway.CallSubmit); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		taskID string
		err    error
	)
	if len(inputs) > 0 {
		taskID, err = s.provider.SubmitEdit(ctx, cred.Secret, prompt, inputs)
	} else {
		taskID, err = s.provider.SubmitGeneration(ctx, cred.Secret, prompt)
	}
	if err == nil && taskID == "" {
		err = errors.New("provider returned an empty task id")
	}
	if err != nil {
		s.gateway.Failed(name, cred)
		slog.Warn("task submission failed",
			"provider", name,
			"credential_id", cred.ID,
			"edit", len(inputs) > 0,
			"error", err,
		)
		return "", &SubmissionError{Detail: err.Error(), Err: err}
	}

	s.gateway.Succeeded(name, cred)
	slog.Info("task submitted", "provider", name, "credential_id", cred.ID, "task_id", taskID)
	return taskID, nil
}

package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/candypixel/internal/credentials"
	"github.com/kiranshivaraju/candypixel/internal/gateway"
	"github.com/kiranshivaraju/candypixel/pkg/models"
)

// maxDetailBytes caps a raw provider payload copied into a failure detail.
const maxDetailBytes = 500

// PollState is the normalized outcome of one status check.
type PollState int

const (
	PollPending PollState = iota
	PollSucceeded
	PollFailed
)

func (s PollState) String() string {
	switch s {
	case PollPending:
		return "PENDING"
	case PollSucceeded:
		return "SUCCEEDED"
	case PollFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// PollResult is returned by Poll instead of an error. Artifacts is set only when
// State is PollSucceeded; Detail explains a failure or why the result is still pending.
type PollResult struct {
	State     PollState
	Artifacts []string
	Detail    string
}

// Poller checks provider task status through the gateway.
type Poller struct {
	provider models.ImageProvider
	gateway  *gateway.Gateway
	timeout  time.Duration
}

// NewPoller creates a Poller. Each status call is bounded by timeout.
func NewPoller(provider models.ImageProvider, gw *gateway.Gateway, timeout time.Duration) *Poller {
	return &Poller{provider: provider, gateway: gw, timeout: timeout}
}

// Poll never fails: transient problems come back as PollPending.
func (p *Poller) Poll(ctx context.Context, cred credentials.Credential, taskID string) PollResult {
	name := p.provider.Name()
	if err := p.gateway.Guard(ctx, name, cred, gateway.CallStatus); err != nil {
		return PollResult{State: PollPending, Detail: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	st, err := p.provider.GetStatus(ctx, cred.Secret, taskID)
	if err != nil {
		return p.classify(name, cred, taskID, err)
	}

	p.gateway.Succeeded(name, cred)
	return normalizeStatus(st)
}

func (p *Poller) classify(name string, cred credentials.Credential, taskID string, err error) PollResult {
	log := slog.With("provider", name, "credential_id", cred.ID, "task_id", taskID)

	if errors.Is(err, models.ErrProviderUnrecoverable) {
		p.gateway.Failed(name, cred)
		log.Error("status check failed permanently", "error", err)
		return PollResult{State: PollFailed, Detail: "Network Error: " + err.Error()}
	}

	var se *models.ProviderStatusError
	if errors.As(err, &se) {
		code := se.StatusCode
		if code == http.StatusUnauthorized || code == http.StatusForbidden ||
			code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
			p.gateway.Failed(name, cred)
		}
		log.Warn("status check rejected", "status", code)
		if code == http.StatusNotFound {
			return PollResult{State: PollFailed, Detail: "Task Not Found"}
		}
		return PollResult{State: PollPending, Detail: fmt.Sprintf("HTTP %d", code)}
	}

	p.gateway.Failed(name, cred)
	log.Warn("status check failed", "error", err)
	return PollResult{State: PollPending, Detail: err.Error()}
}

func normalizeStatus(st *models.ProviderTaskStatus) PollResult {
	switch st.TaskStatus {
	case "SUCCEED", "SUCCEEDED":
		return PollResult{State: PollSucceeded, Artifacts: extractArtifacts(st)}
	case "FAILED":
		detail := st.ErrorMsg
		if detail == "" {
			detail = st.Message
		}
		if detail == "" {
			detail = truncateBytes(string(st.Raw), maxDetailBytes)
		}
		return PollResult{State: PollFailed, Detail: detail}
	default:
		return PollResult{State: PollPending}
	}
}

// extractArtifacts reads the first populated output shape.
func extractArtifacts(st *models.ProviderTaskStatus) []string {
	if len(st.OutputImages) > 0 {
		return append([]string(nil), st.OutputImages...)
	}
	if st.Output == nil {
		return nil
	}
	if len(st.Output.Results) > 0 {
		var out []string
		for _, r := range st.Output.Results {
			switch {
			case r.URL != "":
				out = append(out, r.URL)
			case r.Image != "":
				out = append(out, r.Image)
			}
		}
		return out
	}
	if st.Output.URL != "" {
		return []string{st.Output.URL}
	}
	return nil
}

// truncateBytes truncates s to maxBytes without splitting UTF-8 runes.
func truncateBytes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}

package ai

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/candypixel/pkg/models"
)

// Materializer finalizes a provider success before the job is marked SUCCESS.
// An error turns the job FAILED with the error text.
type Materializer interface {
	Materialize(ctx context.Context, job *models.Job, artifacts []string) ([]string, error)
}

// Charger reads and debits an owner's balance. DeductBalance must be idempotent per jobID.
type Charger interface {
	GetBalance(ctx context.Context, ownerID string) (int, error)
	DeductBalance(ctx context.Context, ownerID string, cost int, reason, jobID string) error
}

// ResultMaterializer cleans artifact references and collects deferred TEMPLATE charges.
type ResultMaterializer struct {
	charger Charger
}

// NewResultMaterializer creates a ResultMaterializer. A nil charger disables billing.
func NewResultMaterializer(charger Charger) *ResultMaterializer {
	return &ResultMaterializer{charger: charger}
}

func (m *ResultMaterializer) Materialize(ctx context.Context, job *models.Job, artifacts []string) ([]string, error) {
	cleaned := cleanArtifactURLs(artifacts)

	if job.Kind == models.JobKindTemplate && m.charger != nil {
		cost := billedCost(job.Kind, job.Cost)
		if err := m.charger.DeductBalance(ctx, job.OwnerID, cost, chargeReason(job.Kind), job.ID); err != nil {
			slog.Warn("template charge failed", "job_id", job.ID, "owner_id", job.OwnerID, "cost", cost, "error", err)
			return nil, &PaymentError{Err: err}
		}
	}

	return cleaned, nil
}

// billedCost is what a job of kind is charged. TEMPLATE jobs always cost at least one point.
func billedCost(kind string, cost int) int {
	if kind == models.JobKindTemplate && cost <= 0 {
		return 1
	}
	return cost
}

// cleanArtifactURLs strips whitespace and stray backticks some models wrap URLs in.
func cleanArtifactURLs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, u := range in {
		u = strings.TrimSpace(strings.Trim(strings.TrimSpace(u), "`"))
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}

func chargeReason(kind string) string {
	switch kind {
	case models.JobKindEditing:
		return "AI Editing"
	case models.JobKindTemplate:
		return "Template Application"
	default:
		return "AI Generation"
	}
}

var _ Materializer = (*ResultMaterializer)(nil)

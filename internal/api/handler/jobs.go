package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/candypixel/internal/ai"
	mw "github.com/kiranshivaraju/candypixel/internal/api/middleware"
	"github.com/kiranshivaraju/candypixel/internal/api/response"
	"github.com/kiranshivaraju/candypixel/internal/credentials"
	"github.com/kiranshivaraju/candypixel/internal/gateway"
	"github.com/kiranshivaraju/candypixel/internal/store"
	"github.com/kiranshivaraju/candypixel/pkg/models"
)

const maxInputImages = 8

// JobService is the job lifecycle driven by the HTTP layer.
type JobService interface {
	Create(ctx context.Context, p ai.CreateParams) (*models.Job, error)
	Refresh(ctx context.Context, ownerID, jobID string) (*models.Job, error)
}

// Pricing maps a job kind to the points it costs.
type Pricing map[string]int

var DefaultPricing = Pricing{
	models.JobKindCreation: 1,
	models.JobKindEditing:  1,
	models.JobKindTemplate: 1,
}

// JobsConfig tunes the job handlers.
type JobsConfig struct {
	Pricing Pricing
	// BusyRetryAfter is the Retry-After hint sent when the AI service is busy.
	BusyRetryAfter time.Duration
}

func (c JobsConfig) withDefaults() JobsConfig {
	if c.Pricing == nil {
		c.Pricing = DefaultPricing
	}
	if c.BusyRetryAfter <= 0 {
		c.BusyRetryAfter = 30 * time.Second
	}
	return c
}

type generationRequest struct {
	Kind        string   `json:"kind"`
	Prompt      string   `json:"prompt"`
	InputImages []string `json:"input_images"`
	Style       string   `json:"style"`
	AspectRatio string   `json:"aspect_ratio"`
}

// jobView is the public shape of a job. Credential and provider task ids stay internal.
type jobView struct {
	JobID        string    `json:"job_id"`
	Kind         string    `json:"kind"`
	Status       string    `json:"status"`
	Prompt       string    `json:"prompt"`
	InputImages  []string  `json:"input_images,omitempty"`
	ResultImages []string  `json:"result_images,omitempty"`
	Error        *string   `json:"error,omitempty"`
	AttemptCount int       `json:"attempt_count"`
	RetryCount   int       `json:"retry_count"`
	Cost         int       `json:"cost"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func newJobView(j *models.Job) jobView {
	return jobView{
		JobID:        j.ID,
		Kind:         j.Kind,
		Status:       j.Status,
		Prompt:       j.Prompt,
		InputImages:  j.Inputs,
		ResultImages: j.ResultArtifacts,
		Error:        j.ErrorMessage,
		AttemptCount: j.Meta.AttemptCount,
		RetryCount:   j.Meta.RetryCount,
		Cost:         j.Cost,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

// NewCreateGenerationHandler returns an http.HandlerFunc for POST /api/v1/generations.
func NewCreateGenerationHandler(svc JobService, cfg JobsConfig) http.HandlerFunc {
	cfg = cfg.withDefaults()
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		var req generationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if len(req.InputImages) > maxInputImages {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Too many input images", map[string]int{
				"max": maxInputImages,
			})
			return
		}

		kind := strings.ToUpper(strings.TrimSpace(req.Kind))
		if kind == "" {
			kind = models.JobKindCreation
			if len(req.InputImages) > 0 {
				kind = models.JobKindEditing
			}
		}
		cost, known := cfg.Pricing[kind]
		if !known {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown job kind", map[string]string{
				"kind": req.Kind,
			})
			return
		}

		job, err := svc.Create(r.Context(), ai.CreateParams{
			OwnerID: ownerID,
			Kind:    kind,
			Prompt:  composePrompt(req),
			Inputs:  req.InputImages,
			Cost:    cost,
		})
		if err != nil {
			writeJobError(w, job, err, cfg.BusyRetryAfter)
			return
		}

		response.Accepted(w, newJobView(job))
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
// Each call of a PROCESSING job advances it by one provider poll.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		jobID := chi.URLParam(r, "jobID")
		if jobID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "Job id is required", nil)
			return
		}

		job, err := svc.Refresh(r.Context(), ownerID, jobID)
		if err != nil {
			writeJobError(w, nil, err, 0)
			return
		}
		response.JSON(w, newJobView(job))
	}
}

// composePrompt appends the optional style and aspect ratio hints to the prompt.
func composePrompt(req generationRequest) string {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return ""
	}
	if s := strings.TrimSpace(req.Style); s != "" {
		prompt += ", style: " + s
	}
	if a := strings.TrimSpace(req.AspectRatio); a != "" {
		prompt += ", aspect ratio: " + a
	}
	return prompt
}

func writeJobError(w http.ResponseWriter, job *models.Job, err error, retryAfter time.Duration) {
	var details map[string]string
	if job != nil {
		details = map[string]string{"job_id": job.ID}
	}

	var (
		submitErr *ai.SubmissionError
		payErr    *ai.PaymentError
	)
	switch {
	case errors.Is(err, ai.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, ai.ErrForbidden), errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, ai.ErrDailyLimitReached):
		response.Error(w, http.StatusTooManyRequests, "DAILY_LIMIT_REACHED", err.Error(), nil)
	case errors.Is(err, gateway.ErrBusy):
		response.Busy(w, retryAfter, gateway.ErrBusy.Error(), details)
	case errors.Is(err, store.ErrInsufficientBalance):
		response.Error(w, http.StatusPaymentRequired, "INSUFFICIENT_BALANCE", "Insufficient balance", details)
	case errors.As(err, &payErr):
		response.Error(w, http.StatusPaymentRequired, "PAYMENT_FAILED", payErr.Error(), details)
	case errors.As(err, &submitErr):
		response.Error(w, http.StatusBadGateway, "AI_SUBMISSION_FAILED", submitErr.Error(), details)
	case errors.Is(err, credentials.ErrNoCredentials):
		slog.Error("no provider credentials configured")
		response.Error(w, http.StatusInternalServerError, "NO_API_KEY", "No API Key available", nil)
	default:
		slog.Error("job request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", details)
	}
}

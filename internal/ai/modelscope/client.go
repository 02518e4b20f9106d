// Package modelscope implements models.ImageProvider against the ModelScope
// asynchronous image inference API.
package modelscope

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/candypixel/internal/config"
	"github.com/kiranshivaraju/candypixel/pkg/models"
)

const providerName = "modelscope"

// maxBodyBytes caps how much of a provider response is read.
const maxBodyBytes = 1 << 20

// Sentinel errors for ModelScope client failures.
var (
	ErrUnreachable     = errors.New("modelscope unreachable")
	ErrTimeout         = errors.New("modelscope request timeout")
	ErrInvalidResponse = errors.New("modelscope returned invalid response")
)

// Client talks to the ModelScope inference API.
type Client struct {
	baseURL         string
	generationModel string
	editModel       string
	maxRetries      int
	retryInterval   time.Duration
	client          *http.Client
}

// NewClient creates a ModelScope client. Request deadlines come from the caller's context.
func NewClient(cfg config.ModelScopeConfig) *Client {
	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		generationModel: cfg.GenerationModel,
		editModel:       cfg.EditModel,
		maxRetries:      cfg.StatusMaxRetries,
		retryInterval:   500 * time.Millisecond,
		client:          &http.Client{Timeout: 60 * time.Second},
	}
}

// WithRetryInterval sets the first backoff interval between status retries.
func (c *Client) WithRetryInterval(d time.Duration) *Client {
	c.retryInterval = d
	return c
}

func (c *Client) Name() string { return providerName }

type generationRequest struct {
	Model    string   `json:"model"`
	Prompt   string   `json:"prompt"`
	ImageURL []string `json:"image_url,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

func (c *Client) SubmitGeneration(ctx context.Context, apiKey, prompt string) (string, error) {
	return c.submit(ctx, apiKey, generationRequest{Model: c.generationModel, Prompt: prompt})
}

func (c *Client) SubmitEdit(ctx context.Context, apiKey, prompt string, imageURLs []string) (string, error) {
	if len(imageURLs) == 0 {
		return "", fmt.Errorf("edit task requires at least one input image")
	}
	return c.submit(ctx, apiKey, generationRequest{Model: c.editModel, Prompt: prompt, ImageURL: imageURLs})
}

// submit is not retried: a replayed POST could start a second billed task.
func (c *Client) submit(ctx context.Context, apiKey string, body generationRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/images/generations", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(req, apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ModelScope-Async-Mode", "true")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", classifyError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &models.ProviderStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var out submitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("%w: missing task_id", ErrInvalidResponse)
	}
	return out.TaskID, nil
}

// GetStatus fetches a task's status. Transport failures and 5xx answers are retried with
// exponential backoff; once retries are exhausted the error wraps models.ErrProviderUnrecoverable.
func (c *Client) GetStatus(ctx context.Context, apiKey, taskID string) (*models.ProviderTaskStatus, error) {
	var (
		status    *models.ProviderTaskStatus
		permanent bool
	)

	op := func() error {
		st, err := c.fetchStatus(ctx, apiKey, taskID)
		if err == nil {
			status = st
			return nil
		}
		if !retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryInterval
	eb.MaxElapsedTime = 0
	retries := max(c.maxRetries, 0)
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	err := backoff.Retry(op, b)
	switch {
	case err == nil:
		return status, nil
	case permanent:
		return nil, err
	case ctx.Err() != nil:
		return nil, classifyError(ctx.Err())
	case retries == 0:
		return nil, err
	default:
		return nil, fmt.Errorf("%w: max retries exceeded: %w", models.ErrProviderUnrecoverable, err)
	}
}

func (c *Client) fetchStatus(ctx context.Context, apiKey, taskID string) (*models.ProviderTaskStatus, error) {
	u := fmt.Sprintf("%s/v1/tasks/%s", c.baseURL, url.PathEscape(taskID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(req, apiKey)
	req.Header.Set("X-ModelScope-Task-Type", "image_generation")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &models.ProviderStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var st models.ProviderTaskStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	st.Raw = raw
	return &st, nil
}

func (c *Client) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")
}

// retryable reports whether a status fetch failure may succeed on a second try.
func retryable(err error) bool {
	var se *models.ProviderStatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	if errors.Is(err, ErrInvalidResponse) || errors.Is(err, models.ErrProviderUnrecoverable) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if isTLSError(err) {
		return fmt.Errorf("%w: %w: %v", models.ErrProviderUnrecoverable, ErrUnreachable, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func isTLSError(err error) bool {
	var (
		recordErr    tls.RecordHeaderError
		verifyErr    *tls.CertificateVerificationError
		authorityErr x509.UnknownAuthorityError
		hostErr      x509.HostnameError
		invalidErr   x509.CertificateInvalidError
	)
	return errors.As(err, &recordErr) ||
		errors.As(err, &verifyErr) ||
		errors.As(err, &authorityErr) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr)
}

// Compile-time check that Client implements ImageProvider.
var _ models.ImageProvider = (*Client)(nil)

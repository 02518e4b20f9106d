package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/candypixel/pkg/models"
)

var (
	ErrNotFound            = errors.New("resource not found")
	ErrDuplicateKey        = errors.New("duplicate key violation")
	ErrConflict            = errors.New("concurrent modification")
	ErrInvalidTransition   = errors.New("invalid job status transition")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID string) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID string) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// UpdateJob writes the job's mutable fields only if the stored version still equals
	// expectedVersion. On success job.Version and job.UpdatedAt are refreshed.
	UpdateJob(ctx context.Context, job *models.Job, expectedVersion int64) error
	// CountJobsSince counts the owner's jobs created at or after since, in any status.
	CountJobsSince(ctx context.Context, ownerID string, since time.Time) (int, error)

	GetBalance(ctx context.Context, ownerID string) (int, error)
	// DeductBalance debits cost points and appends a ledger row in one transaction.
	DeductBalance(ctx context.Context, ownerID string, cost int, reason, jobID string) error
}

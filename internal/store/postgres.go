package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/candypixel/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

const apiKeyColumns = `id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, nonNil(key.Scopes), key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, ownerID string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		 WHERE owner_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`, id, ownerID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	meta, err := json.Marshal(job.Meta)
	if err != nil {
		return fmt.Errorf("encode provider meta: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO jobs (id, owner_id, kind, status, prompt, inputs, provider_meta,
		                   result_artifacts, error_message, cost, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING version`,
		job.ID, job.OwnerID, job.Kind, job.Status, job.Prompt, nonNil(job.Inputs), meta,
		nonNil(job.ResultArtifacts), job.ErrorMessage, job.Cost, job.CreatedAt, job.UpdatedAt,
	).Scan(&job.Version)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var (
		j    models.Job
		meta []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, kind, status, prompt, inputs, provider_meta, result_artifacts,
		        error_message, cost, version, created_at, updated_at
		 FROM jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.OwnerID, &j.Kind, &j.Status, &j.Prompt, &j.Inputs, &meta, &j.ResultArtifacts,
		&j.ErrorMessage, &j.Cost, &j.Version, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if err := json.Unmarshal(meta, &j.Meta); err != nil {
		return nil, fmt.Errorf("decode provider meta: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.Job, expectedVersion int64) error {
	meta, err := json.Marshal(job.Meta)
	if err != nil {
		return fmt.Errorf("encode provider meta: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET status = $3, provider_meta = $4, result_artifacts = $5, error_message = $6,
		     version = version + 1, updated_at = NOW()
		 WHERE id = $1 AND version = $2 AND status = ANY($7)
		 RETURNING version, updated_at`,
		job.ID, expectedVersion, job.Status, meta, nonNil(job.ResultArtifacts), job.ErrorMessage,
		sourcesFor(job.Status),
	).Scan(&job.Version, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.explainMissedUpdate(ctx, job.ID, job.Status, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// explainMissedUpdate tells apart the three reasons an update can match no row.
func (s *PostgresStore) explainMissedUpdate(ctx context.Context, id, to string, expectedVersion int64) error {
	var (
		status  string
		version int64
	)
	err := s.pool.QueryRow(ctx, `SELECT status, version FROM jobs WHERE id = $1`, id).Scan(&status, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job version: %w", err)
	}
	if version != expectedVersion {
		return ErrConflict
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, to)
}

var jobStatuses = []string{
	models.JobStatusQueued,
	models.JobStatusProcessing,
	models.JobStatusSuccess,
	models.JobStatusFailed,
}

// sourcesFor lists the statuses a job may be in before moving to `to`.
func sourcesFor(to string) []string {
	var out []string
	for _, from := range jobStatuses {
		if models.ValidTransition(from, to) {
			out = append(out, from)
		}
	}
	return nonNil(out)
}

func (s *PostgresStore) CountJobsSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE owner_id = $1 AND created_at >= $2`,
		ownerID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// --- Balances ---

func (s *PostgresStore) GetBalance(ctx context.Context, ownerID string) (int, error) {
	var balance int
	err := s.pool.QueryRow(ctx, `SELECT balance FROM user_balances WHERE owner_id = $1`, ownerID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) DeductBalance(ctx context.Context, ownerID string, cost int, reason, jobID string) error {
	if cost <= 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin deduct balance: %w", err)
	}
	defer tx.Rollback(ctx)

	// The ledger is unique per job: a repeated charge for the same job is a no-op.
	var job any
	if jobID != "" {
		job = jobID
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO balance_ledger (owner_id, delta, reason, job_id) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (job_id) WHERE job_id IS NOT NULL DO NOTHING`,
		ownerID, -cost, reason, job)
	if err != nil {
		return fmt.Errorf("record ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	tag, err = tx.Exec(ctx,
		`UPDATE user_balances SET balance = balance - $2, updated_at = NOW()
		 WHERE owner_id = $1 AND balance >= $2`, ownerID, cost)
	if err != nil {
		return fmt.Errorf("deduct balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit deduct balance: %w", err)
	}
	return nil
}

// nonNil keeps NOT NULL array columns from receiving SQL NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

package models

import "time"

const (
	JobStatusQueued     = "QUEUED"
	JobStatusProcessing = "PROCESSING"
	JobStatusSuccess    = "SUCCESS"
	JobStatusFailed     = "FAILED"
)

const (
	JobKindCreation = "CREATION"
	JobKindEditing  = "EDITING"
	JobKindTemplate = "TEMPLATE"
)

// Job tracks one generation or editing request. The API returns the job on
// POST /api/v1/generations; the client polls GET /api/v1/jobs/{job_id} and every
// poll of a PROCESSING job may advance it.
type Job struct {
	ID              string       `db:"id"               json:"id"`
	OwnerID         string       `db:"owner_id"         json:"owner_id"`
	Kind            string       `db:"kind"             json:"kind"`
	Status          string       `db:"status"           json:"status"`
	Prompt          string       `db:"prompt"           json:"prompt"`
	Inputs          []string     `db:"inputs"           json:"inputs"`
	Meta            ProviderMeta `db:"provider_meta"    json:"provider_meta"`
	ResultArtifacts []string     `db:"result_artifacts" json:"result_artifacts,omitempty"`
	ErrorMessage    *string      `db:"error_message"    json:"error_message,omitempty"`
	Cost            int          `db:"cost"             json:"cost"`
	Version         int64        `db:"version"          json:"-"`
	CreatedAt       time.Time    `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"       json:"updated_at"`
}

// ProviderMeta is the orchestration bookkeeping of a job. It is persisted as a
// single JSON document and is always rewritten as a whole under the job's version.
type ProviderMeta struct {
	Provider     string     `json:"provider,omitempty"`
	TaskID       string     `json:"task_id,omitempty"`
	CredentialID string     `json:"credential_id,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	RetryCount   int        `json:"retry_count"`
	RetryLock    *time.Time `json:"retry_lock,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Clone returns a deep copy so callers can hand out views without aliasing slices.
func (j *Job) Clone() *Job {
	c := *j
	c.Inputs = append([]string(nil), j.Inputs...)
	c.ResultArtifacts = append([]string(nil), j.ResultArtifacts...)
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		c.ErrorMessage = &msg
	}
	if j.Meta.RetryLock != nil {
		lock := *j.Meta.RetryLock
		c.Meta.RetryLock = &lock
	}
	return &c
}

// IsTerminal reports whether the job can no longer change.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusSuccess || j.Status == JobStatusFailed
}

var validTransitions = map[string][]string{
	JobStatusQueued:     {JobStatusProcessing, JobStatusFailed},
	JobStatusProcessing: {JobStatusProcessing, JobStatusSuccess, JobStatusFailed},
}

// ValidTransition reports whether a job may move from one status to another.
func ValidTransition(from, to string) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidKind reports whether kind is a supported job kind.
func ValidKind(kind string) bool {
	switch kind {
	case JobKindCreation, JobKindEditing, JobKindTemplate:
		return true
	}
	return false
}

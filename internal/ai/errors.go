package ai

import (
	"errors"
	"fmt"
)

var (
	ErrForbidden      = errors.New("job belongs to another owner")
	ErrInvalidRequest = errors.New("invalid generation request")
	// ErrDailyLimitReached is returned by Create when the owner used up today's quota.
	ErrDailyLimitReached = errors.New("daily request limit reached")
)

// SubmissionError is returned when the provider rejects a submission or the call fails in transit.
// Detail carries the provider's payload so it can be surfaced on the job.
type SubmissionError struct {
	Detail string
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submitting task: %s", e.Detail)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// PaymentError is returned when deferred billing fails while finalizing a job.
type PaymentError struct {
	Err error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("Payment Failed: %v", e.Err)
}

func (e *PaymentError) Unwrap() error { return e.Err }

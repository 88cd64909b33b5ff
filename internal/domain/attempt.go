package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an ApplicationAttempt.
type Status string

const (
	StatusQueued         Status = "QUEUED"
	StatusApplying       Status = "APPLYING"
	StatusReplaying      Status = "REPLAYING"
	StatusDynamicFilling Status = "DYNAMIC_FILLING"
	StatusChallengeCheck Status = "CHALLENGE_CHECK"
	StatusSubmitting     Status = "SUBMITTING"
	StatusSubmitted      Status = "SUBMITTED"
	StatusRetrying       Status = "RETRYING"
	StatusFailed         Status = "FAILED"
	StatusCancelled      Status = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSubmitted || s == StatusFailed || s == StatusCancelled
}

// Method records how the form was filled on the attempt that completed.
type Method string

const (
	MethodRecipeReplay Method = "recipe-replay"
	MethodDynamicAI    Method = "dynamic-ai"
	// MethodHybrid marks attempts where a replay aborted mid-way and dynamic
	// filling finished the same page.
	MethodHybrid Method = "hybrid"
)

// ApplicationAttempt is one queued, in-flight or completed application.
// Exactly one attempt per (applicant, job) pair is active at a time; retries
// reuse the same id with an incremented RetryCount.
type ApplicationAttempt struct {
	ID          string
	ApplicantID string
	JobID       string
	TargetURL   string
	ATSTypeHint string

	Status     Status
	Method     Method
	RetryCount int
	MaxRetries int

	// Cost accumulates the monetary cost of challenge solving across all
	// retries of this attempt.
	Cost float64

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	Error     string
	ErrorKind ErrorKind

	ConfirmationID  string
	ConfirmationURL string
}

// DefaultMaxRetries bounds re-enqueues of a retryable attempt.
const DefaultMaxRetries = 3

// NewAttempt creates a QUEUED attempt for the given (applicant, job) pair.
func NewAttempt(applicantID, jobID, targetURL, atsHint string) *ApplicationAttempt {
	return &ApplicationAttempt{
		ID:          uuid.NewString(),
		ApplicantID: applicantID,
		JobID:       jobID,
		TargetURL:   targetURL,
		ATSTypeHint: atsHint,
		Status:      StatusQueued,
		MaxRetries:  DefaultMaxRetries,
		CreatedAt:   time.Now().UTC(),
	}
}

// RetriesExhausted reports whether another retry would exceed MaxRetries.
func (a *ApplicationAttempt) RetriesExhausted() bool {
	return a.RetryCount >= a.MaxRetries
}

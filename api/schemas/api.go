package schemas

import "time"

// -- HTTP API Models --
// Wire types for the operational API. The scheduling layer that submits
// these requests is outside this repository.

// EnqueueRequest asks the orchestrator to apply to one job on behalf of one
// applicant. ATSTypeHint is optional; the platform is re-resolved from the
// target URL when absent or wrong.
type EnqueueRequest struct {
	ApplicantID string  `json:"applicant_id"`
	JobID       string  `json:"job_id"`
	TargetURL   string  `json:"target_url"`
	ATSTypeHint string  `json:"ats_type_hint,omitempty"`
	Profile     Profile `json:"profile"`
}

// EnqueueResponse returns the attempt id, which is stable across retries.
type EnqueueResponse struct {
	AttemptID string `json:"attempt_id"`
}

// AttemptStatus is the externally visible state of one attempt.
type AttemptStatus struct {
	AttemptID      string     `json:"attempt_id"`
	Status         string     `json:"status"`
	Method         string     `json:"method,omitempty"`
	RetryCount     int        `json:"retry_count"`
	Cost           float64    `json:"cost"`
	ConfirmationID string     `json:"confirmation_id,omitempty"`
	Error          string     `json:"error,omitempty"`
	ErrorKind      string     `json:"error_kind,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// RecipeSummary is the read-only listing row for monitoring replay
// effectiveness.
type RecipeSummary struct {
	Platform    string    `json:"platform"`
	ATSType     string    `json:"ats_type"`
	Version     int       `json:"version"`
	SuccessRate float64   `json:"success_rate"`
	TimesUsed   int       `json:"times_used"`
	TotalSaved  float64   `json:"total_saved"`
	Demoted     bool      `json:"demoted"`
	LastUsed    time.Time `json:"last_used"`
}

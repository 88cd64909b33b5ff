package schemas

import "context"

// -- Challenge Solver Contracts --

// ChallengeType identifies a bot-mitigation challenge family. Each type is
// billed at its own rate by the solving service.
type ChallengeType string

const (
	ChallengeRecaptchaV2 ChallengeType = "recaptcha-v2"
	ChallengeRecaptchaV3 ChallengeType = "recaptcha-v3"
	ChallengeHCaptcha    ChallengeType = "hcaptcha"
	ChallengeTurnstile   ChallengeType = "turnstile"
)

// Interactive reports whether the challenge family requires user-visible
// interaction. The frictionless/behavioral families (v3, turnstile) render
// nothing and are solved purely from page context.
func (t ChallengeType) Interactive() bool {
	return t == ChallengeRecaptchaV2 || t == ChallengeHCaptcha
}

// ChallengeSpec is the minimum context the solving service needs: the
// challenge family, the site key, the page it appeared on, and the frame
// the widget rendered into (so the solution lands in the right context).
type ChallengeSpec struct {
	Type    ChallengeType `json:"type"`
	SiteKey string        `json:"site_key"`
	PageURL string        `json:"page_url"`
	// Action is only meaningful for frictionless types (e.g. recaptcha-v3).
	Action string   `json:"action,omitempty"`
	Frame  FrameRef `json:"-"`
}

// SolverClient submits a captured challenge to a third-party solving
// service. Solutions are retrieved by polling TaskResult until ready.
type SolverClient interface {
	// CreateTask registers the challenge and returns a task id.
	CreateTask(ctx context.Context, spec ChallengeSpec) (string, error)
	// TaskResult returns the solution token once ready. A not-ready result
	// is (token="", ready=false, err=nil); the caller owns the poll loop
	// and its ceiling.
	TaskResult(ctx context.Context, taskID string) (token string, ready bool, err error)
}

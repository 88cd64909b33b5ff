package domain

import "errors"

// ErrorKind is the failure taxonomy every collaborator error is mapped into
// at the state-machine boundary. No raw collaborator error reaches the queue
// layer uninterpreted.
type ErrorKind string

const (
	// ErrKindTransient covers session/network timeouts. Retried with backoff.
	ErrKindTransient ErrorKind = "transient"
	// ErrKindStructural covers unexpected page or form shape. Retried up to
	// the ceiling, then fatal.
	ErrKindStructural ErrorKind = "structural"
	// ErrKindChallengeUnsolvable means the solver exhausted its poll ceiling
	// or refused the task. Retryable for the attempt: a fresh attempt may
	// draw an easier challenge or none at all.
	ErrKindChallengeUnsolvable ErrorKind = "challenge-unsolvable"
	// ErrKindSubmitVerification means no confirmation signal was observed
	// after submit. Always fatal, never inferred as success.
	ErrKindSubmitVerification ErrorKind = "submit-verification-failed"
	// ErrKindStalled means a worker held the attempt past its lock duration
	// without heartbeat. Requeued at most once, then fatal.
	ErrKindStalled ErrorKind = "stalled"
	// ErrKindCancelled is set when the attempt was cancelled externally.
	ErrKindCancelled ErrorKind = "cancelled"
)

// Retryable reports whether an attempt failing with this kind may be
// re-enqueued (subject to its retry ceiling).
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindTransient, ErrKindStructural, ErrKindChallengeUnsolvable:
		return true
	default:
		return false
	}
}

// Sentinel errors raised inside the core. Collaborator failures are wrapped
// with one of these so ClassifyError can map them without string matching.
var (
	ErrSessionAcquire      = errors.New("browser session acquisition failed")
	ErrNavigationTimeout   = errors.New("page navigation timed out")
	ErrNoSubmitControl     = errors.New("no submit control found on page")
	ErrFormUnparseable     = errors.New("form structure could not be parsed")
	ErrChallengeUnsolved   = errors.New("challenge solving exhausted")
	ErrInjectionUnverified = errors.New("challenge token injection could not be verified")
	ErrNoConfirmation      = errors.New("no submission confirmation signal observed")
	ErrAttemptCancelled    = errors.New("attempt cancelled")
)

// ClassifyError maps an error from the apply flow onto the taxonomy.
// Unknown errors are treated as transient: the safest default is a bounded
// retry rather than a permanent failure on a flake.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAttemptCancelled):
		return ErrKindCancelled
	case errors.Is(err, ErrNoConfirmation):
		return ErrKindSubmitVerification
	case errors.Is(err, ErrChallengeUnsolved), errors.Is(err, ErrInjectionUnverified):
		return ErrKindChallengeUnsolvable
	case errors.Is(err, ErrNoSubmitControl), errors.Is(err, ErrFormUnparseable):
		return ErrKindStructural
	case errors.Is(err, ErrSessionAcquire), errors.Is(err, ErrNavigationTimeout):
		return ErrKindTransient
	default:
		return ErrKindTransient
	}
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jobpilot-dev/jobpilot/internal/domain"
	"go.uber.org/zap"
)

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ErrNotFound is returned when an attempt id does not exist.
var ErrNotFound = errors.New("attempt not found")

// Store owns ApplicationAttempt persistence. All status transitions go
// through here; workers never hand-write SQL against the attempts table.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const attemptColumns = `id, applicant_id, job_id, target_url, ats_type_hint, status, method,
	retry_count, max_retries, stall_requeues, cost, created_at, started_at, completed_at,
	error, error_kind, confirmation_id, confirmation_url`

// CreateAttempt inserts a QUEUED attempt. A partial unique index on
// (applicant_id, job_id) over non-terminal statuses enforces the
// one-active-attempt invariant in the database, not in process memory: when
// an active attempt already exists its id is returned instead and created
// is false.
func (s *Store) CreateAttempt(ctx context.Context, a *domain.ApplicationAttempt) (id string, created bool, err error) {
	sql := `
        INSERT INTO attempts (id, applicant_id, job_id, target_url, ats_type_hint, status,
            retry_count, max_retries, stall_requeues, cost, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, 0, $7, 0, 0, $8)
        ON CONFLICT (applicant_id, job_id)
            WHERE status NOT IN ('SUBMITTED', 'FAILED', 'CANCELLED')
            DO NOTHING
        RETURNING id;
    `
	err = s.pool.QueryRow(ctx, sql,
		a.ID, a.ApplicantID, a.JobID, a.TargetURL, a.ATSTypeHint,
		string(domain.StatusQueued), a.MaxRetries, a.CreatedAt,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("failed to insert attempt: %w", err)
	}

	// Conflict path: reuse the active attempt for this pair.
	existing := `
        SELECT id FROM attempts
        WHERE applicant_id = $1 AND job_id = $2
          AND status NOT IN ('SUBMITTED', 'FAILED', 'CANCELLED');
    `
	if err := s.pool.QueryRow(ctx, existing, a.ApplicantID, a.JobID).Scan(&id); err != nil {
		return "", false, fmt.Errorf("failed to resolve active attempt: %w", err)
	}
	return id, false, nil
}

// GetAttempt loads one attempt by id.
func (s *Store) GetAttempt(ctx context.Context, id string) (*domain.ApplicationAttempt, error) {
	sql := `SELECT ` + attemptColumns + ` FROM attempts WHERE id = $1;`
	row := s.pool.QueryRow(ctx, sql, id)
	a, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func scanAttempt(row pgx.Row) (*domain.ApplicationAttempt, error) {
	var (
		a             domain.ApplicationAttempt
		status        string
		method        *string
		errMsg        *string
		errKind       *string
		confID        *string
		confURL       *string
		stallRequeues int
	)
	err := row.Scan(
		&a.ID, &a.ApplicantID, &a.JobID, &a.TargetURL, &a.ATSTypeHint, &status, &method,
		&a.RetryCount, &a.MaxRetries, &stallRequeues, &a.Cost, &a.CreatedAt, &a.StartedAt,
		&a.CompletedAt, &errMsg, &errKind, &confID, &confURL,
	)
	if err != nil {
		return nil, err
	}
	a.Status = domain.Status(status)
	if method != nil {
		a.Method = domain.Method(*method)
	}
	if errMsg != nil {
		a.Error = *errMsg
	}
	if errKind != nil {
		a.ErrorKind = domain.ErrorKind(*errKind)
	}
	if confID != nil {
		a.ConfirmationID = *confID
	}
	if confURL != nil {
		a.ConfirmationURL = *confURL
	}
	return &a, nil
}

// MarkStarted records a worker taking ownership. Clears any stale error
// from a previous retry.
func (s *Store) MarkStarted(ctx context.Context, id string) error {
	sql := `
        UPDATE attempts SET status = $2, started_at = $3, error = NULL, error_kind = NULL
        WHERE id = $1 AND status NOT IN ('SUBMITTED', 'FAILED', 'CANCELLED');
    `
	return s.exec(ctx, sql, id, string(domain.StatusApplying), time.Now().UTC())
}

// SetStatus moves an attempt between non-terminal states. Terminal states
// have dedicated writers below so they always carry their required fields.
func (s *Store) SetStatus(ctx context.Context, id string, status domain.Status) error {
	sql := `
        UPDATE attempts SET status = $2
        WHERE id = $1 AND status NOT IN ('SUBMITTED', 'FAILED', 'CANCELLED');
    `
	return s.exec(ctx, sql, id, string(status))
}

// MarkSubmitted finalizes a successful attempt.
func (s *Store) MarkSubmitted(ctx context.Context, id string, method domain.Method, confirmationID, confirmationURL string) error {
	sql := `
        UPDATE attempts SET status = $2, method = $3, confirmation_id = $4,
            confirmation_url = $5, completed_at = $6, error = NULL, error_kind = NULL
        WHERE id = $1;
    `
	return s.exec(ctx, sql, id, string(domain.StatusSubmitted), string(method),
		confirmationID, confirmationURL, time.Now().UTC())
}

// MarkRetrying bumps the retry counter and records why. The attempt keeps
// its id; retries never create duplicates.
func (s *Store) MarkRetrying(ctx context.Context, id string, errMsg string, kind domain.ErrorKind) error {
	sql := `
        UPDATE attempts SET status = $2, retry_count = retry_count + 1, error = $3, error_kind = $4
        WHERE id = $1 AND status NOT IN ('SUBMITTED', 'FAILED', 'CANCELLED');
    `
	return s.exec(ctx, sql, id, string(domain.StatusRetrying), errMsg, string(kind))
}

// MarkFailed finalizes an attempt with a human-readable error and a
// taxonomy kind. A terminal FAILED attempt always carries both.
func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string, kind domain.ErrorKind) error {
	sql := `
        UPDATE attempts SET status = $2, error = $3, error_kind = $4, completed_at = $5
        WHERE id = $1 AND status NOT IN ('SUBMITTED', 'CANCELLED');
    `
	return s.exec(ctx, sql, id, string(domain.StatusFailed), errMsg, string(kind), time.Now().UTC())
}

// Cancel marks an attempt CANCELLED. Only queued or between-step attempts
// may be cancelled; the worker checks for this status at step boundaries.
// CANCELLED carries no error.
func (s *Store) Cancel(ctx context.Context, id string) error {
	sql := `
        UPDATE attempts SET status = $2, completed_at = $3, error = NULL, error_kind = $4
        WHERE id = $1 AND status NOT IN ('SUBMITTED', 'FAILED', 'CANCELLED');
    `
	return s.exec(ctx, sql, id, string(domain.StatusCancelled), time.Now().UTC(), string(domain.ErrKindCancelled))
}

// IsCancelled is the step-boundary cancellation probe.
func (s *Store) IsCancelled(ctx context.Context, id string) (bool, error) {
	var status string
	if err := s.pool.QueryRow(ctx, `SELECT status FROM attempts WHERE id = $1;`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("failed to read attempt status: %w", err)
	}
	return domain.Status(status) == domain.StatusCancelled, nil
}

// AddCost accumulates challenge-solving spend on the attempt. Written as a
// relative update so concurrent solves never lose increments.
func (s *Store) AddCost(ctx context.Context, id string, delta float64) error {
	return s.exec(ctx, `UPDATE attempts SET cost = cost + $2 WHERE id = $1;`, id, delta)
}

// StallCandidate is an in-flight attempt whose worker lease may have died.
type StallCandidate struct {
	ID            string
	StallRequeues int
}

// ListStalled returns attempts sitting in executing states longer than the
// lock duration. The caller cross-checks the redis lease before acting: a
// slow-but-alive worker still heartbeats.
func (s *Store) ListStalled(ctx context.Context, olderThan time.Duration) ([]StallCandidate, error) {
	sql := `
        SELECT id, stall_requeues FROM attempts
        WHERE status IN ('APPLYING', 'REPLAYING', 'DYNAMIC_FILLING', 'CHALLENGE_CHECK', 'SUBMITTING')
          AND started_at < $1;
    `
	rows, err := s.pool.Query(ctx, sql, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("failed to query stalled attempts: %w", err)
	}
	defer rows.Close()

	var out []StallCandidate
	for rows.Next() {
		var c StallCandidate
		if err := rows.Scan(&c.ID, &c.StallRequeues); err != nil {
			return nil, fmt.Errorf("failed to scan stalled attempt: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkStalledRequeued resets a stalled attempt to QUEUED and counts the
// requeue. An attempt is requeued at most once before it fails for good.
func (s *Store) MarkStalledRequeued(ctx context.Context, id string) error {
	sql := `
        UPDATE attempts SET status = $2, stall_requeues = stall_requeues + 1
        WHERE id = $1 AND status NOT IN ('SUBMITTED', 'FAILED', 'CANCELLED');
    `
	return s.exec(ctx, sql, id, string(domain.StatusQueued))
}

func (s *Store) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("attempt update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jobpilot-dev/jobpilot/internal/domain"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	s, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return s, mockPool
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestCreateAttempt(t *testing.T) {
	ctx := context.Background()

	t.Run("should insert a fresh attempt", func(t *testing.T) {
		s, mockPool := newMockStore(t)

		a := domain.NewAttempt("applicant-1", "job-1", "https://boards.greenhouse.io/acme/jobs/1", "")

		mockPool.ExpectQuery(`INSERT INTO attempts`).
			WithArgs(a.ID, a.ApplicantID, a.JobID, a.TargetURL, a.ATSTypeHint,
				string(domain.StatusQueued), a.MaxRetries, a.CreatedAt).
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(a.ID))

		id, created, err := s.CreateAttempt(ctx, a)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, a.ID, id)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should return the existing active attempt on conflict", func(t *testing.T) {
		s, mockPool := newMockStore(t)

		a := domain.NewAttempt("applicant-1", "job-1", "https://boards.greenhouse.io/acme/jobs/1", "")
		existingID := uuid.NewString()

		// ON CONFLICT DO NOTHING yields no row.
		mockPool.ExpectQuery(`INSERT INTO attempts`).
			WithArgs(a.ID, a.ApplicantID, a.JobID, a.TargetURL, a.ATSTypeHint,
				string(domain.StatusQueued), a.MaxRetries, a.CreatedAt).
			WillReturnError(pgx.ErrNoRows)

		mockPool.ExpectQuery(`SELECT id FROM attempts`).
			WithArgs(a.ApplicantID, a.JobID).
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(existingID))

		id, created, err := s.CreateAttempt(ctx, a)
		require.NoError(t, err)
		assert.False(t, created, "conflict must not create a duplicate attempt")
		assert.Equal(t, existingID, id)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestMarkRetrying(t *testing.T) {
	s, mockPool := newMockStore(t)
	id := uuid.NewString()

	sql := regexp.QuoteMeta(`UPDATE attempts SET status = $2, retry_count = retry_count + 1, error = $3, error_kind = $4`)
	mockPool.ExpectExec(sql).
		WithArgs(id, string(domain.StatusRetrying), "navigation timed out", string(domain.ErrKindTransient)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.MarkRetrying(context.Background(), id, "navigation timed out", domain.ErrKindTransient)
	require.NoError(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestMarkFailed(t *testing.T) {
	s, mockPool := newMockStore(t)
	id := uuid.NewString()

	mockPool.ExpectExec(`UPDATE attempts SET status`).
		WithArgs(id, string(domain.StatusFailed), "no confirmation signal",
			string(domain.ErrKindSubmitVerification), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.MarkFailed(context.Background(), id, "no confirmation signal", domain.ErrKindSubmitVerification)
	require.NoError(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestCancel(t *testing.T) {
	t.Run("cancels a non-terminal attempt", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		id := uuid.NewString()

		mockPool.ExpectExec(`UPDATE attempts SET status`).
			WithArgs(id, string(domain.StatusCancelled), pgxmock.AnyArg(), string(domain.ErrKindCancelled)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, s.Cancel(context.Background(), id))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("reports not found for terminal attempts", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		id := uuid.NewString()

		mockPool.ExpectExec(`UPDATE attempts SET status`).
			WithArgs(id, string(domain.StatusCancelled), pgxmock.AnyArg(), string(domain.ErrKindCancelled)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := s.Cancel(context.Background(), id)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAddCost(t *testing.T) {
	s, mockPool := newMockStore(t)
	id := uuid.NewString()

	mockPool.ExpectExec(regexp.QuoteMeta(`UPDATE attempts SET cost = cost + $2 WHERE id = $1;`)).
		WithArgs(id, 0.003).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.AddCost(context.Background(), id, 0.003))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestIsCancelled(t *testing.T) {
	s, mockPool := newMockStore(t)
	id := uuid.NewString()

	mockPool.ExpectQuery(`SELECT status FROM attempts`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(string(domain.StatusCancelled)))

	cancelled, err := s.IsCancelled(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

package recipes

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jobpilot-dev/jobpilot/internal/config"
	"github.com/jobpilot-dev/jobpilot/internal/domain"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testCfg = config.RecipesConfig{EWMAWeight: 0.2, DemotionFloor: 0.5}

func newMockCache(t *testing.T) (*Cache, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	return New(mockPool, zap.NewNop(), testCfg), mockPool
}

func recipeRows(t *testing.T, r *domain.Recipe) *pgxmock.Rows {
	t.Helper()
	steps, err := json.Marshal(r.Steps)
	require.NoError(t, err)
	return pgxmock.NewRows([]string{
		"id", "platform", "ats_type", "version", "steps", "success_rate", "times_used",
		"failure_count", "recording_cost", "replay_cost", "total_saved", "last_used",
		"last_failure", "recorded_by", "created_at",
	}).AddRow(r.ID, r.Platform, r.ATSType, r.Version, steps, r.SuccessRate, r.TimesUsed,
		r.FailureCount, r.RecordingCost, r.ReplayCost, r.TotalSaved, r.LastUsed,
		r.LastFailure, r.RecordedBy, r.CreatedAt)
}

func sampleRecipe() *domain.Recipe {
	return &domain.Recipe{
		ID:       uuid.NewString(),
		Platform: "boards.greenhouse.io",
		ATSType:  "greenhouse",
		Version:  1,
		Steps: []domain.RecipeStep{
			{Action: domain.StepFill, Selector: "#first_name", Value: "first_name"},
			{Action: domain.StepFill, Selector: "#email", Value: "email"},
			{Action: domain.StepClick, Selector: "#submit_app"},
		},
		SuccessRate: 0.9,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestLookup(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the newest non-demoted recipe", func(t *testing.T) {
		c, mockPool := newMockCache(t)
		r := sampleRecipe()

		mockPool.ExpectQuery(`SELECT (.+) FROM recipes`).
			WithArgs(r.Platform, r.ATSType, testCfg.DemotionFloor).
			WillReturnRows(recipeRows(t, r))

		got, err := c.Lookup(ctx, r.Platform, domain.ATSGreenhouse)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, r.ID, got.ID)
		assert.Len(t, got.Steps, 3)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("returns nil on miss", func(t *testing.T) {
		c, mockPool := newMockCache(t)

		mockPool.ExpectQuery(`SELECT (.+) FROM recipes`).
			WithArgs("jobs.lever.co", "lever", testCfg.DemotionFloor).
			WillReturnRows(pgxmock.NewRows([]string{"id"}))

		got, err := c.Lookup(ctx, "jobs.lever.co", domain.ATSLever)
		require.NoError(t, err)
		assert.Nil(t, got, "demoted or missing recipes must not be offered for replay")
	})
}

func TestRecordSuccess(t *testing.T) {
	ctx := context.Background()

	t.Run("creates version 1 when no recipe exists", func(t *testing.T) {
		c, mockPool := newMockCache(t)

		mockPool.ExpectQuery(`SELECT (.+) FROM recipes`).
			WithArgs("boards.greenhouse.io", "greenhouse").
			WillReturnRows(pgxmock.NewRows([]string{"id"}))

		mockPool.ExpectExec(`INSERT INTO recipes`).
			WithArgs(pgxmock.AnyArg(), "boards.greenhouse.io", "greenhouse", 1,
				pgxmock.AnyArg(), 1.0, 0.006, 0.0, "worker-1", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		steps := sampleRecipe().Steps
		r, err := c.RecordSuccess(ctx, "boards.greenhouse.io", domain.ATSGreenhouse, steps, 0.006, "worker-1")
		require.NoError(t, err)
		assert.Equal(t, 1, r.Version)
		assert.Equal(t, 1.0, r.SuccessRate)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("bumps the version when steps diverge", func(t *testing.T) {
		c, mockPool := newMockCache(t)
		cur := sampleRecipe()

		mockPool.ExpectQuery(`SELECT (.+) FROM recipes`).
			WithArgs(cur.Platform, cur.ATSType).
			WillReturnRows(recipeRows(t, cur))

		mockPool.ExpectExec(`INSERT INTO recipes`).
			WithArgs(pgxmock.AnyArg(), cur.Platform, cur.ATSType, 2,
				pgxmock.AnyArg(), 1.0, 0.0, 0.0, "worker-2", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		diverged := []domain.RecipeStep{
			{Action: domain.StepFill, Selector: "#full_name", Value: "full_name"},
			{Action: domain.StepClick, Selector: "button[type=submit]"},
		}
		r, err := c.RecordSuccess(ctx, cur.Platform, domain.ATSGreenhouse, diverged, 0, "worker-2")
		require.NoError(t, err)
		assert.Equal(t, 2, r.Version, "divergent steps must create a new version, not overwrite")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("identical steps fold a success into the existing recipe", func(t *testing.T) {
		c, mockPool := newMockCache(t)
		cur := sampleRecipe()

		mockPool.ExpectQuery(`SELECT (.+) FROM recipes`).
			WithArgs(cur.Platform, cur.ATSType).
			WillReturnRows(recipeRows(t, cur))

		mockPool.ExpectBegin()
		mockPool.ExpectExec(`INSERT INTO recipe_executions`).
			WithArgs(pgxmock.AnyArg(), cur.ID, true, string(domain.MethodDynamicAI),
				int64(0), 0.0, "", "", "", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(`UPDATE recipes SET`).
			WithArgs(cur.ID, testCfg.EWMAWeight, 1.0, true, false, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectCommit()

		r, err := c.RecordSuccess(ctx, cur.Platform, domain.ATSGreenhouse, cur.Steps, 0, "worker-3")
		require.NoError(t, err)
		assert.Equal(t, cur.Version, r.Version)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestRecordExecution(t *testing.T) {
	ctx := context.Background()

	t.Run("logs a failed replay and demotes the rate transactionally", func(t *testing.T) {
		c, mockPool := newMockCache(t)
		recipeID := uuid.NewString()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(`INSERT INTO recipe_executions`).
			WithArgs(pgxmock.AnyArg(), recipeID, false, string(domain.MethodRecipeReplay),
				int64(4200), 0.0, "selector not found: #email", string(domain.ErrKindStructural),
				"https://boards.greenhouse.io/acme/jobs/1", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(`UPDATE recipes SET`).
			WithArgs(recipeID, testCfg.EWMAWeight, 0.0, false, true, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectCommit()

		err := c.RecordExecution(ctx, recipeID, domain.RecipeExecution{
			Success:   false,
			Method:    domain.MethodRecipeReplay,
			Duration:  4200 * time.Millisecond,
			Error:     "selector not found: #email",
			ErrorKind: domain.ErrKindStructural,
			JobURL:    "https://boards.greenhouse.io/acme/jobs/1",
		})
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("rolls back when the counter update fails", func(t *testing.T) {
		c, mockPool := newMockCache(t)
		recipeID := uuid.NewString()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(`INSERT INTO recipe_executions`).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(`UPDATE recipes SET`).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(assert.AnError)
		mockPool.ExpectRollback()

		err := c.RecordExecution(ctx, recipeID, domain.RecipeExecution{Success: true, Method: domain.MethodRecipeReplay})
		require.Error(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestList(t *testing.T) {
	c, mockPool := newMockCache(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{
		"platform", "ats_type", "version", "success_rate", "times_used", "total_saved", "last_used",
	}).
		AddRow("boards.greenhouse.io", "greenhouse", 2, 0.92, 41, 1.23, &now).
		AddRow("jobs.lever.co", "lever", 1, 0.31, 12, 0.40, &now)

	mockPool.ExpectQuery(`SELECT platform, ats_type, version`).WillReturnRows(rows)

	out, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.False(t, out[0].Demoted)
	assert.True(t, out[1].Demoted, "rates under the floor must be flagged demoted in listings")
}

package recipes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jobpilot-dev/jobpilot/api/schemas"
	"github.com/jobpilot-dev/jobpilot/internal/config"
	"github.com/jobpilot-dev/jobpilot/internal/domain"
	"github.com/jobpilot-dev/jobpilot/internal/store"
	"go.uber.org/zap"
)

// Cache arbitrates between replay and relearn for each (platform, atsType)
// pair. It owns the recipes and recipe_executions tables; the state machine
// reads and records outcomes only through this contract.
//
// Demotion replaces eviction: a recipe whose EWMA success rate falls under
// the configured floor stops being offered for replay but is never deleted.
type Cache struct {
	pool store.DBPool
	log  *zap.Logger
	cfg  config.RecipesConfig

	// keyed mutexes serialize version-bump decisions per (platform, atsType).
	// Counter updates themselves are single UPDATE statements and rely on
	// row locking, but deciding "new version or not" is a read-then-write.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the recipe cache.
func New(pool store.DBPool, logger *zap.Logger, cfg config.RecipesConfig) *Cache {
	return &Cache{
		pool:  pool,
		log:   logger.Named("recipes"),
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}
}

func (c *Cache) keyLock(platform, atsType string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := platform + "|" + atsType
	l, ok := c.locks[k]
	if !ok {
		l = &sync.Mutex{}
		c.locks[k] = l
	}
	return l
}

const recipeColumns = `id, platform, ats_type, version, steps, success_rate, times_used,
	failure_count, recording_cost, replay_cost, total_saved, last_used, last_failure,
	recorded_by, created_at`

// Lookup returns the newest non-demoted recipe for the pair, or nil when
// none qualifies. A demoted recipe is invisible here until a later
// successful recording raises it back over the floor.
func (c *Cache) Lookup(ctx context.Context, platform string, atsType domain.ATSType) (*domain.Recipe, error) {
	sql := `
        SELECT ` + recipeColumns + ` FROM recipes
        WHERE platform = $1 AND ats_type = $2 AND success_rate >= $3
        ORDER BY version DESC
        LIMIT 1;
    `
	row := c.pool.QueryRow(ctx, sql, platform, string(atsType), c.cfg.DemotionFloor)
	r, err := scanRecipe(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recipe lookup failed: %w", err)
	}
	return r, nil
}

// latest returns the newest version regardless of demotion, for the
// recording path to compare steps against.
func (c *Cache) latest(ctx context.Context, platform string, atsType domain.ATSType) (*domain.Recipe, error) {
	sql := `
        SELECT ` + recipeColumns + ` FROM recipes
        WHERE platform = $1 AND ats_type = $2
        ORDER BY version DESC
        LIMIT 1;
    `
	row := c.pool.QueryRow(ctx, sql, platform, string(atsType))
	r, err := scanRecipe(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func scanRecipe(row pgx.Row) (*domain.Recipe, error) {
	var (
		r        domain.Recipe
		stepsRaw []byte
	)
	err := row.Scan(
		&r.ID, &r.Platform, &r.ATSType, &r.Version, &stepsRaw, &r.SuccessRate, &r.TimesUsed,
		&r.FailureCount, &r.RecordingCost, &r.ReplayCost, &r.TotalSaved, &r.LastUsed,
		&r.LastFailure, &r.RecordedBy, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stepsRaw, &r.Steps); err != nil {
		return nil, fmt.Errorf("corrupt recipe steps: %w", err)
	}
	return &r, nil
}

// RecordSuccess stores the step list a successful dynamic fill just
// produced. No recipe yet: version 1 is created. Existing recipe whose
// steps diverge materially (selector set changed): a new version is
// inserted and the old one retained, never overwritten in place, so an
// in-flight replay elsewhere cannot read a half-updated recipe. Same
// steps: the existing recipe absorbs a successful observation, which is
// how a demoted recipe recovers.
func (c *Cache) RecordSuccess(ctx context.Context, platform string, atsType domain.ATSType, steps []domain.RecipeStep, cost float64, recordedBy string) (*domain.Recipe, error) {
	lock := c.keyLock(platform, string(atsType))
	lock.Lock()
	defer lock.Unlock()

	cur, err := c.latest(ctx, platform, atsType)
	if err != nil {
		return nil, fmt.Errorf("recipe recording lookup failed: %w", err)
	}

	switch {
	case cur == nil:
		r := domain.NewRecipe(platform, string(atsType), steps, cost, recordedBy)
		if err := c.insert(ctx, r); err != nil {
			return nil, err
		}
		c.log.Info("Recorded new recipe",
			zap.String("platform", platform),
			zap.String("ats_type", string(atsType)),
			zap.Int("steps", len(steps)))
		return r, nil

	case domain.StepsDiverge(cur.Steps, steps):
		r := domain.NewRecipe(platform, string(atsType), steps, cost, recordedBy)
		r.Version = cur.Version + 1
		if err := c.insert(ctx, r); err != nil {
			return nil, err
		}
		c.log.Info("Recipe steps diverged, recorded new version",
			zap.String("platform", platform),
			zap.String("ats_type", string(atsType)),
			zap.Int("version", r.Version))
		return r, nil

	default:
		// Same structure: fold a success into the existing recipe.
		if err := c.RecordExecution(ctx, cur.ID, domain.RecipeExecution{
			Success: true,
			Method:  domain.MethodDynamicAI,
			Cost:    cost,
		}); err != nil {
			return nil, err
		}
		return cur, nil
	}
}

func (c *Cache) insert(ctx context.Context, r *domain.Recipe) error {
	stepsJSON, err := json.Marshal(r.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode recipe steps: %w", err)
	}
	sql := `
        INSERT INTO recipes (id, platform, ats_type, version, steps, success_rate, times_used,
            failure_count, recording_cost, replay_cost, total_saved, recorded_by, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, 0, 0, $7, $8, 0, $9, $10);
    `
	if _, err := c.pool.Exec(ctx, sql, r.ID, r.Platform, r.ATSType, r.Version, stepsJSON,
		r.SuccessRate, r.RecordingCost, r.ReplayCost, r.RecordedBy, r.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert recipe: %w", err)
	}
	return nil
}

// RecordExecution appends one replay/recording outcome and updates the
// recipe's aggregates in the same transaction. The counters are written as
// a single relative UPDATE keyed by recipe id, never an in-process
// read-modify-write, so concurrent workers cannot lose updates.
func (c *Cache) RecordExecution(ctx context.Context, recipeID string, exec domain.RecipeExecution) error {
	exec.RecipeID = recipeID
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now().UTC()
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			c.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	insertSQL := `
        INSERT INTO recipe_executions (id, recipe_id, success, method, duration_ms, cost,
            error, error_kind, job_url, executed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
    `
	if _, err := tx.Exec(ctx, insertSQL,
		newExecutionID(), exec.RecipeID, exec.Success, string(exec.Method),
		exec.Duration.Milliseconds(), exec.Cost, exec.Error, string(exec.ErrorKind),
		exec.JobURL, exec.ExecutedAt); err != nil {
		return fmt.Errorf("failed to insert recipe execution: %w", err)
	}

	outcome := 0.0
	if exec.Success {
		outcome = 1.0
	}
	updateSQL := `
        UPDATE recipes SET
            success_rate  = success_rate * (1 - $2) + $3 * $2,
            times_used    = times_used + 1,
            failure_count = failure_count + CASE WHEN $4 THEN 0 ELSE 1 END,
            total_saved   = total_saved + CASE WHEN $4 AND $5 THEN recording_cost - replay_cost ELSE 0 END,
            last_used     = $6,
            last_failure  = CASE WHEN $4 THEN last_failure ELSE $6 END
        WHERE id = $1;
    `
	replay := exec.Method == domain.MethodRecipeReplay
	if _, err := tx.Exec(ctx, updateSQL, exec.RecipeID, c.cfg.EWMAWeight, outcome,
		exec.Success, replay, exec.ExecutedAt); err != nil {
		return fmt.Errorf("failed to update recipe counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func newExecutionID() string { return uuid.NewString() }

// List returns the operational recipe listing, demoted recipes included.
func (c *Cache) List(ctx context.Context) ([]schemas.RecipeSummary, error) {
	sql := `
        SELECT platform, ats_type, version, success_rate, times_used, total_saved, last_used
        FROM recipes
        ORDER BY platform, ats_type, version DESC;
    `
	rows, err := c.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipes: %w", err)
	}
	defer rows.Close()

	var out []schemas.RecipeSummary
	for rows.Next() {
		var (
			s        schemas.RecipeSummary
			lastUsed *time.Time
		)
		if err := rows.Scan(&s.Platform, &s.ATSType, &s.Version, &s.SuccessRate,
			&s.TimesUsed, &s.TotalSaved, &lastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan recipe row: %w", err)
		}
		if lastUsed != nil {
			s.LastUsed = *lastUsed
		}
		s.Demoted = s.SuccessRate < c.cfg.DemotionFloor
		out = append(out, s)
	}
	return out, rows.Err()
}

// Package applier drives one application attempt through its lifecycle:
// navigate, replay or dynamically fill, survive the challenge check, submit
// and verify. It owns the mid-flight status transitions; the engine owns
// terminal ones.
package applier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/jobpilot-dev/jobpilot/api/schemas"
	"github.com/jobpilot-dev/jobpilot/internal/domain"
)

// formReadyWait bounds the wait for the platform's form marker before the
// fill starts anyway. Slow boards render the form late but still render it.
const formReadyWait = 10 * time.Second

// AttemptStore is the slice of attempt persistence the applier needs.
type AttemptStore interface {
	SetStatus(ctx context.Context, id string, status domain.Status) error
	AddCost(ctx context.Context, id string, delta float64) error
	IsCancelled(ctx context.Context, id string) (bool, error)
}

// RecipeCache arbitrates replay versus relearn.
type RecipeCache interface {
	Lookup(ctx context.Context, platform string, atsType domain.ATSType) (*domain.Recipe, error)
	RecordSuccess(ctx context.Context, platform string, atsType domain.ATSType, steps []domain.RecipeStep, cost float64, recordedBy string) (*domain.Recipe, error)
	RecordExecution(ctx context.Context, recipeID string, exec domain.RecipeExecution) error
}

// ChallengeDetector probes one frame for a challenge widget.
type ChallengeDetector interface {
	Detect(ctx context.Context, sess schemas.Session, frame schemas.FrameRef) (*schemas.ChallengeSpec, error)
}

// ChallengeSolver runs the solve, inject, verify protocol and returns what
// the solve billed.
type ChallengeSolver interface {
	Solve(ctx context.Context, sess schemas.Session, spec *schemas.ChallengeSpec) (float64, error)
}

// Outcome is what a successful run hands back to the engine for the
// terminal SUBMITTED write.
type Outcome struct {
	Method          domain.Method
	ConfirmationID  string
	ConfirmationURL string
	// Cost is the challenge spend incurred during this run.
	Cost float64
}

// Applier executes attempts. One instance is shared by all workers; it
// holds no per-attempt state.
type Applier struct {
	sessions schemas.SessionProvider
	filler   schemas.FormFiller
	attempts AttemptStore
	recipes  RecipeCache
	detector ChallengeDetector
	solver   ChallengeSolver
	workerID string
	log      *zap.Logger
}

func New(
	sessions schemas.SessionProvider,
	formFiller schemas.FormFiller,
	attempts AttemptStore,
	recipes RecipeCache,
	detector ChallengeDetector,
	solver ChallengeSolver,
	workerID string,
	logger *zap.Logger,
) *Applier {
	return &Applier{
		sessions: sessions,
		filler:   formFiller,
		attempts: attempts,
		recipes:  recipes,
		detector: detector,
		solver:   solver,
		workerID: workerID,
		log:      logger.Named("applier"),
	}
}

// Run executes one attempt from APPLYING to the edge of a terminal state.
// Errors carry the taxonomy sentinels from the domain package; the engine
// classifies them into retry or fail.
func (a *Applier) Run(ctx context.Context, attempt *domain.ApplicationAttempt, profile schemas.Profile) (Outcome, error) {
	var out Outcome
	log := a.log.With(zap.String("attempt_id", attempt.ID), zap.String("job_id", attempt.JobID))

	if err := a.ensureNotCancelled(ctx, attempt.ID); err != nil {
		return out, err
	}

	sess, err := a.sessions.Acquire(ctx, schemas.SessionOptions{Mode: schemas.ModeStealth})
	if err != nil {
		return out, err
	}
	defer func() {
		if relErr := a.sessions.Release(context.Background(), sess); relErr != nil {
			log.Warn("Failed to release browser session", zap.Error(relErr))
		}
	}()

	if err := sess.Navigate(ctx, attempt.TargetURL); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return out, fmt.Errorf("%w: %v", domain.ErrNavigationTimeout, err)
		}
		return out, err
	}

	platform := domain.PlatformKey(attempt.TargetURL)
	ats := domain.DetectATS(attempt.TargetURL, attempt.ATSTypeHint)
	strat := strategyFor(ats)
	log = log.With(zap.String("platform", platform), zap.String("ats_type", string(ats)))

	if err := sess.WaitVisible(ctx, strat.readySelector, formReadyWait); err != nil {
		log.Warn("Form ready marker never appeared, filling anyway",
			zap.String("selector", strat.readySelector))
	}

	out.Method = domain.MethodDynamicAI
	var (
		steps     []domain.RecipeStep
		submitSel string
		recipe    *domain.Recipe
		started   = time.Now()
	)

	recipe, err = a.recipes.Lookup(ctx, platform, ats)
	if err != nil {
		return out, err
	}

	replayed := false
	if recipe != nil {
		if err := a.attempts.SetStatus(ctx, attempt.ID, domain.StatusReplaying); err != nil {
			return out, err
		}
		if replayErr := a.replay(ctx, sess, recipe, profile); replayErr != nil {
			// A diverged replay is not a failed attempt: fall back to dynamic
			// filling on the same page without consuming a retry.
			log.Info("Replay diverged, falling back to dynamic fill",
				zap.Int("recipe_version", recipe.Version), zap.Error(replayErr))
			if recErr := a.recipes.RecordExecution(ctx, recipe.ID, domain.RecipeExecution{
				Success:   false,
				Method:    domain.MethodRecipeReplay,
				Duration:  time.Since(started),
				Error:     replayErr.Error(),
				ErrorKind: domain.ErrKindStructural,
				JobURL:    attempt.TargetURL,
			}); recErr != nil {
				log.Warn("Failed to record replay failure", zap.Error(recErr))
			}
			out.Method = domain.MethodHybrid
		} else {
			replayed = true
			out.Method = domain.MethodRecipeReplay
			steps = recipe.Steps
			submitSel = lastClickSelector(recipe.Steps)
		}
	}

	if !replayed {
		if err := a.attempts.SetStatus(ctx, attempt.ID, domain.StatusDynamicFilling); err != nil {
			return out, err
		}
		report, err := a.filler.Fill(ctx, sess, profile)
		if err != nil {
			return out, err
		}
		log.Info("Dynamic fill complete",
			zap.Int("filled", report.FilledCount()), zap.Int("unmapped", report.UnmappedCount()))
		submit, err := a.filler.Submit(ctx, sess)
		if err != nil {
			return out, err
		}
		steps = buildSteps(report, submit, profile)
		submitSel = submit.Selector
	}

	// Challenges materialize after the click, often inside the platform's
	// own frame. Probing before the click, or only at top level, reports a
	// clean page that is already blocked.
	if err := a.attempts.SetStatus(ctx, attempt.ID, domain.StatusChallengeCheck); err != nil {
		return out, err
	}
	if err := a.ensureNotCancelled(ctx, attempt.ID); err != nil {
		return out, err
	}

	solved, cost, err := a.handleChallenge(ctx, sess, strat)
	if err != nil {
		return out, err
	}
	if cost > 0 {
		out.Cost += cost
		if err := a.attempts.AddCost(ctx, attempt.ID, cost); err != nil {
			log.Warn("Failed to record challenge cost", zap.Error(err))
		}
	}
	if solved && submitSel != "" {
		// The blocked click has to be repeated now that the token is in place.
		if err := sess.Click(ctx, submitSel); err != nil {
			return out, fmt.Errorf("resubmit after challenge failed: %w", err)
		}
	}

	if err := a.attempts.SetStatus(ctx, attempt.ID, domain.StatusSubmitting); err != nil {
		return out, err
	}
	confID, confURL, err := a.verify(ctx, sess, strat)
	if err != nil {
		if replayed {
			if recErr := a.recipes.RecordExecution(ctx, recipe.ID, domain.RecipeExecution{
				Success:   false,
				Method:    domain.MethodRecipeReplay,
				Duration:  time.Since(started),
				Error:     err.Error(),
				ErrorKind: domain.ErrKindSubmitVerification,
				JobURL:    attempt.TargetURL,
			}); recErr != nil {
				log.Warn("Failed to record replay failure", zap.Error(recErr))
			}
		}
		return out, err
	}
	out.ConfirmationID = confID
	out.ConfirmationURL = confURL

	// Learning pass: replays fold their outcome into the recipe's stats,
	// dynamic successes record a recipe for the next attempt on this pair.
	if replayed {
		if recErr := a.recipes.RecordExecution(ctx, recipe.ID, domain.RecipeExecution{
			Success:  true,
			Method:   domain.MethodRecipeReplay,
			Duration: time.Since(started),
			Cost:     out.Cost,
			JobURL:   attempt.TargetURL,
		}); recErr != nil {
			log.Warn("Failed to record replay success", zap.Error(recErr))
		}
	} else if len(steps) > 0 {
		if _, recErr := a.recipes.RecordSuccess(ctx, platform, ats, steps, out.Cost, a.workerID); recErr != nil {
			log.Warn("Failed to record recipe", zap.Error(recErr))
		}
	}

	log.Info("Application submitted",
		zap.String("method", string(out.Method)),
		zap.String("confirmation_url", confURL),
		zap.Float64("cost", out.Cost))
	return out, nil
}

func (a *Applier) ensureNotCancelled(ctx context.Context, id string) error {
	cancelled, err := a.attempts.IsCancelled(ctx, id)
	if err != nil {
		return err
	}
	if cancelled {
		return domain.ErrAttemptCancelled
	}
	return nil
}

// replay executes a recorded step list verbatim. Any step that cannot run,
// whether the selector is gone or the profile lacks the answer key, aborts
// the replay so the caller can fall back to dynamic filling.
func (a *Applier) replay(ctx context.Context, sess schemas.Session, recipe *domain.Recipe, profile schemas.Profile) error {
	for i, step := range recipe.Steps {
		var err error
		switch step.Action {
		case domain.StepNavigate:
			err = sess.Navigate(ctx, step.Value)
		case domain.StepClick:
			err = sess.Click(ctx, step.Selector)
		case domain.StepWait:
			err = waitMs(ctx, step.WaitMs)
		default:
			value, ok := resolveStepValue(step, profile)
			if !ok {
				return fmt.Errorf("step %d: profile has no value for %q", i, step.Value)
			}
			switch step.Action {
			case domain.StepFill:
				err = sess.Type(ctx, step.Selector, value)
			case domain.StepSelect:
				err = sess.SelectOption(ctx, step.Selector, value)
			case domain.StepUpload:
				err = sess.Upload(ctx, step.Selector, value)
			default:
				return fmt.Errorf("step %d: unknown action %q", i, step.Action)
			}
		}
		if err != nil {
			return fmt.Errorf("step %d (%s %s): %w", i, step.Action, step.Selector, err)
		}
	}
	return nil
}

// handleChallenge probes every frame the platform uses and solves the first
// widget found. (found=false, cost=0, err=nil) means the page is clean.
func (a *Applier) handleChallenge(ctx context.Context, sess schemas.Session, strat strategy) (bool, float64, error) {
	for _, frame := range strat.challengeFrames {
		spec, err := a.detector.Detect(ctx, sess, frame)
		if err != nil {
			return false, 0, err
		}
		if spec == nil {
			continue
		}
		cost, err := a.solver.Solve(ctx, sess, spec)
		if err != nil {
			return false, 0, err
		}
		return true, cost, nil
	}
	return false, 0, nil
}

// verify hunts for a confirmation signal: the platform's confirmation
// element first, then a recognizable URL, then known phrases in the page
// text. Absence of all three is ErrNoConfirmation, which is never retried;
// the submission may have landed and a retry would double-apply.
func (a *Applier) verify(ctx context.Context, sess schemas.Session, strat strategy) (string, string, error) {
	if strat.confirmationSelector != "" {
		if err := sess.WaitVisible(ctx, strat.confirmationSelector, strat.confirmWait); err == nil {
			url, urlErr := sess.CurrentURL(ctx)
			if urlErr != nil {
				return "", "", fmt.Errorf("confirmation url read failed: %w", urlErr)
			}
			return a.confirmationText(ctx, sess, strat.confirmationSelector), url, nil
		}
	}

	url, err := sess.CurrentURL(ctx)
	if err != nil {
		return "", "", fmt.Errorf("confirmation url read failed: %w", err)
	}
	if strat.urlHintsMatch(url) {
		return "", url, nil
	}

	if html, err := sess.HTML(ctx); err == nil {
		if doc, perr := goquery.NewDocumentFromReader(strings.NewReader(html)); perr == nil {
			text := strings.ToLower(doc.Text())
			for _, phrase := range strat.confirmationPhrases {
				if strings.Contains(text, strings.ToLower(phrase)) {
					return "", url, nil
				}
			}
		}
	}

	return "", "", fmt.Errorf("no confirmation signal within %s: %w", strat.confirmWait, domain.ErrNoConfirmation)
}

// confirmationText extracts the confirmation element's text for the
// operator-facing confirmation id. Best effort.
func (a *Applier) confirmationText(ctx context.Context, sess schemas.Session, selector string) string {
	html, err := sess.HTML(ctx)
	if err != nil {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find(selector).First().Text())
}

func lastClickSelector(steps []domain.RecipeStep) string {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Action == domain.StepClick {
			return steps[i].Selector
		}
	}
	return ""
}

func waitMs(ctx context.Context, ms int) error {
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

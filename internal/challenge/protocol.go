package challenge

import (
	"context"
	"fmt"

	"github.com/jobpilot-dev/jobpilot/api/schemas"
	"github.com/jobpilot-dev/jobpilot/internal/config"
	"github.com/jobpilot-dev/jobpilot/internal/domain"
	"go.uber.org/zap"
)

// Protocol runs the solve, inject, verify sequence for a detected challenge.
// It never trusts the injection blindly: the token is read back from the
// response field before the attempt is allowed to proceed to submission.
type Protocol struct {
	solver schemas.SolverClient
	clock  Clock
	cfg    config.ChallengeConfig
	log    *zap.Logger
}

func NewProtocol(solver schemas.SolverClient, clock Clock, cfg config.ChallengeConfig, logger *zap.Logger) *Protocol {
	return &Protocol{
		solver: solver,
		clock:  clock,
		cfg:    cfg,
		log:    logger.Named("challenge"),
	}
}

// Cost returns the per-solve price for a challenge family, zero for types
// the cost table does not know.
func (p *Protocol) Cost(t schemas.ChallengeType) float64 {
	return p.cfg.Costs[string(t)]
}

// Solve submits the challenge to the solving service, polls for the token
// under the configured ceiling, injects it into the family's response field
// inside the widget's frame, and verifies the write stuck. The returned cost
// is what the solve billed; a failed solve still bills nothing here because
// services only charge on delivered tokens.
//
// A poll ceiling overrun maps to domain.ErrChallengeUnsolved, a verification
// mismatch to domain.ErrInjectionUnverified. Both classify as retryable; the
// distinction matters for operator-facing failure reasons.
func (p *Protocol) Solve(ctx context.Context, sess schemas.Session, spec *schemas.ChallengeSpec) (float64, error) {
	taskID, err := p.solver.CreateTask(ctx, *spec)
	if err != nil {
		return 0, fmt.Errorf("solver rejected challenge task: %w", err)
	}
	p.log.Debug("Challenge task created",
		zap.String("task_id", taskID),
		zap.String("type", string(spec.Type)))

	token, err := p.poll(ctx, taskID)
	if err != nil {
		return 0, err
	}

	field := ResponseField(spec.Type)
	if field == "" {
		return 0, fmt.Errorf("no response field known for challenge type %q", spec.Type)
	}
	if err := sess.SetValue(ctx, spec.Frame, field, token); err != nil {
		return 0, fmt.Errorf("token injection failed: %w", err)
	}

	got, err := sess.ReadValue(ctx, spec.Frame, field)
	if err != nil {
		return 0, fmt.Errorf("token verification read failed: %w", err)
	}
	if got != token {
		p.log.Warn("Injected token did not survive the round trip",
			zap.String("type", string(spec.Type)),
			zap.String("frame", spec.Frame.Selector))
		return 0, fmt.Errorf("response field %s did not retain the token: %w", field, domain.ErrInjectionUnverified)
	}

	cost := p.Cost(spec.Type)
	p.log.Info("Challenge solved",
		zap.String("type", string(spec.Type)),
		zap.Float64("cost", cost))
	return cost, nil
}

// poll waits for the solver under the PollInterval x MaxPolls ceiling.
func (p *Protocol) poll(ctx context.Context, taskID string) (string, error) {
	for i := 0; i < p.cfg.MaxPolls; i++ {
		token, ready, err := p.solver.TaskResult(ctx, taskID)
		if err != nil {
			return "", fmt.Errorf("solver poll failed: %w", err)
		}
		if ready {
			return token, nil
		}
		if err := p.clock.Sleep(ctx, p.cfg.PollInterval); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no solution after %d polls: %w", p.cfg.MaxPolls, domain.ErrChallengeUnsolved)
}

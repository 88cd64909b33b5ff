package challenge

import (
	"context"
	"testing"
	"time"

	"github.com/jobpilot-dev/jobpilot/api/schemas"
	"github.com/jobpilot-dev/jobpilot/internal/config"
	"github.com/jobpilot-dev/jobpilot/internal/domain"
	"github.com/jobpilot-dev/jobpilot/internal/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock records requested sleeps and returns immediately.
type fakeClock struct {
	sleeps []time.Duration
}

func (f *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	f.sleeps = append(f.sleeps, d)
	return nil
}

var testChallengeCfg = config.ChallengeConfig{
	PollInterval: 5 * time.Second,
	MaxPolls:     30,
	Costs: map[string]float64{
		"recaptcha-v2": 0.003,
		"recaptcha-v3": 0.002,
		"hcaptcha":     0.003,
		"turnstile":    0.002,
	},
}

func TestDetect(t *testing.T) {
	ctx := context.Background()
	frame := schemas.FrameRef{Selector: `iframe[name="application"]`}

	t.Run("finds a recaptcha v2 widget in the given frame", func(t *testing.T) {
		sess := mocks.NewMockSession()
		sess.On("Exists", ctx, frame, `.g-recaptcha[data-sitekey]`).Return(true, nil)
		sess.On("Attribute", ctx, frame, `.g-recaptcha`, "data-sitekey").Return("site-key-abc", true, nil)
		sess.On("CurrentURL", ctx).Return("https://boards.greenhouse.io/acme/jobs/1", nil)

		spec, err := NewDetector(zap.NewNop()).Detect(ctx, sess, frame)
		require.NoError(t, err)
		require.NotNil(t, spec)
		assert.Equal(t, schemas.ChallengeRecaptchaV2, spec.Type)
		assert.Equal(t, "site-key-abc", spec.SiteKey)
		assert.Equal(t, frame, spec.Frame, "the widget's frame must travel with the spec")
		sess.AssertExpectations(t)
	})

	t.Run("returns nil when the frame is clean", func(t *testing.T) {
		sess := mocks.NewMockSession()
		sess.On("Exists", ctx, frame, mock.Anything).Return(false, nil)

		spec, err := NewDetector(zap.NewNop()).Detect(ctx, sess, frame)
		require.NoError(t, err)
		assert.Nil(t, spec)
	})

	t.Run("falls through to turnstile when interactive widgets are absent", func(t *testing.T) {
		sess := mocks.NewMockSession()
		sess.On("Exists", ctx, frame, `.g-recaptcha[data-sitekey]`).Return(false, nil)
		sess.On("Exists", ctx, frame, `.h-captcha[data-sitekey]`).Return(false, nil)
		sess.On("Exists", ctx, frame, `.cf-turnstile[data-sitekey]`).Return(true, nil)
		sess.On("Attribute", ctx, frame, `.cf-turnstile`, "data-sitekey").Return("ts-key", true, nil)
		sess.On("CurrentURL", ctx).Return("https://careers.acme.com/apply", nil)

		spec, err := NewDetector(zap.NewNop()).Detect(ctx, sess, frame)
		require.NoError(t, err)
		require.NotNil(t, spec)
		assert.Equal(t, schemas.ChallengeTurnstile, spec.Type)
	})
}

func TestResponseField(t *testing.T) {
	assert.Equal(t, `textarea[name="g-recaptcha-response"]`, ResponseField(schemas.ChallengeRecaptchaV2))
	assert.Equal(t, `input[name="cf-turnstile-response"]`, ResponseField(schemas.ChallengeTurnstile))
}

func TestSolve(t *testing.T) {
	ctx := context.Background()
	frame := schemas.FrameRef{Selector: `iframe[name="application"]`}
	spec := &schemas.ChallengeSpec{
		Type:    schemas.ChallengeRecaptchaV2,
		SiteKey: "site-key-abc",
		PageURL: "https://boards.greenhouse.io/acme/jobs/1",
		Frame:   frame,
	}
	field := ResponseField(schemas.ChallengeRecaptchaV2)

	t.Run("polls until ready, injects and verifies the token", func(t *testing.T) {
		solver := &mocks.MockSolverClient{}
		solver.On("CreateTask", ctx, *spec).Return("task-1", nil)
		solver.On("TaskResult", ctx, "task-1").Return("", false, nil).Twice()
		solver.On("TaskResult", ctx, "task-1").Return("tok-xyz", true, nil).Once()

		sess := mocks.NewMockSession()
		sess.On("SetValue", ctx, frame, field, "tok-xyz").Return(nil)
		sess.On("ReadValue", ctx, frame, field).Return("", nil) // falls back to the stored write

		clock := &fakeClock{}
		p := NewProtocol(solver, clock, testChallengeCfg, zap.NewNop())

		cost, err := p.Solve(ctx, sess, spec)
		require.NoError(t, err)
		assert.Equal(t, 0.003, cost)
		assert.Len(t, clock.sleeps, 2, "one sleep per not-ready poll")
		assert.Equal(t, 5*time.Second, clock.sleeps[0])
		solver.AssertExpectations(t)
		sess.AssertExpectations(t)
	})

	t.Run("gives up after the poll ceiling", func(t *testing.T) {
		solver := &mocks.MockSolverClient{}
		solver.On("CreateTask", ctx, *spec).Return("task-2", nil)
		solver.On("TaskResult", ctx, "task-2").Return("", false, nil)

		clock := &fakeClock{}
		p := NewProtocol(solver, clock, testChallengeCfg, zap.NewNop())

		_, err := p.Solve(ctx, mocks.NewMockSession(), spec)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrChallengeUnsolved)
		assert.Len(t, clock.sleeps, testChallengeCfg.MaxPolls)
		assert.Equal(t, domain.ErrKindChallengeUnsolvable, domain.ClassifyError(err))
	})

	t.Run("rejects an injection the page did not retain", func(t *testing.T) {
		solver := &mocks.MockSolverClient{}
		solver.On("CreateTask", ctx, *spec).Return("task-3", nil)
		solver.On("TaskResult", ctx, "task-3").Return("tok-xyz", true, nil)

		sess := mocks.NewMockSession()
		sess.On("SetValue", ctx, frame, field, "tok-xyz").Return(nil)
		sess.On("ReadValue", ctx, frame, field).Return("stale", nil)

		p := NewProtocol(solver, &fakeClock{}, testChallengeCfg, zap.NewNop())

		_, err := p.Solve(ctx, sess, spec)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrInjectionUnverified,
			"a token the page did not keep must never be treated as solved")
	})

	t.Run("bills per challenge type", func(t *testing.T) {
		p := NewProtocol(&mocks.MockSolverClient{}, &fakeClock{}, testChallengeCfg, zap.NewNop())
		assert.Equal(t, 0.002, p.Cost(schemas.ChallengeRecaptchaV3))
		assert.Equal(t, 0.003, p.Cost(schemas.ChallengeHCaptcha))
		assert.Zero(t, p.Cost(schemas.ChallengeType("unknown")))
	})

	t.Run("stops polling when the context is cancelled", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		solver := &mocks.MockSolverClient{}
		solver.On("CreateTask", cancelCtx, *spec).Return("task-4", nil)
		solver.On("TaskResult", cancelCtx, "task-4").Return("", false, nil)

		clock := NewClock()
		cancel()

		p := NewProtocol(solver, clock, config.ChallengeConfig{
			PollInterval: time.Hour,
			MaxPolls:     2,
			Costs:        testChallengeCfg.Costs,
		}, zap.NewNop())

		_, err := p.Solve(cancelCtx, mocks.NewMockSession(), spec)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

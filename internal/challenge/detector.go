// Package challenge detects bot-mitigation widgets after a submit click and
// drives the solve, inject, verify protocol against a third-party solver.
package challenge

import (
	"context"
	"fmt"

	"github.com/jobpilot-dev/jobpilot/api/schemas"
	"go.uber.org/zap"
)

// probe describes the DOM footprint of one challenge family. Container is
// the element that proves the widget rendered, sitekey the element carrying
// the key the solver needs.
type probe struct {
	challengeType schemas.ChallengeType
	containerSel  string
	sitekeySel    string
}

// Probes are ordered by observed frequency on ATS platforms. The interactive
// families are checked first because their widgets are unambiguous; the
// frictionless ones leave only a badge or script behind.
var probes = []probe{
	{schemas.ChallengeRecaptchaV2, `.g-recaptcha[data-sitekey]`, `.g-recaptcha`},
	{schemas.ChallengeHCaptcha, `.h-captcha[data-sitekey]`, `.h-captcha`},
	{schemas.ChallengeTurnstile, `.cf-turnstile[data-sitekey]`, `.cf-turnstile`},
	{schemas.ChallengeRecaptchaV3, `.grecaptcha-badge`, `[data-sitekey]`},
}

// responseFields maps each family to the element the widget's own scripts
// read the solution token from. Injecting anywhere else is invisible to the
// page.
var responseFields = map[schemas.ChallengeType]string{
	schemas.ChallengeRecaptchaV2: `textarea[name="g-recaptcha-response"]`,
	schemas.ChallengeRecaptchaV3: `textarea[name="g-recaptcha-response"]`,
	schemas.ChallengeHCaptcha:    `textarea[name="h-captcha-response"]`,
	schemas.ChallengeTurnstile:   `input[name="cf-turnstile-response"]`,
}

// ResponseField returns the selector the solution token must be written to
// for the given challenge family.
func ResponseField(t schemas.ChallengeType) string {
	return responseFields[t]
}

// Detector locates challenge widgets in the frame a submit control lives in.
type Detector struct {
	log *zap.Logger
}

func NewDetector(logger *zap.Logger) *Detector {
	return &Detector{log: logger.Named("challenge")}
}

// Detect probes the given frame for a challenge widget and returns its spec,
// or nil when the frame is clean. It must be called after the submit click:
// most ATS platforms only materialize the widget once a submission is in
// flight, so probing earlier reports a clean page that is about to block.
func (d *Detector) Detect(ctx context.Context, sess schemas.Session, frame schemas.FrameRef) (*schemas.ChallengeSpec, error) {
	for _, p := range probes {
		found, err := sess.Exists(ctx, frame, p.containerSel)
		if err != nil {
			return nil, fmt.Errorf("challenge probe failed for %s: %w", p.challengeType, err)
		}
		if !found {
			continue
		}

		siteKey, _, err := sess.Attribute(ctx, frame, p.sitekeySel, "data-sitekey")
		if err != nil {
			return nil, fmt.Errorf("failed to read sitekey for %s: %w", p.challengeType, err)
		}

		spec := &schemas.ChallengeSpec{
			Type:    p.challengeType,
			SiteKey: siteKey,
			Frame:   frame,
		}
		if p.challengeType == schemas.ChallengeRecaptchaV3 {
			if action, ok, err := sess.Attribute(ctx, frame, p.sitekeySel, "data-action"); err == nil && ok {
				spec.Action = action
			}
		}
		if url, err := sess.CurrentURL(ctx); err == nil {
			spec.PageURL = url
		}

		d.log.Info("Challenge detected",
			zap.String("type", string(p.challengeType)),
			zap.String("frame", frame.Selector),
			zap.String("page_url", spec.PageURL))
		return spec, nil
	}
	return nil, nil
}

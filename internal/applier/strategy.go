package applier

import (
	"strings"
	"time"

	"github.com/jobpilot-dev/jobpilot/api/schemas"
	"github.com/jobpilot-dev/jobpilot/internal/domain"
)

// strategy captures what differs between ATS platforms: where the form
// renders, which frames a challenge can appear in, and what a successful
// submission looks like.
type strategy struct {
	ats           domain.ATSType
	readySelector string

	// challengeFrames are probed in order after the submit click. Embedded
	// board widgets render the whole flow inside an iframe, so the top
	// document can look clean while the frame that took the click is blocked.
	challengeFrames []schemas.FrameRef

	confirmationSelector string
	confirmationURLHints []string
	confirmationPhrases  []string
	confirmWait          time.Duration
}

var strategies = map[domain.ATSType]strategy{
	domain.ATSGreenhouse: {
		ats:                  domain.ATSGreenhouse,
		readySelector:        "#application_form",
		challengeFrames:      []schemas.FrameRef{schemas.Top(), {Selector: "#grnhse_iframe"}},
		confirmationSelector: "#application_confirmation",
		confirmationURLHints: []string{"confirmation"},
		confirmationPhrases:  []string{"Thank you for applying", "Your application has been submitted"},
		confirmWait:          15 * time.Second,
	},
	domain.ATSLever: {
		ats:                  domain.ATSLever,
		readySelector:        ".application-form",
		challengeFrames:      []schemas.FrameRef{schemas.Top()},
		confirmationSelector: `[data-qa="msg-submit-success"]`,
		confirmationURLHints: []string{"thanks"},
		confirmationPhrases:  []string{"Application submitted", "Thank you"},
		confirmWait:          15 * time.Second,
	},
	domain.ATSWorkday: {
		ats:                  domain.ATSWorkday,
		readySelector:        `[data-automation-id="applyFlowPage"]`,
		challengeFrames:      []schemas.FrameRef{schemas.Top()},
		confirmationSelector: `[data-automation-id="applicationConfirmation"]`,
		confirmationURLHints: []string{"confirmation", "submitted"},
		confirmationPhrases:  []string{"successfully submitted", "Congratulations"},
		confirmWait:          20 * time.Second,
	},
	domain.ATSGeneric: {
		ats:                  domain.ATSGeneric,
		readySelector:        "form",
		challengeFrames:      []schemas.FrameRef{schemas.Top()},
		confirmationURLHints: []string{"confirmation", "thank", "success"},
		confirmationPhrases:  []string{"Thank you for applying", "Application submitted", "successfully submitted"},
		confirmWait:          15 * time.Second,
	},
}

// strategyFor never fails: unknown platforms get the generic strategy.
func strategyFor(ats domain.ATSType) strategy {
	if s, ok := strategies[ats]; ok {
		return s
	}
	return strategies[domain.ATSGeneric]
}

// urlHintsMatch reports whether the landed URL looks like a confirmation
// page for this platform.
func (s strategy) urlHintsMatch(url string) bool {
	lower := strings.ToLower(url)
	for _, hint := range s.confirmationURLHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// StepAction is one declarative action kind inside a recipe.
type StepAction string

const (
	StepNavigate StepAction = "navigate"
	StepFill     StepAction = "fill"
	StepSelect   StepAction = "select"
	StepClick    StepAction = "click"
	StepUpload   StepAction = "upload"
	StepWait     StepAction = "wait"
)

// RecipeStep is one recorded action. Value semantics depend on the action:
// a URL for navigate, a profile answer key for fill/select, a file slot for
// upload, a millisecond duration for wait.
type RecipeStep struct {
	Action   StepAction `json:"action"`
	Selector string     `json:"selector,omitempty"`
	Value    string     `json:"value,omitempty"`
	WaitMs   int        `json:"wait_ms,omitempty"`
}

// Recipe is a learned automation script for one (platform, atsType) pair.
// Never hard-deleted: demoted recipes remain for audit and recovery.
type Recipe struct {
	ID       string
	Platform string
	ATSType  string
	Version  int
	Steps    []RecipeStep

	// SuccessRate is an exponentially weighted moving average over
	// RecipeExecution outcomes, derived transactionally alongside each
	// execution insert. 1.0 on creation.
	SuccessRate  float64
	TimesUsed    int
	FailureCount int

	RecordingCost float64
	ReplayCost    float64
	// TotalSaved accumulates the cost avoided by replaying instead of
	// re-running dynamic fill. Observational only.
	TotalSaved float64

	LastUsed    *time.Time
	LastFailure *time.Time
	RecordedBy  string
	CreatedAt   time.Time
}

// NewRecipe creates a version-1 recipe from a successful dynamic fill.
func NewRecipe(platform, atsType string, steps []RecipeStep, recordingCost float64, recordedBy string) *Recipe {
	return &Recipe{
		ID:            uuid.NewString(),
		Platform:      platform,
		ATSType:       atsType,
		Version:       1,
		Steps:         steps,
		SuccessRate:   1.0,
		RecordingCost: recordingCost,
		RecordedBy:    recordedBy,
		CreatedAt:     time.Now().UTC(),
	}
}

// StepsDiverge reports whether two step lists differ materially, i.e. their
// selector sequences no longer line up. A divergence forces a new recipe
// version instead of an in-place overwrite, so an in-flight replay elsewhere
// never reads a half-updated recipe.
func StepsDiverge(a, b []RecipeStep) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i].Action != b[i].Action || a[i].Selector != b[i].Selector {
			return true
		}
	}
	return false
}

// RecipeExecution is one append-only row of the replay/recording log.
type RecipeExecution struct {
	ID         string
	RecipeID   string
	Success    bool
	Method     Method
	Duration   time.Duration
	Cost       float64
	Error      string
	ErrorKind  ErrorKind
	JobURL     string
	ExecutedAt time.Time
}

package schemas

import "context"

// -- Form Filler Contracts --
// The core does not decide what goes into a form field; it only depends on
// the filler reporting which fields it touched so the state machine can
// judge whether a fill was good enough to proceed.

// Profile is the candidate data handed to the filler. The core never
// persists document content; paths reference files owned elsewhere.
type Profile struct {
	ApplicantID string            `json:"applicant_id"`
	Answers     map[string]string `json:"answers"`
	ResumePath  string            `json:"resume_path,omitempty"`
	CoverPath   string            `json:"cover_path,omitempty"`
}

// FieldKind categorizes a form control for reporting.
type FieldKind string

const (
	FieldText     FieldKind = "text"
	FieldTextarea FieldKind = "textarea"
	FieldSelect   FieldKind = "select"
	FieldCheckbox FieldKind = "checkbox"
	FieldRadio    FieldKind = "radio"
	FieldFile     FieldKind = "file"
)

// FilledField describes one form control the filler encountered. An
// unmappable field is reported with Filled=false, never raised as an error.
type FilledField struct {
	Selector string    `json:"selector"`
	Name     string    `json:"name"`
	Kind     FieldKind `json:"kind"`
	Value    string    `json:"value,omitempty"`
	Filled   bool      `json:"filled"`
	Reason   string    `json:"reason,omitempty"`
}

// FillReport is the outcome of one Fill call.
type FillReport struct {
	Fields []FilledField `json:"fields"`
}

// FilledCount returns how many fields were successfully set.
func (r FillReport) FilledCount() int {
	n := 0
	for _, f := range r.Fields {
		if f.Filled {
			n++
		}
	}
	return n
}

// UnmappedCount returns how many fields the filler could not map.
func (r FillReport) UnmappedCount() int {
	return len(r.Fields) - r.FilledCount()
}

// SubmitResult reports whether a submit control was found and activated.
// Activation is not submission: the state machine still verifies a
// confirmation signal before declaring success.
type SubmitResult struct {
	Clicked  bool   `json:"clicked"`
	Selector string `json:"selector,omitempty"`
}

// FormFiller extracts input fields from the current page and writes values
// from the profile, including dropdown resolution and file attachment.
type FormFiller interface {
	Fill(ctx context.Context, session Session, profile Profile) (FillReport, error)
	Submit(ctx context.Context, session Session) (SubmitResult, error)
}

// Package filler extracts form controls from the live page and writes
// profile answers into them. It reports every control it saw; deciding
// whether the fill was good enough is the state machine's call.
package filler

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/jobpilot-dev/jobpilot/api/schemas"
	"github.com/jobpilot-dev/jobpilot/internal/domain"
)

// submitSelectors are tried in order. The platform-specific ones come
// first because generic buttons on those pages can be "save draft" or
// navigation controls.
var submitSelectors = []string{
	`#submit_app`,                  // greenhouse
	`button[data-qa="btn-submit"]`, // lever
	`button[data-automation-id="bottom-navigation-next-button"]`, // workday
	`button[type="submit"]`,
	`input[type="submit"]`,
}

// Filler implements schemas.FormFiller with goquery-based field discovery
// over the page snapshot and chromedp writes through the session.
type Filler struct {
	log *zap.Logger
}

var _ schemas.FormFiller = (*Filler)(nil)

func New(logger *zap.Logger) *Filler {
	return &Filler{log: logger.Named("filler")}
}

// field is one discovered form control.
type field struct {
	selector string
	name     string
	kind     schemas.FieldKind
	// identity is the normalized bag of strings the control can be matched
	// against: name, id, placeholder, aria-label, autocomplete.
	identity string
	// options holds value and text of each option for selects.
	options [][2]string
}

// Fill snapshots the page, discovers its form controls and writes profile
// answers into them. Unmappable controls are reported, never raised as
// errors; a page with no recognizable form at all is ErrFormUnparseable.
func (f *Filler) Fill(ctx context.Context, sess schemas.Session, profile schemas.Profile) (schemas.FillReport, error) {
	var report schemas.FillReport

	html, err := sess.HTML(ctx)
	if err != nil {
		return report, fmt.Errorf("page snapshot failed: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return report, fmt.Errorf("%w: %v", domain.ErrFormUnparseable, err)
	}

	fields := discoverFields(doc)
	if len(fields) == 0 {
		return report, fmt.Errorf("%w: no form controls found", domain.ErrFormUnparseable)
	}

	for _, fld := range fields {
		report.Fields = append(report.Fields, f.fillOne(ctx, sess, fld, profile))
	}

	f.log.Info("Form fill complete",
		zap.Int("filled", report.FilledCount()),
		zap.Int("unmapped", report.UnmappedCount()))
	return report, nil
}

func (f *Filler) fillOne(ctx context.Context, sess schemas.Session, fld field, profile schemas.Profile) schemas.FilledField {
	out := schemas.FilledField{Selector: fld.selector, Name: fld.name, Kind: fld.kind}

	if fld.kind == schemas.FieldFile {
		path := resolveFilePath(fld.identity, profile)
		if path == "" {
			out.Reason = "no document for this upload"
			return out
		}
		if err := sess.Upload(ctx, fld.selector, path); err != nil {
			out.Reason = fmt.Sprintf("upload failed: %v", err)
			return out
		}
		out.Value = path
		out.Filled = true
		return out
	}

	value, ok := matchAnswer(fld.identity, profile.Answers)
	if !ok {
		out.Reason = "no matching answer"
		return out
	}
	out.Value = value

	var err error
	switch fld.kind {
	case schemas.FieldSelect:
		resolved, found := resolveOption(fld.options, value)
		if !found {
			out.Reason = fmt.Sprintf("no option matches %q", value)
			return out
		}
		out.Value = resolved
		err = sess.SelectOption(ctx, fld.selector, resolved)
	case schemas.FieldCheckbox, schemas.FieldRadio:
		if !truthy(value) {
			out.Reason = "answer declines this control"
			return out
		}
		err = sess.Click(ctx, fld.selector)
	default:
		err = sess.Type(ctx, fld.selector, value)
	}
	if err != nil {
		out.Reason = fmt.Sprintf("write failed: %v", err)
		return out
	}
	out.Filled = true
	return out
}

// Submit locates and activates the page's submit control. Activation only;
// confirmation is verified by the caller.
func (f *Filler) Submit(ctx context.Context, sess schemas.Session) (schemas.SubmitResult, error) {
	for _, sel := range submitSelectors {
		found, err := sess.Exists(ctx, schemas.Top(), sel)
		if err != nil {
			return schemas.SubmitResult{}, fmt.Errorf("submit probe failed: %w", err)
		}
		if !found {
			continue
		}
		if err := sess.Click(ctx, sel); err != nil {
			return schemas.SubmitResult{Selector: sel}, fmt.Errorf("submit click failed: %w", err)
		}
		f.log.Info("Submit control activated", zap.String("selector", sel))
		return schemas.SubmitResult{Clicked: true, Selector: sel}, nil
	}
	return schemas.SubmitResult{}, domain.ErrNoSubmitControl
}

// discoverFields walks the document for fillable controls. Hidden inputs
// and button-like inputs are skipped.
func discoverFields(doc *goquery.Document) []field {
	var out []field
	doc.Find("input, textarea, select").Each(func(_ int, s *goquery.Selection) {
		tag := goquery.NodeName(s)
		typ, _ := s.Attr("type")
		typ = strings.ToLower(typ)
		if tag == "input" {
			switch typ {
			case "hidden", "submit", "button", "image", "reset":
				return
			}
		}

		fld := field{
			selector: deriveSelector(s, tag),
			kind:     controlKind(tag, typ),
			identity: identityOf(s),
		}
		fld.name, _ = s.Attr("name")
		if fld.selector == "" {
			return
		}
		if fld.kind == schemas.FieldSelect {
			s.Find("option").Each(func(_ int, o *goquery.Selection) {
				v, _ := o.Attr("value")
				fld.options = append(fld.options, [2]string{v, strings.TrimSpace(o.Text())})
			})
		}
		out = append(out, fld)
	})
	return out
}

// deriveSelector prefers an id, then a name attribute. Controls with
// neither cannot be addressed reliably in the live page and are dropped.
func deriveSelector(s *goquery.Selection, tag string) string {
	if id, ok := s.Attr("id"); ok && id != "" {
		return "#" + id
	}
	if name, ok := s.Attr("name"); ok && name != "" {
		return fmt.Sprintf(`%s[name="%s"]`, tag, name)
	}
	return ""
}

func controlKind(tag, typ string) schemas.FieldKind {
	switch tag {
	case "textarea":
		return schemas.FieldTextarea
	case "select":
		return schemas.FieldSelect
	}
	switch typ {
	case "checkbox":
		return schemas.FieldCheckbox
	case "radio":
		return schemas.FieldRadio
	case "file":
		return schemas.FieldFile
	}
	return schemas.FieldText
}

func identityOf(s *goquery.Selection) string {
	parts := make([]string, 0, 5)
	for _, attr := range []string{"name", "id", "placeholder", "aria-label", "autocomplete"} {
		if v, ok := s.Attr(attr); ok {
			parts = append(parts, v)
		}
	}
	return normalize(strings.Join(parts, " "))
}

// normalize lowers and strips everything but letters and digits so that
// "job_application[first_name]" and "First Name" both match "firstname".
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// AnswerKey returns the profile answer key a control identity maps to. The
// longest normalized key that is a substring of the identity wins, so
// "firstname" beats a bare "name" key on a first-name field. Recipes store
// this key, never the literal answer, so one recipe serves every applicant.
func AnswerKey(identity string, answers map[string]string) (string, bool) {
	norm := normalize(identity)
	bestLen := 0
	var bestKey string
	for key := range answers {
		nk := normalize(key)
		if nk == "" || !strings.Contains(norm, nk) {
			continue
		}
		if len(nk) > bestLen {
			bestLen = len(nk)
			bestKey = key
		}
	}
	return bestKey, bestLen > 0
}

func matchAnswer(identity string, answers map[string]string) (string, bool) {
	key, ok := AnswerKey(identity, answers)
	if !ok {
		return "", false
	}
	return answers[key], true
}

// resolveOption matches an answer against option values first, then their
// visible text, case-insensitively.
func resolveOption(options [][2]string, answer string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(answer))
	for _, opt := range options {
		if strings.ToLower(opt[0]) == lower {
			return opt[0], true
		}
	}
	for _, opt := range options {
		if strings.ToLower(opt[1]) == lower {
			return opt[0], true
		}
	}
	return "", false
}

func resolveFilePath(identity string, profile schemas.Profile) string {
	switch {
	case strings.Contains(identity, "resume"), strings.Contains(identity, "cv"):
		return profile.ResumePath
	case strings.Contains(identity, "cover"):
		return profile.CoverPath
	}
	return ""
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "y", "1", "on":
		return true
	}
	return false
}

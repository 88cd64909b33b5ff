package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jobpilot-dev/jobpilot/api/schemas"
	"github.com/jobpilot-dev/jobpilot/internal/browser/humanize"
)

// chromeSession is one pooled page. All operations run against the page's
// chromedp context but honor the caller's context for cancellation.
type chromeSession struct {
	id         string
	pageCtx    context.Context
	cancel     context.CancelFunc
	navTimeout time.Duration
	logger     *zap.Logger
	proc       *browserProc
	// typist is set for stealth sessions; typing and clicking then follow a
	// humanized cadence instead of firing instantly.
	typist *humanize.Typist
}

var _ schemas.Session = (*chromeSession)(nil)

func newChromeSession(pageCtx context.Context, cancel context.CancelFunc, navTimeout time.Duration, logger *zap.Logger, typist *humanize.Typist) *chromeSession {
	return &chromeSession{
		id:         uuid.NewString(),
		pageCtx:    pageCtx,
		cancel:     cancel,
		navTimeout: navTimeout,
		logger:     logger,
		typist:     typist,
	}
}

func (s *chromeSession) ID() string { return s.id }

// run executes chromedp actions on the page, bounded by the caller's
// context. chromedp contexts do not compose with request contexts directly,
// so cancellation is bridged by watching both.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	done := make(chan error, 1)
	runCtx, cancel := context.WithCancel(s.pageCtx)
	defer cancel()
	go func() {
		done <- chromedp.Run(runCtx, actions...)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.navTimeout)
	defer cancel()
	if err := s.run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

func (s *chromeSession) Click(ctx context.Context, selector string) error {
	if s.typist != nil {
		if err := sleepContext(ctx, s.typist.Pause()); err != nil {
			return err
		}
	}
	return s.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (s *chromeSession) Type(ctx context.Context, selector string, text string) error {
	if s.typist == nil {
		return s.run(ctx,
			chromedp.Clear(selector, chromedp.ByQuery),
			chromedp.SendKeys(selector, text, chromedp.ByQuery),
		)
	}

	// Humanized path: focus the field, then dispatch the planned keystrokes
	// to the active element with their inter-key delays.
	strokes := s.typist.Keystrokes(text)
	pause := s.typist.Pause()
	return s.run(ctx,
		chromedp.Click(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.ActionFunc(func(actx context.Context) error {
			if err := sleepContext(actx, pause); err != nil {
				return err
			}
			for _, stroke := range strokes {
				if err := sleepContext(actx, stroke.Delay); err != nil {
					return err
				}
				if err := chromedp.KeyEvent(stroke.Keys).Do(actx); err != nil {
					return err
				}
			}
			return nil
		}),
	)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *chromeSession) SelectOption(ctx context.Context, selector string, value string) error {
	return s.run(ctx, chromedp.SetValue(selector, value, chromedp.ByQuery))
}

func (s *chromeSession) Upload(ctx context.Context, selector string, path string) error {
	return s.run(ctx, chromedp.SetUploadFiles(selector, []string{path}, chromedp.ByQuery))
}

func (s *chromeSession) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.run(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// frameElementExpr builds a JS expression resolving a selector inside the
// addressed frame. Frame content is reached through contentDocument, which
// works for the same-origin frames ATS platforms embed their forms in; the
// widget frames that matter for token injection expose their response field
// in the embedding document.
func frameElementExpr(frame schemas.FrameRef, selector string) string {
	if frame.IsTop() {
		return fmt.Sprintf(`document.querySelector(%q)`, selector)
	}
	return fmt.Sprintf(
		`(() => { const f = document.querySelector(%q); return f && f.contentDocument ? f.contentDocument.querySelector(%q) : null; })()`,
		frame.Selector, selector)
}

func (s *chromeSession) Exists(ctx context.Context, frame schemas.FrameRef, selector string) (bool, error) {
	var found bool
	expr := fmt.Sprintf(`%s !== null`, frameElementExpr(frame, selector))
	if err := s.run(ctx, chromedp.Evaluate(expr, &found)); err != nil {
		return false, fmt.Errorf("existence probe failed for %q: %w", selector, err)
	}
	return found, nil
}

type valueResult struct {
	Found bool   `json:"found"`
	Value string `json:"value"`
}

func (s *chromeSession) ReadValue(ctx context.Context, frame schemas.FrameRef, selector string) (string, error) {
	expr := fmt.Sprintf(
		`(() => { const el = %s; return el ? {found: true, value: String(el.value ?? "")} : {found: false, value: ""}; })()`,
		frameElementExpr(frame, selector))
	var res valueResult
	if err := s.run(ctx, chromedp.Evaluate(expr, &res)); err != nil {
		return "", fmt.Errorf("value read failed for %q: %w", selector, err)
	}
	if !res.Found {
		return "", fmt.Errorf("no element matches %q in frame %q", selector, frame.Selector)
	}
	return res.Value, nil
}

func (s *chromeSession) SetValue(ctx context.Context, frame schemas.FrameRef, selector string, value string) error {
	// Writing el.value alone is invisible to framework-managed forms, so
	// input and change events are dispatched after the write.
	expr := fmt.Sprintf(
		`(() => {
            const el = %s;
            if (!el) return false;
            el.value = %q;
            el.dispatchEvent(new Event('input', {bubbles: true}));
            el.dispatchEvent(new Event('change', {bubbles: true}));
            return true;
        })()`,
		frameElementExpr(frame, selector), value)
	var ok bool
	if err := s.run(ctx, chromedp.Evaluate(expr, &ok)); err != nil {
		return fmt.Errorf("value write failed for %q: %w", selector, err)
	}
	if !ok {
		return fmt.Errorf("no element matches %q in frame %q", selector, frame.Selector)
	}
	return nil
}

type attrResult struct {
	Found   bool   `json:"found"`
	Present bool   `json:"present"`
	Value   string `json:"value"`
}

func (s *chromeSession) Attribute(ctx context.Context, frame schemas.FrameRef, selector string, name string) (string, bool, error) {
	expr := fmt.Sprintf(
		`(() => {
            const el = %s;
            if (!el) return {found: false, present: false, value: ""};
            const v = el.getAttribute(%q);
            return {found: true, present: v !== null, value: v ?? ""};
        })()`,
		frameElementExpr(frame, selector), name)
	var res attrResult
	if err := s.run(ctx, chromedp.Evaluate(expr, &res)); err != nil {
		return "", false, fmt.Errorf("attribute read failed for %q: %w", selector, err)
	}
	if !res.Found {
		return "", false, fmt.Errorf("no element matches %q in frame %q", selector, frame.Selector)
	}
	return res.Value, res.Present, nil
}

func (s *chromeSession) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("location read failed: %w", err)
	}
	return loc, nil
}

func (s *chromeSession) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("html snapshot failed: %w", err)
	}
	return html, nil
}

func (s *chromeSession) Close(_ context.Context) error {
	s.cancel()
	return nil
}

// Package stealth hardens a browser context against automation detection
// before any page script gets a chance to fingerprint it.
package stealth

import (
	"context"
	_ "embed"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// EvasionsJS is the fingerprint-evasion script registered to run on every
// new document, before the page's own scripts execute.
//
//go:embed evasions.js
var EvasionsJS string

// Apply returns an action that installs the evasion script on the context.
// It must run once per browser context, before the first navigation to a
// target page, because scripts registered afterwards miss the document that
// matters.
func Apply(logger *zap.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(EvasionsJS).Do(ctx)
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Debug("Stealth evasions registered for new documents")
		}
		return nil
	})
}

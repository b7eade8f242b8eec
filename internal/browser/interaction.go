// internal/browser/interaction.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const (
	countLinksJS = `document.querySelectorAll('a').length`
	scrollDownJS = `window.scrollTo(0, document.body.scrollHeight); true`

	// fillFirstFormJS fills the first form and returns false when there is none.
	// %s is the JSON-encoded payload.
	fillFirstFormJS = `(function(payload) {
	const form = document.forms[0];
	if (!form) { return false; }
	const skip = new Set(['hidden', 'submit', 'button', 'image', 'reset']);
	for (const el of form.querySelectorAll('input, textarea')) {
		const type = (el.getAttribute('type') || 'text').toLowerCase();
		if (skip.has(type)) { continue; }
		el.value = payload;
	}
	return true;
})(%s)`
	submitFirstFormJS = `HTMLFormElement.prototype.submit.call(document.forms[0]); true`
)

// Navigate loads url and waits for the page to settle.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating to URL", zap.String("url", url))

	if err := s.runActions(ctx, s.navigationTimeout(), chromedp.Navigate(url)); err != nil {
		return s.driverError("navigate", err)
	}
	return s.settle(ctx)
}

// Back navigates one entry back in history.
func (s *Session) Back(ctx context.Context) error {
	if err := s.runActions(ctx, s.navigationTimeout(), chromedp.NavigateBack()); err != nil {
		return s.driverError("back", err)
	}
	return s.settle(ctx)
}

// Refresh reloads the current page.
func (s *Session) Refresh(ctx context.Context) error {
	if err := s.runActions(ctx, s.navigationTimeout(), chromedp.Reload()); err != nil {
		return s.driverError("refresh", err)
	}
	return s.settle(ctx)
}

// ScrollDown scrolls to the bottom of the document.
func (s *Session) ScrollDown(ctx context.Context) error {
	var ok bool
	if err := s.runActions(ctx, s.actionTimeout(), chromedp.Evaluate(scrollDownJS, &ok)); err != nil {
		return s.driverError("scroll", err)
	}
	return nil
}

// ClickFirstLink clicks the first anchor in document order. It returns
// ErrNoLink without touching the page when there are no anchors.
func (s *Session) ClickFirstLink(ctx context.Context) error {
	var count int
	if err := s.runActions(ctx, s.actionTimeout(), chromedp.Evaluate(countLinksJS, &count)); err != nil {
		return s.driverError("count links", err)
	}
	if count == 0 {
		return ErrNoLink
	}

	action := chromedp.Tasks{
		chromedp.ScrollIntoView("a", chromedp.ByQuery),
		chromedp.Click("a", chromedp.ByQuery),
	}
	if err := s.runActions(ctx, s.actionTimeout(), action); err != nil {
		return s.driverError("click first link", err)
	}
	return s.settle(ctx)
}

// SubmitFirstForm fills the first form with payload, submits it and blocks
// until the resulting document has loaded. The wait is bounded by the
// navigation timeout so slow responses are measured rather than cut short
// by the shorter action timeout. Only the submission round trip is timed;
// the stabilization that follows is not.
func (s *Session) SubmitFirstForm(ctx context.Context, payload string) (time.Duration, error) {
	encoded, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}

	var found bool
	fill := chromedp.Evaluate(fmt.Sprintf(fillFirstFormJS, encoded), &found)
	if err := s.runActions(ctx, s.actionTimeout(), fill); err != nil {
		return 0, s.driverError("fill form", err)
	}
	if !found {
		return 0, ErrNoForm
	}

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	submitCtx, submitCancel := context.WithTimeout(runCtx, s.navigationTimeout())
	defer submitCancel()

	var submitted bool
	start := time.Now()
	_, err = chromedp.RunResponse(submitCtx, chromedp.Evaluate(submitFirstFormJS, &submitted))
	latency := time.Since(start)
	if err != nil {
		return latency, s.driverError("submit form", err)
	}
	return latency, s.settle(ctx)
}

// Source returns the serialized document.
func (s *Session) Source(ctx context.Context) (string, error) {
	var html string
	if err := s.runActions(ctx, s.actionTimeout(), chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", s.driverError("read source", err)
	}
	return html, nil
}

// Screenshot captures the visible viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.runActions(ctx, s.actionTimeout(), chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, s.driverError("screenshot", err)
	}
	return buf, nil
}

// CurrentURL returns the document location.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := s.runActions(ctx, s.actionTimeout(), chromedp.Location(&loc)); err != nil {
		return "", s.driverError("location", err)
	}
	return loc, nil
}

// settle stabilizes the page after a navigation-like action. Stabilization
// problems only matter when the caller's context ended.
func (s *Session) settle(ctx context.Context) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	if err := s.stabilize(runCtx); err != nil && ctx.Err() != nil {
		return s.driverError("stabilize", err)
	}
	return nil
}

// driverError wraps err in ErrDriver unless it already is one.
func (s *Session) driverError(op string, err error) error {
	if errors.Is(err, ErrDriver) {
		return err
	}
	s.logger.Debug("Browser action failed.", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrDriver, op, err)
}

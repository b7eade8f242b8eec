// internal/browser/page.go
package browser

import (
	"context"
	"errors"
	"time"
)

// ErrDriver marks a failed browser interaction: navigation timeout, missing
// element, stale target. Callers treat it as recoverable.
var ErrDriver = errors.New("browser driver error")

// ErrNoLink is returned by ClickFirstLink when the page has no anchors.
var ErrNoLink = errors.New("no links found")

// ErrNoForm is returned by SubmitFirstForm when the page has no form.
var ErrNoForm = errors.New("no form found")

// ErrClosed is wrapped alongside ErrDriver once a page has been closed. Unlike
// other driver errors it never clears.
var ErrClosed = errors.New("page closed")

// Page is the black-box view of one live browser tab. A Page is not safe for
// concurrent use; each caller owns its own.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Back(ctx context.Context) error
	Refresh(ctx context.Context) error
	ScrollDown(ctx context.Context) error
	// ClickFirstLink clicks the first anchor in document order.
	ClickFirstLink(ctx context.Context) error
	// SubmitFirstForm writes payload into every input of the first form except
	// hidden, submit and button fields, submits it and waits for the response.
	// The returned latency covers the request and response only, not page
	// stabilization, and is also set when the submission timed out.
	SubmitFirstForm(ctx context.Context, payload string) (time.Duration, error)
	Source(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	CurrentURL(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

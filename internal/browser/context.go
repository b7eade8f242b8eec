// internal/browser/context.go
package browser

import (
	"context"
	"time"
)

// CombineContext returns a context derived from ctx1 that is also canceled
// when ctx2 is. Values come from ctx1 only, so the chromedp target carried by
// a session context survives while ctx2 supplies the operation deadline.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(ctx1)

	go func() {
		select {
		case <-ctx2.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}

// valueOnlyContext keeps the parent's values but drops its deadline and cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }

// Detach returns a context carrying ctx's values that outlives ctx. Session
// teardown uses it so tab cleanup still runs after the caller gave up.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}

// internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sqlpaf/internal/config"
)

const (
	defaultNavigationTimeout = 10 * time.Second
	defaultActionTimeout     = 5 * time.Second
	stabilizeTimeout         = 10 * time.Second
)

// Session is one browser tab driven over CDP. It implements Page.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    config.BrowserConfig

	onClose func()

	mu       sync.Mutex
	isClosed bool
}

var _ Page = (*Session)(nil)

// newSession wraps an already created tab context.
func newSession(ctx context.Context, cancel context.CancelFunc, cfg config.BrowserConfig, logger *zap.Logger, onClose func()) *Session {
	sessionID := uuid.New().String()
	return &Session{
		id:      sessionID,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(zap.String("session_id", sessionID)),
		cfg:     cfg,
		onClose: onClose,
	}
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) navigationTimeout() time.Duration {
	if s.cfg.NavigationTimeout > 0 {
		return s.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

func (s *Session) actionTimeout() time.Duration {
	if s.cfg.ActionTimeout > 0 {
		return s.cfg.ActionTimeout
	}
	return defaultActionTimeout
}

// stabilize waits for the DOM to be ready and then for the configured settle time.
func (s *Session) stabilize(ctx context.Context) error {
	stabCtx, cancel := context.WithTimeout(ctx, stabilizeTimeout)
	defer cancel()

	if err := chromedp.Run(stabCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("WaitReady failed during stabilization.", zap.Error(err))
	}
	if s.cfg.PostActionWait > 0 {
		select {
		case <-time.After(s.cfg.PostActionWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// runActions executes actions bounded by both the session lifetime and ctx,
// with timeout applied on top.
func (s *Session) runActions(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	if timeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, timeout)
		defer tcancel()
	}
	return chromedp.Run(runCtx, actions...)
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return fmt.Errorf("%w: session %s: %w", ErrDriver, s.id, ErrClosed)
	}
	return nil
}

// Close terminates the tab. Calling Close more than once is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")

	// Closing the tab needs the CDP target even if the caller's ctx is gone.
	closeCtx, cancel := context.WithTimeout(Detach(s.ctx), 5*time.Second)
	defer cancel()
	if err := chromedp.Cancel(closeCtx); err != nil && ctx.Err() == nil {
		s.logger.Debug("Tab close reported an error.", zap.Error(err))
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

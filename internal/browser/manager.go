// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sqlpaf/internal/config"
)

// Manager owns one browser process and hands out isolated tabs.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	sessions map[string]*Session
	mu       sync.Mutex
	wg       sync.WaitGroup
	closed   bool
}

// NewManager starts the browser. Failing to start it is the one hard failure
// of the browser layer: nothing can run without a session.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		logger:   logger.Named("browser_manager"),
		sessions: make(map[string]*Session),
	}

	// The browser lives until Shutdown, not until the caller's ctx ends.
	m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(Detach(ctx), AllocatorOptions(cfg)...)
	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocCtx,
		chromedp.WithLogf(m.logger.Sugar().Debugf),
		chromedp.WithErrorf(m.logger.Sugar().Debugf),
	)

	startCtx, cancel := CombineContext(m.browserCtx, ctx)
	defer cancel()
	if err := chromedp.Run(startCtx); err != nil {
		m.browserCancel()
		m.allocCancel()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	m.logger.Info("Browser launched.", zap.Bool("headless", cfg.Headless))
	return m, nil
}

// allocatorFlags lists the Chrome command line switches for cfg. Extra args
// in "--name=value" or "--name" form are passed through.
func allocatorFlags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":                 cfg.Headless,
		"disable-gpu":              true,
		"no-sandbox":               true,
		"disable-dev-shm-usage":    true,
		"no-first-run":             true,
		"no-default-browser-check": true,
		"mute-audio":               true,
	}
	if cfg.Headless {
		flags["hide-scrollbars"] = true
	}
	if cfg.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
		flags["allow-insecure-localhost"] = true
	}
	for _, arg := range cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			flags[name] = value
		} else {
			flags[name] = true
		}
	}
	return flags
}

// AllocatorOptions converts cfg into chromedp exec allocator options.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range allocatorFlags(cfg) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight))
	}
	return opts
}

// NewSession opens a new tab. Each worker must own its session.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("browser manager is shut down")
	}
	m.wg.Add(1)
	m.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx)
	var once sync.Once
	var s *Session
	s = newSession(tabCtx, tabCancel, m.cfg, m.logger, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.sessions, s.ID())
			m.mu.Unlock()
			m.wg.Done()
		})
	})

	var init chromedp.Tasks
	if m.cfg.ViewportWidth > 0 && m.cfg.ViewportHeight > 0 {
		init = append(init, emulation.SetDeviceMetricsOverride(int64(m.cfg.ViewportWidth), int64(m.cfg.ViewportHeight), 1.0, false))
	}
	startCtx, cancel := CombineContext(tabCtx, ctx)
	defer cancel()
	if err := chromedp.Run(startCtx, init); err != nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("%w: failed to open tab: %w", ErrDriver, err)
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	m.logger.Debug("Session opened.", zap.String("session_id", s.ID()))
	return s, nil
}

// Shutdown closes every open session and then the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		_ = s.Close(ctx)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Timed out waiting for sessions to close.")
	}

	m.browserCancel()
	m.allocCancel()
	m.logger.Info("Browser shut down.")
	return nil
}

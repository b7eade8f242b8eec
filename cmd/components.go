// cmd/components.go
package cmd

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sqlpaf/internal/browser"
	"github.com/xkilldash9x/sqlpaf/internal/config"
	"github.com/xkilldash9x/sqlpaf/internal/oracle"
	"github.com/xkilldash9x/sqlpaf/internal/store"
	"github.com/xkilldash9x/sqlpaf/internal/tools"
)

const shutdownTimeout = 15 * time.Second

// pageSource hands out dedicated browser pages.
type pageSource interface {
	NewPage(ctx context.Context) (browser.Page, error)
	Shutdown(ctx context.Context) error
}

type managerPages struct{ *browser.Manager }

func (m managerPages) NewPage(ctx context.Context) (browser.Page, error) {
	s, err := m.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// discoverer enumerates content paths on a target.
type discoverer interface {
	Discover(ctx context.Context, target, wordlist string, extraArgs ...string) ([]string, error)
}

// Construction hooks, replaced in tests.
var (
	newPageSource = func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (pageSource, error) {
		m, err := browser.NewManager(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return managerPages{m}, nil
	}
	openStore     = store.Open
	newDiscoverer = func(cfg config.ToolsConfig, logger *zap.Logger) discoverer { return tools.NewGobuster(cfg, logger) }
	newProber     = func(cfg config.ToolsConfig, logger *zap.Logger) tools.Prober { return tools.NewSqlmap(cfg, logger) }
)

// components holds what a command opened so it can be released in one place.
type components struct {
	Oracle *oracle.Oracle
	Store  store.Store
	Pages  pageSource

	stopFollow context.CancelFunc
	followDone chan struct{}
	logger     *zap.Logger
}

// loadOracle reads the payload catalog and known errors. A degraded oracle
// is usable, so file errors are only logged. With oracle.follow set the
// known-errors file is tailed until Shutdown.
func (c *components) loadOracle(ctx context.Context, cfg *config.Config) error {
	mode, err := oracle.ParseLearnMode(cfg.Oracle.LearnMode)
	if err != nil {
		return err
	}
	o, err := oracle.Load(oracle.Config{
		PayloadsFile: cfg.Oracle.PayloadsFile,
		ErrorsFile:   cfg.Oracle.ErrorsFile,
		LearnMode:    mode,
	}, c.logger)
	if err != nil {
		c.logger.Warn("Continuing with a partial payload oracle.", zap.Error(err))
	}
	c.Oracle = o

	if cfg.Oracle.Follow {
		followCtx, cancel := context.WithCancel(ctx)
		c.stopFollow = cancel
		c.followDone = make(chan struct{})
		go func() {
			defer close(c.followDone)
			if err := o.Follow(followCtx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("Stopped following the known-errors file.", zap.Error(err))
			}
		}()
	}
	return nil
}

func (c *components) openStore(ctx context.Context, cfg *config.Config) error {
	s, err := openStore(ctx, cfg.Store, c.logger)
	if err != nil {
		return err
	}
	c.Store = s
	return nil
}

func (c *components) openBrowser(ctx context.Context, cfg config.BrowserConfig) error {
	p, err := newPageSource(ctx, cfg, c.logger)
	if err != nil {
		return err
	}
	c.Pages = p
	return nil
}

// Shutdown releases everything in reverse order of acquisition.
func (c *components) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if c.Pages != nil {
		if err := c.Pages.Shutdown(ctx); err != nil {
			c.logger.Warn("Browser shutdown failed.", zap.Error(err))
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			c.logger.Warn("Store close failed.", zap.Error(err))
		}
	}
	if c.stopFollow != nil {
		c.stopFollow()
		<-c.followDone
	}
}

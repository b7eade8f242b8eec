// internal/browser/session_test.go
package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sqlpaf/internal/config"
)

func TestSession_Timeouts(t *testing.T) {
	s := newSession(context.Background(), nil, config.BrowserConfig{}, zaptest.NewLogger(t), nil)
	assert.Equal(t, defaultNavigationTimeout, s.navigationTimeout())
	assert.Equal(t, defaultActionTimeout, s.actionTimeout())

	s = newSession(context.Background(), nil, config.BrowserConfig{
		NavigationTimeout: 3 * time.Second,
		ActionTimeout:     time.Second,
	}, zaptest.NewLogger(t), nil)
	assert.Equal(t, 3*time.Second, s.navigationTimeout())
	assert.Equal(t, time.Second, s.actionTimeout())
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	closed := 0
	s := newSession(ctx, cancel, config.BrowserConfig{}, zaptest.NewLogger(t), func() { closed++ })
	assert.NotEmpty(t, s.ID())

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 1, closed)
	assert.ErrorIs(t, ctx.Err(), context.Canceled, "closing cancels the tab context")

	// Every operation on a closed session is a driver error, without touching CDP.
	for name, op := range map[string]func() error{
		"navigate": func() error { return s.Navigate(context.Background(), "http://t/") },
		"back":     func() error { return s.Back(context.Background()) },
		"refresh":  func() error { return s.Refresh(context.Background()) },
		"scroll":   func() error { return s.ScrollDown(context.Background()) },
		"click":    func() error { return s.ClickFirstLink(context.Background()) },
		"submit":   func() error { _, err := s.SubmitFirstForm(context.Background(), "'"); return err },
		"source":   func() error { _, err := s.Source(context.Background()); return err },
	} {
		err := op()
		assert.True(t, errors.Is(err, ErrDriver), "%s: %v", name, err)
		assert.ErrorIs(t, err, ErrClosed, name)
	}
}

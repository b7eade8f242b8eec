// internal/browser/manager_test.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sqlpaf/internal/config"
)

func TestAllocatorFlags(t *testing.T) {
	t.Run("headless defaults", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{Headless: true})
		assert.Equal(t, true, flags["headless"])
		assert.Equal(t, true, flags["no-sandbox"])
		assert.Equal(t, true, flags["hide-scrollbars"])
		assert.NotContains(t, flags, "ignore-certificate-errors")
	})

	t.Run("headed", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{Headless: false})
		assert.Equal(t, false, flags["headless"])
		assert.NotContains(t, flags, "hide-scrollbars")
	})

	t.Run("tls errors ignored", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{IgnoreTLSErrors: true})
		assert.Equal(t, true, flags["ignore-certificate-errors"])
		assert.Equal(t, true, flags["allow-insecure-localhost"])
	})

	t.Run("extra args pass through", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{Args: []string{"--proxy-server=http://127.0.0.1:8080", "--incognito", "--", ""}})
		assert.Equal(t, "http://127.0.0.1:8080", flags["proxy-server"])
		assert.Equal(t, true, flags["incognito"])
		assert.NotContains(t, flags, "")
	})
}

func TestAllocatorOptions_IncludesExecPath(t *testing.T) {
	base := len(AllocatorOptions(config.BrowserConfig{}))
	withPath := len(AllocatorOptions(config.BrowserConfig{ExecPath: "/opt/chrome", ViewportWidth: 800, ViewportHeight: 600}))
	assert.Equal(t, base+2, withPath)
}

// findChrome skips the test when no local browser is available.
func findChrome(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser integration test in short mode")
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"} {
		if _, err := exec.LookPath(name); err == nil {
			return
		}
	}
	t.Skip("no Chrome or Chromium binary on PATH")
}

// newFixtureSite serves a two-page site with one link and one reflective form.
func newFixtureSite() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/search">search</a></body></html>`)
	})
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if strings.Contains(q, "'") {
			fmt.Fprint(w, `<html><body>You have an error in your SQL syntax</body></html>`)
			return
		}
		fmt.Fprint(w, `<html><body><form action="/search" method="get">
			<input type="hidden" name="token" value="keep">
			<input type="text" name="q">
			<input type="submit" value="Go">
		</form></body></html>`)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("q") {
			time.Sleep(300 * time.Millisecond)
			fmt.Fprint(w, `<html><body>done</body></html>`)
			return
		}
		fmt.Fprint(w, `<html><body><form action="/slow" method="get"><input type="text" name="q"></form></body></html>`)
	})
	return httptest.NewServer(mux)
}

func TestSessionIntegration(t *testing.T) {
	findChrome(t)
	site := newFixtureSite()
	defer site.Close()

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	m, err := NewManager(ctx, config.BrowserConfig{
		Headless:          true,
		IgnoreTLSErrors:   true,
		ViewportWidth:     800,
		ViewportHeight:    600,
		NavigationTimeout: 10 * time.Second,
		ActionTimeout:     5 * time.Second,
	}, logger)
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	s, err := m.NewSession(ctx)
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.Navigate(ctx, site.URL))
	src, err := s.Source(ctx)
	require.NoError(t, err)
	assert.Contains(t, src, `href="/search"`)

	shot, err := s.Screenshot(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, shot)

	require.NoError(t, s.ClickFirstLink(ctx))
	loc, err := s.CurrentURL(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(loc, "/search"), loc)

	err = s.ClickFirstLink(ctx)
	assert.True(t, errors.Is(err, ErrNoLink))

	_, err = s.SubmitFirstForm(ctx, "' OR 1=1--")
	require.NoError(t, err)
	src, err = s.Source(ctx)
	require.NoError(t, err)
	assert.Contains(t, strings.ToLower(src), "you have an error in your sql syntax")
	loc, _ = s.CurrentURL(ctx)
	assert.Contains(t, loc, "token=keep", "hidden fields keep their value")

	_, err = s.SubmitFirstForm(ctx, "x")
	assert.True(t, errors.Is(err, ErrNoForm))

	require.NoError(t, s.Back(ctx))
	require.NoError(t, s.Refresh(ctx))
	require.NoError(t, s.ScrollDown(ctx))

	require.NoError(t, s.Close(ctx))
	assert.True(t, errors.Is(s.ScrollDown(ctx), ErrDriver), "closed session reports driver errors")
}

func TestSessionSubmitLatencyExcludesSettle(t *testing.T) {
	findChrome(t)
	site := newFixtureSite()
	defer site.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	const postWait = 1500 * time.Millisecond
	m, err := NewManager(ctx, config.BrowserConfig{
		Headless:          true,
		NavigationTimeout: 10 * time.Second,
		ActionTimeout:     5 * time.Second,
		PostActionWait:    postWait,
	}, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	s, err := m.NewSession(ctx)
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.Navigate(ctx, site.URL+"/slow"))
	start := time.Now()
	latency, err := s.SubmitFirstForm(ctx, "1")
	total := time.Since(start)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, latency, 300*time.Millisecond, "the server delay is measured")
	assert.Less(t, latency, postWait, "the settle wait is not part of the latency")
	assert.GreaterOrEqual(t, total, latency+postWait)
}

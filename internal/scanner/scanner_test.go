// internal/scanner/scanner_test.go
package scanner

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sqlpaf/internal/browser"
	"github.com/xkilldash9x/sqlpaf/internal/browser/browsertest"
	"github.com/xkilldash9x/sqlpaf/internal/config"
	"github.com/xkilldash9x/sqlpaf/internal/dataset"
	"github.com/xkilldash9x/sqlpaf/internal/network"
	"github.com/xkilldash9x/sqlpaf/internal/oracle"
)

const (
	sqlError       = "You have an error in your SQL syntax near ''' at line 1"
	blindDelay     = 500 * time.Millisecond
	blindThreshold = 200 * time.Millisecond
)

func testOracle() *oracle.Oracle {
	return oracle.New(oracle.Catalog{
		ErrorBased: []string{`"`, "'"},
		Blind:      []string{"1' AND SLEEP(5)-- ", "1"},
	}, []string{"you have an error in your sql syntax"}, oracle.LearnOff, nil)
}

// vulnerableApp serves a login form backed by an injectable POST handler, a
// safe GET search form, a page without forms and nothing else.
type vulnerableApp struct {
	mu      sync.Mutex
	queries []submission
}

type submission struct {
	method string
	values map[string][]string
}

func (a *vulnerableApp) record(r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queries = append(a.queries, submission{method: r.Method, values: r.Form})
}

func (a *vulnerableApp) requests() []submission {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]submission(nil), a.queries...)
}

func (a *vulnerableApp) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html><form method="post" action="/do_login">
<input name="user"><input type="password" name="pass">
<input type="hidden" name="csrf" value="tok"><input type="submit" value="Go">
</form></html>`)
	})
	mux.HandleFunc("/do_login", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		a.record(r)
		user := r.PostForm.Get("user")
		switch {
		case strings.Contains(user, "SLEEP"):
			time.Sleep(blindDelay)
			_, _ = io.WriteString(w, "<p>Invalid login</p>")
		case strings.Contains(user, "'"):
			_, _ = io.WriteString(w, "<b>Warning</b>: "+sqlError)
		default:
			_, _ = io.WriteString(w, "<p>Invalid login</p>")
		}
	})
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Has("q") {
			a.record(r)
			_, _ = io.WriteString(w, "<p>No results</p>")
			return
		}
		_, _ = io.WriteString(w, `<FORM><input name="q"></FORM>`)
	})
	mux.HandleFunc("/static", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<p>About us</p>")
	})
	mux.HandleFunc("/", http.NotFound)
	return mux
}

func newHTTPScanner(t *testing.T, opts ...Option) (*Scanner, *vulnerableApp, *httptest.Server) {
	t.Helper()
	app := &vulnerableApp{}
	srv := httptest.NewServer(app.handler())
	t.Cleanup(srv.Close)

	client := network.NewClient(nil)
	t.Cleanup(client.CloseIdleConnections)
	s, err := New(testOracle(), client, Config{Mode: ModeHTTP, Concurrency: 2, BlindThreshold: blindThreshold}, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return s, app, srv
}

func TestNew_Validation(t *testing.T) {
	client := http.DefaultClient
	_, err := New(nil, client, Config{}, nil)
	assert.Error(t, err)
	_, err = New(testOracle(), nil, Config{}, nil)
	assert.Error(t, err)
	_, err = New(testOracle(), client, Config{Mode: "carrier-pigeon"}, nil)
	assert.Error(t, err)
	_, err = New(testOracle(), client, Config{Mode: ModeBrowser}, nil)
	assert.Error(t, err, "browser mode needs a page opener")

	s, err := New(testOracle(), client, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeHTTP, s.Config().Mode)
	assert.Equal(t, defaultConcurrency, s.Config().Concurrency)
	assert.Equal(t, 4*time.Second, s.Config().BlindThreshold)
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.ScannerConfig{Mode: "Browser", Concurrency: 3, RateLimit: 2.5, BlindThreshold: time.Second})
	assert.Equal(t, Config{Mode: ModeBrowser, Concurrency: 3, RateLimit: 2.5, BlindThreshold: time.Second}, cfg)
}

func TestScanURL_VulnerablePostForm(t *testing.T) {
	s, app, srv := newHTTPScanner(t)

	score, err := s.ScanURL(context.Background(), srv.URL+"/login")
	require.NoError(t, err)
	assert.Equal(t, Score{FormsDetected: 1, InjectionSuccess: 2, InjectionFailure: 1, ErrorMessages: 1}, score)

	reqs := app.requests()
	// Two error-based payloads stop at the quote, then both blind payloads.
	require.Len(t, reqs, 4)
	for _, r := range reqs {
		assert.Equal(t, http.MethodPost, r.method)
		assert.Equal(t, []string{"tok"}, r.values["csrf"], "hidden fields keep their value")
		assert.Equal(t, r.values["user"], r.values["pass"])
	}
	assert.Equal(t, []string{`"`}, reqs[0].values["user"])
	assert.Equal(t, []string{"'"}, reqs[1].values["user"])
}

func TestScanURL_SafeGetForm(t *testing.T) {
	s, app, srv := newHTTPScanner(t)

	score, err := s.ScanURL(context.Background(), srv.URL+"/search")
	require.NoError(t, err)
	assert.Equal(t, Score{FormsDetected: 1, InjectionFailure: 3}, score)

	reqs := app.requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, http.MethodGet, reqs[0].method)
	assert.Equal(t, []string{`"`}, reqs[0].values["q"])
}

func TestScanURL_LearnedMessageOnBenignForm(t *testing.T) {
	var posts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
			_, _ = io.WriteString(w, "<p>Login error: invalid username or password</p>")
			return
		}
		_, _ = io.WriteString(w, `<form method="post"><input name="user"></form>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	o := oracle.New(oracle.Catalog{
		ErrorBased: []string{`"`, "'"},
		Blind:      []string{"1"},
	}, []string{"you have an error in your sql syntax"}, oracle.LearnContext, nil)
	client := network.NewClient(nil)
	t.Cleanup(client.CloseIdleConnections)
	s, err := New(o, client, Config{Mode: ModeHTTP, BlindThreshold: blindThreshold}, zaptest.NewLogger(t))
	require.NoError(t, err)

	first, err := s.ScanURL(context.Background(), srv.URL+"/account")
	require.NoError(t, err)
	assert.Equal(t, Score{FormsDetected: 1, InjectionFailure: 2}, first)
	require.NotEmpty(t, o.Signatures().Learned, "the error message is learned on the first pass")
	assert.EqualValues(t, 3, posts.Load())

	for i := 0; i < 2; i++ {
		score, err := s.ScanURL(context.Background(), srv.URL+"/account")
		require.NoError(t, err)
		assert.Equal(t, first, score, "a message the form prints for any input is not an injection")
	}
	// Each later pass adds a single control submission.
	assert.EqualValues(t, 3+4+4, posts.Load())
}

func TestScanURL_NoForm(t *testing.T) {
	s, _, srv := newHTTPScanner(t)
	score, err := s.ScanURL(context.Background(), srv.URL+"/static")
	require.NoError(t, err)
	assert.Equal(t, Score{FormsNotDetected: 1}, score)
}

func TestScanURL_Unreachable(t *testing.T) {
	s, _, srv := newHTTPScanner(t)
	srv.Close()
	_, err := s.ScanURL(context.Background(), srv.URL+"/login")
	assert.Error(t, err)
}

func TestScanURL_Cancelled(t *testing.T) {
	s, _, srv := newHTTPScanner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.ScanURL(ctx, srv.URL+"/login")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScanList(t *testing.T) {
	ds := dataset.NewManager()
	s, _, srv := newHTTPScanner(t, WithDataset(ds))

	score, err := s.ScanList(context.Background(), srv.URL+"/", []string{"login", "/search", "static", "missing", "  "})
	require.NoError(t, err)
	assert.Equal(t, Score{FormsDetected: 2, InjectionSuccess: 2, InjectionFailure: 4, ErrorMessages: 1}, score)

	assert.Equal(t, []string{srv.URL + "/login", srv.URL + "/search", srv.URL + "/static"}, ds.URLs())
	assert.ElementsMatch(t, []string{srv.URL + "/login", srv.URL + "/search"}, ds.FormURLs())
}

func TestBuildURLs(t *testing.T) {
	got := BuildURLs(" http://t.test// ", []string{"a", "/b", "", "c/d"})
	assert.Equal(t, []string{"http://t.test/a", "http://t.test/b", "http://t.test/c/d"}, got)
}

func TestScore_Add(t *testing.T) {
	s := Score{FormsDetected: 1, InjectionFailure: 2}
	s.Add(Score{FormsDetected: 1, FormsNotDetected: 3, InjectionSuccess: 1, ErrorMessages: 4})
	assert.Equal(t, Score{FormsDetected: 2, FormsNotDetected: 3, InjectionSuccess: 1, InjectionFailure: 2, ErrorMessages: 4}, s)
}

func TestScanURL_BrowserMode(t *testing.T) {
	site := &browsertest.Site{
		Pages: map[string]string{
			"http://app.test/login": `<form><input name="u"></form>`,
			"http://app.test/about": `<p>about</p>`,
		},
		Submit: func(_, payload string) (string, time.Duration) {
			if payload == "'" {
				return sqlError, 0
			}
			return "ok", 0
		},
	}
	clock := browsertest.NewClock()
	var (
		opened atomic.Int32
		mu     sync.Mutex
		pages  []*browsertest.Page
	)
	opener := func(context.Context) (browser.Page, error) {
		opened.Add(1)
		p := browsertest.NewPage(site)
		p.Clock = clock
		mu.Lock()
		pages = append(pages, p)
		mu.Unlock()
		return p, nil
	}

	s, err := New(testOracle(), http.DefaultClient, Config{Mode: ModeBrowser, BlindThreshold: blindThreshold},
		zaptest.NewLogger(t), WithPageOpener(opener))
	require.NoError(t, err)

	score, err := s.ScanURL(context.Background(), "http://app.test/login")
	require.NoError(t, err)
	assert.Equal(t, Score{FormsDetected: 1, InjectionSuccess: 1, ErrorMessages: 1}, score)

	score, err = s.ScanURL(context.Background(), "http://app.test/about")
	require.NoError(t, err)
	assert.Equal(t, Score{FormsNotDetected: 1}, score)

	_, err = s.ScanURL(context.Background(), "http://app.test/gone")
	assert.ErrorIs(t, err, browser.ErrDriver)

	assert.Equal(t, int32(3), opened.Load(), "every scan opens its own session")
	for _, p := range pages {
		// A closed page rejects further calls.
		assert.ErrorIs(t, p.Refresh(context.Background()), browser.ErrDriver)
	}
}

func TestScanURL_BrowserModeBlind(t *testing.T) {
	site := &browsertest.Site{
		Pages: map[string]string{"http://app.test/login": `<form><input name="u"></form>`},
		Submit: func(_, payload string) (string, time.Duration) {
			if strings.Contains(payload, "SLEEP") {
				return "ok", 5 * time.Second
			}
			return "ok", 0
		},
	}
	clock := browsertest.NewClock()
	opener := func(context.Context) (browser.Page, error) {
		p := browsertest.NewPage(site)
		p.Clock = clock
		return p, nil
	}
	s, err := New(testOracle(), http.DefaultClient, Config{Mode: ModeBrowser, BlindThreshold: 4 * time.Second},
		nil, WithPageOpener(opener))
	require.NoError(t, err)

	score, err := s.ScanURL(context.Background(), "http://app.test/login")
	require.NoError(t, err)
	assert.Equal(t, Score{FormsDetected: 1, InjectionSuccess: 1}, score)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

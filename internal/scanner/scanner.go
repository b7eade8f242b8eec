// internal/scanner/scanner.go
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/sqlpaf/internal/browser"
	"github.com/xkilldash9x/sqlpaf/internal/config"
	"github.com/xkilldash9x/sqlpaf/internal/dataset"
	"github.com/xkilldash9x/sqlpaf/internal/oracle"
	"github.com/xkilldash9x/sqlpaf/internal/perception"
	"github.com/xkilldash9x/sqlpaf/internal/probe"
)

// Mode selects how forms are submitted.
type Mode string

const (
	ModeHTTP    Mode = "http"
	ModeBrowser Mode = "browser"
)

const (
	defaultConcurrency = 5
	// maxBodyBytes caps how much of a response is read for error matching.
	maxBodyBytes = 4 << 20
)

// Score aggregates scan outcomes. Scores of several URLs are summed.
type Score struct {
	FormsDetected    int `json:"forms_detected"`
	FormsNotDetected int `json:"forms_not_detected"`
	InjectionSuccess int `json:"injection_success"`
	InjectionFailure int `json:"injection_failure"`
	ErrorMessages    int `json:"error_messages"`
}

// Add accumulates o into s.
func (s *Score) Add(o Score) {
	s.FormsDetected += o.FormsDetected
	s.FormsNotDetected += o.FormsNotDetected
	s.InjectionSuccess += o.InjectionSuccess
	s.InjectionFailure += o.InjectionFailure
	s.ErrorMessages += o.ErrorMessages
}

// Config tunes a Scanner.
type Config struct {
	Mode        Mode
	Concurrency int
	// RateLimit is the request budget per second across all workers. Zero or
	// less disables limiting.
	RateLimit      float64
	BlindThreshold time.Duration
}

// FromConfig maps the scanner section of the application config.
func FromConfig(c config.ScannerConfig) Config {
	return Config{
		Mode:           Mode(strings.ToLower(c.Mode)),
		Concurrency:    c.Concurrency,
		RateLimit:      c.RateLimit,
		BlindThreshold: c.BlindThreshold,
	}
}

// PageOpener starts a fresh browser session. Each browser-mode scan owns the
// page it opens and closes it when done.
type PageOpener func(ctx context.Context) (browser.Page, error)

// Option customizes a Scanner.
type Option func(*Scanner)

// WithDataset records discovered and form URLs into m.
func WithDataset(m *dataset.Manager) Option {
	return func(s *Scanner) { s.dataset = m }
}

// WithPageOpener supplies the session factory required by browser mode.
func WithPageOpener(open PageOpener) Option {
	return func(s *Scanner) { s.open = open }
}

// WithClock replaces the time source used for blind timing of HTTP submissions.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// Scanner probes the forms of known URLs for SQL injection.
type Scanner struct {
	oracle   *oracle.Oracle
	client   *http.Client
	cfg      Config
	limiter  *rate.Limiter
	dataset  *dataset.Manager
	open     PageOpener
	injector *probe.Injector
	now      func() time.Time
	logger   *zap.Logger
}

// New builds a scanner. The client is only used in HTTP mode and for URL
// discovery in ScanList.
func New(o *oracle.Oracle, client *http.Client, cfg Config, logger *zap.Logger, opts ...Option) (*Scanner, error) {
	if o == nil {
		return nil, errors.New("oracle cannot be nil")
	}
	if client == nil {
		return nil, errors.New("http client cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeHTTP
	}
	if cfg.Mode != ModeHTTP && cfg.Mode != ModeBrowser {
		return nil, fmt.Errorf("unknown scanner mode %q", cfg.Mode)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.BlindThreshold <= 0 {
		cfg.BlindThreshold = probe.DefaultBlindThreshold
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	s := &Scanner{
		oracle:  o,
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Concurrency),
		now:     time.Now,
		logger:  logger.Named("scanner"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Mode == ModeBrowser {
		if s.open == nil {
			return nil, errors.New("browser mode requires a page opener")
		}
		in, err := probe.NewInjector(o, probe.Config{Blind: true, BlindThreshold: cfg.BlindThreshold}, logger)
		if err != nil {
			return nil, err
		}
		s.injector = in
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Scanner) Config() Config { return s.cfg }

// ScanURL detects the forms on target and submits every payload into them.
// The returned error covers fetching the page and cancellation only; failed
// submissions count as injection failures.
func (s *Scanner) ScanURL(ctx context.Context, target string) (Score, error) {
	if s.cfg.Mode == ModeBrowser {
		return s.scanBrowser(ctx, target)
	}

	body, status, err := s.fetch(ctx, target)
	if err != nil {
		return Score{}, fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	log := s.logger.With(zap.String("url", target))
	log.Debug("Fetched page.", zap.Int("status", status))

	var score Score
	forms := ParseForms(body)
	if len(forms) == 0 {
		log.Info("No form detected.")
		score.FormsNotDetected = 1
		return score, nil
	}
	score.FormsDetected = len(forms)
	s.recordForm(target)
	log.Info("Forms detected.", zap.Int("count", len(forms)))

	for i, f := range forms {
		if len(f.Fields) == 0 {
			log.Debug("Skipping form without inputs.", zap.Int("form", i))
			continue
		}
		action, err := f.Target(target)
		if err != nil {
			log.Warn("Skipping form with an invalid action.", zap.Int("form", i), zap.String("action", f.Action), zap.Error(err))
			continue
		}
		fs, err := s.injectForm(ctx, f, action)
		score.Add(fs)
		if err != nil {
			return score, err
		}
	}
	return score, nil
}

// controlInput is the benign value whose response tells apart learned
// signatures a form prints for any input.
const controlInput = "1"

// injectForm runs error-based payloads until the first hit, then times each
// blind payload. The known-error set is captured when the form starts, and a
// learned signature only counts when the response to controlInput lacks it.
func (s *Scanner) injectForm(ctx context.Context, f Form, action string) (Score, error) {
	var score Score
	cat := s.oracle.Catalog()
	sigs := s.oracle.Signatures()
	log := s.logger.With(zap.String("action", action), zap.String("method", f.Method))

	var control *string
	provoked := func(learned []string) ([]string, error) {
		if control == nil {
			body, _, err := s.submit(ctx, f, action, controlInput)
			if err != nil {
				return nil, err
			}
			control = &body
		}
		present := oracle.Match(learned, *control)
		var out []string
		for _, sig := range learned {
			if !slices.Contains(present, sig) {
				out = append(out, sig)
			}
		}
		return out, nil
	}

	if len(cat.ErrorBased) > 0 {
		hit := false
		for _, payload := range cat.ErrorBased {
			body, _, err := s.submit(ctx, f, action, payload)
			if err != nil {
				if ctx.Err() != nil {
					return score, ctx.Err()
				}
				log.Warn("Form submission failed.", zap.String("payload", payload), zap.Error(err))
				continue
			}
			matched := oracle.Match(sigs.Listed, body)
			if len(matched) == 0 {
				if learned := oracle.Match(sigs.Learned, body); len(learned) > 0 {
					if matched, err = provoked(learned); err != nil {
						if ctx.Err() != nil {
							return score, ctx.Err()
						}
						log.Warn("Control submission failed.", zap.Error(err))
						continue
					}
					if len(matched) == 0 {
						log.Debug("Learned signature is printed for benign input too.", zap.Strings("signatures", learned))
					}
				}
			}
			if len(matched) > 0 {
				score.ErrorMessages += len(matched)
				hit = true
				log.Info("Error-based injection confirmed.", zap.String("payload", payload), zap.Strings("errors", matched))
				break
			}
			s.oracle.Analyze(body)
		}
		if hit {
			score.InjectionSuccess++
		} else {
			score.InjectionFailure++
		}
	}

	for _, payload := range cat.Blind {
		body, elapsed, err := s.submit(ctx, f, action, payload)
		if err != nil {
			if ctx.Err() != nil {
				return score, ctx.Err()
			}
			if isTimeout(err) && elapsed > s.cfg.BlindThreshold {
				score.InjectionSuccess++
				log.Info("Time-based injection suspected.", zap.String("payload", payload), zap.Duration("elapsed", elapsed), zap.Bool("timed_out", true))
				continue
			}
			log.Warn("Blind submission failed.", zap.String("payload", payload), zap.Error(err))
			score.InjectionFailure++
			continue
		}
		if elapsed > s.cfg.BlindThreshold {
			score.InjectionSuccess++
			log.Info("Time-based injection suspected.", zap.String("payload", payload), zap.Duration("elapsed", elapsed))
		} else {
			score.InjectionFailure++
		}
		score.ErrorMessages += len(oracle.Match(sigs.Listed, body))
	}
	return score, nil
}

// isTimeout reports whether err is a client or transport timeout.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
}

// submit sends the form with payload. GET forms carry the values in the
// query string, POST forms in a urlencoded body. Elapsed excludes the time
// spent waiting on the rate limiter.
func (s *Scanner) submit(ctx context.Context, f Form, action, payload string) (string, time.Duration, error) {
	values := f.Values(payload)
	var (
		req *http.Request
		err error
	)
	if f.Method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, action, strings.NewReader(values.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		var u *url.URL
		if u, err = url.Parse(action); err == nil {
			q := u.Query()
			for k, vs := range values {
				for _, v := range vs {
					q.Add(k, v)
				}
			}
			u.RawQuery = q.Encode()
			req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		}
	}
	if err != nil {
		return "", 0, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", 0, err
	}

	start := s.now()
	resp, err := s.client.Do(req)
	if err != nil {
		return "", s.now().Sub(start), err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	return string(body), s.now().Sub(start), err
}

func (s *Scanner) fetch(ctx context.Context, target string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", 0, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	return string(body), resp.StatusCode, err
}

// scanBrowser probes the first form of target in a session of its own.
func (s *Scanner) scanBrowser(ctx context.Context, target string) (Score, error) {
	page, err := s.open(ctx)
	if err != nil {
		return Score{}, fmt.Errorf("failed to open browser session: %w", err)
	}
	defer func() {
		if cerr := page.Close(context.WithoutCancel(ctx)); cerr != nil {
			s.logger.Debug("Failed to close browser session.", zap.Error(cerr))
		}
	}()

	if err := page.Navigate(ctx, target); err != nil {
		return Score{}, fmt.Errorf("failed to navigate to %s: %w", target, err)
	}
	src, err := page.Source(ctx)
	if err != nil {
		return Score{}, fmt.Errorf("failed to read %s: %w", target, err)
	}

	var score Score
	n := perception.CountForms(src)
	if n == 0 {
		score.FormsNotDetected = 1
		return score, nil
	}
	score.FormsDetected = n
	s.recordForm(target)

	res, err := s.injector.Probe(ctx, page, target)
	switch {
	case ctx.Err() != nil:
		return score, ctx.Err()
	case err != nil:
		s.logger.Warn("Browser probe ended early.", zap.String("url", target), zap.Int("attempts", res.Attempts), zap.Error(err))
		score.InjectionFailure++
	case res.Success:
		score.InjectionSuccess++
		if res.MatchedError != "" {
			score.ErrorMessages++
		}
	default:
		score.InjectionFailure++
	}
	return score, nil
}

// BuildURLs joins each path onto domain with exactly one slash between them.
// Blank paths are skipped.
func BuildURLs(domain string, paths []string) []string {
	domain = strings.TrimRight(strings.TrimSpace(domain), "/")
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "/") {
			out = append(out, domain+p)
		} else {
			out = append(out, domain+"/"+p)
		}
	}
	return out
}

// ScanList checks domain+path for every path, keeps the pages that answer 200
// and contain a form, and scans those concurrently. Unreachable paths are
// logged and skipped.
func (s *Scanner) ScanList(ctx context.Context, domain string, paths []string) (Score, error) {
	candidates, err := s.discover(ctx, BuildURLs(domain, paths))
	if err != nil {
		return Score{}, err
	}
	s.logger.Info("Form pages selected for injection.", zap.Int("count", len(candidates)))

	var (
		mu    sync.Mutex
		total Score
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, u := range candidates {
		g.Go(func() error {
			score, err := s.ScanURL(gctx, u)
			mu.Lock()
			total.Add(score)
			mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.logger.Warn("Scan failed.", zap.String("url", u), zap.Error(err))
			}
			return nil
		})
	}
	err = g.Wait()
	return total, err
}

// discover returns, in input order, the URLs that answer 200 with a form
// marker in the body.
func (s *Scanner) discover(ctx context.Context, urls []string) ([]string, error) {
	valid := make([]bool, len(urls))
	forms := make([]bool, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, u := range urls {
		g.Go(func() error {
			body, status, err := s.fetch(gctx, u)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.logger.Debug("Path unreachable.", zap.String("url", u), zap.Error(err))
				return nil
			}
			if status != http.StatusOK {
				s.logger.Debug("Path rejected.", zap.String("url", u), zap.Int("status", status))
				return nil
			}
			valid[i] = true
			forms[i] = strings.Contains(strings.ToLower(body), "<form")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var ok, candidates []string
	for i, u := range urls {
		if valid[i] {
			ok = append(ok, u)
		}
		if forms[i] {
			candidates = append(candidates, u)
		}
	}
	if s.dataset != nil {
		s.dataset.AddURLs(ok)
	}
	return candidates, nil
}

func (s *Scanner) recordForm(u string) {
	if s.dataset != nil {
		s.dataset.AddFormURL(u)
	}
}

// internal/probe/probe.go
package probe

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sqlpaf/internal/browser"
	"github.com/xkilldash9x/sqlpaf/internal/oracle"
)

// DefaultBlindThreshold is the elapsed time above which a blind payload counts as a hit.
const DefaultBlindThreshold = 4 * time.Second

// Technique names the detection strategy that produced a hit.
type Technique string

const (
	TechniqueNone  Technique = ""
	TechniqueError Technique = "error"
	TechniqueBlind Technique = "blind"
)

// Result is the outcome of probing the first form of a page.
type Result struct {
	Success      bool
	Technique    Technique
	Payload      string
	MatchedError string
	Elapsed      time.Duration
	// Attempts counts payload submissions, successful or not.
	Attempts int
}

// Config tunes an Injector.
type Config struct {
	Blind          bool
	BlindThreshold time.Duration
}

// controlInput is the benign value submitted to check whether a learned
// signature is provoked by a payload or printed for any input.
const controlInput = "1"

// Injector submits payloads from the oracle into a page's first form.
type Injector struct {
	oracle *oracle.Oracle
	cfg    Config
	logger *zap.Logger
}

// NewInjector builds an injector around o.
func NewInjector(o *oracle.Oracle, cfg Config, logger *zap.Logger) (*Injector, error) {
	if o == nil {
		return nil, errors.New("oracle cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BlindThreshold <= 0 {
		cfg.BlindThreshold = DefaultBlindThreshold
	}
	return &Injector{
		oracle: o,
		cfg:    cfg,
		logger: logger.Named("probe"),
	}, nil
}

// session tracks one probe's use of a page.
type session struct {
	page      browser.Page
	returnURL string
	dirty     bool
	// control caches the response to controlInput.
	control *string
}

func (s *session) submit(ctx context.Context, payload string) (time.Duration, error) {
	if s.dirty {
		if err := s.page.Navigate(ctx, s.returnURL); err != nil {
			return 0, fmt.Errorf("return to form page: %w", err)
		}
		s.dirty = false
	}
	latency, err := s.page.SubmitFirstForm(ctx, payload)
	s.dirty = true
	return latency, err
}

// provoked returns the signatures in matched that the response to
// controlInput does not contain.
func (s *session) provoked(ctx context.Context, matched []string) ([]string, error) {
	if s.control == nil {
		if _, err := s.submit(ctx, controlInput); err != nil {
			return nil, err
		}
		src, err := s.page.Source(ctx)
		if err != nil {
			return nil, err
		}
		s.control = &src
	}
	present := oracle.Match(matched, *s.control)
	var out []string
	for _, sig := range matched {
		if !slices.Contains(present, sig) {
			out = append(out, sig)
		}
	}
	return out, nil
}

// Probe runs the error-based payloads in catalog order and stops at the first
// response containing a known error. When none hits and blind probing is on,
// it times each blind payload against the threshold. The page is navigated
// back to returnURL before every payload after the first.
//
// The known-error set is captured once at the start, so signatures learned
// from responses during this probe do not count as hits for it. A learned
// signature only counts when the response to a benign input lacks it.
//
// ErrNoForm is returned when the page has no form at the first submission.
// Other driver errors count as a miss for that payload; they are returned
// joined when no payload hit.
func (in *Injector) Probe(ctx context.Context, page browser.Page, returnURL string) (Result, error) {
	cat := in.oracle.Catalog()
	sigs := in.oracle.Signatures()
	s := &session{page: page, returnURL: returnURL}

	var (
		res  Result
		errs []error
	)
	miss := func(err error) {
		errs = append(errs, err)
		in.logger.Debug("Payload attempt failed.", zap.String("url", returnURL), zap.Error(err))
	}

	for _, payload := range cat.ErrorBased {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempts++
		if _, err := s.submit(ctx, payload); err != nil {
			if errors.Is(err, browser.ErrNoForm) && res.Attempts == 1 {
				return res, err
			}
			miss(fmt.Errorf("submit error-based payload: %w", err))
			continue
		}

		src, err := page.Source(ctx)
		if err != nil {
			miss(fmt.Errorf("read response: %w", err))
			continue
		}
		matched := oracle.Match(sigs.Listed, src)
		if len(matched) == 0 {
			if learned := oracle.Match(sigs.Learned, src); len(learned) > 0 {
				if matched, err = s.provoked(ctx, learned); err != nil {
					miss(fmt.Errorf("submit control input: %w", err))
					continue
				}
				if len(matched) == 0 {
					in.logger.Debug("Learned signature is printed for benign input too.", zap.Strings("signatures", learned))
				}
			}
		}
		if len(matched) > 0 {
			res.Success = true
			res.Technique = TechniqueError
			res.Payload = payload
			res.MatchedError = matched[0]
			in.logger.Info("Error-based injection confirmed.",
				zap.String("url", returnURL),
				zap.String("payload", payload),
				zap.String("matched_error", matched[0]))
			return res, nil
		}
		if learned := in.oracle.Analyze(src).Learned; learned != "" {
			in.logger.Debug("Response produced a new error signature.", zap.String("signature", learned))
		}
	}

	if !in.cfg.Blind {
		return res, errors.Join(errs...)
	}

	for _, payload := range cat.Blind {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempts++
		latency, err := s.submit(ctx, payload)
		if err != nil {
			if errors.Is(err, browser.ErrNoForm) && res.Attempts == 1 {
				return res, err
			}
			// A response that never arrived within the navigation timeout is
			// the strongest latency signal, as long as the threshold passed.
			if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil || latency <= in.cfg.BlindThreshold {
				miss(fmt.Errorf("submit blind payload: %w", err))
				continue
			}
		}
		if latency > in.cfg.BlindThreshold {
			res.Success = true
			res.Technique = TechniqueBlind
			res.Payload = payload
			res.Elapsed = latency
			in.logger.Info("Time-based injection suspected.",
				zap.String("url", returnURL),
				zap.String("payload", payload),
				zap.Duration("elapsed", latency),
				zap.Bool("timed_out", err != nil))
			return res, nil
		}
	}
	return res, errors.Join(errs...)
}

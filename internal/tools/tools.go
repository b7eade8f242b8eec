// internal/tools/tools.go
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/sqlpaf/internal/config"
)

const (
	defaultGobusterTimeout = 60 * time.Second
	defaultSqlmapTimeout   = 30 * time.Second
	defaultWorkers         = 5
	// maxStderr bounds how much tool stderr ends up in an error message.
	maxStderr = 512
)

// Replaced in tests.
var execCommandContext = exec.CommandContext

// run executes name with args under timeout and returns stdout. On failure the
// stdout collected so far is still returned.
func run(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := execCommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w (%v)", ctx.Err(), err)
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderr {
			msg = msg[len(msg)-maxStderr:]
		}
		if msg != "" {
			return stdout.String(), fmt.Errorf("%s failed: %w: %s", name, err, msg)
		}
		return stdout.String(), fmt.Errorf("%s failed: %w", name, err)
	}
	return stdout.String(), nil
}

// Gobuster wraps the gobuster content discovery tool.
type Gobuster struct {
	Path    string
	Timeout time.Duration
	logger  *zap.Logger
}

func NewGobuster(cfg config.ToolsConfig, logger *zap.Logger) *Gobuster {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultGobusterTimeout
	}
	return &Gobuster{Path: cfg.GobusterPath, Timeout: timeout, logger: logger.Named("gobuster")}
}

// Discover runs "gobuster dir" against target and returns the full URLs it
// reports. URLs parsed before a failure are returned along with the error.
func (g *Gobuster) Discover(ctx context.Context, target, wordlist string, extraArgs ...string) ([]string, error) {
	if target == "" || wordlist == "" {
		return nil, errors.New("gobuster needs a target and a wordlist")
	}
	args := append([]string{"dir", "-u", target, "-w", wordlist}, extraArgs...)
	g.logger.Info("Running content discovery.", zap.String("target", target), zap.String("wordlist", wordlist))

	out, err := run(ctx, g.Timeout, g.Path, args...)
	urls := ParseGobusterOutput(target, out)
	g.logger.Info("Content discovery finished.", zap.Int("found", len(urls)), zap.Error(err))
	return urls, err
}

// ParseGobusterOutput extracts the first "/path" token of every result line
// and joins it onto target. Result lines carry "Found:" or "(Status:".
func ParseGobusterOutput(target, output string) []string {
	base := strings.TrimSuffix(target, "/")
	var urls []string
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "Found:") && !strings.Contains(line, "(Status:") {
			continue
		}
		for _, field := range strings.Fields(line) {
			if strings.HasPrefix(field, "/") {
				urls = append(urls, base+field)
				break
			}
		}
	}
	return urls
}

// Outcome is the verdict of an exploitation run against one URL.
type Outcome struct {
	URL        string
	Injectable bool
	Output     string
	Err        error
}

// Prober confirms injections on a single URL.
type Prober interface {
	Probe(ctx context.Context, url string) (Outcome, error)
}

// injectableMarkers are printed by sqlmap once a parameter is confirmed.
var injectableMarkers = []string{
	"identified the following injection point",
	"is vulnerable",
}

// Sqlmap wraps the sqlmap exploitation tool.
type Sqlmap struct {
	Path    string
	Timeout time.Duration
	logger  *zap.Logger
}

var _ Prober = (*Sqlmap)(nil)

func NewSqlmap(cfg config.ToolsConfig, logger *zap.Logger) *Sqlmap {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSqlmapTimeout
	}
	return &Sqlmap{Path: cfg.SqlmapPath, Timeout: timeout, logger: logger.Named("sqlmap")}
}

// Probe runs "sqlmap -u url --batch --crawl=1".
func (s *Sqlmap) Probe(ctx context.Context, url string) (Outcome, error) {
	out, err := run(ctx, s.Timeout, s.Path, "-u", url, "--batch", "--crawl=1")
	o := Outcome{URL: url, Output: out, Injectable: injectable(out), Err: err}
	if o.Injectable {
		s.logger.Info("Injection point confirmed.", zap.String("url", url))
	}
	return o, err
}

func injectable(output string) bool {
	lower := strings.ToLower(output)
	for _, m := range injectableMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// RunMany probes every URL with at most workers in flight. A failed probe is
// reported in its Outcome and does not stop the others. Duplicate URLs are
// probed once.
func RunMany(ctx context.Context, p Prober, urls []string, workers int) map[string]Outcome {
	if workers <= 0 {
		workers = defaultWorkers
	}
	results := make(map[string]Outcome, len(urls))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(workers)
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		g.Go(func() error {
			var o Outcome
			if err := ctx.Err(); err != nil {
				o = Outcome{URL: u, Err: err}
			} else {
				var err error
				o, err = p.Probe(ctx, u)
				o.URL = u
				if o.Err == nil {
					o.Err = err
				}
			}
			mu.Lock()
			results[u] = o
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

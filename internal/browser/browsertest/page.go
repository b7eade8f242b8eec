// internal/browser/browsertest/page.go
package browsertest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/sqlpaf/internal/browser"
)

// Site is an in-memory website. Pages maps absolute URLs to HTML.
type Site struct {
	Pages map[string]string
	// Submit renders the response to submitting payload into the first form
	// on pageURL, and how long the server takes to answer.
	Submit func(pageURL, payload string) (html string, delay time.Duration)
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type entry struct {
	url  string
	html string
}

// Page is a scripted browser.Page over a Site.
type Page struct {
	Site  *Site
	Clock *Clock
	// Fail makes the named operation return an ErrDriver error. Keys are
	// "navigate", "back", "refresh", "scroll", "click", "submit", "source",
	// "screenshot" and "url".
	Fail map[string]bool

	mu      sync.Mutex
	history []entry
	pos     int
	calls   []string
	closed  bool
}

var _ browser.Page = (*Page)(nil)

// NewPage returns a page on site with a fresh clock.
func NewPage(site *Site) *Page {
	return &Page{Site: site, Clock: NewClock(), Fail: map[string]bool{}, pos: -1}
}

var hrefPattern = regexp.MustCompile(`(?i)<a\s[^>]*href=["']([^"']+)["']`)

func (p *Page) record(op string) error {
	p.calls = append(p.calls, op)
	if p.closed {
		return fmt.Errorf("%w: %w", browser.ErrDriver, browser.ErrClosed)
	}
	if p.Fail[op] {
		return fmt.Errorf("%w: injected %s failure", browser.ErrDriver, op)
	}
	return nil
}

func (p *Page) push(e entry) {
	p.history = append(p.history[:p.pos+1], e)
	p.pos = len(p.history) - 1
}

func (p *Page) current() entry {
	if p.pos < 0 {
		return entry{url: "about:blank"}
	}
	return p.history[p.pos]
}

// Calls returns the operations performed so far.
func (p *Page) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// CallCount counts how often op was performed.
func (p *Page) CallCount(op string) int {
	n := 0
	for _, c := range p.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

func (p *Page) Navigate(_ context.Context, target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("navigate"); err != nil {
		return err
	}
	return p.navigateLocked(target)
}

func (p *Page) navigateLocked(target string) error {
	html, ok := p.Site.Pages[target]
	if !ok {
		return fmt.Errorf("%w: net::ERR_NAME_NOT_RESOLVED %s", browser.ErrDriver, target)
	}
	p.push(entry{url: target, html: html})
	return nil
}

func (p *Page) Back(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("back"); err != nil {
		return err
	}
	if p.pos <= 0 {
		return fmt.Errorf("%w: no history entry", browser.ErrDriver)
	}
	p.pos--
	return nil
}

func (p *Page) Refresh(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record("refresh")
}

func (p *Page) ScrollDown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record("scroll")
}

func (p *Page) ClickFirstLink(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("click"); err != nil {
		return err
	}
	m := hrefPattern.FindStringSubmatch(p.current().html)
	if m == nil {
		return browser.ErrNoLink
	}
	target := m[1]
	if base, err := url.Parse(p.current().url); err == nil {
		if ref, err := url.Parse(target); err == nil {
			target = base.ResolveReference(ref).String()
		}
	}
	return p.navigateLocked(target)
}

// SubmitFirstForm reports the site's delay as the response latency and
// advances the clock by it.
func (p *Page) SubmitFirstForm(_ context.Context, payload string) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("submit"); err != nil {
		return 0, err
	}
	cur := p.current()
	if !strings.Contains(strings.ToLower(cur.html), "<form") {
		return 0, browser.ErrNoForm
	}
	html, delay := "", time.Duration(0)
	if p.Site.Submit != nil {
		html, delay = p.Site.Submit(cur.url, payload)
	}
	p.Clock.Advance(delay)
	p.push(entry{url: cur.url + "?submitted", html: html})
	return delay, nil
}

func (p *Page) Source(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("source"); err != nil {
		return "", err
	}
	return p.current().html, nil
}

func (p *Page) Screenshot(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("screenshot"); err != nil {
		return nil, err
	}
	return tinyPNG, nil
}

func (p *Page) CurrentURL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("url"); err != nil {
		return "", err
	}
	return p.current().url, nil
}

func (p *Page) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// tinyPNG is a 4x4 gray screenshot.
var tinyPNG = func() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 128, G: 128, B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}()

// internal/oracle/oracle.go
package oracle

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrOracleIO marks a payload or known-error file that could not be read or written.
// Callers degrade to empty lists instead of aborting.
var ErrOracleIO = errors.New("oracle file unavailable")

// LearnMode selects how unmatched error output grows the known-error set.
type LearnMode string

const (
	// LearnOff never appends signatures.
	LearnOff LearnMode = "off"
	// LearnPlaceholder appends a fixed generic signature. Noisy: every page
	// mentioning "error" without a known match collapses to the same entry.
	LearnPlaceholder LearnMode = "placeholder"
	// LearnContext appends the visible text surrounding the first "error" marker.
	LearnContext LearnMode = "context"
)

// PlaceholderSignature is the entry appended in LearnPlaceholder mode.
const PlaceholderSignature = "unlisted new error"

const (
	errorMarker   = "error"
	contextRadius = 40

	errorSectionMarker = "payloads error-based"
	blindSectionMarker = "payloads blind"

	// learnedSectionMarker opens the part of the known-errors file written by Learn.
	learnedSectionMarker = "# -- Learned Signatures --"
)

// ParseLearnMode maps a configuration string onto a LearnMode.
func ParseLearnMode(s string) (LearnMode, error) {
	switch m := LearnMode(strings.ToLower(strings.TrimSpace(s))); m {
	case LearnOff, LearnPlaceholder, LearnContext:
		return m, nil
	case "":
		return LearnContext, nil
	default:
		return "", fmt.Errorf("unknown learn mode %q", s)
	}
}

// Catalog holds the two ordered payload lists. Order is the exploit priority.
type Catalog struct {
	ErrorBased []string
	Blind      []string
}

// ParsePayloads reads the sectioned payload format. Comment lines containing
// "Payloads Error-Based" or "Payloads Blind" switch sections; other comments,
// blank lines and lines before the first marker are ignored.
func ParsePayloads(r io.Reader) (Catalog, error) {
	var cat Catalog
	var section *[]string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			lower := strings.ToLower(line)
			switch {
			case strings.Contains(lower, errorSectionMarker):
				section = &cat.ErrorBased
			case strings.Contains(lower, blindSectionMarker):
				section = &cat.Blind
			}
			continue
		}
		if section != nil {
			*section = append(*section, line)
		}
	}
	return cat, scanner.Err()
}

// Signatures splits the known-error set by origin.
type Signatures struct {
	// Listed signatures were curated: they precede the learned section of the
	// file or were passed to New.
	Listed []string
	// Learned signatures were appended by Learn, in this process or another.
	Learned []string
}

// All returns the listed signatures followed by the learned ones.
func (s Signatures) All() []string {
	return append(append([]string(nil), s.Listed...), s.Learned...)
}

// ParseKnownErrors reads one signature per line, lowercased, skipping blanks,
// comments and duplicates while keeping file order.
func ParseKnownErrors(r io.Reader) ([]string, error) {
	sigs, _, err := parseSignatures(r)
	return sigs.All(), err
}

// parseSignatures is ParseKnownErrors keeping the listed and learned sections
// apart. It also reports whether the learned section marker was seen.
func parseSignatures(r io.Reader) (Signatures, bool, error) {
	var out Signatures
	learned := false
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		sig := normalizeSignature(scanner.Text())
		if sig == "" {
			continue
		}
		if strings.HasPrefix(sig, "#") {
			if isLearnedMarker(sig) {
				learned = true
			}
			continue
		}
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		if learned {
			out.Learned = append(out.Learned, sig)
		} else {
			out.Listed = append(out.Listed, sig)
		}
	}
	return out, learned, scanner.Err()
}

func isLearnedMarker(line string) bool {
	return normalizeSignature(line) == normalizeSignature(learnedSectionMarker)
}

func normalizeSignature(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Match returns every signature in known that occurs in content, case-insensitively.
func Match(known []string, content string) []string {
	if len(known) == 0 || content == "" {
		return nil
	}
	lower := strings.ToLower(content)
	var found []string
	for _, sig := range known {
		if sig != "" && strings.Contains(lower, sig) {
			found = append(found, sig)
		}
	}
	return found
}

// Config locates the oracle's backing files.
type Config struct {
	PayloadsFile string
	ErrorsFile   string
	LearnMode    LearnMode
}

// Oracle serves payload lists and the growing known-error set.
type Oracle struct {
	mu      sync.RWMutex
	catalog Catalog
	known   []string
	index   map[string]struct{}
	learned map[string]struct{}

	errorsFile string
	// learnedSection is set once the errors file carries the learned marker.
	learnedSection bool
	mode       LearnMode
	logger     *zap.Logger
}

// Load reads both files. The returned Oracle is always usable: a missing or
// unreadable file leaves the matching list empty and is reported through the
// error, which wraps ErrOracleIO.
func Load(cfg Config, logger *zap.Logger) (*Oracle, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mode := cfg.LearnMode
	if mode == "" {
		mode = LearnContext
	}
	o := &Oracle{
		index:      make(map[string]struct{}),
		learned:    make(map[string]struct{}),
		errorsFile: cfg.ErrorsFile,
		mode:       mode,
		logger:     logger.Named("oracle"),
	}

	var errs []error
	if cat, err := readPayloads(cfg.PayloadsFile); err != nil {
		errs = append(errs, err)
	} else {
		o.catalog = cat
	}
	if sigs, marked, err := readKnownErrors(cfg.ErrorsFile); err != nil {
		errs = append(errs, err)
	} else {
		o.mergeSignatures(sigs, marked)
	}

	o.logger.Info("Oracle loaded",
		zap.Int("error_payloads", len(o.catalog.ErrorBased)),
		zap.Int("blind_payloads", len(o.catalog.Blind)),
		zap.Int("known_errors", len(o.known)),
		zap.String("learn_mode", string(mode)),
	)
	if err := errors.Join(errs...); err != nil {
		o.logger.Warn("Oracle degraded to partial lists", zap.Error(err))
		return o, err
	}
	return o, nil
}

// New builds an in-memory oracle with no backing errors file.
func New(cat Catalog, known []string, mode LearnMode, logger *zap.Logger) *Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Oracle{
		catalog: Catalog{
			ErrorBased: append([]string(nil), cat.ErrorBased...),
			Blind:      append([]string(nil), cat.Blind...),
		},
		index:   make(map[string]struct{}),
		learned: make(map[string]struct{}),
		mode:    mode,
		logger:  logger.Named("oracle"),
	}
	normalized := make([]string, 0, len(known))
	for _, k := range known {
		normalized = append(normalized, normalizeSignature(k))
	}
	o.merge(normalized, false)
	return o
}

func readPayloads(path string) (Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("%w: payloads file: %v", ErrOracleIO, err)
	}
	defer f.Close()
	cat, err := ParsePayloads(f)
	if err != nil {
		return Catalog{}, fmt.Errorf("%w: reading payloads file: %v", ErrOracleIO, err)
	}
	return cat, nil
}

func readKnownErrors(path string) (Signatures, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return Signatures{}, false, fmt.Errorf("%w: known-errors file: %v", ErrOracleIO, err)
	}
	defer f.Close()
	sigs, marked, err := parseSignatures(f)
	if err != nil {
		return Signatures{}, false, fmt.Errorf("%w: reading known-errors file: %v", ErrOracleIO, err)
	}
	return sigs, marked, nil
}

// merge appends unseen signatures in order and reports how many were new.
// Caller must hold the write lock or own o exclusively.
func (o *Oracle) merge(sigs []string, learned bool) int {
	added := 0
	for _, s := range sigs {
		if s == "" {
			continue
		}
		if _, ok := o.index[s]; ok {
			continue
		}
		o.index[s] = struct{}{}
		if learned {
			o.learned[s] = struct{}{}
		}
		o.known = append(o.known, s)
		added++
	}
	return added
}

// mergeSignatures merges a parsed errors file. Caller must hold the write lock
// or own o exclusively.
func (o *Oracle) mergeSignatures(sigs Signatures, marked bool) {
	o.merge(sigs.Listed, false)
	o.merge(sigs.Learned, true)
	o.learnedSection = o.learnedSection || marked
}

// Catalog returns a copy of the payload lists.
func (o *Oracle) Catalog() Catalog {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Catalog{
		ErrorBased: append([]string(nil), o.catalog.ErrorBased...),
		Blind:      append([]string(nil), o.catalog.Blind...),
	}
}

// KnownErrors returns a snapshot of the known-error set in insertion order.
func (o *Oracle) KnownErrors() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.known...)
}

// Signatures returns a snapshot of the known-error set split by origin.
func (o *Oracle) Signatures() Signatures {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out Signatures
	for _, s := range o.known {
		if _, ok := o.learned[s]; ok {
			out.Learned = append(out.Learned, s)
		} else {
			out.Listed = append(out.Listed, s)
		}
	}
	return out
}

// Mode reports the active learn mode.
func (o *Oracle) Mode() LearnMode { return o.mode }

// Detect returns the known signatures present in content.
func (o *Oracle) Detect(content string) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Match(o.known, content)
}

// AnalyzeResult is the outcome of inspecting one response body.
type AnalyzeResult struct {
	Matched []string
	// Learned is the signature appended by this call, if any.
	Learned string
}

// Analyze detects known signatures and, when none match but the body mentions
// an error, feeds the learning heuristic.
func (o *Oracle) Analyze(content string) AnalyzeResult {
	res := AnalyzeResult{Matched: o.Detect(content)}
	if len(res.Matched) > 0 {
		return res
	}
	sig, ok := o.candidate(content)
	if !ok {
		return res
	}
	added, err := o.Learn(sig)
	if err != nil {
		o.logger.Warn("Failed to persist learned signature", zap.String("signature", sig), zap.Error(err))
	}
	if added {
		res.Learned = sig
	}
	return res
}

// candidate derives the signature to learn from an unmatched body.
func (o *Oracle) candidate(content string) (string, bool) {
	if o.mode == LearnOff || !strings.Contains(strings.ToLower(content), errorMarker) {
		return "", false
	}
	if o.mode == LearnPlaceholder {
		return PlaceholderSignature, true
	}
	sig := ErrorContext(content, contextRadius)
	return sig, sig != ""
}

var (
	tagPattern        = regexp.MustCompile(`(?s)<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// ErrorContext returns the lowercase visible text within radius bytes on each
// side of the first "error" marker, with markup stripped and whitespace collapsed.
// It returns "" when the visible text has no marker.
func ErrorContext(content string, radius int) string {
	text := tagPattern.ReplaceAllString(content, " ")
	text = strings.ToLower(whitespacePattern.ReplaceAllString(text, " "))
	i := strings.Index(text, errorMarker)
	if i < 0 {
		return ""
	}
	start := max(0, i-radius)
	end := min(len(text), i+len(errorMarker)+radius)
	// Snap to word boundaries so the signature does not start or end mid-word.
	if start > 0 && text[start-1] != ' ' {
		if sp := strings.IndexByte(text[start:i], ' '); sp >= 0 {
			start += sp + 1
		}
	}
	if end < len(text) && text[end] != ' ' {
		if sp := strings.LastIndexByte(text[i+len(errorMarker):end], ' '); sp >= 0 {
			end = i + len(errorMarker) + sp
		}
	}
	return strings.TrimSpace(strings.ToValidUTF8(text[start:end], ""))
}

// Learn appends a signature to the known set and the backing file. It returns
// false when the signature is empty or already known. The file is only ever
// appended to; the first learned entry is preceded by the learned section
// marker so reloads keep learned and listed signatures apart.
func (o *Oracle) Learn(signature string) (bool, error) {
	sig := normalizeSignature(signature)
	if sig == "" || strings.ContainsAny(sig, "\r\n") {
		return false, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// Pick up lines appended by other processes before deduplicating.
	if o.errorsFile != "" {
		if onDisk, marked, err := readKnownErrors(o.errorsFile); err == nil {
			o.mergeSignatures(onDisk, marked)
		}
	}
	if _, ok := o.index[sig]; ok {
		return false, nil
	}
	o.merge([]string{sig}, true)
	o.logger.Info("Learned new error signature", zap.String("signature", sig))

	if o.errorsFile == "" {
		return true, nil
	}
	f, err := os.OpenFile(o.errorsFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return true, fmt.Errorf("%w: %v", ErrOracleIO, err)
	}
	defer f.Close()
	line := sig + "\n"
	if !o.learnedSection {
		line = learnedSectionMarker + "\n" + line
	}
	if _, err := f.WriteString(line); err != nil {
		return true, fmt.Errorf("%w: %v", ErrOracleIO, err)
	}
	o.learnedSection = true
	return true, nil
}

// internal/perception/observation.go
package perception

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // screenshot decoders
	_ "image/png"
	"strings"

	"golang.org/x/image/draw"
)

// Fixed observation geometry. The visual tensor is stored channel-first (CHW).
const (
	Width        = 84
	Height       = 84
	Channels     = 3
	VisualSize   = Channels * Height * Width
	FeatureCount = 4

	// lengthScale normalizes the page length feature.
	lengthScale = 1000.0
)

// Feature vector indices.
const (
	FeatureFormDetected = iota
	FeatureNumForms
	FeatureNumLinks
	FeaturePageLength
)

// ErrPerception marks a screenshot that could not be turned into pixels.
var ErrPerception = errors.New("perception failed")

// Observation is the fixed-shape state handed to the agent.
type Observation struct {
	// Visual holds raw 0-255 pixel values in CHW order.
	Visual   []uint8
	Features [FeatureCount]float32
}

// Zero returns an observation with a black image and zero features.
func Zero() Observation {
	return Observation{Visual: make([]uint8, VisualSize)}
}

// Links is the link count carried in the feature vector.
func (o Observation) Links() int { return int(o.Features[FeatureNumLinks]) }

// Forms is the form count carried in the feature vector.
func (o Observation) Forms() int { return int(o.Features[FeatureNumForms]) }

// HasForm reports whether the page contained at least one form.
func (o Observation) HasForm() bool { return o.Features[FeatureFormDetected] > 0 }

// Clone returns a deep copy so replayed transitions never alias live buffers.
func (o Observation) Clone() Observation {
	c := Observation{Features: o.Features}
	if o.Visual != nil {
		c.Visual = append([]uint8(nil), o.Visual...)
	}
	return c
}

// NormalizedVisual writes the visual tensor scaled to [0,1] into dst, which
// must hold VisualSize values. A short or missing visual leaves zeros.
func (o Observation) NormalizedVisual(dst []float64) {
	for i := range dst {
		dst[i] = 0
	}
	n := min(len(o.Visual), len(dst))
	for i := 0; i < n; i++ {
		dst[i] = float64(o.Visual[i]) / 255.0
	}
}

// Builder converts captured page state into observations. It is stateless
// and safe for concurrent use.
type Builder struct{}

// NewBuilder returns an observation builder.
func NewBuilder() *Builder { return &Builder{} }

// Build produces an observation from screenshot bytes and page HTML. The
// observation is always well-formed: when the screenshot cannot be decoded
// the visual is all zeros and the returned error wraps ErrPerception.
func (b *Builder) Build(screenshot []byte, html string) (Observation, error) {
	obs := Observation{Features: ExtractFeatures(html)}
	visual, err := Visual(screenshot)
	if err != nil {
		obs.Visual = make([]uint8, VisualSize)
		return obs, err
	}
	obs.Visual = visual
	return obs, nil
}

// Visual decodes an encoded image, scales it to Width x Height and returns
// the CHW pixel tensor.
func Visual(screenshot []byte) ([]uint8, error) {
	if len(screenshot) == 0 {
		return nil, fmt.Errorf("%w: empty screenshot", ErrPerception)
	}
	src, _, err := image.Decode(bytes.NewReader(screenshot))
	if err != nil {
		return nil, fmt.Errorf("%w: decode screenshot: %v", ErrPerception, err)
	}
	if src.Bounds().Empty() {
		return nil, fmt.Errorf("%w: screenshot has no pixels", ErrPerception)
	}

	dst := image.NewRGBA(image.Rect(0, 0, Width, Height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := make([]uint8, VisualSize)
	plane := Width * Height
	for y := 0; y < Height; y++ {
		for x := 0; x < Width; x++ {
			p := dst.PixOffset(x, y)
			i := y*Width + x
			out[i] = dst.Pix[p]
			out[plane+i] = dst.Pix[p+1]
			out[2*plane+i] = dst.Pix[p+2]
		}
	}
	return out, nil
}

// ExtractFeatures computes [form_detected, num_forms, num_links, len/1000]
// by lexical counting over the raw HTML.
func ExtractFeatures(html string) [FeatureCount]float32 {
	forms := CountForms(html)
	var f [FeatureCount]float32
	if forms > 0 {
		f[FeatureFormDetected] = 1
	}
	f[FeatureNumForms] = float32(forms)
	f[FeatureNumLinks] = float32(CountLinks(html))
	f[FeaturePageLength] = float32(float64(len(html)) / lengthScale)
	return f
}

// CountForms counts "<form" opening tags, case-insensitively.
func CountForms(html string) int { return countTag(html, "<form") }

// CountLinks counts "<a" opening tags, case-insensitively. Tags that merely
// start with "a" such as <abbr> or <area> are not counted.
func CountLinks(html string) int { return countTag(html, "<a") }

// countTag counts occurrences of marker followed by whitespace, '>' or '/',
// or by the end of input.
func countTag(html, marker string) int {
	lower := strings.ToLower(html)
	n := 0
	for i := 0; ; {
		j := strings.Index(lower[i:], marker)
		if j < 0 {
			return n
		}
		end := i + j + len(marker)
		if end == len(lower) || isTagBoundary(lower[end]) {
			n++
		}
		i = end
	}
}

func isTagBoundary(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', '>', '/':
		return true
	}
	return false
}

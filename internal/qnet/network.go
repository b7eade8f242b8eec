// internal/qnet/network.go
package qnet

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/xkilldash9x/sqlpaf/internal/perception"
)

// Visual pooling geometry: 84x84 planes averaged over 7x7 blocks.
const (
	PoolSize   = 7
	PooledSide = perception.Width / PoolSize
	PooledSize = perception.Channels * PooledSide * PooledSide
)

const (
	defaultHidden        = 64
	defaultFeatureHidden = 16
	defaultLearningRate  = 1e-4
	defaultActions       = 5
)

// Parameter names. Each layer contributes "<name>.w" and "<name>.b".
const (
	layerVisual    = "visual"
	layerFeature   = "feature"
	layerValueHid  = "value_hidden"
	layerValueOut  = "value_out"
	layerAdvHidden = "advantage_hidden"
	layerAdvOut    = "advantage_out"
)

var layerOrder = []string{layerVisual, layerFeature, layerValueHid, layerValueOut, layerAdvHidden, layerAdvOut}

// Config sizes the network.
type Config struct {
	Actions       int
	Hidden        int
	FeatureHidden int
	LearningRate  float64
	Seed          int64
}

func (c Config) withDefaults() Config {
	if c.Actions <= 0 {
		c.Actions = defaultActions
	}
	if c.Hidden <= 0 {
		c.Hidden = defaultHidden
	}
	if c.FeatureHidden <= 0 {
		c.FeatureHidden = defaultFeatureHidden
	}
	if c.LearningRate <= 0 {
		c.LearningRate = defaultLearningRate
	}
	return c
}

type layer struct {
	w *mat.Dense // in x out
	b *mat.Dense // 1 x out
}

// Network is a two-branch dueling Q-network. The visual branch pools the
// normalized CHW image and applies a dense ReLU layer; the feature branch is
// a dense ReLU layer. Their concatenation feeds a value stream and an
// advantage stream combined as Q = V + (A - mean(A)).
//
// A Network is not safe for concurrent use.
type Network struct {
	cfg    Config
	layers map[string]*layer
	opt    *adam
}

// New initializes a network with He-scaled random weights from cfg.Seed.
func New(cfg Config) *Network {
	cfg = cfg.withDefaults()
	rng := rand.New(rand.NewSource(cfg.Seed))
	concat := cfg.Hidden + cfg.FeatureHidden

	shapes := map[string][2]int{
		layerVisual:    {PooledSize, cfg.Hidden},
		layerFeature:   {perception.FeatureCount, cfg.FeatureHidden},
		layerValueHid:  {concat, cfg.Hidden},
		layerValueOut:  {cfg.Hidden, 1},
		layerAdvHidden: {concat, cfg.Hidden},
		layerAdvOut:    {cfg.Hidden, cfg.Actions},
	}

	n := &Network{cfg: cfg, layers: make(map[string]*layer, len(shapes))}
	for _, name := range layerOrder {
		in, out := shapes[name][0], shapes[name][1]
		scale := math.Sqrt(2.0 / float64(in))
		if name == layerValueOut || name == layerAdvOut {
			scale = math.Sqrt(1.0 / float64(in))
		}
		data := make([]float64, in*out)
		for i := range data {
			data[i] = rng.NormFloat64() * scale
		}
		n.layers[name] = &layer{w: mat.NewDense(in, out, data), b: mat.NewDense(1, out, nil)}
	}
	n.opt = newAdam(cfg.LearningRate)
	return n
}

// Config returns the network's resolved configuration.
func (n *Network) Config() Config { return n.cfg }

// Actions is the width of the output.
func (n *Network) Actions() int { return n.cfg.Actions }

// Inputs converts observations into the pooled visual matrix and the feature matrix.
func Inputs(obs []perception.Observation) (visual, features *mat.Dense) {
	visual = mat.NewDense(len(obs), PooledSize, nil)
	features = mat.NewDense(len(obs), perception.FeatureCount, nil)
	for i, o := range obs {
		pool(o.Visual, visual.RawRowView(i))
		row := features.RawRowView(i)
		for j, f := range o.Features {
			row[j] = float64(f)
		}
	}
	return visual, features
}

// pool averages each 7x7 block of every channel plane, normalized to [0,1].
// A missing or short visual pools to zeros.
func pool(chw []uint8, dst []float64) {
	for i := range dst {
		dst[i] = 0
	}
	if len(chw) < perception.VisualSize {
		return
	}
	const plane = perception.Width * perception.Height
	norm := 1.0 / (255.0 * PoolSize * PoolSize)
	for c := 0; c < perception.Channels; c++ {
		for py := 0; py < PooledSide; py++ {
			for px := 0; px < PooledSide; px++ {
				sum := 0
				for y := py * PoolSize; y < (py+1)*PoolSize; y++ {
					off := c*plane + y*perception.Width + px*PoolSize
					for x := 0; x < PoolSize; x++ {
						sum += int(chw[off+x])
					}
				}
				dst[c*PooledSide*PooledSide+py*PooledSide+px] = float64(sum) * norm
			}
		}
	}
}

// activations keeps every intermediate needed for backpropagation.
type activations struct {
	visualIn, featureIn *mat.Dense
	visualZ, visualH    *mat.Dense
	featureZ, featureH  *mat.Dense
	concat              *mat.Dense
	valueZ, valueH      *mat.Dense
	advZ, advH          *mat.Dense
	value, adv          *mat.Dense
	q                   *mat.Dense
}

func (l *layer) forward(x *mat.Dense) *mat.Dense {
	var z mat.Dense
	z.Mul(x, l.w)
	bias := l.b.RawRowView(0)
	r, _ := z.Dims()
	for i := 0; i < r; i++ {
		row := z.RawRowView(i)
		for j := range row {
			row[j] += bias[j]
		}
	}
	return &z
}

func relu(z *mat.Dense) *mat.Dense {
	h := mat.DenseCopyOf(z)
	r, _ := h.Dims()
	for i := 0; i < r; i++ {
		row := h.RawRowView(i)
		for j, v := range row {
			if v < 0 {
				row[j] = 0
			}
		}
	}
	return h
}

func (n *Network) forward(visual, features *mat.Dense) *activations {
	a := &activations{visualIn: visual, featureIn: features}
	rows, _ := visual.Dims()

	a.visualZ = n.layers[layerVisual].forward(visual)
	a.visualH = relu(a.visualZ)
	a.featureZ = n.layers[layerFeature].forward(features)
	a.featureH = relu(a.featureZ)

	a.concat = mat.NewDense(rows, n.cfg.Hidden+n.cfg.FeatureHidden, nil)
	a.concat.Slice(0, rows, 0, n.cfg.Hidden).(*mat.Dense).Copy(a.visualH)
	a.concat.Slice(0, rows, n.cfg.Hidden, n.cfg.Hidden+n.cfg.FeatureHidden).(*mat.Dense).Copy(a.featureH)

	a.valueZ = n.layers[layerValueHid].forward(a.concat)
	a.valueH = relu(a.valueZ)
	a.value = n.layers[layerValueOut].forward(a.valueH)

	a.advZ = n.layers[layerAdvHidden].forward(a.concat)
	a.advH = relu(a.advZ)
	a.adv = n.layers[layerAdvOut].forward(a.advH)

	a.q = mat.NewDense(rows, n.cfg.Actions, nil)
	for i := 0; i < rows; i++ {
		adv := a.adv.RawRowView(i)
		mean := 0.0
		for _, v := range adv {
			mean += v
		}
		mean /= float64(len(adv))
		v := a.value.At(i, 0)
		q := a.q.RawRowView(i)
		for j := range q {
			q[j] = v + adv[j] - mean
		}
	}
	return a
}

// Predict returns the action values for one observation.
func (n *Network) Predict(obs perception.Observation) []float64 {
	q := n.PredictBatch([]perception.Observation{obs})
	return append([]float64(nil), q.RawRowView(0)...)
}

// PredictBatch returns a len(obs) x Actions matrix of action values.
func (n *Network) PredictBatch(obs []perception.Observation) *mat.Dense {
	visual, features := Inputs(obs)
	return n.forward(visual, features).q
}

// Argmax returns the index of the largest value, the lowest index on ties.
func Argmax(values []float64) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}

// ParamNames lists parameter names in a stable order.
func (n *Network) ParamNames() []string {
	names := make([]string, 0, 2*len(n.layers))
	for name := range n.layers {
		names = append(names, name+".w", name+".b")
	}
	sort.Strings(names)
	return names
}

func (n *Network) params() map[string]*mat.Dense {
	p := make(map[string]*mat.Dense, 2*len(n.layers))
	for name, l := range n.layers {
		p[name+".w"] = l.w
		p[name+".b"] = l.b
	}
	return p
}

// Weights returns deep copies of every parameter matrix keyed by name.
func (n *Network) Weights() map[string]*mat.Dense {
	out := make(map[string]*mat.Dense, 2*len(n.layers))
	for name, m := range n.params() {
		out[name] = mat.DenseCopyOf(m)
	}
	return out
}

// SetWeights overwrites every parameter. All names must be present with
// matching shapes; on error nothing is modified.
func (n *Network) SetWeights(w map[string]*mat.Dense) error {
	params := n.params()
	if len(w) != len(params) {
		return fmt.Errorf("weights have %d entries, network has %d", len(w), len(params))
	}
	for name, dst := range params {
		src, ok := w[name]
		if !ok || src == nil {
			return fmt.Errorf("missing weights for %s", name)
		}
		dr, dc := dst.Dims()
		sr, sc := src.Dims()
		if dr != sr || dc != sc {
			return fmt.Errorf("shape mismatch for %s: have %dx%d, want %dx%d", name, sr, sc, dr, dc)
		}
	}
	for name, dst := range params {
		dst.Copy(w[name])
	}
	return nil
}

// CopyFrom performs a hard update of every parameter from src.
func (n *Network) CopyFrom(src *Network) error {
	if src == nil {
		return errors.New("source network cannot be nil")
	}
	return n.SetWeights(src.params())
}

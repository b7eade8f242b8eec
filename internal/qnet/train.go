// internal/qnet/train.go
package qnet

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/xkilldash9x/sqlpaf/internal/perception"
)

// ErrNumerical is returned when a training step produced a non-finite loss.
// Parameters are left untouched in that case.
var ErrNumerical = errors.New("non-finite loss")

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

// Batch is one regression batch: for row i, the value of Actions[i] in
// States[i] is pulled toward Targets[i].
type Batch struct {
	States  []perception.Observation
	Actions []int
	Targets []float64
}

func (b Batch) validate(actions int) error {
	if len(b.States) == 0 {
		return errors.New("empty batch")
	}
	if len(b.Actions) != len(b.States) || len(b.Targets) != len(b.States) {
		return fmt.Errorf("batch length mismatch: %d states, %d actions, %d targets",
			len(b.States), len(b.Actions), len(b.Targets))
	}
	for _, a := range b.Actions {
		if a < 0 || a >= actions {
			return fmt.Errorf("action %d out of range [0,%d)", a, actions)
		}
	}
	return nil
}

// TrainStep performs one Adam step on the mean squared error between the
// selected action values and the targets, and returns the loss measured
// before the update.
func (n *Network) TrainStep(b Batch) (float64, error) {
	loss, grads, err := n.lossAndGrads(b)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, ErrNumerical
	}
	n.opt.step(n.params(), grads)
	return loss, nil
}

// Loss evaluates the batch loss without updating parameters.
func (n *Network) Loss(b Batch) (float64, error) {
	if err := b.validate(n.cfg.Actions); err != nil {
		return 0, err
	}
	visual, features := Inputs(b.States)
	q := n.forward(visual, features).q
	loss := 0.0
	for i, a := range b.Actions {
		d := q.At(i, a) - b.Targets[i]
		loss += d * d
	}
	return loss / float64(len(b.Actions)), nil
}

func (n *Network) lossAndGrads(b Batch) (float64, map[string]*mat.Dense, error) {
	if err := b.validate(n.cfg.Actions); err != nil {
		return 0, nil, err
	}
	visual, features := Inputs(b.States)
	act := n.forward(visual, features)
	rows := len(b.States)
	k := float64(n.cfg.Actions)

	// dL/dQ is non-zero only at the taken action.
	loss := 0.0
	dValue := mat.NewDense(rows, 1, nil)
	dAdv := mat.NewDense(rows, n.cfg.Actions, nil)
	for i, a := range b.Actions {
		diff := act.q.At(i, a) - b.Targets[i]
		loss += diff * diff
		g := 2 * diff / float64(rows)
		dValue.Set(i, 0, g)
		row := dAdv.RawRowView(i)
		for j := range row {
			row[j] = -g / k
		}
		row[a] += g
	}
	loss /= float64(rows)

	grads := make(map[string]*mat.Dense, 2*len(n.layers))

	dValueH := n.backLayer(layerValueOut, act.valueH, dValue, grads)
	dValueZ := reluGrad(dValueH, act.valueZ)
	dConcat := n.backLayer(layerValueHid, act.concat, dValueZ, grads)

	dAdvH := n.backLayer(layerAdvOut, act.advH, dAdv, grads)
	dAdvZ := reluGrad(dAdvH, act.advZ)
	dConcat.Add(dConcat, n.backLayer(layerAdvHidden, act.concat, dAdvZ, grads))

	h, fh := n.cfg.Hidden, n.cfg.FeatureHidden
	dVisualH := mat.DenseCopyOf(dConcat.Slice(0, rows, 0, h))
	dFeatureH := mat.DenseCopyOf(dConcat.Slice(0, rows, h, h+fh))

	n.backLayer(layerVisual, act.visualIn, reluGrad(dVisualH, act.visualZ), grads)
	n.backLayer(layerFeature, act.featureIn, reluGrad(dFeatureH, act.featureZ), grads)

	return loss, grads, nil
}

// backLayer stores the weight and bias gradients of a dense layer given its
// input x and upstream gradient dz, and returns the gradient w.r.t. x.
func (n *Network) backLayer(name string, x, dz *mat.Dense, grads map[string]*mat.Dense) *mat.Dense {
	l := n.layers[name]

	var dw mat.Dense
	dw.Mul(x.T(), dz)
	grads[name+".w"] = &dw

	rows, cols := dz.Dims()
	db := mat.NewDense(1, cols, nil)
	sums := db.RawRowView(0)
	for i := 0; i < rows; i++ {
		for j, v := range dz.RawRowView(i) {
			sums[j] += v
		}
	}
	grads[name+".b"] = db

	var dx mat.Dense
	dx.Mul(dz, l.w.T())
	return &dx
}

// reluGrad masks upstream by the sign of the pre-activation z.
func reluGrad(upstream, z *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(upstream)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		zr := z.RawRowView(i)
		for j := range row {
			if zr[j] <= 0 {
				row[j] = 0
			}
		}
	}
	return out
}

// adam holds first and second moment estimates per parameter.
type adam struct {
	lr float64
	t  int
	m  map[string][]float64
	v  map[string][]float64
}

func newAdam(lr float64) *adam {
	return &adam{lr: lr, m: map[string][]float64{}, v: map[string][]float64{}}
}

func (o *adam) step(params, grads map[string]*mat.Dense) {
	o.t++
	c1 := 1 - math.Pow(adamBeta1, float64(o.t))
	c2 := 1 - math.Pow(adamBeta2, float64(o.t))

	for name, p := range params {
		g, ok := grads[name]
		if !ok {
			continue
		}
		pd := p.RawMatrix().Data
		gd := g.RawMatrix().Data
		m, ok := o.m[name]
		if !ok {
			m = make([]float64, len(pd))
			o.m[name] = m
		}
		v, ok := o.v[name]
		if !ok {
			v = make([]float64, len(pd))
			o.v[name] = v
		}
		for i := range pd {
			m[i] = adamBeta1*m[i] + (1-adamBeta1)*gd[i]
			v[i] = adamBeta2*v[i] + (1-adamBeta2)*gd[i]*gd[i]
			pd[i] -= o.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + adamEpsilon)
		}
	}
}

package mtbert

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Optimizer updates parameters from accumulated gradients.
type Optimizer interface {
	ZeroGrad()
	Step() error
	LR() float64
	SetLR(lr float64)
	State() OptimizerState
	LoadState(OptimizerState) error
}

// OptimizerState is the resumable part of an optimizer.
type OptimizerState struct {
	Step int
	LR   float64
	M    []float64 // first moment estimates
	V    []float64 // second moment estimates
}

// AdamW is Adam with decoupled weight decay. Decay applies only to the
// parameter groups marked for it.
type AdamW struct {
	params, grads []float64
	decay         []float64 // per-parameter weight decay rate
	lr            float64
	beta1, beta2  float64
	eps           float64
	t             int
	m, v          []float64
}

// NewAdamW optimizes params in place from grads. groups selects which spans
// receive weightDecay.
func NewAdamW(params, grads []float64, groups []ParamGroup, lr, weightDecay float64) (*AdamW, error) {
	if len(params) != len(grads) {
		return nil, fmt.Errorf("adamw: %d params but %d grads", len(params), len(grads))
	}
	decay := make([]float64, len(params))
	for _, g := range groups {
		if !g.Decay {
			continue
		}
		for i := g.Offset; i < g.Offset+g.Len; i++ {
			decay[i] = weightDecay
		}
	}
	return &AdamW{
		params: params,
		grads:  grads,
		decay:  decay,
		lr:     lr,
		beta1:  0.9,
		beta2:  0.999,
		eps:    1e-6,
	}, nil
}

func (opt *AdamW) ZeroGrad() {
	zero(opt.grads)
}

func (opt *AdamW) Step() error {
	if opt.m == nil {
		opt.m = make([]float64, len(opt.params))
		opt.v = make([]float64, len(opt.params))
	}
	opt.t++
	beta1, beta2 := opt.beta1, opt.beta2
	correction1 := 1.0 - math.Pow(beta1, float64(opt.t))
	correction2 := 1.0 - math.Pow(beta2, float64(opt.t))
	for i := range opt.params {
		parameter := opt.params[i]
		gradient := opt.grads[i]
		// momentum update
		m := beta1*opt.m[i] + (1.0-beta1)*gradient
		// RMSprop update
		v := beta2*opt.v[i] + (1.0-beta2)*gradient*gradient
		mHat := m / correction1
		vHat := v / correction2
		opt.m[i] = m
		opt.v[i] = v
		opt.params[i] -= opt.lr * (mHat/(math.Sqrt(vHat)+opt.eps) + opt.decay[i]*parameter)
	}
	return nil
}

func (opt *AdamW) LR() float64 {
	return opt.lr
}

func (opt *AdamW) SetLR(lr float64) {
	opt.lr = lr
}

func (opt *AdamW) State() OptimizerState {
	return OptimizerState{
		Step: opt.t,
		LR:   opt.lr,
		M:    append([]float64(nil), opt.m...),
		V:    append([]float64(nil), opt.v...),
	}
}

func (opt *AdamW) LoadState(s OptimizerState) error {
	if len(s.M) != len(s.V) {
		return errors.New("adamw state: moment lengths differ")
	}
	if len(s.M) != 0 && len(s.M) != len(opt.params) {
		return fmt.Errorf("adamw state: %d moments for %d params", len(s.M), len(opt.params))
	}
	opt.t = s.Step
	opt.lr = s.LR
	opt.m, opt.v = nil, nil
	if len(s.M) != 0 {
		opt.m = append([]float64(nil), s.M...)
		opt.v = append([]float64(nil), s.V...)
	}
	return nil
}

// ClipGradNorm rescales grads in place so their L2 norm is at most maxNorm
// and returns the norm before clipping.
func ClipGradNorm(grads []float64, maxNorm float64) float64 {
	norm := floats.Norm(grads, 2)
	if norm > maxNorm && norm > 0 {
		floats.Scale(maxNorm/(norm+1e-6), grads)
	}
	return norm
}

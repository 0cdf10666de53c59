// Package optim holds the optimizer and learning-rate schedule.
package optim

import (
	"errors"
	"fmt"
	"math"

	"github.com/ZanzyTHEbar/mlm-pretrain/pretrain/model"
)

var ErrHyperparameter = errors.New("invalid optimizer hyperparameter")

// AdamWConfig mirrors the transformers AdamW arguments.
type AdamWConfig struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
	// CorrectBias applies Adam bias correction to the step size.
	CorrectBias bool
}

// DefaultAdamWConfig returns betas (0.9, 0.999), eps 1e-6, no decay, bias
// correction on.
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{Beta1: 0.9, Beta2: 0.999, Eps: 1e-6, CorrectBias: true}
}

// AdamW keeps first and second moments for each parameter tensor.
type AdamW struct {
	cfg    AdamWConfig
	params []*model.Param
	m, v   [][]float32
	step   int
}

func NewAdamW(params []*model.Param, cfg AdamWConfig) (*AdamW, error) {
	switch {
	case cfg.Beta1 < 0 || cfg.Beta1 >= 1:
		return nil, fmt.Errorf("%w: beta1 %g", ErrHyperparameter, cfg.Beta1)
	case cfg.Beta2 < 0 || cfg.Beta2 >= 1:
		return nil, fmt.Errorf("%w: beta2 %g", ErrHyperparameter, cfg.Beta2)
	case cfg.Eps < 0:
		return nil, fmt.Errorf("%w: eps %g", ErrHyperparameter, cfg.Eps)
	case cfg.WeightDecay < 0:
		return nil, fmt.Errorf("%w: weight decay %g", ErrHyperparameter, cfg.WeightDecay)
	}
	o := &AdamW{cfg: cfg, params: params, m: make([][]float32, len(params)), v: make([][]float32, len(params))}
	for i, p := range params {
		o.m[i] = make([]float32, p.Numel())
		o.v[i] = make([]float32, p.Numel())
	}
	return o, nil
}

// Steps is the number of updates applied so far.
func (o *AdamW) Steps() int { return o.step }

// Step applies one update with learning rate lr:
//
//	m = b1*m + (1-b1)*g
//	v = b2*v + (1-b2)*g^2
//	p -= stepSize * m / (sqrt(v) + eps)
//	p -= lr * wd * p
//
// stepSize is lr, scaled by sqrt(1-b2^t)/(1-b1^t) when CorrectBias is set.
func (o *AdamW) Step(lr float64) {
	o.step++
	b1, b2 := float32(o.cfg.Beta1), float32(o.cfg.Beta2)
	eps := float32(o.cfg.Eps)

	stepSize := lr
	if o.cfg.CorrectBias {
		t := float64(o.step)
		stepSize *= math.Sqrt(1-math.Pow(o.cfg.Beta2, t)) / (1 - math.Pow(o.cfg.Beta1, t))
	}
	ss := float32(stepSize)
	decay := float32(1 - lr*o.cfg.WeightDecay)

	for i, p := range o.params {
		m, v := o.m[i], o.v[i]
		for j, g := range p.Grad {
			m[j] = b1*m[j] + (1-b1)*g
			v[j] = b2*v[j] + (1-b2)*g*g
			p.Data[j] -= ss * m[j] / (float32(math.Sqrt(float64(v[j]))) + eps)
			if o.cfg.WeightDecay > 0 {
				p.Data[j] *= decay
			}
		}
	}
}

// ClipGradNorm scales all gradients so their global L2 norm is at most
// maxNorm and returns the norm before clipping. maxNorm <= 0 only measures.
func ClipGradNorm(params []*model.Param, maxNorm float64) float64 {
	var sumSq float64
	for _, p := range params {
		for _, g := range p.Grad {
			sumSq += float64(g) * float64(g)
		}
	}
	norm := math.Sqrt(sumSq)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := float32(maxNorm / (norm + 1e-6))
	for _, p := range params {
		for j := range p.Grad {
			p.Grad[j] *= scale
		}
	}
	return norm
}

package model

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

var impl = blas32.Implementation()

func trans(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

// gemm computes c = alpha*op(a)*op(b) + beta*c over row-major views.
func gemm(tA, tB bool, m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	impl.Sgemm(trans(tA), trans(tB), m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
}

// linear is y = x W^T + b with W stored [out, in].
type linear struct {
	W, B    *Param
	in, out int
}

func newLinear(name string, in, out int) linear {
	return linear{W: newParam(name+".weight", out, in), B: newParam(name+".bias", out), in: in, out: out}
}

func (l *linear) params() []*Param { return []*Param{l.W, l.B} }

func (l *linear) forward(x []float32, n int) []float32 {
	y := make([]float32, n*l.out)
	for r := 0; r < n; r++ {
		copy(y[r*l.out:(r+1)*l.out], l.B.Data)
	}
	gemm(false, true, n, l.out, l.in, 1, x, l.in, l.W.Data, l.in, 1, y, l.out)
	return y
}

// backward accumulates dW and dB and returns dx.
func (l *linear) backward(x, dy []float32, n int) []float32 {
	gemm(true, false, l.out, l.in, n, 1, dy, l.out, x, l.in, 1, l.W.Grad, l.in)
	for r := 0; r < n; r++ {
		row := dy[r*l.out : (r+1)*l.out]
		for j, v := range row {
			l.B.Grad[j] += v
		}
	}
	dx := make([]float32, n*l.in)
	gemm(false, false, n, l.in, l.out, 1, dy, l.out, l.W.Data, l.in, 0, dx, l.in)
	return dx
}

type layerNorm struct {
	Gamma, Beta *Param
	eps         float32
	dim         int
}

func newLayerNorm(name string, dim int, eps float64) layerNorm {
	ln := layerNorm{Gamma: newParam(name+".weight", dim), Beta: newParam(name+".bias", dim), eps: float32(eps), dim: dim}
	ln.Gamma.fill(1)
	return ln
}

func (ln *layerNorm) params() []*Param { return []*Param{ln.Gamma, ln.Beta} }

type lnCache struct {
	xhat []float32
	rstd []float32
}

func (ln *layerNorm) forward(x []float32, n int) ([]float32, lnCache) {
	d := ln.dim
	y := make([]float32, n*d)
	c := lnCache{xhat: make([]float32, n*d), rstd: make([]float32, n)}
	for r := 0; r < n; r++ {
		row := x[r*d : (r+1)*d]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(d)
		var variance float64
		for _, v := range row {
			dv := float64(v) - mean
			variance += dv * dv
		}
		variance /= float64(d)
		rstd := float32(1 / math.Sqrt(variance+float64(ln.eps)))
		c.rstd[r] = rstd
		for j, v := range row {
			xh := (v - float32(mean)) * rstd
			c.xhat[r*d+j] = xh
			y[r*d+j] = xh*ln.Gamma.Data[j] + ln.Beta.Data[j]
		}
	}
	return y, c
}

func (ln *layerNorm) backward(c lnCache, dy []float32, n int) []float32 {
	d := ln.dim
	dx := make([]float32, n*d)
	dxhat := make([]float32, d)
	for r := 0; r < n; r++ {
		var sum, dot float32
		for j := 0; j < d; j++ {
			g := dy[r*d+j]
			xh := c.xhat[r*d+j]
			ln.Gamma.Grad[j] += g * xh
			ln.Beta.Grad[j] += g
			dxhat[j] = g * ln.Gamma.Data[j]
			sum += dxhat[j]
			dot += dxhat[j] * xh
		}
		mean, meanDot := sum/float32(d), dot/float32(d)
		for j := 0; j < d; j++ {
			dx[r*d+j] = c.rstd[r] * (dxhat[j] - mean - c.xhat[r*d+j]*meanDot)
		}
	}
	return dx
}

const geluCoef = 0.044715

var sqrt2OverPi = float32(math.Sqrt(2 / math.Pi))

// gelu is the tanh approximation used by gelu_new.
func gelu(x []float32) []float32 {
	y := make([]float32, len(x))
	for i, v := range x {
		t := float32(math.Tanh(float64(sqrt2OverPi * (v + geluCoef*v*v*v))))
		y[i] = 0.5 * v * (1 + t)
	}
	return y
}

func geluBackward(x, dy []float32) []float32 {
	dx := make([]float32, len(x))
	for i, v := range x {
		t := float32(math.Tanh(float64(sqrt2OverPi * (v + geluCoef*v*v*v))))
		dt := sqrt2OverPi * (1 + 3*geluCoef*v*v) * (1 - t*t)
		dx[i] = dy[i] * (0.5*(1+t) + 0.5*v*dt)
	}
	return dx
}

var invSqrt2 = 1 / math.Sqrt2

// geluErf is the exact GELU, x * Phi(x).
func geluErf(x []float32) []float32 {
	y := make([]float32, len(x))
	for i, v := range x {
		y[i] = 0.5 * v * (1 + float32(math.Erf(float64(v)*invSqrt2)))
	}
	return y
}

func geluErfBackward(x, dy []float32) []float32 {
	dx := make([]float32, len(x))
	for i, v := range x {
		xv := float64(v)
		cdf := 0.5 * (1 + math.Erf(xv*invSqrt2))
		pdf := math.Exp(-0.5*xv*xv) / math.Sqrt(2*math.Pi)
		dx[i] = dy[i] * float32(cdf+xv*pdf)
	}
	return dx
}

func relu(x []float32) []float32 {
	y := make([]float32, len(x))
	for i, v := range x {
		if v > 0 {
			y[i] = v
		}
	}
	return y
}

func reluBackward(x, dy []float32) []float32 {
	dx := make([]float32, len(x))
	for i, v := range x {
		if v > 0 {
			dx[i] = dy[i]
		}
	}
	return dx
}

// activation is an elementwise nonlinearity with its gradient.
type activation struct {
	forward  func(x []float32) []float32
	backward func(x, dy []float32) []float32
}

// activationFor resolves a config.json hidden_act name.
func activationFor(name string) (activation, bool) {
	switch name {
	case "gelu_new", "gelu_pytorch_tanh", "gelu_fast", "":
		return activation{gelu, geluBackward}, true
	case "gelu":
		return activation{geluErf, geluErfBackward}, true
	case "relu":
		return activation{relu, reluBackward}, true
	}
	return activation{}, false
}

// softmaxRows normalizes each row of an [n, d] matrix in place.
func softmaxRows(x []float32, n, d int) {
	for r := 0; r < n; r++ {
		row := x[r*d : (r+1)*d]
		mx := row[0]
		for _, v := range row[1:] {
			if v > mx {
				mx = v
			}
		}
		var sum float32
		for j, v := range row {
			e := float32(math.Exp(float64(v - mx)))
			row[j] = e
			sum += e
		}
		inv := 1 / sum
		for j := range row {
			row[j] *= inv
		}
	}
}

// dropout zeroes elements with probability p and rescales the rest.
// The returned mask is nil when nothing was dropped.
func dropout(x []float32, p float64, rng *rand.Rand) ([]float32, []float32) {
	if p <= 0 || rng == nil {
		return x, nil
	}
	scale := float32(1 / (1 - p))
	mask := make([]float32, len(x))
	y := make([]float32, len(x))
	for i, v := range x {
		if rng.Float64() >= p {
			mask[i] = scale
			y[i] = v * scale
		}
	}
	return y, mask
}

func dropoutBackward(dy, mask []float32) []float32 {
	if mask == nil {
		return dy
	}
	dx := make([]float32, len(dy))
	for i, g := range dy {
		dx[i] = g * mask[i]
	}
	return dx
}

func add(a, b []float32) []float32 {
	out := make([]float32, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}

func addInto(dst, src []float32) {
	for i, v := range src {
		dst[i] += v
	}
}

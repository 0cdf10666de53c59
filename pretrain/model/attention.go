package model

import (
	"math"

	"github.com/sourcegraph/conc/pool"
)

// attnCache keeps one forward pass of multi-head attention.
type attnCache struct {
	q, k, v []float32 // [n, hidden]
	probs   []float32 // [batch, heads, seq, seq]
}

// headTask runs fn once per (sequence, head) pair on the worker pool. Each
// call writes only its own head columns and probability block.
func (m *Model) headTask(batch int, fn func(b, h int)) {
	heads := m.cfg.NumAttentionHeads
	p := pool.New().WithMaxGoroutines(m.workers)
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			p.Go(func() { fn(b, h) })
		}
	}
	p.Wait()
}

// attend computes softmax(QK^T/sqrt(d))V for every head. q, k and v are
// [batch*seq, hidden]; the result has the same layout.
func (m *Model) attend(q, k, v []float32, batch, seq int) ([]float32, []float32) {
	hidden, heads, dh := m.cfg.HiddenSize, m.cfg.NumAttentionHeads, m.cfg.headDim()
	scale := float32(1 / math.Sqrt(float64(dh)))
	ctx := make([]float32, batch*seq*hidden)
	probs := make([]float32, batch*heads*seq*seq)

	m.headTask(batch, func(b, h int) {
		off := b*seq*hidden + h*dh
		pb := probs[(b*heads+h)*seq*seq : (b*heads+h+1)*seq*seq]
		gemm(false, true, seq, seq, dh, scale, q[off:], hidden, k[off:], hidden, 0, pb, seq)
		softmaxRows(pb, seq, seq)
		gemm(false, false, seq, dh, seq, 1, pb, seq, v[off:], hidden, 0, ctx[off:], hidden)
	})
	return ctx, probs
}

// attendBackward returns dq, dk, dv for the upstream context gradient dctx.
func (m *Model) attendBackward(c attnCache, dctx []float32, batch, seq int) ([]float32, []float32, []float32) {
	hidden, heads, dh := m.cfg.HiddenSize, m.cfg.NumAttentionHeads, m.cfg.headDim()
	scale := float32(1 / math.Sqrt(float64(dh)))
	n := batch * seq * hidden
	dq, dk, dv := make([]float32, n), make([]float32, n), make([]float32, n)

	m.headTask(batch, func(b, h int) {
		off := b*seq*hidden + h*dh
		pb := c.probs[(b*heads+h)*seq*seq : (b*heads+h+1)*seq*seq]
		dp := make([]float32, seq*seq)

		gemm(false, true, seq, seq, dh, 1, dctx[off:], hidden, c.v[off:], hidden, 0, dp, seq)
		gemm(true, false, seq, dh, seq, 1, pb, seq, dctx[off:], hidden, 0, dv[off:], hidden)

		// softmax backward: ds = p * (dp - sum(dp*p))
		for r := 0; r < seq; r++ {
			prow, drow := pb[r*seq:(r+1)*seq], dp[r*seq:(r+1)*seq]
			var dot float32
			for j := range prow {
				dot += prow[j] * drow[j]
			}
			for j := range prow {
				drow[j] = prow[j] * (drow[j] - dot)
			}
		}

		gemm(false, false, seq, dh, seq, scale, dp, seq, c.k[off:], hidden, 0, dq[off:], hidden)
		gemm(true, false, seq, dh, seq, scale, dp, seq, c.q[off:], hidden, 0, dk[off:], hidden)
	})
	return dq, dk, dv
}

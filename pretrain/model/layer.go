package model

import "fmt"

// albertLayer is one transformer block. ALBERT shares a block across all
// layers of a group, so caches live outside the weights.
type albertLayer struct {
	query, key, value, attnOut linear
	attnLN                     layerNorm
	ffn, ffnOut                linear
	fullLN                     layerNorm
}

func newAlbertLayer(prefix string, cfg Config) *albertLayer {
	h, i := cfg.HiddenSize, cfg.IntermediateSize
	return &albertLayer{
		query:   newLinear(prefix+".attention.query", h, h),
		key:     newLinear(prefix+".attention.key", h, h),
		value:   newLinear(prefix+".attention.value", h, h),
		attnOut: newLinear(prefix+".attention.dense", h, h),
		attnLN:  newLayerNorm(prefix+".attention.LayerNorm", h, cfg.LayerNormEps),
		ffn:     newLinear(prefix+".ffn", h, i),
		ffnOut:  newLinear(prefix+".ffn_output", i, h),
		fullLN:  newLayerNorm(prefix+".full_layer_layer_norm", h, cfg.LayerNormEps),
	}
}

func groupPrefix(g int) string {
	return fmt.Sprintf("albert.encoder.albert_layer_groups.%d.albert_layers.0", g)
}

func (l *albertLayer) params() []*Param {
	var ps []*Param
	ps = append(ps, l.query.params()...)
	ps = append(ps, l.key.params()...)
	ps = append(ps, l.value.params()...)
	ps = append(ps, l.attnOut.params()...)
	ps = append(ps, l.attnLN.params()...)
	ps = append(ps, l.ffn.params()...)
	ps = append(ps, l.ffnOut.params()...)
	ps = append(ps, l.fullLN.params()...)
	return ps
}

type layerCache struct {
	in       []float32
	attn     attnCache
	ctx      []float32
	attnDrop []float32
	attnLN   lnCache
	a        []float32
	ffnPre   []float32
	ffnAct   []float32
	ffnDrop  []float32
	fullLN   lnCache
}

func (m *Model) layerForward(l *albertLayer, x []float32, batch, seq int) ([]float32, *layerCache) {
	n := batch * seq
	c := &layerCache{in: x}
	c.attn.q = l.query.forward(x, n)
	c.attn.k = l.key.forward(x, n)
	c.attn.v = l.value.forward(x, n)
	c.ctx, c.attn.probs = m.attend(c.attn.q, c.attn.k, c.attn.v, batch, seq)

	ao := l.attnOut.forward(c.ctx, n)
	ao, c.attnDrop = dropout(ao, m.dropoutProb(), m.rng)
	c.a, c.attnLN = l.attnLN.forward(add(x, ao), n)

	c.ffnPre = l.ffn.forward(c.a, n)
	c.ffnAct = m.act.forward(c.ffnPre)
	f := l.ffnOut.forward(c.ffnAct, n)
	f, c.ffnDrop = dropout(f, m.dropoutProb(), m.rng)
	out, fullC := l.fullLN.forward(add(f, c.a), n)
	c.fullLN = fullC
	return out, c
}

func (m *Model) layerBackward(l *albertLayer, c *layerCache, dout []float32, batch, seq int) []float32 {
	n := batch * seq
	dsum := l.fullLN.backward(c.fullLN, dout, n)
	df := dropoutBackward(dsum, c.ffnDrop)
	dact := l.ffnOut.backward(c.ffnAct, df, n)
	dpre := m.act.backward(c.ffnPre, dact)
	da := l.ffn.backward(c.a, dpre, n)
	addInto(da, dsum)

	dres := l.attnLN.backward(c.attnLN, da, n)
	dao := dropoutBackward(dres, c.attnDrop)
	dctx := l.attnOut.backward(c.ctx, dao, n)
	dq, dk, dv := m.attendBackward(c.attn, dctx, batch, seq)

	dx := l.query.backward(c.in, dq, n)
	addInto(dx, l.key.backward(c.in, dk, n))
	addInto(dx, l.value.backward(c.in, dv, n))
	addInto(dx, dres)
	return dx
}

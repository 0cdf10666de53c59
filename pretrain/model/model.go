// Package model implements an ALBERT masked language model with explicit
// forward and backward passes over flat float32 tensors.
package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"github.com/ZanzyTHEbar/mlm-pretrain/pretrain/tokenizer"
)

// ErrBadBatch indicates inputs or labels with an unusable shape or id.
var ErrBadBatch = errors.New("invalid batch")

// Model is AlbertForMaskedLM: factorized embeddings, a shared-weight encoder
// and a prediction head tied to the word embeddings.
type Model struct {
	cfg Config

	wordEmb, posEmb, typeEmb *Param
	embLN                    layerNorm
	mapIn                    linear
	groups                   []*albertLayer
	headDense                linear
	headLN                   layerNorm
	headBias                 *Param
	act                      activation

	training bool
	rng      *rand.Rand
	workers  int
}

// Option configures a Model at construction.
type Option func(*Model)

// WithSeed seeds weight initialization and dropout.
func WithSeed(seed int64) Option {
	return func(m *Model) { m.rng = rand.New(rand.NewSource(seed)) }
}

// WithWorkers bounds the goroutines used for attention heads.
func WithWorkers(n int) Option {
	return func(m *Model) {
		if n > 0 {
			m.workers = n
		}
	}
}

// Output is the result of one masked-LM pass.
type Output struct {
	Loss   float64
	Masked int
}

// New builds a randomly initialized model.
func New(cfg Config, opts ...Option) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{cfg: cfg, workers: runtime.GOMAXPROCS(0), rng: rand.New(rand.NewSource(42))}
	for _, opt := range opts {
		opt(m)
	}

	e, h := cfg.EmbeddingSize, cfg.HiddenSize
	m.wordEmb = newParam("albert.embeddings.word_embeddings.weight", cfg.VocabSize, e)
	m.posEmb = newParam("albert.embeddings.position_embeddings.weight", cfg.MaxPositionEmbeddings, e)
	m.typeEmb = newParam("albert.embeddings.token_type_embeddings.weight", cfg.TypeVocabSize, e)
	m.embLN = newLayerNorm("albert.embeddings.LayerNorm", e, cfg.LayerNormEps)
	m.mapIn = newLinear("albert.encoder.embedding_hidden_mapping_in", e, h)
	for g := 0; g < cfg.NumHiddenGroups; g++ {
		m.groups = append(m.groups, newAlbertLayer(groupPrefix(g), cfg))
	}
	m.headDense = newLinear("predictions.dense", h, e)
	m.headLN = newLayerNorm("predictions.LayerNorm", e, cfg.LayerNormEps)
	m.headBias = newParam("predictions.bias", cfg.VocabSize)
	m.act, _ = activationFor(cfg.HiddenAct)

	m.initWeights()
	return m, nil
}

// initWeights draws matrices from N(0, initializer_range); biases stay zero
// and LayerNorm scales stay one.
func (m *Model) initWeights() {
	std := m.cfg.InitializerRange
	m.wordEmb.fillNormal(m.rng, std)
	m.posEmb.fillNormal(m.rng, std)
	m.typeEmb.fillNormal(m.rng, std)
	m.mapIn.W.fillNormal(m.rng, std)
	for _, l := range m.groups {
		for _, lin := range []*linear{&l.query, &l.key, &l.value, &l.attnOut, &l.ffn, &l.ffnOut} {
			lin.W.fillNormal(m.rng, std)
		}
	}
	m.headDense.W.fillNormal(m.rng, std)
}

// Config returns the current configuration, including any resized vocab.
func (m *Model) Config() Config { return m.cfg }

// Parameters lists every trainable tensor in a stable order. The decoder is
// tied to the word embeddings and is not listed separately.
func (m *Model) Parameters() []*Param {
	ps := []*Param{m.wordEmb, m.posEmb, m.typeEmb}
	ps = append(ps, m.embLN.params()...)
	ps = append(ps, m.mapIn.params()...)
	for _, l := range m.groups {
		ps = append(ps, l.params()...)
	}
	ps = append(ps, m.headDense.params()...)
	ps = append(ps, m.headLN.params()...)
	return append(ps, m.headBias)
}

// NumParameters counts trainable scalars.
func (m *Model) NumParameters() int {
	n := 0
	for _, p := range m.Parameters() {
		n += p.Numel()
	}
	return n
}

// ZeroGrad clears all gradients.
func (m *Model) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

// SetTraining toggles dropout.
func (m *Model) SetTraining(on bool) { m.training = on }

// Training reports whether dropout is active.
func (m *Model) Training() bool { return m.training }

// InputEmbeddings returns the word embedding table [vocab, embedding].
func (m *Model) InputEmbeddings() *Param { return m.wordEmb }

func (m *Model) dropoutProb() float64 {
	if !m.training {
		return 0
	}
	return m.cfg.HiddenDropoutProb
}

// Loss evaluates the masked-LM loss without touching gradients.
func (m *Model) Loss(inputIDs, labels [][]int) (Output, error) {
	return m.run(inputIDs, labels, false)
}

// ForwardBackward evaluates the loss and accumulates gradients into every
// parameter. The loss is the mean cross-entropy over labelled positions; a
// batch with no labelled positions yields zero loss and no gradient.
func (m *Model) ForwardBackward(inputIDs, labels [][]int) (Output, error) {
	return m.run(inputIDs, labels, true)
}

func (m *Model) checkBatch(inputIDs, labels [][]int) (int, int, error) {
	batch := len(inputIDs)
	if batch == 0 || len(inputIDs[0]) == 0 {
		return 0, 0, fmt.Errorf("%w: empty batch", ErrBadBatch)
	}
	if len(labels) != batch {
		return 0, 0, fmt.Errorf("%w: %d label rows for %d inputs", ErrBadBatch, len(labels), batch)
	}
	seq := len(inputIDs[0])
	if seq > m.cfg.MaxPositionEmbeddings {
		return 0, 0, fmt.Errorf("%w: sequence length %d exceeds %d positions", ErrBadBatch, seq, m.cfg.MaxPositionEmbeddings)
	}
	v := m.cfg.VocabSize
	for b := range inputIDs {
		if len(inputIDs[b]) != seq || len(labels[b]) != seq {
			return 0, 0, fmt.Errorf("%w: row %d is not length %d", ErrBadBatch, b, seq)
		}
		for s, id := range inputIDs[b] {
			if id < 0 || id >= v {
				return 0, 0, fmt.Errorf("%w: input id %d outside vocab of %d", ErrBadBatch, id, v)
			}
			if l := labels[b][s]; l != tokenizer.IgnoreIndex && (l < 0 || l >= v) {
				return 0, 0, fmt.Errorf("%w: label %d outside vocab of %d", ErrBadBatch, l, v)
			}
		}
	}
	return batch, seq, nil
}

func (m *Model) run(inputIDs, labels [][]int, backward bool) (Output, error) {
	batch, seq, err := m.checkBatch(inputIDs, labels)
	if err != nil {
		return Output{}, err
	}
	n := batch * seq
	e, h, v := m.cfg.EmbeddingSize, m.cfg.HiddenSize, m.cfg.VocabSize

	var positions, targets []int
	for b := range labels {
		for s, l := range labels[b] {
			if l != tokenizer.IgnoreIndex {
				positions = append(positions, b*seq+s)
				targets = append(targets, l)
			}
		}
	}

	// embeddings: word + position + token type 0
	emb := make([]float32, n*e)
	for b := 0; b < batch; b++ {
		for s := 0; s < seq; s++ {
			row := emb[(b*seq+s)*e : (b*seq+s+1)*e]
			copy(row, m.wordEmb.Data[inputIDs[b][s]*e:])
			addInto(row, m.posEmb.Data[s*e:(s+1)*e])
			addInto(row, m.typeEmb.Data[:e])
		}
	}
	x0, embLNC := m.embLN.forward(emb, n)
	x0d, embDrop := dropout(x0, m.dropoutProb(), m.rng)
	hs := m.mapIn.forward(x0d, n)

	caches := make([]*layerCache, m.cfg.NumHiddenLayers)
	for i := range caches {
		hs, caches[i] = m.layerForward(m.groups[m.cfg.groupFor(i)], hs, batch, seq)
	}

	masked := len(positions)
	if masked == 0 {
		return Output{}, nil
	}

	// the head only runs on labelled rows
	hm := make([]float32, masked*h)
	for i, pos := range positions {
		copy(hm[i*h:(i+1)*h], hs[pos*h:(pos+1)*h])
	}
	d := m.headDense.forward(hm, masked)
	gd := m.act.forward(d)
	t, headLNC := m.headLN.forward(gd, masked)

	logits := make([]float32, masked*v)
	for r := 0; r < masked; r++ {
		copy(logits[r*v:(r+1)*v], m.headBias.Data)
	}
	gemm(false, true, masked, v, e, 1, t, e, m.wordEmb.Data, e, 1, logits, v)

	loss := crossEntropy(logits, targets, v)
	out := Output{Loss: loss, Masked: masked}
	if !backward {
		return out, nil
	}

	// logits now hold softmax probabilities
	inv := 1 / float32(masked)
	for r, tgt := range targets {
		logits[r*v+tgt] -= 1
		row := logits[r*v : (r+1)*v]
		for j := range row {
			row[j] *= inv
			m.headBias.Grad[j] += row[j]
		}
	}
	dt := make([]float32, masked*e)
	gemm(false, false, masked, e, v, 1, logits, v, m.wordEmb.Data, e, 0, dt, e)
	gemm(true, false, v, e, masked, 1, logits, v, t, e, 1, m.wordEmb.Grad, e)

	dgd := m.headLN.backward(headLNC, dt, masked)
	dd := m.act.backward(d, dgd)
	dhm := m.headDense.backward(hm, dd, masked)

	dh := make([]float32, n*h)
	for i, pos := range positions {
		addInto(dh[pos*h:(pos+1)*h], dhm[i*h:(i+1)*h])
	}
	for i := len(caches) - 1; i >= 0; i-- {
		dh = m.layerBackward(m.groups[m.cfg.groupFor(i)], caches[i], dh, batch, seq)
	}

	dx0 := dropoutBackward(m.mapIn.backward(x0d, dh, n), embDrop)
	demb := m.embLN.backward(embLNC, dx0, n)
	for b := 0; b < batch; b++ {
		for s := 0; s < seq; s++ {
			g := demb[(b*seq+s)*e : (b*seq+s+1)*e]
			id := inputIDs[b][s]
			addInto(m.wordEmb.Grad[id*e:(id+1)*e], g)
			addInto(m.posEmb.Grad[s*e:(s+1)*e], g)
			addInto(m.typeEmb.Grad[:e], g)
		}
	}
	return out, nil
}

// crossEntropy returns the mean negative log-likelihood of targets and
// leaves softmax probabilities in logits.
func crossEntropy(logits []float32, targets []int, v int) float64 {
	var total float64
	for r, tgt := range targets {
		row := logits[r*v : (r+1)*v]
		mx := row[0]
		for _, x := range row[1:] {
			if x > mx {
				mx = x
			}
		}
		var sum float64
		for _, x := range row {
			sum += math.Exp(float64(x - mx))
		}
		lse := float64(mx) + math.Log(sum)
		total += lse - float64(row[tgt])
		for j, x := range row {
			row[j] = float32(math.Exp(float64(x) - lse))
		}
	}
	return total / float64(len(targets))
}

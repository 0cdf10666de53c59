package model

import "fmt"

// ResizeTokenEmbeddings changes the vocabulary to n rows. Existing rows are
// kept, new rows are drawn from N(0, initializer_range) and the tied output
// bias is padded with zeros. Gradients are reset.
func (m *Model) ResizeTokenEmbeddings(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: vocab size %d", ErrInvalidConfig, n)
	}
	if n == m.cfg.VocabSize {
		return nil
	}
	e := m.cfg.EmbeddingSize
	keep := min(n, m.cfg.VocabSize)

	word := newParam(m.wordEmb.Name, n, e)
	copy(word.Data, m.wordEmb.Data[:keep*e])
	for i := keep * e; i < len(word.Data); i++ {
		word.Data[i] = float32(m.rng.NormFloat64() * m.cfg.InitializerRange)
	}

	bias := newParam(m.headBias.Name, n)
	copy(bias.Data, m.headBias.Data[:keep])

	m.wordEmb, m.headBias = word, bias
	m.cfg.VocabSize = n
	return nil
}

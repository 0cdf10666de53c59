// Package collator builds masked-LM batches from token blocks.
package collator

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/RoaringBitmap/roaring"

	"github.com/ZanzyTHEbar/mlm-pretrain/pretrain/tokenizer"
)

var ErrProbability = errors.New("mlm probability must be in [0, 1]")

// Vocab is the tokenizer surface the collator needs.
type Vocab interface {
	Len() int
	Special() tokenizer.SpecialIDs
	IsSpecial(id int) bool
}

// Batch is one masked batch. Masked holds the flat positions (row*seq+col)
// chosen for prediction; Labels carry the original id there and
// tokenizer.IgnoreIndex elsewhere.
type Batch struct {
	InputIDs  [][]int
	Labels    [][]int
	Masked    *roaring.Bitmap
	Maskable  int
	SeqLength int
}

// DataCollatorForLanguageModeling selects each maskable token with
// probability MLMProbability. Of the selected tokens 80% become [MASK], 10%
// a random vocabulary id and 10% stay unchanged.
type DataCollatorForLanguageModeling struct {
	vocab          Vocab
	MLMProbability float64
	rng            *rand.Rand
}

// New returns a collator drawing from a source seeded with seed.
func New(vocab Vocab, mlmProbability float64, seed int64) (*DataCollatorForLanguageModeling, error) {
	if mlmProbability < 0 || mlmProbability > 1 {
		return nil, fmt.Errorf("%w: %g", ErrProbability, mlmProbability)
	}
	return &DataCollatorForLanguageModeling{
		vocab:          vocab,
		MLMProbability: mlmProbability,
		rng:            rand.New(rand.NewSource(seed)),
	}, nil
}

// Collate copies blocks and masks the copy. Blocks must share one length.
func (c *DataCollatorForLanguageModeling) Collate(blocks [][]int) (Batch, error) {
	if len(blocks) == 0 {
		return Batch{}, errors.New("collate: empty batch")
	}
	seq := len(blocks[0])
	sp := c.vocab.Special()
	vocabLen := c.vocab.Len()

	b := Batch{
		InputIDs:  make([][]int, len(blocks)),
		Labels:    make([][]int, len(blocks)),
		Masked:    roaring.New(),
		SeqLength: seq,
	}
	for r, block := range blocks {
		if len(block) != seq {
			return Batch{}, fmt.Errorf("collate: block %d has length %d, want %d", r, len(block), seq)
		}
		ids := make([]int, seq)
		labels := make([]int, seq)
		copy(ids, block)
		for i, id := range block {
			labels[i] = tokenizer.IgnoreIndex
			if c.vocab.IsSpecial(id) {
				continue
			}
			b.Maskable++
			if c.rng.Float64() >= c.MLMProbability {
				continue
			}
			labels[i] = id
			b.Masked.Add(uint32(r*seq + i))
			switch {
			case c.rng.Float64() < 0.8:
				ids[i] = sp.Mask
			case c.rng.Float64() < 0.5:
				ids[i] = c.rng.Intn(vocabLen)
			}
		}
		b.InputIDs[r], b.Labels[r] = ids, labels
	}
	return b, nil
}

// MaskedFraction is the share of maskable tokens selected for prediction.
func (b Batch) MaskedFraction() float64 {
	if b.Maskable == 0 {
		return 0
	}
	return float64(b.Masked.GetCardinality()) / float64(b.Maskable)
}

// Positions lists the masked (row, col) pairs in row-major order.
func (b Batch) Positions() [][2]int {
	out := make([][2]int, 0, b.Masked.GetCardinality())
	it := b.Masked.Iterator()
	for it.HasNext() {
		p := int(it.Next())
		out = append(out, [2]int{p / b.SeqLength, p % b.SeqLength})
	}
	return out
}

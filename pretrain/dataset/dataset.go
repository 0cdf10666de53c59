// Package dataset turns a raw text corpus into fixed-length training blocks.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/sourcegraph/conc/stream"
)

// linesPerChunk is the unit of parallel tokenization.
const linesPerChunk = 256

var (
	ErrBlockSize = errors.New("block size must be positive")
	ErrBatchSize = errors.New("batch size must be positive")
)

// Encoder is the part of a tokenizer the dataset needs.
type Encoder interface {
	Encode(text string) ([]int, error)
	BuildInputsWithSpecialTokens(ids []int) []int
}

// TextDataset holds floor(L/B) blocks, each B content ids wrapped with the
// encoder's boundary tokens. The trailing partial block is dropped.
type TextDataset struct {
	blocks    [][]int
	blockSize int
	numTokens int
}

// NewTextDataset reads and tokenizes the file at path. Lines are tokenized in
// parallel chunks and reassembled in file order.
func NewTextDataset(ctx context.Context, enc Encoder, path string, blockSize, workers int) (*TextDataset, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBlockSize, blockSize)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	ids, err := encodeOrdered(ctx, enc, string(raw), workers)
	if err != nil {
		return nil, err
	}
	ds, err := FromIDs(enc, ids, blockSize)
	if err != nil {
		return nil, err
	}
	if ds.Len() == 0 {
		slog.Warn("corpus shorter than one block", "path", path, "tokens", len(ids), "blockSize", blockSize)
	}
	return ds, nil
}

// FromIDs chunks an already tokenized corpus.
func FromIDs(enc Encoder, ids []int, blockSize int) (*TextDataset, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBlockSize, blockSize)
	}
	n := len(ids) / blockSize
	ds := &TextDataset{blocks: make([][]int, 0, n), blockSize: blockSize, numTokens: len(ids)}
	for i := 0; i+blockSize <= len(ids); i += blockSize {
		ds.blocks = append(ds.blocks, enc.BuildInputsWithSpecialTokens(ids[i:i+blockSize]))
	}
	return ds, nil
}

func encodeOrdered(ctx context.Context, enc Encoder, text string, workers int) ([]int, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	lines := strings.Split(text, "\n")

	var (
		ids      []int
		firstErr error
	)
	s := stream.New().WithMaxGoroutines(workers)
	for start := 0; start < len(lines); start += linesPerChunk {
		chunk := strings.Join(lines[start:min(start+linesPerChunk, len(lines))], "\n")
		s.Go(func() stream.Callback {
			if err := ctx.Err(); err != nil {
				return func() {
					if firstErr == nil {
						firstErr = err
					}
				}
			}
			part, err := enc.Encode(chunk)
			return func() {
				if err != nil && firstErr == nil {
					firstErr = fmt.Errorf("tokenize lines %d+: %w", start+1, err)
				}
				ids = append(ids, part...)
			}
		})
	}
	s.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return ids, nil
}

// Len is the number of blocks.
func (d *TextDataset) Len() int { return len(d.blocks) }

// Get returns block i. Callers must not modify it.
func (d *TextDataset) Get(i int) []int { return d.blocks[i] }

// BlockSize is the number of content tokens per block.
func (d *TextDataset) BlockSize() int { return d.blockSize }

// NumTokens is the corpus length in tokens, including the dropped remainder.
func (d *TextDataset) NumTokens() int { return d.numTokens }

// Batches partitions the blocks sequentially; the last batch may be short.
func (d *TextDataset) Batches(batchSize int) ([][][]int, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBatchSize, batchSize)
	}
	out := make([][][]int, 0, (len(d.blocks)+batchSize-1)/batchSize)
	for i := 0; i < len(d.blocks); i += batchSize {
		out = append(out, d.blocks[i:min(i+batchSize, len(d.blocks))])
	}
	return out, nil
}

// NumBatches is len(Batches(batchSize)) without building them.
func (d *TextDataset) NumBatches(batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return (len(d.blocks) + batchSize - 1) / batchSize
}

package dataset

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/mlm-pretrain/pretrain/tokenizer"
)

const (
	cls = -1
	sep = -2
)

// numberEncoder maps each whitespace separated integer to itself.
type numberEncoder struct{}

func (numberEncoder) Encode(text string) ([]int, error) {
	var ids []int
	for _, f := range strings.Fields(text) {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		ids = append(ids, n)
	}
	return ids, nil
}

func (numberEncoder) BuildInputsWithSpecialTokens(ids []int) []int {
	out := append([]int{cls}, ids...)
	return append(out, sep)
}

func writeCorpus(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corpus.txt")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func TestBlockCountAndLength(t *testing.T) {
	ids := make([]int, 103)
	for i := range ids {
		ids[i] = i
	}
	tests := []struct {
		blockSize int
		want      int
	}{
		{1, 103},
		{10, 10},
		{50, 2},
		{103, 1},
		{104, 0},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.blockSize), func(t *testing.T) {
			ds, err := FromIDs(numberEncoder{}, ids, tt.blockSize)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ds.Len())
			assert.Equal(t, len(ids), ds.NumTokens())
			for i := 0; i < ds.Len(); i++ {
				b := ds.Get(i)
				require.Len(t, b, tt.blockSize+2)
				assert.Equal(t, cls, b[0])
				assert.Equal(t, sep, b[len(b)-1])
				assert.Equal(t, i*tt.blockSize, b[1], "blocks are contiguous")
			}
		})
	}

	_, err := FromIDs(numberEncoder{}, ids, 0)
	assert.ErrorIs(t, err, ErrBlockSize)
}

func TestNewTextDatasetKeepsOrderAcrossChunks(t *testing.T) {
	var sb strings.Builder
	total := 0
	for line := 0; line < 3*linesPerChunk+17; line++ {
		for j := 0; j < 3; j++ {
			sb.WriteString(strconv.Itoa(total))
			sb.WriteByte(' ')
			total++
		}
		sb.WriteByte('\n')
	}
	path := writeCorpus(t, sb.String())

	ds, err := NewTextDataset(context.Background(), numberEncoder{}, path, 7, 4)
	require.NoError(t, err)
	assert.Equal(t, total/7, ds.Len())
	next := 0
	for i := 0; i < ds.Len(); i++ {
		for _, id := range ds.Get(i)[1:8] {
			require.Equal(t, next, id)
			next++
		}
	}
}

func TestNewTextDatasetErrors(t *testing.T) {
	_, err := NewTextDataset(context.Background(), numberEncoder{}, filepath.Join(t.TempDir(), "missing.txt"), 8, 1)
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := writeCorpus(t, "1 2 three\n")
	_, err = NewTextDataset(context.Background(), numberEncoder{}, path, 8, 1)
	assert.ErrorIs(t, err, strconv.ErrSyntax)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewTextDataset(ctx, numberEncoder{}, writeCorpus(t, "1 2 3\n"), 1, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBatches(t *testing.T) {
	ids := make([]int, 50)
	ds, err := FromIDs(numberEncoder{}, ids, 5)
	require.NoError(t, err)
	require.Equal(t, 10, ds.Len())

	batches, err := ds.Batches(4)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 4)
	assert.Len(t, batches[2], 2, "last batch is short")
	assert.Equal(t, 3, ds.NumBatches(4))

	_, err = ds.Batches(0)
	assert.ErrorIs(t, err, ErrBatchSize)
}

func TestWithTokenizerBackends(t *testing.T) {
	tests := []struct {
		name    string
		backend string
	}{
		{"default", tokenizer.DefaultConfig().Backend},
		{"native wordpiece", tokenizer.BackendWordPiece},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			vocab := []string{tokenizer.PadToken, tokenizer.UnkToken, tokenizer.ClsToken, tokenizer.SepToken, tokenizer.MaskToken, "我", "爱", "你"}
			vocabPath := filepath.Join(dir, tokenizer.VocabFileName)
			require.NoError(t, os.WriteFile(vocabPath, []byte(strings.Join(vocab, "\n")), 0o644))
			v, err := tokenizer.LoadVocabulary(vocabPath)
			require.NoError(t, err)
			cfg := tokenizer.DefaultConfig()
			cfg.Backend = tt.backend
			tok, err := tokenizer.New(v, vocabPath, cfg)
			require.NoError(t, err)
			require.Equal(t, tt.backend, tok.BackendName())
			require.Equal(t, 1, tok.AddTokens([]string{"深度学习"}, false))

			path := writeCorpus(t, "我爱你\n我爱你\n我爱深度学习")
			ds, err := NewTextDataset(context.Background(), tok, path, 3, 2)
			require.NoError(t, err)
			assert.Equal(t, 9, ds.NumTokens())
			require.Equal(t, 3, ds.Len())
			assert.Equal(t, []int{2, 5, 6, 7, 3}, ds.Get(0))
			assert.Equal(t, []int{2, 5, 6, 8, 3}, ds.Get(2))
		})
	}
}

// Package hub resolves, loads and saves pretrained model directories holding
// a tokenizer next to model weights.
package hub

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/ZanzyTHEbar/mlm-pretrain/pretrain/model"
	"github.com/ZanzyTHEbar/mlm-pretrain/pretrain/tokenizer"
)

var (
	ErrNotFound          = errors.New("pretrained model not found")
	ErrUnsupportedFormat = errors.New("unsupported checkpoint format")
	ErrVocabMismatch     = errors.New("model vocab size does not match tokenizer")
	ErrUnknownPreset     = errors.New("unknown model preset")
)

// pickleWeightsFileName is the PyTorch checkpoint older snapshots ship instead
// of model.safetensors.
const pickleWeightsFileName = "pytorch_model.bin"

// Resolve maps a model name to a directory. An existing directory is used as
// is; anything else is looked up in modelsDir with "/" replaced by "--".
func Resolve(modelsDir, name string) string {
	if fi, err := os.Stat(name); err == nil && fi.IsDir() {
		return name
	}
	return filepath.Join(modelsDir, strings.ReplaceAll(name, "/", "--"))
}

// Exists reports whether dir holds a complete pretrained model: config.json,
// vocab.txt and weights as model.bin or model.safetensors.
func Exists(dir string) bool {
	return Check(dir) == nil
}

// Check explains why dir is not a loadable pretrained model. It returns
// ErrUnsupportedFormat when the only weights are a pickled pytorch_model.bin
// and ErrNotFound for anything else missing.
func Check(dir string) error {
	for _, name := range []string{model.ConfigFileName, tokenizer.VocabFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("%w: %s has no %s", ErrNotFound, dir, name)
		}
	}
	if _, ok := model.WeightsPath(dir); ok {
		return nil
	}
	if _, err := os.Stat(filepath.Join(dir, pickleWeightsFileName)); err == nil {
		return fmt.Errorf("%w: %s holds only %s; convert it to %s", ErrUnsupportedFormat, dir, pickleWeightsFileName, model.SafetensorsFileName)
	}
	return fmt.Errorf("%w: %s has no %s or %s", ErrNotFound, dir, model.WeightsFileName, model.SafetensorsFileName)
}

// LoadPretrained reads the tokenizer and model from dir, which is either a
// directory written by SavePretrained or a HuggingFace snapshot with
// model.safetensors. backend overrides the saved tokenizer backend when
// non-empty.
func LoadPretrained(dir, backend string, opts ...model.Option) (*tokenizer.Tokenizer, *model.Model, error) {
	if err := Check(dir); err != nil {
		return nil, nil, err
	}
	tok, err := tokenizer.Load(dir, backend)
	if err != nil {
		return nil, nil, fmt.Errorf("load tokenizer: %w", err)
	}
	m, err := model.Load(dir, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("load model: %w", err)
	}
	if got := m.Config().VocabSize; got != tok.Len() {
		return nil, nil, fmt.Errorf("%w: model has %d rows, tokenizer %d tokens", ErrVocabMismatch, got, tok.Len())
	}
	slog.Debug("loaded pretrained model", "dir", dir, "vocab", tok.Len(), "params", m.NumParameters())
	return tok, m, nil
}

// SaveOption adjusts SavePretrained.
type SaveOption func(*saveOptions)

type saveOptions struct {
	safetensors bool
}

// WithSafetensors also writes model.safetensors for transformers.
func WithSafetensors(on bool) SaveOption {
	return func(o *saveOptions) { o.safetensors = on }
}

// SavePretrained writes model and tokenizer into dir, overwriting existing files.
// An existing model.safetensors is rewritten too.
func SavePretrained(dir string, tok *tokenizer.Tokenizer, m *model.Model, opts ...SaveOption) error {
	var o saveOptions
	for _, opt := range opts {
		opt(&o)
	}
	if got := m.Config().VocabSize; got != tok.Len() {
		return fmt.Errorf("%w: model has %d rows, tokenizer %d tokens", ErrVocabMismatch, got, tok.Len())
	}
	if err := m.Save(dir); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	if _, err := os.Stat(filepath.Join(dir, model.SafetensorsFileName)); err == nil {
		o.safetensors = true
	}
	if o.safetensors {
		if err := m.SaveSafetensors(dir); err != nil {
			return fmt.Errorf("save safetensors: %w", err)
		}
	}
	if err := tok.Save(dir); err != nil {
		return fmt.Errorf("save tokenizer: %w", err)
	}
	return nil
}

// Preset returns a named architecture sized for vocabSize tokens.
func Preset(name string, vocabSize int) (model.Config, error) {
	var cfg model.Config
	switch name {
	case "albert_chinese_base", "":
		cfg = model.AlbertChineseBase()
	case "tiny":
		cfg = model.Tiny(vocabSize)
	default:
		return model.Config{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	cfg.VocabSize = vocabSize
	return cfg, nil
}

// InitPretrained writes a randomly initialized model over vocab into dir.
func InitPretrained(dir string, cfg model.Config, vocab []string, tokCfg tokenizer.Config, opts ...model.Option) error {
	cfg.VocabSize = len(vocab)
	tok, err := tokenizer.New(tokenizer.NewVocabulary(vocab), "", tokCfg)
	if err != nil {
		return err
	}
	m, err := model.New(cfg, opts...)
	if err != nil {
		return err
	}
	return SavePretrained(dir, tok, m)
}

// BootstrapVocabulary builds a character vocabulary from a corpus: the
// special tokens followed by every distinct lowercased character and its
// "##" continuation, in first-seen order.
func BootstrapVocabulary(corpusPath string) ([]string, error) {
	f, err := os.Open(corpusPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vocab := []string{tokenizer.PadToken, tokenizer.UnkToken, tokenizer.ClsToken, tokenizer.SepToken, tokenizer.MaskToken}
	seen := make(map[rune]bool)
	r := bufio.NewReader(f)
	for {
		c, _, err := r.ReadRune()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		c = unicode.ToLower(c)
		if unicode.IsSpace(c) || unicode.IsControl(c) || c == unicode.ReplacementChar || seen[c] {
			continue
		}
		seen[c] = true
		vocab = append(vocab, string(c), "##"+string(c))
	}
	return vocab, nil
}

package tokenizer

import (
	"errors"
	"fmt"
)

// Special token strings used by BERT/ALBERT vocabularies.
const (
	PadToken  = "[PAD]"
	UnkToken  = "[UNK]"
	ClsToken  = "[CLS]"
	SepToken  = "[SEP]"
	MaskToken = "[MASK]"
)

// IgnoreIndex marks label positions that take no part in the loss.
const IgnoreIndex = -100

// ErrMissingSpecialToken indicates the vocabulary lacks a required special token
var ErrMissingSpecialToken = errors.New("vocabulary is missing a special token")

// Config holds basic tokenizer settings
type Config struct {
	DoLowerCase    bool   `json:"do_lower_case"`
	ModelMaxLength int    `json:"model_max_length"`
	Backend        string `json:"backend,omitempty"`
}

// DefaultConfig matches BertTokenizer defaults.
func DefaultConfig() Config {
	return Config{DoLowerCase: true, ModelMaxLength: 512, Backend: BackendSugarme}
}

// SpecialIDs holds the resolved ids of the special tokens.
type SpecialIDs struct {
	Pad, Unk, Cls, Sep, Mask int
}

// Tokenizer converts raw text to vocabulary ids and owns the vocabulary.
type Tokenizer struct {
	cfg          Config
	vocab        *Vocabulary
	baseSize     int
	added        []string
	addedSpecial map[string]bool
	special      SpecialIDs
	specialID    map[int]struct{}
	backend      Backend
}

// New builds a tokenizer over vocab. vocabPath is the vocab.txt vocab was read
// from; it lets file-backed backends load the same list.
func New(vocab *Vocabulary, vocabPath string, cfg Config) (*Tokenizer, error) {
	t := &Tokenizer{cfg: cfg, vocab: vocab, baseSize: vocab.Len(), addedSpecial: make(map[string]bool)}
	if err := t.resolveSpecials(); err != nil {
		return nil, err
	}
	t.backend = NewBackend(cfg.Backend, vocab, vocabPath, UnkToken, cfg.DoLowerCase)
	t.cfg.Backend = t.backend.Name()
	return t, nil
}

func (t *Tokenizer) resolveSpecials() error {
	lookup := func(tok string) (int, error) {
		id, ok := t.vocab.ID(tok)
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrMissingSpecialToken, tok)
		}
		return id, nil
	}
	var err error
	if t.special.Pad, err = lookup(PadToken); err != nil {
		return err
	}
	if t.special.Unk, err = lookup(UnkToken); err != nil {
		return err
	}
	if t.special.Cls, err = lookup(ClsToken); err != nil {
		return err
	}
	if t.special.Sep, err = lookup(SepToken); err != nil {
		return err
	}
	if t.special.Mask, err = lookup(MaskToken); err != nil {
		return err
	}
	t.specialID = map[int]struct{}{
		t.special.Pad:  {},
		t.special.Unk:  {},
		t.special.Cls:  {},
		t.special.Sep:  {},
		t.special.Mask: {},
	}
	return nil
}

// Len is the vocabulary size including added tokens.
func (t *Tokenizer) Len() int { return t.vocab.Len() }

// BaseSize is the size of the vocabulary before any added tokens.
func (t *Tokenizer) BaseSize() int { return t.baseSize }

// Vocabulary exposes the underlying vocabulary.
func (t *Tokenizer) Vocabulary() *Vocabulary { return t.vocab }

// AddedTokens returns the added tokens in id order.
func (t *Tokenizer) AddedTokens() []string {
	out := make([]string, len(t.added))
	copy(out, t.added)
	return out
}

// Special returns the special token ids.
func (t *Tokenizer) Special() SpecialIDs { return t.special }

// Config returns the tokenizer settings.
func (t *Tokenizer) Config() Config { return t.cfg }

// BackendName reports which backend splits text.
func (t *Tokenizer) BackendName() string { return t.backend.Name() }

// AddTokens appends tokens missing from the vocabulary and returns how many
// were added. Added tokens are never split or normalized; special only
// changes how they are recorded in the saved tokenizer files. They stay
// maskable so the new embedding rows get a prediction signal.
func (t *Tokenizer) AddTokens(tokens []string, special bool) int {
	var fresh []string
	for _, tok := range tokens {
		if _, added := t.vocab.Add(tok); !added {
			continue
		}
		fresh = append(fresh, tok)
		t.added = append(t.added, tok)
		t.addedSpecial[tok] = special
	}
	if len(fresh) > 0 {
		t.backend.AddTokens(fresh)
	}
	return len(fresh)
}

// Tokenize splits text into vocabulary tokens.
func (t *Tokenizer) Tokenize(text string) ([]string, error) {
	return t.backend.Tokenize(text)
}

// ConvertTokensToIDs maps tokens to ids; unknown tokens map to [UNK].
func (t *Tokenizer) ConvertTokensToIDs(tokens []string) []int {
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		id, ok := t.vocab.ID(tok)
		if !ok {
			id = t.special.Unk
		}
		ids[i] = id
	}
	return ids
}

// ConvertIDsToTokens maps ids back to tokens; out-of-range ids map to [UNK].
func (t *Tokenizer) ConvertIDsToTokens(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		tok, ok := t.vocab.Token(id)
		if !ok {
			tok = UnkToken
		}
		out[i] = tok
	}
	return out
}

// Encode tokenizes text and returns ids without boundary tokens.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	toks, err := t.Tokenize(text)
	if err != nil {
		return nil, err
	}
	return t.ConvertTokensToIDs(toks), nil
}

// BuildInputsWithSpecialTokens wraps a single sequence as [CLS] ids [SEP].
func (t *Tokenizer) BuildInputsWithSpecialTokens(ids []int) []int {
	out := make([]int, 0, len(ids)+NumSpecialTokensToAdd)
	out = append(out, t.special.Cls)
	out = append(out, ids...)
	return append(out, t.special.Sep)
}

// NumSpecialTokensToAdd is the boundary overhead per single sequence.
const NumSpecialTokensToAdd = 2

// IsSpecial reports whether id is one of the five core special tokens.
func (t *Tokenizer) IsSpecial(id int) bool {
	_, ok := t.specialID[id]
	return ok
}

// SpecialTokensMask marks special positions with 1.
func (t *Tokenizer) SpecialTokensMask(ids []int) []int {
	mask := make([]int, len(ids))
	for i, id := range ids {
		if t.IsSpecial(id) {
			mask[i] = 1
		}
	}
	return mask
}

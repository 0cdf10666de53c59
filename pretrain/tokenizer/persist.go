package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// File names written by Save, matching the BertTokenizer layout.
const (
	VocabFileName         = "vocab.txt"
	AddedTokensFileName   = "added_tokens.json"
	SpecialTokensFileName = "special_tokens_map.json"
	ConfigFileName        = "tokenizer_config.json"
)

// ErrAddedTokenID indicates added_tokens.json ids do not continue the base vocabulary
var ErrAddedTokenID = errors.New("added token id does not follow the vocabulary")

type savedConfig struct {
	Config
	// transformers writes a 1e30 sentinel for unbounded inputs, past int range
	ModelMaxLength     json.Number `json:"model_max_length,omitempty"`
	TokenizerClass     string      `json:"tokenizer_class"`
	SpecialAddedTokens []string    `json:"additional_special_tokens,omitempty"`
}

func (sc savedConfig) maxLength(def int) (int, error) {
	if sc.ModelMaxLength == "" {
		return def, nil
	}
	f, err := sc.ModelMaxLength.Float64()
	if err != nil {
		return 0, fmt.Errorf("decode model_max_length: %w", err)
	}
	if f >= math.MaxInt {
		return math.MaxInt, nil
	}
	return int(f), nil
}

// Save writes the tokenizer files into dir, replacing existing ones.
func (t *Tokenizer) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create tokenizer dir %s: %w", dir, err)
	}

	vf, err := os.Create(filepath.Join(dir, VocabFileName))
	if err != nil {
		return fmt.Errorf("create vocab file: %w", err)
	}
	if err := t.vocab.writeLines(vf, t.baseSize); err != nil {
		vf.Close()
		return fmt.Errorf("write vocab file: %w", err)
	}
	if err := vf.Close(); err != nil {
		return err
	}

	added := make(map[string]int, len(t.added))
	var specialAdded []string
	for _, tok := range t.added {
		id, _ := t.vocab.ID(tok)
		added[tok] = id
		if t.addedSpecial[tok] {
			specialAdded = append(specialAdded, tok)
		}
	}
	if err := writeJSON(filepath.Join(dir, AddedTokensFileName), added); err != nil {
		return err
	}

	specials := map[string]string{
		"pad_token":  PadToken,
		"unk_token":  UnkToken,
		"cls_token":  ClsToken,
		"sep_token":  SepToken,
		"mask_token": MaskToken,
	}
	if err := writeJSON(filepath.Join(dir, SpecialTokensFileName), specials); err != nil {
		return err
	}

	sc := savedConfig{
		Config:             t.cfg,
		ModelMaxLength:     json.Number(strconv.Itoa(t.cfg.ModelMaxLength)),
		TokenizerClass:     "BertTokenizer",
		SpecialAddedTokens: specialAdded,
	}
	return writeJSON(filepath.Join(dir, ConfigFileName), sc)
}

// Load restores a tokenizer saved by Save (or a plain BERT vocab directory).
// backend overrides the saved backend name when non-empty.
func Load(dir, backend string) (*Tokenizer, error) {
	vocabPath := filepath.Join(dir, VocabFileName)
	vocab, err := LoadVocabulary(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("load vocabulary: %w", err)
	}

	cfg := DefaultConfig()
	var sc savedConfig
	sc.Config = cfg
	found, err := readJSON(filepath.Join(dir, ConfigFileName), &sc)
	if err != nil {
		return nil, err
	}
	if found {
		if sc.Config.ModelMaxLength, err = sc.maxLength(cfg.ModelMaxLength); err != nil {
			return nil, err
		}
		cfg = sc.Config
	}
	if backend != "" {
		cfg.Backend = backend
	}

	tok, err := New(vocab, vocabPath, cfg)
	if err != nil {
		return nil, err
	}

	added := map[string]int{}
	if _, err := readJSON(filepath.Join(dir, AddedTokensFileName), &added); err != nil {
		return nil, err
	}
	if len(added) == 0 {
		return tok, nil
	}

	ordered := make([]string, 0, len(added))
	for s := range added {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool { return added[ordered[i]] < added[ordered[j]] })

	special := make(map[string]bool, len(sc.SpecialAddedTokens))
	for _, s := range sc.SpecialAddedTokens {
		special[s] = true
	}
	for _, s := range ordered {
		if want := tok.Len(); added[s] != want {
			return nil, fmt.Errorf("%w: %q has id %d, expected %d", ErrAddedTokenID, s, added[s], want)
		}
		tok.AddTokens([]string{s}, special[s])
	}
	return tok, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// readJSON decodes path into v; a missing file is reported as found=false.
func readJSON(path string, v any) (bool, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

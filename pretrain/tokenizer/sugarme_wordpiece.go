package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/armon/go-radix"
	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
)

// SugarWordPiece wraps sugarme/tokenizer WordPiece (BERT-style).
// Calls are serialized; the wrapped tokenizer is not safe for concurrent use.
//
// Accents are stripped here rather than by sugarme's normalizer, whose
// RemoveAccents indexes past its buffer on multi-byte runes such as CJK.
type SugarWordPiece struct {
	mu    sync.Mutex
	t     *tk.Tokenizer
	added *radix.Tree
}

// NewSugarWordPiece loads vocab.txt and builds a BERT WordPiece tokenizer.
// vocabPath may name the file or the directory holding it.
func NewSugarWordPiece(vocabPath, unkToken string) (*SugarWordPiece, error) {
	fi, err := os.Stat(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("stat vocab %s: %w", vocabPath, err)
	}
	if fi.IsDir() {
		vocabPath = filepath.Join(vocabPath, VocabFileName)
	}

	// Prefer initializing WordPiece from a vocab file to avoid nil-map panics
	wp, err := wordpiece.NewWordPieceFromFile(vocabPath, unkToken)
	if err != nil {
		return nil, fmt.Errorf("load wordpiece vocab %s: %w", vocabPath, err)
	}

	t := tk.NewTokenizer(wp)

	// BERT normalizer without accent stripping, see Tokenize
	t.WithNormalizer(normalizer.NewBertNormalizer(true, true, true, false))
	t.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())

	return &SugarWordPiece{t: t, added: radix.New()}, nil
}

func (s *SugarWordPiece) Name() string { return BackendSugarme }

// AddTokens registers never-split tokens as special added tokens.
func (s *SugarWordPiece) AddTokens(tokens []string) {
	added := make([]tk.AddedToken, 0, len(tokens))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		added = append(added, tk.NewAddedToken(tok, true))
		s.added.Insert(tok, struct{}{})
	}
	s.t.AddSpecialTokens(added)
}

// Tokenize returns the token strings without boundary tokens. Added tokens
// keep their accents; everything else is stripped before encoding.
func (s *SugarWordPiece) Tokenize(text string) (toks []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			toks, err = nil, fmt.Errorf("sugarme tokenize: %v", r)
		}
	}()

	var b strings.Builder
	b.Grow(len(text))
	for _, seg := range splitOnAdded(s.added, text) {
		if seg.added {
			b.WriteString(seg.text)
			continue
		}
		b.WriteString(stripAccents(seg.text))
	}
	enc, err := s.t.Encode(tk.NewSingleEncodeInput(tk.NewInputSequence(b.String())), false)
	if err != nil {
		return nil, err
	}
	return enc.GetTokens(), nil
}

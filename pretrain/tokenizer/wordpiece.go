package tokenizer

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/armon/go-radix"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/text/unicode/norm"
)

const (
	wordCacheSize        = 8192
	maxInputCharsPerWord = 100
	continuationPrefix   = "##"
)

// WordPiece is a BERT WordPiece tokenizer: basic pre-tokenization followed by
// greedy longest-match-first sub-word splitting over a prefix tree of the
// base vocabulary.
type WordPiece struct {
	pieces    *radix.Tree
	added     *radix.Tree
	unkToken  string
	lowercase bool
	cache     *lru.Cache
}

// NewWordPiece indexes the base vocabulary. Tokens added later through
// AddTokens are matched whole before any WordPiece splitting.
func NewWordPiece(vocab *Vocabulary, unkToken string, lowercase bool) *WordPiece {
	pieces := radix.New()
	for _, tok := range vocab.tokens {
		pieces.Insert(tok, struct{}{})
	}
	cache, _ := lru.New(wordCacheSize)
	return &WordPiece{
		pieces:    pieces,
		added:     radix.New(),
		unkToken:  unkToken,
		lowercase: lowercase,
		cache:     cache,
	}
}

func (w *WordPiece) Name() string { return BackendWordPiece }

// AddTokens registers never-split tokens.
func (w *WordPiece) AddTokens(tokens []string) {
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		w.added.Insert(tok, struct{}{})
	}
}

// Tokenize splits text into vocabulary pieces.
func (w *WordPiece) Tokenize(text string) ([]string, error) {
	var out []string
	for _, seg := range splitOnAdded(w.added, text) {
		if seg.added {
			out = append(out, seg.text)
			continue
		}
		for _, word := range w.basicTokenize(seg.text) {
			out = append(out, w.wordPieces(word)...)
		}
	}
	return out, nil
}

type segment struct {
	text  string
	added bool
}

// splitOnAdded cuts text around occurrences of the tokens in added, longest
// match first at every position.
func splitOnAdded(added *radix.Tree, text string) []segment {
	if added.Len() == 0 {
		return []segment{{text: text}}
	}
	var segs []segment
	start := 0
	for i := 0; i < len(text); {
		if key, _, ok := added.LongestPrefix(text[i:]); ok && key != "" {
			if i > start {
				segs = append(segs, segment{text: text[start:i]})
			}
			segs = append(segs, segment{text: key, added: true})
			i += len(key)
			start = i
			continue
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
	}
	if start < len(text) {
		segs = append(segs, segment{text: text[start:]})
	}
	return segs
}

// basicTokenize cleans text, isolates CJK characters and punctuation, and
// optionally lowercases and strips accents.
func (w *WordPiece) basicTokenize(text string) []string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar || isControl(r):
			continue
		case isWhitespace(r):
			b.WriteByte(' ')
		case isChineseChar(r):
			b.WriteByte(' ')
			b.WriteRune(r)
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}

	var words []string
	for _, tok := range strings.Fields(b.String()) {
		if w.lowercase {
			tok = stripAccents(strings.ToLower(tok))
		}
		words = append(words, splitPunctuation(tok)...)
	}
	return words
}

// wordPieces applies greedy longest-match-first to a single word.
func (w *WordPiece) wordPieces(word string) []string {
	if cached, ok := w.cache.Get(word); ok {
		return cached.([]string)
	}

	var pieces []string
	if len([]rune(word)) > maxInputCharsPerWord {
		pieces = []string{w.unkToken}
	} else {
		pieces = w.greedyMatch(word)
	}
	w.cache.Add(word, pieces)
	return pieces
}

func (w *WordPiece) greedyMatch(word string) []string {
	var pieces []string
	for start := 0; start < len(word); {
		prefix := ""
		if start > 0 {
			prefix = continuationPrefix
		}
		key, _, ok := w.longestPiece(prefix, word[start:])
		if !ok {
			return []string{w.unkToken}
		}
		pieces = append(pieces, key)
		start += len(key) - len(prefix)
	}
	return pieces
}

// longestPiece finds the longest vocabulary entry prefix+s[:k] with k > 0 that
// ends on a rune boundary.
func (w *WordPiece) longestPiece(prefix, s string) (string, interface{}, bool) {
	query := prefix + s
	for {
		key, val, ok := w.pieces.LongestPrefix(query)
		if !ok || len(key) <= len(prefix) {
			return "", nil, false
		}
		if len(key) == len(query) || utf8.RuneStart(query[len(key)]) {
			return key, val, true
		}
		query = key[:len(key)-1]
	}
}

func stripAccents(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func splitPunctuation(s string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range s {
		if isPunctuation(r) {
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			out = append(out, string(r))
			continue
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func isWhitespace(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.In(r, unicode.Cc, unicode.Cf)
}

func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

// isChineseChar reports whether r is in a CJK Unified Ideographs block.
func isChineseChar(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}

package tokenizer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Vocabulary is an ordered token list; a token's id is its index.
type Vocabulary struct {
	tokens []string
	ids    map[string]int
}

// NewVocabulary builds a vocabulary from tokens in id order. Duplicates keep
// their first id.
func NewVocabulary(tokens []string) *Vocabulary {
	v := &Vocabulary{
		tokens: make([]string, 0, len(tokens)),
		ids:    make(map[string]int, len(tokens)),
	}
	for _, tok := range tokens {
		v.Add(tok)
	}
	return v
}

// LoadVocabulary reads a vocab.txt file: one token per line, id = line index.
func LoadVocabulary(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadVocabulary(f)
}

// ReadVocabulary reads one token per line; a token's id is its line index.
// Only the line terminator is removed, so blank or repeated lines still take
// an id and later rows stay aligned with the embedding matrix. A repeated
// token resolves to its last line.
func ReadVocabulary(r io.Reader) (*Vocabulary, error) {
	v := &Vocabulary{ids: make(map[string]int, 30000)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		tok := scanner.Text()
		v.ids[tok] = len(v.tokens)
		v.tokens = append(v.tokens, tok)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	return v, nil
}

// Add appends token if it is not present and reports its id.
func (v *Vocabulary) Add(token string) (int, bool) {
	if id, ok := v.ids[token]; ok {
		return id, false
	}
	id := len(v.tokens)
	v.tokens = append(v.tokens, token)
	v.ids[token] = id
	return id, true
}

// ID returns the id for token.
func (v *Vocabulary) ID(token string) (int, bool) {
	id, ok := v.ids[token]
	return id, ok
}

// Token returns the token for id.
func (v *Vocabulary) Token(id int) (string, bool) {
	if id < 0 || id >= len(v.tokens) {
		return "", false
	}
	return v.tokens[id], true
}

// Len returns the number of tokens.
func (v *Vocabulary) Len() int { return len(v.tokens) }

// Tokens returns a copy of the tokens in id order.
func (v *Vocabulary) Tokens() []string {
	out := make([]string, len(v.tokens))
	copy(out, v.tokens)
	return out
}

// writeLines writes tokens[:n] one per line.
func (v *Vocabulary) writeLines(w io.Writer, n int) error {
	bw := bufio.NewWriter(w)
	for _, tok := range v.tokens[:n] {
		if _, err := bw.WriteString(tok + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// LoadTokenList reads a vocabulary-extension file: one token per line,
// surrounding whitespace trimmed, blank lines skipped, order kept.
func LoadTokenList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		tok := strings.TrimSpace(scanner.Text())
		if tok == "" {
			continue
		}
		out = append(out, tok)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read token list %s: %w", path, err)
	}
	return out, nil
}

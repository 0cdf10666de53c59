package tokenizer

import (
	"log/slog"
	"strings"
)

const (
	BackendWordPiece = "wordpiece"
	BackendSugarme   = "sugarme"
)

// Backend splits raw text into vocabulary tokens. Ids are always resolved
// through the Tokenizer's Vocabulary so every backend agrees on them.
type Backend interface {
	Name() string
	Tokenize(text string) ([]string, error)
	AddTokens(tokens []string)
}

// NewBackend selects a backend by name ("sugarme", "wordpiece").
// vocabPath is the base vocab.txt the vocabulary was read from.
// Unknown names, a cased vocabulary, or a sugarme initialization failure
// fall back to the native WordPiece.
func NewBackend(name string, vocab *Vocabulary, vocabPath, unkToken string, lowercase bool) Backend {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case BackendSugarme, "sugar", "hf":
		if !lowercase {
			slog.Debug("sugarme backend requires a lowercasing normalizer; using native wordpiece")
			break
		}
		if vocabPath == "" {
			break
		}
		swp, err := NewSugarWordPiece(vocabPath, unkToken)
		if err == nil {
			return swp
		}
		slog.Warn("sugarme tokenizer unavailable, falling back to native wordpiece", "error", err)
	case BackendWordPiece, "native", "":
	default:
		slog.Warn("unknown tokenizer backend, using native wordpiece", "backend", name)
	}
	return NewWordPiece(vocab, unkToken, lowercase)
}

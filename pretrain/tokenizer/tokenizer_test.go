package tokenizer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVocab = []string{
	PadToken, UnkToken, ClsToken, SepToken, MaskToken,
	"hello", "world", ",", "!", "un", "##aff", "##able", "the",
	"你", "好", "我", "爱",
}

func writeVocab(t *testing.T, dir string, tokens []string) string {
	t.Helper()
	path := filepath.Join(dir, VocabFileName)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(tokens, "\n")+"\n"), 0o644))
	return path
}

func newNative(t *testing.T) *Tokenizer {
	t.Helper()
	dir := t.TempDir()
	path := writeVocab(t, dir, testVocab)
	vocab, err := LoadVocabulary(path)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Backend = BackendWordPiece
	tok, err := New(vocab, path, cfg)
	require.NoError(t, err)
	return tok
}

func TestWordPieceTokenize(t *testing.T) {
	tok := newNative(t)
	require.Equal(t, BackendWordPiece, tok.BackendName())

	tests := []struct {
		name string
		text string
		want []string
	}{
		{"punctuation split", "Hello, world!", []string{"hello", ",", "world", "!"}},
		{"subwords", "unaffable", []string{"un", "##aff", "##able"}},
		{"accents stripped", "Héllo", []string{"hello"}},
		{"cjk chars isolated", "你好world", []string{"你", "好", "world"}},
		{"unknown word", "xyz", []string{UnkToken}},
		{"partial match is unknown", "unx", []string{UnkToken}},
		{"control chars dropped", "the\u0000 wor\u200bld", []string{"the", "world"}},
		{"empty", "   ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tok.Tokenize(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddTokens(t *testing.T) {
	tok := newNative(t)
	before := tok.Len()

	n := tok.AddTokens([]string{"深度学习", "hello", "深度学习", "NER"}, true)
	assert.Equal(t, 2, n, "existing and duplicate tokens are skipped")
	assert.Equal(t, before+2, tok.Len())
	assert.Equal(t, before, tok.BaseSize())
	assert.Equal(t, []string{"深度学习", "NER"}, tok.AddedTokens())

	got, err := tok.Tokenize("我爱深度学习 NER")
	require.NoError(t, err)
	assert.Equal(t, []string{"我", "爱", "深度学习", "NER"}, got)

	ids := tok.ConvertTokensToIDs(got)
	assert.Equal(t, before, ids[2])
	assert.Equal(t, before+1, ids[3])
	assert.Equal(t, got, tok.ConvertIDsToTokens(ids))
}

func TestSpecialTokens(t *testing.T) {
	tok := newNative(t)
	sp := tok.Special()
	assert.Equal(t, SpecialIDs{Pad: 0, Unk: 1, Cls: 2, Sep: 3, Mask: 4}, sp)

	ids, err := tok.Encode("hello world")
	require.NoError(t, err)
	wrapped := tok.BuildInputsWithSpecialTokens(ids)
	assert.Equal(t, []int{sp.Cls, 5, 6, sp.Sep}, wrapped)
	assert.Equal(t, []int{1, 0, 0, 1}, tok.SpecialTokensMask(wrapped))

	tok.AddTokens([]string{"新词"}, true)
	newID, _ := tok.Vocabulary().ID("新词")
	assert.False(t, tok.IsSpecial(newID), "added tokens remain maskable")
}

func TestMissingSpecialToken(t *testing.T) {
	_, err := New(NewVocabulary([]string{"a", "b"}), "", DefaultConfig())
	assert.ErrorIs(t, err, ErrMissingSpecialToken)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tok := newNative(t)
	tok.AddTokens([]string{"深度学习", "命名实体"}, true)

	dir := filepath.Join(t.TempDir(), "saved")
	require.NoError(t, tok.Save(dir))

	for _, name := range []string{VocabFileName, AddedTokensFileName, SpecialTokensFileName, ConfigFileName} {
		assert.FileExists(t, filepath.Join(dir, name))
	}

	loaded, err := Load(dir, BackendWordPiece)
	require.NoError(t, err)
	assert.Equal(t, tok.Len(), loaded.Len())
	assert.Equal(t, tok.BaseSize(), loaded.BaseSize())
	assert.Equal(t, tok.AddedTokens(), loaded.AddedTokens())
	assert.Equal(t, tok.Vocabulary().Tokens(), loaded.Vocabulary().Tokens())

	want, err := tok.Encode("我爱深度学习")
	require.NoError(t, err)
	got, err := loaded.Encode("我爱深度学习")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// saving again over the same directory overwrites cleanly
	require.NoError(t, loaded.Save(dir))
	again, err := Load(dir, BackendWordPiece)
	require.NoError(t, err)
	assert.Equal(t, tok.Len(), again.Len())
}

func TestLoadRejectsGappedAddedTokens(t *testing.T) {
	dir := t.TempDir()
	writeVocab(t, dir, testVocab)
	require.NoError(t, os.WriteFile(filepath.Join(dir, AddedTokensFileName), []byte(`{"新词": 99}`), 0o644))

	_, err := Load(dir, BackendWordPiece)
	assert.ErrorIs(t, err, ErrAddedTokenID)
}

func TestReadVocabularyKeepsLineIndex(t *testing.T) {
	v, err := ReadVocabulary(strings.NewReader("[PAD]\r\n\n a \nb\nb\nc"))
	require.NoError(t, err)
	assert.Equal(t, []string{"[PAD]", "", " a ", "b", "b", "c"}, v.Tokens())
	assert.Equal(t, 6, v.Len())

	tests := []struct {
		token string
		id    int
	}{
		{"[PAD]", 0},
		{"", 1},
		{" a ", 2},
		{"b", 4},
		{"c", 5},
	}
	for _, tt := range tests {
		id, ok := v.ID(tt.token)
		require.True(t, ok, tt.token)
		assert.Equal(t, tt.id, id, tt.token)
	}
	_, ok := v.ID("a")
	assert.False(t, ok)
}

func TestLoadTokenList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new_vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte("深度学习\n\n  命名实体 \r\nNER\n"), 0o644))

	got, err := LoadTokenList(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"深度学习", "命名实体", "NER"}, got)

	_, err = LoadTokenList(filepath.Join(t.TempDir(), "missing.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSugarWordPiece(t *testing.T) {
	dir := t.TempDir()
	path := writeVocab(t, dir, testVocab)

	swp, err := NewSugarWordPiece(dir, UnkToken)
	require.NoError(t, err)
	assert.Equal(t, BackendSugarme, swp.Name())

	tests := []struct {
		name string
		text string
		want []string
	}{
		{"latin", "hello world", []string{"hello", "world"}},
		{"cjk", "我爱你好 hello", []string{"我", "爱", "你", "好", "hello"}},
		{"cjk glued to latin", "你好world", []string{"你", "好", "world"}},
		{"accents stripped", "Héllo wörld", []string{"hello", "world"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := swp.Tokenize(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	vocab, err := LoadVocabulary(path)
	require.NoError(t, err)
	tok, err := New(vocab, path, DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, BackendSugarme, tok.BackendName())
	ids, err := tok.Encode("hello world")
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6}, ids)
}

func TestSugarWordPieceAddedTokens(t *testing.T) {
	dir := t.TempDir()
	path := writeVocab(t, dir, testVocab)
	vocab, err := LoadVocabulary(path)
	require.NoError(t, err)
	tok, err := New(vocab, path, DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, BackendSugarme, tok.BackendName())

	require.Equal(t, 2, tok.AddTokens([]string{"深度学习", "café"}, false))

	got, err := tok.Tokenize("我爱深度学习")
	require.NoError(t, err)
	assert.Equal(t, []string{"我", "爱", "深度学习"}, got)

	got, err = tok.Tokenize("你好café")
	require.NoError(t, err)
	assert.Equal(t, []string{"你", "好", "café"}, got)

	ids, err := tok.Encode("我爱深度学习")
	require.NoError(t, err)
	deep, ok := tok.Vocabulary().ID("深度学习")
	require.True(t, ok)
	assert.Equal(t, []int{15, 16, deep}, ids)
}

func TestBackendFallback(t *testing.T) {
	vocab := NewVocabulary(testVocab)

	b := NewBackend(BackendSugarme, vocab, filepath.Join(t.TempDir(), "missing.txt"), UnkToken, true)
	assert.Equal(t, BackendWordPiece, b.Name())

	b = NewBackend("no-such-backend", vocab, "", UnkToken, true)
	assert.Equal(t, BackendWordPiece, b.Name())

	b = NewBackend(BackendSugarme, vocab, "ignored", UnkToken, false)
	assert.Equal(t, BackendWordPiece, b.Name())
}

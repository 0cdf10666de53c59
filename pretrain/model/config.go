package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ConfigFileName is the model configuration file inside a pretrained directory.
const ConfigFileName = "config.json"

var ErrInvalidConfig = errors.New("invalid model config")

// Config describes an ALBERT masked-LM. Field names follow the HuggingFace
// config.json layout so existing configs load unchanged.
type Config struct {
	ModelType             string   `json:"model_type"`
	Architectures         []string `json:"architectures,omitempty"`
	VocabSize             int      `json:"vocab_size"`
	EmbeddingSize         int      `json:"embedding_size"`
	HiddenSize            int      `json:"hidden_size"`
	NumHiddenLayers       int      `json:"num_hidden_layers"`
	NumHiddenGroups       int      `json:"num_hidden_groups"`
	NumAttentionHeads     int      `json:"num_attention_heads"`
	IntermediateSize      int      `json:"intermediate_size"`
	MaxPositionEmbeddings int      `json:"max_position_embeddings"`
	TypeVocabSize         int      `json:"type_vocab_size"`
	HiddenDropoutProb     float64  `json:"hidden_dropout_prob"`
	InitializerRange      float64  `json:"initializer_range"`
	LayerNormEps          float64  `json:"layer_norm_eps"`
	HiddenAct             string   `json:"hidden_act"`
}

// AlbertChineseBase mirrors voidful/albert_chinese_base.
func AlbertChineseBase() Config {
	return Config{
		ModelType:             "albert",
		Architectures:         []string{"AlbertForMaskedLM"},
		VocabSize:             21128,
		EmbeddingSize:         128,
		HiddenSize:            768,
		NumHiddenLayers:       12,
		NumHiddenGroups:       1,
		NumAttentionHeads:     12,
		IntermediateSize:      3072,
		MaxPositionEmbeddings: 512,
		TypeVocabSize:         2,
		HiddenDropoutProb:     0,
		InitializerRange:      0.02,
		LayerNormEps:          1e-12,
		HiddenAct:             "gelu_new",
	}
}

// Tiny returns a small config for tests: 16 embed, 32 hidden, 2 shared layers.
func Tiny(vocabSize int) Config {
	cfg := AlbertChineseBase()
	cfg.VocabSize = vocabSize
	cfg.EmbeddingSize = 16
	cfg.HiddenSize = 32
	cfg.NumHiddenLayers = 2
	cfg.NumAttentionHeads = 4
	cfg.IntermediateSize = 64
	cfg.MaxPositionEmbeddings = 64
	return cfg
}

// Validate checks the architecture is one this package can build.
func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0, c.EmbeddingSize <= 0, c.HiddenSize <= 0, c.IntermediateSize <= 0:
		return fmt.Errorf("%w: sizes must be positive", ErrInvalidConfig)
	case c.NumHiddenLayers <= 0 || c.NumAttentionHeads <= 0:
		return fmt.Errorf("%w: layers and heads must be positive", ErrInvalidConfig)
	case c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("%w: hidden size %d not divisible by %d heads", ErrInvalidConfig, c.HiddenSize, c.NumAttentionHeads)
	case c.NumHiddenGroups <= 0 || c.NumHiddenLayers%c.NumHiddenGroups != 0:
		return fmt.Errorf("%w: %d layers cannot be split into %d groups", ErrInvalidConfig, c.NumHiddenLayers, c.NumHiddenGroups)
	case c.MaxPositionEmbeddings <= 0 || c.TypeVocabSize <= 0:
		return fmt.Errorf("%w: position and type vocab sizes must be positive", ErrInvalidConfig)
	case c.HiddenDropoutProb < 0 || c.HiddenDropoutProb >= 1:
		return fmt.Errorf("%w: dropout %g outside [0, 1)", ErrInvalidConfig, c.HiddenDropoutProb)
	}
	if _, ok := activationFor(c.HiddenAct); !ok {
		return fmt.Errorf("%w: unsupported hidden_act %q", ErrInvalidConfig, c.HiddenAct)
	}
	return nil
}

// headDim is the per-head width.
func (c Config) headDim() int { return c.HiddenSize / c.NumAttentionHeads }

// groupFor maps a layer index to its shared weight group.
func (c Config) groupFor(layer int) int {
	return layer / (c.NumHiddenLayers / c.NumHiddenGroups)
}

// LoadConfig reads config.json, filling unset optional fields with ALBERT defaults.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := AlbertChineseBase()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// SaveConfig writes config.json.
func SaveConfig(path string, cfg Config) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	internal "github.com/ZanzyTHEbar/mlm-pretrain/pretrain"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Model     ModelConfig     `mapstructure:"model"`
	Tokenizer TokenizerConfig `mapstructure:"tokenizer"`
	Data      DataConfig      `mapstructure:"data"`
	Training  TrainingConfig  `mapstructure:"training"`
	Output    OutputConfig    `mapstructure:"output"`
	History   HistoryConfig   `mapstructure:"history"`
	Log       LogConfig       `mapstructure:"log"`
}

// ModelConfig names the pretrained artifacts to start from.
type ModelConfig struct {
	Name          string `mapstructure:"name"`
	CacheDir      string `mapstructure:"cacheDir"`
	InitIfMissing bool   `mapstructure:"initIfMissing"`
	// InitPreset picks the architecture used when InitIfMissing bootstraps a model.
	InitPreset    string `mapstructure:"initPreset"`
}

// TokenizerConfig selects the WordPiece backend.
type TokenizerConfig struct {
	Backend string `mapstructure:"backend"`
}

// DataConfig stores input file locations and chunking.
type DataConfig struct {
	VocabFile string `mapstructure:"vocabFile"`
	TrainFile string `mapstructure:"trainFile"`
	BlockSize int    `mapstructure:"blockSize"`
}

// TrainingConfig stores optimizer, schedule and loop hyperparameters.
type TrainingConfig struct {
	Epochs                    int     `mapstructure:"epochs"`
	BatchSize                 int     `mapstructure:"batchSize"`
	LearningRate              float64 `mapstructure:"learningRate"`
	WarmupSteps               int     `mapstructure:"warmupSteps"`
	NumCycles                 float64 `mapstructure:"numCycles"`
	MLMProbability            float64 `mapstructure:"mlmProbability"`
	WeightDecay               float64 `mapstructure:"weightDecay"`
	AdamBeta1                 float64 `mapstructure:"adamBeta1"`
	AdamBeta2                 float64 `mapstructure:"adamBeta2"`
	AdamEpsilon               float64 `mapstructure:"adamEpsilon"`
	CorrectBias               bool    `mapstructure:"correctBias"`
	GradientAccumulationSteps int     `mapstructure:"gradientAccumulationSteps"`
	MaxGradNorm               float64 `mapstructure:"maxGradNorm"`
	LoggingSteps              int     `mapstructure:"loggingSteps"`
	Seed                      int64   `mapstructure:"seed"`
	Workers                   int     `mapstructure:"workers"`
}

// OutputConfig stores where the trained artifacts go.
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
	// Safetensors also writes model.safetensors next to model.bin
	Safetensors bool `mapstructure:"safetensors"`
}

// HistoryConfig stores the run-history database connection.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// LogConfig stores logger settings.
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Progress bool   `mapstructure:"progress"`
}

var (
	ErrInvalidBlockSize   = errors.New("block size must be positive")
	ErrInvalidBatchSize   = errors.New("batch size must be positive")
	ErrInvalidEpochs      = errors.New("epochs must be positive")
	ErrInvalidProbability = errors.New("mlm probability must be within [0, 1]")
)

var AppConfig Config

// setDefaults registers every default on v.
func setDefaults(v *viper.Viper) {
	v.SetDefault("model.name", internal.DefaultModelName)
	v.SetDefault("model.cacheDir", internal.DefaultModelsDir)
	v.SetDefault("model.initIfMissing", false)
	v.SetDefault("model.initPreset", "albert_chinese_base")

	v.SetDefault("tokenizer.backend", internal.DefaultTokBackend)

	v.SetDefault("data.vocabFile", internal.DefaultVocabFile)
	v.SetDefault("data.trainFile", internal.DefaultTrainFile)
	v.SetDefault("data.blockSize", 128)

	v.SetDefault("training.epochs", 8)
	v.SetDefault("training.batchSize", 8)
	v.SetDefault("training.learningRate", 5e-6)
	v.SetDefault("training.warmupSteps", 1000)
	v.SetDefault("training.numCycles", 0.5)
	v.SetDefault("training.mlmProbability", 0.1)
	v.SetDefault("training.weightDecay", 0.01)
	v.SetDefault("training.adamBeta1", 0.9)
	v.SetDefault("training.adamBeta2", 0.999)
	v.SetDefault("training.adamEpsilon", 1e-8)
	v.SetDefault("training.correctBias", false)
	v.SetDefault("training.gradientAccumulationSteps", 1)
	v.SetDefault("training.maxGradNorm", 0.0)
	v.SetDefault("training.loggingSteps", 500)
	v.SetDefault("training.seed", 42)
	v.SetDefault("training.workers", 0)

	v.SetDefault("output.dir", internal.DefaultOutputDir)
	v.SetDefault("output.safetensors", false)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.dsn", internal.DefaultHistoryDSN)

	v.SetDefault("log.level", internal.DefaultLogLevel)
	v.SetDefault("log.progress", true)
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.AutomaticEnv()                                   // Read in environment variables that match
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // training.epochs becomes TRAINING_EPOCHS

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults will be used.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &cfg, nil
}

// Validate rejects settings that would make the pipeline ill-defined.
func (c *Config) Validate() error {
	switch {
	case c.Data.BlockSize <= 0:
		return fmt.Errorf("%w: %d", ErrInvalidBlockSize, c.Data.BlockSize)
	case c.Training.BatchSize <= 0:
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, c.Training.BatchSize)
	case c.Training.Epochs <= 0:
		return fmt.Errorf("%w: %d", ErrInvalidEpochs, c.Training.Epochs)
	case c.Training.MLMProbability < 0 || c.Training.MLMProbability > 1:
		return fmt.Errorf("%w: %g", ErrInvalidProbability, c.Training.MLMProbability)
	}
	if c.Training.GradientAccumulationSteps < 1 {
		c.Training.GradientAccumulationSteps = 1
	}
	return nil
}

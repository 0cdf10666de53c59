package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	internal "github.com/ZanzyTHEbar/mlm-pretrain/pretrain"
	"github.com/ZanzyTHEbar/mlm-pretrain/pretrain/collator"
	"github.com/ZanzyTHEbar/mlm-pretrain/pretrain/config"
	"github.com/ZanzyTHEbar/mlm-pretrain/pretrain/dataset"
	"github.com/ZanzyTHEbar/mlm-pretrain/pretrain/history"
	"github.com/ZanzyTHEbar/mlm-pretrain/pretrain/hub"
	"github.com/ZanzyTHEbar/mlm-pretrain/pretrain/model"
	"github.com/ZanzyTHEbar/mlm-pretrain/pretrain/optim"
	"github.com/ZanzyTHEbar/mlm-pretrain/pretrain/tokenizer"
	"github.com/ZanzyTHEbar/mlm-pretrain/pretrain/train"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to a YAML config file (default: search ., .., etc/pretrain, ~/.config/pretrain)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, configPath); err != nil {
		logger := internal.GetLogger()
		logger.Error().Err(err).Msg("pretraining failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := internal.GetLeveledLogger(cfg.Log.Level)
	tc := cfg.Training

	dir := hub.Resolve(cfg.Model.CacheDir, cfg.Model.Name)
	if err := hub.Check(dir); err != nil {
		if !errors.Is(err, hub.ErrNotFound) {
			return err
		}
		if !cfg.Model.InitIfMissing {
			return fmt.Errorf("%w (set model.initIfMissing to bootstrap one)", err)
		}
		// never bootstrap over a partial snapshot
		if _, statErr := os.Stat(dir); statErr == nil {
			return err
		}
		if err := bootstrap(dir, cfg); err != nil {
			return fmt.Errorf("bootstrap model: %w", err)
		}
		logger.Warn().Str("dir", dir).Str("preset", cfg.Model.InitPreset).Msg("initialized a new model from the corpus")
	}

	tok, m, err := hub.LoadPretrained(dir, cfg.Tokenizer.Backend, model.WithSeed(tc.Seed), model.WithWorkers(tc.Workers))
	if err != nil {
		return err
	}
	logger.Info().
		Str("model", cfg.Model.Name).
		Str("backend", tok.BackendName()).
		Int("vocab", tok.Len()).
		Int("params", m.NumParameters()).
		Msg("loaded pretrained model")

	newTokens, err := tokenizer.LoadTokenList(cfg.Data.VocabFile)
	if err != nil {
		return fmt.Errorf("load vocabulary extension: %w", err)
	}
	added := tok.AddTokens(newTokens, false)
	if err := m.ResizeTokenEmbeddings(tok.Len()); err != nil {
		return err
	}
	logger.Info().Int("added", added).Int("vocab", tok.Len()).Msg("extended vocabulary")

	ds, err := dataset.NewTextDataset(ctx, tok, cfg.Data.TrainFile, cfg.Data.BlockSize, tc.Workers)
	if err != nil {
		return err
	}
	logger.Info().Int("tokens", ds.NumTokens()).Int("blocks", ds.Len()).Int("blockSize", ds.BlockSize()).Msg("built dataset")

	coll, err := collator.New(tok, tc.MLMProbability, tc.Seed)
	if err != nil {
		return err
	}
	opt, err := optim.NewAdamW(m.Parameters(), optim.AdamWConfig{
		Beta1:       tc.AdamBeta1,
		Beta2:       tc.AdamBeta2,
		Eps:         tc.AdamEpsilon,
		WeightDecay: tc.WeightDecay,
		CorrectBias: tc.CorrectBias,
	})
	if err != nil {
		return err
	}
	total := train.TotalSteps(ds.NumBatches(tc.BatchSize), tc.Epochs, tc.GradientAccumulationSteps)
	sched := optim.NewCosineWithWarmup(tc.LearningRate, tc.WarmupSteps, total, tc.NumCycles)

	opts := []train.Option{train.WithLogger(logger)}
	store, runID := openHistory(ctx, cfg, logger)
	if store != nil {
		defer store.Close()
		opts = append(opts, train.WithEpochHook(func(ctx context.Context, r train.EpochResult) error {
			return store.RecordEpoch(ctx, runID, history.Epoch{
				Epoch:        r.Epoch,
				MeanLoss:     r.MeanLoss,
				Steps:        r.Steps,
				LR:           r.LR,
				MaskedTokens: r.MaskedTokens,
				Duration:     r.Duration,
			})
		}))
	}

	trainer, err := train.New(train.Config{
		Epochs:                    tc.Epochs,
		BatchSize:                 tc.BatchSize,
		GradientAccumulationSteps: tc.GradientAccumulationSteps,
		MaxGradNorm:               tc.MaxGradNorm,
		LoggingSteps:              tc.LoggingSteps,
		ShowProgress:              cfg.Log.Progress,
	}, m, ds, coll, opt, sched, opts...)
	if err != nil {
		return err
	}

	results, err := trainer.Run(ctx)
	if store != nil {
		status := history.StatusCompleted
		if err != nil {
			status = history.StatusFailed
		}
		// the run context may already be cancelled
		if ferr := store.FinishRun(context.WithoutCancel(ctx), runID, status); ferr != nil {
			logger.Warn().Err(ferr).Msg("could not finish history run")
		}
	}
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("Epoch %d - Loss: %.6f\n", r.Epoch, r.MeanLoss)
	}

	if err := hub.SavePretrained(cfg.Output.Dir, tok, m, hub.WithSafetensors(cfg.Output.Safetensors)); err != nil {
		return err
	}
	logger.Info().Str("dir", cfg.Output.Dir).Int("steps", trainer.Steps()).Msg("saved model and tokenizer")
	return nil
}

// bootstrap writes a freshly initialized model whose vocabulary covers the
// training corpus characters.
func bootstrap(dir string, cfg *config.Config) error {
	vocab, err := hub.BootstrapVocabulary(cfg.Data.TrainFile)
	if err != nil {
		return err
	}
	mcfg, err := hub.Preset(cfg.Model.InitPreset, len(vocab))
	if err != nil {
		return err
	}
	tokCfg := tokenizer.DefaultConfig()
	tokCfg.Backend = cfg.Tokenizer.Backend
	return hub.InitPretrained(dir, mcfg, vocab, tokCfg, model.WithSeed(cfg.Training.Seed))
}

// openHistory starts a history run. History is best effort: failures are
// logged and training continues without it.
func openHistory(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*history.Store, uuid.UUID) {
	if !cfg.History.Enabled {
		return nil, uuid.Nil
	}
	store, err := history.Open(ctx, cfg.History.DSN)
	if err != nil {
		logger.Warn().Err(err).Msg("run history disabled")
		return nil, uuid.Nil
	}
	runID, err := store.StartRun(ctx, cfg.Model.Name, cfg.Training)
	if err != nil {
		logger.Warn().Err(errors.Join(err, store.Close())).Msg("run history disabled")
		return nil, uuid.Nil
	}
	logger.Info().Str("run", runID.String()).Msg("recording run history")
	return store, runID
}

// Package train runs the masked-LM optimization loop.
package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v2"
	"gonum.org/v1/gonum/stat"

	"github.com/ZanzyTHEbar/mlm-pretrain/pretrain/collator"
	"github.com/ZanzyTHEbar/mlm-pretrain/pretrain/dataset"
	"github.com/ZanzyTHEbar/mlm-pretrain/pretrain/model"
	"github.com/ZanzyTHEbar/mlm-pretrain/pretrain/optim"
)

var (
	ErrEmptyDataset  = errors.New("dataset has no blocks")
	ErrNonFiniteLoss = errors.New("loss is not finite")
)

// Model is the trainable surface of a masked LM.
type Model interface {
	ForwardBackward(inputIDs, labels [][]int) (model.Output, error)
	Parameters() []*model.Param
	ZeroGrad()
	SetTraining(on bool)
}

type Collator interface {
	Collate(blocks [][]int) (collator.Batch, error)
}

type Optimizer interface {
	Step(lr float64)
}

// Config controls the loop.
type Config struct {
	Epochs                    int
	BatchSize                 int
	GradientAccumulationSteps int
	MaxGradNorm               float64
	LoggingSteps              int
	ShowProgress              bool
	ProgressWriter            io.Writer
}

// EpochResult summarizes one pass over the dataset.
type EpochResult struct {
	Epoch        int
	MeanLoss     float64
	Batches      int
	Steps        int
	MaskedTokens int
	LR           float64
	Duration     time.Duration
}

// EpochHook is called after every epoch; an error aborts the run.
type EpochHook func(ctx context.Context, r EpochResult) error

type Option func(*Trainer)

func WithLogger(l zerolog.Logger) Option {
	return func(t *Trainer) { t.log = l }
}

func WithEpochHook(h EpochHook) Option {
	return func(t *Trainer) { t.hooks = append(t.hooks, h) }
}

type Trainer struct {
	cfg     Config
	model   Model
	data    *dataset.TextDataset
	coll    Collator
	opt     Optimizer
	sched   optim.Scheduler
	log     zerolog.Logger
	hooks   []EpochHook
	metrics *Metrics
	step    int
}

func New(cfg Config, m Model, data *dataset.TextDataset, coll Collator, opt Optimizer, sched optim.Scheduler, opts ...Option) (*Trainer, error) {
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: %d", dataset.ErrBatchSize, cfg.BatchSize)
	}
	if cfg.GradientAccumulationSteps < 1 {
		cfg.GradientAccumulationSteps = 1
	}
	if cfg.ProgressWriter == nil {
		cfg.ProgressWriter = os.Stderr
	}
	t := &Trainer{
		cfg:     cfg,
		model:   m,
		data:    data,
		coll:    coll,
		opt:     opt,
		sched:   sched,
		log:     zerolog.Nop(),
		metrics: newMetrics(),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// TotalSteps is the number of optimizer steps a run performs.
func TotalSteps(numBatches, epochs, accumulation int) int {
	accumulation = max(accumulation, 1)
	return (numBatches + accumulation - 1) / accumulation * epochs
}

// Metrics exposes running throughput counters.
func (t *Trainer) Metrics() *Metrics { return t.metrics }

// Steps is the number of optimizer steps taken.
func (t *Trainer) Steps() int { return t.step }

// Run trains for the configured epochs. Results for completed epochs are
// returned alongside any error.
func (t *Trainer) Run(ctx context.Context) ([]EpochResult, error) {
	batches, err := t.data.Batches(t.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, ErrEmptyDataset
	}

	t.log.Info().
		Int("blocks", t.data.Len()).
		Int("batches", len(batches)).
		Int("epochs", t.cfg.Epochs).
		Int("accumulation", t.cfg.GradientAccumulationSteps).
		Msg("starting training")

	t.model.SetTraining(true)
	defer t.model.SetTraining(false)

	var results []EpochResult
	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		r, err := t.runEpoch(ctx, epoch, batches)
		if err != nil {
			return results, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		results = append(results, r)
		t.log.Info().
			Int("epoch", epoch).
			Float64("loss", r.MeanLoss).
			Int("steps", t.step).
			Float64("lr", r.LR).
			Dur("took", r.Duration).
			Msg("epoch finished")
		for _, h := range t.hooks {
			if err := h(ctx, r); err != nil {
				return results, fmt.Errorf("epoch hook: %w", err)
			}
		}
	}
	return results, nil
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int, batches [][][]int) (EpochResult, error) {
	start := time.Now()
	bar := t.newBar(epoch, len(batches))
	defer bar.Finish()

	losses := make([]float64, 0, len(batches))
	r := EpochResult{Epoch: epoch, Batches: len(batches)}
	accum := t.cfg.GradientAccumulationSteps
	micro := 0
	t.model.ZeroGrad()

	for i, blocks := range batches {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		batch, err := t.coll.Collate(blocks)
		if err != nil {
			t.metrics.UpdateMetrics(0, 0, false)
			return r, err
		}
		out, err := t.model.ForwardBackward(batch.InputIDs, batch.Labels)
		if err != nil {
			t.metrics.UpdateMetrics(0, 0, false)
			return r, err
		}
		if math.IsNaN(out.Loss) || math.IsInf(out.Loss, 0) {
			t.metrics.UpdateMetrics(0, 0, false)
			return r, fmt.Errorf("%w at batch %d: %v", ErrNonFiniteLoss, i, out.Loss)
		}
		losses = append(losses, out.Loss)
		r.MaskedTokens += out.Masked
		t.metrics.UpdateMetrics(len(blocks)*batch.SeqLength, out.Masked, true)

		micro++
		if micro == accum || i == len(batches)-1 {
			r.LR = t.optimizerStep(micro)
			micro = 0
			if t.cfg.LoggingSteps > 0 && t.step%t.cfg.LoggingSteps == 0 {
				t.log.Info().
					Int("epoch", epoch).
					Int("step", t.step).
					Float64("loss", out.Loss).
					Float64("lr", r.LR).
					Msg("training step")
			}
		}
		_ = bar.Add(1)
	}

	r.MeanLoss = stat.Mean(losses, nil)
	r.Steps = t.step
	r.Duration = time.Since(start)
	return r, nil
}

// optimizerStep averages micro-batch gradients, clips, updates and advances
// the schedule. It returns the learning rate used.
func (t *Trainer) optimizerStep(micro int) float64 {
	params := t.model.Parameters()
	if micro > 1 {
		inv := float32(1 / float64(micro))
		for _, p := range params {
			for j := range p.Grad {
				p.Grad[j] *= inv
			}
		}
	}
	if t.cfg.MaxGradNorm > 0 {
		norm := optim.ClipGradNorm(params, t.cfg.MaxGradNorm)
		t.log.Debug().Float64("gradNorm", norm).Msg("clipped gradients")
	}
	lr := t.sched.LR()
	t.opt.Step(lr)
	t.sched.Step()
	t.model.ZeroGrad()
	t.step++
	t.metrics.stepped()
	return lr
}

func (t *Trainer) newBar(epoch, n int) *progressbar.ProgressBar {
	w := t.cfg.ProgressWriter
	if !t.cfg.ShowProgress {
		w = io.Discard
	}
	return progressbar.NewOptions(n,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(fmt.Sprintf("epoch %d/%d", epoch, t.cfg.Epochs)),
		progressbar.OptionSetWidth(40),
	)
}

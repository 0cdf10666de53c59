package optim

import "math"

// Scheduler yields the learning rate for the current optimizer step.
type Scheduler interface {
	LR() float64
	Step()
}

// CosineWithWarmup ramps linearly from 0 to base over warmup steps, then
// follows a cosine curve that reaches 0 at total steps for cycles = 0.5.
type CosineWithWarmup struct {
	base   float64
	warmup int
	total  int
	cycles float64
	step   int
}

func NewCosineWithWarmup(base float64, warmup, total int, cycles float64) *CosineWithWarmup {
	return &CosineWithWarmup{base: base, warmup: max(warmup, 0), total: total, cycles: cycles}
}

// LR is the rate for the current step.
func (s *CosineWithWarmup) LR() float64 { return s.LRAt(s.step) }

// Step advances the schedule by one optimizer step.
func (s *CosineWithWarmup) Step() { s.step++ }

// Current is the number of steps taken.
func (s *CosineWithWarmup) Current() int { return s.step }

// LRAt evaluates the schedule at step. Progress past total is held at 1.
func (s *CosineWithWarmup) LRAt(step int) float64 {
	if step < s.warmup {
		return s.base * float64(step) / float64(max(1, s.warmup))
	}
	progress := float64(step-s.warmup) / float64(max(1, s.total-s.warmup))
	progress = math.Min(progress, 1)
	return s.base * math.Max(0, 0.5*(1+math.Cos(math.Pi*s.cycles*2*progress)))
}

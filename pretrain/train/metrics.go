package train

import (
	"sync"
	"time"
)

// Metrics tracks throughput across a training run.
type Metrics struct {
	Batches       int64
	OptimizerStep int64
	Tokens        int64
	MaskedTokens  int64
	FailedBatches int64
	TokensPerSec  float64
	LastBatch     time.Time
	started       time.Time
	mu            sync.RWMutex
}

func newMetrics() *Metrics {
	return &Metrics{started: time.Now()}
}

// UpdateMetrics records one processed batch.
func (m *Metrics) UpdateMetrics(tokens, masked int, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LastBatch = time.Now()
	if !success {
		m.FailedBatches++
		return
	}
	m.Batches++
	m.Tokens += int64(tokens)
	m.MaskedTokens += int64(masked)
	if elapsed := m.LastBatch.Sub(m.started).Seconds(); elapsed > 0 {
		m.TokensPerSec = float64(m.Tokens) / elapsed
	}
}

func (m *Metrics) stepped() {
	m.mu.Lock()
	m.OptimizerStep++
	m.mu.Unlock()
}

// GetMetrics returns a snapshot keyed by metric name.
func (m *Metrics) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"batches":        m.Batches,
		"optimizer_step": m.OptimizerStep,
		"tokens":         m.Tokens,
		"masked_tokens":  m.MaskedTokens,
		"failed_batches": m.FailedBatches,
		"tokens_per_sec": m.TokensPerSec,
		"last_batch":     m.LastBatch,
	}
}

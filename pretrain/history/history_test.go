package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
)

type HistorySuite struct {
	suite.Suite
	ctx   context.Context
	store *Store
}

func (s *HistorySuite) SetupTest() {
	s.ctx = context.Background()
	dsn := "file:" + filepath.Join(s.T().TempDir(), "nested", "history.db")
	store, err := Open(s.ctx, dsn)
	s.Require().NoError(err)
	s.store = store
}

func (s *HistorySuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func (s *HistorySuite) TestRunLifecycle() {
	id, err := s.store.StartRun(s.ctx, "voidful/albert_chinese_base", map[string]any{"epochs": 2, "lr": 5e-6})
	s.Require().NoError(err)
	s.NotEqual(uuid.Nil, id)

	run, err := s.store.Run(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(StatusRunning, run.Status)
	s.Equal("voidful/albert_chinese_base", run.Model)
	s.JSONEq(`{"epochs": 2, "lr": 5e-6}`, run.Params)
	s.True(run.FinishedAt.IsZero())

	for i, loss := range []float64{3.2, 2.9} {
		s.Require().NoError(s.store.RecordEpoch(s.ctx, id, Epoch{
			Epoch: i + 1, MeanLoss: loss, Steps: (i + 1) * 10, LR: 1e-5, MaskedTokens: 120, Duration: 1500 * time.Millisecond,
		}))
	}
	// re-recording an epoch replaces it
	s.Require().NoError(s.store.RecordEpoch(s.ctx, id, Epoch{Epoch: 2, MeanLoss: 2.8, Steps: 20, LR: 1e-5, MaskedTokens: 118}))

	epochs, err := s.store.Epochs(s.ctx, id)
	s.Require().NoError(err)
	s.Require().Len(epochs, 2)
	s.Equal(1, epochs[0].Epoch)
	s.InDelta(3.2, epochs[0].MeanLoss, 1e-12)
	s.Equal(1500*time.Millisecond, epochs[0].Duration)
	s.InDelta(2.8, epochs[1].MeanLoss, 1e-12)

	s.Require().NoError(s.store.FinishRun(s.ctx, id, StatusCompleted))
	run, err = s.store.Run(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(StatusCompleted, run.Status)
	s.False(run.FinishedAt.IsZero())
}

func (s *HistorySuite) TestUnknownRun() {
	missing := uuid.New()
	_, err := s.store.Run(s.ctx, missing)
	s.ErrorIs(err, ErrRunNotFound)
	s.ErrorIs(s.store.RecordEpoch(s.ctx, missing, Epoch{Epoch: 1}), ErrRunNotFound)
	s.ErrorIs(s.store.FinishRun(s.ctx, missing, StatusFailed), ErrRunNotFound)

	epochs, err := s.store.Epochs(s.ctx, missing)
	s.NoError(err)
	s.Empty(epochs)
}

func TestHistorySuite(t *testing.T) {
	suite.Run(t, new(HistorySuite))
}

// Package history records training runs and their per-epoch losses in a
// libSQL database.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"
)

var ErrRunNotFound = errors.New("run not found")

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		params TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS epochs (
		run_id TEXT NOT NULL REFERENCES runs(id),
		epoch INTEGER NOT NULL,
		mean_loss REAL NOT NULL,
		steps INTEGER NOT NULL,
		lr REAL NOT NULL,
		masked_tokens INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		PRIMARY KEY (run_id, epoch)
	)`,
}

// Run is one training invocation.
type Run struct {
	ID         uuid.UUID
	Model      string
	Params     string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Epoch is the summary of one epoch within a run.
type Epoch struct {
	Epoch        int
	MeanLoss     float64
	Steps        int
	LR           float64
	MaskedTokens int
	Duration     time.Duration
}

type Store struct {
	db *sql.DB
}

// Open connects to dsn ("file:/path/history.db" or a libsql URL) and creates
// the tables when missing.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if path, ok := strings.CutPrefix(dsn, "file:"); ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate history db: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// StartRun inserts a running entry; params is stored as JSON.
func (s *Store) StartRun(ctx context.Context, model string, params any) (uuid.UUID, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode run params: %w", err)
	}
	id := uuid.New()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, model, params, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id.String(), model, string(b), StatusRunning, time.Now().UnixMilli())
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// RecordEpoch stores an epoch summary, replacing an earlier one for the same epoch.
func (s *Store) RecordEpoch(ctx context.Context, runID uuid.UUID, e Epoch) error {
	if _, err := s.Run(ctx, runID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO epochs (run_id, epoch, mean_loss, steps, lr, masked_tokens, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID.String(), e.Epoch, e.MeanLoss, e.Steps, e.LR, e.MaskedTokens, e.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert epoch %d: %w", e.Epoch, err)
	}
	return nil
}

// FinishRun marks a run completed or failed.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, status string) error {
	if _, err := s.Run(ctx, runID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), runID.String())
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Run loads a run by id.
func (s *Store) Run(ctx context.Context, runID uuid.UUID) (Run, error) {
	var (
		r        Run
		id       string
		started  int64
		finished sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, model, params, status, started_at, finished_at FROM runs WHERE id = ?`, runID.String()).
		Scan(&id, &r.Model, &r.Params, &r.Status, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("query run: %w", err)
	}
	if r.ID, err = uuid.Parse(id); err != nil {
		return Run{}, fmt.Errorf("parse run id: %w", err)
	}
	r.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		r.FinishedAt = time.UnixMilli(finished.Int64)
	}
	return r, nil
}

// Epochs lists a run's epochs in order.
func (s *Store) Epochs(ctx context.Context, runID uuid.UUID) ([]Epoch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, mean_loss, steps, lr, masked_tokens, duration_ms FROM epochs WHERE run_id = ? ORDER BY epoch`,
		runID.String())
	if err != nil {
		return nil, fmt.Errorf("query epochs: %w", err)
	}
	defer rows.Close()

	var out []Epoch
	for rows.Next() {
		var (
			e  Epoch
			ms int64
		)
		if err := rows.Scan(&e.Epoch, &e.MeanLoss, &e.Steps, &e.LR, &e.MaskedTokens, &ms); err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

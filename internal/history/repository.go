package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/pestle/internal/tree"
)

// RunRecord is one persisted run summary.
type RunRecord struct {
	ID        string
	StartedAt time.Time
	Total     int
	Passed    int
	Failed    int
	Skipped   int
	Errored   int
	Duration  float64
}

// ResultRecord is one persisted per-test outcome.
type ResultRecord struct {
	RunID    string
	NodeID   string
	Status   string
	Duration float64
	Message  string
}

// RunRepository stores run outcomes in SQLite.
type RunRepository struct {
	db *sql.DB
}

func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// SaveRun persists one run summary plus its per-test results in a single
// transaction and returns the generated run ID.
func (r *RunRepository) SaveRun(startedAt time.Time, summary tree.Summary, results map[tree.NodeID]tree.NodeResult) (string, error) {
	runID := uuid.NewString()

	tx, err := r.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(
		`INSERT INTO runs (id, started_at, total, passed, failed, skipped, errored, duration)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, startedAt.UTC(), summary.Total, summary.Passed, summary.Failed,
		summary.Skipped, summary.Errored, summary.Duration,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}

	for nodeID, res := range results {
		_, err = tx.Exec(
			`INSERT INTO run_results (run_id, node_id, status, duration, message)
			 VALUES (?, ?, ?, ?, ?)`,
			runID, string(nodeID), string(res.Status), res.Duration, res.Message,
		)
		if err != nil {
			return "", fmt.Errorf("failed to insert result for %s: %w", nodeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit run: %w", err)
	}
	return runID, nil
}

// RecentRuns returns the most recent run summaries, newest first.
func (r *RunRepository) RecentRuns(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.Query(
		`SELECT id, started_at, total, passed, failed, skipped, errored, duration
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(&rec.ID, &rec.StartedAt, &rec.Total, &rec.Passed,
			&rec.Failed, &rec.Skipped, &rec.Errored, &rec.Duration); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ResultsForRun returns the per-test results of one run.
func (r *RunRepository) ResultsForRun(runID string) ([]ResultRecord, error) {
	rows, err := r.db.Query(
		`SELECT run_id, node_id, status, duration, message
		 FROM run_results WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ResultRecord
	for rows.Next() {
		var rec ResultRecord
		if err := rows.Scan(&rec.RunID, &rec.NodeID, &rec.Status, &rec.Duration, &rec.Message); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Package runstore provides persistent storage for annotation run state using SQLite.
package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/eyelocater/eyelocater/internal/pipeline"
	"github.com/eyelocater/eyelocater/internal/render"
)

// RunStatus represents the current state of an annotation run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run represents one annotation run submitted through the API.
type Run struct {
	ID          string          `json:"run_id"`
	Status      RunStatus       `json:"status"`
	Config      pipeline.Config `json:"config"`
	BackendUsed string          `json:"backend_used,omitempty"`
	Outputs     *render.Files   `json:"outputs,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Store provides persistent storage for annotation runs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based run store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS annotation_runs (
		run_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		config_json TEXT NOT NULL,
		backend_used TEXT DEFAULT '',
		outputs_json TEXT DEFAULT '',
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_annotation_runs_status ON annotation_runs(status);
	CREATE INDEX IF NOT EXISTS idx_annotation_runs_finished ON annotation_runs(finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun creates a new run record with status=queued.
func (s *Store) CreateRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO annotation_runs (run_id, status, config_json, backend_used, outputs_json, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		string(run.Status),
		string(configJSON),
		run.BackendUsed,
		"",
		run.Error,
		run.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetRun retrieves a run by ID. Returns nil when the run does not exist.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, status, config_json, backend_used, outputs_json, error, created_at, started_at, finished_at
		FROM annotation_runs WHERE run_id = ?
	`, runID)

	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// UpdateRunStarted marks a run as running with start time.
func (s *Store) UpdateRunStarted(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE annotation_runs SET status = ?, started_at = ?
		WHERE run_id = ?
	`, string(RunStatusRunning), now, runID)
	return err
}

// UpdateRunCompleted records a successful run's backend and outputs.
func (s *Store) UpdateRunCompleted(runID, backendUsed string, outputs *render.Files) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}

	now := time.Now().Format(time.RFC3339)
	_, err = s.db.Exec(`
		UPDATE annotation_runs SET status = ?, backend_used = ?, outputs_json = ?, finished_at = ?
		WHERE run_id = ?
	`, string(RunStatusCompleted), backendUsed, string(outputsJSON), now, runID)
	return err
}

// UpdateRunStatus updates the run status and error message.
func (s *Store) UpdateRunStatus(runID string, status RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == RunStatusCompleted || status == RunStatusFailed || status == RunStatusCancelled {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE annotation_runs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE run_id = ?
	`, string(status), errMsg, finishedAt, runID)
	return err
}

// ListRuns returns runs ordered newest first.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT run_id, status, config_json, backend_used, outputs_json, error, created_at, started_at, finished_at
		FROM annotation_runs
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListQueuedRuns returns all queued runs (for restart recovery).
func (s *Store) ListQueuedRuns() ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, status, config_json, backend_used, outputs_json, error, created_at, started_at, finished_at
		FROM annotation_runs WHERE status = ?
		ORDER BY created_at ASC
	`, string(RunStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkRunningAsFailed marks all running runs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE annotation_runs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(RunStatusFailed), errMsg, now, string(RunStatusRunning))
	return err
}

// DeleteExpiredRuns deletes finished runs older than retentionDays.
func (s *Store) DeleteExpiredRuns(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	result, err := s.db.Exec(`
		DELETE FROM annotation_runs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteRun deletes a run record.
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM annotation_runs WHERE run_id = ?", runID)
	return err
}

func scanRun(scan func(...interface{}) error) (*Run, error) {
	var run Run
	var configJSON, outputsJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := scan(
		&run.ID,
		&run.Status,
		&configJSON,
		&run.BackendUsed,
		&outputsJSON,
		&run.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(configJSON), &run.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if outputsJSON != "" {
		run.Outputs = &render.Files{}
		if err := json.Unmarshal([]byte(outputsJSON), run.Outputs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outputs: %w", err)
		}
	}

	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		run.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		run.FinishedAt = &t
	}

	return &run, nil
}

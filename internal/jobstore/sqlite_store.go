// Package jobstore persists traversal job state and per-view results in SQLite.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// JobStatus represents the current state of a traversal job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Bounds is an inclusive pixel box at the job level.
type Bounds struct {
	MinRow int `json:"min_row"`
	MinCol int `json:"min_col"`
	MaxRow int `json:"max_row"`
	MaxCol int `json:"max_col"`
}

// JobParams contains the parameters of a traversal job.
type JobParams struct {
	DatasetID string  `json:"dataset_id"`
	Level     int     `json:"level"`
	Order     string  `json:"order,omitempty"`
	Bounds    *Bounds `json:"bounds,omitempty"`

	// Radius overrides the dataset halo width when set.
	Radius        *int    `json:"radius,omitempty"`
	Ghost         string  `json:"ghost,omitempty"`
	GhostFill     float64 `json:"ghost_fill,omitempty"`
	PreserveOrder bool    `json:"preserve_order"`
}

// JobProgress counts delivered views.
type JobProgress struct {
	Done   int `json:"done"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// Job is a traversal job.
type Job struct {
	ID         string      `json:"job_id"`
	DatasetID  string      `json:"dataset_id"`
	Status     JobStatus   `json:"status"`
	Params     JobParams   `json:"params"`
	Progress   JobProgress `json:"progress"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// ViewResult is the summary of one delivered view.
type ViewResult struct {
	Seq         int     `json:"seq"`
	Row         int     `json:"row"`
	Col         int     `json:"col"`
	Height      int     `json:"height"`
	Width       int     `json:"width"`
	Level       int     `json:"level"`
	GhostTop    int     `json:"ghost_top"`
	GhostBottom int     `json:"ghost_bottom"`
	GhostLeft   int     `json:"ghost_left"`
	GhostRight  int     `json:"ghost_right"`
	Count       int     `json:"count"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Mean        float64 `json:"mean"`
	Std         float64 `json:"std"`
	Error       string  `json:"error,omitempty"`
}

// Store provides persistent storage for traversal jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens or creates the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

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
	CREATE TABLE IF NOT EXISTS traversal_jobs (
		job_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		done INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_traversal_jobs_dataset ON traversal_jobs(dataset_id);
	CREATE INDEX IF NOT EXISTS idx_traversal_jobs_status ON traversal_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_traversal_jobs_finished ON traversal_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS view_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		row INTEGER NOT NULL,
		col INTEGER NOT NULL,
		height INTEGER NOT NULL,
		width INTEGER NOT NULL,
		level INTEGER NOT NULL,
		ghost_top INTEGER NOT NULL,
		ghost_bottom INTEGER NOT NULL,
		ghost_left INTEGER NOT NULL,
		ghost_right INTEGER NOT NULL,
		count INTEGER NOT NULL,
		min REAL NOT NULL,
		max REAL NOT NULL,
		mean REAL NOT NULL,
		std REAL NOT NULL,
		error TEXT DEFAULT '',
		FOREIGN KEY (job_id) REFERENCES traversal_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_view_results_job ON view_results(job_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `job_id, dataset_id, status, params_json, done, failed, total, error, created_at, started_at, finished_at`

// CreateJob inserts a job record.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO traversal_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Params.DatasetID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Done,
		job.Progress.Failed,
		job.Progress.Total,
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. It returns nil, nil when the job does not exist.
func (s *Store) GetJob(jobID string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM traversal_jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// UpdateJobStatus updates the job status, stamping finished_at for final states.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Terminal() {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE traversal_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE traversal_jobs SET status = ?, started_at = ?, total = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, total, jobID)
	return err
}

// UpdateJobProgress updates the progress counters.
func (s *Store) UpdateJobProgress(jobID string, p JobProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE traversal_jobs SET done = ?, failed = ?, total = ?
		WHERE job_id = ?
	`, p.Done, p.Failed, p.Total, jobID)
	return err
}

// InsertResults inserts view results in a batch transaction.
func (s *Store) InsertResults(jobID string, results []*ViewResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO view_results (job_id, seq, row, col, height, width, level,
			ghost_top, ghost_bottom, ghost_left, ghost_right, count, min, max, mean, std, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range results {
		_, err := stmt.Exec(
			jobID, r.Seq, r.Row, r.Col, r.Height, r.Width, r.Level,
			r.GhostTop, r.GhostBottom, r.GhostLeft, r.GhostRight,
			r.Count, r.Min, r.Max, r.Mean, r.Std, r.Error,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// QueryResults returns a page of results and the total result count.
func (s *Store) QueryResults(jobID string, orderBy string, offset, limit int) ([]*ViewResult, int, error) {
	orderCol := "seq ASC"
	switch orderBy {
	case "mean":
		orderCol = "mean DESC, seq ASC"
	case "max":
		orderCol = "max DESC, seq ASC"
	case "std":
		orderCol = "std DESC, seq ASC"
	case "position":
		orderCol = "level ASC, row ASC, col ASC"
	}

	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM view_results WHERE job_id = ?", jobID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT seq, row, col, height, width, level, ghost_top, ghost_bottom, ghost_left, ghost_right,
			count, min, max, mean, std, error
		FROM view_results
		WHERE job_id = ?
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, orderCol)

	rows, err := s.db.Query(query, jobID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []*ViewResult
	for rows.Next() {
		var r ViewResult
		err := rows.Scan(
			&r.Seq, &r.Row, &r.Col, &r.Height, &r.Width, &r.Level,
			&r.GhostTop, &r.GhostBottom, &r.GhostLeft, &r.GhostRight,
			&r.Count, &r.Min, &r.Max, &r.Mean, &r.Std, &r.Error,
		)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, &r)
	}
	return results, total, rows.Err()
}

// ListJobsByDataset returns all jobs for a dataset, newest first.
func (s *Store) ListJobsByDataset(datasetID string) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM traversal_jobs WHERE dataset_id = ?
		ORDER BY created_at DESC
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs, oldest first.
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM traversal_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// MarkRunningAsFailed fails every running job. Used on restart.
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE traversal_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes jobs that finished more than retentionDays ago.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	_, err := s.db.Exec(`
		DELETE FROM view_results WHERE job_id IN (
			SELECT job_id FROM traversal_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		DELETE FROM traversal_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteJob deletes a job and its results.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM view_results WHERE job_id = ?", jobID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM traversal_jobs WHERE job_id = ?", jobID)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var job Job
	var paramsJSON, createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := row.Scan(
		&job.ID,
		&job.DatasetID,
		&job.Status,
		&paramsJSON,
		&job.Progress.Done,
		&job.Progress.Failed,
		&job.Progress.Total,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}

	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		job.FinishedAt = &t
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

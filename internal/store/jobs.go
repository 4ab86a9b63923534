package store

import (
	"database/sql"
	"fmt"
	"time"
)

// JobRecord is the persisted form of a child-process job.
type JobRecord struct {
	ID          string
	ProjectID   string
	Type        string // install, lint, test
	Command     string
	Args        string // JSON array
	Cwd         string
	Status      string // pending, running, succeeded, failed, cancelled
	ExitCode    *int
	Logs        string // JSON array of log lines
	Error       string
	CreatedAt   int64 // unix ms
	StartedAt   int64 // unix ms, 0 = not started
	CompletedAt int64 // unix ms, 0 = not completed
}

// SaveJob inserts or updates a job.
func (s *Store) SaveJob(j *JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.CreatedAt == 0 {
		j.CreatedAt = time.Now().UnixMilli()
	}

	var exitCode sql.NullInt64
	if j.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*j.ExitCode), Valid: true}
	}

	query := `
	INSERT OR REPLACE INTO jobs (
		id, project_id, type, command, args, cwd, status, exit_code,
		logs, error, created_at, started_at, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		j.ID, j.ProjectID, j.Type, j.Command, j.Args, j.Cwd, j.Status, exitCode,
		sql.NullString{String: j.Logs, Valid: j.Logs != ""},
		sql.NullString{String: j.Error, Valid: j.Error != ""},
		j.CreatedAt,
		sql.NullInt64{Int64: j.StartedAt, Valid: j.StartedAt != 0},
		sql.NullInt64{Int64: j.CompletedAt, Valid: j.CompletedAt != 0},
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

const jobColumns = `id, project_id, type, command, args, cwd, status, exit_code, logs, error, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*JobRecord, error) {
	j := &JobRecord{}
	var exitCode, startedAt, completedAt sql.NullInt64
	var logs, errMsg sql.NullString

	if err := row.Scan(
		&j.ID, &j.ProjectID, &j.Type, &j.Command, &j.Args, &j.Cwd, &j.Status,
		&exitCode, &logs, &errMsg, &j.CreatedAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	if exitCode.Valid {
		code := int(exitCode.Int64)
		j.ExitCode = &code
	}
	j.Logs = logs.String
	j.Error = errMsg.String
	j.StartedAt = startedAt.Int64
	j.CompletedAt = completedAt.Int64
	return j, nil
}

// GetJob retrieves a job by ID. Returns nil, nil when missing.
func (s *Store) GetJob(id string) (*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a project's jobs, newest first. An empty projectID lists all.
func (s *Store) ListJobs(projectID string, limit int) ([]*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkInterruptedJobs fails jobs left pending or running by a previous process.
func (s *Store) MarkInterruptedJobs() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'failed', error = 'interrupted by restart', completed_at = ?
		 WHERE status IN ('pending', 'running')`,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted jobs: %w", err)
	}
	return res.RowsAffected()
}

// DeleteProjectJobs removes every job belonging to a project.
func (s *Store) DeleteProjectJobs(projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM jobs WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("failed to delete jobs: %w", err)
	}
	return nil
}

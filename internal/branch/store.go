package branch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lucidcoder/lucidcoder/internal/store"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists branches, staged files, test runs and commits.
type Store struct {
	ds *store.Store
}

// NewStore creates a branch store over the shared database.
func NewStore(ds *store.Store) *Store {
	return &Store{ds: ds}
}

const branchColumns = `project_id, name, description, status, is_current, ahead, staged_version,
	last_test_status, last_test_summary, last_test_completed_at, merge_blocked_reason,
	created_at, updated_at, merged_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBranch(row rowScanner) (*Branch, error) {
	b := &Branch{}
	var (
		status, testStatus, testSummary, reason sql.NullString
		testAt, mergedAt                        sql.NullInt64
		createdAt, updatedAt                    int64
		isCurrent                               int
	)
	err := row.Scan(
		&b.ProjectID, &b.Name, &b.Description, &status, &isCurrent, &b.Ahead, &b.stagedVersion,
		&testStatus, &testSummary, &testAt, &reason,
		&createdAt, &updatedAt, &mergedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = Status(status.String)
	b.IsCurrent = isCurrent == 1
	b.CreatedAt = time.UnixMilli(createdAt).UTC()
	b.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if testStatus.Valid {
		ts := TestStatus(testStatus.String)
		b.LastTestStatus = &ts
	}
	if testSummary.Valid && testSummary.String != "" {
		var sum TestSummary
		if json.Unmarshal([]byte(testSummary.String), &sum) == nil {
			b.LastTestSummary = &sum
		}
	}
	if testAt.Valid {
		t := time.UnixMilli(testAt.Int64).UTC()
		b.LastTestCompletedAt = &t
	}
	if reason.Valid {
		r := reason.String
		b.MergeBlockedReason = &r
	}
	if mergedAt.Valid {
		t := time.UnixMilli(mergedAt.Int64).UTC()
		b.MergedAt = &t
	}
	b.StagedFiles = []StagedFile{}
	return b, nil
}

func (s *Store) loadBranch(ctx context.Context, q querier, projectID, name string) (*Branch, error) {
	b, err := scanBranch(q.QueryRowContext(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE project_id = ? AND name = ?`, projectID, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load branch: %w", err)
	}
	files, err := s.stagedFiles(ctx, q, projectID, name)
	if err != nil {
		return nil, err
	}
	b.StagedFiles = files
	return b, nil
}

func (s *Store) listBranches(ctx context.Context, q querier, projectID string) ([]*Branch, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE project_id = ? ORDER BY created_at ASC, name ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	var branches []*Branch
	byName := map[string]*Branch{}
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan branch: %w", err)
		}
		branches = append(branches, b)
		byName[b.Name] = b
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	staged, err := q.QueryContext(ctx,
		`SELECT branch_name, path, source, staged_at FROM staged_files WHERE project_id = ? ORDER BY seq ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list staged files: %w", err)
	}
	defer staged.Close()
	for staged.Next() {
		var branchName string
		f, err := scanStaged(staged, &branchName)
		if err != nil {
			return nil, err
		}
		if b, ok := byName[branchName]; ok {
			b.StagedFiles = append(b.StagedFiles, f)
		}
	}
	return branches, staged.Err()
}

func scanStaged(row rowScanner, branchName *string) (StagedFile, error) {
	var (
		f      StagedFile
		source string
		at     int64
	)
	dest := []any{&f.Path, &source, &at}
	if branchName != nil {
		dest = append([]any{branchName}, dest...)
	}
	if err := row.Scan(dest...); err != nil {
		return f, fmt.Errorf("failed to scan staged file: %w", err)
	}
	f.Source = Source(source)
	f.Timestamp = time.UnixMilli(at).UTC()
	return f, nil
}

func (s *Store) stagedFiles(ctx context.Context, q querier, projectID, name string) ([]StagedFile, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT path, source, staged_at FROM staged_files WHERE project_id = ? AND branch_name = ? ORDER BY seq ASC`,
		projectID, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load staged files: %w", err)
	}
	defer rows.Close()
	files := []StagedFile{}
	for rows.Next() {
		f, err := scanStaged(rows, nil)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func branchArgs(b *Branch) []any {
	var testStatus, testSummary, reason sql.NullString
	if b.LastTestStatus != nil {
		testStatus = sql.NullString{String: string(*b.LastTestStatus), Valid: true}
	}
	if b.LastTestSummary != nil {
		raw, _ := json.Marshal(b.LastTestSummary)
		testSummary = sql.NullString{String: string(raw), Valid: true}
	}
	if b.MergeBlockedReason != nil {
		reason = sql.NullString{String: *b.MergeBlockedReason, Valid: true}
	}
	current := 0
	if b.IsCurrent {
		current = 1
	}
	return []any{
		b.Description, string(b.Status), current, b.Ahead, b.stagedVersion,
		testStatus, testSummary, nullTime(b.LastTestCompletedAt), reason,
		b.UpdatedAt.UnixMilli(), nullTime(b.MergedAt),
	}
}

// saveBranch inserts or fully rewrites a branch row.
func (s *Store) saveBranch(ctx context.Context, q querier, b *Branch) error {
	args := append([]any{b.ProjectID, b.Name}, branchArgs(b)...)
	args = append(args, b.CreatedAt.UnixMilli())
	_, err := q.ExecContext(ctx, `
	INSERT INTO branches (
		project_id, name, description, status, is_current, ahead, staged_version,
		last_test_status, last_test_summary, last_test_completed_at, merge_blocked_reason,
		updated_at, merged_at, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(project_id, name) DO UPDATE SET
		description = excluded.description,
		status = excluded.status,
		is_current = excluded.is_current,
		ahead = excluded.ahead,
		staged_version = excluded.staged_version,
		last_test_status = excluded.last_test_status,
		last_test_summary = excluded.last_test_summary,
		last_test_completed_at = excluded.last_test_completed_at,
		merge_blocked_reason = excluded.merge_blocked_reason,
		updated_at = excluded.updated_at,
		merged_at = excluded.merged_at,
		created_at = excluded.created_at
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to save branch: %w", err)
	}
	return nil
}

func (s *Store) setCurrent(ctx context.Context, q querier, projectID, name string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE branches SET is_current = CASE WHEN name = ? THEN 1 ELSE 0 END WHERE project_id = ?`,
		name, projectID)
	if err != nil {
		return fmt.Errorf("failed to set current branch: %w", err)
	}
	return nil
}

func (s *Store) upsertStaged(ctx context.Context, q querier, projectID, branchName string, f StagedFile) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO staged_files (project_id, branch_name, path, source, staged_at, seq)
	VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM staged_files WHERE project_id = ? AND branch_name = ?))
	ON CONFLICT(project_id, branch_name, path) DO UPDATE SET
		source = excluded.source,
		staged_at = excluded.staged_at
	`, projectID, branchName, f.Path, string(f.Source), f.Timestamp.UnixMilli(), projectID, branchName)
	if err != nil {
		return fmt.Errorf("failed to stage file: %w", err)
	}
	return nil
}

// deleteStaged removes one staged path, or every staged path when path is empty.
func (s *Store) deleteStaged(ctx context.Context, q querier, projectID, branchName, path string) (int64, error) {
	query := `DELETE FROM staged_files WHERE project_id = ? AND branch_name = ?`
	args := []any{projectID, branchName}
	if path != "" {
		query += ` AND path = ?`
		args = append(args, path)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to clear staged files: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) deleteBranch(ctx context.Context, q querier, projectID, name string) error {
	if _, err := s.deleteStaged(ctx, q, projectID, name, ""); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM branches WHERE project_id = ? AND name = ?`, projectID, name); err != nil {
		return fmt.Errorf("failed to delete branch: %w", err)
	}
	return nil
}

// archiveBranch moves a branch row and its history to archived so name can
// be reused.
func (s *Store) archiveBranch(ctx context.Context, q querier, projectID, name, archived string) error {
	if _, err := s.deleteStaged(ctx, q, projectID, name, ""); err != nil {
		return err
	}
	for _, table := range []string{"branches", "test_runs", "commits"} {
		column := "branch_name"
		if table == "branches" {
			column = "name"
		}
		_, err := q.ExecContext(ctx,
			`UPDATE `+table+` SET `+column+` = ? WHERE project_id = ? AND `+column+` = ?`,
			archived, projectID, name)
		if err != nil {
			return fmt.Errorf("failed to archive branch: %w", err)
		}
	}
	return nil
}

func (s *Store) insertTestRun(ctx context.Context, q querier, projectID string, run *TestRun) error {
	forced := 0
	if run.Forced {
		forced = 1
	}
	_, err := q.ExecContext(ctx, `
	INSERT INTO test_runs (id, project_id, branch_name, status, total, passed, failed, skipped, job_id, forced, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, projectID, run.Branch, string(run.Status),
		run.Summary.Total, run.Summary.Passed, run.Summary.Failed, run.Summary.Skipped,
		sql.NullString{String: run.JobID, Valid: run.JobID != ""}, forced, run.CompletedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record test run: %w", err)
	}
	return nil
}

func (s *Store) insertCommit(ctx context.Context, q querier, projectID string, c *Commit) error {
	files, _ := json.Marshal(c.Files)
	cssOnly := 0
	if c.CSSOnly {
		cssOnly = 1
	}
	_, err := q.ExecContext(ctx, `
	INSERT INTO commits (id, project_id, branch_name, sha, message, files, css_only, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, projectID, c.Branch, c.SHA, c.Message, string(files), cssOnly, c.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record commit: %w", err)
	}
	return nil
}

// TestRuns returns a branch's test history, newest first.
func (s *Store) TestRuns(ctx context.Context, projectID, branchName string, limit int) ([]TestRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.ds.DB().QueryContext(ctx, `
	SELECT id, branch_name, status, total, passed, failed, skipped, job_id, forced, completed_at
	FROM test_runs WHERE project_id = ? AND branch_name = ?
	ORDER BY completed_at DESC LIMIT ?
	`, projectID, branchName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list test runs: %w", err)
	}
	defer rows.Close()

	runs := []TestRun{}
	for rows.Next() {
		var (
			r      TestRun
			status string
			jobID  sql.NullString
			forced int
			at     int64
		)
		if err := rows.Scan(&r.ID, &r.Branch, &status, &r.Summary.Total, &r.Summary.Passed,
			&r.Summary.Failed, &r.Summary.Skipped, &jobID, &forced, &at); err != nil {
			return nil, fmt.Errorf("failed to scan test run: %w", err)
		}
		r.Status = TestStatus(status)
		r.JobID = jobID.String
		r.Forced = forced == 1
		r.CompletedAt = time.UnixMilli(at).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Commits returns a branch's commit history, newest first.
func (s *Store) Commits(ctx context.Context, projectID, branchName string) ([]Commit, error) {
	rows, err := s.ds.DB().QueryContext(ctx, `
	SELECT id, branch_name, sha, message, files, css_only, created_at
	FROM commits WHERE project_id = ? AND branch_name = ?
	ORDER BY created_at DESC, rowid DESC
	`, projectID, branchName)
	if err != nil {
		return nil, fmt.Errorf("failed to list commits: %w", err)
	}
	defer rows.Close()

	commits := []Commit{}
	for rows.Next() {
		var (
			c       Commit
			files   string
			cssOnly int
			at      int64
		)
		if err := rows.Scan(&c.ID, &c.Branch, &c.SHA, &c.Message, &files, &cssOnly, &at); err != nil {
			return nil, fmt.Errorf("failed to scan commit: %w", err)
		}
		_ = json.NewDecoder(strings.NewReader(files)).Decode(&c.Files)
		c.CSSOnly = cssOnly == 1
		c.CreatedAt = time.UnixMilli(at).UTC()
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

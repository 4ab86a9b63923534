package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	if err := s.migrateV2(); err != nil {
		return err
	}
	return s.migrateV3()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id              TEXT PRIMARY KEY,
		slug            TEXT NOT NULL UNIQUE,
		name            TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		path            TEXT NOT NULL,
		install_command TEXT NOT NULL DEFAULT '',
		lint_command    TEXT NOT NULL DEFAULT '',
		test_command    TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_slug ON projects(slug);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}

func (s *Store) migrateV2() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "2" {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS branches (
		project_id             TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name                   TEXT NOT NULL,
		description            TEXT NOT NULL DEFAULT '',
		status                 TEXT NOT NULL,
		is_current             INTEGER NOT NULL DEFAULT 0,
		ahead                  INTEGER NOT NULL DEFAULT 0,
		staged_version         INTEGER NOT NULL DEFAULT 0,
		last_test_status       TEXT,
		last_test_summary      TEXT,
		last_test_completed_at INTEGER,
		merge_blocked_reason   TEXT,
		created_at             INTEGER NOT NULL,
		updated_at             INTEGER NOT NULL,
		merged_at              INTEGER,
		PRIMARY KEY (project_id, name)
	);

	CREATE INDEX IF NOT EXISTS idx_branches_status ON branches(project_id, status);

	CREATE TABLE IF NOT EXISTS staged_files (
		project_id  TEXT NOT NULL,
		branch_name TEXT NOT NULL,
		path        TEXT NOT NULL,
		source      TEXT NOT NULL,
		staged_at   INTEGER NOT NULL,
		seq         INTEGER NOT NULL,
		PRIMARY KEY (project_id, branch_name, path),
		FOREIGN KEY (project_id, branch_name) REFERENCES branches(project_id, name) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS test_runs (
		id           TEXT PRIMARY KEY,
		project_id   TEXT NOT NULL,
		branch_name  TEXT NOT NULL,
		status       TEXT NOT NULL,
		total        INTEGER NOT NULL DEFAULT 0,
		passed       INTEGER NOT NULL DEFAULT 0,
		failed       INTEGER NOT NULL DEFAULT 0,
		skipped      INTEGER NOT NULL DEFAULT 0,
		job_id       TEXT,
		forced       INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_test_runs_branch ON test_runs(project_id, branch_name, completed_at);

	CREATE TABLE IF NOT EXISTS commits (
		id          TEXT PRIMARY KEY,
		project_id  TEXT NOT NULL,
		branch_name TEXT NOT NULL,
		sha         TEXT NOT NULL DEFAULT '',
		message     TEXT NOT NULL,
		files       TEXT NOT NULL,
		css_only    INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_commits_branch ON commits(project_id, branch_name, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v2: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}

func (s *Store) migrateV3() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "3" {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS goals (
		id         TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		parent_id  TEXT REFERENCES goals(id) ON DELETE CASCADE,
		title      TEXT NOT NULL DEFAULT '',
		prompt     TEXT NOT NULL,
		phase      TEXT NOT NULL,
		state      TEXT NOT NULL,
		error      TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_goals_project ON goals(project_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_goals_parent ON goals(parent_id);

	CREATE TABLE IF NOT EXISTS jobs (
		id           TEXT PRIMARY KEY,
		project_id   TEXT NOT NULL,
		type         TEXT NOT NULL,
		command      TEXT NOT NULL,
		args         TEXT NOT NULL,
		cwd          TEXT NOT NULL,
		status       TEXT NOT NULL,
		exit_code    INTEGER,
		logs         TEXT,
		error        TEXT,
		created_at   INTEGER NOT NULL,
		started_at   INTEGER,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_project ON jobs(project_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v3: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '3')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}

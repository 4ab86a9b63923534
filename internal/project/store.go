package project

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	perrors "github.com/lucidcoder/lucidcoder/internal/errors"
	"github.com/lucidcoder/lucidcoder/internal/store"
)

const cacheSize = 256

var slugRe = regexp.MustCompile(`[^a-z0-9-]+`)

// reservedSlugs cannot be used because they collide with API routes.
var reservedSlugs = map[string]bool{
	"new": true, "api": true, "jobs": true, "goals": true, "events": true,
}

// GenerateSlug converts a name into a URL-safe slug.
func GenerateSlug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "_", "-")
	s = slugRe.ReplaceAllString(s, "")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")
	if len(s) > 50 {
		s = strings.Trim(s[:50], "-")
	}
	return s
}

// IsReservedSlug returns true if the slug is reserved.
func IsReservedSlug(slug string) bool {
	return reservedSlugs[slug]
}

// Store handles project-related SQLite operations.
type Store struct {
	ds     *store.Store
	cache  *lru.Cache[string, *Project]
	logger zerolog.Logger
}

// NewStore creates a new project store.
func NewStore(ds *store.Store, logger zerolog.Logger) *Store {
	cache, _ := lru.New[string, *Project](cacheSize)
	return &Store{
		ds:     ds,
		cache:  cache,
		logger: logger.With().Str("component", "project.store").Logger(),
	}
}

// CreateProject inserts a new project row.
func (s *Store) CreateProject(input CreateProjectInput) (*Project, error) {
	slug := GenerateSlug(input.Name)
	if slug == "" {
		return nil, perrors.Invalid("invalid project name: generates empty slug")
	}
	if IsReservedSlug(slug) {
		return nil, perrors.Invalid("slug %q is a reserved word", slug)
	}
	if input.Path == "" {
		return nil, perrors.Invalid("project path is required")
	}

	now := time.Now().UnixMilli()
	p := &Project{
		ID:             uuid.New().String(),
		Slug:           slug,
		Name:           strings.TrimSpace(input.Name),
		Description:    input.Description,
		Path:           input.Path,
		InstallCommand: input.InstallCommand,
		LintCommand:    input.LintCommand,
		TestCommand:    input.TestCommand,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	query := `
	INSERT INTO projects (id, slug, name, description, path, install_command, lint_command, test_command, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.ds.DB().Exec(query,
		p.ID, p.Slug, p.Name, p.Description, p.Path,
		p.InstallCommand, p.LintCommand, p.TestCommand, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, fmt.Errorf("%w: project with slug %q already exists", perrors.ErrConflict, slug)
		}
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	s.cache.Add(p.ID, p)
	s.logger.Info().Str("project_id", p.ID).Str("slug", p.Slug).Msg("project created")
	return clone(p), nil
}

// projectColumns is the standard column list for project queries.
const projectColumns = `id, slug, name, description, path, install_command, lint_command, test_command, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*Project, error) {
	p := &Project{}
	err := row.Scan(
		&p.ID, &p.Slug, &p.Name, &p.Description, &p.Path,
		&p.InstallCommand, &p.LintCommand, &p.TestCommand,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetProject retrieves a project by slug. Returns nil, nil when missing.
func (s *Store) GetProject(slug string) (*Project, error) {
	p, err := scanProject(s.ds.DB().QueryRow(`SELECT `+projectColumns+` FROM projects WHERE slug = ?`, slug))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	s.cache.Add(p.ID, p)
	return clone(p), nil
}

// GetProjectByID retrieves a project by ID. Returns nil, nil when missing.
func (s *Store) GetProjectByID(id string) (*Project, error) {
	if p, ok := s.cache.Get(id); ok {
		return clone(p), nil
	}
	p, err := scanProject(s.ds.DB().QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	s.cache.Add(p.ID, p)
	return clone(p), nil
}

// ListProjects lists all projects, most recently updated first.
func (s *Store) ListProjects() ([]*Project, error) {
	rows, err := s.ds.DB().Query(`SELECT ` + projectColumns + ` FROM projects ORDER BY updated_at DESC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProject applies non-nil fields from input.
func (s *Store) UpdateProject(id string, input UpdateProjectInput) (*Project, error) {
	p, err := s.GetProjectByID(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, perrors.NotFound("project %q not found", id)
	}

	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, perrors.Invalid("project name cannot be empty")
		}
		p.Name = name
	}
	if input.Description != nil {
		p.Description = *input.Description
	}
	if input.InstallCommand != nil {
		p.InstallCommand = *input.InstallCommand
	}
	if input.LintCommand != nil {
		p.LintCommand = *input.LintCommand
	}
	if input.TestCommand != nil {
		p.TestCommand = *input.TestCommand
	}
	p.UpdatedAt = time.Now().UnixMilli()

	_, err = s.ds.DB().Exec(`
	UPDATE projects SET name = ?, description = ?, install_command = ?, lint_command = ?, test_command = ?, updated_at = ?
	WHERE id = ?`,
		p.Name, p.Description, p.InstallCommand, p.LintCommand, p.TestCommand, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update project: %w", err)
	}
	s.cache.Add(p.ID, clone(p))
	return p, nil
}

// DeleteProject removes a project and every record that belongs to it.
// Files on disk are left untouched.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	err := s.ds.Tx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM test_runs WHERE project_id = ?`,
			`DELETE FROM commits WHERE project_id = ?`,
			`DELETE FROM jobs WHERE project_id = ?`,
			`DELETE FROM goals WHERE project_id = ?`,
			`DELETE FROM staged_files WHERE project_id = ?`,
			`DELETE FROM branches WHERE project_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("failed to delete project data: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete project: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return perrors.NotFound("project %q not found", id)
		}
		return nil
	})
	s.cache.Remove(id)
	return err
}

func clone(p *Project) *Project {
	c := *p
	return &c
}

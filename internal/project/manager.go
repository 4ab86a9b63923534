package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	perrors "github.com/lucidcoder/lucidcoder/internal/errors"
)

const mainBranch = "main"

// Repo is the subset of git used to scaffold projects.
type Repo interface {
	Available() bool
	IsRepo(dir string) bool
	Init(ctx context.Context, dir, branch string) error
	Commit(ctx context.Context, dir string, paths []string, message string) (string, error)
}

// BranchSeeder prepares the branch workflow for a new project.
type BranchSeeder interface {
	EnsureMain(ctx context.Context, projectID string) error
}

// Manager handles project lifecycle on disk and in the store.
type Manager struct {
	store    *Store
	repo     Repo
	branches BranchSeeder
	root     string
	logger   zerolog.Logger
}

// NewManager creates a new project manager. root is where new projects are created.
func NewManager(store *Store, repo Repo, root string, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		repo:   repo,
		root:   root,
		logger: logger.With().Str("component", "project.manager").Logger(),
	}
}

// SetBranchSeeder wires the branch workflow after construction.
func (m *Manager) SetBranchSeeder(b BranchSeeder) {
	m.branches = b
}

// Create scaffolds, initializes and records a project. When input.Path names an
// existing directory it is adopted as-is.
func (m *Manager) Create(ctx context.Context, input CreateProjectInput) (*Project, error) {
	slug := GenerateSlug(input.Name)
	if slug == "" {
		return nil, perrors.Invalid("project name is required")
	}

	dir := input.Path
	adopt := dir != ""
	if !adopt {
		dir = filepath.Join(m.root, slug)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve project path: %w", err)
	}
	input.Path = abs

	if existing, err := m.store.GetProject(slug); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("%w: project with slug %q already exists", perrors.ErrConflict, slug)
	}

	if adopt {
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			return nil, perrors.Invalid("project path %q is not a directory", input.Path)
		}
	} else {
		if err := m.scaffold(abs, input); err != nil {
			return nil, err
		}
	}

	if err := m.initRepo(ctx, abs); err != nil {
		return nil, err
	}

	p, err := m.store.CreateProject(input)
	if err != nil {
		return nil, err
	}

	if m.branches != nil {
		if err := m.branches.EnsureMain(ctx, p.ID); err != nil {
			return nil, fmt.Errorf("initialize branches: %w", err)
		}
	}

	m.logger.Info().
		Str("project_id", p.ID).
		Str("path", p.Path).
		Bool("adopted", adopt).
		Msg("project ready")
	return p, nil
}

func (m *Manager) scaffold(dir string, input CreateProjectInput) error {
	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return fmt.Errorf("%w: directory %q already exists and is not empty", perrors.ErrConflict, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create project directory: %w", err)
	}

	var readme strings.Builder
	fmt.Fprintf(&readme, "# %s\n", strings.TrimSpace(input.Name))
	if input.Description != "" {
		fmt.Fprintf(&readme, "\n%s\n", input.Description)
	}
	files := map[string]string{
		"README.md":  readme.String(),
		".gitignore": "node_modules/\ndist/\ncoverage/\n.env\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

func (m *Manager) initRepo(ctx context.Context, dir string) error {
	if m.repo == nil || !m.repo.Available() {
		m.logger.Warn().Str("path", dir).Msg("git not available, skipping repository init")
		return nil
	}
	if m.repo.IsRepo(dir) {
		return nil
	}
	if err := m.repo.Init(ctx, dir, mainBranch); err != nil {
		return fmt.Errorf("git init: %w", err)
	}
	if _, err := m.repo.Commit(ctx, dir, []string{"."}, "Initial commit"); err != nil {
		return fmt.Errorf("initial commit: %w", err)
	}
	return nil
}

// Get returns a project or an ErrNotFound error.
func (m *Manager) Get(ctx context.Context, id string) (*Project, error) {
	p, err := m.store.GetProjectByID(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, perrors.NotFound("project %q not found", id)
	}
	return p, nil
}

// List returns every project.
func (m *Manager) List(ctx context.Context) ([]*Project, error) {
	return m.store.ListProjects()
}

// Update edits project metadata.
func (m *Manager) Update(ctx context.Context, id string, input UpdateProjectInput) (*Project, error) {
	return m.store.UpdateProject(id, input)
}

// Delete removes project records. Without confirm it refuses with ErrConfirmationRequired.
func (m *Manager) Delete(ctx context.Context, id string, confirm bool) error {
	if !confirm {
		return fmt.Errorf("%w: deleting a project must be confirmed", perrors.ErrConfirmationRequired)
	}
	if err := m.store.DeleteProject(ctx, id); err != nil {
		return err
	}
	m.logger.Info().Str("project_id", id).Msg("project deleted")
	return nil
}

// Workspace returns the project's directory on disk.
func (m *Manager) Workspace(ctx context.Context, id string) (string, error) {
	p, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return p.Path, nil
}

// IsNotFound reports whether err means the project does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, perrors.ErrNotFound)
}

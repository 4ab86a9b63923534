package jobs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucidcoder/lucidcoder/internal/config"
	perrors "github.com/lucidcoder/lucidcoder/internal/errors"
	"github.com/lucidcoder/lucidcoder/internal/project"
)

// ProjectLookup loads project records.
type ProjectLookup interface {
	Get(ctx context.Context, id string) (*project.Project, error)
}

// SettingsSource reads commands declared in a project's settings file.
type SettingsSource interface {
	Commands(dir string) config.Commands
}

// CommandResolver picks the shell command for a job type. The project
// record wins over the settings file, which wins over detection from
// package.json or go.mod.
type CommandResolver struct {
	projects ProjectLookup
	settings SettingsSource
}

// NewCommandResolver creates a resolver. settings may be nil.
func NewCommandResolver(projects ProjectLookup, settings SettingsSource) *CommandResolver {
	return &CommandResolver{projects: projects, settings: settings}
}

// Resolve returns a StartRequest for t in the project's directory.
func (r *CommandResolver) Resolve(ctx context.Context, projectID string, t Type) (StartRequest, error) {
	if !t.Valid() {
		return StartRequest{}, perrors.Invalid("unknown job type %q", t)
	}
	p, err := r.projects.Get(ctx, projectID)
	if err != nil {
		return StartRequest{}, err
	}

	line := pick(t, config.Commands{
		Install: p.InstallCommand,
		Lint:    p.LintCommand,
		Test:    p.TestCommand,
	})
	if line == "" && r.settings != nil {
		line = pick(t, r.settings.Commands(p.Path))
	}
	if line == "" {
		line = detect(p.Path, t)
	}
	if line == "" {
		return StartRequest{}, perrors.Invalid("no %s command configured for project %q", t, p.Slug)
	}

	return StartRequest{
		ProjectID: projectID,
		Type:      t,
		Command:   "sh",
		Args:      []string{"-c", line},
		Cwd:       p.Path,
	}, nil
}

func pick(t Type, c config.Commands) string {
	switch t {
	case TypeInstall:
		return strings.TrimSpace(c.Install)
	case TypeLint:
		return strings.TrimSpace(c.Lint)
	case TypeTest:
		return strings.TrimSpace(c.Test)
	}
	return ""
}

type packageJSON struct {
	Scripts map[string]string `json:"scripts"`
}

func detect(dir string, t Type) string {
	if data, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil {
		var pkg packageJSON
		if json.Unmarshal(data, &pkg) == nil {
			switch t {
			case TypeInstall:
				return "npm install"
			case TypeLint:
				if pkg.Scripts["lint"] != "" {
					return "npm run lint"
				}
			case TypeTest:
				if pkg.Scripts["test"] != "" {
					return "npm test"
				}
			}
		}
		return ""
	}
	if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
		switch t {
		case TypeInstall:
			return "go mod download"
		case TypeLint:
			return "go vet ./..."
		case TypeTest:
			return "go test ./..."
		}
	}
	return ""
}

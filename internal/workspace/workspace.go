// Package workspace normalizes project-relative paths and keeps file
// operations inside a project's directory.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	perrors "github.com/lucidcoder/lucidcoder/internal/errors"
)

// ErrOutsideWorkspace is returned when a path resolves outside the project root.
var ErrOutsideWorkspace = errors.New("path is outside the project workspace")

// NormalizePath turns user or LLM supplied paths into a clean, slash-separated,
// project-relative form. Blank paths and traversal above the root are rejected.
func NormalizePath(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	if p == "" {
		return "", perrors.Invalid("filePath is required")
	}
	p = strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrOutsideWorkspace, raw)
		}
	}
	p = path.Clean(p)
	p = strings.TrimLeft(p, "/")
	p = strings.TrimPrefix(p, "./")
	if p == "" || p == "." {
		return "", perrors.Invalid("filePath is required")
	}
	return p, nil
}

// IsTraversal reports whether err came from a path escaping the workspace.
func IsTraversal(err error) bool {
	return errors.Is(err, ErrOutsideWorkspace)
}

// Guard enforces a single project root for file operations.
type Guard struct {
	root string
}

// NewGuard resolves root to an absolute, symlink-free directory.
func NewGuard(root string) (*Guard, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace directory cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace directory: %w", err)
	}
	if eval, err := filepath.EvalSymlinks(abs); err == nil {
		abs = eval
	}
	return &Guard{root: abs}, nil
}

// Root returns the absolute workspace directory.
func (g *Guard) Root() string { return g.root }

// Resolve maps a project-relative path to an absolute path under the root.
// The returned relative form is normalized.
func (g *Guard) Resolve(raw string) (abs, rel string, err error) {
	if filepath.IsAbs(raw) {
		abs = filepath.Clean(raw)
		if !g.Contains(abs) {
			return "", "", fmt.Errorf("%w: %q", ErrOutsideWorkspace, raw)
		}
		r, err := filepath.Rel(g.root, abs)
		if err != nil {
			return "", "", fmt.Errorf("%w: %q", ErrOutsideWorkspace, raw)
		}
		raw = r
	}

	rel, err = NormalizePath(raw)
	if err != nil {
		return "", "", err
	}
	abs = filepath.Join(g.root, filepath.FromSlash(rel))

	// a symlinked parent could still point elsewhere
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		if !g.Contains(dir) {
			return "", "", fmt.Errorf("%w: %q", ErrOutsideWorkspace, raw)
		}
	}
	return abs, rel, nil
}

// Contains reports whether abs is the root or a descendant of it.
func (g *Guard) Contains(abs string) bool {
	abs = filepath.Clean(abs)
	return abs == g.root || strings.HasPrefix(abs+string(filepath.Separator), g.root+string(filepath.Separator))
}

// WriteFileAtomic writes data through a temp file and rename so readers never
// observe a partially written file.
func WriteFileAtomic(target string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".lucid-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}

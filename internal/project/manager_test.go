package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/lucidcoder/lucidcoder/internal/errors"
)

type fakeRepo struct {
	available bool
	repos     map[string]bool
	commits   []string
}

func (f *fakeRepo) Available() bool        { return f.available }
func (f *fakeRepo) IsRepo(dir string) bool { return f.repos[dir] }
func (f *fakeRepo) Init(ctx context.Context, dir, branch string) error {
	if f.repos == nil {
		f.repos = map[string]bool{}
	}
	f.repos[dir] = true
	return nil
}
func (f *fakeRepo) Commit(ctx context.Context, dir string, paths []string, message string) (string, error) {
	f.commits = append(f.commits, message)
	return "abc123", nil
}

type fakeSeeder struct{ seeded []string }

func (f *fakeSeeder) EnsureMain(ctx context.Context, projectID string) error {
	f.seeded = append(f.seeded, projectID)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeRepo, *fakeSeeder, string) {
	t.Helper()
	root := t.TempDir()
	repo := &fakeRepo{available: true}
	seeder := &fakeSeeder{}
	m := NewManager(setupTestStore(t), repo, root, zerolog.Nop())
	m.SetBranchSeeder(seeder)
	return m, repo, seeder, root
}

func TestManager_CreateScaffolds(t *testing.T) {
	m, repo, seeder, root := newTestManager(t)
	ctx := context.Background()

	p, err := m.Create(ctx, CreateProjectInput{Name: "Todo App", Description: "A list"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "todo-app"), p.Path)

	readme, err := os.ReadFile(filepath.Join(p.Path, "README.md"))
	require.NoError(t, err)
	assert.Contains(t, string(readme), "# Todo App")
	assert.Contains(t, string(readme), "A list")
	_, err = os.Stat(filepath.Join(p.Path, ".gitignore"))
	assert.NoError(t, err)

	assert.True(t, repo.repos[p.Path])
	assert.Equal(t, []string{"Initial commit"}, repo.commits)
	assert.Equal(t, []string{p.ID}, seeder.seeded)

	ws, err := m.Workspace(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Path, ws)
}

func TestManager_CreateAdoptsExistingDirectory(t *testing.T) {
	m, repo, _, _ := newTestManager(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte("1"), 0o644))
	repo.repos = map[string]bool{dir: true}

	p, err := m.Create(context.Background(), CreateProjectInput{Name: "Existing", Path: dir})
	require.NoError(t, err)
	assert.Equal(t, dir, p.Path)
	assert.Empty(t, repo.commits)
	_, err = os.Stat(filepath.Join(dir, "README.md"))
	assert.True(t, os.IsNotExist(err))
}

func TestManager_CreateConflicts(t *testing.T) {
	m, _, _, root := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateProjectInput{Name: "Dup"})
	require.NoError(t, err)
	_, err = m.Create(ctx, CreateProjectInput{Name: "dup"})
	assert.ErrorIs(t, err, perrors.ErrConflict)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "occupied"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "occupied", "x"), []byte("x"), 0o644))
	_, err = m.Create(ctx, CreateProjectInput{Name: "Occupied"})
	assert.ErrorIs(t, err, perrors.ErrConflict)

	_, err = m.Create(ctx, CreateProjectInput{Name: "Missing", Path: filepath.Join(root, "nope")})
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
}

func TestManager_CreateWithoutGit(t *testing.T) {
	m, repo, _, _ := newTestManager(t)
	repo.available = false

	p, err := m.Create(context.Background(), CreateProjectInput{Name: "No Git"})
	require.NoError(t, err)
	assert.False(t, repo.repos[p.Path])
}

func TestManager_DeleteRequiresConfirmation(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	p, err := m.Create(ctx, CreateProjectInput{Name: "Doomed"})
	require.NoError(t, err)

	err = m.Delete(ctx, p.ID, false)
	assert.ErrorIs(t, err, perrors.ErrConfirmationRequired)
	_, err = m.Get(ctx, p.ID)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, p.ID, true))
	_, err = m.Get(ctx, p.ID)
	assert.True(t, IsNotFound(err))

	// files stay on disk
	_, err = os.Stat(p.Path)
	assert.NoError(t, err)
}

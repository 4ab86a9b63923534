package branch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/lucidcoder/lucidcoder/internal/errors"
	"github.com/lucidcoder/lucidcoder/internal/git"
	"github.com/lucidcoder/lucidcoder/internal/store"
	"github.com/lucidcoder/lucidcoder/internal/workspace"
)

const testProject = "proj-1"

type fakeWorkspace struct{ dirs map[string]string }

func (f *fakeWorkspace) Workspace(ctx context.Context, projectID string) (string, error) {
	dir, ok := f.dirs[projectID]
	if !ok {
		return "", perrors.NotFound("project %q not found", projectID)
	}
	return dir, nil
}

type fakeRunner struct {
	mu       sync.Mutex
	outcomes []*TestOutcome
	calls    int
	during   func()
}

func (f *fakeRunner) RunTests(ctx context.Context, projectID, dir string) (*TestOutcome, error) {
	f.mu.Lock()
	f.calls++
	var out *TestOutcome
	if len(f.outcomes) > 0 {
		out = f.outcomes[0]
		f.outcomes = f.outcomes[1:]
	}
	during := f.during
	f.mu.Unlock()
	if during != nil {
		during()
	}
	if out == nil {
		return &TestOutcome{Passed: true, Summary: TestSummary{Total: 3, Passed: 3}, JobID: "job-1"}, nil
	}
	return out, nil
}

type fakeStyles struct{ patterns []string }

func (f fakeStyles) StylePatterns(dir string) []string { return f.patterns }

type recordedEvent struct {
	projectID string
	eventType string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeNotifier) Notify(projectID, eventType string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{projectID, eventType})
}

type fakeRecorder struct {
	mu  sync.Mutex
	ops map[string]int
}

func (f *fakeRecorder) BranchOp(op, result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ops == nil {
		f.ops = map[string]int{}
	}
	f.ops[op+":"+result]++
}

func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	ds, err := store.New(store.MemoryDSN, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds
}

func insertProject(t *testing.T, ds *store.Store, id, dir string) {
	t.Helper()
	_, err := ds.DB().Exec(
		`INSERT INTO projects (id, slug, name, path, created_at, updated_at) VALUES (?, ?, ?, ?, 0, 0)`,
		id, id, id, dir)
	require.NoError(t, err)
}

type harness struct {
	svc      *Service
	runner   *fakeRunner
	notifier *fakeNotifier
	recorder *fakeRecorder
	dir      string
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ds := setupTestStore(t)
	dir := t.TempDir()
	insertProject(t, ds, testProject, dir)
	h := &harness{
		runner:   &fakeRunner{},
		notifier: &fakeNotifier{},
		recorder: &fakeRecorder{},
		dir:      dir,
	}
	base := []Option{
		WithTestRunner(h.runner),
		WithNotifier(h.notifier),
		WithRecorder(h.recorder),
		WithClock(tickingClock()),
	}
	ws := &fakeWorkspace{dirs: map[string]string{testProject: dir}}
	h.svc = NewService(ds, ws, zerolog.Nop(), append(base, opts...)...)
	return h
}

func assertOneCurrent(t *testing.T, ov *Overview) {
	t.Helper()
	current := 0
	hasMain := false
	for _, b := range ov.Branches {
		if b.IsCurrent {
			current++
			assert.Equal(t, ov.Current, b.Name)
		}
		if b.Name == MainBranch {
			hasMain = true
			assert.Equal(t, StatusProtected, b.Status)
		}
	}
	assert.Equal(t, 1, current, "exactly one branch must be current")
	assert.True(t, hasMain, "main must exist")
}

func findWorking(ov *Overview, name string) *WorkingBranch {
	for i := range ov.WorkingBranches {
		if ov.WorkingBranches[i].Name == name {
			return &ov.WorkingBranches[i]
		}
	}
	return nil
}

func TestOverview_SeedsMain(t *testing.T) {
	h := newHarness(t)

	ov, err := h.svc.Overview(context.Background(), testProject)
	require.NoError(t, err)
	require.Len(t, ov.Branches, 1)
	assert.Equal(t, MainBranch, ov.Current)
	assert.Empty(t, ov.WorkingBranches)
	assertOneCurrent(t, ov)
}

func TestOverview_UnknownProject(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Overview(context.Background(), "nope")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestCreateBranch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.CreateBranch(ctx, testProject, CreateRequest{Name: "feature-x", Description: "X"})
	require.NoError(t, err)
	assert.Equal(t, "feature-x", res.Branch.Name)
	assert.Equal(t, StatusActive, res.Branch.Status)
	assert.Equal(t, "feature-x", res.Overview.Current)
	assertOneCurrent(t, res.Overview)
	require.NotNil(t, findWorking(res.Overview, "feature-x"))

	_, err = h.svc.CreateBranch(ctx, testProject, CreateRequest{Name: "feature-x"})
	assert.ErrorIs(t, err, perrors.ErrConflict)

	_, err = h.svc.CreateBranch(ctx, testProject, CreateRequest{Name: "main"})
	assert.ErrorIs(t, err, perrors.ErrConflict)

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, EventBranchesUpdated, h.notifier.events[0].eventType)
}

func TestCreateBranch_GeneratedNames(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.CreateBranch(ctx, testProject, CreateRequest{Description: "Add Login Page!"})
	require.NoError(t, err)
	assert.Equal(t, "feature-add-login-page", res.Branch.Name)

	res, err = h.svc.CreateBranch(ctx, testProject, CreateRequest{Description: "add login page"})
	require.NoError(t, err)
	assert.Equal(t, "feature-add-login-page-2", res.Branch.Name)

	res, err = h.svc.CreateBranch(ctx, testProject, CreateRequest{})
	require.NoError(t, err)
	assert.Regexp(t, `^feature-[0-9a-f]{8}$`, res.Branch.Name)
}

func TestCreateBranch_InvalidNames(t *testing.T) {
	h := newHarness(t)

	for _, name := range []string{"-x", "a..b", "x.lock", "trailing/", "has space", "feature/login", "a~b"} {
		_, err := h.svc.CreateBranch(context.Background(), testProject, CreateRequest{Name: name})
		assert.ErrorIs(t, err, perrors.ErrInvalidInput, name)
	}
}

func TestScenario_MergeWithoutTestsFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateBranch(ctx, testProject, CreateRequest{Name: "feature-x"})
	require.NoError(t, err)
	_, err = h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "src/a.ts"})
	require.NoError(t, err)

	_, err = h.svc.Merge(ctx, testProject, "feature-x")
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "pass tests")

	b, err := h.svc.Get(ctx, testProject, "feature-x")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, b.Status)
	assert.Len(t, b.StagedFiles, 1)
}

func TestScenario_TestThenMerge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateBranch(ctx, testProject, CreateRequest{Name: "feature-y"})
	require.NoError(t, err)
	_, err = h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "src/b.ts"})
	require.NoError(t, err)

	tr, err := h.svc.RunTests(ctx, testProject, TestRequest{})
	require.NoError(t, err)
	assert.Equal(t, TestPassed, tr.Run.Status)
	assert.Equal(t, "job-1", tr.Run.JobID)
	assert.Equal(t, StatusReadyForMerge, tr.Branch.Status)
	assert.Nil(t, tr.Branch.MergeBlockedReason)

	res, err := h.svc.Merge(ctx, testProject, "feature-y")
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, res.Branch.Status)
	assert.NotNil(t, res.Branch.MergedAt)
	assert.Equal(t, MainBranch, res.Overview.Current)
	assert.Nil(t, findWorking(res.Overview, "feature-y"))
	for _, b := range res.Overview.Branches {
		assert.NotEqual(t, "feature-y", b.Name)
	}
	assertOneCurrent(t, res.Overview)

	commits, err := h.svc.Commits(ctx, testProject, "feature-y")
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, []string{"src/b.ts"}, commits[0].Files)

	_, err = h.svc.Merge(ctx, testProject, "feature-y")
	assert.ErrorIs(t, err, perrors.ErrInvalidTransition)
}

func TestScenario_CSSOnlyCommitWithoutTests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateBranch(ctx, testProject, CreateRequest{Name: "styles"})
	require.NoError(t, err)
	_, err = h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "App.css"})
	require.NoError(t, err)

	res, err := h.svc.Commit(ctx, testProject, CommitRequest{})
	require.NoError(t, err)
	assert.True(t, res.Commit.CSSOnly)
	assert.Equal(t, []string{"App.css"}, res.Commit.Files)
	assert.Equal(t, "Update 1 file on styles", res.Commit.Message)
	assert.Equal(t, 1, res.Commit.Ahead)
	assert.Empty(t, res.Branch.StagedFiles)
	assert.Equal(t, StatusActive, res.Branch.Status)

	wb := findWorking(res.Overview, "styles")
	require.NotNil(t, wb)
	assert.Empty(t, wb.StagedFiles)
	assert.Equal(t, 1, wb.Ahead)

	_, err = h.svc.Merge(ctx, testProject, "styles")
	assert.ErrorIs(t, err, perrors.ErrInvalidTransition)

	tr, err := h.svc.RunTests(ctx, testProject, TestRequest{BranchName: "styles"})
	require.NoError(t, err)
	assert.Equal(t, StatusReadyForMerge, tr.Branch.Status)
}

func TestCommit_RequiresPassingTests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "src/app.ts"})
	require.NoError(t, err)

	_, err = h.svc.Commit(ctx, testProject, CommitRequest{Message: "app"})
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "pass tests")

	_, err = h.svc.RunTests(ctx, testProject, TestRequest{})
	require.NoError(t, err)
	res, err := h.svc.Commit(ctx, testProject, CommitRequest{Message: "app"})
	require.NoError(t, err)
	assert.False(t, res.Commit.CSSOnly)
	assert.Equal(t, "app", res.Commit.Message)
	assert.Equal(t, StatusReadyForMerge, res.Branch.Status)
}

func TestCommit_NoStagedChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateBranch(ctx, testProject, CreateRequest{Name: "empty"})
	require.NoError(t, err)
	_, err = h.svc.RunTests(ctx, testProject, TestRequest{})
	require.NoError(t, err)

	_, err = h.svc.Commit(ctx, testProject, CommitRequest{BranchName: "empty"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No staged changes")

	_, err = h.svc.Commit(ctx, testProject, CommitRequest{BranchName: MainBranch})
	assert.ErrorIs(t, err, perrors.ErrInvalidTransition)
}

func TestMerge_MainAndUnknown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Merge(ctx, testProject, MainBranch)
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "main branch cannot be merged")

	_, err = h.svc.Merge(ctx, testProject, "ghost")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestStageFile_AutoCreatesBranch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "./src\\index.js", Description: "Fix header"})
	require.NoError(t, err)
	assert.True(t, res.AutoCreated)
	assert.Equal(t, "feature-fix-header", res.Branch.Name)
	assert.Equal(t, "feature-fix-header", res.Overview.Current)
	require.NotNil(t, res.File)
	assert.Equal(t, "src/index.js", res.File.Path)
	assert.Equal(t, SourceEditor, res.File.Source)
	assertOneCurrent(t, res.Overview)

	res, err = h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "src/other.js"})
	require.NoError(t, err)
	assert.False(t, res.AutoCreated)
	assert.Equal(t, "feature-fix-header", res.Branch.Name)
	assert.Equal(t, []string{"src/index.js", "src/other.js"}, res.Branch.StagedPaths())
}

func TestStageFile_UsesExistingWorkingBranchFromMain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateBranch(ctx, testProject, CreateRequest{Name: "feature-x"})
	require.NoError(t, err)
	_, err = h.svc.CreateBranch(ctx, testProject, CreateRequest{Name: "feature-y"})
	require.NoError(t, err)
	_, err = h.svc.Checkout(ctx, testProject, MainBranch)
	require.NoError(t, err)

	res, err := h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "src/a.ts"})
	require.NoError(t, err)
	assert.False(t, res.AutoCreated)
	assert.Equal(t, "feature-y", res.Branch.Name)
	assert.Equal(t, "feature-y", res.Overview.Current)
	assert.Len(t, res.Overview.WorkingBranches, 2)
	assertOneCurrent(t, res.Overview)

	_, err = h.svc.Checkout(ctx, testProject, MainBranch)
	require.NoError(t, err)
	res, err = h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "src/b.ts", BranchName: MainBranch})
	require.NoError(t, err)
	assert.False(t, res.AutoCreated)
	assert.Equal(t, "feature-y", res.Branch.Name)
	assert.Equal(t, []string{"src/a.ts", "src/b.ts"}, res.Branch.StagedPaths())
}

func TestStageFile_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateBranch(ctx, testProject, CreateRequest{Name: "feature-z"})
	require.NoError(t, err)
	first, err := h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "a.js"})
	require.NoError(t, err)
	second, err := h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "a.js", Source: SourceAI})
	require.NoError(t, err)

	require.Len(t, second.Branch.StagedFiles, 1)
	assert.Equal(t, SourceAI, second.Branch.StagedFiles[0].Source)
	assert.True(t, second.Branch.StagedFiles[0].Timestamp.After(first.Branch.StagedFiles[0].Timestamp))
}

func TestStageFile_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "   "})
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
	assert.Contains(t, err.Error(), "filePath is required")

	_, err = h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "../etc/passwd"})
	assert.True(t, workspace.IsTraversal(err))

	_, err = h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "a.js", Source: "robot"})
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)

	_, err = h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "a.js", BranchName: "ghost"})
	assert.ErrorIs(t, err, perrors.ErrNotFound)

	ov, err := h.svc.Overview(ctx, testProject)
	require.NoError(t, err)
	assert.Empty(t, ov.WorkingBranches)
}

func TestStageFile_InvalidatesReady(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "a.js"})
	require.NoError(t, err)
	tr, err := h.svc.RunTests(ctx, testProject, TestRequest{})
	require.NoError(t, err)
	require.Equal(t, StatusReadyForMerge, tr.Branch.Status)

	res, err := h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "b.js"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, res.Branch.Status)
	require.NotNil(t, res.Branch.MergeBlockedReason)
	assert.Equal(t, reasonStagingChanged, *res.Branch.MergeBlockedReason)
	require.NotNil(t, res.Branch.LastTestStatus)
	assert.Equal(t, TestPassed, *res.Branch.LastTestStatus)

	_, err = h.svc.Merge(ctx, testProject, res.Branch.Name)
	assert.ErrorIs(t, err, perrors.ErrInvalidTransition)
}

func TestRunTests_StagingDuringRunBlocksReady(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "a.js"})
	require.NoError(t, err)
	h.runner.during = func() {
		_, err := h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "b.js"})
		assert.NoError(t, err)
	}

	tr, err := h.svc.RunTests(ctx, testProject, TestRequest{})
	require.NoError(t, err)
	assert.Equal(t, TestPassed, tr.Run.Status)
	assert.Equal(t, StatusActive, tr.Branch.Status)
	require.NotNil(t, tr.Branch.MergeBlockedReason)
	assert.Equal(t, reasonChangedDuringRun, *tr.Branch.MergeBlockedReason)
}

func TestRunTests_ForceFail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "a.js"})
	require.NoError(t, err)

	tr, err := h.svc.RunTests(ctx, testProject, TestRequest{ForceFail: true})
	require.NoError(t, err)
	assert.Equal(t, 0, h.runner.calls)
	assert.True(t, tr.Run.Forced)
	assert.Equal(t, TestFailed, tr.Run.Status)
	assert.Equal(t, TestSummary{Total: 1, Failed: 1}, tr.Run.Summary)
	assert.Equal(t, StatusActive, tr.Branch.Status)
	require.NotNil(t, tr.Branch.MergeBlockedReason)
	assert.Equal(t, reasonTestsFailed, *tr.Branch.MergeBlockedReason)

	runs, err := h.svc.TestRuns(ctx, testProject, tr.Branch.Name, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Forced)
}

func TestRunTests_FailureAfterPassReverts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runner.outcomes = []*TestOutcome{
		{Passed: true, Summary: TestSummary{Total: 2, Passed: 2}},
		{Passed: false, Summary: TestSummary{Total: 2, Passed: 1, Failed: 1}},
	}

	_, err := h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "a.js"})
	require.NoError(t, err)
	tr, err := h.svc.RunTests(ctx, testProject, TestRequest{})
	require.NoError(t, err)
	assert.Equal(t, StatusReadyForMerge, tr.Branch.Status)

	tr, err = h.svc.RunTests(ctx, testProject, TestRequest{})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, tr.Branch.Status)
	assert.Equal(t, 1, tr.Branch.LastTestSummary.Failed)
}

func TestRunTests_MainStaysProtected(t *testing.T) {
	h := newHarness(t)

	tr, err := h.svc.RunTests(context.Background(), testProject, TestRequest{})
	require.NoError(t, err)
	assert.Equal(t, MainBranch, tr.Branch.Name)
	assert.Equal(t, StatusProtected, tr.Branch.Status)
}

func TestRunTests_NothingToMerge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateBranch(ctx, testProject, CreateRequest{Name: "idle"})
	require.NoError(t, err)
	tr, err := h.svc.RunTests(ctx, testProject, TestRequest{})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, tr.Branch.Status)
	assert.Equal(t, reasonNothingToMerge, *tr.Branch.MergeBlockedReason)
}

func TestClearStagedFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, p := range []string{"a.js", "b.js", "c.js"} {
		_, err := h.svc.StageFile(ctx, testProject, StageRequest{FilePath: p})
		require.NoError(t, err)
	}

	res, err := h.svc.ClearStagedFile(ctx, testProject, "", "b.js")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.js", "c.js"}, res.Branch.StagedPaths())

	res, err = h.svc.ClearStagedFile(ctx, testProject, res.Branch.Name, "missing.js")
	require.NoError(t, err)
	assert.Len(t, res.Branch.StagedFiles, 2)

	res, err = h.svc.ClearStagedFile(ctx, testProject, res.Branch.Name, "")
	require.NoError(t, err)
	assert.Empty(t, res.Branch.StagedFiles)

	_, err = h.svc.ClearStagedFile(ctx, testProject, "ghost", "")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestCheckout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateBranch(ctx, testProject, CreateRequest{Name: "one"})
	require.NoError(t, err)
	_, err = h.svc.CreateBranch(ctx, testProject, CreateRequest{Name: "two"})
	require.NoError(t, err)

	res, err := h.svc.Checkout(ctx, testProject, "one")
	require.NoError(t, err)
	assert.Equal(t, "one", res.Overview.Current)
	assertOneCurrent(t, res.Overview)

	names := make([]string, 0, len(res.Overview.Branches))
	for _, b := range res.Overview.Branches {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{"main", "one", "two"}, names)

	_, err = h.svc.Checkout(ctx, testProject, "ghost")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
	ov, err := h.svc.Overview(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, "one", ov.Current)
}

func TestDeleteBranch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "a.js", Description: "doomed"})
	require.NoError(t, err)

	_, err = h.svc.DeleteBranch(ctx, testProject, "feature-doomed", false)
	assert.ErrorIs(t, err, perrors.ErrConfirmationRequired)
	ov, err := h.svc.Overview(ctx, testProject)
	require.NoError(t, err)
	require.NotNil(t, findWorking(ov, "feature-doomed"))

	_, err = h.svc.DeleteBranch(ctx, testProject, MainBranch, true)
	assert.ErrorIs(t, err, perrors.ErrInvalidTransition)

	res, err := h.svc.DeleteBranch(ctx, testProject, "feature-doomed", true)
	require.NoError(t, err)
	assert.Equal(t, MainBranch, res.Overview.Current)
	assert.Empty(t, res.Overview.WorkingBranches)
	assertOneCurrent(t, res.Overview)

	_, err = h.svc.DeleteBranch(ctx, testProject, "feature-doomed", true)
	assert.ErrorIs(t, err, perrors.ErrNotFound)

	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	assert.Equal(t, 1, h.recorder.ops["delete:success"])
	assert.Equal(t, 3, h.recorder.ops["delete:rejected"])
}

func TestDeleteBranch_MergedIsKept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "a.js", Description: "shipped"})
	require.NoError(t, err)
	_, err = h.svc.RunTests(ctx, testProject, TestRequest{})
	require.NoError(t, err)
	_, err = h.svc.Merge(ctx, testProject, "feature-shipped")
	require.NoError(t, err)

	_, err = h.svc.DeleteBranch(ctx, testProject, "feature-shipped", true)
	assert.ErrorIs(t, err, perrors.ErrInvalidTransition)

	b, err := h.svc.Get(ctx, testProject, "feature-shipped")
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, b.Status)
}

func TestCreateBranch_ReusesMergedName(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateBranch(ctx, testProject, CreateRequest{Name: "again"})
	require.NoError(t, err)
	_, err = h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "a.js"})
	require.NoError(t, err)
	_, err = h.svc.RunTests(ctx, testProject, TestRequest{})
	require.NoError(t, err)
	_, err = h.svc.Merge(ctx, testProject, "again")
	require.NoError(t, err)

	res, err := h.svc.CreateBranch(ctx, testProject, CreateRequest{Name: "again"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, res.Branch.Status)
	assert.Nil(t, res.Branch.MergedAt)
	assert.Equal(t, 0, res.Branch.Ahead)
	assertOneCurrent(t, res.Overview)

	commits, err := h.svc.Commits(ctx, testProject, "again")
	require.NoError(t, err)
	assert.Empty(t, commits)

	var archived string
	err = h.svc.ds.DB().QueryRow(
		`SELECT name FROM branches WHERE project_id = ? AND status = ?`, testProject, string(StatusMerged)).Scan(&archived)
	require.NoError(t, err)
	assert.Regexp(t, `^again~merged-\d+$`, archived)

	old, err := h.svc.Commits(ctx, testProject, archived)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, []string{"a.js"}, old[0].Files)
	runs, err := h.svc.TestRuns(ctx, testProject, archived, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

type fakeRepo struct {
	mu       sync.Mutex
	head     string
	mergeErr error
}

func (f *fakeRepo) IsRepo(dir string) bool { return true }

func (f *fakeRepo) CreateBranch(ctx context.Context, dir, name string) error {
	return f.Checkout(ctx, dir, name)
}

func (f *fakeRepo) Checkout(ctx context.Context, dir, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = name
	return nil
}

func (f *fakeRepo) Commit(ctx context.Context, dir string, paths []string, message string) (string, error) {
	return "0123456789abcdef0123456789abcdef01234567", nil
}

func (f *fakeRepo) Merge(ctx context.Context, dir, branch, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = target
	return f.mergeErr
}

func (f *fakeRepo) DeleteBranch(ctx context.Context, dir, name string) error { return nil }
func (f *fakeRepo) ChangedFiles(dir string) ([]string, error)              { return nil, nil }
func (f *fakeRepo) DiffFiles(ctx context.Context, dir, base, branch string) ([]string, error) {
	return nil, nil
}

func (f *fakeRepo) Head() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head
}

func TestMerge_FailureKeepsBranchCheckedOut(t *testing.T) {
	repo := &fakeRepo{head: MainBranch, mergeErr: errors.New("merge conflict")}
	h := newHarness(t, WithRepo(repo))
	ctx := context.Background()

	_, err := h.svc.CreateBranch(ctx, testProject, CreateRequest{Name: "feature-y"})
	require.NoError(t, err)
	_, err = h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "a.js"})
	require.NoError(t, err)
	_, err = h.svc.RunTests(ctx, testProject, TestRequest{})
	require.NoError(t, err)

	_, err = h.svc.Merge(ctx, testProject, "feature-y")
	require.Error(t, err)

	ov, err := h.svc.Overview(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, "feature-y", ov.Current)
	assert.Equal(t, ov.Current, repo.Head())
	wb := findWorking(ov, "feature-y")
	require.NotNil(t, wb)
	assert.Equal(t, StatusReadyForMerge, wb.Status)

	repo.mu.Lock()
	repo.mergeErr = nil
	repo.mu.Unlock()
	res, err := h.svc.Merge(ctx, testProject, "feature-y")
	require.NoError(t, err)
	assert.Equal(t, MainBranch, res.Overview.Current)
	assert.Equal(t, MainBranch, repo.Head())
}

func TestIsCSSOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.IsCSSOnly(ctx, testProject, "")
	require.NoError(t, err)
	assert.False(t, res.IsCSSOnly)
	assert.Equal(t, MainBranch, res.Branch)
	assert.Equal(t, IndicatorEmpty, res.Indicator)

	_, err = h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "src/App.css"})
	require.NoError(t, err)
	_, err = h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "theme/vars.SCSS"})
	require.NoError(t, err)
	res, err = h.svc.IsCSSOnly(ctx, testProject, "")
	require.NoError(t, err)
	assert.True(t, res.IsCSSOnly)
	assert.Equal(t, IndicatorStaged, res.Indicator)
	assert.Len(t, res.Files, 2)

	_, err = h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "src/App.tsx"})
	require.NoError(t, err)
	res, err = h.svc.IsCSSOnly(ctx, testProject, res.Branch)
	require.NoError(t, err)
	assert.False(t, res.IsCSSOnly)

	_, err = h.svc.IsCSSOnly(ctx, testProject, "ghost")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestIsCSSOnly_CustomPatterns(t *testing.T) {
	h := newHarness(t, WithStyleSettings(fakeStyles{patterns: []string{"**.css", "styles/**"}}))
	ctx := context.Background()

	_, err := h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "styles/tokens.json"})
	require.NoError(t, err)
	res, err := h.svc.IsCSSOnly(ctx, testProject, "")
	require.NoError(t, err)
	assert.True(t, res.IsCSSOnly)

	res2, err := h.svc.Commit(ctx, testProject, CommitRequest{})
	require.NoError(t, err)
	assert.True(t, res2.Commit.CSSOnly)
}

func TestStageFile_ConcurrentWriters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateBranch(ctx, testProject, CreateRequest{Name: "busy"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.StageFile(ctx, testProject, StageRequest{
				FilePath:   fmt.Sprintf("src/file%02d.js", i),
				BranchName: "busy",
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	b, err := h.svc.Get(ctx, testProject, "busy")
	require.NoError(t, err)
	assert.Len(t, b.StagedFiles, 20)
}

func TestBuildOverview_HidesMerged(t *testing.T) {
	now := time.Now()
	ov := buildOverview([]*Branch{
		{Name: "b", Status: StatusActive, CreatedAt: now.Add(2 * time.Second)},
		{Name: "gone", Status: StatusMerged, CreatedAt: now.Add(time.Second)},
		{Name: "a", Status: StatusReadyForMerge, CreatedAt: now.Add(time.Second), IsCurrent: true},
		{Name: MainBranch, Status: StatusProtected, CreatedAt: now.Add(3 * time.Second)},
	})

	require.Len(t, ov.Branches, 3)
	assert.Equal(t, MainBranch, ov.Branches[0].Name)
	assert.Equal(t, "a", ov.Branches[1].Name)
	assert.Equal(t, "b", ov.Branches[2].Name)
	assert.Equal(t, "a", ov.Current)
	assert.Len(t, ov.WorkingBranches, 2)
}

func TestService_WithGit(t *testing.T) {
	gc := git.NewClient("", zerolog.Nop())
	if !gc.Available() {
		t.Skip("git binary not available")
	}
	h := newHarness(t, WithRepo(gc))
	ctx := context.Background()
	require.NoError(t, gc.Init(ctx, h.dir, MainBranch))
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "README.md"), []byte("# demo\n"), 0o644))
	_, err := gc.Commit(ctx, h.dir, []string{"README.md"}, "Initial commit")
	require.NoError(t, err)

	_, err = h.svc.CreateBranch(ctx, testProject, CreateRequest{Name: "feature-style"})
	require.NoError(t, err)
	cur, err := gc.CurrentBranch(h.dir)
	require.NoError(t, err)
	assert.Equal(t, "feature-style", cur)

	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "site.css"), []byte("body{}\n"), 0o644))
	res, err := h.svc.IsCSSOnly(ctx, testProject, "")
	require.NoError(t, err)
	assert.True(t, res.IsCSSOnly)
	assert.Equal(t, IndicatorDiff, res.Indicator)

	_, err = h.svc.StageFile(ctx, testProject, StageRequest{FilePath: "site.css"})
	require.NoError(t, err)
	cr, err := h.svc.Commit(ctx, testProject, CommitRequest{Message: "Style site"})
	require.NoError(t, err)
	assert.Len(t, cr.Commit.SHA, 40)

	_, err = h.svc.RunTests(ctx, testProject, TestRequest{})
	require.NoError(t, err)
	mr, err := h.svc.Merge(ctx, testProject, "feature-style")
	require.NoError(t, err)
	assert.Equal(t, MainBranch, mr.Overview.Current)

	cur, err = gc.CurrentBranch(h.dir)
	require.NoError(t, err)
	assert.Equal(t, MainBranch, cur)
	_, err = os.Stat(filepath.Join(h.dir, "site.css"))
	assert.NoError(t, err)
}

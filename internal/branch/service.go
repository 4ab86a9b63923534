package branch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	perrors "github.com/lucidcoder/lucidcoder/internal/errors"
	"github.com/lucidcoder/lucidcoder/internal/store"
	"github.com/lucidcoder/lucidcoder/internal/workspace"
)

// EventBranchesUpdated is published after every branch mutation.
const EventBranchesUpdated = "branches.updated"

// Workspace resolves a project's directory. It fails with a not-found error
// for unknown projects.
type Workspace interface {
	Workspace(ctx context.Context, projectID string) (string, error)
}

// Repo is the git surface the workflow drives.
type Repo interface {
	IsRepo(dir string) bool
	CreateBranch(ctx context.Context, dir, name string) error
	Checkout(ctx context.Context, dir, name string) error
	Commit(ctx context.Context, dir string, paths []string, message string) (string, error)
	Merge(ctx context.Context, dir, branch, target string) error
	DeleteBranch(ctx context.Context, dir, name string) error
	ChangedFiles(dir string) ([]string, error)
	DiffFiles(ctx context.Context, dir, base, branch string) ([]string, error)
}

// TestOutcome is what a TestRunner reports for one run.
type TestOutcome struct {
	Passed  bool
	Summary TestSummary
	JobID   string
}

// TestRunner executes a project's test command.
type TestRunner interface {
	RunTests(ctx context.Context, projectID, dir string) (*TestOutcome, error)
}

// StyleSettings supplies per-project stylesheet patterns.
type StyleSettings interface {
	StylePatterns(dir string) []string
}

// Notifier receives change events.
type Notifier interface {
	Notify(projectID, eventType string, payload any)
}

// Recorder counts branch operations.
type Recorder interface {
	BranchOp(op, result string)
}

// Option configures a Service.
type Option func(*Service)

// WithRepo enables git operations for projects that are repositories.
func WithRepo(r Repo) Option { return func(s *Service) { s.repo = r } }

// WithTestRunner sets the runner used by RunTests.
func WithTestRunner(r TestRunner) Option { return func(s *Service) { s.tests = r } }

// WithStyleSettings sets where stylesheet patterns come from.
func WithStyleSettings(st StyleSettings) Option { return func(s *Service) { s.styles = st } }

// WithNotifier sets the change event sink.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option { return func(s *Service) { s.recorder = r } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// Service implements the branch and staging workflow. Every operation on a
// project holds that project's lock, so the overview returned by a mutation
// is never interleaved with another writer.
type Service struct {
	ds        *store.Store
	store     *Store
	workspace Workspace
	repo      Repo
	tests     TestRunner
	styles    StyleSettings
	notifier  Notifier
	recorder  Recorder
	logger    zerolog.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates the branch workflow service.
func NewService(ds *store.Store, ws Workspace, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		ds:        ds,
		store:     NewStore(ds),
		workspace: ws,
		logger:    logger.With().Str("component", "branch.service").Logger(),
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying history store.
func (s *Service) Store() *Store { return s.store }

func (s *Service) lock(projectID string) func() {
	s.mu.Lock()
	l, ok := s.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[projectID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// begin resolves the project directory, takes the project lock and makes
// sure main exists.
func (s *Service) begin(ctx context.Context, projectID string) (string, func(), error) {
	dir, err := s.workspace.Workspace(ctx, projectID)
	if err != nil {
		return "", nil, err
	}
	unlock := s.lock(projectID)
	if err := s.ensureMain(ctx, projectID); err != nil {
		unlock()
		return "", nil, err
	}
	return dir, unlock, nil
}

func (s *Service) gitEnabled(dir string) bool {
	return s.repo != nil && s.repo.IsRepo(dir)
}

func (s *Service) record(op string, err error) {
	if s.recorder == nil {
		return
	}
	s.recorder.BranchOp(op, outcome(err))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, perrors.ErrNotFound),
		errors.Is(err, perrors.ErrInvalidInput),
		errors.Is(err, perrors.ErrInvalidTransition),
		errors.Is(err, perrors.ErrConflict),
		errors.Is(err, perrors.ErrConfirmationRequired),
		workspace.IsTraversal(err):
		return "rejected"
	default:
		return "error"
	}
}

// EnsureMain seeds the protected main branch and makes it current when no
// other branch is.
func (s *Service) EnsureMain(ctx context.Context, projectID string) error {
	defer s.lock(projectID)()
	return s.ensureMain(ctx, projectID)
}

func (s *Service) ensureMain(ctx context.Context, projectID string) error {
	db := s.ds.DB()
	main, err := s.store.loadBranch(ctx, db, projectID, MainBranch)
	if err != nil {
		return err
	}
	if main == nil {
		now := s.now().UTC()
		main = &Branch{
			ProjectID: projectID,
			Name:      MainBranch,
			Status:    StatusProtected,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.saveBranch(ctx, db, main); err != nil {
			return err
		}
	}

	var current int
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM branches WHERE project_id = ? AND is_current = 1 AND status != ?`,
		projectID, string(StatusMerged)).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to count current branches: %w", err)
	}
	if current != 1 {
		return s.store.setCurrent(ctx, db, projectID, MainBranch)
	}
	return nil
}

// Overview returns the project's branch read model.
func (s *Service) Overview(ctx context.Context, projectID string) (*Overview, error) {
	_, unlock, err := s.begin(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.overview(ctx, projectID)
}

// Get returns one branch, including merged ones.
func (s *Service) Get(ctx context.Context, projectID, name string) (*Branch, error) {
	_, unlock, err := s.begin(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.mustLoad(ctx, projectID, name)
}

func (s *Service) overview(ctx context.Context, projectID string) (*Overview, error) {
	branches, err := s.store.listBranches(ctx, s.ds.DB(), projectID)
	if err != nil {
		return nil, err
	}
	return buildOverview(branches), nil
}

// buildOverview projects branches into the overview, hiding merged ones and
// listing main first.
func buildOverview(branches []*Branch) *Overview {
	visible := make([]*Branch, 0, len(branches))
	for _, b := range branches {
		if b.Status != StatusMerged {
			visible = append(visible, b)
		}
	}
	sort.SliceStable(visible, func(i, j int) bool {
		if visible[i].Name == MainBranch || visible[j].Name == MainBranch {
			return visible[i].Name == MainBranch
		}
		return visible[i].CreatedAt.Before(visible[j].CreatedAt)
	})

	ov := &Overview{
		Branches:        make([]BranchSummary, 0, len(visible)),
		Current:         MainBranch,
		WorkingBranches: []WorkingBranch{},
	}
	for _, b := range visible {
		ov.Branches = append(ov.Branches, BranchSummary{
			Name:            b.Name,
			Status:          b.Status,
			IsCurrent:       b.IsCurrent,
			StagedFileCount: len(b.StagedFiles),
		})
		if b.IsCurrent {
			ov.Current = b.Name
		}
		if b.Name == MainBranch {
			continue
		}
		ov.WorkingBranches = append(ov.WorkingBranches, WorkingBranch{
			Name:                b.Name,
			Description:         b.Description,
			Status:              b.Status,
			MergeBlockedReason:  b.MergeBlockedReason,
			LastTestStatus:      b.LastTestStatus,
			LastTestSummary:     b.LastTestSummary,
			LastTestCompletedAt: b.LastTestCompletedAt,
			StagedFiles:         b.StagedFiles,
			Ahead:               b.Ahead,
		})
	}
	return ov
}

func (s *Service) mustLoad(ctx context.Context, projectID, name string) (*Branch, error) {
	b, err := s.store.loadBranch(ctx, s.ds.DB(), projectID, name)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, perrors.NotFound("branch %q not found", name)
	}
	return b, nil
}

// resolve loads name, or the current branch when name is blank.
func (s *Service) resolve(ctx context.Context, projectID, name string) (*Branch, error) {
	name = strings.TrimSpace(name)
	if name != "" {
		return s.mustLoad(ctx, projectID, name)
	}
	var current string
	err := s.ds.DB().QueryRowContext(ctx,
		`SELECT name FROM branches WHERE project_id = ? AND is_current = 1 LIMIT 1`, projectID).Scan(&current)
	if err == sql.ErrNoRows {
		current = MainBranch
	} else if err != nil {
		return nil, fmt.Errorf("failed to resolve current branch: %w", err)
	}
	return s.mustLoad(ctx, projectID, current)
}

func (s *Service) branchResult(ctx context.Context, projectID string, b *Branch) (*BranchResult, error) {
	ov, err := s.overview(ctx, projectID)
	if err != nil {
		return nil, err
	}
	s.notify(projectID, ov)
	return &BranchResult{Branch: b, Overview: ov}, nil
}

func (s *Service) notify(projectID string, ov *Overview) {
	if s.notifier != nil {
		s.notifier.Notify(projectID, EventBranchesUpdated, ov)
	}
}

func (s *Service) save(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.ds.Tx(ctx, fn)
}

var (
	namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)
)

// validateName keeps names to one URL path segment so every branch stays
// addressable by the /branches/:name routes.
func validateName(name string) error {
	if len(name) > 100 || !namePattern.MatchString(name) ||
		strings.Contains(name, "..") || strings.HasSuffix(name, ".lock") {
		return perrors.Invalid("invalid branch name %q", name)
	}
	return nil
}

func slugify(s string) string {
	slug := slugInvalid.ReplaceAllString(strings.ToLower(s), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	return slug
}

// generateName builds feature-<slug>, adding a numeric suffix when an
// unmerged branch already uses the name.
func generateName(description string, taken func(string) bool) string {
	base := slugify(description)
	if base == "" {
		base = uuid.NewString()[:8]
	}
	base = "feature-" + base
	name := base
	for i := 2; taken(name); i++ {
		name = fmt.Sprintf("%s-%d", base, i)
	}
	return name
}

// CreateBranch creates a working branch and makes it current.
func (s *Service) CreateBranch(ctx context.Context, projectID string, req CreateRequest) (*BranchResult, error) {
	dir, unlock, err := s.begin(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := s.create(ctx, projectID, dir, req.Name, req.Description)
	s.record("create", err)
	if err != nil {
		return nil, err
	}
	return s.branchResult(ctx, projectID, b)
}

func (s *Service) create(ctx context.Context, projectID, dir, name, description string) (*Branch, error) {
	branches, err := s.store.listBranches(ctx, s.ds.DB(), projectID)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]*Branch, len(branches))
	for _, b := range branches {
		existing[b.Name] = b
	}
	taken := func(n string) bool {
		b, ok := existing[n]
		return ok && b.Status != StatusMerged
	}

	name = strings.TrimSpace(name)
	description = strings.TrimSpace(description)
	if name == "" {
		name = generateName(description, taken)
	} else {
		if err := validateName(name); err != nil {
			return nil, err
		}
		if taken(name) {
			return nil, fmt.Errorf("%w: branch %q already exists", perrors.ErrConflict, name)
		}
	}
	merged, reused := existing[name]

	if s.gitEnabled(dir) {
		if reused {
			if err := s.repo.DeleteBranch(ctx, dir, name); err != nil {
				s.logger.Warn().Err(err).Str("branch", name).Msg("failed to remove stale git branch")
			}
		}
		if err := s.repo.CreateBranch(ctx, dir, name); err != nil {
			return nil, fmt.Errorf("failed to create git branch: %w", err)
		}
	}

	now := s.now().UTC()
	b := &Branch{
		ProjectID:   projectID,
		Name:        name,
		Description: description,
		Status:      StatusActive,
		IsCurrent:   true,
		StagedFiles: []StagedFile{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.save(ctx, func(tx *sql.Tx) error {
		if reused {
			if err := s.store.archiveBranch(ctx, tx, projectID, name, archivedName(merged)); err != nil {
				return err
			}
		}
		if err := s.store.setCurrent(ctx, tx, projectID, name); err != nil {
			return err
		}
		return s.store.saveBranch(ctx, tx, b)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("project_id", projectID).Str("branch", name).Msg("branch created")
	return b, nil
}

// archivedName is the name a merged branch is kept under once its name is
// reused. validateName rejects "~", so it never collides.
func archivedName(b *Branch) string {
	at := b.UpdatedAt
	if b.MergedAt != nil {
		at = *b.MergedAt
	}
	return fmt.Sprintf("%s~merged-%d", b.Name, at.UnixMilli())
}

// StageFile records a pending change. Staging onto main, or with no working
// branch checked out, switches to the most recently updated working branch
// and creates one only when none exists.
func (s *Service) StageFile(ctx context.Context, projectID string, req StageRequest) (*BranchResult, error) {
	rel, err := workspace.NormalizePath(req.FilePath)
	if err != nil {
		s.record("stage", err)
		return nil, err
	}
	source := req.Source
	if source == "" {
		source = SourceEditor
	}
	if !source.Valid() {
		return nil, perrors.Invalid("unknown source %q", source)
	}

	dir, unlock, err := s.begin(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res, err := s.stage(ctx, projectID, dir, rel, source, req)
	s.record("stage", err)
	return res, err
}

func (s *Service) stage(ctx context.Context, projectID, dir, rel string, source Source, req StageRequest) (*BranchResult, error) {
	var target *Branch
	if name := strings.TrimSpace(req.BranchName); name != "" && name != MainBranch {
		b, err := s.mustLoad(ctx, projectID, name)
		if err != nil {
			return nil, err
		}
		if b.Status == StatusMerged {
			return nil, perrors.Transition("branch %q has already been merged", name)
		}
		target = b
	} else {
		current, err := s.resolve(ctx, projectID, "")
		if err != nil {
			return nil, err
		}
		if current.Name != MainBranch && current.Status != StatusMerged {
			target = current
		} else {
			latest, err := s.latestWorking(ctx, projectID)
			if err != nil {
				return nil, err
			}
			if latest != nil {
				if target, err = s.checkout(ctx, projectID, dir, latest.Name); err != nil {
					return nil, err
				}
			}
		}
	}

	autoCreated := false
	if target == nil {
		b, err := s.create(ctx, projectID, dir, "", req.Description)
		if err != nil {
			return nil, err
		}
		target = b
		autoCreated = true
	}

	now := s.now().UTC()
	file := StagedFile{Path: rel, Source: source, Timestamp: now}
	wasReady := target.Status == StatusReadyForMerge
	target.stagedVersion++
	target.Status = StatusActive
	target.UpdatedAt = now
	switch {
	case wasReady:
		target.MergeBlockedReason = strPtr(reasonStagingChanged)
	case target.MergeBlockedReason == nil:
		target.MergeBlockedReason = strPtr(reasonNeedsTests)
	}

	err := s.save(ctx, func(tx *sql.Tx) error {
		if err := s.store.upsertStaged(ctx, tx, projectID, target.Name, file); err != nil {
			return err
		}
		return s.store.saveBranch(ctx, tx, target)
	})
	if err != nil {
		return nil, err
	}

	b, err := s.mustLoad(ctx, projectID, target.Name)
	if err != nil {
		return nil, err
	}
	res, err := s.branchResult(ctx, projectID, b)
	if err != nil {
		return nil, err
	}
	res.AutoCreated = autoCreated
	res.File = &file
	return res, nil
}

// latestWorking returns the most recently updated unmerged working branch,
// or nil when there is none.
func (s *Service) latestWorking(ctx context.Context, projectID string) (*Branch, error) {
	branches, err := s.store.listBranches(ctx, s.ds.DB(), projectID)
	if err != nil {
		return nil, err
	}
	var latest *Branch
	for _, b := range branches {
		if b.Name == MainBranch || (b.Status != StatusActive && b.Status != StatusReadyForMerge) {
			continue
		}
		if latest == nil || !b.UpdatedAt.Before(latest.UpdatedAt) {
			latest = b
		}
	}
	return latest, nil
}

// ClearStagedFile removes filePath from a branch's staged set, or every
// staged file when filePath is blank. Clearing a path that is not staged
// is not an error.
func (s *Service) ClearStagedFile(ctx context.Context, projectID, branchName, filePath string) (*BranchResult, error) {
	rel := ""
	if strings.TrimSpace(filePath) != "" {
		var err error
		if rel, err = workspace.NormalizePath(filePath); err != nil {
			return nil, err
		}
	}

	_, unlock, err := s.begin(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := s.resolve(ctx, projectID, branchName)
	if err != nil {
		s.record("clear", err)
		return nil, err
	}

	var removed int64
	err = s.save(ctx, func(tx *sql.Tx) error {
		n, err := s.store.deleteStaged(ctx, tx, projectID, b.Name, rel)
		if err != nil {
			return err
		}
		removed = n
		if n == 0 {
			return nil
		}
		b.stagedVersion++
		b.UpdatedAt = s.now().UTC()
		if b.Status == StatusReadyForMerge {
			b.Status = StatusActive
			b.MergeBlockedReason = strPtr(reasonStagingChanged)
		}
		return s.store.saveBranch(ctx, tx, b)
	})
	s.record("clear", err)
	if err != nil {
		return nil, err
	}
	if removed > 0 {
		s.logger.Debug().Str("branch", b.Name).Int64("removed", removed).Msg("staged files cleared")
	}

	b, err = s.mustLoad(ctx, projectID, b.Name)
	if err != nil {
		return nil, err
	}
	return s.branchResult(ctx, projectID, b)
}

// Checkout makes name the current branch.
func (s *Service) Checkout(ctx context.Context, projectID, name string) (*BranchResult, error) {
	dir, unlock, err := s.begin(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := s.checkout(ctx, projectID, dir, name)
	s.record("checkout", err)
	if err != nil {
		return nil, err
	}
	return s.branchResult(ctx, projectID, b)
}

func (s *Service) checkout(ctx context.Context, projectID, dir, name string) (*Branch, error) {
	if strings.TrimSpace(name) == "" {
		return nil, perrors.Invalid("branchName is required")
	}
	b, err := s.mustLoad(ctx, projectID, name)
	if err != nil {
		return nil, err
	}
	if b.Status == StatusMerged {
		return nil, perrors.Transition("branch %q has already been merged", name)
	}
	if b.IsCurrent {
		return b, nil
	}
	if s.gitEnabled(dir) {
		if err := s.repo.Checkout(ctx, dir, b.Name); err != nil {
			return nil, fmt.Errorf("failed to check out branch: %w", err)
		}
	}
	if err := s.store.setCurrent(ctx, s.ds.DB(), projectID, b.Name); err != nil {
		return nil, err
	}
	b.IsCurrent = true
	return b, nil
}

// RunTests runs the project's tests for a branch, defaulting to the current
// one, and records the outcome. The project lock is released while the test
// job runs; staging that happens meanwhile keeps the branch from becoming
// ready.
func (s *Service) RunTests(ctx context.Context, projectID string, req TestRequest) (*TestResult, error) {
	res, err := s.runTests(ctx, projectID, req)
	s.record("test", err)
	return res, err
}

func (s *Service) runTests(ctx context.Context, projectID string, req TestRequest) (*TestResult, error) {
	dir, unlock, err := s.begin(ctx, projectID)
	if err != nil {
		return nil, err
	}
	b, err := s.resolve(ctx, projectID, req.BranchName)
	if err == nil && b.Status == StatusMerged {
		err = perrors.Transition("branch %q has already been merged", b.Name)
	}
	if err == nil && !b.IsCurrent {
		b, err = s.checkout(ctx, projectID, dir, b.Name)
	}
	if err != nil {
		unlock()
		return nil, err
	}
	name, version := b.Name, b.stagedVersion
	unlock()

	var outcome *TestOutcome
	if req.ForceFail {
		outcome = &TestOutcome{Summary: TestSummary{Total: 1, Failed: 1}}
	} else {
		if s.tests == nil {
			return nil, fmt.Errorf("%w: no test runner configured", perrors.ErrUnavailable)
		}
		outcome, err = s.tests.RunTests(ctx, projectID, dir)
		if err != nil {
			return nil, fmt.Errorf("failed to run tests: %w", err)
		}
	}

	defer s.lock(projectID)()
	b, err = s.mustLoad(ctx, projectID, name)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	run := &TestRun{
		ID:          uuid.New().String(),
		Branch:      b.Name,
		Status:      TestFailed,
		Summary:     outcome.Summary,
		JobID:       outcome.JobID,
		Forced:      req.ForceFail,
		CompletedAt: now,
	}
	if outcome.Passed {
		run.Status = TestPassed
	}
	applyTestRun(b, run, version)

	err = s.save(ctx, func(tx *sql.Tx) error {
		if err := s.store.insertTestRun(ctx, tx, projectID, run); err != nil {
			return err
		}
		return s.store.saveBranch(ctx, tx, b)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("project_id", projectID).
		Str("branch", b.Name).
		Str("status", string(run.Status)).
		Int("passed", run.Summary.Passed).
		Int("failed", run.Summary.Failed).
		Msg("test run recorded")

	ov, err := s.overview(ctx, projectID)
	if err != nil {
		return nil, err
	}
	s.notify(projectID, ov)
	return &TestResult{Run: run, Branch: b, Overview: ov}, nil
}

// applyTestRun folds a finished run into b. version is the staged version
// observed when the run started.
func applyTestRun(b *Branch, run *TestRun, version int64) {
	status := run.Status
	summary := run.Summary
	completed := run.CompletedAt
	b.LastTestStatus = &status
	b.LastTestSummary = &summary
	b.LastTestCompletedAt = &completed
	b.UpdatedAt = completed

	if b.Name == MainBranch {
		b.Status = StatusProtected
		b.MergeBlockedReason = nil
		return
	}
	switch {
	case status != TestPassed:
		b.Status = StatusActive
		b.MergeBlockedReason = strPtr(reasonTestsFailed)
	case b.stagedVersion != version:
		b.Status = StatusActive
		b.MergeBlockedReason = strPtr(reasonChangedDuringRun)
	case len(b.StagedFiles) == 0 && b.Ahead == 0:
		b.Status = StatusActive
		b.MergeBlockedReason = strPtr(reasonNothingToMerge)
	default:
		b.Status = StatusReadyForMerge
		b.MergeBlockedReason = nil
	}
}

// Commit records the staged files of a branch as a commit. A branch must
// be ready for merge unless every staged file is a stylesheet.
func (s *Service) Commit(ctx context.Context, projectID string, req CommitRequest) (*CommitResult, error) {
	dir, unlock, err := s.begin(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res, err := s.commit(ctx, projectID, dir, req)
	s.record("commit", err)
	return res, err
}

func (s *Service) commit(ctx context.Context, projectID, dir string, req CommitRequest) (*CommitResult, error) {
	b, err := s.resolve(ctx, projectID, req.BranchName)
	if err != nil {
		return nil, err
	}
	if len(b.StagedFiles) == 0 {
		return nil, perrors.Transition("No staged changes to commit")
	}
	if b.Name == MainBranch {
		return nil, perrors.Transition("main branch cannot be committed to")
	}
	if b.Status == StatusMerged {
		return nil, perrors.Transition("branch %q has already been merged", b.Name)
	}
	paths := b.StagedPaths()
	cssOnly := s.matcher(dir).AllMatch(paths)
	if b.Status != StatusReadyForMerge && !cssOnly {
		return nil, perrors.Transition("Branch must pass tests before committing")
	}

	c, err := s.recordCommit(ctx, projectID, dir, b, strings.TrimSpace(req.Message), cssOnly)
	if err != nil {
		return nil, err
	}

	ov, err := s.overview(ctx, projectID)
	if err != nil {
		return nil, err
	}
	s.notify(projectID, ov)
	return &CommitResult{Commit: c, Branch: b, Overview: ov}, nil
}

// recordCommit commits b's staged files in git, clears them and stores the
// commit. b is updated in place.
func (s *Service) recordCommit(ctx context.Context, projectID, dir string, b *Branch, message string, cssOnly bool) (*Commit, error) {
	paths := b.StagedPaths()
	if message == "" {
		message = defaultMessage(b.Name, len(paths))
	}

	var sha string
	if s.gitEnabled(dir) {
		if !b.IsCurrent {
			if err := s.repo.Checkout(ctx, dir, b.Name); err != nil {
				return nil, fmt.Errorf("failed to check out branch: %w", err)
			}
		}
		var err error
		if sha, err = s.repo.Commit(ctx, dir, paths, message); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
	}

	now := s.now().UTC()
	b.Ahead++
	b.StagedFiles = []StagedFile{}
	b.UpdatedAt = now
	if b.Status != StatusReadyForMerge {
		b.Status = StatusActive
		b.MergeBlockedReason = strPtr(reasonNeedsTests)
	}
	c := &Commit{
		ID:        uuid.New().String(),
		Branch:    b.Name,
		SHA:       sha,
		Message:   message,
		Files:     paths,
		CSSOnly:   cssOnly,
		Ahead:     b.Ahead,
		CreatedAt: now,
	}

	wasCurrent := b.IsCurrent
	b.IsCurrent = true
	err := s.save(ctx, func(tx *sql.Tx) error {
		if _, err := s.store.deleteStaged(ctx, tx, projectID, b.Name, ""); err != nil {
			return err
		}
		if !wasCurrent {
			if err := s.store.setCurrent(ctx, tx, projectID, b.Name); err != nil {
				return err
			}
		}
		if err := s.store.saveBranch(ctx, tx, b); err != nil {
			return err
		}
		return s.store.insertCommit(ctx, tx, projectID, c)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("project_id", projectID).
		Str("branch", b.Name).
		Str("sha", sha).
		Int("files", len(paths)).
		Bool("css_only", cssOnly).
		Msg("branch committed")
	return c, nil
}

func defaultMessage(branchName string, n int) string {
	noun := "files"
	if n == 1 {
		noun = "file"
	}
	return fmt.Sprintf("Update %d %s on %s", n, noun, branchName)
}

// Merge folds a ready branch into main and makes main current. Staged files
// still pending on the branch are committed first.
func (s *Service) Merge(ctx context.Context, projectID, name string) (*BranchResult, error) {
	dir, unlock, err := s.begin(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := s.merge(ctx, projectID, dir, name)
	s.record("merge", err)
	if err != nil {
		return nil, err
	}
	return s.branchResult(ctx, projectID, b)
}

func (s *Service) merge(ctx context.Context, projectID, dir, name string) (*Branch, error) {
	if strings.TrimSpace(name) == "" {
		return nil, perrors.Invalid("branchName is required")
	}
	b, err := s.mustLoad(ctx, projectID, name)
	if err != nil {
		return nil, err
	}
	switch {
	case b.Name == MainBranch:
		return nil, perrors.Transition("main branch cannot be merged")
	case b.Status == StatusMerged:
		return nil, perrors.Transition("branch %q has already been merged", b.Name)
	case b.Status != StatusReadyForMerge:
		return nil, perrors.Transition("Branch must pass tests before merging")
	}

	if len(b.StagedFiles) > 0 {
		if _, err := s.recordCommit(ctx, projectID, dir, b, "", s.matcher(dir).AllMatch(b.StagedPaths())); err != nil {
			return nil, err
		}
	}
	if s.gitEnabled(dir) {
		if err := s.repo.Merge(ctx, dir, b.Name, MainBranch); err != nil {
			if cerr := s.repo.Checkout(ctx, dir, b.Name); cerr != nil {
				s.logger.Error().Err(cerr).Str("branch", b.Name).Msg("failed to restore branch after merge failure")
			}
			return nil, fmt.Errorf("failed to merge branch: %w", err)
		}
	}

	now := s.now().UTC()
	b.Status = StatusMerged
	b.IsCurrent = false
	b.MergeBlockedReason = nil
	b.MergedAt = &now
	b.UpdatedAt = now
	err = s.save(ctx, func(tx *sql.Tx) error {
		if err := s.store.saveBranch(ctx, tx, b); err != nil {
			return err
		}
		return s.store.setCurrent(ctx, tx, projectID, MainBranch)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("project_id", projectID).Str("branch", b.Name).Msg("branch merged")
	return b, nil
}

// DeleteBranch removes a working branch. confirm must be true.
func (s *Service) DeleteBranch(ctx context.Context, projectID, name string, confirm bool) (*BranchResult, error) {
	if !confirm {
		err := fmt.Errorf("%w: deleting branch %q", perrors.ErrConfirmationRequired, name)
		s.record("delete", err)
		return nil, err
	}
	dir, unlock, err := s.begin(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := s.deleteBranch(ctx, projectID, dir, name)
	s.record("delete", err)
	if err != nil {
		return nil, err
	}
	return s.branchResult(ctx, projectID, b)
}

func (s *Service) deleteBranch(ctx context.Context, projectID, dir, name string) (*Branch, error) {
	if name == MainBranch {
		return nil, perrors.Transition("main branch cannot be deleted")
	}
	b, err := s.mustLoad(ctx, projectID, name)
	if err != nil {
		return nil, err
	}
	if b.Status == StatusMerged {
		return nil, perrors.Transition("branch %q has already been merged", b.Name)
	}

	if s.gitEnabled(dir) {
		if b.IsCurrent {
			if err := s.repo.Checkout(ctx, dir, MainBranch); err != nil {
				return nil, fmt.Errorf("failed to check out main: %w", err)
			}
		}
		if err := s.repo.DeleteBranch(ctx, dir, b.Name); err != nil {
			s.logger.Warn().Err(err).Str("branch", b.Name).Msg("failed to delete git branch")
		}
	}

	err = s.save(ctx, func(tx *sql.Tx) error {
		if err := s.store.deleteBranch(ctx, tx, projectID, b.Name); err != nil {
			return err
		}
		if b.IsCurrent {
			return s.store.setCurrent(ctx, tx, projectID, MainBranch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("project_id", projectID).Str("branch", b.Name).Msg("branch deleted")
	return b, nil
}

// IsCSSOnly classifies a branch's changes, defaulting to the current
// branch. Staged files are used when present; otherwise the git diff
// against main and the working tree.
func (s *Service) IsCSSOnly(ctx context.Context, projectID, branchName string) (*CSSOnlyResult, error) {
	dir, unlock, err := s.begin(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := s.resolve(ctx, projectID, branchName)
	if err != nil {
		return nil, err
	}

	files := b.StagedPaths()
	indicator := IndicatorStaged
	if len(files) == 0 {
		files = s.diffFiles(ctx, dir, b)
		indicator = IndicatorDiff
	}
	if len(files) == 0 {
		return &CSSOnlyResult{Branch: b.Name, Indicator: IndicatorEmpty, Files: []string{}}, nil
	}
	return &CSSOnlyResult{
		IsCSSOnly: s.matcher(dir).AllMatch(files),
		Branch:    b.Name,
		Indicator: indicator,
		Files:     files,
	}, nil
}

func (s *Service) diffFiles(ctx context.Context, dir string, b *Branch) []string {
	if !s.gitEnabled(dir) {
		return nil
	}
	seen := map[string]bool{}
	var files []string
	add := func(paths []string) {
		for _, p := range paths {
			if !seen[p] {
				seen[p] = true
				files = append(files, p)
			}
		}
	}
	if b.IsCurrent {
		changed, err := s.repo.ChangedFiles(dir)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to read working tree status")
		}
		add(changed)
	}
	if b.Name != MainBranch {
		diff, err := s.repo.DiffFiles(ctx, dir, MainBranch, b.Name)
		if err != nil {
			s.logger.Warn().Err(err).Str("branch", b.Name).Msg("failed to diff branch")
		}
		add(diff)
	}
	sort.Strings(files)
	return files
}

func (s *Service) matcher(dir string) *StyleMatcher {
	var patterns []string
	if s.styles != nil {
		patterns = s.styles.StylePatterns(dir)
	}
	return NewStyleMatcher(patterns, s.logger)
}

// TestRuns returns recent test runs for a branch.
func (s *Service) TestRuns(ctx context.Context, projectID, name string, limit int) ([]TestRun, error) {
	if _, err := s.Get(ctx, projectID, name); err != nil {
		return nil, err
	}
	return s.store.TestRuns(ctx, projectID, name, limit)
}

// Commits returns the commits recorded on a branch.
func (s *Service) Commits(ctx context.Context, projectID, name string) ([]Commit, error) {
	if _, err := s.Get(ctx, projectID, name); err != nil {
		return nil, err
	}
	return s.store.Commits(ctx, projectID, name)
}

func strPtr(s string) *string { return &s }
